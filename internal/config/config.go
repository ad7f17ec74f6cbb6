// Package config resolves the daemon's startup configuration from the
// command line and a YAML config file. The file supplies executor defaults;
// flags and positional executor args override it.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/aweager/command-server/internal/api"
)

// SignalTranslator remaps logical signals before delivery, letting callers
// redirect e.g. INT to TERM for executors that do not handle INT well.
type SignalTranslator map[api.Signal]api.Signal

// Translate returns the effective signal for sig; unmapped signals pass
// through unchanged.
func (t SignalTranslator) Translate(sig api.Signal) api.Signal {
	if actual, ok := t[sig]; ok {
		return actual
	}
	return sig
}

// ExecutorConfig is a fully-resolved config an executor can be spawned from.
type ExecutorConfig struct {
	Cwd     string
	Command string
	Args    []string
	Signals SignalTranslator
}

// BaseExecutorConfig is the configured default; reload requests overlay
// their overrides onto it.
type BaseExecutorConfig struct {
	Cwd     string
	Command string
	Args    []string
	Signals SignalTranslator
}

// ApplyOverrides resolves one reload's effective config. A null override
// counts as unset and inherits the base value.
func (b BaseExecutorConfig) ApplyOverrides(o api.ExecutorConfigOverrides) (ExecutorConfig, error) {
	cwd := b.Cwd
	if v, ok := o.Cwd.Value(); ok {
		cwd = v
	}
	if cwd == "" {
		return ExecutorConfig{}, &api.InvalidExecutorConfigError{Detail: "cwd must be specified"}
	}

	if b.Command == "" {
		return ExecutorConfig{}, &api.InvalidExecutorConfigError{Detail: "command must be specified"}
	}

	args := b.Args
	if v, ok := o.Args.Value(); ok {
		args = v
	}

	return ExecutorConfig{
		Cwd:     cwd,
		Command: b.Command,
		Args:    args,
		Signals: b.Signals,
	}, nil
}

// Config is everything the daemon needs to start.
type Config struct {
	SocketPath     string
	LogLevel       zapcore.Level
	LogFile        string
	MaxConcurrency int
	Base           BaseExecutorConfig
}

type fileConfig struct {
	Core struct {
		MaxConcurrency int    `yaml:"max_concurrency"`
		LogLevel       string `yaml:"log_level"`
		LogFile        string `yaml:"log_file"`
	} `yaml:"core"`
	Executor struct {
		WorkingDir string   `yaml:"working_dir"`
		Command    string   `yaml:"command"`
		Args       []string `yaml:"args"`
	} `yaml:"executor"`
	SignalTranslations map[string]string `yaml:"signal_translations"`
}

// Parse reads flags and the config file from argv (argv[0] is the program
// name). Usage: command-server [--log-level L] [--log-file F] socket config
// [executor_args...].
func Parse(argv []string) (*Config, error) {
	fs := flag.NewFlagSet("command-server", flag.ContinueOnError)
	logLevel := fs.String("log-level", "", "log level, defaults to warn")
	logFile := fs.String("log-file", "", "log file")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [flags] socket config_file [executor_args...]\n", argv[0])
		fs.PrintDefaults()
	}

	if err := fs.Parse(argv[1:]); err != nil {
		return nil, err
	}
	if fs.NArg() < 2 {
		return nil, fmt.Errorf("expected socket and config file arguments, got %d", fs.NArg())
	}

	socketPath := fs.Arg(0)
	configPath := fs.Arg(1)
	executorArgs := fs.Args()[2:]

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
	}

	configDir := filepath.Dir(configPath)

	signals := make(SignalTranslator, len(file.SignalTranslations))
	for from, to := range file.SignalTranslations {
		fromSig, err := api.ParseSignal(strings.ToUpper(from))
		if err != nil {
			return nil, fmt.Errorf("signal_translations: %w", err)
		}
		toSig, err := api.ParseSignal(strings.ToUpper(to))
		if err != nil {
			return nil, fmt.Errorf("signal_translations: %w", err)
		}
		signals[fromSig] = toSig
	}

	if file.Executor.Command == "" {
		return nil, fmt.Errorf("no executor command specified in config file")
	}
	command := resolvePath(configDir, file.Executor.Command)

	cwd := resolvePath(configDir, file.Executor.WorkingDir)
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return nil, err
		}
	}

	args := executorArgs
	if len(args) == 0 {
		args = file.Executor.Args
	}
	if args == nil {
		args = []string{}
	}

	level := zapcore.WarnLevel
	if name := firstOf(*logLevel, file.Core.LogLevel); name != "" {
		if level, err = zapcore.ParseLevel(strings.ToLower(name)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}

	return &Config{
		SocketPath:     socketPath,
		LogLevel:       level,
		LogFile:        firstOf(*logFile, resolvePath(configDir, file.Core.LogFile)),
		MaxConcurrency: file.Core.MaxConcurrency,
		Base: BaseExecutorConfig{
			Cwd:     cwd,
			Command: command,
			Args:    args,
			Signals: signals,
		},
	}, nil
}

// resolvePath expands a leading ~ against HOME and anchors explicitly
// relative paths (./x) at the config file's directory.
func resolvePath(configDir, path string) string {
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		return filepath.Join(os.Getenv("HOME"), strings.TrimPrefix(path[1:], "/"))
	}
	if strings.HasPrefix(path, "./") || strings.HasPrefix(path, "../") {
		return filepath.Join(configDir, path)
	}
	return path
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
