package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/aweager/command-server/internal/api"
	"github.com/aweager/command-server/pkg/jsonx"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParse(t *testing.T) {
	path := writeConfig(t, `
core:
  max_concurrency: 4
  log_level: debug
executor:
  working_dir: /srv/work
  command: /usr/bin/executor
  args: [--shell, zsh]
signal_translations:
  int: term
`)

	cfg, err := Parse([]string{"command-server", "/tmp/cs.sock", path})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.SocketPath != "/tmp/cs.sock" {
		t.Errorf("socket %q", cfg.SocketPath)
	}
	if cfg.MaxConcurrency != 4 {
		t.Errorf("max concurrency %d, want 4", cfg.MaxConcurrency)
	}
	if cfg.LogLevel != zapcore.DebugLevel {
		t.Errorf("log level %v, want debug", cfg.LogLevel)
	}
	if cfg.Base.Cwd != "/srv/work" || cfg.Base.Command != "/usr/bin/executor" {
		t.Errorf("base executor config %+v", cfg.Base)
	}
	if !reflect.DeepEqual(cfg.Base.Args, []string{"--shell", "zsh"}) {
		t.Errorf("args %v", cfg.Base.Args)
	}
	if got := cfg.Base.Signals.Translate(api.SIGINT); got != api.SIGTERM {
		t.Errorf("INT translates to %v, want TERM", got)
	}
	if got := cfg.Base.Signals.Translate(api.SIGHUP); got != api.SIGHUP {
		t.Errorf("HUP translates to %v, want passthrough", got)
	}
}

func TestParseFlagOverridesFile(t *testing.T) {
	path := writeConfig(t, `
core:
  log_level: debug
executor:
  command: /usr/bin/executor
  args: [from-file]
`)

	cfg, err := Parse([]string{
		"command-server", "--log-level", "error", "/tmp/cs.sock", path, "from-cli",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.LogLevel != zapcore.ErrorLevel {
		t.Errorf("log level %v, want error (flag wins)", cfg.LogLevel)
	}
	if !reflect.DeepEqual(cfg.Base.Args, []string{"from-cli"}) {
		t.Errorf("args %v, want CLI args to win", cfg.Base.Args)
	}
}

func TestParseResolvesRelativePaths(t *testing.T) {
	path := writeConfig(t, `
core:
  log_file: ./server.log
executor:
  working_dir: ./work
  command: ./run.sh
`)
	dir := filepath.Dir(path)

	cfg, err := Parse([]string{"command-server", "/tmp/cs.sock", path})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if want := filepath.Join(dir, "server.log"); cfg.LogFile != want {
		t.Errorf("log file %q, want %q", cfg.LogFile, want)
	}
	if want := filepath.Join(dir, "work"); cfg.Base.Cwd != want {
		t.Errorf("cwd %q, want %q", cfg.Base.Cwd, want)
	}
	if want := filepath.Join(dir, "run.sh"); cfg.Base.Command != want {
		t.Errorf("command %q, want %q", cfg.Base.Command, want)
	}
}

func TestParseRequiresCommand(t *testing.T) {
	path := writeConfig(t, `
executor:
  working_dir: /tmp
`)

	if _, err := Parse([]string{"command-server", "/tmp/cs.sock", path}); err == nil {
		t.Fatal("expected error for missing executor command")
	}
}

func TestParseRequiresPositionalArgs(t *testing.T) {
	if _, err := Parse([]string{"command-server", "/tmp/cs.sock"}); err == nil {
		t.Fatal("expected error for missing config file argument")
	}
}

func TestApplyOverrides(t *testing.T) {
	base := BaseExecutorConfig{
		Cwd:     "/base",
		Command: "/usr/bin/executor",
		Args:    []string{"base-arg"},
		Signals: SignalTranslator{api.SIGINT: api.SIGTERM},
	}

	tests := map[string]struct {
		overrides api.ExecutorConfigOverrides
		wantCwd   string
		wantArgs  []string
	}{
		"no overrides": {
			wantCwd:  "/base",
			wantArgs: []string{"base-arg"},
		},
		"cwd set": {
			overrides: api.ExecutorConfigOverrides{Cwd: jsonx.Of("/other")},
			wantCwd:   "/other",
			wantArgs:  []string{"base-arg"},
		},
		"args set": {
			overrides: api.ExecutorConfigOverrides{Args: jsonx.Of([]string{"a", "b"})},
			wantCwd:   "/base",
			wantArgs:  []string{"a", "b"},
		},
		"args set empty": {
			overrides: api.ExecutorConfigOverrides{Args: jsonx.Of([]string{})},
			wantCwd:   "/base",
			wantArgs:  []string{},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cfg, err := base.ApplyOverrides(tt.overrides)
			if err != nil {
				t.Fatalf("apply overrides: %v", err)
			}
			if cfg.Cwd != tt.wantCwd {
				t.Errorf("cwd %q, want %q", cfg.Cwd, tt.wantCwd)
			}
			if !reflect.DeepEqual(cfg.Args, tt.wantArgs) {
				t.Errorf("args %v, want %v", cfg.Args, tt.wantArgs)
			}
			if cfg.Command != base.Command {
				t.Errorf("command %q changed", cfg.Command)
			}
		})
	}
}

func TestApplyOverridesRequiresCwd(t *testing.T) {
	base := BaseExecutorConfig{Command: "/usr/bin/executor"}

	_, err := base.ApplyOverrides(api.ExecutorConfigOverrides{})
	var invalid *api.InvalidExecutorConfigError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidExecutorConfigError, got %v", err)
	}
}

func TestOverridesJSONTriState(t *testing.T) {
	var o api.ExecutorConfigOverrides
	if err := jsonx.DecodeStrict(strings.NewReader(`{"cwd": null, "args": ["x"]}`), &o); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if _, ok := o.Cwd.Value(); ok {
		t.Error("null cwd should read as unset")
	}
	if !o.Cwd.IsNull() {
		t.Error("null cwd should report IsNull")
	}
	if v, ok := o.Args.Value(); !ok || !reflect.DeepEqual(v, []string{"x"}) {
		t.Errorf("args %v ok=%v", v, ok)
	}
}
