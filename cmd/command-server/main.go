package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/aweager/command-server/internal/config"
	"github.com/aweager/command-server/internal/engine"
	httpapi "github.com/aweager/command-server/internal/http"
	"github.com/aweager/command-server/internal/runfiles"
)

// Exit codes: 0 clean shutdown, 1 runtime directory creation failure, 2
// usage, 128 socket bind failure, otherwise the number of the signal that
// terminated the daemon.
func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	log := buildLogger(cfg)
	defer func() { _ = log.Sync() }()
	log = log.Named("main")

	log.Info("=== starting server instance ===", zap.Int("pid", os.Getpid()))
	log.Debug("resolved config", zap.String("config", spew.Sdump(cfg)))

	if err := runfiles.EnsureDir(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		log.Error("could not create runtime directory", zap.Error(err))
		return 1
	}

	// Executor programs may source helper scripts shipped next to the
	// binary.
	if exe, err := os.Executable(); err == nil {
		os.Setenv("COMMAND_SERVER_LIB", filepath.Join(filepath.Dir(exe), "lib"))
	}

	eng := engine.New(cfg, log)

	// A previous instance may have left its socket behind.
	if err := os.Remove(cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("could not remove stale socket", zap.String("path", cfg.SocketPath), zap.Error(err))
	}

	listener, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not bind %s: %v\n", cfg.SocketPath, err)
		log.Error("bind failed", zap.String("path", cfg.SocketPath), zap.Error(err))
		return 128
	}

	server := &http.Server{
		Handler:  httpapi.NewRouter(eng, log),
		ErrorLog: zap.NewStdLog(log.Named("http").WithOptions(zap.AddCallerSkip(1))),
	}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", zap.Error(err))
			eng.StopServer()
		}
	}()
	log.Info("server listening", zap.String("socket", cfg.SocketPath))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGTERM, unix.SIGINT, unix.SIGQUIT, unix.SIGHUP)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info("received terminating signal", zap.String("signal", sig.String()))
		if num, ok := sig.(syscall.Signal); ok {
			exitCode = int(num)
		}
	case <-eng.Done():
	}

	log.Info("server shutting down")
	_ = server.Close()
	eng.Shutdown()
	_ = os.Remove(cfg.SocketPath)
	return exitCode
}

// buildLogger follows the usual development-config recipe, pointed at the
// configured log file (logs are discarded when none is given).
func buildLogger(cfg *config.Config) *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true

	out := cfg.LogFile
	if out == "" {
		out = "/dev/null"
	}
	logConfig.OutputPaths = []string{out}
	logConfig.ErrorOutputPaths = []string{out}

	return zap.Must(logConfig.Build())
}
