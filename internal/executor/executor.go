// Package executor manages the reusable executor subprocess and the jobs it
// launches. The daemon talks to an executor over two token-framed FIFOs; a
// third, per-job FIFO carries each job's exit status back.
package executor

import (
	"errors"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aweager/command-server/internal/api"
	"github.com/aweager/command-server/internal/config"
	"github.com/aweager/command-server/internal/runfiles"
	"github.com/aweager/command-server/internal/tokenio"
)

// Executor is one running executor subprocess. Its observable state moves
// monotonically LOADING -> RUNNING -> CLOSED (or LOADING -> CLOSED); it
// becomes RUNNING only after writing the ready token "0" on its pipe.
type Executor struct {
	ID      string
	Cwd     string
	Command string
	Args    []string

	log     *zap.Logger
	signals config.SignalTranslator

	cmd       *exec.Cmd
	stdio     *runfiles.FileList
	readFifo  *runfiles.Fifo
	writeFifo *runfiles.Fifo

	// ready closes only on a genuine "0" ready token; closed closes once the
	// subprocess is reaped and the pipes are released.
	ready    chan struct{}
	closed   chan struct{}
	exitCode int

	// pipeMu guards the daemon-side pipe ends, which the init goroutine
	// stores and teardown revokes. startMu serializes start frames so each
	// pid response pairs with its frame in FIFO order.
	pipeMu   sync.Mutex
	reader   *tokenio.Reader
	writer   *tokenio.Writer
	tornDown bool
	startMu  sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*Job
}

// New opens the caller's stdio, creates the protocol FIFOs, and spawns the
// executor program as `command write_fifo read_fifo args...`. Each step
// releases everything the previous steps acquired on failure. The returned
// executor is LOADING; readiness resolves in the background.
func New(cfg config.ExecutorConfig, stdio api.Stdio, log *zap.Logger) (*Executor, error) {
	id := uuid.NewString()
	log = log.Named("executor").With(zap.String("executor_id", id))

	files, err := runfiles.OpenMultiple(
		runfiles.Request{Path: stdio.Stdin, Mode: runfiles.Read},
		runfiles.Request{Path: stdio.Stdout, Mode: runfiles.Write},
		runfiles.Request{Path: stdio.Stderr, Mode: runfiles.Write},
	)
	if err != nil {
		return nil, err
	}

	readFifo, err := runfiles.MakeFifo("executor_reader", log)
	if err != nil {
		_ = files.Close()
		return nil, err
	}

	writeFifo, err := runfiles.MakeFifo("executor_writer", log)
	if err != nil {
		_ = files.Close()
		readFifo.Unlink()
		return nil, err
	}

	argv := append([]string{writeFifo.Path, readFifo.Path}, cfg.Args...)
	cmd := exec.Command(cfg.Command, argv...)
	cmd.Dir = cfg.Cwd
	cmd.Stdin = files.Files[0]
	cmd.Stdout = files.Files[1]
	cmd.Stderr = files.Files[2]
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = files.Close()
		readFifo.Unlink()
		writeFifo.Unlink()
		return nil, &api.FileError{
			Type:   api.FileOpenFailed,
			Path:   cfg.Command,
			Detail: err.Error(),
		}
	}

	log.Info("executor spawned",
		zap.String("command", cfg.Command),
		zap.Strings("args", cfg.Args),
		zap.Int("pid", cmd.Process.Pid))

	e := &Executor{
		ID:        id,
		Cwd:       cfg.Cwd,
		Command:   cfg.Command,
		Args:      cfg.Args,
		log:       log,
		signals:   cfg.Signals,
		cmd:       cmd,
		stdio:     files,
		readFifo:  readFifo,
		writeFifo: writeFifo,
		ready:     make(chan struct{}),
		closed:    make(chan struct{}),
		jobs:      make(map[string]*Job),
	}

	go e.lazyInit()
	go e.teardown()
	go e.reportLoadStatus(stdio.StatusPipe)

	return e, nil
}

// State reports the current lifecycle position. Checked closed-first so the
// observed sequence stays monotonic.
func (e *Executor) State() api.ExecutorState {
	select {
	case <-e.closed:
		code := e.exitCode
		return api.ExecutorState{Status: api.ExecutorClosed, ExitCode: &code}
	default:
	}

	select {
	case <-e.ready:
		return api.ExecutorState{Status: api.ExecutorRunning}
	default:
		return api.ExecutorState{Status: api.ExecutorLoading}
	}
}

func (e *Executor) Status() api.ExecutorStatus {
	return e.State().Status
}

func (e *Executor) Info() api.ExecutorInfo {
	return api.ExecutorInfo{
		ID:      e.ID,
		Cwd:     e.Cwd,
		Command: e.Command,
		Args:    e.Args,
		State:   e.State(),
	}
}

// WaitReady blocks until the executor is RUNNING (nil) or CLOSED without
// ever becoming ready (non-nil). After a non-nil return WaitClosed yields
// the exit code without blocking.
func (e *Executor) WaitReady() error {
	select {
	case <-e.ready:
		return nil
	case <-e.closed:
		select {
		case <-e.ready:
			return nil
		default:
		}
		return &api.ExecutorReloadFailedError{ID: e.ID, ExitCode: e.exitCode}
	}
}

// WaitClosed blocks until the subprocess has been reaped and returns its
// exit code (negative for a terminating signal).
func (e *Executor) WaitClosed() int {
	<-e.closed
	return e.exitCode
}

// StartJob hands one command invocation to the executor: a fresh exit FIFO,
// one start frame on the write pipe, and a pid read back on the read pipe.
// The frame write and pid read are paired under startMu so concurrent calls
// interleave whole frames, never tokens.
func (e *Executor) StartJob(cwd string, args []string, stdio api.Stdio) (*Job, error) {
	e.pipeMu.Lock()
	reader, writer := e.reader, e.writer
	e.pipeMu.Unlock()
	if e.Status() != api.ExecutorRunning || reader == nil || writer == nil {
		return nil, &api.ExecutorNotRunningError{}
	}

	exitFifo, err := runfiles.MakeFifo("job_exit", e.log)
	if err != nil {
		return nil, err
	}

	e.log.Info("starting job",
		zap.String("cwd", cwd),
		zap.Strings("args", args),
		zap.String("exit_fifo", exitFifo.Path))

	e.startMu.Lock()
	frame := append([]string{
		cwd,
		stdio.Stdin,
		stdio.Stdout,
		stdio.Stderr,
		exitFifo.Path,
		strconv.Itoa(len(args)),
	}, args...)
	if err := writer.Write(frame); err != nil {
		e.startMu.Unlock()
		exitFifo.Unlink()
		return nil, &api.JobStartFailedError{}
	}

	exitFile, err := runfiles.Open(exitFifo.Path, runfiles.Read)
	if err != nil {
		e.startMu.Unlock()
		exitFifo.Unlink()
		return nil, err
	}
	exitReader := tokenio.NewReader(exitFile)

	pid, err := reader.ReadInt()
	e.startMu.Unlock()
	if err != nil {
		_ = exitReader.Close()
		exitFifo.Unlink()
		return nil, &api.JobStartFailedError{}
	}

	job := newJob(jobSpec{
		executorID: e.ID,
		cwd:        cwd,
		args:       args,
		pid:        pid,
		signals:    e.signals,
		exitFifo:   exitFifo,
		exitReader: exitReader,
		statusPipe: stdio.StatusPipe,
		log:        e.log,
	})

	e.jobsMu.Lock()
	e.jobs[job.ID] = job
	e.jobsMu.Unlock()

	return job, nil
}

// Cleanup signals the subprocess (unless already CLOSED) and waits for
// teardown; with killJobs every job spawned here is closed concurrently.
// Idempotent.
func (e *Executor) Cleanup(sig api.Signal, killJobs bool) int {
	if e.Status() != api.ExecutorClosed {
		if err := e.cmd.Process.Signal(sig.Sys()); err != nil {
			e.log.Info("could not signal executor", zap.String("signal", string(sig)), zap.Error(err))
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		e.WaitClosed()
		return nil
	})
	if killJobs {
		e.jobsMu.Lock()
		jobs := make([]*Job, 0, len(e.jobs))
		for _, j := range e.jobs {
			jobs = append(jobs, j)
		}
		e.jobsMu.Unlock()
		for _, j := range jobs {
			g.Go(func() error {
				j.Close()
				return nil
			})
		}
	}
	_ = g.Wait()

	return e.exitCode
}

// lazyInit opens the daemon-side pipe ends (blocking until the subprocess
// opens its side) and reads the ready token. An executor that dies without
// opening its pipes leaves these opens parked; they hold no descriptor and
// cleanup does not wait on them.
func (e *Executor) lazyInit() {
	readFile, err := runfiles.Open(e.readFifo.Path, runfiles.Read)
	if err != nil {
		e.log.Error("could not open executor read pipe", zap.Error(err))
		e.Cleanup(api.SIGTERM, false)
		return
	}
	reader := tokenio.NewReader(readFile)
	if !e.storeReader(reader) {
		_ = reader.Close()
		return
	}

	writeFile, err := runfiles.Open(e.writeFifo.Path, runfiles.Write)
	if err != nil {
		e.log.Error("could not open executor write pipe", zap.Error(err))
		e.Cleanup(api.SIGTERM, false)
		return
	}
	writer := tokenio.NewWriter(writeFile)
	if !e.storeWriter(writer) {
		_ = writer.Close()
		return
	}

	status, err := reader.ReadInt()
	if err != nil || status != 0 {
		e.log.Error("executor never became ready",
			zap.Int("ready_status", status),
			zap.Error(err))
		e.Cleanup(api.SIGTERM, false)
		return
	}

	e.log.Info("executor ready")
	close(e.ready)
}

// storeReader publishes the read pipe end unless teardown already revoked
// the pipes.
func (e *Executor) storeReader(r *tokenio.Reader) bool {
	e.pipeMu.Lock()
	defer e.pipeMu.Unlock()
	if e.tornDown {
		return false
	}
	e.reader = r
	return true
}

func (e *Executor) storeWriter(w *tokenio.Writer) bool {
	e.pipeMu.Lock()
	defer e.pipeMu.Unlock()
	if e.tornDown {
		return false
	}
	e.writer = w
	return true
}

// teardown reaps the subprocess, records its exit code, and releases the
// pipes. Closing the reader unblocks any in-flight token read.
func (e *Executor) teardown() {
	var code int
	err := e.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status := exitErr.ProcessState.Sys().(syscall.WaitStatus)
			if status.Signaled() {
				code = -int(status.Signal())
			} else {
				code = status.ExitStatus()
			}
			e.log.Info("executor exited",
				zap.Int("exit_code", code),
				zap.Bool("signaled", status.Signaled()))
		} else {
			code = -1
			e.log.Error("could not wait for executor", zap.Error(err))
		}
	} else {
		e.log.Info("executor exited cleanly")
	}

	e.pipeMu.Lock()
	e.tornDown = true
	reader, writer := e.reader, e.writer
	e.pipeMu.Unlock()

	if reader != nil {
		_ = reader.Close()
	}
	if writer != nil {
		_ = writer.Close()
	}
	_ = e.stdio.Close()
	e.readFifo.Unlink()
	e.writeFifo.Unlink()

	e.exitCode = code
	close(e.closed)
}

// reportLoadStatus writes the load outcome to the caller's status pipe:
// "0" once RUNNING, otherwise the exit code of the failed load (127 when
// the subprocess exited 0 without ever becoming ready).
func (e *Executor) reportLoadStatus(statusPipe string) {
	select {
	case <-e.ready:
		ReportStatus(statusPipe, 0, e.log)
	case <-e.closed:
		code := e.exitCode
		if code == 0 {
			code = 127
		}
		ReportStatus(statusPipe, code, e.log)
	}
}

// ReportStatus writes one integer token to a caller-supplied status pipe.
// Opening blocks until the caller reads; failures are the caller's problem
// and only logged.
func ReportStatus(path string, code int, log *zap.Logger) {
	f, err := runfiles.Open(path, runfiles.Write)
	if err != nil {
		log.Info("could not open status pipe", zap.String("path", path), zap.Error(err))
		return
	}
	w := tokenio.NewWriter(f)
	if err := w.Write([]string{strconv.Itoa(code)}); err != nil {
		log.Info("could not write status", zap.String("path", path), zap.Error(err))
	}
	_ = w.Close()
}
