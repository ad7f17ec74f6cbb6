package executor

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/aweager/command-server/internal/api"
	"github.com/aweager/command-server/internal/config"
	"github.com/aweager/command-server/internal/runfiles"
	"github.com/aweager/command-server/internal/tokenio"
)

// Job is a handle to one child process launched inside an executor. The
// executor writes the child's exit code to the job's exit FIFO; the job
// relays it to the caller's status pipe and resolves Wait.
type Job struct {
	ID         string
	ExecutorID string
	Cwd        string
	Args       []string
	Pid        int

	log     *zap.Logger
	signals config.SignalTranslator

	exitFifo   *runfiles.Fifo
	exitReader *tokenio.Reader
	statusPipe string

	// done closes once the exit read resolves; exitCode stays nil on
	// EOF/parse failure (the executor died under the job).
	done     chan struct{}
	exitCode *int
}

type jobSpec struct {
	executorID string
	cwd        string
	args       []string
	pid        int
	signals    config.SignalTranslator
	exitFifo   *runfiles.Fifo
	exitReader *tokenio.Reader
	statusPipe string
	log        *zap.Logger
}

func newJob(spec jobSpec) *Job {
	id := uuid.NewString()
	j := &Job{
		ID:         id,
		ExecutorID: spec.executorID,
		Cwd:        spec.cwd,
		Args:       spec.args,
		Pid:        spec.pid,
		log:        spec.log.Named("job").With(zap.String("job_id", id), zap.Int("pid", spec.pid)),
		signals:    spec.signals,
		exitFifo:   spec.exitFifo,
		exitReader: spec.exitReader,
		statusPipe: spec.statusPipe,
		done:       make(chan struct{}),
	}
	go j.readExit()
	return j
}

func (j *Job) State() api.JobState {
	select {
	case <-j.done:
		return api.JobState{Status: api.JobDone, ExitCode: j.exitCode}
	default:
		return api.JobState{Status: api.JobRunning}
	}
}

func (j *Job) Status() api.JobStatus {
	return j.State().Status
}

func (j *Job) Info() api.JobInfo {
	return api.JobInfo{
		ID:         j.ID,
		ExecutorID: j.ExecutorID,
		Cwd:        j.Cwd,
		Args:       j.Args,
		State:      j.State(),
	}
}

// Signal translates the logical signal and delivers it to the job's pid.
// Delivery errors are swallowed and logged; the child may already be gone.
// Returns the effective signal.
func (j *Job) Signal(sig api.Signal) api.Signal {
	actual := j.signals.Translate(sig)
	if err := unix.Kill(j.Pid, actual.Sys()); err != nil {
		j.log.Info("could not signal job", zap.String("signal", string(actual)), zap.Error(err))
	}
	return actual
}

// Wait blocks until the job is DONE. ok is false when the exit status never
// resolved (executor torn down before the child reported).
func (j *Job) Wait() (code int, ok bool) {
	<-j.done
	if j.exitCode == nil {
		return 0, false
	}
	return *j.exitCode, true
}

// Close terminates a RUNNING job with TERM and waits for it; a DONE job is
// a no-op beyond releasing the exit reader.
func (j *Job) Close() {
	if j.Status() == api.JobRunning {
		j.Signal(api.SIGTERM)
		j.Wait()
		return
	}
	_ = j.exitReader.Close()
	j.exitFifo.Unlink()
}

// readExit resolves the exit future: one integer token, then the status
// pipe gets the job's single final status (-1 when unresolved).
func (j *Job) readExit() {
	code, err := j.exitReader.ReadInt()
	status := -1
	if err == nil {
		j.exitCode = &code
		status = code
		j.log.Info("job exited", zap.Int("exit_code", code))
	} else {
		j.log.Warn("job exit status unresolved", zap.Error(err))
	}

	_ = j.exitReader.Close()
	j.exitFifo.Unlink()
	close(j.done)

	// After done resolves: a caller that never reads its status pipe must
	// not be able to wedge Wait.
	ReportStatus(j.statusPipe, status, j.log)
}
