// Package engine is the single authority over executor and job lifecycles:
// it owns the registries, serializes reloads, enforces the concurrency cap,
// and routes signals and waits between callers and subprocesses.
package engine

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/aweager/command-server/internal/api"
	"github.com/aweager/command-server/internal/config"
	"github.com/aweager/command-server/internal/executor"
)

// Engine implements the control-plane operations. All registry mutation
// happens under mu; the reload procedure additionally holds reloadMu so at
// most one reload is in flight.
type Engine struct {
	log  *zap.Logger
	base config.BaseExecutorConfig

	reloadMu sync.Mutex

	mu          sync.RWMutex
	executors   map[string]*executor.Executor
	jobs        map[string]*executor.Job
	current     *executor.Executor
	reloadingID string

	slots *slotPool

	stopOnce sync.Once
	stop     chan struct{}
}

func New(cfg *config.Config, log *zap.Logger) *Engine {
	return &Engine{
		log:       log.Named("engine"),
		base:      cfg.Base,
		executors: make(map[string]*executor.Executor),
		jobs:      make(map[string]*executor.Job),
		slots:     newSlotPool(cfg.MaxConcurrency),
		stop:      make(chan struct{}),
	}
}

// ReloadExecutor spawns a replacement executor from the base config plus
// overrides. The new executor becomes current only once it reports ready;
// until then the previous current keeps serving. The old executor is never
// torn down here; callers that want that cancel it or stop the server.
func (e *Engine) ReloadExecutor(stdio api.Stdio, overrides api.ExecutorConfigOverrides) (api.ExecutorInfo, error) {
	cfg, err := e.base.ApplyOverrides(overrides)
	if err != nil {
		return api.ExecutorInfo{}, err
	}

	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	// A reload stays active only while its executor is LOADING; once it is
	// ready or closed a new reload may start, even if promote has not yet
	// cleared reloadingID.
	e.mu.RLock()
	reloading := e.reloadingID
	active := false
	if prev, ok := e.executors[reloading]; ok {
		active = prev.Status() == api.ExecutorLoading
	}
	e.mu.RUnlock()
	if active {
		return api.ExecutorInfo{}, &api.ExecutorReloadActiveError{ID: reloading}
	}

	ex, err := executor.New(cfg, stdio, e.log)
	if err != nil {
		return api.ExecutorInfo{}, err
	}

	e.mu.Lock()
	e.executors[ex.ID] = ex
	e.reloadingID = ex.ID
	e.mu.Unlock()

	e.log.Info("reloading executor", zap.String("executor_id", ex.ID))
	go e.promote(ex)

	return ex.Info(), nil
}

// promote observes readiness in the background; only a ready executor ever
// becomes current.
func (e *Engine) promote(ex *executor.Executor) {
	err := ex.WaitReady()

	e.mu.Lock()
	if err == nil {
		e.current = ex
	}
	if e.reloadingID == ex.ID {
		e.reloadingID = ""
	}
	e.mu.Unlock()

	if err == nil {
		e.log.Info("executor promoted", zap.String("executor_id", ex.ID))
	} else {
		e.log.Warn("executor failed to load", zap.String("executor_id", ex.ID), zap.Error(err))
	}
}

// CancelReload signals an executor that is still LOADING and waits for it
// to close.
func (e *Engine) CancelReload(id string, sig api.Signal) (api.ExecutorInfo, error) {
	e.mu.RLock()
	ex, ok := e.executors[id]
	e.mu.RUnlock()
	if !ok {
		return api.ExecutorInfo{}, &api.ExecutorNotFoundError{ID: id}
	}

	if ex.Status() != api.ExecutorLoading {
		return api.ExecutorInfo{}, &api.ExecutorAlreadyLoadedError{ID: id}
	}

	ex.Cleanup(sig, false)
	return ex.Info(), nil
}

// WaitForReload blocks until the named executor (default: the one currently
// loading) is ready, or reports how it failed.
func (e *Engine) WaitForReload(id string) (api.ExecutorInfo, error) {
	e.mu.RLock()
	if id == "" {
		id = e.reloadingID
	}
	ex, ok := e.executors[id]
	e.mu.RUnlock()
	if !ok {
		return api.ExecutorInfo{}, &api.ExecutorNotFoundError{ID: id}
	}

	if err := ex.WaitReady(); err != nil {
		return api.ExecutorInfo{}, err
	}
	return ex.Info(), nil
}

// StartJob dispatches one job to the current executor. When the concurrency
// cap is reached the start queues FIFO behind earlier starts; a start still
// queued at shutdown is cancelled and its status pipe receives 128+INT.
func (e *Engine) StartJob(cwd string, args []string, stdio api.Stdio) (api.JobInfo, error) {
	if _, err := e.currentRunning(); err != nil {
		return api.JobInfo{}, err
	}

	slotID := uuid.NewString()
	if !e.slots.Acquire(slotID, e.stop) {
		e.log.Info("queued job cancelled at shutdown", zap.String("cwd", cwd))
		executor.ReportStatus(stdio.StatusPipe, 128+int(unix.SIGINT), e.log)
		return api.JobInfo{}, &api.JobStartFailedError{}
	}

	ex, err := e.currentRunning()
	if err != nil {
		e.slots.Release(slotID)
		return api.JobInfo{}, err
	}

	job, err := ex.StartJob(cwd, args, stdio)
	if err != nil {
		e.slots.Release(slotID)
		return api.JobInfo{}, err
	}

	e.mu.Lock()
	e.jobs[job.ID] = job
	e.mu.Unlock()

	go func() {
		job.Wait()
		e.slots.Release(slotID)
	}()

	return job.Info(), nil
}

// SignalJob delivers a logical signal to a job, returning the effective
// signal after translation. Delivery to an already-exited job is not an
// error.
func (e *Engine) SignalJob(id string, sig api.Signal) (api.Signal, error) {
	e.mu.RLock()
	job, ok := e.jobs[id]
	e.mu.RUnlock()
	if !ok {
		return "", &api.JobNotFoundError{ID: id}
	}
	return job.Signal(sig), nil
}

// WaitForJob blocks until the job completes; -1 stands in for an exit
// status that never resolved.
func (e *Engine) WaitForJob(id string) (int, error) {
	e.mu.RLock()
	job, ok := e.jobs[id]
	e.mu.RUnlock()
	if !ok {
		return 0, &api.JobNotFoundError{ID: id}
	}

	code, ok := job.Wait()
	if !ok {
		return -1, nil
	}
	return code, nil
}

// StopServer resolves the stop event; the serving loop observes it and
// drives Shutdown. Returns immediately.
func (e *Engine) StopServer() {
	e.stopOnce.Do(func() {
		e.log.Info("stop requested")
		close(e.stop)
	})
}

// Done resolves once StopServer has been called.
func (e *Engine) Done() <-chan struct{} {
	return e.stop
}

// Shutdown tears every registered executor down (TERM, killing its jobs)
// and returns once all are CLOSED. Pending starts were already cancelled by
// the stop event.
func (e *Engine) Shutdown() {
	e.StopServer()

	e.mu.RLock()
	executors := make([]*executor.Executor, 0, len(e.executors))
	for _, ex := range e.executors {
		executors = append(executors, ex)
	}
	e.mu.RUnlock()

	var g errgroup.Group
	for _, ex := range executors {
		g.Go(func() error {
			ex.Cleanup(api.SIGTERM, true)
			return nil
		})
	}
	_ = g.Wait()
	e.log.Info("all executors closed")
}

// ListJobs snapshots the job registry, optionally filtering out DONE jobs.
func (e *Engine) ListJobs(includeCompleted bool) map[string]api.JobInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	jobs := make(map[string]api.JobInfo, len(e.jobs))
	for id, job := range e.jobs {
		if !includeCompleted && job.Status() == api.JobDone {
			continue
		}
		jobs[id] = job.Info()
	}
	return jobs
}

// ListExecutors snapshots the executor registry, optionally filtering out
// CLOSED executors.
func (e *Engine) ListExecutors(includeClosed bool) map[string]api.ExecutorInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	executors := make(map[string]api.ExecutorInfo, len(e.executors))
	for id, ex := range e.executors {
		if !includeClosed && ex.Status() == api.ExecutorClosed {
			continue
		}
		executors[id] = ex.Info()
	}
	return executors
}

func (e *Engine) currentRunning() (*executor.Executor, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil || e.current.Status() != api.ExecutorRunning {
		return nil, &api.ExecutorNotRunningError{}
	}
	return e.current, nil
}
