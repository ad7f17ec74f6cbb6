// Package api defines the wire-level data model of the command server: the
// stdio descriptor callers attach to executors and jobs, the closed signal
// set, executor/job state snapshots, and the params/results of every
// control-plane method.
package api

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/aweager/command-server/pkg/jsonx"
)

// Stdio names the files a caller has prepared for a job or executor. All
// four are filesystem paths; the status pipe is a FIFO that receives exactly
// one integer: the final exit status.
type Stdio struct {
	Stdin      string `json:"stdin"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	StatusPipe string `json:"status_pipe"`
}

// Signal is a logical signal name from the closed set callers may deliver.
type Signal string

const (
	SIGTERM Signal = "TERM"
	SIGINT  Signal = "INT"
	SIGHUP  Signal = "HUP"
	SIGQUIT Signal = "QUIT"
)

var signalNumbers = map[Signal]unix.Signal{
	SIGTERM: unix.SIGTERM,
	SIGINT:  unix.SIGINT,
	SIGHUP:  unix.SIGHUP,
	SIGQUIT: unix.SIGQUIT,
}

// ParseSignal validates a logical signal name.
func ParseSignal(name string) (Signal, error) {
	s := Signal(name)
	if _, ok := signalNumbers[s]; !ok {
		return "", fmt.Errorf("unsupported signal %q", name)
	}
	return s, nil
}

// Sys returns the OS signal corresponding to the logical name. Unknown names
// fall back to SIGTERM; they cannot appear through ParseSignal.
func (s Signal) Sys() unix.Signal {
	if n, ok := signalNumbers[s]; ok {
		return n
	}
	return unix.SIGTERM
}

type ExecutorStatus string

const (
	ExecutorLoading ExecutorStatus = "LOADING"
	ExecutorRunning ExecutorStatus = "RUNNING"
	ExecutorClosed  ExecutorStatus = "CLOSED"
)

// ExecutorState is a point-in-time observation. ExitCode is set once the
// status is CLOSED; a negative value is the signal that terminated the
// subprocess.
type ExecutorState struct {
	Status   ExecutorStatus `json:"status"`
	ExitCode *int           `json:"exit_code"`
}

type ExecutorInfo struct {
	ID      string        `json:"id"`
	Cwd     string        `json:"cwd"`
	Command string        `json:"command"`
	Args    []string      `json:"args"`
	State   ExecutorState `json:"state"`
}

type JobStatus string

const (
	JobRunning JobStatus = "RUNNING"
	JobDone    JobStatus = "DONE"
)

type JobState struct {
	Status   JobStatus `json:"status"`
	ExitCode *int      `json:"exit_code"`
}

type JobInfo struct {
	ID         string   `json:"id"`
	ExecutorID string   `json:"executor_id"`
	Cwd        string   `json:"cwd"`
	Args       []string `json:"args"`
	State      JobState `json:"state"`
}

// ExecutorConfigOverrides adjusts the base executor config for one reload.
// Absent fields inherit the base value.
type ExecutorConfigOverrides struct {
	Cwd  jsonx.Field[string]   `json:"cwd"`
	Args jsonx.Field[[]string] `json:"args"`
}

type ReloadExecutorParams struct {
	Stdio           Stdio                   `json:"stdio"`
	ConfigOverrides ExecutorConfigOverrides `json:"config_overrides"`
}

type ReloadExecutorResult struct {
	Executor ExecutorInfo `json:"executor"`
}

type CancelReloadParams struct {
	ID     string `json:"id"`
	Signal Signal `json:"signal"`
}

type CancelReloadResult struct {
	Executor ExecutorInfo `json:"executor"`
}

type WaitForReloadParams struct {
	ID string `json:"id"`
}

type WaitForReloadResult struct {
	Executor ExecutorInfo `json:"executor"`
}

type StartJobParams struct {
	Cwd   string   `json:"cwd"`
	Args  []string `json:"args"`
	Stdio Stdio    `json:"stdio"`
}

type StartJobResult struct {
	Job JobInfo `json:"job"`
}

type SignalJobParams struct {
	ID     string `json:"id"`
	Signal Signal `json:"signal"`
}

type SignalJobResult struct {
	ActualSignal Signal `json:"actual_signal"`
}

type WaitForJobParams struct {
	ID string `json:"id"`
}

type WaitForJobResult struct {
	ExitCode int `json:"exit_code"`
}

type StopServerParams struct{}

type StopServerResult struct{}

type ListJobsParams struct {
	IncludeCompleted bool `json:"include_completed"`
}

type ListJobsResult struct {
	Jobs map[string]JobInfo `json:"jobs"`
}

type ListExecutorsParams struct {
	IncludeClosed bool `json:"include_closed"`
}

type ListExecutorsResult struct {
	Executors map[string]ExecutorInfo `json:"executors"`
}

// Method names of the control-plane API.
const (
	MethodStartJob       = "job.start"
	MethodSignalJob      = "job.signal"
	MethodWaitForJob     = "job.wait"
	MethodReloadExecutor = "executor.reload"
	MethodCancelReload   = "executor.cancel-reload"
	MethodWaitForReload  = "executor.wait-ready"
	MethodStopServer     = "command_server.stop"
	MethodListJobs       = "command_server.list-jobs"
	MethodListExecutors  = "command_server.list-executors"
)
