// Package handlers translates inbound control-plane requests into engine
// calls. The transport is JSON-RPC 2.0 over HTTP on the daemon's unix
// socket; this layer does no lifecycle logic of its own.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aweager/command-server/internal/api"
	"github.com/aweager/command-server/pkg/jsonx"
)

// JSON-RPC protocol-level error codes; API failures use the api package's
// 33xxx space.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// JobAPI is the engine surface the adapter needs.
type JobAPI interface {
	ReloadExecutor(stdio api.Stdio, overrides api.ExecutorConfigOverrides) (api.ExecutorInfo, error)
	CancelReload(id string, sig api.Signal) (api.ExecutorInfo, error)
	WaitForReload(id string) (api.ExecutorInfo, error)
	StartJob(cwd string, args []string, stdio api.Stdio) (api.JobInfo, error)
	SignalJob(id string, sig api.Signal) (api.Signal, error)
	WaitForJob(id string) (int, error)
	StopServer()
	ListJobs(includeCompleted bool) map[string]api.JobInfo
	ListExecutors(includeClosed bool) map[string]api.ExecutorInfo
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// RPC dispatches JSON-RPC requests to the engine.
type RPC struct {
	api JobAPI
	log *zap.Logger
}

func NewRPC(jobAPI JobAPI, log *zap.Logger) *RPC {
	return &RPC{api: jobAPI, log: log.Named("rpc")}
}

// Handle serves one JSON-RPC call. Transport-level decode failures map to
// 400; everything after a well-formed envelope is a 200 whose body carries
// either a result or an error object.
func (h *RPC) Handle(c *gin.Context) {
	var req rpcRequest
	if err := jsonx.DecodeStrict(c.Request.Body, &req); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeParseError, Message: err.Error()},
		})
		return
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		c.JSON(http.StatusOK, rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: codeInvalidRequest, Message: "invalid request"},
		})
		return
	}

	result, err := h.dispatch(req.Method, req.Params)

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if err != nil {
		_ = c.Error(err)
		resp.Error = toRPCError(err)
	} else {
		resp.Result = result
	}
	c.JSON(http.StatusOK, resp)
}

// paramsError marks a body that does not fit the method's params shape.
type paramsError struct{ err error }

func (e *paramsError) Error() string { return "invalid params: " + e.err.Error() }

// methodNotFoundError marks an unknown method name.
type methodNotFoundError struct{ method string }

func (e *methodNotFoundError) Error() string { return "method not found: " + e.method }

func toRPCError(err error) *rpcError {
	switch e := err.(type) {
	case api.Error:
		return &rpcError{Code: e.Code(), Message: e.Error(), Data: e.Data()}
	case *paramsError:
		return &rpcError{Code: codeInvalidParams, Message: e.Error()}
	case *methodNotFoundError:
		return &rpcError{Code: codeMethodNotFound, Message: e.Error()}
	default:
		return &rpcError{Code: codeInternalError, Message: err.Error()}
	}
}

// decodeParams is forgiving about unknown fields, matching clients that
// send extra metadata. A missing params object decodes the zero value.
func decodeParams[T any](raw json.RawMessage, dst *T) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &paramsError{err: err}
	}
	return nil
}

func (h *RPC) dispatch(method string, params json.RawMessage) (any, error) {
	switch method {
	case api.MethodStartJob:
		var p api.StartJobParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		job, err := h.api.StartJob(p.Cwd, p.Args, p.Stdio)
		if err != nil {
			return nil, err
		}
		return api.StartJobResult{Job: job}, nil

	case api.MethodSignalJob:
		var p api.SignalJobParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		sig, err := parseSignal(p.Signal)
		if err != nil {
			return nil, err
		}
		actual, err := h.api.SignalJob(p.ID, sig)
		if err != nil {
			return nil, err
		}
		return api.SignalJobResult{ActualSignal: actual}, nil

	case api.MethodWaitForJob:
		var p api.WaitForJobParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		code, err := h.api.WaitForJob(p.ID)
		if err != nil {
			return nil, err
		}
		return api.WaitForJobResult{ExitCode: code}, nil

	case api.MethodReloadExecutor:
		var p api.ReloadExecutorParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		info, err := h.api.ReloadExecutor(p.Stdio, p.ConfigOverrides)
		if err != nil {
			return nil, err
		}
		return api.ReloadExecutorResult{Executor: info}, nil

	case api.MethodCancelReload:
		var p api.CancelReloadParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		sig, err := parseSignal(p.Signal)
		if err != nil {
			return nil, err
		}
		info, err := h.api.CancelReload(p.ID, sig)
		if err != nil {
			return nil, err
		}
		return api.CancelReloadResult{Executor: info}, nil

	case api.MethodWaitForReload:
		var p api.WaitForReloadParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		info, err := h.api.WaitForReload(p.ID)
		if err != nil {
			return nil, err
		}
		return api.WaitForReloadResult{Executor: info}, nil

	case api.MethodStopServer:
		h.api.StopServer()
		return api.StopServerResult{}, nil

	case api.MethodListJobs:
		var p api.ListJobsParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return api.ListJobsResult{Jobs: h.api.ListJobs(p.IncludeCompleted)}, nil

	case api.MethodListExecutors:
		var p api.ListExecutorsParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return api.ListExecutorsResult{Executors: h.api.ListExecutors(p.IncludeClosed)}, nil

	default:
		return nil, &methodNotFoundError{method: method}
	}
}

func parseSignal(s api.Signal) (api.Signal, error) {
	sig, err := api.ParseSignal(string(s))
	if err != nil {
		return "", &paramsError{err: err}
	}
	return sig, nil
}
