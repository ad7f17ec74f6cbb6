// Package http assembles the gin control plane served on the daemon's unix
// socket.
package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aweager/command-server/internal/http/handlers"
	"github.com/aweager/command-server/internal/http/middleware"
)

// maxConcurrentRequests bounds parked control-plane calls (job.wait and
// friends block for the life of a job).
const maxConcurrentRequests = 64

// NewRouter wires middleware and routes. The caller binds it to a listener.
func NewRouter(jobAPI handlers.JobAPI, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.ZapLogger(log.Named("http")))
	r.Use(middleware.CapConcurrentRequests(maxConcurrentRequests))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	rpc := handlers.NewRPC(jobAPI, log)
	r.POST("/rpc", rpc.Handle)

	return r
}
