// Package probeapi is the minimal request-handling layer translating
// supervisor state into standardized health and metrics responses for the
// orchestrator.
package probeapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heraldhq/herald/internal/logging"
	"github.com/heraldhq/herald/internal/monitor"
	"github.com/heraldhq/herald/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Supervisor is the probe surface's view of the worker supervisor.
type Supervisor interface {
	CheckLiveness() supervisor.LivenessResult
	CheckReadiness(ctx context.Context) supervisor.ReadinessResult
	CheckStartup() supervisor.StartupResult
	Stats() supervisor.WorkerStats
	ResourceSnapshot() monitor.Snapshot
	Tracker() *supervisor.StatusTracker
}

// Router serves the probe endpoints. The supervisor is attached once
// constructed; until then startup reports in-progress and the other
// endpoints refuse with 503, so the orchestrator can poll from the moment
// the listener is up.
type Router struct {
	logger   *logging.Logger
	registry *prometheus.Registry

	mu  sync.RWMutex
	sup Supervisor
}

func NewRouter(logger *logging.Logger, registry *prometheus.Registry) *Router {
	return &Router{
		logger:   logger,
		registry: registry,
	}
}

// SetSupervisor attaches the supervisor once the worker is constructed.
func (rt *Router) SetSupervisor(sup Supervisor) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.sup = sup
}

func (rt *Router) supervisor() Supervisor {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.sup
}

// Handler builds the gin engine with all probe routes mounted.
func (rt *Router) Handler(ginMode string) *gin.Engine {
	gin.SetMode(ginMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", rt.guard(rt.handleHealth, "internal_error"))
	r.GET("/health/live", rt.guard(rt.handleLiveness, "internal_error"))
	r.GET("/health/ready", rt.guard(rt.handleReadiness, "internal_error"))
	r.GET("/health/startup", rt.guard(rt.handleStartup, "startup_check_error"))
	r.GET("/resources", rt.guard(rt.handleResources, "internal_error"))
	r.GET("/stats", rt.guard(rt.handleStats, "internal_error"))
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{})))

	return r
}

// guard catches handler panics and translates them into a differentiated
// 503 rather than letting them propagate: a broken probe handler must not
// look like a dead dependency.
func (rt *Router) guard(handler gin.HandlerFunc, reason string) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				rt.logger.Error("probe handler panicked",
					zap.String("path", c.FullPath()),
					zap.Any("panic", r))
				c.JSON(http.StatusServiceUnavailable, gin.H{"reason": reason})
			}
		}()
		handler(c)
	}
}

func (rt *Router) handleHealth(c *gin.Context) {
	sup := rt.supervisor()
	if sup == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"reason": "worker_not_initialized"})
		return
	}

	readiness := sup.CheckReadiness(c.Request.Context())
	dbConnected := readiness.Checks.Database == supervisor.ComponentStatusHealthy
	engineRunning := readiness.Checks.DeliveryEngine == supervisor.ComponentStatusHealthy

	body := gin.H{
		"worker":       sup.Stats(),
		"components":   sup.Tracker().GetStatus(),
		"db_connected": dbConnected,
		"timestamp":    time.Now().UTC(),
	}

	if dbConnected && engineRunning {
		body["status"] = "healthy"
		c.JSON(http.StatusOK, body)
		return
	}
	body["status"] = "unhealthy"
	c.JSON(http.StatusServiceUnavailable, body)
}

func (rt *Router) handleLiveness(c *gin.Context) {
	sup := rt.supervisor()
	if sup == nil {
		// Process is alive even before the worker exists.
		c.JSON(http.StatusOK, gin.H{"alive": true})
		return
	}

	result := sup.CheckLiveness()
	if result.Alive {
		c.JSON(http.StatusOK, result)
		return
	}
	c.JSON(http.StatusServiceUnavailable, result)
}

func (rt *Router) handleReadiness(c *gin.Context) {
	sup := rt.supervisor()
	if sup == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"reason": supervisor.ReasonInitInProgress})
		return
	}

	result := sup.CheckReadiness(c.Request.Context())
	if result.Ready {
		c.JSON(http.StatusOK, result)
		return
	}
	c.JSON(http.StatusServiceUnavailable, result)
}

func (rt *Router) handleStartup(c *gin.Context) {
	sup := rt.supervisor()
	if sup == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"reason": supervisor.ReasonInitInProgress})
		return
	}

	result := sup.CheckStartup()
	if result.Started {
		c.JSON(http.StatusOK, result)
		return
	}
	c.JSON(http.StatusServiceUnavailable, result)
}

func (rt *Router) handleResources(c *gin.Context) {
	sup := rt.supervisor()
	if sup == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"reason": "worker_not_initialized"})
		return
	}
	c.JSON(http.StatusOK, sup.ResourceSnapshot())
}

func (rt *Router) handleStats(c *gin.Context) {
	sup := rt.supervisor()
	if sup == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"reason": "worker_not_initialized"})
		return
	}
	c.JSON(http.StatusOK, sup.Stats())
}
