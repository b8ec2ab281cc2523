package handlers

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/soundprediction/lostpaw/pkg/encoder"
	"github.com/soundprediction/lostpaw/pkg/gallery"
)

// Build information - can be set at build time using ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

const serviceName = "lostpaw"

// HealthHandler handles health check requests
type HealthHandler struct {
	encoder encoder.Encoder
	gallery *gallery.Gallery
	started time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(enc encoder.Encoder, gal *gallery.Gallery) *HealthHandler {
	return &HealthHandler{
		encoder: enc,
		gallery: gal,
		started: time.Now(),
	}
}

// HealthCheck handles GET /health - basic liveness check
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   Version,
	})
}

// LivenessCheck handles GET /live - Kubernetes liveness probe endpoint
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadinessCheck handles GET /ready. The server is ready once it holds an
// encoder; the gallery is optional.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	checks := gin.H{}
	ready := true

	if h.encoder != nil {
		checks["encoder"] = gin.H{
			"status":     "healthy",
			"dimensions": h.encoder.Dimensions(),
		}
	} else {
		checks["encoder"] = gin.H{
			"status": "unhealthy",
			"error":  "encoder not initialized",
		}
		ready = false
	}

	if h.gallery != nil {
		checks["gallery"] = gin.H{"status": "healthy", "threshold": h.gallery.Threshold()}
	} else {
		checks["gallery"] = gin.H{"status": "disabled"}
	}

	checks["system"] = gin.H{
		"status": "healthy",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	}

	response := gin.H{
		"status":    "ready",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	}
	if !ready {
		response["status"] = "not_ready"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

// DetailedHealthCheck handles GET /health/detailed - build and runtime information
func (h *HealthHandler) DetailedHealthCheck(c *gin.Context) {
	status := http.StatusOK
	state := "healthy"
	if h.encoder == nil {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}

	m := getSystemMetrics()
	c.JSON(status, gin.H{
		"status":  state,
		"service": serviceName,
		"version": Version,
		"build_info": gin.H{
			"git_commit": GitCommit,
			"build_time": BuildTime,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"environment": gin.H{
			"go_version": GoVersion,
		},
		"system": m,
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// SystemMetrics holds system runtime metrics
type SystemMetrics struct {
	MemoryUsage string `json:"memory_usage"`
	Goroutines  int    `json:"goroutines"`
	GCCycles    uint32 `json:"gc_cycles"`
	HeapObjects uint64 `json:"heap_objects"`
	StackUsage  string `json:"stack_usage"`
}

func getSystemMetrics() SystemMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemMetrics{
		MemoryUsage: fmt.Sprintf("%.2f MB", float64(m.Alloc)/(1024*1024)),
		Goroutines:  runtime.NumGoroutine(),
		GCCycles:    m.NumGC,
		HeapObjects: m.HeapObjects,
		StackUsage:  fmt.Sprintf("%.2f MB", float64(m.StackSys)/(1024*1024)),
	}
}
