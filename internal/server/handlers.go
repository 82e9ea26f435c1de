package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devicekit/backupd/internal/backup"
	"github.com/devicekit/backupd/internal/engine/fsengine"
	"github.com/devicekit/backupd/internal/infrastructure/monitoring"
)

// Handlers holds the control-plane HTTP handlers
type Handlers struct {
	service   *backup.Service
	engine    *fsengine.Engine
	scheduler *backup.QueueScheduler
	metrics   *monitoring.Metrics
}

// NewHandlers creates the handler set
func NewHandlers(service *backup.Service, engine *fsengine.Engine, scheduler *backup.QueueScheduler, metrics *monitoring.Metrics) *Handlers {
	return &Handlers{
		service:   service,
		engine:    engine,
		scheduler: scheduler,
		metrics:   metrics,
	}
}

// Root returns service identification
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "backupd",
		"status":  "running",
	})
}

// Health returns service health status
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

// startRunRequest is the body for StartRun. An empty producer list means
// every producer found under the data root.
type startRunRequest struct {
	Producers     []string `json:"producers"`
	UserInitiated bool     `json:"user_initiated"`
}

// StartRun begins a new backup run
func (h *Handlers) StartRun(c *gin.Context) {
	var req startRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	names := req.Producers
	if len(names) == 0 {
		producers, err := h.engine.List()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		for _, p := range producers {
			names = append(names, p.Name)
		}
	}

	run, err := h.service.Start(names, req.UserInitiated)
	switch {
	case errors.Is(err, backup.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, backup.ErrNoProducers):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, run.Snapshot())
}

// ListRuns returns snapshots of all known runs
func (h *Handlers) ListRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": h.service.List()})
}

// GetRun returns one run by ID
func (h *Handlers) GetRun(c *gin.Context) {
	run, ok := h.service.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": backup.ErrRunNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, run.Snapshot())
}

// CancelRun cancels an active run
func (h *Handlers) CancelRun(c *gin.Context) {
	err := h.service.Cancel(c.Param("id"))
	switch {
	case errors.Is(err, backup.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, backup.ErrRunNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
	}
}

// producerView is one producer's entry in the ListProducers response.
type producerView struct {
	Name         string `json:"name"`
	Eligible     bool   `json:"eligible"`
	Reason       string `json:"reason,omitempty"`
	LastEnqueued string `json:"last_enqueued,omitempty"`
}

// ListProducers returns the producers under the data root with their
// eligibility verdicts
func (h *Handlers) ListProducers(c *gin.Context) {
	producers, err := h.engine.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	views := make([]producerView, 0, len(producers))
	for _, p := range producers {
		view := producerView{Name: p.Name, Eligible: true}
		if err := h.engine.Eligible(p); err != nil {
			view.Eligible = false
			view.Reason = err.Error()
		}
		if at, ok := h.scheduler.LastEnqueued(p.Name); ok {
			view.LastEnqueued = at.UTC().Format(time.RFC3339)
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"producers": views})
}

// Schedule returns the planned time of the next backup pass
func (h *Handlers) Schedule(c *gin.Context) {
	next := h.scheduler.NextRun()
	resp := gin.H{"scheduled": !next.IsZero()}
	if !next.IsZero() {
		resp["next_run"] = next.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

// Stats returns cumulative service counters
func (h *Handlers) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.Stats())
}
