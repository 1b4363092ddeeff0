// Package monitor implements flashkit's local HTTP status surface
// (SPEC_FULL.md §6): a gin engine that folds an internal/eventbus.Bus
// subscription into a queryable JSON snapshot of in-flight flash jobs,
// for dashboards that would rather poll HTTP than speak the bus
// directly. Grounded on the teacher's cmd/driver/hasher-host gin wiring
// (gin.New + Recovery middleware, a grouped route table serving JSON
// over the same process that performs the work).
package monitor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"flashkit/internal/eventbus"
)

// JobSnapshot is the JSON-serializable view of one DeviceSession's
// current flash progress.
type JobSnapshot struct {
	SessionID    string    `json:"session_id"`
	State        string    `json:"state"`
	Partition    string    `json:"partition,omitempty"`
	BytesDone    int64     `json:"bytes_done"`
	BytesTotal   int64     `json:"bytes_total"`
	BytesPerSec  float64   `json:"bytes_per_sec"`
	LastLog      string    `json:"last_log,omitempty"`
	LastLogLevel string    `json:"last_log_level,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Registry keeps the latest JobSnapshot per session, consuming events
// from an eventbus.Bus subscription.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*JobSnapshot
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*JobSnapshot)}
}

func (r *Registry) get(sessionID string) *JobSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[sessionID]
	if !ok {
		j = &JobSnapshot{SessionID: sessionID, State: "unknown"}
		r.jobs[sessionID] = j
	}
	return j
}

// Snapshot returns a copy of every known job.
func (r *Registry) Snapshot() []JobSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]JobSnapshot, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	return out
}

// Lookup returns one session's snapshot, if known.
func (r *Registry) Lookup(sessionID string) (JobSnapshot, bool) {
	for _, j := range r.Snapshot() {
		if j.SessionID == sessionID {
			return j, true
		}
	}
	return JobSnapshot{}, false
}

// Consume applies one bus event to the registry.
func (r *Registry) Consume(ev eventbus.Event) {
	switch ev.Kind {
	case eventbus.EventProgress:
		p := ev.Progress
		j := r.get(p.SessionID)
		r.mu.Lock()
		j.Partition = p.PartitionName
		j.BytesDone = p.BytesDone
		j.BytesTotal = p.BytesTotal
		j.BytesPerSec = p.BytesPerSec
		j.UpdatedAt = ev.Timestamp
		r.mu.Unlock()
	case eventbus.EventLog:
		l := ev.Log
		j := r.get(l.SessionID)
		r.mu.Lock()
		j.LastLog = l.Message
		j.LastLogLevel = logLevelName(l.Level)
		j.UpdatedAt = ev.Timestamp
		r.mu.Unlock()
	case eventbus.EventStateChanged:
		s := ev.State
		j := r.get(s.SessionID)
		r.mu.Lock()
		j.State = s.To.String()
		j.UpdatedAt = ev.Timestamp
		r.mu.Unlock()
	}
}

// Run drains events onto the registry until the channel closes.
func (r *Registry) Run(events <-chan eventbus.Event) {
	for ev := range events {
		r.Consume(ev)
	}
}

func logLevelName(l eventbus.LogLevel) string {
	switch l {
	case eventbus.LogDebug:
		return "debug"
	case eventbus.LogInfo:
		return "info"
	case eventbus.LogWarn:
		return "warn"
	case eventbus.LogError:
		return "error"
	default:
		return "unknown"
	}
}

// Router builds the gin engine serving /healthz, /status and
// /status/:session against reg.
func Router(reg *Registry) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"jobs": reg.Snapshot()})
	})

	router.GET("/status/:session", func(c *gin.Context) {
		if j, ok := reg.Lookup(c.Param("session")); ok {
			c.JSON(http.StatusOK, j)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session " + c.Param("session")})
	})

	return router
}

// Serve subscribes reg to bus and runs an HTTP server on addr until ctx
// is cancelled. Intended to run in its own goroutine alongside an
// orchestrator job sharing the same bus (cmd/cli's --monitor flag), or
// standalone for a dashboard-only deployment (cmd/monitor).
func Serve(ctx context.Context, bus *eventbus.Bus, reg *Registry, addr string) error {
	events := bus.Subscribe(256)
	go reg.Run(events)

	srv := &http.Server{Addr: addr, Handler: Router(reg)}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("monitor: %w", err)
	}
}
