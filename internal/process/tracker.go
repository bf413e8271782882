// Package process provides an in-memory ledger of asynchronous job statuses.
//
// Long-running operations (publish jobs, deploys) register themselves with a
// Tracker at start and report progress through Update. Callers poll with Get
// or GetByName instead of blocking on the job. The ledger is process-local
// and non-persistent; entries live until Stop removes them.
package process

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is the tracked state of one asynchronous job.
type Status struct {
	// ID uniquely identifies the job. Assigned at Start.
	ID string `json:"id"`

	// ProjectID is the project the job belongs to.
	ProjectID string `json:"projectId"`

	// ProcessName is a caller-chosen name, not required to be unique.
	ProcessName string `json:"processName"`

	// Time is when the job was started.
	Time time.Time `json:"time"`

	// Status is an HTTP-like numeric status code.
	Status int `json:"status"`

	// Message is the most recent human-readable message.
	Message string `json:"message"`

	// Log holds every message ever set, earliest first. Never truncated.
	Log []string `json:"log"`

	// Comment is optional free text supplied at start.
	Comment string `json:"comment,omitempty"`

	// Config is the last-known job configuration, replaced wholesale.
	Config any `json:"config,omitempty"`
}

// clone returns a copy safe to hand to callers. Log is copied so later
// updates cannot be observed through a returned record.
func (s *Status) clone() *Status {
	c := *s
	c.Log = append([]string(nil), s.Log...)
	return &c
}

// StartRequest seeds a new tracked job.
type StartRequest struct {
	ProjectID   string
	ProcessName string
	Message     string
	Comment     string
	Config      any
}

// Update carries a status change for a tracked job.
type Update struct {
	Status  int
	Message string

	// Config replaces the stored configuration when non-nil.
	Config any
}

// Tracker is the in-memory job ledger. Safe for concurrent use.
//
// Tracker methods never return errors: status reporting is best-effort and
// must not become a failure point for the job doing the reporting.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*Status
	log  *zap.Logger
	now  func() time.Time
}

// NewTracker creates an empty Tracker. A nil logger is replaced with a no-op.
func NewTracker(log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		jobs: make(map[string]*Status),
		log:  log,
		now:  time.Now,
	}
}

// Start registers a new job and returns its full record. The id is freshly
// generated and never reused. Status defaults to 202 (accepted); the log is
// seeded with the initial message only when one was supplied.
func (t *Tracker) Start(req StartRequest) *Status {
	s := &Status{
		ID:          uuid.NewString(),
		ProjectID:   req.ProjectID,
		ProcessName: req.ProcessName,
		Time:        t.now(),
		Status:      http.StatusAccepted,
		Message:     req.Message,
		Comment:     req.Comment,
		Config:      req.Config,
		Log:         []string{},
	}
	if req.Message != "" {
		s.Log = append(s.Log, req.Message)
	}

	t.mu.Lock()
	t.jobs[s.ID] = s
	t.mu.Unlock()

	return s.clone()
}

// Get returns the job record for id, or nil if unknown.
func (t *Tracker) Get(id string) *Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.jobs[id]
	if !ok {
		return nil
	}
	return s.clone()
}

// GetByName returns the most recently started job with the given process
// name, judged by creation time rather than last update. Returns nil when no
// job matches.
func (t *Tracker) GetByName(name string) *Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var latest *Status
	for _, s := range t.jobs {
		if s.ProcessName != name {
			continue
		}
		if latest == nil || s.Time.After(latest.Time) {
			latest = s
		}
	}
	if latest == nil {
		return nil
	}
	return latest.clone()
}

// UpdateProcess applies an update to the job with the given id. The message
// is appended to the log and becomes the current message; the configuration
// is replaced only when a new one was supplied. An unknown id is logged as a
// warning and otherwise ignored.
func (t *Tracker) UpdateProcess(id string, u Update) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.jobs[id]
	if !ok {
		t.log.Warn("update for unknown process id", zap.String("id", id))
		return
	}

	s.Status = u.Status
	s.Message = u.Message
	s.Log = append(s.Log, u.Message)
	if u.Config != nil {
		s.Config = u.Config
	}
}

// Stop removes the job from the ledger. Unknown ids are a no-op.
func (t *Tracker) Stop(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, id)
}

// Count returns the number of currently tracked jobs.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}
