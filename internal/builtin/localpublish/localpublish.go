// Package localpublish is the built-in publish extension: it "deploys" a
// bot by snapshotting its project directory into a local versioned folder.
//
// It doubles as the reference implementation of the publish contract:
// asynchronous status via the process tracker, per-project history, and
// rollback to any previous snapshot.
package localpublish

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/convobuild/extensions/internal/extension"
	"github.com/convobuild/extensions/internal/fsutil"
	"github.com/convobuild/extensions/internal/process"
)

// MethodName is the publish-method key this extension registers under.
const MethodName = "localpublish"

// currentDirName is where the active snapshot of a project lives.
const currentDirName = "current"

var configSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"sourceDir": {
			"type": "string",
			"description": "Project directory to snapshot"
		}
	},
	"required": ["sourceDir"]
}`)

// Extension is the native extension entry point.
type Extension struct {
	baseDir string
	tracker *process.Tracker
	log     *zap.Logger

	mu      sync.Mutex
	history map[string][]extension.PublishResponse
	jobs    map[string]string // project id -> latest tracker job id
}

// New creates the extension publishing into baseDir.
func New(baseDir string, tracker *process.Tracker, log *zap.Logger) *Extension {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extension{
		baseDir: baseDir,
		tracker: tracker,
		log:     log,
		history: make(map[string][]extension.PublishResponse),
		jobs:    make(map[string]string),
	}
}

// Initialize registers the publish method.
func (e *Extension) Initialize(r *extension.Registration) error {
	if e.baseDir == "" {
		return fmt.Errorf("localpublish: base directory is required")
	}
	if e.tracker == nil {
		return fmt.Errorf("localpublish: process tracker is required")
	}

	r.AddPublishMethod(extension.PublishPlugin{
		CustomName:        MethodName,
		CustomDescription: "Publish the bot to a local directory",
		Instructions:      "Set sourceDir to the project directory to snapshot.",
		Schema:            configSchema,
		Publish:           e.publish,
		GetStatus:         e.getStatus,
		GetHistory:        e.getHistory,
		Rollback:          e.rollback,
	})
	return nil
}

// publish snapshots the configured source directory under a fresh version
// id and records the outcome in both the tracker and the history.
func (e *Extension) publish(_ context.Context, projectID string, config map[string]any) (*extension.PublishResponse, error) {
	sourceDir, _ := config["sourceDir"].(string)
	if sourceDir == "" {
		return &extension.PublishResponse{
			Status:  http.StatusBadRequest,
			Message: "sourceDir is required",
		}, nil
	}

	job := e.tracker.Start(process.StartRequest{
		ProjectID:   projectID,
		ProcessName: MethodName,
		Message:     "publishing to local directory",
		Config:      config,
	})
	e.setJob(projectID, job.ID)

	version := uuid.NewString()
	snapshotDir := filepath.Join(e.baseDir, projectID, version)

	if err := fsutil.CopyDir(sourceDir, snapshotDir); err != nil {
		msg := fmt.Sprintf("publish failed: %v", err)
		e.tracker.UpdateProcess(job.ID, process.Update{Status: http.StatusInternalServerError, Message: msg})
		return &extension.PublishResponse{Status: http.StatusInternalServerError, Message: msg}, nil
	}
	if err := e.activate(projectID, snapshotDir); err != nil {
		msg := fmt.Sprintf("publish failed: %v", err)
		e.tracker.UpdateProcess(job.ID, process.Update{Status: http.StatusInternalServerError, Message: msg})
		return &extension.PublishResponse{Status: http.StatusInternalServerError, Message: msg}, nil
	}

	e.tracker.UpdateProcess(job.ID, process.Update{Status: http.StatusOK, Message: "published"})
	e.log.Info("project published locally",
		zap.String("project", projectID), zap.String("version", version))

	resp := extension.PublishResponse{
		Status:  http.StatusOK,
		Message: "published",
		ID:      version,
	}
	e.appendHistory(projectID, resp)
	return &resp, nil
}

// getStatus reports the latest publish job for the project.
func (e *Extension) getStatus(_ context.Context, projectID string) (*extension.PublishResponse, error) {
	e.mu.Lock()
	jobID, ok := e.jobs[projectID]
	e.mu.Unlock()
	if !ok {
		return &extension.PublishResponse{
			Status:  http.StatusNotFound,
			Message: "no publish recorded for this project",
		}, nil
	}

	job := e.tracker.Get(jobID)
	if job == nil {
		return &extension.PublishResponse{
			Status:  http.StatusNotFound,
			Message: "publish job no longer tracked",
		}, nil
	}
	return &extension.PublishResponse{
		Status:  job.Status,
		Message: job.Message,
		ID:      job.ID,
	}, nil
}

// getHistory lists completed publishes, newest first.
func (e *Extension) getHistory(_ context.Context, projectID string) ([]extension.PublishResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := e.history[projectID]
	out := make([]extension.PublishResponse, len(entries))
	for i, entry := range entries {
		out[len(entries)-1-i] = entry
	}
	return out, nil
}

// rollback re-activates an earlier snapshot.
func (e *Extension) rollback(_ context.Context, projectID, version string) (*extension.PublishResponse, error) {
	snapshotDir := filepath.Join(e.baseDir, projectID, version)
	if _, err := os.Stat(snapshotDir); err != nil {
		return &extension.PublishResponse{
			Status:  http.StatusNotFound,
			Message: fmt.Sprintf("no snapshot for version %s", version),
		}, nil
	}

	if err := e.activate(projectID, snapshotDir); err != nil {
		return &extension.PublishResponse{
			Status:  http.StatusInternalServerError,
			Message: fmt.Sprintf("rollback failed: %v", err),
		}, nil
	}

	e.log.Info("project rolled back",
		zap.String("project", projectID), zap.String("version", version))
	resp := extension.PublishResponse{
		Status:  http.StatusOK,
		Message: fmt.Sprintf("rolled back to %s", version),
		ID:      version,
	}
	e.appendHistory(projectID, resp)
	return &resp, nil
}

// activate replaces the project's current snapshot with the given one.
func (e *Extension) activate(projectID, snapshotDir string) error {
	currentDir := filepath.Join(e.baseDir, projectID, currentDirName)
	if err := os.RemoveAll(currentDir); err != nil {
		return err
	}
	return fsutil.CopyDir(snapshotDir, currentDir)
}

func (e *Extension) setJob(projectID, jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs[projectID] = jobID
}

func (e *Extension) appendHistory(projectID string, resp extension.PublishResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history[projectID] = append(e.history[projectID], resp)
}
