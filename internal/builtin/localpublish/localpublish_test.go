package localpublish

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/convobuild/extensions/internal/extension"
	"github.com/convobuild/extensions/internal/process"
)

func newLoadedMethod(t *testing.T, baseDir string) (extension.PublishMethod, *process.Tracker) {
	t.Helper()
	tracker := process.NewTracker(nil)
	collection := extension.NewCollection()
	loader := extension.NewLoader(collection, nil)

	if err := loader.LoadModule(MethodName, "", New(baseDir, tracker, nil)); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	m, ok := collection.PublishMethod(MethodName)
	if !ok {
		t.Fatal("publish method not registered")
	}
	return m, tracker
}

func writeProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.dialog"), []byte(`{"v":1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestInitializeRequiresCollaborators(t *testing.T) {
	loader := extension.NewLoader(extension.NewCollection(), nil)
	if err := loader.LoadModule(MethodName, "", New("", process.NewTracker(nil), nil)); err == nil {
		t.Error("LoadModule succeeded without a base directory")
	}
	if err := loader.LoadModule(MethodName, "", New(t.TempDir(), nil, nil)); err == nil {
		t.Error("LoadModule succeeded without a tracker")
	}
}

func TestPublishSnapshotsProject(t *testing.T) {
	baseDir := t.TempDir()
	m, tracker := newLoadedMethod(t, baseDir)
	sourceDir := writeProject(t)

	resp, err := m.Plugin.Publish(context.Background(), "proj-1",
		map[string]any{"sourceDir": sourceDir})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("Status = %d, want 200 (%s)", resp.Status, resp.Message)
	}
	if resp.ID == "" {
		t.Fatal("no version id assigned")
	}

	for _, dir := range []string{resp.ID, currentDirName} {
		path := filepath.Join(baseDir, "proj-1", dir, "main.dialog")
		if _, err := os.Stat(path); err != nil {
			t.Errorf("snapshot %s missing: %v", dir, err)
		}
	}

	// The tracker carries the finished job.
	status, err := m.Plugin.GetStatus(context.Background(), "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != http.StatusOK {
		t.Errorf("tracked status = %d, want 200", status.Status)
	}
	if tracker.Count() != 1 {
		t.Errorf("tracked jobs = %d, want 1", tracker.Count())
	}
}

func TestPublishRequiresSourceDir(t *testing.T) {
	m, _ := newLoadedMethod(t, t.TempDir())

	resp, err := m.Plugin.Publish(context.Background(), "proj-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", resp.Status)
	}
}

func TestPublishFailureIsTracked(t *testing.T) {
	m, _ := newLoadedMethod(t, t.TempDir())

	resp, err := m.Plugin.Publish(context.Background(), "proj-1",
		map[string]any{"sourceDir": filepath.Join(t.TempDir(), "gone")})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusInternalServerError {
		t.Fatalf("Status = %d, want 500", resp.Status)
	}

	status, err := m.Plugin.GetStatus(context.Background(), "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != http.StatusInternalServerError {
		t.Errorf("tracked status = %d, want 500", status.Status)
	}
}

func TestGetStatusWithoutPublish(t *testing.T) {
	m, _ := newLoadedMethod(t, t.TempDir())

	resp, err := m.Plugin.GetStatus(context.Background(), "never-published")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", resp.Status)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	m, _ := newLoadedMethod(t, t.TempDir())
	sourceDir := writeProject(t)
	ctx := context.Background()

	first, err := m.Plugin.Publish(ctx, "proj-1", map[string]any{"sourceDir": sourceDir})
	if err != nil || first.Status != http.StatusOK {
		t.Fatalf("first publish: %v (%+v)", err, first)
	}
	second, err := m.Plugin.Publish(ctx, "proj-1", map[string]any{"sourceDir": sourceDir})
	if err != nil || second.Status != http.StatusOK {
		t.Fatalf("second publish: %v (%+v)", err, second)
	}

	history, err := m.Plugin.GetHistory(ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want 2", len(history))
	}
	if history[0].ID != second.ID || history[1].ID != first.ID {
		t.Errorf("history not newest-first: %+v", history)
	}
}

func TestRollback(t *testing.T) {
	baseDir := t.TempDir()
	m, _ := newLoadedMethod(t, baseDir)
	ctx := context.Background()

	sourceDir := writeProject(t)
	first, err := m.Plugin.Publish(ctx, "proj-1", map[string]any{"sourceDir": sourceDir})
	if err != nil || first.Status != http.StatusOK {
		t.Fatalf("first publish: %v (%+v)", err, first)
	}

	// Change the project and publish again.
	if err := os.WriteFile(filepath.Join(sourceDir, "main.dialog"), []byte(`{"v":2}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Plugin.Publish(ctx, "proj-1", map[string]any{"sourceDir": sourceDir}); err != nil {
		t.Fatal(err)
	}

	resp, err := m.Plugin.Rollback(ctx, "proj-1", first.ID)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("Rollback status = %d (%s)", resp.Status, resp.Message)
	}

	data, err := os.ReadFile(filepath.Join(baseDir, "proj-1", currentDirName, "main.dialog"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"v":1}` {
		t.Errorf("current snapshot = %s, want the first version", data)
	}
}

func TestRollbackUnknownVersion(t *testing.T) {
	m, _ := newLoadedMethod(t, t.TempDir())

	resp, err := m.Plugin.Rollback(context.Background(), "proj-1", "no-such-version")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", resp.Status)
	}
}
