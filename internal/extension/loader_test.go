package extension

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/convobuild/extensions/internal/web"
)

// writeExtension lays out an extension directory with a descriptor and an
// entry-point script, returning the descriptor path.
func writeExtension(t *testing.T, root, name, script string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	descriptor := fmt.Sprintf(`{"name": %q, "version": "1.0.0", "extendsComposer": true}`, name)
	if err := os.WriteFile(filepath.Join(dir, DescriptorFile), []byte(descriptor), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "init.lua"), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
	return filepath.Join(dir, DescriptorFile)
}

func newTestLoader(t *testing.T) (*Loader, *Collection) {
	t.Helper()
	c := NewCollection()
	return NewLoader(c, nil), c
}

func TestLoadLuaReturnedFunction(t *testing.T) {
	l, c := newTestLoader(t)
	path := writeExtension(t, t.TempDir(), "fn-ext", `
		return function(composer)
			composer.addAllowedUrl("/from-fn")
		end
	`)

	if err := l.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if !c.IsAllowedURL("/from-fn") {
		t.Error("registration made by returned-function entry point not visible")
	}
}

func TestLoadLuaReturnedTable(t *testing.T) {
	l, c := newTestLoader(t)
	path := writeExtension(t, t.TempDir(), "table-ext", `
		local M = {}
		function M.initialize(composer)
			composer.addAllowedUrl("/from-table")
		end
		return M
	`)

	if err := l.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if !c.IsAllowedURL("/from-table") {
		t.Error("registration made by table entry point not visible")
	}
}

func TestLoadLuaGlobalInitialize(t *testing.T) {
	l, c := newTestLoader(t)
	path := writeExtension(t, t.TempDir(), "global-ext", `
		function initialize(composer)
			composer.addAllowedUrl("/from-global")
		end
	`)

	if err := l.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if !c.IsAllowedURL("/from-global") {
		t.Error("registration made by global entry point not visible")
	}
}

func TestLoadLuaNoInitializer(t *testing.T) {
	l, _ := newTestLoader(t)
	path := writeExtension(t, t.TempDir(), "bare-ext", `local x = 1`)

	if err := l.LoadFromFile(path); !errors.Is(err, ErrNoInitializer) {
		t.Errorf("LoadFromFile = %v, want ErrNoInitializer", err)
	}
}

func TestLoadLuaInitializeError(t *testing.T) {
	l, _ := newTestLoader(t)
	path := writeExtension(t, t.TempDir(), "boom-ext", `
		return function(composer)
			error("setup exploded")
		end
	`)

	err := l.LoadFromFile(path)
	if err == nil {
		t.Fatal("LoadFromFile succeeded despite entry-point error")
	}
}

func TestLoadFromFileSkipsNonExtension(t *testing.T) {
	l, c := newTestLoader(t)
	dir := t.TempDir()
	path := filepath.Join(dir, DescriptorFile)
	if err := os.WriteFile(path, []byte(`{"name": "plain-lib", "version": "1.0.0"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := l.LoadFromFile(path); err != nil {
		t.Errorf("LoadFromFile on a non-extension = %v, want silent skip", err)
	}
	if got := len(c.AllowedURLs()); got != 1 {
		t.Errorf("non-extension changed the collection: %d allow-list entries", got)
	}
}

func TestLoadFromFileMissingEntryPoint(t *testing.T) {
	l, _ := newTestLoader(t)
	dir := t.TempDir()
	path := filepath.Join(dir, DescriptorFile)
	doc := `{"name": "no-entry", "version": "1.0.0", "extendsComposer": true, "main": "gone.lua"}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := l.LoadFromFile(path); !errors.Is(err, ErrNoEntryPoint) {
		t.Errorf("LoadFromFile = %v, want ErrNoEntryPoint", err)
	}
}

type structInitializer struct {
	called bool
}

func (s *structInitializer) Initialize(r *Registration) error {
	s.called = true
	r.AddAllowedURL("/from-struct")
	return nil
}

func TestLoadModuleShapes(t *testing.T) {
	l, c := newTestLoader(t)

	called := false
	err := l.LoadModule("bare-fn", "", func(r *Registration) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("LoadModule(func): %v", err)
	}
	if !called {
		t.Error("bare-function entry point not invoked")
	}

	init := &structInitializer{}
	if err := l.LoadModule("struct", "", init); err != nil {
		t.Fatalf("LoadModule(Initializer): %v", err)
	}
	if !init.called || !c.IsAllowedURL("/from-struct") {
		t.Error("Initializer entry point not invoked")
	}

	if err := l.LoadModule("bad", "", 42); !errors.Is(err, ErrNoInitializer) {
		t.Errorf("LoadModule(int) = %v, want ErrNoInitializer", err)
	}
}

func TestLoadModulePropagatesInitError(t *testing.T) {
	l, _ := newTestLoader(t)

	wantErr := errors.New("refused")
	err := l.LoadModule("refuser", "", func(*Registration) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Errorf("LoadModule = %v, want wrapped init error", err)
	}
}

func TestLoadFromFolderIsolatesFailures(t *testing.T) {
	l, c := newTestLoader(t)
	root := t.TempDir()

	// First extension has a broken entry point; the second is fine.
	writeExtension(t, root, "a-broken", `this is not lua`)
	writeExtension(t, root, "b-good", `
		return function(composer)
			composer.addAllowedUrl("/survivor")
		end
	`)

	if err := l.LoadFromFolder(root); err != nil {
		t.Fatalf("LoadFromFolder: %v", err)
	}
	if !c.IsAllowedURL("/survivor") {
		t.Error("healthy extension blocked by a broken sibling")
	}
}

func TestLoadFromFolderMissingDir(t *testing.T) {
	l, _ := newTestLoader(t)
	if err := l.LoadFromFolder(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("LoadFromFolder on a missing directory succeeded")
	}
}

func TestAuthGate(t *testing.T) {
	l, c := newTestLoader(t)
	srv := web.NewServer(nil)
	l.AttachWebServer(srv)

	c.SetAuthMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "denied", http.StatusUnauthorized)
		})
	})
	c.AddAllowedURL("/open/*")

	srv.Handle(http.MethodGet, "/open/info", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv.Handle(http.MethodGet, "/private", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/open/info", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("allowed path status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/private", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("gated path status = %d, want 401", rec.Code)
	}
}

func TestAuthGateWithoutMiddlewarePassesThrough(t *testing.T) {
	l, _ := newTestLoader(t)
	srv := web.NewServer(nil)
	l.AttachWebServer(srv)

	srv.Handle(http.MethodGet, "/anything", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when no auth middleware is registered", rec.Code)
	}
}

func TestLuaPublishMethod(t *testing.T) {
	l, c := newTestLoader(t)
	path := writeExtension(t, t.TempDir(), "azure-publish", `
		return function(composer)
			composer.addPublishMethod({
				name = "azure",
				instructions = "set up credentials first",
				hasView = true,
				schema = { type = "object" },
				publish = function(projectId, config)
					return { status = 202, message = "accepted " .. projectId, id = "job-1" }
				end,
				getStatus = function(projectId)
					return { status = 200, message = "done" }
				end,
				getHistory = function(projectId)
					return {
						{ status = 200, message = "v1" },
						{ status = 200, message = "v2" },
					}
				end,
				rollback = function(projectId, version)
					return { status = 200, message = "rolled back to " .. version }
				end,
			})
		end
	`)

	if err := l.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	m, ok := c.PublishMethod("azure")
	if !ok {
		t.Fatal("publish method not registered")
	}
	if m.Descriptor.Instructions != "set up credentials first" || !m.Descriptor.HasView {
		t.Errorf("descriptor not carried over: %+v", m.Descriptor)
	}
	if len(m.Descriptor.Schema) == 0 {
		t.Error("schema not serialized")
	}

	ctx := context.Background()

	resp, err := m.Plugin.Publish(ctx, "proj-7", map[string]any{"slot": "prod"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if resp.Status != 202 || resp.Message != "accepted proj-7" || resp.ID != "job-1" {
		t.Errorf("Publish response = %+v", resp)
	}

	history, err := m.Plugin.GetHistory(ctx, "proj-7")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 2 || history[1].Message != "v2" {
		t.Errorf("GetHistory = %+v", history)
	}

	resp, err = m.Plugin.Rollback(ctx, "proj-7", "v1")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if resp.Message != "rolled back to v1" {
		t.Errorf("Rollback response = %+v", resp)
	}
}

func TestLuaPublishError(t *testing.T) {
	l, c := newTestLoader(t)
	path := writeExtension(t, t.TempDir(), "failing-publish", `
		return function(composer)
			composer.addPublishMethod({
				name = "flaky",
				publish = function(projectId, config)
					return nil, "deploy target unreachable"
				end,
			})
		end
	`)

	if err := l.LoadFromFile(path); err != nil {
		t.Fatal(err)
	}

	m, _ := c.PublishMethod("flaky")
	_, err := m.Plugin.Publish(context.Background(), "p", nil)
	if err == nil || err.Error() != "deploy target unreachable" {
		t.Errorf("Publish error = %v, want the Lua-side message", err)
	}
}

func TestLuaWebRoute(t *testing.T) {
	l, _ := newTestLoader(t)
	srv := web.NewServer(nil)
	l.AttachWebServer(srv)

	path := writeExtension(t, t.TempDir(), "router-ext", `
		return function(composer)
			composer.addWebRoute("GET", "/hello", function(req)
				return {
					status = 200,
					headers = { ["Content-Type"] = "text/plain" },
					body = "hello from " .. req.path,
				}
			end)
		end
	`)
	if err := l.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hello", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "hello from /hello" {
		t.Errorf("body = %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestLuaStorageProvider(t *testing.T) {
	l, c := newTestLoader(t)
	path := writeExtension(t, t.TempDir(), "storage-ext", `
		local files = { ["/bots/main.dialog"] = "{}" }
		return function(composer)
			composer.useStorage({
				readFile = function(path)
					local content = files[path]
					if content == nil then
						return nil, "not found: " .. path
					end
					return content
				end,
				writeFile = function(path, data)
					files[path] = data
				end,
				list = function(dir)
					local names = {}
					for k in pairs(files) do
						names[#names + 1] = k
					end
					return names
				end,
				delete = function(path)
					files[path] = nil
				end,
			})
		end
	`)

	if err := l.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	storage := c.Storage()
	if storage == nil {
		t.Fatal("storage provider not registered")
	}
	ctx := context.Background()

	data, err := storage.ReadFile(ctx, "/bots/main.dialog")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "{}" {
		t.Errorf("ReadFile = %q", data)
	}

	if err := storage.WriteFile(ctx, "/bots/extra.dialog", []byte("x")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	names, err := storage.List(ctx, "/bots")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 {
		t.Errorf("List = %v, want 2 entries", names)
	}

	if _, err := storage.ReadFile(ctx, "/missing"); err == nil {
		t.Error("ReadFile on a missing path succeeded")
	}
}

func TestLuaDuplicateStorageFailsLoad(t *testing.T) {
	l, _ := newTestLoader(t)
	root := t.TempDir()

	script := `
		return function(composer)
			composer.useStorage({ readFile = function(p) return "" end })
		end
	`
	first := writeExtension(t, root, "storage-one", script)
	second := writeExtension(t, root, "storage-two", script)

	if err := l.LoadFromFile(first); err != nil {
		t.Fatalf("first storage extension: %v", err)
	}
	if err := l.LoadFromFile(second); err == nil {
		t.Error("second storage registration did not fail the load")
	}
}

func TestLuaRuntimeTemplate(t *testing.T) {
	l, c := newTestLoader(t)
	path := writeExtension(t, t.TempDir(), "runtime-ext", `
		return function(composer)
			composer.addRuntimeTemplate({
				key = "node-express",
				name = "Node Runtime",
				startCommand = "node index.js",
				eject = function(project, dst)
					return dst .. "/" .. project.id
				end,
				buildDeploy = function(project, settings)
					if settings.region == nil then
						return nil, "region is required"
					end
					return "deployed " .. project.id .. " to " .. settings.region
				end,
				setSkillManifest = function(dst, src)
					if src == "" then
						return "source directory is required"
					end
				end,
			})
		end
	`)

	if err := l.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	rt, err := c.Runtime("node-express")
	if err != nil {
		t.Fatal(err)
	}
	if rt.StartCommand != "node index.js" {
		t.Errorf("StartCommand = %q", rt.StartCommand)
	}
	if rt.Eject == nil {
		t.Fatal("eject callback not bridged")
	}

	out, err := rt.Eject(context.Background(), &BotProject{ID: "bot-1"}, "/tmp/out")
	if err != nil {
		t.Fatalf("Eject: %v", err)
	}
	if out != "/tmp/out/bot-1" {
		t.Errorf("Eject = %q", out)
	}

	if rt.BuildDeploy == nil {
		t.Fatal("buildDeploy callback not bridged")
	}
	out, err = rt.BuildDeploy(context.Background(), &BotProject{ID: "bot-1"},
		map[string]any{"region": "westus"})
	if err != nil {
		t.Fatalf("BuildDeploy: %v", err)
	}
	if out != "deployed bot-1 to westus" {
		t.Errorf("BuildDeploy = %q", out)
	}
	if _, err := rt.BuildDeploy(context.Background(), &BotProject{ID: "bot-1"}, nil); err == nil {
		t.Error("BuildDeploy without settings did not surface the Lua-side error")
	}

	if rt.SetSkillManifest == nil {
		t.Fatal("setSkillManifest callback not bridged")
	}
	if err := rt.SetSkillManifest(context.Background(), "/dst", "/src"); err != nil {
		t.Errorf("SetSkillManifest: %v", err)
	}
	if err := rt.SetSkillManifest(context.Background(), "/dst", ""); err == nil {
		t.Error("SetSkillManifest with an empty source did not surface the Lua-side error")
	}
}
