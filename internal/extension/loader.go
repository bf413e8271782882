package extension

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/gorilla/sessions"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/convobuild/extensions/internal/extension/luaext"
	"github.com/convobuild/extensions/internal/web"
)

// InitFunc is the bare-function entry-point shape for native extensions.
type InitFunc func(*Registration) error

// Initializer is the object entry-point shape for native extensions.
type Initializer interface {
	Initialize(*Registration) error
}

// Loader turns an on-disk extension (or an in-memory module value) into a
// live, registered extension.
//
// Per extension the lifecycle is Discovered -> Loading -> Registered, or
// Discovered -> Loading -> Failed; a failed load is logged and the
// extension treated as absent for this run. Load failures never crash the
// host process.
type Loader struct {
	collection *Collection
	log        *zap.Logger

	mu            sync.Mutex
	srv           *web.Server
	sessionStore  sessions.Store
	sessionSecret []byte
	envs          map[string]*luaext.Env
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithSessionSecret sets the secret signing the auth session cookie.
// Without it a random per-process secret is generated.
func WithSessionSecret(secret []byte) LoaderOption {
	return func(l *Loader) {
		l.sessionSecret = secret
	}
}

// NewLoader creates a Loader that registers capabilities into collection.
func NewLoader(collection *Collection, log *zap.Logger, opts ...LoaderOption) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Loader{
		collection: collection,
		log:        log,
		envs:       make(map[string]*luaext.Env),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Collection returns the collection this loader registers into.
func (l *Loader) Collection() *Collection {
	return l.collection
}

// AttachWebServer wires the host web server into the loader and installs
// the authentication gate as the outermost middleware: when an
// authentication middleware has been registered and the request path
// matches no allow-list pattern, the request is delegated to that
// middleware; otherwise it passes through. The gate runs before all
// extension-registered middleware.
func (l *Loader) AttachWebServer(srv *web.Server) {
	l.mu.Lock()
	l.srv = srv
	l.mu.Unlock()

	srv.Use(l.authGate)
}

// WebServer returns the attached web server, or nil before attachment.
func (l *Loader) WebServer() *web.Server {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.srv
}

// SessionStore returns the cookie store backing the default auth
// middleware, creating it on first use.
func (l *Loader) SessionStore() sessions.Store {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sessionStore == nil {
		secret := l.sessionSecret
		if len(secret) == 0 {
			secret = make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				l.log.Warn("failed to generate session secret", zap.Error(err))
			}
		}
		l.sessionStore = sessions.NewCookieStore(secret)
	}
	return l.sessionStore
}

// authGate is the gatekeeping middleware installed by AttachWebServer.
func (l *Loader) authGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mw := l.collection.AuthMiddleware()
		if mw != nil && !l.collection.IsAllowedURL(r.URL.Path) {
			mw(next).ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UserFromRequest returns the authenticated user attached to the request,
// or nil.
func (l *Loader) UserFromRequest(r *http.Request) any {
	return web.UserFromRequest(r)
}

// LoadFromFile reads the package descriptor at manifestPath. Directories
// whose descriptor lacks an extension-contribution flag are silently
// skipped; not every scanned directory is an extension.
func (l *Loader) LoadFromFile(manifestPath string) error {
	d, err := ReadDescriptor(manifestPath)
	if err != nil {
		return err
	}
	if !d.IsExtension() {
		return nil
	}

	entry := d.EntryPath()
	if _, err := os.Stat(entry); err != nil {
		return fmt.Errorf("%w: %s", ErrNoEntryPoint, entry)
	}

	return l.loadLua(d.DisplayName(), d.Description, entry)
}

// LoadModule loads an in-memory native module under the given identity.
// The module must match one of the supported entry-point shapes: a bare
// init function, or a value with an Initialize method.
func (l *Loader) LoadModule(name, description string, module any) error {
	reg := l.newRegistration(name, description)

	switch m := module.(type) {
	case func(*Registration) error:
		return l.finishLoad(name, m(reg))
	case InitFunc:
		return l.finishLoad(name, m(reg))
	case Initializer:
		return l.finishLoad(name, m.Initialize(reg))
	default:
		return fmt.Errorf("%w: %s (%T)", ErrNoInitializer, name, module)
	}
}

// loadLua executes a Lua entry point in a fresh sandboxed environment and
// dispatches to whichever of the three entry-point shapes the chunk
// provides: a returned function, a returned table with an initialize
// field, or a global initialize function.
func (l *Loader) loadLua(name, description, entryPath string) error {
	env := luaext.NewEnv()
	reg := l.newRegistration(name, description)
	composer := bindRegistration(env, reg)

	ret, err := env.RunFile(entryPath)
	if err != nil {
		env.Close()
		return fmt.Errorf("failed to load extension %q: %w", name, err)
	}

	initFn := resolveLuaInitializer(env, ret)
	if initFn == nil {
		env.Close()
		return fmt.Errorf("%w: %s", ErrNoInitializer, name)
	}

	if _, err := env.CallValue(initFn, composer); err != nil {
		env.Close()
		return fmt.Errorf("failed to initialize extension %q: %w", name, err)
	}

	l.retainEnv(name, env)
	l.log.Info("extension loaded", zap.String("extension", name), zap.String("entry", entryPath))
	return nil
}

// resolveLuaInitializer classifies the chunk's exports into exactly one
// entry-point shape and normalizes it to a single callable.
func resolveLuaInitializer(env *luaext.Env, chunkReturn lua.LValue) lua.LValue {
	switch v := chunkReturn.(type) {
	case *lua.LFunction:
		return v
	case *lua.LTable:
		if fn := luaext.TableFunc(v, "initialize"); fn != nil {
			return fn
		}
	}
	if fn, ok := env.GetGlobal("initialize").(*lua.LFunction); ok {
		return fn
	}
	return nil
}

// retainEnv keeps the extension's Lua state alive for the process lifetime
// so bridged callbacks stay valid. Reloading an extension replaces and
// closes the previous state.
func (l *Loader) retainEnv(name string, env *luaext.Env) {
	l.mu.Lock()
	old := l.envs[name]
	l.envs[name] = env
	l.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// LoadFromFolder enumerates immediate subdirectories of dir that contain a
// package descriptor and loads each independently. One extension's failure
// is logged and does not block its siblings.
func (l *Loader) LoadFromFolder(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to scan extension folder: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifestPath := filepath.Join(dir, entry.Name(), DescriptorFile)
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}
		if err := l.LoadFromFile(manifestPath); err != nil {
			l.log.Error("failed to load extension, skipping",
				zap.String("dir", entry.Name()), zap.Error(err))
		}
	}
	return nil
}

func (l *Loader) newRegistration(name, description string) *Registration {
	return &Registration{
		name:        name,
		description: description,
		loader:      l,
		collection:  l.collection,
		log:         l.log.With(zap.String("extension", name)),
	}
}

func (l *Loader) finishLoad(name string, err error) error {
	if err != nil {
		return fmt.Errorf("failed to initialize extension %q: %w", name, err)
	}
	l.log.Info("extension loaded", zap.String("extension", name))
	return nil
}
