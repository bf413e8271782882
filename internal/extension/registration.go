package extension

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/convobuild/extensions/internal/web"
)

// Registration is the capability-registration handle passed into an
// extension's entry point. It is the only API surface extension code may
// use to affect the host.
//
// One Registration is created per extension load and is exclusively owned
// by that entry-point invocation. Registrations it makes live on in the
// shared Collection; the handle itself must not be retained or used after
// the entry point returns.
type Registration struct {
	name        string
	description string
	loader      *Loader
	collection  *Collection
	log         *zap.Logger
}

// Name returns the registering extension's name.
func (r *Registration) Name() string { return r.name }

// Description returns the registering extension's description.
func (r *Registration) Description() string { return r.description }

// UseStorage registers the process-wide storage override. At most one
// extension may override storage per process; a second registration fails
// with ErrStorageAlreadySet and the offending extension's load fails.
func (r *Registration) UseStorage(p StorageProvider) error {
	if err := r.collection.SetStorage(p); err != nil {
		return err
	}
	r.log.Info("storage provider registered", zap.String("extension", r.name))
	return nil
}

// AddPublishMethod registers a publish capability keyed by the extension's
// name, or the plugin's custom name when set. Registering the same key
// twice silently replaces the previous entry (intentional, to support
// hot-reload during development).
func (r *Registration) AddPublishMethod(plugin PublishPlugin) {
	name := plugin.CustomName
	if name == "" {
		name = r.name
	}
	description := plugin.CustomDescription
	if description == "" {
		description = r.description
	}

	if _, exists := r.collection.PublishMethod(name); exists {
		r.log.Debug("publish method replaced", zap.String("method", name))
	}

	r.collection.SetPublishMethod(name, PublishMethod{
		Descriptor: PublishDescriptor{
			Name:         name,
			Description:  description,
			Instructions: plugin.Instructions,
			Schema:       plugin.Schema,
			HasView:      plugin.HasView,
		},
		Plugin: plugin,
	})
	r.log.Info("publish method registered",
		zap.String("extension", r.name), zap.String("method", name))
}

// AddRuntimeTemplate registers a runtime template. Duplicate keys are
// rejected.
func (r *Registration) AddRuntimeTemplate(t RuntimeTemplate) error {
	if err := r.collection.AddRuntimeTemplate(t); err != nil {
		return err
	}
	r.log.Info("runtime template registered",
		zap.String("extension", r.name), zap.String("key", t.Key))
	return nil
}

// AddBotTemplate registers a bot project template.
func (r *Registration) AddBotTemplate(t BotTemplate) {
	r.collection.AddBotTemplate(t)
}

// AddBaseTemplate registers a base project template.
func (r *Registration) AddBaseTemplate(t BotTemplate) {
	r.collection.AddBaseTemplate(t)
}

// AddWebRoute registers an HTTP route on the host server. A web server
// must already be attached; calling this earlier is a wiring error, not a
// condition to ignore.
func (r *Registration) AddWebRoute(method, path string, handlers ...http.HandlerFunc) error {
	srv := r.loader.WebServer()
	if srv == nil {
		return ErrNoWebServer
	}
	srv.Handle(method, path, handlers...)
	r.log.Info("web route registered",
		zap.String("extension", r.name), zap.String("method", method), zap.String("path", path))
	return nil
}

// AddWebMiddleware registers middleware on the host server. Requires an
// attached web server, like AddWebRoute.
func (r *Registration) AddWebMiddleware(mw mux.MiddlewareFunc) error {
	srv := r.loader.WebServer()
	if srv == nil {
		return ErrNoWebServer
	}
	srv.Use(mw)
	return nil
}

// UseAuthStrategy installs an authentication strategy together with the
// default session-backed middleware. The middleware reads the collection's
// current (de)serializers on every request, so a later UseUserSerializers
// call takes effect without re-registering; UseAuthMiddleware replaces the
// middleware itself.
func (r *Registration) UseAuthStrategy(strategy web.Strategy) {
	r.collection.SetAuthMiddleware(web.SessionAuth(
		strategy, r.loader.SessionStore(), r.collection.UserSerializers, r.log))

	r.log.Info("authentication strategy registered", zap.String("extension", r.name))
}

// UseAuthMiddleware replaces the authentication middleware installed by
// UseAuthStrategy.
func (r *Registration) UseAuthMiddleware(mw mux.MiddlewareFunc) {
	r.collection.SetAuthMiddleware(mw)
}

// UseUserSerializers replaces the user (de)serializers installed by
// UseAuthStrategy.
func (r *Registration) UseUserSerializers(s web.UserSerializer, d web.UserDeserializer) {
	r.collection.SetUserSerializers(s, d)
}

// AddAllowedURL exempts a URL pattern from the authentication gate.
func (r *Registration) AddAllowedURL(pattern string) {
	r.collection.AddAllowedURL(pattern)
}

// GetRuntimeByProject resolves the runtime template for a project.
func (r *Registration) GetRuntimeByProject(project *BotProject) (RuntimeTemplate, error) {
	return r.collection.RuntimeByProject(project)
}

// GetRuntime resolves a runtime template by key.
func (r *Registration) GetRuntime(key string) (RuntimeTemplate, error) {
	return r.collection.Runtime(key)
}
