package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/mux"

	"github.com/convobuild/extensions/internal/web"
)

// DefaultRuntimeKey is used when a project does not specify a runtime.
const DefaultRuntimeKey = "csharp-azurewebapp"

// StorageProvider is the contract for an extension-supplied storage
// backend. At most one extension may override storage per process.
type StorageProvider interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	List(ctx context.Context, dir string) ([]string, error)
	Delete(ctx context.Context, path string) error
}

// PublishResponse is the result shape shared by publish operations.
type PublishResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Log     string `json:"log,omitempty"`
	Comment string `json:"comment,omitempty"`
	ID      string `json:"id,omitempty"`
}

// PublishPlugin is the bundle of functions an extension registers as a
// publish capability. Publish is required; the rest are optional.
type PublishPlugin struct {
	Publish    func(ctx context.Context, projectID string, config map[string]any) (*PublishResponse, error)
	GetStatus  func(ctx context.Context, projectID string) (*PublishResponse, error)
	GetHistory func(ctx context.Context, projectID string) ([]PublishResponse, error)
	Rollback   func(ctx context.Context, projectID, version string) (*PublishResponse, error)

	Schema       json.RawMessage
	Instructions string
	HasView      bool

	// CustomName/CustomDescription override the registering extension's
	// name and description in the method descriptor.
	CustomName        string
	CustomDescription string
}

// PublishDescriptor is the externally visible description of a registered
// publish method.
type PublishDescriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Instructions string          `json:"instructions,omitempty"`
	Schema       json.RawMessage `json:"schema,omitempty"`
	HasView      bool            `json:"hasView"`
}

// PublishMethod pairs a descriptor with its implementation.
type PublishMethod struct {
	Descriptor PublishDescriptor
	Plugin     PublishPlugin
}

// BotProject is the slice of a project the runtime lookup needs.
type BotProject struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Dir        string `json:"dir,omitempty"`
	RuntimeKey string `json:"runtimeKey,omitempty"`
}

// RuntimeTemplate describes a code-generation/build/run/deploy capability
// for one target runtime.
type RuntimeTemplate struct {
	Key          string `json:"key"`
	Name         string `json:"name"`
	StartCommand string `json:"startCommand,omitempty"`
	Path         string `json:"path,omitempty"`

	Eject            func(ctx context.Context, project *BotProject, dst string) (string, error) `json:"-"`
	Build            func(ctx context.Context, project *BotProject) error                       `json:"-"`
	Run              func(ctx context.Context, project *BotProject) error                       `json:"-"`
	BuildDeploy      func(ctx context.Context, project *BotProject, settings map[string]any) (string, error) `json:"-"`
	SetSkillManifest func(ctx context.Context, dstDir, srcDir string) error                     `json:"-"`
}

// BotTemplate describes a starter bot project shipped by an extension.
type BotTemplate struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Path        string   `json:"path,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Runtimes    []string `json:"runtimes,omitempty"`
}

// authSettings aggregates the authentication pieces extensions register.
type authSettings struct {
	middleware  mux.MiddlewareFunc
	serialize   web.UserSerializer
	deserialize web.UserDeserializer
	allowedURLs []string
}

// Collection is the process-wide aggregate of everything loaded extensions
// have registered this run. It is in-memory only and rebuilt from manifest
// entries as they load.
//
// A Collection has a single conceptual owner (the Loader/Manager pair);
// extension code mutates it only through its Registration handle, and only
// during its own load phase. Retaining a handle and registering after the
// entry point returns is a contract violation, not mechanically enforced.
type Collection struct {
	mu sync.RWMutex

	storage          StorageProvider
	publish          map[string]PublishMethod
	auth             authSettings
	runtimeTemplates []RuntimeTemplate
	botTemplates     []BotTemplate
	baseTemplates    []BotTemplate
}

// NewCollection creates an empty Collection. The allow-list is seeded with
// the login URL, which must always be reachable unauthenticated.
func NewCollection() *Collection {
	return &Collection{
		publish: make(map[string]PublishMethod),
		auth: authSettings{
			allowedURLs: []string{web.LoginURL},
		},
	}
}

// SetStorage registers the process-wide storage override. The first
// registrant wins; a second registration is a programming error.
func (c *Collection) SetStorage(p StorageProvider) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.storage != nil {
		return ErrStorageAlreadySet
	}
	c.storage = p
	return nil
}

// Storage returns the registered storage override, or nil.
func (c *Collection) Storage() StorageProvider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.storage
}

// SetPublishMethod registers a publish method under name, replacing any
// previous registration for the same name. Last write wins so extensions
// can be hot-reloaded during development.
func (c *Collection) SetPublishMethod(name string, m PublishMethod) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publish[name] = m
}

// PublishMethod returns the registered method for name.
func (c *Collection) PublishMethod(name string) (PublishMethod, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.publish[name]
	return m, ok
}

// PublishMethods returns all registered publish methods by name.
func (c *Collection) PublishMethods() map[string]PublishMethod {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]PublishMethod, len(c.publish))
	for name, m := range c.publish {
		out[name] = m
	}
	return out
}

// AddRuntimeTemplate appends a runtime template. Duplicate keys are
// rejected outright so a lookup can never silently pick between two
// registrants for the same key.
func (c *Collection) AddRuntimeTemplate(t RuntimeTemplate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.runtimeTemplates {
		if existing.Key == t.Key {
			return fmt.Errorf("%w: %s", ErrDuplicateRuntime, t.Key)
		}
	}
	c.runtimeTemplates = append(c.runtimeTemplates, t)
	return nil
}

// RuntimeTemplates returns all registered runtime templates in
// registration order.
func (c *Collection) RuntimeTemplates() []RuntimeTemplate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]RuntimeTemplate(nil), c.runtimeTemplates...)
}

// Runtime returns the first registered template whose key matches. The
// error names the missing key; callers must not fall back silently.
func (c *Collection) Runtime(key string) (RuntimeTemplate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, t := range c.runtimeTemplates {
		if t.Key == key {
			return t, nil
		}
	}
	return RuntimeTemplate{}, fmt.Errorf("%w: %s", ErrRuntimeNotAvailable, key)
}

// RuntimeByProject resolves the project's configured runtime key, falling
// back to DefaultRuntimeKey when the project does not specify one.
func (c *Collection) RuntimeByProject(project *BotProject) (RuntimeTemplate, error) {
	key := DefaultRuntimeKey
	if project != nil && project.RuntimeKey != "" {
		key = project.RuntimeKey
	}
	return c.Runtime(key)
}

// AddBotTemplate appends a bot template. No uniqueness is enforced at
// registration time.
func (c *Collection) AddBotTemplate(t BotTemplate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.botTemplates = append(c.botTemplates, t)
}

// AddBaseTemplate appends a base template.
func (c *Collection) AddBaseTemplate(t BotTemplate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseTemplates = append(c.baseTemplates, t)
}

// BotTemplates returns registered bot templates in registration order.
func (c *Collection) BotTemplates() []BotTemplate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]BotTemplate(nil), c.botTemplates...)
}

// BaseTemplates returns registered base templates in registration order.
func (c *Collection) BaseTemplates() []BotTemplate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]BotTemplate(nil), c.baseTemplates...)
}

// SetAuthMiddleware installs (or replaces) the authentication middleware.
func (c *Collection) SetAuthMiddleware(mw mux.MiddlewareFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth.middleware = mw
}

// AuthMiddleware returns the registered authentication middleware, or nil.
func (c *Collection) AuthMiddleware() mux.MiddlewareFunc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.auth.middleware
}

// SetUserSerializers installs (or replaces) the user (de)serializers.
func (c *Collection) SetUserSerializers(s web.UserSerializer, d web.UserDeserializer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth.serialize = s
	c.auth.deserialize = d
}

// UserSerializers returns the registered serializers, defaulting to the
// JSON round-trip pair when none were registered.
func (c *Collection) UserSerializers() (web.UserSerializer, web.UserDeserializer) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, d := c.auth.serialize, c.auth.deserialize
	if s == nil {
		s = web.JSONUserSerializer
	}
	if d == nil {
		d = web.JSONUserDeserializer
	}
	return s, d
}

// AddAllowedURL appends a pattern to the authentication allow-list unless
// an identical pattern is already present. Dedup is by exact string match,
// not pattern equivalence.
func (c *Collection) AddAllowedURL(pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.auth.allowedURLs {
		if existing == pattern {
			return
		}
	}
	c.auth.allowedURLs = append(c.auth.allowedURLs, pattern)
}

// AllowedURLs returns the allow-list in registration order.
func (c *Collection) AllowedURLs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.auth.allowedURLs...)
}

// IsAllowedURL reports whether path matches any allow-list pattern.
func (c *Collection) IsAllowedURL(path string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, pattern := range c.auth.allowedURLs {
		if web.MatchPath(pattern, path) {
			return true
		}
	}
	return false
}
