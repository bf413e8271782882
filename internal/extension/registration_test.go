package extension

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/convobuild/extensions/internal/web"
)

type staticStrategy struct {
	user any
}

func (s *staticStrategy) Authenticate(*http.Request) (any, error) {
	return s.user, nil
}

// loadWithHandle runs init against a fresh loader/collection pair and hands
// the registration handle to the callback, the way a native extension
// entry point receives it.
func loadWithHandle(t *testing.T, l *Loader, init func(*Registration) error) {
	t.Helper()
	if err := l.LoadModule("test-ext", "", init); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
}

func TestAddWebRouteBeforeAttachment(t *testing.T) {
	l, _ := newTestLoader(t)

	loadWithHandle(t, l, func(r *Registration) error {
		err := r.AddWebRoute(http.MethodGet, "/x", func(http.ResponseWriter, *http.Request) {})
		if !errors.Is(err, ErrNoWebServer) {
			t.Errorf("AddWebRoute before attachment = %v, want ErrNoWebServer", err)
		}
		if err := r.AddWebMiddleware(func(next http.Handler) http.Handler { return next }); !errors.Is(err, ErrNoWebServer) {
			t.Errorf("AddWebMiddleware before attachment = %v, want ErrNoWebServer", err)
		}
		return nil
	})
}

func TestUseAuthMiddlewareReplacesDefault(t *testing.T) {
	l, c := newTestLoader(t)

	marker := false
	loadWithHandle(t, l, func(r *Registration) error {
		r.UseAuthStrategy(&staticStrategy{user: map[string]any{"name": "ada"}})
		r.UseAuthMiddleware(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				marker = true
				next.ServeHTTP(w, req)
			})
		})
		return nil
	})

	rec := httptest.NewRecorder()
	handler := c.AuthMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))

	if !marker {
		t.Error("replacement middleware was not the one installed")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestUseUserSerializersAffectsInstalledMiddleware(t *testing.T) {
	c := NewCollection()
	l := NewLoader(c, nil, WithSessionSecret([]byte("test-secret")))

	serialized := false
	loadWithHandle(t, l, func(r *Registration) error {
		r.UseAuthStrategy(&staticStrategy{user: map[string]any{"name": "ada"}})
		// Installed after the strategy: must still be consulted by the
		// already-built default middleware.
		r.UseUserSerializers(
			func(user any) ([]byte, error) {
				serialized = true
				return web.JSONUserSerializer(user)
			},
			web.JSONUserDeserializer,
		)
		return nil
	})

	rec := httptest.NewRecorder()
	handler := c.AuthMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !serialized {
		t.Error("serializer installed after UseAuthStrategy was never consulted")
	}
}

func TestPublishMethodKeyDefaultsToExtensionName(t *testing.T) {
	l, c := newTestLoader(t)

	loadWithHandle(t, l, func(r *Registration) error {
		r.AddPublishMethod(PublishPlugin{})
		return nil
	})

	if _, ok := c.PublishMethod("test-ext"); !ok {
		t.Error("publish method not keyed by the extension name")
	}
}
