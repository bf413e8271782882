// Package web composes the host's HTTP surface from extension-registered
// routes, middleware, and authentication strategies.
//
// The Server is a thin layer over gorilla/mux that accepts Express-style
// handler chains (several handlers per route, executed in order until one
// writes a response) so extension code written against the registration
// handle maps directly onto it.
package web

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server is the host web server that extensions contribute routes to.
type Server struct {
	router *mux.Router
	log    *zap.Logger
}

// NewServer creates a Server with an empty router. A nil logger is replaced
// with a no-op.
func NewServer(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		router: mux.NewRouter(),
		log:    log,
	}
}

// Router returns the underlying mux router for host-level wiring.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handle registers a route for the given method and path pattern. Multiple
// handlers form a chain: each runs in order, and the chain stops as soon as
// one of them writes a response.
func (s *Server) Handle(method, path string, handlers ...http.HandlerFunc) {
	s.router.Handle(path, Chain(handlers...)).Methods(method)
	s.log.Debug("route registered", zap.String("method", method), zap.String("path", path))
}

// Use appends middleware to the router. Middleware runs in registration
// order for every matched request.
func (s *Server) Use(mw mux.MiddlewareFunc) {
	s.router.Use(mw)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Chain composes handlers into one http.Handler with Express semantics:
// handlers run in order and the first write ends the chain.
func Chain(handlers ...http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &trackingWriter{ResponseWriter: w}
		for _, h := range handlers {
			h(tw, r)
			if tw.wrote {
				return
			}
		}
	})
}

// trackingWriter records whether a response has been started.
type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (t *trackingWriter) WriteHeader(code int) {
	t.wrote = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(b)
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON error body with the given status code.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}
