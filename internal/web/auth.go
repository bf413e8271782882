package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"go.uber.org/zap"
)

// LoginURL is where the default auth middleware sends unauthenticated
// requests. It is always present in the allow-list.
const LoginURL = "/login"

// sessionName is the cookie session holding the serialized user.
const sessionName = "composer-auth"

type contextKey int

const userKey contextKey = 0

// Strategy authenticates a request. Returning a nil user with a nil error
// means the request carried no usable credentials.
type Strategy interface {
	Authenticate(r *http.Request) (user any, err error)
}

// UserSerializer converts an authenticated user to bytes for session
// storage. UserDeserializer is its inverse.
type (
	UserSerializer   func(user any) ([]byte, error)
	UserDeserializer func(data []byte) (any, error)
)

// JSONUserSerializer round-trips the user object through JSON. It is the
// default installed when a strategy is registered.
func JSONUserSerializer(user any) ([]byte, error) {
	return json.Marshal(user)
}

// JSONUserDeserializer is the inverse of JSONUserSerializer.
func JSONUserDeserializer(data []byte) (any, error) {
	var user any
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, err
	}
	return user, nil
}

// WithUser returns a request whose context carries the authenticated user.
func WithUser(r *http.Request, user any) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), userKey, user))
}

// UserFromRequest returns the authenticated user attached to the request,
// or nil when the request is unauthenticated.
func UserFromRequest(r *http.Request) any {
	return r.Context().Value(userKey)
}

// SessionAuth builds the default authentication middleware for a strategy.
//
// The middleware restores the user from the cookie session when present,
// otherwise asks the strategy to authenticate the request and persists the
// result. Requests that fail both are redirected to LoginURL.
//
// serializers is consulted per request, not captured once, so replacing the
// registered (de)serializer pair after the middleware is installed takes
// effect immediately.
func SessionAuth(strategy Strategy, store sessions.Store, serializers func() (UserSerializer, UserDeserializer), log *zap.Logger) mux.MiddlewareFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			serialize, deserialize := serializers()
			session, _ := store.Get(r, sessionName)
			if raw, ok := session.Values["user"].([]byte); ok {
				user, err := deserialize(raw)
				if err == nil && user != nil {
					next.ServeHTTP(w, WithUser(r, user))
					return
				}
				log.Debug("discarding unreadable session user", zap.Error(err))
				delete(session.Values, "user")
			}

			user, err := strategy.Authenticate(r)
			if err != nil {
				log.Debug("authentication failed", zap.Error(err))
			}
			if user == nil {
				http.Redirect(w, r, LoginURL, http.StatusFound)
				return
			}

			if raw, err := serialize(user); err == nil {
				session.Values["user"] = raw
				if err := session.Save(r, w); err != nil {
					log.Warn("failed to save auth session", zap.Error(err))
				}
			} else {
				log.Warn("failed to serialize user", zap.Error(err))
			}

			next.ServeHTTP(w, WithUser(r, user))
		})
	}
}
