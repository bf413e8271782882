package extension

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/convobuild/extensions/internal/npm"
	"github.com/convobuild/extensions/internal/web"
)

// API is the admin HTTP surface for managing extensions. It is mounted by
// the host, not registered through an extension handle, so it bypasses the
// Express-style chain helpers and uses the router directly.
type API struct {
	manager *Manager
	log     *zap.Logger
}

// NewAPI creates the admin surface over a Manager.
func NewAPI(manager *Manager, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{manager: manager, log: log}
}

// Mount attaches the admin routes under /api/extensions.
func (a *API) Mount(r *mux.Router) {
	r.HandleFunc("/api/extensions", a.handleList).Methods(http.MethodGet)
	r.HandleFunc("/api/extensions", a.handleInstall).Methods(http.MethodPost)
	r.HandleFunc("/api/extensions/search", a.handleSearch).Methods(http.MethodGet)
	r.HandleFunc("/api/extensions/{id}", a.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/api/extensions/{id}", a.handleToggle).Methods(http.MethodPatch)
	r.HandleFunc("/api/extensions/{id}", a.handleRemove).Methods(http.MethodDelete)
	r.HandleFunc("/api/extensions/{id}/{bundleId}", a.handleBundle).Methods(http.MethodGet)
}

// handleList returns every known extension with server-side paths stripped.
func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	all := a.manager.GetAll()
	out := make([]Metadata, len(all))
	for i, meta := range all {
		out[i] = meta.Strip()
	}
	web.WriteJSON(w, http.StatusOK, out)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	meta := a.manager.Find(id)
	if meta == nil {
		web.WriteError(w, http.StatusNotFound, "extension not found")
		return
	}
	web.WriteJSON(w, http.StatusOK, meta.Strip())
}

type installRequest struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

func (a *API) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		web.WriteError(w, http.StatusBadRequest, "request body must carry an extension id")
		return
	}

	if err := a.manager.InstallRemote(r.Context(), req.ID, req.Version); err != nil {
		a.log.Error("extension install failed", zap.String("id", req.ID), zap.Error(err))
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	meta := a.manager.Find(req.ID)
	if meta == nil {
		web.WriteError(w, http.StatusInternalServerError, "extension installed but not recorded")
		return
	}
	web.WriteJSON(w, http.StatusCreated, meta.Strip())
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (a *API) handleToggle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "request body must carry an enabled flag")
		return
	}

	var err error
	if req.Enabled {
		err = a.manager.Enable(id)
	} else {
		err = a.manager.Disable(id)
	}
	if err != nil {
		if errors.Is(err, ErrExtensionNotFound) {
			web.WriteError(w, http.StatusNotFound, "extension not found")
			return
		}
		a.log.Error("extension toggle failed", zap.String("id", id), zap.Error(err))
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	meta := a.manager.Find(id)
	if meta == nil {
		// Enable can drop the entry when the subsequent load fails.
		web.WriteError(w, http.StatusNotFound, "extension not found")
		return
	}
	web.WriteJSON(w, http.StatusOK, meta.Strip())
}

func (a *API) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := a.manager.Remove(r.Context(), id)
	switch {
	case errors.Is(err, ErrExtensionNotFound):
		web.WriteError(w, http.StatusNotFound, "extension not found")
	case errors.Is(err, ErrBuiltinImmutable):
		web.WriteError(w, http.StatusForbidden, "built-in extensions cannot be removed")
	case err != nil:
		a.log.Error("extension removal failed", zap.String("id", id), zap.Error(err))
		web.WriteError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")

	results, err := a.manager.Search(r.Context(), query)
	if err != nil {
		a.log.Error("extension search failed", zap.String("query", query), zap.Error(err))
		web.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	if results == nil {
		results = []npm.SearchEntry{}
	}
	web.WriteJSON(w, http.StatusOK, results)
}

// handleBundle streams a bundle file of an extension. The bundle path is
// server-side metadata, never taken from the request.
func (a *API) handleBundle(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	bundle, err := a.manager.GetBundle(vars["id"], vars["bundleId"])
	switch {
	case errors.Is(err, ErrExtensionNotFound):
		web.WriteError(w, http.StatusNotFound, "extension not found")
		return
	case errors.Is(err, ErrBundleNotFound):
		web.WriteError(w, http.StatusNotFound, "bundle not found")
		return
	case err != nil:
		web.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	http.ServeFile(w, r, bundle.Path)
}
