// Package broadcast serves the internal HTTP surface: the permission-change
// and document-deletion endpoints the main application calls, the health
// probe, and the Prometheus metrics. In multi-pod deployments a Redis relay
// forwards changes to the pods hosting the affected hub.
package broadcast

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peakdocs/collab/internal/hub"
	"github.com/peakdocs/collab/internal/monitoring"
	"github.com/peakdocs/collab/internal/permissions"
)

// API is the internal broadcast/admin server.
type API struct {
	registry *hub.Registry
	perms    permissions.Store
	relay    *Relay // nil for single-node deployments
	metrics  *monitoring.Metrics
	secret   string
	started  time.Time
}

// NewAPI wires the internal API. secret guards every /broadcast route via
// the x-internal-auth header; an empty secret disables the check (dev only).
func NewAPI(registry *hub.Registry, perms permissions.Store, relay *Relay, metrics *monitoring.Metrics, secret string) *API {
	return &API{
		registry: registry,
		perms:    perms,
		relay:    relay,
		metrics:  metrics,
		secret:   secret,
		started:  time.Now(),
	}
}

// Router builds the internal routes.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	b := r.PathPrefix("/broadcast").Subrouter()
	b.Use(a.requireSecret)
	b.HandleFunc("/permission-change", a.handlePermissionChange).Methods(http.MethodPost)
	b.HandleFunc("/document-deletion", a.handleDocumentDeletion).Methods(http.MethodPost)
	b.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func (a *API) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.secret != "" {
			supplied := r.Header.Get("x-internal-auth")
			if subtle.ConstantTimeCompare([]byte(supplied), []byte(a.secret)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"success": false,
					"error":   "unauthorized",
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// PermissionChangeRequest is the body of POST /broadcast/permission-change.
type PermissionChangeRequest struct {
	Owner     string `json:"owner"`
	Permlink  string `json:"permlink"`
	Account   string `json:"targetAccount"`
	Level     string `json:"permissionType"`
	GrantedBy string `json:"grantedBy"`
}

func (a *API) handlePermissionChange(w http.ResponseWriter, r *http.Request) {
	var req PermissionChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Owner == "" || req.Permlink == "" || req.Account == "" || req.GrantedBy == "" {
		writeError(w, http.StatusBadRequest, "owner, permlink, targetAccount and grantedBy are required")
		return
	}
	level, err := permissions.ParseLevel(req.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Durable write first: the ACL row is the source of truth even when no
	// hub is live anywhere.
	if err := a.perms.Upsert(r.Context(), req.Owner, req.Permlink, req.Account, level, req.GrantedBy); err != nil {
		slog.Error("permission upsert failed", "owner", req.Owner, "permlink", req.Permlink,
			"account", req.Account, "error", err)
		writeError(w, http.StatusInternalServerError, "permission store write failed")
		return
	}

	docID := hub.DocumentID{Owner: req.Owner, Permlink: req.Permlink}
	update := hub.PermissionUpdate{Account: req.Account, Level: level, GrantedBy: req.GrantedBy}

	delivered := false
	if h := a.registry.Get(docID); h != nil {
		if err := h.IngestPermissionUpdate(update); err != nil {
			slog.Warn("permission ingest failed", "doc", docID, "error", err)
		} else {
			delivered = true
		}
	}
	if a.relay != nil {
		if err := a.relay.PublishPermission(r.Context(), docID, update); err != nil {
			slog.Warn("permission relay publish failed", "doc", docID, "error", err)
		}
	}

	a.metrics.RecordPermissionBroadcast(delivered)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"broadcast": delivered,
	})
}

// DocumentDeletionRequest is the body of POST /broadcast/document-deletion.
type DocumentDeletionRequest struct {
	Owner    string `json:"owner"`
	Permlink string `json:"permlink"`
}

func (a *API) handleDocumentDeletion(w http.ResponseWriter, r *http.Request) {
	var req DocumentDeletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Owner == "" || req.Permlink == "" {
		writeError(w, http.StatusBadRequest, "owner and permlink are required")
		return
	}

	docID := hub.DocumentID{Owner: req.Owner, Permlink: req.Permlink}
	closed := false
	if h := a.registry.Get(docID); h != nil {
		h.DeleteDocument()
		closed = true
	}
	if a.relay != nil {
		if err := a.relay.PublishDeletion(r.Context(), docID); err != nil {
			slog.Warn("deletion relay publish failed", "doc", docID, "error", err)
		}
	}

	slog.Info("document deletion broadcast", "doc", docID, "closed", closed)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"broadcast": closed,
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	conns, docs := a.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"activeConnections": conns,
		"activeDocuments":   docs,
		"uptimeSeconds":     int(time.Since(a.started).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
