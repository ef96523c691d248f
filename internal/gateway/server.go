// Package gateway serves the public WebSocket endpoint: it upgrades the
// connection, authenticates the handshake token, and bridges frames between
// the socket and the document hub.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/peakdocs/collab/internal/config"
	"github.com/peakdocs/collab/internal/hub"
	"github.com/peakdocs/collab/internal/identity"
	"github.com/peakdocs/collab/internal/monitoring"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Server is the public WebSocket gateway.
type Server struct {
	cfg      *config.Config
	registry *hub.Registry
	auth     *Authenticator
	metrics  *monitoring.Metrics
	upgrader websocket.Upgrader
}

// NewServer wires the gateway. The origin allowlist is enforced only in the
// production environment; elsewhere all origins are accepted.
func NewServer(cfg *config.Config, registry *hub.Registry, auth *Authenticator, metrics *monitoring.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		auth:     auth,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(cfg.Server.Env, cfg.Server.AllowedOrigins),
		},
	}
}

// Router exposes the document endpoint.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/{owner}/{permlink}", s.handleDocument)
	return r
}

func checkOrigin(env string, allowed []string) func(*http.Request) bool {
	if env == "production" && len(allowed) > 0 {
		set := make(map[string]bool, len(allowed))
		for _, origin := range allowed {
			set[strings.TrimSpace(origin)] = true
		}
		slog.Info("origin allowlist active", "origins", len(set))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if set[origin] {
				return true
			}
			slog.Info("rejected origin", "origin", origin)
			return false
		}
	}
	if env == "production" {
		slog.Warn("no allowed origins configured in production, accepting all origins")
	}
	return func(*http.Request) bool { return true }
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	docID := hub.DocumentID{Owner: vars["owner"], Permlink: vars["permlink"]}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("upgrade failed", "doc", docID, "error", err)
		return
	}

	tok, err := readToken(ws, r, s.cfg.Timeouts.Handshake())
	if err != nil {
		s.metrics.RecordAuthFailure(string(identity.KindMissingFields))
		closeAndDrop(ws, hub.CloseAuthFailure, string(identity.KindMissingFields))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeouts.Handshake())
	eff, err := s.auth.Authenticate(ctx, tok, docID)
	cancel()
	if err != nil {
		var authErr *identity.AuthError
		if errors.As(err, &authErr) {
			s.metrics.RecordAuthFailure(string(authErr.Kind))
			slog.Info("handshake rejected", "doc", docID, "account", tok.Account, "kind", authErr.Kind)
			closeAndDrop(ws, hub.CloseAuthFailure, string(authErr.Kind))
			return
		}
		slog.Error("handshake failed", "doc", docID, "account", tok.Account, "error", err)
		closeAndDrop(ws, hub.CloseServerError, "internal error")
		return
	}

	conn := newWSConn(ws, s.cfg.Limits.SendWatermark)
	sess := hub.NewSession(tok.Account, docID, eff, time.Now())
	h, err := s.registry.Attach(r.Context(), docID, conn, sess)
	if err != nil {
		slog.Error("attach failed", "doc", docID, "account", tok.Account, "error", err)
		conn.Close(hub.CloseServerError, "document unavailable")
		return
	}

	s.readPump(ws, conn, h)
}

// readPump is the only goroutine reading the socket. Every inbound frame is
// handed to the hub; the pump ends on any read error.
func (s *Server) readPump(ws *websocket.Conn, conn *wsConn, h *hub.Hub) {
	defer func() {
		h.Detach(conn)
		conn.Close(hub.CloseNormal, "")
	}()

	ws.SetReadLimit(int64(s.cfg.Limits.MaxFrameBytes))
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("read ended", "conn", conn.ID(), "error", err)
			}
			return
		}
		if len(frame) == 0 {
			continue
		}
		h.HandleFrame(conn, frame)
	}
}

// readToken pulls the handshake token from the ?token= query parameter, or
// failing that from the first WebSocket message, bounded by the handshake
// deadline.
func readToken(ws *websocket.Conn, r *http.Request, handshake time.Duration) (Token, error) {
	var tok Token
	if raw := r.URL.Query().Get("token"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &tok); err != nil {
			return Token{}, fmt.Errorf("decode token parameter: %w", err)
		}
		return tok, nil
	}

	ws.SetReadDeadline(time.Now().Add(handshake))
	defer ws.SetReadDeadline(time.Time{})
	_, payload, err := ws.ReadMessage()
	if err != nil {
		return Token{}, fmt.Errorf("read token message: %w", err)
	}
	if err := json.Unmarshal(payload, &tok); err != nil {
		return Token{}, fmt.Errorf("decode token message: %w", err)
	}
	return tok, nil
}

// closeAndDrop sends a close frame and tears the socket down; used before a
// wsConn exists.
func closeAndDrop(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	ws.WriteControl(websocket.CloseMessage, msg, deadline)
	ws.Close()
}
