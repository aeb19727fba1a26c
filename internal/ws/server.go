package ws

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// DefaultMaxEventBytes bounds a single inbound frame when no limit is configured.
const DefaultMaxEventBytes = 8 << 20

// envelopeBytes covers everything in a send event besides the attachment.
const envelopeBytes = 64 << 10

// EventLimit returns the inbound frame limit for an attachment cap. It leaves room
// for a base64 attachment of twice the cap, so an oversized image still arrives as
// an event and is rejected by validation instead of by the transport.
func EventLimit(maxAttachmentBytes int) int64 {
	return int64(base64.StdEncoding.EncodedLen(2*maxAttachmentBytes)) + envelopeBytes
}

type ServerConfig struct {
	// EventRate is the sustained number of inbound events per second per session.
	// Zero disables limiting.
	EventRate  float64
	EventBurst int
	// MaxEventBytes is the largest inbound frame accepted. Larger frames close
	// the session with 1009.
	MaxEventBytes int64
}

type Server struct {
	ctx      context.Context
	hub      sessionHub
	handler  eventHandler
	config   ServerConfig
	upgrader *websocket.Upgrader
	sessions sync.WaitGroup
}

// NewServer creates the websocket endpoint. Connections live until the client
// goes away or ctx is canceled.
func NewServer(ctx context.Context, hub sessionHub, handler eventHandler, config ServerConfig) *Server {
	if config.MaxEventBytes <= 0 {
		config.MaxEventBytes = DefaultMaxEventBytes
	}
	return &Server{
		ctx:     ctx,
		hub:     hub,
		handler: handler,
		config:  config,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // no accounts, any origin may chat
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.config.MaxEventBytes)

	s.sessions.Add(1)
	defer s.sessions.Done()

	sessionID := uuid.NewString()
	slog.Info("session connected", "session_id", sessionID, "remote", r.RemoteAddr)

	var limiter *rate.Limiter
	if s.config.EventRate > 0 {
		burst := s.config.EventBurst
		if burst <= 0 {
			burst = int(s.config.EventRate)
		}
		limiter = rate.NewLimiter(rate.Limit(s.config.EventRate), max(burst, 1))
	}

	c := NewConnection(s.hub, s.handler, conn, sessionID, limiter)
	if err := c.Handle(s.ctx); err != nil {
		slog.Warn("session closed with error", "session_id", sessionID, "error", err)
		return
	}
	slog.Info("session disconnected", "session_id", sessionID)
}

// Wait blocks until every session has finished its cleanup.
func (s *Server) Wait() {
	s.sessions.Wait()
}
