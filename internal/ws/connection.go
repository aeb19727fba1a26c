package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"chatroom/internal/models"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type sessionHub interface {
	Register(sessionID string) chan models.ServerMessage
	Unregister(sessionID string)
}

type eventHandler interface {
	Dispatch(ctx context.Context, sessionID string, msg models.ClientMessage)
	Disconnect(ctx context.Context, sessionID string)
	ReportError(sessionID string, err error)
}

// Connection serves one websocket session. Inbound events are handled one at a
// time in arrival order; outbound events are written as the hub hands them over.
type Connection struct {
	ws         wsConnection
	hub        sessionHub
	handler    eventHandler
	sessionID  string
	limiter    *rate.Limiter
	fromClient chan models.ClientMessage
	fromServer chan models.ServerMessage
	errorCh    chan error
}

func NewConnection(
	hub sessionHub,
	handler eventHandler,
	ws wsConnection,
	sessionID string,
	limiter *rate.Limiter,
) *Connection {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &Connection{
		ws:         ws,
		hub:        hub,
		handler:    handler,
		sessionID:  sessionID,
		limiter:    limiter,
		fromClient: make(chan models.ClientMessage, 16),
		fromServer: hub.Register(sessionID),
		errorCh:    make(chan error, 3),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		// Membership cleanup must finish even when the server is shutting down.
		c.handler.Disconnect(context.WithoutCancel(ctx), c.sessionID)
		c.hub.Unregister(c.sessionID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.handleEvents(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) && !isNormalClose(err) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if isDecodeError(err) {
				c.handler.ReportError(c.sessionID, &models.ProtocolError{Reason: "malformed event"})
				continue
			}
			return err
		}

		if !c.limiter.Allow() {
			c.handler.ReportError(c.sessionID, models.ErrRateLimited)
			continue
		}

		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) handleEvents(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			c.handler.Dispatch(ctx, c.sessionID, msg)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.fromServer:
			if !ok {
				return nil
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// isDecodeError reports whether a complete frame failed to decode. ReadJSON
// returns io.ErrUnexpectedEOF for a truncated or empty document; a connection
// dropped mid-frame surfaces as a *websocket.CloseError instead.
func isDecodeError(err error) bool {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
