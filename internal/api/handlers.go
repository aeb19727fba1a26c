package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"chatroom/internal/engine"
	"chatroom/internal/models"
)

type messageService interface {
	Create(ctx context.Context, sessionID string, req engine.SendRequest) (models.Message, error)
	History(ctx context.Context, q engine.HistoryQuery) ([]models.MessageView, error)
	Get(ctx context.Context, messageID string) (models.Message, error)
	Delete(ctx context.Context, messageID string) error
}

type purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

const (
	DefaultRoom         = "general"
	DefaultMaxBodyBytes = 8 << 20
)

type API struct {
	messages messageService
	sweeper  purger
	store    pinger

	// MaxBodyBytes caps a send request body.
	MaxBodyBytes int64
}

func New(messages messageService, sweeper purger, store pinger) *API {
	return &API{messages: messages, sweeper: sweeper, store: store, MaxBodyBytes: DefaultMaxBodyBytes}
}

// SendRequest is the body of POST /api/messages.
type SendRequest struct {
	Room        string              `json:"room"`
	Author      string              `json:"author"`
	Body        string              `json:"body"`
	Kind        models.Kind         `json:"kind"`
	Attachment  string              `json:"attachment"`
	ReplyTarget *models.ReplyTarget `json:"replyTarget"`
}

// SendHandler creates a message outside of any websocket session. Everyone online
// in the room receives it and counts as a recipient.
func (a *API) SendHandler(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.MaxBodyBytes)).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			err = &models.ValidationError{Field: "attachment", Reason: "too large", Err: models.ErrAttachmentTooLarge}
		} else {
			err = &models.ValidationError{Reason: "invalid request body", Err: err}
		}
		writeError(w, err)
		return
	}
	if req.Room == "" {
		req.Room = DefaultRoom
	}

	msg, err := a.messages.Create(r.Context(), "", engine.SendRequest{
		Room:        req.Room,
		Author:      req.Author,
		Body:        req.Body,
		Kind:        req.Kind,
		Attachment:  req.Attachment,
		ReplyTarget: req.ReplyTarget,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type historyResponse struct {
	Messages []models.MessageView `json:"messages"`
	Count    int                  `json:"count"`
}

// HistoryHandler serves GET /api/messages?room=&limit=&offset=&participant=
func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := intParam(q.Get("offset"), "offset")
	if err != nil {
		writeError(w, err)
		return
	}

	messages, err := a.messages.History(r.Context(), engine.HistoryQuery{
		Room:        q.Get("room"),
		Participant: q.Get("participant"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, historyResponse{Messages: messages, Count: len(messages)})
}

func (a *API) GetMessageHandler(w http.ResponseWriter, r *http.Request) {
	msg, err := a.messages.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) DeleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.messages.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cleanupResponse struct {
	DeletedCount int `json:"deletedCount"`
}

// CleanupHandler runs the retention sweep now.
func (a *API) CleanupHandler(w http.ResponseWriter, r *http.Request) {
	n, err := a.sweeper.PurgeExpired(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cleanupResponse{DeletedCount: n})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func intParam(value, name string) (int, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, &models.ValidationError{Field: name, Reason: "must be an integer", Err: err}
	}
	return n, nil
}

type errorResponse struct {
	Error string           `json:"error"`
	Type  models.ErrorType `json:"type"`
}

func writeError(w http.ResponseWriter, err error) {
	errType := models.ClassifyError(err)

	status := http.StatusInternalServerError
	switch errType {
	case models.ErrorTypeValidation:
		status = http.StatusBadRequest
	case models.ErrorTypeImageTooLarge:
		status = http.StatusRequestEntityTooLarge
	case models.ErrorTypeNotFound:
		status = http.StatusNotFound
	case models.ErrorTypeConflict:
		status = http.StatusConflict
	case models.ErrorTypeStorage:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}

	writeJSON(w, status, errorResponse{Error: models.PublicMessage(err), Type: errType})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
