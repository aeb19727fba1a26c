package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

type agePurger interface {
	Purge(ctx context.Context, olderThan time.Duration) (int, error)
	PurgeExpired(ctx context.Context) (int, error)
}

type AdminHandler struct {
	sweeper agePurger
}

func NewAdminHandler(sweeper agePurger) *AdminHandler {
	return &AdminHandler{sweeper: sweeper}
}

type CleanupRequest struct {
	// OlderThan overrides the retention TTL, e.g. "1h". Empty means the configured TTL.
	OlderThan string `json:"olderThan,omitempty"`
}

type CleanupResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message,omitempty"`
	DeletedCount int    `json:"deletedCount"`
}

// CleanupHandler purges old messages on demand.
func (h *AdminHandler) CleanupHandler(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var (
		n   int
		err error
	)
	if req.OlderThan == "" {
		n, err = h.sweeper.PurgeExpired(r.Context())
	} else {
		age, perr := time.ParseDuration(req.OlderThan)
		if perr != nil || age < 0 {
			writeJSON(w, http.StatusBadRequest, CleanupResponse{
				Message: fmt.Sprintf("invalid olderThan %q", req.OlderThan),
			})
			return
		}
		n, err = h.sweeper.Purge(r.Context(), age)
	}
	if err != nil {
		slog.Error("admin cleanup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, CleanupResponse{Message: "cleanup failed"})
		return
	}

	slog.Info("admin cleanup done", "deleted", n, "older_than", req.OlderThan)
	writeJSON(w, http.StatusOK, CleanupResponse{Success: true, DeletedCount: n})
}
