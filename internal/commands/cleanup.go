package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"chatroom/internal/api"
	"chatroom/internal/config"
)

// Cleanup asks the running server to purge messages older than olderThan
// ("ttl" uses the server's retention TTL) and prints the result.
func Cleanup(olderThan string, cfg *config.Config, out io.Writer) error {
	req := api.CleanupRequest{}
	if olderThan != "ttl" {
		req.OlderThan = olderThan
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/cleanup", cfg.AdminAddr)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cleanup failed (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.CleanupResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	_, _ = fmt.Fprintf(out, "Deleted %d message(s).\n", result.DeletedCount)
	return nil
}
