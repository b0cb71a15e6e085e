package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"roomcast/internal/api"
	"roomcast/internal/config"
)

// IssueToken asks a running server's admin API for a session token.
func IssueToken(userID string, cfg *config.Config) error {
	reqBody, err := json.Marshal(api.IssueSessionRequest{UserID: userID})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/sessions", cfg.AdminAddr)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to issue token (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.IssueSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nSession Issued!\n")
	fmt.Printf("User ID:  %s\n", result.UserID)
	fmt.Printf("Token:    %s\n", result.Token)
	fmt.Printf("Expires:  %s\n\n", time.Unix(result.ExpiresAt, 0).Format(time.RFC3339))
	fmt.Printf("Connect to ws://%s/api/chat and send identify with this token.\n", cfg.APIAddr)
	return nil
}
