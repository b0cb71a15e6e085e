package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"roomcast/internal/auth"
	"roomcast/internal/models"
)

// ProfileRegistry accepts profiles for users that sessions are issued to.
// It is only wired when no external directory is configured.
type ProfileRegistry interface {
	Add(p models.Profile) error
}

type Disconnector interface {
	DisconnectUser(userID string) int
}

type AdminHandler struct {
	authService *auth.AuthService
	profiles    ProfileRegistry
	conns       Disconnector
}

func NewAdminHandler(authService *auth.AuthService, profiles ProfileRegistry, conns Disconnector) *AdminHandler {
	return &AdminHandler{authService: authService, profiles: profiles, conns: conns}
}

type IssueSessionRequest struct {
	UserID      string `json:"userId"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type IssueSessionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	auth.Session
}

// IssueSessionHandler stands in for the external login flow: it mints a
// session token for a user the directory knows.
func (h *AdminHandler) IssueSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req IssueSessionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	if h.profiles != nil {
		if err := h.profiles.Add(models.Profile{
			ID:          req.UserID,
			Username:    req.Username,
			DisplayName: req.DisplayName,
		}); err != nil {
			writeJSON(w, http.StatusBadRequest, IssueSessionResponse{Message: err.Error()})
			return
		}
	}

	session, err := h.authService.Issue(req.UserID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, IssueSessionResponse{
			Message: fmt.Sprintf("Failed to issue session: %v", err),
		})
		return
	}

	slog.Info("session issued", "user_id", req.UserID)
	writeJSON(w, http.StatusOK, IssueSessionResponse{Success: true, Session: session})
}

// RevokeUserHandler drops every session of ?id= and closes the user's live
// connections.
func (h *AdminHandler) RevokeUserHandler(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	h.authService.RevokeUser(id)
	closed := 0
	if h.conns != nil {
		closed = h.conns.DisconnectUser(id)
	}

	writeJSON(w, http.StatusOK, models.APIResponse{
		Success: true,
		Message: fmt.Sprintf("Revoked sessions of %s, closed %d connections", id, closed),
	})
}
