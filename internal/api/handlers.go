package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"roomcast/internal/auth"
	"roomcast/internal/chat"
	"roomcast/internal/directory"
	"roomcast/internal/models"
	"roomcast/internal/presence"
)

type contextKey struct{}

type PushStore interface {
	UpsertPushSubscription(sub models.PushSubscription) error
	DeletePushSubscription(userID, endpoint string) error
}

type Config struct {
	Auth      *auth.AuthService
	Chat      *chat.Service
	Directory directory.Resolver
	Presence  *presence.Tracker
	Push      PushStore
}

type API struct {
	auth      *auth.AuthService
	chat      *chat.Service
	directory directory.Resolver
	presence  *presence.Tracker
	push      PushStore
}

func New(config Config) *API {
	return &API{
		auth:      config.Auth,
		chat:      config.Chat,
		directory: config.Directory,
		presence:  config.Presence,
		push:      config.Push,
	}
}

func getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			token = v
		}
	}
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// RequireAuth resolves the session token and stores the user ID in the
// request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.UserID(getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, userID)))
	}
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(contextKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrRoomAccessDenied), errors.Is(err, models.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrMalformedEvent):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrIdentityUnverified):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, models.APIResponse{Success: false, Message: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := getToken(r); token != "" {
		_ = a.auth.Revoke(token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

type ConversationSummary struct {
	models.Conversation
	Unread      int   `json:"unread"`
	LastReadSeq int64 `json:"lastReadSeq"`
}

func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request) {
	me := userID(r)
	convs, err := a.chat.Conversations(me)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		s := ConversationSummary{Conversation: c}
		if unread, err := a.chat.Unread(c.ID, me); err == nil {
			s.Unread = unread.Count
			s.LastReadSeq = unread.LastReadSeq
		}
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) ConversationHandler(w http.ResponseWriter, r *http.Request) {
	conv, err := a.chat.Conversation(r.PathValue("id"), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type StartPrivateRequest struct {
	PeerID string `json:"peerId"`
}

func (a *API) StartPrivateHandler(w http.ResponseWriter, r *http.Request) {
	var req StartPrivateRequest
	if !decode(w, r, &req) {
		return
	}
	conv, err := a.chat.StartPrivate(r.Context(), userID(r), req.PeerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type CreateGroupRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"memberIds"`
}

func (a *API) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if !decode(w, r, &req) {
		return
	}
	conv, err := a.chat.CreateGroup(r.Context(), userID(r), req.Name, req.MemberIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

type RenameGroupRequest struct {
	Name string `json:"name"`
}

func (a *API) RenameGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req RenameGroupRequest
	if !decode(w, r, &req) {
		return
	}
	conv, err := a.chat.RenameGroup(r.Context(), r.PathValue("id"), userID(r), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type MemberRequest struct {
	UserID string `json:"userId"`
}

func (a *API) AddMemberHandler(w http.ResponseWriter, r *http.Request) {
	var req MemberRequest
	if !decode(w, r, &req) {
		return
	}
	conv, err := a.chat.AddMember(r.Context(), r.PathValue("id"), userID(r), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (a *API) RemoveMemberHandler(w http.ResponseWriter, r *http.Request) {
	conv, err := a.chat.RemoveMember(r.Context(), r.PathValue("id"), userID(r), r.PathValue("userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type LeaveGroupRequest struct {
	SuccessorID string `json:"successorId,omitempty"`
}

func (a *API) LeaveGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req LeaveGroupRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	conv, err := a.chat.LeaveGroup(r.Context(), r.PathValue("id"), userID(r), req.SuccessorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// MessagesHandler serves history pages: ?limit=N&before=SEQ.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	before, _ := strconv.ParseInt(q.Get("before"), 10, 64)

	msgs, err := a.chat.History(r.Context(), r.PathValue("id"), userID(r), limit, before)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) UnreadHandler(w http.ResponseWriter, r *http.Request) {
	unread, err := a.chat.Unread(r.PathValue("id"), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unread)
}

type UserResponse struct {
	models.Profile
	Presence models.Presence `json:"presence"`
}

func (a *API) UserHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "me" {
		id = userID(r)
	}
	profile, err := a.directory.Resolve(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := UserResponse{Profile: profile, Presence: models.Presence{UserID: id}}
	if a.presence != nil {
		resp.Presence = a.presence.Snapshot(id).Presence
	}
	writeJSON(w, http.StatusOK, resp)
}

type PushSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (a *API) SubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	var req PushSubscriptionRequest
	if !decode(w, r, &req) {
		return
	}
	err := a.push.UpsertPushSubscription(models.PushSubscription{
		UserID:   userID(r),
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.APIResponse{Success: true})
}

func (a *API) UnsubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	var req PushSubscriptionRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.push.DeletePushSubscription(userID(r), req.Endpoint); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}
