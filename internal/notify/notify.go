package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"roomcast/internal/metrics"
	"roomcast/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
	"golang.org/x/sync/semaphore"
)

const (
	previewLength = 120
	maxInFlight   = 16
	sendTimeout   = 10 * time.Second
)

type Store interface {
	ListPushSubscriptions(userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(userID, endpoint string) error
}

// SendFunc delivers one payload and returns the push service's status code.
type SendFunc func(ctx context.Context, payload []byte, sub models.PushSubscription) (int, error)

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
}

type Payload struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Seq            int64  `json:"seq"`
	Preview        string `json:"preview"`
}

// WebPush notifies participants without a live connection through their
// registered browser push subscriptions.
type WebPush struct {
	ctx   context.Context
	store Store
	send  SendFunc
	sem   *semaphore.Weighted
	wg    sync.WaitGroup
}

func NewWebPush(ctx context.Context, store Store, config Config) *WebPush {
	opts := &webpush.Options{
		Subscriber:      config.Subscriber,
		VAPIDPublicKey:  config.VAPIDPublicKey,
		VAPIDPrivateKey: config.VAPIDPrivateKey,
		TTL:             3600,
	}
	send := func(ctx context.Context, payload []byte, sub models.PushSubscription) (int, error) {
		resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
		}, opts)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		return resp.StatusCode, nil
	}
	return newWebPush(ctx, store, send)
}

func newWebPush(ctx context.Context, store Store, send SendFunc) *WebPush {
	return &WebPush{
		ctx:   ctx,
		store: store,
		send:  send,
		sem:   semaphore.NewWeighted(maxInFlight),
	}
}

// Notify returns immediately; deliveries run in the background.
func (w *WebPush) Notify(msg models.Message, recipients []string) {
	payload, err := json.Marshal(Payload{
		Type:           "message",
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Seq:            msg.Seq,
		Preview:        preview(msg),
	})
	if err != nil {
		slog.Error("marshal push payload", "error", err)
		return
	}

	for _, userID := range recipients {
		subs, err := w.store.ListPushSubscriptions(userID)
		if err != nil {
			slog.Warn("list push subscriptions", "user_id", userID, "error", err)
			continue
		}
		for _, sub := range subs {
			w.wg.Go(func() {
				w.deliver(payload, sub)
			})
		}
	}
}

func (w *WebPush) deliver(payload []byte, sub models.PushSubscription) {
	if err := w.sem.Acquire(w.ctx, 1); err != nil {
		return
	}
	defer w.sem.Release(1)

	ctx, cancel := context.WithTimeout(w.ctx, sendTimeout)
	defer cancel()

	status, err := w.send(ctx, payload, sub)
	switch {
	case err != nil:
		metrics.IncPush("error")
		slog.Warn("web push failed", "user_id", sub.UserID, "error", err)
	case status == http.StatusGone || status == http.StatusNotFound:
		// The browser dropped the subscription.
		metrics.IncPush("expired")
		if err := w.store.DeletePushSubscription(sub.UserID, sub.Endpoint); err != nil {
			slog.Warn("delete expired push subscription", "user_id", sub.UserID, "error", err)
		}
	case status >= 400:
		metrics.IncPush("rejected")
		slog.Warn("web push rejected", "user_id", sub.UserID, "status", status)
	default:
		metrics.IncPush("sent")
	}
}

// Wait blocks until in-flight deliveries finish.
func (w *WebPush) Wait() {
	w.wg.Wait()
}

func preview(msg models.Message) string {
	text := msg.Text
	if text == "" && len(msg.Attachments) > 0 {
		return "[" + string(msg.Attachments[0].Type) + "]"
	}
	if utf8.RuneCountInString(text) <= previewLength {
		return text
	}
	r := []rune(text)
	return string(r[:previewLength]) + "…"
}

// Noop is used when web push is not configured.
type Noop struct{}

func (Noop) Notify(models.Message, []string) {}
