package client

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"roomcast/internal/models"
	"roomcast/internal/typing"
)

// Entry is one line of a conversation timeline. Pending entries are local
// sends not yet confirmed by the server; they have no Seq.
type Entry struct {
	models.Message
	Pending bool   `json:"pending,omitempty"`
	Failed  bool   `json:"failed,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type pending struct {
	clientID string
	text     string
	at       time.Time
	failed   bool
	reason   string
}

type conversation struct {
	messages []models.Message
	ids      map[string]struct{}
	pending  []pending
	open     bool
	stale    bool
	// resuming is set when a previously fetched conversation went stale.
	// Pages are fetched backwards until they reach resumeSeq, the tail
	// held at disconnect.
	resuming  bool
	resumeSeq int64
	unread   int
	lastRead int64
}

func compareMessages(a, b models.Message) int {
	if c := cmp.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

// Reconciler merges history pages and the live stream into one ordered,
// duplicate-free timeline per conversation and derives unread counts.
type Reconciler struct {
	self   string
	typing *typing.Tracker
	now    func() time.Time

	mu    sync.Mutex
	convs map[string]*conversation
	// onMarkRead is called, outside the lock, when an open conversation's
	// tail advances.
	onMarkRead func(conversationID string, seq int64)
}

func NewReconciler(self string, typingTTL time.Duration, onMarkRead func(conversationID string, seq int64)) *Reconciler {
	return &Reconciler{
		self:       self,
		typing:     typing.NewTracker(typingTTL),
		now:        time.Now,
		convs:      make(map[string]*conversation),
		onMarkRead: onMarkRead,
	}
}

func (r *Reconciler) conv(id string) *conversation {
	c, ok := r.convs[id]
	if !ok {
		c = &conversation{ids: make(map[string]struct{}), stale: true}
		r.convs[id] = c
	}
	return c
}

// insert reports whether msg was new.
func (c *conversation) insert(msg models.Message) bool {
	if _, dup := c.ids[msg.ID]; dup {
		return false
	}
	c.ids[msg.ID] = struct{}{}
	i, _ := slices.BinarySearchFunc(c.messages, msg, compareMessages)
	c.messages = slices.Insert(c.messages, i, msg)
	if msg.ClientID != "" {
		c.pending = slices.DeleteFunc(c.pending, func(p pending) bool { return p.clientID == msg.ClientID })
	}
	return true
}

func (c *conversation) tail() (models.Message, bool) {
	if len(c.messages) == 0 {
		return models.Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

// markRead advances the local marker to the tail and returns the seq to
// report, or 0 when nothing moved.
func (c *conversation) markRead() int64 {
	c.unread = 0
	t, ok := c.tail()
	if !ok || t.Seq <= c.lastRead {
		return 0
	}
	c.lastRead = t.Seq
	return t.Seq
}

func (r *Reconciler) emit(conversationID string, seq int64) {
	if seq > 0 && r.onMarkRead != nil {
		r.onMarkRead(conversationID, seq)
	}
}

// Open marks the conversation visible. Its unread count drops to zero.
func (r *Reconciler) Open(conversationID string) {
	r.mu.Lock()
	c := r.conv(conversationID)
	c.open = true
	seq := c.markRead()
	r.mu.Unlock()
	r.emit(conversationID, seq)
}

func (r *Reconciler) Close(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conv(conversationID).open = false
}

// ApplyHistory merges a fetched page of at most limit messages, limit <= 0
// meaning the server default. After a reconnect it returns the seq to page
// back from while the gap since the held tail is not yet covered; 0 means the
// conversation is current again and its stale flag has been cleared.
func (r *Reconciler) ApplyHistory(conversationID string, page []models.Message, limit int) int64 {
	r.mu.Lock()
	c := r.conv(conversationID)
	oldest := int64(0)
	for _, m := range page {
		c.insert(m)
		if oldest == 0 || m.Seq < oldest {
			oldest = m.Seq
		}
	}
	full := len(page) > 0 && (limit <= 0 || len(page) >= limit)
	if c.resuming && full && oldest > c.resumeSeq+1 {
		r.mu.Unlock()
		return oldest
	}
	c.stale = false
	c.resuming = false
	c.resumeSeq = 0
	var seq int64
	if c.open {
		seq = c.markRead()
	}
	r.mu.Unlock()
	r.emit(conversationID, seq)
	return 0
}

// ApplyLive merges one live message and reports whether it was new.
func (r *Reconciler) ApplyLive(msg models.Message) bool {
	r.mu.Lock()
	c := r.conv(msg.ConversationID)
	if !c.insert(msg) {
		r.mu.Unlock()
		return false
	}
	r.typing.Clear(msg.ConversationID, msg.SenderID)

	var seq int64
	switch {
	case c.open:
		seq = c.markRead()
	case msg.SenderID != r.self:
		c.unread++
	}
	r.mu.Unlock()
	r.emit(msg.ConversationID, seq)
	return true
}

// ApplyReaction replaces the stored copy of an already known message.
func (r *Reconciler) ApplyReaction(msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conv(msg.ConversationID)
	if _, ok := c.ids[msg.ID]; !ok {
		return
	}
	for i := range c.messages {
		if c.messages[i].ID == msg.ID {
			c.messages[i].Reactions = msg.Reactions
			return
		}
	}
}

// AddPending records a local send awaiting its authoritative copy.
func (r *Reconciler) AddPending(conversationID, clientID, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conv(conversationID)
	if slices.ContainsFunc(c.pending, func(p pending) bool { return p.clientID == clientID }) {
		return
	}
	c.pending = append(c.pending, pending{clientID: clientID, text: text, at: r.now()})
}

// FailPending flags a local send as failed so it can be retried. It is never
// shown as delivered.
func (r *Reconciler) FailPending(clientID, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.convs {
		for i := range c.pending {
			if c.pending[i].clientID == clientID {
				c.pending[i].failed = true
				c.pending[i].reason = reason
				return true
			}
		}
	}
	return false
}

// RetryPending clears the failed flag and returns the text to resend.
func (r *Reconciler) RetryPending(conversationID, clientID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conv(conversationID)
	for i := range c.pending {
		if c.pending[i].clientID == clientID && c.pending[i].failed {
			c.pending[i].failed = false
			c.pending[i].reason = ""
			return c.pending[i].text, true
		}
	}
	return "", false
}

// Messages returns the confirmed timeline followed by pending sends.
func (r *Reconciler) Messages(conversationID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(c.messages)+len(c.pending))
	for _, m := range c.messages {
		out = append(out, Entry{Message: m})
	}
	for _, p := range c.pending {
		out = append(out, Entry{
			Message: models.Message{
				ConversationID: conversationID,
				SenderID:       r.self,
				Text:           p.text,
				ClientID:       p.clientID,
				CreatedAt:      p.at.UnixMilli(),
			},
			Pending: true,
			Failed:  p.failed,
			Reason:  p.reason,
		})
	}
	return out
}

func (r *Reconciler) Unread(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.convs[conversationID]; ok {
		return c.unread
	}
	return 0
}

// SetUnread applies a server-side count, e.g. after another tab read the
// conversation.
func (r *Reconciler) SetUnread(p models.UnreadChangedPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conv(p.RoomID)
	if c.open {
		return
	}
	c.unread = p.Count
	c.lastRead = max(c.lastRead, p.LastReadSeq)
}

// Disconnected marks every conversation stale: the live stream had a gap
// and history must be fetched again back to the current tail.
func (r *Reconciler) Disconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.convs {
		if !c.stale {
			c.resuming = true
			c.resumeSeq = 0
			for _, m := range c.messages {
				c.resumeSeq = max(c.resumeSeq, m.Seq)
			}
		}
		c.stale = true
	}
}

func (r *Reconciler) NeedsRefetch(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[conversationID]
	return !ok || c.stale
}

// ObserveTyping ignores the user's own signals.
func (r *Reconciler) ObserveTyping(p models.TypingChangedPayload) {
	if p.UserID == r.self {
		return
	}
	r.typing.Observe(p, r.now())
}

// Typing returns the users currently typing in the conversation.
func (r *Reconciler) Typing(conversationID string) []string {
	return r.typing.Active(conversationID, r.now())
}
