package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"roomcast/internal/broker"
	"roomcast/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type messageHub interface {
	// Dispatch handles one client event. A returned error closes the
	// connection after queued replies are flushed.
	Dispatch(ctx context.Context, c *Connection, env models.Envelope) error
	Touch(c *Connection)
	Leave(c *Connection)
}

type Heartbeat struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Connection pumps one websocket. It implements broker.Subscriber; events
// delivered to it are queued and written by the main loop.
type Connection struct {
	id         string
	ws         wsConnection
	hub        messageHub
	queue      *broker.Queue
	heartbeat  Heartbeat
	fromClient chan models.Envelope
	errorCh    chan error

	mu     sync.RWMutex
	userID string

	cancelMu sync.Mutex
	cancel   context.CancelFunc
	closed   bool
}

var _ broker.Subscriber = (*Connection)(nil)

func NewConnection(hub messageHub, ws wsConnection, queueSize int, heartbeat Heartbeat) *Connection {
	return &Connection{
		id:         uuid.NewString(),
		ws:         ws,
		hub:        hub,
		queue:      broker.NewQueue(queueSize),
		heartbeat:  heartbeat,
		fromClient: make(chan models.Envelope),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) ID() string {
	return c.id
}

// UserID is empty until the connection is identified.
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) setUserID(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

func (c *Connection) Deliver(ev models.ServerEvent) error {
	return c.queue.Push(ev)
}

// Close stops Handle. Safe to call from any goroutine, before or during
// Handle.
func (c *Connection) Close() {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancel = cancel
	if c.closed {
		cancel()
	}
	c.cancelMu.Unlock()

	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.queue.Close()
		c.hub.Leave(c)
	}()

	if c.heartbeat.Timeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.heartbeat.Timeout))
		c.ws.SetPongHandler(func(string) error {
			c.hub.Touch(c)
			return c.ws.SetReadDeadline(time.Now().Add(c.heartbeat.Timeout))
		})
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
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

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var env models.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return err
		}
		if c.heartbeat.Timeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.heartbeat.Timeout))
		}
		select {
		case c.fromClient <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	var ping <-chan time.Time
	if c.heartbeat.Interval > 0 {
		ticker := time.NewTicker(c.heartbeat.Interval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case env := <-c.fromClient:
			c.hub.Touch(c)
			if err := c.hub.Dispatch(ctx, c, env); err != nil {
				_ = c.flush()
				return err
			}
		case <-c.queue.Ready():
			if err := c.flush(); err != nil {
				return err
			}
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) flush() error {
	for _, ev := range c.queue.Drain() {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(ev); err != nil {
			return err
		}
	}
	return nil
}
