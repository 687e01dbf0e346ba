// Package realtime manages the single persistent push connection per
// authenticated identity and hands inbound events to registered handlers.
//
// Lifecycle: Disconnected -> Connecting -> Connected -> Disconnected. The
// channel is bound to auth state: it is connected on login, must be
// disconnected on logout (detaching all handlers so nothing fires into a
// stale dispatcher), and is never shared across identities. Reconnects
// re-announce room membership before handlers are considered live again.
package realtime

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"inboxd/internal/eventbus"
	logx "inboxd/pkg/logx"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Inbound event types the push endpoint emits.
const (
	eventNewMessage      = "newMessage"
	eventNewMessageAlert = "newMessageAlert"
)

var ErrIdentityBound = errors.New("realtime: channel already bound to another identity; disconnect first")

// Identity is the authenticated operator the connection belongs to.
type Identity struct {
	ID int64
}

// Handler receives the raw payload of one inbound event. Handlers must not
// block; dispatch decisions belong to the dispatcher, not the transport.
type Handler func(payload map[string]any)

type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	ReconnectBase    time.Duration // default 250ms
	ReconnectMax     time.Duration // default 30s
}

type joinAction struct {
	Action string `json:"action"`
	UserID int64  `json:"user_id"`
}

type Channel struct {
	mu  sync.Mutex
	log logx.Logger
	bus eventbus.Bus

	cfg    Config
	dialer Dialer

	identity int64 // 0 when logged out
	cancel   context.CancelFunc
	done     chan struct{}

	msgHandlers   []Handler
	alertHandlers []Handler

	state State
	live  bool // join announced on the current physical connection
}

func New(cfg Config, dialer Dialer, log logx.Logger, bus eventbus.Bus) *Channel {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 250 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Channel{
		log:    log,
		bus:    bus,
		cfg:    cfg,
		dialer: dialer,
		state:  StateDisconnected,
	}
}

// OnInboundMessage registers a handler for newMessage events.
func (c *Channel) OnInboundMessage(h Handler) {
	c.mu.Lock()
	c.msgHandlers = append(c.msgHandlers, h)
	c.mu.Unlock()
}

// OnInboundAlert registers a handler for newMessageAlert events.
func (c *Channel) OnInboundAlert(h Handler) {
	c.mu.Lock()
	c.alertHandlers = append(c.alertHandlers, h)
	c.mu.Unlock()
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect binds the channel to the identity and starts the connection
// loop. Connecting while already connected for the same identity is a
// no-op; connecting for a different identity is an error (disconnect the
// old session first).
func (c *Channel) Connect(ctx context.Context, id Identity) error {
	c.mu.Lock()
	if c.cancel != nil {
		bound := c.identity
		c.mu.Unlock()
		if bound == id.ID {
			return nil
		}
		return ErrIdentityBound
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.identity = id.ID
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(runCtx, id.ID)
	}()
	return nil
}

// Disconnect tears the connection down and detaches all handlers. It is
// mandatory on logout so events can never fire into a stale dispatcher.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.identity = 0
	c.msgHandlers = nil
	c.alertHandlers = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.setState(StateDisconnected)
}

func (c *Channel) run(ctx context.Context, userID int64) {
	backoff := c.cfg.ReconnectBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)

		conn, err := c.dialer.Dial(ctx, c.cfg.URL)
		if err != nil {
			// Connection failures are operational noise, never user-facing.
			c.log.Warn("realtime dial failed", logx.String("url", c.cfg.URL), logx.Err(err))
			if !sleepCtx(ctx, jitter(rng, backoff)) {
				return
			}
			backoff = nextBackoff(backoff, c.cfg.ReconnectMax)
			continue
		}

		connID := uuid.NewString()

		// Re-announce room membership before handlers are live. Events the
		// server pushes before the announce are legitimately dropped.
		if err := conn.WriteJSON(joinAction{Action: "join", UserID: userID}); err != nil {
			c.log.Warn("realtime join announce failed", logx.String("conn", connID), logx.Err(err))
			_ = conn.Close()
			if !sleepCtx(ctx, jitter(rng, backoff)) {
				return
			}
			backoff = nextBackoff(backoff, c.cfg.ReconnectMax)
			continue
		}

		c.mu.Lock()
		c.live = true
		c.mu.Unlock()
		c.setState(StateConnected)
		c.log.Info("realtime connected", logx.String("conn", connID), logx.Int64("user_id", userID))
		backoff = c.cfg.ReconnectBase

		// Reads have no context of their own; closing the connection is the
		// only way to unblock them on shutdown.
		readCtx, stopRead := context.WithCancel(ctx)
		go func() {
			<-readCtx.Done()
			_ = conn.Close()
		}()
		c.readLoop(readCtx, conn, connID)
		stopRead()

		c.mu.Lock()
		c.live = false
		c.mu.Unlock()
		c.setState(StateDisconnected)

		if ctx.Err() != nil {
			return
		}
		if !sleepCtx(ctx, jitter(rng, backoff)) {
			return
		}
		backoff = nextBackoff(backoff, c.cfg.ReconnectMax)
	}
}

func (c *Channel) readLoop(ctx context.Context, conn Conn, connID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		var env map[string]any
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() == nil {
				c.log.Warn("realtime read failed", logx.String("conn", connID), logx.Err(err))
			}
			return
		}
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env map[string]any) {
	typ, payload := parseEnvelope(env)

	c.mu.Lock()
	live := c.live
	var handlers []Handler
	switch typ {
	case eventNewMessage:
		handlers = append(handlers, c.msgHandlers...)
	case eventNewMessageAlert:
		handlers = append(handlers, c.alertHandlers...)
	}
	c.mu.Unlock()

	if !live || len(handlers) == 0 {
		if typ != "" && typ != eventNewMessage && typ != eventNewMessageAlert {
			c.log.Debug("realtime event ignored", logx.String("type", typ))
		}
		return
	}
	for _, h := range handlers {
		h(payload)
	}
}

// parseEnvelope accepts both {"type":T,"payload":{...}} and flat
// {"type":T, ...fields} event shapes.
func parseEnvelope(env map[string]any) (string, map[string]any) {
	if env == nil {
		return "", nil
	}
	typ, _ := env["type"].(string)
	if p, ok := env["payload"].(map[string]any); ok {
		return typ, p
	}
	payload := make(map[string]any, len(env))
	for k, v := range env {
		if k == "type" {
			continue
		}
		payload[k] = v
	}
	return typ, payload
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.bus != nil {
		c.bus.Publish(eventbus.Event{Topic: eventbus.TopicRealtimeState, Data: string(s)})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func jitter(rng *rand.Rand, d time.Duration) time.Duration {
	return d + time.Duration(rng.Int63n(int64(d/2)+1))
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
