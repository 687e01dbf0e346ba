// Package dedup holds the short-lived suppression caches that gate
// notification dispatch: message-id dedup with TTL, per-conversation
// spacing, and global sound spacing.
//
// Expiry is lazy (check-and-evict on access); no timer goroutines.
package dedup

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultTTL                 = 20 * time.Second
	DefaultConversationSpacing = 2 * time.Second
	DefaultSoundSpacing        = 3 * time.Second
	DefaultMaxEntries          = 2000

	// Idle per-conversation limiters are pruned after this long.
	convIdleAfter = 5 * time.Minute
)

type Config struct {
	TTL                 time.Duration
	ConversationSpacing time.Duration
	SoundSpacing        time.Duration
	MaxEntries          int
}

type convGate struct {
	lim     *rate.Limiter
	touched time.Time
}

// Cache is safe for concurrent use. Every gate mutates its own state only
// upon acceptance, so gate order does not affect correctness.
type Cache struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	seen  map[string]time.Time // message id -> expiry
	conv  map[string]*convGate // conversation id -> spacing gate
	sound *rate.Limiter
}

func New(cfg Config) *Cache {
	c := &Cache{
		now:  time.Now,
		seen: map[string]time.Time{},
		conv: map[string]*convGate{},
	}
	c.applyLocked(cfg)
	return c
}

// SetNow overrides the clock. Test hook; call before use.
func (c *Cache) SetNow(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Cache) Apply(cfg Config) {
	c.mu.Lock()
	c.applyLocked(cfg)
	c.mu.Unlock()
}

func (c *Cache) applyLocked(cfg Config) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.ConversationSpacing <= 0 {
		cfg.ConversationSpacing = DefaultConversationSpacing
	}
	if cfg.SoundSpacing <= 0 {
		cfg.SoundSpacing = DefaultSoundSpacing
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	spacingChanged := c.cfg.SoundSpacing != cfg.SoundSpacing || c.sound == nil
	convChanged := c.cfg.ConversationSpacing != cfg.ConversationSpacing
	c.cfg = cfg
	if spacingChanged {
		c.sound = rate.NewLimiter(rate.Every(cfg.SoundSpacing), 1)
	}
	if convChanged {
		// Existing gates carry the old spacing; drop them so new ones pick
		// up the new window.
		c.conv = map[string]*convGate{}
	}
}

// Seen reports whether id was registered within the TTL window. When it was
// not, the id is registered (TTL refreshed) and false is returned.
func (c *Cache) Seen(id string) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweepLocked(now)

	if exp, ok := c.seen[id]; ok && now.Before(exp) {
		return true
	}
	c.registerLocked(id, now)
	return false
}

// Register records id unconditionally so later retransmissions are caught,
// even when dispatch dropped the event before the dedup gate ran.
func (c *Cache) Register(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.registerLocked(id, c.now())
	c.mu.Unlock()
}

func (c *Cache) registerLocked(id string, now time.Time) {
	c.seen[id] = now.Add(c.cfg.TTL)
	if len(c.seen) > c.cfg.MaxEntries {
		c.evictEarliestLocked()
	}
}

func (c *Cache) sweepLocked(now time.Time) {
	for k, exp := range c.seen {
		if !now.Before(exp) {
			delete(c.seen, k)
		}
	}
	for k, g := range c.conv {
		if now.Sub(g.touched) > convIdleAfter {
			delete(c.conv, k)
		}
	}
}

func (c *Cache) evictEarliestLocked() {
	for len(c.seen) > c.cfg.MaxEntries {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range c.seen {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		if minKey == "" {
			return
		}
		delete(c.seen, minKey)
	}
}

// ThrottleConversation reports whether a notification for the conversation
// arrives too soon after the previous accepted one. The spacing window is
// consumed only on acceptance (returning false).
func (c *Cache) ThrottleConversation(conversationID string) bool {
	if conversationID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	g, ok := c.conv[conversationID]
	if !ok {
		g = &convGate{lim: rate.NewLimiter(rate.Every(c.cfg.ConversationSpacing), 1)}
		c.conv[conversationID] = g
	}
	g.touched = now
	return !g.lim.AllowN(now, 1)
}

// ThrottleSound reports whether the global sound spacing window is still
// closed. The window is consumed only on acceptance.
func (c *Cache) ThrottleSound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.sound.AllowN(c.now(), 1)
}

// FallbackKey synthesizes a dedup id for events that carry no server-assigned
// message id, so an identical retransmission still dedups within the TTL.
func FallbackKey(conversationID string, ts time.Time) string {
	return conversationID + "|" + strconv.FormatInt(ts.Unix(), 10)
}
