package dedup

import (
	"fmt"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(cfg Config) (*Cache, *fakeClock) {
	clk := newFakeClock()
	c := New(cfg)
	c.SetNow(clk.now)
	return c, clk
}

func TestSeenWithinTTL(t *testing.T) {
	c, clk := newTestCache(Config{})

	if c.Seen("m1") {
		t.Fatalf("first sighting should not be seen")
	}
	if !c.Seen("m1") {
		t.Fatalf("second sighting within TTL should be seen")
	}

	clk.advance(DefaultTTL + time.Second)
	if c.Seen("m1") {
		t.Fatalf("sighting after TTL should not be seen")
	}
}

func TestSeenEmptyIDNeverDedups(t *testing.T) {
	c, _ := newTestCache(Config{})
	if c.Seen("") || c.Seen("") {
		t.Fatalf("empty id must never be treated as duplicate")
	}
}

func TestRegisterCatchesLaterRetransmission(t *testing.T) {
	c, _ := newTestCache(Config{})
	c.Register("m1")
	if !c.Seen("m1") {
		t.Fatalf("registered id should dedup")
	}
}

func TestConversationSpacing(t *testing.T) {
	c, clk := newTestCache(Config{})

	if c.ThrottleConversation("c1") {
		t.Fatalf("first notification must pass")
	}
	if !c.ThrottleConversation("c1") {
		t.Fatalf("second notification within 2s must be throttled")
	}

	// Throttled attempts must not extend the window.
	clk.advance(DefaultConversationSpacing)
	if c.ThrottleConversation("c1") {
		t.Fatalf("notification after spacing window must pass")
	}

	// Independent per conversation.
	if c.ThrottleConversation("c2") {
		t.Fatalf("other conversation must have its own gate")
	}
}

func TestSoundSpacingIsGlobal(t *testing.T) {
	c, clk := newTestCache(Config{})

	if c.ThrottleSound() {
		t.Fatalf("first sound must pass")
	}
	if !c.ThrottleSound() {
		t.Fatalf("second sound within 3s must be throttled")
	}
	clk.advance(DefaultSoundSpacing)
	if c.ThrottleSound() {
		t.Fatalf("sound after spacing window must pass")
	}
}

func TestCapEvictsEarliestExpiry(t *testing.T) {
	c, clk := newTestCache(Config{MaxEntries: 3})

	for i := 0; i < 3; i++ {
		c.Register(fmt.Sprintf("m%d", i))
		clk.advance(time.Millisecond)
	}
	c.Register("m3") // pushes over cap; m0 has the earliest expiry

	if c.Seen("m0") {
		t.Fatalf("earliest entry should have been evicted")
	}
	if !c.Seen("m3") {
		t.Fatalf("newest entry should survive eviction")
	}
}

func TestApplyRebuildsGatesOnSpacingChange(t *testing.T) {
	c, _ := newTestCache(Config{})

	if c.ThrottleConversation("c1") {
		t.Fatalf("first notification must pass")
	}
	c.Apply(Config{ConversationSpacing: 10 * time.Millisecond})
	// Gates were dropped; a fresh limiter admits immediately.
	if c.ThrottleConversation("c1") {
		t.Fatalf("gate should be fresh after spacing change")
	}
}

func TestFallbackKey(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	got := FallbackKey("c1", ts)
	want := "c1|1700000000"
	if got != want {
		t.Fatalf("FallbackKey = %q, want %q", got, want)
	}

	// Same conversation+second collides on purpose (retransmission dedup);
	// a different second does not.
	if FallbackKey("c1", ts.Add(time.Second)) == got {
		t.Fatalf("keys one second apart must differ")
	}
}
