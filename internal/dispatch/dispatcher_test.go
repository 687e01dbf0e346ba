package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"inboxd/internal/dedup"
	"inboxd/internal/notify"
	"inboxd/internal/prefs"
	"inboxd/internal/storage"
	"inboxd/internal/unread"
	logx "inboxd/pkg/logx"
)

// auditRecorder is a storage.Store that only captures audit entries.
type auditRecorder struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (a *auditRecorder) LoadPreferences(ctx context.Context) ([]byte, bool, error) {
	return nil, false, nil
}
func (a *auditRecorder) SavePreferences(ctx context.Context, blob []byte) error { return nil }
func (a *auditRecorder) Close() error                                           { return nil }

func (a *auditRecorder) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()
	return nil
}

func (a *auditRecorder) all() []storage.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]storage.AuditEntry(nil), a.entries...)
}

type harness struct {
	clock    time.Time
	disp     *Dispatcher
	prefs    *prefs.Service
	gates    *dedup.Cache
	unread   *unread.Index
	platform *notify.MemoryNotifier
	sound    *notify.MemorySound
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
		platform: notify.NewMemoryNotifier(true),
		sound:    notify.NewMemorySound(),
	}
	now := func() time.Time { return h.clock }

	h.prefs = prefs.New(nil, h.platform, logx.Nop(), nil)
	h.prefs.SetNow(now)
	h.gates = dedup.New(dedup.Config{})
	h.gates.SetNow(now)
	h.unread = unread.NewIndex(logx.Nop(), nil)

	h.disp = New(Config{}, h.prefs, h.gates, h.unread, nil, h.platform, h.sound, logx.Nop(), nil)
	h.disp.SetNow(now)
	return h
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func event(conv, msgID, text string) map[string]any {
	return map[string]any{
		"message": map[string]any{
			"conversation_id": conv,
			"message_id":      msgID,
			"content":         text,
			"contact_name":    "Ada",
		},
	}
}

func TestSingleDeliveryUnfocused(t *testing.T) {
	h := newHarness(t)
	h.disp.SetFocused(false)

	res := h.disp.HandleInbound(event("c1", "m1", "hello"))

	if res.Outcome != OutcomeBoth {
		t.Fatalf("outcome = %v, want both", res.Outcome)
	}
	items := h.disp.Notifications()
	if len(items) != 1 {
		t.Fatalf("toast count = %d, want 1", len(items))
	}
	if items[0].Title != "New message from Ada" || items[0].Message != "hello" {
		t.Fatalf("unexpected toast: %+v", items[0])
	}
	shown := h.platform.Shown()
	if len(shown) != 1 {
		t.Fatalf("platform notifications = %d, want 1", len(shown))
	}
	if shown[0].Title != "Ada" || shown[0].ConversationID != "c1" || shown[0].Tag == "" {
		t.Fatalf("unexpected platform note: %+v", shown[0])
	}
	if plays := h.sound.Plays(); len(plays) != 1 || plays[0] != 0.8 {
		t.Fatalf("sound plays = %v, want one at default volume", plays)
	}
	if got := h.unread.Count("c1"); got != 1 {
		t.Fatalf("unread = %d, want 1", got)
	}
}

func TestRepeatedEventIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.disp.SetFocused(false)

	h.disp.HandleInbound(event("c1", "m1", "hello"))
	for i := 0; i < 4; i++ {
		h.advance(200 * time.Millisecond)
		res := h.disp.HandleInbound(event("c1", "m1", "hello"))
		if res.Outcome != OutcomeSuppressed || res.Reason != ReasonDuplicate {
			t.Fatalf("retransmission %d: outcome %v/%s, want suppressed/duplicate", i, res.Outcome, res.Reason)
		}
	}

	if got := len(h.disp.Notifications()); got != 1 {
		t.Fatalf("toast count = %d, want 1", got)
	}
	if got := len(h.platform.Shown()); got != 1 {
		t.Fatalf("platform notifications = %d, want 1", got)
	}
	if got := h.unread.Count("c1"); got != 1 {
		t.Fatalf("unread = %d, want 1", got)
	}
}

func TestMissingMessageIDFallsBackToConversationSecond(t *testing.T) {
	h := newHarness(t)

	raw := map[string]any{
		"conversation_id": "c1",
		"content":         "hi",
		"timestamp":       "2025-03-10T12:00:00Z",
	}
	if res := h.disp.HandleInbound(raw); res.Outcome == OutcomeSuppressed {
		t.Fatalf("first event suppressed: %s", res.Reason)
	}
	res := h.disp.HandleInbound(raw)
	if res.Reason != ReasonDuplicate {
		t.Fatalf("identical retransmission reason = %s, want duplicate", res.Reason)
	}
}

func TestConversationThrottle(t *testing.T) {
	h := newHarness(t)

	h.disp.HandleInbound(event("c1", "m1", "one"))
	h.advance(500 * time.Millisecond)

	res := h.disp.HandleInbound(event("c1", "m2", "two"))
	if res.Outcome != OutcomeSuppressed || res.Reason != ReasonConversationThrottle {
		t.Fatalf("outcome %v/%s, want suppressed/conversation_throttle", res.Outcome, res.Reason)
	}

	// A different conversation is unaffected.
	if res := h.disp.HandleInbound(event("c2", "m3", "three")); res.Outcome == OutcomeSuppressed {
		t.Fatalf("other conversation suppressed: %s", res.Reason)
	}

	// And the same conversation passes once the window elapses.
	h.advance(2 * time.Second)
	if res := h.disp.HandleInbound(event("c1", "m4", "four")); res.Outcome == OutcomeSuppressed {
		t.Fatalf("post-window event suppressed: %s", res.Reason)
	}
}

func TestSoundSpacingAcrossConversations(t *testing.T) {
	h := newHarness(t)

	h.disp.HandleInbound(event("c1", "m1", "one"))
	h.advance(time.Second)
	h.disp.HandleInbound(event("c2", "m2", "two"))

	if got := len(h.sound.Plays()); got != 1 {
		t.Fatalf("sound plays = %d, want 1 (global 3s spacing)", got)
	}

	h.advance(3 * time.Second)
	h.disp.HandleInbound(event("c3", "m3", "three"))
	if got := len(h.sound.Plays()); got != 2 {
		t.Fatalf("sound plays = %d, want 2", got)
	}
}

func TestDoNotDisturbSuppressesEverythingButUnread(t *testing.T) {
	h := newHarness(t)
	h.disp.SetFocused(false)
	h.prefs.SetDoNotDisturb(true, "22:00", "08:00")
	h.clock = time.Date(2025, 3, 10, 23, 30, 0, 0, time.UTC)

	res := h.disp.HandleInbound(event("c1", "m1", "late"))

	if res.Outcome != OutcomeSuppressed || res.Reason != ReasonMuted {
		t.Fatalf("outcome %v/%s, want suppressed/muted", res.Outcome, res.Reason)
	}
	if len(h.disp.Notifications()) != 0 || len(h.platform.Shown()) != 0 || len(h.sound.Plays()) != 0 {
		t.Fatalf("DND must suppress toast, platform, and sound")
	}
	if got := h.unread.Count("c1"); got != 1 {
		t.Fatalf("unread = %d, want 1 (counts keep flowing under DND)", got)
	}
}

func TestSnoozeSuppressesLikeDND(t *testing.T) {
	h := newHarness(t)
	h.prefs.Snooze(30)

	res := h.disp.HandleInbound(event("c1", "m1", "hi"))
	if res.Reason != ReasonMuted {
		t.Fatalf("reason = %s, want muted", res.Reason)
	}

	h.advance(31 * time.Minute)
	if res := h.disp.HandleInbound(event("c1", "m2", "later")); res.Outcome == OutcomeSuppressed {
		t.Fatalf("post-snooze event suppressed: %s", res.Reason)
	}
}

func TestDisabledNotifications(t *testing.T) {
	h := newHarness(t)
	off := false
	h.prefs.Update(prefs.Partial{Enabled: &off})

	res := h.disp.HandleInbound(event("c1", "m1", "hi"))
	if res.Reason != ReasonDisabled {
		t.Fatalf("reason = %s, want notifications_disabled", res.Reason)
	}
	if got := h.unread.Count("c1"); got != 1 {
		t.Fatalf("unread = %d, want 1", got)
	}
}

func TestActiveConversationSuppressed(t *testing.T) {
	h := newHarness(t)
	h.disp.SetActiveConversation("c1")

	res := h.disp.HandleInbound(event("c1", "m1", "hi"))
	if res.Reason != ReasonActiveConversation {
		t.Fatalf("reason = %s, want active_conversation", res.Reason)
	}
	if got := h.unread.Count("c1"); got != 0 {
		t.Fatalf("unread = %d, want 0 while conversation is open", got)
	}

	// Navigating away and replaying the same id still dedups: the id was
	// registered even though dispatch dropped the event.
	h.disp.SetActiveConversation("")
	if res := h.disp.HandleInbound(event("c1", "m1", "hi")); res.Reason != ReasonDuplicate {
		t.Fatalf("replay reason = %s, want duplicate", res.Reason)
	}
}

func TestNavigatingIntoConversationClearsUnread(t *testing.T) {
	h := newHarness(t)
	h.disp.HandleInbound(event("c1", "m1", "hi"))
	if got := h.unread.Count("c1"); got != 1 {
		t.Fatalf("unread = %d, want 1", got)
	}
	h.disp.SetActiveConversation("c1")
	if got := h.unread.Count("c1"); got != 0 {
		t.Fatalf("unread = %d, want 0 after opening conversation", got)
	}
}

func TestPrivacyModeRedactsContent(t *testing.T) {
	h := newHarness(t)
	h.disp.SetFocused(false)
	privacy := true
	h.prefs.Update(prefs.Partial{PrivacyMode: &privacy})

	h.disp.HandleInbound(event("c1", "m1", "the secret order details"))

	items := h.disp.Notifications()
	if len(items) != 1 || items[0].Message != "You have a new message" {
		t.Fatalf("toast not redacted: %+v", items)
	}
	// Sender identity stays visible; only content is hidden.
	if items[0].Title != "New message from Ada" {
		t.Fatalf("title should keep the sender: %q", items[0].Title)
	}
	shown := h.platform.Shown()
	if len(shown) != 1 || shown[0].Body != "You have a new message" {
		t.Fatalf("platform body not redacted: %+v", shown)
	}
}

func TestFocusedPageSkipsPlatformNotification(t *testing.T) {
	h := newHarness(t)
	// Focused is the default.
	res := h.disp.HandleInbound(event("c1", "m1", "hi"))
	if res.Outcome != OutcomeToast {
		t.Fatalf("outcome = %v, want in_app_toast", res.Outcome)
	}
	if len(h.platform.Shown()) != 0 {
		t.Fatalf("focused page must not raise platform notifications")
	}
}

func TestDisabledCategorySkipsPlatformOnly(t *testing.T) {
	h := newHarness(t)
	h.disp.SetFocused(false)
	h.prefs.SetCategoryEnabled(prefs.CategoryMessage, false)

	res := h.disp.HandleInbound(event("c1", "m1", "hi"))
	if res.Outcome != OutcomeToast {
		t.Fatalf("outcome = %v, want in_app_toast", res.Outcome)
	}
	if len(h.platform.Shown()) != 0 {
		t.Fatalf("disabled category must not reach the platform")
	}
	if len(h.disp.Notifications()) != 1 {
		t.Fatalf("toast should still be delivered")
	}
}

func TestDeniedPermissionDegradesToToast(t *testing.T) {
	platform := notify.NewMemoryNotifier(false)
	p := prefs.New(nil, platform, logx.Nop(), nil)
	gates := dedup.New(dedup.Config{})
	idx := unread.NewIndex(logx.Nop(), nil)
	d := New(Config{}, p, gates, idx, nil, platform, notify.NewMemorySound(), logx.Nop(), nil)
	d.SetFocused(false)

	res := d.HandleInbound(event("c1", "m1", "hi"))
	if res.Outcome != OutcomeToast {
		t.Fatalf("outcome = %v, want in_app_toast after denial", res.Outcome)
	}

	d.HandleInbound(event("c2", "m2", "again"))
	if got := platform.Asked(); got != 1 {
		t.Fatalf("permission prompts = %d, want 1 (denial cached)", got)
	}
}

func TestMalformedEventDropped(t *testing.T) {
	h := newHarness(t)
	res := h.disp.HandleInbound(map[string]any{"content": "no conversation"})
	if res.Outcome != OutcomeSuppressed || res.Reason != ReasonMalformed {
		t.Fatalf("outcome %v/%s, want suppressed/malformed", res.Outcome, res.Reason)
	}
	if h.unread.Total() != 0 || len(h.disp.Notifications()) != 0 {
		t.Fatalf("malformed event must have no side effects")
	}
}

func TestAlertEventsUseAlertCategory(t *testing.T) {
	h := newHarness(t)
	h.disp.SetFocused(false)
	h.prefs.SetCategoryEnabled(prefs.CategoryAlert, false)

	res := h.disp.HandleInboundAlert(map[string]any{
		"chat_id":      "c9",
		"element_name": "payment_due",
		"sender_name":  "Billing",
	})
	if res.Outcome != OutcomeToast {
		t.Fatalf("outcome = %v, want in_app_toast", res.Outcome)
	}
	if len(h.platform.Shown()) != 0 {
		t.Fatalf("alert category disabled; platform should be skipped")
	}
	items := h.disp.Notifications()
	if len(items) != 1 || items[0].Type != "alert" {
		t.Fatalf("unexpected alert toast: %+v", items)
	}
}

func TestHistoryCapKeepsNewestFirst(t *testing.T) {
	h := newHarness(t)
	h.disp.Apply(Config{HistoryCap: 3})

	for i := 0; i < 5; i++ {
		h.disp.HandleInbound(event(fmt.Sprintf("c%d", i), fmt.Sprintf("m%d", i), fmt.Sprintf("msg %d", i)))
		h.advance(3 * time.Second)
	}

	items := h.disp.Notifications()
	if len(items) != 3 {
		t.Fatalf("history length = %d, want 3", len(items))
	}
	if items[0].Message != "msg 4" || items[2].Message != "msg 2" {
		t.Fatalf("history not newest-first: %+v", items)
	}
	for i := 1; i < len(items); i++ {
		if items[i].ID >= items[i-1].ID {
			t.Fatalf("ids not strictly decreasing: %d then %d", items[i-1].ID, items[i].ID)
		}
	}
}

func TestAuditTrailRecordsDecisions(t *testing.T) {
	rec := &auditRecorder{}
	p := prefs.New(nil, notify.NewMemoryNotifier(true), logx.Nop(), nil)
	d := New(Config{}, p, dedup.New(dedup.Config{}), unread.NewIndex(logx.Nop(), nil), rec,
		notify.NewMemoryNotifier(true), notify.NewMemorySound(), logx.Nop(), nil)

	d.HandleInbound(event("c1", "m1", "hello"))
	d.HandleInbound(event("c1", "m1", "hello"))

	entries := rec.all()
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
	if entries[0].Outcome != "created" || entries[0].ConversationID != "c1" {
		t.Fatalf("first entry: %+v", entries[0])
	}
	if entries[1].Outcome != "suppressed" || entries[1].Reason != ReasonDuplicate {
		t.Fatalf("second entry: %+v", entries[1])
	}
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t)
	h.disp.HandleInbound(event("c1", "m1", "one"))
	h.advance(3 * time.Second)
	h.disp.HandleInbound(event("c2", "m2", "two"))
	h.disp.MarkRead(h.disp.Notifications()[0].ID)

	snap := h.disp.Snapshot()
	if len(snap.Notifications) != 2 || snap.Unread != 1 || snap.Cap != DefaultHistoryCap {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestMarkReadAndClear(t *testing.T) {
	h := newHarness(t)
	h.disp.HandleInbound(event("c1", "m1", "one"))
	h.advance(3 * time.Second)
	h.disp.HandleInbound(event("c2", "m2", "two"))

	if got := h.disp.UnreadNotifications(); got != 2 {
		t.Fatalf("unread toasts = %d, want 2", got)
	}
	first := h.disp.Notifications()[0]
	h.disp.MarkRead(first.ID)
	if got := h.disp.UnreadNotifications(); got != 1 {
		t.Fatalf("unread toasts after MarkRead = %d, want 1", got)
	}
	h.disp.MarkAllRead()
	if got := h.disp.UnreadNotifications(); got != 0 {
		t.Fatalf("unread toasts after MarkAllRead = %d, want 0", got)
	}
	h.disp.Clear()
	if got := len(h.disp.Notifications()); got != 0 {
		t.Fatalf("history after Clear = %d, want 0", got)
	}
}
