// Package dispatch orchestrates the per-event notification decision: it
// normalizes inbound payloads, runs them through the dedup/throttle gates,
// consults preferences at every decision point, maintains the in-app
// notification list, and bumps the unread index.
//
// The dispatcher has no persistent state of its own; every HandleInbound
// call is a pure orchestration of the other components' states at that
// moment. Nothing here ever returns an error to the transport: malformed
// or suppressed events degrade to "fewer notifications".
package dispatch

import (
	"context"
	"strconv"
	"sync"
	"time"

	"inboxd/internal/dedup"
	"inboxd/internal/eventbus"
	"inboxd/internal/notify"
	"inboxd/internal/prefs"
	"inboxd/internal/storage"
	"inboxd/internal/unread"
	logx "inboxd/pkg/logx"
)

type Outcome string

const (
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeToast      Outcome = "in_app_toast"
	OutcomePlatform   Outcome = "platform_notification"
	OutcomeBoth       Outcome = "both"
)

// Suppression reasons surfaced in results, bus events, and the audit trail.
const (
	ReasonMalformed            = "malformed"
	ReasonActiveConversation   = "active_conversation"
	ReasonDuplicate            = "duplicate"
	ReasonConversationThrottle = "conversation_throttle"
	ReasonDisabled             = "notifications_disabled"
	ReasonMuted                = "muted"
)

type Result struct {
	Outcome      Outcome
	Reason       string
	Notification *Notification
}

const privacyPlaceholder = "You have a new message"

type Config struct {
	HistoryCap int
}

type Dispatcher struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	prefs    *prefs.Service
	gates    *dedup.Cache
	unread   *unread.Index
	store    storage.Store // may be nil
	platform notify.PlatformNotifier
	sound    notify.SoundPlayer

	items      []Notification
	historyCap int
	lastID     int64

	focused    bool
	activeConv string
}

func New(cfg Config, p *prefs.Service, gates *dedup.Cache, idx *unread.Index, store storage.Store,
	platform notify.PlatformNotifier, sound notify.SoundPlayer, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = DefaultHistoryCap
	}
	return &Dispatcher{
		log:        log,
		bus:        bus,
		now:        time.Now,
		prefs:      p,
		gates:      gates,
		unread:     idx,
		store:      store,
		platform:   platform,
		sound:      sound,
		historyCap: cfg.HistoryCap,
		focused:    true,
	}
}

// SetNow overrides the clock. Test hook; call before use.
func (d *Dispatcher) SetNow(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	if cfg.HistoryCap > 0 {
		d.historyCap = cfg.HistoryCap
		if len(d.items) > d.historyCap {
			d.items = d.items[:d.historyCap]
		}
	}
	d.mu.Unlock()
}

// SetFocused records whether the page/window has input focus. Platform
// notifications are only requested while unfocused.
func (d *Dispatcher) SetFocused(focused bool) {
	d.mu.Lock()
	d.focused = focused
	d.mu.Unlock()
}

// SetActiveConversation records which conversation the user is viewing (""
// for none). Navigating into a conversation clears its unread count.
func (d *Dispatcher) SetActiveConversation(conversationID string) {
	d.mu.Lock()
	d.activeConv = conversationID
	d.mu.Unlock()

	d.unread.SetActive(conversationID)
	if conversationID != "" {
		d.unread.ClearConversation(conversationID)
	}
}

// HandleInbound processes a newMessage push event.
func (d *Dispatcher) HandleInbound(raw map[string]any) Result {
	return d.handle(raw, "message", prefs.CategoryMessage)
}

// HandleInboundAlert processes a newMessageAlert push event. The payload is
// flat but resolves through the same field lists as newMessage.
func (d *Dispatcher) HandleInboundAlert(raw map[string]any) Result {
	return d.handle(raw, "alert", prefs.CategoryAlert)
}

func (d *Dispatcher) handle(raw map[string]any, typ string, cat prefs.Category) Result {
	now := d.currentTime()

	n, err := Normalize(raw)
	if err != nil {
		// Never dispatch to an "unknown" bucket.
		d.log.Warn("inbound event dropped", logx.String("type", typ), logx.Err(err))
		d.audit(storage.AuditEntry{At: now, Outcome: "dropped", Reason: ReasonMalformed})
		return d.suppressed(ReasonMalformed, n)
	}

	eventID := n.MessageID
	if eventID == "" {
		ts := n.Timestamp
		if ts.IsZero() {
			ts = now
		}
		eventID = dedup.FallbackKey(n.ConversationID, ts)
	}

	d.mu.Lock()
	active := d.activeConv
	focused := d.focused
	d.mu.Unlock()

	if n.ConversationID == active {
		// User is already viewing the conversation. The unread update still
		// runs (as its no-op case) and the id is registered so a repeat
		// after navigation away is caught.
		d.unread.Increment(n.ConversationID)
		d.gates.Register(eventID)
		d.audit(auditFor(n, now, "suppressed", ReasonActiveConversation, false))
		return d.suppressed(ReasonActiveConversation, n)
	}

	if d.gates.Seen(eventID) {
		d.audit(auditFor(n, now, "suppressed", ReasonDuplicate, false))
		return d.suppressed(ReasonDuplicate, n)
	}

	if d.gates.ThrottleConversation(n.ConversationID) {
		d.audit(auditFor(n, now, "suppressed", ReasonConversationThrottle, false))
		return d.suppressed(ReasonConversationThrottle, n)
	}

	p := d.prefs.Get()
	muted := d.prefs.Muted(now)

	var (
		created *Notification
		shown   bool
	)
	switch {
	case !p.Enabled:
		d.audit(auditFor(n, now, "suppressed", ReasonDisabled, false))
	case muted:
		// DND or snooze: no sound, no toast, no platform notification. The
		// unread count still updates below.
		d.audit(auditFor(n, now, "suppressed", ReasonMuted, p.PrivacyMode))
	default:
		if p.SoundEnabled && !d.gates.ThrottleSound() && d.sound != nil {
			d.sound.Play(p.SoundVolume)
		}

		created = d.enqueue(n, typ, now, p.PrivacyMode)

		if !focused && d.prefs.CategoryEnabled(cat) {
			shown = d.showPlatform(n, now, p.PrivacyMode)
		}
		d.audit(auditFor(n, now, "created", "", p.PrivacyMode))
	}

	d.unread.Increment(n.ConversationID)

	switch {
	case created != nil && shown:
		return Result{Outcome: OutcomeBoth, Notification: created}
	case created != nil:
		return Result{Outcome: OutcomeToast, Notification: created}
	case shown:
		return Result{Outcome: OutcomePlatform}
	case !p.Enabled:
		return d.suppressed(ReasonDisabled, n)
	default:
		return d.suppressed(ReasonMuted, n)
	}
}

func (d *Dispatcher) enqueue(n Normalized, typ string, now time.Time, privacy bool) *Notification {
	text := n.Text
	if privacy {
		text = privacyPlaceholder
	}

	d.mu.Lock()
	id := now.UnixNano()
	if id <= d.lastID {
		id = d.lastID + 1
	}
	d.lastID = id

	item := Notification{
		ID:             id,
		Type:           typ,
		Title:          titleFor(n.ContactName),
		Message:        text,
		ConversationID: n.ConversationID,
		ContactName:    n.ContactName,
		Timestamp:      now.Format(time.RFC3339),
	}
	inserted := d.insertLocked(item)
	d.mu.Unlock()

	if !inserted {
		return nil
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Topic: eventbus.TopicNotificationCreated, Data: item})
	}
	d.publishListChanged()
	return &item
}

func (d *Dispatcher) showPlatform(n Normalized, now time.Time, privacy bool) bool {
	if d.platform == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Permission denial silently degrades to in-app only; a cached denial
	// is returned without re-prompting.
	if !d.prefs.RequestPermission(ctx) {
		return false
	}

	body := n.Text
	if privacy {
		body = privacyPlaceholder
	}
	ts := n.Timestamp
	if ts.IsZero() {
		ts = now
	}
	// At the OS level the title is the contact's display name.
	title := n.ContactName
	if title == "" {
		title = "New message"
	}
	note := notify.Note{
		Title:          title,
		Body:           body,
		Tag:            n.ConversationID + "-" + strconv.FormatInt(ts.Unix(), 10),
		ConversationID: n.ConversationID,
	}
	if err := d.platform.Show(ctx, note); err != nil {
		d.log.Warn("platform notification failed", logx.String("conversation", n.ConversationID), logx.Err(err))
		return false
	}
	return true
}

func (d *Dispatcher) suppressed(reason string, n Normalized) Result {
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{
			Topic: eventbus.TopicNotificationSuppressed,
			Data:  map[string]string{"reason": reason, "conversation_id": n.ConversationID},
		})
	}
	return Result{Outcome: OutcomeSuppressed, Reason: reason}
}

func (d *Dispatcher) publishListChanged() {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Topic: eventbus.TopicNotificationsChanged})
}

// audit appends a decision record best-effort; failures are logged only.
func (d *Dispatcher) audit(e storage.AuditEntry) {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := d.store.AppendAudit(ctx, e); err != nil {
		d.log.Debug("audit append failed", logx.Err(err))
	}
}

func (d *Dispatcher) currentTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now()
}

func auditFor(n Normalized, at time.Time, outcome, reason string, redacted bool) storage.AuditEntry {
	return storage.AuditEntry{
		At:             at,
		ConversationID: n.ConversationID,
		MessageID:      n.MessageID,
		ContactName:    n.ContactName,
		Outcome:        outcome,
		Reason:         reason,
		Redacted:       redacted,
	}
}

func titleFor(contact string) string {
	if contact == "" {
		return "New message"
	}
	return "New message from " + contact
}
