// Package prefs owns the durable notification preferences: enabled flags,
// sound volume, privacy mode, the Do-Not-Disturb window, snooze, and
// per-category toggles.
//
// The whole document is persisted as one JSON blob on every mutation. A
// missing or malformed blob silently falls back to defaults; a failed write
// is logged and the in-memory state stays authoritative for the session.
package prefs

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"inboxd/internal/eventbus"
	"inboxd/internal/notify"
	"inboxd/internal/storage"
	logx "inboxd/pkg/logx"
)

type Category string

const (
	CategoryMessage Category = "message"
	CategoryAlert   Category = "alert"
	CategoryEvent   Category = "event"
	CategorySystem  Category = "system"
)

type DoNotDisturb struct {
	Enabled   bool   `json:"enabled"`
	StartTime string `json:"startTime"` // "HH:MM"
	EndTime   string `json:"endTime"`   // "HH:MM"; window may wrap midnight
}

type Preferences struct {
	Enabled      bool              `json:"enabled"`
	SoundEnabled bool              `json:"soundEnabled"`
	SoundVolume  float64           `json:"soundVolume"` // clamped to [0,1]
	PrivacyMode  bool              `json:"privacyMode"`
	DoNotDisturb DoNotDisturb      `json:"doNotDisturb"`
	SnoozedUntil *time.Time        `json:"snoozedUntil,omitempty"`
	Categories   map[Category]bool `json:"categories"`
}

// Partial is a sparse update; nil fields keep their current value.
type Partial struct {
	Enabled      *bool
	SoundEnabled *bool
	SoundVolume  *float64
	PrivacyMode  *bool
	DoNotDisturb *DoNotDisturb
}

func Defaults() Preferences {
	return Preferences{
		Enabled:      true,
		SoundEnabled: true,
		SoundVolume:  0.8,
		DoNotDisturb: DoNotDisturb{StartTime: "22:00", EndTime: "08:00"},
		Categories: map[Category]bool{
			CategoryMessage: true,
			CategoryAlert:   true,
			CategoryEvent:   true,
			CategorySystem:  true,
		},
	}
}

func clone(p Preferences) Preferences {
	cp := p
	if p.SnoozedUntil != nil {
		t := *p.SnoozedUntil
		cp.SnoozedUntil = &t
	}
	cp.Categories = make(map[Category]bool, len(p.Categories))
	for k, v := range p.Categories {
		cp.Categories[k] = v
	}
	return cp
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	store    storage.Store // may be nil (in-memory only)
	platform notify.PlatformNotifier

	cur Preferences

	// Platform permission cache. Once denied we never re-prompt; the cached
	// negative is returned instead.
	permAsked   bool
	permGranted bool
}

func New(store storage.Store, platform notify.PlatformNotifier, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log,
		bus:      bus,
		now:      time.Now,
		store:    store,
		platform: platform,
		cur:      Defaults(),
	}
	s.load()
	return s
}

// SetNow overrides the clock. Test hook; call before use.
func (s *Service) SetNow(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Service) load() {
	if s.store == nil {
		return
	}
	blob, ok, err := s.store.LoadPreferences(context.Background())
	if err != nil {
		s.log.Warn("preferences load failed; using defaults", logx.Err(err))
		return
	}
	if !ok {
		return
	}
	var p Preferences
	if err := json.Unmarshal(blob, &p); err != nil {
		s.log.Warn("preferences blob malformed; using defaults", logx.Err(err))
		return
	}
	// Re-apply invariants on whatever was stored.
	p.SoundVolume = clampVolume(p.SoundVolume)
	if p.Categories == nil {
		p.Categories = Defaults().Categories
	}
	s.cur = p
}

// Get returns the current preferences snapshot. An expired snooze is
// cleared (and persisted) exactly once on the first read past its expiry.
func (s *Service) Get() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireSnoozeLocked()
	return clone(s.cur)
}

// Update merges the partial into the current preferences, persists, and
// returns the new snapshot.
func (s *Service) Update(p Partial) Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Enabled != nil {
		s.cur.Enabled = *p.Enabled
	}
	if p.SoundEnabled != nil {
		s.cur.SoundEnabled = *p.SoundEnabled
	}
	if p.SoundVolume != nil {
		s.cur.SoundVolume = clampVolume(*p.SoundVolume)
	}
	if p.PrivacyMode != nil {
		s.cur.PrivacyMode = *p.PrivacyMode
	}
	if p.DoNotDisturb != nil {
		s.cur.DoNotDisturb = *p.DoNotDisturb
	}
	s.persistLocked()
	return clone(s.cur)
}

func (s *Service) SetDoNotDisturb(enabled bool, start, end string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.DoNotDisturb.Enabled = enabled
	if strings.TrimSpace(start) != "" {
		s.cur.DoNotDisturb.StartTime = start
	}
	if strings.TrimSpace(end) != "" {
		s.cur.DoNotDisturb.EndTime = end
	}
	s.persistLocked()
}

// Snooze suppresses notifications for the given number of minutes,
// independent of DND, and returns the absolute expiry.
func (s *Service) Snooze(minutes int) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	until := s.now().Add(time.Duration(minutes) * time.Minute)
	s.cur.SnoozedUntil = &until
	s.persistLocked()
	return until
}

func (s *Service) CancelSnooze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.SnoozedUntil == nil {
		return
	}
	s.cur.SnoozedUntil = nil
	s.persistLocked()
}

func (s *Service) SetCategoryEnabled(cat Category, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.Categories == nil {
		s.cur.Categories = map[Category]bool{}
	}
	s.cur.Categories[cat] = enabled
	s.persistLocked()
}

// CategoryEnabled defaults to true for categories never toggled.
func (s *Service) CategoryEnabled(cat Category) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cur.Categories[cat]
	if !ok {
		return true
	}
	return v
}

// InDoNotDisturbWindow evaluates the configured daily window at the given
// time. A window whose start is after its end wraps midnight.
func (s *Service) InDoNotDisturbWindow(at time.Time) bool {
	s.mu.Lock()
	dnd := s.cur.DoNotDisturb
	s.mu.Unlock()

	if !dnd.Enabled {
		return false
	}
	start, ok1 := clockMinutes(dnd.StartTime)
	end, ok2 := clockMinutes(dnd.EndTime)
	if !ok1 || !ok2 {
		return false
	}
	now := at.Hour()*60 + at.Minute()
	if start <= end {
		return start <= now && now < end
	}
	// Overnight wrap: active from start until midnight and from midnight
	// until end.
	return now >= start || now < end
}

// Muted reports whether notifications are suppressed right now, by either
// the DND window or an active snooze. An expired snooze is cleared (one
// persisted write) as a side effect of the read.
func (s *Service) Muted(at time.Time) bool {
	s.mu.Lock()
	s.expireSnoozeLocked()
	snoozed := s.cur.SnoozedUntil != nil && at.Before(*s.cur.SnoozedUntil)
	s.mu.Unlock()
	return snoozed || s.InDoNotDisturbWindow(at)
}

func (s *Service) expireSnoozeLocked() {
	if s.cur.SnoozedUntil == nil {
		return
	}
	if s.now().Before(*s.cur.SnoozedUntil) {
		return
	}
	s.cur.SnoozedUntil = nil
	s.persistLocked()
}

// RequestPermission asks the platform for notification permission. The
// answer is cached: once denied, later calls return the cached negative
// without prompting again.
func (s *Service) RequestPermission(ctx context.Context) bool {
	s.mu.Lock()
	if s.permAsked {
		granted := s.permGranted
		s.mu.Unlock()
		return granted
	}
	platform := s.platform
	s.mu.Unlock()

	granted := false
	if platform != nil {
		g, err := platform.RequestPermission(ctx)
		if err != nil {
			s.log.Warn("permission request failed", logx.Err(err))
		} else {
			granted = g
		}
	}

	s.mu.Lock()
	s.permAsked = true
	s.permGranted = granted
	s.mu.Unlock()
	return granted
}

// PermissionGranted reports the cached permission state without prompting.
func (s *Service) PermissionGranted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permAsked && s.permGranted
}

func (s *Service) persistLocked() {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Topic: eventbus.TopicPreferencesChanged, Data: clone(s.cur)})
	}
	if s.store == nil {
		return
	}
	blob, err := json.Marshal(s.cur)
	if err != nil {
		s.log.Warn("preferences marshal failed", logx.Err(err))
		return
	}
	if err := s.store.SavePreferences(context.Background(), blob); err != nil {
		// In-memory state remains authoritative for the session.
		s.log.Warn("preferences persist failed", logx.Err(err))
	}
}

func clampVolume(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// clockMinutes parses "HH:MM" into minute-of-day.
func clockMinutes(s string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
