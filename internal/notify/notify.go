// Package notify defines the platform capability interfaces the engine
// presents notifications through.
//
// The engine never talks to a real OS/browser notification API directly;
// it only sees these interfaces. Headless environments and tests use the
// in-memory implementations below.
package notify

import (
	"context"
	"sync"
)

// Note is one platform-level notification request.
//
// Tag is a stable identifier derived from the conversation and the send
// timestamp so repeated shows replace rather than stack at the OS level.
type Note struct {
	Title          string
	Body           string
	Tag            string
	ConversationID string
}

// PlatformNotifier is the OS/browser notification capability.
//
// RequestPermission is idempotent at the platform level; callers cache the
// answer and must not re-prompt after a denial.
type PlatformNotifier interface {
	RequestPermission(ctx context.Context) (bool, error)
	Show(ctx context.Context, n Note) error
}

// SoundPlayer plays the notification sound at the given volume [0,1].
type SoundPlayer interface {
	Play(volume float64)
}

// ---- In-memory implementations ----

// MemoryNotifier records shown notes instead of displaying them.
type MemoryNotifier struct {
	mu      sync.Mutex
	grant   bool
	asked   int
	shown   []Note
}

func NewMemoryNotifier(grant bool) *MemoryNotifier {
	return &MemoryNotifier{grant: grant}
}

func (m *MemoryNotifier) RequestPermission(ctx context.Context) (bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.asked++
	return m.grant, nil
}

func (m *MemoryNotifier) Show(ctx context.Context, n Note) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shown = append(m.shown, n)
	return nil
}

// Shown returns a snapshot of every note shown so far.
func (m *MemoryNotifier) Shown() []Note {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Note(nil), m.shown...)
}

// Asked reports how many times permission was actually requested.
func (m *MemoryNotifier) Asked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.asked
}

// MemorySound records play calls instead of producing audio.
type MemorySound struct {
	mu      sync.Mutex
	volumes []float64
}

func NewMemorySound() *MemorySound { return &MemorySound{} }

func (m *MemorySound) Play(volume float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes = append(m.volumes, volume)
}

// Plays returns the volumes of every play so far.
func (m *MemorySound) Plays() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.volumes...)
}
