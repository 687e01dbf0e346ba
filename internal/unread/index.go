// Package unread tracks per-conversation and aggregate unread counters,
// fed by two independently-updating sources: live inbound events and a
// periodic authoritative snapshot fetch.
package unread

import (
	"sync"

	"inboxd/internal/eventbus"
	logx "inboxd/pkg/logx"
)

// Index is safe for concurrent use.
//
// Total always equals the sum of the per-conversation counts: live
// increments and clears maintain it incrementally, and Reconcile replaces
// everything wholesale. A Reconcile may resurrect counts for a conversation
// the user read locally since the snapshot was taken; that bounded
// staleness is accepted, not corrected (the next snapshot converges).
type Index struct {
	mu  sync.Mutex
	log logx.Logger
	bus eventbus.Bus

	per    map[string]int
	total  int
	active string // currently open conversation; increments for it are no-ops
}

type Snapshot struct {
	PerConversation map[string]int `json:"perConversation"`
	Total           int            `json:"total"`
}

func NewIndex(log logx.Logger, bus eventbus.Bus) *Index {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Index{log: log, bus: bus, per: map[string]int{}}
}

// SetActive marks the conversation the user is currently viewing ("" for
// none). Live increments for the active conversation are dropped.
func (x *Index) SetActive(conversationID string) {
	x.mu.Lock()
	x.active = conversationID
	x.mu.Unlock()
}

func (x *Index) Active() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.active
}

// Reconcile replaces all counts with the authoritative snapshot.
func (x *Index) Reconcile(snapshot map[string]int) {
	x.mu.Lock()
	per := make(map[string]int, len(snapshot))
	total := 0
	for id, n := range snapshot {
		if n <= 0 {
			continue
		}
		per[id] = n
		total += n
	}
	x.per = per
	x.total = total
	x.mu.Unlock()
	x.publish()
}

// Increment bumps the conversation's count and the total, unless the
// conversation is currently open.
func (x *Index) Increment(conversationID string) {
	x.mu.Lock()
	if conversationID == "" || conversationID == x.active {
		x.mu.Unlock()
		return
	}
	x.per[conversationID]++
	x.total++
	x.mu.Unlock()
	x.publish()
}

// ClearConversation removes the conversation's count, flooring the total at
// zero. Calling it twice for the same conversation is harmless.
func (x *Index) ClearConversation(conversationID string) {
	x.mu.Lock()
	n, ok := x.per[conversationID]
	if !ok {
		x.mu.Unlock()
		return
	}
	delete(x.per, conversationID)
	x.total -= n
	if x.total < 0 {
		x.total = 0
	}
	x.mu.Unlock()
	x.publish()
}

func (x *Index) ClearAll() {
	x.mu.Lock()
	x.per = map[string]int{}
	x.total = 0
	x.mu.Unlock()
	x.publish()
}

func (x *Index) Count(conversationID string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.per[conversationID]
}

func (x *Index) Total() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.total
}

// Counts returns a copy of the per-conversation counts.
func (x *Index) Counts() map[string]int {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string]int, len(x.per))
	for k, v := range x.per {
		out[k] = v
	}
	return out
}

func (x *Index) publish() {
	if x.bus == nil {
		return
	}
	x.mu.Lock()
	snap := Snapshot{PerConversation: make(map[string]int, len(x.per)), Total: x.total}
	for k, v := range x.per {
		snap.PerConversation[k] = v
	}
	x.mu.Unlock()
	x.bus.Publish(eventbus.Event{Topic: eventbus.TopicUnreadChanged, Data: snap})
}
