package dispatch

const DefaultHistoryCap = 50

// Notification is one entry of the in-app notification list. The list is
// ephemeral: newest first, capped, and never persisted.
type Notification struct {
	ID             int64  `json:"id"` // monotonic; creation time in unix nanos
	Type           string `json:"type"`
	Title          string `json:"title"`
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
	ContactName    string `json:"contactName"`
	Timestamp      string `json:"timestamp"` // ISO 8601
	Read           bool   `json:"read"`
}

// insertLocked prepends n, enforcing the idempotency invariant: no two
// entries may share (message, conversationId). Returns false when an
// identical entry already exists.
func (d *Dispatcher) insertLocked(n Notification) bool {
	for _, have := range d.items {
		if have.Message == n.Message && have.ConversationID == n.ConversationID {
			return false
		}
	}
	d.items = append([]Notification{n}, d.items...)
	if len(d.items) > d.historyCap {
		d.items = d.items[:d.historyCap]
	}
	return true
}

// Notifications returns the current list snapshot, newest first.
func (d *Dispatcher) Notifications() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Notification(nil), d.items...)
}

// Snapshot is a point-in-time view of the in-app list for status surfaces.
type Snapshot struct {
	Notifications []Notification `json:"notifications"`
	Unread        int            `json:"unread"`
	Cap           int            `json:"cap"`
}

func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	unread := 0
	for _, it := range d.items {
		if !it.Read {
			unread++
		}
	}
	return Snapshot{
		Notifications: append([]Notification(nil), d.items...),
		Unread:        unread,
		Cap:           d.historyCap,
	}
}

// UnreadNotifications counts entries not yet marked read.
func (d *Dispatcher) UnreadNotifications() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, it := range d.items {
		if !it.Read {
			n++
		}
	}
	return n
}

func (d *Dispatcher) MarkRead(id int64) {
	d.mu.Lock()
	for i := range d.items {
		if d.items[i].ID == id {
			d.items[i].Read = true
			break
		}
	}
	d.mu.Unlock()
	d.publishListChanged()
}

func (d *Dispatcher) MarkAllRead() {
	d.mu.Lock()
	for i := range d.items {
		d.items[i].Read = true
	}
	d.mu.Unlock()
	d.publishListChanged()
}

func (d *Dispatcher) Clear() {
	d.mu.Lock()
	d.items = nil
	d.mu.Unlock()
	d.publishListChanged()
}
