package config

// Config is the application configuration for the engine daemon.
//
// The file may be JSON or YAML (by extension); both are decoded strictly so
// typos in keys are caught at load/reload time.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Realtime RealtimeConfig `json:"realtime"`

	// Reconcile controls the periodic authoritative unread-count fetch.
	Reconcile ReconcileConfig `json:"reconcile"`

	// Notifications tunes the dispatch pipeline. If omitted, built-in
	// defaults apply (20s dedup TTL, 2s per-conversation spacing, 3s sound
	// spacing, 50-entry history).
	Notifications *NotificationsConfig `json:"notifications,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// RealtimeConfig configures the persistent push connection.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type RealtimeConfig struct {
	URL string `json:"url"`

	// HandshakeTimeout bounds a single dial attempt. Default "10s".
	HandshakeTimeout string `json:"handshake_timeout,omitempty"`

	// ReconnectBase/ReconnectMax bound the jittered exponential backoff
	// between reconnect attempts. Defaults "250ms" / "30s".
	ReconnectBase string `json:"reconnect_base,omitempty"`
	ReconnectMax  string `json:"reconnect_max,omitempty"`
}

// ReconcileConfig configures the authoritative conversations-list fetch.
type ReconcileConfig struct {
	Enabled bool   `json:"enabled"`
	BaseURL string `json:"base_url"`

	// Schedule is a cron spec (5 or 6 fields, or a descriptor such as
	// "@every 1m"). Default "@every 1m".
	Schedule string `json:"schedule,omitempty"`

	// Timeout bounds one fetch. Default "10s".
	Timeout string `json:"timeout,omitempty"`
}

// NotificationsConfig tunes dispatch behavior at runtime.
//
// All durations are Go duration strings. Zero/omitted fields keep defaults.
type NotificationsConfig struct {
	DedupTTL            string `json:"dedup_ttl,omitempty"`
	ConversationSpacing string `json:"conversation_spacing,omitempty"`
	SoundSpacing        string `json:"sound_spacing,omitempty"`
	HistoryCap          int    `json:"history_cap,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./inboxd_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
