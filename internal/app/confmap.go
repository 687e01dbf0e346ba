package app

import (
	"inboxd/internal/config"
	"inboxd/internal/dedup"
	"inboxd/internal/dispatch"
	"inboxd/internal/realtime"
	"inboxd/internal/storage"
	"inboxd/internal/unread"
	logx "inboxd/pkg/logx"
)

// The config file speaks strings (duration strings, driver names); the
// components speak typed configs. These mappers translate, validating as
// they go so a bad reload is rejected before anything is applied.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(sc *config.StorageConfig) (storage.Config, error) {
	if sc == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		BusyTimeout: busy,
	}, nil
}

func mapDedup(nc *config.NotificationsConfig) (dedup.Config, error) {
	var out dedup.Config
	if nc == nil {
		return out, nil
	}
	var err error
	if out.TTL, err = config.ParseDurationField("notifications.dedup_ttl", nc.DedupTTL); err != nil {
		return out, err
	}
	if out.ConversationSpacing, err = config.ParseDurationField("notifications.conversation_spacing", nc.ConversationSpacing); err != nil {
		return out, err
	}
	if out.SoundSpacing, err = config.ParseDurationField("notifications.sound_spacing", nc.SoundSpacing); err != nil {
		return out, err
	}
	return out, nil
}

func mapDispatch(nc *config.NotificationsConfig) dispatch.Config {
	if nc == nil {
		return dispatch.Config{}
	}
	return dispatch.Config{HistoryCap: nc.HistoryCap}
}

func mapRealtime(rc config.RealtimeConfig) (realtime.Config, error) {
	handshake, err := config.ParseDurationField("realtime.handshake_timeout", rc.HandshakeTimeout)
	if err != nil {
		return realtime.Config{}, err
	}
	base, err := config.ParseDurationField("realtime.reconnect_base", rc.ReconnectBase)
	if err != nil {
		return realtime.Config{}, err
	}
	max, err := config.ParseDurationField("realtime.reconnect_max", rc.ReconnectMax)
	if err != nil {
		return realtime.Config{}, err
	}
	return realtime.Config{
		URL:              rc.URL,
		HandshakeTimeout: handshake,
		ReconnectBase:    base,
		ReconnectMax:     max,
	}, nil
}

func mapReconcile(rc config.ReconcileConfig) (unread.ReconcilerConfig, error) {
	timeout, err := config.ParseDurationField("reconcile.timeout", rc.Timeout)
	if err != nil {
		return unread.ReconcilerConfig{}, err
	}
	return unread.ReconcilerConfig{
		Enabled:  rc.Enabled,
		BaseURL:  rc.BaseURL,
		Schedule: rc.Schedule,
		Timeout:  timeout,
	}, nil
}
