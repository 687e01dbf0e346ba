// Package app assembles the notification engine: config, logging, storage,
// preferences, gates, unread tracking, dispatch, and the realtime channel.
package app

import (
	"context"
	"sync"
	"time"

	"inboxd/internal/config"
	"inboxd/internal/dedup"
	"inboxd/internal/dispatch"
	"inboxd/internal/eventbus"
	"inboxd/internal/notify"
	"inboxd/internal/prefs"
	"inboxd/internal/realtime"
	"inboxd/internal/session"
	"inboxd/internal/storage"
	"inboxd/internal/unread"
	logx "inboxd/pkg/logx"
)

type Option func(*options)

type options struct {
	platform notify.PlatformNotifier
	sound    notify.SoundPlayer
	dialer   realtime.Dialer
}

// WithPlatformNotifier replaces the default in-memory notifier. Host
// environments pass their OS/browser bridge here.
func WithPlatformNotifier(p notify.PlatformNotifier) Option {
	return func(o *options) { o.platform = p }
}

// WithSoundPlayer replaces the default in-memory sound sink.
func WithSoundPlayer(s notify.SoundPlayer) Option {
	return func(o *options) { o.sound = s }
}

// WithDialer replaces the websocket dialer. Test hook.
func WithDialer(d realtime.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store   storage.Store // may be nil
	prefs   *prefs.Service
	gates   *dedup.Cache
	unread  *unread.Index
	recon   *unread.Reconciler
	disp    *dispatch.Dispatcher
	channel *realtime.Channel

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.platform == nil {
		o.platform = notify.NewMemoryNotifier(true)
	}
	if o.sound == nil {
		o.sound = notify.NewMemorySound()
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log.With(logx.String("svc", "config")))
	cfgm.SetValidator(validateConfig)

	bus := eventbus.New()

	stCfg, err := mapStorage(cfg.Storage)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	store, err := storage.Open(stCfg, log.With(logx.String("svc", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	gateCfg, err := mapDedup(cfg.Notifications)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	rtCfg, err := mapRealtime(cfg.Realtime)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	reconCfg, err := mapReconcile(cfg.Reconcile)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	if o.dialer == nil {
		o.dialer = realtime.WebsocketDialer{HandshakeTimeout: rtCfg.HandshakeTimeout}
	}

	a := &App{
		cfgm:  cfgm,
		logs:  logs,
		log:   log,
		bus:   bus,
		store: store,
	}
	a.prefs = prefs.New(store, o.platform, log.With(logx.String("svc", "prefs")), bus)
	a.gates = dedup.New(gateCfg)
	a.unread = unread.NewIndex(log.With(logx.String("svc", "unread")), bus)
	a.recon = unread.NewReconciler(reconCfg, a.unread, log.With(logx.String("svc", "reconcile")))
	a.disp = dispatch.New(mapDispatch(cfg.Notifications), a.prefs, a.gates, a.unread, store,
		o.platform, o.sound, log.With(logx.String("svc", "dispatch")), bus)
	a.channel = realtime.New(rtCfg, o.dialer, log.With(logx.String("svc", "realtime")), bus)

	return a, nil
}

func validateConfig(ctx context.Context, cfg *config.Config) error {
	_ = ctx
	if _, err := mapStorage(cfg.Storage); err != nil {
		return err
	}
	if _, err := mapDedup(cfg.Notifications); err != nil {
		return err
	}
	if _, err := mapRealtime(cfg.Realtime); err != nil {
		return err
	}
	_, err := mapReconcile(cfg.Reconcile)
	return err
}

// Start launches the config watcher and the reconcile schedule. Blocking
// work runs on internal goroutines; Start itself returns immediately.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	updates := a.cfgm.Subscribe(4)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.applyReload(cfg)
			}
		}
	}()

	a.recon.Start(runCtx)
	a.log.Info("engine started")
	return nil
}

// applyReload pushes a validated config change into the live components.
// Realtime and reconcile endpoints are bind-time settings; changing them
// takes effect on the next restart.
func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(mapLogging(cfg))
	if gateCfg, err := mapDedup(cfg.Notifications); err == nil {
		a.gates.Apply(gateCfg)
	}
	a.disp.Apply(mapDispatch(cfg.Notifications))
	a.log.Info("config reloaded")
}

// Login binds the engine to the authenticated identity: the realtime
// channel connects (re-registering the inbound handlers dropped by the
// previous logout), the reconciler is pointed at the identity, and one
// immediate unread fetch seeds the counters.
func (a *App) Login(ctx context.Context, identityID int64) error {
	a.channel.OnInboundMessage(func(payload map[string]any) {
		a.disp.HandleInbound(payload)
	})
	a.channel.OnInboundAlert(func(payload map[string]any) {
		a.disp.HandleInboundAlert(payload)
	})
	if err := a.channel.Connect(ctx, realtime.Identity{ID: identityID}); err != nil {
		return err
	}
	a.recon.SetIdentity(identityID)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.recon.FetchOnce(fctx); err != nil {
			a.log.Debug("initial unread fetch failed", logx.Err(err))
		}
	}()
	return nil
}

// Logout severs the realtime channel (detaching its handlers) and stops
// identity-bound fetches. Engine state (preferences, gates, history) stays.
func (a *App) Logout() {
	a.channel.Disconnect()
	a.recon.SetIdentity(0)
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	a.Logout()
	a.recon.Stop(ctx)
	a.wg.Wait()

	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("engine stopped")
	return a.logs.Close()
}

// CanSendFreeText reports whether the 24-hour customer-service window is
// still open for a conversation whose last inbound customer message arrived
// at lastInbound (zero time means no record, treated as open).
func (a *App) CanSendFreeText(lastInbound time.Time) bool {
	return session.CanSendFreeText(lastInbound, time.Now())
}

func (a *App) Preferences() *prefs.Service      { return a.prefs }
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }
func (a *App) Unread() *unread.Index            { return a.unread }
func (a *App) Channel() *realtime.Channel       { return a.channel }
func (a *App) Bus() eventbus.Bus                { return a.bus }
