package unread

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/robfig/cron/v3"

	logx "inboxd/pkg/logx"
)

var ErrNoIdentity = errors.New("reconciler: no identity set")

// ReconcilerConfig configures the periodic authoritative fetch.
type ReconcilerConfig struct {
	Enabled  bool
	BaseURL  string
	Schedule string        // cron spec or descriptor; default "@every 1m"
	Timeout  time.Duration // per-fetch bound; default 10s
}

// conversationSummary is one row of the conversations-list endpoint.
// contact_id arrives as either a JSON number or a string depending on the
// backend version.
type conversationSummary struct {
	ContactID   json.Number `json:"contact_id"`
	UnreadCount int         `json:"unread_count"`
}

// Reconciler periodically fetches the conversations list for the
// authenticated identity and replaces the Index wholesale with the
// server-side unread counts.
//
// The fetch and live increments are not ordered relative to each other;
// see Index.Reconcile.
type Reconciler struct {
	mu  sync.Mutex
	cfg ReconcilerConfig
	log logx.Logger

	index  *Index
	client *resty.Client
	parser cron.Parser

	c        *cron.Cron
	identity int64 // 0 means logged out
}

func NewReconciler(cfg ReconcilerConfig, index *Index, log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	return &Reconciler{
		cfg:    cfg,
		log:    log,
		index:  index,
		client: client,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// SetIdentity binds the fetch to the authenticated identity's numeric id.
// Pass 0 on logout; fetches become no-ops until the next login.
func (r *Reconciler) SetIdentity(id int64) {
	r.mu.Lock()
	r.identity = id
	r.mu.Unlock()
}

// Start begins the periodic fetch. Idempotent.
func (r *Reconciler) Start(ctx context.Context) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil || !r.cfg.Enabled {
		return
	}
	c := cron.New(cron.WithParser(r.parser))
	_, err := c.AddFunc(r.cfg.Schedule, func() {
		fctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
		defer cancel()
		if err := r.FetchOnce(fctx); err != nil && !errors.Is(err, ErrNoIdentity) {
			r.log.Warn("unread reconcile failed", logx.Err(err))
		}
	})
	if err != nil {
		r.log.Error("invalid reconcile schedule", logx.String("schedule", r.cfg.Schedule), logx.Err(err))
		return
	}
	c.Start()
	r.c = c
	r.log.Info("reconciler started", logx.String("schedule", r.cfg.Schedule))
}

// Stop halts the periodic fetch. Idempotent.
func (r *Reconciler) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
}

// FetchOnce performs one authoritative fetch and reconciles the index.
func (r *Reconciler) FetchOnce(ctx context.Context) error {
	r.mu.Lock()
	id := r.identity
	client := r.client
	r.mu.Unlock()

	if id == 0 {
		return ErrNoIdentity
	}

	resp, err := client.R().
		SetContext(ctx).
		SetQueryParam("assigned_to", strconv.FormatInt(id, 10)).
		Get("/conversations")
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("conversations fetch: unexpected status %d", resp.StatusCode())
	}

	var rows []conversationSummary
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return fmt.Errorf("conversations fetch: %w", err)
	}

	snapshot := make(map[string]int, len(rows))
	for _, row := range rows {
		cid := row.ContactID.String()
		if cid == "" {
			continue
		}
		snapshot[cid] += row.UnreadCount
	}
	r.index.Reconcile(snapshot)
	r.log.Debug("unread reconciled", logx.Int("conversations", len(snapshot)), logx.Int("total", r.index.Total()))
	return nil
}
