// Package accounts owns the platform clients and their session
// lifecycle. Everything else borrows clients by account id; nothing
// outside this package authenticates.
package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/avdm/gop2pd/internal/bybit"
	"github.com/avdm/gop2pd/internal/domain"
	"github.com/avdm/gop2pd/internal/events"
	"github.com/avdm/gop2pd/internal/gate"
	"github.com/avdm/gop2pd/internal/logging"
	"github.com/avdm/gop2pd/internal/store"
)

// GateClient is the payment-platform surface the processors consume.
type GateClient interface {
	AccountID() string
	Login(ctx context.Context) error
	Payouts(ctx context.Context, page int, statusFilters []int) (*gate.PayoutPage, error)
	AcceptPayout(ctx context.Context, payoutID string) error
	PayoutAction(ctx context.Context, payoutID, action string) error
	SetBalance(ctx context.Context, amount int64) error
	SMS(ctx context.Context) (json.RawMessage, error)
	Pushes(ctx context.Context) (json.RawMessage, error)
}

// BybitClient is the exchange surface the processors consume.
type BybitClient interface {
	AccountID() string
	SyncTime(ctx context.Context) error
	PendingOrders(ctx context.Context, statuses []int) ([]bybit.Order, error)
	OrderInfo(ctx context.Context, orderID string) (*bybit.Order, error)
	ChatMessages(ctx context.Context, orderID string, size int) ([]bybit.ChatMessage, error)
	SendChatMessage(ctx context.Context, orderID, text string) (string, error)
	CreateAd(ctx context.Context, req *bybit.AdRequest) (string, error)
	CancelAd(ctx context.Context, itemID string) error
	ReleaseOrder(ctx context.Context, orderID string) error
}

var _ GateClient = (*gate.Client)(nil)
var _ BybitClient = (*bybit.Client)(nil)

// session is the in-memory refresh record for one account.
type session struct {
	platform      string
	status        domain.AccountStatus
	nextRefreshAt time.Time
	lastError     string
}

// Options tunes the refresh cadence.
type Options struct {
	// RefreshInterval is how long a healthy session lives before the
	// refresher re-authenticates it.
	RefreshInterval time.Duration
	// Lookahead refreshes sessions slightly before they are due.
	Lookahead time.Duration
	// RetryInterval schedules the next attempt after a failed refresh.
	RetryInterval time.Duration
}

func (o *Options) fill() {
	if o.RefreshInterval == 0 {
		o.RefreshInterval = 30 * time.Minute
	}
	if o.Lookahead == 0 {
		o.Lookahead = time.Minute
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = 5 * time.Minute
	}
}

// Registry owns platform clients and keeps their sessions fresh.
type Registry struct {
	opts   Options
	repo   *store.AccountRepository
	bus    *events.Bus
	logger logging.Logger

	mu       sync.RWMutex
	gates    map[string]GateClient
	bybits   map[string]BybitClient
	sessions map[string]*session
}

// NewRegistry builds an empty registry; add clients before Init.
func NewRegistry(repo *store.AccountRepository, bus *events.Bus, opts Options, logger logging.Logger) *Registry {
	opts.fill()
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Registry{
		opts:     opts,
		repo:     repo,
		bus:      bus,
		logger:   logger,
		gates:    make(map[string]GateClient),
		bybits:   make(map[string]BybitClient),
		sessions: make(map[string]*session),
	}
}

// AddGate registers a payment-platform client.
func (r *Registry) AddGate(c GateClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[c.AccountID()] = c
	r.sessions[c.AccountID()] = &session{platform: "gate", status: domain.AccountInitializing}
}

// AddBybit registers an exchange client.
func (r *Registry) AddBybit(c BybitClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bybits[c.AccountID()] = c
	r.sessions[c.AccountID()] = &session{platform: "bybit", status: domain.AccountInitializing}
}

// Gate returns a payment-platform client by account id.
func (r *Registry) Gate(id string) (GateClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.gates[id]
	return c, ok
}

// Bybit returns an exchange client by account id.
func (r *Registry) Bybit(id string) (BybitClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.bybits[id]
	return c, ok
}

// GateIDs lists registered payment-platform account ids.
func (r *Registry) GateIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.gates))
	for id := range r.gates {
		ids = append(ids, id)
	}
	return ids
}

// BybitIDs lists registered exchange account ids.
func (r *Registry) BybitIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.bybits))
	for id := range r.bybits {
		ids = append(ids, id)
	}
	return ids
}

// Status returns the current session view of one account.
func (r *Registry) Status(id string) (domain.AccountStatus, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return "", "", false
	}
	return s.status, s.lastError, true
}

// Init authenticates every registered client. Gate accounts log in
// (restored cookie sessions count as fresh), exchange accounts measure
// clock drift. Called from the boot one-shot before any processor
// runs.
func (r *Registry) Init(ctx context.Context) error {
	var firstErr error
	for _, id := range r.GateIDs() {
		if err := r.refreshGate(ctx, id); err != nil {
			r.logger.Error("gate account init failed", "account", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, id := range r.BybitIDs() {
		if err := r.refreshBybit(ctx, id); err != nil {
			r.logger.Error("bybit account init failed", "account", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Refresh is the periodic session maintenance task: any session due
// within the lookahead window is re-authenticated; failures are marked
// and retried on the retry interval.
func (r *Registry) Refresh(ctx context.Context) error {
	deadline := time.Now().Add(r.opts.Lookahead)

	var due []string
	r.mu.RLock()
	for id, s := range r.sessions {
		if s.status == domain.AccountDisabled {
			continue
		}
		if s.nextRefreshAt.Before(deadline) {
			due = append(due, id)
		}
	}
	r.mu.RUnlock()

	var firstErr error
	for _, id := range due {
		var err error
		if _, ok := r.Gate(id); ok {
			err = r.refreshGate(ctx, id)
		} else if _, ok := r.Bybit(id); ok {
			err = r.refreshBybit(ctx, id)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MarkStale moves a session to the front of the refresh queue. Called
// when a platform request comes back unauthenticated before the
// session was due, so the refresher re-auths on its next tick instead
// of waiting out the session lifetime.
func (r *Registry) MarkStale(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.nextRefreshAt = time.Time{}
	}
}

func (r *Registry) refreshGate(ctx context.Context, id string) error {
	c, ok := r.Gate(id)
	if !ok {
		return fmt.Errorf("accounts: unknown gate account %q", id)
	}
	if err := c.Login(ctx); err != nil {
		r.markSession(ctx, id, domain.AccountError, err.Error(), time.Now().Add(r.opts.RetryInterval))
		return err
	}
	r.markSession(ctx, id, domain.AccountActive, "", time.Now().Add(r.opts.RefreshInterval))
	return nil
}

func (r *Registry) refreshBybit(ctx context.Context, id string) error {
	c, ok := r.Bybit(id)
	if !ok {
		return fmt.Errorf("accounts: unknown bybit account %q", id)
	}
	// No session to keep alive; the per-request signature only needs a
	// current drift measurement.
	if err := c.SyncTime(ctx); err != nil {
		r.markSession(ctx, id, domain.AccountError, err.Error(), time.Now().Add(r.opts.RetryInterval))
		return err
	}
	r.markSession(ctx, id, domain.AccountActive, "", time.Now().Add(r.opts.RefreshInterval))
	return nil
}

func (r *Registry) markSession(ctx context.Context, id string, status domain.AccountStatus, lastError string, next time.Time) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	changed := s.status != status
	platform := s.platform
	s.status = status
	s.lastError = lastError
	s.nextRefreshAt = next
	r.mu.Unlock()

	if r.repo != nil {
		err := r.repo.Upsert(ctx, &domain.Account{
			ID: id, Platform: platform, Status: status,
			LastError: lastError, NextRefreshAt: next,
		})
		if err != nil {
			r.logger.Warn("account session persist failed", "account", id, "error", err)
		}
	}
	if changed && r.bus != nil {
		r.bus.Publish(events.AccountStatusChange, map[string]interface{}{
			"account_id": id,
			"status":     string(status),
			"error":      lastError,
		}, events.AccountRoom(id))
	}
}
