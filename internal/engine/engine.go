// Package engine contains the trade processors: payout intake, ad
// placement, order discovery, chat automation, receipt matching,
// release, and reissue. Each processor is a scheduler task; the store
// is the single source of truth and every status change goes through
// the transaction CAS.
package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/avdm/gop2pd/internal/accounts"
	"github.com/avdm/gop2pd/internal/config"
	"github.com/avdm/gop2pd/internal/domain"
	"github.com/avdm/gop2pd/internal/events"
	"github.com/avdm/gop2pd/internal/gate"
	"github.com/avdm/gop2pd/internal/logging"
	"github.com/avdm/gop2pd/internal/mail"
	"github.com/avdm/gop2pd/internal/scheduler"
	"github.com/avdm/gop2pd/internal/store"
)

// Task ids registered on the scheduler.
const (
	TaskInit              = "init"
	TaskPayoutsSync       = "payouts_sync"
	TaskWorkAcceptor      = "work_acceptor"
	TaskAdCreator         = "ad_creator"
	TaskOrderChecker      = "order_checker"
	TaskChatProcessor     = "chat_processor"
	TaskReceiptProcessor  = "receipt_processor"
	TaskSuccesser         = "successer"
	TaskAccountRefresher  = "account_refresher"
	TaskGateBalanceSetter = "gate_balance_setter"
	TaskStatsReporter     = "stats_reporter"
	TaskInstantMonitor    = "instant_monitor"
)

// listEvery is the per-account floor between order list calls; the
// task ticks faster but individual accounts are token-bucketed.
const listEvery = 5 * time.Second

// chatReadEvery is the per-order floor between chat list calls.
const chatReadEvery = 3 * time.Second

// knownOrdersSize bounds the order-id fast path cache; evicted entries
// fall back to the store lookup.
const knownOrdersSize = 4096

// Client aliases keep processor signatures short.
type (
	gateClient      = accounts.GateClient
	bybitClient     = accounts.BybitClient
	bybitAccountCfg = config.BybitAccountConfig
)

// MailClient is the inbox surface the receipt processor consumes.
type MailClient interface {
	TrustedSender(from string) bool
	ListEmails(ctx context.Context, sinceID string) ([]mail.Email, error)
	FetchEmail(ctx context.Context, emailID string) (*mail.Email, error)
	DownloadAttachment(ctx context.Context, emailID, attachmentID string) ([]byte, error)
}

// Approver decides what happens to a pending payout: accept it,
// reject it, or leave it pending for a later tick. Auto mode accepts
// everything; manual mode leaves payouts pending until the operator
// decides.
type Approver interface {
	Approve(ctx context.Context, accountID string, p *gate.Payout) (domain.PayoutDecision, error)
}

// AutoApprover accepts every payout.
type AutoApprover struct{}

func (AutoApprover) Approve(context.Context, string, *gate.Payout) (domain.PayoutDecision, error) {
	return domain.DecisionAccepted, nil
}

// ManualApprover never decides on its own; payouts stay pending and
// are re-asked every tick until an operator acts.
type ManualApprover struct{}

func (ManualApprover) Approve(context.Context, string, *gate.Payout) (domain.PayoutDecision, error) {
	return domain.DecisionPending, nil
}

// TextExtractor turns raw PDF bytes into the line-oriented text the
// receipt parser consumes.
type TextExtractor func(data []byte) (string, error)

// Engine wires the processors to their dependencies and registers them
// on the scheduler.
type Engine struct {
	cfg      *config.Config
	store    *store.Store
	blobs    *store.BlobStore
	registry *accounts.Registry
	bus      *events.Bus
	sched    *scheduler.Scheduler
	mail     MailClient
	approver Approver
	extract  TextExtractor
	logger   logging.Logger

	statusCodes map[int]string

	limMu        sync.Mutex
	listLimiters map[string]*rate.Limiter
	chatLimiters *lru.Cache[string, *rate.Limiter]

	// knownOrders fast-paths duplicate order detection; seeded from the
	// store at boot, rebuildable at any time.
	knownOrders *lru.Cache[string, string]

	// extractSem bounds concurrent PDF extraction.
	extractSem chan struct{}

	mailMu      sync.Mutex
	lastEmailID string
}

// Deps collects the engine's constructor dependencies.
type Deps struct {
	Config    *config.Config
	Store     *store.Store
	Blobs     *store.BlobStore
	Registry  *accounts.Registry
	Bus       *events.Bus
	Scheduler *scheduler.Scheduler
	Mail      MailClient
	Approver  Approver
	Extract   TextExtractor
	Logger    logging.Logger
}

// New builds the engine. Approver defaults to AutoApprover and Extract
// to the built-in text extractor.
func New(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = logging.NewDefaultLogger()
	}
	if d.Approver == nil {
		d.Approver = AutoApprover{}
	}
	if d.Extract == nil {
		d.Extract = defaultExtractText
	}
	maxExtract := 4
	if d.Config != nil && d.Config.Receipts.MaxConcurrentExtractions > 0 {
		maxExtract = d.Config.Receipts.MaxConcurrentExtractions
	}
	known, _ := lru.New[string, string](knownOrdersSize)
	chatLims, _ := lru.New[string, *rate.Limiter](knownOrdersSize)
	e := &Engine{
		cfg:          d.Config,
		store:        d.Store,
		blobs:        d.Blobs,
		registry:     d.Registry,
		bus:          d.Bus,
		sched:        d.Scheduler,
		mail:         d.Mail,
		approver:     d.Approver,
		extract:      d.Extract,
		logger:       d.Logger,
		listLimiters: make(map[string]*rate.Limiter),
		chatLimiters: chatLims,
		knownOrders:  known,
		extractSem:   make(chan struct{}, maxExtract),
	}
	if d.Config != nil {
		e.statusCodes = d.Config.Gate.StatusCodeMap()
	}
	return e
}

// RegisterTasks registers every processor on the scheduler. The init
// one-shot gates the boot sequence: accounts come up first, then the
// payout sync, the acceptor, and the ad creator run once in that
// order; everything else waits for init only.
func (e *Engine) RegisterTasks() error {
	iv := e.cfg.Orchestrator.Intervals
	tasks := []scheduler.Task{
		{ID: TaskInit, Fn: e.Init, OneShot: true, RunOnStart: true},
		{ID: TaskPayoutsSync, Fn: e.SyncAcceptedPayouts, OneShot: true, RunOnStart: true, After: []string{TaskInit}},
		{ID: TaskWorkAcceptor, Fn: e.AcceptPayouts, Interval: iv.WorkAcceptor, RunOnStart: true, After: []string{TaskPayoutsSync}},
		{ID: TaskAdCreator, Fn: e.CreateAds, Interval: iv.AdCreator, RunOnStart: true, After: []string{TaskWorkAcceptor}},
		{ID: TaskOrderChecker, Fn: e.CheckOrders, Interval: iv.OrderChecker, After: []string{TaskInit}},
		{ID: TaskChatProcessor, Fn: e.ProcessChats, Interval: iv.ChatProcessor, After: []string{TaskInit}},
		{ID: TaskReceiptProcessor, Fn: e.ProcessReceipts, Interval: iv.ReceiptProcessor, After: []string{TaskInit}},
		{ID: TaskSuccesser, Fn: e.ReleaseReady, Interval: iv.Successer, After: []string{TaskInit}},
		{ID: TaskAccountRefresher, Fn: e.registry.Refresh, Interval: iv.AccountRefresher, After: []string{TaskInit}},
		{ID: TaskGateBalanceSetter, Fn: e.SetGateBalances, Interval: iv.GateBalanceSetter, RunOnStart: true, After: []string{TaskInit}},
		{ID: TaskStatsReporter, Fn: e.ReportStats, Interval: iv.StatsReporter, After: []string{TaskInit}},
		{ID: TaskInstantMonitor, Fn: e.MonitorInstant, Interval: iv.InstantMonitor, After: []string{TaskInit}},
	}
	for _, t := range tasks {
		if err := e.sched.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Init is the boot one-shot: authenticate every account and seed the
// order-id cache from transactions that already carry an order.
func (e *Engine) Init(ctx context.Context) error {
	e.publishProgress("authenticating accounts")
	if err := e.registry.Init(ctx); err != nil {
		// Degraded boot: healthy accounts still work, failed ones are
		// retried by the refresher.
		e.logger.Warn("account init finished with errors", "error", err)
	}

	txs, err := e.store.Transactions().ListWithOrder(ctx)
	if err != nil {
		return err
	}
	for _, t := range txs {
		e.knownOrders.Add(t.OrderID, t.ID)
	}
	e.publishProgress("ready")
	e.logger.Info("engine initialized", "known_orders", len(txs))
	return nil
}

func (e *Engine) publishProgress(stage string) {
	if e.bus != nil {
		e.bus.Publish(events.InitializationProgress, map[string]string{"stage": stage})
	}
}

// listLimiter returns the per-account token bucket for order listing.
func (e *Engine) listLimiter(accountID string) *rate.Limiter {
	e.limMu.Lock()
	defer e.limMu.Unlock()
	lim, ok := e.listLimiters[accountID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(listEvery), 1)
		e.listLimiters[accountID] = lim
	}
	return lim
}

// chatLimiter returns the per-order token bucket for chat reads.
func (e *Engine) chatLimiter(orderID string) *rate.Limiter {
	e.limMu.Lock()
	defer e.limMu.Unlock()
	if lim, ok := e.chatLimiters.Get(orderID); ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Every(chatReadEvery), 1)
	e.chatLimiters.Add(orderID, lim)
	return lim
}

// statusAction maps an external payout status code to its configured
// action; unknown codes are non-actionable.
func (e *Engine) statusAction(code int) string {
	return e.statusCodes[code]
}

// codesFor returns the external codes configured for one action.
func (e *Engine) codesFor(action string) []int {
	var out []int
	for code, a := range e.statusCodes {
		if a == action {
			out = append(out, code)
		}
	}
	return out
}

// noteGateError inspects a failed Gate call: an expired session is
// marked stale so the refresher re-auths the account on its next tick.
func (e *Engine) noteGateError(accountID string, err error) {
	if errors.Is(err, gate.ErrSessionExpired) {
		e.registry.MarkStale(accountID)
		e.logger.Warn("gate session expired, re-auth scheduled", "account", accountID)
	}
}

// alert publishes an operator alert on the bus.
func (e *Engine) alert(kind string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["kind"] = kind
	e.bus.Publish(events.OperatorAlert, data)
}

func (e *Engine) publishTx(eventType, txID string, status string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventType, map[string]string{"transaction_id": txID, "status": status})
}

// parsePriceMinor converts a configured decimal price to minor units.
func parsePriceMinor(s string) int64 {
	if s == "" {
		return 0
	}
	whole, frac, _ := splitDecimal(s)
	return whole*100 + frac
}

func splitDecimal(s string) (int64, int64, bool) {
	var whole, frac int64
	dot := -1
	for i, r := range s {
		if r == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		n, err := strconv.ParseInt(s, 10, 64)
		return n, 0, err == nil
	}
	n, err := strconv.ParseInt(s[:dot], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	fracStr := s[dot+1:]
	if len(fracStr) > 2 {
		fracStr = fracStr[:2]
	}
	for len(fracStr) < 2 {
		fracStr += "0"
	}
	f, err := strconv.ParseInt(fracStr, 10, 64)
	if err != nil {
		return n, 0, false
	}
	whole, frac = n, f
	return whole, frac, true
}
