// Package scheduler decides when sync rounds run. Each tenant has its own
// small state machine: Idle (possibly cooling down), Debouncing, Running.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/kimhsiao/novachat/backend/internal/clock"
	"github.com/kimhsiao/novachat/backend/internal/config"
	"github.com/kimhsiao/novachat/backend/internal/errors"
	"github.com/kimhsiao/novachat/backend/internal/logging"
	"github.com/kimhsiao/novachat/backend/internal/metrics"
	syncpkg "github.com/kimhsiao/novachat/backend/internal/sync"
)

// Options describes one sync request.
type Options struct {
	// Force bypasses cooldown and debounce.
	Force bool
	// IsActive selects the shorter active-session intervals.
	IsActive bool
	// Reason is logged with the round, e.g. "focus" or "reconnect".
	Reason string
}

// Decision is what RequestSync did with a request.
type Decision string

const (
	DecisionScheduled Decision = "debounced"
	DecisionCoalesced Decision = "coalesced"
	DecisionCooldown  Decision = "cooldown"
	DecisionRunning   Decision = "running"
	DecisionForced    Decision = "forced"
	DecisionStopped   Decision = "stopped"
	DecisionRejected  Decision = "rejected"
)

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	ActiveCooldown time.Duration
	IdleCooldown   time.Duration
	ActiveDebounce time.Duration
	IdleDebounce   time.Duration
	// MaxJitter bounds the random delay added to every debounce.
	MaxJitter time.Duration
	// PeriodicInterval is how often Start issues idle requests. Zero disables it.
	PeriodicInterval time.Duration
	// RoundTimeout bounds a single round.
	RoundTimeout time.Duration
	// Tenants receive periodic requests.
	Tenants []string
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return FromSyncConfig(config.DefaultSyncConfig(), nil)
}

// FromSyncConfig builds a scheduler configuration from loaded settings.
func FromSyncConfig(c config.SyncConfig, tenants []string) *SchedulerConfig {
	return &SchedulerConfig{
		ActiveCooldown:   c.ActiveCooldown,
		IdleCooldown:     c.IdleCooldown,
		ActiveDebounce:   c.ActiveDebounce,
		IdleDebounce:     c.IdleDebounce,
		MaxJitter:        c.MaxJitter,
		PeriodicInterval: c.PeriodicInterval,
		RoundTimeout:     c.RoundTimeout,
		Tenants:          tenants,
	}
}

func (c *SchedulerConfig) cooldown(active bool) time.Duration {
	if active {
		return c.ActiveCooldown
	}
	return c.IdleCooldown
}

func (c *SchedulerConfig) debounce(active bool) time.Duration {
	if active {
		return c.ActiveDebounce
	}
	return c.IdleDebounce
}

// Status is a snapshot of one tenant's sync state.
type Status struct {
	Tenant       string     `json:"tenant"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	PendingCount int        `json:"pending_count"`
	FailedCount  int        `json:"failed_count"`
	InProgress   bool       `json:"in_progress"`
	Debouncing   bool       `json:"debouncing"`
	LastError    string     `json:"last_error,omitempty"`
}

type phase int

const (
	phaseIdle phase = iota
	phaseDebouncing
	phaseRunning
)

func (p phase) String() string {
	switch p {
	case phaseDebouncing:
		return "debouncing"
	case phaseRunning:
		return "running"
	default:
		return "idle"
	}
}

// tenantState is owned by the Scheduler and guarded by its mutex.
type tenantState struct {
	phase phase
	// lastEnd is when the most recent round finished. Cooldown runs from it.
	lastEnd time.Time
	lastErr error
	// pending debounce; active is the most recent request's mode
	timer  clock.Timer
	gen    int
	active bool
	reason string
}

func (st *tenantState) cooldownUntil(cfg *SchedulerConfig, active bool) time.Time {
	if st.lastEnd.IsZero() {
		return time.Time{}
	}
	return st.lastEnd.Add(cfg.cooldown(active))
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithRand replaces the jitter source. f returns a value in [0, n).
func WithRand(f func(n int64) int64) Option {
	return func(s *Scheduler) { s.randN = f }
}

// Scheduler manages sync rounds for every tenant.
type Scheduler struct {
	engine syncpkg.SyncEngineInterface
	config *SchedulerConfig
	clock  clock.Clock
	randN  func(n int64) int64

	mu        sync.Mutex
	tenants   map[string]*tenantState
	inflight  int
	idle      *sync.Cond // signalled when inflight drops to zero
	periodic  clock.Timer
	isRunning bool
	stopped   bool
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.SyncEngineInterface, config *SchedulerConfig, opts ...Option) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	s := &Scheduler{
		engine:  engine,
		config:  config,
		clock:   clock.Real{},
		randN:   rand.Int63n,
		tenants: make(map[string]*tenantState),
	}
	s.idle = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) state(tenant string) *tenantState {
	st, ok := s.tenants[tenant]
	if !ok {
		st = &tenantState{}
		s.tenants[tenant] = st
	}
	return st
}

func (s *Scheduler) jitter() time.Duration {
	if s.config.MaxJitter <= 0 {
		return 0
	}
	return time.Duration(s.randN(int64(s.config.MaxJitter) + 1))
}

// RequestSync asks for a round. It never blocks: forced rounds start on
// their own goroutine and others wait out the debounce on a timer.
//
// While a round is running the request is dropped. Without Force, a
// request inside the cooldown after the previous round is rejected, and
// requests during a debounce coalesce into the pending round.
func (s *Scheduler) RequestSync(tenant string, opts Options) Decision {
	d := s.requestSync(tenant, opts)
	metrics.SyncRequestsTotal.WithLabelValues(string(d)).Inc()
	logging.Debug("Sync requested",
		map[string]interface{}{
			"tenant":    tenant,
			"decision":  string(d),
			"reason":    opts.Reason,
			"force":     opts.Force,
			"is_active": opts.IsActive,
		})
	return d
}

func (s *Scheduler) requestSync(tenant string, opts Options) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return DecisionStopped
	}
	if tenant == "" {
		return DecisionRejected
	}
	st := s.state(tenant)

	switch {
	case st.phase == phaseRunning:
		return DecisionRunning

	case opts.Force:
		s.cancelDebounce(st)
		s.beginRound(st)
		go s.runRound(tenant, opts.IsActive, opts.Reason)
		return DecisionForced

	case st.phase == phaseDebouncing:
		st.active = opts.IsActive
		st.reason = opts.Reason
		return DecisionCoalesced
	}

	if s.clock.Now().Before(st.cooldownUntil(s.config, opts.IsActive)) {
		return DecisionCooldown
	}

	st.phase = phaseDebouncing
	st.active = opts.IsActive
	st.reason = opts.Reason
	s.arm(tenant, st, s.config.debounce(opts.IsActive)+s.jitter())
	return DecisionScheduled
}

// arm schedules the debounce callback. Caller holds mu.
func (s *Scheduler) arm(tenant string, st *tenantState, d time.Duration) {
	st.gen++
	gen := st.gen
	st.timer = s.clock.AfterFunc(d, func() { s.debounceFired(tenant, gen) })
}

// cancelDebounce stops a pending debounce. Caller holds mu.
func (s *Scheduler) cancelDebounce(st *tenantState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.gen++
	if st.phase == phaseDebouncing {
		st.phase = phaseIdle
	}
}

// beginRound marks st running. Caller holds mu.
func (s *Scheduler) beginRound(st *tenantState) {
	st.phase = phaseRunning
	s.inflight++
}

// endRound releases a round taken by beginRound. Caller holds mu.
func (s *Scheduler) endRound() {
	s.inflight--
	if s.inflight == 0 {
		s.idle.Broadcast()
	}
}

// waitIdle blocks until no round is in flight. Caller holds mu.
func (s *Scheduler) waitIdle() {
	for s.inflight > 0 {
		s.idle.Wait()
	}
}

// debounceFired runs the coalesced round, unless the cooldown for the
// burst's latest mode has not expired yet, in which case it re-arms for
// the end of the cooldown.
func (s *Scheduler) debounceFired(tenant string, gen int) {
	s.mu.Lock()
	st := s.state(tenant)
	if st.gen != gen || st.phase != phaseDebouncing || s.stopped {
		s.mu.Unlock()
		return
	}
	st.timer = nil

	now := s.clock.Now()
	if until := st.cooldownUntil(s.config, st.active); now.Before(until) {
		s.arm(tenant, st, until.Sub(now))
		s.mu.Unlock()
		metrics.SyncRequestsTotal.WithLabelValues("deferred").Inc()
		logging.Debug("Debounced sync deferred until cooldown ends",
			map[string]interface{}{
				"tenant":      tenant,
				"wait_ms":     until.Sub(now).Milliseconds(),
				"is_active":   st.active,
				"last_reason": st.reason,
			})
		return
	}

	active, reason := st.active, st.reason
	s.beginRound(st)
	s.mu.Unlock()

	s.runRound(tenant, active, reason)
}

// runRound executes one engine round for a tenant already marked running.
func (s *Scheduler) runRound(tenant string, active bool, reason string) (*syncpkg.SyncResult, error) {
	ctx := context.Background()
	if s.config.RoundTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RoundTimeout)
		defer cancel()
	}

	result, err := s.engine.Sync(ctx, tenant)

	s.mu.Lock()
	st := s.state(tenant)
	st.phase = phaseIdle
	st.lastEnd = s.clock.Now()
	st.lastErr = err
	s.endRound()
	s.mu.Unlock()

	if err != nil {
		logging.ErrorWithCode("Scheduled sync failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{
				"tenant":    tenant,
				"reason":    reason,
				"is_active": active,
			})
		return result, err
	}
	logging.Debug("Scheduled sync finished",
		map[string]interface{}{
			"tenant":  tenant,
			"reason":  reason,
			"outcome": string(result.Outcome),
		})
	return result, nil
}

// SyncNow runs a round immediately and waits for it, bypassing debounce
// and cooldown. It fails if a round is already running for tenant.
func (s *Scheduler) SyncNow(ctx context.Context, tenant string, opts Options) (*syncpkg.SyncResult, error) {
	if err := s.claim(tenant); err != nil {
		return nil, err
	}
	return s.runClaimed(ctx, tenant, opts)
}

// ForceFullResync clears tenant's cursor and runs a full round.
func (s *Scheduler) ForceFullResync(ctx context.Context, tenant string) (*syncpkg.SyncResult, error) {
	if err := s.claim(tenant); err != nil {
		return nil, err
	}
	if err := s.engine.ResetCursor(ctx, tenant); err != nil {
		s.mu.Lock()
		s.state(tenant).phase = phaseIdle
		s.endRound()
		s.mu.Unlock()
		return nil, err
	}
	return s.runClaimed(ctx, tenant, Options{Force: true, Reason: "resync"})
}

// claim cancels any pending debounce and marks tenant running.
func (s *Scheduler) claim(tenant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return errors.New(errors.ErrSyncFailed, "scheduler is stopped")
	}
	if tenant == "" {
		return errors.New(errors.ErrValidation, "tenant is required")
	}
	st := s.state(tenant)
	if st.phase == phaseRunning {
		return errors.New(errors.ErrSyncInProgress, "sync already in progress")
	}
	s.cancelDebounce(st)
	s.beginRound(st)
	return nil
}

func (s *Scheduler) runClaimed(ctx context.Context, tenant string, opts Options) (*syncpkg.SyncResult, error) {
	done := make(chan struct{})
	var (
		result *syncpkg.SyncResult
		err    error
	)
	go func() {
		defer close(done)
		result, err = s.runRound(tenant, opts.IsActive, opts.Reason)
	}()

	select {
	case <-done:
		return result, err
	case <-ctx.Done():
		// The round keeps running; it cannot be cancelled mid-flight.
		return nil, ctx.Err()
	}
}

// Status reports tenant's cursor, outbox counts and scheduler state.
func (s *Scheduler) Status(ctx context.Context, tenant string) (*Status, error) {
	ts, err := s.engine.TenantStatus(ctx, tenant)
	if err != nil {
		return nil, err
	}
	status := &Status{
		Tenant:       tenant,
		LastSyncedAt: ts.LastSyncedAt,
		PendingCount: ts.PendingCount,
		FailedCount:  ts.FailedCount,
		InProgress:   ts.InProgress,
		LastError:    ts.LastError,
	}

	s.mu.Lock()
	if st, ok := s.tenants[tenant]; ok {
		status.InProgress = status.InProgress || st.phase == phaseRunning
		status.Debouncing = st.phase == phaseDebouncing
		if st.lastErr != nil {
			status.LastError = st.lastErr.Error()
		}
	}
	s.mu.Unlock()

	return status, nil
}

// Start begins issuing periodic idle requests for the configured tenants.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning || s.stopped {
		return
	}
	s.isRunning = true
	if s.config.PeriodicInterval > 0 {
		s.periodic = s.clock.AfterFunc(s.config.PeriodicInterval, s.periodicTick)
	}

	logging.Info("Background sync scheduler started",
		map[string]interface{}{
			"tenants":     s.config.Tenants,
			"interval_ms": s.config.PeriodicInterval.Milliseconds(),
		})
}

func (s *Scheduler) periodicTick() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.periodic = s.clock.AfterFunc(s.config.PeriodicInterval, s.periodicTick)
	tenants := append([]string(nil), s.config.Tenants...)
	s.mu.Unlock()

	for _, tenant := range tenants {
		s.RequestSync(tenant, Options{Reason: "periodic"})
	}
}

// Stop cancels timers, rejects further requests and waits for running
// rounds to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.isRunning = false
	if s.periodic != nil {
		s.periodic.Stop()
		s.periodic = nil
	}
	for _, st := range s.tenants {
		s.cancelDebounce(st)
	}
	s.waitIdle()
	s.mu.Unlock()

	logging.Info("Background sync scheduler stopped", nil)
}

// Wait blocks until no round is running. Rounds started while it waits
// extend the wait.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitIdle()
}

// IsRunning returns whether periodic scheduling is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// Phase returns the name of tenant's current phase.
func (s *Scheduler) Phase(tenant string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tenants[tenant]; ok {
		return st.phase.String()
	}
	return phaseIdle.String()
}
