// Package sync orchestrates sync rounds between the local store and the
// remote store.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/novachat/backend/internal/clock"
	"github.com/kimhsiao/novachat/backend/internal/config"
	"github.com/kimhsiao/novachat/backend/internal/db"
	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
	"github.com/kimhsiao/novachat/backend/internal/logging"
	"github.com/kimhsiao/novachat/backend/internal/metrics"
	"github.com/kimhsiao/novachat/backend/internal/sync/apply"
	"github.com/kimhsiao/novachat/backend/internal/sync/conflict"
	"github.com/kimhsiao/novachat/backend/internal/sync/cursor"
	"github.com/kimhsiao/novachat/backend/internal/sync/outbox"
	"github.com/kimhsiao/novachat/backend/internal/sync/pull"
	"github.com/kimhsiao/novachat/backend/internal/sync/push"
	"github.com/kimhsiao/novachat/backend/internal/sync/remote"
	"github.com/kimhsiao/novachat/backend/internal/sync/retry"
)

// maxErrorHistory bounds GetErrorHistory.
const maxErrorHistory = 100

// SyncStatus represents the sync status of one tenant.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// Outcome summarizes how a round ended.
type Outcome string

const (
	// OutcomeOK means pull and push both completed and nothing was deferred.
	OutcomeOK Outcome = "ok"
	// OutcomePartial means the round ran but left work for the next one.
	OutcomePartial Outcome = "partial"
	// OutcomeSkipped means the remote rejected our credentials.
	OutcomeSkipped Outcome = "skipped_auth"
	// OutcomeAborted means the remote rejected a request as malformed.
	OutcomeAborted Outcome = "aborted"
	// OutcomeFailed means a local error or cancellation stopped the round.
	OutcomeFailed Outcome = "failed"
)

// SyncResult represents the result of one sync round.
type SyncResult struct {
	Tenant         string        `json:"tenant"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	Duration       time.Duration `json:"duration"`
	Full           bool          `json:"full"`
	Pull           *pull.Result  `json:"pull,omitempty"`
	Push           *push.Result  `json:"push,omitempty"`
	CursorAdvanced bool          `json:"cursor_advanced"`
	Outcome        Outcome       `json:"outcome"`
	Error          string        `json:"error,omitempty"`
}

// SyncEventType identifies a SyncEvent.
type SyncEventType string

const (
	SyncEventStarted   SyncEventType = "started"
	SyncEventCompleted SyncEventType = "completed"
	SyncEventFailed    SyncEventType = "failed"
	SyncEventSkipped   SyncEventType = "skipped"
	SyncEventReset     SyncEventType = "reset"
)

// SyncEvent is delivered to the registered SyncEventHandler.
type SyncEvent struct {
	Type      SyncEventType
	Tenant    string
	Message   string
	Result    *SyncResult
	Err       error
	Timestamp time.Time
}

// SyncEventHandler receives sync notifications. Handlers run on the
// syncing goroutine and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncErrorEntry is one entry of the engine's error history.
type SyncErrorEntry struct {
	Tenant    string              `json:"tenant"`
	Operation string              `json:"operation"`
	Code      apperrors.ErrorCode `json:"code"`
	Error     string              `json:"error"`
	Timestamp time.Time           `json:"timestamp"`
}

// TenantStatus is a snapshot of one tenant's sync state.
type TenantStatus struct {
	Tenant       string     `json:"tenant"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	PendingCount int        `json:"pending_count"`
	FailedCount  int        `json:"failed_count"`
	InProgress   bool       `json:"in_progress"`
	LastError    string     `json:"last_error,omitempty"`
	LastOutcome  Outcome    `json:"last_outcome,omitempty"`
}

type tenantState struct {
	status      SyncStatus
	lastErr     error
	lastOutcome Outcome
}

// Options customizes NewEngine.
type Options struct {
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Strategy defaults to last-writer-wins.
	Strategy conflict.ResolutionStrategy
	// Sleep replaces the backoff sleep of every remote retry.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine runs sync rounds for any number of tenants. Rounds for the same
// tenant never overlap.
type Engine struct {
	cursors *cursor.Store
	outbox  *outbox.Scanner
	applier *apply.Applier
	puller  *pull.Engine
	pusher  *push.Engine
	clock   clock.Clock

	mu      sync.RWMutex
	handler SyncEventHandler
	errors  []SyncErrorEntry
	tenants map[string]*tenantState
}

// NewEngine wires the pull and push engines over local and rs.
func NewEngine(local db.LocalStore, rs remote.Store, cfg config.SyncConfig, opts Options) *Engine {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = conflict.ResolutionStrategyLastWriteWins
	}

	policy := retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseBackoff,
		MaxDelay:    cfg.MaxBackoff,
		Sleep:       opts.Sleep,
	}
	resolver := conflict.NewResolver(strategy).WithClock(clk.Now)
	applier := apply.New(local, resolver)
	scanner := outbox.NewScanner(local, cfg.PushWindow, cfg.PushBatchSize, clk.Now)

	return &Engine{
		cursors: cursor.New(local),
		outbox:  scanner,
		applier: applier,
		puller: pull.New(rs, applier, pull.Config{
			PageSize:        cfg.PageSize,
			MessagePageSize: cfg.MessagePageSize,
			Retry:           policy,
		}),
		pusher: push.New(rs, local, scanner, applier, push.Config{
			ReferentialRetries: cfg.ReferentialRetries,
			ReferentialDelay:   cfg.ReferentialDelay,
			Retry:              policy,
		}),
		clock:   clk,
		tenants: make(map[string]*tenantState),
	}
}

// Applier returns the applier shared with realtime consumers, so that
// realtime events and pulled rows resolve conflicts the same way.
func (e *Engine) Applier() *apply.Applier {
	return e.applier
}

// Puller returns the engine's pull engine.
func (e *Engine) Puller() *pull.Engine {
	return e.puller
}

// Outbox returns the engine's outbox scanner.
func (e *Engine) Outbox() *outbox.Scanner {
	return e.outbox
}

// SetEventHandler sets the event handler for sync notifications.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

func (e *Engine) emitEvent(event SyncEvent) {
	e.mu.RLock()
	handler := e.handler
	e.mu.RUnlock()

	if handler == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.clock.Now()
	}
	handler.OnSyncEvent(event)
}

// Sync runs one round for tenant: pull everything newer than the cursor
// (or everything, without one), push the outbox, then move the cursor to
// the round's start time if the pull completed.
//
// Authentication failures skip the round and validation failures abort
// it; neither advances the cursor. Transient pull failures still let
// the push run. The returned result is never nil.
func (e *Engine) Sync(ctx context.Context, tenant string) (*SyncResult, error) {
	start := e.clock.Now()
	result := &SyncResult{Tenant: tenant, StartTime: start}

	if tenant == "" {
		result.Outcome = OutcomeAborted
		err := apperrors.New(apperrors.ErrValidation, "tenant is required")
		result.Error = err.Error()
		return result, err
	}
	if !e.begin(tenant) {
		result.Outcome = OutcomeSkipped
		err := apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
		result.Error = err.Error()
		return result, err
	}

	e.emitEvent(SyncEvent{Type: SyncEventStarted, Tenant: tenant, Timestamp: start})

	err := e.round(ctx, result)

	result.EndTime = e.clock.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	if err != nil {
		result.Error = err.Error()
	}
	e.finish(ctx, result, err)
	return result, err
}

func (e *Engine) round(ctx context.Context, res *SyncResult) error {
	tenant := res.Tenant

	cur, err := e.cursors.Get(ctx, tenant)
	if err != nil {
		res.Outcome = OutcomeFailed
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to read sync cursor", err)
	}
	res.Full = cur == nil

	pulled, pullErr := e.puller.Pull(ctx, tenant, cur)
	res.Pull = pulled
	if pullErr != nil {
		e.recordError(tenant, "pull", pullErr)
		switch {
		case ctx.Err() != nil:
			res.Outcome = OutcomeFailed
			return pullErr
		case apperrors.IsAuth(pullErr):
			res.Outcome = OutcomeSkipped
			return pullErr
		case apperrors.IsValidation(pullErr):
			res.Outcome = OutcomeAborted
			return pullErr
		}
		logging.Warn("Pull incomplete, pushing anyway",
			map[string]interface{}{
				"tenant": tenant,
				"code":   string(apperrors.CodeOf(pullErr)),
				"error":  pullErr.Error(),
			})
	}

	pushed, pushErr := e.pusher.Push(ctx, tenant)
	res.Push = pushed

	if pullErr == nil {
		if err := e.cursors.Put(ctx, tenant, res.StartTime); err != nil {
			res.Outcome = OutcomeFailed
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to write sync cursor", err)
		}
		res.CursorAdvanced = true
	}

	switch {
	case pushErr != nil:
		e.recordError(tenant, "push", pushErr)
		if apperrors.IsAuth(pushErr) {
			res.Outcome = OutcomeSkipped
		} else {
			res.Outcome = OutcomeFailed
		}
		return pushErr
	case pullErr != nil:
		res.Outcome = OutcomePartial
		return pullErr
	case pushed != nil && pushed.Deferred() > 0:
		e.recordError(tenant, "push", pushed.Err)
		res.Outcome = OutcomePartial
		return nil
	}
	res.Outcome = OutcomeOK
	return nil
}

// begin marks tenant as syncing. It reports false if a round is already running.
func (e *Engine) begin(tenant string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.tenants[tenant]
	if !ok {
		st = &tenantState{status: SyncStatusIdle}
		e.tenants[tenant] = st
	}
	if st.status == SyncStatusSyncing {
		return false
	}
	st.status = SyncStatusSyncing
	return true
}

func (e *Engine) finish(ctx context.Context, res *SyncResult, err error) {
	e.mu.Lock()
	st := e.tenants[res.Tenant]
	st.lastErr = err
	st.lastOutcome = res.Outcome
	if err != nil {
		st.status = SyncStatusFailed
	} else {
		st.status = SyncStatusIdle
	}
	e.mu.Unlock()

	metrics.SyncRoundsTotal.WithLabelValues(string(res.Outcome)).Inc()
	metrics.SyncRoundDuration.Observe(res.Duration.Seconds())
	if counts, cerr := e.outbox.Counts(context.WithoutCancel(ctx), res.Tenant); cerr == nil {
		metrics.OutboxPending.WithLabelValues(res.Tenant).Set(float64(counts.Pending()))
	}

	fields := map[string]interface{}{
		"tenant":          res.Tenant,
		"outcome":         string(res.Outcome),
		"full":            res.Full,
		"cursor_advanced": res.CursorAdvanced,
		"duration_ms":     res.Duration.Milliseconds(),
	}
	if res.Pull != nil {
		fields["pulled"] = res.Pull.Applied()
		fields["conflicts"] = res.Pull.Conflicts
	}
	if res.Push != nil {
		fields["pushed"] = res.Push.Conversations.Synced + res.Push.Messages.Synced
		fields["deferred"] = res.Push.Deferred()
	}

	switch res.Outcome {
	case OutcomeOK, OutcomePartial:
		logging.Info("Sync round completed", fields)
		e.emitEvent(SyncEvent{Type: SyncEventCompleted, Tenant: res.Tenant, Result: res, Err: err})
	case OutcomeSkipped:
		logging.Warn("Sync round skipped", fields)
		e.emitEvent(SyncEvent{Type: SyncEventSkipped, Tenant: res.Tenant, Result: res, Err: err})
	default:
		logging.ErrorWithCode("Sync round failed", string(apperrors.CodeOf(err)), err, fields)
		e.emitEvent(SyncEvent{Type: SyncEventFailed, Tenant: res.Tenant, Result: res, Err: err})
	}
}

// ResetCursor forgets tenant's cursor so that the next round pulls
// everything. Pending outbox rows are kept.
func (e *Engine) ResetCursor(ctx context.Context, tenant string) error {
	if err := e.cursors.Reset(ctx, tenant); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to reset sync cursor", err)
	}
	e.emitEvent(SyncEvent{Type: SyncEventReset, Tenant: tenant})
	logging.Info("Sync cursor reset", map[string]interface{}{"tenant": tenant})
	return nil
}

// TenantStatus reports tenant's cursor, outbox counts and last round.
func (e *Engine) TenantStatus(ctx context.Context, tenant string) (*TenantStatus, error) {
	st := &TenantStatus{Tenant: tenant}

	cur, err := e.cursors.Get(ctx, tenant)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read sync cursor", err)
	}
	if cur != nil {
		t := cur.LastSyncedTime()
		st.LastSyncedAt = &t
	}

	counts, err := e.outbox.Counts(ctx, tenant)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to count outbox", err)
	}
	st.PendingCount = counts.Pending()
	st.FailedCount = counts.Failed()

	e.mu.RLock()
	if ts, ok := e.tenants[tenant]; ok {
		st.InProgress = ts.status == SyncStatusSyncing
		st.LastOutcome = ts.lastOutcome
		if ts.lastErr != nil {
			st.LastError = ts.lastErr.Error()
		}
	}
	e.mu.RUnlock()

	return st, nil
}

// Status returns tenant's current sync status.
func (e *Engine) Status(tenant string) SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st, ok := e.tenants[tenant]; ok {
		return st.status
	}
	return SyncStatusIdle
}

// RetryFailed moves tenant's failed outbox rows back to pending.
func (e *Engine) RetryFailed(ctx context.Context, tenant string) (int64, error) {
	return e.outbox.RetryFailed(ctx, tenant)
}

func (e *Engine) recordError(tenant, op string, err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.errors = append(e.errors, SyncErrorEntry{
		Tenant:    tenant,
		Operation: op,
		Code:      apperrors.CodeOf(err),
		Error:     err.Error(),
		Timestamp: e.clock.Now(),
	})
	if len(e.errors) > maxErrorHistory {
		e.errors = e.errors[len(e.errors)-maxErrorHistory:]
	}
}

// GetErrorHistory returns a copy of the recorded errors, oldest first.
func (e *Engine) GetErrorHistory() []SyncErrorEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]SyncErrorEntry, len(e.errors))
	copy(out, e.errors)
	return out
}

// ClearErrorHistory drops all recorded errors.
func (e *Engine) ClearErrorHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = nil
}
