// Package reconcile drains the pending-action log against the remote backend.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/medstock/internal/connectivity"
	"github.com/MarcoPoloResearchLab/medstock/internal/inventory"
	"github.com/MarcoPoloResearchLab/medstock/internal/remote"
	"github.com/MarcoPoloResearchLab/medstock/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	opDrain = "reconcile.drain"

	drainKey             = "drain"
	defaultSubmitTimeout = 15 * time.Second

	reasonRetryBudgetExhausted = "retry budget exhausted"
	reasonUnsyncedReference    = "referenced entity was never created remotely"
)

var (
	errMissingStore   = errors.New("reconcile: local store is required")
	errMissingBackend = errors.New("reconcile: remote backend is required")
	errMissingMonitor = errors.New("reconcile: connectivity monitor is required")
)

// Store is the part of the local store the engine drives.
type Store interface {
	ResetInFlight(ctx context.Context) (int64, error)
	ListPending(ctx context.Context, filter store.Filter) ([]store.PendingAction, error)
	Action(ctx context.Context, actionID string) (store.PendingAction, error)
	MarkInFlight(ctx context.Context, actionID string) error
	RemoveCompleted(ctx context.Context, actionID string) error
	MarkFailed(ctx context.Context, actionID, reason string) error
	MarkRetry(ctx context.Context, actionID, reason string, nextAttemptAt time.Time) error
	RebindEntity(ctx context.Context, localRef, remoteID string) (int, error)
}

// Report summarizes one drain.
type Report struct {
	Skipped     bool  `json:"skipped"`
	Interrupted bool  `json:"interrupted"`
	Recovered   int64 `json:"recovered"`
	Attempted   int   `json:"attempted"`
	Succeeded   int   `json:"succeeded"`
	Retried     int   `json:"retried"`
	Failed      int   `json:"failed"`
	Deferred    int   `json:"deferred"`
}

// Config wires the reconciliation engine.
type Config struct {
	Store         Store
	Backend       remote.Backend
	Monitor       connectivity.Monitor
	Policy        RetryPolicy
	SubmitTimeout time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Engine replays pending actions in creation order, one stream at a time.
type Engine struct {
	store         Store
	backend       remote.Backend
	monitor       connectivity.Monitor
	policy        RetryPolicy
	submitTimeout time.Duration
	clock         func() time.Time
	logger        *zap.Logger
	drains        singleflight.Group

	sharedMu sync.Mutex
	shared   *sharedDrain
}

// sharedDrain is the context of a coalesced drain. It is cancelled once every
// caller waiting on the drain has gone.
type sharedDrain struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

type drainResult struct {
	report Report
	run    *sharedDrain
}

// NewEngine validates the configuration and constructs an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	if cfg.Monitor == nil {
		return nil, errMissingMonitor
	}
	policy := cfg.Policy
	if policy.Strategy == "" {
		policy = DefaultRetryPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = defaultSubmitTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:         cfg.Store,
		backend:       cfg.Backend,
		monitor:       cfg.Monitor,
		policy:        policy,
		submitTimeout: submitTimeout,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Drain replays pending actions once. Concurrent callers share a single drain and
// receive its report, so no action is submitted twice by overlapping triggers.
// A caller whose ctx is cancelled returns immediately; the shared drain stops
// between actions only when every waiting caller has been cancelled. An action
// already submitted is always settled.
func (e *Engine) Drain(ctx context.Context) (Report, error) {
	for {
		run := e.joinDrain(ctx)
		results := e.drains.DoChan(drainKey, func() (any, error) {
			report, err := e.drain(run.ctx)
			return drainResult{report: report, run: run}, err
		})
		select {
		case <-ctx.Done():
			e.leaveDrain(run)
			return Report{Interrupted: true}, ctx.Err()
		case result := <-results:
			e.leaveDrain(run)
			outcome, _ := result.Val.(drainResult)
			if outcome.run != run && errors.Is(result.Err, context.Canceled) {
				// Joined a drain abandoned by its callers; start a fresh one.
				continue
			}
			return outcome.report, result.Err
		}
	}
}

func (e *Engine) joinDrain(ctx context.Context) *sharedDrain {
	e.sharedMu.Lock()
	defer e.sharedMu.Unlock()
	if e.shared == nil {
		sharedCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		e.shared = &sharedDrain{ctx: sharedCtx, cancel: cancel}
	}
	e.shared.waiters++
	return e.shared
}

func (e *Engine) leaveDrain(run *sharedDrain) {
	e.sharedMu.Lock()
	defer e.sharedMu.Unlock()
	run.waiters--
	if run.waiters > 0 {
		return
	}
	run.cancel()
	if e.shared == run {
		e.shared = nil
	}
}

// Run drains on start, on every offline to online transition and on every tick of
// the safety-net interval until ctx is done. A non-positive interval disables the ticker.
func (e *Engine) Run(ctx context.Context, transitions <-chan connectivity.Transition, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	e.drainAndLog(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			return
		case transition, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if transition.Online {
				e.drainAndLog(ctx, "came_online")
			}
		case <-tick:
			e.drainAndLog(ctx, "interval")
		}
	}
}

func (e *Engine) drainAndLog(ctx context.Context, trigger string) {
	report, err := e.Drain(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logError("drain_failed", err, zap.String("trigger", trigger))
		}
		return
	}
	if report.Attempted > 0 || report.Recovered > 0 {
		e.logger.Info("pending actions reconciled",
			zap.String("trigger", trigger),
			zap.Int("attempted", report.Attempted),
			zap.Int("succeeded", report.Succeeded),
			zap.Int("retried", report.Retried),
			zap.Int("failed", report.Failed),
			zap.Int("deferred", report.Deferred),
			zap.Int64("recovered", report.Recovered))
	}
}

func (e *Engine) drain(ctx context.Context) (Report, error) {
	var report Report
	if !e.monitor.IsOnline(ctx) {
		report.Skipped = true
		return report, nil
	}

	recovered, err := e.store.ResetInFlight(ctx)
	if err != nil {
		return report, err
	}
	report.Recovered = recovered

	listed, err := e.store.ListPending(ctx, store.Filter{Statuses: []store.ActionStatus{store.StatusPending}})
	if err != nil {
		return report, err
	}

	startedAt := e.clock()
	blocked := make(map[string]struct{})
	for _, candidate := range listed {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !e.monitor.IsOnline(ctx) {
			report.Interrupted = true
			return report, nil
		}

		action, err := e.store.Action(ctx, candidate.ActionID)
		if errors.Is(err, store.ErrActionNotFound) {
			continue
		}
		if err != nil {
			return report, err
		}
		if action.Status != store.StatusPending {
			continue
		}
		if _, isBlocked := blocked[action.StreamKey]; isBlocked {
			report.Deferred++
			continue
		}
		if nextAttempt := action.NextAttemptAt(); nextAttempt.After(startedAt) {
			blocked[action.StreamKey] = struct{}{}
			report.Deferred++
			continue
		}
		if action.Operation != string(inventory.OperationCreate) && inventory.IsLocalRef(action.EntityID) {
			if err := e.store.MarkFailed(ctx, action.ActionID, reasonUnsyncedReference); err != nil {
				return report, err
			}
			report.Failed++
			continue
		}

		outcome, err := e.replay(ctx, action)
		if err != nil {
			return report, err
		}
		switch outcome {
		case outcomeSucceeded:
			report.Attempted++
			report.Succeeded++
		case outcomeRetried:
			report.Attempted++
			report.Retried++
			blocked[action.StreamKey] = struct{}{}
		case outcomeFailed:
			report.Attempted++
			report.Failed++
		}
	}
	return report, nil
}

type replayOutcome int

const (
	outcomeSkipped replayOutcome = iota
	outcomeSucceeded
	outcomeRetried
	outcomeFailed
)

// replay submits one action and settles its state. Once submitted, the action is
// settled with a context detached from the caller's cancellation.
func (e *Engine) replay(ctx context.Context, action store.PendingAction) (replayOutcome, error) {
	if err := e.store.MarkInFlight(ctx, action.ActionID); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrActionNotFound) {
			return outcomeSkipped, nil
		}
		return outcomeSkipped, err
	}

	settleCtx := context.WithoutCancel(ctx)
	submitCtx, cancel := context.WithTimeout(settleCtx, e.submitTimeout)
	record, submitErr := e.backend.Submit(submitCtx, remote.Submission{Token: action.ActionID, Mutation: action.Mutation()})
	cancel()

	if submitErr == nil {
		if action.Operation == string(inventory.OperationCreate) && inventory.IsLocalRef(action.EntityID) {
			if _, err := e.store.RebindEntity(settleCtx, action.EntityID, record.ID); err != nil {
				return outcomeSkipped, err
			}
		}
		if err := e.store.RemoveCompleted(settleCtx, action.ActionID); err != nil {
			return outcomeSkipped, err
		}
		return outcomeSucceeded, nil
	}

	if rejected, ok := remote.AsRejected(submitErr); ok {
		e.logger.Warn("pending action rejected",
			zap.String("operation", opDrain),
			zap.String("action_id", action.ActionID),
			zap.String("kind", action.Operation),
			zap.String("code", rejected.Code))
		if err := e.store.MarkFailed(settleCtx, action.ActionID, rejected.Reason()); err != nil {
			return outcomeSkipped, err
		}
		return outcomeFailed, nil
	}

	attempts := action.Attempts + 1
	if e.policy.Exhausted(attempts) {
		reason := fmt.Sprintf("%s: %v", reasonRetryBudgetExhausted, submitErr)
		if err := e.store.MarkFailed(settleCtx, action.ActionID, reason); err != nil {
			return outcomeSkipped, err
		}
		return outcomeFailed, nil
	}
	nextAttempt := e.clock().Add(e.policy.Delay(attempts))
	if err := e.store.MarkRetry(settleCtx, action.ActionID, submitErr.Error(), nextAttempt); err != nil {
		return outcomeSkipped, err
	}
	e.logger.Debug("pending action deferred",
		zap.String("operation", opDrain),
		zap.String("action_id", action.ActionID),
		zap.Int("attempts", attempts),
		zap.Time("next_attempt_at", nextAttempt),
		zap.Error(submitErr))
	return outcomeRetried, nil
}

func (e *Engine) logError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", opDrain),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	e.logger.Error("reconciliation error", attrs...)
}
