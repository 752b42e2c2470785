// Package queue applies mutations to the remote backend when online and defers
// them to the pending-action log when offline.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/medstock/internal/connectivity"
	"github.com/MarcoPoloResearchLab/medstock/internal/inventory"
	"github.com/MarcoPoloResearchLab/medstock/internal/remote"
	"github.com/MarcoPoloResearchLab/medstock/internal/store"
	"go.uber.org/zap"
)

// Applied tells the caller whether a mutation is confirmed remotely or only accepted locally.
type Applied string

const (
	// AppliedImmediate means the remote backend confirmed the mutation.
	AppliedImmediate Applied = "immediate"
	// AppliedQueued means the mutation was recorded locally and will be replayed when online.
	AppliedQueued Applied = "queued"
)

const (
	opMutate = "queue.mutate"

	defaultSubmitTimeout = 15 * time.Second
)

var (
	// ErrUnsyncedReference indicates an online mutation that targets an entity created
	// offline whose create has not been reconciled yet.
	ErrUnsyncedReference = errors.New("queue: entity has not been synchronized yet")

	errMissingLog        = errors.New("queue: pending-action log is required")
	errMissingBackend    = errors.New("queue: remote backend is required")
	errMissingMonitor    = errors.New("queue: connectivity monitor is required")
	errMissingIDProvider = errors.New("queue: id provider is required")
)

// Log is the part of the local store the queue appends to.
type Log interface {
	AppendPending(ctx context.Context, actionID string, mutation inventory.Mutation) (store.PendingAction, error)
}

// Outcome describes how a mutation was handled. Record is set for immediate
// outcomes; ActionID is set for queued ones. EntityID is the id the caller should
// use for follow-up mutations, a local reference for creates made offline.
type Outcome struct {
	Applied  Applied
	Record   inventory.Record
	ActionID string
	EntityID string
}

// Config wires the write-behind queue.
type Config struct {
	Log           Log
	Backend       remote.Backend
	Monitor       connectivity.Monitor
	IDProvider    inventory.IDProvider
	SubmitTimeout time.Duration
	Logger        *zap.Logger
}

// WriteBehind routes mutations by connectivity.
type WriteBehind struct {
	log           Log
	backend       remote.Backend
	monitor       connectivity.Monitor
	idProvider    inventory.IDProvider
	submitTimeout time.Duration
	logger        *zap.Logger
}

// New validates the configuration and constructs a WriteBehind queue.
func New(cfg Config) (*WriteBehind, error) {
	if cfg.Log == nil {
		return nil, errMissingLog
	}
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	if cfg.Monitor == nil {
		return nil, errMissingMonitor
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = defaultSubmitTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WriteBehind{
		log:           cfg.Log,
		backend:       cfg.Backend,
		monitor:       cfg.Monitor,
		idProvider:    cfg.IDProvider,
		submitTimeout: submitTimeout,
		logger:        logger,
	}, nil
}

// Mutate applies the mutation remotely when online or queues it when offline.
// Online failures are returned untouched and never queued. Offline, no network
// call is made and a local store failure is returned as an error.
func (q *WriteBehind) Mutate(ctx context.Context, mutation inventory.Mutation) (Outcome, error) {
	if err := mutation.Validate(); err != nil {
		return Outcome{}, err
	}
	actionID, err := q.idProvider.NewID()
	if err != nil {
		q.logError("id_generation_failed", err)
		return Outcome{}, fmt.Errorf("queue: generate action id: %w", err)
	}

	if q.monitor.IsOnline(ctx) {
		return q.applyNow(ctx, actionID, mutation)
	}
	return q.enqueue(ctx, actionID, mutation)
}

func (q *WriteBehind) applyNow(ctx context.Context, token string, mutation inventory.Mutation) (Outcome, error) {
	if mutation.ReferencesLocal() {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnsyncedReference, mutation.EntityID)
	}
	submitCtx, cancel := context.WithTimeout(ctx, q.submitTimeout)
	defer cancel()

	record, err := q.backend.Submit(submitCtx, remote.Submission{Token: token, Mutation: mutation})
	if err != nil {
		q.logger.Info("remote mutation not applied",
			zap.String("operation", opMutate),
			zap.String("kind", string(mutation.Kind)),
			zap.String("entity_id", mutation.EntityID),
			zap.Bool("retryable", remote.IsRetryable(err)),
			zap.Error(err))
		return Outcome{}, err
	}
	return Outcome{Applied: AppliedImmediate, Record: record, EntityID: record.ID}, nil
}

func (q *WriteBehind) enqueue(ctx context.Context, actionID string, mutation inventory.Mutation) (Outcome, error) {
	if mutation.Kind == inventory.OperationCreate {
		mutation.EntityID = inventory.LocalRef(actionID)
	}
	action, err := q.log.AppendPending(ctx, actionID, mutation)
	if err != nil {
		q.logError("append_failed", err,
			zap.String("action_id", actionID),
			zap.String("kind", string(mutation.Kind)))
		return Outcome{}, err
	}
	return Outcome{Applied: AppliedQueued, ActionID: action.ActionID, EntityID: action.EntityID}, nil
}

func (q *WriteBehind) logError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", opMutate),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	q.logger.Error("write-behind queue error", attrs...)
}
