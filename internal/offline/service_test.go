package offline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/medstock/internal/cache"
	"github.com/MarcoPoloResearchLab/medstock/internal/connectivity"
	"github.com/MarcoPoloResearchLab/medstock/internal/inventory"
	"github.com/MarcoPoloResearchLab/medstock/internal/queue"
	"github.com/MarcoPoloResearchLab/medstock/internal/remote/remotetest"
	"github.com/MarcoPoloResearchLab/medstock/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("action-%03d", s.next), nil
}

func buildLayer(testContext *testing.T) (*Layer, *remotetest.Backend, *connectivity.Switch) {
	testContext.Helper()
	return buildLayerWithLogger(testContext, zap.NewNop())
}

func buildLayerWithLogger(testContext *testing.T, logger *zap.Logger) (*Layer, *remotetest.Backend, *connectivity.Switch) {
	testContext.Helper()
	backend := remotetest.NewBackend()
	backend.Seed(inventory.CollectionProducts,
		`{"id":"p1","code":"GZ","name":"Gauze","unit":"pack","min_stock":"10"}`,
		`{"id":"p2","code":"OLD","name":"Retired","unit":"box","deleted":true}`,
	)
	backend.Seed(inventory.CollectionInventory,
		`{"id":"s1","product_id":"p1","location_id":"pharmacy","batch":"B-1","quantity":"3"}`,
	)
	backend.Seed(inventory.CollectionLocations, `{"id":"pharmacy","code":"PH","name":"Pharmacy"}`)
	monitor := connectivity.NewSwitch(nil)
	layer, err := Build(Options{
		StorePath:  filepath.Join(testContext.TempDir(), "layer.db"),
		Backend:    backend,
		Monitor:    monitor,
		IDProvider: &sequenceIDs{},
		Logger:     logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build layer: %v", err)
	}
	testContext.Cleanup(func() {
		_ = layer.Close()
	})
	return layer, backend, monitor
}

func TestProductsHidesSoftDeleted(testContext *testing.T) {
	layer, _, _ := buildLayer(testContext)
	listing, err := layer.Service.Products(context.Background())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if len(listing.Items) != 1 || listing.Items[0].ID != "p1" || listing.Source != cache.SourceRemote {
		testContext.Fatalf("unexpected listing %+v", listing)
	}
	if !listing.Items[0].MinStock.Equal(decimal.NewFromInt(10)) {
		testContext.Fatalf("expected min stock, got %s", listing.Items[0].MinStock)
	}
}

func TestOfflineReadsServeLastSnapshot(testContext *testing.T) {
	layer, backend, monitor := buildLayer(testContext)
	ctx := context.Background()
	if _, err := layer.Service.InventoryRows(ctx); err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	monitor.SetOnline(false)
	before := backend.Calls()

	rows, err := layer.Service.InventoryRows(ctx)
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if rows.Source != cache.SourceCache || len(rows.Items) != 1 || !rows.Items[0].Quantity.Equal(decimal.NewFromInt(3)) {
		testContext.Fatalf("unexpected offline rows %+v", rows)
	}
	locations, err := layer.Service.Locations(ctx)
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if len(locations.Items) != 0 {
		testContext.Fatalf("expected never-cached collection to be empty offline, got %+v", locations)
	}
	if backend.Calls() != before {
		testContext.Fatalf("expected no remote calls offline")
	}
}

func TestStatusReflectsConnectivityAndQueue(testContext *testing.T) {
	layer, _, monitor := buildLayer(testContext)
	ctx := context.Background()
	if _, err := layer.Service.Products(ctx); err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	monitor.SetOnline(false)
	outcome, err := layer.Service.RegisterExit(ctx, inventory.StockExit{
		ProductID: "p1", LocationID: "pharmacy", Batch: "B-1", Quantity: decimal.NewFromInt(1), Reason: "dispatch",
	})
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if outcome.Applied != queue.AppliedQueued {
		testContext.Fatalf("expected queued outcome, got %+v", outcome)
	}

	status, err := layer.Service.Status(ctx)
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if status.Online || status.LiveQueriesAvailable {
		testContext.Fatalf("expected offline status, got %+v", status)
	}
	if status.Actions.Pending != 1 {
		testContext.Fatalf("expected one pending action, got %+v", status.Actions)
	}
	if len(status.Collections) != 1 || status.Collections[0].Collection != inventory.CollectionProducts || status.Collections[0].RecordCount != 2 {
		testContext.Fatalf("unexpected collection status %+v", status.Collections)
	}
}

func TestRetryFailedRequeuesAndDrains(testContext *testing.T) {
	layer, backend, monitor := buildLayer(testContext)
	ctx := context.Background()
	monitor.SetOnline(false)
	outcome, err := layer.Service.RegisterExit(ctx, inventory.StockExit{
		ProductID: "p1", LocationID: "pharmacy", Batch: "B-1", Quantity: decimal.NewFromInt(5), Reason: "dispatch",
	})
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	monitor.SetOnline(true)

	report, err := layer.Service.SyncNow(ctx)
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if report.Failed != 1 {
		testContext.Fatalf("expected rejection, got %+v", report)
	}
	failed, err := layer.Service.FailedActions(ctx)
	if err != nil || len(failed) != 1 || failed[0].ActionID != outcome.ActionID {
		testContext.Fatalf("expected failed action to be listed, got %+v (%v)", failed, err)
	}

	if _, err := layer.Service.RegisterEntry(ctx, inventory.StockEntry{
		ProductID: "p1", LocationID: "pharmacy", Batch: "B-1", Quantity: decimal.NewFromInt(10), UnitCost: decimal.NewFromInt(1), Reason: "purchase",
	}); err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	report, err = layer.Service.RetryFailed(ctx, outcome.ActionID)
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if report.Succeeded != 1 {
		testContext.Fatalf("expected retried exit to succeed after restock, got %+v", report)
	}
	rows := backend.Records(inventory.CollectionInventory)
	if len(rows) != 1 || !rows[0].Quantity.Equal(decimal.NewFromInt(8)) {
		testContext.Fatalf("expected 3+10-5 in stock, got %+v", rows)
	}
}

func TestDiscardFailedOnlyAcceptsFailedActions(testContext *testing.T) {
	layer, _, monitor := buildLayer(testContext)
	ctx := context.Background()
	monitor.SetOnline(false)
	outcome, err := layer.Service.RegisterExit(ctx, inventory.StockExit{
		ProductID: "p1", LocationID: "pharmacy", Batch: "B-1", Quantity: decimal.NewFromInt(1), Reason: "dispatch",
	})
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if err := layer.Service.DiscardFailed(ctx, outcome.ActionID); !errors.Is(err, store.ErrInvalidTransition) {
		testContext.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	pending, err := layer.Service.PendingActions(ctx)
	if err != nil || len(pending) != 1 {
		testContext.Fatalf("expected pending action to remain, got %+v (%v)", pending, err)
	}
}

func TestRetryAndDiscardAreLogged(testContext *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	layer, _, monitor := buildLayerWithLogger(testContext, zap.New(core))
	ctx := context.Background()
	monitor.SetOnline(false)
	var actionIDs []string
	for _, quantity := range []int64{50, 60} {
		outcome, err := layer.Service.RegisterExit(ctx, inventory.StockExit{
			ProductID: "p1", LocationID: "pharmacy", Batch: "B-1", Quantity: decimal.NewFromInt(quantity), Reason: "dispatch",
		})
		if err != nil {
			testContext.Fatalf("unexpected error: %v", err)
		}
		actionIDs = append(actionIDs, outcome.ActionID)
	}
	monitor.SetOnline(true)
	if report, err := layer.Service.SyncNow(ctx); err != nil || report.Failed != 2 {
		testContext.Fatalf("expected both exits to be rejected, got %+v (%v)", report, err)
	}

	if _, err := layer.Service.RetryFailed(ctx, actionIDs[0]); err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if err := layer.Service.DiscardFailed(ctx, actionIDs[1]); err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}

	requeued := logs.FilterMessage("failed action requeued").All()
	if len(requeued) != 1 || requeued[0].ContextMap()["action_id"] != actionIDs[0] {
		testContext.Fatalf("expected requeue to be logged for %s, got %+v", actionIDs[0], requeued)
	}
	discarded := logs.FilterMessage("failed action discarded").All()
	if len(discarded) != 1 || discarded[0].ContextMap()["action_id"] != actionIDs[1] {
		testContext.Fatalf("expected discard to be logged for %s, got %+v", actionIDs[1], discarded)
	}
}

func TestInvalidDraftIsRejectedBeforeRouting(testContext *testing.T) {
	layer, backend, _ := buildLayer(testContext)
	if _, err := layer.Service.CreateProduct(context.Background(), inventory.ProductDraft{Name: "No code"}); !errors.Is(err, inventory.ErrInvalidPayload) {
		testContext.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if backend.Calls() != 0 {
		testContext.Fatalf("expected no remote call")
	}
}
