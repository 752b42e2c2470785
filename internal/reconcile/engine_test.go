package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/medstock/internal/connectivity"
	"github.com/MarcoPoloResearchLab/medstock/internal/inventory"
	"github.com/MarcoPoloResearchLab/medstock/internal/queue"
	"github.com/MarcoPoloResearchLab/medstock/internal/remote"
	"github.com/MarcoPoloResearchLab/medstock/internal/remote/remotetest"
	"github.com/MarcoPoloResearchLab/medstock/internal/store"
	"github.com/MarcoPoloResearchLab/medstock/internal/store/storetest"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type manualClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *manualClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(step)
}

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

type engineFixture struct {
	engine  *Engine
	queue   *queue.WriteBehind
	store   *store.Store
	backend *remotetest.Backend
	monitor *connectivity.Switch
	clock   *manualClock
}

func newEngineFixture(testContext *testing.T, policy RetryPolicy) engineFixture {
	testContext.Helper()
	localStore, _ := storetest.Open(testContext)
	backend := remotetest.NewBackend()
	backend.Seed(inventory.CollectionProducts,
		`{"id":"p1","code":"GZ","name":"Gauze","unit":"pack"}`,
		`{"id":"p2","code":"SY","name":"Syringe","unit":"unit"}`,
	)
	backend.Seed(inventory.CollectionInventory,
		`{"id":"s1","product_id":"p1","location_id":"pharmacy","batch":"B-1","quantity":"3"}`,
	)
	monitor := connectivity.NewSwitch(nil)
	clock := &manualClock{current: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}

	writeBehind, err := queue.New(queue.Config{Log: localStore, Backend: backend, Monitor: monitor, IDProvider: &sequenceIDs{}})
	if err != nil {
		testContext.Fatalf("failed to build queue: %v", err)
	}
	engine, err := NewEngine(Config{Store: localStore, Backend: backend, Monitor: monitor, Policy: policy, Clock: clock.Now, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build engine: %v", err)
	}
	return engineFixture{engine: engine, queue: writeBehind, store: localStore, backend: backend, monitor: monitor, clock: clock}
}

func (f engineFixture) enqueue(testContext *testing.T) func(inventory.Mutation, error) queue.Outcome {
	return func(mutation inventory.Mutation, err error) queue.Outcome {
		testContext.Helper()
		if err != nil {
			testContext.Fatalf("failed to build mutation: %v", err)
		}
		outcome, err := f.queue.Mutate(context.Background(), mutation)
		if err != nil {
			testContext.Fatalf("failed to queue mutation: %v", err)
		}
		if outcome.Applied != queue.AppliedQueued {
			testContext.Fatalf("expected queued outcome, got %+v", outcome)
		}
		return outcome
	}
}

func exit(productID string, quantity int64) (inventory.Mutation, error) {
	return inventory.NewStockExit(inventory.StockExit{
		ProductID:  productID,
		LocationID: "pharmacy",
		Batch:      "B-1",
		Quantity:   decimal.NewFromInt(quantity),
		Reason:     "ward dispatch",
	})
}

func entry(productID string, quantity int64) (inventory.Mutation, error) {
	return inventory.NewStockEntry(inventory.StockEntry{
		ProductID:  productID,
		LocationID: "pharmacy",
		Batch:      "B-1",
		Quantity:   decimal.NewFromInt(quantity),
		UnitCost:   decimal.RequireFromString("0.50"),
		Reason:     "purchase",
	})
}

func rename(productID, name string) (inventory.Mutation, error) {
	return inventory.NewProductUpdate(inventory.ProductPatch{ID: productID, Name: &name})
}

func changeUnit(productID, unit string) (inventory.Mutation, error) {
	return inventory.NewProductUpdate(inventory.ProductPatch{ID: productID, Unit: &unit})
}

func findRecord(records []inventory.Record, id string) (inventory.Record, bool) {
	for _, record := range records {
		if record.ID == id {
			return record, true
		}
	}
	return inventory.Record{}, false
}

func TestDrainSkipsWhileOffline(testContext *testing.T) {
	fixture := newEngineFixture(testContext, DefaultRetryPolicy())
	fixture.monitor.SetOnline(false)
	fixture.enqueue(testContext)(entry("p1", 1))

	report, err := fixture.engine.Drain(context.Background())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if !report.Skipped || fixture.backend.Calls() != 0 {
		testContext.Fatalf("expected skipped drain without remote calls, got %+v", report)
	}
}

func TestDrainReplaysUpdatesInCreationOrder(testContext *testing.T) {
	fixture := newEngineFixture(testContext, DefaultRetryPolicy())
	fixture.monitor.SetOnline(false)
	fixture.enqueue(testContext)(rename("p1", "Sterile gauze"))
	fixture.enqueue(testContext)(changeUnit("p1", "box"))
	fixture.monitor.SetOnline(true)

	report, err := fixture.engine.Drain(context.Background())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if report.Succeeded != 2 {
		testContext.Fatalf("expected two successes, got %+v", report)
	}
	submissions := fixture.backend.Submissions()
	if len(submissions) != 2 || submissions[0].Token != "action-001" || submissions[1].Token != "action-002" {
		testContext.Fatalf("expected creation order, got %+v", submissions)
	}
	product, ok := findRecord(fixture.backend.Records(inventory.CollectionProducts), "p1")
	if !ok || product.Name != "Sterile gauze" || product.Unit != "box" {
		testContext.Fatalf("expected both updates applied, got %+v", product)
	}
}

func TestRejectionFailsActionWithoutBlockingOthers(testContext *testing.T) {
	fixture := newEngineFixture(testContext, DefaultRetryPolicy())
	fixture.monitor.SetOnline(false)
	rejectedExit := fixture.enqueue(testContext)(exit("p1", 5))
	fixture.enqueue(testContext)(entry("p2", 4))
	fixture.monitor.SetOnline(true)

	report, err := fixture.engine.Drain(context.Background())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if report.Failed != 1 || report.Succeeded != 1 {
		testContext.Fatalf("unexpected report %+v", report)
	}

	failed, err := fixture.store.Action(context.Background(), rejectedExit.ActionID)
	if err != nil {
		testContext.Fatalf("expected failed action to stay visible: %v", err)
	}
	if failed.Status != store.StatusFailed || !strings.HasPrefix(failed.LastError, "insufficient_stock") {
		testContext.Fatalf("unexpected failed action %+v", failed)
	}
	row, ok := findRecord(fixture.backend.Records(inventory.CollectionInventory), "s1")
	if !ok || !row.Quantity.Equal(decimal.NewFromInt(3)) {
		testContext.Fatalf("expected inventory unchanged, got %+v", row)
	}

	again, err := fixture.engine.Drain(context.Background())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if again.Attempted != 0 {
		testContext.Fatalf("expected failed actions never to be retried automatically, got %+v", again)
	}
}

func TestTransientFailureBlocksOnlyItsStream(testContext *testing.T) {
	fixture := newEngineFixture(testContext, DefaultRetryPolicy())
	fixture.monitor.SetOnline(false)
	first := fixture.enqueue(testContext)(entry("p1", 1))
	second := fixture.enqueue(testContext)(entry("p1", 2))
	other := fixture.enqueue(testContext)(entry("p2", 3))
	fixture.monitor.SetOnline(true)
	fixture.backend.FailNextSubmits(&remote.TransientError{Err: context.DeadlineExceeded})

	report, err := fixture.engine.Drain(context.Background())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if report.Retried != 1 || report.Deferred != 1 || report.Succeeded != 1 {
		testContext.Fatalf("unexpected report %+v", report)
	}
	submissions := fixture.backend.Submissions()
	if len(submissions) != 2 || submissions[0].Token != first.ActionID || submissions[1].Token != other.ActionID {
		testContext.Fatalf("expected blocked stream to stop after the failure, got %+v", submissions)
	}

	retried, err := fixture.store.Action(context.Background(), first.ActionID)
	if err != nil {
		testContext.Fatalf("failed to load retried action: %v", err)
	}
	if retried.Status != store.StatusPending || retried.Attempts != 1 || !retried.NextAttemptAt().Equal(fixture.clock.Now().Add(2*time.Second)) {
		testContext.Fatalf("unexpected retried action %+v", retried)
	}

	early, err := fixture.engine.Drain(context.Background())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if early.Attempted != 0 || early.Deferred != 2 {
		testContext.Fatalf("expected backoff to defer the stream, got %+v", early)
	}

	fixture.clock.Advance(3 * time.Second)
	late, err := fixture.engine.Drain(context.Background())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if late.Succeeded != 2 {
		testContext.Fatalf("expected stream to drain after backoff, got %+v", late)
	}
	submissions = fixture.backend.Submissions()
	if submissions[len(submissions)-2].Token != first.ActionID || submissions[len(submissions)-1].Token != second.ActionID {
		testContext.Fatalf("expected stream order to be kept, got %+v", submissions)
	}
}

func TestRetryBudgetExhaustionFailsAction(testContext *testing.T) {
	fixture := newEngineFixture(testContext, RetryPolicy{Strategy: StrategyFixed, Initial: time.Second, MaxAttempts: 1})
	fixture.monitor.SetOnline(false)
	queued := fixture.enqueue(testContext)(entry("p1", 1))
	fixture.monitor.SetOnline(true)
	fixture.backend.FailNextSubmits(&remote.TransientError{Err: errors.New("bad gateway"), Status: 502})

	report, err := fixture.engine.Drain(context.Background())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if report.Failed != 1 {
		testContext.Fatalf("unexpected report %+v", report)
	}
	action, err := fixture.store.Action(context.Background(), queued.ActionID)
	if err != nil {
		testContext.Fatalf("failed to load action: %v", err)
	}
	if action.Status != store.StatusFailed || !strings.HasPrefix(action.LastError, reasonRetryBudgetExhausted) {
		testContext.Fatalf("unexpected action %+v", action)
	}
}

func TestReplayAfterCrashDoesNotDuplicate(testContext *testing.T) {
	fixture := newEngineFixture(testContext, DefaultRetryPolicy())
	fixture.monitor.SetOnline(false)
	created := fixture.enqueue(testContext)(inventory.NewProductCreation(inventory.ProductDraft{Code: "SAL", Name: "Saline", Unit: "bag"}))
	fixture.monitor.SetOnline(true)
	ctx := context.Background()

	action, err := fixture.store.Action(ctx, created.ActionID)
	if err != nil {
		testContext.Fatalf("failed to load action: %v", err)
	}
	if err := fixture.store.MarkInFlight(ctx, created.ActionID); err != nil {
		testContext.Fatalf("failed to mark in flight: %v", err)
	}
	if _, err := fixture.backend.Submit(ctx, remote.Submission{Token: action.ActionID, Mutation: action.Mutation()}); err != nil {
		testContext.Fatalf("failed to simulate first delivery: %v", err)
	}

	report, err := fixture.engine.Drain(ctx)
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if report.Recovered != 1 || report.Succeeded != 1 {
		testContext.Fatalf("unexpected report %+v", report)
	}
	saline := 0
	for _, product := range fixture.backend.Records(inventory.CollectionProducts) {
		if product.Code == "SAL" {
			saline++
		}
	}
	if saline != 1 {
		testContext.Fatalf("expected exactly one remote record, got %d", saline)
	}
}

func TestCreateRebindsDependentActions(testContext *testing.T) {
	fixture := newEngineFixture(testContext, DefaultRetryPolicy())
	fixture.monitor.SetOnline(false)
	created := fixture.enqueue(testContext)(inventory.NewProductCreation(inventory.ProductDraft{Code: "IBU", Name: "Ibuprofen", Unit: "box"}))
	fixture.enqueue(testContext)(rename(created.EntityID, "Ibuprofen 400mg"))
	fixture.enqueue(testContext)(entry(created.EntityID, 12))
	fixture.monitor.SetOnline(true)

	report, err := fixture.engine.Drain(context.Background())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if report.Succeeded != 3 {
		testContext.Fatalf("unexpected report %+v", report)
	}

	var remoteID string
	for _, product := range fixture.backend.Records(inventory.CollectionProducts) {
		if product.Code == "IBU" {
			remoteID = product.ID
			if product.Name != "Ibuprofen 400mg" {
				testContext.Fatalf("expected rename to reach the created product, got %+v", product)
			}
		}
	}
	if remoteID == "" || inventory.IsLocalRef(remoteID) {
		testContext.Fatalf("expected remote-assigned id, got %q", remoteID)
	}
	stocked := false
	for _, row := range fixture.backend.Records(inventory.CollectionInventory) {
		if row.ProductID == remoteID && row.Quantity.Equal(decimal.NewFromInt(12)) {
			stocked = true
		}
	}
	if !stocked {
		testContext.Fatalf("expected stock entry against the remote id")
	}
}

func TestFailedCreateFailsDependents(testContext *testing.T) {
	fixture := newEngineFixture(testContext, DefaultRetryPolicy())
	fixture.monitor.SetOnline(false)
	created := fixture.enqueue(testContext)(inventory.NewProductCreation(inventory.ProductDraft{Code: "GZ", Name: "Duplicate gauze", Unit: "pack"}))
	dependent := fixture.enqueue(testContext)(entry(created.EntityID, 1))
	fixture.monitor.SetOnline(true)

	report, err := fixture.engine.Drain(context.Background())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if report.Failed != 2 || report.Attempted != 1 {
		testContext.Fatalf("unexpected report %+v", report)
	}
	action, err := fixture.store.Action(context.Background(), dependent.ActionID)
	if err != nil {
		testContext.Fatalf("failed to load dependent: %v", err)
	}
	if action.Status != store.StatusFailed || action.LastError != reasonUnsyncedReference {
		testContext.Fatalf("unexpected dependent %+v", action)
	}
}

func TestConcurrentDrainsAreCoalesced(testContext *testing.T) {
	fixture := newEngineFixture(testContext, DefaultRetryPolicy())
	fixture.monitor.SetOnline(false)
	for index := 0; index < 3; index++ {
		fixture.enqueue(testContext)(entry(fmt.Sprintf("p%d", index%2+1), int64(index+1)))
	}
	fixture.monitor.SetOnline(true)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fixture.backend.OnSubmit(func(remote.Submission) {
		once.Do(func() {
			close(entered)
			<-release
		})
	})

	var waitGroup sync.WaitGroup
	reports := make([]Report, 3)
	for index := range reports {
		waitGroup.Add(1)
		go func(slot int) {
			defer waitGroup.Done()
			if slot > 0 {
				<-entered
			}
			report, err := fixture.engine.Drain(context.Background())
			if err != nil {
				testContext.Errorf("unexpected error: %v", err)
			}
			reports[slot] = report
		}(index)
	}
	<-entered
	time.Sleep(50 * time.Millisecond)
	close(release)
	waitGroup.Wait()

	submissions := fixture.backend.Submissions()
	seen := make(map[string]int)
	for _, submission := range submissions {
		seen[submission.Token]++
	}
	for token, count := range seen {
		if count != 1 {
			testContext.Fatalf("expected %s to be submitted once, got %d", token, count)
		}
	}
	if len(seen) != 3 {
		testContext.Fatalf("expected three submitted actions, got %d", len(seen))
	}
}

func TestCancelledCallerDoesNotStopSharedDrain(testContext *testing.T) {
	fixture := newEngineFixture(testContext, DefaultRetryPolicy())
	fixture.monitor.SetOnline(false)
	for index := 0; index < 3; index++ {
		fixture.enqueue(testContext)(entry(fmt.Sprintf("p%d", index+1), int64(index+1)))
	}
	fixture.monitor.SetOnline(true)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fixture.backend.OnSubmit(func(remote.Submission) {
		once.Do(func() {
			close(entered)
			<-release
		})
	})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	firstDone := make(chan error, 1)
	go func() {
		_, err := fixture.engine.Drain(firstCtx)
		firstDone <- err
	}()
	<-entered

	secondDone := make(chan Report, 1)
	go func() {
		report, err := fixture.engine.Drain(context.Background())
		if err != nil {
			testContext.Errorf("unexpected error for the remaining caller: %v", err)
		}
		secondDone <- report
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstDone:
		if !errors.Is(err, context.Canceled) {
			testContext.Fatalf("expected the cancelled caller to see context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		testContext.Fatalf("cancelled caller did not return")
	}
	close(release)

	select {
	case report := <-secondDone:
		if report.Succeeded != 3 {
			testContext.Fatalf("expected the shared drain to finish all actions, got %+v", report)
		}
	case <-time.After(2 * time.Second):
		testContext.Fatalf("remaining caller did not receive the drain report")
	}
	counts, err := fixture.store.Counts(context.Background())
	if err != nil {
		testContext.Fatalf("failed to count: %v", err)
	}
	if counts.Pending != 0 || counts.InFlight != 0 {
		testContext.Fatalf("expected an empty log, got %+v", counts)
	}
}

func TestDrainStopsWhenConnectivityDrops(testContext *testing.T) {
	fixture := newEngineFixture(testContext, DefaultRetryPolicy())
	fixture.monitor.SetOnline(false)
	fixture.enqueue(testContext)(entry("p1", 1))
	fixture.enqueue(testContext)(entry("p2", 1))
	fixture.monitor.SetOnline(true)
	fixture.backend.OnSubmit(func(remote.Submission) {
		fixture.monitor.SetOnline(false)
	})

	report, err := fixture.engine.Drain(context.Background())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if !report.Interrupted || report.Attempted != 1 {
		testContext.Fatalf("expected drain to stop after going offline, got %+v", report)
	}
	counts, err := fixture.store.Counts(context.Background())
	if err != nil {
		testContext.Fatalf("failed to count: %v", err)
	}
	if counts.Pending != 1 || counts.InFlight != 0 {
		testContext.Fatalf("unexpected counts %+v", counts)
	}
}

func TestRunDrainsWhenConnectivityReturns(testContext *testing.T) {
	fixture := newEngineFixture(testContext, DefaultRetryPolicy())
	dispatcher := connectivity.NewDispatcher()
	monitor := connectivity.NewSwitch(dispatcher)
	monitor.SetOnline(false)
	localStore, _ := storetest.Open(testContext)
	writeBehind, err := queue.New(queue.Config{Log: localStore, Backend: fixture.backend, Monitor: monitor, IDProvider: &sequenceIDs{}})
	if err != nil {
		testContext.Fatalf("failed to build queue: %v", err)
	}
	engine, err := NewEngine(Config{Store: localStore, Backend: fixture.backend, Monitor: monitor})
	if err != nil {
		testContext.Fatalf("failed to build engine: %v", err)
	}
	mutation, err := entry("p1", 6)
	if err != nil {
		testContext.Fatalf("failed to build mutation: %v", err)
	}
	if _, err := writeBehind.Mutate(context.Background(), mutation); err != nil {
		testContext.Fatalf("failed to queue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transitions, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()
	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Run(ctx, transitions, 0)
	}()

	monitor.SetOnline(true)
	deadline := time.Now().Add(2 * time.Second)
	for {
		counts, err := localStore.Counts(context.Background())
		if err != nil {
			testContext.Fatalf("failed to count: %v", err)
		}
		if counts.Pending == 0 && counts.InFlight == 0 {
			break
		}
		if time.Now().After(deadline) {
			testContext.Fatalf("expected queue to drain after reconnect, got %+v", counts)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}
