package vm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/qube-ai/rule-vm/action"
	"github.com/qube-ai/rule-vm/rule"
	"github.com/qube-ai/rule-vm/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopDeviceWriter struct{}

func (nopDeviceWriter) UpdateRelayState(context.Context, string, int, int) error { return nil }

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		SnapshotPath: filepath.Join(t.TempDir(), "future_task_list.gob"),
		Logger:       testLogger(),
	}
}

// newTestStore starts an embedded NATS server with JetStream and returns a
// Store backed by it.
func newTestStore(t *testing.T) *storage.Store {
	t.Helper()

	opts := &server.Options{
		Port:      -1, // Random available port
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("create embedded NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server failed to start")
	}
	t.Cleanup(ns.Shutdown)

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("connect to embedded NATS: %v", err)
	}
	t.Cleanup(conn.Close)

	js, err := jetstream.New(conn)
	if err != nil {
		t.Fatalf("create JetStream context: %v", err)
	}

	store, err := storage.NewStore(context.Background(), js, storage.Options{})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func registrySize(v *VM) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.registry)
}

func awaitingIDs(v *VM) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	ids := make([]string, len(v.awaiting))
	for i, r := range v.awaiting {
		ids[i] = r.ID
	}
	return ids
}

func relayRuleDoc() *storage.RuleDoc {
	return &storage.RuleDoc{
		ID:      "rule-relay",
		Name:    "relay guard",
		Enabled: true,
		Conditions: []map[string]any{
			{"operation": "RELAY_STATE", "device_id": "sw-1", "relay_index": 0, "state": 1},
		},
		Actions: []map[string]any{
			{"type": "CHANGE_RELAY_STATE", "device_id": "sw-1", "relay_index": 1, "state": 0},
		},
	}
}

func TestVMExecutesRelayRule(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.PutDevice(ctx, &storage.Device{ID: "sw-1", Type: "switch", RelayStatus: []int{1, 0}}); err != nil {
		t.Fatalf("PutDevice() error = %v", err)
	}
	doc := relayRuleDoc()
	if err := store.PutRule(ctx, doc); err != nil {
		t.Fatalf("PutRule() error = %v", err)
	}

	v := New(store, action.Deps{Devices: store, Logger: testLogger()}, testOptions(t))
	if err := v.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer v.Stop()

	v.RuleChanged(storage.RuleChange{Type: storage.RuleAdded, ID: doc.ID, Doc: doc})

	waitFor(t, 5*time.Second, func() bool {
		device, err := store.GetDevice(ctx, "sw-1")
		return err == nil && device.RelayState == 0 && device.InsertedBy == storage.InsertedByEngine
	}, "relay write from the rule action")

	waitFor(t, 5*time.Second, func() bool {
		stored, err := store.GetRule(ctx, doc.ID)
		return err == nil && stored.ExecutionCount == 1 && !stored.LastExecuted.IsZero()
	}, "execution metadata writeback")
}

func TestVMSkipsDisabledRule(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.PutDevice(ctx, &storage.Device{ID: "sw-1", Type: "switch", RelayStatus: []int{1, 0}}); err != nil {
		t.Fatalf("PutDevice() error = %v", err)
	}
	doc := relayRuleDoc()
	doc.Enabled = false
	if err := store.PutRule(ctx, doc); err != nil {
		t.Fatalf("PutRule() error = %v", err)
	}

	v := New(store, action.Deps{Devices: store, Logger: testLogger()}, testOptions(t))
	if err := v.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer v.Stop()

	v.RuleChanged(storage.RuleChange{Type: storage.RuleAdded, ID: doc.ID, Doc: doc})
	time.Sleep(300 * time.Millisecond)

	device, err := store.GetDevice(ctx, "sw-1")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if device.InsertedBy == storage.InsertedByEngine {
		t.Error("disabled rule must not run its actions")
	}
	stored, err := store.GetRule(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetRule() error = %v", err)
	}
	if stored.ExecutionCount != 0 {
		t.Errorf("disabled rule execution count = %d, want 0", stored.ExecutionCount)
	}
}

func TestVMParksShortDurationRule(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.PutDevice(ctx, &storage.Device{ID: "occ-1", Type: "occupancy", Heartbeat: 60}); err != nil {
		t.Fatalf("PutDevice() error = %v", err)
	}
	for _, age := range []time.Duration{90 * time.Second, 30 * time.Second} {
		rec := storage.Record{}
		rec.SetTimestamp(time.Now().Add(-age))
		if err := store.AppendRecord(ctx, "occ-1", rec); err != nil {
			t.Fatalf("AppendRecord() error = %v", err)
		}
	}

	doc := &storage.RuleDoc{
		ID:       "rule-occupied",
		Name:     "meeting room in use",
		Enabled:  true,
		Periodic: true,
		Conditions: []map[string]any{
			{"operation": "OCCUPANCY_FOR", "device_id": "occ-1", "state": "occupied", "for_minutes": 5},
		},
	}
	if err := store.PutRule(ctx, doc); err != nil {
		t.Fatalf("PutRule() error = %v", err)
	}

	v := New(store, action.Deps{Logger: testLogger()}, testOptions(t))
	if err := v.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer v.Stop()

	v.RuleChanged(storage.RuleChange{Type: storage.RuleAdded, ID: doc.ID, Doc: doc})

	waitFor(t, 5*time.Second, func() bool {
		ids := awaitingIDs(v)
		return len(ids) == 1 && ids[0] == doc.ID && v.futureTasks.Load() == 1
	}, "rule to park in the future queue")

	// The parked clone is a distinct instance of the registered rule.
	v.mu.Lock()
	clone := v.awaiting[0]
	registered := v.registry[0]
	v.mu.Unlock()
	if clone.InstanceID == registered.InstanceID {
		t.Error("parked clone shares the registry instance id")
	}
}

func TestVMRefiresParkedRule(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.PutDevice(ctx, &storage.Device{ID: "sw-1", Type: "switch", RelayStatus: []int{1, 0}}); err != nil {
		t.Fatalf("PutDevice() error = %v", err)
	}
	doc := relayRuleDoc()
	if err := store.PutRule(ctx, doc); err != nil {
		t.Fatalf("PutRule() error = %v", err)
	}
	deps := action.Deps{Devices: store, Logger: testLogger()}
	r, err := rule.Compile(doc, deps)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	opts := testOptions(t)
	opts.TimerSlack = 10 * time.Millisecond
	v := New(store, deps, opts)
	if err := v.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer v.Stop()

	v.AddRuleForFutureExec(r, 0)

	waitFor(t, 5*time.Second, func() bool {
		device, err := store.GetDevice(ctx, "sw-1")
		return err == nil && device.InsertedBy == storage.InsertedByEngine
	}, "deferred rule to refire and run its action")

	waitFor(t, 5*time.Second, func() bool {
		return len(awaitingIDs(v)) == 0 && v.futureTasks.Load() == 0
	}, "awaiting entry to clear after the deferred evaluation")
}

func TestExecuteAllDependentRulesDedup(t *testing.T) {
	doc := &storage.RuleDoc{
		ID:      "rule_A",
		Enabled: true,
		Conditions: []map[string]any{
			{"operation": "OCCUPANCY", "device_id": "occ-1", "state": "occupied"},
		},
	}
	r, err := rule.Compile(doc, action.Deps{})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	opts := testOptions(t)
	opts.QueueCapacity = 4
	v := New(nil, action.Deps{}, opts)
	v.upsertRule(r)

	clone := r.Clone()
	v.mu.Lock()
	v.awaiting = append(v.awaiting, clone)
	v.mu.Unlock()

	// Two device events while an instance is parked: both dropped.
	v.ExecuteAllDependentRules("occ-1")
	v.ExecuteAllDependentRules("occ-1")
	if n := len(v.ready); n != 0 {
		t.Fatalf("parked rule produced %d ready entries, want 0", n)
	}

	v.removeAwaiting(clone.InstanceID)
	v.ExecuteAllDependentRules("occ-1")
	if n := len(v.ready); n != 1 {
		t.Fatalf("unparked rule produced %d ready entries, want 1", n)
	}
	got := <-v.ready
	if got.ID != r.ID {
		t.Errorf("queued rule = %q, want %q", got.ID, r.ID)
	}

	v.ExecuteAllDependentRules("unrelated-device")
	if n := len(v.ready); n != 0 {
		t.Errorf("unrelated device triggered %d rules, want 0", n)
	}
}

func TestReadyQueueBackpressure(t *testing.T) {
	doc := &storage.RuleDoc{
		ID:         "rule-block",
		Enabled:    true,
		Conditions: []map[string]any{{"operation": "AT_TIME", "time": "00:00:01+00:00"}},
	}
	r, err := rule.Compile(doc, action.Deps{})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	opts := testOptions(t)
	opts.QueueCapacity = 2
	v := New(nil, action.Deps{}, opts)

	v.ExecuteRule(r)
	v.ExecuteRule(r)

	unblocked := make(chan struct{})
	go func() {
		v.ExecuteRule(r)
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("producer should block on a full ready queue")
	case <-time.After(100 * time.Millisecond):
	}

	<-v.ready

	select {
	case <-unblocked:
	case <-time.After(2 * time.Second):
		t.Fatal("draining the queue did not unblock the producer")
	}
}

func TestRuleChangedLifecycle(t *testing.T) {
	opts := testOptions(t)
	opts.QueueCapacity = 8
	v := New(nil, action.Deps{}, opts)

	doc := &storage.RuleDoc{
		ID:         "rule-1",
		Name:       "first",
		Enabled:    true,
		Conditions: []map[string]any{{"operation": "AT_TIME", "time": "08:00:00+00:00"}},
	}
	v.RuleChanged(storage.RuleChange{Type: storage.RuleAdded, ID: doc.ID, Doc: doc})
	if registrySize(v) != 1 || len(v.ready) != 1 {
		t.Fatalf("after add: registry %d, ready %d", registrySize(v), len(v.ready))
	}

	updated := *doc
	updated.Name = "renamed"
	v.RuleChanged(storage.RuleChange{Type: storage.RuleUpdated, ID: doc.ID, Doc: &updated})
	if registrySize(v) != 1 {
		t.Fatalf("after update: registry %d, want 1", registrySize(v))
	}
	v.mu.Lock()
	name := v.registry[0].Name
	v.mu.Unlock()
	if name != "renamed" {
		t.Errorf("registry name = %q, want renamed", name)
	}
	if len(v.ready) != 2 {
		t.Errorf("updated rule not re-queued, ready = %d", len(v.ready))
	}

	bad := &storage.RuleDoc{
		ID:         doc.ID,
		Enabled:    true,
		Conditions: []map[string]any{{"operation": "PHASE_OF_MOON"}},
	}
	v.RuleChanged(storage.RuleChange{Type: storage.RuleUpdated, ID: doc.ID, Doc: bad})
	if registrySize(v) != 0 {
		t.Error("a document that stops compiling must drop from the registry")
	}

	v.RuleChanged(storage.RuleChange{Type: storage.RuleAdded, ID: doc.ID, Doc: doc})
	v.RuleChanged(storage.RuleChange{Type: storage.RuleRemoved, ID: doc.ID})
	if registrySize(v) != 0 {
		t.Error("add then remove must leave the registry empty")
	}
}

func TestSyncRules(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	good := &storage.RuleDoc{
		ID:         "rule-good",
		Enabled:    true,
		Conditions: []map[string]any{{"operation": "AT_TIME", "time": "08:00:00+00:00"}},
	}
	disabled := &storage.RuleDoc{
		ID:         "rule-disabled",
		Conditions: []map[string]any{{"operation": "AT_TIME", "time": "09:00:00+00:00"}},
	}
	bad := &storage.RuleDoc{
		ID:         "rule-bad",
		Enabled:    true,
		Conditions: []map[string]any{{"operation": "PHASE_OF_MOON"}},
	}
	for _, doc := range []*storage.RuleDoc{good, disabled, bad} {
		if err := store.PutRule(ctx, doc); err != nil {
			t.Fatalf("PutRule(%s) error = %v", doc.ID, err)
		}
	}

	opts := testOptions(t)
	opts.QueueCapacity = 8
	v := New(store, action.Deps{}, opts)
	if err := v.SyncRules(ctx); err != nil {
		t.Fatalf("SyncRules() error = %v", err)
	}

	if registrySize(v) != 2 {
		t.Errorf("registry = %d, want 2 (malformed rule skipped)", registrySize(v))
	}
	if len(v.ready) != 2 {
		t.Errorf("ready = %d, want 2", len(v.ready))
	}
}

func TestEvaluateOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.PutDevice(ctx, &storage.Device{ID: "sw-1", Type: "switch", RelayStatus: []int{1, 0}}); err != nil {
		t.Fatalf("PutDevice() error = %v", err)
	}
	deps := action.Deps{Devices: store, Logger: testLogger()}
	v := New(store, deps, testOptions(t))

	r, err := rule.Compile(relayRuleDoc(), deps)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	got, err := v.EvaluateOnce(ctx, r)
	if err != nil {
		t.Fatalf("EvaluateOnce() error = %v", err)
	}
	if !got {
		t.Error("EvaluateOnce() = false, want true for a matching relay state")
	}

	// The verdict comes without side effects: no relay write, no counters.
	device, err := store.GetDevice(ctx, "sw-1")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if device.InsertedBy == storage.InsertedByEngine {
		t.Error("EvaluateOnce() fired the rule's actions")
	}

	mismatch := relayRuleDoc()
	mismatch.Conditions[0]["state"] = 0
	r2, err := rule.Compile(mismatch, deps)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if got, err := v.EvaluateOnce(ctx, r2); err != nil || got {
		t.Errorf("EvaluateOnce() = %v, %v, want false, nil", got, err)
	}
}

func TestWaitedStop(t *testing.T) {
	t.Run("returns once drained", func(t *testing.T) {
		v := New(nil, action.Deps{}, testOptions(t))
		if err := v.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if err := v.WaitedStop(context.Background()); err != nil {
			t.Errorf("WaitedStop() error = %v", err)
		}
	})

	t.Run("honors the deadline", func(t *testing.T) {
		opts := testOptions(t)
		opts.StopPollInterval = 20 * time.Millisecond
		v := New(nil, action.Deps{}, opts)
		if err := v.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		v.tasksRunning.Add(1) // a stuck evaluation
		defer v.tasksRunning.Add(-1)

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		if err := v.WaitedStop(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("WaitedStop() error = %v, want deadline exceeded", err)
		}
	})
}
