package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/qube-ai/rule-vm/config"
	"github.com/qube-ai/rule-vm/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.VM.SnapshotPath = filepath.Join(t.TempDir(), "future_task_list.gob")
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAppStartStop(t *testing.T) {
	app := NewApp(testConfig(t), quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		t.Fatalf("failed to start app: %v", err)
	}

	if app.natsConn == nil {
		t.Error("NATS connection not initialized")
	}
	if app.js == nil {
		t.Error("JetStream not initialized")
	}
	if app.store == nil {
		t.Error("store not initialized")
	}
	if app.engine == nil {
		t.Error("rule engine not started")
	}
	if app.embeddedServer == nil {
		t.Error("embedded NATS server not started")
	}

	app.Shutdown(5 * time.Second)

	if app.embeddedServer.Running() {
		t.Error("embedded server still running after shutdown")
	}
}

func TestAppRunsStoredRule(t *testing.T) {
	app := NewApp(testConfig(t), quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		t.Fatalf("failed to start app: %v", err)
	}
	defer app.Shutdown(5 * time.Second)

	if err := app.store.PutDevice(ctx, &storage.Device{
		ID:          "sw-1",
		Type:        "switch",
		RelayStatus: []int{1, 0},
	}); err != nil {
		t.Fatalf("failed to put device: %v", err)
	}

	// Stored after startup, so the change stream delivers it to the engine.
	doc := &storage.RuleDoc{
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
	if err := app.store.PutRule(ctx, doc); err != nil {
		t.Fatalf("failed to put rule: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		device, err := app.store.GetDevice(ctx, "sw-1")
		if err == nil && device.InsertedBy == storage.InsertedByEngine {
			stored, err := app.store.GetRule(ctx, doc.ID)
			if err == nil && stored.ExecutionCount >= 1 {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("stored rule never executed its action")
}

func TestAppWithExternalNATS(t *testing.T) {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		t.Skip("Skipping external NATS test: NATS_URL not set")
	}

	cfg := testConfig(t)
	cfg.NATS.URL = natsURL
	cfg.NATS.Embedded = false

	app := NewApp(cfg, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		t.Fatalf("failed to start app: %v", err)
	}
	defer app.Shutdown(5 * time.Second)

	if app.embeddedServer != nil {
		t.Error("embedded server should be nil when using external NATS")
	}
	if app.natsConn == nil {
		t.Error("NATS connection not initialized")
	}
}

func TestGracefulShutdown(t *testing.T) {
	app := NewApp(testConfig(t), quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		t.Fatalf("failed to start app: %v", err)
	}

	start := time.Now()
	app.Shutdown(5 * time.Second)
	elapsed := time.Since(start)

	if elapsed > 10*time.Second {
		t.Errorf("shutdown took too long: %v", elapsed)
	}
	if app.embeddedServer.Running() {
		t.Error("embedded server still running after shutdown")
	}
}
