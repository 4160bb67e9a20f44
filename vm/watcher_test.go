package vm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/qube-ai/rule-vm/action"
)

func TestScriptWatcherRunsNewScripts(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(t)
	opts.QueueCapacity = 8
	v := New(nil, action.Deps{Devices: nopDeviceWriter{}, Logger: testLogger()}, opts)

	w, err := NewScriptWatcher(v, dir, testLogger())
	if err != nil {
		t.Fatalf("NewScriptWatcher() error = %v", err)
	}
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	path := filepath.Join(dir, "vent.rule")
	if err := os.WriteFile(path, []byte(ventScript), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return len(v.ready) == 1 }, "script rule to queue")
	r := <-v.ready
	if r.Name != "vent" {
		t.Errorf("rule name = %q, want the file basename", r.Name)
	}
	if !r.IsImmediate() {
		t.Error("watcher-run rules must be immediate")
	}
}

func TestScriptWatcherSkipsUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(t)
	opts.QueueCapacity = 8
	v := New(nil, action.Deps{Devices: nopDeviceWriter{}, Logger: testLogger()}, opts)

	w, err := NewScriptWatcher(v, dir, testLogger())
	if err != nil {
		t.Fatalf("NewScriptWatcher() error = %v", err)
	}
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	path := filepath.Join(dir, "vent.rule")
	if err := os.WriteFile(path, []byte(ventScript), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return len(v.ready) == 1 }, "first run to queue")
	<-v.ready

	// Saving the same bytes again must not re-run the script.
	if err := os.WriteFile(path, []byte(ventScript), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if n := len(v.ready); n != 0 {
		t.Errorf("unchanged script re-queued %d times", n)
	}

	// A content change runs it again.
	changed := ventScript + "\n# tweaked\nOR\nDW_STATE dw-1 open\n"
	if err := os.WriteFile(path, []byte(changed), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return len(v.ready) == 1 }, "changed script to queue")
}

func TestScriptWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(t)
	opts.QueueCapacity = 8
	v := New(nil, action.Deps{Devices: nopDeviceWriter{}, Logger: testLogger()}, opts)

	w, err := NewScriptWatcher(v, dir, testLogger())
	if err != nil {
		t.Fatalf("NewScriptWatcher() error = %v", err)
	}
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a script"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if n := len(v.ready); n != 0 {
		t.Errorf("non-script file queued %d rules", n)
	}
}
