package vm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const scriptExt = ".rule"

// ScriptWatcher watches a directory of rule scripts and executes each
// created or modified *.rule file as an immediate rule. Events are
// debounced so an editor's partial writes run the script once.
type ScriptWatcher struct {
	vm       *VM
	dir      string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]struct{}

	// Content hashes let a touch without a change skip re-execution.
	hashMu sync.Mutex
	hashes map[string]string
}

// NewScriptWatcher creates a watcher over dir feeding vm.
func NewScriptWatcher(vm *VM, dir string, logger *slog.Logger) (*ScriptWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ScriptWatcher{
		vm:       vm,
		dir:      dir,
		debounce: 500 * time.Millisecond,
		watcher:  fsw,
		logger:   logger,
		pending:  make(map[string]struct{}),
		hashes:   make(map[string]string),
	}, nil
}

// Start begins watching. Cancelling ctx stops event processing.
func (w *ScriptWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	go w.processEvents(ctx)
	w.logger.Info("script watcher started", "dir", w.dir)
	return nil
}

// Stop stops the watcher.
func (w *ScriptWatcher) Stop() error {
	return w.watcher.Close()
}

func (w *ScriptWatcher) processEvents(ctx context.Context) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("script watcher error", "error", err)
		case <-ticker.C:
			w.flushPending()
		}
	}
}

func (w *ScriptWatcher) handleFSEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if strings.ToLower(filepath.Ext(event.Name)) != scriptExt {
		return
	}
	w.pendingMu.Lock()
	w.pending[event.Name] = struct{}{}
	w.pendingMu.Unlock()
}

func (w *ScriptWatcher) flushPending() {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	toProcess := make([]string, 0, len(w.pending))
	for path := range w.pending {
		toProcess = append(toProcess, path)
	}
	w.pending = make(map[string]struct{})
	w.pendingMu.Unlock()

	for _, path := range toProcess {
		w.runScript(path)
	}
}

func (w *ScriptWatcher) runScript(path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("reading rule script", "path", path, "error", err)
		return
	}
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	w.hashMu.Lock()
	unchanged := w.hashes[path] == hash
	w.hashes[path] = hash
	w.hashMu.Unlock()
	if unchanged {
		return
	}

	name := strings.TrimSuffix(filepath.Base(path), scriptExt)
	if err := w.vm.ExecuteScript(name, string(content)); err != nil {
		w.logger.Error("executing rule script", "path", path, "error", err)
		return
	}
	w.logger.Info("rule script queued", "script", name)
}
