// Package vm hosts the rule engine: a registry of compiled rules, a
// bounded ready queue feeding evaluator goroutines, a bounded future queue
// of deferred re-evaluations, and the loops that keep the deferred set
// persisted and observable.
package vm

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qube-ai/rule-vm/action"
	"github.com/qube-ai/rule-vm/rule"
	"github.com/qube-ai/rule-vm/storage"
)

// Options tunes the VM. Zero values fall back to defaults.
type Options struct {
	// QueueCapacity bounds the ready and future queues. Producers block
	// when a queue is full.
	QueueCapacity int
	// SnapshotPath is the file the deferred set is persisted to.
	SnapshotPath string
	// SnapshotInterval paces the snapshot loop.
	SnapshotInterval time.Duration
	// ObserveInterval paces the observability loop.
	ObserveInterval time.Duration
	// TimerSlack is added to every future-queue delay before refiring.
	TimerSlack time.Duration
	// StopPollInterval paces WaitedStop's drain polling.
	StopPollInterval time.Duration

	Logger   *slog.Logger
	Metrics  *Metrics
	Observer *Observer
}

func (o Options) withDefaults() Options {
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 10
	}
	if o.SnapshotPath == "" {
		o.SnapshotPath = "future_task_list.gob"
	}
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = 5 * time.Second
	}
	if o.ObserveInterval <= 0 {
		o.ObserveInterval = time.Second
	}
	if o.TimerSlack <= 0 {
		o.TimerSlack = 2 * time.Second
	}
	if o.StopPollInterval <= 0 {
		o.StopPollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// futureEntry parks a rule clone until its deferred deadline.
type futureEntry struct {
	rule  *rule.Rule
	delay time.Duration
}

// VM owns the rule registry, both queues, and the awaiting-completion list.
// Entry points are safe to call from bus and change-stream goroutines; they
// only enqueue.
type VM struct {
	store  *storage.Store
	deps   action.Deps
	opts   Options
	logger *slog.Logger

	ready  chan *rule.Rule
	future chan futureEntry

	mu            sync.Mutex
	registry      []*rule.Rule
	awaiting      []*rule.Rule
	awaitingDirty bool

	tasksRunning atomic.Int64
	futureTasks  atomic.Int64

	baseCtx  context.Context
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a VM evaluating against store and running actions through
// deps. Call Start before feeding it work.
func New(store *storage.Store, deps action.Deps, opts Options) *VM {
	opts = opts.withDefaults()
	if deps.Logger == nil {
		deps.Logger = opts.Logger
	}
	return &VM{
		store:   store,
		deps:    deps,
		opts:    opts,
		logger:  opts.Logger,
		ready:   make(chan *rule.Rule, opts.QueueCapacity),
		future:  make(chan futureEntry, opts.QueueCapacity),
		baseCtx: context.Background(),
		done:    make(chan struct{}),
	}
}

// Start launches the dispatcher, snapshot, and observability loops, then
// restores any persisted deferred set into the ready queue. Cancelling ctx
// stops the VM.
func (v *VM) Start(ctx context.Context) error {
	v.baseCtx = ctx

	v.wg.Add(1)
	go v.dispatchLoop()
	v.wg.Add(1)
	go v.snapshotLoop()
	if v.opts.Observer != nil {
		v.wg.Add(1)
		go v.observeLoop()
	}
	go func() {
		select {
		case <-ctx.Done():
			v.Stop()
		case <-v.done:
		}
	}()

	v.restoreSnapshot()
	v.logger.Info("rule engine started",
		"queue_capacity", v.opts.QueueCapacity,
		"snapshot_path", v.opts.SnapshotPath)
	return nil
}

// Stop halts the loops, waits for in-flight evaluations and timers, and
// writes a final snapshot of the deferred set. In-flight evaluations are
// allowed to finish; an operand that never returns stalls the shutdown.
func (v *VM) Stop() {
	v.stopOnce.Do(func() {
		close(v.done)
	})
	v.wg.Wait()
	v.maybeSnapshot()
}

// WaitedStop polls until no evaluation is running, then stops. ctx bounds
// the wait; on expiry the VM is stopped anyway and ctx's error returned.
func (v *VM) WaitedStop(ctx context.Context) error {
	ticker := time.NewTicker(v.opts.StopPollInterval)
	defer ticker.Stop()
	for v.tasksRunning.Load() > 0 {
		select {
		case <-ctx.Done():
			v.Stop()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	v.Stop()
	return nil
}

// ExecuteRule queues one evaluation of r. Blocks while the ready queue is
// full; returns without queueing once the VM stops.
func (v *VM) ExecuteRule(r *rule.Rule) {
	select {
	case v.ready <- r:
	case <-v.done:
	}
}

// AddRuleForFutureExec parks a clone of r for re-evaluation after delay.
// The clone gets a fresh instance id so the parent's post-evaluation
// cleanup cannot evict it from the awaiting list.
func (v *VM) AddRuleForFutureExec(r *rule.Rule, delay time.Duration) {
	clone := r.Clone()
	v.mu.Lock()
	v.awaiting = append(v.awaiting, clone)
	v.awaitingDirty = true
	v.mu.Unlock()
	v.futureTasks.Add(1)
	if m := v.opts.Metrics; m != nil {
		m.FutureTasks.Inc()
	}
	v.logger.Debug("rule parked for future evaluation",
		"rule", clone.String(),
		"delay", delay)
	select {
	case v.future <- futureEntry{rule: clone, delay: delay}:
	case <-v.done:
	}
}

// ExecuteAllDependentRules queues every registered rule that depends on
// deviceID. A rule with an instance already awaiting completion is skipped
// so device events cannot pile up behind a pending deferred evaluation.
func (v *VM) ExecuteAllDependentRules(deviceID string) {
	v.mu.Lock()
	var triggered []*rule.Rule
	for _, r := range v.registry {
		if !r.DependsOn(deviceID) {
			continue
		}
		if v.hasAwaitingLocked(r.ID) {
			v.logger.Debug("rule already parked, dropping device trigger",
				"rule", r.String(),
				"device", deviceID)
			continue
		}
		triggered = append(triggered, r)
	}
	v.mu.Unlock()

	for _, r := range triggered {
		v.ExecuteRule(r)
	}
}

// RuleChanged applies one rule-store change to the registry. Added and
// updated rules are recompiled and queued for immediate evaluation; a
// document that no longer compiles is dropped from the registry.
func (v *VM) RuleChanged(change storage.RuleChange) {
	switch change.Type {
	case storage.RuleAdded, storage.RuleUpdated:
		r, err := rule.Compile(change.Doc, v.deps)
		if err != nil {
			v.logger.Error("dropping rule that failed to compile",
				"rule", change.ID,
				"error", err)
			if m := v.opts.Metrics; m != nil {
				m.CompileFailures.Inc()
			}
			v.removeRule(change.ID)
			return
		}
		v.upsertRule(r)
		v.logger.Info("rule registered", "rule", r.String(), "change", string(change.Type))
		v.ExecuteRule(r)
	case storage.RuleRemoved:
		v.removeRule(change.ID)
		v.logger.Info("rule removed", "rule", change.ID)
	}
}

// SyncRules loads every stored rule document into the registry and queues
// each compiled rule once. Called at startup before the change stream takes
// over.
func (v *VM) SyncRules(ctx context.Context) error {
	docs, err := v.store.ListRules(ctx)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		r, err := rule.Compile(doc, v.deps)
		if err != nil {
			v.logger.Error("skipping stored rule that failed to compile",
				"rule", doc.ID,
				"error", err)
			if m := v.opts.Metrics; m != nil {
				m.CompileFailures.Inc()
			}
			continue
		}
		v.upsertRule(r)
		v.ExecuteRule(r)
	}
	v.logger.Info("rule registry synced", "rules", len(docs))
	return nil
}

// ExecuteScript compiles an ad-hoc script into an immediate rule and
// queues it once. Nothing is persisted.
func (v *VM) ExecuteScript(name, src string) error {
	doc, err := ParseRuleScript(name, src, v.logger)
	if err != nil {
		return err
	}
	r, err := rule.Compile(doc, v.deps)
	if err != nil {
		return err
	}
	v.ExecuteRule(r)
	return nil
}

// EvaluateOnce runs a compiled rule's condition stream synchronously and
// returns the verdict. Actions do not fire and the execution is not
// recorded; deferrals requested by the stream are queued as usual.
func (v *VM) EvaluateOnce(ctx context.Context, r *rule.Rule) (bool, error) {
	return evalPostfix(ctx, r.Postfix, v.newEnv(r))
}

func (v *VM) upsertRule(r *rule.Rule) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, existing := range v.registry {
		if existing.ID == r.ID {
			v.registry[i] = r
			return
		}
	}
	v.registry = append(v.registry, r)
	if m := v.opts.Metrics; m != nil {
		m.RegisteredRules.Set(float64(len(v.registry)))
	}
}

func (v *VM) removeRule(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, existing := range v.registry {
		if existing.ID == id {
			v.registry = append(v.registry[:i], v.registry[i+1:]...)
			if m := v.opts.Metrics; m != nil {
				m.RegisteredRules.Set(float64(len(v.registry)))
			}
			return
		}
	}
}

func (v *VM) hasAwaitingLocked(ruleID string) bool {
	for _, r := range v.awaiting {
		if r.ID == ruleID {
			return true
		}
	}
	return false
}

func (v *VM) removeAwaiting(instanceID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, r := range v.awaiting {
		if r.InstanceID == instanceID {
			v.awaiting = append(v.awaiting[:i], v.awaiting[i+1:]...)
			v.awaitingDirty = true
			return
		}
	}
}

// dispatchLoop is the scheduler core: it drains both queues, spawning an
// evaluator goroutine per ready rule and a timer goroutine per future
// entry.
func (v *VM) dispatchLoop() {
	defer v.wg.Done()
	for {
		select {
		case <-v.done:
			return
		case r := <-v.ready:
			v.dispatchReady(r)
		case entry := <-v.future:
			v.dispatchFuture(entry)
		}
	}
}

func (v *VM) dispatchReady(r *rule.Rule) {
	if !r.Enabled && !r.IsImmediate() {
		v.logger.Debug("skipping disabled rule", "rule", r.String())
		v.removeAwaiting(r.InstanceID)
		return
	}
	v.tasksRunning.Add(1)
	if m := v.opts.Metrics; m != nil {
		m.RunningTasks.Inc()
	}
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		defer func() {
			v.tasksRunning.Add(-1)
			if m := v.opts.Metrics; m != nil {
				m.RunningTasks.Dec()
			}
		}()
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				v.logger.Error("rule evaluation panicked",
					"rule", r.String(),
					"panic", rec,
					"stack", string(buf[:n]))
			}
		}()
		v.evaluate(r)
	}()
}

func (v *VM) dispatchFuture(entry futureEntry) {
	if !entry.rule.Enabled && !entry.rule.IsImmediate() {
		v.logger.Debug("dropping deferred run of disabled rule", "rule", entry.rule.String())
		v.futureTasks.Add(-1)
		if m := v.opts.Metrics; m != nil {
			m.FutureTasks.Dec()
		}
		v.removeAwaiting(entry.rule.InstanceID)
		return
	}
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		timer := time.NewTimer(entry.delay + v.opts.TimerSlack)
		defer timer.Stop()
		select {
		case <-v.done:
			// The awaiting entry survives into the snapshot and is
			// restored on the next start.
			return
		case <-timer.C:
		}
		v.futureTasks.Add(-1)
		if m := v.opts.Metrics; m != nil {
			m.FutureTasks.Dec()
		}
		v.ExecuteRule(entry.rule)
	}()
}

// evaluate runs one rule instance to completion: postfix evaluation, then
// execution bookkeeping and action dispatch on a true verdict. The
// instance's awaiting entry is cleared when it finishes, which re-opens
// device triggering for its rule id.
func (v *VM) evaluate(r *rule.Rule) {
	defer v.removeAwaiting(r.InstanceID)

	ctx := v.baseCtx
	result, err := evalPostfix(ctx, r.Postfix, v.newEnv(r))
	if err != nil {
		v.logger.Error("rule evaluation failed", "rule", r.String(), "error", err)
		if m := v.opts.Metrics; m != nil {
			m.Evaluations.WithLabelValues("error").Inc()
		}
		return
	}
	v.logger.Debug("rule evaluated", "rule", r.String(), "result", result)
	if m := v.opts.Metrics; m != nil {
		m.Evaluations.WithLabelValues(resultLabel(result)).Inc()
	}
	if !result {
		return
	}

	if !r.IsImmediate() {
		// Best effort: the rule is not rolled back on a failed write.
		if err := v.store.MarkRuleExecuted(ctx, r.ID, time.Now().UTC()); err != nil {
			v.logger.Error("recording rule execution", "rule", r.String(), "error", err)
		}
	}
	for _, act := range r.ActionStream {
		v.wg.Add(1)
		go func(act action.Action) {
			defer v.wg.Done()
			if err := act.Perform(ctx); err != nil {
				v.logger.Error("action failed",
					"rule", r.String(),
					"action", act.Type(),
					"error", err)
				if m := v.opts.Metrics; m != nil {
					m.Actions.WithLabelValues(act.Type(), "error").Inc()
				}
				return
			}
			if m := v.opts.Metrics; m != nil {
				m.Actions.WithLabelValues(act.Type(), "ok").Inc()
			}
		}(act)
	}
}

func resultLabel(result bool) string {
	if result {
		return "true"
	}
	return "false"
}

// vmState is the observability loop's snapshot of engine state.
type vmState struct {
	Rules    []string
	Awaiting []string
	Running  int64
	Future   int64
}

func (v *VM) snapshotState() vmState {
	v.mu.Lock()
	rules := make([]string, len(v.registry))
	for i, r := range v.registry {
		rules[i] = r.String()
	}
	awaiting := make([]string, len(v.awaiting))
	for i, r := range v.awaiting {
		awaiting[i] = r.String()
	}
	v.mu.Unlock()
	return vmState{
		Rules:    rules,
		Awaiting: awaiting,
		Running:  v.tasksRunning.Load(),
		Future:   v.futureTasks.Load(),
	}
}

func (v *VM) observeLoop() {
	defer v.wg.Done()
	ticker := time.NewTicker(v.opts.ObserveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-v.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(v.baseCtx, v.opts.ObserveInterval)
			if err := v.opts.Observer.Publish(ctx, v.snapshotState()); err != nil {
				v.logger.Warn("publishing engine state", "error", err)
			}
			cancel()
		}
	}
}
