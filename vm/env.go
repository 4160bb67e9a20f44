package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/qube-ai/rule-vm/rule"
	"github.com/qube-ai/rule-vm/storage"
)

// evalEnv binds one rule evaluation to the store and the scheduler. It is
// what lets instructions stay free of back-references to their rule.
type evalEnv struct {
	vm  *VM
	r   *rule.Rule
	now func() time.Time
}

func (v *VM) newEnv(r *rule.Rule) *evalEnv {
	return &evalEnv{vm: v, r: r, now: time.Now}
}

func (e *evalEnv) RuleID() string { return e.r.ID }
func (e *evalEnv) Periodic() bool { return e.r.Periodic }
func (e *evalEnv) Now() time.Time { return e.now() }

func (e *evalEnv) Device(ctx context.Context, id string) (*storage.Device, error) {
	return e.vm.store.GetDevice(ctx, id)
}

func (e *evalEnv) LatestRecord(ctx context.Context, deviceID string) (storage.Record, error) {
	return e.vm.store.LatestRecord(ctx, deviceID)
}

func (e *evalEnv) RecentRecords(ctx context.Context, deviceID string, n int) ([]storage.Record, error) {
	return e.vm.store.RecentRecords(ctx, deviceID, n)
}

// Occurrence reads the live firing budget from the stored rule document.
// Immediate rules have no stored document, so their compiled budget stands.
func (e *evalEnv) Occurrence(ctx context.Context, timeSpec string) (int, error) {
	if e.r.IsImmediate() {
		return 0, fmt.Errorf("immediate rules do not persist occurrences")
	}
	return e.vm.store.OccurrenceRemaining(ctx, e.r.ID, timeSpec)
}

// DecrementOccurrence writes the spent occurrence back to the stored rule
// document. Failures are logged and surface to the instruction, which ends
// its deferral chain instead of retrying.
func (e *evalEnv) DecrementOccurrence(ctx context.Context, timeSpec string, occurrence int) error {
	if e.r.IsImmediate() {
		return fmt.Errorf("immediate rules do not persist occurrences")
	}
	if err := e.vm.store.DecrementOccurrence(ctx, e.r.ID, timeSpec, occurrence); err != nil {
		e.vm.logger.Error("decrementing occurrence",
			"rule", e.r.String(),
			"time", timeSpec,
			"error", err)
		return err
	}
	return nil
}

func (e *evalEnv) Defer(delay time.Duration) {
	e.vm.AddRuleForFutureExec(e.r, delay)
}
