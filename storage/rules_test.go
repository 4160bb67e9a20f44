package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func sampleRuleDoc(id string) *RuleDoc {
	return &RuleDoc{
		ID:      id,
		Name:    "evening lights",
		Enabled: true,
		Conditions: []map[string]any{
			{"operation": "AT_TIME", "time": "18:00:00+05:30"},
		},
		Actions: []map[string]any{
			{"type": "CHANGE_RELAY_STATE", "device_id": "qube-switch-1", "relay_index": 0, "state": 1},
		},
	}
}

func TestRuleRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc := sampleRuleDoc("rule-1")
	if err := store.PutRule(ctx, doc); err != nil {
		t.Fatalf("PutRule() error = %v", err)
	}

	got, err := store.GetRule(ctx, "rule-1")
	if err != nil {
		t.Fatalf("GetRule() error = %v", err)
	}
	if got.Name != "evening lights" {
		t.Errorf("expected name 'evening lights', got %q", got.Name)
	}
	if !got.Enabled {
		t.Error("expected rule enabled")
	}
	if len(got.Conditions) != 1 || len(got.Actions) != 1 {
		t.Errorf("unexpected conditions/actions: %v / %v", got.Conditions, got.Actions)
	}

	t.Run("missing rule", func(t *testing.T) {
		_, err := store.GetRule(ctx, "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestListRules(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("empty bucket lists nothing", func(t *testing.T) {
		docs, err := store.ListRules(ctx)
		if err != nil {
			t.Fatalf("ListRules() error = %v", err)
		}
		if len(docs) != 0 {
			t.Errorf("expected no rules, got %d", len(docs))
		}
	})

	for _, id := range []string{"rule-a", "rule-b", "rule-c"} {
		if err := store.PutRule(ctx, sampleRuleDoc(id)); err != nil {
			t.Fatalf("PutRule(%s) error = %v", id, err)
		}
	}

	docs, err := store.ListRules(ctx)
	if err != nil {
		t.Fatalf("ListRules() error = %v", err)
	}
	if len(docs) != 3 {
		t.Errorf("expected 3 rules, got %d", len(docs))
	}
	seen := make(map[string]bool)
	for _, doc := range docs {
		seen[doc.ID] = true
	}
	for _, id := range []string{"rule-a", "rule-b", "rule-c"} {
		if !seen[id] {
			t.Errorf("rule %s missing from list", id)
		}
	}
}

func TestMarkRuleExecuted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.PutRule(ctx, sampleRuleDoc("rule-exec")); err != nil {
		t.Fatalf("PutRule() error = %v", err)
	}

	at := time.Date(2026, 3, 1, 18, 0, 5, 0, time.UTC)
	if err := store.MarkRuleExecuted(ctx, "rule-exec", at); err != nil {
		t.Fatalf("MarkRuleExecuted() error = %v", err)
	}
	if err := store.MarkRuleExecuted(ctx, "rule-exec", at.Add(time.Hour)); err != nil {
		t.Fatalf("MarkRuleExecuted() error = %v", err)
	}

	got, err := store.GetRule(ctx, "rule-exec")
	if err != nil {
		t.Fatalf("GetRule() error = %v", err)
	}
	if got.ExecutionCount != 2 {
		t.Errorf("expected execution count 2, got %d", got.ExecutionCount)
	}
	if !got.LastExecuted.Equal(at.Add(time.Hour)) {
		t.Errorf("unexpected last executed: %v", got.LastExecuted)
	}
}

func TestDecrementOccurrence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc := &RuleDoc{
		ID:      "rule-occ",
		Name:    "limited morning alert",
		Enabled: true,
		Conditions: []map[string]any{
			{"operation": "at_time_with_occurrence", "time": "06:30:00+05:30", "occurrence": 3},
		},
		Actions: []map[string]any{
			{"type": "SEND_EMAIL", "to": []any{"ops@example.com"}, "subject": "s", "body": "b"},
		},
	}
	if err := store.PutRule(ctx, doc); err != nil {
		t.Fatalf("PutRule() error = %v", err)
	}

	if err := store.DecrementOccurrence(ctx, "rule-occ", "06:30:00+05:30", 3); err != nil {
		t.Fatalf("DecrementOccurrence() error = %v", err)
	}

	got, err := store.GetRule(ctx, "rule-occ")
	if err != nil {
		t.Fatalf("GetRule() error = %v", err)
	}
	occ, ok := conditionInt(got.Conditions[0], "occurrence")
	if !ok || occ != 2 {
		t.Errorf("expected occurrence 2, got %d (ok=%v)", occ, ok)
	}

	t.Run("no matching condition", func(t *testing.T) {
		err := store.DecrementOccurrence(ctx, "rule-occ", "06:30:00+05:30", 9)
		if err == nil {
			t.Error("expected error for stale occurrence count")
		}
	})

	t.Run("missing rule", func(t *testing.T) {
		err := store.DecrementOccurrence(ctx, "missing", "06:30:00+05:30", 3)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestOccurrenceRemaining(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc := &RuleDoc{
		ID:      "rule-occ-read",
		Name:    "limited morning alert",
		Enabled: true,
		Conditions: []map[string]any{
			{"operation": "AT_TIME_WITH_OCCURRENCE", "time": "06:30:00+05:30", "occurrence": 3},
		},
		Actions: []map[string]any{
			{"type": "SEND_EMAIL", "to": []any{"ops@example.com"}, "subject": "s", "body": "b"},
		},
	}
	if err := store.PutRule(ctx, doc); err != nil {
		t.Fatalf("PutRule() error = %v", err)
	}

	occ, err := store.OccurrenceRemaining(ctx, "rule-occ-read", "06:30:00+05:30")
	if err != nil {
		t.Fatalf("OccurrenceRemaining() error = %v", err)
	}
	if occ != 3 {
		t.Errorf("expected 3 remaining, got %d", occ)
	}

	if err := store.DecrementOccurrence(ctx, "rule-occ-read", "06:30:00+05:30", 3); err != nil {
		t.Fatalf("DecrementOccurrence() error = %v", err)
	}
	occ, err = store.OccurrenceRemaining(ctx, "rule-occ-read", "06:30:00+05:30")
	if err != nil {
		t.Fatalf("OccurrenceRemaining() after decrement error = %v", err)
	}
	if occ != 2 {
		t.Errorf("expected 2 remaining after decrement, got %d", occ)
	}

	t.Run("no matching condition", func(t *testing.T) {
		if _, err := store.OccurrenceRemaining(ctx, "rule-occ-read", "07:00:00+05:30"); err == nil {
			t.Error("expected error for unknown time spec")
		}
	})

	t.Run("missing rule", func(t *testing.T) {
		_, err := store.OccurrenceRemaining(ctx, "missing", "06:30:00+05:30")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func waitForChange(t *testing.T, changes <-chan RuleChange) RuleChange {
	t.Helper()
	select {
	case change, ok := <-changes:
		if !ok {
			t.Fatal("change stream closed unexpectedly")
		}
		return change
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for rule change")
		return RuleChange{}
	}
}

func TestWatchRules(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Pre-existing rules are replayed silently, not emitted.
	if err := store.PutRule(ctx, sampleRuleDoc("rule-pre")); err != nil {
		t.Fatalf("PutRule() error = %v", err)
	}

	changes, err := store.WatchRules(ctx)
	if err != nil {
		t.Fatalf("WatchRules() error = %v", err)
	}

	// Give the watcher a moment to finish initial replay.
	time.Sleep(200 * time.Millisecond)

	if err := store.PutRule(ctx, sampleRuleDoc("rule-new")); err != nil {
		t.Fatalf("PutRule() error = %v", err)
	}
	change := waitForChange(t, changes)
	if change.Type != RuleAdded || change.ID != "rule-new" {
		t.Errorf("expected added rule-new, got %s %s", change.Type, change.ID)
	}
	if change.Doc == nil || change.Doc.Name != "evening lights" {
		t.Errorf("expected document on add, got %+v", change.Doc)
	}

	// An update to the pre-existing rule must classify as modified even
	// though the watcher never emitted its initial value.
	pre := sampleRuleDoc("rule-pre")
	pre.Name = "renamed"
	if err := store.PutRule(ctx, pre); err != nil {
		t.Fatalf("PutRule() error = %v", err)
	}
	change = waitForChange(t, changes)
	if change.Type != RuleUpdated || change.ID != "rule-pre" {
		t.Errorf("expected updated rule-pre, got %s %s", change.Type, change.ID)
	}

	if err := store.DeleteRule(ctx, "rule-new"); err != nil {
		t.Fatalf("DeleteRule() error = %v", err)
	}
	change = waitForChange(t, changes)
	if change.Type != RuleRemoved || change.ID != "rule-new" {
		t.Errorf("expected removed rule-new, got %s %s", change.Type, change.ID)
	}
	if change.Doc != nil {
		t.Errorf("expected nil document on removal, got %+v", change.Doc)
	}
}

func TestWatchRulesSkipsEngineWrites(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.PutRule(ctx, sampleRuleDoc("rule-exec")); err != nil {
		t.Fatalf("PutRule() error = %v", err)
	}
	occ := &RuleDoc{
		ID:      "rule-occ",
		Name:    "limited morning alert",
		Enabled: true,
		Conditions: []map[string]any{
			{"operation": "AT_TIME_WITH_OCCURRENCE", "time": "06:30:00+05:30", "occurrence": 3},
		},
		Actions: []map[string]any{
			{"type": "SEND_EMAIL", "to": []any{"ops@example.com"}, "subject": "s", "body": "b"},
		},
	}
	if err := store.PutRule(ctx, occ); err != nil {
		t.Fatalf("PutRule() error = %v", err)
	}

	changes, err := store.WatchRules(ctx)
	if err != nil {
		t.Fatalf("WatchRules() error = %v", err)
	}

	// Give the watcher a moment to finish initial replay.
	time.Sleep(200 * time.Millisecond)

	// Bookkeeping writes made by the engine itself must not come back
	// through the change stream.
	if err := store.MarkRuleExecuted(ctx, "rule-exec", time.Now().UTC()); err != nil {
		t.Fatalf("MarkRuleExecuted() error = %v", err)
	}
	if err := store.DecrementOccurrence(ctx, "rule-occ", "06:30:00+05:30", 3); err != nil {
		t.Fatalf("DecrementOccurrence() error = %v", err)
	}

	// A dashboard edit arriving after the bookkeeping writes must be the
	// next emission. The stream is ordered, so seeing the edit first
	// proves the two engine writes were consumed.
	edited := sampleRuleDoc("rule-exec")
	edited.Name = "renamed"
	if err := store.PutRule(ctx, edited); err != nil {
		t.Fatalf("PutRule() error = %v", err)
	}
	change := waitForChange(t, changes)
	if change.Type != RuleUpdated || change.ID != "rule-exec" {
		t.Errorf("expected updated rule-exec, got %s %s", change.Type, change.ID)
	}
	if change.Doc == nil || change.Doc.Name != "renamed" {
		t.Errorf("expected edited document, got %+v", change.Doc)
	}

	select {
	case extra := <-changes:
		t.Errorf("unexpected trailing change %s %s", extra.Type, extra.ID)
	case <-time.After(300 * time.Millisecond):
	}
}
