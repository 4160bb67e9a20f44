package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// RuleDoc is the stored form of a rule. Conditions and actions stay raw;
// the rule package compiles them.
type RuleDoc struct {
	ID             string           `json:"id,omitempty"`
	Name           string           `json:"name"`
	Description    string           `json:"description,omitempty"`
	Enabled        bool             `json:"enabled"`
	Conditions     []map[string]any `json:"conditions"`
	Actions        []map[string]any `json:"actions"`
	Periodic       bool             `json:"periodic_execution,omitempty"`
	LastExecuted   time.Time        `json:"last_executed"`
	ExecutionCount int64            `json:"execution_count"`
}

// RuleChangeType classifies a rule bucket change.
type RuleChangeType string

const (
	RuleAdded   RuleChangeType = "added"
	RuleUpdated RuleChangeType = "updated"
	RuleRemoved RuleChangeType = "removed"
)

// RuleChange is one entry of the rule change stream. Doc is nil for removals.
type RuleChange struct {
	Type RuleChangeType
	ID   string
	Doc  *RuleDoc
}

// GetRule retrieves a rule document by ID.
func (s *Store) GetRule(ctx context.Context, id string) (*RuleDoc, error) {
	entry, err := s.rules.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get rule: %w", err)
	}

	var doc RuleDoc
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal rule: %w", err)
	}
	if doc.ID == "" {
		doc.ID = entry.Key()
	}

	return &doc, nil
}

// PutRule stores a rule document under its ID.
func (s *Store) PutRule(ctx context.Context, doc *RuleDoc) error {
	if doc.ID == "" {
		return fmt.Errorf("rule ID is required")
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}

	if _, err := s.rules.Put(ctx, doc.ID, data); err != nil {
		return fmt.Errorf("store rule: %w", err)
	}

	return nil
}

// putRuleEngine stores a rule document the way PutRule does, but records the
// written revision as engine-origin so WatchRules does not replay it as an
// update. Bookkeeping writes re-triggering evaluation would loop any rule
// whose condition holds.
func (s *Store) putRuleEngine(ctx context.Context, doc *RuleDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}

	rev, err := s.rules.Put(ctx, doc.ID, data)
	if err != nil {
		return fmt.Errorf("store rule: %w", err)
	}
	s.recordSelfWrite(doc.ID, rev)
	return nil
}

func (s *Store) recordSelfWrite(key string, rev uint64) {
	s.selfMu.Lock()
	defer s.selfMu.Unlock()
	revs, ok := s.selfRevs[key]
	if !ok || len(revs) > 32 {
		// The cap only matters when no watcher is draining the set.
		revs = make(map[uint64]struct{})
		s.selfRevs[key] = revs
	}
	revs[rev] = struct{}{}
}

// consumeSelfWrite reports whether key/rev was written by this process's
// bookkeeping and forgets it.
func (s *Store) consumeSelfWrite(key string, rev uint64) bool {
	s.selfMu.Lock()
	defer s.selfMu.Unlock()
	revs, ok := s.selfRevs[key]
	if !ok {
		return false
	}
	if _, ok := revs[rev]; !ok {
		return false
	}
	delete(revs, rev)
	if len(revs) == 0 {
		delete(s.selfRevs, key)
	}
	return true
}

// DeleteRule removes a rule document.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	if err := s.rules.Delete(ctx, id); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

// ListRules returns all rule documents.
func (s *Store) ListRules(ctx context.Context) ([]*RuleDoc, error) {
	keys, err := s.rules.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list rule keys: %w", err)
	}

	docs := make([]*RuleDoc, 0, len(keys))
	for _, key := range keys {
		entry, err := s.rules.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var doc RuleDoc
		if err := json.Unmarshal(entry.Value(), &doc); err != nil {
			continue
		}
		if doc.ID == "" {
			doc.ID = key
		}
		docs = append(docs, &doc)
	}

	return docs, nil
}

// MarkRuleExecuted records a successful evaluation on the rule document.
func (s *Store) MarkRuleExecuted(ctx context.Context, id string, at time.Time) error {
	doc, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}

	doc.LastExecuted = at.UTC()
	doc.ExecutionCount++

	return s.putRuleEngine(ctx, doc)
}

// DecrementOccurrence finds the at_time_with_occurrence condition matching
// the given time spec and remaining count and decrements it in place.
func (s *Store) DecrementOccurrence(ctx context.Context, ruleID, timeSpec string, occurrence int) error {
	doc, err := s.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}

	for _, cond := range doc.Conditions {
		op, _ := cond["operation"].(string)
		if !strings.EqualFold(op, "AT_TIME_WITH_OCCURRENCE") {
			continue
		}
		t, _ := cond["time"].(string)
		if t != timeSpec {
			continue
		}
		if occ, ok := conditionInt(cond, "occurrence"); ok && occ == occurrence {
			cond["occurrence"] = occurrence - 1
			return s.putRuleEngine(ctx, doc)
		}
	}

	return fmt.Errorf("rule %s has no occurrence condition matching %s/%d", ruleID, timeSpec, occurrence)
}

// OccurrenceRemaining returns the current firing budget of the
// at_time_with_occurrence condition matching timeSpec. Deferred rule
// instances read this instead of their compiled copy so a chain of parked
// evaluations sees every decrement.
func (s *Store) OccurrenceRemaining(ctx context.Context, ruleID, timeSpec string) (int, error) {
	doc, err := s.GetRule(ctx, ruleID)
	if err != nil {
		return 0, err
	}

	for _, cond := range doc.Conditions {
		op, _ := cond["operation"].(string)
		if !strings.EqualFold(op, "AT_TIME_WITH_OCCURRENCE") {
			continue
		}
		t, _ := cond["time"].(string)
		if t != timeSpec {
			continue
		}
		if occ, ok := conditionInt(cond, "occurrence"); ok {
			return occ, nil
		}
	}

	return 0, fmt.Errorf("rule %s has no occurrence condition for %s", ruleID, timeSpec)
}

func conditionInt(cond map[string]any, key string) (int, bool) {
	switch v := cond[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}

// WatchRules streams rule bucket changes until the context is cancelled.
// Existing entries are consumed silently to seed the known-key set; only
// changes after the initial replay are emitted.
func (s *Store) WatchRules(ctx context.Context) (<-chan RuleChange, error) {
	watcher, err := s.rules.WatchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("watch rules: %w", err)
	}

	changes := make(chan RuleChange, 16)
	go func() {
		defer close(changes)
		defer watcher.Stop()

		known := make(map[string]bool)
		caughtUp := false

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					// Initial replay is complete
					caughtUp = true
					continue
				}

				key := entry.Key()
				if entry.Operation() != jetstream.KeyValuePut {
					if !known[key] {
						continue
					}
					delete(known, key)
					if caughtUp {
						select {
						case changes <- RuleChange{Type: RuleRemoved, ID: key}:
						case <-ctx.Done():
							return
						}
					}
					continue
				}

				if s.consumeSelfWrite(key, entry.Revision()) {
					known[key] = true
					continue
				}

				var doc RuleDoc
				if err := json.Unmarshal(entry.Value(), &doc); err != nil {
					continue
				}
				if doc.ID == "" {
					doc.ID = key
				}

				changeType := RuleAdded
				if known[key] {
					changeType = RuleUpdated
				}
				known[key] = true

				if caughtUp {
					select {
					case changes <- RuleChange{Type: changeType, ID: key, Doc: &doc}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return changes, nil
}
