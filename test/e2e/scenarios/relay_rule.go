package scenarios

import (
	"context"
	"errors"
	"fmt"

	"github.com/qube-ai/rule-vm/storage"
	"github.com/qube-ai/rule-vm/test/e2e/config"
)

// Seeded document ids for the relay-rule scenario.
const (
	relayRuleID     = config.SeedPrefix + "relay-rule"
	relayRuleDevice = config.SeedPrefix + "sw-1"
)

// RelayRuleScenario stores a rule that links two relays on one switch and
// verifies that the running engine picks the rule up through the change
// stream, evaluates it, and drives the target relay. The engine under test
// only needs its rule and device buckets; no event traffic is involved.
type RelayRuleScenario struct {
	cfg  *config.Config
	sess *session
}

// NewRelayRuleScenario creates a relay-rule scenario against the given target.
func NewRelayRuleScenario(cfg *config.Config) *RelayRuleScenario {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &RelayRuleScenario{cfg: cfg}
}

// Name returns the scenario identifier.
func (s *RelayRuleScenario) Name() string {
	return "relay-rule"
}

// Description returns what this scenario verifies.
func (s *RelayRuleScenario) Description() string {
	return "Stores a relay-linked rule and verifies the engine turns on the second relay of the seeded switch"
}

// Setup connects to the deployment and seeds the switch document. A stale
// rule from an earlier aborted run is removed so the store write in Execute
// is what triggers the engine.
func (s *RelayRuleScenario) Setup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SetupTimeout)
	defer cancel()

	sess, err := dial(ctx, s.cfg)
	if err != nil {
		return err
	}
	s.sess = sess

	if err := sess.store.DeleteRule(ctx, relayRuleID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("remove stale rule: %w", err)
	}

	device := &storage.Device{
		ID:          relayRuleDevice,
		Type:        "switch",
		RelayStatus: []int{1, 0},
		Heartbeat:   300,
		InsertedBy:  "e2e-seed",
	}
	if err := sess.store.PutDevice(ctx, device); err != nil {
		return fmt.Errorf("seed device: %w", err)
	}
	return nil
}

// Execute stores the rule and waits for the engine's writes to land.
func (s *RelayRuleScenario) Execute(ctx context.Context) (*Result, error) {
	result := NewResult(s.Name())
	defer result.Complete()

	ok := runStage(result, "store rule", func() error {
		doc := &storage.RuleDoc{
			ID:      relayRuleID,
			Name:    "e2e relay follows relay",
			Enabled: true,
			Conditions: []map[string]any{
				{"operation": "RELAY_STATE", "device_id": relayRuleDevice, "relay_index": 0, "state": 1},
			},
			Actions: []map[string]any{
				{"type": "CHANGE_RELAY_STATE", "device_id": relayRuleDevice, "relay_index": 1, "state": 1},
			},
		}
		return s.sess.store.PutRule(ctx, doc)
	})
	if !ok {
		return result, nil
	}

	ok = runStage(result, "await relay change", func() error {
		return awaitCondition(ctx, s.cfg.PollInterval, s.cfg.StageTimeout, func(ctx context.Context) error {
			device, err := s.sess.store.GetDevice(ctx, relayRuleDevice)
			if err != nil {
				return err
			}
			if len(device.RelayStatus) < 2 || device.RelayStatus[1] != 1 {
				return fmt.Errorf("relay 1 still %v", device.RelayStatus)
			}
			if device.InsertedBy != storage.InsertedByEngine {
				return fmt.Errorf("device written by %q, not the engine", device.InsertedBy)
			}
			return nil
		})
	})
	if !ok {
		return result, nil
	}

	ok = runStage(result, "await execution bookkeeping", func() error {
		return awaitCondition(ctx, s.cfg.PollInterval, s.cfg.StageTimeout, func(ctx context.Context) error {
			doc, err := s.sess.store.GetRule(ctx, relayRuleID)
			if err != nil {
				return err
			}
			if doc.ExecutionCount < 1 {
				return fmt.Errorf("execution count still %d", doc.ExecutionCount)
			}
			if doc.LastExecuted.IsZero() {
				return fmt.Errorf("last executed not recorded")
			}
			return nil
		})
	})

	result.Success = ok
	return result, nil
}

// Teardown removes the seeded documents and closes the connection.
func (s *RelayRuleScenario) Teardown(ctx context.Context) error {
	if s.sess == nil {
		return nil
	}
	defer s.sess.close()

	var errs []error
	if err := s.sess.store.DeleteRule(ctx, relayRuleID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		errs = append(errs, fmt.Errorf("delete rule: %w", err))
	}
	if err := s.sess.store.DeleteDevice(ctx, relayRuleDevice); err != nil && !errors.Is(err, storage.ErrNotFound) {
		errs = append(errs, fmt.Errorf("delete device: %w", err))
	}
	return errors.Join(errs...)
}
