package scenarios

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/qube-ai/rule-vm/bus"
	"github.com/qube-ai/rule-vm/storage"
	"github.com/qube-ai/rule-vm/test/e2e/config"
)

// Seeded document ids for the device-event scenario.
const (
	eventRuleID    = config.SeedPrefix + "event-rule"
	eventBeaconID  = config.SeedPrefix + "occ-1"
	eventSwitchID  = config.SeedPrefix + "sw-2"
	eventBeaconNum = "2001"
	staleBeaconAge = 10 * time.Minute
)

// DeviceEventScenario exercises the event trigger end to end: it publishes an
// occupancy beacon the way a telemetry gateway would and verifies the engine
// ingests the sample, re-evaluates the dependent rule, and drives the relay.
//
// The target deployment must subscribe to occupancy events under the
// scenario's subject prefix and run with record ingest enabled; without
// those the beacon never reaches the engine.
type DeviceEventScenario struct {
	cfg  *config.Config
	sess *session
}

// NewDeviceEventScenario creates a device-event scenario against the given target.
func NewDeviceEventScenario(cfg *config.Config) *DeviceEventScenario {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &DeviceEventScenario{cfg: cfg}
}

// Name returns the scenario identifier.
func (s *DeviceEventScenario) Name() string {
	return "device-event"
}

// Description returns what this scenario verifies.
func (s *DeviceEventScenario) Description() string {
	return "Publishes an occupancy beacon and verifies the engine ingests it and switches the dependent relay (needs an occupancy subscription with record ingest)"
}

// Setup connects to the deployment and seeds the beacon device, the switch,
// and one stale presence sample. The stale sample keeps the rule's first
// evaluation a clean false instead of a missing-record error; only the
// published beacon flips it.
func (s *DeviceEventScenario) Setup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SetupTimeout)
	defer cancel()

	sess, err := dial(ctx, s.cfg)
	if err != nil {
		return err
	}
	s.sess = sess

	if err := sess.store.DeleteRule(ctx, eventRuleID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("remove stale rule: %w", err)
	}

	beacon := &storage.Device{
		ID:         eventBeaconID,
		Type:       "occupancy",
		Heartbeat:  60,
		InsertedBy: "e2e-seed",
	}
	if err := sess.store.PutDevice(ctx, beacon); err != nil {
		return fmt.Errorf("seed beacon device: %w", err)
	}

	sw := &storage.Device{
		ID:          eventSwitchID,
		Type:        "switch",
		RelayStatus: []int{0, 0},
		Heartbeat:   300,
		InsertedBy:  "e2e-seed",
	}
	if err := sess.store.PutDevice(ctx, sw); err != nil {
		return fmt.Errorf("seed switch device: %w", err)
	}

	stale := storage.Record{}
	stale.SetTimestamp(time.Now().Add(-staleBeaconAge))
	if err := sess.store.AppendRecord(ctx, eventBeaconID, stale); err != nil {
		return fmt.Errorf("seed stale sample: %w", err)
	}
	return nil
}

// Execute stores the rule, publishes the beacon, and waits for the ingest and
// the relay write.
func (s *DeviceEventScenario) Execute(ctx context.Context) (*Result, error) {
	result := NewResult(s.Name())
	defer result.Complete()

	ok := runStage(result, "store rule", func() error {
		doc := &storage.RuleDoc{
			ID:      eventRuleID,
			Name:    "e2e presence switches relay",
			Enabled: true,
			Conditions: []map[string]any{
				{"operation": "OCCUPANCY", "device_id": eventBeaconID, "state": "occupied"},
			},
			Actions: []map[string]any{
				{"type": "CHANGE_RELAY_STATE", "device_id": eventSwitchID, "relay_index": 0, "state": 1},
			},
		}
		return s.sess.store.PutRule(ctx, doc)
	})
	if !ok {
		return result, nil
	}

	ok = runStage(result, "publish beacon", func() error {
		msg := nats.NewMsg(s.cfg.EventSubject(bus.ClassOccupancy, eventBeaconID))
		msg.Header.Set(bus.HeaderDeviceID, eventBeaconID)
		msg.Header.Set(bus.HeaderDeviceNumID, eventBeaconNum)
		msg.Data = []byte(`{}`)
		if _, err := s.sess.js.PublishMsg(ctx, msg); err != nil {
			return fmt.Errorf("publish to %s: %w", msg.Subject, err)
		}
		return nil
	})
	if !ok {
		return result, nil
	}

	ok = runStage(result, "await record ingest", func() error {
		return awaitCondition(ctx, s.cfg.PollInterval, s.cfg.StageTimeout, func(ctx context.Context) error {
			rec, err := s.sess.store.LatestRecord(ctx, eventBeaconID)
			if err != nil {
				return err
			}
			ts, found := rec.Timestamp()
			if !found {
				return fmt.Errorf("ingested sample has no timestamp")
			}
			if time.Since(ts) >= time.Minute {
				return fmt.Errorf("latest sample still the stale seed (%v old)", time.Since(ts).Round(time.Second))
			}
			return nil
		})
	})
	if !ok {
		return result, nil
	}

	ok = runStage(result, "await relay change", func() error {
		return awaitCondition(ctx, s.cfg.PollInterval, s.cfg.StageTimeout, func(ctx context.Context) error {
			device, err := s.sess.store.GetDevice(ctx, eventSwitchID)
			if err != nil {
				return err
			}
			if len(device.RelayStatus) < 1 || device.RelayStatus[0] != 1 {
				return fmt.Errorf("relay 0 still %v", device.RelayStatus)
			}
			return nil
		})
	})

	result.Success = ok
	return result, nil
}

// Teardown removes the seeded documents, purges the beacon samples, and
// closes the connection.
func (s *DeviceEventScenario) Teardown(ctx context.Context) error {
	if s.sess == nil {
		return nil
	}
	defer s.sess.close()

	var errs []error
	if err := s.sess.store.DeleteRule(ctx, eventRuleID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		errs = append(errs, fmt.Errorf("delete rule: %w", err))
	}
	for _, id := range []string{eventBeaconID, eventSwitchID} {
		if err := s.sess.store.DeleteDevice(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete device %s: %w", id, err))
		}
	}
	if err := s.sess.store.PurgeRecords(ctx, eventBeaconID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		errs = append(errs, fmt.Errorf("purge samples: %w", err))
	}
	return errors.Join(errs...)
}
