// Package storage provides device, record, and rule document storage
// for the rule VM using NATS KV.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Default bucket names.
const (
	BucketDevices = "DEVICES"
	BucketRecords = "TELEMETRY"
	BucketRules   = "RULES"
)

// DefaultRecordHistory is the per-key revision depth of the record bucket.
// NATS KV caps history at 64.
const DefaultRecordHistory = 64

// InsertedByEngine marks device documents last written by the rule engine.
const InsertedByEngine = "dashboard"

// Options configures the buckets backing a Store.
type Options struct {
	DeviceBucket  string
	RecordBucket  string
	RuleBucket    string
	RecordHistory int
}

func (o Options) withDefaults() Options {
	if o.DeviceBucket == "" {
		o.DeviceBucket = BucketDevices
	}
	if o.RecordBucket == "" {
		o.RecordBucket = BucketRecords
	}
	if o.RuleBucket == "" {
		o.RuleBucket = BucketRules
	}
	if o.RecordHistory <= 0 {
		o.RecordHistory = DefaultRecordHistory
	}
	return o
}

// Device is the live state document for one device.
type Device struct {
	ID                string    `json:"deviceId"`
	Type              string    `json:"type,omitempty"`
	RelayStatus       []int     `json:"relayStatus,omitempty"`
	RelayState        int       `json:"relay_state"`
	Heartbeat         int       `json:"heartbeat,omitempty"`
	Voltage           float64   `json:"voltage,omitempty"`
	Current           float64   `json:"current,omitempty"`
	RealPower         float64   `json:"real_power,omitempty"`
	ApparentPower     float64   `json:"apparent_power,omitempty"`
	PowerFactor       float64   `json:"power_factor,omitempty"`
	Frequency         float64   `json:"frequency,omitempty"`
	Energy            float64   `json:"energy,omitempty"`
	TemperatureSensor float64   `json:"temperature_sensor,omitempty"`
	InsertedBy        string    `json:"insertedBy,omitempty"`
	UpdatedAt         time.Time `json:"updated_at,omitempty"`
}

// Record is one generated-data sample for a device. Samples carry
// class-specific fields (status, relay1..relayN, temperature_sensor, meter
// variables) so the document stays schemaless; typed accessors cover the
// fields the instruction set reads.
type Record map[string]any

// TimestampKey holds the sample creation time as RFC3339.
const TimestampKey = "creation_timestamp"

// Timestamp returns the sample creation time.
func (r Record) Timestamp() (time.Time, bool) {
	v, ok := r[TimestampKey]
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

// SetTimestamp stores the sample creation time as RFC3339.
func (r Record) SetTimestamp(t time.Time) {
	r[TimestampKey] = t.UTC().Format(time.RFC3339)
}

// String returns the named field as a string.
func (r Record) String(key string) (string, bool) {
	v, ok := r[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Number returns the named field as a float64. JSON numbers decode to
// float64 so integral fields pass through here too.
func (r Record) Number(key string) (float64, bool) {
	switch v := r[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Int returns the named field truncated to an int.
func (r Record) Int(key string) (int, bool) {
	f, ok := r.Number(key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Store provides document storage operations backed by NATS KV.
type Store struct {
	devices jetstream.KeyValue
	records jetstream.KeyValue
	rules   jetstream.KeyValue

	// selfMu guards selfRevs: the revisions of this process's own
	// bookkeeping writes to the rule bucket. The change stream consumes
	// them so engine writes do not come back as rule updates.
	selfMu   sync.Mutex
	selfRevs map[string]map[uint64]struct{}
}

// NewStore creates a new Store with the given JetStream context.
// It creates the necessary KV buckets if they don't exist.
func NewStore(ctx context.Context, js jetstream.JetStream, opts Options) (*Store, error) {
	opts = opts.withDefaults()

	devices, err := getOrCreateBucket(ctx, js, opts.DeviceBucket, 5)
	if err != nil {
		return nil, fmt.Errorf("create device bucket: %w", err)
	}

	records, err := getOrCreateBucket(ctx, js, opts.RecordBucket, opts.RecordHistory)
	if err != nil {
		return nil, fmt.Errorf("create record bucket: %w", err)
	}

	rules, err := getOrCreateBucket(ctx, js, opts.RuleBucket, 5)
	if err != nil {
		return nil, fmt.Errorf("create rule bucket: %w", err)
	}

	return &Store{
		devices:  devices,
		records:  records,
		rules:    rules,
		selfRevs: make(map[string]map[uint64]struct{}),
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string, history int) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Rule VM %s storage", strings.ToLower(name)),
		History:     uint8(history),
	})
}

// GetDevice retrieves a device document by ID.
func (s *Store) GetDevice(ctx context.Context, id string) (*Device, error) {
	entry, err := s.devices.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device: %w", err)
	}

	var d Device
	if err := json.Unmarshal(entry.Value(), &d); err != nil {
		return nil, fmt.Errorf("unmarshal device: %w", err)
	}
	if d.ID == "" {
		d.ID = entry.Key()
	}

	return &d, nil
}

// PutDevice stores a device document under its ID.
func (s *Store) PutDevice(ctx context.Context, d *Device) error {
	if d.ID == "" {
		return fmt.Errorf("device ID is required")
	}

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal device: %w", err)
	}

	if _, err := s.devices.Put(ctx, d.ID, data); err != nil {
		return fmt.Errorf("store device: %w", err)
	}

	return nil
}

// DeleteDevice removes a device document.
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	if err := s.devices.Delete(ctx, id); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

// UpdateRelayState sets the relay at relayIndex to state on the device
// document and marks the write as engine-inserted.
func (s *Store) UpdateRelayState(ctx context.Context, deviceID string, relayIndex, state int) error {
	device, err := s.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	for len(device.RelayStatus) <= relayIndex {
		device.RelayStatus = append(device.RelayStatus, 0)
	}
	device.RelayStatus[relayIndex] = state
	device.RelayState = state
	device.InsertedBy = InsertedByEngine
	device.UpdatedAt = time.Now().UTC()

	return s.PutDevice(ctx, device)
}

// AppendRecord stores a new generated-data sample for the device. Older
// samples remain readable through the bucket's per-key history.
func (s *Store) AppendRecord(ctx context.Context, deviceID string, rec Record) error {
	if deviceID == "" {
		return fmt.Errorf("device ID is required")
	}
	if _, ok := rec.Timestamp(); !ok {
		rec.SetTimestamp(time.Now())
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if _, err := s.records.Put(ctx, deviceID, data); err != nil {
		return fmt.Errorf("store record: %w", err)
	}

	return nil
}

// LatestRecord retrieves the most recent sample for the device.
func (s *Store) LatestRecord(ctx context.Context, deviceID string) (Record, error) {
	entry, err := s.records.Get(ctx, deviceID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}

	return rec, nil
}

// RecentRecords retrieves up to n samples for the device, newest first.
func (s *Store) RecentRecords(ctx context.Context, deviceID string, n int) ([]Record, error) {
	entries, err := s.records.History(ctx, deviceID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("record history: %w", err)
	}

	// History is oldest first; walk backwards and skip tombstones.
	records := make([]Record, 0, n)
	for i := len(entries) - 1; i >= 0 && len(records) < n; i-- {
		if entries[i].Operation() != jetstream.KeyValuePut {
			continue
		}
		var rec Record
		if err := json.Unmarshal(entries[i].Value(), &rec); err != nil {
			continue // Skip entries that fail to load
		}
		records = append(records, rec)
	}

	return records, nil
}

// PurgeRecords removes the device's samples including their history.
func (s *Store) PurgeRecords(ctx context.Context, deviceID string) error {
	if err := s.records.Purge(ctx, deviceID); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("purge records: %w", err)
	}
	return nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key not found")
}
