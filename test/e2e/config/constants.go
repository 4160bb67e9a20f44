// Package config provides configuration constants for e2e tests.
package config

import "time"

// Default connection URLs.
const (
	DefaultNATSURL = "nats://localhost:4222"
)

// Default timeouts.
const (
	DefaultSetupTimeout = 30 * time.Second
	DefaultStageTimeout = 30 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
)

// Bucket names the target engine is expected to run with. Scenarios read
// and write the same buckets the engine watches.
const (
	DefaultDeviceBucket = "DEVICES"
	DefaultRecordBucket = "TELEMETRY"
	DefaultRuleBucket   = "RULES"
)

// Telemetry stream layout. The device-event scenario publishes beacons the
// way the firmware gateway does: one subject per class and device, with the
// device id carried in the message headers.
const (
	DefaultEventStream   = "TELEMETRY_EVENTS"
	DefaultSubjectPrefix = "telemetry"
)

// E2E test identifiers. Every document a scenario seeds carries this prefix
// so teardown can clean up without touching production rules.
const (
	SeedPrefix = "e2e-"
)

// Config holds the e2e test configuration.
type Config struct {
	NATSURL       string        `json:"nats_url"`
	DeviceBucket  string        `json:"device_bucket"`
	RecordBucket  string        `json:"record_bucket"`
	RuleBucket    string        `json:"rule_bucket"`
	EventStream   string        `json:"event_stream"`
	SubjectPrefix string        `json:"subject_prefix"`
	SetupTimeout  time.Duration `json:"setup_timeout"`
	StageTimeout  time.Duration `json:"stage_timeout"`
	PollInterval  time.Duration `json:"poll_interval"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		NATSURL:       DefaultNATSURL,
		DeviceBucket:  DefaultDeviceBucket,
		RecordBucket:  DefaultRecordBucket,
		RuleBucket:    DefaultRuleBucket,
		EventStream:   DefaultEventStream,
		SubjectPrefix: DefaultSubjectPrefix,
		SetupTimeout:  DefaultSetupTimeout,
		StageTimeout:  DefaultStageTimeout,
		PollInterval:  DefaultPollInterval,
	}
}

// EventSubject returns the publish subject for one device's beacons.
func (c *Config) EventSubject(class, deviceID string) string {
	return c.SubjectPrefix + "." + class + "." + deviceID
}
