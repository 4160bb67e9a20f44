// Package bus subscribes to device telemetry events on JetStream and
// triggers evaluation of the rules that depend on the publishing device.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/qube-ai/rule-vm/storage"
)

// Device classes a subscription can validate payloads against.
const (
	ClassDoorWindow  = "door_window"
	ClassEnergyMeter = "energy_meter"
	ClassSwitch      = "switch"
	ClassOccupancy   = "occupancy"
)

// Telemetry message headers. Only the device id is consumed; the numeric id
// travels alongside it for other subscribers.
const (
	HeaderDeviceID    = "deviceId"
	HeaderDeviceNumID = "deviceNumId"
)

// classKeys lists the payload fields each device class is expected to carry.
// Occupancy events are bare presence pings with no required fields.
var classKeys = map[string][]string{
	ClassDoorWindow:  {"state"},
	ClassEnergyMeter: {"voltage", "current", "frequency", "pf", "power", "energy"},
	ClassSwitch:      {"relay_state", "temperature_sensor"},
	ClassOccupancy:   {},
}

// Dispatcher receives the device id of every accepted event. The call may
// block while the engine's ready queue is full; redelivery timing is the
// backpressure.
type Dispatcher interface {
	ExecuteAllDependentRules(deviceID string)
}

// RecordWriter ingests validated payloads into the record bucket.
type RecordWriter interface {
	AppendRecord(ctx context.Context, deviceID string, rec storage.Record) error
}

// Subscription binds one subject filter to a device class.
type Subscription struct {
	// Subject is the JetStream filter subject, e.g. "telemetry.dw.>".
	Subject string
	// Class selects the payload validation applied before dispatch.
	Class string
	// DeviceGlobs restricts dispatch to matching device ids. Empty means
	// every device.
	DeviceGlobs []string
}

// Options configures a Subscriber.
type Options struct {
	// Stream is the JetStream stream holding telemetry events.
	Stream string
	// Subscriptions are the per-device-class consumers to run.
	Subscriptions []Subscription
	// Records, when set, receives every validated payload.
	Records RecordWriter

	FetchBatch   int
	FetchMaxWait time.Duration
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Stream == "" {
		o.Stream = "TELEMETRY_EVENTS"
	}
	if o.FetchBatch <= 0 {
		o.FetchBatch = 16
	}
	if o.FetchMaxWait <= 0 {
		o.FetchMaxWait = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Subscriber consumes telemetry events and hands accepted device ids to the
// dispatcher. Ack on successful dispatch; nak only on JSON parse failure.
type Subscriber struct {
	js       jetstream.JetStream
	dispatch Dispatcher
	opts     Options
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an unstarted Subscriber.
func New(js jetstream.JetStream, dispatch Dispatcher, opts Options) *Subscriber {
	opts = opts.withDefaults()
	return &Subscriber{
		js:       js,
		dispatch: dispatch,
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Start ensures the stream exists, creates one durable consumer per
// subscription, and begins fetching.
func (s *Subscriber) Start(ctx context.Context) error {
	if len(s.opts.Subscriptions) == 0 {
		return fmt.Errorf("no bus subscriptions configured")
	}
	subjects := make([]string, len(s.opts.Subscriptions))
	for i, sub := range s.opts.Subscriptions {
		if _, ok := classKeys[sub.Class]; !ok {
			return fmt.Errorf("subscription %q: unknown device class %q", sub.Subject, sub.Class)
		}
		for _, glob := range sub.DeviceGlobs {
			if !doublestar.ValidatePattern(glob) {
				return fmt.Errorf("subscription %q: invalid device glob %q", sub.Subject, glob)
			}
		}
		subjects[i] = sub.Subject
	}

	subCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	stream, err := s.js.CreateOrUpdateStream(subCtx, jetstream.StreamConfig{
		Name:     s.opts.Stream,
		Subjects: subjects,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("create stream %s: %w", s.opts.Stream, err)
	}

	for i, sub := range s.opts.Subscriptions {
		consumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
			Durable:       fmt.Sprintf("rulevm-%s-%d", sub.Class, i),
			FilterSubject: sub.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
		})
		if err != nil {
			cancel()
			return fmt.Errorf("create consumer for %s: %w", sub.Subject, err)
		}
		s.wg.Add(1)
		go s.consumeLoop(subCtx, sub, consumer)
	}

	s.logger.Info("bus subscriber started",
		"stream", s.opts.Stream,
		"subscriptions", len(s.opts.Subscriptions))
	return nil
}

// Stop cancels the fetch loops and waits for in-flight handlers.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Subscriber) consumeLoop(ctx context.Context, sub Subscription, consumer jetstream.Consumer) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(s.opts.FetchBatch, jetstream.FetchMaxWait(s.opts.FetchMaxWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Debug("fetch timeout or error", "subject", sub.Subject, "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			s.handleMessage(ctx, sub, msg)
		}
		if err := msgs.Error(); err != nil && err != context.DeadlineExceeded {
			s.logger.Warn("message fetch error", "subject", sub.Subject, "error", err)
		}
	}
}

// handleMessage decodes one telemetry envelope. Everything except a JSON
// parse failure is acked: an event skipped for a missing header, a filtered
// device, or a malformed class payload would fail the same way on redelivery.
func (s *Subscriber) handleMessage(ctx context.Context, sub Subscription, msg jetstream.Msg) {
	var payload map[string]any
	if err := json.Unmarshal(msg.Data(), &payload); err != nil {
		s.logger.Error("malformed telemetry payload",
			"subject", msg.Subject(),
			"error", err)
		if err := msg.Nak(); err != nil {
			s.logger.Warn("failed to NAK message", "error", err)
		}
		return
	}

	deviceID := msg.Headers().Get(HeaderDeviceID)
	if deviceID == "" {
		s.logger.Warn("telemetry event without a deviceId header", "subject", msg.Subject())
		s.ack(msg)
		return
	}

	if !deviceAllowed(sub.DeviceGlobs, deviceID) {
		s.logger.Debug("device filtered by subscription globs",
			"device", deviceID,
			"subject", sub.Subject)
		s.ack(msg)
		return
	}

	if missing := missingKeys(sub.Class, payload); len(missing) > 0 {
		s.logger.Warn("telemetry payload missing expected fields",
			"device", deviceID,
			"class", sub.Class,
			"missing", missing)
		s.ack(msg)
		return
	}

	if s.opts.Records != nil {
		rec := storage.Record(payload)
		if _, ok := rec.Timestamp(); !ok {
			rec.SetTimestamp(time.Now().UTC())
		}
		if err := s.opts.Records.AppendRecord(ctx, deviceID, rec); err != nil {
			s.logger.Error("ingesting telemetry record",
				"device", deviceID,
				"error", err)
		}
	}

	s.dispatch.ExecuteAllDependentRules(deviceID)
	s.ack(msg)
}

func (s *Subscriber) ack(msg jetstream.Msg) {
	if err := msg.Ack(); err != nil {
		s.logger.Warn("failed to ACK message", "error", err)
	}
}

func deviceAllowed(globs []string, deviceID string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, glob := range globs {
		if ok, err := doublestar.Match(glob, deviceID); err == nil && ok {
			return true
		}
	}
	return false
}

func missingKeys(class string, payload map[string]any) []string {
	var missing []string
	for _, key := range classKeys[class] {
		if _, ok := payload[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}
