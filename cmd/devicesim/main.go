// Package main implements a synthetic device fleet for local development and
// e2e testing. It publishes telemetry events the way the firmware gateway
// does: one JetStream subject per device class and id, the device ids in the
// message headers, and class-shaped JSON payloads. This removes the need for
// real hardware while wiring up rules against a running engine.
//
// Usage:
//
//	devicesim -nats nats://localhost:4222 -devices "hall-sw:switch,hall-occ:occupancy"
//
// Each device is "id:class" where class is one of door_window, energy_meter,
// switch, occupancy. Door/window and relay states drift randomly between
// ticks so state-change rules fire without manual poking. Occupancy devices
// alternate between beaconing and silence so presence rules see both sides;
// with the default 5s interval the silent phase outlasts the 60s presence
// heartbeat.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/qube-ai/rule-vm/bus"
)

// Occupancy duty cycle in ticks. Sized so the vacant phase exceeds the
// default presence heartbeat at the default interval.
const (
	occupiedTicks = 12
	vacantTicks   = 15
)

const defaultDevices = "sim-dw-1:door_window,sim-meter-1:energy_meter,sim-sw-1:switch,sim-occ-1:occupancy"

// simDevice is one simulated device and its drifting state.
type simDevice struct {
	ID    string
	NumID string
	Class string

	rng      *rand.Rand
	interval time.Duration

	open        bool
	relays      [2]int
	temperature float64
	energyWh    float64
	tick        int
}

func main() {
	natsURL := flag.String("nats", nats.DefaultURL, "NATS server URL")
	prefix := flag.String("prefix", "telemetry", "telemetry subject prefix")
	stream := flag.String("stream", "TELEMETRY_EVENTS", "JetStream stream to publish into (created if missing)")
	interval := flag.Duration("interval", 5*time.Second, "time between publish ticks")
	count := flag.Int("count", 0, "number of ticks to run (0 = until interrupted)")
	devices := flag.String("devices", defaultDevices, "comma-separated id:class device list")
	seed := flag.Int64("seed", 0, "random seed (0 = time-based)")
	flag.Parse()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	fleet, err := parseDevices(*devices, *interval, *seed)
	if err != nil {
		log.Fatalf("Invalid -devices: %v", err)
	}

	nc, err := nats.Connect(*natsURL, nats.Name("rulevm-devicesim"))
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *natsURL, err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		log.Fatalf("Failed to create JetStream context: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ensureStream(ctx, js, *stream, *prefix); err != nil {
		log.Fatalf("Failed to ensure stream %s: %v", *stream, err)
	}

	log.Printf("Simulating %d device(s) on %s every %v (seed %d)", len(fleet), *natsURL, *interval, *seed)
	for _, d := range fleet {
		log.Printf("  device: %s (%s, numeric id %s)", d.ID, d.Class, d.NumID)
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for tick := 1; ; tick++ {
		publishTick(ctx, js, *prefix, fleet, tick)
		if *count > 0 && tick >= *count {
			log.Printf("Completed %d tick(s)", tick)
			return
		}
		select {
		case <-ctx.Done():
			log.Printf("Interrupted after %d tick(s)", tick)
			return
		case <-ticker.C:
		}
	}
}

func publishTick(ctx context.Context, js jetstream.JetStream, prefix string, fleet []*simDevice, tick int) {
	for _, d := range fleet {
		payload, beaconing := d.sample()
		if !beaconing {
			continue
		}

		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("[tick %d] %s: marshal payload: %v", tick, d.ID, err)
			continue
		}

		msg := nats.NewMsg(prefix + "." + d.Class + "." + d.ID)
		msg.Header.Set(bus.HeaderDeviceID, d.ID)
		msg.Header.Set(bus.HeaderDeviceNumID, d.NumID)
		msg.Data = data

		if _, err := js.PublishMsg(ctx, msg); err != nil {
			log.Printf("[tick %d] %s: publish to %s: %v", tick, d.ID, msg.Subject, err)
			continue
		}
		log.Printf("[tick %d] %s %s %s", tick, d.ID, d.Class, summarize(d.Class, payload))
	}
}

// sample advances the device state by one tick and returns the payload to
// publish. Occupancy devices report false during their vacant phase.
func (d *simDevice) sample() (map[string]any, bool) {
	d.tick++

	switch d.Class {
	case bus.ClassDoorWindow:
		if d.rng.Intn(6) == 0 {
			d.open = !d.open
		}
		state := "close"
		if d.open {
			state = "open"
		}
		return map[string]any{"state": state, "status": state}, true

	case bus.ClassEnergyMeter:
		voltage := 230 + d.rng.Float64()*4 - 2
		current := 2 + d.rng.Float64()*8
		pf := 0.85 + d.rng.Float64()*0.14
		frequency := 50 + d.rng.Float64()*0.4 - 0.2
		power := voltage * current * pf
		d.energyWh += power * d.interval.Seconds() / 3600
		return map[string]any{
			"voltage":   round2(voltage),
			"current":   round2(current),
			"frequency": round2(frequency),
			"pf":        round2(pf),
			"power":     round2(power),
			"energy":    round2(d.energyWh),
		}, true

	case bus.ClassSwitch:
		if d.rng.Intn(8) == 0 {
			d.relays[0] = 1 - d.relays[0]
		}
		if d.rng.Intn(12) == 0 {
			d.relays[1] = 1 - d.relays[1]
		}
		d.temperature += d.rng.Float64() - 0.5
		return map[string]any{
			"relay_state":        d.relays[0],
			"temperature_sensor": round2(d.temperature),
			"relay1":             d.relays[0],
			"relay2":             d.relays[1],
		}, true

	case bus.ClassOccupancy:
		phase := (d.tick - 1) % (occupiedTicks + vacantTicks)
		if phase >= occupiedTicks {
			return nil, false
		}
		return map[string]any{}, true
	}

	return nil, false
}

func summarize(class string, payload map[string]any) string {
	switch class {
	case bus.ClassDoorWindow:
		return fmt.Sprintf("state=%v", payload["state"])
	case bus.ClassEnergyMeter:
		return fmt.Sprintf("power=%vW energy=%vWh", payload["power"], payload["energy"])
	case bus.ClassSwitch:
		return fmt.Sprintf("relay1=%v relay2=%v temp=%v", payload["relay1"], payload["relay2"], payload["temperature_sensor"])
	case bus.ClassOccupancy:
		return "beacon"
	}
	return ""
}

func round2(v float64) float64 {
	return float64(int(v*100)) / 100
}

// parseDevices builds the fleet from a comma-separated id:class list. Each
// device gets its own rng stream so one device's draws do not shift another's.
func parseDevices(spec string, interval time.Duration, seed int64) ([]*simDevice, error) {
	classes := map[string]bool{
		bus.ClassDoorWindow:  true,
		bus.ClassEnergyMeter: true,
		bus.ClassSwitch:      true,
		bus.ClassOccupancy:   true,
	}

	var fleet []*simDevice
	seen := make(map[string]bool)
	for i, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, class, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("entry %q is not id:class", entry)
		}
		if !classes[class] {
			return nil, fmt.Errorf("entry %q: unknown class %q", entry, class)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate device id %q", id)
		}
		seen[id] = true

		fleet = append(fleet, &simDevice{
			ID:          id,
			NumID:       fmt.Sprintf("%d", 1000+i),
			Class:       class,
			rng:         rand.New(rand.NewSource(seed + int64(i))),
			interval:    interval,
			temperature: 28,
		})
	}
	if len(fleet) == 0 {
		return nil, fmt.Errorf("no devices")
	}
	return fleet, nil
}

// ensureStream creates the telemetry stream when no engine has done so yet.
// An existing stream is left untouched; its subject filters belong to the
// engine configuration.
func ensureStream(ctx context.Context, js jetstream.JetStream, name, prefix string) error {
	_, err := js.Stream(ctx, name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return err
	}
	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{prefix + ".>"},
	})
	return err
}
