package instruction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/qube-ai/rule-vm/storage"
)

// Heartbeat fallbacks when the device document does not carry one. Presence
// beacons arrive every minute; switch-state samples every five.
const (
	occupancyHeartbeat    = 60 * time.Second
	occupancyForHeartbeat = 120 * time.Second
	switchHeartbeat       = 300 * time.Second
)

func validComparison(op string) bool {
	switch op {
	case "=", "<", ">":
		return true
	}
	return false
}

func compare(lhs float64, op string, rhs float64) bool {
	switch op {
	case "=":
		return lhs == rhs
	case "<":
		return lhs < rhs
	case ">":
		return lhs > rhs
	}
	return false
}

// wholeMinutes truncates a duration to whole minutes; sustained-state math
// works on minute granularity.
func wholeMinutes(d time.Duration) int {
	return int(d.Minutes())
}

// lookbackCount sizes the record fetch for a sustained-state probe: enough
// samples to span the window at the device's reporting interval, plus one.
func lookbackCount(forMinutes int, heartbeat time.Duration) int {
	seconds := float64(forMinutes) * 60
	return int(math.Ceil(seconds/heartbeat.Seconds())) + 1
}

// resolveHeartbeat returns the device's reporting interval, falling back
// when the device document is missing or carries none.
func resolveHeartbeat(ctx context.Context, env Env, deviceID string, fallback time.Duration) (time.Duration, error) {
	device, err := env.Device(ctx, deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fallback, nil
		}
		return 0, err
	}
	if device.Heartbeat > 0 {
		return time.Duration(device.Heartbeat) * time.Second, nil
	}
	return fallback, nil
}

// sustainedMatch measures how long the device's records have continuously
// satisfied match, newest backwards. Short of the target on a periodic rule,
// it parks the rule for exactly the missing time.
func sustainedMatch(ctx context.Context, env Env, deviceID string, forMinutes int, heartbeat time.Duration, match func(storage.Record) bool) (bool, error) {
	latest, err := env.LatestRecord(ctx, deviceID)
	if err != nil {
		return false, fmt.Errorf("latest record of %s: %w", deviceID, err)
	}
	if !match(latest) {
		return false, nil
	}
	start, ok := latest.Timestamp()
	if !ok {
		return false, fmt.Errorf("record of %s has no timestamp", deviceID)
	}

	now := env.Now()
	if wholeMinutes(now.Sub(start)) >= forMinutes {
		return true, nil
	}

	// The newest record alone is short of the window; extend the run over
	// older records until one stops matching.
	records, err := env.RecentRecords(ctx, deviceID, lookbackCount(forMinutes, heartbeat))
	if err != nil {
		return false, fmt.Errorf("recent records of %s: %w", deviceID, err)
	}
	for i := 1; i < len(records); i++ {
		if !match(records[i]) {
			break
		}
		ts, ok := records[i].Timestamp()
		if !ok {
			break
		}
		start = ts
	}

	measured := wholeMinutes(now.Sub(start))
	if measured >= forMinutes {
		return true, nil
	}
	if env.Periodic() {
		env.Defer(time.Duration(forMinutes-measured) * time.Minute)
	}
	return false, nil
}

// sustainedPresence measures continuous occupancy: the run extends backwards
// while adjacent beacons are no further apart than the heartbeat.
func sustainedPresence(ctx context.Context, env Env, deviceID string, forMinutes int, heartbeat time.Duration) (bool, error) {
	latest, err := env.LatestRecord(ctx, deviceID)
	if err != nil {
		return false, fmt.Errorf("latest record of %s: %w", deviceID, err)
	}
	start, ok := latest.Timestamp()
	if !ok {
		return false, fmt.Errorf("record of %s has no timestamp", deviceID)
	}

	now := env.Now()
	if now.Sub(start) >= heartbeat {
		// The beacon stream has gone quiet: not occupied right now.
		return false, nil
	}
	if wholeMinutes(now.Sub(start)) >= forMinutes {
		return true, nil
	}

	records, err := env.RecentRecords(ctx, deviceID, lookbackCount(forMinutes, heartbeat))
	if err != nil {
		return false, fmt.Errorf("recent records of %s: %w", deviceID, err)
	}
	prev := start
	for i := 1; i < len(records); i++ {
		ts, ok := records[i].Timestamp()
		if !ok {
			break
		}
		if prev.Sub(ts) > heartbeat {
			break
		}
		start = ts
		prev = ts
	}

	measured := wholeMinutes(now.Sub(start))
	if measured >= forMinutes {
		return true, nil
	}
	if env.Periodic() {
		env.Defer(time.Duration(forMinutes-measured) * time.Minute)
	}
	return false, nil
}

type relayStateParams struct {
	DeviceID   string `json:"device_id" validate:"required"`
	RelayIndex int    `json:"relay_index" validate:"min=0"`
	State      int    `json:"state" validate:"min=0,max=1"`
}

// RelayState is true while the device's relay holds the wanted state.
type RelayState struct {
	Device     string
	RelayIndex int
	State      int
}

func newRelayState(raw map[string]any) (Instruction, error) {
	var p relayStateParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return &RelayState{Device: p.DeviceID, RelayIndex: p.RelayIndex, State: p.State}, nil
}

func (r *RelayState) Op() string       { return OpRelayState }
func (r *RelayState) DeviceID() string { return r.Device }

func (r *RelayState) Evaluate(ctx context.Context, env Env) (bool, error) {
	device, err := env.Device(ctx, r.Device)
	if err != nil {
		return false, fmt.Errorf("relay state of %s: %w", r.Device, err)
	}
	if r.RelayIndex >= len(device.RelayStatus) {
		return false, fmt.Errorf("relay state of %s: index %d out of range (%d relays)", r.Device, r.RelayIndex, len(device.RelayStatus))
	}
	return device.RelayStatus[r.RelayIndex] == r.State, nil
}

type relayStateForParams struct {
	DeviceID   string `json:"device_id" validate:"required"`
	RelayIndex int    `json:"relay_index" validate:"min=0"`
	State      int    `json:"state" validate:"min=0,max=1"`
	ForMinutes int    `json:"for_minutes" validate:"required,min=1"`
}

// RelayStateFor is true once the relay has held the wanted state for the
// whole window.
type RelayStateFor struct {
	Device     string
	RelayIndex int
	State      int
	ForMinutes int
}

func newRelayStateFor(raw map[string]any) (Instruction, error) {
	var p relayStateForParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return &RelayStateFor{Device: p.DeviceID, RelayIndex: p.RelayIndex, State: p.State, ForMinutes: p.ForMinutes}, nil
}

func (r *RelayStateFor) Op() string       { return OpRelayStateFor }
func (r *RelayStateFor) DeviceID() string { return r.Device }

func (r *RelayStateFor) Evaluate(ctx context.Context, env Env) (bool, error) {
	heartbeat, err := resolveHeartbeat(ctx, env, r.Device, switchHeartbeat)
	if err != nil {
		return false, err
	}
	// Records carry relays one-based.
	field := fmt.Sprintf("relay%d", r.RelayIndex+1)
	return sustainedMatch(ctx, env, r.Device, r.ForMinutes, heartbeat, func(rec storage.Record) bool {
		v, ok := rec.Int(field)
		return ok && v == r.State
	})
}

type dwStateParams struct {
	DeviceID string `json:"device_id" validate:"required"`
	State    string `json:"state" validate:"required,oneof=open close"`
}

// DwState is true while the door/window's most recent sample reports the
// wanted state.
type DwState struct {
	Device string
	State  string
}

func newDwState(raw map[string]any) (Instruction, error) {
	var p dwStateParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return &DwState{Device: p.DeviceID, State: p.State}, nil
}

func (d *DwState) Op() string       { return OpDwState }
func (d *DwState) DeviceID() string { return d.Device }

func (d *DwState) Evaluate(ctx context.Context, env Env) (bool, error) {
	rec, err := env.LatestRecord(ctx, d.Device)
	if err != nil {
		return false, fmt.Errorf("latest record of %s: %w", d.Device, err)
	}
	status, _ := rec.String("status")
	return status == d.State, nil
}

type dwStateForParams struct {
	DeviceID   string `json:"device_id" validate:"required"`
	State      string `json:"state" validate:"required,oneof=open close"`
	ForMinutes int    `json:"for_minutes" validate:"required,min=1"`
}

// DwStateFor is true once the door/window has held the wanted state for the
// whole window.
type DwStateFor struct {
	Device     string
	State      string
	ForMinutes int
}

func newDwStateFor(raw map[string]any) (Instruction, error) {
	var p dwStateForParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return &DwStateFor{Device: p.DeviceID, State: p.State, ForMinutes: p.ForMinutes}, nil
}

func (d *DwStateFor) Op() string       { return OpDwStateFor }
func (d *DwStateFor) DeviceID() string { return d.Device }

func (d *DwStateFor) Evaluate(ctx context.Context, env Env) (bool, error) {
	heartbeat, err := resolveHeartbeat(ctx, env, d.Device, switchHeartbeat)
	if err != nil {
		return false, err
	}
	return sustainedMatch(ctx, env, d.Device, d.ForMinutes, heartbeat, func(rec storage.Record) bool {
		status, _ := rec.String("status")
		return status == d.State
	})
}

type occupancyParams struct {
	DeviceID string `json:"device_id" validate:"required"`
	State    string `json:"state" validate:"required,oneof=occupied unoccupied"`
}

// Occupancy derives presence from beacon freshness: occupied while the
// newest sample is younger than the heartbeat.
type Occupancy struct {
	Device string
	State  string
}

func newOccupancy(raw map[string]any) (Instruction, error) {
	var p occupancyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return &Occupancy{Device: p.DeviceID, State: p.State}, nil
}

func (o *Occupancy) Op() string       { return OpOccupancy }
func (o *Occupancy) DeviceID() string { return o.Device }

func (o *Occupancy) Evaluate(ctx context.Context, env Env) (bool, error) {
	heartbeat, err := resolveHeartbeat(ctx, env, o.Device, occupancyHeartbeat)
	if err != nil {
		return false, err
	}
	rec, err := env.LatestRecord(ctx, o.Device)
	if err != nil {
		return false, fmt.Errorf("latest record of %s: %w", o.Device, err)
	}
	ts, ok := rec.Timestamp()
	if !ok {
		return false, fmt.Errorf("record of %s has no timestamp", o.Device)
	}
	occupied := env.Now().Sub(ts) < heartbeat
	if o.State == "occupied" {
		return occupied, nil
	}
	return !occupied, nil
}

type occupancyForParams struct {
	DeviceID   string `json:"device_id" validate:"required"`
	State      string `json:"state" validate:"required,oneof=occupied unoccupied"`
	ForMinutes int    `json:"for_minutes" validate:"required,min=1"`
}

// OccupancyFor is true once presence (or absence) has been sustained for the
// whole window.
type OccupancyFor struct {
	Device     string
	State      string
	ForMinutes int
}

func newOccupancyFor(raw map[string]any) (Instruction, error) {
	var p occupancyForParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return &OccupancyFor{Device: p.DeviceID, State: p.State, ForMinutes: p.ForMinutes}, nil
}

func (o *OccupancyFor) Op() string       { return OpOccupancyFor }
func (o *OccupancyFor) DeviceID() string { return o.Device }

func (o *OccupancyFor) Evaluate(ctx context.Context, env Env) (bool, error) {
	heartbeat, err := resolveHeartbeat(ctx, env, o.Device, occupancyForHeartbeat)
	if err != nil {
		return false, err
	}
	if o.State == "occupied" {
		return sustainedPresence(ctx, env, o.Device, o.ForMinutes, heartbeat)
	}

	// Absence has no beacons to chain; it is measured from the last one.
	rec, err := env.LatestRecord(ctx, o.Device)
	if err != nil {
		return false, fmt.Errorf("latest record of %s: %w", o.Device, err)
	}
	ts, ok := rec.Timestamp()
	if !ok {
		return false, fmt.Errorf("record of %s has no timestamp", o.Device)
	}
	now := env.Now()
	if now.Sub(ts) < heartbeat {
		// Still occupied.
		return false, nil
	}
	measured := wholeMinutes(now.Sub(ts))
	if measured >= o.ForMinutes {
		return true, nil
	}
	if env.Periodic() {
		env.Defer(time.Duration(o.ForMinutes-measured) * time.Minute)
	}
	return false, nil
}

type energyMeterParams struct {
	DeviceID   string  `json:"device_id" validate:"required"`
	Variable   string  `json:"variable" validate:"required,oneof=voltage current real_power apparent_power power_factor frequency energy"`
	Comparison string  `json:"comparison_op" validate:"required"`
	Value      float64 `json:"value"`
}

// EnergyMeter compares a named meter variable on the device document.
type EnergyMeter struct {
	Device     string
	Variable   string
	Comparison string
	Value      float64
}

func newEnergyMeter(raw map[string]any) (Instruction, error) {
	var p energyMeterParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if !validComparison(p.Comparison) {
		return nil, fmt.Errorf("comparison_op %q must be one of = < >", p.Comparison)
	}
	return &EnergyMeter{Device: p.DeviceID, Variable: p.Variable, Comparison: p.Comparison, Value: p.Value}, nil
}

func (e *EnergyMeter) Op() string       { return OpEnergyMeter }
func (e *EnergyMeter) DeviceID() string { return e.Device }

func (e *EnergyMeter) Evaluate(ctx context.Context, env Env) (bool, error) {
	device, err := env.Device(ctx, e.Device)
	if err != nil {
		return false, fmt.Errorf("meter %s: %w", e.Device, err)
	}
	v, err := meterVariable(device, e.Variable)
	if err != nil {
		return false, err
	}
	return compare(v, e.Comparison, e.Value), nil
}

func meterVariable(d *storage.Device, name string) (float64, error) {
	switch name {
	case "voltage":
		return d.Voltage, nil
	case "current":
		return d.Current, nil
	case "real_power":
		return d.RealPower, nil
	case "apparent_power":
		return d.ApparentPower, nil
	case "power_factor":
		return d.PowerFactor, nil
	case "frequency":
		return d.Frequency, nil
	case "energy":
		return d.Energy, nil
	}
	return 0, fmt.Errorf("unknown meter variable %q", name)
}

type temperatureParams struct {
	DeviceID   string  `json:"device_id" validate:"required"`
	Comparison string  `json:"comparison_op" validate:"required"`
	Value      float64 `json:"value"`
}

// Temperature compares the device's temperature sensor reading.
type Temperature struct {
	Device     string
	Comparison string
	Value      float64
}

func newTemperature(raw map[string]any) (Instruction, error) {
	var p temperatureParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if !validComparison(p.Comparison) {
		return nil, fmt.Errorf("comparison_op %q must be one of = < >", p.Comparison)
	}
	return &Temperature{Device: p.DeviceID, Comparison: p.Comparison, Value: p.Value}, nil
}

func (t *Temperature) Op() string       { return OpTemperature }
func (t *Temperature) DeviceID() string { return t.Device }

func (t *Temperature) Evaluate(ctx context.Context, env Env) (bool, error) {
	device, err := env.Device(ctx, t.Device)
	if err != nil {
		return false, fmt.Errorf("temperature of %s: %w", t.Device, err)
	}
	return compare(device.TemperatureSensor, t.Comparison, t.Value), nil
}

type temperatureForParams struct {
	DeviceID   string  `json:"device_id" validate:"required"`
	Comparison string  `json:"comparison_op" validate:"required"`
	Value      float64 `json:"value"`
	ForMinutes int     `json:"for_minutes" validate:"required,min=1"`
}

// TemperatureFor is true once every sample over the window has satisfied the
// comparison.
type TemperatureFor struct {
	Device     string
	Comparison string
	Value      float64
	ForMinutes int
}

func newTemperatureFor(raw map[string]any) (Instruction, error) {
	var p temperatureForParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if !validComparison(p.Comparison) {
		return nil, fmt.Errorf("comparison_op %q must be one of = < >", p.Comparison)
	}
	return &TemperatureFor{Device: p.DeviceID, Comparison: p.Comparison, Value: p.Value, ForMinutes: p.ForMinutes}, nil
}

func (t *TemperatureFor) Op() string       { return OpTemperatureFor }
func (t *TemperatureFor) DeviceID() string { return t.Device }

func (t *TemperatureFor) Evaluate(ctx context.Context, env Env) (bool, error) {
	heartbeat, err := resolveHeartbeat(ctx, env, t.Device, switchHeartbeat)
	if err != nil {
		return false, err
	}
	return sustainedMatch(ctx, env, t.Device, t.ForMinutes, heartbeat, func(rec storage.Record) bool {
		v, ok := rec.Number("temperature_sensor")
		return ok && compare(v, t.Comparison, t.Value)
	})
}
