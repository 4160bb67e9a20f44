// Package instruction defines the closed instruction set rules compile to.
//
// Conditions arrive as raw documents; New validates them against the
// per-opcode schema and returns an executable instruction. Operands read
// live device state through Env at evaluation time; the two logical
// operators only mark positions in the postfix stream.
package instruction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/qube-ai/rule-vm/storage"
)

// Opcode strings. Matching is case-insensitive on input documents.
const (
	OpLogicalAnd           = "LOGICAL_AND"
	OpLogicalOr            = "LOGICAL_OR"
	OpAtTime               = "AT_TIME"
	OpAtTimeWithOccurrence = "AT_TIME_WITH_OCCURRENCE"
	OpRelayState           = "RELAY_STATE"
	OpRelayStateFor        = "RELAY_STATE_FOR"
	OpDwState              = "DW_STATE"
	OpDwStateFor           = "DW_STATE_FOR"
	OpOccupancy            = "OCCUPANCY"
	OpOccupancyFor         = "OCCUPANCY_FOR"
	OpEnergyMeter          = "ENERGY_METER"
	OpTemperature          = "TEMPERATURE"
	OpTemperatureFor       = "TEMPERATURE_FOR"
)

// Compile errors.
var (
	// ErrUnknownOperation is returned for an opcode outside the closed set.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrInvalidInstruction is returned when a condition document fails its
	// operand schema.
	ErrInvalidInstruction = errors.New("invalid instruction")
)

// Env is the evaluation environment an instruction runs against. One Env is
// bound to one rule evaluation, so rule identity and scheduling requests
// need no back-reference from the instruction.
type Env interface {
	// RuleID identifies the rule under evaluation.
	RuleID() string
	// Periodic reports whether the rule allows deferred self-rescheduling.
	Periodic() bool

	// Device reads the live device document.
	Device(ctx context.Context, id string) (*storage.Device, error)
	// LatestRecord reads the newest generated-data sample for the device.
	LatestRecord(ctx context.Context, deviceID string) (storage.Record, error)
	// RecentRecords reads up to n samples, newest first.
	RecentRecords(ctx context.Context, deviceID string, n int) ([]storage.Record, error)

	// Occurrence reads the current firing budget of the rule's occurrence
	// condition for timeSpec.
	Occurrence(ctx context.Context, timeSpec string) (int, error)
	// DecrementOccurrence mutates the matching occurrence condition on the
	// rule document.
	DecrementOccurrence(ctx context.Context, timeSpec string, occurrence int) error

	// Defer parks the rule for re-evaluation after delay.
	Defer(delay time.Duration)

	// Now is the evaluation clock.
	Now() time.Time
}

// Instruction is one element of a compiled postfix stream.
type Instruction interface {
	// Op returns the canonical opcode.
	Op() string
	// DeviceID returns the device this operand depends on, or "" for
	// operators and time operands.
	DeviceID() string
	// Evaluate resolves the operand against the environment.
	Evaluate(ctx context.Context, env Env) (bool, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type factory func(raw map[string]any) (Instruction, error)

var factories = map[string]factory{
	OpLogicalAnd:           func(map[string]any) (Instruction, error) { return &LogicalAnd{}, nil },
	OpLogicalOr:            func(map[string]any) (Instruction, error) { return &LogicalOr{}, nil },
	OpAtTime:               newAtTime,
	OpAtTimeWithOccurrence: newAtTimeWithOccurrence,
	OpRelayState:           newRelayState,
	OpRelayStateFor:        newRelayStateFor,
	OpDwState:              newDwState,
	OpDwStateFor:           newDwStateFor,
	OpOccupancy:            newOccupancy,
	OpOccupancyFor:         newOccupancyFor,
	OpEnergyMeter:          newEnergyMeter,
	OpTemperature:          newTemperature,
	OpTemperatureFor:       newTemperatureFor,
}

// New builds the instruction for a raw condition document. The document's
// "operation" field selects the opcode; remaining fields are validated
// against that opcode's schema.
func New(raw map[string]any) (Instruction, error) {
	opRaw, _ := raw["operation"].(string)
	op := strings.ToUpper(strings.TrimSpace(opRaw))

	f, ok := factories[op]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, opRaw)
	}

	inst, err := f(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidInstruction, op, err)
	}
	return inst, nil
}

// decodeParams maps a raw condition document onto an operand's typed
// parameter struct and validates it.
func decodeParams(raw map[string]any, out any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return err
	}
	return validate.Struct(out)
}
