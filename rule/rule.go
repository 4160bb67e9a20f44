// Package rule models compiled rules: raw condition documents lowered to a
// postfix instruction stream, with bound actions and the device ids the
// rule depends on.
package rule

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/qube-ai/rule-vm/action"
	"github.com/qube-ai/rule-vm/instruction"
	"github.com/qube-ai/rule-vm/storage"
)

// ImmediateID marks a rule parsed from an ad-hoc script. Immediate rules
// never persist execution metadata back to the store.
const ImmediateID = "immediate"

// Rule is a compiled rule instance. The compiled streams are immutable and
// shared between clones; InstanceID tells scheduled copies apart.
type Rule struct {
	ID          string
	InstanceID  string
	Name        string
	Description string
	Enabled     bool
	Periodic    bool

	Conditions []map[string]any
	Actions    []map[string]any

	Postfix          []instruction.Instruction
	ActionStream     []action.Action
	DependentDevices []string

	LastExecution  time.Time
	ExecutionCount int64
}

// Compile builds a Rule from its stored document: conditions are compiled
// through the instruction set and lowered from infix to postfix, actions
// bind their collaborators from deps. A document that fails to compile is
// rejected whole.
func Compile(doc *storage.RuleDoc, deps action.Deps) (*Rule, error) {
	r := &Rule{
		ID:             doc.ID,
		InstanceID:     uuid.New().String(),
		Name:           doc.Name,
		Description:    doc.Description,
		Enabled:        doc.Enabled,
		Periodic:       doc.Periodic,
		Conditions:     doc.Conditions,
		Actions:        doc.Actions,
		LastExecution:  doc.LastExecuted,
		ExecutionCount: doc.ExecutionCount,
	}
	if err := r.compile(deps); err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return r, nil
}

func (r *Rule) compile(deps action.Deps) error {
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule has no conditions")
	}

	var operators []instruction.Instruction
	seen := make(map[string]bool)
	for i, raw := range r.Conditions {
		inst, err := instruction.New(raw)
		if err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
		if instruction.IsOperator(inst) {
			// Equal precedence, left associative: a parked operator
			// flushes before the next one parks.
			if n := len(operators); n > 0 {
				r.Postfix = append(r.Postfix, operators[n-1])
				operators = operators[:n-1]
			}
			operators = append(operators, inst)
			continue
		}
		r.Postfix = append(r.Postfix, inst)
		if id := inst.DeviceID(); id != "" && !seen[id] {
			seen[id] = true
			r.DependentDevices = append(r.DependentDevices, id)
		}
	}
	for n := len(operators); n > 0; n = len(operators) {
		r.Postfix = append(r.Postfix, operators[n-1])
		operators = operators[:n-1]
	}

	for i, raw := range r.Actions {
		act, err := action.New(raw, deps)
		if err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
		r.ActionStream = append(r.ActionStream, act)
	}
	return nil
}

// Clone returns a copy scheduled as a fresh instance. The compiled streams
// are shared; instructions and actions are immutable after construction.
func (r *Rule) Clone() *Rule {
	clone := *r
	clone.InstanceID = uuid.New().String()
	return &clone
}

// IsImmediate reports whether the rule came from an ad-hoc script rather
// than the rule store.
func (r *Rule) IsImmediate() bool { return r.ID == ImmediateID }

// DependsOn reports whether the rule references the device in any operand.
func (r *Rule) DependsOn(deviceID string) bool {
	for _, id := range r.DependentDevices {
		if id == deviceID {
			return true
		}
	}
	return false
}

// String identifies the rule in logs and observability dumps.
func (r *Rule) String() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}
