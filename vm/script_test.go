package vm

import (
	"testing"

	"github.com/qube-ai/rule-vm/action"
	"github.com/qube-ai/rule-vm/instruction"
	"github.com/qube-ai/rule-vm/rule"
)

const ventScript = `
# Close the vent relay when the meeting room empties.
RELAY_STATE sw-1 0 1
AND
OCCUPANCY occ-1 UNOCCUPIED

FROBNICATE these args
CHANGE_RELAY_STATE sw-1 0 0
`

func TestParseRuleScript(t *testing.T) {
	doc, err := ParseRuleScript("close-vent", ventScript, testLogger())
	if err != nil {
		t.Fatalf("ParseRuleScript() error = %v", err)
	}

	if doc.ID != rule.ImmediateID {
		t.Errorf("doc ID = %q, want %q", doc.ID, rule.ImmediateID)
	}
	if doc.Name != "close-vent" {
		t.Errorf("doc name = %q, want close-vent", doc.Name)
	}
	if !doc.Enabled {
		t.Error("script documents must be enabled")
	}

	ops := make([]string, len(doc.Conditions))
	for i, cond := range doc.Conditions {
		ops[i], _ = cond["operation"].(string)
	}
	want := []string{instruction.OpRelayState, instruction.OpLogicalAnd, instruction.OpOccupancy}
	if len(ops) != len(want) {
		t.Fatalf("conditions = %v, want %v (unparseable line must be skipped)", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("condition[%d] = %q, want %q", i, ops[i], want[i])
		}
	}

	if state := doc.Conditions[2]["state"]; state != "unoccupied" {
		t.Errorf("occupancy state = %v, want unoccupied", state)
	}
	if len(doc.Actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(doc.Actions))
	}
	if typ := doc.Actions[0]["type"]; typ != "CHANGE_RELAY_STATE" {
		t.Errorf("action type = %v, want CHANGE_RELAY_STATE", typ)
	}
}

func TestParseRuleScriptNumericFields(t *testing.T) {
	src := `
RELAY_STATE_FOR sw-1 0 1 15
OR
ENERGY_METER em-1 VOLTAGE > 240.5
`
	doc, err := ParseRuleScript("load-check", src, testLogger())
	if err != nil {
		t.Fatalf("ParseRuleScript() error = %v", err)
	}
	if minutes := doc.Conditions[0]["for_minutes"]; minutes != 15 {
		t.Errorf("for_minutes = %v (%T), want 15", minutes, minutes)
	}
	meter := doc.Conditions[2]
	if meter["variable"] != "voltage" {
		t.Errorf("variable = %v, want voltage", meter["variable"])
	}
	if meter["comparison_op"] != ">" {
		t.Errorf("comparison_op = %v, want >", meter["comparison_op"])
	}
	if meter["value"] != 240.5 {
		t.Errorf("value = %v (%T), want 240.5", meter["value"], meter["value"])
	}
}

func TestParseRuleScriptRequiresConditions(t *testing.T) {
	for name, src := range map[string]string{
		"empty":       "",
		"only action": "CHANGE_RELAY_STATE sw-1 0 0",
		"only noise":  "# nothing here\nFROBNICATE\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseRuleScript("x", src, testLogger()); err == nil {
				t.Error("ParseRuleScript() accepted a script with no conditions")
			}
		})
	}
}

func TestParseRuleScriptCompiles(t *testing.T) {
	doc, err := ParseRuleScript("close-vent", ventScript, testLogger())
	if err != nil {
		t.Fatalf("ParseRuleScript() error = %v", err)
	}
	r, err := rule.Compile(doc, action.Deps{Devices: nopDeviceWriter{}, Logger: testLogger()})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if !r.IsImmediate() {
		t.Error("script rules must compile as immediate")
	}
	got := make([]string, len(r.Postfix))
	for i, inst := range r.Postfix {
		got[i] = inst.Op()
	}
	want := []string{instruction.OpRelayState, instruction.OpOccupancy, instruction.OpLogicalAnd}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("postfix[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExecuteScript(t *testing.T) {
	v := New(nil, action.Deps{Devices: nopDeviceWriter{}, Logger: testLogger()}, testOptions(t))

	if err := v.ExecuteScript("close-vent", ventScript); err != nil {
		t.Fatalf("ExecuteScript() error = %v", err)
	}
	select {
	case r := <-v.ready:
		if !r.IsImmediate() {
			t.Error("queued script rule is not immediate")
		}
	default:
		t.Fatal("ExecuteScript() queued nothing")
	}

	if err := v.ExecuteScript("broken", "# comments only\n"); err == nil {
		t.Error("ExecuteScript() accepted a script with no conditions")
	}
}
