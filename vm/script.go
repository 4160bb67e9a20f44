package vm

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/qube-ai/rule-vm/action"
	"github.com/qube-ai/rule-vm/instruction"
	"github.com/qube-ai/rule-vm/rule"
	"github.com/qube-ai/rule-vm/storage"
)

// ParseRuleScript parses the newline script form of a rule into an
// immediate-mode document: one operand, operator, or action per line,
// tokens separated by whitespace, case insensitive. Blank lines and lines
// starting with # are ignored; lines that fail to parse are skipped with a
// log. The returned document is never persisted.
func ParseRuleScript(name, src string, logger *slog.Logger) (*storage.RuleDoc, error) {
	if logger == nil {
		logger = slog.Default()
	}
	doc := &storage.RuleDoc{
		ID:      rule.ImmediateID,
		Name:    name,
		Enabled: true,
	}
	for i, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		cond, act, err := parseScriptLine(strings.ToUpper(fields[0]), fields[1:])
		if err != nil {
			logger.Warn("skipping unparseable script line",
				"script", name,
				"line", i+1,
				"text", line,
				"error", err)
			continue
		}
		if cond != nil {
			doc.Conditions = append(doc.Conditions, cond)
		}
		if act != nil {
			doc.Actions = append(doc.Actions, act)
		}
	}
	if len(doc.Conditions) == 0 {
		return nil, fmt.Errorf("script %s has no conditions", name)
	}
	return doc, nil
}

func parseScriptLine(op string, args []string) (condition, act map[string]any, err error) {
	switch op {
	case "AND", instruction.OpLogicalAnd:
		return map[string]any{"operation": instruction.OpLogicalAnd}, nil, nil

	case "OR", instruction.OpLogicalOr:
		return map[string]any{"operation": instruction.OpLogicalOr}, nil, nil

	case instruction.OpAtTime:
		if len(args) != 1 {
			return nil, nil, fmt.Errorf("want AT_TIME <time>")
		}
		return map[string]any{"operation": op, "time": args[0]}, nil, nil

	case instruction.OpAtTimeWithOccurrence:
		if len(args) != 2 {
			return nil, nil, fmt.Errorf("want AT_TIME_WITH_OCCURRENCE <time> <occurrence>")
		}
		occurrence, err := scriptInt(args[1], "occurrence")
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"operation": op, "time": args[0], "occurrence": occurrence}, nil, nil

	case instruction.OpRelayState:
		if len(args) != 3 {
			return nil, nil, fmt.Errorf("want RELAY_STATE <device> <relay> <state>")
		}
		index, err := scriptInt(args[1], "relay index")
		if err != nil {
			return nil, nil, err
		}
		state, err := scriptInt(args[2], "state")
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"operation": op, "device_id": args[0], "relay_index": index, "state": state}, nil, nil

	case instruction.OpRelayStateFor:
		if len(args) != 4 {
			return nil, nil, fmt.Errorf("want RELAY_STATE_FOR <device> <relay> <state> <minutes>")
		}
		index, err := scriptInt(args[1], "relay index")
		if err != nil {
			return nil, nil, err
		}
		state, err := scriptInt(args[2], "state")
		if err != nil {
			return nil, nil, err
		}
		minutes, err := scriptInt(args[3], "minutes")
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"operation": op, "device_id": args[0], "relay_index": index, "state": state, "for_minutes": minutes}, nil, nil

	case instruction.OpDwState:
		if len(args) != 2 {
			return nil, nil, fmt.Errorf("want DW_STATE <device> <open|close>")
		}
		return map[string]any{"operation": op, "device_id": args[0], "state": strings.ToLower(args[1])}, nil, nil

	case instruction.OpDwStateFor:
		if len(args) != 3 {
			return nil, nil, fmt.Errorf("want DW_STATE_FOR <device> <open|close> <minutes>")
		}
		minutes, err := scriptInt(args[2], "minutes")
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"operation": op, "device_id": args[0], "state": strings.ToLower(args[1]), "for_minutes": minutes}, nil, nil

	case "OCCUPANCY_STATE", instruction.OpOccupancy:
		if len(args) != 2 {
			return nil, nil, fmt.Errorf("want OCCUPANCY_STATE <device> <occupied|unoccupied>")
		}
		return map[string]any{"operation": instruction.OpOccupancy, "device_id": args[0], "state": strings.ToLower(args[1])}, nil, nil

	case instruction.OpOccupancyFor:
		if len(args) != 3 {
			return nil, nil, fmt.Errorf("want OCCUPANCY_FOR <device> <occupied|unoccupied> <minutes>")
		}
		minutes, err := scriptInt(args[2], "minutes")
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"operation": op, "device_id": args[0], "state": strings.ToLower(args[1]), "for_minutes": minutes}, nil, nil

	case instruction.OpEnergyMeter:
		if len(args) != 4 {
			return nil, nil, fmt.Errorf("want ENERGY_METER <device> <variable> <op> <value>")
		}
		value, err := scriptFloat(args[3])
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"operation": op, "device_id": args[0], "variable": strings.ToLower(args[1]), "comparison_op": args[2], "value": value}, nil, nil

	case instruction.OpTemperature:
		if len(args) != 3 {
			return nil, nil, fmt.Errorf("want TEMPERATURE <device> <op> <value>")
		}
		value, err := scriptFloat(args[2])
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"operation": op, "device_id": args[0], "comparison_op": args[1], "value": value}, nil, nil

	case instruction.OpTemperatureFor:
		if len(args) != 4 {
			return nil, nil, fmt.Errorf("want TEMPERATURE_FOR <device> <op> <value> <minutes>")
		}
		value, err := scriptFloat(args[2])
		if err != nil {
			return nil, nil, err
		}
		minutes, err := scriptInt(args[3], "minutes")
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"operation": op, "device_id": args[0], "comparison_op": args[1], "value": value, "for_minutes": minutes}, nil, nil

	case action.TypeChangeRelayState:
		if len(args) != 3 {
			return nil, nil, fmt.Errorf("want CHANGE_RELAY_STATE <device> <relay> <state>")
		}
		index, err := scriptInt(args[1], "relay index")
		if err != nil {
			return nil, nil, err
		}
		state, err := scriptInt(args[2], "state")
		if err != nil {
			return nil, nil, err
		}
		return nil, map[string]any{"type": op, "device_id": args[0], "relay_index": index, "state": state}, nil
	}
	return nil, nil, fmt.Errorf("unknown operation %q", op)
}

func scriptInt(s, field string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not a number", field, s)
	}
	return n, nil
}

func scriptFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("value %q is not a number", s)
	}
	return f, nil
}
