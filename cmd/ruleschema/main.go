// Package main provides a command-line tool for generating the rule document
// reference. It reflects the stored envelope from the storage types, catalogs
// every condition operation and action type the engine compiles, and writes
// the combined reference as a YAML file for dashboard developers.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qube-ai/rule-vm/action"
	"github.com/qube-ai/rule-vm/instruction"
	"github.com/qube-ai/rule-vm/storage"
)

func main() {
	schemaOut := flag.String("o", "./specs/rule-schema.yaml", "Output path for the rule document reference")
	flag.Parse()

	log.Printf("Rule Document Reference Generator")
	log.Printf("  Output: %s", *schemaOut)

	doc := generateReference()
	log.Printf("Documented %d condition operation(s), %d operator(s), %d action type(s)",
		len(doc.Conditions), len(doc.Operators), len(doc.Actions))

	dir := filepath.Dir(*schemaOut)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}
	if err := writeYAMLFile(*schemaOut, doc); err != nil {
		log.Fatalf("Failed to write reference: %v", err)
	}

	log.Printf("Generated rule document reference: %s", *schemaOut)
}

// ReferenceDocument is the complete rule document contract.
type ReferenceDocument struct {
	Version     string `yaml:"version"`
	Description string `yaml:"description"`

	// TimeFormat is the wall-clock layout of time-operand fields.
	TimeFormat TimeFormatObject `yaml:"time_format"`

	Envelope   map[string]any  `yaml:"envelope"`
	Conditions []ConditionSpec `yaml:"conditions"`
	Operators  []OperatorSpec  `yaml:"operators"`
	Actions    []ActionSpec    `yaml:"actions"`
	Examples   []ExampleObject `yaml:"examples"`
}

// TimeFormatObject documents the time-of-day operand format.
type TimeFormatObject struct {
	Layout      string `yaml:"layout"`
	Example     string `yaml:"example"`
	Description string `yaml:"description"`
}

// ConditionSpec documents one condition operation.
type ConditionSpec struct {
	Operation   string      `yaml:"operation"`
	Description string      `yaml:"description"`
	Trigger     string      `yaml:"trigger"`
	Fields      []FieldSpec `yaml:"fields"`
}

// OperatorSpec documents one logical operator.
type OperatorSpec struct {
	Operation   string `yaml:"operation"`
	Description string `yaml:"description"`
}

// ActionSpec documents one action type.
type ActionSpec struct {
	Type        string      `yaml:"type"`
	Description string      `yaml:"description"`
	Fields      []FieldSpec `yaml:"fields"`
}

// FieldSpec documents one field of a condition or action document.
type FieldSpec struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Required    bool     `yaml:"required,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Enum        []string `yaml:"enum,omitempty"`
}

// ExampleObject is one complete rule document.
type ExampleObject struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Document    map[string]any `yaml:"document"`
}

// Trigger classes: clock operands fire on deadlines, device operands on the
// device's events.
const (
	triggerClock  = "clock"
	triggerDevice = "device"
)

func generateReference() ReferenceDocument {
	return ReferenceDocument{
		Version: "1.0.0",
		Description: "Stored rule documents for the rule engine: conditions are listed infix " +
			"(operand, operator, operand, ...) and compiled to postfix before evaluation. " +
			"Operation and type strings match case-insensitively.",
		TimeFormat: TimeFormatObject{
			Layout:      instruction.TimeLayout,
			Example:     "18:00:00+05:30",
			Description: "Time of day with a fixed numeric zone offset; the rule fires in that zone.",
		},
		Envelope:   buildEnvelope(),
		Conditions: buildConditions(),
		Operators:  buildOperators(),
		Actions:    buildActions(),
		Examples:   buildExamples(),
	}
}

// envelopeDocs annotates the reflected envelope fields. RuleDoc carries no
// description tags, so the notes live here.
var envelopeDocs = map[string]string{
	"id":                 "Bucket key of the document. Filled from the key when omitted.",
	"name":               "Display name shown in logs and dashboards.",
	"description":        "Free-form operator notes.",
	"enabled":            "Disabled rules are unloaded by the engine but stay stored.",
	"conditions":         "Infix list of condition documents and logical operators.",
	"actions":            "Action documents run when the conditions evaluate true.",
	"periodic_execution": "When true the rule re-arms itself after firing or falling short of a window.",
	"last_executed":      "Maintained by the engine; dashboards should treat it as read-only.",
	"execution_count":    "Maintained by the engine; dashboards should treat it as read-only.",
}

func buildEnvelope() map[string]any {
	schema := schemaFromStruct(reflect.TypeOf(storage.RuleDoc{}))
	props, _ := schema["properties"].(map[string]any)
	for name, doc := range envelopeDocs {
		if field, ok := props[name].(map[string]any); ok {
			field["description"] = doc
		}
	}
	return schema
}

func buildConditions() []ConditionSpec {
	deviceID := FieldSpec{Name: "device_id", Type: "string", Required: true, Description: "Device document id the operand reads."}
	forMinutes := FieldSpec{Name: "for_minutes", Type: "integer", Required: true, Description: "Window in whole minutes the state must have held."}
	comparison := FieldSpec{Name: "comparison_op", Type: "string", Required: true, Enum: []string{"=", "<", ">"}}
	value := FieldSpec{Name: "value", Type: "number", Required: true}

	return []ConditionSpec{
		{
			Operation:   instruction.OpAtTime,
			Description: "True from the operand's time of day until midnight in its zone. Periodic rules re-arm for the next day.",
			Trigger:     triggerClock,
			Fields: []FieldSpec{
				{Name: "time", Type: "string", Required: true, Description: "Time of day, see time_format."},
			},
		},
		{
			Operation:   instruction.OpAtTimeWithOccurrence,
			Description: "AT_TIME with a firing budget. Each firing decrements the stored occurrence; at zero the condition stays false until a dashboard write re-arms it.",
			Trigger:     triggerClock,
			Fields: []FieldSpec{
				{Name: "time", Type: "string", Required: true, Description: "Time of day, see time_format."},
				{Name: "occurrence", Type: "integer", Required: true, Description: "Remaining firings. Maintained by the engine after storage."},
			},
		},
		{
			Operation:   instruction.OpRelayState,
			Description: "True while the device's relay holds the wanted state.",
			Trigger:     triggerDevice,
			Fields: []FieldSpec{
				deviceID,
				{Name: "relay_index", Type: "integer", Required: true, Description: "Zero-based relay position on the device document."},
				{Name: "state", Type: "integer", Required: true, Enum: []string{"0", "1"}},
			},
		},
		{
			Operation:   instruction.OpRelayStateFor,
			Description: "True once the relay has held the wanted state for the whole window.",
			Trigger:     triggerDevice,
			Fields: []FieldSpec{
				deviceID,
				{Name: "relay_index", Type: "integer", Required: true, Description: "Zero-based relay position on the device document."},
				{Name: "state", Type: "integer", Required: true, Enum: []string{"0", "1"}},
				forMinutes,
			},
		},
		{
			Operation:   instruction.OpDwState,
			Description: "True while the door/window's most recent sample reports the wanted state.",
			Trigger:     triggerDevice,
			Fields: []FieldSpec{
				deviceID,
				{Name: "state", Type: "string", Required: true, Enum: []string{"open", "close"}},
			},
		},
		{
			Operation:   instruction.OpDwStateFor,
			Description: "True once the door/window has held the wanted state for the whole window.",
			Trigger:     triggerDevice,
			Fields: []FieldSpec{
				deviceID,
				{Name: "state", Type: "string", Required: true, Enum: []string{"open", "close"}},
				forMinutes,
			},
		},
		{
			Operation:   instruction.OpOccupancy,
			Description: "Presence derived from beacon freshness: occupied while the newest sample is younger than the device heartbeat.",
			Trigger:     triggerDevice,
			Fields: []FieldSpec{
				deviceID,
				{Name: "state", Type: "string", Required: true, Enum: []string{"occupied", "unoccupied"}},
			},
		},
		{
			Operation:   instruction.OpOccupancyFor,
			Description: "True once presence (or absence) has been sustained for the whole window.",
			Trigger:     triggerDevice,
			Fields: []FieldSpec{
				deviceID,
				{Name: "state", Type: "string", Required: true, Enum: []string{"occupied", "unoccupied"}},
				forMinutes,
			},
		},
		{
			Operation:   instruction.OpEnergyMeter,
			Description: "Compares a named meter variable on the device document.",
			Trigger:     triggerDevice,
			Fields: []FieldSpec{
				deviceID,
				{Name: "variable", Type: "string", Required: true, Enum: []string{"voltage", "current", "real_power", "apparent_power", "power_factor", "frequency", "energy"}},
				comparison,
				value,
			},
		},
		{
			Operation:   instruction.OpTemperature,
			Description: "Compares the device's temperature sensor reading.",
			Trigger:     triggerDevice,
			Fields:      []FieldSpec{deviceID, comparison, value},
		},
		{
			Operation:   instruction.OpTemperatureFor,
			Description: "True once every sample over the window has satisfied the comparison.",
			Trigger:     triggerDevice,
			Fields:      []FieldSpec{deviceID, comparison, value, forMinutes},
		},
	}
}

func buildOperators() []OperatorSpec {
	return []OperatorSpec{
		{
			Operation:   instruction.OpLogicalAnd,
			Description: "Placed between two conditions in the infix list. Equal precedence with LOGICAL_OR, left associative.",
		},
		{
			Operation:   instruction.OpLogicalOr,
			Description: "Placed between two conditions in the infix list. Equal precedence with LOGICAL_AND, left associative.",
		},
	}
}

func buildActions() []ActionSpec {
	return []ActionSpec{
		{
			Type:        action.TypeSendEmail,
			Description: "Delivers an alert email to every listed recipient.",
			Fields: []FieldSpec{
				{Name: "subject", Type: "string", Required: true},
				{Name: "body", Type: "string", Required: true},
				{Name: "to", Type: "array[string]", Required: true, Description: "Recipient addresses; at least one."},
			},
		},
		{
			Type:        action.TypeChangeRelayState,
			Description: "Writes the wanted relay state onto the device document.",
			Fields: []FieldSpec{
				{Name: "device_id", Type: "string", Required: true},
				{Name: "relay_index", Type: "integer", Required: true, Description: "Zero-based relay position on the device document."},
				{Name: "state", Type: "integer", Required: true, Enum: []string{"0", "1"}},
			},
		},
	}
}

func buildExamples() []ExampleObject {
	return []ExampleObject{
		{
			Name:        "evening lights",
			Description: "Turns a relay on at 18:30 IST every day.",
			Document: map[string]any{
				"id":      "evening-lights",
				"name":    "evening lights",
				"enabled": true,
				"conditions": []map[string]any{
					{"operation": instruction.OpAtTime, "time": "18:30:00+05:30"},
				},
				"actions": []map[string]any{
					{"type": action.TypeChangeRelayState, "device_id": "hall-sw-1", "relay_index": 0, "state": 1},
				},
				"periodic_execution": true,
			},
		},
		{
			Name:        "overload while occupied",
			Description: "Emails operations when the meter crosses 3 kW and the room is occupied.",
			Document: map[string]any{
				"id":      "overload-occupied",
				"name":    "overload while occupied",
				"enabled": true,
				"conditions": []map[string]any{
					{"operation": instruction.OpEnergyMeter, "device_id": "meter-1", "variable": "real_power", "comparison_op": ">", "value": 3000},
					{"operation": instruction.OpLogicalAnd},
					{"operation": instruction.OpOccupancy, "device_id": "hall-occ-1", "state": "occupied"},
				},
				"actions": []map[string]any{
					{"type": action.TypeSendEmail, "subject": "Overload in the hall", "body": "Real power crossed 3 kW while occupied.", "to": []string{"ops@example.com"}},
				},
			},
		},
	}
}

// schemaFromType generates a JSON-Schema-shaped description of a Go type.
func schemaFromType(t reflect.Type) map[string]any {
	if t.Kind() == reflect.Ptr {
		schema := schemaFromType(t.Elem())
		schema["nullable"] = true
		return schema
	}

	switch t.Kind() {
	case reflect.String:
		return map[string]any{"type": "string"}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return map[string]any{"type": "integer"}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer", "minimum": 0}

	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}

	case reflect.Bool:
		return map[string]any{"type": "boolean"}

	case reflect.Struct:
		if t == reflect.TypeOf(time.Time{}) {
			return map[string]any{"type": "string", "format": "date-time"}
		}
		return schemaFromStruct(t)

	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return map[string]any{"type": "string", "format": "byte"}
		}
		return map[string]any{
			"type":  "array",
			"items": schemaFromType(t.Elem()),
		}

	case reflect.Map:
		return map[string]any{
			"type":                 "object",
			"additionalProperties": schemaFromType(t.Elem()),
		}

	case reflect.Interface:
		return map[string]any{}

	default:
		return map[string]any{"type": "string"}
	}
}

// schemaFromStruct generates an object definition from a struct's json tags.
func schemaFromStruct(t reflect.Type) map[string]any {
	properties := make(map[string]any)
	var required []string

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		if !field.IsExported() {
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}

		name, opts := parseJSONTag(jsonTag)
		if name == "" {
			name = field.Name
		}

		properties[name] = schemaFromType(field.Type)

		if !strings.Contains(opts, "omitempty") && field.Type.Kind() != reflect.Ptr {
			required = append(required, name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}

	if len(required) > 0 {
		schema["required"] = required
	}

	return schema
}

// parseJSONTag parses a json struct tag and returns the name and options.
func parseJSONTag(tag string) (name string, opts string) {
	if tag == "" {
		return "", ""
	}

	parts := strings.Split(tag, ",")
	name = parts[0]

	if len(parts) > 1 {
		opts = strings.Join(parts[1:], ",")
	}

	return name, opts
}

// writeYAMLFile writes a struct to a YAML file.
func writeYAMLFile(filename string, data any) error {
	yamlData, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	header := []byte(strings.TrimSpace(`
# Rule document reference for the rule engine
# Generated by ruleschema - do not edit manually, regenerate after changing
# the instruction or action set
`) + "\n\n")

	content := append(header, yamlData...)

	if err := os.WriteFile(filename, content, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}
