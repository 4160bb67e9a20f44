// Package action executes the consequences of satisfied rules: relay
// writes against the device store and alert emails.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Action type strings as they appear in rule documents.
const (
	TypeSendEmail        = "SEND_EMAIL"
	TypeChangeRelayState = "CHANGE_RELAY_STATE"
)

var (
	// ErrUnknownAction marks a type string outside the closed action set.
	ErrUnknownAction = errors.New("unknown action type")
	// ErrInvalidAction marks an action document that failed schema validation.
	ErrInvalidAction = errors.New("invalid action")
)

// Action is one consequence of a satisfied rule.
type Action interface {
	// Type returns the canonical action type string.
	Type() string
	// Perform runs the action to completion.
	Perform(ctx context.Context) error
}

// Deps carries the collaborators actions bind at compile time.
type Deps struct {
	// Devices persists relay writes. Required for CHANGE_RELAY_STATE.
	Devices DeviceWriter
	// Email delivers alert messages. A nil sender turns SEND_EMAIL into a
	// logged no-op.
	Email  EmailSender
	Logger *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type factory func(raw map[string]any, deps Deps) (Action, error)

var factories = map[string]factory{
	TypeSendEmail:        newSendEmail,
	TypeChangeRelayState: newChangeRelayState,
}

// New compiles one raw action document from a rule's actions list. The type
// string is matched case-insensitively.
func New(raw map[string]any, deps Deps) (Action, error) {
	typ, _ := raw["type"].(string)
	typ = strings.ToUpper(strings.TrimSpace(typ))
	factory, ok := factories[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, typ)
	}
	act, err := factory(raw, deps)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAction, typ, err)
	}
	return act, nil
}

// decodeParams round-trips the raw document through JSON into out, then
// checks out's validation tags.
func decodeParams(raw map[string]any, out any) error {
	buf, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return err
	}
	return validate.Struct(out)
}
