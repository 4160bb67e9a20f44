package action

import (
	"context"
	"fmt"
)

// DeviceWriter persists relay state changes to device documents.
// *storage.Store satisfies it.
type DeviceWriter interface {
	UpdateRelayState(ctx context.Context, deviceID string, relayIndex, state int) error
}

type changeRelayStateParams struct {
	DeviceID   string `json:"device_id" validate:"required"`
	RelayIndex int    `json:"relay_index" validate:"min=0"`
	State      int    `json:"state" validate:"min=0,max=1"`
}

// ChangeRelayState flips one relay on a device document.
type ChangeRelayState struct {
	Device     string
	RelayIndex int
	State      int

	writer DeviceWriter
}

func newChangeRelayState(raw map[string]any, deps Deps) (Action, error) {
	var p changeRelayStateParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("no device writer configured")
	}
	return &ChangeRelayState{Device: p.DeviceID, RelayIndex: p.RelayIndex, State: p.State, writer: deps.Devices}, nil
}

func (c *ChangeRelayState) Type() string { return TypeChangeRelayState }

func (c *ChangeRelayState) Perform(ctx context.Context) error {
	if err := c.writer.UpdateRelayState(ctx, c.Device, c.RelayIndex, c.State); err != nil {
		return fmt.Errorf("change relay state of %s: %w", c.Device, err)
	}
	return nil
}
