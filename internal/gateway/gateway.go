package gateway

import (
	"context"

	"sallie-automation/internal/model"
)

// Gateway is the device control surface the engine consumes. The engine
// never mutates device state directly: it reads snapshots, issues control
// calls and watches the update stream. Implementations own retry policy;
// the engine does not retry.
type Gateway interface {
	// GetDevice returns the current snapshot, or false if the device is
	// unknown.
	GetDevice(deviceID string) (model.DeviceSnapshot, bool)

	// ControlDevice applies a single property change. On success it returns
	// the device's post-change property map.
	ControlDevice(ctx context.Context, deviceID, property string, value model.Value) (map[string]model.Value, error)

	// Updates streams one event per device property change, whatever caused
	// it (not just this engine's own actions). The channel is closed when
	// the gateway shuts down.
	Updates() <-chan model.DeviceUpdate
}
