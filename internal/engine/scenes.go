package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// ExecuteScene applies a scene's device-property assignments best-effort.
// Unknown scenes return false. Unknown devices are skipped; individual
// control failures are logged but do not fail the scene. There is no
// rollback, the intent is "set everything that is reachable".
func (e *Engine) ExecuteScene(ctx context.Context, sceneID uuid.UUID) bool {
	sc, ok := e.store.Scene(sceneID)
	if !ok {
		return false
	}

	for deviceID, props := range sc.Devices {
		if _, known := e.gw.GetDevice(deviceID); !known {
			slog.Debug("scene skips unknown device", "scene_id", sceneID, "device_id", deviceID)
			continue
		}
		for prop, val := range props {
			if _, err := e.gw.ControlDevice(ctx, deviceID, prop, val); err != nil {
				slog.Warn("scene control failed", "scene_id", sceneID, "device_id", deviceID, "property", prop, "error", err)
			}
		}
	}

	e.events.Publish(Event{Type: "scene_executed", SceneID: sceneID.String()})
	return true
}
