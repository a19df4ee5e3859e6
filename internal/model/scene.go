package model

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Scene is a named bundle of device-property assignments applied together.
// Application is best-effort: unknown devices are skipped, not errors.
type Scene struct {
	ID          uuid.UUID                   `json:"id"`
	Name        string                      `json:"name"`
	Description string                      `json:"description,omitempty"`
	Devices     map[string]map[string]Value `json:"devices"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

func (s *Scene) NormalizeAndValidate() error {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return errors.New("scene.name is required")
	}
	s.Description = strings.TrimSpace(s.Description)
	if len(s.Devices) == 0 {
		return errors.New("scene.devices is required")
	}
	for deviceID, props := range s.Devices {
		if strings.TrimSpace(deviceID) == "" {
			return errors.New("scene.devices contains an empty device id")
		}
		if len(props) == 0 {
			return errors.New("scene.devices[" + deviceID + "] has no properties")
		}
		for prop := range props {
			if strings.TrimSpace(prop) == "" {
				return errors.New("scene.devices[" + deviceID + "] contains an empty property name")
			}
		}
	}
	return nil
}
