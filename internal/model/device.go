package model

import "time"

// DeviceSnapshot is the current view of one device as reported by the
// device control gateway. State values are tagged; unknown properties are
// simply absent from the map.
type DeviceSnapshot struct {
	ID       string           `json:"id"`
	Name     string           `json:"name,omitempty"`
	State    map[string]Value `json:"state"`
	Online   bool             `json:"online"`
	LastSeen time.Time        `json:"last_seen"`
}

// DeviceUpdate is one property change on one device, emitted on the
// gateway's update stream whenever state changes by any cause.
type DeviceUpdate struct {
	DeviceID  string    `json:"device_id"`
	Property  string    `json:"property"`
	Value     Value     `json:"value"`
	Previous  *Value    `json:"previous,omitempty"`
	Timestamp time.Time `json:"ts"`
}
