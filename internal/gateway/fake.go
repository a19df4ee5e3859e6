package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sallie-automation/internal/model"
)

// Fake is an in-memory Gateway for tests and the dev loop (no broker).
// SetState registers/updates devices and emits update events exactly like
// the MQTT gateway would; ControlDevice applies the change locally.
type Fake struct {
	mu      sync.Mutex
	devices map[string]model.DeviceSnapshot
	updates chan model.DeviceUpdate

	// FailControl, when set, makes ControlDevice fail for that device id.
	FailControl map[string]error

	// ControlCalls records every control call in order.
	ControlCalls []ControlCall
}

type ControlCall struct {
	DeviceID string
	Property string
	Value    model.Value
}

func NewFake() *Fake {
	return &Fake{
		devices: map[string]model.DeviceSnapshot{},
		updates: make(chan model.DeviceUpdate, 64),
	}
}

func (f *Fake) Updates() <-chan model.DeviceUpdate { return f.updates }

func (f *Fake) Close() { close(f.updates) }

// SetState sets one property and emits a DeviceUpdate, registering the
// device if needed.
func (f *Fake) SetState(deviceID, property string, value model.Value) {
	f.mu.Lock()
	dev, ok := f.devices[deviceID]
	if !ok {
		dev = model.DeviceSnapshot{ID: deviceID, State: map[string]model.Value{}, Online: true}
	}
	var prev *model.Value
	if old, had := dev.State[property]; had {
		o := old
		prev = &o
	}
	dev.State[property] = value
	dev.LastSeen = time.Now().UTC()
	f.devices[deviceID] = dev
	f.mu.Unlock()

	f.updates <- model.DeviceUpdate{
		DeviceID:  deviceID,
		Property:  property,
		Value:     value,
		Previous:  prev,
		Timestamp: time.Now().UTC(),
	}
}

// SetStateQuiet sets state without emitting an update (seed helper).
func (f *Fake) SetStateQuiet(deviceID, property string, value model.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.devices[deviceID]
	if !ok {
		dev = model.DeviceSnapshot{ID: deviceID, State: map[string]model.Value{}, Online: true}
	}
	dev.State[property] = value
	f.devices[deviceID] = dev
}

func (f *Fake) GetDevice(deviceID string) (model.DeviceSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.devices[deviceID]
	if !ok {
		return model.DeviceSnapshot{}, false
	}
	return cloneSnapshot(dev), true
}

func (f *Fake) Devices() []model.DeviceSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.DeviceSnapshot, 0, len(f.devices))
	for _, dev := range f.devices {
		out = append(out, cloneSnapshot(dev))
	}
	return out
}

func (f *Fake) ControlDevice(_ context.Context, deviceID, property string, value model.Value) (map[string]model.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ControlCalls = append(f.ControlCalls, ControlCall{DeviceID: deviceID, Property: property, Value: value})
	if err, ok := f.FailControl[deviceID]; ok {
		return nil, err
	}
	dev, ok := f.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("unknown device: %s", deviceID)
	}
	dev.State[property] = value
	f.devices[deviceID] = dev
	return cloneSnapshot(dev).State, nil
}

// Calls returns a copy of the recorded control calls.
func (f *Fake) Calls() []ControlCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ControlCall(nil), f.ControlCalls...)
}
