package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sallie-automation/internal/model"
	"sallie-automation/internal/mqtt"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Wire envelope for the device hub protocol. Devices publish full state
// frames on sallie/device/state/<id>; the gateway publishes commands on
// sallie/device/command/<id> and correlates command_result frames back to
// in-flight ControlDevice calls.
const (
	schemaVersion      = "sallie.v1"
	topicStateWildcard = "sallie/device/state/#"
	topicResultWild    = "sallie/device/command_result/#"
	topicCommandPrefix = "sallie/device/command/"
)

type stateFrame struct {
	Schema   string         `json:"schema"`
	Type     string         `json:"type"`
	DeviceID string         `json:"device_id"`
	Name     string         `json:"name,omitempty"`
	State    map[string]any `json:"state"`
	TS       int64          `json:"ts"`
}

type commandFrame struct {
	Schema   string      `json:"schema"`
	Type     string      `json:"type"`
	DeviceID string      `json:"device_id"`
	Property string      `json:"property"`
	Value    model.Value `json:"value"`
	Corr     string      `json:"corr"`
	TS       int64       `json:"ts"`
}

type resultFrame struct {
	Schema  string         `json:"schema"`
	Type    string         `json:"type"`
	Corr    string         `json:"corr"`
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	State   map[string]any `json:"state,omitempty"`
}

// snapshotMirror is the external snapshot store surface the gateway uses.
type snapshotMirror interface {
	Set(ctx context.Context, dev model.DeviceSnapshot)
	Get(ctx context.Context, deviceID string) (model.DeviceSnapshot, bool)
}

// MQTT is the broker-backed Gateway implementation. It keeps an in-process
// registry of device snapshots built from state frames and diffs each
// frame into per-property updates for the engine. An optional redis cache
// mirrors snapshots for sibling services.
type MQTT struct {
	mq      mqtt.ClientAPI
	cache   snapshotMirror
	timeout time.Duration

	mu      sync.RWMutex
	devices map[string]model.DeviceSnapshot
	pending map[string]chan resultFrame
	closed  bool

	updates chan model.DeviceUpdate
	now     func() time.Time
}

func NewMQTT(mq mqtt.ClientAPI, cache *SnapshotCache) *MQTT {
	g := &MQTT{
		mq:      mq,
		timeout: 10 * time.Second,
		devices: map[string]model.DeviceSnapshot{},
		pending: map[string]chan resultFrame{},
		updates: make(chan model.DeviceUpdate, 256),
		now:     func() time.Time { return time.Now().UTC() },
	}
	if cache != nil {
		g.cache = cache
	}
	return g
}

func (g *MQTT) Start(ctx context.Context) error {
	if err := g.mq.Subscribe(topicStateWildcard, func(_ paho.Client, m mqtt.Message) {
		g.handleState(ctx, m.Topic(), m.Payload())
	}); err != nil {
		return err
	}
	if err := g.mq.Subscribe(topicResultWild, func(_ paho.Client, m mqtt.Message) {
		g.handleResult(m.Payload())
	}); err != nil {
		return err
	}
	return nil
}

func (g *MQTT) Close() {
	_ = g.mq.Unsubscribe(topicStateWildcard)
	_ = g.mq.Unsubscribe(topicResultWild)
	g.mu.Lock()
	if !g.closed {
		g.closed = true
		close(g.updates)
	}
	g.mu.Unlock()
}

func (g *MQTT) Updates() <-chan model.DeviceUpdate { return g.updates }

func (g *MQTT) GetDevice(deviceID string) (model.DeviceSnapshot, bool) {
	g.mu.RLock()
	dev, ok := g.devices[deviceID]
	g.mu.RUnlock()
	if ok {
		return cloneSnapshot(dev), true
	}
	if g.cache == nil {
		return model.DeviceSnapshot{}, false
	}

	// Fall back to the redis mirror for devices whose state frame has not
	// arrived yet (e.g. right after a restart). A hit seeds the registry.
	cached, ok := g.cache.Get(context.Background(), deviceID)
	if !ok {
		return model.DeviceSnapshot{}, false
	}
	g.mu.Lock()
	if cur, exists := g.devices[deviceID]; exists {
		cached = cur
	} else {
		g.devices[deviceID] = cached
	}
	g.mu.Unlock()
	return cloneSnapshot(cached), true
}

// Devices lists all known device snapshots (for the HTTP surface).
func (g *MQTT) Devices() []model.DeviceSnapshot {
	g.mu.RLock()
	out := make([]model.DeviceSnapshot, 0, len(g.devices))
	for _, dev := range g.devices {
		out = append(out, cloneSnapshot(dev))
	}
	g.mu.RUnlock()
	return out
}

// ControlDevice publishes a correlated command and waits (bounded) for the
// device's command_result. On success it returns the post-change property
// map reported by the device, falling back to the registry snapshot.
func (g *MQTT) ControlDevice(ctx context.Context, deviceID, property string, value model.Value) (map[string]model.Value, error) {
	g.mu.RLock()
	_, known := g.devices[deviceID]
	g.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("unknown device: %s", deviceID)
	}

	corr := uuid.NewString()
	ch := make(chan resultFrame, 1)
	g.mu.Lock()
	g.pending[corr] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, corr)
		g.mu.Unlock()
	}()

	cmd := commandFrame{
		Schema:   schemaVersion,
		Type:     "command",
		DeviceID: deviceID,
		Property: property,
		Value:    value,
		Corr:     corr,
		TS:       g.now().UnixMilli(),
	}
	b, _ := json.Marshal(cmd)
	if err := g.mq.Publish(topicCommandPrefix+deviceID, b); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		if !res.Success {
			if res.Error == "" {
				res.Error = "device rejected command"
			}
			return nil, errors.New(res.Error)
		}
		if len(res.State) > 0 {
			return decodeState(res.State), nil
		}
		if dev, ok := g.GetDevice(deviceID); ok {
			return dev.State, nil
		}
		return map[string]model.Value{}, nil
	case <-time.After(g.timeout):
		return nil, fmt.Errorf("command timeout for device %s", deviceID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *MQTT) handleState(ctx context.Context, topic string, payload []byte) {
	var f stateFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		slog.Debug("bad state frame", "topic", topic, "error", err)
		return
	}
	if f.Schema != schemaVersion || f.Type != "state" {
		return
	}
	deviceID := strings.TrimSpace(f.DeviceID)
	if deviceID == "" {
		deviceID = topic[strings.LastIndex(topic, "/")+1:]
	}
	if deviceID == "" {
		return
	}

	state := decodeState(f.State)
	ts := g.now()
	if f.TS > 0 {
		ts = time.UnixMilli(f.TS).UTC()
	}

	g.mu.Lock()
	prev := g.devices[deviceID]
	next := model.DeviceSnapshot{
		ID:       deviceID,
		Name:     f.Name,
		State:    state,
		Online:   true,
		LastSeen: ts,
	}
	if next.Name == "" {
		next.Name = prev.Name
	}
	g.devices[deviceID] = next

	// One update per changed property. Sends stay under the lock so Close
	// cannot close the stream mid-send; they never block.
	if !g.closed {
		for prop, val := range state {
			old, had := prev.State[prop]
			if had && old.Equal(val) {
				continue
			}
			upd := model.DeviceUpdate{DeviceID: deviceID, Property: prop, Value: val, Timestamp: ts}
			if had {
				o := old
				upd.Previous = &o
			}
			select {
			case g.updates <- upd:
			default:
				slog.Warn("device update dropped, stream full", "device_id", deviceID, "property", prop)
			}
		}
	}
	g.mu.Unlock()

	if g.cache != nil {
		go g.cache.Set(ctx, next)
	}
}

func (g *MQTT) handleResult(payload []byte) {
	var f resultFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return
	}
	if f.Schema != schemaVersion || f.Type != "command_result" || f.Corr == "" {
		return
	}
	g.mu.RLock()
	ch, ok := g.pending[f.Corr]
	g.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- f:
	default:
	}
}

func decodeState(raw map[string]any) map[string]model.Value {
	out := make(map[string]model.Value, len(raw))
	for k, v := range raw {
		val, ok := model.ValueFromAny(v)
		if !ok {
			// Nested objects and nulls have no tagged representation;
			// conditions on them would fail closed anyway.
			continue
		}
		out[k] = val
	}
	return out
}

func cloneSnapshot(dev model.DeviceSnapshot) model.DeviceSnapshot {
	out := dev
	out.State = make(map[string]model.Value, len(dev.State))
	for k, v := range dev.State {
		out.State[k] = v
	}
	return out
}
