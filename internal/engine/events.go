package engine

import (
	"sync"
	"time"

	"sallie-automation/internal/model"
)

// Event is streamed to UI clients while the engine runs. It is
// intentionally UI-friendly rather than engine-internal.
type Event struct {
	Type         string                `json:"type"` // rule_fired|notification|scene_executed|script
	RuleID       string                `json:"rule_id,omitempty"`
	RuleName     string                `json:"rule_name,omitempty"`
	SceneID      string                `json:"scene_id,omitempty"`
	ScriptID     string                `json:"script_id,omitempty"`
	Message      string                `json:"message,omitempty"`
	Execution    *model.ExecutionEvent `json:"execution,omitempty"`
	TSUnixMillis int64                 `json:"ts"`
}

// EventHub is an in-memory pub/sub for engine events. It keeps a small
// replay buffer so clients that connect slightly late still see recent
// firings.
type EventHub struct {
	mu        sync.RWMutex
	subs      map[chan Event]struct{}
	replay    []Event
	maxReplay int
}

func NewEventHub() *EventHub {
	return &EventHub{
		subs:      map[chan Event]struct{}{},
		maxReplay: 200,
	}
}

func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	h.mu.Lock()
	// Best-effort replay into the fresh buffer before registering.
	for _, evt := range h.replay {
		select {
		case ch <- evt:
		default:
		}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish fans out to all subscribers without blocking the engine: slow
// subscribers drop events. Sends happen under the lock so a concurrent
// cancel cannot close a channel mid-send.
func (h *EventHub) Publish(evt Event) {
	if evt.TSUnixMillis == 0 {
		evt.TSUnixMillis = time.Now().UTC().UnixMilli()
	}

	h.mu.Lock()
	h.replay = append(h.replay, evt)
	if len(h.replay) > h.maxReplay {
		h.replay = h.replay[len(h.replay)-h.maxReplay:]
	}
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow.
		}
	}
	h.mu.Unlock()
}
