package store

import (
	"sync"

	"sallie-automation/internal/model"

	"github.com/google/uuid"
)

type ChangeKind string

const (
	ChangeRuleSaved    ChangeKind = "rule_saved"
	ChangeRuleDeleted  ChangeKind = "rule_deleted"
	ChangeSceneSaved   ChangeKind = "scene_saved"
	ChangeSceneDeleted ChangeKind = "scene_deleted"
	ChangeExecution    ChangeKind = "execution"
)

// Change is a store mutation notification. UI observers use it to refresh
// snapshots; the engine uses it to reconcile cron schedules.
type Change struct {
	Kind    ChangeKind            `json:"kind"`
	RuleID  uuid.UUID             `json:"rule_id,omitempty"`
	SceneID uuid.UUID             `json:"scene_id,omitempty"`
	Event   *model.ExecutionEvent `json:"event,omitempty"`
}

// ChangeHub fans out change notifications without ever blocking a writer.
// Slow subscribers lose events; they are expected to re-read snapshots.
type ChangeHub struct {
	mu   sync.Mutex
	subs map[chan Change]struct{}
}

func NewChangeHub() *ChangeHub {
	return &ChangeHub{subs: map[chan Change]struct{}{}}
}

func (h *ChangeHub) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish sends under the lock so a concurrent cancel cannot close a
// channel mid-send. Sends never block; slow subscribers lose events.
func (h *ChangeHub) Publish(c Change) {
	h.mu.Lock()
	for ch := range h.subs {
		select {
		case ch <- c:
		default:
			// Drop if subscriber is slow.
		}
	}
	h.mu.Unlock()
}
