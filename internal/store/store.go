package store

import (
	"sort"
	"sync"
	"time"

	"sallie-automation/internal/model"

	"github.com/google/uuid"
)

// Store owns the rule and scene collections and the bounded execution
// history. Everything is in-memory; reads hand out deep copies so callers
// (engine, HTTP layer, UI observers) never share mutable state with the
// store, and writers never race readers.
type Store struct {
	mu      sync.RWMutex
	rules   map[uuid.UUID]model.Rule
	scenes  map[uuid.UUID]model.Scene
	history []model.ExecutionEvent

	hub *ChangeHub
	now func() time.Time
}

func New() *Store {
	return &Store{
		rules:  map[uuid.UUID]model.Rule{},
		scenes: map[uuid.UUID]model.Scene{},
		hub:    NewChangeHub(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Watch subscribes to store change notifications. The returned cancel func
// must be called when the observer goes away.
func (s *Store) Watch() (<-chan Change, func()) {
	return s.hub.Subscribe()
}

// SaveRule upserts by id. Inserts get a fresh id (when nil) and equal
// created/updated timestamps; updates refresh the modification timestamp
// and preserve creation and last-triggered times.
func (s *Store) SaveRule(r model.Rule) (model.Rule, error) {
	if err := r.NormalizeAndValidate(); err != nil {
		return model.Rule{}, err
	}
	now := s.now()

	s.mu.Lock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if prev, ok := s.rules[r.ID]; ok {
		r.CreatedAt = prev.CreatedAt
		r.LastTriggeredAt = prev.LastTriggeredAt
	} else {
		r.CreatedAt = now
		r.LastTriggeredAt = nil
	}
	r.UpdatedAt = now
	s.rules[r.ID] = cloneRule(r)
	s.mu.Unlock()

	s.hub.Publish(Change{Kind: ChangeRuleSaved, RuleID: r.ID})
	return r, nil
}

// DeleteRule removes by id and reports whether an entry was removed.
func (s *Store) DeleteRule(id uuid.UUID) bool {
	s.mu.Lock()
	_, ok := s.rules[id]
	if ok {
		delete(s.rules, id)
	}
	s.mu.Unlock()
	if ok {
		s.hub.Publish(Change{Kind: ChangeRuleDeleted, RuleID: id})
	}
	return ok
}

// SetRuleEnabled toggles the enabled flag. Returns false if the id is
// unknown.
func (s *Store) SetRuleEnabled(id uuid.UUID, enabled bool) bool {
	s.mu.Lock()
	r, ok := s.rules[id]
	if ok {
		r.Enabled = enabled
		r.UpdatedAt = s.now()
		s.rules[id] = r
	}
	s.mu.Unlock()
	if ok {
		s.hub.Publish(Change{Kind: ChangeRuleSaved, RuleID: id})
	}
	return ok
}

// TouchRuleTriggered stamps the rule's last-triggered time after a
// successful firing.
func (s *Store) TouchRuleTriggered(id uuid.UUID, at time.Time) {
	s.mu.Lock()
	if r, ok := s.rules[id]; ok {
		t := at
		r.LastTriggeredAt = &t
		s.rules[id] = r
	}
	s.mu.Unlock()
}

// Rule returns a snapshot copy of one rule.
func (s *Store) Rule(id uuid.UUID) (model.Rule, bool) {
	s.mu.RLock()
	r, ok := s.rules[id]
	s.mu.RUnlock()
	if !ok {
		return model.Rule{}, false
	}
	return cloneRule(r), true
}

// Rules returns snapshot copies of all rules, newest first.
func (s *Store) Rules() []model.Rule {
	s.mu.RLock()
	out := make([]model.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, cloneRule(r))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// SaveScene upserts by id with the same timestamp rules as SaveRule.
func (s *Store) SaveScene(sc model.Scene) (model.Scene, error) {
	if err := sc.NormalizeAndValidate(); err != nil {
		return model.Scene{}, err
	}
	now := s.now()

	s.mu.Lock()
	if sc.ID == uuid.Nil {
		sc.ID = uuid.New()
	}
	if prev, ok := s.scenes[sc.ID]; ok {
		sc.CreatedAt = prev.CreatedAt
	} else {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	s.scenes[sc.ID] = cloneScene(sc)
	s.mu.Unlock()

	s.hub.Publish(Change{Kind: ChangeSceneSaved, SceneID: sc.ID})
	return sc, nil
}

func (s *Store) DeleteScene(id uuid.UUID) bool {
	s.mu.Lock()
	_, ok := s.scenes[id]
	if ok {
		delete(s.scenes, id)
	}
	s.mu.Unlock()
	if ok {
		s.hub.Publish(Change{Kind: ChangeSceneDeleted, SceneID: id})
	}
	return ok
}

func (s *Store) Scene(id uuid.UUID) (model.Scene, bool) {
	s.mu.RLock()
	sc, ok := s.scenes[id]
	s.mu.RUnlock()
	if !ok {
		return model.Scene{}, false
	}
	return cloneScene(sc), true
}

func (s *Store) Scenes() []model.Scene {
	s.mu.RLock()
	out := make([]model.Scene, 0, len(s.scenes))
	for _, sc := range s.scenes {
		out = append(out, cloneScene(sc))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// AppendExecution records one firing, evicting the oldest entries beyond
// model.MaxExecutionHistory.
func (s *Store) AppendExecution(ev model.ExecutionEvent) model.ExecutionEvent {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.FiredAt.IsZero() {
		ev.FiredAt = s.now()
	}

	s.mu.Lock()
	s.history = append(s.history, ev)
	if n := len(s.history); n > model.MaxExecutionHistory {
		s.history = append([]model.ExecutionEvent(nil), s.history[n-model.MaxExecutionHistory:]...)
	}
	s.mu.Unlock()

	s.hub.Publish(Change{Kind: ChangeExecution, RuleID: ev.RuleID, Event: &ev})
	return ev
}

// Executions returns the history snapshot, oldest first.
func (s *Store) Executions() []model.ExecutionEvent {
	s.mu.RLock()
	out := append([]model.ExecutionEvent(nil), s.history...)
	s.mu.RUnlock()
	return out
}

func cloneRule(r model.Rule) model.Rule {
	out := r
	out.Triggers = append([]model.Trigger(nil), r.Triggers...)
	for i, t := range out.Triggers {
		if t.Value != nil {
			v := *t.Value
			out.Triggers[i].Value = &v
		}
	}
	out.Conditions = append([]model.Condition(nil), r.Conditions...)
	out.Actions = append([]model.Action(nil), r.Actions...)
	for i, a := range out.Actions {
		if a.Value != nil {
			v := *a.Value
			out.Actions[i].Value = &v
		}
	}
	if r.LastTriggeredAt != nil {
		t := *r.LastTriggeredAt
		out.LastTriggeredAt = &t
	}
	return out
}

func cloneScene(sc model.Scene) model.Scene {
	out := sc
	out.Devices = make(map[string]map[string]model.Value, len(sc.Devices))
	for id, props := range sc.Devices {
		cp := make(map[string]model.Value, len(props))
		for k, v := range props {
			cp[k] = v
		}
		out.Devices[id] = cp
	}
	return out
}
