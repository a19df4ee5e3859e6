package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sallie-automation/internal/gateway"
	"sallie-automation/internal/model"
	"sallie-automation/internal/store"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var (
	ErrRuleNotFound = errors.New("rule not found")
	ErrRuleDisabled = errors.New("rule disabled")
)

// Engine orchestrates rule firing. It owns no rule or device state: rules
// and scenes live in the Store, devices behind the Gateway. Three trigger
// sources feed it (the gateway update stream, cron/time-of-day polling
// and manual TriggerRule calls), and every firing runs as its own
// goroutine so one slow device never stalls the loops.
type Engine struct {
	store  *store.Store
	gw     gateway.Gateway
	events *EventHub

	notify    func(ctx context.Context, rule model.Rule, message string)
	runScript func(ctx context.Context, scriptID string) error

	mu            sync.Mutex
	cron          *cron.Cron
	cronEntries   map[string]cron.EntryID
	cronSpecs     map[string]string
	lastClockFire map[string]string

	tick time.Duration
	now  func() time.Time
}

type Options struct {
	// Tick is the time-of-day polling interval. Defaults to one minute;
	// tests shorten it.
	Tick time.Duration
	// Now overrides the clock for time-of-day checks.
	Now func() time.Time
	// Notify handles notify_user actions. Defaults to a log line.
	Notify func(ctx context.Context, rule model.Rule, message string)
	// RunScript handles run_script actions. Defaults to a no-op hook.
	RunScript func(ctx context.Context, scriptID string) error
}

func New(st *store.Store, gw gateway.Gateway, opts Options) *Engine {
	e := &Engine{
		store:         st,
		gw:            gw,
		events:        NewEventHub(),
		notify:        opts.Notify,
		runScript:     opts.RunScript,
		cron:          cron.New(),
		cronEntries:   map[string]cron.EntryID{},
		cronSpecs:     map[string]string{},
		lastClockFire: map[string]string{},
		tick:          opts.Tick,
		now:           opts.Now,
	}
	if e.tick <= 0 {
		e.tick = time.Minute
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// SubscribeEvents exposes the engine event stream for UI clients.
func (e *Engine) SubscribeEvents() (<-chan Event, func()) {
	return e.events.Subscribe()
}

// Start launches the standing loops. They stop when ctx is cancelled;
// in-flight firings run to completion.
func (e *Engine) Start(ctx context.Context) error {
	e.reconcileCron()
	e.cron.Start()
	go e.updateLoop(ctx)
	go e.clockLoop(ctx)
	go e.watchStore(ctx)
	slog.Info("automation engine started")
	return nil
}

func (e *Engine) Stop() {
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	slog.Info("automation engine stopped")
}

// updateLoop consumes the gateway's device update stream.
func (e *Engine) updateLoop(ctx context.Context) {
	updates := e.gw.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			e.handleUpdate(upd)
		}
	}
}

// handleUpdate scans enabled rules for matching device-state triggers.
// Each match fires independently; multiple rules may match one event.
func (e *Engine) handleUpdate(upd model.DeviceUpdate) {
	for _, r := range e.store.Rules() {
		if !r.Enabled {
			continue
		}
		for _, t := range r.Triggers {
			if t.Kind != model.TriggerDeviceState {
				continue
			}
			if !matchDeviceTrigger(t, upd) {
				continue
			}
			go e.fire(context.Background(), r.ID, model.TriggerDeviceState)
			break
		}
	}
}

// matchDeviceTrigger checks one device-state trigger against one update.
// An absent property or value filter matches any change.
func matchDeviceTrigger(t model.Trigger, upd model.DeviceUpdate) bool {
	if t.DeviceID != upd.DeviceID {
		return false
	}
	if t.Property != "" && t.Property != upd.Property {
		return false
	}
	if t.Value != nil && !upd.Value.Equal(*t.Value) {
		return false
	}
	return true
}

// clockLoop fires time-of-day triggers on exact hour:minute matches, once
// per matching minute.
func (e *Engine) clockLoop(ctx context.Context) {
	tick := time.NewTicker(e.tick)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			e.checkClock(e.now())
		}
	}
}

func (e *Engine) checkClock(now time.Time) {
	minute := now.Format("2006-01-02T15:04")
	for _, r := range e.store.Rules() {
		if !r.Enabled {
			continue
		}
		for i, t := range r.Triggers {
			if t.Kind != model.TriggerTimeOfDay {
				continue
			}
			if t.Hour != now.Hour() || t.Minute != now.Minute() {
				continue
			}
			key := fmt.Sprintf("%s:%d", r.ID, i)
			e.mu.Lock()
			fired := e.lastClockFire[key] == minute
			if !fired {
				e.lastClockFire[key] = minute
			}
			e.mu.Unlock()
			if fired {
				continue
			}
			go e.fire(context.Background(), r.ID, model.TriggerTimeOfDay)
		}
	}
}

// watchStore reconciles cron schedules whenever rules change.
func (e *Engine) watchStore(ctx context.Context) {
	changes, cancel := e.store.Watch()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if c.Kind == store.ChangeRuleSaved || c.Kind == store.ChangeRuleDeleted {
				e.reconcileCron()
			}
		}
	}
}

// reconcileCron registers schedule triggers of enabled rules with the cron
// runner and removes stale entries. Invalid cron expressions are logged
// and skipped; the rest of the rule still works.
func (e *Engine) reconcileCron() {
	e.mu.Lock()
	defer e.mu.Unlock()

	expected := map[string]struct{}{}
	for _, r := range e.store.Rules() {
		if !r.Enabled {
			continue
		}
		for i, t := range r.Triggers {
			if t.Kind != model.TriggerSchedule {
				continue
			}
			spec := strings.TrimSpace(t.Cron)
			if spec == "" {
				continue
			}
			key := fmt.Sprintf("%s:%d", r.ID, i)
			expected[key] = struct{}{}
			if old, ok := e.cronSpecs[key]; ok && old != spec {
				if entryID, okE := e.cronEntries[key]; okE {
					e.cron.Remove(entryID)
					delete(e.cronEntries, key)
				}
				delete(e.cronSpecs, key)
			}
			if _, exists := e.cronEntries[key]; exists {
				continue
			}
			ruleID := r.ID
			id, err := e.cron.AddFunc(spec, func() {
				e.fire(context.Background(), ruleID, model.TriggerSchedule)
			})
			if err != nil {
				slog.Warn("invalid cron expression", "rule_id", r.ID, "cron", spec, "error", err)
				continue
			}
			e.cronEntries[key] = id
			e.cronSpecs[key] = spec
		}
	}

	for key, entryID := range e.cronEntries {
		if _, ok := expected[key]; ok {
			continue
		}
		e.cron.Remove(entryID)
		delete(e.cronEntries, key)
		delete(e.cronSpecs, key)
	}
}

// TriggerRule fires a rule manually, bypassing trigger matching.
// Conditions still apply. Disabled rules are rejected without firing.
func (e *Engine) TriggerRule(ctx context.Context, ruleID uuid.UUID) error {
	r, ok := e.store.Rule(ruleID)
	if !ok {
		return ErrRuleNotFound
	}
	if !r.Enabled {
		return ErrRuleDisabled
	}
	go e.fire(context.Background(), ruleID, model.TriggerManual)
	return nil
}

// fire is one end-to-end firing: enabled check, condition check, ordered
// action execution, history entry. Errors are isolated to this firing; a
// panic is recorded as a failed execution and never reaches the standing
// loops.
func (e *Engine) fire(ctx context.Context, ruleID uuid.UUID, kind model.TriggerKind) {
	r, ok := e.store.Rule(ruleID)
	if !ok || !r.Enabled {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("rule firing panicked", "rule_id", ruleID, "panic", rec)
			e.record(r, kind, false, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	satisfied, err := e.conditionsMet(r)
	if err != nil {
		// Authoring error (e.g. ordering comparison on non-comparable
		// kinds). Surfaced in history so the rule author sees it.
		slog.Warn("rule condition error", "rule_id", r.ID, "error", err)
		e.record(r, kind, false, err.Error())
		return
	}
	if !satisfied {
		return
	}

	errs := e.executeActions(ctx, r)
	success := len(errs) == 0
	msg := ""
	if !success {
		msg = strings.Join(errs, "; ")
	}
	if success {
		e.store.TouchRuleTriggered(r.ID, e.now())
	}
	e.record(r, kind, success, msg)
}

// conditionsMet ANDs all conditions; an empty list is vacuously true. An
// unknown device fails the condition (fail-closed), not the firing.
func (e *Engine) conditionsMet(r model.Rule) (bool, error) {
	for _, c := range r.Conditions {
		dev, ok := e.gw.GetDevice(c.DeviceID)
		if !ok {
			return false, nil
		}
		held, err := EvaluateCondition(c, dev.State)
		if err != nil {
			return false, err
		}
		if !held {
			return false, nil
		}
	}
	return true, nil
}

// executeActions runs the action list strictly in order. A failing action
// is collected and the remaining actions still run; the caller folds the
// collected errors into the execution event.
func (e *Engine) executeActions(ctx context.Context, r model.Rule) []string {
	var errs []string
	for i, a := range r.Actions {
		switch a.Kind {
		case model.ActionControlDevice:
			if _, err := e.gw.ControlDevice(ctx, a.DeviceID, a.Property, *a.Value); err != nil {
				slog.Warn("control device failed", "rule_id", r.ID, "device_id", a.DeviceID, "error", err)
				errs = append(errs, fmt.Sprintf("actions[%d] control %s: %v", i, a.DeviceID, err))
			}
		case model.ActionNotifyUser:
			if e.notify != nil {
				e.notify(ctx, r, a.Message)
			} else {
				slog.Info("notify user", "rule", r.Name, "message", a.Message)
			}
			e.events.Publish(Event{Type: "notification", RuleID: r.ID.String(), RuleName: r.Name, Message: a.Message})
		case model.ActionExecuteScene:
			if !e.ExecuteScene(ctx, a.SceneID) {
				errs = append(errs, fmt.Sprintf("actions[%d] scene %s not found", i, a.SceneID))
			}
		case model.ActionRunScript:
			e.events.Publish(Event{Type: "script", RuleID: r.ID.String(), ScriptID: a.ScriptID})
			if e.runScript == nil {
				// Reserved hook; nothing registered.
				slog.Debug("run script skipped, no runner registered", "script_id", a.ScriptID)
				continue
			}
			if err := e.runScript(ctx, a.ScriptID); err != nil {
				errs = append(errs, fmt.Sprintf("actions[%d] script %s: %v", i, a.ScriptID, err))
			}
		case model.ActionDelay:
			// Blocks only this firing's own action chain.
			select {
			case <-time.After(time.Duration(a.DurationMS) * time.Millisecond):
			case <-ctx.Done():
				errs = append(errs, fmt.Sprintf("actions[%d] delay interrupted", i))
				return errs
			}
		default:
			errs = append(errs, fmt.Sprintf("actions[%d] unsupported kind %q", i, a.Kind))
		}
	}
	return errs
}

func (e *Engine) record(r model.Rule, kind model.TriggerKind, success bool, msg string) {
	ev := e.store.AppendExecution(model.ExecutionEvent{
		RuleID:   r.ID,
		RuleName: r.Name,
		Trigger:  kind,
		Success:  success,
		Message:  msg,
		FiredAt:  e.now(),
	})
	e.events.Publish(Event{Type: "rule_fired", RuleID: r.ID.String(), RuleName: r.Name, Execution: &ev})
}
