package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"sallie-automation/internal/gateway"
	"sallie-automation/internal/model"
	"sallie-automation/internal/store"
)

func ptrValue(v model.Value) *model.Value { return &v }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *gateway.Fake) {
	t.Helper()
	st := store.New()
	gw := gateway.NewFake()
	e := New(st, gw, Options{})
	return e, st, gw
}

func saveRule(t *testing.T, st *store.Store, r model.Rule) model.Rule {
	t.Helper()
	saved, err := st.SaveRule(r)
	if err != nil {
		t.Fatalf("save rule: %v", err)
	}
	return saved
}

func motionRule() model.Rule {
	on := model.Boolean(true)
	return model.Rule{
		Name:    "motion light",
		Enabled: true,
		Triggers: []model.Trigger{
			{Kind: model.TriggerDeviceState, DeviceID: "sensor-1", Property: "motion", Value: &on},
		},
		Conditions: []model.Condition{
			{DeviceID: "sensor-2", Property: "lux", Op: model.OpLessThan, Value: model.Number(20)},
		},
		Actions: []model.Action{
			{Kind: model.ActionControlDevice, DeviceID: "light-1", Property: "power", Value: &on},
		},
	}
}

func TestMatchDeviceTrigger(t *testing.T) {
	on := model.Boolean(true)
	upd := model.DeviceUpdate{DeviceID: "d1", Property: "power", Value: model.Boolean(true)}
	cases := []struct {
		name    string
		trigger model.Trigger
		want    bool
	}{
		{"device only", model.Trigger{DeviceID: "d1"}, true},
		{"wrong device", model.Trigger{DeviceID: "d2"}, false},
		{"property match", model.Trigger{DeviceID: "d1", Property: "power"}, true},
		{"property mismatch", model.Trigger{DeviceID: "d1", Property: "brightness"}, false},
		{"value match", model.Trigger{DeviceID: "d1", Property: "power", Value: &on}, true},
		{"value mismatch", model.Trigger{DeviceID: "d1", Property: "power", Value: ptrValue(model.Boolean(false))}, false},
	}
	for _, c := range cases {
		if got := matchDeviceTrigger(c.trigger, upd); got != c.want {
			t.Fatalf("%s: expected %v, got %v", c.name, c.want, got)
		}
	}
}

func TestFire_ConditionsMetRunsActions(t *testing.T) {
	e, st, gw := newTestEngine(t)
	gw.SetStateQuiet("sensor-2", "lux", model.Number(5))
	gw.SetStateQuiet("light-1", "power", model.Boolean(false))
	r := saveRule(t, st, motionRule())

	e.fire(context.Background(), r.ID, model.TriggerDeviceState)

	calls := gw.Calls()
	if len(calls) != 1 || calls[0].DeviceID != "light-1" || calls[0].Property != "power" {
		t.Fatalf("expected one control call on light-1/power, got %+v", calls)
	}
	hist := st.Executions()
	if len(hist) != 1 || !hist[0].Success || hist[0].RuleID != r.ID {
		t.Fatalf("expected one successful execution, got %+v", hist)
	}
	got, _ := st.Rule(r.ID)
	if got.LastTriggeredAt == nil {
		t.Fatalf("expected last_triggered_at to be stamped")
	}
}

func TestFire_ConditionFalseSkipsActionsAndHistory(t *testing.T) {
	e, st, gw := newTestEngine(t)
	gw.SetStateQuiet("sensor-2", "lux", model.Number(500))
	gw.SetStateQuiet("light-1", "power", model.Boolean(false))
	r := saveRule(t, st, motionRule())

	e.fire(context.Background(), r.ID, model.TriggerDeviceState)

	if calls := gw.Calls(); len(calls) != 0 {
		t.Fatalf("expected no control calls, got %+v", calls)
	}
	if hist := st.Executions(); len(hist) != 0 {
		t.Fatalf("expected no history for an unsatisfied firing, got %+v", hist)
	}
}

func TestFire_UnknownConditionDeviceFailsClosed(t *testing.T) {
	e, st, gw := newTestEngine(t)
	// sensor-2 never registered.
	gw.SetStateQuiet("light-1", "power", model.Boolean(false))
	r := saveRule(t, st, motionRule())

	e.fire(context.Background(), r.ID, model.TriggerManual)

	if calls := gw.Calls(); len(calls) != 0 {
		t.Fatalf("expected no control calls, got %+v", calls)
	}
	if hist := st.Executions(); len(hist) != 0 {
		t.Fatalf("expected no history, got %+v", hist)
	}
}

func TestFire_ConditionConfigErrorRecordedAsFailure(t *testing.T) {
	e, st, gw := newTestEngine(t)
	gw.SetStateQuiet("sensor-2", "lux", model.Boolean(true)) // ordering op on a bool
	r := saveRule(t, st, motionRule())

	e.fire(context.Background(), r.ID, model.TriggerManual)

	hist := st.Executions()
	if len(hist) != 1 || hist[0].Success {
		t.Fatalf("expected one failed execution, got %+v", hist)
	}
	if hist[0].Message == "" {
		t.Fatalf("expected the condition error in the event message")
	}
	if calls := gw.Calls(); len(calls) != 0 {
		t.Fatalf("expected no control calls, got %+v", calls)
	}
}

func TestFire_ActionFailureMarksExecutionFailed(t *testing.T) {
	e, st, gw := newTestEngine(t)
	gw.SetStateQuiet("sensor-2", "lux", model.Number(5))
	gw.SetStateQuiet("light-1", "power", model.Boolean(false))
	gw.SetStateQuiet("light-2", "power", model.Boolean(false))
	gw.FailControl = map[string]error{"light-1": errors.New("device offline")}

	on := model.Boolean(true)
	r := motionRule()
	r.Actions = append(r.Actions, model.Action{Kind: model.ActionControlDevice, DeviceID: "light-2", Property: "power", Value: &on})
	saved := saveRule(t, st, r)

	e.fire(context.Background(), saved.ID, model.TriggerManual)

	// The failing action does not stop the rest of the list.
	calls := gw.Calls()
	if len(calls) != 2 || calls[1].DeviceID != "light-2" {
		t.Fatalf("expected both control calls, got %+v", calls)
	}
	hist := st.Executions()
	if len(hist) != 1 || hist[0].Success {
		t.Fatalf("expected one failed execution, got %+v", hist)
	}
	got, _ := st.Rule(saved.ID)
	if got.LastTriggeredAt != nil {
		t.Fatalf("failed firing must not stamp last_triggered_at")
	}
}

func TestFire_EmptyConditionsVacuouslyTrue(t *testing.T) {
	e, st, gw := newTestEngine(t)
	gw.SetStateQuiet("light-1", "power", model.Boolean(false))
	r := motionRule()
	r.Conditions = nil
	saved := saveRule(t, st, r)

	e.fire(context.Background(), saved.ID, model.TriggerManual)

	if calls := gw.Calls(); len(calls) != 1 {
		t.Fatalf("expected one control call, got %+v", calls)
	}
}

func TestTriggerRule_DisabledAndUnknown(t *testing.T) {
	e, st, _ := newTestEngine(t)
	r := motionRule()
	r.Enabled = false
	saved := saveRule(t, st, r)

	if err := e.TriggerRule(context.Background(), saved.ID); !errors.Is(err, ErrRuleDisabled) {
		t.Fatalf("expected ErrRuleDisabled, got %v", err)
	}
	if err := e.TriggerRule(context.Background(), uuid.New()); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
	if hist := st.Executions(); len(hist) != 0 {
		t.Fatalf("rejected triggers must not leave history, got %+v", hist)
	}
}

func TestHandleUpdate_FiresMatchingRules(t *testing.T) {
	e, st, gw := newTestEngine(t)
	gw.SetStateQuiet("sensor-2", "lux", model.Number(5))
	gw.SetStateQuiet("light-1", "power", model.Boolean(false))
	r := saveRule(t, st, motionRule())

	e.handleUpdate(model.DeviceUpdate{DeviceID: "sensor-1", Property: "motion", Value: model.Boolean(true)})

	waitFor(t, "execution history", func() bool { return len(st.Executions()) == 1 })
	hist := st.Executions()
	if hist[0].RuleID != r.ID || hist[0].Trigger != model.TriggerDeviceState || !hist[0].Success {
		t.Fatalf("unexpected execution event: %+v", hist[0])
	}
}

func TestHandleUpdate_ValueFilterMismatchDoesNotFire(t *testing.T) {
	e, st, gw := newTestEngine(t)
	gw.SetStateQuiet("sensor-2", "lux", model.Number(5))
	gw.SetStateQuiet("light-1", "power", model.Boolean(false))
	saveRule(t, st, motionRule())

	e.handleUpdate(model.DeviceUpdate{DeviceID: "sensor-1", Property: "motion", Value: model.Boolean(false)})

	time.Sleep(50 * time.Millisecond)
	if hist := st.Executions(); len(hist) != 0 {
		t.Fatalf("expected no firing on value mismatch, got %+v", hist)
	}
}

func TestCheckClock_FiresOncePerMinute(t *testing.T) {
	e, st, gw := newTestEngine(t)
	gw.SetStateQuiet("light-1", "power", model.Boolean(false))
	r := motionRule()
	r.Triggers = []model.Trigger{{Kind: model.TriggerTimeOfDay, Hour: 7, Minute: 30}}
	r.Conditions = nil
	saveRule(t, st, r)

	at := time.Date(2026, 3, 14, 7, 30, 10, 0, time.UTC)
	e.checkClock(at)
	e.checkClock(at.Add(20 * time.Second)) // same minute, deduplicated

	waitFor(t, "one execution", func() bool { return len(st.Executions()) == 1 })
	time.Sleep(50 * time.Millisecond)
	if hist := st.Executions(); len(hist) != 1 {
		t.Fatalf("expected exactly one firing per matching minute, got %d", len(hist))
	}

	// Next day, same wall-clock time fires again.
	e.checkClock(at.Add(24 * time.Hour))
	waitFor(t, "second execution", func() bool { return len(st.Executions()) == 2 })
}

func TestCheckClock_NonMatchingMinuteDoesNotFire(t *testing.T) {
	e, st, _ := newTestEngine(t)
	r := motionRule()
	r.Triggers = []model.Trigger{{Kind: model.TriggerTimeOfDay, Hour: 7, Minute: 30}}
	r.Conditions = nil
	saveRule(t, st, r)

	e.checkClock(time.Date(2026, 3, 14, 7, 31, 0, 0, time.UTC))

	time.Sleep(50 * time.Millisecond)
	if hist := st.Executions(); len(hist) != 0 {
		t.Fatalf("expected no firing, got %+v", hist)
	}
}

func TestReconcileCron(t *testing.T) {
	e, st, _ := newTestEngine(t)
	r := motionRule()
	r.Triggers = []model.Trigger{{Kind: model.TriggerSchedule, Cron: "*/5 * * * *"}}
	saved := saveRule(t, st, r)

	e.reconcileCron()
	e.mu.Lock()
	n := len(e.cronEntries)
	e.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected one cron entry, got %d", n)
	}

	// Disabling the rule removes its entry.
	st.SetRuleEnabled(saved.ID, false)
	e.reconcileCron()
	e.mu.Lock()
	n = len(e.cronEntries)
	e.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected stale cron entry to be removed, got %d", n)
	}
}

func TestCronEntry_FiresThroughNormalProcedure(t *testing.T) {
	e, st, gw := newTestEngine(t)
	gw.SetStateQuiet("sensor-2", "lux", model.Number(5))
	gw.SetStateQuiet("light-1", "power", model.Boolean(false))
	r := motionRule()
	r.Triggers = []model.Trigger{{Kind: model.TriggerSchedule, Cron: "*/5 * * * *"}}
	saved := saveRule(t, st, r)

	e.reconcileCron()
	e.mu.Lock()
	entryID, ok := e.cronEntries[saved.ID.String()+":0"]
	e.mu.Unlock()
	if !ok {
		t.Fatalf("expected cron entry for the schedule trigger")
	}

	// Run the registered job directly instead of waiting for the runner.
	e.cron.Entry(entryID).Job.Run()

	hist := st.Executions()
	if len(hist) != 1 || hist[0].Trigger != model.TriggerSchedule || !hist[0].Success {
		t.Fatalf("expected one successful schedule execution, got %+v", hist)
	}
	if calls := gw.Calls(); len(calls) != 1 || calls[0].DeviceID != "light-1" {
		t.Fatalf("expected the rule's action to run, got %+v", calls)
	}
}

func TestFire_PanicInActionRecorded(t *testing.T) {
	st := store.New()
	gw := gateway.NewFake()
	e := New(st, gw, Options{
		Notify: func(_ context.Context, _ model.Rule, _ string) { panic("notifier broke") },
	})

	r := motionRule()
	r.Conditions = nil
	r.Actions = []model.Action{{Kind: model.ActionNotifyUser, Message: "boom"}}
	saved := saveRule(t, st, r)

	e.fire(context.Background(), saved.ID, model.TriggerManual)

	hist := st.Executions()
	if len(hist) != 1 || hist[0].Success {
		t.Fatalf("expected one failed execution after a panic, got %+v", hist)
	}
	if !strings.Contains(hist[0].Message, "notifier broke") {
		t.Fatalf("expected panic value in the event message, got %q", hist[0].Message)
	}
	got, _ := st.Rule(saved.ID)
	if got.LastTriggeredAt != nil {
		t.Fatalf("panicked firing must not stamp last_triggered_at")
	}
}

func TestFire_NotifyAction(t *testing.T) {
	st := store.New()
	gw := gateway.NewFake()
	var gotMsg string
	e := New(st, gw, Options{
		Notify: func(_ context.Context, _ model.Rule, message string) { gotMsg = message },
	})

	r := motionRule()
	r.Conditions = nil
	r.Actions = []model.Action{{Kind: model.ActionNotifyUser, Message: "laundry done"}}
	saved := saveRule(t, st, r)

	e.fire(context.Background(), saved.ID, model.TriggerManual)

	if gotMsg != "laundry done" {
		t.Fatalf("expected notify hook to run, got %q", gotMsg)
	}
	hist := st.Executions()
	if len(hist) != 1 || !hist[0].Success {
		t.Fatalf("expected successful execution, got %+v", hist)
	}
}
