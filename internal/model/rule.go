package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// TriggerKind discriminates Trigger.
type TriggerKind string

const (
	TriggerDeviceState TriggerKind = "device_state"
	TriggerSchedule    TriggerKind = "schedule"
	TriggerTimeOfDay   TriggerKind = "time_of_day"
	TriggerLocation    TriggerKind = "location"
	TriggerManual      TriggerKind = "manual"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "eq"
	OpNotEquals   Operator = "neq"
	OpGreaterThan Operator = "gt"
	OpLessThan    Operator = "lt"
	OpGreaterOrEq Operator = "gte"
	OpLessOrEq    Operator = "lte"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
)

// ActionKind discriminates Action.
type ActionKind string

const (
	ActionControlDevice ActionKind = "control_device"
	ActionNotifyUser    ActionKind = "notify_user"
	ActionExecuteScene  ActionKind = "execute_scene"
	ActionRunScript     ActionKind = "run_script"
	ActionDelay         ActionKind = "delay"
)

// Trigger proposes a rule for firing. Each kind uses only its own fields.
//
// device_state: DeviceID required; Property and Value narrow the match
// (absent means "any change to that device" / "any value").
// schedule: Cron required (robfig/cron spec, standard 5-field).
// time_of_day: Hour/Minute wall-clock match, checked once per minute.
// location: accepted for forward compatibility; never fires automatically.
// manual: entry point for explicit TriggerRule calls.
type Trigger struct {
	Kind     TriggerKind `json:"kind"`
	DeviceID string      `json:"device_id,omitempty"`
	Property string      `json:"property,omitempty"`
	Value    *Value      `json:"value,omitempty"`
	Cron     string      `json:"cron,omitempty"`
	Hour     int         `json:"hour,omitempty"`
	Minute   int         `json:"minute,omitempty"`
}

// Condition gates a triggered rule. All conditions in a rule must hold.
type Condition struct {
	DeviceID string   `json:"device_id"`
	Property string   `json:"property"`
	Op       Operator `json:"op"`
	Value    Value    `json:"value"`
	Negate   bool     `json:"negate,omitempty"`
}

// Action is one unit of effect, executed in list order.
type Action struct {
	Kind       ActionKind `json:"kind"`
	DeviceID   string     `json:"device_id,omitempty"`
	Property   string     `json:"property,omitempty"`
	Value      *Value     `json:"value,omitempty"`
	Message    string     `json:"message,omitempty"`
	SceneID    uuid.UUID  `json:"scene_id,omitempty"`
	ScriptID   string     `json:"script_id,omitempty"`
	DurationMS int64      `json:"duration_ms,omitempty"`
}

// Rule is an automation rule. A rule with zero triggers can only fire via
// a manual TriggerRule call.
type Rule struct {
	ID              uuid.UUID   `json:"id"`
	Name            string      `json:"name"`
	Description     string      `json:"description,omitempty"`
	Enabled         bool        `json:"enabled"`
	Triggers        []Trigger   `json:"triggers"`
	Conditions      []Condition `json:"conditions"`
	Actions         []Action    `json:"actions"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	LastTriggeredAt *time.Time  `json:"last_triggered_at,omitempty"`
}

// NormalizeAndValidate trims free-text fields and checks every trigger,
// condition and action against its kind. Called on every save.
func (r *Rule) NormalizeAndValidate() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return errors.New("rule.name is required")
	}
	r.Description = strings.TrimSpace(r.Description)

	for i := range r.Triggers {
		t := &r.Triggers[i]
		if err := validateTrigger(t); err != nil {
			return fmt.Errorf("rule.triggers[%d]: %w", i, err)
		}
	}
	for i := range r.Conditions {
		c := &r.Conditions[i]
		if err := validateCondition(c); err != nil {
			return fmt.Errorf("rule.conditions[%d]: %w", i, err)
		}
	}
	if len(r.Actions) == 0 {
		return errors.New("rule.actions is required")
	}
	for i := range r.Actions {
		a := &r.Actions[i]
		if err := validateAction(a); err != nil {
			return fmt.Errorf("rule.actions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateTrigger(t *Trigger) error {
	t.DeviceID = strings.TrimSpace(t.DeviceID)
	t.Property = strings.TrimSpace(t.Property)
	t.Cron = strings.TrimSpace(t.Cron)
	switch t.Kind {
	case TriggerDeviceState:
		if t.DeviceID == "" {
			return errors.New("device_id is required")
		}
		if t.Value != nil && t.Property == "" {
			return errors.New("value filter requires a property")
		}
		return nil
	case TriggerSchedule:
		if t.Cron == "" {
			return errors.New("cron is required")
		}
		if _, err := cron.ParseStandard(t.Cron); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		return nil
	case TriggerTimeOfDay:
		if t.Hour < 0 || t.Hour > 23 {
			return errors.New("hour must be 0-23")
		}
		if t.Minute < 0 || t.Minute > 59 {
			return errors.New("minute must be 0-59")
		}
		return nil
	case TriggerLocation:
		// Reserved. Stored but never matched by the engine.
		return nil
	case TriggerManual:
		return nil
	default:
		return fmt.Errorf("unsupported trigger kind: %s", t.Kind)
	}
}

func validateCondition(c *Condition) error {
	c.DeviceID = strings.TrimSpace(c.DeviceID)
	c.Property = strings.TrimSpace(c.Property)
	if c.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if c.Property == "" {
		return errors.New("property is required")
	}
	switch c.Op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpGreaterOrEq,
		OpLessOrEq, OpContains, OpNotContains, OpStartsWith, OpEndsWith:
		return nil
	default:
		return fmt.Errorf("unsupported operator: %s", c.Op)
	}
}

func validateAction(a *Action) error {
	a.DeviceID = strings.TrimSpace(a.DeviceID)
	a.Property = strings.TrimSpace(a.Property)
	a.ScriptID = strings.TrimSpace(a.ScriptID)
	switch a.Kind {
	case ActionControlDevice:
		if a.DeviceID == "" {
			return errors.New("device_id is required")
		}
		if a.Property == "" {
			return errors.New("property is required")
		}
		if a.Value == nil {
			return errors.New("value is required")
		}
		return nil
	case ActionNotifyUser:
		a.Message = strings.TrimSpace(a.Message)
		if a.Message == "" {
			return errors.New("message is required")
		}
		return nil
	case ActionExecuteScene:
		if a.SceneID == uuid.Nil {
			return errors.New("scene_id is required")
		}
		return nil
	case ActionRunScript:
		if a.ScriptID == "" {
			return errors.New("script_id is required")
		}
		return nil
	case ActionDelay:
		if a.DurationMS < 0 {
			return errors.New("duration_ms must be >= 0")
		}
		return nil
	default:
		return fmt.Errorf("unsupported action kind: %s", a.Kind)
	}
}
