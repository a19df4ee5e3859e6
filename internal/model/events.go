package model

import (
	"time"

	"github.com/google/uuid"
)

// MaxExecutionHistory bounds the in-memory execution log. Oldest entries
// are evicted first.
const MaxExecutionHistory = 100

// ExecutionEvent records one completed rule firing. Rule name is a
// snapshot: it stays readable even after the rule is renamed or deleted.
type ExecutionEvent struct {
	ID       uuid.UUID   `json:"id"`
	RuleID   uuid.UUID   `json:"rule_id"`
	RuleName string      `json:"rule_name"`
	Trigger  TriggerKind `json:"trigger"`
	Success  bool        `json:"success"`
	Message  string      `json:"message,omitempty"`
	FiredAt  time.Time   `json:"fired_at"`
}
