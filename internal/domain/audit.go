package domain

import "time"

type Action string

// Audit actions
const (
	ActionStore        Action = "STORE"
	ActionVerifyStart  Action = "VERIFY_START"
	ActionVerifyResult Action = "VERIFY_RESULT"
	ActionAccess       Action = "ACCESS"
	ActionGrant        Action = "GRANT"
	ActionRevoke       Action = "REVOKE"
)

// AuditEntry is one line of a record's append-only audit trail. Seq is
// assigned by the ledger at commit and defines the trail's order.
type AuditEntry struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	RecordID  string    `json:"record_id"`
	Actor     string    `json:"actor"`
	Action    Action    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// AuditEvent is the message published to the audit topic for downstream
// alerting.
type AuditEvent struct {
	Service    string                 `json:"service"`
	EventType  string                 `json:"event_type"`
	EntityID   string                 `json:"entity_id"`
	Actor      string                 `json:"actor,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
	Payload    map[string]interface{} `json:"payload"`
}
