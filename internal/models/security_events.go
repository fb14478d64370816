package models

import "time"

type AuditOutcome string

const (
	OutcomeAllowed AuditOutcome = "allowed"
	OutcomeDenied  AuditOutcome = "denied"
	OutcomeError   AuditOutcome = "error"
)

// SecurityEvent is one append-only audit record
type SecurityEvent struct {
	EventID     string       `db:"event_id" json:"id"`
	EventBucket int          `db:"event_bucket" json:"bucket"`
	EventDate   string       `db:"event_date" json:"date"`
	EventTime   time.Time    `db:"event_time" json:"time"`
	ActorID     string       `db:"actor_id" json:"actorId,omitempty"`
	ActorRole   string       `db:"actor_role" json:"actorRole,omitempty"`
	Action      string       `db:"action" json:"action"`
	Resource    string       `db:"resource" json:"resource"`
	ResourceID  string       `db:"resource_id" json:"resourceId,omitempty"`
	Outcome     AuditOutcome `db:"outcome" json:"outcome"`
	Reason      string       `db:"reason" json:"reason,omitempty"`
	Stage       string       `db:"stage" json:"stage,omitempty"`
	IPAddress   string       `db:"ip_address" json:"ip,omitempty"`
	RequestID   string       `db:"request_id" json:"requestId,omitempty"`
	Method      string       `db:"method" json:"method,omitempty"`
	Path        string       `db:"path" json:"path,omitempty"`
}
