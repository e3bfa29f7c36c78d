package domain

import "encoding/json"

// SecurityClassification labels who may see a case or event.
type SecurityClassification string

const (
	ClassificationPublic     SecurityClassification = "PUBLIC"
	ClassificationPrivate    SecurityClassification = "PRIVATE"
	ClassificationRestricted SecurityClassification = "RESTRICTED"
)

// CaseRecord is the current state of a case. The reference is the stable
// public key and never changes; version moves only when state, data or
// classification change, revision moves once per committed event.
type CaseRecord struct {
	ID                int64                  `json:"id"`
	Reference         string                 `json:"reference"`
	Jurisdiction      string                 `json:"jurisdiction"`
	CaseTypeID        string                 `json:"case_type_id"`
	State             string                 `json:"state"`
	Data              json.RawMessage        `json:"data"`
	Classification    SecurityClassification `json:"security_classification"`
	Version           int64                  `json:"version"`
	Revision          int64                  `json:"revision"`
	CreatedAt         string                 `json:"created_at" format:"date-time"`
	LastModified      string                 `json:"last_modified" format:"date-time"`
	LastStateModified string                 `json:"last_state_modified" format:"date-time"`
}

// AuditEvent is one append-only row of the case history. The data column is
// the full snapshot as committed, not a delta.
type AuditEvent struct {
	ID             int64                  `json:"id"`
	CaseID         int64                  `json:"-"`
	CaseReference  string                 `json:"case_reference"`
	EventID        string                 `json:"event_id"`
	EventName      string                 `json:"event_name,omitempty"`
	UserID         string                 `json:"user_id"`
	UserFirstName  string                 `json:"user_first_name,omitempty"`
	UserLastName   string                 `json:"user_last_name,omitempty"`
	Data           json.RawMessage        `json:"data"`
	StateID        string                 `json:"state_id"`
	StateName      string                 `json:"state_name,omitempty"`
	Summary        string                 `json:"summary,omitempty"`
	Description    string                 `json:"description,omitempty"`
	Classification SecurityClassification `json:"security_classification"`
	Version        int64                  `json:"version"`
	Revision       int64                  `json:"revision"`
	IdempotencyKey *string                `json:"idempotency_key,omitempty"`
	CreatedAt      string                 `json:"created_at" format:"date-time"`
}

// OutboxStatus is the lifecycle state of an outbox row.
type OutboxStatus string

const (
	OutboxNew        OutboxStatus = "NEW"
	OutboxProcessing OutboxStatus = "PROCESSING"
	OutboxProcessed  OutboxStatus = "PROCESSED"
	OutboxFailed     OutboxStatus = "FAILED"
)

// TaskAction names the external call an outbox row maps to.
type TaskAction string

const (
	TaskInitiate    TaskAction = "initiate"
	TaskComplete    TaskAction = "complete"
	TaskCancel      TaskAction = "cancel"
	TaskReconfigure TaskAction = "reconfigure"
)

// OutboxRecord is a pending side effect, created in the same transaction as
// the case mutation that requires it.
type OutboxRecord struct {
	ID               int64        `json:"id"`
	CaseReference    string       `json:"case_reference"`
	CaseTypeID       string       `json:"case_type_id"`
	Action           TaskAction   `json:"action"`
	Payload          string       `json:"payload"`
	Status           OutboxStatus `json:"status"`
	AttemptCount     int          `json:"attempt_count"`
	NextAttemptAt    *string      `json:"next_attempt_at,omitempty" format:"date-time"`
	LastResponseCode *int         `json:"last_response_code,omitempty"`
	LastError        *string      `json:"last_error,omitempty"`
	CreatedAt        string       `json:"created_at" format:"date-time"`
	UpdatedAt        string       `json:"updated_at" format:"date-time"`
	ProcessedAt      *string      `json:"processed_at,omitempty" format:"date-time"`
}

// MessageCandidate is one committed case event awaiting publication to the
// outbound bus.
type MessageCandidate struct {
	ID            int64           `json:"id"`
	CaseReference string          `json:"case_reference"`
	MessageType   string          `json:"message_type"`
	Timestamp     string          `json:"time_stamp" format:"date-time"`
	Information   json.RawMessage `json:"message_information"`
	PublishedAt   *string         `json:"published,omitempty" format:"date-time"`
}

// MessageInformation is the payload placed on the bus for a published event.
type MessageInformation struct {
	CaseID          string `json:"case_id"`
	JurisdictionID  string `json:"jurisdiction_id"`
	CaseTypeID      string `json:"case_type_id"`
	EventInstanceID int64  `json:"event_instance_id"`
	EventTimestamp  string `json:"event_timestamp"`
	EventID         string `json:"event_id"`
	UserID          string `json:"user_id"`
	PreviousStateID string `json:"previous_state_id,omitempty"`
	NewStateID      string `json:"new_state_id"`
}

// User is the caller identity attached to a submission. It comes from an
// upstream identity layer and is consumed opaquely.
type User struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}
