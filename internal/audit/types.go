package audit

import "context"

// Event types - accounts
const (
	EventTypeUserRegistered = "user_registered"
	EventTypeLoginSuccess   = "login_success"
	EventTypeLoginFailed    = "login_failed"
)

// Event types - shares
const (
	EventTypeShareCreated = "share_created"
	EventTypeShareRemoved = "share_removed"
	EventTypeShareExpired = "share_expired"
)

// Resource types
const (
	ResourceTypeUser  = "user"
	ResourceTypeShare = "share"
)

// Actions
const (
	ActionCreate = "create"
	ActionDelete = "delete"
	ActionLogin  = "login"
	ActionExpire = "expire"
)

// Status
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// AnonymousUserID stands in for the account of events with no known user,
// such as a failed login for a username that does not exist
const AnonymousUserID = "anonymous"

// AuditEvent is one event to be recorded
type AuditEvent struct {
	UserID       string // account the event belongs to
	Username     string // may be empty when only the account ID is known
	EventType    string
	ResourceType string
	ResourceID   string
	ResourceName string
	Action       string
	Status       string
	IPAddress    string
	UserAgent    string
	Details      map[string]interface{}
}

// AuditLog is a stored event
type AuditLog struct {
	ID           int64                  `json:"id"`
	Timestamp    int64                  `json:"timestamp"` // unix seconds
	UserID       string                 `json:"userId"`
	Username     string                 `json:"username"`
	EventType    string                 `json:"eventType"`
	ResourceType string                 `json:"resourceType,omitempty"`
	ResourceID   string                 `json:"resourceId,omitempty"`
	ResourceName string                 `json:"resourceName,omitempty"`
	Action       string                 `json:"action"`
	Status       string                 `json:"status"`
	IPAddress    string                 `json:"ipAddress,omitempty"`
	UserAgent    string                 `json:"userAgent,omitempty"`
	Details      map[string]interface{} `json:"details"`
}

// AuditLogFilters narrows a query. Zero fields match everything.
type AuditLogFilters struct {
	UserID    string
	Username  string
	EventType string
	Status    string
	StartDate int64 // unix seconds, inclusive
	EndDate   int64 // unix seconds, inclusive
	Page      int   // 1-based
	PageSize  int
}

// Store persists audit events
type Store interface {
	LogEvent(ctx context.Context, event *AuditEvent, timestamp int64) error
	GetLogs(ctx context.Context, filters *AuditLogFilters) ([]*AuditLog, int, error)
	// PurgeLogs deletes events older than cutoff (unix seconds)
	PurgeLogs(ctx context.Context, cutoff int64) (int, error)
}
