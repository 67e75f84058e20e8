// Package auditlog persists the append-only API access trail. Entries
// carry request metadata and hashed principals only; payloads and raw
// identifiers never reach this table.
package auditlog

import (
	"time"

	"github.com/google/uuid"
)

// AuditLog maps to the audit_logs table. Rows are append-only.
type AuditLog struct {
	ID         uuid.UUID `db:"id" json:"id"`
	UserID     string    `db:"user_id" json:"user_id,omitempty"`
	UserRoles  []string  `db:"user_roles" json:"user_roles,omitempty"`
	Resource   string    `db:"resource" json:"resource"`
	Action     string    `db:"action" json:"action"`
	IPAddress  string    `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent  string    `db:"user_agent" json:"user_agent,omitempty"`
	Path       string    `db:"path" json:"path"`
	Method     string    `db:"method" json:"method"`
	Timestamp  time.Time `db:"timestamp" json:"timestamp"`
	RequestID  string    `db:"request_id" json:"request_id,omitempty"`
	StatusCode int       `db:"status_code" json:"status_code"`
	LatencyMS  int64     `db:"latency_ms" json:"latency_ms"`
}

// Filter narrows audit queries. Zero values mean "any".
type Filter struct {
	Method     string
	Path       string
	StatusCode *int
	StartDate  *time.Time
	EndDate    *time.Time
}

// Stats aggregates the trail over a trailing window.
type Stats struct {
	Days          int            `json:"days"`
	TotalRequests int            `json:"total_requests"`
	ErrorCount    int            `json:"error_count"`
	AvgLatencyMS  float64        `json:"avg_latency_ms"`
	ByMethod      map[string]int `json:"by_method"`
	ByResource    map[string]int `json:"by_resource"`
	ByStatus      map[string]int `json:"by_status"`
}
