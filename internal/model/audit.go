package model

import "time"

// AuditEvent is an immutable record of one usage attempt. KeyName is a
// snapshot taken when the event was recorded and stays readable after the
// key is renamed or deleted.
type AuditEvent struct {
	ID             string    `json:"id" db:"id"`
	KeyID          string    `json:"key_id" db:"key_id"`
	KeyName        string    `json:"key_name" db:"key_name_snapshot"`
	DeviceID       string    `json:"device_id" db:"device_id"`
	Resource       string    `json:"resource" db:"resource"`
	ParameterName  string    `json:"parameter_name" db:"parameter_name"`
	ParameterValue string    `json:"parameter_value" db:"parameter_value"`
	Success        bool      `json:"success" db:"success"`
	OccurredAt     time.Time `json:"timestamp" db:"occurred_at"`
	LatencyMs      *int64    `json:"latency_ms,omitempty" db:"latency_ms"`
}
