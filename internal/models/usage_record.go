package models

import "time"

// UsageRecord is the immutable audit entry written once per finalized reservation.
type UsageRecord struct {
	ReservationID string    `db:"reservation_id" json:"reservation_id"`
	TenantID      string    `db:"tenant_id" json:"tenant_id"`
	Provider      string    `db:"provider" json:"provider"`
	Model         string    `db:"model" json:"model"`
	TaskType      string    `db:"task_type" json:"task_type"`
	TokensIn      int       `db:"tokens_in" json:"tokens_in"`
	TokensOut     int       `db:"tokens_out" json:"tokens_out"`
	ActualCost    float64   `db:"actual_cost" json:"actual_cost"`
	LatencyMS     int64     `db:"latency_ms" json:"latency_ms"`
	Success       bool      `db:"success" json:"success"`
	FailureReason string    `db:"failure_reason" json:"failure_reason,omitempty"`
	Timestamp     time.Time `db:"created_at" json:"timestamp"`
}
