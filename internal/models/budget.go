package models

import (
	"fmt"
	"time"
)

// Period is the accounting granularity of a tenant budget row.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// Periods lists every period a tenant may carry a budget row for.
var Periods = []Period{PeriodDaily, PeriodMonthly}

// ParsePeriod validates a period name.
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case PeriodDaily, PeriodMonthly:
		return Period(s), nil
	default:
		return "", fmt.Errorf("unknown budget period %q", s)
	}
}

// Start returns the beginning of the period containing t, in UTC.
func (p Period) Start(t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// TenantBudget is one spending ceiling for a tenant over one period.
// Amounts are in USD.
type TenantBudget struct {
	TenantID          string    `db:"tenant_id" json:"tenant_id" yaml:"tenant_id"`
	Period            Period    `db:"period_kind" json:"period" yaml:"period"`
	Limit             float64   `db:"limit_amount" json:"limit" yaml:"limit"`
	Committed         float64   `db:"committed_spend" json:"committed" yaml:"-"`
	Reserved          float64   `db:"reserved_amount" json:"reserved" yaml:"-"`
	Enforce           bool      `db:"enforce" json:"enforce" yaml:"enforce"`
	AlertThresholdPct float64   `db:"alert_threshold_pct" json:"alert_threshold_pct" yaml:"alert_threshold_pct"`
	Alerted           bool      `db:"-" json:"alerted" yaml:"-"`
	PeriodStart       time.Time `db:"-" json:"period_start" yaml:"-"`
}

// Validate checks the static settings of a budget row.
func (b TenantBudget) Validate() error {
	if b.TenantID == "" {
		return fmt.Errorf("budget: tenant_id is required")
	}
	if _, err := ParsePeriod(string(b.Period)); err != nil {
		return fmt.Errorf("budget %s: %w", b.TenantID, err)
	}
	if b.Limit < 0 {
		return fmt.Errorf("budget %s/%s: limit must not be negative", b.TenantID, b.Period)
	}
	if b.AlertThresholdPct < 0 || b.AlertThresholdPct > 100 {
		return fmt.Errorf("budget %s/%s: alert_threshold_pct must be within [0, 100]", b.TenantID, b.Period)
	}
	return nil
}

// Remaining is the headroom left before the limit.
func (b TenantBudget) Remaining() float64 {
	return b.Limit - b.Committed - b.Reserved
}

// UsagePct is committed spend as a percentage of the limit.
func (b TenantBudget) UsagePct() float64 {
	if b.Limit <= 0 {
		return 0
	}
	return b.Committed / b.Limit * 100
}

// ThresholdEvent is emitted once per period when committed spend crosses the alert threshold.
type ThresholdEvent struct {
	TenantID  string    `json:"tenant_id"`
	Period    Period    `json:"period"`
	Pct       float64   `json:"pct"`
	Committed float64   `json:"committed"`
	Limit     float64   `json:"limit"`
	At        time.Time `json:"at"`
}
