package models

import "time"

// ReservationState tracks whether a reservation still holds budget.
type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
	// ReservationExpired marks a hold returned by the TTL sweep. It still
	// accepts one late commit, since the call it covered may have completed.
	ReservationExpired ReservationState = "expired"
)

// Reservation is a provisional hold on a tenant's budget made before a provider call.
type Reservation struct {
	ID        string           `json:"id"`
	TenantID  string           `json:"tenant_id"`
	Estimated float64          `json:"estimated"`
	Periods   []Period         `json:"periods"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
	State     ReservationState `json:"state"`
}

// Expired reports whether the hold outlived its TTL at now.
func (r *Reservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
