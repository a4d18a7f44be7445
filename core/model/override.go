package model

import "time"

// Override is an externally requested limit that masks profile-derived
// limits of equal or lower priority. ValidUntil zero means persistent.
type Override struct {
	ID           string
	Scope        Scope
	PowerLimitKW float64
	Reason       AdjustmentReason
	Priority     int
	ValidUntil   time.Time
	CreatedAt    time.Time
	// SupersededBy holds the id of the override that replaced this one. Audit only.
	SupersededBy string
}

// Persistent reports whether the override never expires on its own.
func (o Override) Persistent() bool { return o.ValidUntil.IsZero() }

// ActiveAt reports whether the override applies at t.
func (o Override) ActiveAt(t time.Time) bool {
	return o.SupersededBy == "" && (o.Persistent() || t.Before(o.ValidUntil))
}

// Remaining returns the time left before expiry, zero for persistent overrides.
func (o Override) Remaining(now time.Time) time.Duration {
	if o.Persistent() {
		return 0
	}
	return o.ValidUntil.Sub(now)
}
