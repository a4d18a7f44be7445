package dispatch

import (
	"context"
	"time"

	"github.com/kilianp07/smartcharge/core/model"
)

// AckedLimit is the last limit a station confirmed for a scope.
type AckedLimit struct {
	Command   model.PowerDistributionCommand `json:"command"`
	AckedAt   time.Time                      `json:"acked_at"`
	ExpiresAt time.Time                      `json:"expires_at,omitempty"`
}

// KW returns the confirmed power limit.
func (a AckedLimit) KW() float64 { return a.Command.PowerLimitKW }

// AckStore persists the last acknowledged limits so a restart does not
// re-send every limit.
type AckStore interface {
	Save(ctx context.Context, scope model.Scope, lim AckedLimit) error
	Delete(ctx context.Context, scope model.Scope) error
	LoadAll(ctx context.Context) (map[model.Scope]AckedLimit, error)
}

// AuditRecord captures one command transition.
type AuditRecord struct {
	Timestamp time.Time                      `json:"timestamp"`
	Command   model.PowerDistributionCommand `json:"command"`
	Status    model.CommandStatus            `json:"status"`
	Error     string                         `json:"error,omitempty"`
	LatencyMS int64                          `json:"latency_ms,omitempty"`
}

// AuditQuery filters audit records. Zero fields match everything.
type AuditQuery struct {
	Start     time.Time
	End       time.Time
	StationID string
	Status    string
	Limit     int
}

// Match reports whether rec satisfies q.
func (q AuditQuery) Match(rec AuditRecord) bool {
	if !q.Start.IsZero() && rec.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && rec.Timestamp.After(q.End) {
		return false
	}
	if q.StationID != "" && rec.Command.StationID != q.StationID {
		return false
	}
	if q.Status != "" && rec.Status.String() != q.Status {
		return false
	}
	return true
}

// AuditStore persists AuditRecords and supports querying.
type AuditStore interface {
	Append(ctx context.Context, rec AuditRecord) error
	Query(ctx context.Context, q AuditQuery) ([]AuditRecord, error)
	Close() error
}
