package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/kilianp07/smartcharge/core/dispatch"
)

const schema = `CREATE TABLE IF NOT EXISTS command_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	station_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	status TEXT NOT NULL,
	record TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS command_audit_station ON command_audit (station_id, ts);`

// SQLiteStore persists audit records in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ dispatch.AuditStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Append inserts one record.
func (s *SQLiteStore) Append(ctx context.Context, rec dispatch.AuditRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO command_audit (ts, station_id, event_id, status, record) VALUES (?, ?, ?, ?, ?)`,
		rec.Timestamp.UnixNano(), rec.Command.StationID, rec.Command.EventID, rec.Status.String(), string(b))
	return err
}

// Query returns matching records ordered by timestamp.
func (s *SQLiteStore) Query(ctx context.Context, q dispatch.AuditQuery) ([]dispatch.AuditRecord, error) {
	var args []any
	where := ` WHERE 1=1`
	if !q.Start.IsZero() {
		where += ` AND ts >= ?`
		args = append(args, q.Start.UnixNano())
	}
	if !q.End.IsZero() {
		where += ` AND ts <= ?`
		args = append(args, q.End.UnixNano())
	}
	if q.StationID != "" {
		where += ` AND station_id = ?`
		args = append(args, q.StationID)
	}
	if q.Status != "" {
		where += ` AND status = ?`
		args = append(args, q.Status)
	}
	query := `SELECT record FROM command_audit` + where + ` ORDER BY ts, id`
	if q.Limit > 0 {
		// newest Limit records, still returned oldest first
		query = `SELECT record FROM (SELECT id, ts, record FROM command_audit` + where +
			` ORDER BY ts DESC, id DESC LIMIT ?) ORDER BY ts, id`
		args = append(args, q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []dispatch.AuditRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r dispatch.AuditRecord
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
