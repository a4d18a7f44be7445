// Package export writes command audit records as JSON or CSV.
package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/kilianp07/smartcharge/core/dispatch"
)

// Header is the CSV column order.
var Header = []string{"timestamp", "event_id", "station_id", "connector_id", "power_kw", "clear", "reason", "priority", "status", "attempts", "latency_ms", "error"}

// WriteJSON writes records as a JSON array.
func WriteJSON(w io.Writer, records []dispatch.AuditRecord) error {
	if records == nil {
		records = []dispatch.AuditRecord{}
	}
	return json.NewEncoder(w).Encode(records)
}

// WriteCSV writes records with a header row. Station-wide commands leave
// connector_id empty.
func WriteCSV(w io.Writer, records []dispatch.AuditRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range records {
		connector := ""
		if r.Command.ConnectorID != nil {
			connector = strconv.Itoa(*r.Command.ConnectorID)
		}
		rec := []string{
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.Command.EventID,
			r.Command.StationID,
			connector,
			strconv.FormatFloat(r.Command.PowerLimitKW, 'f', -1, 64),
			strconv.FormatBool(r.Command.Clear),
			r.Command.Reason.String(),
			strconv.Itoa(r.Command.Priority),
			r.Status.String(),
			strconv.Itoa(r.Command.Attempts),
			strconv.FormatInt(r.LatencyMS, 10),
			r.Error,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
