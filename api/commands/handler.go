// Package commands serves the command audit log over HTTP.
package commands

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kilianp07/smartcharge/core/dispatch"
	"github.com/kilianp07/smartcharge/pkg/export"
)

// Path is where the handler is mounted.
const Path = "/api/commands"

// NewHandler returns a GET handler over store. When token is non-empty,
// requests must carry "Authorization: Bearer <token>".
//
// Query parameters: start and end (RFC 3339), station_id, status, limit
// and format (json or csv).
func NewHandler(store dispatch.AuditStore, token string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		q, err := ParseQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		records, err := store.Query(r.Context(), q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if strings.EqualFold(r.URL.Query().Get("format"), "csv") {
			w.Header().Set("Content-Type", "text/csv")
			_ = export.WriteCSV(w, records)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = export.WriteJSON(w, records)
	})
}

// ParseQuery reads an AuditQuery from the request parameters.
func ParseQuery(r *http.Request) (dispatch.AuditQuery, error) {
	v := r.URL.Query()
	q := dispatch.AuditQuery{
		StationID: v.Get("station_id"),
		Status:    strings.ToUpper(v.Get("status")),
	}
	var err error
	if s := v.Get("start"); s != "" {
		if q.Start, err = time.Parse(time.RFC3339, s); err != nil {
			return q, fmt.Errorf("start: %w", err)
		}
	}
	if s := v.Get("end"); s != "" {
		if q.End, err = time.Parse(time.RFC3339, s); err != nil {
			return q, fmt.Errorf("end: %w", err)
		}
	}
	if s := v.Get("limit"); s != "" {
		if q.Limit, err = strconv.Atoi(s); err != nil || q.Limit < 0 {
			return q, fmt.Errorf("limit must be a non-negative integer")
		}
	}
	return q, nil
}
