// Package audit persists the command audit trail produced by the dispatcher.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kilianp07/smartcharge/core/dispatch"
)

// JSONLConfig configures the rotating JSONL store.
type JSONLConfig struct {
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

func (c *JSONLConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = "data/commands.jsonl"
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 20
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 5
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 30
	}
}

// JSONLStore appends records to a JSONL file with size based rotation.
type JSONLStore struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
	path   string
}

var _ dispatch.AuditStore = (*JSONLStore)(nil)

// NewJSONLStore creates the store and its parent directory.
func NewJSONLStore(cfg JSONLConfig) (*JSONLStore, error) {
	cfg.SetDefaults()
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	return &JSONLStore{writer: lj, path: cfg.Path}, nil
}

// Append writes one line.
func (s *JSONLStore) Append(_ context.Context, rec dispatch.AuditRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.writer.Write(append(b, '\n'))
	return err
}

// Query scans the active file and its rotated backups. Results are ordered by
// timestamp.
func (s *JSONLStore) Query(ctx context.Context, q dispatch.AuditQuery) ([]dispatch.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ext := filepath.Ext(s.path)
	prefix := s.path[:len(s.path)-len(ext)]
	files, err := filepath.Glob(prefix + "*" + ext)
	if err != nil {
		return nil, err
	}
	var res []dispatch.AuditRecord
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recs, err := readJSONL(f, q)
		if err != nil {
			return nil, err
		}
		res = append(res, recs...)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Timestamp.Before(res[j].Timestamp) })
	if q.Limit > 0 && len(res) > q.Limit {
		res = res[len(res)-q.Limit:]
	}
	return res, nil
}

func readJSONL(path string, q dispatch.AuditQuery) ([]dispatch.AuditRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var res []dispatch.AuditRecord
	// records carry free-form error text, so lines have no fixed upper bound
	rd := bufio.NewReader(f)
	for {
		line, err := rd.ReadBytes('\n')
		if len(line) > 0 {
			var r dispatch.AuditRecord
			if json.Unmarshal(line, &r) == nil && q.Match(r) {
				res = append(res, r)
			}
		}
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, err
		}
	}
}

// Close closes the active file.
func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Close()
}
