// Package topofile reads groups, stations, profiles and seed sessions from a
// YAML file.
package topofile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/smartcharge/core/topology"
)

// Session seeds an active charging session.
type Session struct {
	StationID     string  `yaml:"station_id"`
	ConnectorID   int     `yaml:"connector_id"`
	RequestedKW   float64 `yaml:"requested_kw"`
	TransactionID string  `yaml:"transaction_id"`
}

// Document is the file layout.
type Document struct {
	topology.Records `yaml:",inline"`
	Sessions         []Session `yaml:"sessions"`
}

// Source implements topology.Source over a file that is re-read on every Load.
type Source struct {
	path string
}

var _ topology.Source = (*Source)(nil)

// New returns a Source for path.
func New(path string) *Source { return &Source{path: path} }

// Load parses the file and converts it.
func (s *Source) Load(ctx context.Context) (topology.Snapshot, error) {
	doc, err := s.Document(ctx)
	if err != nil {
		return topology.Snapshot{}, err
	}
	snap, err := doc.Snapshot()
	if err != nil {
		return topology.Snapshot{}, fmt.Errorf("%s: %w", s.path, err)
	}
	return snap, nil
}

// Document returns the raw parsed file, sessions included.
func (s *Source) Document(ctx context.Context) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return Document{}, fmt.Errorf("read topology file: %w", err)
	}
	return Parse(b)
}

// Parse decodes a YAML document. Unknown keys are rejected and an empty
// document is valid.
func Parse(b []byte) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return Document{}, fmt.Errorf("decode topology: %w", err)
	}
	return doc, nil
}
