// Package series reads the on-disk patch series collection produced by the
// patchwork fetch stage.
//
// The layout is one subdirectory per series under a base directory. Each
// series directory holds a series.json metadata file, an optional
// cover_letter file, and a patches/ subdirectory of mbox-formatted patch
// files whose filename order is the apply order.
package series

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingMetadata is returned when a series directory has no series.json.
// Such directories are skipped by callers, not fatal to a run.
var ErrMissingMetadata = errors.New("series metadata not found")

// ErrInvalidMetadata is returned when series.json exists but does not
// satisfy the required schema (malformed JSON, missing or non-positive id).
var ErrInvalidMetadata = errors.New("invalid series metadata")

// ErrEmptySeries is returned when a series has no patch files.
// A series with zero patches is invalid and must never be synced.
var ErrEmptySeries = errors.New("series has no patches")

// Series is the metadata record of one patch series as written by the
// patch tracker. It is read-only to the reconciliation engine.
type Series struct {
	ID          int          `json:"id"`
	Name        string       `json:"name"`
	CoverLetter *CoverLetter `json:"cover_letter"`
	Submitter   *Submitter   `json:"submitter"`
	Patches     []PatchInfo  `json:"patches"`
}

// CoverLetter describes the series' cover letter record in the tracker.
// The cover letter text itself lives in the cover_letter file next to
// series.json.
type CoverLetter struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	MsgID  string `json:"msgid"`
	WebURL string `json:"web_url"`
}

// Submitter identifies who sent the series to the mailing list.
type Submitter struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// PatchInfo is the tracker's detail record for one patch in the series,
// used to resolve a failing patch file back to its tracker identity.
type PatchInfo struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	MsgID  string `json:"msgid"`
	WebURL string `json:"web_url"`
}

// DisplayName returns the series name, defaulting unnamed series the same
// way the fetch stage does.
func (s *Series) DisplayName() string {
	if s.Name == "" {
		return fmt.Sprintf("Untitled series of #%d", s.ID)
	}
	return s.Name
}

// parse decodes and validates raw series.json content.
func parse(data []byte) (*Series, error) {
	var s Series
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidMetadata)
	}
	if s.ID <= 0 {
		return nil, fmt.Errorf("series id must be positive, got %d: %w", s.ID, ErrInvalidMetadata)
	}
	return &s, nil
}
