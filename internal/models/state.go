package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SyncState is the per-repository metadata kept next to the repository row.
// Every field is optional; a nil field means "not recorded yet".
type SyncState struct {
	LastCommittedDate    *string `json:"last_committed_date,omitempty"`
	DBConsistentOrdering *int    `json:"db_consistent_ordering,omitempty"`
	ReportLastCommit     *string `json:"report_last_commit,omitempty"`
}

// Merge returns a copy of s with every field set in patch overwritten.
// Fields left nil in patch keep their current value.
func (s SyncState) Merge(patch SyncState) SyncState {
	out := s
	if patch.LastCommittedDate != nil {
		v := *patch.LastCommittedDate
		out.LastCommittedDate = &v
	}
	if patch.DBConsistentOrdering != nil {
		v := *patch.DBConsistentOrdering
		out.DBConsistentOrdering = &v
	}
	if patch.ReportLastCommit != nil {
		v := *patch.ReportLastCommit
		out.ReportLastCommit = &v
	}
	return out
}

// Cursor returns the last committed date, or "" before the first sync.
func (s SyncState) Cursor() string {
	if s.LastCommittedDate == nil {
		return ""
	}
	return *s.LastCommittedDate
}

func (s SyncState) ReportsLastCommit() bool {
	if s.ReportLastCommit == nil {
		return false
	}
	return strings.TrimSpace(*s.ReportLastCommit) != "0"
}

// ParseSyncState decodes the stored JSON form. Empty input is an empty state.
func ParseSyncState(raw string) (SyncState, error) {
	var s SyncState
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return s, nil
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return SyncState{}, fmt.Errorf("parse sync state: %w", err)
	}
	return s, nil
}

// Encode returns the JSON form stored in repositories.extra_info.
func (s SyncState) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
