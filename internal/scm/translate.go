package scm

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/odvcencio/labsync/internal/remote"
)

var ErrMalformedTimestamp = errors.New("malformed commit timestamp")

var commitTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05Z07:00",
}

// ParseCommitTime parses a remote ISO-8601 committed date into UTC.
func ParseCommitTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrMalformedTimestamp)
	}
	for _, layout := range commitTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedTimestamp, raw)
}

// TranslateCommit maps a remote commit and its materialized changes to a
// Revision. Identifier and Scmid are both the full commit id.
func TranslateCommit(c remote.Commit, paths []PathChange) (Revision, error) {
	ts, err := ParseCommitTime(c.CommittedDate)
	if err != nil {
		return Revision{}, fmt.Errorf("commit %s: %w", c.ID, err)
	}
	return Revision{
		Identifier: c.ID,
		Scmid:      c.ID,
		Author:     c.AuthorName,
		Time:       ts,
		Message:    c.Message,
		Parents:    slices.Clone(c.ParentIDs),
		Paths:      paths,
	}, nil
}

// translateLightweight drops the message, as lastrev and blame listings do.
func translateLightweight(c remote.Commit) (Revision, error) {
	rev, err := TranslateCommit(c, nil)
	if err != nil {
		return Revision{}, err
	}
	rev.Message = ""
	rev.Parents = nil
	return rev, nil
}
