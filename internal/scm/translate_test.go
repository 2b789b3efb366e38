package scm

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/odvcencio/labsync/internal/remote"
)

func TestParseCommitTime(t *testing.T) {
	want := time.Date(2024, 1, 2, 2, 4, 5, 0, time.UTC)
	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{name: "offset with millis", raw: "2024-01-02T03:04:05.000+01:00", want: want},
		{name: "zulu", raw: "2024-01-02T02:04:05Z", want: want},
		{name: "no fraction offset", raw: "2024-01-02T03:04:05+01:00", want: want},
		{name: "compact offset", raw: "2024-01-02T03:04:05+0100", want: want},
		{name: "git style", raw: "2024-01-02 03:04:05 +0100", want: want},
		{name: "surrounding space", raw: "  2024-01-02T02:04:05Z\n", want: want},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseCommitTime(tc.raw)
			if err != nil {
				t.Fatalf("ParseCommitTime(%q): %v", tc.raw, err)
			}
			if !got.Equal(tc.want) || got.Location() != time.UTC {
				t.Fatalf("ParseCommitTime(%q) = %v, want %v UTC", tc.raw, got, tc.want)
			}
		})
	}
}

func TestParseCommitTimeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "yesterday", "2024-13-45T00:00:00Z", "2024-01-02"} {
		if _, err := ParseCommitTime(raw); !errors.Is(err, ErrMalformedTimestamp) {
			t.Fatalf("ParseCommitTime(%q) error = %v, want ErrMalformedTimestamp", raw, err)
		}
	}
}

func TestTranslateCommit(t *testing.T) {
	c := remote.Commit{
		ID:            "0123456789abcdef",
		AuthorName:    "Ann",
		CommittedDate: "2024-05-06T07:08:09Z",
		Message:       "add thing",
		ParentIDs:     []string{"p1", "p2"},
	}
	paths := []PathChange{{Action: ActionAdd, Path: "a.txt"}}

	rev, err := TranslateCommit(c, paths)
	if err != nil {
		t.Fatalf("TranslateCommit: %v", err)
	}
	want := Revision{
		Identifier: c.ID,
		Scmid:      c.ID,
		Author:     "Ann",
		Time:       time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
		Message:    "add thing",
		Parents:    []string{"p1", "p2"},
		Paths:      paths,
	}
	if diff := cmp.Diff(want, rev); diff != "" {
		t.Fatalf("revision (-want +got):\n%s", diff)
	}
	if rev.FormatIdentifier() != "01234567" {
		t.Fatalf("FormatIdentifier() = %q", rev.FormatIdentifier())
	}

	c.ParentIDs[0] = "mutated"
	if rev.Parents[0] != "p1" {
		t.Fatal("parents share storage with the remote record")
	}

	c.CommittedDate = "not a date"
	if _, err := TranslateCommit(c, nil); !errors.Is(err, ErrMalformedTimestamp) {
		t.Fatalf("TranslateCommit error = %v, want ErrMalformedTimestamp", err)
	}
}

func TestPathChanges(t *testing.T) {
	records := []remote.DiffRecord{
		{NewPath: "new.txt", OldPath: "new.txt", NewFile: true},
		{NewPath: "gone.txt", OldPath: "gone.txt", DeletedFile: true},
		{NewPath: "to.txt", OldPath: "from.txt", RenamedFile: true},
		{NewPath: "edit.txt", OldPath: "edit.txt"},
	}
	want := []PathChange{
		{Action: ActionAdd, Path: "new.txt"},
		{Action: ActionDelete, Path: "gone.txt"},
		{Action: ActionDelete, Path: "from.txt"},
		{Action: ActionAdd, Path: "to.txt"},
		{Action: ActionModify, Path: "edit.txt"},
	}
	if diff := cmp.Diff(want, PathChanges(records)); diff != "" {
		t.Fatalf("PathChanges (-want +got):\n%s", diff)
	}
	if got := PathChanges(nil); len(got) != 0 {
		t.Fatalf("PathChanges(nil) = %v", got)
	}
}
