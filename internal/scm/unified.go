package scm

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/odvcencio/labsync/internal/remote"
)

const devNull = "/dev/null"

// renderRecord emits one block with the remote's own line diff.
func renderRecord(rec remote.DiffRecord) []string {
	out := []string{"diff", "--- a/" + rec.OldPath, "+++ b/" + rec.NewPath}
	return append(out, splitDiffText(rec.Diff)...)
}

// renderRenameHeaders is used when the renamed content could not be fetched.
func renderRenameHeaders(rec remote.DiffRecord) []string {
	return []string{"diff", "--- a/" + rec.OldPath, "+++ b/" + rec.NewPath}
}

// renderRename rebuilds a rename with identical content as a full delete of
// the old path and a full add of the new one.
func renderRename(rec remote.DiffRecord, content []byte) ([]string, error) {
	lines := contentLines(string(content))

	removed, err := unifiedBlock(lines, nil, "a/"+rec.OldPath, devNull)
	if err != nil {
		return nil, err
	}
	added, err := unifiedBlock(nil, lines, devNull, "b/"+rec.NewPath)
	if err != nil {
		return nil, err
	}
	return append(removed, added...), nil
}

func unifiedBlock(a, b []string, from, to string) ([]string, error) {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        a,
		B:        b,
		FromFile: from,
		ToFile:   to,
		Context:  0,
	})
	if err != nil {
		return nil, err
	}
	out := []string{"diff"}
	if text == "" {
		// empty file: difflib writes nothing, keep the headers
		return append(out, "--- "+from, "+++ "+to), nil
	}
	return append(out, splitDiffText(text)...), nil
}

// contentLines splits file content into newline-terminated lines without
// the trailing blank entry difflib.SplitLines would add.
func contentLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	} else {
		lines[len(lines)-1] += "\n"
	}
	return lines
}

func splitDiffText(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
