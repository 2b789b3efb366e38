package scm

import "github.com/odvcencio/labsync/internal/remote"

// PathChanges materializes the file-level changes of one commit diff. A
// rename becomes a delete of the old path followed by an add of the new one.
func PathChanges(records []remote.DiffRecord) []PathChange {
	out := make([]PathChange, 0, len(records))
	for _, rec := range records {
		switch {
		case rec.NewFile:
			out = append(out, PathChange{Action: ActionAdd, Path: rec.NewPath})
		case rec.DeletedFile:
			out = append(out, PathChange{Action: ActionDelete, Path: rec.NewPath})
		case rec.RenamedFile:
			out = append(out,
				PathChange{Action: ActionDelete, Path: rec.OldPath},
				PathChange{Action: ActionAdd, Path: rec.NewPath},
			)
		default:
			out = append(out, PathChange{Action: ActionModify, Path: rec.NewPath})
		}
	}
	return out
}
