package mapping

import "github.com/roach88/entsync/internal/payload"

// ChangeTracker detects edits to an entity's mapped fields.
//
// It keeps the snapshot hash taken when the entity last matched the
// remote source, plus an explicit modified flag for edits that must be
// pushed even when the fields hash the same.
type ChangeTracker struct {
	snapshot string
	modified bool
}

// Snapshot records fields as the clean baseline and clears the flag.
func (t *ChangeTracker) Snapshot(fields payload.Object) {
	t.snapshot = hashOf(fields)
	t.modified = false
}

// MarkModified sets the explicit modified flag.
func (t *ChangeTracker) MarkModified() {
	t.modified = true
}

// IsModified reports the explicit flag only.
func (t *ChangeTracker) IsModified() bool {
	return t.modified
}

// HasChanges reports whether the flag is set or fields differ from the
// snapshot.
func (t *ChangeTracker) HasChanges(fields payload.Object) bool {
	return t.modified || hashOf(fields) != t.snapshot
}

// hashOf returns "" for fields that cannot be hashed (NaN, channels), so
// they always compare as changed against a real snapshot.
func hashOf(fields payload.Object) string {
	h, err := payload.SnapshotHash(fields)
	if err != nil {
		return ""
	}
	return h
}
