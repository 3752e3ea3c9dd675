// Package state provides snapshot persistence backends for crash
// recovery: in-memory (tests), an atomically written JSON file, and
// SQLite with WAL and checksum verification.
package state

import "oco_tracker/internal/core"

var (
	_ core.IStateStore = (*MemoryStore)(nil)
	_ core.IStateStore = (*FileStore)(nil)
	_ core.IStateStore = (*SQLiteStore)(nil)
)
