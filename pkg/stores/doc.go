// Package stores persists the module host's history in SQLite: one row per
// finished install attempt and an append-only journal of lifecycle events.
//
// The journal is history only. Install state is always re-derived from the
// filesystem on startup; nothing here is read back to decide what to run.
package stores
