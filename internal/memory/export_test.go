package memory

import (
	"database/sql"
)

// DB exposes the internal *sql.DB for test helpers in memory_test.
// This file only compiles during `go test`.
func (s *Store) DB() *sql.DB {
	return s.db
}

// FailCommits makes every subsequent transaction commit fail with err.
func (s *Store) FailCommits(err error) {
	s.hooks.commit = func(tx *sql.Tx) error {
		_ = tx.Rollback()
		return err
	}
}

// RestoreHooks removes all injected failures.
func (s *Store) RestoreHooks() {
	s.hooks = storeHooks{}
}
