// Package ledger persists sequence runs, their projections and
// reconstruction runs in the SQLite database.
//
// The schema lives in the top-level migrations package; callers must import
// it for side effects and run database.Migrate before using a repository.
package ledger
