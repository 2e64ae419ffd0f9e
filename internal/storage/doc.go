// Package storage is penny's SQLite persistence layer.
//
// It holds accounts, transactions (recurring templates and their
// materialized occurrences share one table), budgets, dead-lettered jobs,
// an audit trail of scheduler actions and the notifier's dedup state.
//
// Money is stored as integer minor units and timestamps as unix
// milliseconds, so every comparison in SQL is an integer comparison.
package storage
