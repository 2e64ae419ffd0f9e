// Package recurring implements catch-up for recurring transaction templates.
//
// A template is a transaction row flagged recurring. On each tick the Driver
// asks the DueSelector which templates are due and dispatches one Job per
// template. The job handler reads the template, enumerates every missed
// occurrence since the stored checkpoint and hands them to the Applier, which
// persists the occurrences, the balance delta and the advanced checkpoint in
// one unit of work.
//
// Everything here depends on the small interfaces in store.go; the SQLite
// implementation lives in internal/storage.
package recurring
