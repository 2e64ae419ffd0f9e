// Package api serves the admin HTTP endpoints: catch-up previews, manual
// ticks and per-template catch-ups, plus read-only views of the engine,
// scheduler, notifier and dead letters. It has no authentication and should
// listen on a loopback address.
package api
