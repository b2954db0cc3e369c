// Package stores archives finished execution reports.
//
// SQLiteStore keeps run summaries, per-unit results and execution events in
// SQLite, with the schema managed by embedded golang-migrate migrations.
// ObjectStore uploads full reports as JSON to S3-compatible storage.
// Neither holds engine state; both consume reports after a run ends.
package stores
