// Package database provides the PostgreSQL connection pool used for
// dashboard snapshots.
//
// The pool is optional: dashsync runs without it when snapshot persistence
// is disabled, and the offline view then starts empty after a restart.
package database
