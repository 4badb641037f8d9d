// Package snapshot persists projected dashboard state.
//
// The Snapshot Saver:
//   - Saves each dashboard's snapshot on a fixed interval, skipping unchanged ones
//   - Restores stored snapshots on start so the offline view has last-known values
//   - Writes JSONB rows to PostgreSQL through PGStore with bounded retries
//
// Only projections are stored, never queued or in-flight messages.
package snapshot
