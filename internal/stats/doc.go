package stats

// Package stats tracks per-worker proxy counters and ships them to the
// supervisor.
//
// Counters is mutated by many concurrent connection handlers using atomic
// operations; Snapshot is the wire/merge representation; Reporter
// periodically serializes snapshots onto the pipe the supervisor reads.
