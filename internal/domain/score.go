package domain

import "time"

// ScoreEntry is the per-IP accumulator (spec §3). Invariants:
// FirstSeen <= LastSeen; Count >= 1 while the entry exists; once Banned
// is true the entry is terminal and ScoreTable removes it rather than
// mutating it further.
type ScoreEntry struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Count     uint32
	Banned    bool
}
