package domain

import (
	"net/netip"
	"time"
)

// LogRecord is one parsed access-log line (spec §3). SourceIP is
// guaranteed to be a valid address; the parser drops lines that don't
// parse instead of ever constructing a zero-value LogRecord.
type LogRecord struct {
	SourceIP   netip.Addr
	Method     string
	Path       string
	Status     int
	UserAgent  string
	ObservedAt time.Time
}

// Classification is the outcome of evaluating a LogRecord against the
// active Config (spec §3, §4.4).
type Classification int

const (
	Ignore Classification = iota
	Score
	InstantBan
)

func (c Classification) String() string {
	switch c {
	case Ignore:
		return "ignore"
	case Score:
		return "score"
	case InstantBan:
		return "instant_ban"
	default:
		return "unknown"
	}
}

// Decision is ScoreTable's verdict for a single record (spec §4.3).
type Decision int

const (
	Noop Decision = iota
	Ban
)

func (d Decision) String() string {
	if d == Ban {
		return "ban"
	}
	return "noop"
}
