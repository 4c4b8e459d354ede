package service

import (
	"context"
	"hash/maphash"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dotX12/nginx-sentinel/internal/domain"
	"github.com/dotX12/nginx-sentinel/internal/metrics"
)

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	entries map[netip.Addr]*domain.ScoreEntry
}

// ScoreTable maintains the per-IP sliding-window counters (spec §4.3).
// The map is split into fixed shards, each with its own mutex, and a
// ticker-driven sweep loop purges expired entries — structurally
// grounded in tos-network/tos-pool's PolicyServer, which guards per-IP
// stats with a mutex and runs the same kind of ticker-driven reset
// loop. Unlike PolicyServer, ScoreTable itself does not queue or
// serialise firewall calls: Record/ForceBan only return a Decision,
// and it's Orchestrator.decideStage running as a single goroutine
// (spec §5) that keeps bans dispatched to FirewallActuator one at a
// time.
type ScoreTable struct {
	logger  zerolog.Logger
	shards  [shardCount]*shard
	seed    maphash.Seed
	config  *ConfigStore
	hasher  func(netip.Addr) uint64
}

// NewScoreTable creates a ScoreTable reading whitelist/tunables from
// cfgStore on every call (so a hot-reloaded window/threshold applies to
// subsequent decisions without restarting the table).
func NewScoreTable(logger zerolog.Logger, cfgStore *ConfigStore) *ScoreTable {
	seed := maphash.MakeSeed()
	t := &ScoreTable{
		logger: logger,
		seed:   seed,
		config: cfgStore,
	}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[netip.Addr]*domain.ScoreEntry)}
	}
	t.hasher = func(addr netip.Addr) uint64 {
		b := addr.As16()
		var h maphash.Hash
		h.SetSeed(seed)
		h.Write(b[:])
		return h.Sum64()
	}
	return t
}

func (t *ScoreTable) shardFor(addr netip.Addr) *shard {
	return t.shards[t.hasher(addr)%shardCount]
}

// Record applies one scored violation from ip at time now and returns
// the resulting Decision (spec §4.3, steps 1-5).
func (t *ScoreTable) Record(ip netip.Addr, now time.Time) domain.Decision {
	cfg := t.config.Snapshot()
	if cfg.IsWhitelisted(ip) {
		return domain.Noop
	}

	s := t.shardFor(ip)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[ip]
	if !ok {
		s.entries[ip] = &domain.ScoreEntry{FirstSeen: now, LastSeen: now, Count: 1}
		metrics.ScoreTableSize.Inc()
		return t.maybeBan(s, ip, s.entries[ip], cfg)
	}

	window := time.Duration(cfg.WindowSeconds) * time.Second
	if now.Sub(entry.FirstSeen) > window {
		entry.FirstSeen = now
		entry.LastSeen = now
		entry.Count = 1
	} else {
		entry.Count++
		entry.LastSeen = now
	}

	return t.maybeBan(s, ip, entry, cfg)
}

// maybeBan checks the threshold and, on ban, removes the entry — a ban
// is terminal and no longer tracked in the table (spec §3's ScoreEntry
// invariant); FirewallActuator.Ban refreshing the kernel TTL is what
// makes re-issuing a ban for an already-banned IP safe (spec §4.3,
// invariant 5).
func (t *ScoreTable) maybeBan(s *shard, ip netip.Addr, entry *domain.ScoreEntry, cfg *domain.Config) domain.Decision {
	if entry.Count < uint32(cfg.MaxRetries) {
		return domain.Noop
	}
	entry.Banned = true
	delete(s.entries, ip)
	metrics.ScoreTableSize.Dec()
	t.logger.Debug().Str("ip", ip.String()).Uint32("count", entry.Count).Msg("threshold reached")
	return domain.Ban
}

// ForceBan is the instant-ban path (spec §4.3): bypasses the counter
// entirely, still honouring the whitelist.
func (t *ScoreTable) ForceBan(ip netip.Addr) domain.Decision {
	cfg := t.config.Snapshot()
	if cfg.IsWhitelisted(ip) {
		return domain.Noop
	}
	return domain.Ban
}

// Sweep purges entries whose window has expired without a ban (spec
// §4.3's sweeper: an optimisation only, correctness relies on the reset
// in Record).
func (t *ScoreTable) Sweep(now time.Time) {
	cfg := t.config.Snapshot()
	window := time.Duration(cfg.WindowSeconds) * time.Second

	for _, s := range t.shards {
		s.mu.Lock()
		for ip, entry := range s.entries {
			if entry.Banned {
				continue
			}
			if now.Sub(entry.FirstSeen) > window {
				delete(s.entries, ip)
				metrics.ScoreTableSize.Dec()
			}
		}
		s.mu.Unlock()
	}
}

// RunSweeper blocks, sweeping on a fixed low-frequency interval, until
// ctx is cancelled.
func (t *ScoreTable) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.Sweep(now)
		}
	}
}
