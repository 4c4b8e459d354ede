package service

import (
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dotX12/nginx-sentinel/internal/domain"
)

func newScoreTableConfig(t *testing.T, maxRetries, windowSeconds int) *ConfigStore {
	t.Helper()
	raw := &domain.RawConfig{
		LogPath:       "/var/log/nginx/access.log",
		MaxRetries:    maxRetries,
		WindowSeconds: windowSeconds,
	}
	cfg, err := raw.Validate()
	require.NoError(t, err)
	return NewConfigStore(cfg)
}

func TestScoreTable_BansAtThreshold(t *testing.T) {
	store := newScoreTableConfig(t, 3, 60)
	table := NewScoreTable(zerolog.Nop(), store)

	ip := netip.MustParseAddr("203.0.113.5")
	now := time.Now()

	require.Equal(t, domain.Noop, table.Record(ip, now))
	require.Equal(t, domain.Noop, table.Record(ip, now))
	require.Equal(t, domain.Ban, table.Record(ip, now))
}

func TestScoreTable_WindowResetsCounter(t *testing.T) {
	store := newScoreTableConfig(t, 3, 1)
	table := NewScoreTable(zerolog.Nop(), store)

	ip := netip.MustParseAddr("203.0.113.6")
	start := time.Now()

	require.Equal(t, domain.Noop, table.Record(ip, start))
	require.Equal(t, domain.Noop, table.Record(ip, start.Add(2*time.Second)))
}

func TestScoreTable_WhitelistIsNeverBanned(t *testing.T) {
	raw := &domain.RawConfig{
		LogPath:       "/var/log/nginx/access.log",
		MaxRetries:    1,
		WindowSeconds: 60,
		Whitelist:     []string{"203.0.113.7"},
	}
	cfg, err := raw.Validate()
	require.NoError(t, err)
	store := NewConfigStore(cfg)
	table := NewScoreTable(zerolog.Nop(), store)

	ip := netip.MustParseAddr("203.0.113.7")
	for i := 0; i < 10; i++ {
		require.Equal(t, domain.Noop, table.Record(ip, time.Now()))
	}
}

func TestScoreTable_ForceBanBypassesCounter(t *testing.T) {
	store := newScoreTableConfig(t, 100, 60)
	table := NewScoreTable(zerolog.Nop(), store)

	ip := netip.MustParseAddr("203.0.113.8")
	require.Equal(t, domain.Ban, table.ForceBan(ip))
}

func TestScoreTable_ForceBanHonoursWhitelist(t *testing.T) {
	raw := &domain.RawConfig{
		LogPath:       "/var/log/nginx/access.log",
		MaxRetries:    1,
		WindowSeconds: 60,
		Whitelist:     []string{"203.0.113.9"},
	}
	cfg, err := raw.Validate()
	require.NoError(t, err)
	store := NewConfigStore(cfg)
	table := NewScoreTable(zerolog.Nop(), store)

	ip := netip.MustParseAddr("203.0.113.9")
	require.Equal(t, domain.Noop, table.ForceBan(ip))
}

func TestScoreTable_SweepPurgesExpiredUnbannedEntries(t *testing.T) {
	store := newScoreTableConfig(t, 100, 1)
	table := NewScoreTable(zerolog.Nop(), store)

	ip := netip.MustParseAddr("203.0.113.10")
	start := time.Now()
	table.Record(ip, start)

	s := table.shardFor(ip)
	s.mu.Lock()
	_, exists := s.entries[ip]
	s.mu.Unlock()
	require.True(t, exists)

	table.Sweep(start.Add(5 * time.Second))

	s.mu.Lock()
	_, exists = s.entries[ip]
	s.mu.Unlock()
	require.False(t, exists)
}
