package domain

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"
)

// Default tunables applied when the YAML source omits them or sets a
// non-positive value (spec §3).
const (
	DefaultMaxRetries      = 3
	DefaultWindowSeconds   = 60
	DefaultBanTimeSeconds  = 86400
	DefaultWatcherInterval = 2 * time.Second
	DefaultShutdownTimeout = 2 * time.Second
)

// PatternSet is an ordered list of case-insensitive substrings, compiled
// once into a single alternation regexp so evaluators never recompile
// per line (design note: regex patterns are attached to the immutable
// Config value at publish time).
type PatternSet struct {
	raw []string
	re  *regexp.Regexp
}

// NewPatternSet compiles patterns into a single case-insensitive
// alternation. An empty pattern list never matches.
func NewPatternSet(patterns []string) (PatternSet, error) {
	clean := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		clean = append(clean, p)
	}
	if len(clean) == 0 {
		return PatternSet{raw: clean}, nil
	}

	alternatives := make([]string, len(clean))
	for i, p := range clean {
		alternatives[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("(?i)(" + strings.Join(alternatives, "|") + ")")
	if err != nil {
		return PatternSet{}, fmt.Errorf("compile pattern set: %w", err)
	}
	return PatternSet{raw: clean, re: re}, nil
}

// Match reports whether s contains any pattern in the set.
func (p PatternSet) Match(s string) bool {
	if p.re == nil {
		return false
	}
	return p.re.MatchString(s)
}

// Patterns returns the raw patterns backing the set, for diagnostics.
func (p PatternSet) Patterns() []string {
	return p.raw
}

// Config is the active, immutable rule set and tunables (spec §3).
// Once published through ConfigStore, a Config value is never mutated;
// hot-reload replaces the whole value.
type Config struct {
	SensitiveFiles PatternSet
	CMSAttacks     PatternSet
	BadUserAgents  PatternSet
	InstantBan     PatternSet

	LogPath string

	MaxRetries      int
	WindowSeconds   int
	BanTimeSeconds  int
	WatcherInterval time.Duration

	MetricsAddr string

	Whitelist map[string]struct{}
}

// IsWhitelisted reports whether addr is in the active whitelist.
func (c *Config) IsWhitelisted(addr netip.Addr) bool {
	_, ok := c.Whitelist[addr.String()]
	return ok
}

// RawConfig is the literal shape of the YAML document (spec §6's table).
// It holds unvalidated, uncompiled fields and is the only type that
// knows about YAML tags — ConfigWatcher parses into this, then Validate
// converts it into a published Config.
type RawConfig struct {
	SensitiveFiles []string `yaml:"sensitive_files"`
	CMSAttacks     []string `yaml:"cms_attacks"`
	BadUserAgents  []string `yaml:"bad_user_agents"`
	InstantBan     []string `yaml:"instant_ban"`
	Whitelist      []string `yaml:"whitelist"`

	LogPath string `yaml:"log_path"`

	MaxRetries      int `yaml:"max_retries"`
	WindowSeconds   int `yaml:"window_seconds"`
	BanTimeSeconds  int `yaml:"ban_time_seconds"`
	WatcherInterval int `yaml:"watcher_interval_seconds"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// Validate converts a RawConfig into a published Config. Non-positive
// numerics are replaced by their defaults; an empty log_path, an
// unparseable whitelist entry or an uncompilable pattern list is
// rejected with ErrConfigInvalid.
func (r *RawConfig) Validate() (*Config, error) {
	if strings.TrimSpace(r.LogPath) == "" {
		return nil, fmt.Errorf("%w: log_path must not be empty", ErrConfigInvalid)
	}

	maxRetries := r.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	windowSeconds := r.WindowSeconds
	if windowSeconds <= 0 {
		windowSeconds = DefaultWindowSeconds
	}
	banTimeSeconds := r.BanTimeSeconds
	if banTimeSeconds <= 0 {
		banTimeSeconds = DefaultBanTimeSeconds
	}
	watcherInterval := DefaultWatcherInterval
	if r.WatcherInterval > 0 {
		watcherInterval = time.Duration(r.WatcherInterval) * time.Second
	}

	whitelist := make(map[string]struct{}, len(r.Whitelist))
	for _, raw := range r.Whitelist {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: whitelist entry %q: %v", ErrConfigInvalid, raw, err)
		}
		whitelist[addr.String()] = struct{}{}
	}

	sensitive, err := NewPatternSet(r.SensitiveFiles)
	if err != nil {
		return nil, fmt.Errorf("%w: sensitive_files: %v", ErrConfigInvalid, err)
	}
	cms, err := NewPatternSet(r.CMSAttacks)
	if err != nil {
		return nil, fmt.Errorf("%w: cms_attacks: %v", ErrConfigInvalid, err)
	}
	badUA, err := NewPatternSet(r.BadUserAgents)
	if err != nil {
		return nil, fmt.Errorf("%w: bad_user_agents: %v", ErrConfigInvalid, err)
	}
	instantBan, err := NewPatternSet(r.InstantBan)
	if err != nil {
		return nil, fmt.Errorf("%w: instant_ban: %v", ErrConfigInvalid, err)
	}

	return &Config{
		SensitiveFiles:  sensitive,
		CMSAttacks:      cms,
		BadUserAgents:   badUA,
		InstantBan:      instantBan,
		LogPath:         r.LogPath,
		MaxRetries:      maxRetries,
		WindowSeconds:   windowSeconds,
		BanTimeSeconds:  banTimeSeconds,
		WatcherInterval: watcherInterval,
		MetricsAddr:     r.MetricsAddr,
		Whitelist:       whitelist,
	}, nil
}
