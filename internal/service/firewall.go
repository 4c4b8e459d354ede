package service

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dotX12/nginx-sentinel/internal/domain"
	"github.com/dotX12/nginx-sentinel/internal/metrics"
)

// SetName is the kernel ipset the daemon exclusively writes (spec §3,
// §6). Operators may read or manually delete entries from it.
const SetName = "siest_sentinel"

const inputChain = "INPUT"

// commandRunner is the subset of *Runner that FirewallActuator needs.
// Narrowing to an interface gives tests a seam to substitute a fake
// that records invocations instead of shelling out to real ipset/
// iptables binaries.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
	RunQuiet(ctx context.Context, name string, args ...string) error
	CommandExists(name string) bool
}

// FirewallActuator reflects ban decisions into the kernel ipset/iptables
// pipeline (spec §4.2). Adapted from the teacher's IpsetService +
// IptablesCommandService pair, narrowed from the teacher's dual
// hash:net IPv4/IPv6 scanner-block sets down to the single hash:ip set
// this spec names.
type FirewallActuator struct {
	logger zerolog.Logger
	runner commandRunner
}

// NewFirewallActuator creates a FirewallActuator.
func NewFirewallActuator(logger zerolog.Logger, runner commandRunner) *FirewallActuator {
	return &FirewallActuator{logger: logger, runner: runner}
}

// EnsureInitialised idempotently creates the ipset and the INPUT-chain
// DROP rule referencing it (spec §4.2). Safe to call repeatedly.
func (f *FirewallActuator) EnsureInitialised(ctx context.Context) error {
	if !f.runner.CommandExists("ipset") || !f.runner.CommandExists("iptables") {
		return fmt.Errorf("%w: ipset and iptables must be installed", domain.ErrFirewallUnavailable)
	}

	if !f.setExists(ctx) {
		f.logger.Info().Str("set", SetName).Msg("creating ipset")
		if err := f.runner.Run(ctx, "ipset", "create", SetName, "hash:ip", "timeout", "0", "-exist"); err != nil {
			return fmt.Errorf("create ipset %s: %w", SetName, err)
		}
	} else {
		f.logger.Debug().Str("set", SetName).Msg("ipset already present")
	}

	if !f.ruleExists(ctx) {
		f.logger.Info().Str("chain", inputChain).Str("set", SetName).Msg("installing DROP rule")
		args := dropRuleSpec(SetName)
		if err := f.runner.Run(ctx, "iptables", append([]string{"-A", inputChain}, args...)...); err != nil {
			return fmt.Errorf("install DROP rule: %w", err)
		}
	} else {
		f.logger.Debug().Str("chain", inputChain).Msg("DROP rule already present")
	}

	return nil
}

func dropRuleSpec(setName string) []string {
	return []string{"-m", "set", "--match-set", setName, "src", "-j", "DROP"}
}

func (f *FirewallActuator) setExists(ctx context.Context) bool {
	return f.runner.RunQuiet(ctx, "ipset", "list", SetName) == nil
}

func (f *FirewallActuator) ruleExists(ctx context.Context) bool {
	args := append([]string{"-C", inputChain}, dropRuleSpec(SetName)...)
	return f.runner.RunQuiet(ctx, "iptables", args...) == nil
}

// Ban adds ip to the set with the given TTL, refreshing the timeout if
// the entry already exists (spec §4.2, §4.3's idempotent-actuation
// property: at most one mutation per ban decision, never a duplicate
// entry or error).
func (f *FirewallActuator) Ban(ctx context.Context, ip netip.Addr, ttlSeconds int) error {
	err := f.runner.Run(ctx, "ipset", "add", SetName, ip.String(), "timeout", strconv.Itoa(ttlSeconds), "-exist")
	if err != nil {
		metrics.FirewallErrorsTotal.Inc()
		return fmt.Errorf("ban %s: %w", ip, err)
	}
	metrics.BansTotal.Inc()
	f.logger.Info().Str("ip", ip.String()).Int("ttl_seconds", ttlSeconds).Msg("banned")
	return nil
}

// Unban removes ip from the set. A missing entry is not an error (spec
// §4.2).
func (f *FirewallActuator) Unban(ctx context.Context, ip netip.Addr) error {
	err := f.runner.Run(ctx, "ipset", "del", SetName, ip.String())
	if err == nil {
		f.logger.Info().Str("ip", ip.String()).Msg("unbanned")
		return nil
	}
	if isNotInSetError(err) {
		return nil
	}
	metrics.FirewallErrorsTotal.Inc()
	return fmt.Errorf("unban %s: %w", ip, err)
}

// isNotInSetError recognises ipset's "Element is NOT in set" failure,
// the one non-zero exit from `ipset del` that Unban tolerates rather
// than reports.
func isNotInSetError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "is NOT in set")
}
