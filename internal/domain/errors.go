package domain

import "errors"

// Error taxonomy (spec §7). These are sentinel values so callers can
// classify failures with errors.Is; concrete errors wrap one of these
// with fmt.Errorf("%w: ...", ...).
var (
	// ErrConfigInvalid means the YAML failed to parse or validate.
	// Recovered locally by ConfigWatcher: the prior config stays live.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrLogUnavailable means the access log is missing or unreadable.
	// Recovered via bounded exponential backoff in LogFollower; never fatal
	// once the daemon is running.
	ErrLogUnavailable = errors.New("log unavailable")

	// ErrFirewallUnavailable means the ipset/iptables control tools are
	// missing, or returned an unexpected non-zero exit. Fatal at startup;
	// logged and retried on the next qualifying event afterward.
	ErrFirewallUnavailable = errors.New("firewall unavailable")

	// ErrTransient marks a subprocess timeout or signal termination.
	// Retried once by the caller before being downgraded to
	// ErrFirewallUnavailable.
	ErrTransient = errors.New("transient failure")
)
