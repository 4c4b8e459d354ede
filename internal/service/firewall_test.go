package service

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDropRuleSpec(t *testing.T) {
	got := dropRuleSpec("siest_sentinel")
	want := []string{"-m", "set", "--match-set", "siest_sentinel", "src", "-j", "DROP"}
	assert.Equal(t, want, got)
}

func TestIsNotInSetError(t *testing.T) {
	assert.True(t, isNotInSetError(errors.New("ipset v7.15: Element is NOT in set siest_sentinel.")))
	assert.False(t, isNotInSetError(errors.New("some other failure")))
	assert.False(t, isNotInSetError(nil))
}

// invocation records one call made through fakeRunner.
type invocation struct {
	name string
	args []string
}

// fakeRunner is a commandRunner that records every call instead of
// shelling out, giving tests a seam onto FirewallActuator's dispatch
// logic without a real ipset/iptables binary.
type fakeRunner struct {
	calls []invocation

	// quietErr maps "name args..." (joined by the test) to the error
	// RunQuiet should return for that invocation; missing entries
	// succeed.
	quietErr map[string]error

	exists map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		quietErr: make(map[string]error),
		exists:   map[string]bool{"ipset": true, "iptables": true},
	}
}

func (f *fakeRunner) key(name string, args ...string) string {
	k := name
	for _, a := range args {
		k += " " + a
	}
	return k
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) error {
	f.calls = append(f.calls, invocation{name: name, args: args})
	return nil
}

func (f *fakeRunner) RunQuiet(_ context.Context, name string, args ...string) error {
	return f.quietErr[f.key(name, args...)]
}

func (f *fakeRunner) CommandExists(name string) bool {
	return f.exists[name]
}

func TestFirewallActuator_EnsureInitialisedCreatesSetAndRuleOnce(t *testing.T) {
	runner := newFakeRunner()
	// Neither the set nor the rule exist yet: both existence checks fail.
	runner.quietErr[runner.key("ipset", "list", SetName)] = errors.New("set not found")
	runner.quietErr[runner.key("iptables", append([]string{"-C", inputChain}, dropRuleSpec(SetName)...)...)] = errors.New("rule not found")

	f := NewFirewallActuator(zerolog.Nop(), runner)
	require.NoError(t, f.EnsureInitialised(context.Background()))

	require.Len(t, runner.calls, 2)
	assert.Equal(t, "ipset", runner.calls[0].name)
	assert.Equal(t, []string{"create", SetName, "hash:ip", "timeout", "0", "-exist"}, runner.calls[0].args)
	assert.Equal(t, "iptables", runner.calls[1].name)
	assert.Equal(t, append([]string{"-A", inputChain}, dropRuleSpec(SetName)...), runner.calls[1].args)
}

func TestFirewallActuator_EnsureInitialisedIsIdempotentWhenAlreadySet(t *testing.T) {
	runner := newFakeRunner()
	// Both existence checks succeed: nothing should be created.
	f := NewFirewallActuator(zerolog.Nop(), runner)
	require.NoError(t, f.EnsureInitialised(context.Background()))
	require.Empty(t, runner.calls)
}

func TestFirewallActuator_EnsureInitialisedFailsWithoutTools(t *testing.T) {
	runner := newFakeRunner()
	runner.exists["ipset"] = false
	f := NewFirewallActuator(zerolog.Nop(), runner)
	require.Error(t, f.EnsureInitialised(context.Background()))
}

func TestFirewallActuator_BanInvokesIpsetAddExactlyOnce(t *testing.T) {
	runner := newFakeRunner()
	f := NewFirewallActuator(zerolog.Nop(), runner)

	ip := mustParseIP(t, "1.2.3.4")
	require.NoError(t, f.Ban(context.Background(), ip, 86400))

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "ipset", runner.calls[0].name)
	assert.Equal(t, []string{"add", SetName, "1.2.3.4", "timeout", "86400", "-exist"}, runner.calls[0].args)
}

func TestFirewallActuator_BanTwiceRefreshesRatherThanDuplicating(t *testing.T) {
	runner := newFakeRunner()
	f := NewFirewallActuator(zerolog.Nop(), runner)

	ip := mustParseIP(t, "1.2.3.4")
	require.NoError(t, f.Ban(context.Background(), ip, 86400))
	require.NoError(t, f.Ban(context.Background(), ip, 86400))

	require.Len(t, runner.calls, 2)
	for _, call := range runner.calls {
		assert.Contains(t, call.args, "-exist")
	}
}

func TestFirewallActuator_UnbanTreatsMissingEntryAsSuccess(t *testing.T) {
	runner := newFakeRunner()
	runner.calls = nil
	f := NewFirewallActuator(zerolog.Nop(), runner)

	// Wrap runner.Run to fail with ipset's "not in set" error for del.
	wrapped := &errorInjectingRunner{fakeRunner: runner, failDelWith: errors.New("ipset v7.15: Element is NOT in set siest_sentinel.")}
	f.runner = wrapped

	ip := mustParseIP(t, "1.2.3.4")
	require.NoError(t, f.Unban(context.Background(), ip))
}

// errorInjectingRunner wraps fakeRunner to make `ipset del` fail the
// way a real ipset binary does when the element is already gone.
type errorInjectingRunner struct {
	*fakeRunner
	failDelWith error
}

func (e *errorInjectingRunner) Run(ctx context.Context, name string, args ...string) error {
	if name == "ipset" && len(args) > 0 && args[0] == "del" {
		e.calls = append(e.calls, invocation{name: name, args: args})
		return e.failDelWith
	}
	return e.fakeRunner.Run(ctx, name, args...)
}

func mustParseIP(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	require.NoError(t, err)
	return a
}
