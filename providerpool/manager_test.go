package providerpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prxcore/gatewaycore/internal/config"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.PoolConfig{
		MaxErrorCount:  3,
		SaveDebounceMs: 1,
		PoolFilePath:   t.TempDir() + "/pools.json",
		StickySession: config.StickySessionConfig{
			Enabled:           true,
			TTLMs:             30 * 60 * 1000,
			CleanupIntervalMs: 0,
			MaxSessions:       10,
		},
	}
	m := NewManager(cfg, nil)
	t.Cleanup(m.Destroy)
	return m
}

func TestSelectProvider_HappyPath(t *testing.T) {
	m := testManager(t)
	a := &Credential{UUID: "A", IsHealthy: true}
	b := &Credential{UUID: "B", IsHealthy: true}
	m.RegisterCredential("claude-kiro-oauth", a)
	m.RegisterCredential("claude-kiro-oauth", b)

	first, err := m.SelectProvider("claude-kiro-oauth", "", SelectOptions{})
	require.NoError(t, err)
	require.Equal(t, "A", first.UUID)

	second, err := m.SelectProvider("claude-kiro-oauth", "", SelectOptions{})
	require.NoError(t, err)
	require.Equal(t, "B", second.UUID)

	require.Equal(t, int64(1), m.findCredential("claude-kiro-oauth", "A").UsageCount)
	require.Equal(t, int64(1), m.findCredential("claude-kiro-oauth", "B").UsageCount)
	require.True(t, m.findCredential("claude-kiro-oauth", "B").LastUsed.After(m.findCredential("claude-kiro-oauth", "A").LastUsed) ||
		m.findCredential("claude-kiro-oauth", "B").LastUsed.Equal(m.findCredential("claude-kiro-oauth", "A").LastUsed))
}

func TestSelectProvider_PrefersLeastRecentlyUsed(t *testing.T) {
	m := testManager(t)
	old := &Credential{UUID: "old", IsHealthy: true, LastUsed: time.Now().Add(-time.Hour), UsageCount: 5}
	recent := &Credential{UUID: "recent", IsHealthy: true, LastUsed: time.Now(), UsageCount: 0}
	m.RegisterCredential("gemini-oauth", recent)
	m.RegisterCredential("gemini-oauth", old)

	picked, err := m.SelectProvider("gemini-oauth", "", SelectOptions{})
	require.NoError(t, err)
	require.Equal(t, "old", picked.UUID)
}

func TestSelectProvider_SkipsUnhealthyAndDisabled(t *testing.T) {
	m := testManager(t)
	m.RegisterCredential("gemini-oauth", &Credential{UUID: "unhealthy", IsHealthy: false})
	m.RegisterCredential("gemini-oauth", &Credential{UUID: "disabled", IsHealthy: true, IsDisabled: true})
	healthy := &Credential{UUID: "healthy", IsHealthy: true}
	m.RegisterCredential("gemini-oauth", healthy)

	picked, err := m.SelectProvider("gemini-oauth", "", SelectOptions{})
	require.NoError(t, err)
	require.Equal(t, "healthy", picked.UUID)
}

func TestSelectProvider_FiltersByModelSupport(t *testing.T) {
	m := testManager(t)
	blocked := &Credential{UUID: "blocked", IsHealthy: true, NotSupportedModels: map[string]struct{}{"gpt-5": {}}}
	ok := &Credential{UUID: "ok", IsHealthy: true}
	m.RegisterCredential("openai-compatible", blocked)
	m.RegisterCredential("openai-compatible", ok)

	picked, err := m.SelectProvider("openai-compatible", "gpt-5", SelectOptions{})
	require.NoError(t, err)
	require.Equal(t, "ok", picked.UUID)
}

func TestSelectProvider_EmptyProviderTypeRejected(t *testing.T) {
	m := testManager(t)
	_, err := m.SelectProvider("", "", SelectOptions{})
	require.Error(t, err)
}

func TestMarkProviderUnhealthy_WindowedCounting(t *testing.T) {
	m := testManager(t)
	cred := &Credential{UUID: "A", IsHealthy: true}
	m.RegisterCredential("claude-kiro-oauth", cred)

	m.MarkProviderUnhealthy("claude-kiro-oauth", "A", "boom")
	require.Equal(t, 1, cred.ErrorCount)
	require.True(t, cred.IsHealthy)

	m.MarkProviderUnhealthy("claude-kiro-oauth", "A", "boom again")
	require.Equal(t, 2, cred.ErrorCount)
	require.True(t, cred.IsHealthy)

	m.MarkProviderUnhealthy("claude-kiro-oauth", "A", "third strike")
	require.Equal(t, 3, cred.ErrorCount)
	require.False(t, cred.IsHealthy)
}

func TestMarkProviderUnhealthy_WindowResetAfterQuiet(t *testing.T) {
	m := testManager(t)
	cred := &Credential{UUID: "A", IsHealthy: true}
	m.RegisterCredential("claude-kiro-oauth", cred)

	cred.ErrorCount = 2
	cred.LastErrorTime = time.Now().Add(-11 * time.Second)

	m.MarkProviderUnhealthy("claude-kiro-oauth", "A", "stale window")
	require.Equal(t, 1, cred.ErrorCount)
}

func TestMarkProviderUnhealthyImmediately(t *testing.T) {
	m := testManager(t)
	cred := &Credential{UUID: "A", IsHealthy: true}
	m.RegisterCredential("claude-kiro-oauth", cred)

	m.MarkProviderUnhealthyImmediately("claude-kiro-oauth", "A", "401 after refresh failure")
	require.False(t, cred.IsHealthy)
	require.Equal(t, m.maxErrorCount, cred.ErrorCount)
}

func TestMarkProviderHealthy_RecoversAndResetsUsage(t *testing.T) {
	m := testManager(t)
	cred := &Credential{UUID: "A", IsHealthy: false, ErrorCount: 3, LastErrorMessage: "boom", UsageCount: 7}
	m.RegisterCredential("claude-kiro-oauth", cred)

	m.MarkProviderHealthy("claude-kiro-oauth", "A", true, "claude-haiku-4-5")
	require.True(t, cred.IsHealthy)
	require.Equal(t, 0, cred.ErrorCount)
	require.Empty(t, cred.LastErrorMessage)
	require.Equal(t, int64(0), cred.UsageCount)
	require.Equal(t, "claude-haiku-4-5", cred.LastHealthCheckModel)
}

func TestSelectProviderWithFallback_ChainFallback(t *testing.T) {
	m := testManager(t)
	m.RegisterCredential("claude-kiro-oauth", &Credential{UUID: "kiro-a", IsHealthy: false})
	m.RegisterCredential("claude-custom", &Credential{UUID: "custom-a", IsHealthy: true})
	m.SetFallbackChain("claude-kiro-oauth", []ProviderType{"claude-custom"})

	result, err := m.SelectProviderWithFallback("claude-kiro-oauth", "", SelectOptions{SessionID: "S1"})
	require.NoError(t, err)
	require.True(t, result.IsFallback)
	require.Equal(t, ProviderType("claude-custom"), result.ActualProviderType)
}

func TestSelectProviderWithFallback_PreservesOriginalSticky(t *testing.T) {
	m := testManager(t)
	m.RegisterCredential("claude-kiro-oauth", &Credential{UUID: "kiro-a", IsHealthy: true})
	m.RegisterCredential("claude-custom", &Credential{UUID: "custom-a", IsHealthy: true})
	m.SetFallbackChain("claude-kiro-oauth", []ProviderType{"claude-custom"})

	_, err := m.SelectProviderWithFallback("claude-kiro-oauth", "", SelectOptions{SessionID: "S1"})
	require.NoError(t, err)
	binding, ok := m.sticky.get("S1", time.Now())
	require.True(t, ok)
	require.Equal(t, "kiro-a", binding.uuid)

	m.MarkProviderUnhealthy("claude-kiro-oauth", "kiro-a", "x")
	m.MarkProviderUnhealthy("claude-kiro-oauth", "kiro-a", "y")
	m.MarkProviderUnhealthy("claude-kiro-oauth", "kiro-a", "z")

	result, err := m.SelectProviderWithFallback("claude-kiro-oauth", "", SelectOptions{SessionID: "S1"})
	require.NoError(t, err)
	require.True(t, result.IsFallback)
	require.Equal(t, ProviderType("claude-custom"), result.ActualProviderType)
}

func TestSelectProviderWithFallback_ModelMapping(t *testing.T) {
	m := testManager(t)
	m.modelFallbackMapping = map[string]config.ModelFallbackTarget{
		"gpt-4o": {TargetProviderType: "gemini-oauth", TargetModel: "gemini-2.5-pro"},
	}
	m.RegisterCredential("gemini-oauth", &Credential{UUID: "g1", IsHealthy: true})

	result, err := m.SelectProviderWithFallback("openai-compatible", "gpt-4o", SelectOptions{})
	require.NoError(t, err)
	require.True(t, result.IsFallback)
	require.Equal(t, ProviderType("gemini-oauth"), result.ActualProviderType)
	require.Equal(t, "gemini-2.5-pro", result.ActualModel)
}

func TestSelectProviderWithFallback_Exhausted(t *testing.T) {
	m := testManager(t)
	_, err := m.SelectProviderWithFallback("claude-kiro-oauth", "", SelectOptions{})
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, ErrorKindPoolExhausted, perr.Kind)
}

func TestStickyDegradation(t *testing.T) {
	m := testManager(t)
	a := &Credential{UUID: "A", IsHealthy: true}
	c := &Credential{UUID: "C", IsHealthy: true}
	m.RegisterCredential("claude-kiro-oauth", a)
	m.RegisterCredential("claude-kiro-oauth", c)

	picked, err := m.SelectProvider("claude-kiro-oauth", "", SelectOptions{SessionID: "S1"})
	require.NoError(t, err)
	require.Equal(t, "A", picked.UUID)

	m.MarkProviderUnhealthyImmediately("claude-kiro-oauth", "A", "boom")

	picked, err = m.SelectProvider("claude-kiro-oauth", "", SelectOptions{SessionID: "S1"})
	require.NoError(t, err)
	require.Equal(t, "C", picked.UUID)

	binding, ok := m.sticky.get("S1", time.Now())
	require.True(t, ok)
	require.Equal(t, "C", binding.uuid, "binding to the now-unhealthy credential must be gone")
}

func TestPerformHealthChecks_SkipsHealthyAndWithinBackoff(t *testing.T) {
	m := testManager(t)
	healthy := &Credential{UUID: "H", IsHealthy: true}
	recentlyFailed := &Credential{UUID: "R", IsHealthy: false, LastErrorTime: time.Now()}
	m.RegisterCredential("claude-kiro-oauth", healthy)
	m.RegisterCredential("claude-kiro-oauth", recentlyFailed)

	probe := &countingProbe{err: nil}
	m.probes["claude-kiro-oauth"] = probe

	m.PerformHealthChecks(context.Background(), false)
	require.Equal(t, 0, probe.calls, "healthy and recently-failed credentials must both be skipped")
}

func TestPerformHealthChecks_ProbesEligibleAndFlips(t *testing.T) {
	m := testManager(t)
	cred := &Credential{UUID: "R", IsHealthy: false, LastErrorTime: time.Now().Add(-3 * time.Minute), ErrorCount: 3}
	m.RegisterCredential("claude-kiro-oauth", cred)

	probe := &countingProbe{err: nil}
	m.probes["claude-kiro-oauth"] = probe

	m.PerformHealthChecks(context.Background(), false)
	require.Equal(t, 1, probe.calls)
	require.True(t, cred.IsHealthy)
	require.Equal(t, 0, cred.ErrorCount)
}

type countingProbe struct {
	calls int
	err   error
}

func (p *countingProbe) Probe(ctx context.Context, providerType ProviderType, cred *Credential, model string) error {
	p.calls++
	return p.err
}
