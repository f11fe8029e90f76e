package kiroadapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prxcore/gatewaycore/internal/config"
	"github.com/prxcore/gatewaycore/providerpool"
)

func newTestManager(t *testing.T) *providerpool.Manager {
	t.Helper()
	cfg := config.PoolConfig{MaxErrorCount: 3, HealthCheckIntervalMs: 60000, SaveDebounceMs: 1000}
	m := providerpool.NewManager(cfg, nil)
	t.Cleanup(m.Destroy)
	return m
}

func freshCredential(uuid string) *providerpool.Credential {
	return &providerpool.Credential{
		UUID:         uuid,
		ProviderType: "claude-kiro-oauth",
		AccessToken:  "tok",
		ExpiresAt:    time.Now().Add(time.Hour),
		IsHealthy:    true,
	}
}

func TestExecutor_ParseStream_AssemblesTextAndToolCalls(t *testing.T) {
	e := &Executor{}
	raw := []byte(`{"content":"hello "}{"content":"world"}{"contextUsagePercentage":12.5}`)
	result, err := e.parseStream(raw)
	require.NoError(t, err)
	require.Equal(t, 12.5, result.ContextUsagePct)

	var text string
	for _, b := range result.Content {
		if b.Type == "text" {
			text += b.Text
		}
	}
	require.Equal(t, "hello world", text)
}

func TestExecutor_ParseStream_StructuredToolUse(t *testing.T) {
	e := &Executor{}
	raw := []byte(`{"name":"calc","toolUseId":"t1"}{"input":"{\"x\":"}{"input":"1}"}{"stop":true}`)
	result, err := e.parseStream(raw)
	require.NoError(t, err)
	require.Len(t, result.ToolCalls, 1)
	require.Equal(t, "calc", result.ToolCalls[0].Name)
	require.Equal(t, `{"x":1}`, result.ToolCalls[0].Arguments)
}

func TestExecutor_ParseStream_RecoversInlineToolCallFromText(t *testing.T) {
	e := &Executor{}
	raw := []byte(`{"content":"before "}{"content":"[Called search with args: {\"q\":\"go\"}] after"}`)
	result, err := e.parseStream(raw)
	require.NoError(t, err)
	require.Len(t, result.ToolCalls, 1)
	require.Equal(t, "search", result.ToolCalls[0].Name)

	var text string
	for _, b := range result.Content {
		if b.Type == "text" {
			text += b.Text
		}
	}
	require.NotContains(t, text, "Called search")
}

func TestExecutor_Execute_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":"hi there"}`))
	}))
	defer srv.Close()

	pool := newTestManager(t)
	refresh := NewRefreshCoordinator(providerpool.NewCredentialStore(time.Second), 10)
	ex := NewExecutor(pool, refresh, "", false)
	ex.chatURLOverride = srv.URL

	cred := freshCredential("u1")
	result, err := ex.Execute(context.Background(), "claude-kiro-oauth", cred, ChatRequest{
		Model:    "claude-3",
		Messages: []Message{{Role: "user", Content: []ContentBlock{text("hello")}}},
	})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	require.Equal(t, "hi there", result.Content[0].Text)
}

func TestExecutor_Execute_RetriesOn503ThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":"ok"}`))
	}))
	defer srv.Close()

	pool := newTestManager(t)
	refresh := NewRefreshCoordinator(providerpool.NewCredentialStore(time.Second), 10)
	ex := NewExecutor(pool, refresh, "", false)
	ex.chatURLOverride = srv.URL
	ex.retryCfg = retryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	cred := freshCredential("u2")
	result, err := ex.Execute(context.Background(), "claude-kiro-oauth", cred, ChatRequest{
		Model:    "claude-3",
		Messages: []Message{{Role: "user", Content: []ContentBlock{text("hello")}}},
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.Equal(t, "ok", result.Content[0].Text)
}

func TestExecutor_Execute_403MarksUnhealthyImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	pool := newTestManager(t)
	refresh := NewRefreshCoordinator(providerpool.NewCredentialStore(time.Second), 10)
	ex := NewExecutor(pool, refresh, "", false)
	ex.chatURLOverride = srv.URL

	cred := freshCredential("u3")
	pool.RegisterCredential("claude-kiro-oauth", cred)

	_, err := ex.Execute(context.Background(), "claude-kiro-oauth", cred, ChatRequest{
		Model:    "claude-3",
		Messages: []Message{{Role: "user", Content: []ContentBlock{text("hello")}}},
	})
	require.Error(t, err)
	require.False(t, cred.IsHealthy)
}

func TestExecutor_Probe_SuccessOnOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":"pong"}`))
	}))
	defer srv.Close()

	ex := &Executor{httpClient: srv.Client(), chatURLOverride: srv.URL}
	err := ex.Probe(context.Background(), "claude-kiro-oauth", freshCredential("u4"), "claude-3")
	require.NoError(t, err)
}

func TestExecutor_Probe_FailureOnNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ex := &Executor{httpClient: srv.Client(), chatURLOverride: srv.URL}
	err := ex.Probe(context.Background(), "claude-kiro-oauth", freshCredential("u5"), "claude-3")
	require.Error(t, err)
}

func TestExecutor_Execute_AnnotatesCacheSplitOnSecondIdenticalRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":"ack"}`))
	}))
	defer srv.Close()

	pool := newTestManager(t)
	refresh := NewRefreshCoordinator(providerpool.NewCredentialStore(time.Second), 10)
	ex := NewExecutor(pool, refresh, "", false)
	ex.chatURLOverride = srv.URL

	cred := freshCredential("u6")
	longText := func(seed string) string {
		s := ""
		for len(s) < 5000 {
			s += seed + " "
		}
		return s
	}
	req := ChatRequest{
		Model: "claude-sonnet-4-5",
		Messages: []Message{
			{Role: "user", Content: []ContentBlock{text(longText("alpha"))}},
			{Role: "assistant", Content: []ContentBlock{text(longText("bravo"))}},
			{Role: "user", Content: []ContentBlock{{Type: "text", Text: longText("gamma"), CacheControl: []byte(`{"type":"ephemeral"}`)}}},
		},
	}

	first, err := ex.Execute(context.Background(), "claude-kiro-oauth", cred, req)
	require.NoError(t, err)
	require.Zero(t, first.CacheRead)
	require.True(t, first.CacheCreation > 0)

	second, err := ex.Execute(context.Background(), "claude-kiro-oauth", cred, req)
	require.NoError(t, err)
	require.True(t, second.CacheRead > 0)
	require.Equal(t, first.CacheRead+first.CacheCreation+first.Uncached, second.CacheRead+second.CacheCreation+second.Uncached)
}

func TestExecutor_Execute_SendsRequiredKiroHeaders(t *testing.T) {
	var gotAgentMode, gotUserAgent, gotAmzUserAgent, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgentMode = r.Header.Get("x-amzn-kiro-agent-mode")
		gotUserAgent = r.Header.Get("User-Agent")
		gotAmzUserAgent = r.Header.Get("X-Amz-User-Agent")
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"content":"ok"}`))
	}))
	defer srv.Close()

	pool := newTestManager(t)
	refresh := NewRefreshCoordinator(providerpool.NewCredentialStore(time.Second), 10)
	ex := NewExecutor(pool, refresh, "", false)
	ex.chatURLOverride = srv.URL

	cred := freshCredential("u7")
	_, err := ex.Execute(context.Background(), "claude-kiro-oauth", cred, ChatRequest{
		Model:    "claude-3",
		Messages: []Message{{Role: "user", Content: []ContentBlock{text("hello")}}},
	})
	require.NoError(t, err)

	require.Equal(t, "vibe", gotAgentMode)
	require.Equal(t, "Bearer tok", gotAuth)
	require.Contains(t, gotUserAgent, machineID(cred))
	require.Contains(t, gotAmzUserAgent, machineID(cred))
}

func TestExecutor_Execute_SystemCacheControlEnablesStaticPrefixCacheRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":"ack"}`))
	}))
	defer srv.Close()

	pool := newTestManager(t)
	refresh := NewRefreshCoordinator(providerpool.NewCredentialStore(time.Second), 10)
	ex := NewExecutor(pool, refresh, "", false)
	ex.chatURLOverride = srv.URL

	cred := freshCredential("u8")
	longSystem := ""
	for len(longSystem) < 5000 {
		longSystem += "you are a careful assistant. "
	}
	req := ChatRequest{
		Model:              "claude-sonnet-4-5",
		System:             longSystem,
		SystemCacheControl: true,
		Messages:           []Message{{Role: "user", Content: []ContentBlock{text("hi")}}},
	}

	first, err := ex.Execute(context.Background(), "claude-kiro-oauth", cred, req)
	require.NoError(t, err)
	require.True(t, first.CacheCreation > 0)

	second, err := ex.Execute(context.Background(), "claude-kiro-oauth", cred, req)
	require.NoError(t, err)
	require.True(t, second.CacheRead > 0)
}

func TestExecutor_UsageLimits_ParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "vibe", r.Header.Get("x-amzn-kiro-agent-mode"))
		_, _ = w.Write([]byte(`{"remaining":42}`))
	}))
	defer srv.Close()

	ex := &Executor{httpClient: srv.Client(), usageURLOverride: srv.URL}
	cred := freshCredential("u9")
	cred.Region = "us-east-1"

	limits, err := ex.UsageLimits(context.Background(), cred)
	require.NoError(t, err)
	require.Equal(t, float64(42), limits["remaining"])
}
