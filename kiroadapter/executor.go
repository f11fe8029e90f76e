package kiroadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/prxcore/gatewaycore/cacheestimator"
	"github.com/prxcore/gatewaycore/providerpool"
)

// ChatRequest is the adapter's input: the already-extracted system prompt,
// message history, tools, model, and whether the caller wants a streamed
// response.
type ChatRequest struct {
	Model    string
	System   string
	Messages []Message
	Tools    []Tool
	Stream   bool

	// SystemCacheControl marks the system prompt as carrying
	// `cache_control` (Anthropic's static-prefix cache marker), so the Cache
	// Estimator can recognise this account's static prefix as cacheable per
	// spec.md §4.3 step 2.
	SystemCacheControl bool
}

// ChatResult is the adapter's output: assembled text/thinking content plus
// any recovered or structured tool calls, and the final context-usage
// percentage if upstream reported one.
type ChatResult struct {
	Content         []ContentBlock
	ToolCalls       []RecoveredToolCall
	ContextUsagePct float64

	// CacheRead, CacheCreation, and Uncached are the Cache Estimator's split
	// of the request's input tokens for this credential's account, per
	// spec.md §4.3. Always sum to the estimator's view of total input tokens.
	CacheRead     int64
	CacheCreation int64
	Uncached      int64
}

// Executor wires OAuth refresh, request construction, the retrying HTTP
// call, and stream parsing into a single operation, and implements
// providerpool.HealthProbe so the Pool Manager's health-check loop can use
// it directly, per SPEC_FULL.md's executor expansion (grounded on the
// teacher's internal/runtime/executor/kiro_executor.go orchestration shape).
type Executor struct {
	httpClient      *http.Client
	refresh         *RefreshCoordinator
	credentialPath  string
	retryCfg        retryConfig
	pool            *providerpool.Manager
	optimisticCache bool
	toolResultMode  cacheestimator.ToolResultStrategy
	cache           *cacheestimator.Estimator

	// chatURLOverride and usageURLOverride let tests point the executor at an
	// httptest server instead of the real regional Kiro endpoints.
	chatURLOverride  string
	usageURLOverride string
}

// NewExecutor builds an Executor backed by the given refresh coordinator and
// pool manager. optimisticCache mirrors the KIRO_OPTIMISTIC_CACHE setting
// (spec.md §4.3 step 7); callers that haven't validated optimistic matching
// against their own traffic should pass false.
func NewExecutor(pool *providerpool.Manager, refresh *RefreshCoordinator, credentialPath string, optimisticCache bool) *Executor {
	return &Executor{
		httpClient:      pooledHTTPClient(),
		refresh:         refresh,
		credentialPath:  credentialPath,
		retryCfg:        defaultRetryConfig(),
		pool:            pool,
		optimisticCache: optimisticCache,
		toolResultMode:  cacheestimator.ToolResultStrict,
		cache:           cacheestimator.New(),
	}
}

type kiroChatRequest struct {
	ModelID        string    `json:"modelId"`
	SystemPrefix   string    `json:"systemPrefix,omitempty"`
	History        []Message `json:"history,omitempty"`
	CurrentMessage Message   `json:"currentMessage"`
	Tools          []Tool    `json:"tools,omitempty"`
	ProfileArn     string    `json:"profileArn,omitempty"`
}

// Execute runs one non-streaming chat turn against cred: ensures the token
// is fresh, transforms the messages per spec.md §4.2, retries transient
// failures with backoff, and parses the streamed response into a ChatResult.
// On 401 it refreshes once and retries the same attempt; on 403 it reports
// the credential unhealthy immediately and returns without a further retry.
func (e *Executor) Execute(ctx context.Context, providerType providerpool.ProviderType, cred *providerpool.Credential, req ChatRequest) (*ChatResult, error) {
	if e.refresh.NeedsRefresh(cred) {
		if err := e.refresh.Refresh(ctx, cred, e.credentialPath); err != nil {
			return nil, &providerpool.Error{Kind: providerpool.ErrorKindTokenExpiredRecoverable, Code: "refresh_failed", Message: err.Error()}
		}
	}

	transformed := TransformMessages(req.System, req.Messages, req.Tools)
	body := kiroChatRequest{
		ModelID:        req.Model,
		SystemPrefix:   transformed.SystemPrefix,
		History:        transformed.History,
		CurrentMessage: transformed.CurrentMessage,
		Tools:          transformed.Tools,
		ProfileArn:     cred.ProfileArn,
	}

	refreshedOnce := false
	var lastErr error
	for attempt := 0; attempt <= e.retryCfg.MaxRetries; attempt++ {
		result, status, err := e.doRequest(ctx, cred, body)
		if err == nil {
			e.annotateCacheSplit(cred, req, result)
			return result, nil
		}
		lastErr = err

		if status == http.StatusUnauthorized && !refreshedOnce {
			refreshedOnce = true
			if rerr := e.refresh.Refresh(ctx, cred, e.credentialPath); rerr != nil {
				e.pool.MarkProviderUnhealthyImmediately(providerType, cred.UUID, rerr.Error())
				return nil, &providerpool.Error{Kind: providerpool.ErrorKindAuthFatal, Code: "refresh_failed", Message: rerr.Error(), HTTPStatus: 401}
			}
			attempt--
			continue // retry the same attempt index with the fresh token
		}
		if status == http.StatusUnauthorized {
			e.pool.MarkProviderUnhealthyImmediately(providerType, cred.UUID, err.Error())
			return nil, &providerpool.Error{Kind: providerpool.ErrorKindAuthFatal, Code: "unauthorized", Message: err.Error(), HTTPStatus: 401}
		}
		if status == http.StatusForbidden {
			e.pool.MarkProviderUnhealthyImmediately(providerType, cred.UUID, err.Error())
			return nil, &providerpool.Error{Kind: providerpool.ErrorKindAuthFatal, Code: "forbidden", Message: err.Error(), HTTPStatus: 403}
		}

		retryable := isRetryableHTTPStatus(status) || isRetryableError(err)
		if !retryable || attempt == e.retryCfg.MaxRetries {
			e.pool.MarkProviderUnhealthy(providerType, cred.UUID, err.Error())
			break
		}
		if serr := sleepWithContext(ctx, backoffDelay(attempt, e.retryCfg)); serr != nil {
			return nil, serr
		}
	}
	return nil, lastErr
}

// doRequest performs one HTTP attempt and parses the response stream. It
// returns the HTTP status observed (0 if the request never got a response)
// alongside any error, so Execute can classify retry/refresh/unhealthy
// behavior without re-parsing the error.
func (e *Executor) doRequest(ctx context.Context, cred *providerpool.Credential, body kiroChatRequest) (*ChatResult, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, &providerpool.Error{Kind: providerpool.ErrorKindLocalConfigError, Message: err.Error()}
	}

	chatURL := e.chatURLOverride
	if chatURL == "" {
		chatURL = endpointsForRegion(cred.Region).chatURLForModel(body.ModelID)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, chatURL, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	setKiroHeaders(httpReq, cred)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("kiro: upstream returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	result, perr := e.parseStream(raw)
	if perr != nil {
		return nil, resp.StatusCode, &providerpool.Error{Kind: providerpool.ErrorKindUpstreamMalformed, Message: perr.Error()}
	}
	return result, resp.StatusCode, nil
}

// parseStream drains raw through the StreamScanner and ThinkingSplitter,
// then recovers any inline tool calls from the assembled text, per
// spec.md §4.2.
func (e *Executor) parseStream(raw []byte) (*ChatResult, error) {
	scanner := NewStreamScanner()
	splitter := NewThinkingSplitter()

	result := &ChatResult{}
	toolsByID := map[string]*RecoveredToolCall{}
	var currentToolID string

	for _, ev := range scanner.Feed(raw) {
		switch ev.Kind {
		case "content":
			result.Content = append(result.Content, splitter.Feed(ev.Content)...)
		case "toolUse":
			currentToolID = ev.ToolUseID
			toolsByID[currentToolID] = &RecoveredToolCall{ID: ev.ToolUseID, Name: ev.ToolUseName}
		case "toolUseInput":
			if tc, ok := toolsByID[currentToolID]; ok {
				tc.Arguments += ev.ToolUseInput
			}
		case "toolUseStop":
			if tc, ok := toolsByID[currentToolID]; ok {
				tc.Arguments = lenientJSONRepair(tc.Arguments)
				result.ToolCalls = append(result.ToolCalls, *tc)
			}
			currentToolID = ""
		case "contextUsage":
			result.ContextUsagePct = ev.ContextUsagePct
		}
	}
	result.Content = append(result.Content, splitter.Flush()...)

	var assembledText string
	kept := result.Content[:0]
	for _, b := range result.Content {
		if b.Type == "text" {
			assembledText += b.Text
		}
		kept = append(kept, b)
	}
	result.Content = kept

	if len(result.ToolCalls) == 0 {
		remaining, recovered := RecoverToolCalls(assembledText)
		if len(recovered) > 0 {
			result.ToolCalls = append(result.ToolCalls, recovered...)
			for i, b := range result.Content {
				if b.Type == "text" {
					result.Content[i].Text = remaining
				}
			}
		}
	}
	return result, nil
}

// annotateCacheSplit asks the Cache Estimator for this credential's account
// how req's input tokens split across cache_read/cache_creation/uncached and
// stores the split on result, per spec.md §4.3.
func (e *Executor) annotateCacheSplit(cred *providerpool.Credential, req ChatRequest, result *ChatResult) {
	cacheReq := cacheestimator.Request{
		Model:    req.Model,
		System:   []cacheestimator.ContentBlock{{Type: "text", Text: req.System, HasCacheControl: req.SystemCacheControl}},
		Tools:    toCacheTools(req.Tools),
		Messages: toCacheMessages(req.Messages),
	}
	total := cacheestimator.TotalRequestTokens(cacheReq)
	est := e.cache.Estimate(cred.UUID, cacheReq, total, cacheestimator.Options{
		Optimistic:         e.optimisticCache,
		ToolResultStrategy: e.toolResultMode,
	})
	result.CacheRead = est.CacheRead
	result.CacheCreation = est.CacheCreation
	result.Uncached = est.Uncached
}

func toCacheMessages(msgs []Message) []cacheestimator.Message {
	out := make([]cacheestimator.Message, len(msgs))
	for i, m := range msgs {
		blocks := make([]cacheestimator.ContentBlock, len(m.Content))
		hasCC := false
		for j, b := range m.Content {
			cc := len(b.CacheControl) > 0
			hasCC = hasCC || cc
			blocks[j] = cacheestimator.ContentBlock{
				Type:            b.Type,
				Text:            b.Text,
				Thinking:        b.Thinking,
				ToolUseID:       b.ToolUseID,
				ID:              b.ID,
				Name:            b.Name,
				Input:           b.Input,
				HasCacheControl: cc,
			}
		}
		out[i] = cacheestimator.Message{Role: m.Role, Content: blocks, HasCacheControl: hasCC}
	}
	return out
}

func toCacheTools(tools []Tool) []cacheestimator.Tool {
	out := make([]cacheestimator.Tool, len(tools))
	for i, t := range tools {
		out[i] = cacheestimator.Tool{
			Name:            t.Name,
			Description:     t.Description,
			InputSchema:     t.InputSchema,
			HasCacheControl: len(t.CacheControl) > 0,
		}
	}
	return out
}

// UsageLimits queries the Kiro getUsageLimits endpoint for cred's account,
// per spec.md §6. It is best-effort diagnostic data, not a health signal: a
// non-2xx status or malformed body is returned as an error rather than
// marking the credential unhealthy, since absence of usage data doesn't mean
// the credential can't serve chat traffic.
func (e *Executor) UsageLimits(ctx context.Context, cred *providerpool.Credential) (map[string]any, error) {
	url := e.usageURLOverride
	if url == "" {
		url = endpointsForRegion(cred.Region).usage
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	setKiroHeaders(httpReq, cred)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kiro: usage endpoint returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var limits map[string]any
	if err := json.Unmarshal(raw, &limits); err != nil {
		return nil, fmt.Errorf("kiro: decode usage response: %w", err)
	}
	return limits, nil
}

// Probe satisfies providerpool.HealthProbe: a minimal non-streaming request
// against model, treating any non-2xx as unhealthy.
func (e *Executor) Probe(ctx context.Context, providerType providerpool.ProviderType, cred *providerpool.Credential, model string) error {
	body := kiroChatRequest{
		ModelID: model,
		CurrentMessage: Message{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: "ping"}},
		},
		ProfileArn: cred.ProfileArn,
	}
	_, status, err := e.doRequest(ctx, cred, body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("kiro: probe returned status %d", status)
	}
	return nil
}
