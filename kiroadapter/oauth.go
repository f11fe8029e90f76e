package kiroadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/prxcore/gatewaycore/providerpool"
)

var (
	refreshTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kiro_refresh_total",
		Help: "Kiro OAuth refresh attempts.",
	})
	refreshFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kiro_refresh_failures_total",
		Help: "Kiro OAuth refresh attempts that failed.",
	})
)

func init() {
	prometheus.MustRegister(refreshTotal, refreshFailuresTotal)
}

// AuthMethod is the refresh-flow discriminator spec.md §4.2 names.
type AuthMethod string

const (
	AuthMethodSocial AuthMethod = "social"
	AuthMethodIDC    AuthMethod = "idc"
)

const defaultRegion = "us-east-1"

// endpoints templates the region into the Kiro URLs spec.md §6 names.
// chat (generateAssistantResponse, on the q.* host) is the default chat
// endpoint; chatStreaming (SendMessageStreaming, on the codewhisperer.* host)
// is used only for amazonq-prefixed models, per §6.
type endpoints struct {
	refreshSocial string
	refreshIDC    string
	chat          string
	chatStreaming string
	usage         string
}

func endpointsForRegion(region string) endpoints {
	if strings.TrimSpace(region) == "" {
		region = defaultRegion
	}
	return endpoints{
		refreshSocial: fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", region),
		refreshIDC:    fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region),
		chat:          fmt.Sprintf("https://q.%s.amazonaws.com/generateAssistantResponse", region),
		chatStreaming: fmt.Sprintf("https://codewhisperer.%s.amazonaws.com/SendMessageStreaming", region),
		usage:         fmt.Sprintf("https://q.%s.amazonaws.com/getUsageLimits", region),
	}
}

// chatURLForModel picks generateAssistantResponse by default, switching to
// the codewhisperer SendMessageStreaming host only when model is an Amazon Q
// model, per spec.md §6.
func (e endpoints) chatURLForModel(model string) string {
	if strings.HasPrefix(strings.ToLower(model), "amazonq") {
		return e.chatStreaming
	}
	return e.chat
}

// kiroTokenSource implements oauth2.TokenSource by POSTing Kiro's
// non-standard refresh payload and mapping the camelCase response onto an
// oauth2.Token, so the refresh result still flows through the oauth2
// package's Token/expiry plumbing even though the wire shape isn't the
// standard OAuth2 form, grounded on the teacher's reach for
// golang.org/x/oauth2 in internal/auth/kiro/kiro_auth.go for this same
// Google/AWS-SSO refresh flow.
type kiroTokenSource struct {
	httpClient *http.Client
	method     AuthMethod
	endpoints  endpoints
	clientID   string
	clientSec  string
	refresh    string
}

type kiroRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
	ExpiresIn    int    `json:"expiresIn"`
	ProfileArn   string `json:"profileArn"`
}

func (s *kiroTokenSource) Token() (*oauth2.Token, error) {
	var body map[string]any
	url := s.endpoints.refreshSocial
	if s.method == AuthMethodIDC {
		url = s.endpoints.refreshIDC
		body = map[string]any{
			"clientId":     s.clientID,
			"clientSecret": s.clientSec,
			"grantType":    "refresh_token",
			"refreshToken": s.refresh,
		}
	} else {
		body = map[string]any{"refreshToken": s.refresh}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &providerpool.Error{Kind: providerpool.ErrorKindAuthFatal, Code: "refresh_unauthorized", Message: "kiro refresh rejected (401)", HTTPStatus: 401}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kiro: refresh failed with status %d", resp.StatusCode)
	}

	var parsed kiroRefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("kiro: malformed refresh response: %w", err)
	}

	expiry := time.Time{}
	if parsed.ExpiresAt != "" {
		if t, perr := time.Parse(time.RFC3339, parsed.ExpiresAt); perr == nil {
			expiry = t
		}
	}
	if expiry.IsZero() && parsed.ExpiresIn > 0 {
		expiry = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	}

	tok := &oauth2.Token{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		Expiry:       expiry,
	}
	if parsed.ProfileArn != "" {
		tok = tok.WithExtra(map[string]any{"profileArn": parsed.ProfileArn})
	}
	return tok, nil
}

// RefreshCoordinator proactively refreshes Kiro credentials and coalesces
// concurrent refresh attempts for the same credential with singleflight, so
// two in-flight requests hitting a near-expiry token in parallel trigger
// exactly one upstream refresh call, per SPEC_FULL.md's OAuth-refresh
// expansion (grounded on the teacher's refreshMu-based single-flight-by-hand
// pattern in internal/runtime/executor/kiro_executor.go).
type RefreshCoordinator struct {
	group       singleflight.Group
	store       *providerpool.CredentialStore
	httpClient  *http.Client
	cronMinutes int
}

// NewRefreshCoordinator builds a coordinator backed by the given credential
// store and near-expiry window (CRON_NEAR_MINUTES, default 10).
func NewRefreshCoordinator(store *providerpool.CredentialStore, cronNearMinutes int) *RefreshCoordinator {
	if cronNearMinutes <= 0 {
		cronNearMinutes = 10
	}
	return &RefreshCoordinator{store: store, httpClient: pooledHTTPClient(), cronMinutes: cronNearMinutes}
}

// NeedsRefresh reports whether cred's token is within CRON_NEAR_MINUTES of
// expiry, per spec.md §4.2.
func (r *RefreshCoordinator) NeedsRefresh(cred *providerpool.Credential) bool {
	if cred.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(cred.ExpiresAt) <= time.Duration(r.cronMinutes)*time.Minute
}

// Refresh performs (or joins an in-flight) refresh for cred, persisting the
// result through the credential store under a file lock, and mutating cred
// in place on success.
func (r *RefreshCoordinator) Refresh(ctx context.Context, cred *providerpool.Credential, credentialPath string) error {
	refreshTotal.Inc()
	_, err, _ := r.group.Do(cred.UUID, func() (any, error) {
		method := AuthMethod(cred.AuthMethod)
		if method == "" {
			method = AuthMethodSocial
		}
		src := &kiroTokenSource{
			httpClient: r.httpClient,
			method:     method,
			endpoints:  endpointsForRegion(cred.Region),
			clientID:   cred.ClientID,
			clientSec:  cred.ClientSecret,
			refresh:    cred.RefreshToken,
		}
		tok, terr := src.Token()
		if terr != nil {
			return nil, terr
		}

		updates := map[string]any{
			"accessToken":  tok.AccessToken,
			"refreshToken": tok.RefreshToken,
		}
		if !tok.Expiry.IsZero() {
			updates["expiresAt"] = tok.Expiry.UTC().Format(time.RFC3339)
		}
		if profileArn, ok := tok.Extra("profileArn").(string); ok && profileArn != "" {
			updates["profileArn"] = profileArn
		}

		if credentialPath != "" {
			if perr := r.store.Persist(credentialPath, updates); perr != nil {
				return nil, perr
			}
		}

		cred.AccessToken = tok.AccessToken
		if tok.RefreshToken != "" {
			cred.RefreshToken = tok.RefreshToken
		}
		if !tok.Expiry.IsZero() {
			cred.ExpiresAt = tok.Expiry
		}
		if profileArn, ok := tok.Extra("profileArn").(string); ok && profileArn != "" {
			cred.ProfileArn = profileArn
		}
		return nil, nil
	})
	if err != nil {
		refreshFailuresTotal.Inc()
	}
	return err
}
