package providerpool

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// poolFileCredential is the on-disk projection of a Credential, with dates
// normalised to ISO-8601 strings per spec.md §4.1's debounced-persistence
// rule.
type poolFileCredential struct {
	UUID                 string `json:"uuid"`
	AccessToken          string `json:"accessToken,omitempty"`
	RefreshToken         string `json:"refreshToken,omitempty"`
	ClientID             string `json:"clientId,omitempty"`
	ClientSecret         string `json:"clientSecret,omitempty"`
	Region               string `json:"region,omitempty"`
	ProfileArn           string `json:"profileArn,omitempty"`
	ExpiresAt            string `json:"expiresAt,omitempty"`
	AuthMethod           string `json:"authMethod,omitempty"`
	IsHealthy            bool   `json:"isHealthy"`
	IsDisabled           bool   `json:"isDisabled"`
	ErrorCount           int    `json:"errorCount"`
	LastErrorTime        string `json:"lastErrorTime,omitempty"`
	LastErrorMessage     string `json:"lastErrorMessage,omitempty"`
	LastUsed             string `json:"lastUsed,omitempty"`
	UsageCount           int64  `json:"usageCount"`
	LastHealthCheckTime  string `json:"lastHealthCheckTime,omitempty"`
	LastHealthCheckModel string `json:"lastHealthCheckModel,omitempty"`
	CustomName           string `json:"customName,omitempty"`
}

const iso8601 = time.RFC3339

func toPoolFileCredential(c *Credential) poolFileCredential {
	f := poolFileCredential{
		UUID:                 c.UUID,
		AccessToken:          c.AccessToken,
		RefreshToken:         c.RefreshToken,
		ClientID:             c.ClientID,
		ClientSecret:         c.ClientSecret,
		Region:               c.Region,
		ProfileArn:           c.ProfileArn,
		AuthMethod:           c.AuthMethod,
		IsHealthy:            c.IsHealthy,
		IsDisabled:           c.IsDisabled,
		ErrorCount:           c.ErrorCount,
		LastErrorMessage:     c.LastErrorMessage,
		UsageCount:           c.UsageCount,
		LastHealthCheckModel: c.LastHealthCheckModel,
		CustomName:           c.CustomName,
	}
	if !c.ExpiresAt.IsZero() {
		f.ExpiresAt = c.ExpiresAt.UTC().Format(iso8601)
	}
	if !c.LastErrorTime.IsZero() {
		f.LastErrorTime = c.LastErrorTime.UTC().Format(iso8601)
	}
	if !c.LastUsed.IsZero() {
		f.LastUsed = c.LastUsed.UTC().Format(iso8601)
	}
	if !c.LastHealthCheckTime.IsZero() {
		f.LastHealthCheckTime = c.LastHealthCheckTime.UTC().Format(iso8601)
	}
	return f
}

func fromPoolFileCredential(providerType ProviderType, f poolFileCredential) *Credential {
	c := &Credential{
		UUID:                 f.UUID,
		ProviderType:         providerType,
		AccessToken:          f.AccessToken,
		RefreshToken:         f.RefreshToken,
		ClientID:             f.ClientID,
		ClientSecret:         f.ClientSecret,
		Region:               f.Region,
		ProfileArn:           f.ProfileArn,
		AuthMethod:           f.AuthMethod,
		IsHealthy:            f.IsHealthy,
		IsDisabled:           f.IsDisabled,
		ErrorCount:           f.ErrorCount,
		LastErrorMessage:     f.LastErrorMessage,
		UsageCount:           f.UsageCount,
		LastHealthCheckModel: f.LastHealthCheckModel,
		CustomName:           f.CustomName,
	}
	c.ExpiresAt = parseISO8601(f.ExpiresAt)
	c.LastErrorTime = parseISO8601(f.LastErrorTime)
	c.LastUsed = parseISO8601(f.LastUsed)
	c.LastHealthCheckTime = parseISO8601(f.LastHealthCheckTime)
	return c
}

func parseISO8601(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(iso8601, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// poolFile is the shape of configs/provider_pools.json: providerType →
// ordered list of credential configs.
type poolFile map[string][]poolFileCredential

func readPoolFile(path string) (poolFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return poolFile{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return poolFile{}, nil
	}
	var pf poolFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, err
	}
	if pf == nil {
		pf = poolFile{}
	}
	return pf, nil
}

func writePoolFileAtomic(path string, pf poolFile) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// debouncedPersistor coalesces provider-type mutations into a single
// re-armed timer, matching spec.md §4.1's debounced-persistence rule: on
// fire it reads the current on-disk file, replaces only the pending
// provider types, and rewrites the whole file.
type debouncedPersistor struct {
	mu      sync.Mutex
	pending map[ProviderType]struct{}
	timer   *time.Timer
	delay   time.Duration

	path    string
	snapshot func() poolFile // returns a full snapshot keyed by provider type
}

func newDebouncedPersistor(path string, delay time.Duration, snapshot func() poolFile) *debouncedPersistor {
	if delay <= 0 {
		delay = time.Second
	}
	return &debouncedPersistor{
		pending:  make(map[ProviderType]struct{}),
		delay:    delay,
		path:     path,
		snapshot: snapshot,
	}
}

// markDirty enqueues providerType and (re)arms the flush timer.
func (p *debouncedPersistor) markDirty(providerType ProviderType) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending[providerType] = struct{}{}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.delay, p.flush)
}

func (p *debouncedPersistor) flush() {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[ProviderType]struct{})
	p.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	existing, err := readPoolFile(p.path)
	if err != nil {
		log.WithError(err).WithField("path", p.path).Warn("providerpool: failed to read pool file before flush")
		existing = poolFile{}
	}

	fresh := p.snapshot()
	for providerType := range pending {
		if creds, ok := fresh[string(providerType)]; ok {
			existing[string(providerType)] = creds
		}
	}

	if err := writePoolFileAtomic(p.path, existing); err != nil {
		log.WithError(err).WithField("path", p.path).Warn("providerpool: failed to persist pool file")
	}
}

// stop cancels any pending timer without flushing, used by destroy().
func (p *debouncedPersistor) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// flushNow forces an immediate synchronous flush, used in tests. Destroy
// calls stop() and does not flush.
func (p *debouncedPersistor) flushNow() {
	p.stop()
	p.flush()
}
