package providerpool

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/prxcore/gatewaycore/internal/config"
)

// SelectOptions carries the optional per-call knobs selectProvider and
// selectProviderWithFallback accept, per spec.md §4.1.
type SelectOptions struct {
	SessionID      string
	SkipUsageCount bool
	IsFromFallback bool
}

// FallbackResult is selectProviderWithFallback's return value.
type FallbackResult struct {
	Credential         *Credential
	ActualProviderType ProviderType
	IsFallback         bool
	ActualModel        string
}

type providerBucket struct {
	order []string // uuids, insertion order — tie-break for equal LRU keys
	byID  map[string]*Credential
}

func newProviderBucket() *providerBucket {
	return &providerBucket{byID: make(map[string]*Credential)}
}

// Manager is the Provider Pool Manager: it holds every credential's status,
// selects one per request, records outcomes, and runs periodic probes.
// Grounded on the teacher's sdk/cliproxy/auth.Manager (conductor.go) for its
// mutex-guarded map shape and timer-owning lifecycle, generalized from
// round-robin to LRU-with-usage-count-tiebreak selection.
type Manager struct {
	mu      sync.RWMutex
	buckets map[ProviderType]*providerBucket

	fallbackChain        map[ProviderType][]ProviderType
	modelFallbackMapping map[string]config.ModelFallbackTarget

	maxErrorCount int
	errorWindow   time.Duration

	stickyEnabled bool
	sticky        *stickyTable

	persistor *debouncedPersistor

	probes map[ProviderType]HealthProbe

	healthCheckInterval time.Duration
	healthTicker        *time.Ticker
	stickyCleanupTicker *time.Ticker
	stopBackground      chan struct{}
	backgroundWG        sync.WaitGroup

	destroyOnce sync.Once
}

// NewManager constructs a Manager from cfg. poolFilePath comes from
// cfg.PoolFilePath; probes registers each provider type's HealthProbe
// (optional — performHealthChecks skips types with no registered probe).
func NewManager(cfg config.PoolConfig, probes map[ProviderType]HealthProbe) *Manager {
	fallbackChain := make(map[ProviderType][]ProviderType, len(cfg.FallbackChain))
	for k, chain := range cfg.FallbackChain {
		typed := make([]ProviderType, 0, len(chain))
		for _, v := range chain {
			typed = append(typed, ProviderType(v))
		}
		fallbackChain[ProviderType(k)] = typed
	}

	m := &Manager{
		buckets:              make(map[ProviderType]*providerBucket),
		fallbackChain:        fallbackChain,
		modelFallbackMapping: cfg.ModelFallbackMapping,
		maxErrorCount:        cfg.MaxErrorCount,
		errorWindow:          10 * time.Second,
		stickyEnabled:        cfg.StickySession.Enabled,
		sticky: newStickyTable(
			time.Duration(cfg.StickySession.TTLMs)*time.Millisecond,
			cfg.StickySession.MaxSessions,
		),
		probes:              probes,
		healthCheckInterval: time.Duration(cfg.HealthCheckIntervalMs) * time.Millisecond,
		stopBackground:      make(chan struct{}),
	}
	if m.maxErrorCount <= 0 {
		m.maxErrorCount = 3
	}
	if probes == nil {
		m.probes = make(map[ProviderType]HealthProbe)
	}

	m.persistor = newDebouncedPersistor(
		cfg.PoolFilePath,
		time.Duration(cfg.SaveDebounceMs)*time.Millisecond,
		m.snapshotPoolFile,
	)

	m.startBackgroundTasks(time.Duration(cfg.StickySession.CleanupIntervalMs) * time.Millisecond)
	return m
}

func (m *Manager) startBackgroundTasks(stickyCleanupInterval time.Duration) {
	if m.healthCheckInterval > 0 {
		m.healthTicker = time.NewTicker(m.healthCheckInterval)
		m.backgroundWG.Add(1)
		go func() {
			defer m.backgroundWG.Done()
			for {
				select {
				case <-m.healthTicker.C:
					m.PerformHealthChecks(context.Background(), false)
				case <-m.stopBackground:
					return
				}
			}
		}()
	}
	if stickyCleanupInterval > 0 {
		m.stickyCleanupTicker = time.NewTicker(stickyCleanupInterval)
		m.backgroundWG.Add(1)
		go func() {
			defer m.backgroundWG.Done()
			for {
				select {
				case <-m.stickyCleanupTicker.C:
					m.sticky.sweepExpired(time.Now())
				case <-m.stopBackground:
					return
				}
			}
		}()
	}
}

// RegisterCredential adds cred to providerType's pool. Insertion order
// carries no selection semantics but does break exact LRU-key ties
// deterministically, per spec.md §8 scenario 1.
func (m *Manager) RegisterCredential(providerType ProviderType, cred *Credential) {
	if cred == nil {
		return
	}
	cred.ProviderType = providerType

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[providerType]
	if !ok {
		b = newProviderBucket()
		m.buckets[providerType] = b
	}
	if _, exists := b.byID[cred.UUID]; !exists {
		b.order = append(b.order, cred.UUID)
	}
	b.byID[cred.UUID] = cred
}

// SelectProvider implements spec.md §4.1's selectProvider.
func (m *Manager) SelectProvider(providerType ProviderType, model string, opts SelectOptions) (*Credential, error) {
	if strings.TrimSpace(string(providerType)) == "" {
		return nil, &Error{Kind: ErrorKindLocalConfigError, Code: "empty_provider_type", Message: "providerType must not be empty", HTTPStatus: 400}
	}

	now := time.Now()

	if m.stickyEnabled && opts.SessionID != "" {
		if cred, ok := m.trySticky(providerType, model, opts.SessionID, now); ok {
			if !opts.SkipUsageCount {
				m.touchUsage(cred, now)
				m.persistor.markDirty(providerType)
			}
			m.sticky.touch(opts.SessionID, now)
			return cred.Clone(), nil
		}
	}

	m.mu.Lock()
	b, ok := m.buckets[providerType]
	if !ok {
		m.mu.Unlock()
		return nil, ErrPoolExhausted(providerType, model)
	}

	var candidates []*Credential
	for _, id := range b.order {
		c := b.byID[id]
		if c.eligible(model) {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		m.mu.Unlock()
		return nil, ErrPoolExhausted(providerType, model)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		li, ui := candidates[i].lruKey()
		lj, uj := candidates[j].lruKey()
		if li != lj {
			return li < lj
		}
		return ui < uj
	})
	chosen := candidates[0]

	if !opts.IsFromFallback && m.stickyEnabled && opts.SessionID != "" {
		m.sticky.bind(opts.SessionID, providerType, chosen.UUID, now)
	}
	if !opts.SkipUsageCount {
		m.touchUsageLocked(chosen, now)
	}
	m.mu.Unlock()

	if !opts.SkipUsageCount {
		m.persistor.markDirty(providerType)
	}
	return chosen.Clone(), nil
}

func (m *Manager) trySticky(providerType ProviderType, model, sessionID string, now time.Time) (*Credential, bool) {
	binding, ok := m.sticky.get(sessionID, now)
	if !ok || binding.providerType != providerType {
		return nil, false
	}

	m.mu.RLock()
	b := m.buckets[providerType]
	var cred *Credential
	if b != nil {
		cred = b.byID[binding.uuid]
	}
	m.mu.RUnlock()

	if cred == nil || !cred.IsHealthy || cred.IsDisabled {
		m.sticky.delete(sessionID)
		return nil, false
	}
	if !cred.supportsModel(model) {
		// Model-support miss bypasses stickiness for this call only; the
		// binding itself survives for a future compatible request.
		return nil, false
	}
	return cred, true
}

func (m *Manager) touchUsage(c *Credential, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchUsageLocked(c, now)
}

func (m *Manager) touchUsageLocked(c *Credential, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastUsed = now
	c.UsageCount++
}

// protocolPrefix derives the same-protocol family a provider type belongs
// to from its name, e.g. "claude-kiro-oauth" and "claude-custom" share the
// "claude" prefix, per spec.md §4.1 tier-1 fallback rule.
func protocolPrefix(providerType ProviderType) string {
	s := string(providerType)
	if idx := strings.IndexByte(s, '-'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// SelectProviderWithFallback implements spec.md §4.1's two-tier fallback
// cascade.
func (m *Manager) SelectProviderWithFallback(providerType ProviderType, model string, opts SelectOptions) (*FallbackResult, error) {
	tried := map[ProviderType]struct{}{}
	primaryPrefix := protocolPrefix(providerType)

	chain := append([]ProviderType{providerType}, m.getFallbackChain(providerType)...)
	for i, candidateType := range chain {
		if _, seen := tried[candidateType]; seen {
			continue
		}
		tried[candidateType] = struct{}{}

		isFallback := i > 0
		if isFallback {
			if protocolPrefix(candidateType) != primaryPrefix {
				continue
			}
			if !m.providerSupportsModel(candidateType, model) {
				continue
			}
		}

		o := opts
		o.IsFromFallback = isFallback
		cred, err := m.SelectProvider(candidateType, model, o)
		if err == nil {
			return &FallbackResult{Credential: cred, ActualProviderType: candidateType, IsFallback: isFallback}, nil
		}
	}

	if target, ok := m.modelFallbackMapping[model]; ok {
		targetType := ProviderType(target.TargetProviderType)
		o := opts
		o.IsFromFallback = true
		if cred, err := m.SelectProvider(targetType, target.TargetModel, o); err == nil {
			return &FallbackResult{Credential: cred, ActualProviderType: targetType, IsFallback: true, ActualModel: target.TargetModel}, nil
		}
		for _, candidateType := range m.getFallbackChain(targetType) {
			if _, seen := tried[candidateType]; seen {
				continue
			}
			if protocolPrefix(candidateType) != protocolPrefix(targetType) {
				continue
			}
			if !m.providerSupportsModel(candidateType, target.TargetModel) {
				continue
			}
			o := opts
			o.IsFromFallback = true
			if cred, err := m.SelectProvider(candidateType, target.TargetModel, o); err == nil {
				return &FallbackResult{Credential: cred, ActualProviderType: candidateType, IsFallback: true, ActualModel: target.TargetModel}, nil
			}
		}
	}

	return nil, ErrPoolExhausted(providerType, model)
}

func (m *Manager) providerSupportsModel(providerType ProviderType, model string) bool {
	if model == "" {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buckets[providerType]
	if !ok {
		return false
	}
	for _, id := range b.order {
		if b.byID[id].supportsModel(model) {
			return true
		}
	}
	return false
}

func (m *Manager) findCredential(providerType ProviderType, uuid string) *Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buckets[providerType]
	if !ok {
		return nil
	}
	return b.byID[uuid]
}

// MarkProviderUnhealthy implements the windowed error-counting rule from
// spec.md §4.1.
func (m *Manager) MarkProviderUnhealthy(providerType ProviderType, uuid string, errMsg string) {
	c := m.findCredential(providerType, uuid)
	if c == nil {
		return
	}
	now := time.Now()

	c.mu.Lock()
	if !c.LastErrorTime.IsZero() && now.Sub(c.LastErrorTime) <= m.errorWindow {
		c.ErrorCount++
	} else {
		c.ErrorCount = 1
	}
	c.LastErrorTime = now
	c.LastUsed = now
	c.LastErrorMessage = errMsg
	if c.ErrorCount >= m.maxErrorCount {
		c.IsHealthy = false
	}
	c.mu.Unlock()

	if m.stickyEnabled && !c.IsHealthy {
		m.sticky.dropForCredential(uuid)
	}
	m.persistor.markDirty(providerType)
}

// MarkProviderUnhealthyImmediately forces a credential unhealthy regardless
// of the error window, per spec.md §4.1 (used for 401-after-refresh-failure
// and 403).
func (m *Manager) MarkProviderUnhealthyImmediately(providerType ProviderType, uuid string, errMsg string) {
	c := m.findCredential(providerType, uuid)
	if c == nil {
		return
	}
	now := time.Now()

	c.mu.Lock()
	c.ErrorCount = m.maxErrorCount
	c.IsHealthy = false
	c.LastErrorTime = now
	c.LastErrorMessage = errMsg
	c.mu.Unlock()

	if m.stickyEnabled {
		m.sticky.dropForCredential(uuid)
	}
	m.persistor.markDirty(providerType)
}

// MarkProviderHealthy implements spec.md §4.1's recovery transition.
func (m *Manager) MarkProviderHealthy(providerType ProviderType, uuid string, resetUsage bool, healthCheckModel string) {
	c := m.findCredential(providerType, uuid)
	if c == nil {
		return
	}
	now := time.Now()

	c.mu.Lock()
	c.IsHealthy = true
	c.ErrorCount = 0
	c.LastErrorTime = time.Time{}
	c.LastErrorMessage = ""
	c.LastHealthCheckTime = now
	if healthCheckModel != "" {
		c.LastHealthCheckModel = healthCheckModel
	}
	if resetUsage {
		c.UsageCount = 0
	} else {
		c.UsageCount++
		c.LastUsed = now
	}
	c.mu.Unlock()

	m.persistor.markDirty(providerType)
}

// DisableProvider marks a credential operator-disabled.
func (m *Manager) DisableProvider(providerType ProviderType, uuid string) {
	c := m.findCredential(providerType, uuid)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.IsDisabled = true
	c.mu.Unlock()
	m.sticky.dropForCredential(uuid)
	m.persistor.markDirty(providerType)
}

// EnableProvider clears the operator-disabled flag; prior health state is
// retained unchanged.
func (m *Manager) EnableProvider(providerType ProviderType, uuid string) {
	c := m.findCredential(providerType, uuid)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.IsDisabled = false
	c.mu.Unlock()
	m.persistor.markDirty(providerType)
}

// ResetProviderCounters zeroes error and usage counters for a credential.
func (m *Manager) ResetProviderCounters(providerType ProviderType, uuid string) {
	c := m.findCredential(providerType, uuid)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.ErrorCount = 0
	c.UsageCount = 0
	c.LastErrorMessage = ""
	c.LastErrorTime = time.Time{}
	c.mu.Unlock()
	m.persistor.markDirty(providerType)
}

// GetProviderStats returns the health-count summary for providerType.
func (m *Manager) GetProviderStats(providerType ProviderType) Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	b, ok := m.buckets[providerType]
	if !ok {
		return s
	}
	for _, id := range b.order {
		c := b.byID[id]
		s.Total++
		switch {
		case c.IsDisabled:
			s.Disabled++
		case c.IsHealthy:
			s.Healthy++
		default:
			s.Unhealthy++
		}
	}
	return s
}

// AllProviderTypes returns every provider type with at least one registered
// credential, for callers (e.g. the admin surface) that need to aggregate
// stats across the whole pool without knowing the type set in advance.
func (m *Manager) AllProviderTypes() []ProviderType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := make([]ProviderType, 0, len(m.buckets))
	for t := range m.buckets {
		types = append(types, t)
	}
	return types
}

// StickySessionCount reports how many sticky-session bindings are currently
// held, for the admin surface's sticky_sessions_active gauge.
func (m *Manager) StickySessionCount() int {
	if m.sticky == nil {
		return 0
	}
	return m.sticky.len()
}

// IsAllProvidersUnhealthy reports whether every non-disabled credential in
// providerType's pool is unhealthy.
func (m *Manager) IsAllProvidersUnhealthy(providerType ProviderType) bool {
	s := m.GetProviderStats(providerType)
	active := s.Total - s.Disabled
	return active > 0 && s.Healthy == 0
}

// GetFallbackChain returns the configured same-protocol fallback chain.
func (m *Manager) GetFallbackChain(providerType ProviderType) []ProviderType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ProviderType(nil), m.fallbackChain[providerType]...)
}

func (m *Manager) getFallbackChain(providerType ProviderType) []ProviderType {
	return m.GetFallbackChain(providerType)
}

// SetFallbackChain replaces the configured fallback chain for providerType.
func (m *Manager) SetFallbackChain(providerType ProviderType, chain []ProviderType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbackChain[providerType] = append([]ProviderType(nil), chain...)
}

// PerformHealthChecks sweeps every credential, skipping healthy ones (they
// are verified implicitly by real traffic) and unhealthy ones still inside
// the 2-minute back-off, per spec.md §4.1.
func (m *Manager) PerformHealthChecks(ctx context.Context, isInit bool) {
	_ = isInit
	now := time.Now()

	type probeTask struct {
		providerType ProviderType
		cred         *Credential
	}
	var tasks []probeTask

	m.mu.RLock()
	for providerType, b := range m.buckets {
		for _, id := range b.order {
			c := b.byID[id]
			c.mu.Lock()
			healthy := c.IsHealthy
			lastErr := c.LastErrorTime
			c.mu.Unlock()
			if healthy {
				continue
			}
			if !lastErr.IsZero() && now.Sub(lastErr) < healthCheckBackoffSeconds*time.Second {
				continue
			}
			tasks = append(tasks, probeTask{providerType: providerType, cred: c})
		}
	}
	m.mu.RUnlock()

	for _, task := range tasks {
		probe, ok := m.probes[task.providerType]
		if !ok {
			continue
		}
		model := task.cred.CheckModelName
		err := runProbe(ctx, probe, task.providerType, task.cred, model)
		if err != nil {
			log.WithError(err).WithField("provider", task.providerType).Debug("providerpool: health probe failed")
			m.MarkProviderUnhealthy(task.providerType, task.cred.UUID, err.Error())
			task.cred.mu.Lock()
			task.cred.LastHealthCheckTime = now
			if model != "" {
				task.cred.LastHealthCheckModel = model
			}
			task.cred.mu.Unlock()
			continue
		}
		m.MarkProviderHealthy(task.providerType, task.cred.UUID, true, model)
	}
}

func runProbe(ctx context.Context, probe HealthProbe, providerType ProviderType, cred *Credential, model string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Kind: ErrorKindUpstreamServerError, Message: "health probe panicked"}
		}
	}()
	return probe.Probe(ctx, providerType, cred, model)
}

func (m *Manager) snapshotPoolFile() poolFile {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pf := make(poolFile, len(m.buckets))
	for providerType, b := range m.buckets {
		list := make([]poolFileCredential, 0, len(b.order))
		for _, id := range b.order {
			c := b.byID[id]
			c.mu.Lock()
			list = append(list, toPoolFileCredential(c))
			c.mu.Unlock()
		}
		pf[string(providerType)] = list
	}
	return pf
}

// LoadFromPoolFile populates the Manager's buckets from an on-disk pool
// file, preserving any provider type already registered in-process (the
// file is additive, not authoritative, for types the caller registered
// directly).
func (m *Manager) LoadFromPoolFile(path string) error {
	pf, err := readPoolFile(path)
	if err != nil {
		return err
	}
	for providerType, creds := range pf {
		for _, fc := range creds {
			m.RegisterCredential(ProviderType(providerType), fromPoolFileCredential(ProviderType(providerType), fc))
		}
	}
	return nil
}

// Destroy cancels the debounced-save timer, the health-check ticker, and
// the sticky-session cleanup timer, and clears the session table. In-flight
// requests are not aborted. Safe to call more than once.
func (m *Manager) Destroy() {
	m.destroyOnce.Do(func() {
		close(m.stopBackground)
		if m.healthTicker != nil {
			m.healthTicker.Stop()
		}
		if m.stickyCleanupTicker != nil {
			m.stickyCleanupTicker.Stop()
		}
		m.backgroundWG.Wait()
		m.persistor.stop()

		m.mu.Lock()
		m.sticky = newStickyTable(0, 1)
		m.mu.Unlock()
	})
}
