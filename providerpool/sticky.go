package providerpool

import (
	"sort"
	"sync"
	"time"
)

// stickyBinding is one entry of the Sticky Session Table: sessionId →
// (providerType, uuid), per spec.md §3.
type stickyBinding struct {
	providerType   ProviderType
	uuid           string
	createdAt      time.Time
	lastAccessedAt time.Time
	requestCount   int64
}

// stickyTable maps session id to its bound credential with TTL + LRU
// eviction, matching the teacher's prompt_cache.go entries+order pattern
// generalized from prompt hashes to session ids.
type stickyTable struct {
	mu          sync.Mutex
	bindings    map[string]*stickyBinding
	order       []string // LRU order, most-recently-accessed last
	ttl         time.Duration
	maxSessions int
}

func newStickyTable(ttl time.Duration, maxSessions int) *stickyTable {
	if maxSessions <= 0 {
		maxSessions = 1000
	}
	return &stickyTable{
		bindings:    make(map[string]*stickyBinding),
		ttl:         ttl,
		maxSessions: maxSessions,
	}
}

// get returns the binding for sessionID if present and not expired. A stale
// or missing binding is silently absent — callers must degrade to LRU
// selection rather than error, per spec.md §3.
func (s *stickyTable) get(sessionID string, now time.Time) (*stickyBinding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bindings[sessionID]
	if !ok {
		return nil, false
	}
	if s.ttl > 0 && now.Sub(b.lastAccessedAt) > s.ttl {
		s.deleteLocked(sessionID)
		return nil, false
	}
	return b, true
}

// touch refreshes lastAccessedAt and bumps requestCount and LRU order on a
// hit.
func (s *stickyTable) touch(sessionID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[sessionID]
	if !ok {
		return
	}
	b.lastAccessedAt = now
	b.requestCount++
	s.bumpOrderLocked(sessionID)
}

// bind creates or overwrites the binding for sessionID, evicting the LRU
// tail in 10%-of-cap batches if this insert would exceed maxSessions.
func (s *stickyTable) bind(sessionID string, providerType ProviderType, uuid string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bindings[sessionID]; !exists && len(s.bindings) >= s.maxSessions {
		s.evictBatchLocked()
	}

	s.bindings[sessionID] = &stickyBinding{
		providerType:   providerType,
		uuid:           uuid,
		createdAt:      now,
		lastAccessedAt: now,
		requestCount:   1,
	}
	s.bumpOrderLocked(sessionID)
}

// delete drops a binding, e.g. when its credential goes unhealthy/disabled.
func (s *stickyTable) delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(sessionID)
}

func (s *stickyTable) deleteLocked(sessionID string) {
	delete(s.bindings, sessionID)
	for i, id := range s.order {
		if id == sessionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *stickyTable) bumpOrderLocked(sessionID string) {
	for i, id := range s.order {
		if id == sessionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.order = append(s.order, sessionID)
}

// evictBatchLocked removes floor(maxSessions*0.1) entries from the LRU tail,
// per spec.md §8's boundary-behaviour test.
func (s *stickyTable) evictBatchLocked() {
	batch := s.maxSessions / 10
	if batch <= 0 {
		batch = 1
	}
	if batch > len(s.order) {
		batch = len(s.order)
	}
	victims := s.order[:batch]
	for _, id := range victims {
		delete(s.bindings, id)
	}
	s.order = s.order[batch:]
}

// dropForCredential removes every sticky binding pointing at uuid. The
// Manager calls it eagerly from DisableProvider, from MarkProviderUnhealthy
// once the credential turns unhealthy, and from
// MarkProviderUnhealthyImmediately when stickiness is enabled.
func (s *stickyTable) dropForCredential(uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, b := range s.bindings {
		if b.uuid == uuid {
			s.deleteLocked(id)
		}
	}
}

// sweepExpired removes every binding whose TTL has elapsed as of now. It is
// invoked by the Manager's cleanup ticker.
func (s *stickyTable) sweepExpired(now time.Time) {
	if s.ttl <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, b := range s.bindings {
		if now.Sub(b.lastAccessedAt) > s.ttl {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	for _, id := range expired {
		s.deleteLocked(id)
	}
}

func (s *stickyTable) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bindings)
}
