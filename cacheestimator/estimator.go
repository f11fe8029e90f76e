package cacheestimator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cacheReadTokensTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_estimator_cache_read_tokens_total",
		Help: "Cumulative tokens the cache estimator attributed to cache_read.",
	})
	cacheCreationTokensTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_estimator_cache_creation_tokens_total",
		Help: "Cumulative tokens the cache estimator attributed to cache_creation.",
	})
)

func init() {
	prometheus.MustRegister(cacheReadTokensTotal, cacheCreationTokensTotal)
}

// Options tunes a single Estimate call.
type Options struct {
	// Optimistic selects per-message matching that counts every
	// individually-matching message as cache_read regardless of holes in
	// the prefix, per spec.md §4.3 step 7. Defaults to false (strict) at
	// the zero value; callers should set this from KIRO_OPTIMISTIC_CACHE.
	Optimistic bool
	// ToolResultStrategy controls how tool_result blocks hash. Defaults to
	// ToolResultStrict at the zero value.
	ToolResultStrategy ToolResultStrategy
}

// Estimator reconstructs cache_read/cache_creation/uncached splits per
// account, per spec.md §4.3.
type Estimator struct {
	accounts *accountLRU
}

// New returns an empty Estimator.
func New() *Estimator {
	return &Estimator{accounts: newAccountLRU()}
}

// Estimate runs the full 9-step algorithm for one request against
// accountID's history, given the pre-computed total input token count.
func (e *Estimator) Estimate(accountID string, req Request, totalTokens int64, opts Options) Estimate {
	return e.estimateAt(accountID, req, totalTokens, opts, time.Now())
}

func (e *Estimator) estimateAt(accountID string, req Request, totalTokens int64, opts Options, now time.Time) Estimate {
	strategy := opts.ToolResultStrategy
	if strategy == "" {
		strategy = ToolResultStrict
	}

	systemHasCC := false
	for _, b := range req.System {
		if b.HasCacheControl {
			systemHasCC = true
			break
		}
	}
	toolsHasCC := len(req.Tools) > 0 && req.Tools[len(req.Tools)-1].HasCacheControl

	breakpoint := -1
	for i, m := range req.Messages {
		if m.HasCacheControl {
			breakpoint = i
			continue
		}
		for _, b := range m.Content {
			if b.HasCacheControl {
				breakpoint = i
			}
		}
	}

	hasCacheControl := systemHasCC || toolsHasCC || breakpoint >= 0
	if !hasCacheControl {
		return Estimate{Uncached: totalTokens}
	}

	tokens := make([]int64, len(req.Messages))
	var allMessagesTokens int64
	for i, m := range req.Messages {
		tokens[i] = countTokens(messageText(m))
		allMessagesTokens += tokens[i]
	}

	var prefixMessagesTokens int64
	if breakpoint >= 0 {
		for i := 0; i <= breakpoint; i++ {
			prefixMessagesTokens += tokens[i]
		}
	}

	prefixHash := staticPrefixHash(req)
	staticPrefixTokens := countTokens(staticPrefixText(req))

	staticCacheable := int64(0)
	if systemHasCC || toolsHasCC {
		staticCacheable = staticPrefixTokens
	}
	totalCacheable := staticCacheable + prefixMessagesTokens

	if totalCacheable < modelMinCacheableTokens(req.Model) {
		return Estimate{Uncached: totalTokens}
	}

	cachedMessages := make([]cachedMessage, 0, breakpoint+1)
	for i := 0; i <= breakpoint; i++ {
		cachedMessages = append(cachedMessages, cachedMessage{
			Index:       i,
			Role:        req.Messages[i].Role,
			ContentHash: messageContentHash(req.Messages[i], strategy),
			Tokens:      tokens[i],
		})
	}

	cache := e.accounts.forAccount(accountID, now)
	prior, hit := cache.get(prefixHash, now)

	var cacheRead, cacheCreation int64
	if !hit {
		cacheCreation = totalCacheable
	} else if opts.Optimistic {
		cacheRead = staticCacheable
		for _, cm := range cachedMessages {
			if matchesPriorAt(prior, cm) {
				cacheRead += cm.Tokens
			} else {
				cacheCreation += cm.Tokens
			}
		}
	} else {
		firstMismatch := len(cachedMessages)
		for i, cm := range cachedMessages {
			if !matchesPriorAt(prior, cm) {
				firstMismatch = i
				break
			}
		}
		cacheRead = staticCacheable
		for i := 0; i < firstMismatch; i++ {
			cacheRead += cachedMessages[i].Tokens
		}
		for i := firstMismatch; i < len(cachedMessages); i++ {
			cacheCreation += cachedMessages[i].Tokens
		}
	}

	cache.put(prefixHash, &prefixEntry{
		PrefixHash:           prefixHash,
		StaticPrefixTokens:   staticPrefixTokens,
		PrefixMessagesTokens: prefixMessagesTokens,
		CachedMessages:       cachedMessages,
		AllMessagesTokens:    allMessagesTokens,
	}, now)

	uncached := totalTokens - totalCacheable
	if uncached < 0 {
		overflow := -uncached
		if cacheCreation >= overflow {
			cacheCreation -= overflow
		} else {
			overflow -= cacheCreation
			cacheCreation = 0
			if cacheRead >= overflow {
				cacheRead -= overflow
			} else {
				cacheRead = 0
			}
		}
		uncached = 0
	}

	cacheReadTokensTotal.Add(float64(cacheRead))
	cacheCreationTokensTotal.Add(float64(cacheCreation))
	return Estimate{CacheRead: cacheRead, CacheCreation: cacheCreation, Uncached: uncached}
}

func matchesPriorAt(prior *prefixEntry, cm cachedMessage) bool {
	if prior == nil {
		return false
	}
	for _, pm := range prior.CachedMessages {
		if pm.Index == cm.Index {
			return pm.ContentHash == cm.ContentHash
		}
	}
	return false
}
