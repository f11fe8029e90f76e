// Package kiroadapter implements the Kiro/CodeWhisperer provider adapter:
// OAuth refresh under concurrency, request construction, streamed-event
// parsing, and health signalling into the provider pool. Grounded on the
// teacher's internal/runtime/executor/kiro_*.go files, generalized per
// spec.md §4.2 where the described behaviour differs from the teacher's
// (the stream parser in particular: spec.md asks for a brace-counting
// scanner over JSON-looking frames, not the teacher's binary AWS
// Event-Stream/CRC32 parser).
package kiroadapter

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// pooledHTTPClient is a shared keep-alive client per spec.md §5: 100 max
// connections, 5 idle, reused across requests, grounded on the teacher's
// internal/runtime/executor/kiro_request.go#getKiroPooledHTTPClient.
var (
	pooledClientOnce sync.Once
	pooledClient     *http.Client
)

func pooledHTTPClient() *http.Client {
	pooledClientOnce.Do(func() {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 5,
			MaxConnsPerHost:     100,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ExpectContinueTimeout: time.Second,
			ForceAttemptHTTP2:     true,
		}
		pooledClient = &http.Client{Transport: transport}
	})
	return pooledClient
}
