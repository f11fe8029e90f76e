package providerpool

import "context"

// HealthProbe is implemented by a Provider Adapter to answer a minimal
// upstream health check, per spec.md §4.1's performHealthChecks. A nil
// error means the probe succeeded.
type HealthProbe interface {
	Probe(ctx context.Context, providerType ProviderType, cred *Credential, model string) error
}

// healthCheckBackoffSeconds is the 2-minute back-off spec.md §4.1 names: an
// unhealthy credential whose last error is newer than this is skipped for
// this tick rather than re-probed.
const healthCheckBackoffSeconds = 120
