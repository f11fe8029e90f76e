package kiroadapter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/prxcore/gatewaycore/providerpool"
)

// kiroAgentMode is the fixed x-amzn-kiro-agent-mode value spec.md §6 requires
// on every Kiro request.
const kiroAgentMode = "vibe"

// machineID derives the per-credential SHA-256 identifier spec.md §6 and the
// glossary name, from `uuid ?? profileArn ?? clientId`, matching the
// teacher's per-token fingerprinting in
// internal/runtime/executor/kiro_request.go#applyDynamicFingerprint (one
// fingerprint per distinct token key, so upstream anti-abuse sees separate
// clients per credential).
func machineID(cred *providerpool.Credential) string {
	seed := cred.UUID
	if seed == "" {
		seed = cred.ProfileArn
	}
	if seed == "" {
		seed = cred.ClientID
	}
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// buildUserAgent and buildAmzUserAgent mirror the teacher's
// fp.BuildUserAgent()/fp.BuildAmzUserAgent() shape (kiro_request.go:248-249):
// an SDK-style user-agent string with the machine id embedded so each
// credential presents as a distinct client.
func buildUserAgent(id string) string {
	return fmt.Sprintf("KiroIDE/vibe machine/%s", id)
}

func buildAmzUserAgent(id string) string {
	return fmt.Sprintf("aws-sdk-go2/1.0 ua/2.1 api/kiro#1.0 os/other md/machine#%s", id)
}

// setKiroHeaders applies the Authorization, agent-mode, and fingerprinted
// user-agent headers spec.md §6 requires on every chat/probe/usage request,
// grounded on the teacher's PrepareRequest/applyDynamicFingerprint pair.
func setKiroHeaders(req *http.Request, cred *providerpool.Credential) {
	id := machineID(cred)
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("User-Agent", buildUserAgent(id))
	req.Header.Set("X-Amz-User-Agent", buildAmzUserAgent(id))
	req.Header.Set("x-amzn-kiro-agent-mode", kiroAgentMode)
}
