package httpx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"net/http"
	"strings"
)

const (
	// HMACHeader carries hex(HMAC-SHA256(agent key, body)).
	HMACHeader = "X-APGuard-HMAC"
	// AgentHeader names the agent whose key signed the body.
	AgentHeader = "X-APGuard-Agent"
)

// HMACAuth verifies that agent payloads were signed with a key derived from
// the shared secret and the agent id.
type HMACAuth struct {
	secret      []byte
	requireHMAC bool
}

// NewHMACAuth creates a new HMAC authentication handler
func NewHMACAuth(secret string, requireHMAC bool) *HMACAuth {
	return &HMACAuth{
		secret:      []byte(secret),
		requireHMAC: requireHMAC,
	}
}

// Required reports whether requests without a valid signature are rejected.
func (h *HMACAuth) Required() bool {
	return h != nil && h.requireHMAC
}

// deriveAgentKey creates an agent-specific key: HMAC(secret, "agent-key:" + id)
func (h *HMACAuth) deriveAgentKey(agentID string) []byte {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte("agent-key:" + strings.TrimSpace(agentID)))
	return mac.Sum(nil)
}

// Sign returns the signature an agent must send for payload.
func (h *HMACAuth) Sign(agentID string, payload []byte) string {
	if len(h.secret) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, h.deriveAgentKey(agentID))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC validates the HMAC signature for a request
func (h *HMACAuth) VerifyHMAC(r *http.Request, payload []byte) bool {
	if !h.Required() {
		return true
	}

	if len(h.secret) == 0 {
		log.Printf("hmac: verification failed: no secret configured")
		return false
	}

	provided := strings.ToLower(strings.TrimSpace(r.Header.Get(HMACHeader)))
	if provided == "" {
		log.Printf("hmac: verification failed: missing %s header", HMACHeader)
		return false
	}
	agentID := r.Header.Get(AgentHeader)
	if strings.TrimSpace(agentID) == "" {
		log.Printf("hmac: verification failed: missing %s header", AgentHeader)
		return false
	}

	expected := h.Sign(agentID, payload)
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		log.Printf("hmac: verification failed for agent %q", agentID)
		return false
	}
	return true
}
