// Package capability implements CapabilityProbe and CapabilityProfile
// (spec.md section 4.7): a two-phase probe of what the worker is allowed to
// do (credential bridge grants) and what it can actually do right now
// (operator-local liveness checks), plus the static tool→provider map
// pkg/intake's capability filter matches a request's enabledTools against.
// Follows the usual TTL/invalidation cache shape, generalized from "one
// cached string per URL" to "one cached profile per probe epoch," plus the
// usual operator-local GET /user liveness-check idiom.
package capability

import (
	"context"
	"net/http"
	"sync"
)

// Profile is spec.md section 3's CapabilityProfile: the set of credential
// providers the bridge has granted this worker, and the set of operator
// capabilities verified locally live.
type Profile struct {
	CredentialProviders  map[string]bool
	OperatorCapabilities map[string]bool
}

// HasProvider reports whether provider was granted by the credential bridge.
func (p Profile) HasProvider(provider string) bool {
	return p.CredentialProviders[provider]
}

// HasOperatorCapability reports whether capability passed its local
// liveness check.
func (p Profile) HasOperatorCapability(capability string) bool {
	return p.OperatorCapabilities[capability]
}

// ToolCredentialMap is the static tool→[]provider projection spec.md section
// 3 names as bundled with the worker (not probed — a fixed compile-time
// table of what each agent tool needs).
type ToolCredentialMap map[string][]string

// RequiredCredentials returns the deduplicated set of credential providers
// every tool in enabledTools needs, per ToolCredentialMap.
func (m ToolCredentialMap) RequiredCredentials(enabledTools []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, tool := range enabledTools {
		for _, provider := range m[tool] {
			if !seen[provider] {
				seen[provider] = true
				out = append(out, provider)
			}
		}
	}
	return out
}

// BridgeClient is the subset of credentialbridge.Client the probe depends
// on, so tests can fake the bridge without an HTTP server.
type BridgeClient interface {
	Capabilities(ctx context.Context, requestID string) ([]string, error)
}

// OperatorCheck is one named, independently liveness-checked local
// capability (e.g. "github": GET /user with the configured token).
type OperatorCheck struct {
	Name  string
	Check func(ctx context.Context) bool
}

// Probe implements spec.md section 4.7: a credential-bridge probe and an
// operator-local probe, both cached until rotation invalidates them.
type Probe struct {
	bridge BridgeClient
	checks []OperatorCheck

	mu      sync.RWMutex
	profile Profile
	valid   bool
}

// NewProbe builds a Probe. bridge may be nil when CREDENTIAL_BRIDGE_URL is
// unset, in which case the credential-provider set is always empty.
func NewProbe(bridge BridgeClient, checks []OperatorCheck) *Probe {
	return &Probe{bridge: bridge, checks: checks}
}

// Probe runs both phases and caches the result. Call again after Invalidate
// (e.g. on service rotation, spec 4.7).
func (p *Probe) Probe(ctx context.Context) Profile {
	p.mu.RLock()
	if p.valid {
		defer p.mu.RUnlock()
		return p.profile
	}
	p.mu.RUnlock()

	profile := Profile{
		CredentialProviders:  p.probeCredentialBridge(ctx, ""),
		OperatorCapabilities: p.probeOperatorCapabilities(ctx),
	}

	p.mu.Lock()
	p.profile = profile
	p.valid = true
	p.mu.Unlock()

	return profile
}

// ProbeForRequest re-probes the credential bridge scoped to requestID so
// venture-scoped credentials can augment the cached global set for one job
// (spec 4.7), without touching the cached profile.
func (p *Probe) ProbeForRequest(ctx context.Context, requestID string) Profile {
	cached := p.Probe(ctx)
	scoped := p.probeCredentialBridge(ctx, requestID)

	merged := Profile{
		CredentialProviders:  mergeSets(cached.CredentialProviders, scoped),
		OperatorCapabilities: cached.OperatorCapabilities,
	}
	return merged
}

// Invalidate clears the cached profile; the next Probe call re-runs both
// phases. Called on service rotation (spec 4.7).
func (p *Probe) Invalidate() {
	p.mu.Lock()
	p.valid = false
	p.mu.Unlock()
}

func (p *Probe) probeCredentialBridge(ctx context.Context, requestID string) map[string]bool {
	out := map[string]bool{}
	if p.bridge == nil {
		return out
	}
	providers, err := p.bridge.Capabilities(ctx, requestID)
	if err != nil {
		// Empty on any failure, per spec 4.7.
		return out
	}
	for _, provider := range providers {
		out[provider] = true
	}
	return out
}

func (p *Probe) probeOperatorCapabilities(ctx context.Context) map[string]bool {
	out := map[string]bool{}
	for _, chk := range p.checks {
		if chk.Check(ctx) {
			out[chk.Name] = true
		}
	}
	return out
}

func mergeSets(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}

// GithubOperatorCheck builds the "github" OperatorCheck spec.md section 4.7
// gives as the canonical example: GET /user with the configured token,
// included only on a 2xx response.
func GithubOperatorCheck(client *http.Client, apiURL, token string) OperatorCheck {
	return OperatorCheck{
		Name: "github",
		Check: func(ctx context.Context) bool {
			if token == "" {
				return false
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/user", nil)
			if err != nil {
				return false
			}
			req.Header.Set("Authorization", "token "+token)
			resp, err := client.Do(req)
			if err != nil {
				return false
			}
			defer resp.Body.Close()
			return resp.StatusCode >= 200 && resp.StatusCode < 300
		},
	}
}
