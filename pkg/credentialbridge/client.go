// Package credentialbridge is the HTTP client for the external credential
// bridge spec.md section 6 names: a service that hands out short-lived
// provider tokens to addresses whose ACL grant has been provisioned. Uses
// the usual bearer-header, context-scoped-request, typed-JSON-decode
// client structure.
package credentialbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ridgeline-labs/mechworker/pkg/chain"
)

// DefaultTimeout is the per-call bridge timeout spec.md section 5 names
// ("10 s bridge").
const DefaultTimeout = 10 * time.Second

// Client signs requests with the worker's agent key and calls the bridge's
// capability and credential endpoints (spec.md section 6).
type Client struct {
	httpClient *http.Client
	baseURL    string
	wallet     *chain.Wallet
}

// New builds a Client. baseURL is CREDENTIAL_BRIDGE_URL with no trailing
// slash assumed.
func New(baseURL string, wallet *chain.Wallet) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		baseURL:    baseURL,
		wallet:     wallet,
	}
}

// capabilitiesRequest is the POST /credentials/capabilities body.
type capabilitiesRequest struct {
	RequestID string `json:"requestId,omitempty"`
}

type capabilitiesResponse struct {
	Providers []string `json:"providers"`
}

// Capabilities signs and posts a capabilities request, returning the
// granted provider list. requestID may be empty for the global probe, or
// set for the per-request re-probe spec.md section 4.7 describes.
func (c *Client) Capabilities(ctx context.Context, requestID string) ([]string, error) {
	body, err := json.Marshal(capabilitiesRequest{RequestID: requestID})
	if err != nil {
		return nil, fmt.Errorf("credentialbridge: marshal capabilities request: %w", err)
	}

	req, err := c.newSignedRequest(ctx, http.MethodPost, "/credentials/capabilities", body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("credentialbridge: capabilities request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("credentialbridge: capabilities returned HTTP %d", resp.StatusCode)
	}

	var out capabilitiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("credentialbridge: decode capabilities response: %w", err)
	}
	return out.Providers, nil
}

// CredentialGrant is the POST /credentials/{provider} response.
type CredentialGrant struct {
	AccessToken string                 `json:"access_token"`
	ExpiresIn   int                    `json:"expires_in"`
	Provider    string                 `json:"provider"`
	Config      map[string]interface{} `json:"config"`
}

// PaymentSigner produces the x402 X-Payment header value for a 402 retry.
// This package ships no implementation: Credentials takes one from its
// caller, while the request signatures themselves use the Client's wallet.
type PaymentSigner interface {
	SignPayment(ctx context.Context, provider string, amountDue string) (string, error)
}

// Credentials fetches a short-lived provider token. On a 402 Payment
// Required response it retries once with an X-Payment header produced by
// signer, per spec.md section 6's x402 transferWithAuthorization flow.
// signer may be nil, in which case a 402 is returned as an error.
func (c *Client) Credentials(ctx context.Context, provider string, signer PaymentSigner) (CredentialGrant, error) {
	grant, status, err := c.credentialsOnce(ctx, provider, "")
	if err != nil {
		return CredentialGrant{}, err
	}
	if status != http.StatusPaymentRequired {
		return grant, nil
	}
	if signer == nil {
		return CredentialGrant{}, fmt.Errorf("credentialbridge: %s requires payment and no signer was configured", provider)
	}

	payment, err := signer.SignPayment(ctx, provider, grant.Config["amountDue"].(string))
	if err != nil {
		return CredentialGrant{}, fmt.Errorf("credentialbridge: sign x402 payment: %w", err)
	}

	grant, status, err = c.credentialsOnce(ctx, provider, payment)
	if err != nil {
		return CredentialGrant{}, err
	}
	if status != http.StatusOK {
		return CredentialGrant{}, fmt.Errorf("credentialbridge: %s returned HTTP %d after payment retry", provider, status)
	}
	return grant, nil
}

func (c *Client) credentialsOnce(ctx context.Context, provider, payment string) (CredentialGrant, int, error) {
	req, err := c.newSignedRequest(ctx, http.MethodPost, "/credentials/"+provider, nil)
	if err != nil {
		return CredentialGrant{}, 0, err
	}
	if payment != "" {
		req.Header.Set("X-Payment", payment)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return CredentialGrant{}, 0, fmt.Errorf("credentialbridge: credentials request for %s: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPaymentRequired {
		return CredentialGrant{}, resp.StatusCode, fmt.Errorf("credentialbridge: %s returned HTTP %d", provider, resp.StatusCode)
	}

	var out CredentialGrant
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CredentialGrant{}, resp.StatusCode, fmt.Errorf("credentialbridge: decode credentials response for %s: %w", provider, err)
	}
	return out, resp.StatusCode, nil
}

// newSignedRequest builds a POST with an ERC-8128-style request-bound
// signature: the worker signs the request path + body over personal-sign,
// carried as a bearer-style binding in X-Worker-Address/X-Worker-Signature.
func (c *Client) newSignedRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("credentialbridge: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.wallet != nil {
		sig, err := c.wallet.SignPersonal(append([]byte(path), body...))
		if err != nil {
			return nil, fmt.Errorf("credentialbridge: sign request: %w", err)
		}
		req.Header.Set("X-Worker-Address", c.wallet.Address().Hex())
		req.Header.Set("X-Worker-Signature", "0x"+fmt.Sprintf("%x", sig))
	}

	return req, nil
}
