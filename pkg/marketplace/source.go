// Package marketplace is the HTTP client for the external control-plane
// spec.md section 4.3 describes intake.Source as "typically backed by": it
// supplies unclaimed-request metadata (enabledTools, blueprint, ...) that
// has no on-chain representation, and leases a request to this worker with
// at-most-one-across-the-fleet semantics. It also satisfies
// pkg/delivery.IndexerClient, the Tier B fallback spec.md section 4.6.2
// names, since both endpoints are served by the same indexer in practice.
// Grounded on pkg/credentialbridge.Client's HTTP-client shape (bearer
// signed requests, typed JSON decode, context-scoped calls).
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ridgeline-labs/mechworker/pkg/chain"
	"github.com/ridgeline-labs/mechworker/pkg/intake"
)

// DefaultTimeout bounds every indexer call so a slow or wedged indexer
// never blocks the poll loop indefinitely (spec.md section 5's suspension
// point discipline).
const DefaultTimeout = 10 * time.Second

// ErrAlreadyClaimed is returned by Claim when another worker in the fleet
// won the race (spec.md section 4.3's "AlreadyClaimed" outcome), mapped to
// intake.ErrClaimLost.
var ErrAlreadyClaimed = errors.New("marketplace: request already claimed")

// Client is the external request-indexer/control-plane client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	wallet     *chain.Wallet
}

// New builds a Client against baseURL (no trailing slash assumed). wallet
// signs every request so the indexer can attribute leases to this worker's
// agent address; it may be nil for an indexer deployment that doesn't
// require request-bound signatures.
func New(baseURL string, wallet *chain.Wallet) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		baseURL:    baseURL,
		wallet:     wallet,
	}
}

type unclaimedRequest struct {
	RequestID       string   `json:"requestId"`
	Mech            string   `json:"mech"`
	ResponseTimeout int64    `json:"responseTimeout"`
	EnabledTools    []string `json:"enabledTools"`
	Blueprint       string   `json:"blueprint"`
	JobDefinitionID string   `json:"jobDefinitionId"`
}

// ListUnclaimed implements intake.Source: GET /requests/unclaimed?mech=...
// (repeated per mech), returning every still-undelivered request addressed
// to any of forMechs.
func (c *Client) ListUnclaimed(ctx context.Context, forMechs []common.Address) ([]intake.Request, error) {
	var out []intake.Request
	for _, mech := range forMechs {
		path := fmt.Sprintf("/requests/unclaimed?mech=%s", mech.Hex())
		req, err := c.newSignedRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("marketplace: list unclaimed for %s: %w", mech.Hex(), err)
		}

		var decoded []unclaimedRequest
		decodeErr := json.NewDecoder(resp.Body).Decode(&decoded)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("marketplace: list unclaimed for %s returned HTTP %d", mech.Hex(), resp.StatusCode)
		}
		if decodeErr != nil {
			return nil, fmt.Errorf("marketplace: decode unclaimed response for %s: %w", mech.Hex(), decodeErr)
		}

		for _, r := range decoded {
			out = append(out, intake.Request{
				RequestID:       r.RequestID,
				Mech:            common.HexToAddress(r.Mech),
				ResponseTimeout: r.ResponseTimeout,
				EnabledTools:    r.EnabledTools,
				Blueprint:       r.Blueprint,
				JobDefinitionID: r.JobDefinitionID,
			})
		}
	}
	return out, nil
}

type claimRequest struct {
	RequestID string `json:"requestId"`
	WorkerID  string `json:"workerId"`
}

type claimResponse struct {
	Leased bool `json:"leased"`
}

// Claim implements intake.Source: POST /requests/claim. A 409 response
// (another worker won the lease) surfaces as intake.ErrClaimLost.
func (c *Client) Claim(ctx context.Context, req intake.Request, workerID string) (intake.LeaseToken, error) {
	body, err := json.Marshal(claimRequest{RequestID: req.RequestID, WorkerID: workerID})
	if err != nil {
		return intake.LeaseToken{}, fmt.Errorf("marketplace: marshal claim request: %w", err)
	}

	httpReq, err := c.newSignedRequest(ctx, http.MethodPost, "/requests/claim", body)
	if err != nil {
		return intake.LeaseToken{}, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return intake.LeaseToken{}, fmt.Errorf("marketplace: claim %s: %w", req.RequestID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return intake.LeaseToken{}, intake.ErrClaimLost
	}
	if resp.StatusCode != http.StatusOK {
		return intake.LeaseToken{}, fmt.Errorf("marketplace: claim %s returned HTTP %d", req.RequestID, resp.StatusCode)
	}

	var out claimResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return intake.LeaseToken{}, fmt.Errorf("marketplace: decode claim response: %w", err)
	}
	if !out.Leased {
		return intake.LeaseToken{}, intake.ErrClaimLost
	}
	return intake.LeaseToken{RequestID: req.RequestID, WorkerID: workerID}, nil
}

type deliveredResponse struct {
	Delivered bool `json:"delivered"`
}

// IsDelivered implements pkg/delivery.IndexerClient's Tier B fallback:
// GET /requests/{id}/delivered?mech=...
func (c *Client) IsDelivered(ctx context.Context, requestMech common.Address, requestID *big.Int) (bool, error) {
	path := fmt.Sprintf("/requests/%s/delivered?mech=%s", requestID.String(), requestMech.Hex())
	req, err := c.newSignedRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("marketplace: is delivered %s: %w", requestID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("marketplace: is delivered %s returned HTTP %d", requestID, resp.StatusCode)
	}
	var out deliveredResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("marketplace: decode delivered response: %w", err)
	}
	return out.Delivered, nil
}

func (c *Client) newSignedRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("marketplace: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.wallet != nil {
		sig, err := c.wallet.SignPersonal(append([]byte(path), body...))
		if err != nil {
			return nil, fmt.Errorf("marketplace: sign request: %w", err)
		}
		req.Header.Set("X-Worker-Address", c.wallet.Address().Hex())
		req.Header.Set("X-Worker-Signature", "0x"+fmt.Sprintf("%x", sig))
	}

	return req, nil
}
