// Package ipfs is the worker's IPFS plumbing: uploads to the worker's
// embedded node for bitswap distribution, a best-effort mirror to a public
// gateway, and the CID→digestHex conversion the delivery engine submits
// on-chain (spec.md section 3's DeliveryPayload / section 4.6.1 Prepare).
//
// No IPFS client library appears in any retrieval-pack go.mod (go-ethereum
// vendors github.com/ipfs/go-cid et al. only for its own internal ENS
// build tooling, as an unexported internal/build helper — not a reusable
// public dependency), so this package speaks Kubo's HTTP RPC API
// (POST /api/v0/add, /api/v0/cat) directly over net/http, following the
// same signed-JSON-client shape as pkg/credentialbridge. See DESIGN.md.
package ipfs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single IPFS node call.
const DefaultTimeout = 30 * time.Second

// Node is a client for a local Kubo-compatible IPFS HTTP API.
type Node struct {
	httpClient *http.Client
	baseURL    string // e.g. http://127.0.0.1:5001
}

// NewNode builds a Node client against baseURL (the worker-local embedded
// IPFS node's RPC endpoint).
func NewNode(baseURL string) *Node {
	return &Node{httpClient: &http.Client{Timeout: DefaultTimeout}, baseURL: baseURL}
}

// Put uploads content to the local node and returns its CIDv0 string and
// the on-chain digestHex derived from it (spec.md section 3).
func (n *Node) Put(ctx context.Context, content []byte) (cid string, digestHex string, err error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "payload.json")
	if err != nil {
		return "", "", fmt.Errorf("ipfs: build multipart body: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", "", fmt.Errorf("ipfs: write multipart body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", "", fmt.Errorf("ipfs: close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/api/v0/add", &buf)
	if err != nil {
		return "", "", fmt.Errorf("ipfs: build add request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("ipfs: add request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", "", fmt.Errorf("ipfs: add returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("ipfs: decode add response: %w", err)
	}

	digest, err := CIDToDigestHex(out.Hash)
	if err != nil {
		return out.Hash, "", fmt.Errorf("ipfs: derive digest from cid %s: %w", out.Hash, err)
	}
	return out.Hash, digest, nil
}

// Get fetches content by CID from the local node.
func (n *Node) Get(ctx context.Context, cid string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/api/v0/cat?arg="+cid, nil)
	if err != nil {
		return nil, fmt.Errorf("ipfs: build cat request: %w", err)
	}
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ipfs: cat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ipfs: cat returned HTTP %d: %s", resp.StatusCode, string(body))
	}
	return io.ReadAll(resp.Body)
}

// ErrNotFound is returned by Get when the node has no block for the digest.
var ErrNotFound = fmt.Errorf("ipfs: content not found")

// DigestForContent returns the "0x"-prefixed sha2-256 digest of content,
// computed locally without any network call. Callers that need the
// on-chain digestHex for a delivery payload but must tolerate the
// worker-local IPFS node being unreachable (spec.md section 4.6.1's
// best-effort pre-upload) derive it this way instead of depending on the
// CID Put returns.
func DigestForContent(content []byte) string {
	sum := sha256.Sum256(content)
	return "0x" + hex.EncodeToString(sum[:])
}

// Gateway mirrors content to an existing public gateway, per spec.md
// section 3's "transitional fallback" write path. Failure here is
// non-fatal to the caller (DeliveryEngine's Prepare step treats IPFS
// pre-upload as best-effort).
type Gateway struct {
	httpClient *http.Client
	baseURL    string
}

// NewGateway builds a Gateway client, e.g. against https://ipfs.io or an
// operator-run pinning gateway that accepts POST /api/v0/add.
func NewGateway(baseURL string) *Gateway {
	return &Gateway{httpClient: &http.Client{Timeout: DefaultTimeout}, baseURL: baseURL}
}

// Put mirrors content to the gateway, best-effort.
func (g *Gateway) Put(ctx context.Context, content []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "payload.json")
	if err != nil {
		return fmt.Errorf("ipfs: build gateway multipart body: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return fmt.Errorf("ipfs: write gateway multipart body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("ipfs: close gateway multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/v0/add", &buf)
	if err != nil {
		return fmt.Errorf("ipfs: build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ipfs: gateway request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ipfs: gateway returned HTTP %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// sha256MultihashPrefix is the two-byte Kubo multihash prefix for a
// sha2-256 digest (function code 0x12, length 0x20) that precedes the raw
// digest bytes inside a CIDv0's base58-decoded payload.
var sha256MultihashPrefix = []byte{0x12, 0x20}

// DigestHexToCID reverses CIDToDigestHex: given a "0x"-prefixed 32-byte
// sha2-256 digest, it reconstructs the CIDv0 string the signing proxy's
// GET-by-digest endpoint needs to address the underlying IPFS block
// (spec.md section 4.4's POST /ipfs-get).
func DigestHexToCID(digestHex string) (string, error) {
	digestHex = trimHexPrefix(digestHex)
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return "", fmt.Errorf("ipfs: decode digest hex: %w", err)
	}
	if len(digest) != 32 {
		return "", fmt.Errorf("ipfs: digest must be 32 bytes, got %d", len(digest))
	}
	multihash := append(append([]byte{}, sha256MultihashPrefix...), digest...)
	return base58Encode(multihash), nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// CIDToDigestHex decodes a CIDv0 (base58btc "Qm...") string and returns its
// underlying sha2-256 digest as a "0x"-prefixed hex string — the form
// deliverToMarketplace expects on-chain (spec.md section 3).
func CIDToDigestHex(cid string) (string, error) {
	decoded, err := base58Decode(cid)
	if err != nil {
		return "", fmt.Errorf("ipfs: base58 decode cid: %w", err)
	}
	if len(decoded) != len(sha256MultihashPrefix)+32 {
		return "", fmt.Errorf("ipfs: unexpected multihash length %d", len(decoded))
	}
	if decoded[0] != sha256MultihashPrefix[0] || decoded[1] != sha256MultihashPrefix[1] {
		return "", fmt.Errorf("ipfs: unsupported multihash function/length prefix %x", decoded[:2])
	}
	return "0x" + hex.EncodeToString(decoded[2:]), nil
}
