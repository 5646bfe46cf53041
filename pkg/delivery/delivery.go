// Package delivery implements DeliveryEngine (spec.md section 4.6): the
// Idle→Prepared→Preflighted→Submitted→Verified→Done state machine that
// turns an agent run's Result into an on-chain deliverToMarketplace call
// routed through the service Safe, with idempotent retries against
// PendingDelivery and revoke detection. Follows the usual explicit-state
// state-machine idiom (named states, a single mutable process-wide registry
// owned by the caller, deferred cleanup on every exit path) applied to this
// delivery pipeline instead of an alert-processing queue.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ridgeline-labs/mechworker/pkg/agentrunner"
	"github.com/ridgeline-labs/mechworker/pkg/chain"
	"github.com/ridgeline-labs/mechworker/pkg/events"
	"github.com/ridgeline-labs/mechworker/pkg/intake"
	"github.com/ridgeline-labs/mechworker/pkg/ipfs"
	"github.com/ridgeline-labs/mechworker/pkg/registry"
)

// ChainReader is the subset of *chain.Client the engine reads directly:
// receipt lookups, Safe-deployment checks, undelivered-id paging,
// deliverToMarketplace calldata packing, and revoke-log decoding.
// Segregated from the Safe-submission path (SafeSubmitter below) so
// Deliver() can be driven against a fake in tests, the same way
// IndexerClient already is.
type ChainReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HasCode(ctx context.Context, addr common.Address) (bool, error)
	GetUndeliveredRequestIds(ctx context.Context, mech common.Address, limit, offset int64) ([]*big.Int, error)
	PackDeliverToMarketplace(requestID *big.Int, digest []byte) ([]byte, error)
	RevokeRequestTopic() common.Hash
	UnpackRevokeRequest(data []byte) (*big.Int, error)
}

// IPFSPutter is the subset of *ipfs.Node the Prepare step's best-effort
// pre-upload needs.
type IPFSPutter interface {
	Put(ctx context.Context, content []byte) (cid string, digestHex string, err error)
}

// SafeSubmitter is the subset of *chain.SafeRoute the Submit step drives:
// one nonce-debug read and one Safe-routed submission.
type SafeSubmitter interface {
	Submit(ctx context.Context, to common.Address, data []byte) (common.Hash, error)
	DebugNonces(ctx context.Context) (latest, pending uint64, err error)
}

// RouteFactory builds the SafeSubmitter used to deliver through one
// service's Safe. Production wiring closes over a *chain.Client and
// returns a *chain.SafeRoute; tests supply a fake.
type RouteFactory func(safe common.Address, wallet *chain.Wallet) SafeSubmitter

// States spec.md section 4.6 names. Terminal states are Done, Failed, and
// Revoked.
const (
	StateIdle        = "Idle"
	StatePrepared    = "Prepared"
	StatePreflighted = "Preflighted"
	StateSubmitted   = "Submitted"
	StateVerified    = "Verified"
	StateDone        = "Done"
	StateFailed      = "Failed"
	StateRevoked     = "Revoked"
)

// PendingStaleness is how long a PendingDelivery entry survives before
// Preflight discards it unconditionally (spec.md section 3's "180 s").
const PendingStaleness = 180 * time.Second

// undeliveredPageSize and undeliveredOffsetCap bound Tier A's RPC paging
// (spec.md section 4.6.2).
const (
	undeliveredPageSize   = int64(100)
	undeliveredOffsetCap  = int64(20000)
	tierARPCAttempts      = 5
	tierAJitterCap        = 500 * time.Millisecond
	tierBIndexerAttempts  = 3
	submitRetryAttempts   = 5
)

// submitRetryBackoff is the fixed backoff ladder for nonce-contention
// retries (spec.md section 4.6.4).
var submitRetryBackoff = []time.Duration{
	15 * time.Second, 30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second,
}

// Outcome is the terminal result of one delivery attempt.
type Outcome struct {
	State  string
	TxHash common.Hash
	Reason string
}

// IndexerClient is the Tier B fallback spec.md section 4.6.2 describes. The
// indexer itself is out of scope; only this contract is.
type IndexerClient interface {
	IsDelivered(ctx context.Context, requestMech common.Address, requestID *big.Int) (bool, error)
}

// pendingEntry is one PendingDelivery record.
type pendingEntry struct {
	TxHash common.Hash
	At     time.Time
}

// PendingStore is the process-wide requestId→{txHash,timestamp} registry
// spec.md section 3 defines, guarding against duplicate submission across
// retries and restarts. Safe for concurrent use, though the delivery
// pipeline is single-tracked per worker (spec 4.6.6).
type PendingStore struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
	now     func() time.Time
}

// NewPendingStore builds an empty PendingStore.
func NewPendingStore() *PendingStore {
	return &PendingStore{entries: make(map[string]pendingEntry), now: time.Now}
}

func (p *PendingStore) clearStale() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for id, e := range p.entries {
		if now.Sub(e.At) > PendingStaleness {
			delete(p.entries, id)
		}
	}
}

func (p *PendingStore) get(requestID string) (pendingEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[requestID]
	return e, ok
}

func (p *PendingStore) set(requestID string, txHash common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[requestID] = pendingEntry{TxHash: txHash, At: p.now()}
}

func (p *PendingStore) clear(requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, requestID)
}

// Engine is DeliveryEngine. One Engine serves one worker process; the
// active service (and therefore the Safe/mech/wallet triple) is resolved
// fresh on every Deliver call so rotation mid-retry is reflected correctly.
// Its chain/IPFS/Safe-submission dependencies are held as interfaces so
// Deliver() can be exercised against fakes, the same way IndexerClient
// already is.
type Engine struct {
	client   ChainReader
	ipfsNode IPFSPutter
	newRoute RouteFactory
	indexer  IndexerClient
	pending  *PendingStore
	emitter  *events.Emitter
	now      func() time.Time
}

// New builds a production Engine against a real chain client and IPFS
// node. indexer may be nil — Tier B is then skipped and a Tier A failure
// is immediately fatal for the attempt.
func New(client *chain.Client, ipfsNode *ipfs.Node, indexer IndexerClient, pending *PendingStore, emitter *events.Emitter) *Engine {
	return newEngine(client, ipfsNode, indexer, func(safe common.Address, wallet *chain.Wallet) SafeSubmitter {
		return chain.NewSafeRoute(client, safe, wallet)
	}, pending, emitter)
}

// newEngine builds an Engine from already-segregated dependencies. It is
// the constructor tests use to inject fakes for ChainReader, IPFSPutter,
// and RouteFactory.
func newEngine(client ChainReader, ipfsNode IPFSPutter, indexer IndexerClient, newRoute RouteFactory, pending *PendingStore, emitter *events.Emitter) *Engine {
	if pending == nil {
		pending = NewPendingStore()
	}
	if emitter == nil {
		emitter = events.NewEmitter()
	}
	return &Engine{client: client, ipfsNode: ipfsNode, newRoute: newRoute, indexer: indexer, pending: pending, emitter: emitter, now: time.Now}
}

// Deliver runs the full state machine for one request against the
// delivering service (spec.md section 4.6). req.RequestID is the on-chain
// request id in decimal or 0x-hex form.
func (e *Engine) Deliver(ctx context.Context, req intake.Request, result agentrunner.Result, active registry.Service) Outcome {
	requestID, err := parseRequestID(req.RequestID)
	if err != nil {
		return e.fail(req, "", fmt.Sprintf("invalid request id: %v", err))
	}

	digestHex, err := e.prepare(ctx, result)
	if err != nil {
		return e.fail(req, requestID.String(), fmt.Sprintf("prepare: %v", err))
	}
	e.emit(events.TypeDeliveryPrepared, req, "")

	targetMech, outcome, ok := e.preflightAndRoute(ctx, req, requestID, active)
	if !ok {
		return outcome
	}
	e.emit(events.TypeDeliveryPreflighted, req, "")

	defer e.pending.clear(req.RequestID)

	txHash, outcome, ok := e.submit(ctx, req, requestID, digestHex, targetMech, active)
	if !ok {
		return outcome
	}
	e.emit(events.TypeDeliverySubmitted, req, txHash.Hex())

	return e.verify(ctx, req, requestID, targetMech, txHash)
}

// prepare computes the payload digest to submit on-chain and uploads the
// agent result to the worker-local IPFS node, best-effort (spec 4.6.1). The
// digest is derived locally from the payload bytes so it never depends on
// the live upload succeeding; Put is fire-and-forget distribution to
// bitswap peers, and its failure is logged but never fails this attempt.
// This only fails if marshaling the result itself fails.
func (e *Engine) prepare(ctx context.Context, result agentrunner.Result) (string, error) {
	payload, err := marshalPayload(result)
	if err != nil {
		return "", err
	}
	digestHex := ipfs.DigestForContent(payload)
	if e.ipfsNode != nil {
		if _, _, err := e.ipfsNode.Put(ctx, payload); err != nil {
			slog.Warn("delivery: ipfs pre-upload failed, continuing with locally computed digest", "error", err)
		}
	}
	return digestHex, nil
}

// preflightAndRoute implements spec 4.6.2's cleanup + in-flight check plus
// 4.6.3's cross-mech routing decision. Returns the mech address delivery
// should target and false with a terminal Outcome if the attempt should
// stop here.
func (e *Engine) preflightAndRoute(ctx context.Context, req intake.Request, requestID *big.Int, active registry.Service) (common.Address, Outcome, bool) {
	e.pending.clearStale()

	if entry, ok := e.pending.get(req.RequestID); ok {
		receipt, err := e.client.TransactionReceipt(ctx, entry.TxHash)
		if err != nil {
			// Receipt absent: another submission for this request is still
			// in flight. Don't race it.
			return common.Address{}, e.fail(req, requestID.String(), "PENDING_IN_FLIGHT"), false
		}
		e.pending.clear(req.RequestID)
		if receipt.Status == 1 {
			return common.Address{}, Outcome{State: StateDone, TxHash: entry.TxHash}, false
		}
		// Prior attempt's transaction failed on-chain; fall through and retry.
	}

	targetMech := req.Mech
	if req.Mech != active.MechAddress {
		if e.now().Unix() <= req.ResponseTimeout {
			return common.Address{}, e.fail(req, requestID.String(), "CROSS_MECH_PRIORITY_ACTIVE"), false
		}
		targetMech = active.MechAddress
	}

	delivered, err := e.verifyUndelivered(ctx, req, requestID)
	if err != nil {
		return common.Address{}, e.fail(req, requestID.String(), "VERIFY_FAILED"), false
	}
	if delivered {
		return common.Address{}, Outcome{State: StateDone}, false
	}

	hasCode, err := e.client.HasCode(ctx, active.SafeAddress)
	if err != nil || !hasCode {
		return common.Address{}, e.fail(req, requestID.String(), "SAFE_NOT_DEPLOYED"), false
	}

	return targetMech, Outcome{}, true
}

// verifyUndelivered implements spec 4.6.2's two-tier check: it returns
// (true, nil) if the request is confirmed delivered, (false, nil) if
// confirmed still undelivered, and a non-nil error if both tiers were
// exhausted without a confirmed answer.
func (e *Engine) verifyUndelivered(ctx context.Context, req intake.Request, requestID *big.Int) (delivered bool, err error) {
	stillUndelivered, tierErr := e.tierAUndelivered(ctx, req.Mech, requestID)
	if tierErr == nil {
		return !stillUndelivered, nil
	}

	if e.indexer == nil {
		return false, fmt.Errorf("delivery: tier A failed and no indexer configured: %w", tierErr)
	}
	return e.tierBUndelivered(ctx, req.Mech, requestID)
}

func (e *Engine) tierAUndelivered(ctx context.Context, mech common.Address, requestID *big.Int) (stillUndelivered bool, err error) {
	backoff := time.Second
	for attempt := 0; attempt < tierARPCAttempts; attempt++ {
		found, callErr := e.undeliveredContains(ctx, mech, requestID)
		if callErr == nil {
			return found, nil
		}
		err = callErr
		if attempt == tierARPCAttempts-1 {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(tierAJitterCap)))
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
	}
	return false, err
}

func (e *Engine) undeliveredContains(ctx context.Context, mech common.Address, requestID *big.Int) (bool, error) {
	for offset := int64(0); offset <= undeliveredOffsetCap; offset += undeliveredPageSize {
		ids, err := e.client.GetUndeliveredRequestIds(ctx, mech, undeliveredPageSize, offset)
		if err != nil {
			return false, err
		}
		for _, id := range ids {
			if id.Cmp(requestID) == 0 {
				return true, nil
			}
		}
		if int64(len(ids)) < undeliveredPageSize {
			return false, nil
		}
	}
	return false, nil
}

func (e *Engine) tierBUndelivered(ctx context.Context, mech common.Address, requestID *big.Int) (delivered bool, err error) {
	for attempt := 0; attempt < tierBIndexerAttempts; attempt++ {
		delivered, err = e.indexer.IsDelivered(ctx, mech, requestID)
		if err == nil {
			return delivered, nil
		}
		if attempt == tierBIndexerAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Second << uint(attempt)):
		}
	}
	return false, fmt.Errorf("delivery: tier B indexer exhausted: %w", err)
}

// submit implements spec 4.6.4's retry-classified submission loop.
func (e *Engine) submit(ctx context.Context, req intake.Request, requestID *big.Int, digestHex string, targetMech common.Address, active registry.Service) (common.Hash, Outcome, bool) {
	digest, err := hexToBytes32(digestHex)
	if err != nil {
		return common.Hash{}, e.fail(req, requestID.String(), fmt.Sprintf("bad digest: %v", err)), false
	}

	calldata, err := e.client.PackDeliverToMarketplace(requestID, digest)
	if err != nil {
		return common.Hash{}, e.fail(req, requestID.String(), fmt.Sprintf("pack deliverToMarketplace: %v", err)), false
	}

	route := e.newRoute(active.SafeAddress, active.Wallet)

	for attempt := 0; attempt <= submitRetryAttempts; attempt++ {
		if _, _, err := route.DebugNonces(ctx); err != nil {
			slog.Warn("delivery: debug nonce fetch failed", "error", err)
		}

		txHash, submitErr := route.Submit(ctx, targetMech, calldata)
		if submitErr == nil {
			e.pending.set(req.RequestID, txHash)
			return txHash, Outcome{}, true
		}

		switch classifySubmitError(submitErr) {
		case submitRetryable:
			if attempt == submitRetryAttempts {
				return common.Hash{}, e.fail(req, requestID.String(), "submit retries exhausted: "+submitErr.Error()), false
			}
			delivered, verifyErr := e.verifyUndelivered(ctx, req, requestID)
			if verifyErr == nil && delivered {
				return common.Hash{}, Outcome{State: StateDone}, false
			}
			select {
			case <-ctx.Done():
				return common.Hash{}, e.fail(req, requestID.String(), "canceled during submit retry"), false
			case <-time.After(submitRetryBackoff[attempt]):
			}
		case submitTxNotFound:
			delivered, verifyErr := e.verifyUndelivered(ctx, req, requestID)
			if verifyErr == nil && delivered {
				return common.Hash{}, Outcome{State: StateDone}, false
			}
			return common.Hash{}, e.fail(req, requestID.String(), "transaction not found and still undelivered"), false
		case submitInnerRevert:
			slog.Error("delivery: Safe inner call reverted (GS013) — mech/safe authorization mismatch",
				"request_id", req.RequestID, "mech", targetMech, "safe", active.SafeAddress)
			return common.Hash{}, e.fail(req, requestID.String(), "inner call reverted: GS013"), false
		default:
			return common.Hash{}, e.fail(req, requestID.String(), submitErr.Error()), false
		}
	}

	return common.Hash{}, e.fail(req, requestID.String(), "submit retries exhausted"), false
}

// verify implements spec 4.6.5: await the receipt (polling every 2 s for up
// to 240 s), check status, scan for a revoke event.
func (e *Engine) verify(ctx context.Context, req intake.Request, requestID *big.Int, targetMech common.Address, txHash common.Hash) Outcome {
	const receiptPollInterval, receiptWaitTimeout = 2 * time.Second, 240 * time.Second
	receipt, err := e.client.TransactionReceipt(ctx, txHash)
	for waited := time.Duration(0); err != nil && waited < receiptWaitTimeout; waited += receiptPollInterval {
		select {
		case <-ctx.Done():
			return e.fail(req, requestID.String(), "canceled awaiting receipt")
		case <-time.After(receiptPollInterval):
		}
		receipt, err = e.client.TransactionReceipt(ctx, txHash)
	}
	if err != nil {
		return e.fail(req, requestID.String(), fmt.Sprintf("await receipt: %v", err))
	}
	if receipt.Status != 1 {
		return e.fail(req, requestID.String(), "delivery transaction reverted")
	}
	e.emit(events.TypeDeliveryVerified, req, txHash.Hex())

	revokeTopic := e.client.RevokeRequestTopic()
	for _, l := range receipt.Logs {
		if l.Address != targetMech || len(l.Topics) == 0 || l.Topics[0] != revokeTopic {
			continue
		}
		revokedID, err := e.client.UnpackRevokeRequest(l.Data)
		if err != nil || revokedID.Cmp(requestID) != 0 {
			continue
		}
		e.emit(events.TypeDeliveryRevoked, req, txHash.Hex())
		return Outcome{State: StateRevoked, TxHash: txHash}
	}

	e.emit(events.TypeDeliveryDone, req, txHash.Hex())
	return Outcome{State: StateDone, TxHash: txHash}
}

func (e *Engine) fail(req intake.Request, requestID, reason string) Outcome {
	e.emitter.Delivery(events.DeliveryPayload{
		Type:      events.TypeDeliveryFailed,
		RequestID: req.RequestID,
		Mech:      req.Mech.Hex(),
		Reason:    reason,
		Timestamp: e.now(),
	})
	return Outcome{State: StateFailed, Reason: reason}
}

func (e *Engine) emit(eventType string, req intake.Request, txHash string) {
	e.emitter.Delivery(events.DeliveryPayload{
		Type:      eventType,
		RequestID: req.RequestID,
		Mech:      req.Mech.Hex(),
		TxHash:    txHash,
		Timestamp: e.now(),
	})
}

// submitErrorClass classifies a Safe-route submission error per spec 4.6.4's
// policy table.
type submitErrorClass int

const (
	submitFatal submitErrorClass = iota
	submitRetryable
	submitTxNotFound
	submitInnerRevert
)

func classifySubmitError(err error) submitErrorClass {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "replacement transaction underpriced"):
		return submitRetryable
	case strings.Contains(msg, "transaction not found"):
		return submitTxNotFound
	case strings.Contains(msg, "gs013"):
		return submitInnerRevert
	default:
		return submitFatal
	}
}

func parseRequestID(s string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"), 16)
	if ok && strings.HasPrefix(strings.ToLower(s), "0x") {
		return id, nil
	}
	id, ok = new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a valid decimal or 0x-hex integer: %q", s)
	}
	return id, nil
}

func hexToBytes32(digestHex string) ([]byte, error) {
	h := strings.TrimPrefix(strings.TrimPrefix(digestHex, "0x"), "0X")
	b := common.Hex2Bytes(h)
	if len(b) != 32 {
		return nil, fmt.Errorf("digest must decode to 32 bytes, got %d", len(b))
	}
	return b, nil
}

// marshalPayload builds the DeliveryPayload spec.md section 4.6.1 describes
// from the agent's result, ready for IPFS upload.
func marshalPayload(result agentrunner.Result) ([]byte, error) {
	return json.Marshal(result)
}
