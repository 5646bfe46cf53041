// Package signingproxy implements spec.md section 4.4's SigningProxy: a
// loopback-only HTTP server that is the sole holder of the active
// service's private key, exposing sign / typed-data / dispatch / IPFS
// primitives to the untrusted agent subprocess over a bearer-token-gated
// JSON API. Follows the usual gin router construction (a single auth
// middleware, one JSON envelope for every response) generalized from
// session/alert handlers to this worker's seven-endpoint surface.
package signingproxy

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/ridgeline-labs/mechworker/pkg/chain"
	"github.com/ridgeline-labs/mechworker/pkg/ipfs"
	"github.com/ridgeline-labs/mechworker/pkg/registry"
	"github.com/ridgeline-labs/mechworker/pkg/rotation"
)

// Envelope is every signing-proxy response's shape (spec.md section 7/9:
// "never free-form exceptions across the signing-proxy boundary").
type Envelope struct {
	Data interface{} `json:"data,omitempty"`
	Meta Meta        `json:"meta"`
}

// Meta carries the ok/code/message triple spec.md section 7 requires.
type Meta struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Error codes returned in Meta.Code.
const (
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeValidation     = "VALIDATION_ERROR"
	CodeNoActiveSvc    = "NO_ACTIVE_SERVICE"
	CodeUpstream       = "UPSTREAM_ERROR"
	CodeNotFound       = "NOT_FOUND"
	CodeInternal       = "INTERNAL_ERROR"
	CodeDispatchFailed = "DISPATCH_FAILED"
)

// Server is the signing proxy's HTTP server.
type Server struct {
	active      *rotation.ActiveService
	client      *chain.Client
	ipfsNode    *ipfs.Node
	ipfsGateway *ipfs.Gateway
	token       string

	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener

	dispatchMu sync.Mutex // serializes dispatch submissions by Safe nonce (spec 4.4/5)
}

// New builds a Server. token is the random bearer token injected into the
// agent subprocess's environment alongside the proxy URL (spec 4.4).
// ipfsGateway may be nil to disable the public-gateway mirror.
func New(active *rotation.ActiveService, client *chain.Client, ipfsNode *ipfs.Node, ipfsGateway *ipfs.Gateway, token string) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		active:      active,
		client:      client,
		ipfsNode:    ipfsNode,
		ipfsGateway: ipfsGateway,
		token:       token,
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

// Engine exposes the underlying router for tests (httptest.NewServer).
func (s *Server) Engine() http.Handler { return s.engine }

func (s *Server) setupRoutes() {
	authorized := s.engine.Group("/", s.authMiddleware)
	authorized.GET("/address", s.handleAddress)
	authorized.POST("/sign", s.handleSign)
	authorized.POST("/sign-raw", s.handleSignRaw)
	authorized.POST("/sign-typed-data", s.handleSignTypedData)
	authorized.POST("/dispatch", s.handleDispatch)
	authorized.POST("/ipfs-put", s.handleIPFSPut)
	authorized.POST("/ipfs-get", s.handleIPFSGet)
}

// Listen binds to 127.0.0.1 on an ephemeral port (or the given host:port)
// and returns the bound address without blocking — callers Serve()
// separately so the proxy URL is known before the agent subprocess starts.
func (s *Server) Listen(host string) (string, error) {
	if host == "" {
		host = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", host)
	if err != nil {
		return "", fmt.Errorf("signingproxy: listen %s: %w", host, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.engine}
	return ln.Addr().String(), nil
}

// Serve blocks serving requests on the listener from Listen. Returns
// http.ErrServerClosed on clean shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		return fmt.Errorf("signingproxy: Listen must be called before Serve")
	}
	return s.httpServer.Serve(s.listener)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) authMiddleware(c *gin.Context) {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		fail(c, http.StatusUnauthorized, CodeUnauthorized, "missing or malformed Authorization header")
		c.Abort()
		return
	}
	supplied := header[len(prefix):]
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.token)) != 1 {
		fail(c, http.StatusUnauthorized, CodeUnauthorized, "invalid bearer token")
		c.Abort()
		return
	}
	c.Next()
}

func (s *Server) activeService(c *gin.Context) (registry.Service, bool) {
	svc, ok := s.active.Get()
	if !ok {
		fail(c, http.StatusInternalServerError, CodeNoActiveSvc, "no active service selected")
	}
	return svc, ok
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Envelope{Data: data, Meta: Meta{OK: true}})
}

func fail(c *gin.Context, httpStatus int, code, message string) {
	c.JSON(httpStatus, Envelope{Meta: Meta{OK: false, Code: code, Message: message}})
}

// lowerAddress returns a service's address as lower-cased hex, per spec.md
// section 4.4's "Lower-cased hex" contract for /address and the address
// field every signing endpoint echoes back.
func lowerAddress(svc registry.Service) string {
	return strings.ToLower(svc.Wallet.Address().Hex())
}

// --- /address ---

func (s *Server) handleAddress(c *gin.Context) {
	svc, okActive := s.activeService(c)
	if !okActive {
		return
	}
	ok(c, gin.H{"address": lowerAddress(svc)})
}

// --- /sign ---

type signRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSign(c *gin.Context) {
	var req signRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	svc, okActive := s.activeService(c)
	if !okActive {
		return
	}
	sig, err := svc.Wallet.SignPersonal([]byte(req.Message))
	if err != nil {
		fail(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	ok(c, gin.H{"signature": "0x" + hex.EncodeToString(sig), "address": lowerAddress(svc)})
}

// --- /sign-raw ---

type signRawRequest struct {
	Message string `json:"message"` // 0x-hex
}

func (s *Server) handleSignRaw(c *gin.Context) {
	var req signRawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	raw, err := hex.DecodeString(trimHex(req.Message))
	if err != nil {
		fail(c, http.StatusBadRequest, CodeValidation, "message must be 0x-hex: "+err.Error())
		return
	}
	svc, okActive := s.activeService(c)
	if !okActive {
		return
	}
	sig, err := svc.Wallet.SignRaw(raw)
	if err != nil {
		fail(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	ok(c, gin.H{"signature": "0x" + hex.EncodeToString(sig), "address": lowerAddress(svc)})
}

// --- /sign-typed-data ---

func (s *Server) handleSignTypedData(c *gin.Context) {
	var td chain.TypedData
	if err := c.ShouldBindJSON(&td); err != nil {
		fail(c, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	svc, okActive := s.activeService(c)
	if !okActive {
		return
	}
	sig, err := svc.Wallet.SignTypedData(td)
	if err != nil {
		fail(c, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	ok(c, gin.H{"signature": "0x" + hex.EncodeToString(sig), "address": lowerAddress(svc)})
}

// --- /dispatch ---

type dispatchRequest struct {
	Prompts          []string          `json:"prompts"`
	Tools            []string          `json:"tools"`
	IPFSJSONContents []json.RawMessage `json:"ipfsJsonContents"`
	PostOnly         bool              `json:"postOnly"`
	ResponseTimeout  int64             `json:"responseTimeout"`
}

// handleDispatch uploads each content item to IPFS, then posts one
// MechMarketplace.request per item through the service Safe, serialized by
// Safe nonce (spec.md section 4.4, section 5).
func (s *Server) handleDispatch(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	if len(req.IPFSJSONContents) == 0 {
		fail(c, http.StatusBadRequest, CodeValidation, "ipfsJsonContents must not be empty")
		return
	}

	svc, okActive := s.activeService(c)
	if !okActive {
		return
	}

	if req.PostOnly {
		ok(c, gin.H{"request_ids": []string{}})
		return
	}

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	route := chain.NewSafeRoute(s.client, svc.SafeAddress, svc.Wallet)
	ctx := c.Request.Context()

	requestIDs := make([]string, 0, len(req.IPFSJSONContents))
	for _, content := range req.IPFSJSONContents {
		_, digestHex, err := s.ipfsNode.Put(ctx, content)
		if err != nil {
			fail(c, http.StatusBadGateway, CodeUpstream, "ipfs put: "+err.Error())
			return
		}
		if s.ipfsGateway != nil {
			_ = s.ipfsGateway.Put(ctx, content) // best-effort mirror, spec 3
		}

		digest, err := hex.DecodeString(trimHex(digestHex))
		if err != nil {
			fail(c, http.StatusInternalServerError, CodeInternal, err.Error())
			return
		}

		calldata, err := s.client.PackMarketplaceRequest(chain.MarketplaceRequestInput{
			Data:            digest,
			PriorityMech:    svc.MechAddress,
			ResponseTimeout: big.NewInt(req.ResponseTimeout),
		})
		if err != nil {
			fail(c, http.StatusInternalServerError, CodeInternal, err.Error())
			return
		}

		txHash, err := route.Submit(ctx, svc.MechAddress, calldata)
		if err != nil {
			fail(c, http.StatusBadGateway, CodeDispatchFailed, err.Error())
			return
		}

		requestID, err := s.awaitMarketplaceRequestID(ctx, txHash)
		if err != nil {
			slog.Warn("dispatch: could not recover request id from receipt", "tx_hash", txHash, "error", err)
			requestID = txHash.Hex() // fall back to a stable handle the caller can still reference
		}
		requestIDs = append(requestIDs, requestID)
	}

	ok(c, gin.H{"request_ids": requestIDs})
}

func (s *Server) awaitMarketplaceRequestID(ctx context.Context, txHash common.Hash) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	receipt, err := s.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return "", err
	}
	topic := s.client.MarketplaceRequestTopic()
	for _, l := range receipt.Logs {
		if len(l.Topics) > 0 && l.Topics[0] == topic {
			id, err := s.client.UnpackMarketplaceRequestID(l.Topics)
			if err != nil {
				continue
			}
			return id.Hex(), nil
		}
	}
	return "", fmt.Errorf("signingproxy: no MarketplaceRequest log in receipt")
}

// --- /ipfs-put, /ipfs-get ---

func (s *Server) handleIPFSPut(c *gin.Context) {
	var body json.RawMessage
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	cid, digestHex, err := s.ipfsNode.Put(c.Request.Context(), body)
	if err != nil {
		fail(c, http.StatusBadGateway, CodeUpstream, err.Error())
		return
	}
	ok(c, gin.H{"cid": cid, "digestHex": digestHex})
}

type ipfsGetRequest struct {
	DigestHex string `json:"digestHex"`
}

func (s *Server) handleIPFSGet(c *gin.Context) {
	var req ipfsGetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	cid, err := ipfs.DigestHexToCID(req.DigestHex)
	if err != nil {
		fail(c, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	content, err := s.ipfsNode.Get(c.Request.Context(), cid)
	if err != nil {
		if err == ipfs.ErrNotFound {
			fail(c, http.StatusNotFound, CodeNotFound, "content not found")
			return
		}
		fail(c, http.StatusBadGateway, CodeUpstream, err.Error())
		return
	}

	var parsed interface{}
	if err := json.Unmarshal(content, &parsed); err != nil {
		ok(c, gin.H{"content": string(content)})
		return
	}
	ok(c, gin.H{"content": parsed})
}

func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
