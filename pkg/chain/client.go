package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Generic RPC timeout from spec.md section 5's suspension-point table.
const DefaultRPCTimeout = 30 * time.Second

// NonceBlockTimeout bounds a nonce-fetch-and-submit critical section.
const NonceBlockTimeout = 60 * time.Second

// Client wraps an ethclient.Client with the ABI set the worker needs and
// enforces a timeout on every call so no suspension point in the poll loop
// can block indefinitely (spec.md section 5).
type Client struct {
	eth     *ethclient.Client
	abis    ABIs
	chainID *big.Int
}

// Dial connects to rpcURL and records chainID for transaction signing.
func Dial(ctx context.Context, rpcURL string, chainID int64) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	return &Client{
		eth:     ec,
		abis:    MustParseABIs(),
		chainID: big.NewInt(chainID),
	}, nil
}

// ChainID returns the configured chain ID.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Raw exposes the underlying ethclient.Client for callers that need a view
// not wrapped here (e.g. log filtering in pkg/delivery).
func (c *Client) Raw() *ethclient.Client { return c.eth }

// call performs a read-only contract call against the given ABI/method,
// bounded by DefaultRPCTimeout if the caller's context carries no earlier
// deadline.
func (c *Client) call(ctx context.Context, contractABI abi.ABI, to common.Address, method string, out interface{}, args ...interface{}) error {
	ctx, cancel := boundedContext(ctx, DefaultRPCTimeout)
	defer cancel()

	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("chain: pack %s: %w", method, err)
	}

	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("chain: call %s: %w", method, err)
	}

	if out == nil {
		return nil
	}
	return contractABI.UnpackIntoInterface(out, method, result)
}

// HasCode reports whether addr has contract bytecode deployed (spec.md
// section 4.6.3's SAFE_NOT_DEPLOYED check).
func (c *Client) HasCode(ctx context.Context, addr common.Address) (bool, error) {
	ctx, cancel := boundedContext(ctx, DefaultRPCTimeout)
	defer cancel()
	code, err := c.eth.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, fmt.Errorf("chain: get code %s: %w", addr, err)
	}
	return len(code) > 0, nil
}

// NonceAt returns the account nonce at the given block tag ("latest" or
// "pending"), used for the pre-submit debug snapshot spec.md section 4.6.4
// requires.
func (c *Client) NonceAt(ctx context.Context, addr common.Address, pending bool) (uint64, error) {
	ctx, cancel := boundedContext(ctx, DefaultRPCTimeout)
	defer cancel()
	if pending {
		return c.eth.PendingNonceAt(ctx, addr)
	}
	return c.eth.NonceAt(ctx, addr, nil)
}

// SuggestGasPrice delegates to the RPC's gas price oracle.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := boundedContext(ctx, DefaultRPCTimeout)
	defer cancel()
	return c.eth.SuggestGasPrice(ctx)
}

// EstimateGas estimates gas for a call, used before submitting execTransaction.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	ctx, cancel := boundedContext(ctx, DefaultRPCTimeout)
	defer cancel()
	return c.eth.EstimateGas(ctx, msg)
}

// SendTransaction submits a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := boundedContext(ctx, NonceBlockTimeout)
	defer cancel()
	return c.eth.SendTransaction(ctx, tx)
}

// TransactionReceipt fetches a receipt, returning (nil, ethereum.NotFound)
// when the transaction is unknown to this node — callers treat that as
// spec.md section 4.6.4's "Transaction not found" case.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := boundedContext(ctx, DefaultRPCTimeout)
	defer cancel()
	return c.eth.TransactionReceipt(ctx, txHash)
}

func boundedContext(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
