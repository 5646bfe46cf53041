package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// SafeRoute builds and submits the two-layer Safe-routed transaction spec.md
// section 4.6.4 describes: an inner call packed into execTransaction,
// signed by the Safe's sole owner in eth_sign format, wrapped in an outer
// EOA transaction that the same owner signs and pays gas for. Both
// DeliveryEngine's Submit step and the signing proxy's /dispatch endpoint
// route their on-chain writes through this helper (spec.md section 4.6.4,
// section 4.4's dispatch notes).
type SafeRoute struct {
	client *Client
	safe   common.Address
	wallet *Wallet
}

// NewSafeRoute builds a SafeRoute for the given Safe multisig and owner
// wallet.
func NewSafeRoute(client *Client, safe common.Address, wallet *Wallet) *SafeRoute {
	return &SafeRoute{client: client, safe: safe, wallet: wallet}
}

// Submit wraps an inner call to `to` with `data` in a Safe execTransaction,
// signs it with the owner EOA in both the Safe eth_sign format and the
// outer chain-transaction format, and submits it. Returns the outer
// transaction hash.
func (s *SafeRoute) Submit(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	nonce, err := s.client.SafeNonce(ctx, s.safe)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: safe nonce: %w", err)
	}

	params := SafeTxParams{To: to, Data: data, Operation: 0, Nonce: nonce}

	safeTxHash, err := s.client.GetSafeTransactionHash(ctx, s.safe, params)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: get safe transaction hash: %w", err)
	}

	ownerSig, err := s.wallet.SignSafeEthSign(safeTxHash)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign safe tx hash: %w", err)
	}

	calldata, err := s.client.PackExecTransaction(params, ownerSig)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack execTransaction: %w", err)
	}

	return s.submitOuter(ctx, calldata)
}

func (s *SafeRoute) submitOuter(ctx context.Context, calldata []byte) (common.Hash, error) {
	owner := s.wallet.Address()

	outerNonce, err := s.client.NonceAt(ctx, owner, true)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: outer nonce: %w", err)
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: suggest gas price: %w", err)
	}

	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From: owner,
		To:   &s.safe,
		Data: calldata,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    outerNonce,
		To:       &s.safe,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})

	signedTx, err := s.wallet.SignTransaction(tx, s.client.ChainID())
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign outer transaction: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("chain: send transaction: %w", err)
	}

	return signedTx.Hash(), nil
}

// DebugNonces returns the (latest, pending) nonce pair for the owner EOA —
// the pre-submit debug snapshot spec.md section 4.6.4 requires before each
// delivery attempt.
func (s *SafeRoute) DebugNonces(ctx context.Context) (latest, pending uint64, err error) {
	latest, err = s.client.NonceAt(ctx, s.wallet.Address(), false)
	if err != nil {
		return 0, 0, err
	}
	pending, err = s.client.NonceAt(ctx, s.wallet.Address(), true)
	if err != nil {
		return 0, 0, err
	}
	return latest, pending, nil
}
