package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"sync"

	gethkeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Wallet holds a single secp256k1 key for one service's agent EOA. It is
// the only place in the process that ever touches the raw private key.
// Outside this package it signs for the signing proxy (pkg/signingproxy),
// the delivery engine's Safe route, and the request signatures of the
// credential bridge and marketplace clients.
// Grounded on slowdrip-network-slowdrip-miner's internal/wallet/keystore.go.
type Wallet struct {
	mu   sync.RWMutex
	priv *ecdsa.PrivateKey
	addr common.Address
}

// LoadAgentKeystore decrypts a V3 Web3 keystore JSON file with password —
// this is the keystore decryption spec.md section 6 lists as a process
// input (OPERATE_PASSWORD) and section 1 otherwise scopes out (authoring
// and distributing the keystore is external tooling; decrypting it at
// startup so the worker can operate is in scope).
func LoadAgentKeystore(path, password string) (*Wallet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chain: read keystore %s: %w", path, err)
	}
	key, err := gethkeystore.DecryptKey(data, password)
	if err != nil {
		return nil, fmt.Errorf("chain: decrypt keystore %s: %w", path, err)
	}
	return &Wallet{priv: key.PrivateKey, addr: key.Address}, nil
}

// LoadAgentKeyHex constructs a wallet from a raw 32-byte hex private key —
// used in tests and for non-keystore deployments.
func LoadAgentKeyHex(hexKey string) (*Wallet, error) {
	priv, err := gethcrypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("chain: parse private key: %w", err)
	}
	return &Wallet{priv: priv, addr: gethcrypto.PubkeyToAddress(priv.PublicKey)}, nil
}

// Address returns the wallet's EVM address.
func (w *Wallet) Address() common.Address {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.addr
}

// Close best-effort wipes the private key from memory.
func (w *Wallet) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.priv != nil {
		w.priv.D.SetInt64(0)
	}
	w.priv = nil
}

// signDigest signs a 32-byte digest and returns [R || S || V] with V in {0,1}.
func (w *Wallet) signDigest(digest []byte) ([]byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.priv == nil {
		return nil, fmt.Errorf("chain: wallet closed")
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("chain: digest must be 32 bytes, got %d", len(digest))
	}
	return gethcrypto.Sign(digest, w.priv)
}

// SignTransaction signs an outer chain transaction (the one the agent EOA
// sends to the Safe calling execTransaction) with EIP-155 replay
// protection for the given chain ID.
func (w *Wallet) SignTransaction(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.priv == nil {
		return nil, fmt.Errorf("chain: wallet closed")
	}
	signer := types.LatestSignerForChainID(chainID)
	return types.SignTx(tx, signer, w.priv)
}
