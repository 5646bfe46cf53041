package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// personalSignDigest returns the EIP-191 "personal_sign" digest of message.
func personalSignDigest(message []byte) common.Hash {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return gethcrypto.Keccak256Hash([]byte(prefix), message)
}

// SignPersonal signs a UTF-8 message per EIP-191, as the signing proxy's
// POST /sign endpoint requires (spec.md section 4.4). Returns a 65-byte
// signature with V in {27,28}.
func (w *Wallet) SignPersonal(message []byte) ([]byte, error) {
	digest := personalSignDigest(message)
	return w.signRecoverable(digest.Bytes())
}

// SignRaw signs raw bytes of any length for POST /sign-raw (spec.md section
// 4.4): the bytes are run through the same personal-sign prefixing as
// SignPersonal; they are not treated as a pre-hashed digest.
func (w *Wallet) SignRaw(message []byte) ([]byte, error) {
	return w.SignPersonal(message)
}

// SignTypedData signs EIP-712 structured data per POST /sign-typed-data
// (spec.md section 4.4).
func (w *Wallet) SignTypedData(td TypedData) ([]byte, error) {
	digest, err := td.Hash()
	if err != nil {
		return nil, fmt.Errorf("chain: hash typed data: %w", err)
	}
	return w.signRecoverable(digest[:])
}

// signRecoverable signs digest and normalizes V to {27,28}.
func (w *Wallet) signRecoverable(digest []byte) ([]byte, error) {
	sig, err := w.signDigest(digest)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// SignSafeEthSign signs a Safe transaction hash using the "eth_sign" format
// Gnosis Safe expects from an EOA owner: a personal-sign-style signature
// whose V byte is bumped by 4 so the Safe's signature-splitting logic
// recognizes it as an eth_sign signature rather than an EIP-712 one
// (spec.md section 4.6.4).
func (w *Wallet) SignSafeEthSign(safeTxHash common.Hash) ([]byte, error) {
	digest := personalSignDigest(safeTxHash.Bytes())
	sig, err := w.signRecoverable(digest.Bytes())
	if err != nil {
		return nil, err
	}
	sig[64] += 4
	return sig, nil
}

// RecoverPersonal recovers the signer address of a personal-sign signature,
// used both by the signing proxy's own tests and by anything validating the
// sign/recover round trip spec.md section 8 requires (property 7).
func RecoverPersonal(message, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("chain: signature must be 65 bytes, got %d", len(sig))
	}
	digest := personalSignDigest(message)
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := gethcrypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: recover: %w", err)
	}
	return gethcrypto.PubkeyToAddress(*pub), nil
}
