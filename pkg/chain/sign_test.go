package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWallet(t *testing.T) *Wallet {
	t.Helper()
	priv, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	return &Wallet{priv: priv, addr: gethcrypto.PubkeyToAddress(priv.PublicKey)}
}

// TestSignPersonalRoundTrip exercises spec.md section 8 property 7: sign ∘
// recover(address) always recovers to the signer's own address.
func TestSignPersonalRoundTrip(t *testing.T) {
	w := testWallet(t)
	message := []byte("mechworker dispatch request #42")

	sig, err := w.SignPersonal(message)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.GreaterOrEqual(t, sig[64], byte(27))

	recovered, err := RecoverPersonal(message, sig)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), recovered)
}

func TestSignRawIsPersonalSign(t *testing.T) {
	w := testWallet(t)
	message := []byte{0xde, 0xad, 0xbe, 0xef}

	sig1, err := w.SignRaw(message)
	require.NoError(t, err)
	sig2, err := w.SignPersonal(message)
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2)
}

func TestSignTypedData(t *testing.T) {
	w := testWallet(t)
	td := TypedData{
		Types: map[string][]TypedDataField{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Mail": {
				{Name: "contents", Type: "string"},
			},
		},
		PrimaryType: "Mail",
		Domain: map[string]interface{}{
			"name":    "mechworker",
			"chainId": "8453",
		},
		Message: map[string]interface{}{
			"contents": "deliver request 0x01",
		},
	}

	sig, err := w.SignTypedData(td)
	require.NoError(t, err)
	assert.Len(t, sig, 65)
}

// TestSignTypedDataDeterministic guards encodeType/hashStruct against
// accidental nondeterminism (e.g. unsorted map iteration leaking into the
// digest) by hashing the same payload twice.
func TestSignTypedDataDeterministic(t *testing.T) {
	td := TypedData{
		Types: map[string][]TypedDataField{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Delivery": {
				{Name: "requestId", Type: "uint256"},
				{Name: "digest", Type: "bytes32"},
			},
		},
		PrimaryType: "Delivery",
		Domain: map[string]interface{}{
			"name":              "mechworker",
			"chainId":           "8453",
			"verifyingContract": "0x0000000000000000000000000000000000000001",
		},
		Message: map[string]interface{}{
			"requestId": "42",
			"digest":    "0x" + common.Bytes2Hex(common.LeftPadBytes([]byte{1, 2, 3}, 32)),
		},
	}

	h1, err := td.Hash()
	require.NoError(t, err)
	h2, err := td.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, [32]byte{}, h1)
}

func TestSignSafeEthSignBumpsV(t *testing.T) {
	w := testWallet(t)
	txHash := common.BigToHash(big.NewInt(12345))

	plain, err := w.SignPersonal(txHash.Bytes())
	require.NoError(t, err)
	safeSig, err := w.SignSafeEthSign(txHash)
	require.NoError(t, err)

	require.Len(t, safeSig, 65)
	assert.Equal(t, plain[64]+4, safeSig[64], "Safe eth_sign format bumps V by 4 over the plain personal-sign V")
	assert.Equal(t, plain[:64], safeSig[:64], "r,s must be identical — only V differs")
}

func TestRecoverPersonalRejectsBadSignatureLength(t *testing.T) {
	_, err := RecoverPersonal([]byte("hi"), []byte{1, 2, 3})
	assert.Error(t, err)
}
