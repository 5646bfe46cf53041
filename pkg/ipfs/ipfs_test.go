package ipfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBase58RoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0},
		{0, 0, 0},
		[]byte("Hello World!"),
		{0x12, 0x20, 0x01, 0x02, 0x03, 0xff},
	}
	for _, c := range cases {
		encoded := base58Encode(c)
		decoded, err := base58Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, c, decoded)
	}
}

func TestBase58DecodeRejectsInvalidCharacter(t *testing.T) {
	_, err := base58Decode("0OIl")
	assert.Error(t, err)
}

func TestCIDToDigestHexKnownVector(t *testing.T) {
	// A CIDv0 is base58btc(0x12 0x20 || sha256(content)). Build one from a
	// known 32-byte digest rather than relying on an external fixture.
	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = byte(i)
	}
	multihash := append([]byte{0x12, 0x20}, digest...)
	cid := base58Encode(multihash)

	got, err := CIDToDigestHex(cid)
	require.NoError(t, err)
	assert.Equal(t, "0x000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f", got)
}

func TestCIDToDigestHexRejectsWrongLength(t *testing.T) {
	_, err := CIDToDigestHex(base58Encode([]byte{0x12, 0x20, 0x01}))
	assert.Error(t, err)
}

func TestDigestHexToCIDRoundTrip(t *testing.T) {
	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = byte(255 - i)
	}
	multihash := append([]byte{0x12, 0x20}, digest...)
	cid := base58Encode(multihash)

	digestHex, err := CIDToDigestHex(cid)
	require.NoError(t, err)

	roundTripCID, err := DigestHexToCID(digestHex)
	require.NoError(t, err)
	assert.Equal(t, cid, roundTripCID)
}

func TestDigestHexToCIDRejectsBadLength(t *testing.T) {
	_, err := DigestHexToCID("0xabcd")
	assert.Error(t, err)
}
