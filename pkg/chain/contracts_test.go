package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	return &Client{abis: MustParseABIs(), chainID: big.NewInt(1)}
}

func TestPackDeliverToMarketplace(t *testing.T) {
	c := testClient(t)
	digest := common.LeftPadBytes([]byte{0xab, 0xcd}, 32)

	data, err := c.PackDeliverToMarketplace(big.NewInt(7), digest)
	require.NoError(t, err)
	require.True(t, len(data) >= 4, "packed calldata must include a 4-byte selector")

	method, exists := c.abis.AgentMech.Methods["deliverToMarketplace"]
	require.True(t, exists)
	assert.Equal(t, method.ID, data[:4])

	unpacked, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, unpacked, 2)
	assert.Equal(t, big.NewInt(7), unpacked[0])
	assert.Equal(t, digest, unpacked[1])
}

func TestPackExecTransaction(t *testing.T) {
	c := testClient(t)
	p := SafeTxParams{
		To:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Value:     big.NewInt(0),
		Data:      []byte{0xde, 0xad},
		Operation: 0,
		Nonce:     big.NewInt(3),
	}
	sig := make([]byte, 65)

	data, err := c.PackExecTransaction(p, sig)
	require.NoError(t, err)

	method, exists := c.abis.GnosisSafe.Methods["execTransaction"]
	require.True(t, exists)
	assert.Equal(t, method.ID, data[:4])

	unpacked, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, unpacked, 10)
	assert.Equal(t, p.To, unpacked[0])
	assert.Equal(t, p.Data, unpacked[2])
}

func TestPackExecTransactionDefaultsNilAmountsToZero(t *testing.T) {
	c := testClient(t)
	p := SafeTxParams{To: common.HexToAddress("0x2222222222222222222222222222222222222222")}

	data, err := c.PackExecTransaction(p, make([]byte, 65))
	require.NoError(t, err)

	method := c.abis.GnosisSafe.Methods["execTransaction"]
	unpacked, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), unpacked[1]) // value
	assert.Equal(t, big.NewInt(0), unpacked[4]) // safeTxGas
}

func TestRevokeRequestTopicAndUnpack(t *testing.T) {
	c := testClient(t)
	topic := c.RevokeRequestTopic()
	assert.NotEqual(t, common.Hash{}, topic)

	event := c.abis.AgentMech.Events["RevokeRequest"]
	packed, err := event.Inputs.Pack(big.NewInt(99))
	require.NoError(t, err)

	id, err := c.UnpackRevokeRequest(packed)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(99), id)
}

func TestZeroDefaultsNilBigInt(t *testing.T) {
	assert.Equal(t, big.NewInt(0), zero(nil))
	assert.Equal(t, big.NewInt(5), zero(big.NewInt(5)))
}

func TestPackMarketplaceRequest(t *testing.T) {
	c := testClient(t)
	in := MarketplaceRequestInput{
		Data:            []byte("blueprint"),
		MaxDeliveryRate: big.NewInt(100),
		PriorityMech:    common.HexToAddress("0x3333333333333333333333333333333333333333"),
		ResponseTimeout: big.NewInt(600),
	}

	data, err := c.PackMarketplaceRequest(in)
	require.NoError(t, err)

	method := c.abis.MechMarketplace.Methods["request"]
	require.Equal(t, method.ID, data[:4])

	unpacked, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, in.Data, unpacked[0])
	assert.Equal(t, in.PriorityMech, unpacked[3])
}

func TestMarketplaceRequestTopicAndUnpack(t *testing.T) {
	c := testClient(t)
	topic := c.MarketplaceRequestTopic()
	assert.NotEqual(t, common.Hash{}, topic)

	reqID := common.HexToHash("0xabc")
	topics := []common.Hash{topic, reqID, common.HexToHash("0xdef")}

	got, err := c.UnpackMarketplaceRequestID(topics)
	require.NoError(t, err)
	assert.Equal(t, reqID, got)

	_, err = c.UnpackMarketplaceRequestID([]common.Hash{topic})
	assert.Error(t, err)
}
