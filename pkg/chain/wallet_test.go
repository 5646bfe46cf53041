package chain

import (
	"encoding/hex"
	"path/filepath"
	"testing"

	gethkeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAgentKeyHex(t *testing.T) {
	priv, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	hexKey := hex.EncodeToString(gethcrypto.FromECDSA(priv))

	w, err := LoadAgentKeyHex(hexKey)
	require.NoError(t, err)
	assert.Equal(t, gethcrypto.PubkeyToAddress(priv.PublicKey), w.Address())
}

func TestLoadAgentKeyHexRejectsGarbage(t *testing.T) {
	_, err := LoadAgentKeyHex("not-a-hex-key")
	assert.Error(t, err)
}

func TestLoadAgentKeystore(t *testing.T) {
	priv, err := gethcrypto.GenerateKey()
	require.NoError(t, err)

	dir := t.TempDir()
	ks := gethkeystore.NewKeyStore(dir, gethkeystore.LightScryptN, gethkeystore.LightScryptP)
	account, err := ks.ImportECDSA(priv, "hunter2")
	require.NoError(t, err)

	w, err := LoadAgentKeystore(account.URL.Path, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, account.Address, w.Address())
}

func TestLoadAgentKeystoreWrongPassword(t *testing.T) {
	priv, err := gethcrypto.GenerateKey()
	require.NoError(t, err)

	dir := t.TempDir()
	ks := gethkeystore.NewKeyStore(dir, gethkeystore.LightScryptN, gethkeystore.LightScryptP)
	account, err := ks.ImportECDSA(priv, "hunter2")
	require.NoError(t, err)

	_, err = LoadAgentKeystore(account.URL.Path, "wrong-password")
	assert.Error(t, err)
}

func TestLoadAgentKeystoreMissingFile(t *testing.T) {
	_, err := LoadAgentKeystore(filepath.Join(t.TempDir(), "missing.json"), "anything")
	assert.Error(t, err)
}

func TestWalletCloseThenSignFails(t *testing.T) {
	w := testWallet(t)
	w.Close()

	_, err := w.SignPersonal([]byte("anything"))
	assert.Error(t, err)
}

func TestWalletCloseIsIdempotent(t *testing.T) {
	w := testWallet(t)
	w.Close()
	assert.NotPanics(t, func() { w.Close() })
}
