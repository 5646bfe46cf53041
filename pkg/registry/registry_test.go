package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	gethkeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeline-labs/mechworker/pkg/config"
)

const testPassword = "hunter2"

func writeKeystore(t *testing.T, dir string) (path string, address string) {
	t.Helper()
	priv, err := gethcrypto.GenerateKey()
	require.NoError(t, err)

	ks := gethkeystore.NewKeyStore(dir, gethkeystore.LightScryptN, gethkeystore.LightScryptP)
	account, err := ks.ImportECDSA(priv, testPassword)
	require.NoError(t, err)
	return account.URL.Path, account.Address.Hex()
}

func writeProfile(t *testing.T, dir, name string, p config.ServiceProfile) {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
}

func TestLoadExcludesMissingSafeAddress(t *testing.T) {
	dir := t.TempDir()
	keystorePath, _ := writeKeystore(t, dir)

	writeProfile(t, dir, "svc-a.json", config.ServiceProfile{
		ServiceConfigID:   "svc-a",
		ServiceID:         1,
		AgentKeystorePath: keystorePath,
	})

	reg, err := Load(dir, testPassword)
	require.NoError(t, err)
	assert.Empty(t, reg.Services())
}

func TestLoadExcludesServiceIDNegativeOne(t *testing.T) {
	dir := t.TempDir()
	keystorePath, _ := writeKeystore(t, dir)

	writeProfile(t, dir, "svc-a.json", config.ServiceProfile{
		ServiceConfigID:   "svc-a",
		ServiceID:         -1,
		SafeAddress:       "0x0000000000000000000000000000000000000001",
		AgentKeystorePath: keystorePath,
	})

	reg, err := Load(dir, testPassword)
	require.NoError(t, err)
	assert.Empty(t, reg.Services())
}

func TestLoadIncludesValidService(t *testing.T) {
	dir := t.TempDir()
	keystorePath, addr := writeKeystore(t, dir)

	writeProfile(t, dir, "svc-a.json", config.ServiceProfile{
		ServiceConfigID:   "svc-a",
		ServiceID:         42,
		MechAddress:       "0x0000000000000000000000000000000000000002",
		SafeAddress:       "0x0000000000000000000000000000000000000001",
		AgentAddress:      addr,
		AgentKeystorePath: keystorePath,
		StakingContract:   "0x0000000000000000000000000000000000000003",
	})

	reg, err := Load(dir, testPassword)
	require.NoError(t, err)
	require.Len(t, reg.Services(), 1)

	svc := reg.Services()[0]
	assert.Equal(t, "svc-a", svc.ServiceConfigID)
	assert.Equal(t, int64(42), svc.ServiceID)
	assert.True(t, svc.HasStake())

	found, ok := reg.ByConfigID("svc-a")
	assert.True(t, ok)
	assert.Equal(t, svc.AgentAddress, found.AgentAddress)
}

func TestLoadExcludesWrongPassword(t *testing.T) {
	dir := t.TempDir()
	keystorePath, _ := writeKeystore(t, dir)

	writeProfile(t, dir, "svc-a.json", config.ServiceProfile{
		ServiceConfigID:   "svc-a",
		ServiceID:         1,
		SafeAddress:       "0x0000000000000000000000000000000000000001",
		AgentKeystorePath: keystorePath,
	})

	reg, err := Load(dir, "wrong-password")
	require.NoError(t, err)
	assert.Empty(t, reg.Services())
}

func TestLoadExcludesMismatchedAgentAddress(t *testing.T) {
	dir := t.TempDir()
	keystorePath, _ := writeKeystore(t, dir)

	writeProfile(t, dir, "svc-a.json", config.ServiceProfile{
		ServiceConfigID:   "svc-a",
		ServiceID:         1,
		SafeAddress:       "0x0000000000000000000000000000000000000001",
		AgentAddress:      "0x000000000000000000000000000000000000dead",
		AgentKeystorePath: keystorePath,
	})

	reg, err := Load(dir, testPassword)
	require.NoError(t, err)
	assert.Empty(t, reg.Services())
}

func TestByMechLooksUpService(t *testing.T) {
	dir := t.TempDir()
	keystorePath, _ := writeKeystore(t, dir)
	mech := "0x0000000000000000000000000000000000000099"

	writeProfile(t, dir, "svc-a.json", config.ServiceProfile{
		ServiceConfigID:   "svc-a",
		ServiceID:         1,
		MechAddress:       mech,
		SafeAddress:       "0x0000000000000000000000000000000000000001",
		AgentKeystorePath: keystorePath,
	})

	reg, err := Load(dir, testPassword)
	require.NoError(t, err)

	_, ok := reg.ByMech(common.HexToAddress(mech))
	assert.True(t, ok)
}
