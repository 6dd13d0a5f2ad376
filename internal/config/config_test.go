package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAddress = "4613YiHLM6JMH4zejMB2zJY5TwQCxL8p65ufw8kBP5yxX9itmuGLqp1dS4tkVoTxjyH3aYhYNrtGHbQzJQP5bFus3KHVdmf"
	testViewKey = "ad2093a5705b9f33e6f0f0c1bc1f5f639c756cdfc168c8f2ac6127ccbdab3a03"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PRIMARY_ADDRESS", testAddress)
	t.Setenv("PRIVATE_VIEWKEY", testViewKey)
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, BackendBolt, cfg.DBBackend)
	assert.Equal(t, "AcceptXMR_DB", cfg.DBPath)
	assert.Equal(t, time.Second, cfg.ScanInterval)
	assert.Equal(t, 30*time.Second, cfg.RPCTimeout)
	assert.Equal(t, 20*time.Second, cfg.RPCConnectionTimeout)
	assert.Equal(t, 1000, cfg.CallbackQueueSize)
	assert.Equal(t, 50, cfg.CallbackMaxRetries)
	assert.Equal(t, time.Second, cfg.CallbackBaseDelay)
	assert.Equal(t, 1.5, cfg.CallbackBackoffFactor)
	assert.Equal(t, time.Hour, cfg.CallbackMaxDelay)
	assert.True(t, cfg.DeleteExpired)
	assert.Nil(t, cfg.RestoreHeight)
	assert.Nil(t, cfg.Seed)
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DB_BACKEND", "memory")
	t.Setenv("SCAN_INTERVAL_MS", "250")
	t.Setenv("RESTORE_HEIGHT", "2477657")
	t.Setenv("SEED", "42")
	t.Setenv("DELETE_EXPIRED", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.DBBackend)
	assert.Equal(t, 250*time.Millisecond, cfg.ScanInterval)
	require.NotNil(t, cfg.RestoreHeight)
	assert.Equal(t, uint64(2477657), *cfg.RestoreHeight)
	require.NotNil(t, cfg.Seed)
	assert.Equal(t, int64(42), *cfg.Seed)
	assert.False(t, cfg.DeleteExpired)
}

func TestLoadConfigRequiresWallet(t *testing.T) {
	t.Setenv("PRIMARY_ADDRESS", "")
	t.Setenv("PRIVATE_VIEWKEY", testViewKey)
	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("PRIMARY_ADDRESS", testAddress)
	t.Setenv("PRIVATE_VIEWKEY", "")
	_, err = LoadConfig()
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PRIMARY_ADDRESS", "not an address")
	_, err := LoadConfig()
	assert.Error(t, err)

	setRequiredEnv(t)
	t.Setenv("DB_BACKEND", "flat-files")
	_, err = LoadConfig()
	assert.Error(t, err)
}
