package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, uint16(4), cfg.Replica.NumReplicas)
	assert.Equal(t, uint16(1), cfg.Replica.FVal)
	assert.Equal(t, uint16(2), cfg.Replica.NumOfRequiredEqualReplies())
	assert.Positive(t, cfg.PreProcess.ConsensusTimeout)
	assert.Positive(t, cfg.PreProcess.RetryInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("F_VAL", "2")
	t.Setenv("NUM_REPLICAS", "7")
	t.Setenv("PRE_PROCESSING_RETRY_INTERVAL_MS", "250")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, uint16(7), cfg.Replica.NumReplicas)
	assert.Equal(t, uint16(3), cfg.Replica.NumOfRequiredEqualReplies())
	assert.Equal(t, int64(250), cfg.PreProcess.RetryInterval.Milliseconds())
}

func TestValidate_ClusterArithmetic(t *testing.T) {
	t.Setenv("F_VAL", "1")
	t.Setenv("NUM_REPLICAS", "5")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3f+2c+1")
}

func TestValidate_ReplicaIDRange(t *testing.T) {
	t.Setenv("REPLICA_ID", "4")
	_, err := Load()
	require.Error(t, err)
}

func TestValidate_CrashFaultyMembers(t *testing.T) {
	t.Setenv("F_VAL", "1")
	t.Setenv("C_VAL", "1")
	t.Setenv("NUM_REPLICAS", "6")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, uint16(3), cfg.Replica.NumOfRequiredEqualReplies())
}
