package stratum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestWorkerAuthVerify(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	auth := NewWorkerAuth(map[string]string{"miner.rig1": string(hash)})
	require.NotNil(t, auth)

	assert.True(t, auth.Verify("miner.rig1", "hunter2"))
	assert.False(t, auth.Verify("miner.rig1", "wrong"))
	assert.False(t, auth.Verify("miner.rig2", "hunter2"))
}

func TestWorkerAuthEmptyIsPassThrough(t *testing.T) {
	assert.Nil(t, NewWorkerAuth(nil))
	assert.Nil(t, NewWorkerAuth(map[string]string{}))
}

func TestStrategyRegistry(t *testing.T) {
	ws, err := NewWorkerStrategy("equihash")
	require.NoError(t, err)
	assert.IsType(t, EquihashWorkerStrategy{}, ws)

	ps, err := NewPoolStrategy("equihash")
	require.NoError(t, err)
	assert.IsType(t, EquihashPoolStrategy{}, ps)

	ws, err = NewWorkerStrategy("stratum")
	require.NoError(t, err)
	assert.IsType(t, BaseWorkerStrategy{}, ws)

	_, err = NewWorkerStrategy("scrypt")
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = NewPoolStrategy("")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}
