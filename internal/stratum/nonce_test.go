package stratum

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTailAllocatorSequential(t *testing.T) {
	a := newTailAllocator(256)

	tails := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		tail, err := a.Acquire()
		require.NoError(t, err)
		tails = append(tails, tail)
	}

	assert.Equal(t, []string{"00", "01", "02", "03", "04"}, tails)
	assert.Equal(t, 5, a.Len())
}

func TestTailAllocatorReusesLowestFreeIndex(t *testing.T) {
	a := newTailAllocator(256)

	for i := 0; i < 3; i++ {
		_, err := a.Acquire()
		require.NoError(t, err)
	}

	a.Release("01")
	assert.Equal(t, 2, a.Len())

	tail, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "01", tail)
	assert.Equal(t, 3, a.Len())
}

func TestTailAllocatorTwoByteWidth(t *testing.T) {
	a := newTailAllocator(65536)

	first, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "0000", first)

	second, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "0001", second)
	assert.Len(t, second, 4)
}

func TestTailAllocatorSoloMode(t *testing.T) {
	a := newTailAllocator(1)

	tail, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "", tail)
	assert.Equal(t, 1, a.Len())

	_, err = a.Acquire()
	assert.ErrorIs(t, err, ErrMaxClientsConnected)

	a.Release(tail)
	assert.Equal(t, 0, a.Len())

	tail, err = a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "", tail)
}

func TestTailAllocatorExhaustion(t *testing.T) {
	a := newTailAllocator(256)

	seen := make(map[string]struct{})
	for i := 0; i < 256; i++ {
		tail, err := a.Acquire()
		require.NoError(t, err)
		require.Len(t, tail, 2)
		_, dup := seen[tail]
		require.False(t, dup, "tail %q handed out twice", tail)
		seen[tail] = struct{}{}
	}

	_, err := a.Acquire()
	assert.ErrorIs(t, err, ErrMaxClientsConnected)
	assert.Equal(t, 256, a.Len())

	// Releasing any slot makes it available again.
	a.Release(fmt.Sprintf("%02x", 42))
	tail, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "2a", tail)
}

func TestTailAllocatorReleaseUnknownIsNoop(t *testing.T) {
	a := newTailAllocator(256)

	a.Release("ff")
	assert.Equal(t, 0, a.Len())

	tail, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "00", tail)
}
