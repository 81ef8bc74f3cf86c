package memutils_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tensorbit/devcache/memutils"
)

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, memutils.AlignUp(0, 256))
	require.Equal(t, 256, memutils.AlignUp(1, 256))
	require.Equal(t, 256, memutils.AlignUp(256, 256))
	require.Equal(t, 512, memutils.AlignUp(257, 256))
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, 0, memutils.AlignDown(255, 256))
	require.Equal(t, 256, memutils.AlignDown(256, 256))
	require.Equal(t, 256, memutils.AlignDown(511, 256))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(uint(256), "alignment"))
	err := memutils.CheckPow2(uint(257), "alignment")
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
}

func TestNextPowerOfTwo(t *testing.T) {
	require.Equal(t, 1, memutils.NextPowerOfTwo(0))
	require.Equal(t, 1, memutils.NextPowerOfTwo(1))
	require.Equal(t, 2, memutils.NextPowerOfTwo(2))
	require.Equal(t, 4, memutils.NextPowerOfTwo(3))
	require.Equal(t, 4096, memutils.NextPowerOfTwo(4095))
	require.Equal(t, 4096, memutils.NextPowerOfTwo(4096))
	require.Equal(t, 8192, memutils.NextPowerOfTwo(4097))
}
