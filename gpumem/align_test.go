package gpumem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlignBufferSize_TieredRules(t *testing.T) {
	_, allocator := readyAllocator(t)

	testCases := map[string]struct {
		Size    int
		Aligned int
	}{
		"one byte":                 {Size: 1, Aligned: 256},
		"just under a cache line":  {Size: 255, Aligned: 256},
		"exactly a cache line":     {Size: 256, Aligned: 256},
		"just under the threshold": {Size: 1023, Aligned: 1024},
		"at the threshold":         {Size: 1024, Aligned: 4096},
		"two pages worth":          {Size: 2048, Aligned: 4096},
		"exactly a page":           {Size: 4096, Aligned: 4096},
		"just over a page":         {Size: 4097, Aligned: 8192},
		"medium tier boundary":     {Size: mediumTierSize, Aligned: mediumTierSize},
		"just under oversized":     {Size: largeTierSize - 4096, Aligned: largeTierSize - 4096},
		"exactly the large bound":  {Size: largeTierSize, Aligned: largeTierSize},
		"oversized passthrough":    {Size: largeTierSize + 12345, Aligned: largeTierSize + 12345},
		"zero":                     {Size: 0, Aligned: 0},
		"negative":                 {Size: -500, Aligned: 0},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, testCase.Aligned, allocator.AlignBufferSize(testCase.Size))
		})
	}
}

func TestAlignBufferSize_Idempotent(t *testing.T) {
	_, allocator := readyAllocator(t)

	for _, size := range []int{1, 100, 1023, 1024, 2048, 50000, mediumTierSize + 1, largeTierSize * 2} {
		aligned := allocator.AlignBufferSize(size)
		require.GreaterOrEqual(t, aligned, size)
		require.Equal(t, aligned, allocator.AlignBufferSize(aligned))
	}
}

func TestSetBufferAlignment_Override(t *testing.T) {
	_, allocator := readyAllocator(t)

	allocator.SetBufferAlignment(512)
	require.Equal(t, 512, allocator.AlignBufferSize(100))
	require.Equal(t, 2048, allocator.AlignBufferSize(2048))
	require.Equal(t, largeTierSize+512, allocator.AlignBufferSize(largeTierSize+1))

	// Zero restores the tiered rules
	allocator.SetBufferAlignment(0)
	require.Equal(t, 256, allocator.AlignBufferSize(100))
	require.Equal(t, 4096, allocator.AlignBufferSize(2048))
}

func TestSetBufferAlignment_RoundsNonPowerOfTwo(t *testing.T) {
	_, allocator := readyAllocator(t)

	allocator.SetBufferAlignment(300)
	require.Equal(t, 512, allocator.AlignBufferSize(1))
}

func TestNew_CustomAlignmentOption(t *testing.T) {
	device := newFakeDevice(t)
	allocator, err := New(testLogger(), device, CreateOptions{BufferAlignment: 1024})
	require.NoError(t, err)

	require.Equal(t, 1024, allocator.AlignBufferSize(1))
	require.Equal(t, 2048, allocator.AlignBufferSize(1025))
}

func TestNew_RejectsNonPowerOfTwoAlignment(t *testing.T) {
	device := newFakeDevice(t)
	_, err := New(testLogger(), device, CreateOptions{BufferAlignment: 300})
	require.Error(t, err)
}
