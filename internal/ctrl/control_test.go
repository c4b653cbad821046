package ctrl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiripospisil/blkchnkr/internal/uapi"
)

func TestDefaultDeviceParams(t *testing.T) {
	params := DefaultDeviceParams()

	assert.Equal(t, 128, params.QueueDepth)
	assert.Equal(t, 512, params.LogicalBlockSize)
	assert.Equal(t, 1<<20, params.MaxIOSize)
	assert.Equal(t, int32(-1), params.DeviceID)
	assert.Equal(t, uint32(511), params.DMAAlignment)
}

func TestSizeToShift(t *testing.T) {
	tests := []struct {
		size     int
		expected int
	}{
		{512, 9},
		{1024, 10},
		{4096, 12},
		{1, 0},
		{2, 1},
	}

	for _, tt := range tests {
		t.Run("", func(t *testing.T) {
			assert.Equal(t, tt.expected, sizeToShift(tt.size))
		})
	}
}

func TestBuildFeatureFlags(t *testing.T) {
	c := &Controller{}
	params := DefaultDeviceParams()

	flags := c.buildFeatureFlags(&params)
	require.NotZero(t, flags&uapi.UBLK_F_USER_RECOVERY, "recovery is always negotiated")
	assert.Zero(t, flags&uapi.UBLK_F_SUPPORT_ZERO_COPY)

	params.EnableZeroCopy = true
	flags = c.buildFeatureFlags(&params)
	assert.NotZero(t, flags&uapi.UBLK_F_SUPPORT_ZERO_COPY)

	params.EnableZeroCopy = false
	params.EnableUnprivileged = true
	flags = c.buildFeatureFlags(&params)
	assert.NotZero(t, flags&uapi.UBLK_F_UNPRIVILEGED_DEV)

	params.EnableUnprivileged = false
	params.EnableUserCopy = true
	flags = c.buildFeatureFlags(&params)
	assert.NotZero(t, flags&uapi.UBLK_F_USER_COPY)
}

func TestBuildAttrFlags(t *testing.T) {
	c := &Controller{}
	params := DefaultDeviceParams()
	params.ReadOnly = true
	params.EnableFUA = true

	attrs := c.buildAttrFlags(&params)
	assert.NotZero(t, attrs&uapi.UBLK_ATTR_READ_ONLY)
	assert.NotZero(t, attrs&uapi.UBLK_ATTR_FUA)
	assert.Zero(t, attrs&uapi.UBLK_ATTR_ROTATIONAL)
}

func TestDeviceInfo(t *testing.T) {
	info := &DeviceInfo{
		ID:         1,
		BlockSize:  512,
		DevSectors: 2048,
	}

	assert.Equal(t, int64(2048*512), info.Size())
}

func BenchmarkSizeToShift(b *testing.B) {
	for i := 0; i < b.N; i++ {
		sizeToShift(4096)
	}
}

func BenchmarkBuildFeatureFlags(b *testing.B) {
	c := &Controller{}
	params := DefaultDeviceParams()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.buildFeatureFlags(&params)
	}
}
