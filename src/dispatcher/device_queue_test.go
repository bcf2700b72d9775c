package dispatcher

import (
	"testing"

	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceQueue_FIFO(t *testing.T) {
	q := NewDeviceQueue(3)
	a := &job{req: inter.DeviceRequest{CorrelationUID: "a"}}
	b := &job{req: inter.DeviceRequest{CorrelationUID: "b"}}

	start, err := q.Push("dev", a)
	require.NoError(t, err)
	assert.True(t, start, "first push starts a worker")

	start, err = q.Push("dev", b)
	require.NoError(t, err)
	assert.False(t, start, "worker already running")
	assert.Equal(t, 2, q.Len("dev"))

	got, ok := q.Pop("dev")
	require.True(t, ok)
	assert.Equal(t, "a", got.req.CorrelationUID)
	got, ok = q.Pop("dev")
	require.True(t, ok)
	assert.Equal(t, "b", got.req.CorrelationUID)

	_, ok = q.Pop("dev")
	assert.False(t, ok)

	// worker 释放后再次入队需要重新启动
	start, err = q.Push("dev", a)
	require.NoError(t, err)
	assert.True(t, start)
}

func TestDeviceQueue_Full(t *testing.T) {
	q := NewDeviceQueue(1)
	_, err := q.Push("dev", &job{})
	require.NoError(t, err)
	_, err = q.Push("dev", &job{})
	assert.ErrorIs(t, err, inter.ErrQueueFull)

	// 其他设备不受影响
	_, err = q.Push("other", &job{})
	assert.NoError(t, err)
	assert.Equal(t, 0, q.Len("missing"))
}
