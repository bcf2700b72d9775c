package dispatcher

import (
	"sync"
	"sync/atomic"

	"github.com/nhirsama/oslp-adapter/src/inter"
)

// deviceLane 单个设备的请求队列，同一时间最多一个 worker 消费
type deviceLane struct {
	q       chan *job
	running atomic.Bool
}

// DeviceQueue 按设备划分的有界 FIFO 队列
// 不同设备之间并行，同一设备内严格串行
type DeviceQueue struct {
	lanes    sync.Map // deviceIdentification -> *deviceLane
	capacity int
}

func NewDeviceQueue(capacity int) *DeviceQueue {
	if capacity <= 0 {
		capacity = 100
	}
	return &DeviceQueue{capacity: capacity}
}

func (m *DeviceQueue) lane(device string) *deviceLane {
	actual, _ := m.lanes.LoadOrStore(device, &deviceLane{q: make(chan *job, m.capacity)})
	return actual.(*deviceLane)
}

// Push 入队，队列满时返回 ErrQueueFull
// 返回的 start 为 true 时调用方需要为该设备启动 worker
func (m *DeviceQueue) Push(device string, j *job) (start bool, err error) {
	l := m.lane(device)
	select {
	case l.q <- j:
	default:
		return false, inter.ErrQueueFull
	}
	return l.running.CompareAndSwap(false, true), nil
}

// Pop 取出最早的一条请求 (FIFO)
// 队列为空时释放该设备的 worker 并返回 false
func (m *DeviceQueue) Pop(device string) (*job, bool) {
	l := m.lane(device)
	for {
		select {
		case j := <-l.q:
			return j, true
		default:
		}
		l.running.Store(false)
		// 释放后又有新请求入队，且没有其他 worker 接手时继续消费
		if len(l.q) == 0 || !l.running.CompareAndSwap(false, true) {
			return nil, false
		}
	}
}

// Len 当前排队数量
func (m *DeviceQueue) Len(device string) int {
	actual, exists := m.lanes.Load(device)
	if !exists {
		return 0
	}
	return len(actual.(*deviceLane).q)
}
