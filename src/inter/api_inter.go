package inter

import (
	"context"
	"net"
)

// Api 定义了面向设备的接入服务
// 负责接收设备主动发起的注册、注册确认与事件上报
type Api interface {
	// Serve 在给定监听器上处理连接，直到 ctx 取消
	Serve(ctx context.Context, ln net.Listener) error
}

// Dispatcher 定义平台到设备的下发与回复关联
type Dispatcher interface {
	// Send 异步下发请求，结果通过 onResponse 或 onFailure 恰好回调一次
	Send(req DeviceRequest, onResponse ResponseHandler, onFailure FailureHandler)

	// HandleReply 处理异步通道上收到的回复帧，返回是否匹配到等待中的请求
	HandleReply(correlationUID string, envelope []byte) bool

	// Close 停止调度并让所有等待中的请求失败
	Close() error
}
