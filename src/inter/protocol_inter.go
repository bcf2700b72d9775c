package inter

import (
	"context"
	"crypto"
	"encoding/base64"
)

// =============================================================================
// OSLP 协议常量与类型定义
// =============================================================================

const (
	// DefaultSecurityFieldLength 安全字段默认长度 (签名或明文公钥，不足部分补零)
	DefaultSecurityFieldLength = 248
	// DefaultDeviceIDLength 设备 ID 默认长度
	DefaultDeviceIDLength = 12
	// SequenceNumberLength 序列号长度 (2 Bytes, 大端)
	SequenceNumberLength = 2

	// FrameLengthSize 传输帧长度前缀 (2 Bytes, 大端)
	FrameLengthSize = 2
	// FrameCRCSize 传输帧尾部 CRC16/MODBUS (2 Bytes, 大端)
	FrameCRCSize = 2
)

// Envelope 表示一个解码后的 OSLP 信封
// 二进制布局: [SecurityKey] + [DeviceID] + [SequenceNumber(2B)] + [Payload(N)]
type Envelope struct {
	// SecurityKey 安全字段：注册阶段为设备明文公钥，其余为签名 (均已补零到固定长度)
	SecurityKey []byte
	// DeviceID 设备 ID 原始字节
	DeviceID []byte
	// SequenceNumber 设备维度的防重放序号
	SequenceNumber uint16
	// Payload 编码后的业务消息
	Payload []byte
}

// ProtocolCodec 定义了信封编解码与签名校验的核心接口
// 实现必须是无状态的，可以被任意多个协程并发调用
type ProtocolCodec interface {
	// Encode 对 deviceID ‖ sequenceNumber ‖ payload 签名并写入安全字段
	Encode(deviceID []byte, sequenceNumber uint16, payload []byte, key crypto.PrivateKey) ([]byte, error)

	// EncodeUnsigned 安全字段直接携带明文 key (注册阶段使用)
	EncodeUnsigned(deviceID []byte, sequenceNumber uint16, payload []byte, securityKey []byte) ([]byte, error)

	// Decode 从完整的信封字节中解析各字段
	Decode(b []byte) (*Envelope, error)

	// Verify 用公钥校验信封签名，任何失败都只返回 false
	Verify(env *Envelope, publicKey crypto.PublicKey) bool

	// HeaderLength 固定头部长度
	HeaderLength() int

	// DeviceIDLength 设备 ID 固定长度
	DeviceIDLength() int
}

// DeviceTarget 描述一次下行请求的目标设备
type DeviceTarget struct {
	DeviceUID            string
	DeviceIdentification string
	IPAddress            string
}

// DeviceTransport 定义平台到设备的传输通道
// Send 发送一个信封并等待设备的回复信封，分帧由具体传输负责
// 异步传输可以返回 (nil, nil)，回复稍后经 Dispatcher.HandleReply 送达
type DeviceTransport interface {
	Send(ctx context.Context, target DeviceTarget, envelope []byte) ([]byte, error)
}

// EncodeDeviceUID 将设备 ID 原始字节转换为存储使用的 UID (Base64)
func EncodeDeviceUID(deviceID []byte) string {
	return base64.StdEncoding.EncodeToString(deviceID)
}

// DecodeDeviceUID 将存储中的 UID 还原为设备 ID 原始字节
func DecodeDeviceUID(uid string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(uid)
}
