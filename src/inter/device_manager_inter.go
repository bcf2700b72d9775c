package inter

import "context"

// RegisterDeviceData 设备注册请求中携带的数据
type RegisterDeviceData struct {
	DeviceUID            string
	DeviceIdentification string
	PublicKey            []byte // 信封安全字段中的明文公钥 (PKIX DER)
	IPAddress            string
	DeviceType           string
	HasSchedule          bool
	RandomDevice         int
	SequenceNumber       int // 注册信封自身的序列号，作为后续校验的基线
}

// Challenge 注册挑战，设备需在确认时原样回显
type Challenge struct {
	RandomDevice   int
	RandomPlatform int
}

// DeviceManager 定义设备注册握手与序列号管理的业务接口
type DeviceManager interface {
	// Register 记录设备信息并下发挑战
	Register(ctx context.Context, data RegisterDeviceData) (Challenge, error)

	// Confirm 校验设备回显的挑战与序列号，成功后设备进入 Active
	Confirm(ctx context.Context, deviceUID string, sequenceNumber int, randomDevice, randomPlatform *int) error

	// CheckSequenceNumber 只校验不提交
	CheckSequenceNumber(ctx context.Context, deviceUID string, sequenceNumber int) error

	// UpdateSequenceNumber 校验并提交新的序列号
	UpdateSequenceNumber(ctx context.Context, deviceUID string, sequenceNumber int) error

	// GetDevice 按 UID 读取设备
	GetDevice(ctx context.Context, deviceUID string) (Device, error)

	// NextSequenceNumber 平台下发请求使用的序列号，不持久化
	NextSequenceNumber(current int) int

	// SequenceWindow 当前配置的序列号窗口
	SequenceWindow() int
}
