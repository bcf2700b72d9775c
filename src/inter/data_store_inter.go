package inter

import (
	"context"
	"time"
)

// RegistrationState 由设备记录推导出的注册状态
type RegistrationState int

const (
	Unregistered    RegistrationState = iota // 无公钥或无序列号
	ChallengeIssued                          // 已下发挑战，等待设备确认
	Active                                   // 注册完成
)

func (s RegistrationState) String() string {
	switch s {
	case Unregistered:
		return "UNREGISTERED"
	case ChallengeIssued:
		return "CHALLENGE_ISSUED"
	case Active:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Device 设备的持久化记录
type Device struct {
	DeviceUID            string // 设备 ID 原始字节的 Base64
	DeviceIdentification string
	IPAddress            string
	DeviceType           string
	HasSchedule          bool

	// PublicKey 设备公钥 (PKIX DER)
	PublicKey []byte

	// 以下字段为 nil 表示数据库中为 NULL
	SequenceNumber *int
	RandomDevice   *int
	RandomPlatform *int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RegistrationState 根据字段推导注册状态
func (d *Device) RegistrationState() RegistrationState {
	if len(d.PublicKey) == 0 || d.SequenceNumber == nil {
		return Unregistered
	}
	if d.RandomDevice != nil && d.RandomPlatform != nil {
		return ChallengeIssued
	}
	return Active
}

// DeviceUpdateFunc 在原子更新中修改设备记录
// 返回错误时放弃本次更新，不写入任何字段
type DeviceUpdateFunc func(d *Device) error

// DeviceStore 定义设备记录的持久化接口
type DeviceStore interface {
	// GetDeviceByUID 未找到时返回 ErrDeviceNotFound
	GetDeviceByUID(ctx context.Context, uid string) (Device, error)

	// GetDeviceByIdentification 未找到时返回 ErrDeviceNotFound
	GetDeviceByIdentification(ctx context.Context, identification string) (Device, error)

	CreateDevice(ctx context.Context, d Device) error

	UpdateDevice(ctx context.Context, d Device) error

	// UpdateDeviceAtomic 对单个设备执行读-改-写
	// 同一设备的并发调用被串行化，fn 返回错误时不写入
	UpdateDeviceAtomic(ctx context.Context, uid string, fn DeviceUpdateFunc) error

	// ListDevices 分页查询设备列表，page 从 1 开始
	ListDevices(ctx context.Context, page, size int) ([]Device, error)

	Close() error
}
