package inter

import "errors"

// 协议层标准错误，调用方通过 errors.Is 判断类型
var (
	// ErrMalformedEnvelope 信封/传输帧结构非法，消息直接丢弃
	ErrMalformedEnvelope = errors.New("oslp: 信封结构非法")
	// ErrSigning 签名失败 (算法不支持或密钥非法)，请求不会被发送
	ErrSigning = errors.New("oslp: 签名失败")
	// ErrSignatureInvalid 签名校验失败
	ErrSignatureInvalid = errors.New("oslp: 签名校验失败")
	// ErrSequenceNumberInvalid 序列号不在可接受窗口内 (疑似重放)
	ErrSequenceNumberInvalid = errors.New("oslp: 序列号不正确")
	// ErrMissingSequenceState 设备没有任何序列号状态 (从未注册)
	ErrMissingSequenceState = errors.New("oslp: 设备缺少序列号状态")
	// ErrChallengeMismatch 注册确认中的随机数与下发的挑战不一致
	ErrChallengeMismatch = errors.New("oslp: 注册挑战不匹配")
	// ErrDeviceNotFound 未找到设备
	ErrDeviceNotFound = errors.New("oslp: 未找到设备")

	// ErrPublicKeyMismatch 设备重新注册时携带了与已存储不同的公钥
	ErrPublicKeyMismatch = errors.New("oslp: 设备公钥与已注册公钥不一致")
	// ErrUnexpectedResponse 设备回复的消息类型与请求不对应
	ErrUnexpectedResponse = errors.New("oslp: 设备回复类型不符")
	// ErrDeviceNotActive 设备尚未完成注册确认，不接受也不下发业务消息
	ErrDeviceNotActive = errors.New("oslp: 设备未完成注册")
	// ErrUnsupportedMessage 设备主动发送了平台不处理的消息
	ErrUnsupportedMessage = errors.New("oslp: 不支持的设备消息")
)

// 下发调度相关错误
var (
	ErrQueueFull            = errors.New("dispatcher: 设备请求队列已满")
	ErrDuplicateCorrelation = errors.New("dispatcher: 相同 correlationUid 的请求仍在等待回复")
	ErrResponseTimeout      = errors.New("dispatcher: 等待设备回复超时")
	ErrDispatcherClosed     = errors.New("dispatcher: 调度器已关闭")
)
