package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/nhirsama/oslp-adapter/src/protocol"
	"github.com/rs/zerolog"
)

// CurrentTimeLayout 注册回复中平台时间的格式 (UTC)
const CurrentTimeLayout = "20060102150405"

// 设备主动发起的请求没有平台侧的组织与关联号
const noOrganisation = "no-organisation"

// RegistrationData 发布给平台的 REGISTER_DEVICE 数据
type RegistrationData struct {
	IPAddress   string `json:"ipAddress"`
	DeviceType  string `json:"deviceType"`
	HasSchedule bool   `json:"hasSchedule"`
}

// EventNotificationData 发布给平台的 EVENT_NOTIFICATION 数据
type EventNotificationData struct {
	Notifications []EventData `json:"notifications"`
}

type EventData struct {
	Event       string `json:"event"`
	Description string `json:"description,omitempty"`
	Index       *int   `json:"index,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// BusinessHandler 处理单个连接上设备主动发起的消息 (Per Connection)
type BusinessHandler struct {
	devices   inter.DeviceManager
	codec     inter.ProtocolCodec
	publisher inter.RequestPublisher
	now       func() time.Time
	log       zerolog.Logger

	// 连接对端地址，注册消息未携带 IP 时使用
	remoteIP string
}

// NewBusinessHandler 创建业务逻辑处理器
func NewBusinessHandler(
	devices inter.DeviceManager,
	codec inter.ProtocolCodec,
	publisher inter.RequestPublisher,
	remoteIP string,
	now func() time.Time,
	log zerolog.Logger,
) *BusinessHandler {
	if now == nil {
		now = time.Now
	}
	return &BusinessHandler{
		devices:   devices,
		codec:     codec,
		publisher: publisher,
		now:       now,
		log:       log,
		remoteIP:  remoteIP,
	}
}

// Handle 按消息类型分发，返回需要签名回复给设备的消息
// 返回错误时不回复，信封被丢弃
func (h *BusinessHandler) Handle(ctx context.Context, env *inter.Envelope) (*inter.Message, error) {
	msg, err := protocol.UnmarshalMessage(env.Payload)
	if err != nil {
		return nil, err
	}

	switch {
	case msg.RegisterDeviceRequest != nil:
		return h.HandleRegistration(ctx, env, msg.RegisterDeviceRequest)
	case msg.ConfirmRegisterDeviceRequest != nil:
		return h.HandleConfirmRegistration(ctx, env, msg.ConfirmRegisterDeviceRequest)
	case msg.EventNotificationRequest != nil:
		return h.HandleEventNotification(ctx, env, msg.EventNotificationRequest)
	default:
		return nil, fmt.Errorf("%w: %v", inter.ErrUnsupportedMessage, msg.Kinds())
	}
}

// HandleRegistration 安全字段携带设备明文公钥，注册后下发挑战
func (h *BusinessHandler) HandleRegistration(ctx context.Context, env *inter.Envelope, req *inter.RegisterDeviceRequest) (*inter.Message, error) {
	pubDER, _, err := protocol.ExtractPublicKey(env.SecurityKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", inter.ErrMalformedEnvelope, err)
	}

	ip := req.IPAddress
	if ip == "" {
		ip = h.remoteIP
	}

	challenge, err := h.devices.Register(ctx, inter.RegisterDeviceData{
		DeviceUID:            inter.EncodeDeviceUID(env.DeviceID),
		DeviceIdentification: req.DeviceIdentification,
		PublicKey:            pubDER,
		IPAddress:            ip,
		DeviceType:           req.DeviceType,
		HasSchedule:          req.HasSchedule,
		RandomDevice:         req.RandomDevice,
		SequenceNumber:       int(env.SequenceNumber),
	})
	if errors.Is(err, inter.ErrPublicKeyMismatch) {
		h.log.Warn().Str("device", req.DeviceIdentification).Msg("API: 设备公钥不一致，拒绝注册")
		return &inter.Message{RegisterDeviceResponse: &inter.RegisterDeviceResponse{
			Status:       inter.StatusRejected,
			CurrentTime:  h.currentTime(),
			RandomDevice: req.RandomDevice,
		}}, nil
	}
	if err != nil {
		return nil, err
	}

	h.publish(ctx, inter.MessageTypeRegisterDevice, req.DeviceIdentification, ip, RegistrationData{
		IPAddress:   ip,
		DeviceType:  req.DeviceType,
		HasSchedule: req.HasSchedule,
	})

	return &inter.Message{RegisterDeviceResponse: &inter.RegisterDeviceResponse{
		Status:         inter.StatusOK,
		CurrentTime:    h.currentTime(),
		RandomDevice:   challenge.RandomDevice,
		RandomPlatform: challenge.RandomPlatform,
	}}, nil
}

// HandleConfirmRegistration 校验设备回显的挑战，成功后设备进入 Active
func (h *BusinessHandler) HandleConfirmRegistration(ctx context.Context, env *inter.Envelope, req *inter.ConfirmRegisterDeviceRequest) (*inter.Message, error) {
	dev, err := h.verify(ctx, env)
	if err != nil {
		return nil, err
	}

	err = h.devices.Confirm(ctx, dev.DeviceUID, int(env.SequenceNumber), req.RandomDevice, req.RandomPlatform)
	if errors.Is(err, inter.ErrChallengeMismatch) || errors.Is(err, inter.ErrSequenceNumberInvalid) {
		return &inter.Message{ConfirmRegisterDeviceResponse: &inter.ConfirmRegisterDeviceResponse{
			Status: inter.StatusRejected,
		}}, nil
	}
	if err != nil {
		return nil, err
	}

	return &inter.Message{ConfirmRegisterDeviceResponse: &inter.ConfirmRegisterDeviceResponse{
		Status:         inter.StatusOK,
		RandomDevice:   *req.RandomDevice,
		RandomPlatform: *req.RandomPlatform,
		SequenceWindow: h.devices.SequenceWindow(),
	}}, nil
}

// HandleEventNotification 提交序列号后把事件转发给平台
// 未完成注册确认的设备上报的事件一律拒绝
func (h *BusinessHandler) HandleEventNotification(ctx context.Context, env *inter.Envelope, req *inter.EventNotificationRequest) (*inter.Message, error) {
	dev, err := h.verify(ctx, env)
	if err != nil {
		return nil, err
	}

	err = h.devices.UpdateSequenceNumber(ctx, dev.DeviceUID, int(env.SequenceNumber))
	if errors.Is(err, inter.ErrSequenceNumberInvalid) || errors.Is(err, inter.ErrMissingSequenceState) ||
		errors.Is(err, inter.ErrDeviceNotActive) {
		h.log.Warn().Err(err).Str("device", dev.DeviceIdentification).Msg("API: 事件序列号校验失败")
		return &inter.Message{EventNotificationResponse: &inter.EventNotificationResponse{
			Status: inter.StatusRejected,
		}}, nil
	}
	if err != nil {
		return nil, err
	}

	data := EventNotificationData{Notifications: make([]EventData, 0, len(req.Notifications))}
	for _, n := range req.Notifications {
		data.Notifications = append(data.Notifications, EventData{
			Event:       n.Event.String(),
			Description: n.Description,
			Index:       n.Index,
			Timestamp:   n.Timestamp,
		})
	}
	h.publish(ctx, inter.MessageTypeEventNotification, dev.DeviceIdentification, dev.IPAddress, data)

	return &inter.Message{EventNotificationResponse: &inter.EventNotificationResponse{
		Status: inter.StatusOK,
	}}, nil
}

// verify 用已存储的设备公钥校验信封签名
func (h *BusinessHandler) verify(ctx context.Context, env *inter.Envelope) (inter.Device, error) {
	dev, err := h.devices.GetDevice(ctx, inter.EncodeDeviceUID(env.DeviceID))
	if err != nil {
		return inter.Device{}, err
	}
	pub, err := protocol.ParsePublicKey(dev.PublicKey)
	if err != nil {
		return inter.Device{}, fmt.Errorf("%w: %v", inter.ErrSignatureInvalid, err)
	}
	if !h.codec.Verify(env, pub) {
		return inter.Device{}, inter.ErrSignatureInvalid
	}
	return dev, nil
}

// publish 发布失败只记录日志，不影响给设备的回复
func (h *BusinessHandler) publish(ctx context.Context, messageType, deviceIdentification, ip string, data any) {
	if h.publisher == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		h.log.Error().Err(err).Str("messageType", messageType).Msg("API: 序列化平台请求失败")
		return
	}
	msg := inter.RequestMessage{
		MessageMetadata: inter.MessageMetadata{
			CorrelationUID:             uuid.New().String(),
			OrganisationIdentification: noOrganisation,
			DeviceIdentification:       deviceIdentification,
			MessageType:                messageType,
			IPAddress:                  ip,
		},
		Data: raw,
	}
	if err := h.publisher.PublishRequest(ctx, msg); err != nil {
		h.log.Error().Err(err).
			Str("device", deviceIdentification).
			Str("messageType", messageType).
			Msg("API: 发布平台请求失败")
	}
}

func (h *BusinessHandler) currentTime() string {
	return h.now().UTC().Format(CurrentTimeLayout)
}
