package inter

import (
	"context"
	"encoding/json"
)

// 平台消息类型
const (
	MessageTypeRegisterDevice    = "REGISTER_DEVICE"
	MessageTypeEventNotification = "EVENT_NOTIFICATION"
	MessageTypeSetLight          = "SET_LIGHT"
	MessageTypeResumeSchedule    = "RESUME_SCHEDULE"
	MessageTypeGetStatus         = "GET_STATUS"
	MessageTypeSetReboot         = "SET_REBOOT"
)

// ResponseResult 平台回复结果
type ResponseResult string

const (
	ResultOK       ResponseResult = "OK"
	ResultNotOK    ResponseResult = "NOT_OK"
	ResultNotFound ResponseResult = "NOT_FOUND"
)

// MessageMetadata 平台消息的关联元数据，在总线上以消息头传输
type MessageMetadata struct {
	CorrelationUID             string
	OrganisationIdentification string
	DeviceIdentification       string
	Domain                     string
	DomainVersion              string
	MessageType                string
	IPAddress                  string
	RetryCount                 int
	IsScheduled                bool
}

// RequestMessage 平台请求，Data 为消息类型对应的 JSON 对象
type RequestMessage struct {
	MessageMetadata
	Data json.RawMessage
}

// ResponseMessage 回复给平台的结果
type ResponseMessage struct {
	MessageMetadata
	Result       ResponseResult
	ErrorMessage string
	Data         any
}

// ResponsePublisher 向平台发布请求处理结果
type ResponsePublisher interface {
	PublishResponse(ctx context.Context, msg ResponseMessage) error
}

// RequestPublisher 向平台发布设备主动上报产生的请求
type RequestPublisher interface {
	PublishRequest(ctx context.Context, msg RequestMessage) error
}

// RequestProcessor 处理一种类型的平台请求
type RequestProcessor interface {
	MessageType() string
	Process(ctx context.Context, msg RequestMessage) error
}

// NewResponseMessage 由设备请求构造平台回复的元数据
func NewResponseMessage(req DeviceRequest, result ResponseResult) ResponseMessage {
	return ResponseMessage{
		MessageMetadata: MessageMetadata{
			CorrelationUID:             req.CorrelationUID,
			OrganisationIdentification: req.OrganisationIdentification,
			DeviceIdentification:       req.DeviceIdentification,
			Domain:                     req.Domain,
			DomainVersion:              req.DomainVersion,
			MessageType:                req.MessageType,
			IPAddress:                  req.IPAddress,
			RetryCount:                 req.RetryCount,
			IsScheduled:                req.IsScheduled,
		},
		Result: result,
	}
}

// NewDeviceRequest 由平台请求元数据构造设备请求
func NewDeviceRequest(meta MessageMetadata, payload *Message) DeviceRequest {
	return DeviceRequest{
		OrganisationIdentification: meta.OrganisationIdentification,
		DeviceIdentification:       meta.DeviceIdentification,
		CorrelationUID:             meta.CorrelationUID,
		Domain:                     meta.Domain,
		DomainVersion:              meta.DomainVersion,
		MessageType:                meta.MessageType,
		IPAddress:                  meta.IPAddress,
		RetryCount:                 meta.RetryCount,
		IsScheduled:                meta.IsScheduled,
		Payload:                    payload,
	}
}
