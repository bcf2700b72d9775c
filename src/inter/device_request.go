package inter

// DeviceRequest 平台下发到单个设备的一次请求
// 除 MessageType 与 Payload 外，其余字段在链式请求中保持不变
type DeviceRequest struct {
	OrganisationIdentification string
	DeviceIdentification       string
	CorrelationUID             string
	Domain                     string
	DomainVersion              string
	MessageType                string
	IPAddress                  string
	RetryCount                 int
	IsScheduled                bool

	// Payload 待编码进信封的设备消息
	Payload *Message
}

// FollowUp 基于当前请求构造链式请求
// 组织、设备、correlationUid、领域及重试次数原样继承
func (r DeviceRequest) FollowUp(messageType string, payload *Message) DeviceRequest {
	next := r
	next.MessageType = messageType
	next.Payload = payload
	return next
}

// ResponseHandler 设备回复校验通过后调用
type ResponseHandler func(resp DeviceResponse)

// FailureHandler 请求失败时调用，partial 为尽力获得的部分回复 (可能为 nil)
type FailureHandler func(req DeviceRequest, err error, partial DeviceResponse)
