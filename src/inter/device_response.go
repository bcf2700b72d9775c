package inter

// DeviceResponse 设备回复的和类型，处理方通过 type switch 区分具体变体
type DeviceResponse interface {
	Base() ResponseBase
	deviceResponse()
}

// ResponseBase 所有回复共有的关联信息
type ResponseBase struct {
	OrganisationIdentification string
	DeviceIdentification       string
	CorrelationUID             string
	MessageType                string
}

func (b ResponseBase) Base() ResponseBase { return b }

// EmptyDeviceResponse 只携带状态的回复 (SET_LIGHT / RESUME_SCHEDULE / SET_REBOOT)
type EmptyDeviceResponse struct {
	ResponseBase
	Status Status
}

func (EmptyDeviceResponse) deviceResponse() {}

// GetStatusDeviceResponse GET_STATUS 的回复
type GetStatusDeviceResponse struct {
	ResponseBase
	Status                Status
	LightValues           []LightValue
	PreferredLinkType     string
	ActualLinkType        string
	LightType             string
	EventNotificationMask int
}

func (GetStatusDeviceResponse) deviceResponse() {}

// NewResponseBase 由请求构造回复的关联信息
func NewResponseBase(req DeviceRequest) ResponseBase {
	return ResponseBase{
		OrganisationIdentification: req.OrganisationIdentification,
		DeviceIdentification:       req.DeviceIdentification,
		CorrelationUID:             req.CorrelationUID,
		MessageType:                req.MessageType,
	}
}
