package inter

// =============================================================================
// OSLP 业务消息 (Payload)
// 采用 CBOR 整数键编码，Message 中有且仅有一个字段被设置
// =============================================================================

// Status 设备回复状态
type Status int

const (
	StatusOK Status = iota
	StatusRejected
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusRejected:
		return "REJECTED"
	case StatusFailure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// Event 设备事件类型
type Event int

const (
	EventDiagEventsGeneral Event = iota
	EventLightEventsLightOn
	EventLightEventsLightOff
	EventLightEventsLightFailure
	EventTariffEventsTariffOn
	EventTariffEventsTariffOff
	EventMonitorEventsLongBufferFull
	EventFirmwareEventsActivating
)

func (e Event) String() string {
	switch e {
	case EventDiagEventsGeneral:
		return "DIAG_EVENTS_GENERAL"
	case EventLightEventsLightOn:
		return "LIGHT_EVENTS_LIGHT_ON"
	case EventLightEventsLightOff:
		return "LIGHT_EVENTS_LIGHT_OFF"
	case EventLightEventsLightFailure:
		return "LIGHT_EVENTS_LIGHT_FAILURE"
	case EventTariffEventsTariffOn:
		return "TARIFF_EVENTS_TARIFF_ON"
	case EventTariffEventsTariffOff:
		return "TARIFF_EVENTS_TARIFF_OFF"
	case EventMonitorEventsLongBufferFull:
		return "MONITOR_EVENTS_LONG_BUFFER_FULL"
	case EventFirmwareEventsActivating:
		return "FIRMWARE_EVENTS_ACTIVATING"
	default:
		return "UNKNOWN"
	}
}

// Message 信封 Payload 的顶层消息
type Message struct {
	RegisterDeviceRequest         *RegisterDeviceRequest         `cbor:"1,keyasint,omitempty"`
	RegisterDeviceResponse        *RegisterDeviceResponse        `cbor:"2,keyasint,omitempty"`
	ConfirmRegisterDeviceRequest  *ConfirmRegisterDeviceRequest  `cbor:"3,keyasint,omitempty"`
	ConfirmRegisterDeviceResponse *ConfirmRegisterDeviceResponse `cbor:"4,keyasint,omitempty"`
	SetLightRequest               *SetLightRequest               `cbor:"5,keyasint,omitempty"`
	SetLightResponse              *SetLightResponse              `cbor:"6,keyasint,omitempty"`
	ResumeScheduleRequest         *ResumeScheduleRequest         `cbor:"7,keyasint,omitempty"`
	ResumeScheduleResponse        *ResumeScheduleResponse        `cbor:"8,keyasint,omitempty"`
	EventNotificationRequest      *EventNotificationRequest      `cbor:"9,keyasint,omitempty"`
	EventNotificationResponse     *EventNotificationResponse     `cbor:"10,keyasint,omitempty"`
	GetStatusRequest              *GetStatusRequest              `cbor:"11,keyasint,omitempty"`
	GetStatusResponse             *GetStatusResponse             `cbor:"12,keyasint,omitempty"`
	SetRebootRequest              *SetRebootRequest              `cbor:"13,keyasint,omitempty"`
	SetRebootResponse             *SetRebootResponse             `cbor:"14,keyasint,omitempty"`
}

// Kinds 返回被设置的消息名称列表，正常消息应当恰好只有一个
func (m *Message) Kinds() []string {
	var kinds []string
	add := func(set bool, name string) {
		if set {
			kinds = append(kinds, name)
		}
	}
	add(m.RegisterDeviceRequest != nil, "registerDeviceRequest")
	add(m.RegisterDeviceResponse != nil, "registerDeviceResponse")
	add(m.ConfirmRegisterDeviceRequest != nil, "confirmRegisterDeviceRequest")
	add(m.ConfirmRegisterDeviceResponse != nil, "confirmRegisterDeviceResponse")
	add(m.SetLightRequest != nil, "setLightRequest")
	add(m.SetLightResponse != nil, "setLightResponse")
	add(m.ResumeScheduleRequest != nil, "resumeScheduleRequest")
	add(m.ResumeScheduleResponse != nil, "resumeScheduleResponse")
	add(m.EventNotificationRequest != nil, "eventNotificationRequest")
	add(m.EventNotificationResponse != nil, "eventNotificationResponse")
	add(m.GetStatusRequest != nil, "getStatusRequest")
	add(m.GetStatusResponse != nil, "getStatusResponse")
	add(m.SetRebootRequest != nil, "setRebootRequest")
	add(m.SetRebootResponse != nil, "setRebootResponse")
	return kinds
}

// RegisterDeviceRequest 设备发起注册
// 设备公钥放在信封安全字段中明文携带
type RegisterDeviceRequest struct {
	DeviceIdentification string `cbor:"1,keyasint"`
	IPAddress            string `cbor:"2,keyasint"`
	DeviceType           string `cbor:"3,keyasint"`
	HasSchedule          bool   `cbor:"4,keyasint"`
	RandomDevice         int    `cbor:"5,keyasint"`
}

type RegisterDeviceResponse struct {
	Status         Status `cbor:"1,keyasint"`
	CurrentTime    string `cbor:"2,keyasint"` // yyyyMMddHHmmss, UTC
	RandomDevice   int    `cbor:"3,keyasint"`
	RandomPlatform int    `cbor:"4,keyasint"`
}

// ConfirmRegisterDeviceRequest 设备回显两个随机数完成注册
// 字段缺失时解码为 nil，由握手逻辑作为硬失败处理
type ConfirmRegisterDeviceRequest struct {
	RandomDevice   *int `cbor:"1,keyasint,omitempty"`
	RandomPlatform *int `cbor:"2,keyasint,omitempty"`
}

type ConfirmRegisterDeviceResponse struct {
	Status         Status `cbor:"1,keyasint"`
	RandomDevice   int    `cbor:"2,keyasint"`
	RandomPlatform int    `cbor:"3,keyasint"`
	SequenceWindow int    `cbor:"4,keyasint"`
}

// LightValue 单路灯的开关与调光值
type LightValue struct {
	Index    int  `cbor:"1,keyasint"`
	On       bool `cbor:"2,keyasint"`
	DimValue *int `cbor:"3,keyasint,omitempty"`
}

type SetLightRequest struct {
	Values []LightValue `cbor:"1,keyasint"`
}

type SetLightResponse struct {
	Status Status `cbor:"1,keyasint"`
}

type ResumeScheduleRequest struct {
	Index     int  `cbor:"1,keyasint"`
	Immediate bool `cbor:"2,keyasint"`
}

type ResumeScheduleResponse struct {
	Status Status `cbor:"1,keyasint"`
}

type EventNotification struct {
	Event       Event  `cbor:"1,keyasint"`
	Description string `cbor:"2,keyasint,omitempty"`
	Index       *int   `cbor:"3,keyasint,omitempty"`
	Timestamp   string `cbor:"4,keyasint,omitempty"`
}

type EventNotificationRequest struct {
	Notifications []EventNotification `cbor:"1,keyasint"`
}

type EventNotificationResponse struct {
	Status Status `cbor:"1,keyasint"`
}

type GetStatusRequest struct{}

type GetStatusResponse struct {
	Status                Status       `cbor:"1,keyasint"`
	LightValues           []LightValue `cbor:"2,keyasint,omitempty"`
	PreferredLinkType     string       `cbor:"3,keyasint,omitempty"`
	ActualLinkType        string       `cbor:"4,keyasint,omitempty"`
	LightType             string       `cbor:"5,keyasint,omitempty"`
	EventNotificationMask int          `cbor:"6,keyasint,omitempty"`
}

type SetRebootRequest struct{}

type SetRebootResponse struct {
	Status Status `cbor:"1,keyasint"`
}
