package processor

import (
	"context"

	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/rs/zerolog"
)

// DeviceStatusData GET_STATUS 成功时回复给平台的数据
type DeviceStatusData struct {
	LightValues           []LightValueData `json:"lightValues"`
	PreferredLinkType     string           `json:"preferredLinkType,omitempty"`
	ActualLinkType        string           `json:"actualLinkType,omitempty"`
	LightType             string           `json:"lightType,omitempty"`
	EventNotificationMask int              `json:"eventNotificationsMask"`
}

type GetStatusProcessor struct {
	base
}

func NewGetStatusProcessor(d inter.Dispatcher, p inter.ResponsePublisher, log zerolog.Logger) *GetStatusProcessor {
	return &GetStatusProcessor{base: newBase(inter.MessageTypeGetStatus, d, p, log)}
}

func (g *GetStatusProcessor) Process(_ context.Context, msg inter.RequestMessage) error {
	req := inter.NewDeviceRequest(msg.MessageMetadata, &inter.Message{GetStatusRequest: &inter.GetStatusRequest{}})
	g.send(req, func(resp inter.DeviceResponse) {
		r, ok := resp.(inter.GetStatusDeviceResponse)
		if !ok {
			g.unexpected(req, resp)
			return
		}
		g.handleStatus(req, r.Status, statusData(r))
	})
	return nil
}

func statusData(r inter.GetStatusDeviceResponse) DeviceStatusData {
	values := make([]LightValueData, 0, len(r.LightValues))
	for _, v := range r.LightValues {
		values = append(values, LightValueData{Index: v.Index, On: v.On, DimValue: v.DimValue})
	}
	return DeviceStatusData{
		LightValues:           values,
		PreferredLinkType:     r.PreferredLinkType,
		ActualLinkType:        r.ActualLinkType,
		LightType:             r.LightType,
		EventNotificationMask: r.EventNotificationMask,
	}
}

type SetRebootProcessor struct {
	base
}

func NewSetRebootProcessor(d inter.Dispatcher, p inter.ResponsePublisher, log zerolog.Logger) *SetRebootProcessor {
	return &SetRebootProcessor{base: newBase(inter.MessageTypeSetReboot, d, p, log)}
}

func (s *SetRebootProcessor) Process(_ context.Context, msg inter.RequestMessage) error {
	req := inter.NewDeviceRequest(msg.MessageMetadata, &inter.Message{SetRebootRequest: &inter.SetRebootRequest{}})
	s.send(req, func(resp inter.DeviceResponse) {
		r, ok := resp.(inter.EmptyDeviceResponse)
		if !ok {
			s.unexpected(req, resp)
			return
		}
		s.handleStatus(req, r.Status, nil)
	})
	return nil
}
