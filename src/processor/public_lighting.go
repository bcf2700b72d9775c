package processor

import (
	"context"

	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/rs/zerolog"
)

// LightValueData 平台请求中的单路灯设置
type LightValueData struct {
	Index    int  `json:"index"`
	On       bool `json:"on"`
	DimValue *int `json:"dimValue,omitempty"`
}

type SetLightData struct {
	LightValues []LightValueData `json:"lightValues"`
}

type ResumeScheduleData struct {
	Index     int  `json:"index"`
	Immediate bool `json:"immediate"`
}

// =============================================================================
// SET_LIGHT
// =============================================================================

// SetLightProcessor 设置成功后紧接着以相同 correlationUid 恢复调度 (index 0, 非立即)
type SetLightProcessor struct {
	base
	resume *ResumeScheduleProcessor
}

func NewSetLightProcessor(d inter.Dispatcher, p inter.ResponsePublisher, resume *ResumeScheduleProcessor, log zerolog.Logger) *SetLightProcessor {
	return &SetLightProcessor{
		base:   newBase(inter.MessageTypeSetLight, d, p, log),
		resume: resume,
	}
}

func (s *SetLightProcessor) Process(ctx context.Context, msg inter.RequestMessage) error {
	var data SetLightData
	if err := s.decode(ctx, msg, &data); err != nil {
		return err
	}

	values := make([]inter.LightValue, 0, len(data.LightValues))
	for _, v := range data.LightValues {
		values = append(values, inter.LightValue{Index: v.Index, On: v.On, DimValue: v.DimValue})
	}
	req := inter.NewDeviceRequest(msg.MessageMetadata, &inter.Message{
		SetLightRequest: &inter.SetLightRequest{Values: values},
	})

	s.send(req, func(resp inter.DeviceResponse) {
		r, ok := resp.(inter.EmptyDeviceResponse)
		if !ok {
			s.unexpected(req, resp)
			return
		}
		if r.Status != inter.StatusOK {
			s.handleStatus(req, r.Status, nil)
			return
		}
		s.log.Info().Str("device", req.DeviceIdentification).Msg("设置灯光成功，恢复调度")
		s.resume.sendFollowUp(req, ResumeScheduleData{Index: 0, Immediate: false})
	})
	return nil
}

// =============================================================================
// RESUME_SCHEDULE
// =============================================================================

type ResumeScheduleProcessor struct {
	base
}

func NewResumeScheduleProcessor(d inter.Dispatcher, p inter.ResponsePublisher, log zerolog.Logger) *ResumeScheduleProcessor {
	return &ResumeScheduleProcessor{base: newBase(inter.MessageTypeResumeSchedule, d, p, log)}
}

func (r *ResumeScheduleProcessor) Process(ctx context.Context, msg inter.RequestMessage) error {
	var data ResumeScheduleData
	if err := r.decode(ctx, msg, &data); err != nil {
		return err
	}
	req := inter.NewDeviceRequest(msg.MessageMetadata, resumeScheduleMessage(data))
	r.send(req, r.responseHandler(req))
	return nil
}

// sendFollowUp 作为其它请求的后续步骤下发
func (r *ResumeScheduleProcessor) sendFollowUp(prev inter.DeviceRequest, data ResumeScheduleData) {
	req := prev.FollowUp(inter.MessageTypeResumeSchedule, resumeScheduleMessage(data))
	r.send(req, r.responseHandler(req))
}

func (r *ResumeScheduleProcessor) responseHandler(req inter.DeviceRequest) inter.ResponseHandler {
	return func(resp inter.DeviceResponse) {
		e, ok := resp.(inter.EmptyDeviceResponse)
		if !ok {
			r.unexpected(req, resp)
			return
		}
		r.handleStatus(req, e.Status, nil)
	}
}

func resumeScheduleMessage(data ResumeScheduleData) *inter.Message {
	return &inter.Message{ResumeScheduleRequest: &inter.ResumeScheduleRequest{
		Index:     data.Index,
		Immediate: data.Immediate,
	}}
}
