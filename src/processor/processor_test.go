package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	req        inter.DeviceRequest
	onResponse inter.ResponseHandler
	onFailure  inter.FailureHandler
}

// fakeDispatcher 记录下发的请求，由测试决定如何回复
type fakeDispatcher struct {
	mu   sync.Mutex
	sent []sent
}

func (d *fakeDispatcher) Send(req inter.DeviceRequest, onResponse inter.ResponseHandler, onFailure inter.FailureHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sent{req: req, onResponse: onResponse, onFailure: onFailure})
}

func (d *fakeDispatcher) HandleReply(string, []byte) bool { return false }
func (d *fakeDispatcher) Close() error                    { return nil }

func (d *fakeDispatcher) last(t *testing.T) sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.sent)
	return d.sent[len(d.sent)-1]
}

type fakePublisher struct {
	mu    sync.Mutex
	resps []inter.ResponseMessage
}

func (p *fakePublisher) PublishResponse(_ context.Context, msg inter.ResponseMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resps = append(p.resps, msg)
	return nil
}

func metadata(messageType string) inter.MessageMetadata {
	return inter.MessageMetadata{
		CorrelationUID:             "test-org|||SSLD_000-00-01|||1",
		OrganisationIdentification: "test-org",
		DeviceIdentification:       "SSLD_000-00-01",
		Domain:                     "PUBLIC_LIGHTING",
		DomainVersion:              "1.0",
		MessageType:                messageType,
		IPAddress:                  "10.0.0.7",
		RetryCount:                 1,
		IsScheduled:                true,
	}
}

func emptyResponse(req inter.DeviceRequest, status inter.Status) inter.DeviceResponse {
	return inter.EmptyDeviceResponse{ResponseBase: inter.NewResponseBase(req), Status: status}
}

func setup() (*fakeDispatcher, *fakePublisher, map[string]inter.RequestProcessor) {
	d, p := &fakeDispatcher{}, &fakePublisher{}
	reg := make(map[string]inter.RequestProcessor)
	for _, proc := range All(d, p, zerolog.Nop()) {
		reg[proc.MessageType()] = proc
	}
	return d, p, reg
}

func TestAll(t *testing.T) {
	_, _, reg := setup()
	assert.Len(t, reg, 4)
	for _, mt := range []string{
		inter.MessageTypeSetLight,
		inter.MessageTypeResumeSchedule,
		inter.MessageTypeGetStatus,
		inter.MessageTypeSetReboot,
	} {
		assert.Contains(t, reg, mt)
	}
}

func TestSetLightChainsResumeSchedule(t *testing.T) {
	d, p, reg := setup()

	msg := inter.RequestMessage{
		MessageMetadata: metadata(inter.MessageTypeSetLight),
		Data:            json.RawMessage(`{"lightValues":[{"index":1,"on":true,"dimValue":40}]}`),
	}
	require.NoError(t, reg[inter.MessageTypeSetLight].Process(context.Background(), msg))

	first := d.last(t)
	require.NotNil(t, first.req.Payload.SetLightRequest)
	require.Len(t, first.req.Payload.SetLightRequest.Values, 1)
	v := first.req.Payload.SetLightRequest.Values[0]
	assert.Equal(t, 1, v.Index)
	assert.True(t, v.On)
	assert.Equal(t, 40, *v.DimValue)

	first.onResponse(emptyResponse(first.req, inter.StatusOK))

	require.Len(t, d.sent, 2, "exactly one follow-up")
	assert.Empty(t, p.resps, "set light OK publishes nothing by itself")

	follow := d.sent[1]
	assert.Equal(t, inter.MessageTypeResumeSchedule, follow.req.MessageType)
	assert.Equal(t, first.req.CorrelationUID, follow.req.CorrelationUID)
	assert.Equal(t, first.req.OrganisationIdentification, follow.req.OrganisationIdentification)
	assert.Equal(t, first.req.DeviceIdentification, follow.req.DeviceIdentification)
	assert.Equal(t, first.req.Domain, follow.req.Domain)
	assert.Equal(t, first.req.DomainVersion, follow.req.DomainVersion)
	assert.Equal(t, first.req.IPAddress, follow.req.IPAddress)
	assert.Equal(t, first.req.RetryCount, follow.req.RetryCount)
	assert.Equal(t, first.req.IsScheduled, follow.req.IsScheduled)
	require.NotNil(t, follow.req.Payload.ResumeScheduleRequest)
	assert.Equal(t, inter.ResumeScheduleRequest{Index: 0, Immediate: false}, *follow.req.Payload.ResumeScheduleRequest)

	follow.onResponse(emptyResponse(follow.req, inter.StatusOK))
	require.Len(t, p.resps, 1)
	assert.Equal(t, inter.ResultOK, p.resps[0].Result)
	assert.Equal(t, inter.MessageTypeResumeSchedule, p.resps[0].MessageType)
	assert.Equal(t, msg.CorrelationUID, p.resps[0].CorrelationUID)
}

func TestSetLightNotOK(t *testing.T) {
	for _, status := range []inter.Status{inter.StatusRejected, inter.StatusFailure} {
		t.Run(status.String(), func(t *testing.T) {
			d, p, reg := setup()
			msg := inter.RequestMessage{
				MessageMetadata: metadata(inter.MessageTypeSetLight),
				Data:            json.RawMessage(`{"lightValues":[{"index":0,"on":false}]}`),
			}
			require.NoError(t, reg[inter.MessageTypeSetLight].Process(context.Background(), msg))

			first := d.last(t)
			first.onResponse(emptyResponse(first.req, status))

			assert.Len(t, d.sent, 1, "no follow-up")
			require.Len(t, p.resps, 1)
			r := p.resps[0]
			assert.Equal(t, inter.ResultNotOK, r.Result)
			assert.Equal(t, inter.MessageTypeSetLight, r.MessageType)
			assert.Contains(t, r.ErrorMessage, status.String())
		})
	}
}

func TestUnableToConnect(t *testing.T) {
	d, p, reg := setup()
	msg := inter.RequestMessage{MessageMetadata: metadata(inter.MessageTypeSetReboot)}
	require.NoError(t, reg[inter.MessageTypeSetReboot].Process(context.Background(), msg))

	s := d.last(t)
	require.NotNil(t, s.req.Payload.SetRebootRequest)
	s.onFailure(s.req, fmt.Errorf("发送失败: %w", inter.ErrResponseTimeout), nil)

	require.Len(t, p.resps, 1)
	r := p.resps[0]
	assert.Equal(t, inter.ResultNotOK, r.Result)
	assert.Contains(t, r.ErrorMessage, inter.ErrResponseTimeout.Error())
	assert.Equal(t, metadata(inter.MessageTypeSetReboot), r.MessageMetadata)
}

func TestInvalidRequestData(t *testing.T) {
	d, p, reg := setup()
	msg := inter.RequestMessage{
		MessageMetadata: metadata(inter.MessageTypeSetLight),
		Data:            json.RawMessage(`{"lightValues":"on"}`),
	}
	err := reg[inter.MessageTypeSetLight].Process(context.Background(), msg)
	require.Error(t, err)

	assert.Empty(t, d.sent)
	require.Len(t, p.resps, 1)
	assert.Equal(t, inter.ResultNotOK, p.resps[0].Result)
	assert.Equal(t, msg.CorrelationUID, p.resps[0].CorrelationUID)
}

func TestGetStatus(t *testing.T) {
	d, p, reg := setup()
	msg := inter.RequestMessage{MessageMetadata: metadata(inter.MessageTypeGetStatus)}
	require.NoError(t, reg[inter.MessageTypeGetStatus].Process(context.Background(), msg))

	s := d.last(t)
	require.NotNil(t, s.req.Payload.GetStatusRequest)
	dim := 80
	s.onResponse(inter.GetStatusDeviceResponse{
		ResponseBase:          inter.NewResponseBase(s.req),
		Status:                inter.StatusOK,
		LightValues:           []inter.LightValue{{Index: 1, On: true, DimValue: &dim}},
		PreferredLinkType:     "ETHERNET",
		ActualLinkType:        "ETHERNET",
		LightType:             "RELAY",
		EventNotificationMask: 255,
	})

	require.Len(t, p.resps, 1)
	assert.Equal(t, inter.ResultOK, p.resps[0].Result)
	data, ok := p.resps[0].Data.(DeviceStatusData)
	require.True(t, ok)
	assert.Equal(t, "RELAY", data.LightType)
	assert.Equal(t, 255, data.EventNotificationMask)
	require.Len(t, data.LightValues, 1)
	assert.Equal(t, 80, *data.LightValues[0].DimValue)
}

func TestUnexpectedResponseType(t *testing.T) {
	d, p, reg := setup()
	msg := inter.RequestMessage{MessageMetadata: metadata(inter.MessageTypeGetStatus)}
	require.NoError(t, reg[inter.MessageTypeGetStatus].Process(context.Background(), msg))

	s := d.last(t)
	s.onResponse(emptyResponse(s.req, inter.StatusOK))

	require.Len(t, p.resps, 1)
	assert.Equal(t, inter.ResultNotOK, p.resps[0].Result)
	assert.Contains(t, p.resps[0].ErrorMessage, inter.ErrUnexpectedResponse.Error())
}
