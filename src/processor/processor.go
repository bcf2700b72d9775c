package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/rs/zerolog"
)

// DefaultPublishTimeout 设备回调中发布平台回复的超时
const DefaultPublishTimeout = 10 * time.Second

// base 所有处理器共用的下发与回复逻辑
type base struct {
	messageType string
	dispatcher  inter.Dispatcher
	publisher   inter.ResponsePublisher
	log         zerolog.Logger
	timeout     time.Duration
}

func newBase(messageType string, d inter.Dispatcher, p inter.ResponsePublisher, log zerolog.Logger) base {
	return base{
		messageType: messageType,
		dispatcher:  d,
		publisher:   p,
		log:         log.With().Str("component", "processor").Str("messageType", messageType).Logger(),
		timeout:     DefaultPublishTimeout,
	}
}

func (b *base) MessageType() string {
	return b.messageType
}

// decode 解析平台请求的数据对象，失败时直接回复 NOT_OK
func (b *base) decode(ctx context.Context, msg inter.RequestMessage, v any) error {
	if len(msg.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		err = fmt.Errorf("无法解析 %s 请求数据: %w", msg.MessageType, err)
		req := inter.NewDeviceRequest(msg.MessageMetadata, nil)
		b.publishWith(ctx, req, inter.ResultNotOK, err.Error(), nil)
		return err
	}
	return nil
}

// send 下发请求，失败统一按无法连接设备处理
func (b *base) send(req inter.DeviceRequest, onResponse inter.ResponseHandler) {
	b.log.Info().
		Str("device", req.DeviceIdentification).
		Str("correlationUid", req.CorrelationUID).
		Str("domain", req.Domain).
		Msg("下发设备请求")
	b.dispatcher.Send(req, onResponse, b.handleUnableToConnect)
}

// handleUnableToConnect 设备不可达、校验失败或超时，回复 NOT_OK 并携带错误信息
func (b *base) handleUnableToConnect(req inter.DeviceRequest, err error, _ inter.DeviceResponse) {
	b.log.Warn().Err(err).
		Str("device", req.DeviceIdentification).
		Str("correlationUid", req.CorrelationUID).
		Msg("设备请求失败")
	b.publish(req, inter.ResultNotOK, err.Error(), nil)
}

// handleStatus 只有状态的回复: OK 回复成功，其余回复 NOT_OK
func (b *base) handleStatus(req inter.DeviceRequest, status inter.Status, data any) {
	if status == inter.StatusOK {
		b.publish(req, inter.ResultOK, "", data)
		return
	}
	b.publish(req, inter.ResultNotOK, fmt.Sprintf("设备返回状态 %s", status), nil)
}

// publish 在设备回调中调用，没有上游 ctx
func (b *base) publish(req inter.DeviceRequest, result inter.ResponseResult, errMsg string, data any) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	b.publishWith(ctx, req, result, errMsg, data)
}

func (b *base) publishWith(ctx context.Context, req inter.DeviceRequest, result inter.ResponseResult, errMsg string, data any) {
	resp := inter.NewResponseMessage(req, result)
	resp.ErrorMessage = errMsg
	resp.Data = data
	if err := b.publisher.PublishResponse(ctx, resp); err != nil {
		b.log.Error().Err(err).
			Str("device", req.DeviceIdentification).
			Str("correlationUid", req.CorrelationUID).
			Msg("发布平台回复失败")
	}
}

// unexpected 回复类型与请求不对应
func (b *base) unexpected(req inter.DeviceRequest, resp inter.DeviceResponse) {
	b.handleUnableToConnect(req, fmt.Errorf("%w: %T", inter.ErrUnexpectedResponse, resp), resp)
}

// All 返回全部平台请求处理器
func All(d inter.Dispatcher, p inter.ResponsePublisher, log zerolog.Logger) []inter.RequestProcessor {
	resume := NewResumeScheduleProcessor(d, p, log)
	return []inter.RequestProcessor{
		NewSetLightProcessor(d, p, resume, log),
		resume,
		NewGetStatusProcessor(d, p, log),
		NewSetRebootProcessor(d, p, log),
	}
}
