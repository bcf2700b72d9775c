package dispatcher

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/nhirsama/oslp-adapter/src/protocol"
	"github.com/rs/zerolog"
)

const DefaultTimeout = 10 * time.Second

// Config 调度器参数
type Config struct {
	PrivateKey    crypto.PrivateKey
	Timeout       time.Duration
	QueueCapacity int
}

// job 排队中的一次下发
type job struct {
	req        inter.DeviceRequest
	onResponse inter.ResponseHandler
	onFailure  inter.FailureHandler
}

// correlationContext 等待回复的请求，解决后立即从 pending 中移除
// 链式请求复用 correlationUid，异步回复还要比对下发时的序列号
type correlationContext struct {
	job
	deviceUID string
	sequence  uint16
	timer     *time.Timer
	done      chan struct{}
}

// Dispatcher 实现 inter.Dispatcher
type Dispatcher struct {
	codec     inter.ProtocolCodec
	store     inter.DeviceStore
	devices   inter.DeviceManager
	transport inter.DeviceTransport
	cfg       Config
	log       zerolog.Logger

	queue *DeviceQueue

	mu      sync.Mutex
	pending map[string]*correlationContext
	closed  bool

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

func NewDispatcher(
	codec inter.ProtocolCodec,
	store inter.DeviceStore,
	devices inter.DeviceManager,
	transport inter.DeviceTransport,
	cfg Config,
	log zerolog.Logger,
) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		codec:     codec,
		store:     store,
		devices:   devices,
		transport: transport,
		cfg:       cfg,
		log:       log.With().Str("component", "dispatcher").Logger(),
		queue:     NewDeviceQueue(cfg.QueueCapacity),
		pending:   make(map[string]*correlationContext),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Send 将请求放入设备队列，结果通过 onResponse 或 onFailure 恰好回调一次
func (d *Dispatcher) Send(req inter.DeviceRequest, onResponse inter.ResponseHandler, onFailure inter.FailureHandler) {
	d.mu.Lock()
	closed := d.closed
	if !closed {
		d.workers.Add(1)
	}
	d.mu.Unlock()
	if closed {
		onFailure(req, inter.ErrDispatcherClosed, nil)
		return
	}
	defer d.workers.Done()

	j := &job{req: req, onResponse: onResponse, onFailure: onFailure}
	start, err := d.queue.Push(req.DeviceIdentification, j)
	if err != nil {
		d.log.Warn().Str("device", req.DeviceIdentification).Str("correlationUid", req.CorrelationUID).Msg("设备请求队列已满")
		onFailure(req, err, nil)
		return
	}
	if start {
		d.workers.Add(1)
		go d.worker(req.DeviceIdentification)
	}
}

// worker 依次处理同一设备的请求，上一个请求解决后才会发送下一个
func (d *Dispatcher) worker(device string) {
	defer d.workers.Done()
	for {
		j, ok := d.queue.Pop(device)
		if !ok {
			return
		}
		if d.isClosed() {
			j.onFailure(j.req, inter.ErrDispatcherClosed, nil)
			continue
		}
		cc, err := d.dispatch(j)
		if err != nil {
			d.log.Warn().Err(err).
				Str("device", j.req.DeviceIdentification).
				Str("correlationUid", j.req.CorrelationUID).
				Str("messageType", j.req.MessageType).
				Msg("下发失败")
			j.onFailure(j.req, err, nil)
			continue
		}
		select {
		case <-cc.done:
		case <-d.ctx.Done():
		}
	}
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// dispatch 构造并发送信封，返回已登记的关联上下文
// 返回错误时没有任何上下文被登记，由调用方直接回调失败
func (d *Dispatcher) dispatch(j *job) (*correlationContext, error) {
	req := j.req
	dev, err := d.store.GetDeviceByIdentification(d.ctx, req.DeviceIdentification)
	if err != nil {
		return nil, fmt.Errorf("查询设备 %s: %w", req.DeviceIdentification, err)
	}
	if dev.SequenceNumber == nil {
		return nil, fmt.Errorf("设备 %s: %w", req.DeviceIdentification, inter.ErrMissingSequenceState)
	}
	if state := dev.RegistrationState(); state != inter.Active {
		return nil, fmt.Errorf("设备 %s: %w: %s", req.DeviceIdentification, inter.ErrDeviceNotActive, state)
	}

	payload, err := protocol.MarshalMessage(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: 编码请求失败: %v", inter.ErrSigning, err)
	}
	deviceID, err := inter.DecodeDeviceUID(dev.DeviceUID)
	if err != nil {
		return nil, fmt.Errorf("%w: 设备 UID 非法: %v", inter.ErrMalformedEnvelope, err)
	}
	seq := d.devices.NextSequenceNumber(*dev.SequenceNumber)
	envelope, err := d.codec.Encode(deviceID, uint16(seq), payload, d.cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	cc := &correlationContext{job: *j, deviceUID: dev.DeviceUID, sequence: uint16(seq), done: make(chan struct{})}
	if err := d.register(cc); err != nil {
		return nil, err
	}

	target := inter.DeviceTarget{
		DeviceUID:            dev.DeviceUID,
		DeviceIdentification: dev.DeviceIdentification,
		IPAddress:            req.IPAddress,
	}
	if target.IPAddress == "" {
		target.IPAddress = dev.IPAddress
	}

	d.log.Debug().
		Str("device", req.DeviceIdentification).
		Str("correlationUid", req.CorrelationUID).
		Str("messageType", req.MessageType).
		Int("sequence", seq).
		Msg("发送请求")

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.Timeout)
	defer cancel()
	reply, err := d.transport.Send(ctx, target, envelope)
	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		d.fail(cc, fmt.Errorf("%w: %w", inter.ErrResponseTimeout, err))
	case err != nil:
		d.fail(cc, fmt.Errorf("发送到 %s 失败: %w", target.IPAddress, err))
	case reply != nil:
		d.settle(cc, reply)
	}
	// reply 为 nil 时由异步通道或超时定时器解决
	return cc, nil
}

// register 登记关联上下文并启动超时定时器
func (d *Dispatcher) register(cc *correlationContext) error {
	cuid := cc.req.CorrelationUID
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return inter.ErrDispatcherClosed
	}
	if _, exists := d.pending[cuid]; exists {
		return fmt.Errorf("%w: %s", inter.ErrDuplicateCorrelation, cuid)
	}
	d.pending[cuid] = cc
	cc.timer = time.AfterFunc(d.cfg.Timeout, func() {
		d.fail(cc, inter.ErrResponseTimeout)
	})
	return nil
}

// take 在锁内移除关联上下文，保证只被解决一次
// match 返回 false 时上下文保持等待
func (d *Dispatcher) take(cuid string, match func(*correlationContext) bool) *correlationContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	cc, ok := d.pending[cuid]
	if !ok || !match(cc) {
		return nil
	}
	delete(d.pending, cuid)
	cc.timer.Stop()
	return cc
}

func (cc *correlationContext) is(other *correlationContext) bool {
	return cc == other
}

// fail 只解决 cc 本身，链式请求的后续上下文不受影响
func (d *Dispatcher) fail(cc *correlationContext, err error) {
	cuid := cc.req.CorrelationUID
	if d.take(cuid, cc.is) == nil {
		d.log.Debug().Err(err).Str("correlationUid", cuid).Msg("请求已解决，忽略迟到的失败")
		return
	}
	d.finish(cc, nil, err)
}

// settle 同步通道上的回复只可能属于 cc
func (d *Dispatcher) settle(cc *correlationContext, raw []byte) {
	if d.take(cc.req.CorrelationUID, cc.is) == nil {
		d.log.Debug().Str("correlationUid", cc.req.CorrelationUID).Msg("请求已解决，丢弃回复")
		return
	}
	env, err := d.codec.Decode(raw)
	if err != nil {
		d.finish(cc, nil, err)
		return
	}
	resp, err := d.verifyReply(cc, env)
	d.finish(cc, resp, err)
}

// HandleReply 处理异步通道上的设备回复: 解码 → 按 correlationUid 与序列号匹配 → 验签 → 序列号提交 → 回调
// 无法解析或序列号不符的回复直接丢弃，等待中的请求保持不变
func (d *Dispatcher) HandleReply(correlationUID string, envelope []byte) bool {
	env, err := d.codec.Decode(envelope)
	if err != nil {
		d.log.Warn().Err(err).Str("correlationUid", correlationUID).Msg("无法解析的回复，丢弃")
		return false
	}
	cc := d.take(correlationUID, func(cc *correlationContext) bool {
		return cc.sequence == env.SequenceNumber
	})
	if cc == nil {
		d.log.Warn().
			Str("correlationUid", correlationUID).
			Uint16("sequence", env.SequenceNumber).
			Msg("没有等待该回复的请求，丢弃回复")
		return false
	}
	resp, err := d.verifyReply(cc, env)
	d.finish(cc, resp, err)
	return true
}

// finish 回调已移除的上下文并唤醒 worker
func (d *Dispatcher) finish(cc *correlationContext, resp inter.DeviceResponse, err error) {
	defer close(cc.done)
	if err != nil {
		d.log.Warn().Err(err).
			Str("device", cc.req.DeviceIdentification).
			Str("correlationUid", cc.req.CorrelationUID).
			Msg("请求失败")
		cc.onFailure(cc.req, err, nil)
		return
	}
	cc.onResponse(resp)
}

func (d *Dispatcher) verifyReply(cc *correlationContext, env *inter.Envelope) (inter.DeviceResponse, error) {
	dev, err := d.store.GetDeviceByUID(d.ctx, cc.deviceUID)
	if err != nil {
		return nil, err
	}
	pub, err := protocol.ParsePublicKey(dev.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", inter.ErrSignatureInvalid, err)
	}
	if !d.codec.Verify(env, pub) {
		return nil, inter.ErrSignatureInvalid
	}

	msg, err := protocol.UnmarshalMessage(env.Payload)
	if err != nil {
		return nil, err
	}

	if err := d.devices.UpdateSequenceNumber(d.ctx, cc.deviceUID, int(env.SequenceNumber)); err != nil {
		return nil, err
	}
	return mapResponse(cc.req, msg)
}

// mapResponse 将设备消息转换为对应请求的回复类型
func mapResponse(req inter.DeviceRequest, msg *inter.Message) (inter.DeviceResponse, error) {
	base := inter.NewResponseBase(req)
	p := req.Payload
	switch {
	case p.SetLightRequest != nil && msg.SetLightResponse != nil:
		return inter.EmptyDeviceResponse{ResponseBase: base, Status: msg.SetLightResponse.Status}, nil
	case p.ResumeScheduleRequest != nil && msg.ResumeScheduleResponse != nil:
		return inter.EmptyDeviceResponse{ResponseBase: base, Status: msg.ResumeScheduleResponse.Status}, nil
	case p.SetRebootRequest != nil && msg.SetRebootResponse != nil:
		return inter.EmptyDeviceResponse{ResponseBase: base, Status: msg.SetRebootResponse.Status}, nil
	case p.GetStatusRequest != nil && msg.GetStatusResponse != nil:
		r := msg.GetStatusResponse
		return inter.GetStatusDeviceResponse{
			ResponseBase:          base,
			Status:                r.Status,
			LightValues:           r.LightValues,
			PreferredLinkType:     r.PreferredLinkType,
			ActualLinkType:        r.ActualLinkType,
			LightType:             r.LightType,
			EventNotificationMask: r.EventNotificationMask,
		}, nil
	}
	return nil, fmt.Errorf("%w: 请求 %v, 回复 %v", inter.ErrUnexpectedResponse, p.Kinds(), msg.Kinds())
}

// Pending 等待回复的请求数量
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close 让所有等待中的请求以 ErrDispatcherClosed 失败，并等待 worker 退出
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	pending := make([]*correlationContext, 0, len(d.pending))
	for cuid, cc := range d.pending {
		cc.timer.Stop()
		delete(d.pending, cuid)
		pending = append(pending, cc)
	}
	d.mu.Unlock()

	d.cancel()
	for _, cc := range pending {
		cc.onFailure(cc.req, inter.ErrDispatcherClosed, nil)
		close(cc.done)
	}
	d.workers.Wait()
	d.log.Info().Int("failed", len(pending)).Msg("调度器已关闭")
	return nil
}
