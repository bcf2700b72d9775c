package simulator

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/nhirsama/oslp-adapter/src/device_manager"
	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/nhirsama/oslp-adapter/src/protocol"
	"github.com/rs/zerolog"
)

const DefaultTimeout = 5 * time.Second

// Config 模拟设备参数
type Config struct {
	DeviceID             []byte
	DeviceIdentification string
	DeviceType           string
	// IPAddress 注册时上报的地址，平台据此回连
	IPAddress   string
	HasSchedule bool

	PrivateKey   crypto.PrivateKey
	PublicKeyDER []byte
	// PlatformKey 校验平台回复与下发请求的签名
	PlatformKey crypto.PublicKey

	Codec  *protocol.OslpCodec
	Frames *protocol.FrameCodec

	SequenceMaximum int
	Timeout         time.Duration
}

// Device 模拟一台 OSLP 灯控设备: 主动注册、上报事件，并应答平台下发的请求
type Device struct {
	cfg    Config
	log    zerolog.Logger
	random device_manager.RandomSource

	mu         sync.Mutex
	sequence   int
	registered bool
	window     int
	lights     map[int]inter.LightValue
	reboots    int

	conns sync.WaitGroup
}

func New(cfg Config, log zerolog.Logger) *Device {
	if cfg.SequenceMaximum <= 0 || cfg.SequenceMaximum > device_manager.MaxSequenceNumber {
		cfg.SequenceMaximum = device_manager.DefaultSequenceMaximum
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DeviceType == "" {
		cfg.DeviceType = "SSLD"
	}
	return &Device{
		cfg:    cfg,
		log:    log.With().Str("component", "simulator").Str("device", cfg.DeviceIdentification).Logger(),
		random: device_manager.SecureRandom,
		window: device_manager.DefaultSequenceWindow,
		lights: make(map[int]inter.LightValue),
	}
}

// Registered 是否已完成注册握手
func (d *Device) Registered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registered
}

// Lights 当前灯光状态，按 index 排序
func (d *Device) Lights() []inter.LightValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lightsLocked()
}

func (d *Device) lightsLocked() []inter.LightValue {
	out := make([]inter.LightValue, 0, len(d.lights))
	for _, v := range d.lights {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Reboots 收到的重启请求次数
func (d *Device) Reboots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reboots
}

// nextSequence 为设备主动发出的消息分配序列号
func (d *Device) nextSequence() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sequence = (d.sequence + 1) % (d.cfg.SequenceMaximum + 1)
	return uint16(d.sequence)
}

// =============================================================================
// 设备主动发起
// =============================================================================

// Register 完成注册与注册确认两步握手
func (d *Device) Register(ctx context.Context, addr string) error {
	randomDevice, err := d.random()
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.registered = false
	d.mu.Unlock()

	seq := d.nextSequence()
	reply, err := d.exchange(ctx, addr, seq, &inter.Message{RegisterDeviceRequest: &inter.RegisterDeviceRequest{
		DeviceIdentification: d.cfg.DeviceIdentification,
		IPAddress:            d.cfg.IPAddress,
		DeviceType:           d.cfg.DeviceType,
		HasSchedule:          d.cfg.HasSchedule,
		RandomDevice:         randomDevice,
	}}, false)
	if err != nil {
		return err
	}
	reg := reply.RegisterDeviceResponse
	if reg == nil {
		return fmt.Errorf("%w: %v", inter.ErrUnexpectedResponse, reply.Kinds())
	}
	if reg.Status != inter.StatusOK {
		return fmt.Errorf("注册被拒绝: %s", reg.Status)
	}
	if reg.RandomDevice != randomDevice {
		return fmt.Errorf("%w: 平台回显的设备随机数不一致", inter.ErrChallengeMismatch)
	}

	rd, rp := reg.RandomDevice, reg.RandomPlatform
	seq = d.nextSequence()
	reply, err = d.exchange(ctx, addr, seq, &inter.Message{ConfirmRegisterDeviceRequest: &inter.ConfirmRegisterDeviceRequest{
		RandomDevice:   &rd,
		RandomPlatform: &rp,
	}}, true)
	if err != nil {
		return err
	}
	conf := reply.ConfirmRegisterDeviceResponse
	if conf == nil {
		return fmt.Errorf("%w: %v", inter.ErrUnexpectedResponse, reply.Kinds())
	}
	if conf.Status != inter.StatusOK {
		return fmt.Errorf("注册确认被拒绝: %s", conf.Status)
	}

	d.mu.Lock()
	d.registered = true
	if conf.SequenceWindow > 0 {
		d.window = conf.SequenceWindow
	}
	d.mu.Unlock()
	d.log.Info().Int("sequence", int(seq)).Msg("注册完成")
	return nil
}

// SendEvent 上报一条事件，返回平台回复的状态
func (d *Device) SendEvent(ctx context.Context, addr string, event inter.Event, description string) (inter.Status, error) {
	seq := d.nextSequence()
	reply, err := d.exchange(ctx, addr, seq, &inter.Message{EventNotificationRequest: &inter.EventNotificationRequest{
		Notifications: []inter.EventNotification{{
			Event:       event,
			Description: description,
			Timestamp:   time.Now().UTC().Format("20060102150405"),
		}},
	}}, true)
	if err != nil {
		return inter.StatusFailure, err
	}
	if reply.EventNotificationResponse == nil {
		return inter.StatusFailure, fmt.Errorf("%w: %v", inter.ErrUnexpectedResponse, reply.Kinds())
	}
	return reply.EventNotificationResponse.Status, nil
}

// exchange 每条消息使用一个新连接，发送后等待平台回复
func (d *Device) exchange(ctx context.Context, addr string, seq uint16, msg *inter.Message, signed bool) (*inter.Message, error) {
	payload, err := protocol.MarshalMessage(msg)
	if err != nil {
		return nil, err
	}
	var out []byte
	if signed {
		out, err = d.cfg.Codec.Encode(d.cfg.DeviceID, seq, payload, d.cfg.PrivateKey)
	} else {
		out, err = d.cfg.Codec.EncodeUnsigned(d.cfg.DeviceID, seq, payload, d.cfg.PublicKeyDER)
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("连接平台失败: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := d.cfg.Frames.WriteFrame(conn, out); err != nil {
		return nil, err
	}
	raw, err := d.cfg.Frames.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("读取平台回复失败: %w", err)
	}
	env, err := d.cfg.Codec.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !d.cfg.Codec.Verify(env, d.cfg.PlatformKey) {
		return nil, inter.ErrSignatureInvalid
	}
	if env.SequenceNumber != seq {
		return nil, fmt.Errorf("%w: 回复序列号 %d, 请求 %d", inter.ErrSequenceNumberInvalid, env.SequenceNumber, seq)
	}
	return protocol.UnmarshalMessage(env.Payload)
}

// =============================================================================
// 平台下发
// =============================================================================

// Serve 接收平台连接并应答下发请求，直到 ctx 取消
func (d *Device) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer d.conns.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			d.log.Warn().Err(err).Msg("接收平台连接失败")
			continue
		}
		d.conns.Add(1)
		go d.handleConnection(conn)
	}
}

func (d *Device) handleConnection(conn net.Conn) {
	defer d.conns.Done()
	defer conn.Close()

	for {
		conn.SetReadDeadline(time.Now().Add(d.cfg.Timeout))
		raw, err := d.cfg.Frames.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.log.Debug().Err(err).Msg("读取平台请求结束")
			}
			return
		}
		reply, err := d.HandleRequest(raw)
		if err != nil {
			d.log.Warn().Err(err).Msg("丢弃平台请求")
			continue
		}
		if err := d.cfg.Frames.WriteFrame(conn, reply); err != nil {
			d.log.Warn().Err(err).Msg("回复平台失败")
			return
		}
	}
}

// HandleRequest 校验平台签名与序列号，执行请求并返回签名后的回复信封
func (d *Device) HandleRequest(raw []byte) ([]byte, error) {
	env, err := d.cfg.Codec.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !d.cfg.Codec.Verify(env, d.cfg.PlatformKey) {
		return nil, inter.ErrSignatureInvalid
	}
	req, err := protocol.UnmarshalMessage(env.Payload)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if !d.registered {
		d.mu.Unlock()
		return nil, errors.New("设备尚未注册")
	}
	candidate := int(env.SequenceNumber)
	if !device_manager.IsAcceptable(d.sequence, candidate, d.cfg.SequenceMaximum, d.window) {
		current := d.sequence
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: 当前 %d, 收到 %d", inter.ErrSequenceNumberInvalid, current, candidate)
	}
	d.sequence = candidate
	resp := d.applyLocked(req)
	d.mu.Unlock()

	if resp == nil {
		return nil, fmt.Errorf("%w: %v", inter.ErrUnsupportedMessage, req.Kinds())
	}
	payload, err := protocol.MarshalMessage(resp)
	if err != nil {
		return nil, err
	}
	return d.cfg.Codec.Encode(env.DeviceID, env.SequenceNumber, payload, d.cfg.PrivateKey)
}

func (d *Device) applyLocked(req *inter.Message) *inter.Message {
	switch {
	case req.SetLightRequest != nil:
		for _, v := range req.SetLightRequest.Values {
			d.lights[v.Index] = v
		}
		d.log.Info().Int("values", len(req.SetLightRequest.Values)).Msg("设置灯光")
		return &inter.Message{SetLightResponse: &inter.SetLightResponse{Status: inter.StatusOK}}
	case req.ResumeScheduleRequest != nil:
		return &inter.Message{ResumeScheduleResponse: &inter.ResumeScheduleResponse{Status: inter.StatusOK}}
	case req.GetStatusRequest != nil:
		return &inter.Message{GetStatusResponse: &inter.GetStatusResponse{
			Status:                inter.StatusOK,
			LightValues:           d.lightsLocked(),
			PreferredLinkType:     "ETHERNET",
			ActualLinkType:        "ETHERNET",
			LightType:             "RELAY",
			EventNotificationMask: 255,
		}}
	case req.SetRebootRequest != nil:
		d.reboots++
		return &inter.Message{SetRebootResponse: &inter.SetRebootResponse{Status: inter.StatusOK}}
	}
	return nil
}
