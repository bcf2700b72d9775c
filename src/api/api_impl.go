package api

import (
	"context"
	"crypto"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/nhirsama/oslp-adapter/src/protocol"
	"github.com/rs/zerolog"
)

// DefaultIdleTimeout 连接上两帧之间允许的最长空闲时间
const DefaultIdleTimeout = 60 * time.Second

// Config 接入服务参数
type Config struct {
	// PrivateKey 平台私钥，用于签名所有回复
	PrivateKey  crypto.PrivateKey
	IdleTimeout time.Duration
}

type apiImpl struct {
	codec     inter.ProtocolCodec
	frames    *protocol.FrameCodec
	devices   inter.DeviceManager
	publisher inter.RequestPublisher
	cfg       Config
	log       zerolog.Logger

	// now 生成注册回复中的平台时间
	now func() time.Time

	conns sync.WaitGroup
}

// NewApi 创建面向设备的接入服务
func NewApi(
	codec inter.ProtocolCodec,
	frames *protocol.FrameCodec,
	devices inter.DeviceManager,
	publisher inter.RequestPublisher,
	cfg Config,
	log zerolog.Logger,
) inter.Api {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &apiImpl{
		codec:     codec,
		frames:    frames,
		devices:   devices,
		publisher: publisher,
		cfg:       cfg,
		log:       log.With().Str("component", "api").Logger(),
		now:       time.Now,
	}
}

// Serve 接收设备连接直到 ctx 取消，返回前等待所有连接结束
func (a *apiImpl) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer a.conns.Wait()

	a.log.Info().Str("addr", ln.Addr().String()).Msg("API 服务已启动")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				a.log.Info().Msg("API 服务已停止")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			a.log.Warn().Err(err).Msg("API 连接接收错误")
			continue
		}
		a.conns.Add(1)
		go a.handleConnection(ctx, conn)
	}
}

// handleConnection 处理一个设备连接上的请求-回复循环
func (a *apiImpl) handleConnection(ctx context.Context, conn net.Conn) {
	defer a.conns.Done()
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	log := a.log.With().Str("remote", conn.RemoteAddr().String()).Logger()
	handler := NewBusinessHandler(a.devices, a.codec, a.publisher, remoteIP(conn), a.now, log)

	for {
		conn.SetReadDeadline(time.Now().Add(a.cfg.IdleTimeout))

		raw, err := a.frames.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && ctx.Err() == nil {
				log.Debug().Err(err).Msg("API: 读取帧失败，关闭连接")
			}
			return
		}

		env, err := a.codec.Decode(raw)
		if err != nil {
			log.Warn().Err(err).Msg("API: 丢弃非法信封")
			continue
		}

		reply, err := handler.Handle(ctx, env)
		if err != nil {
			log.Warn().Err(err).Str("uid", inter.EncodeDeviceUID(env.DeviceID)).Msg("API: 设备消息处理失败")
			continue
		}
		if reply == nil {
			continue
		}

		if err := a.writeReply(conn, env, reply); err != nil {
			log.Warn().Err(err).Msg("API: 发送回复失败")
			return
		}
	}
}

// writeReply 回复沿用请求的设备 ID 与序列号，并用平台私钥签名
func (a *apiImpl) writeReply(conn net.Conn, req *inter.Envelope, reply *inter.Message) error {
	payload, err := protocol.MarshalMessage(reply)
	if err != nil {
		return err
	}
	out, err := a.codec.Encode(req.DeviceID, req.SequenceNumber, payload, a.cfg.PrivateKey)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(a.cfg.IdleTimeout))
	return a.frames.WriteFrame(conn, out)
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return ""
	}
	return host
}
