package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/nhirsama/oslp-adapter/src/protocol"
	"github.com/rs/zerolog"
)

// DefaultDevicePort 设备监听端口
const DefaultDevicePort = 12125

// TcpTransport 每次请求建立一条 TCP 连接: 发送一帧，读取一帧回复后关闭
type TcpTransport struct {
	port   int
	frames *protocol.FrameCodec
	dialer net.Dialer
	log    zerolog.Logger
}

func NewTcpTransport(port int, frames *protocol.FrameCodec, log zerolog.Logger) *TcpTransport {
	if port <= 0 {
		port = DefaultDevicePort
	}
	return &TcpTransport{
		port:   port,
		frames: frames,
		dialer: net.Dialer{KeepAlive: 30 * time.Second},
		log:    log.With().Str("component", "tcp-transport").Logger(),
	}
}

// address IPAddress 不带端口时使用默认设备端口
func (t *TcpTransport) address(ip string) string {
	if _, _, err := net.SplitHostPort(ip); err == nil {
		return ip
	}
	return net.JoinHostPort(ip, strconv.Itoa(t.port))
}

func (t *TcpTransport) Send(ctx context.Context, target inter.DeviceTarget, envelope []byte) ([]byte, error) {
	if target.IPAddress == "" {
		return nil, fmt.Errorf("设备 %s 没有 IP 地址", target.DeviceIdentification)
	}
	addr := t.address(target.IPAddress)

	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("无法连接设备 %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// ctx 取消时打断阻塞中的读写
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := t.frames.WriteFrame(conn, envelope); err != nil {
		return nil, t.wrap(ctx, err)
	}
	reply, err := t.frames.ReadFrame(conn)
	if err != nil {
		return nil, t.wrap(ctx, err)
	}
	t.log.Debug().Str("addr", addr).Int("bytes", len(reply)).Msg("收到设备回复")
	return reply, nil
}

func (t *TcpTransport) wrap(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	// 连接截止时间与 ctx 截止时间相同，读超时可能先于 ctx 被观察到
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}
