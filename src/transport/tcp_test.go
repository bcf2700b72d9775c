package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/nhirsama/oslp-adapter/src/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDevice 启动一个假设备，按 handle 返回回复
func startDevice(t *testing.T, frames *protocol.FrameCodec, handle func(req []byte) []byte) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				req, err := frames.ReadFrame(c)
				if err != nil {
					return
				}
				if reply := handle(req); reply != nil {
					frames.WriteFrame(c, reply)
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestTcpTransport_RoundTrip(t *testing.T) {
	frames := protocol.NewFrameCodec(1, 1024)
	addr := startDevice(t, frames, func(req []byte) []byte {
		return append([]byte("reply:"), req...)
	})

	tr := NewTcpTransport(0, frames, zerolog.Nop())
	reply, err := tr.Send(context.Background(), inter.DeviceTarget{IPAddress: addr}, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("reply:hello"), reply)
}

func TestTcpTransport_Timeout(t *testing.T) {
	frames := protocol.NewFrameCodec(1, 1024)
	addr := startDevice(t, frames, func([]byte) []byte {
		time.Sleep(500 * time.Millisecond)
		return nil
	})

	tr := NewTcpTransport(0, frames, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tr.Send(ctx, inter.DeviceTarget{IPAddress: addr}, []byte("hello"))
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestTcpTransport_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	tr := NewTcpTransport(0, protocol.NewFrameCodec(1, 1024), zerolog.Nop())
	_, err = tr.Send(context.Background(), inter.DeviceTarget{IPAddress: addr}, []byte("x"))
	assert.Error(t, err)

	_, err = tr.Send(context.Background(), inter.DeviceTarget{DeviceIdentification: "no-ip"}, []byte("x"))
	assert.Error(t, err)
}

func TestTcpTransport_Address(t *testing.T) {
	tr := NewTcpTransport(12125, protocol.NewFrameCodec(1, 1024), zerolog.Nop())
	assert.Equal(t, "10.0.0.7:12125", tr.address("10.0.0.7"))
	assert.Equal(t, "10.0.0.7:9000", tr.address("10.0.0.7:9000"))
	assert.Equal(t, "[::1]:12125", tr.address("::1"))
}
