package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/sigurn/crc16"
)

// 传输帧: [Length(2B BE)] + [Envelope(Length)] + [CRC16/MODBUS(2B BE)]
// CRC 覆盖信封全部字节

// DefaultMaxFrameSize 信封最大长度
const DefaultMaxFrameSize = 4096

// 初始化 Modbus CRC16 表
var modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)

func crc16Modbus(data []byte) uint16 {
	return crc16.Checksum(data, modbusTable)
}

// FrameCodec 流式传输上的分帧器
type FrameCodec struct {
	minEnvelope int
	maxEnvelope int
}

// NewFrameCodec minEnvelope 一般为信封头部长度
func NewFrameCodec(minEnvelope, maxEnvelope int) *FrameCodec {
	if maxEnvelope <= 0 || maxEnvelope > 0xFFFF {
		maxEnvelope = DefaultMaxFrameSize
	}
	return &FrameCodec{minEnvelope: minEnvelope, maxEnvelope: maxEnvelope}
}

func (f *FrameCodec) checkLength(n int) error {
	if n < f.minEnvelope {
		return fmt.Errorf("%w: 帧长度 %d 小于信封头部 %d", inter.ErrMalformedEnvelope, n, f.minEnvelope)
	}
	if n > f.maxEnvelope {
		return fmt.Errorf("%w: 帧长度 %d 超过上限 %d", inter.ErrMalformedEnvelope, n, f.maxEnvelope)
	}
	return nil
}

// Pack 为信封加上长度前缀与 CRC 尾部
func (f *FrameCodec) Pack(envelope []byte) ([]byte, error) {
	if err := f.checkLength(len(envelope)); err != nil {
		return nil, err
	}
	buf := make([]byte, inter.FrameLengthSize, inter.FrameLengthSize+len(envelope)+inter.FrameCRCSize)
	binary.BigEndian.PutUint16(buf, uint16(len(envelope)))
	buf = append(buf, envelope...)
	return binary.BigEndian.AppendUint16(buf, crc16Modbus(envelope)), nil
}

// Unpack 校验一个完整的帧并返回其中的信封
func (f *FrameCodec) Unpack(frame []byte) ([]byte, error) {
	if len(frame) < inter.FrameLengthSize+inter.FrameCRCSize {
		return nil, fmt.Errorf("%w: 帧过短", inter.ErrMalformedEnvelope)
	}
	n := int(binary.BigEndian.Uint16(frame))
	if err := f.checkLength(n); err != nil {
		return nil, err
	}
	if len(frame) != inter.FrameLengthSize+n+inter.FrameCRCSize {
		return nil, fmt.Errorf("%w: 帧长度与声明不符", inter.ErrMalformedEnvelope)
	}
	envelope := frame[inter.FrameLengthSize : inter.FrameLengthSize+n]
	if err := checkCRC(envelope, frame[inter.FrameLengthSize+n:]); err != nil {
		return nil, err
	}
	return append([]byte(nil), envelope...), nil
}

// ReadFrame 从流中读取一帧，连接关闭时原样返回 io.EOF
func (f *FrameCodec) ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [inter.FrameLengthSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(lenBuf[:]))
	if err := f.checkLength(n); err != nil {
		return nil, err
	}

	// 一次性读取 信封 + CRC
	body := make([]byte, n+inter.FrameCRCSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	if err := checkCRC(body[:n], body[n:]); err != nil {
		return nil, err
	}
	return body[:n], nil
}

// WriteFrame 将信封分帧后写入流
func (f *FrameCodec) WriteFrame(w io.Writer, envelope []byte) error {
	frame, err := f.Pack(envelope)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

func checkCRC(envelope, trailer []byte) error {
	expected := binary.BigEndian.Uint16(trailer)
	actual := crc16Modbus(envelope)
	if expected != actual {
		return fmt.Errorf("%w: CRC校验失败: 期望 0x%X, 实际 0x%X", inter.ErrMalformedEnvelope, expected, actual)
	}
	return nil
}
