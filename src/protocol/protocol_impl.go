package protocol

import (
	"crypto"
	"encoding/binary"
	"fmt"

	"github.com/nhirsama/oslp-adapter/src/inter"
)

// Options 信封编解码参数
type Options struct {
	SecurityFieldLength int
	DeviceIDLength      int
	Algorithm           string
	Provider            string
}

// OslpCodec 实现 inter.ProtocolCodec 接口
type OslpCodec struct {
	securityFieldLength int
	deviceIDLength      int
	signer              *Signer
}

// NewOslpCodec 创建一个新的编解码器实例
func NewOslpCodec(opts Options) (*OslpCodec, error) {
	if opts.SecurityFieldLength == 0 {
		opts.SecurityFieldLength = inter.DefaultSecurityFieldLength
	}
	if opts.DeviceIDLength == 0 {
		opts.DeviceIDLength = inter.DefaultDeviceIDLength
	}
	if opts.SecurityFieldLength < 0 || opts.DeviceIDLength < 0 {
		return nil, fmt.Errorf("字段长度非法: security=%d deviceId=%d", opts.SecurityFieldLength, opts.DeviceIDLength)
	}
	signer, err := NewSigner(opts.Algorithm, opts.Provider)
	if err != nil {
		return nil, err
	}
	return &OslpCodec{
		securityFieldLength: opts.SecurityFieldLength,
		deviceIDLength:      opts.DeviceIDLength,
		signer:              signer,
	}, nil
}

func (c *OslpCodec) HeaderLength() int {
	return c.securityFieldLength + c.deviceIDLength + inter.SequenceNumberLength
}

func (c *OslpCodec) DeviceIDLength() int {
	return c.deviceIDLength
}

// Signer 返回编解码器使用的签名器
func (c *OslpCodec) Signer() *Signer {
	return c.signer
}

// signedData 拼接签名原文: deviceId ‖ sequenceNumber(2B BE) ‖ payload
func signedData(deviceID []byte, sequenceNumber uint16, payload []byte) []byte {
	data := make([]byte, 0, len(deviceID)+inter.SequenceNumberLength+len(payload))
	data = append(data, deviceID...)
	data = binary.BigEndian.AppendUint16(data, sequenceNumber)
	return append(data, payload...)
}

func (c *OslpCodec) pack(deviceID []byte, sequenceNumber uint16, payload []byte, securityKey []byte) []byte {
	// 初始长度为 HeaderLength，安全字段剩余部分保持为 0
	buf := make([]byte, c.HeaderLength(), c.HeaderLength()+len(payload))
	copy(buf, securityKey)
	copy(buf[c.securityFieldLength:], deviceID)
	binary.BigEndian.PutUint16(buf[c.securityFieldLength+c.deviceIDLength:], sequenceNumber)
	return append(buf, payload...)
}

func (c *OslpCodec) checkDeviceID(deviceID []byte) error {
	if len(deviceID) != c.deviceIDLength {
		return fmt.Errorf("%w: 设备 ID 长度 %d, 期望 %d", inter.ErrMalformedEnvelope, len(deviceID), c.deviceIDLength)
	}
	return nil
}

func (c *OslpCodec) Encode(deviceID []byte, sequenceNumber uint16, payload []byte, key crypto.PrivateKey) ([]byte, error) {
	if err := c.checkDeviceID(deviceID); err != nil {
		return nil, err
	}
	sig, err := c.signer.Sign(signedData(deviceID, sequenceNumber, payload), key)
	if err != nil {
		return nil, err
	}
	if len(sig) > c.securityFieldLength {
		return nil, fmt.Errorf("%w: 签名长度 %d 超过安全字段长度 %d", inter.ErrSigning, len(sig), c.securityFieldLength)
	}
	return c.pack(deviceID, sequenceNumber, payload, sig), nil
}

func (c *OslpCodec) EncodeUnsigned(deviceID []byte, sequenceNumber uint16, payload []byte, securityKey []byte) ([]byte, error) {
	if err := c.checkDeviceID(deviceID); err != nil {
		return nil, err
	}
	if len(securityKey) > c.securityFieldLength {
		return nil, fmt.Errorf("%w: 安全字段内容长度 %d 超过 %d", inter.ErrMalformedEnvelope, len(securityKey), c.securityFieldLength)
	}
	return c.pack(deviceID, sequenceNumber, payload, securityKey), nil
}

func (c *OslpCodec) Decode(b []byte) (*inter.Envelope, error) {
	header := c.HeaderLength()
	if len(b) < header {
		return nil, fmt.Errorf("%w: 长度 %d 小于头部长度 %d", inter.ErrMalformedEnvelope, len(b), header)
	}

	idStart := c.securityFieldLength
	seqStart := idStart + c.deviceIDLength

	// 拷贝各字段，避免与调用方的缓冲区共享底层数组
	return &inter.Envelope{
		SecurityKey:    append([]byte(nil), b[:idStart]...),
		DeviceID:       append([]byte(nil), b[idStart:seqStart]...),
		SequenceNumber: binary.BigEndian.Uint16(b[seqStart:header]),
		Payload:        append([]byte(nil), b[header:]...),
	}, nil
}

func (c *OslpCodec) Verify(env *inter.Envelope, publicKey crypto.PublicKey) bool {
	if env == nil || publicKey == nil {
		return false
	}
	if len(env.DeviceID) != c.deviceIDLength || len(env.SecurityKey) != c.securityFieldLength {
		return false
	}
	return c.signer.Verify(signedData(env.DeviceID, env.SequenceNumber, env.Payload), env.SecurityKey, publicKey)
}
