package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/nhirsama/oslp-adapter/src/inter"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// MarshalMessage 将业务消息编码为信封 Payload
func MarshalMessage(m *inter.Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("消息为空")
	}
	if kinds := m.Kinds(); len(kinds) != 1 {
		return nil, fmt.Errorf("消息必须恰好设置一个字段, 实际 %v", kinds)
	}
	return encMode.Marshal(m)
}

// UnmarshalMessage 解析信封 Payload
func UnmarshalMessage(b []byte) (*inter.Message, error) {
	var m inter.Message
	if err := decMode.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: payload 解析失败: %v", inter.ErrMalformedEnvelope, err)
	}
	if kinds := m.Kinds(); len(kinds) != 1 {
		return nil, fmt.Errorf("%w: payload 应当恰好包含一个消息, 实际 %v", inter.ErrMalformedEnvelope, kinds)
	}
	return &m, nil
}
