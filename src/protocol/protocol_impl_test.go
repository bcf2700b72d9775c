package protocol

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// 辅助函数与变量
// =============================================================================

var testDeviceID = []byte("TESTDEVICE01")

func newECKey(t testing.TB) *ecdsa.PrivateKey {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func newCodec(t testing.TB, algorithm string) *OslpCodec {
	c, err := NewOslpCodec(Options{Algorithm: algorithm})
	require.NoError(t, err)
	return c
}

// 生成指定大小的随机 Payload
func generatePayload(size int) []byte {
	p := make([]byte, size)
	rand.Read(p)
	return p
}

// =============================================================================
// 单元测试 (Unit Tests)
// =============================================================================

func TestEncodeDecode_RoundTrip(t *testing.T) {
	codec := newCodec(t, "")
	key := newECKey(t)
	payload := []byte("set light 1 on")

	buf, err := codec.Encode(testDeviceID, 42, payload, key)
	require.NoError(t, err)
	assert.Len(t, buf, codec.HeaderLength()+len(payload))
	assert.Equal(t, inter.DefaultSecurityFieldLength+inter.DefaultDeviceIDLength+2, codec.HeaderLength())

	env, err := codec.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, testDeviceID, env.DeviceID)
	assert.Equal(t, uint16(42), env.SequenceNumber)
	assert.Equal(t, payload, env.Payload)
	assert.Len(t, env.SecurityKey, inter.DefaultSecurityFieldLength)
	assert.True(t, codec.Verify(env, &key.PublicKey))
}

func TestEncode_WireLayout(t *testing.T) {
	codec := newCodec(t, "")
	key := newECKey(t)

	buf, err := codec.Encode(testDeviceID, 0x0102, []byte{0xAA}, key)
	require.NoError(t, err)

	// [security 248][device id 12][seq 2B BE][payload]
	assert.Equal(t, testDeviceID, buf[248:260])
	assert.Equal(t, []byte{0x01, 0x02}, buf[260:262])
	assert.Equal(t, byte(0xAA), buf[262])
}

func TestEncode_EmptyPayload(t *testing.T) {
	codec := newCodec(t, "")
	key := newECKey(t)

	buf, err := codec.Encode(testDeviceID, 1, nil, key)
	require.NoError(t, err)
	env, err := codec.Decode(buf)
	require.NoError(t, err)
	assert.Empty(t, env.Payload)
	assert.True(t, codec.Verify(env, &key.PublicKey))
}

func TestDecode_TooShort(t *testing.T) {
	codec := newCodec(t, "")
	_, err := codec.Decode(make([]byte, codec.HeaderLength()-1))
	assert.ErrorIs(t, err, inter.ErrMalformedEnvelope)

	_, err = codec.Decode(nil)
	assert.ErrorIs(t, err, inter.ErrMalformedEnvelope)
}

func TestEncode_WrongDeviceIDLength(t *testing.T) {
	codec := newCodec(t, "")
	_, err := codec.Encode([]byte("short"), 1, nil, newECKey(t))
	assert.ErrorIs(t, err, inter.ErrMalformedEnvelope)
}

// 测试：任何字段被篡改后签名校验都必须失败
func TestVerify_Tampering(t *testing.T) {
	codec := newCodec(t, "")
	key := newECKey(t)
	otherDeviceKey := newECKey(t)

	buf, err := codec.Encode(testDeviceID, 7, []byte("payload"), key)
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(b []byte)
		pub    crypto.PublicKey
	}{
		{"device id", func(b []byte) { b[codec.securityFieldLength] ^= 0xFF }, &key.PublicKey},
		{"sequence number", func(b []byte) { b[codec.HeaderLength()-1] ^= 0x01 }, &key.PublicKey},
		{"payload", func(b []byte) { b[len(b)-1] ^= 0xFF }, &key.PublicKey},
		{"signature", func(b []byte) { b[10] ^= 0xFF }, &key.PublicKey},
		{"signature padding", func(b []byte) { b[codec.securityFieldLength-1] ^= 0x01 }, &key.PublicKey},
		{"wrong key", func(b []byte) {}, &newECKey(t).PublicKey},
		{"other device key", func(b []byte) {}, &otherDeviceKey.PublicKey},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := append([]byte(nil), buf...)
			tc.mutate(b)
			env, err := codec.Decode(b)
			require.NoError(t, err)
			assert.False(t, codec.Verify(env, tc.pub))
		})
	}
}

func TestVerify_InvalidInput(t *testing.T) {
	codec := newCodec(t, "")
	key := newECKey(t)
	rsaKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	buf, err := codec.Encode(testDeviceID, 7, []byte("payload"), key)
	require.NoError(t, err)
	env, err := codec.Decode(buf)
	require.NoError(t, err)

	assert.False(t, codec.Verify(nil, &key.PublicKey))
	assert.False(t, codec.Verify(env, nil))
	assert.False(t, codec.Verify(env, &rsaKey.PublicKey), "key type does not match algorithm")
	assert.False(t, codec.Verify(env, (*ecdsa.PublicKey)(nil)))

	// 安全字段全部为随机字节时不能 panic
	garbage := *env
	garbage.SecurityKey = generatePayload(inter.DefaultSecurityFieldLength)
	assert.False(t, codec.Verify(&garbage, &key.PublicKey))

	zero := *env
	zero.SecurityKey = make([]byte, inter.DefaultSecurityFieldLength)
	assert.False(t, codec.Verify(&zero, &key.PublicKey))
}

func TestEncodeUnsigned_CarriesPublicKey(t *testing.T) {
	codec := newCodec(t, "")
	_, pubDER, err := GenerateKeyPair()
	require.NoError(t, err)

	buf, err := codec.EncodeUnsigned(testDeviceID, 3, []byte("register"), pubDER)
	require.NoError(t, err)

	env, err := codec.Decode(buf)
	require.NoError(t, err)
	der, pub, err := ExtractPublicKey(env.SecurityKey)
	require.NoError(t, err)
	assert.Equal(t, pubDER, der)
	assert.IsType(t, &ecdsa.PublicKey{}, pub)
}

func TestEncodeUnsigned_KeyTooLong(t *testing.T) {
	codec := newCodec(t, "")
	_, err := codec.EncodeUnsigned(testDeviceID, 3, nil, make([]byte, inter.DefaultSecurityFieldLength+1))
	assert.ErrorIs(t, err, inter.ErrMalformedEnvelope)
}

func TestSigner_Algorithms(t *testing.T) {
	ecKey := newECKey(t)
	rsaKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cases := []struct {
		algorithm string
		provider  string
		priv      crypto.PrivateKey
		pub       crypto.PublicKey
	}{
		{AlgorithmSHA256WithECDSA, ProviderGo, ecKey, &ecKey.PublicKey},
		{AlgorithmSHA256WithECDSA, ProviderSunEC, ecKey, &ecKey.PublicKey},
		{AlgorithmSHA3WithECDSA, ProviderGo, ecKey, &ecKey.PublicKey},
		{AlgorithmSHA256WithRSA, ProviderGo, rsaKey, &rsaKey.PublicKey},
		{AlgorithmEd25519, ProviderGo, edPriv, edPub},
	}

	for _, tc := range cases {
		t.Run(tc.algorithm+"/"+tc.provider, func(t *testing.T) {
			codec, err := NewOslpCodec(Options{Algorithm: tc.algorithm, Provider: tc.provider})
			require.NoError(t, err)

			buf, err := codec.Encode(testDeviceID, 65535, []byte("status"), tc.priv)
			require.NoError(t, err)
			env, err := codec.Decode(buf)
			require.NoError(t, err)
			assert.True(t, codec.Verify(env, tc.pub))

			env.Payload[0] ^= 0xFF
			assert.False(t, codec.Verify(env, tc.pub))
			env.Payload[0] ^= 0xFF

			// 签名后的补零区也在校验范围内
			env.SecurityKey[len(env.SecurityKey)-1] = 0x01
			assert.False(t, codec.Verify(env, tc.pub))
		})
	}
}

func TestNewSigner_Unsupported(t *testing.T) {
	_, err := NewSigner("MD5withRSA", ProviderGo)
	assert.ErrorIs(t, err, inter.ErrSigning)

	_, err = NewSigner(AlgorithmSHA256WithECDSA, "BC")
	assert.ErrorIs(t, err, inter.ErrSigning)

	_, err = NewSigner(AlgorithmSHA256WithRSA, ProviderSunEC)
	assert.ErrorIs(t, err, inter.ErrSigning)

	s, err := NewSigner("", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultSignatureAlgorithm, s.Algorithm())
}

func TestEncode_SigningErrors(t *testing.T) {
	t.Run("key type mismatch", func(t *testing.T) {
		codec := newCodec(t, AlgorithmSHA256WithECDSA)
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		_, err = codec.Encode(testDeviceID, 1, nil, priv)
		assert.ErrorIs(t, err, inter.ErrSigning)
	})

	t.Run("nil key", func(t *testing.T) {
		codec := newCodec(t, AlgorithmSHA256WithECDSA)
		_, err := codec.Encode(testDeviceID, 1, nil, nil)
		assert.ErrorIs(t, err, inter.ErrSigning)
	})

	t.Run("signature longer than field", func(t *testing.T) {
		codec := newCodec(t, AlgorithmSHA256WithRSA)
		rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		_, err = codec.Encode(testDeviceID, 1, nil, rsaKey)
		assert.ErrorIs(t, err, inter.ErrSigning)
	})
}

func TestCustomFieldLengths(t *testing.T) {
	codec, err := NewOslpCodec(Options{SecurityFieldLength: 128, DeviceIDLength: 6})
	require.NoError(t, err)
	key := newECKey(t)
	id := []byte{1, 2, 3, 4, 5, 6}

	buf, err := codec.Encode(id, 9, []byte("x"), key)
	require.NoError(t, err)
	assert.Len(t, buf, 128+6+2+1)

	env, err := codec.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, id, env.DeviceID)
	assert.True(t, codec.Verify(env, &key.PublicKey))
}

// 随机输入的往返测试
func TestEncodeDecode_Fuzz(t *testing.T) {
	codec := newCodec(t, "")
	key := newECKey(t)
	f := fuzz.New().NilChance(0).NumElements(0, 512)

	for i := 0; i < 50; i++ {
		var (
			id      [inter.DefaultDeviceIDLength]byte
			seq     uint16
			payload []byte
		)
		f.Fuzz(&id)
		f.Fuzz(&seq)
		f.Fuzz(&payload)

		buf, err := codec.Encode(id[:], seq, payload, key)
		require.NoError(t, err)
		env, err := codec.Decode(buf)
		require.NoError(t, err)

		assert.Equal(t, id[:], env.DeviceID)
		assert.Equal(t, seq, env.SequenceNumber)
		assert.Equal(t, len(payload), len(env.Payload))
		if len(payload) > 0 {
			assert.Equal(t, payload, env.Payload)
		}
		assert.True(t, codec.Verify(env, &key.PublicKey))
	}
}

// 测试：并发安全性 (Codec 应该是无状态的)
func TestConcurrency(t *testing.T) {
	codec := newCodec(t, "")
	key := newECKey(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(seq uint16) {
			defer wg.Done()
			buf, err := codec.Encode(testDeviceID, seq, []byte("data"), key)
			if !assert.NoError(t, err) {
				return
			}
			env, err := codec.Decode(buf)
			if assert.NoError(t, err) {
				assert.True(t, codec.Verify(env, &key.PublicKey))
			}
		}(uint16(i))
	}
	wg.Wait()
}

// =============================================================================
// 性能测试 (Benchmarks)
// =============================================================================

func BenchmarkEncode_1KB(b *testing.B) {
	codec := newCodec(b, "")
	key := newECKey(b)
	payload := generatePayload(1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = codec.Encode(testDeviceID, uint16(i), payload, key)
	}
}

func BenchmarkDecodeVerify_1KB(b *testing.B) {
	codec := newCodec(b, "")
	key := newECKey(b)
	buf, _ := codec.Encode(testDeviceID, 1, generatePayload(1024), key)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		env, _ := codec.Decode(buf)
		_ = codec.Verify(env, &key.PublicKey)
	}
}
