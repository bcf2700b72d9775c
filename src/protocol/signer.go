package protocol

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"hash"

	"github.com/nhirsama/oslp-adapter/src/inter"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/crypto/sha3"
)

// 支持的签名算法
const (
	AlgorithmSHA256WithECDSA  = "SHA256withECDSA"
	AlgorithmSHA3WithECDSA    = "SHA3-256withECDSA"
	AlgorithmSHA256WithRSA    = "SHA256withRSA"
	AlgorithmEd25519          = "Ed25519"
	DefaultSignatureAlgorithm = AlgorithmSHA256WithECDSA
)

// 签名提供方名称
// SunEC 仅作为已有部署配置中 ECDSA 算法的兼容名称
const (
	ProviderGo      = "go"
	ProviderSunEC   = "SunEC"
	DefaultProvider = ProviderGo
)

type keyKind int

const (
	kindECDSA keyKind = iota
	kindRSA
	kindEd25519
)

// Signer 无状态的签名器，构造时确定算法
type Signer struct {
	algorithm string
	kind      keyKind
	newHash   func() hash.Hash
	hashID    crypto.Hash
}

// NewSigner 按算法与提供方创建签名器，不支持的组合直接返回 ErrSigning
func NewSigner(algorithm, provider string) (*Signer, error) {
	if algorithm == "" {
		algorithm = DefaultSignatureAlgorithm
	}
	if provider == "" {
		provider = DefaultProvider
	}

	var s *Signer
	switch algorithm {
	case AlgorithmSHA256WithECDSA:
		s = &Signer{algorithm: algorithm, kind: kindECDSA, newHash: sha256.New, hashID: crypto.SHA256}
	case AlgorithmSHA3WithECDSA:
		s = &Signer{algorithm: algorithm, kind: kindECDSA, newHash: sha3.New256, hashID: crypto.SHA3_256}
	case AlgorithmSHA256WithRSA:
		s = &Signer{algorithm: algorithm, kind: kindRSA, newHash: sha256.New, hashID: crypto.SHA256}
	case AlgorithmEd25519:
		s = &Signer{algorithm: algorithm, kind: kindEd25519}
	default:
		return nil, fmt.Errorf("%w: 不支持的签名算法 %q", inter.ErrSigning, algorithm)
	}

	switch provider {
	case ProviderGo:
	case ProviderSunEC:
		if s.kind != kindECDSA {
			return nil, fmt.Errorf("%w: 提供方 %s 不支持算法 %s", inter.ErrSigning, provider, algorithm)
		}
	default:
		return nil, fmt.Errorf("%w: 不支持的签名提供方 %q", inter.ErrSigning, provider)
	}
	return s, nil
}

// Algorithm 返回签名算法名称
func (s *Signer) Algorithm() string {
	return s.algorithm
}

func (s *Signer) digest(data []byte) []byte {
	h := s.newHash()
	h.Write(data)
	return h.Sum(nil)
}

// Sign 对 data 签名，私钥类型必须与算法一致
func (s *Signer) Sign(data []byte, key crypto.PrivateKey) ([]byte, error) {
	switch s.kind {
	case kindECDSA:
		k, ok := key.(*ecdsa.PrivateKey)
		if !ok || k == nil {
			return nil, fmt.Errorf("%w: %s 需要 ECDSA 私钥, 实际 %T", inter.ErrSigning, s.algorithm, key)
		}
		sig, err := ecdsa.SignASN1(rand.Reader, k, s.digest(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", inter.ErrSigning, err)
		}
		return sig, nil
	case kindRSA:
		k, ok := key.(*rsa.PrivateKey)
		if !ok || k == nil {
			return nil, fmt.Errorf("%w: %s 需要 RSA 私钥, 实际 %T", inter.ErrSigning, s.algorithm, key)
		}
		sig, err := rsa.SignPKCS1v15(rand.Reader, k, s.hashID, s.digest(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", inter.ErrSigning, err)
		}
		return sig, nil
	case kindEd25519:
		var k ed25519.PrivateKey
		switch v := key.(type) {
		case ed25519.PrivateKey:
			k = v
		case *ed25519.PrivateKey:
			if v != nil {
				k = *v
			}
		}
		if len(k) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("%w: %s 需要 Ed25519 私钥, 实际 %T", inter.ErrSigning, s.algorithm, key)
		}
		return ed25519.Sign(k, data), nil
	}
	return nil, fmt.Errorf("%w: 未知算法", inter.ErrSigning)
}

// Verify 校验补零后的安全字段中的签名，任何异常都返回 false
func (s *Signer) Verify(data, field []byte, pub crypto.PublicKey) bool {
	switch s.kind {
	case kindECDSA:
		k, ok := pub.(*ecdsa.PublicKey)
		if !ok || k == nil || k.Curve == nil || k.X == nil || k.Y == nil {
			return false
		}
		sig, ok := trimASN1Sequence(field)
		if !ok {
			return false
		}
		return ecdsa.VerifyASN1(k, s.digest(data), sig)
	case kindRSA:
		k, ok := pub.(*rsa.PublicKey)
		if !ok || k == nil || k.N == nil {
			return false
		}
		size := k.Size()
		if size == 0 || len(field) < size || !zeroPadded(field[size:]) {
			return false
		}
		return rsa.VerifyPKCS1v15(k, s.hashID, s.digest(data), field[:size]) == nil
	case kindEd25519:
		var k ed25519.PublicKey
		switch v := pub.(type) {
		case ed25519.PublicKey:
			k = v
		case *ed25519.PublicKey:
			if v != nil {
				k = *v
			}
		}
		if len(k) != ed25519.PublicKeySize || len(field) < ed25519.SignatureSize ||
			!zeroPadded(field[ed25519.SignatureSize:]) {
			return false
		}
		return ed25519.Verify(k, data, field[:ed25519.SignatureSize])
	}
	return false
}

// trimASN1Sequence 从补零的字段中读取第一个完整的 DER SEQUENCE，其后必须全部为零
func trimASN1Sequence(field []byte) ([]byte, bool) {
	in := cryptobyte.String(field)
	var out cryptobyte.String
	if !in.ReadASN1Element(&out, asn1.SEQUENCE) || !zeroPadded(in) {
		return nil, false
	}
	return out, true
}

func zeroPadded(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
