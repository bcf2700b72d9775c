package protocol

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// 密钥支持三种存储形式: PEM、Base64 编码的 DER、原始 DER

func decodeKeyMaterial(data []byte) []byte {
	if block, _ := pem.Decode(data); block != nil {
		return block.Bytes
	}
	trimmed := bytes.TrimSpace(data)
	if der, err := base64.StdEncoding.DecodeString(string(trimmed)); err == nil && len(der) > 0 {
		return der
	}
	return data
}

// ParsePrivateKey 解析 PKCS#8 私钥 (兼容 SEC1 EC 私钥)
func ParsePrivateKey(data []byte) (crypto.PrivateKey, error) {
	der := decodeKeyMaterial(data)
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("无法解析私钥: 需要 PKCS#8 或 SEC1 格式")
}

// ParsePublicKey 解析 PKIX 公钥
func ParsePublicKey(data []byte) (crypto.PublicKey, error) {
	der := decodeKeyMaterial(data)
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("无法解析公钥: %w", err)
	}
	return pub, nil
}

// LoadPrivateKey 从文件读取私钥
func LoadPrivateKey(path string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取私钥文件失败: %w", err)
	}
	return ParsePrivateKey(data)
}

// LoadPublicKey 从文件读取公钥
func LoadPublicKey(path string) (crypto.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取公钥文件失败: %w", err)
	}
	return ParsePublicKey(data)
}

// ExtractPublicKey 从注册信封的安全字段中取出明文公钥
// 字段按 PKIX DER 补零存放，只读取第一个 SEQUENCE
func ExtractPublicKey(field []byte) ([]byte, crypto.PublicKey, error) {
	der, ok := trimASN1Sequence(field)
	if !ok {
		return nil, nil, errors.New("安全字段中没有合法的公钥")
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, nil, fmt.Errorf("无法解析设备公钥: %w", err)
	}
	return append([]byte(nil), der...), pub, nil
}

// GenerateKeyPair 生成 P-256 密钥对，返回 PKCS#8 私钥与 PKIX 公钥 (DER)
func GenerateKeyPair() (privDER, pubDER []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	privDER, err = x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	pubDER, err = x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return privDER, pubDER, nil
}

// EncodePrivateKeyPEM 将 PKCS#8 DER 编码为 PEM
func EncodePrivateKeyPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

// EncodePublicKeyPEM 将 PKIX DER 编码为 PEM
func EncodePublicKeyPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}
