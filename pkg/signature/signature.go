// Package signature HMAC-SHA256 签名工具（支付网关回调、支付确认签名）
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Signer 签名器
type Signer struct {
	secret []byte
}

// NewSigner 创建签名器
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign 生成十六进制签名
func (s *Signer) Sign(payload string) string {
	return s.SignBytes([]byte(payload))
}

func (s *Signer) SignBytes(payload []byte) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify 常量时间比较
func (s *Signer) Verify(payload, signature string) bool {
	return s.VerifyBytes([]byte(payload), signature)
}

func (s *Signer) VerifyBytes(payload []byte, signature string) bool {
	if signature == "" {
		return false
	}
	expected := s.SignBytes(payload)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// JoinPipe 按网关约定用 "|" 拼接字段，如 orderID|paymentID
func JoinPipe(parts ...string) string {
	return strings.Join(parts, "|")
}
