// Package signature 私有 API 请求签名
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// Signer HMAC-SHA256 签名器
type Signer struct {
	secret []byte
}

// NewSigner 创建签名器
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign 生成十六进制签名
func (s *Signer) Sign(canonicalString string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(canonicalString))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify 验证签名
func (s *Signer) Verify(canonicalString, signature string) bool {
	expected := s.Sign(canonicalString)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Params is an insertion-ordered query parameter list. Exchanges sign the
// query exactly as sent, so order must survive encoding (url.Values sorts).
type Params struct {
	keys   []string
	values []string
}

// Add 追加参数，空 key 被忽略
func (p *Params) Add(key, value string) *Params {
	if key == "" {
		return p
	}
	p.keys = append(p.keys, key)
	p.values = append(p.values, value)
	return p
}

// Get returns the first value for key.
func (p *Params) Get(key string) (string, bool) {
	for i, k := range p.keys {
		if k == key {
			return p.values[i], true
		}
	}
	return "", false
}

// Clone 复制参数列表
func (p *Params) Clone() *Params {
	out := &Params{}
	if p == nil {
		return out
	}
	out.keys = append(out.keys, p.keys...)
	out.values = append(out.values, p.values...)
	return out
}

// Len 参数个数
func (p *Params) Len() int {
	return len(p.keys)
}

// Encode 构建规范查询字符串（保持插入顺序）
func (p *Params) Encode() string {
	if p == nil || len(p.keys) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(p.keys))
	for i, k := range p.keys {
		pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(p.values[i]))
	}
	return strings.Join(pairs, "&")
}

// SignedQuery returns the canonical query with signature appended as the last parameter.
func (s *Signer) SignedQuery(p *Params) string {
	canonical := p.Encode()
	sig := s.Sign(canonical)
	if canonical == "" {
		return "signature=" + sig
	}
	return canonical + "&signature=" + sig
}
