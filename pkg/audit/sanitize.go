// Package audit 审计元数据脱敏
package audit

import (
	"fmt"
	"strings"
	"unicode"
)

// SanitizeMetadata 脱敏审计元数据：密钥、签名类字段整体遮蔽，账号/手机号保留首尾
func SanitizeMetadata(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{}
	}

	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = sanitizeValue(k, v)
	}
	return out
}

func sanitizeValue(key string, value interface{}) interface{} {
	if isSensitiveKey(key) {
		return "***"
	}

	switch typed := value.(type) {
	case map[string]interface{}:
		return SanitizeMetadata(typed)
	case []interface{}:
		cp := make([]interface{}, 0, len(typed))
		for i, item := range typed {
			// 数组元素使用索引作为 key，避免父级 key 误判
			if m, ok := item.(map[string]interface{}); ok {
				cp = append(cp, SanitizeMetadata(m))
			} else {
				cp = append(cp, sanitizeValue(fmt.Sprintf("[%d]", i), item))
			}
		}
		return cp
	case string:
		if shouldMaskPartial(key, typed) {
			return maskPreserveEnds(typed, 2, 4)
		}
		return typed
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	return strings.Contains(k, "secret") ||
		strings.Contains(k, "token") ||
		strings.Contains(k, "signature") ||
		strings.Contains(k, "password") ||
		k == "key" ||
		strings.HasSuffix(k, "_key")
}

func shouldMaskPartial(key, value string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if strings.Contains(k, "phone") || strings.Contains(k, "mobile") ||
		strings.Contains(k, "account") || strings.Contains(k, "ifsc") || strings.Contains(k, "upi") {
		return true
	}

	// 值本身看起来像手机号/账号
	digits := 0
	for _, r := range value {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	return len(value) >= 9 && digits >= len(value)-2
}

func maskPreserveEnds(s string, prefixKeep, suffixKeep int) string {
	runes := []rune(s)
	if len(runes) <= prefixKeep+suffixKeep {
		return "***"
	}
	maskedLen := len(runes) - prefixKeep - suffixKeep
	return string(runes[:prefixKeep]) + strings.Repeat("*", maskedLen) + string(runes[len(runes)-suffixKeep:])
}
