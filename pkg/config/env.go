// Package config 提供环境变量配置工具函数
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// .env.example 里的占位密钥，生产环境禁止使用
var insecureDevSecrets = map[string]struct{}{
	"dev-jwt-secret-change-me-32-bytes-minimum": {},
	"dev-webhook-secret-change-me":              {},
	"dev-gateway-key-secret-change-me":          {},
	"changeme":                                  {},
}

const MinSecretLength = 32

// IsInsecureDevSecret reports whether value is one of the placeholder secrets shipped in .env.example.
func IsInsecureDevSecret(value string) bool {
	_, ok := insecureDevSecrets[value]
	return ok
}

// IsDevelopment 判断 APP_ENV 是否为开发/测试环境
func IsDevelopment(appEnv string) bool {
	switch strings.ToLower(strings.TrimSpace(appEnv)) {
	case "", "dev", "development", "local", "test":
		return true
	}
	return false
}

// CheckSecret 校验密钥：必填；非开发环境下拒绝占位值与过短的值
func CheckSecret(name, value string, minLen int, dev bool) error {
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	if dev {
		return nil
	}
	if IsInsecureDevSecret(value) {
		return fmt.Errorf("%s uses a development placeholder", name)
	}
	if minLen > 0 && len(value) < minLen {
		return fmt.Errorf("%s must be at least %d bytes", name, minLen)
	}
	return nil
}

// GetEnv 获取环境变量，如果不存在则返回默认值
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt 获取整数类型的环境变量
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// GetEnvInt64 获取int64类型的环境变量
func GetEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// GetEnvBool 获取布尔类型的环境变量
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvFloat64 获取float64类型的环境变量
func GetEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnvDuration 获取时间间隔类型的环境变量
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// GetEnvSlice 获取字符串切片类型的环境变量，使用逗号分隔
func GetEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
