package redis

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

// TLSOptions Redis TLS 配置；Enabled 为 false 时使用明文连接
type TLSOptions struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	CACertFile string `json:"caCertFile" yaml:"caCertFile"`
	CertFile   string `json:"certFile" yaml:"certFile"`
	KeyFile    string `json:"keyFile" yaml:"keyFile"`
	ServerName string `json:"serverName" yaml:"serverName"`
}

// Build 生成 tls.Config。客户端证书在每次握手时从磁盘重新读取，证书轮换无需重启。
func (o TLSOptions) Build() (*tls.Config, error) {
	if !o.Enabled {
		return nil, nil
	}
	certFile, keyFile := strings.TrimSpace(o.CertFile), strings.TrimSpace(o.KeyFile)
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("redis tls: cert and key must be set together")
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: strings.TrimSpace(o.ServerName),
	}

	if ca := strings.TrimSpace(o.CACertFile); ca != "" {
		pem, err := os.ReadFile(ca)
		if err != nil {
			return nil, fmt.Errorf("redis tls: read ca cert: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("redis tls: no valid certificates in %s", ca)
		}
		cfg.RootCAs = pool
	}

	if certFile != "" {
		// 启动时先校验一次，避免错误配置拖到第一次握手才暴露
		if _, err := tls.LoadX509KeyPair(certFile, keyFile); err != nil {
			return nil, fmt.Errorf("redis tls: load client cert: %w", err)
		}
		cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			cert, err := tls.LoadX509KeyPair(certFile, keyFile)
			if err != nil {
				return nil, fmt.Errorf("redis tls: reload client cert: %w", err)
			}
			return &cert, nil
		}
	}
	return cfg, nil
}
