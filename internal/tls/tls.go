// Package tls builds the server TLS configuration of the status API, from
// operator supplied files or from a self-signed pair generated on first start.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	tlsCrt = "tls.crt"
	tlsKey = "tls.key"

	defaultValidDays = 365 * 5
)

// Config is the [server.tls] section.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"` // holds tls.crt / tls.key
	AutoGenerate bool     `mapstructure:"auto_generate"`
	Hosts        []string `mapstructure:"hosts"` // SANs of a generated certificate
	ValidDays    int      `mapstructure:"valid_days"`
	MinVersion   string   `mapstructure:"min_version"` // 1.2 | 1.3 (default)
}

// ErrNoCertificate is returned when TLS is enabled without a usable pair.
var ErrNoCertificate = errors.New("tls enabled but no certificate configured")

func parseVersion(v string) (uint16, error) {
	switch v {
	case "", "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, nil
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, nil
	default:
		return 0, fmt.Errorf("unknown tls version %q", v)
	}
}

// Setup returns nil, nil when TLS is disabled.
func Setup(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}
	certPath, keyPath := cfg.CertFile, cfg.KeyFile
	if certPath == "" || keyPath == "" {
		if cfg.Dir == "" {
			return nil, ErrNoCertificate
		}
		certPath, keyPath = filepath.Join(cfg.Dir, tlsCrt), filepath.Join(cfg.Dir, tlsKey)
		if cfg.AutoGenerate && !exists(certPath, keyPath) {
			if err := generate(cfg, certPath, keyPath); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	// fail at startup rather than on the first handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:     minVer,
		GetCertificate: reloading(certPath, keyPath),
	}, nil
}

// reloading reads the pair on every handshake so a rotated certificate is
// picked up without restarting the agent.
func reloading(certPath, keyPath string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, err
		}
		return &c, nil
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func generate(cfg Config, certPath, keyPath string) error {
	hosts := cfg.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	days := cfg.ValidDays
	if days <= 0 {
		days = defaultValidDays
	}
	cn := hosts[0]
	if h, err := os.Hostname(); err == nil && h != "" {
		cn = h
	}
	return generateSelfSigned(certSpec{
		CommonName: cn,
		Hosts:      hosts,
		NotAfter:   time.Now().AddDate(0, 0, days),
		CertPath:   certPath,
		KeyPath:    keyPath,
	})
}
