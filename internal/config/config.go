// Package config defines the proxy configuration and loads it from YAML.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ProxyConfig is the complete proxy configuration. It is treated as
// immutable once a server has been started with it.
type ProxyConfig struct {
	IPAddress string `yaml:"ip_address"`
	Port      int    `yaml:"port"`

	Authentication bool   `yaml:"authentication"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`

	CacheEnabled bool          `yaml:"cache_enabled"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`

	// SOCKS5Address routes all outbound connections through a SOCKS5
	// server when set.
	SOCKS5Address string `yaml:"socks5_address"`

	// HTTPSEnabled terminates TLS on the listening socket. It is unrelated
	// to CONNECT tunneling, which is always available.
	HTTPSEnabled    bool   `yaml:"https_enabled"`
	CertificatePath string `yaml:"certificate_path"`
	PrivateKeyPath  string `yaml:"private_key_path"`

	// TargetAddress forwards every non-CONNECT request to this host:port,
	// ignoring the request's own destination.
	TargetAddress string `yaml:"target_address"`

	DialTimeout        time.Duration `yaml:"dial_timeout"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace"`

	// MaxBodyBytes caps a buffered request body. Larger bodies are refused
	// with 413. Zero disables the cap.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// Default returns the configuration used when nothing is specified.
func Default() ProxyConfig {
	return ProxyConfig{
		IPAddress:          "127.0.0.1",
		Port:               8080,
		CacheEnabled:       true,
		DialTimeout:        10 * time.Second,
		NegotiationTimeout: 10 * time.Second,
		IdleTimeout:        5 * time.Minute,
		ShutdownGrace:      10 * time.Second,
		MaxBodyBytes:       64 << 20,
	}
}

// Load reads filename and overlays it onto Default.
func Load(filename string) (ProxyConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		return ProxyConfig{}, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ProxyConfig{}, fmt.Errorf("parse %s: %w", filename, err)
	}

	if err := cfg.Validate(); err != nil {
		return ProxyConfig{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Addr returns the listen address as host:port.
func (c ProxyConfig) Addr() string {
	return net.JoinHostPort(c.IPAddress, strconv.Itoa(c.Port))
}

// Validate reports every problem with c, joined in field order.
func (c ProxyConfig) Validate() error {
	var errs []error

	if c.IPAddress == "" {
		errs = append(errs, errors.New("ip_address is required"))
	} else if net.ParseIP(c.IPAddress) == nil {
		errs = append(errs, fmt.Errorf("ip_address %q is not an IP address", c.IPAddress))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}

	if c.Authentication && c.Username == "" {
		errs = append(errs, errors.New("username is required when authentication is enabled"))
	}

	if c.HTTPSEnabled {
		if c.CertificatePath == "" {
			errs = append(errs, errors.New("certificate_path is required when https_enabled is set"))
		}
		if c.PrivateKeyPath == "" {
			errs = append(errs, errors.New("private_key_path is required when https_enabled is set"))
		}
	}

	if c.TargetAddress != "" {
		if _, _, err := net.SplitHostPort(c.TargetAddress); err != nil {
			errs = append(errs, fmt.Errorf("target_address: %w", err))
		}
	}

	for _, d := range []struct {
		name string
		d    time.Duration
	}{
		{"cache_ttl", c.CacheTTL},
		{"dial_timeout", c.DialTimeout},
		{"negotiation_timeout", c.NegotiationTimeout},
		{"idle_timeout", c.IdleTimeout},
		{"shutdown_grace", c.ShutdownGrace},
	} {
		if d.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.name))
		}
	}
	if c.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("max_body_bytes must not be negative"))
	}

	return errors.Join(errs...)
}
