// Package config maps netmsgctl TOML files onto client and echo settings.
// Keys absent from a file keep their defaults.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/imaged/internal/client"
	"github.com/danmuck/imaged/internal/echo"
)

// send.toml key mapping.
type clientFile struct {
	Host             string   `toml:"host"`
	Port             int      `toml:"port"`
	CAFiles          []string `toml:"ca_files"`
	CertFile         string   `toml:"cert_file"`
	KeyFile          string   `toml:"key_file"`
	Connections      int      `toml:"connections"`
	Parallel         bool     `toml:"parallel"`
	Label            string   `toml:"label"`
	PayloadUnit      string   `toml:"payload_unit"`
	PayloadRepeat    int      `toml:"payload_repeat"`
	ReadTimeout      string   `toml:"read_timeout"`
	ConnectTimeout   string   `toml:"connect_timeout"`
	HandshakeTimeout string   `toml:"handshake_timeout"`
	WriteTimeout     string   `toml:"write_timeout,omitempty"`
	MaxAttempts      int      `toml:"max_attempts"`
	BackoffInitial   string   `toml:"backoff_initial"`
	BackoffMax       string   `toml:"backoff_max"`
	BackoffFactor    float64  `toml:"backoff_multiplier"`
	BackoffJitter    bool     `toml:"backoff_jitter"`
}

// echo.toml key mapping.
type echoFile struct {
	ListenAddr       string   `toml:"listen_addr"`
	AdminAddr        string   `toml:"admin_addr"`
	AdminToken       string   `toml:"admin_token,omitempty"`
	CAFiles          []string `toml:"ca_files"`
	CertFile         string   `toml:"cert_file"`
	KeyFile          string   `toml:"key_file"`
	ReadTimeout      string   `toml:"read_timeout"`
	HandshakeTimeout string   `toml:"handshake_timeout"`
	MaxFileBytes     uint64   `toml:"max_file_bytes"`
	ChunkSize        int      `toml:"chunk_size"`
}

// LoadClient reads a send config. Relative certificate paths resolve against
// the config file's directory.
func LoadClient(path string) (client.Config, error) {
	cfg := client.DefaultConfig()

	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return client.Config{}, fmt.Errorf("load client config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return client.Config{}, fmt.Errorf("load client config: unknown key %q", undecoded[0].String())
	}
	base := filepath.Dir(path)

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("ca_files") {
		cfg.CAFiles = resolvePaths(base, raw.CAFiles)
	}
	if meta.IsDefined("cert_file") {
		cfg.CertFile = resolvePath(base, raw.CertFile)
	}
	if meta.IsDefined("key_file") {
		cfg.KeyFile = resolvePath(base, raw.KeyFile)
	}
	if meta.IsDefined("connections") {
		cfg.Connections = raw.Connections
	}
	if meta.IsDefined("parallel") {
		cfg.Parallel = raw.Parallel
	}
	if meta.IsDefined("label") {
		cfg.Label = raw.Label
	}
	if meta.IsDefined("payload_unit") {
		cfg.PayloadUnit = raw.PayloadUnit
	}
	if meta.IsDefined("payload_repeat") {
		cfg.PayloadRepeat = raw.PayloadRepeat
	}
	if meta.IsDefined("max_attempts") {
		cfg.MaxAttempts = raw.MaxAttempts
	}
	if meta.IsDefined("backoff_multiplier") {
		cfg.Backoff.Multiplier = raw.BackoffFactor
	}
	if meta.IsDefined("backoff_jitter") {
		cfg.Backoff.Jitter = raw.BackoffJitter
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"backoff_initial", raw.BackoffInitial, &cfg.Backoff.InitialDelay},
		{"backoff_max", raw.BackoffMax, &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := parseDuration(d.key, d.raw)
		if err != nil {
			return client.Config{}, fmt.Errorf("load client config: %w", err)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return client.Config{}, fmt.Errorf("load client config: %w", err)
	}
	return cfg, nil
}

// LoadEcho reads an echo peer config.
func LoadEcho(path string) (echo.ServiceConfig, error) {
	cfg := echo.DefaultServiceConfig()

	var raw echoFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return echo.ServiceConfig{}, fmt.Errorf("load echo config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return echo.ServiceConfig{}, fmt.Errorf("load echo config: unknown key %q", undecoded[0].String())
	}
	base := filepath.Dir(path)

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("ca_files") {
		cfg.CAFiles = resolvePaths(base, raw.CAFiles)
	}
	if meta.IsDefined("cert_file") {
		cfg.CertFile = resolvePath(base, raw.CertFile)
	}
	if meta.IsDefined("key_file") {
		cfg.KeyFile = resolvePath(base, raw.KeyFile)
	}
	if meta.IsDefined("max_file_bytes") {
		cfg.Limits.MaxFileBytes = raw.MaxFileBytes
	}
	if meta.IsDefined("chunk_size") {
		cfg.Limits.ChunkSize = raw.ChunkSize
	}
	if meta.IsDefined("read_timeout") {
		v, err := parseDuration("read_timeout", raw.ReadTimeout)
		if err != nil {
			return echo.ServiceConfig{}, fmt.Errorf("load echo config: %w", err)
		}
		cfg.ReadTimeout = v
	}
	if meta.IsDefined("handshake_timeout") {
		v, err := parseDuration("handshake_timeout", raw.HandshakeTimeout)
		if err != nil {
			return echo.ServiceConfig{}, fmt.Errorf("load echo config: %w", err)
		}
		cfg.HandshakeTimeout = v
	}

	if err := cfg.Validate(); err != nil {
		return echo.ServiceConfig{}, fmt.Errorf("load echo config: %w", err)
	}
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: negative duration %s", key, raw)
	}
	return v, nil
}

func resolvePath(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func resolvePaths(base string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p = resolvePath(base, p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
