package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/imaged/internal/client"
	"github.com/danmuck/imaged/internal/echo"
	"github.com/pelletier/go-toml/v2"
)

const (
	KindSend = "send"
	KindEcho = "echo"
)

// Template renders the defaults for kind as a TOML document.
func Template(kind string) (string, error) {
	var (
		header string
		doc    any
	)
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindSend:
		header = "# netmsgctl send\n"
		doc = clientTemplate()
	case KindEcho:
		header = "# netmsgctl echo\n"
		doc = echoTemplate()
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	body, err := toml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return header + string(body), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func clientTemplate() clientFile {
	def := client.DefaultConfig()
	return clientFile{
		Host:             "localhost",
		Port:             8443,
		CAFiles:          []string{"certs/ca.pem"},
		CertFile:         "certs/client.pem",
		KeyFile:          "certs/client-key.pem",
		Connections:      def.Connections,
		Parallel:         def.Parallel,
		Label:            def.Label,
		PayloadUnit:      def.PayloadUnit,
		PayloadRepeat:    def.PayloadRepeat,
		ReadTimeout:      def.ReadTimeout.String(),
		ConnectTimeout:   def.ConnectTimeout.String(),
		HandshakeTimeout: def.HandshakeTimeout.String(),
		MaxAttempts:      def.MaxAttempts,
		BackoffInitial:   def.Backoff.InitialDelay.String(),
		BackoffMax:       def.Backoff.MaxDelay.String(),
		BackoffFactor:    def.Backoff.Multiplier,
		BackoffJitter:    def.Backoff.Jitter,
	}
}

func echoTemplate() echoFile {
	def := echo.DefaultServiceConfig()
	return echoFile{
		ListenAddr:       def.ListenAddr,
		AdminAddr:        "127.0.0.1:9090",
		CAFiles:          []string{"certs/ca.pem"},
		CertFile:         "certs/server.pem",
		KeyFile:          "certs/server-key.pem",
		ReadTimeout:      def.ReadTimeout.String(),
		HandshakeTimeout: def.HandshakeTimeout.String(),
		MaxFileBytes:     def.Limits.MaxFileBytes,
		ChunkSize:        def.Limits.ChunkSize,
	}
}
