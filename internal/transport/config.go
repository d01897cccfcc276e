package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// Config is the immutable identity and trust material for one or more
// Conns. It may be shared across goroutines.
type Config struct {
	// TrustAnchors validate the peer chain, in the order supplied.
	TrustAnchors      []*x509.Certificate
	ClientCertificate tls.Certificate

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	// WriteTimeout bounds a single WriteBytes call. Zero blocks until the
	// transport reports success or a fatal error.
	WriteTimeout time.Duration
	MinVersion   uint16

	// Resolver overrides net.DefaultResolver.
	Resolver *net.Resolver
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		MinVersion:       tls.VersionTLS12,
	}
}

// LoadConfig reads PEM trust anchors and the client key pair from disk.
func LoadConfig(caFiles []string, certFile, keyFile string) (Config, error) {
	bundles := make([][]byte, 0, len(caFiles))
	for _, path := range caFiles {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("transport: read trust anchors %s: %w", path, err)
		}
		bundles = append(bundles, data)
	}
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return Config{}, fmt.Errorf("transport: read client certificate %s: %w", certFile, err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return Config{}, fmt.Errorf("transport: read client key %s: %w", keyFile, err)
	}
	return NewConfig(bundles, certPEM, keyPEM)
}

// NewConfig builds a Config from in-memory PEM blobs. Each CA bundle may hold
// several certificates.
func NewConfig(caPEM [][]byte, certPEM, keyPEM []byte) (Config, error) {
	cfg := DefaultConfig()
	for i, bundle := range caPEM {
		certs, err := parseCertificates(bundle)
		if err != nil {
			return Config{}, fmt.Errorf("transport: trust bundle %d: %w", i, err)
		}
		cfg.TrustAnchors = append(cfg.TrustAnchors, certs...)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return Config{}, fmt.Errorf("transport: client key pair: %w", err)
	}
	cfg.ClientCertificate = cert
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if len(c.TrustAnchors) == 0 {
		return ErrTrustAnchorsRequired
	}
	if len(c.ClientCertificate.Certificate) == 0 || c.ClientCertificate.PrivateKey == nil {
		return ErrClientCertificateRequired
	}
	return nil
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.MinVersion == 0 {
		c.MinVersion = def.MinVersion
	}
	if c.Resolver == nil {
		c.Resolver = net.DefaultResolver
	}
	c.TrustAnchors = append([]*x509.Certificate(nil), c.TrustAnchors...)
	return c
}

func (c Config) clientTLSConfig(serverName string) *tls.Config {
	pool := x509.NewCertPool()
	for _, ca := range c.TrustAnchors {
		pool.AddCert(ca)
	}
	return &tls.Config{
		MinVersion:   c.MinVersion,
		RootCAs:      pool,
		Certificates: []tls.Certificate{c.ClientCertificate},
		ServerName:   serverName,
	}
}

func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	var out []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no certificates found")
	}
	return out, nil
}
