package tls

import (
	cryptotls "crypto/tls"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/vigil/internal/config"
)

// Builder provides a fluent API for TLS configuration
type Builder struct {
	cfg config.TLSConfig
}

// NewTLSConfigBuilder creates a new TLS configuration builder
func NewTLSConfigBuilder() *Builder {
	return &Builder{}
}

// Enable enables TLS
func (b *Builder) Enable() *Builder {
	b.cfg.Enabled = true
	return b
}

// WithCertFiles sets explicit certificate and key file paths
func (b *Builder) WithCertFiles(certFile, keyFile string) *Builder {
	b.cfg.CertFile = certFile
	b.cfg.KeyFile = keyFile
	return b
}

// WithDir sets the certificate directory
func (b *Builder) WithDir(dir string) *Builder {
	b.cfg.Dir = dir
	return b
}

// WithAutoGenerate enables self-signed generation in the certificate directory
func (b *Builder) WithAutoGenerate(dir string) *Builder {
	b.cfg.Dir = dir
	b.cfg.AutoGenerate = true
	return b
}

// WithCustomCert customizes the auto-generated certificate
func (b *Builder) WithCustomCert(commonName, organization string, dnsNames []string, validDays int) *Builder {
	b.cfg.AutoGen = &config.AutoGenTLS{
		CommonName:   commonName,
		Organization: organization,
		DNSNames:     dnsNames,
		ValidDays:    validDays,
	}
	return b
}

// Build returns the assembled configuration
func (b *Builder) Build() *config.TLSConfig {
	cfg := b.cfg
	return &cfg
}

// Setup builds the configuration and resolves it into a *tls.Config
func (b *Builder) Setup(listen string) (*cryptotls.Config, error) {
	return SetupTLS(config.ServerConfig{Listen: listen, TLS: b.Build()})
}

// Presets offers ready-made TLS configurations for common scenarios
type Presets struct{}

// Default holds the preset catalog
var Default = Presets{}

// Development returns a config that auto-generates self-signed certificates
func (Presets) Development(certDir string) *config.TLSConfig {
	return NewTLSConfigBuilder().
		Enable().
		WithAutoGenerate(certDir).
		Build()
}

// Production returns a config backed by operator-provided certificate files
func (Presets) Production(certFile, keyFile string) *config.TLSConfig {
	return NewTLSConfigBuilder().
		Enable().
		WithCertFiles(certFile, keyFile).
		Build()
}

// Testing returns a short-lived auto-generated config for test runs
func (Presets) Testing(certDir string) *config.TLSConfig {
	return NewTLSConfigBuilder().
		Enable().
		WithAutoGenerate(certDir).
		WithCustomCert("localhost", "vigil-test", []string{"localhost"}, 1).
		Build()
}

// CreateDevTLS creates a development TLS setup under baseDir/tls
func CreateDevTLS(baseDir string) (*cryptotls.Config, string, error) {
	certDir := filepath.Join(baseDir, "tls")
	if err := os.MkdirAll(certDir, 0o750); err != nil {
		return nil, "", fmt.Errorf("failed to create TLS directory: %w", err)
	}
	cfg, err := QuickSelfSignedTLS(certDir)
	if err != nil {
		return nil, "", err
	}
	return cfg, certDir, nil
}
