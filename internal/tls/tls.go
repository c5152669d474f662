package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/vigil/internal/config"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// parseTLSVersion parses a TLS version string into the crypto/tls constant
func parseTLSVersion(ver string) (uint16, bool) {
	switch ver {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// resolveTLSVersions resolves minimum and maximum TLS versions from server config
func resolveTLSVersions(cfg config.ServerConfig) (minVer uint16, maxVer uint16) {
	// Defaults: 1.3
	minVer = tls.VersionTLS13
	maxVer = tls.VersionTLS13
	if v, ok := parseTLSVersion(cfg.TLSMinVersion); ok {
		minVer = v
	}
	if v, ok := parseTLSVersion(cfg.TLSMaxVersion); ok {
		maxVer = v
	}
	return
}

// safeReadFile reads file content safely within base directory
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// getCertificateFunc returns a function that loads certificates dynamically,
// so rotated files are picked up without a restart.
func getCertificateFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		readCert, err := safeReadFile(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		readKey, err := safeReadFile(baseDir, keyFile)
		if err != nil {
			return nil, err
		}
		certificate, err := tls.X509KeyPair(readCert, readKey)
		return &certificate, err
	}
}

// SetupTLS builds the tls.Config for the control server. Explicit cert/key
// files win over a certificate directory; a directory may auto-generate a
// self-signed pair when none exists yet.
func SetupTLS(server config.ServerConfig) (*tls.Config, error) {
	if server.TLS == nil || !server.TLS.Enabled {
		return nil, nil
	}

	minVer, maxVer := resolveTLSVersions(server)

	if server.TLS.CertFile != "" && server.TLS.KeyFile != "" {
		return createTLSConfig(server.TLS.CertFile, server.TLS.KeyFile, minVer, maxVer)
	}

	if server.TLS.Dir != "" {
		keyPath := filepath.Join(server.TLS.Dir, tlsKey)
		certPath := filepath.Join(server.TLS.Dir, tlsCrt)

		if server.TLS.AutoGenerate && !certificatesExist(certPath, keyPath) {
			if err := generateCertificate(server.TLS, server.TLS.Dir); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}

		return createTLSConfig(certPath, keyPath, minVer, maxVer)
	}

	return nil, errors.New("TLS enabled but no valid certificate configuration found")
}

func getOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

func getOrDefaultSlice(value, defaultValue []string) []string {
	if len(value) == 0 {
		return defaultValue
	}
	return value
}

// EasyTLSSetup provides a simplified interface for TLS setup
func EasyTLSSetup(listen string, certDir string, autoGen bool) (*tls.Config, error) {
	serverConfig := config.ServerConfig{
		Listen: listen,
		TLS: &config.TLSConfig{
			Enabled:      true,
			Dir:          certDir,
			AutoGenerate: autoGen,
		},
	}
	return SetupTLS(serverConfig)
}

// QuickSelfSignedTLS generates a quick self-signed certificate for testing
func QuickSelfSignedTLS(certDir string) (*tls.Config, error) {
	return EasyTLSSetup("localhost:8080", certDir, true)
}

// createTLSConfig creates TLS configuration with certificate files
func createTLSConfig(certPath, keyPath string, minVer, maxVer uint16) (*tls.Config, error) {
	// #nosec G402 TLS backward compatibility considered
	return &tls.Config{
		GetCertificate: getCertificateFunc(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}, nil
}

// certificatesExist checks if both certificate files exist
func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

// generateCertificate generates self-signed certificates with sane defaults
func generateCertificate(tlsConfig *config.TLSConfig, destDir string) error {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	autoGen := tlsConfig.AutoGen
	if autoGen == nil {
		autoGen = &config.AutoGenTLS{}
	}

	commonName := getOrDefault(autoGen.CommonName, "localhost")
	organization := getOrDefault(autoGen.Organization, "vigil")
	dnsNames := getOrDefaultSlice(autoGen.DNSNames, []string{"localhost", "127.0.0.1"})
	ipAddresses := getOrDefaultSlice(autoGen.IPAddresses, []string{"127.0.0.1"})

	validDays := autoGen.ValidDays
	if validDays <= 0 {
		validDays = 365 * 5
	}
	notAfter := time.Now().AddDate(0, 0, validDays)

	return GenerateSelfSignedCert(CertConfig{
		CommonName:   commonName,
		Organization: organization,
		DNSNames:     dnsNames,
		IPAddresses:  ipAddresses,
		NotAfter:     notAfter,
		CertPath:     filepath.Join(destDir, tlsCrt),
		KeyPath:      filepath.Join(destDir, tlsKey),
		CACertPath:   filepath.Join(destDir, tlsCaCrt),
	})
}
