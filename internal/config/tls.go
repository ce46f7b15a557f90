package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
)

// DockerTLS builds a *tls.Config from the ca.pem, cert.pem and key.pem files
// in DockerCertPath. Returns nil, nil if no cert path is configured.
func (c *Config) DockerTLS() (*tls.Config, error) {
	if c.DockerCertPath == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(
		filepath.Join(c.DockerCertPath, "cert.pem"),
		filepath.Join(c.DockerCertPath, "key.pem"),
	)
	if err != nil {
		return nil, fmt.Errorf("load docker client cert: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	caPEM, err := os.ReadFile(filepath.Join(c.DockerCertPath, "ca.pem"))
	if err != nil {
		return nil, fmt.Errorf("read docker CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to parse docker CA cert")
	}
	tlsConfig.RootCAs = pool

	return tlsConfig, nil
}
