package encryption

import (
	"crypto/tls"
	"fmt"
)

// LoadTLSConfig loads a TLS configuration from certificate and key files.
// TLS 1.2 is the floor, older protocol versions are rejected.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	serverCert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS12,
		NextProtos: []string{
			"h2", "http/1.1", // enable HTTP/2
		},
	}
	return config, nil
}
