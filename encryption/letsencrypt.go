package encryption

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"
)

// CreateCertManager creates an autocert manager that issues and renews
// Let's Encrypt certificates for the given domains, caching them in datadir.
// The returned manager's TLSConfig solves the TLS-ALPN-01 challenge.
func CreateCertManager(datadir string, domains ...string) (*autocert.Manager, error) {
	certDir := filepath.Join(datadir, "letsencrypt")

	if _, err := os.Stat(certDir); os.IsNotExist(err) {
		err = os.MkdirAll(certDir, os.ModeDir)
		if err != nil {
			return nil, fmt.Errorf("failed creating Let's Encrypt certdir %s: %w", certDir, err)
		}
	}

	log.Infof("running with Let's Encrypt for domains %v. Cert will be stored in %s", domains, certDir)

	certManager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(certDir),
		HostPolicy: autocert.HostWhitelist(domains...),
	}

	return certManager, nil
}

// EnableLetsEncrypt wraps CreateCertManager into a ready to use TLS config.
// The config answers the TLS-ALPN-01 challenge on the listener itself, no
// extra challenge port is needed.
func EnableLetsEncrypt(datadir string, domains []string) (*tls.Config, error) {
	certManager, err := CreateCertManager(datadir, domains...)
	if err != nil {
		return nil, err
	}
	return certManager.TLSConfig(), nil
}
