package quic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/jamlinkio/jamlink/server/listener"
)

// ALPN is the application protocol negotiated with native clients.
const ALPN = "jamlink-signal"

const (
	keepAlivePeriod     = 15 * time.Second
	maxIdleTimeout      = 90 * time.Second
	acceptStreamTimeout = 10 * time.Second
)

// Listener serves native clients over QUIC. One bidirectional stream per
// connection carries length prefixed envelopes.
type Listener struct {
	// Address to bind, host:port over UDP.
	Address string
	// TLSConfig for the handshake. A self-signed development certificate is
	// generated when nil.
	TLSConfig *tls.Config

	listener *quic.Listener
	quit     chan struct{}
	wg       sync.WaitGroup
}

func (l *Listener) Listen(acceptFn func(conn listener.Conn)) error {
	tlsConf := l.TLSConfig
	if tlsConf == nil {
		var err error
		tlsConf, err = generateTLSConfig()
		if err != nil {
			return fmt.Errorf("generate development TLS config: %w", err)
		}
		log.Warnf("quic listener is running with a self-signed development certificate")
	} else {
		tlsConf = tlsConf.Clone()
	}
	tlsConf.NextProtos = []string{ALPN}

	ql, err := quic.ListenAddr(l.Address, tlsConf, &quic.Config{
		KeepAlivePeriod: keepAlivePeriod,
		MaxIdleTimeout:  maxIdleTimeout,
	})
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.Address, err)
	}
	l.listener = ql
	l.quit = make(chan struct{})

	log.Infof("quic server is listening on address: %s", l.Address)
	l.wg.Add(1)
	go l.acceptLoop(acceptFn)

	<-l.quit
	return nil
}

func (l *Listener) Shutdown(_ context.Context) error {
	if l.listener == nil {
		return nil
	}

	close(l.quit)
	err := l.listener.Close()
	l.wg.Wait()
	return err
}

func (l *Listener) acceptLoop(acceptFn func(conn listener.Conn)) {
	defer l.wg.Done()

	for {
		qConn, err := l.listener.Accept(context.Background())
		if err != nil {
			select {
			case <-l.quit:
				return
			default:
				log.Errorf("failed to accept connection: %s", err)
				continue
			}
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), acceptStreamTimeout)
			defer cancel()
			stream, err := qConn.AcceptStream(ctx)
			if err != nil {
				log.Errorf("failed to accept stream from %s: %s", qConn.RemoteAddr(), err)
				_ = qConn.CloseWithError(0, "no stream")
				return
			}

			log.Infof("new quic connection from: %s", qConn.RemoteAddr())
			acceptFn(NewConn(qConn, stream))
		}()
	}
}

// generateTLSConfig builds a self-signed config for development setups
// without provisioned certificates.
func generateTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
	}, nil
}
