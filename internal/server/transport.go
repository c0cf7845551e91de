package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
)

// Transport decides how accepted connections are served. Chosen once at
// startup from the node configuration.
type Transport interface {
	Serve(srv *http.Server, ln net.Listener) error
	Scheme() string
}

// Plain serves unencrypted WebSocket connections.
type Plain struct{}

func (Plain) Serve(srv *http.Server, ln net.Listener) error { return srv.Serve(ln) }
func (Plain) Scheme() string                                { return "ws" }

// TLS serves WebSocket connections over TLS with a fixed certificate.
type TLS struct {
	config *tls.Config
}

// NewTLS loads the certificate pair up front so a bad path fails at startup
// rather than on the first connection.
func NewTLS(certFile, keyFile string) (*TLS, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls certificate: %w", err)
	}
	return &TLS{config: &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}}, nil
}

func (t *TLS) Serve(srv *http.Server, ln net.Listener) error {
	return srv.Serve(tls.NewListener(ln, t.config))
}

func (t *TLS) Scheme() string { return "wss" }
