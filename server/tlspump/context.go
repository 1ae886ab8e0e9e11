// Package tlspump terminates TLS over in-memory buffers so a non-blocking
// reactor can own the socket.
package tlspump

import (
	"crypto/tls"
	"errors"
	"fmt"
)

var (
	ErrCertLoad = errors.New("tlspump: cannot load certificate")
	ErrClosed   = errors.New("tlspump: session closed")
)

// Context holds the server certificate and TLS settings shared by all sessions.
type Context struct {
	config *tls.Config
}

// LoadContext reads a PEM certificate chain and private key. The key must
// match the certificate.
func LoadContext(certFile, keyFile string) (*Context, error) {
	certificate, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertLoad, err)
	}
	return NewContext(certificate), nil
}

// NewContext builds a context around an already loaded certificate.
func NewContext(certificate tls.Certificate) *Context {
	return &Context{
		config: &tls.Config{
			Certificates: []tls.Certificate{certificate},
			MinVersion:   tls.VersionTLS12,
			NextProtos:   []string{"http/1.1"},
		},
	}
}

// Config returns the TLS configuration. Callers must not change it once
// sessions exist.
func (c *Context) Config() *tls.Config { return c.config }
