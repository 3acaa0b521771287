package zulip

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
)

// Dialer opens the encrypted connection a request is written to.
// *tls.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func (f DialerFunc) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}

// Option customizes New.
type Option func(*options)

type options struct {
	dialer    Dialer
	dialerSet bool
	tlsConfig *tls.Config
}

// WithDialer replaces the default TLS dialer. Passing nil makes New fail
// with a DependencyMissingError.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		o.dialer = d
		o.dialerSet = true
	}
}

// WithTLSConfig sets the TLS config of the default dialer. ServerName
// defaults to the configured host.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) { o.tlsConfig = cfg }
}

// systemRoots is swapped in tests.
var systemRoots = x509.SystemCertPool

func defaultDialer(host string, base *tls.Config) (Dialer, error) {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if cfg.RootCAs == nil && !cfg.InsecureSkipVerify {
		pool, err := systemRoots()
		if err != nil {
			return nil, &DependencyMissingError{What: "system certificate pool", Err: err}
		}
		if pool == nil {
			return nil, &DependencyMissingError{What: "system certificate pool"}
		}
		cfg.RootCAs = pool
	}
	return &tls.Dialer{
		NetDialer: &net.Dialer{KeepAlive: -1},
		Config:    cfg,
	}, nil
}
