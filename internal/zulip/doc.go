// Package zulip delivers log records to a Zulip server.
//
// A Notifier turns one rendered record into one hand-built HTTP/1.1
// "POST /api/v1/messages" request and writes it over a freshly dialed TLS
// connection to <host>:443. The connection is closed after every send; the
// response is never read.
//
// # Transport
//
// The encrypted socket is an injected Dialer (crypto/tls by default). Tests
// and callers that need proxies or custom roots supply their own.
//
// # Errors
//
// New fails with a *DependencyMissingError when no TLS transport can be set
// up. Send fails with a *TransportError when the dial or the write fails.
// Neither is retried here.
package zulip
