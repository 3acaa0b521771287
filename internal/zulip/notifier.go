package zulip

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
)

// Notifier sends records to one Zulip destination.
//
// It holds no per-send state and is safe for concurrent use: every Send dials
// its own connection and closes it before returning.
type Notifier struct {
	cfg    Config
	addr   string
	auth   string
	dialer Dialer
}

// New validates cfg and prepares the TLS transport. It never opens a socket.
func New(cfg Config, opts ...Option) (*Notifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	d := o.dialer
	if o.dialerSet {
		if d == nil {
			return nil, &DependencyMissingError{What: "tls dialer"}
		}
	} else {
		var err error
		d, err = defaultDialer(cfg.Host, o.tlsConfig)
		if err != nil {
			return nil, err
		}
	}

	return &Notifier{
		cfg:    cfg,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(Port)),
		auth:   basicAuth(cfg.Login, cfg.Token),
		dialer: d,
	}, nil
}

// Config returns a copy of the notifier configuration.
func (n *Notifier) Config() Config { return n.cfg }

// Endpoint returns host:443.
func (n *Notifier) Endpoint() string { return n.addr }

func (n *Notifier) String() string {
	return fmt.Sprintf("zulip(%s as %s -> %q topic=%q)", n.cfg.Host, n.cfg.Login, n.cfg.Destination, n.cfg.Topic)
}

// Send writes rec as one request over a new connection and closes it.
// The server response is not read.
func (n *Notifier) Send(ctx context.Context, rec Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req := n.BuildRequest(rec)

	if n.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
	}

	conn, err := n.dialer.DialContext(ctx, "tcp", n.addr)
	if err != nil {
		return &TransportError{Op: "dial", Addr: n.addr, Err: err}
	}
	if conn == nil {
		return &TransportError{Op: "dial", Addr: n.addr, Err: io.ErrClosedPipe}
	}
	defer func() { _ = conn.Close() }()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}

	if err := writeFull(conn, req.Header); err != nil {
		return &TransportError{Op: "write", Addr: n.addr, Err: err}
	}
	if err := writeFull(conn, req.Body); err != nil {
		return &TransportError{Op: "write", Addr: n.addr, Err: err}
	}
	return nil
}

func writeFull(w io.Writer, p []byte) error {
	n, err := w.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return io.ErrShortWrite
	}
	return nil
}
