package zulip

import (
	"fmt"
	"strings"
	"time"
)

// Port is the fixed HTTPS port every request is sent to.
const Port = 443

// Config is the static notifier configuration. It is copied by New and never
// mutated afterwards.
type Config struct {
	// Host is the Zulip server hostname, e.g. "chat.example.com".
	Host string
	// Login is the bot account email used for Basic auth.
	Login string
	// Token is the bot API key. It only ever leaves the process inside the
	// Authorization header.
	Token string
	// Destination is the stream (or user) messages are posted to.
	Destination string
	// Topic is optional; empty means the payload has no subject field.
	Topic string

	// Timeout bounds dial+write of a single send. Zero disables it.
	Timeout time.Duration
}

func (c Config) validate() error {
	var missing []string
	if strings.TrimSpace(c.Host) == "" {
		missing = append(missing, "host")
	}
	if strings.TrimSpace(c.Login) == "" {
		missing = append(missing, "login")
	}
	if c.Token == "" {
		missing = append(missing, "token")
	}
	if strings.TrimSpace(c.Destination) == "" {
		missing = append(missing, "destination")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidConfig, strings.Join(missing, ", "))
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must be >= 0", ErrInvalidConfig)
	}
	if strings.ContainsAny(c.Host, " \t\r\n/:") {
		return fmt.Errorf("%w: host %q must be a bare hostname", ErrInvalidConfig, c.Host)
	}
	return nil
}

// Record is a single log event handed over by the logging framework.
type Record struct {
	// Formatted is the fully rendered message text, sent as-is.
	Formatted string
}

// Request is the serialized request for one send. Nothing of it is kept
// after the write.
type Request struct {
	Header []byte
	Body   []byte
}

// Len returns the number of bytes written to the wire.
func (r Request) Len() int { return len(r.Header) + len(r.Body) }

// Bytes returns header and body as one slice.
func (r Request) Bytes() []byte {
	out := make([]byte, 0, r.Len())
	out = append(out, r.Header...)
	return append(out, r.Body...)
}
