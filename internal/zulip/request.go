package zulip

import (
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"
)

const (
	messagesPath = "/api/v1/messages"
	contentType  = "application/x-www-form-urlencoded"
	crlf         = "\r\n"
)

// BuildRequest renders rec into the exact bytes Send writes.
func (n *Notifier) BuildRequest(rec Record) Request {
	body := n.buildBody(rec)
	return Request{
		Header: []byte(n.buildHeader(len(body))),
		Body:   []byte(body),
	}
}

// buildBody encodes the form payload in a fixed key order:
// type, to, content and, for a non-empty topic, subject.
func (n *Notifier) buildBody(rec Record) string {
	pairs := [][2]string{
		{"type", "stream"},
		{"to", n.cfg.Destination},
		{"content", rec.Formatted},
	}
	if n.cfg.Topic != "" {
		pairs = append(pairs, [2]string{"subject", n.cfg.Topic})
	}

	var b strings.Builder
	for i, kv := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv[0]))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv[1]))
	}
	return b.String()
}

func (n *Notifier) buildHeader(contentLength int) string {
	lines := []string{
		"POST " + messagesPath + " HTTP/1.1",
		"Host: " + n.cfg.Host,
		"Content-Type: " + contentType,
		"Content-Length: " + strconv.Itoa(contentLength),
		"Authorization: " + n.auth,
		"",
	}
	return strings.Join(lines, crlf) + crlf
}

func basicAuth(login, token string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(login+":"+token))
}
