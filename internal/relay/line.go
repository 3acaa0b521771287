package relay

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	logx "zulipnotify/pkg/logx"
)

// Line is one input line mapped onto a log record.
type Line struct {
	Level   logx.Level
	Message string
	Fields  map[string]any
}

// ParseLine maps raw onto a level and message. Recognized shapes:
//
//	{"level":"error","message":"...","k":"v"}   JSON object (also "severity"/"msg", numeric levels)
//	<3>disk full                                 sd-daemon priority prefix
//	[CRITICAL] disk full / CRITICAL: disk full   level name prefix (ERROR x, error: x)
//
// Anything else is logged at def with the line as the message.
func ParseLine(raw string, def logx.Level) Line {
	s := strings.TrimRight(raw, "\r\n")
	trimmed := strings.TrimSpace(s)

	if strings.HasPrefix(trimmed, "{") {
		if ln, ok := parseJSONLine(trimmed, def); ok {
			return ln
		}
	}
	if lvl, rest, ok := parsePriorityPrefix(trimmed); ok {
		return Line{Level: lvl, Message: rest}
	}
	if lvl, rest, ok := parseNamePrefix(trimmed); ok {
		return Line{Level: lvl, Message: rest}
	}
	return Line{Level: def, Message: s}
}

func parseJSONLine(s string, def logx.Level) (Line, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return Line{}, false
	}
	ln := Line{Level: def}
	levelSet, msgSet := false, false
	// The record carries its own level, message and time; these keys never
	// become fields.
	for _, k := range []string{"level", "severity", "lvl"} {
		if v, ok := m[k]; ok {
			if !levelSet {
				ln.Level, levelSet = levelOf(v, def)
			}
			delete(m, k)
		}
	}
	for _, k := range []string{"message", "msg"} {
		if v, ok := m[k]; ok {
			if str, isStr := v.(string); isStr && !msgSet {
				ln.Message, msgSet = str, true
			}
			delete(m, k)
		}
	}
	delete(m, "time")
	delete(m, "timestamp")
	if len(m) > 0 {
		ln.Fields = m
	}
	return ln, true
}

// levelOf maps a JSON level value: names, pino/bunyan numbers (10..60) and
// syslog priorities (0..7). Numeric strings count as numbers.
func levelOf(v any, def logx.Level) (logx.Level, bool) {
	switch x := v.(type) {
	case string:
		if logx.IsLevel(x) {
			return logx.ParseLevel(x, def), true
		}
		if n, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return numericLevel(n, def)
		}
	case float64:
		return numericLevel(x, def)
	}
	return def, false
}

func numericLevel(n float64, def logx.Level) (logx.Level, bool) {
	if n < 0 || n > 1000 || n != float64(int(n)) {
		return def, false
	}
	switch i := int(n); {
	case i <= 7:
		return syslogLevel(byte('0' + i)), true
	case i >= 60:
		return logx.LevelCritical, true
	case i >= 50:
		return logx.LevelError, true
	case i >= 40:
		return logx.LevelWarn, true
	case i >= 30:
		return logx.LevelInfo, true
	case i >= 20:
		return logx.LevelDebug, true
	case i >= 10:
		return logx.LevelTrace, true
	default:
		return def, false
	}
}

// parsePriorityPrefix handles "<N>" syslog severities as written by
// services running under systemd.
func parsePriorityPrefix(s string) (logx.Level, string, bool) {
	if len(s) < 3 || s[0] != '<' || s[2] != '>' || s[1] < '0' || s[1] > '7' {
		return 0, "", false
	}
	return syslogLevel(s[1]), strings.TrimSpace(s[3:]), true
}

// syslogLevel maps a priority digit '0'..'7'.
func syslogLevel(p byte) logx.Level {
	switch p {
	case '0', '1', '2':
		return logx.LevelCritical
	case '3':
		return logx.LevelError
	case '4':
		return logx.LevelWarn
	case '5', '6':
		return logx.LevelInfo
	default:
		return logx.LevelDebug
	}
}

func parseNamePrefix(s string) (logx.Level, string, bool) {
	var name, rest string
	switch {
	case strings.HasPrefix(s, "["):
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return 0, "", false
		}
		name, rest = s[1:end], s[end+1:]
	default:
		end := strings.IndexAny(s, ": ")
		if end <= 0 {
			return 0, "", false
		}
		name, rest = s[:end], s[end+1:]
		// "Info about x" is prose; "INFO about x" and "info: x" are levels.
		if s[end] == ' ' && name != strings.ToUpper(name) {
			return 0, "", false
		}
	}
	if !logx.IsLevel(name) {
		return 0, "", false
	}
	return logx.ParseLevel(name, 0), strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), ":")), true
}

// fields converts extra JSON keys to logx fields in a stable order.
func (ln Line) fields() []logx.Field {
	if len(ln.Fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ln.Fields))
	for k := range ln.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]logx.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, logx.Any(k, ln.Fields[k]))
	}
	return out
}
