package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// SyslogHandler is a log/slog.Handler that forwards records to a
// SyslogClient, mapping slog levels onto RFC 3164 severities (spec.md
// §6's LOG brief|verbose control command sets MinSeverity, not the
// level itself -- relayd always logs at whatever level its own
// -d/--debug/--verbose flags selected; LOG only changes what reaches the
// syslog sink).
type SyslogHandler struct {
	client *SyslogClient
	attrs  []slog.Attr
	group  string
}

// NewSyslogHandler wraps client as a slog.Handler.
func NewSyslogHandler(client *SyslogClient) *SyslogHandler {
	return &SyslogHandler{client: client}
}

func severityFor(level slog.Level) int {
	switch {
	case level >= slog.LevelError:
		return SyslogError
	case level >= slog.LevelWarn:
		return SyslogWarning
	default:
		return SyslogInfo
	}
}

// Enabled reports whether level passes the client's LOG brief|verbose
// severity filter. Debug records map to Info severity, so they pass
// whenever Info does.
func (h *SyslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.client.ShouldSend(severityFor(level))
}

func (h *SyslogHandler) Handle(_ context.Context, r slog.Record) error {
	severity := severityFor(r.Level)
	if !h.client.ShouldSend(severity) {
		return nil
	}

	var b strings.Builder
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		fmt.Fprintf(&b, " %s=%v", key, a.Value)
		return true
	})
	return h.client.Send(severity, b.String())
}

func (h *SyslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &SyslogHandler{client: h.client, group: h.group}
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return next
}

func (h *SyslogHandler) WithGroup(name string) slog.Handler {
	next := &SyslogHandler{client: h.client, attrs: h.attrs}
	if h.group != "" {
		next.group = h.group + "." + name
	} else {
		next.group = name
	}
	return next
}
