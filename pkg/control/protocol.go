// Package control implements the control-socket wire protocol (spec.md
// §6): a UNIX stream socket, framed with the same pkg/ipc messages every
// worker uses, that relayctl drives to issue SHOW/HOST/TABLE/RELOAD/
// RESET/LOG/MONITOR commands against a running relayd parent.
package control

import (
	"time"

	"github.com/relayd-project/relayd/pkg/model"
)

// ShowRequest is the payload of a SHOW command.
type ShowRequest struct {
	Target string // summary|hosts|relays|sessions|redirects
}

// HostRequest is the payload of a HOST command.
type HostRequest struct {
	ID      model.ObjID
	Enable  bool
}

// TableRequest is the payload of a TABLE command.
type TableRequest struct {
	ID     model.ObjID
	Enable bool
}

// ReloadRequest is the payload of a RELOAD command (spec.md §6's
// "RELOAD [file]"). File is carried on the wire, but the server does not
// use it: every reload re-reads the parent's configured config file.
type ReloadRequest struct {
	File string
}

// ResetRequest is the payload of a RESET command.
type ResetRequest struct {
	Scope string // all|hosts|rules
}

// LogRequest is the payload of a LOG command.
type LogRequest struct {
	Verbose bool
}

// SummaryRecord is one record of a "SHOW summary" reply.
type SummaryRecord struct {
	Relays    int
	Tables    int
	Hosts     int
	HostsUp   int
	LastReload time.Time
	LastReloadOutcome string
}

// HostRecord is one record of a "SHOW hosts" reply.
type HostRecord struct {
	ID        model.ObjID
	Table     string
	Name      string
	Addr      string
	Port      uint16
	State     string
	UpCount   int
	DownCount int
	LastCheck time.Time
	LastError string
}

// RelayRecord is one record of a "SHOW relays" reply.
type RelayRecord struct {
	ID     model.ObjID
	Name   string
	Listen string
	SSL    bool
	UDP    bool
	Disabled bool
}

// SessionRecord is one record of a "SHOW sessions" reply. relayd's parent
// does not itself hold live session state (each relay worker owns its
// own), so this reports each host's ActiveSessions counter from the
// parent's copy of the config rather than a full per-session dump. Relay
// workers count sessions only in their own copies and do not send those
// counts to the parent, so this counter does not track relay traffic.
type SessionRecord struct {
	Table          string
	Host           string
	ActiveSessions int64
}

// RedirectRecord is one record of a "SHOW redirects" reply: the PFE-side
// view of a table, reported from the parent's own mirror of host state
// since the parent does not query the PFE worker directly.
type RedirectRecord struct {
	Table     string
	HostCount int
	UpCount   int
}

// ReloadRecord mirrors supervisor.ReloadRecord for the wire, avoiding a
// control -> supervisor type dependency on the client side.
type ReloadRecord struct {
	ID      string
	Scope   string
	At      time.Time
	Outcome string
}
