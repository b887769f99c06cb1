// Package ipc implements the length-framed message channel every relayd
// worker uses to talk to its parent and, where specified, its peers. The
// wire format is exactly spec.md §4.1: a fixed binary header followed by
// a variable-length payload, with an optional ancillary file descriptor
// passed over a SOCK_STREAM unix-domain socket pair -- the Go equivalent
// of the C original's socketpair(2) + sendmsg/recvmsg(SCM_RIGHTS).
package ipc

import "fmt"

// Type identifies a message's payload layout and purpose.
type Type uint32

const (
	TypeCfgRelay Type = iota + 1
	TypeCfgTable
	TypeCfgHost
	TypeCfgProtocol
	TypeCfgRule
	TypeCfgDone

	TypeCtlStart
	TypeCtlShutdown
	TypeCtlReset
	TypeCtlReload
	TypeCtlCertChanged

	TypeCAPrivEnc
	TypeCAPrivDec

	TypeBindAny
	TypeScript
	TypeScriptResult

	TypeHostStatus

	TypeCtlShow
	TypeCtlHost
	TypeCtlTable
	TypeCtlLog
	TypeCtlMonitor

	TypeRecord
	TypeEnd

	TypeAck
	TypeFail
)

func (t Type) String() string {
	switch t {
	case TypeCfgRelay:
		return "CFG_RELAY"
	case TypeCfgTable:
		return "CFG_TABLE"
	case TypeCfgHost:
		return "CFG_HOST"
	case TypeCfgProtocol:
		return "CFG_PROTOCOL"
	case TypeCfgRule:
		return "CFG_RULE"
	case TypeCfgDone:
		return "CFG_DONE"
	case TypeCtlStart:
		return "CTL_START"
	case TypeCtlShutdown:
		return "CTL_SHUTDOWN"
	case TypeCtlReset:
		return "CTL_RESET"
	case TypeCtlReload:
		return "CTL_RELOAD"
	case TypeCtlCertChanged:
		return "CTL_CERTCHANGED"
	case TypeCAPrivEnc:
		return "CA_PRIVENC"
	case TypeCAPrivDec:
		return "CA_PRIVDEC"
	case TypeBindAny:
		return "BINDANY"
	case TypeScript:
		return "SCRIPT"
	case TypeScriptResult:
		return "SCRIPT_RESULT"
	case TypeHostStatus:
		return "HOST_STATUS"
	case TypeCtlShow:
		return "SHOW"
	case TypeCtlHost:
		return "HOST"
	case TypeCtlTable:
		return "TABLE"
	case TypeCtlLog:
		return "LOG"
	case TypeCtlMonitor:
		return "MONITOR"
	case TypeRecord:
		return "RECORD"
	case TypeEnd:
		return "END"
	case TypeAck:
		return "ACK"
	case TypeFail:
		return "CTL_FAIL"
	default:
		return fmt.Sprintf("TYPE(%d)", uint32(t))
	}
}

// Synchronous reports whether this message type blocks the sending
// worker for a reply (spec.md §4.1): the CA key-op RPC over a peer
// channel, and the SCRIPT health-check RPC over a worker's supervisory
// channel to the parent.
func (t Type) Synchronous() bool {
	return t == TypeCAPrivEnc || t == TypeCAPrivDec || t == TypeScript
}

// headerSize is the encoded size, in bytes, of Header.
const headerSize = 4 + 2 + 2 + 4 + 4

// Header is the fixed framing prefix of every message.
type Header struct {
	Type   Type
	Len    uint16
	Flags  uint16
	PeerID uint32
	Pid    uint32
}

// maxPayload is the per-type size ceiling. A message whose declared Len
// exceeds this is a fatal protocol violation (spec.md §4.1, §6).
var maxPayload = map[Type]uint16{
	TypeCfgRelay:       16 * 1024,
	TypeCfgTable:       8 * 1024,
	TypeCfgHost:        1024,
	TypeCfgProtocol:    1024,
	TypeCfgRule:        8 * 1024,
	TypeCfgDone:        0,
	TypeCtlStart:       0,
	TypeCtlShutdown:    0,
	TypeCtlReset:       64,
	TypeCtlReload:      4096,
	TypeCtlCertChanged: 1024,
	TypeCAPrivEnc:      4096,
	TypeCAPrivDec:      4096,
	TypeBindAny:        512,
	TypeScript:         4096,
	TypeScriptResult:   4096,
	TypeHostStatus:     512,
	TypeCtlShow:        256,
	TypeCtlHost:        256,
	TypeCtlTable:       256,
	TypeCtlLog:         64,
	TypeCtlMonitor:     64,
	TypeRecord:         16 * 1024,
	TypeEnd:            0,
	TypeAck:            64,
	TypeFail:           4096,
}

// MaxPayload returns the size ceiling for t, or a conservative default if
// t is not a known type (still finite, so an unknown type cannot be used
// to bypass the ceiling check).
func MaxPayload(t Type) uint16 {
	if m, ok := maxPayload[t]; ok {
		return m
	}
	return 4096
}

// Message is a decoded, in-memory frame.
type Message struct {
	Header  Header
	Payload []byte
}

// ErrCeilingExceeded is returned by the decoder when a frame's declared
// length exceeds MaxPayload(type) -- a fatal protocol violation that the
// caller must treat as grounds to terminate the channel (spec.md §4.1).
type ErrCeilingExceeded struct {
	Type    Type
	Len     uint16
	Ceiling uint16
}

func (e *ErrCeilingExceeded) Error() string {
	return fmt.Sprintf("ipc: %s payload len %d exceeds ceiling %d", e.Type, e.Len, e.Ceiling)
}
