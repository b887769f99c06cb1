package model

import (
	"net"
	"time"
)

// ParseState is a direction's position in the HTTP incremental parser's
// state machine (spec.md §4.5).
type ParseState int

const (
	StateReadRequestLine ParseState = iota
	StateReadStatusLine
	StateReadHeaders
	StateReadBody
	StateReadChunks
	StateReadTrailers
	StateDone
)

// Direction-local HTTP message state: the kv-trees built once headers are
// complete, plus the raw request/status line fields the rule engine's
// METHOD/PATH/URL/QUERY key-types read from.
type MessageState struct {
	Parse ParseState

	Method   string
	Path     string
	RawQuery string
	URL      string // scheme://host+path+query as seen by this hop

	StatusCode int // responses only

	Headers *KvTree
	Cookies *KvTree
	Query   *KvTree

	ContentLength int64
	Chunked       bool
	BodyRemaining int64
}

// NewMessageState creates an empty per-direction message state.
func NewMessageState(initial ParseState) *MessageState {
	return &MessageState{
		Parse:   initial,
		Headers: NewKvTree(KeyHeader),
		Cookies: NewKvTree(KeyCookie),
		Query:   NewKvTree(KeyQuery),
	}
}

// Counters tracks per-peer byte counts for one session, named after the
// original's cin/cout/sin/sout fields (spec.md §3 supplement).
type Counters struct {
	ClientIn  int64
	ClientOut int64
	ServerIn  int64
	ServerOut int64
}

// Session is one live L7 connection pair, owned exclusively by the relay
// worker that accepted it. Its lifetime is strictly bounded by that
// relay; nothing outside the relay process ever touches it.
type Session struct {
	ID ObjID

	RelayID ObjID
	RelayGeneration uint64 // the reload epoch this session was bound under

	Client net.Conn
	Backend net.Conn

	Request  *MessageState
	Response *MessageState

	Host *Host // backend chosen for this session, nil until selected

	BoundLabels []ObjID
	BoundTags   []ObjID

	LogLines []string

	SessionHash uint64 // accumulated by ActionHash rule side-effects

	Counters Counters

	CreatedAt time.Time
	LastActivity time.Time
	IdleDeadline    time.Time
	ConnectDeadline time.Time

	Closed bool
}

// NewSession creates a Session bound to the given relay generation.
func NewSession(id, relayID ObjID, generation uint64, now time.Time) *Session {
	return &Session{
		ID:              id,
		RelayID:         relayID,
		RelayGeneration: generation,
		Request:         NewMessageState(StateReadRequestLine),
		Response:        NewMessageState(StateReadStatusLine),
		CreatedAt:       now,
		LastActivity:    now,
	}
}

// Touch rearms the idle deadline on I/O progress (spec.md §4.5).
func (s *Session) Touch(now time.Time, idle time.Duration) {
	s.LastActivity = now
	s.IdleDeadline = now.Add(idle)
}

// Log appends a formatted line to the session's log buffer (ActionLog).
func (s *Session) Log(line string) {
	s.LogLines = append(s.LogLines, line)
}

// Release unrefs every label/tag this session bound -- from their own
// registry, since labels and tags are separate ObjID namespaces -- and
// closes both peer connections if still open.
func (s *Session) Release(labels, tags *Registry) {
	for _, id := range s.BoundLabels {
		labels.Unref(id)
	}
	for _, id := range s.BoundTags {
		tags.Unref(id)
	}
	s.BoundLabels = nil
	s.BoundTags = nil
	if s.Client != nil {
		_ = s.Client.Close()
	}
	if s.Backend != nil {
		_ = s.Backend.Close()
	}
	s.Closed = true
}
