package control

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/relayd-project/relayd/pkg/ipc"
	"github.com/relayd-project/relayd/pkg/metrics"
	"github.com/relayd-project/relayd/pkg/model"
	"github.com/relayd-project/relayd/pkg/supervisor"
)

// Server is the parent-side control-socket listener. It is a thin
// command dispatcher over supervisor.Parent's read/mutate surface, the
// same split the teacher's pkg/cli.CLI keeps against its configstore.Store
// -- here the "store" is the live parent rather than an in-process one.
type Server struct {
	path   string
	parent *supervisor.Parent
	reg    *metrics.Registry
	log    *slog.Logger

	mu      sync.Mutex
	verbose bool
	onLog   func(verbose bool)

	monMu    sync.Mutex
	monitors map[*ipc.Channel]struct{}
}

// SetLogHandler installs fn to be called whenever a LOG brief|verbose
// request changes verbosity -- relayd wires this to flip its optional
// syslog sink's MinSeverity filter (spec.md §6's LOG command).
func (s *Server) SetLogHandler(fn func(verbose bool)) {
	s.mu.Lock()
	s.onLog = fn
	s.mu.Unlock()
}

// NewServer returns a control socket server listening at path once Run
// is called. reg may be nil, in which case control-request counters and
// reload timing simply aren't recorded.
func NewServer(path string, parent *supervisor.Parent, reg *metrics.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{path: path, parent: parent, reg: reg, log: log, monitors: make(map[*ipc.Channel]struct{})}
}

// Run listens on the server's UNIX socket and serves connections until
// closeCh is closed.
func (s *Server) Run(closeCh <-chan struct{}) error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.path, err)
	}
	defer ln.Close()
	if err := os.Chmod(s.path, 0600); err != nil {
		s.log.Warn("control: chmod socket", "err", err)
	}

	go func() {
		<-closeCh
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-closeCh:
				return nil
			default:
				return fmt.Errorf("control: accept: %w", err)
			}
		}
		uc, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			continue
		}
		go s.serve(ipc.NewChannel(uc))
	}
}

func (s *Server) serve(ch *ipc.Channel) {
	defer ch.Close()
	for {
		msg, err := ch.NextFramed()
		if err != nil {
			s.stopMonitor(ch)
			return
		}
		if err := s.dispatch(ch, msg); err != nil {
			s.reply(ch, ipc.TypeFail, []byte(err.Error()))
		}
	}
}

func (s *Server) dispatch(ch *ipc.Channel, msg ipc.Message) error {
	if s.reg != nil {
		s.reg.ControlReqs.WithLabelValues(msg.Header.Type.String()).Inc()
	}
	switch msg.Header.Type {
	case ipc.TypeCtlShow:
		var req ShowRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		return s.handleShow(ch, req)
	case ipc.TypeCtlHost:
		var req HostRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		if err := s.parent.SetHostState(req.ID, !req.Enable); err != nil {
			return err
		}
		return s.end(ch)
	case ipc.TypeCtlTable:
		var req TableRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		if err := s.parent.SetTableDisabled(req.ID, !req.Enable); err != nil {
			return err
		}
		return s.end(ch)
	case ipc.TypeCtlReload:
		var req ReloadRequest
		_ = json.Unmarshal(msg.Payload, &req)
		if err := s.reload(supervisor.ScopeAll); err != nil {
			return err
		}
		return s.end(ch)
	case ipc.TypeCtlReset:
		var req ResetRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		if err := s.reload(parseScope(req.Scope)); err != nil {
			return err
		}
		return s.end(ch)
	case ipc.TypeCtlLog:
		var req LogRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		s.mu.Lock()
		s.verbose = req.Verbose
		fn := s.onLog
		s.mu.Unlock()
		if fn != nil {
			fn(req.Verbose)
		}
		return s.end(ch)
	case ipc.TypeCtlMonitor:
		s.startMonitor(ch)
		return nil
	default:
		return fmt.Errorf("control: unrecognised command %s", msg.Header.Type)
	}
}

// reload drives supervisor.Parent.Reload and, when a metrics.Registry is
// attached, records the outcome and how long distribution took.
func (s *Server) reload(scope supervisor.ReloadScope) error {
	start := time.Now()
	err := s.parent.Reload(scope)
	if s.reg != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.reg.ReloadsTotal.WithLabelValues(outcome).Inc()
		s.reg.ReloadDuration.Observe(time.Since(start).Seconds())
	}
	return err
}

func parseScope(s string) supervisor.ReloadScope {
	switch s {
	case "hosts":
		return supervisor.ScopeHosts
	case "rules":
		return supervisor.ScopeRules
	default:
		return supervisor.ScopeAll
	}
}

func (s *Server) handleShow(ch *ipc.Channel, req ShowRequest) error {
	cfg := s.parent.Snapshot()
	if cfg == nil {
		return s.end(ch)
	}
	switch req.Target {
	case "", "summary":
		s.showSummary(ch, cfg)
	case "hosts":
		s.showHosts(ch, cfg)
	case "relays":
		s.showRelays(ch, cfg)
	case "sessions":
		s.showSessions(ch, cfg)
	case "redirects":
		s.showRedirects(ch, cfg)
	default:
		return fmt.Errorf("control: unknown show target %q", req.Target)
	}
	return s.end(ch)
}

func (s *Server) showSummary(ch *ipc.Channel, cfg *model.Config) {
	rec := SummaryRecord{Relays: len(cfg.Relays), Tables: len(cfg.Tables)}
	for _, t := range cfg.Tables {
		rec.Hosts += len(t.Hosts)
		for _, h := range t.Hosts {
			if h.State == model.HostUp {
				rec.HostsUp++
			}
		}
	}
	if j := s.parent.Journal(); len(j) > 0 {
		rec.LastReload = j[0].At
		rec.LastReloadOutcome = j[0].Outcome
	}
	s.sendRecord(ch, rec)
}

func (s *Server) showHosts(ch *ipc.Channel, cfg *model.Config) {
	for _, t := range cfg.Tables {
		for _, h := range t.Hosts {
			s.sendRecord(ch, HostRecord{
				ID: h.ID, Table: t.Name, Name: h.Name, Addr: h.Addr.String(), Port: h.Port,
				State: h.State.String(), UpCount: h.UpCount, DownCount: h.DownCount,
				LastCheck: h.LastCheck, LastError: h.LastError,
			})
		}
	}
}

func (s *Server) showRelays(ch *ipc.Channel, cfg *model.Config) {
	for _, r := range cfg.Relays {
		s.sendRecord(ch, RelayRecord{
			ID: r.ID, Name: r.Name, Listen: r.Listen,
			SSL: r.Flags.Has(model.FlagSSL), UDP: r.Flags.Has(model.FlagUDP),
			Disabled: r.Flags.Has(model.FlagDisable),
		})
	}
}

func (s *Server) showSessions(ch *ipc.Channel, cfg *model.Config) {
	for _, t := range cfg.Tables {
		for _, h := range t.Hosts {
			s.sendRecord(ch, SessionRecord{Table: t.Name, Host: h.Name, ActiveSessions: h.ActiveSessions})
		}
	}
}

func (s *Server) showRedirects(ch *ipc.Channel, cfg *model.Config) {
	for _, t := range cfg.Tables {
		rec := RedirectRecord{Table: t.Name, HostCount: len(t.Hosts)}
		for _, h := range t.Hosts {
			if h.State == model.HostUp {
				rec.UpCount++
			}
		}
		s.sendRecord(ch, rec)
	}
}

func (s *Server) sendRecord(ch *ipc.Channel, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Error("control: marshal record", "err", err)
		return
	}
	if err := ch.Send(ipc.TypeRecord, 0, b, nil); err != nil {
		s.log.Error("control: send record", "err", err)
	}
}

func (s *Server) end(ch *ipc.Channel) error {
	return ch.Send(ipc.TypeEnd, 0, nil, nil)
}

func (s *Server) reply(ch *ipc.Channel, t ipc.Type, payload []byte) {
	if err := ch.Send(t, 0, payload, nil); err != nil {
		s.log.Error("control: send reply", "err", err)
	}
}

// startMonitor registers ch to receive HOST_STATUS-derived records as
// they happen (spec.md §6 MONITOR) until the client disconnects.
// BroadcastHostStatus (wired from cmd/relayd's HCE status callback) calls
// back into every registered monitor.
func (s *Server) startMonitor(ch *ipc.Channel) {
	s.monMu.Lock()
	s.monitors[ch] = struct{}{}
	s.monMu.Unlock()
}

func (s *Server) stopMonitor(ch *ipc.Channel) {
	s.monMu.Lock()
	delete(s.monitors, ch)
	s.monMu.Unlock()
}

// BroadcastHostStatus fans a host transition out to every connected
// MONITOR client. now is passed in rather than taken with time.Now() so
// callers in tests can supply a fixed clock.
func (s *Server) BroadcastHostStatus(tableName string, h *model.Host, now time.Time) {
	rec := HostRecord{
		ID: h.ID, Table: tableName, Name: h.Name, Addr: h.Addr.String(), Port: h.Port,
		State: h.State.String(), UpCount: h.UpCount, DownCount: h.DownCount,
		LastCheck: now, LastError: h.LastError,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	s.monMu.Lock()
	defer s.monMu.Unlock()
	for ch := range s.monitors {
		if err := ch.Send(ipc.TypeRecord, 0, b, nil); err != nil {
			delete(s.monitors, ch)
		}
	}
}
