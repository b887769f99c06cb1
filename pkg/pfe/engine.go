package pfe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relayd-project/relayd/pkg/ipc"
	"github.com/relayd-project/relayd/pkg/model"
)

// hostStatus is the payload HCE marshals over its peer channel to PFE on
// every host state transition (spec.md §4.6/§4.7: "Transitions are
// published to PFE and parent").
type hostStatus struct {
	TableID model.ObjID
	Host    *model.Host
}

// EncodeHostStatus marshals a host transition for the HCE side of the
// HCE<->PFE peer channel.
func EncodeHostStatus(tableID model.ObjID, host *model.Host) ([]byte, error) {
	return json.Marshal(hostStatus{TableID: tableID, Host: host})
}

// Engine is the supervisor.Engine for the PFE worker. It keeps its own
// read-only mirror of the live config's tables so it can translate a
// HOST_STATUS delta (just one host) into the addressing scheme (table
// name, host index) the Backend interface expects, without needing the
// full config on every transition.
type Engine struct {
	peer    *ipc.Channel
	backend Backend
	log     *slog.Logger

	mu     sync.Mutex
	tables map[model.ObjID]*model.Table
}

// NewEngine returns a PFE Engine driving backend, fed host transitions
// over peer (the HCE<->PFE channel wired by the parent at spawn time).
func NewEngine(backend Backend, peer *ipc.Channel, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Engine{peer: peer, backend: backend, log: log, tables: make(map[model.ObjID]*model.Table)}
}

// Apply performs the full reconciliation spec.md §4.7 requires after
// every CFG_DONE: tables no longer present are removed from the
// backend, and every surviving table's host rows are resynced from the
// config's current (possibly stale, since HCE probes independently)
// host state.
func (e *Engine) Apply(cfg *model.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[model.ObjID]*model.Table, len(cfg.Tables))
	for _, t := range cfg.Tables {
		next[t.ID] = t
	}
	for id, t := range e.tables {
		if _, ok := next[id]; !ok {
			if err := e.backend.RemoveTable(t.Name); err != nil {
				return fmt.Errorf("pfe: remove table %s: %w", t.Name, err)
			}
		}
	}
	for _, t := range cfg.Tables {
		if err := e.backend.SyncTable(t.Name, entriesFor(t)); err != nil {
			return fmt.Errorf("pfe: sync table %s: %w", t.Name, err)
		}
	}
	e.tables = next
	e.log.Info("pfe: reconciled tables", "count", len(next))
	return nil
}

func entriesFor(t *model.Table) []HostEntry {
	out := make([]HostEntry, len(t.Hosts))
	for i, h := range t.Hosts {
		out[i] = HostEntry{Index: i, Addr: h.Addr, Port: h.Port, Available: h.State == model.HostUp}
	}
	return out
}

// Run services HOST_STATUS transitions off the peer channel until ctx is
// cancelled. PFE has no listener and no timer of its own beyond this;
// every other action it takes is in direct reaction to either Apply
// (full reconciliation) or one HOST_STATUS message (single-host update).
func (e *Engine) Run(ctx context.Context) error {
	if e.peer == nil {
		<-ctx.Done()
		return nil
	}
	type frame struct {
		msg ipc.Message
		err error
	}
	recvc := make(chan frame)
	go func() {
		for {
			msg, err := e.peer.NextFramed()
			recvc <- frame{msg, err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-recvc:
			if f.err != nil {
				return fmt.Errorf("pfe: peer channel: %w", f.err)
			}
			if f.msg.Header.Type != ipc.TypeHostStatus {
				e.log.Warn("pfe: unexpected message", "type", f.msg.Header.Type.String())
				continue
			}
			e.handleHostStatus(f.msg.Payload)
		}
	}
}

func (e *Engine) handleHostStatus(payload []byte) {
	var st hostStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		e.log.Error("pfe: decode host status", "err", err)
		return
	}
	e.mu.Lock()
	t, ok := e.tables[st.TableID]
	e.mu.Unlock()
	if !ok {
		e.log.Warn("pfe: host status for unknown table", "table_id", st.TableID)
		return
	}
	idx := -1
	for i, h := range t.Hosts {
		if h.ID == st.Host.ID {
			idx = i
			h.State = st.Host.State
			break
		}
	}
	if idx < 0 {
		e.log.Warn("pfe: host status for unknown host", "table", t.Name, "host_id", st.Host.ID)
		return
	}
	available := st.Host.State == model.HostUp
	if err := e.backend.SetAvailable(t.Name, idx, available); err != nil {
		e.log.Error("pfe: set available", "table", t.Name, "err", err)
		return
	}
	e.log.Info("pfe: host availability updated", "table", t.Name, "index", idx, "available", available)
}
