package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relayd-project/relayd/pkg/model"
)

// sessionTable tracks every live session for one relay so the GC sweep
// below can enumerate them; handleSession itself never consults it, and
// nothing outside this relay worker reads it. Grounded on the teacher's conntrack.GC, which
// separately sweeps a table that normal traffic handling also populates.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[model.ObjID]*model.Session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[model.ObjID]*model.Session)}
}

func (t *sessionTable) add(s *model.Session) {
	t.mu.Lock()
	t.sessions[s.ID] = s
	t.mu.Unlock()
}

func (t *sessionTable) remove(id model.ObjID) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

// all returns a snapshot safe to iterate without holding the lock.
func (t *sessionTable) all() []*model.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*model.Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// sessionGC periodically force-closes sessions that outlived their idle
// deadline without the session's own goroutine noticing -- a backstop
// for a backend that stopped reading without closing its socket, so a
// SetReadDeadline never fires on a read that is simply never attempted.
// Mirrors the teacher's conntrack.GC: a ticker, a sweep, and a count of
// what was reaped logged only when non-zero.
type sessionGC struct {
	table    *sessionTable
	interval time.Duration
	log      *slog.Logger
}

func newSessionGC(table *sessionTable, interval time.Duration, log *slog.Logger) *sessionGC {
	if log == nil {
		log = slog.Default()
	}
	return &sessionGC{table: table, interval: interval, log: log}
}

// Run blocks sweeping until ctx is cancelled.
func (gc *sessionGC) Run(ctx context.Context) {
	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gc.sweep()
		}
	}
}

func (gc *sessionGC) sweep() {
	now := time.Now()
	reaped := 0
	for _, s := range gc.table.all() {
		if s.Closed || s.IdleDeadline.IsZero() || now.Before(s.IdleDeadline.Add(gc.interval)) {
			continue
		}
		if s.Client != nil {
			_ = s.Client.Close()
		}
		if s.Backend != nil {
			_ = s.Backend.Close()
		}
		gc.table.remove(s.ID)
		reaped++
	}
	if reaped > 0 {
		gc.log.Info("session gc reaped stuck sessions", "count", reaped)
	}
}
