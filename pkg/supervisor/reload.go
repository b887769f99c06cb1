package supervisor

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relayd-project/relayd/pkg/config"
	"github.com/relayd-project/relayd/pkg/ipc"
	"github.com/relayd-project/relayd/pkg/model"
)

// ReloadScope labels a reload (spec.md §4.3) in the log and the reload
// journal. Scopes are additive bits. Reload re-reads and re-sends the
// whole configuration whatever the scope; a narrower scope does not skip
// any category.
type ReloadScope uint8

const (
	ScopeRelays ReloadScope = 1 << iota
	ScopeHosts
	ScopeTables
	ScopeRules
	ScopeAll = ScopeRelays | ScopeHosts | ScopeTables | ScopeRules
)

func (s ReloadScope) String() string {
	if s == ScopeAll {
		return "all"
	}
	var parts []string
	if s&ScopeRelays != 0 {
		parts = append(parts, "relays")
	}
	if s&ScopeHosts != 0 {
		parts = append(parts, "hosts")
	}
	if s&ScopeTables != 0 {
		parts = append(parts, "tables")
	}
	if s&ScopeRules != 0 {
		parts = append(parts, "rules")
	}
	if len(parts) == 0 {
		return "none"
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "," + p
	}
	return out
}

// ReloadRecord is one entry in the reload journal.
type ReloadRecord struct {
	ID      uuid.UUID
	Scope   ReloadScope
	At      time.Time
	Outcome string // "ok" or an error summary
}

// ReloadJournal is a bounded, in-memory ring buffer of past reloads,
// grounded on the teacher's configstore.History ring buffer, repurposed
// from commit/rollback snapshots to fan-out reload bookkeeping. It is
// not persisted (spec.md §6: "Persisted state: none").
type ReloadJournal struct {
	entries []ReloadRecord
	head    int
	size    int
	max     int
}

// NewReloadJournal returns a journal retaining at most max records.
func NewReloadJournal(max int) *ReloadJournal {
	return &ReloadJournal{entries: make([]ReloadRecord, max), max: max}
}

func (j *ReloadJournal) push(r ReloadRecord) {
	j.entries[j.head] = r
	j.head = (j.head + 1) % j.max
	if j.size < j.max {
		j.size++
	}
}

// Recent returns journal entries newest-first.
func (j *ReloadJournal) Recent() []ReloadRecord {
	out := make([]ReloadRecord, j.size)
	for i := 0; i < j.size; i++ {
		idx := (j.head - 1 - i + j.max) % j.max
		out[i] = j.entries[idx]
	}
	return out
}

// Reload re-reads the configuration file, re-identifies tables/hosts
// against the live config to preserve health-check hysteresis, spawns
// any newly-required relay/CA workers, tears down ones no longer
// configured, and streams the updated config to every worker that
// survives, waiting for each to ack before the new config becomes
// active (spec.md §4.3's reload_pending countdown barrier).
func (p *Parent) Reload(scope ReloadScope) error {
	if !p.reloading.CompareAndSwap(false, true) {
		p.log.Warn("reload rejected: one already in progress", "scope", scope)
		return fmt.Errorf("reload: already in progress")
	}
	defer p.reloading.Store(false)

	id := uuid.New()
	p.log.Info("reload starting", "id", id, "scope", scope)

	next, err := config.LoadWithDefines(p.opts.ConfigFile, p.opts.Defines)
	if err != nil {
		p.journal.push(ReloadRecord{ID: id, Scope: scope, At: reloadTime(), Outcome: "load failed: " + err.Error()})
		return fmt.Errorf("reload: load config: %w", err)
	}

	p.mu.Lock()
	prev := p.active
	p.mu.Unlock()

	model.ReassignTableIDs(prev, next, &p.idgen)

	// Workers present before this reload get the CTL_RELOAD-then-CFG_*
	// sequence worker.Run's main loop expects (spec.md §4.3 phase 3-4);
	// workers reconcileWorkers spawns fresh already received their one
	// and only config stream via the worker-startup path and must not
	// be sent a second one here.
	p.mu.RLock()
	existing := make(map[WorkerID]*workerHandle, len(p.workers))
	for wid, h := range p.workers {
		existing[wid] = h
	}
	p.mu.RUnlock()

	if err := p.reconcileWorkers(next); err != nil {
		p.journal.push(ReloadRecord{ID: id, Scope: scope, At: reloadTime(), Outcome: "reconcile failed: " + err.Error()})
		return fmt.Errorf("reload: reconcile workers: %w", err)
	}

	p.mu.RLock()
	var survivors []*workerHandle
	for wid, h := range existing {
		if _, stillThere := p.workers[wid]; stillThere {
			survivors = append(survivors, h)
		}
	}
	p.mu.RUnlock()

	for _, h := range survivors {
		if err := h.ch.Send(ipc.TypeCtlReload, 0, []byte(id.String()), nil); err != nil {
			return fmt.Errorf("reload: worker %s: CTL_RELOAD: %w", h.id, err)
		}
	}
	for _, h := range survivors {
		if err := sendConfig(h.ch, h.id.Role, next); err != nil {
			p.journal.push(ReloadRecord{ID: id, Scope: scope, At: reloadTime(), Outcome: "distribute failed: " + err.Error()})
			return fmt.Errorf("reload: worker %s: %w", h.id, err)
		}
	}
	for _, h := range survivors {
		if err := waitAck(h, 30*time.Second); err != nil {
			p.journal.push(ReloadRecord{ID: id, Scope: scope, At: reloadTime(), Outcome: "ack timeout: " + err.Error()})
			return fmt.Errorf("reload: worker %s: %w", h.id, err)
		}
		zeroRelayKeysForWorker(next, h.id)
	}

	p.mu.Lock()
	p.active = next
	p.mu.Unlock()

	p.journal.push(ReloadRecord{ID: id, Scope: scope, At: reloadTime(), Outcome: "ok"})
	p.log.Info("reload complete", "id", id)
	return nil
}

// reconcileWorkers spawns workers for relays/CA pairs introduced by next
// that don't already exist, and tears down ones no longer configured.
// Existing same-identity workers are left running; they receive the new
// config over their existing channel (no restart needed for a plain
// config change, only for a binary upgrade).
func (p *Parent) reconcileWorkers(next *model.Config) error {
	want := make(map[WorkerID]bool)
	for _, id := range roleList(next) {
		want[id] = true
	}

	p.mu.RLock()
	var toRemove []WorkerID
	for id := range p.workers {
		if !want[id] {
			toRemove = append(toRemove, id)
		}
	}
	p.mu.RUnlock()

	for _, id := range toRemove {
		p.mu.Lock()
		h := p.workers[id]
		delete(p.workers, id)
		p.mu.Unlock()
		if h == nil {
			continue
		}
		_ = h.ch.Send(ipc.TypeCtlShutdown, 0, nil, nil)
		go func(h *workerHandle) {
			h.cmd.Wait()
			h.ch.Close()
		}(h)
	}

	var newIDs []WorkerID
	for id := range want {
		p.mu.RLock()
		_, exists := p.workers[id]
		p.mu.RUnlock()
		if !exists {
			newIDs = append(newIDs, id)
		}
	}

	newSet := make(map[WorkerID]bool, len(newIDs))
	for _, id := range newIDs {
		newSet[id] = true
	}
	var newPairs [][2]WorkerID
	for _, pair := range peerPairs(next) {
		if newSet[pair[0]] || newSet[pair[1]] {
			newPairs = append(newPairs, pair)
		}
	}
	peerFiles, err := buildPeerFiles(newPairs)
	if err != nil {
		return fmt.Errorf("reload: peer channels: %w", err)
	}

	for _, id := range newIDs {
		h, err := p.spawn(id, peerFiles[id])
		if err != nil {
			return fmt.Errorf("spawn %s: %w", id, err)
		}
		if err := sendConfig(h.ch, h.id.Role, next); err != nil {
			return fmt.Errorf("worker %s: initial config: %w", id, err)
		}
		if err := waitAck(h, 30*time.Second); err != nil {
			return fmt.Errorf("worker %s: initial ack: %w", id, err)
		}
		zeroRelayKeysForWorker(next, h.id)
		if err := h.ch.Send(ipc.TypeCtlStart, 0, nil, nil); err != nil {
			return fmt.Errorf("worker %s: CTL_START: %w", id, err)
		}
		p.mu.Lock()
		p.workers[id] = h
		p.mu.Unlock()
		go p.monitor(id, h)
	}
	return nil
}

// zeroRelayKeysForWorker zero-fills a relay's private-key bytes in cfg once
// the CA worker that owns it has acked the config carrying them, so the
// parent's own copy doesn't linger in memory after distribution (spec.md
// §4.4, §8 property 1). Relay and non-SSL workers never receive key
// material in the first place (sendConfig), so there is nothing to zero for
// them.
func zeroRelayKeysForWorker(cfg *model.Config, id WorkerID) {
	if id.Role != RoleCA {
		return
	}
	if id.Instance < 0 || id.Instance >= len(cfg.Relays) {
		return
	}
	cfg.Relays[id.Instance].Keys.Zero()
}

func reloadTime() time.Time {
	return time.Now()
}
