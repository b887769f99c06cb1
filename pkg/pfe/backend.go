// Package pfe implements the packet-filter engine: the worker that owns
// the kernel packet filter's redirect state exclusively (spec.md §1,
// §4.7, §5). It translates host-state transitions and redirect config
// into calls against a pluggable Backend, resolving spec.md §9's open
// question of which packet filter API sits underneath -- on Linux, an
// eBPF map-based one (pkg/pfe/ebpf), not BSD pf.
package pfe

import "net/netip"

// HostEntry is one row PFE wants reflected in a named redirect table:
// a backend address/port and whether traffic should currently be
// steered to it.
type HostEntry struct {
	Index     int
	Addr      netip.Addr
	Port      uint16
	Available bool
}

// Backend is the abstraction spec.md §1 calls "an opaque 'set table /
// enable redirect' API" and §5 says is owned exclusively by PFE. A
// concrete backend never needs to know about relayd's model types --
// only addresses, ports, and availability bits -- so PFE can swap BSD
// pf, Linux eBPF, or a test fake behind this interface without any
// other package noticing.
type Backend interface {
	// SyncTable replaces the full host list for table in one call, used
	// for the per-CFG_DONE full reconciliation spec.md §4.7 requires.
	SyncTable(table string, hosts []HostEntry) error

	// SetAvailable flips a single host's availability bit within table,
	// used for the common case of one HOST_STATUS transition.
	SetAvailable(table string, index int, available bool) error

	// RemoveTable tears down a table no longer present after a reload.
	RemoveTable(table string) error

	// Flush removes every table this backend manages, used at shutdown.
	Flush() error
}

// memoryBackend is an in-process Backend used by tests and as the
// default when no privileged backend is available (e.g. non-Linux
// build, or -n parse-only mode). It never touches the kernel.
type memoryBackend struct {
	tables map[string][]HostEntry
}

// NewMemoryBackend returns a Backend that only ever mutates its own
// in-memory table snapshot -- useful for tests asserting PFE's
// reconciliation logic without a kernel packet filter present.
func NewMemoryBackend() Backend {
	return &memoryBackend{tables: make(map[string][]HostEntry)}
}

func (b *memoryBackend) SyncTable(table string, hosts []HostEntry) error {
	cp := make([]HostEntry, len(hosts))
	copy(cp, hosts)
	b.tables[table] = cp
	return nil
}

func (b *memoryBackend) SetAvailable(table string, index int, available bool) error {
	hosts := b.tables[table]
	for i := range hosts {
		if hosts[i].Index == index {
			hosts[i].Available = available
			return nil
		}
	}
	return nil
}

func (b *memoryBackend) RemoveTable(table string) error {
	delete(b.tables, table)
	return nil
}

func (b *memoryBackend) Flush() error {
	b.tables = make(map[string][]HostEntry)
	return nil
}

// Snapshot returns a defensive copy of table's current host rows, for
// test assertions.
func (b *memoryBackend) Snapshot(table string) []HostEntry {
	hosts := b.tables[table]
	cp := make([]HostEntry, len(hosts))
	copy(cp, hosts)
	return cp
}
