// Package ebpf implements the Linux pfe.Backend: a small BPF hash map of
// (table id, host index) -> {address, port, available} that an XDP/TC
// redirect program would consult to steer traffic (loading/attaching
// that program is out of this repository's scope, per spec.md §1's
// "opaque set table / enable redirect API"). Grounded on the teacher's
// pkg/dataplane typed-map-mirror structs and its dpdk.Manager pluggable-
// backend shape (RegisterBackend-by-type), generalized from a firewall's
// session/policy maps to relayd's simpler redirect table.
package ebpf

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net/netip"

	cilebpf "github.com/cilium/ebpf"

	"github.com/relayd-project/relayd/pkg/pfe"
)

// hostKey mirrors the C struct a redirect program's map lookup would use:
// a table identifier (hashed from its name, since table names are
// operator strings of unbounded length but the map key must be fixed
// size) plus the host's index within that table.
type hostKey struct {
	TableHash uint64
	Index     uint32
}

// hostValue mirrors the C struct the redirect program reads back.
type hostValue struct {
	Addr      [16]byte // v4-in-v6 or native v6
	Port      uint16
	Available uint8
	_         uint8 // padding to keep the struct's size stable across platforms
}

// Backend is the eBPF-map-based pfe.Backend. It owns one BPF_MAP_TYPE_HASH
// map for the whole daemon (not one per table) keyed by (tableHash,
// index), matching how a single XDP program would want to look up any
// host with one map, not N.
type Backend struct {
	hosts *cilebpf.Map

	// names lets SyncTable/RemoveTable reconstruct which keys belong to
	// a table by name, since the map itself is keyed by hash only.
	names map[string][]hostKey
}

// New creates the backend's BPF map. maxEntries bounds the total number
// of (table, host) rows across every table -- the same fixed-capacity
// trade-off the teacher's eBPF session/policy maps make.
func New(maxEntries uint32) (*Backend, error) {
	m, err := cilebpf.NewMap(&cilebpf.MapSpec{
		Name:       "relayd_pfe_hosts",
		Type:       cilebpf.Hash,
		KeySize:    16, // sizeof(hostKey)
		ValueSize:  20, // sizeof(hostValue)
		MaxEntries: maxEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("pfe/ebpf: create map: %w", err)
	}
	return &Backend{hosts: m, names: make(map[string][]hostKey)}, nil
}

var _ pfe.Backend = (*Backend)(nil)

func tableHash(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}

func encodeKey(k hostKey) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], k.TableHash)
	binary.LittleEndian.PutUint32(buf[8:12], k.Index)
	return buf
}

func encodeValue(v hostValue) []byte {
	buf := make([]byte, 20)
	copy(buf[0:16], v.Addr[:])
	binary.LittleEndian.PutUint16(buf[16:18], v.Port)
	buf[18] = v.Available
	return buf
}

func addrBytes(addr netip.Addr) [16]byte {
	var out [16]byte
	if addr.Is4() {
		a4 := addr.As4()
		copy(out[12:], a4[:]) // v4-in-v6 layout
		return out
	}
	a16 := addr.As16()
	return a16
}

// SyncTable replaces every row belonging to table in one pass: deletes
// keys from the previous call that are no longer present, then inserts
// the new set. This is the full reconciliation pfe.Engine.Apply drives
// after every CFG_DONE (spec.md §4.7).
func (b *Backend) SyncTable(table string, hosts []pfe.HostEntry) error {
	th := tableHash(table)
	for _, old := range b.names[table] {
		_ = b.hosts.Delete(encodeKey(old))
	}
	keys := make([]hostKey, 0, len(hosts))
	for _, h := range hosts {
		k := hostKey{TableHash: th, Index: uint32(h.Index)}
		v := hostValue{Addr: addrBytes(h.Addr), Port: h.Port}
		if h.Available {
			v.Available = 1
		}
		if err := b.hosts.Put(encodeKey(k), encodeValue(v)); err != nil {
			return fmt.Errorf("pfe/ebpf: put %s[%d]: %w", table, h.Index, err)
		}
		keys = append(keys, k)
	}
	b.names[table] = keys
	return nil
}

// SetAvailable flips one host's availability byte in place without
// touching its address/port, the common-case update for a single
// HOST_STATUS transition.
func (b *Backend) SetAvailable(table string, index int, available bool) error {
	k := hostKey{TableHash: tableHash(table), Index: uint32(index)}
	keyBytes := encodeKey(k)

	var valBytes [20]byte
	if err := b.hosts.Lookup(keyBytes, &valBytes); err != nil {
		return fmt.Errorf("pfe/ebpf: lookup %s[%d]: %w", table, index, err)
	}
	if available {
		valBytes[18] = 1
	} else {
		valBytes[18] = 0
	}
	if err := b.hosts.Put(keyBytes, valBytes[:]); err != nil {
		return fmt.Errorf("pfe/ebpf: update %s[%d]: %w", table, index, err)
	}
	return nil
}

// RemoveTable deletes every row belonging to table.
func (b *Backend) RemoveTable(table string) error {
	for _, k := range b.names[table] {
		_ = b.hosts.Delete(encodeKey(k))
	}
	delete(b.names, table)
	return nil
}

// Flush deletes every row this backend has ever inserted and closes the
// map, called once at PFE worker shutdown.
func (b *Backend) Flush() error {
	for table := range b.names {
		_ = b.RemoveTable(table)
	}
	return b.hosts.Close()
}
