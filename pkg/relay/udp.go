package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/relayd-project/relayd/pkg/model"
)

// udpBindingKey identifies one client 5-tuple's binding to a chosen
// backend, mirroring the teacher's persistentNATKey (source address/port
// plus the pool -- here, the relay's forward table -- it was bound
// against).
type udpBindingKey struct {
	addr  string // clientAddr.String(), "ip:port"
	table model.ObjID
}

// udpBinding is a live client<->backend pairing for a connectionless
// relay, adapted from dataplane.PersistentNATBinding: same sticky-by-
// source-tuple shape and LastSeen-driven expiry, repurposed from a NAT
// pool entry into a UDP relay session.
type udpBinding struct {
	clientAddr *net.UDPAddr
	backend    *net.UDPConn
	host       *model.Host
	lastSeen   time.Time
}

// udpBindingTable is the per-relay sticky-binding table for a UDP relay,
// grounded on pkg/dataplane.PersistentNATTable.
type udpBindingTable struct {
	mu       sync.Mutex
	bindings map[udpBindingKey]*udpBinding
	timeout  time.Duration
}

func newUDPBindingTable(timeout time.Duration) *udpBindingTable {
	return &udpBindingTable{bindings: make(map[udpBindingKey]*udpBinding), timeout: timeout}
}

func (t *udpBindingTable) lookup(key udpBindingKey) *udpBinding {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.bindings[key]
	if !ok {
		return nil
	}
	if time.Since(b.lastSeen) > t.timeout {
		delete(t.bindings, key)
		b.backend.Close()
		return nil
	}
	return b
}

func (t *udpBindingTable) save(key udpBindingKey, b *udpBinding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bindings[key] = b
}

// gc sweeps expired bindings, closing their backend sockets, grounded on
// PersistentNATTable.GC.
func (t *udpBindingTable) gc() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	now := time.Now()
	for key, b := range t.bindings {
		if now.Sub(b.lastSeen) > t.timeout {
			b.backend.Close()
			delete(t.bindings, key)
			removed++
		}
	}
	return removed
}

// runUDP implements the connectionless relay mode: every client datagram
// either reuses or creates a 5-tuple binding to a backend chosen the same
// way a TCP session would be (spec.md §4.5 UDP supplement).
func (e *Engine) runUDP(ctx context.Context, r *model.Relay, cfg *model.Config, generation uint64) error {
	udpAddr, err := net.ResolveUDPAddr("udp", r.Listen)
	if err != nil {
		return fmt.Errorf("relay %s: resolve udp listen addr: %w", r.Name, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("relay %s: listen udp %s: %w", r.Name, r.Listen, err)
	}
	defer conn.Close()
	e.log.Info("relay listening (udp)", "relay", r.Name, "addr", r.Listen)

	idle := time.Duration(r.IdleTimeoutSeconds) * time.Second
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	table, mode, err := resolveDefaultTable(cfg, r)
	if err != nil {
		return err
	}
	cursor := &tableCursor{}
	bindings := newUDPBindingTable(idle)

	go runUDPGC(ctx, bindings, idle)

	buf := make([]byte, 64*1024)
	for {
		conn.SetReadDeadline(time.Now().Add(idle))
		n, clientAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			e.log.Warn("udp read failed", "relay", r.Name, "err", err)
			continue
		}

		key := udpBindingKey{addr: clientAddr.String(), table: table.ID}
		b := bindings.lookup(key)
		if b == nil {
			host, err := selectBackend(table, cursor, mode, clientAddr.IP.String(), 0)
			if err != nil {
				e.log.Warn("udp: no backend", "relay", r.Name, "err", err)
				continue
			}
			backendConn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: host.Addr.AsSlice(), Port: int(host.Port)})
			if err != nil {
				e.log.Warn("udp: backend dial failed", "relay", r.Name, "err", err)
				continue
			}
			b = &udpBinding{clientAddr: clientAddr, backend: backendConn, host: host, lastSeen: time.Now()}
			bindings.save(key, b)
			go pumpUDPReplies(ctx, conn, clientAddr, b, idle)
		}
		b.lastSeen = time.Now()
		if _, err := b.backend.Write(buf[:n]); err != nil {
			e.log.Warn("udp: backend write failed", "relay", r.Name, "err", err)
		}
	}
}

// pumpUDPReplies copies datagrams from one binding's backend socket back
// to the original client address until the binding goes idle.
func pumpUDPReplies(ctx context.Context, front *net.UDPConn, clientAddr *net.UDPAddr, b *udpBinding, idle time.Duration) {
	buf := make([]byte, 64*1024)
	for {
		b.backend.SetReadDeadline(time.Now().Add(idle))
		n, err := b.backend.Read(buf)
		if err != nil {
			return
		}
		b.lastSeen = time.Now()
		if _, err := front.WriteToUDP(buf[:n], clientAddr); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func runUDPGC(ctx context.Context, bindings *udpBindingTable, idle time.Duration) {
	ticker := time.NewTicker(idle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bindings.gc()
		}
	}
}

