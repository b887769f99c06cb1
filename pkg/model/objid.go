// Package model holds the shared configuration and runtime data types that
// every relayd process (parent, pfe, hce, relay, ca) materialises a copy of.
package model

import "sync/atomic"

// ObjID is a process-wide identifier minted by the parent and used by
// workers only as an opaque key. It is never reused within the lifetime of
// the daemon.
type ObjID uint32

// IDGen mints process-unique ObjIDs. The parent owns the single live
// instance; workers never mint ids of their own.
type IDGen struct {
	next atomic.Uint32
}

// Next returns the next ObjID, starting at 1 (0 is reserved as "none").
func (g *IDGen) Next() ObjID {
	return ObjID(g.next.Add(1))
}
