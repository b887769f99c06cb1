package model

import "crypto"

// PrivateKeyTable maps an ObjID to a private-key handle. The sole writer
// is a CA worker at launch (when it loads the keys the parent handed it
// over CFG_RELAY); the sole reader is that same CA worker servicing RPCs
// from its paired relay. No other process ever holds this table.
type PrivateKeyTable struct {
	keys map[ObjID]crypto.Signer
}

// NewPrivateKeyTable creates an empty table.
func NewPrivateKeyTable() *PrivateKeyTable {
	return &PrivateKeyTable{keys: make(map[ObjID]crypto.Signer)}
}

// Load installs the private key for objid. The CA engine's Apply calls it
// for each relay key every time a config is applied: first for the
// startup config, before CTL_START, then again on every reload.
func (t *PrivateKeyTable) Load(objid ObjID, key crypto.Signer) {
	t.keys[objid] = key
}

// Lookup returns the private-key handle for objid, or nil if unknown --
// the "unknown objid" error case from spec.md §4.4.
func (t *PrivateKeyTable) Lookup(objid ObjID) crypto.Signer {
	return t.keys[objid]
}

// Len reports how many keys are currently loaded.
func (t *PrivateKeyTable) Len() int { return len(t.keys) }
