package model

// Config is the compiled, typed configuration tree the parser produces
// and every worker installs a read-only copy of. It is the unit the
// reload protocol (spec.md §4.3) streams as CFG_* messages.
type Config struct {
	Relays    []*Relay
	Tables    []*Table
	Protocols []*Protocol

	Labels *Registry
	Tags   *Registry

	GlobalInterval int // default checkinterval, seconds
	GlobalTimeout  int // default check timeout, seconds

	Unprivileged struct {
		User  string
		Chroot string
	}
}

// NewConfig returns an empty, ready-to-populate Config.
func NewConfig() *Config {
	return &Config{
		Labels: NewRegistry(),
		Tags:   NewRegistry(),
	}
}

// TableByID returns the table with the given id, or nil.
func (c *Config) TableByID(id ObjID) *Table {
	for _, t := range c.Tables {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// TableByName returns the table with the given name, or nil.
func (c *Config) TableByName(name string) *Table {
	for _, t := range c.Tables {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// ProtocolByID returns the protocol with the given id, or nil.
func (c *Config) ProtocolByID(id ObjID) *Protocol {
	for _, p := range c.Protocols {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// RelayByID returns the relay with the given id, or nil.
func (c *Config) RelayByID(id ObjID) *Relay {
	for _, r := range c.Relays {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// ReassignTableIDs re-identifies tables in `next` against `prev` using
// Table.FindByConf, preserving ids (and therefore host hysteresis state)
// across a reload for structurally-unchanged tables (spec.md §3, §9).
func ReassignTableIDs(prev, next *Config, gen *IDGen) {
	for _, nt := range next.Tables {
		matched := false
		for _, pt := range prev.Tables {
			if pt.FindByConf(nt) {
				nt.ID = pt.ID
				carryHostState(pt, nt, gen)
				matched = true
				break
			}
		}
		if !matched {
			nt.ID = gen.Next()
			for _, h := range nt.Hosts {
				h.ID = gen.Next()
				h.TableID = nt.ID
			}
		}
	}
}

// carryHostState copies hysteresis state from matching hosts (by name) in
// the previous table into the next table's hosts, so a reload that only
// changes unrelated fields does not reset UP/DOWN counters. Hosts with no
// match in the previous table are new and get a freshly minted id.
func carryHostState(prev, next *Table, gen *IDGen) {
	for _, nh := range next.Hosts {
		nh.TableID = next.ID
		ph := prev.HostByName(nh.Name)
		if ph == nil {
			nh.ID = gen.Next()
			continue
		}
		nh.ID = ph.ID
		nh.State = ph.State
		nh.UpCount = ph.UpCount
		nh.DownCount = ph.DownCount
		nh.LastChange = ph.LastChange
	}
}
