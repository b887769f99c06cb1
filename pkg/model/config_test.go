package model

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// TestReassignTableIDsUnmatchedTableGetsFreshState covers the branch
// compiler_test.go's reload test doesn't: a table with no structural
// match in prev is new, and must not carry over any host health state
// from somewhere it was never derived from.
func TestReassignTableIDsUnmatchedTableGetsFreshState(t *testing.T) {
	gen := &IDGen{}

	prev := NewConfig()
	oldTable := &Table{ID: gen.Next(), Name: "websrvs", Method: CheckTCP}
	oldTable.Hosts = append(oldTable.Hosts, &Host{ID: gen.Next(), Name: "10.0.1.1", Port: 80, State: HostUp, UpCount: 9})
	prev.Tables = append(prev.Tables, oldTable)

	next := NewConfig()
	newTable := &Table{Name: "apisrvs", Method: CheckTCP}
	newTable.Hosts = append(newTable.Hosts, &Host{Name: "10.0.2.1", Port: 8080})
	next.Tables = append(next.Tables, newTable)

	ReassignTableIDs(prev, next, gen)

	if next.Tables[0].ID == 0 {
		t.Fatal("unmatched table must still get a nonzero id")
	}
	if next.Tables[0].ID == prev.Tables[0].ID {
		t.Fatal("unmatched table must not reuse an unrelated table's id")
	}

	diff := cmp.Diff(Host{Name: "10.0.2.1", Port: 8080}, *next.Tables[0].Hosts[0],
		cmpopts.IgnoreFields(Host{}, "ID", "TableID"), cmp.Comparer(addrEqual))
	if diff != "" {
		t.Fatalf("unmatched host carried over unexpected state (-want +got):\n%s", diff)
	}
}

// TestReassignTableIDsMatchedTableCarriesHysteresis is the mirror case:
// a structurally-identical table keeps its id and its hosts' health
// counters survive the reload (spec.md §8 property 7's hysteresis must
// not reset just because the config file was re-read).
func TestReassignTableIDsMatchedTableCarriesHysteresis(t *testing.T) {
	gen := &IDGen{}

	prev := NewConfig()
	oldTable := &Table{ID: gen.Next(), Name: "websrvs", Method: CheckTCP}
	oldHost := &Host{ID: gen.Next(), TableID: oldTable.ID, Name: "10.0.1.1", Port: 80, State: HostDown, DownCount: 4}
	oldTable.Hosts = append(oldTable.Hosts, oldHost)
	prev.Tables = append(prev.Tables, oldTable)

	next := NewConfig()
	newTable := &Table{Name: "websrvs", Method: CheckTCP}
	newTable.Hosts = append(newTable.Hosts, &Host{Name: "10.0.1.1", Port: 80})
	next.Tables = append(next.Tables, newTable)

	ReassignTableIDs(prev, next, gen)

	got := next.Tables[0].Hosts[0]
	want := &Host{ID: oldHost.ID, TableID: newTable.ID, Name: "10.0.1.1", Port: 80, State: HostDown, DownCount: 4}
	if diff := cmp.Diff(want, got, cmp.Comparer(addrEqual)); diff != "" {
		t.Fatalf("carried-over host state mismatch (-want +got):\n%s", diff)
	}
}

// addrEqual lets cmp compare netip.Addr, whose fields are unexported.
func addrEqual(a, b netip.Addr) bool { return a == b }
