package relay

import (
	"testing"

	"github.com/relayd-project/relayd/pkg/model"
)

func hostsABC() []*model.Host {
	return []*model.Host{
		{ID: 1, Name: "A", State: model.HostUp},
		{ID: 2, Name: "B", State: model.HostUp},
		{ID: 3, Name: "C", State: model.HostUp},
	}
}

// TestRoundRobinSteadyState covers spec.md §8 S1: three UP hosts, nothing
// ever goes down, rotation visits A,B,C,A,B,C,...
func TestRoundRobinSteadyState(t *testing.T) {
	tbl := &model.Table{Hosts: hostsABC()}
	cursor := &tableCursor{}

	want := []string{"A", "B", "C", "A", "B", "C", "A"}
	for i, name := range want {
		h, err := selectBackend(tbl, cursor, model.ModeRoundRobin, "", 0)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if h.Name != name {
			t.Fatalf("request %d: got %s, want %s", i+1, h.Name, name)
		}
	}
}

// TestRoundRobinSkipsDownHost covers spec.md §8 S2: A,B,C rotate normally
// for the first three requests, then B goes down. Indexing against the
// stable host list rather than re-deriving modulo over the filtered UP
// list means B's slot is simply skipped -- the rotation continues
// A,C,A,C,... rather than reversing.
func TestRoundRobinSkipsDownHost(t *testing.T) {
	hosts := hostsABC()
	tbl := &model.Table{Hosts: hosts}
	cursor := &tableCursor{}

	for i, name := range []string{"A", "B", "C"} {
		h, err := selectBackend(tbl, cursor, model.ModeRoundRobin, "", 0)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if h.Name != name {
			t.Fatalf("request %d: got %s, want %s", i+1, h.Name, name)
		}
	}

	hosts[1].State = model.HostDown // B goes down

	want := []string{"A", "C", "A", "C", "A", "C", "A"}
	for i, name := range want {
		h, err := selectBackend(tbl, cursor, model.ModeRoundRobin, "", 0)
		if err != nil {
			t.Fatalf("request %d after B down: %v", i+1, err)
		}
		if h.Name != name {
			t.Fatalf("request %d after B down: got %s, want %s", i+1, h.Name, name)
		}
	}
}

func TestRoundRobinAllDownReturnsNoBackend(t *testing.T) {
	hosts := hostsABC()
	for _, h := range hosts {
		h.State = model.HostDown
	}
	tbl := &model.Table{Hosts: hosts}
	cursor := &tableCursor{}

	_, err := selectBackend(tbl, cursor, model.ModeRoundRobin, "", 0)
	if err != ErrNoBackend {
		t.Fatalf("err = %v, want ErrNoBackend", err)
	}
}

func TestSourceHashIsStableForSameClient(t *testing.T) {
	tbl := &model.Table{Hosts: hostsABC()}
	cursor := &tableCursor{}

	first, err := selectBackend(tbl, cursor, model.ModeSourceHash, "203.0.113.7", 0)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		h, err := selectBackend(tbl, cursor, model.ModeSourceHash, "203.0.113.7", 0)
		if err != nil {
			t.Fatal(err)
		}
		if h.Name != first.Name {
			t.Fatalf("source-hash picked %s then %s for the same client", first.Name, h.Name)
		}
	}
}

func TestSessionHashIsStableForSameHash(t *testing.T) {
	tbl := &model.Table{Hosts: hostsABC()}
	cursor := &tableCursor{}

	first, err := selectBackend(tbl, cursor, model.ModeSessionHash, "", 42)
	if err != nil {
		t.Fatal(err)
	}
	h, err := selectBackend(tbl, cursor, model.ModeSessionHash, "", 42)
	if err != nil {
		t.Fatal(err)
	}
	if h.Name != first.Name {
		t.Fatalf("session-hash picked %s then %s for the same session hash", first.Name, h.Name)
	}
}

func TestLeastLoadedPicksFewestActiveSessions(t *testing.T) {
	hosts := hostsABC()
	hosts[0].ActiveSessions = 10
	hosts[1].ActiveSessions = 2
	hosts[2].ActiveSessions = 7
	tbl := &model.Table{Hosts: hosts}
	cursor := &tableCursor{}

	h, err := selectBackend(tbl, cursor, model.ModeLoadBalance, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if h.Name != "B" {
		t.Fatalf("loadbalance picked %s, want B (fewest active sessions)", h.Name)
	}
}
