package supervisor

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/relayd-project/relayd/pkg/model"
)

func TestReloadJournalRingBuffer(t *testing.T) {
	j := NewReloadJournal(2)
	first := ReloadRecord{ID: uuid.New(), Scope: ScopeAll, At: time.Unix(1, 0), Outcome: "ok"}
	second := ReloadRecord{ID: uuid.New(), Scope: ScopeHosts, At: time.Unix(2, 0), Outcome: "ok"}
	third := ReloadRecord{ID: uuid.New(), Scope: ScopeRules, At: time.Unix(3, 0), Outcome: "failed"}

	j.push(first)
	j.push(second)
	j.push(third)

	recent := j.Recent()
	if len(recent) != 2 {
		t.Fatalf("got %d entries, want 2 (capacity)", len(recent))
	}
	if recent[0].ID != third.ID {
		t.Fatalf("most recent entry = %v, want %v", recent[0].ID, third.ID)
	}
	if recent[1].ID != second.ID {
		t.Fatalf("second entry = %v, want %v (oldest should have been evicted)", recent[1].ID, second.ID)
	}
}

// TestReloadRejectsConcurrentInvocation is a regression test for
// spec.md §4.3's "exactly one reload at a time": a Reload already in
// flight must cause a second, concurrent call to be rejected rather
// than interleaved with the first.
func TestReloadRejectsConcurrentInvocation(t *testing.T) {
	p := New(Options{ConfigFile: "/nonexistent/relayd.conf"}, nil)
	p.reloading.Store(true)
	defer p.reloading.Store(false)

	if err := p.Reload(ScopeAll); err == nil {
		t.Fatal("expected Reload to reject while one is already in progress")
	}
}

func TestReloadGuardReleasedAfterFailure(t *testing.T) {
	p := New(Options{ConfigFile: "/nonexistent/relayd.conf"}, nil)
	if err := p.Reload(ScopeAll); err == nil {
		t.Fatal("expected Reload to fail loading a nonexistent config file")
	}
	if p.reloading.Load() {
		t.Fatal("reloading guard must be released after Reload returns, even on failure")
	}
}

// TestZeroRelayKeysForWorkerClearsOnlyTheOwningCAWorkersRelay is a
// regression test: the parent's copy of a relay's private-key bytes must
// be zeroed once that relay's CA worker has acked, but neither a relay
// worker's ack nor a different relay's CA worker should touch it
// (spec.md §4.4, §8 property 1).
func TestZeroRelayKeysForWorkerClearsOnlyTheOwningCAWorkersRelay(t *testing.T) {
	cfg := model.NewConfig()
	cfg.Relays = []*model.Relay{
		{Name: "www", Keys: model.KeyMaterial{KeyPEM: []byte("key-0")}},
		{Name: "api", Keys: model.KeyMaterial{KeyPEM: []byte("key-1")}},
	}

	zeroRelayKeysForWorker(cfg, WorkerID{Role: RoleRelay, Instance: 0})
	if string(cfg.Relays[0].Keys.KeyPEM) != "key-0" {
		t.Fatal("a relay worker's ack must not zero key material")
	}

	zeroRelayKeysForWorker(cfg, WorkerID{Role: RoleCA, Instance: 1})
	if cfg.Relays[0].Keys.KeyPEM == nil || string(cfg.Relays[0].Keys.KeyPEM) != "key-0" {
		t.Fatal("a different relay's CA worker ack must not zero this relay's key material")
	}
	if cfg.Relays[1].Keys.KeyPEM != nil {
		t.Fatal("expected relay 1's key material to be zeroed once its CA worker acked")
	}

	zeroRelayKeysForWorker(cfg, WorkerID{Role: RoleCA, Instance: 0})
	if cfg.Relays[0].Keys.KeyPEM != nil {
		t.Fatal("expected relay 0's key material to be zeroed once its CA worker acked")
	}
}

func TestReloadScopeString(t *testing.T) {
	if ScopeAll.String() != "all" {
		t.Fatalf("ScopeAll.String() = %q, want all", ScopeAll.String())
	}
	if got := (ScopeHosts | ScopeTables).String(); got != "hosts,tables" {
		t.Fatalf("got %q, want hosts,tables", got)
	}
}
