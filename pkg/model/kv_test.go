package model

import "testing"

func TestKvTreeExactGlobParity(t *testing.T) {
	tree := NewKvTree(KeyHeader)
	tree.Insert(NewKv("Host", "api.example.com"))
	tree.Insert(NewKv("X-Request-Id", "abc123"))

	for _, key := range []string{"Host", "host", "X-Request-Id"} {
		exact := tree.FindExact(key)
		glob := tree.FindGlob(key)
		if len(exact) != len(glob) {
			t.Fatalf("key %q: exact=%d glob=%d, want equal (no glob metachars)", key, len(exact), len(glob))
		}
	}
}

func TestKvTreeGlobMatch(t *testing.T) {
	tree := NewKvTree(KeyHeader)
	tree.Insert(NewKv("Host", "api.example.com"))
	tree.Insert(NewKv("Host", "www.example.org"))

	got := tree.Lookup("*.example.com")
	if len(got) != 1 {
		t.Fatalf("glob lookup: got %d matches, want 1", len(got))
	}
	if got[0].Value != "api.example.com" {
		t.Errorf("glob lookup: got value %q", got[0].Value)
	}
}

func TestKvFlagsDerived(t *testing.T) {
	kv := NewKv("X-*", "$HOST")
	if kv.Flags&KvGlobbing == 0 {
		t.Error("expected KvGlobbing flag for key with '*'")
	}
	if kv.Flags&KvMacro == 0 {
		t.Error("expected KvMacro flag for value with '$'")
	}
}

func TestKvTreeDelete(t *testing.T) {
	tree := NewKvTree(KeyCookie)
	root := NewKv("session", "abc")
	child := NewKv("session-sub", "def")
	root.AddChild(child)
	tree.Insert(root)
	tree.Insert(child)

	tree.Delete(root)
	if len(tree.FindExact("session")) != 0 {
		t.Error("expected session removed")
	}
	if len(tree.FindExact("session-sub")) != 0 {
		t.Error("expected child removed with parent")
	}
}
