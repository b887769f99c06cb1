package config

import "testing"

func TestParserBlockAndLeaf(t *testing.T) {
	src := `
interval 10
table websrvs {
	mode roundrobin
	host 10.0.1.1 port 80
	host 10.0.1.2 port 80
}
`
	p := NewParser(src)
	tree, errs := p.Parse()
	if len(errs) != 0 {
		t.Fatalf("unexpected parse errors: %v", errs)
	}
	if len(tree.Children) != 2 {
		t.Fatalf("got %d top-level nodes, want 2", len(tree.Children))
	}

	interval := tree.FindChild("interval")
	if interval == nil || !interval.IsLeaf || interval.Keys[1] != "10" {
		t.Fatalf("interval node = %+v", interval)
	}

	table := tree.FindChild("table")
	if table == nil || table.IsLeaf {
		t.Fatalf("table node = %+v", table)
	}
	if table.Keys[1] != "websrvs" {
		t.Fatalf("table name = %q, want websrvs", table.Keys[1])
	}
	hosts := table.FindChildren("host")
	if len(hosts) != 2 {
		t.Fatalf("got %d host nodes, want 2", len(hosts))
	}
}

func TestParserRecoversFromUnexpectedToken(t *testing.T) {
	src := `; interval 10`
	p := NewParser(src)
	tree, errs := p.Parse()
	if len(errs) == 0 {
		t.Fatal("expected a parse error for a stray ';'")
	}
	if tree.FindChild("interval") == nil {
		t.Fatal("expected parser to recover and still parse the following statement")
	}
}

func TestParserNestedBlocks(t *testing.T) {
	src := `
relay www {
	listen 0.0.0.0 port 80
	protocol httpfilter
	forward table websrvs
}
`
	p := NewParser(src)
	tree, errs := p.Parse()
	if len(errs) != 0 {
		t.Fatalf("unexpected parse errors: %v", errs)
	}
	relay := tree.FindChild("relay")
	if relay == nil {
		t.Fatal("expected a relay node")
	}
	if relay.FindChild("listen") == nil || relay.FindChild("protocol") == nil || relay.FindChild("forward") == nil {
		t.Fatalf("missing expected relay children: %+v", relay.Children)
	}
}
