package config

import (
	"testing"

	"github.com/relayd-project/relayd/pkg/model"
)

const sampleConfig = `
interval 10
timeout 5

REMOTE_ADDR_HEADER="X-Forwarded-For"

table websrvs {
	mode loadbalance
	check http path "/health" host "example.com"
	check interval 5
	check retry 2
	host 10.0.1.1 port 8080 weight 2
	host 10.0.1.2 port 8080
}

protocol httpfilter {
	rule request header append "$REMOTE_ADDR_HEADER" value "1.2.3.4"
	rule request header remove "Cookie"
	rule response header set "Server" value "relayd" label "masked"
}

relay www {
	listen 0.0.0.0 port 80
	protocol httpfilter
	forward table websrvs
	mode loadbalance
	timeout idle 120
}
`

func TestLoadStringCompilesSampleConfig(t *testing.T) {
	cfg, err := LoadString(sampleConfig)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}

	if cfg.GlobalInterval != 10 || cfg.GlobalTimeout != 5 {
		t.Fatalf("global interval/timeout = %d/%d", cfg.GlobalInterval, cfg.GlobalTimeout)
	}

	table := cfg.TableByName("websrvs")
	if table == nil {
		t.Fatal("expected table websrvs")
	}
	if table.Mode != model.ModeLoadBalance {
		t.Fatalf("table mode = %v, want loadbalance", table.Mode)
	}
	if table.Method != model.CheckHTTP || table.CheckPath != "/health" || table.CheckHost != "example.com" {
		t.Fatalf("table check = %+v", table)
	}
	if table.Retry != 2 {
		t.Fatalf("table retry = %d, want 2", table.Retry)
	}
	if len(table.Hosts) != 2 {
		t.Fatalf("got %d hosts, want 2", len(table.Hosts))
	}
	if table.Hosts[0].Weight != 2 || table.Hosts[0].Port != 8080 {
		t.Fatalf("host[0] = %+v", table.Hosts[0])
	}

	proto := cfg.Protocols[0]
	if proto.Name != "httpfilter" || len(proto.Rules) != 3 {
		t.Fatalf("protocol = %+v", proto)
	}
	appendRule := proto.Rules[0]
	if appendRule.Action != model.ActionAppend || appendRule.Direction != model.DirRequest {
		t.Fatalf("rule[0] = %+v", appendRule)
	}
	pattern := appendRule.Patterns[model.KeyHeader]
	if pattern == nil || pattern.Key != "X-Forwarded-For" {
		t.Fatalf("rule[0] pattern = %+v, want macro-expanded header name", pattern)
	}

	setRule := proto.Rules[2]
	if setRule.LabelID == 0 {
		t.Fatal("expected label to be interned on set rule")
	}
	if cfg.Labels.Name(setRule.LabelID) != "masked" {
		t.Fatalf("label name = %q, want masked", cfg.Labels.Name(setRule.LabelID))
	}

	relay := cfg.Relays[0]
	if relay.Name != "www" || relay.Listen != "0.0.0.0:80" {
		t.Fatalf("relay = %+v", relay)
	}
	if relay.ProtocolID != proto.ID {
		t.Fatalf("relay protocol id = %d, want %d", relay.ProtocolID, proto.ID)
	}
	if len(relay.TableIDs) != 1 || relay.TableIDs[0] != table.ID {
		t.Fatalf("relay table ids = %v, want [%d]", relay.TableIDs, table.ID)
	}
	if relay.IdleTimeoutSeconds != 120 {
		t.Fatalf("relay idle timeout = %d, want 120", relay.IdleTimeoutSeconds)
	}
}

func TestCompileRelayUnknownProtocolFails(t *testing.T) {
	src := `
relay bad {
	listen 0.0.0.0 port 80
	protocol nonexistent
}
`
	if _, err := LoadString(src); err == nil {
		t.Fatal("expected an error for an unresolvable protocol reference")
	}
}

func TestCompileTableFindByConfSurvivesUnrelatedChange(t *testing.T) {
	before, err := LoadString(sampleConfig)
	if err != nil {
		t.Fatalf("LoadString(before): %v", err)
	}
	after, err := LoadString(sampleConfig)
	if err != nil {
		t.Fatalf("LoadString(after): %v", err)
	}

	gen := &model.IDGen{}
	before.Tables[0].Hosts[0].State = model.HostUp
	before.Tables[0].Hosts[0].UpCount = 7
	after.Tables[0].Retry = before.Tables[0].Retry + 3 // not part of FindByConf

	model.ReassignTableIDs(before, after, gen)

	if after.Tables[0].ID != before.Tables[0].ID {
		t.Fatal("expected structurally-equal table to keep its id across reload")
	}
	if after.Tables[0].Hosts[0].UpCount != 7 {
		t.Fatalf("UpCount = %d, want carried-over 7", after.Tables[0].Hosts[0].UpCount)
	}
}
