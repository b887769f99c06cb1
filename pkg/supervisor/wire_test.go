package supervisor

import (
	"testing"

	"github.com/relayd-project/relayd/pkg/ipc"
	"github.com/relayd-project/relayd/pkg/model"
)

func sampleConfig() *model.Config {
	cfg := model.NewConfig()
	gen := &model.IDGen{}

	table := &model.Table{ID: gen.Next(), Name: "websrvs", Method: model.CheckTCP}
	table.Hosts = append(table.Hosts, &model.Host{ID: gen.Next(), TableID: table.ID, Name: "10.0.1.1", Port: 80})
	cfg.Tables = append(cfg.Tables, table)

	proto := &model.Protocol{ID: gen.Next(), Name: "httpfilter"}
	rule := model.NewRule(model.DirRequest, model.ActionBlock)
	rule.ID = gen.Next()
	proto.Rules = append(proto.Rules, rule)
	cfg.Protocols = append(cfg.Protocols, proto)

	relay := &model.Relay{ID: gen.Next(), Name: "www", Listen: "0.0.0.0:80", ProtocolName: "httpfilter"}
	relay.Keys.KeyPEM = []byte("super-secret")
	cfg.Relays = append(cfg.Relays, relay)

	return cfg
}

func TestSendConfigRoundTripRedactsKeysForRelay(t *testing.T) {
	a, b, err := ipc.NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer a.Close()
	defer b.Close()

	cfg := sampleConfig()

	done := make(chan error, 1)
	go func() { done <- sendConfig(a, RoleRelay, cfg) }()

	w := &Worker{id: WorkerID{Role: RoleRelay}, ch: b}
	got, err := w.receiveConfig()
	if err != nil {
		t.Fatalf("receiveConfig: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("sendConfig: %v", err)
	}

	if len(got.Tables) != 1 || got.Tables[0].Name != "websrvs" {
		t.Fatalf("tables = %+v", got.Tables)
	}
	if len(got.Relays) != 1 || len(got.Relays[0].Keys.KeyPEM) != 0 {
		t.Fatalf("relay worker must not receive private key bytes: %+v", got.Relays[0].Keys)
	}
}

func TestSendConfigRoundTripKeepsKeysForCA(t *testing.T) {
	a, b, err := ipc.NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer a.Close()
	defer b.Close()

	cfg := sampleConfig()

	done := make(chan error, 1)
	go func() { done <- sendConfig(a, RoleCA, cfg) }()

	w := &Worker{id: WorkerID{Role: RoleCA}, ch: b}
	got, err := w.receiveConfig()
	if err != nil {
		t.Fatalf("receiveConfig: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("sendConfig: %v", err)
	}

	if string(got.Relays[0].Keys.KeyPEM) != "super-secret" {
		t.Fatalf("CA worker must receive private key bytes, got %q", got.Relays[0].Keys.KeyPEM)
	}
}
