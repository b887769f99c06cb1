package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/relayd-project/relayd/pkg/model"
)

// CompileConfig converts a parsed ConfigTree AST into a typed
// model.Config, resolving table/protocol name references to ids and
// loading any referenced TLS material from disk.
func CompileConfig(tree *ConfigTree) (*model.Config, error) {
	cfg := model.NewConfig()
	gen := &model.IDGen{}

	for _, node := range tree.Children {
		switch node.Name() {
		case "interval":
			v, err := leafInt(node, 1)
			if err != nil {
				return nil, fmt.Errorf("interval: %w", err)
			}
			cfg.GlobalInterval = v
		case "timeout":
			v, err := leafInt(node, 1)
			if err != nil {
				return nil, fmt.Errorf("timeout: %w", err)
			}
			cfg.GlobalTimeout = v
		case "user":
			if len(node.Keys) >= 2 {
				cfg.Unprivileged.User = node.Keys[1]
			}
		case "chroot":
			if len(node.Keys) >= 2 {
				cfg.Unprivileged.Chroot = node.Keys[1]
			}
		case "table":
			t, err := compileTable(node, gen)
			if err != nil {
				return nil, fmt.Errorf("table: %w", err)
			}
			cfg.Tables = append(cfg.Tables, t)
		case "protocol":
			p, err := compileProtocol(node, gen, cfg)
			if err != nil {
				return nil, fmt.Errorf("protocol %s: %w", nodeArg(node, 1), err)
			}
			cfg.Protocols = append(cfg.Protocols, p)
		case "relay":
			r, err := compileRelay(node, gen)
			if err != nil {
				return nil, fmt.Errorf("relay %s: %w", nodeArg(node, 1), err)
			}
			cfg.Relays = append(cfg.Relays, r)
		}
	}

	if err := resolveReferences(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func nodeArg(n *Node, i int) string {
	if i < len(n.Keys) {
		return n.Keys[i]
	}
	return ""
}

func leafInt(n *Node, i int) (int, error) {
	if i >= len(n.Keys) {
		return 0, fmt.Errorf("missing value at line %d", n.Line)
	}
	return strconv.Atoi(n.Keys[i])
}

func compileTable(node *Node, gen *model.IDGen) (*model.Table, error) {
	if len(node.Keys) < 2 {
		return nil, fmt.Errorf("table missing name at line %d", node.Line)
	}
	t := &model.Table{
		ID:     gen.Next(),
		Name:   node.Keys[1],
		Method: model.CheckTCP,
		Retry:  3,
	}

	for _, child := range node.Children {
		switch child.Name() {
		case "mode":
			mode, err := parseTableMode(nodeArg(child, 1))
			if err != nil {
				return nil, err
			}
			t.Mode = mode
		case "check":
			if err := compileCheck(child, t); err != nil {
				return nil, err
			}
		case "host":
			h, err := compileHost(child, gen, t.ID)
			if err != nil {
				return nil, err
			}
			t.Hosts = append(t.Hosts, h)
		case "ssl":
			t.Flags |= model.TableFlagSSL
		case "disable":
			t.Flags |= model.TableFlagDisabled
		}
	}
	return t, nil
}

func parseTableMode(s string) (model.TableMode, error) {
	switch s {
	case "roundrobin", "":
		return model.ModeRoundRobin, nil
	case "loadbalance":
		return model.ModeLoadBalance, nil
	case "source-hash":
		return model.ModeSourceHash, nil
	case "leastconn":
		return model.ModeLeastConn, nil
	case "session-hash":
		return model.ModeSessionHash, nil
	default:
		return 0, fmt.Errorf("unknown table mode %q", s)
	}
}

// compileCheck handles both the shorthand leaf form ("check interval 10",
// "check retry 3") and the probe-method forms ("check http path "/" ...",
// "check send "..." expect "...""). Both are single-line statements with
// no block, so every variant ends up here by keyword dispatch on keys[1].
func compileCheck(node *Node, t *model.Table) error {
	if len(node.Keys) < 2 {
		return fmt.Errorf("check missing method at line %d", node.Line)
	}
	switch node.Keys[1] {
	case "interval":
		v, err := leafInt(node, 2)
		if err != nil {
			return fmt.Errorf("check interval: %w", err)
		}
		t.CheckInterval = secondsToDuration(v)
	case "timeout":
		v, err := leafInt(node, 2)
		if err != nil {
			return fmt.Errorf("check timeout: %w", err)
		}
		t.CheckTimeout = secondsToDuration(v)
	case "retry":
		v, err := leafInt(node, 2)
		if err != nil {
			return fmt.Errorf("check retry: %w", err)
		}
		t.Retry = v
	case "icmp":
		t.Method = model.CheckICMP
	case "tcp":
		t.Method = model.CheckTCP
	case "script":
		t.Method = model.CheckScript
		if len(node.Keys) >= 3 {
			t.SendBuffer = []byte(node.Keys[2])
		}
	case "send":
		t.Method = model.CheckSendExpect
		if len(node.Keys) >= 3 {
			t.SendBuffer = []byte(node.Keys[2])
		}
		kv := kvArgs(node.Keys[3:])
		t.ExpectPattern = kv["expect"]
	case "http", "https":
		if node.Keys[1] == "https" {
			t.Method = model.CheckHTTPS
		} else {
			t.Method = model.CheckHTTP
		}
		kv := kvArgs(node.Keys[2:])
		t.CheckPath = kv["path"]
		t.CheckHost = kv["host"]
		t.CheckDigest = kv["digest"]
		t.CheckDigestAlgo = kv["digest-algo"]
		if t.CheckPath == "" {
			t.CheckPath = "/"
		}
	default:
		return fmt.Errorf("unknown check method %q at line %d", node.Keys[1], node.Line)
	}
	return nil
}

// kvArgs reads alternating key/value tokens (e.g. "path" "/" "host"
// "example.com") into a map. Odd trailing tokens are ignored.
func kvArgs(keys []string) map[string]string {
	out := make(map[string]string, len(keys)/2)
	for i := 0; i+1 < len(keys); i += 2 {
		out[keys[i]] = keys[i+1]
	}
	return out
}

func secondsToDuration(v int) time.Duration {
	return time.Duration(v) * time.Second
}

func compileHost(node *Node, gen *model.IDGen, tableID model.ObjID) (*model.Host, error) {
	if len(node.Keys) < 2 {
		return nil, fmt.Errorf("host missing address at line %d", node.Line)
	}
	h := &model.Host{
		ID:      gen.Next(),
		TableID: tableID,
		Name:    node.Keys[1],
		Weight:  1,
		Port:    80,
	}
	if addr, err := netip.ParseAddr(node.Keys[1]); err == nil {
		h.Addr = addr
	}
	kv := kvArgs(node.Keys[2:])
	if v, ok := kv["port"]; ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("host port: %w", err)
		}
		h.Port = uint16(p)
	}
	if v, ok := kv["weight"]; ok {
		w, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("host weight: %w", err)
		}
		h.Weight = w
	}
	return h, nil
}

func compileProtocol(node *Node, gen *model.IDGen, cfg *model.Config) (*model.Protocol, error) {
	if len(node.Keys) < 2 {
		return nil, fmt.Errorf("protocol missing name at line %d", node.Line)
	}
	p := &model.Protocol{ID: gen.Next(), Name: node.Keys[1]}

	for _, child := range node.Children {
		if child.Name() != "rule" {
			continue
		}
		r, err := compileRule(child, gen, cfg)
		if err != nil {
			return nil, err
		}
		p.Rules = append(p.Rules, r)
	}
	return p, nil
}

func compileRule(node *Node, gen *model.IDGen, cfg *model.Config) (*model.Rule, error) {
	if len(node.Keys) < 4 {
		return nil, fmt.Errorf("rule: expected direction, key-type, action at line %d", node.Line)
	}
	dir, err := parseDirection(node.Keys[1])
	if err != nil {
		return nil, err
	}
	kt, err := parseKeyType(node.Keys[2])
	if err != nil {
		return nil, err
	}
	action, err := parseAction(node.Keys[3])
	if err != nil {
		return nil, err
	}

	r := model.NewRule(dir, action)
	r.ID = gen.Next()

	rest := node.Keys[4:]
	var patternKey string
	if len(rest) > 0 {
		patternKey = rest[0]
		rest = rest[1:]
	}

	kv := kvArgs(rest)
	if patternKey != "" {
		pattern := model.NewKv(patternKey, kv["value"])
		r.SetPattern(kt, pattern)
	}
	if v, ok := kv["label"]; ok {
		r.LabelID = cfg.Labels.Intern(v)
	}
	if v, ok := kv["tag"]; ok {
		r.TagID = cfg.Tags.Intern(v)
	}
	if v, ok := kv["tagged"]; ok {
		r.TaggedID = cfg.Tags.Intern(v)
	}
	if v, ok := kv["table"]; ok {
		r.TableName = v
	}
	return r, nil
}

func parseDirection(s string) (model.Direction, error) {
	switch s {
	case "request":
		return model.DirRequest, nil
	case "response":
		return model.DirResponse, nil
	default:
		return 0, fmt.Errorf("unknown rule direction %q", s)
	}
}

func parseKeyType(s string) (model.KeyType, error) {
	switch s {
	case "cookie":
		return model.KeyCookie, nil
	case "header":
		return model.KeyHeader, nil
	case "query":
		return model.KeyQuery, nil
	case "path":
		return model.KeyPath, nil
	case "url":
		return model.KeyURL, nil
	case "method":
		return model.KeyMethod, nil
	case "state":
		return model.KeyState, nil
	default:
		return 0, fmt.Errorf("unknown rule key-type %q", s)
	}
}

func parseAction(s string) (model.Action, error) {
	switch s {
	case "match":
		return model.ActionMatch, nil
	case "pass":
		return model.ActionPass, nil
	case "block":
		return model.ActionBlock, nil
	case "append":
		return model.ActionAppend, nil
	case "set":
		return model.ActionSet, nil
	case "remove":
		return model.ActionRemove, nil
	case "hash":
		return model.ActionHash, nil
	case "log":
		return model.ActionLog, nil
	default:
		return 0, fmt.Errorf("unknown rule action %q", s)
	}
}

func compileRelay(node *Node, gen *model.IDGen) (*model.Relay, error) {
	if len(node.Keys) < 2 {
		return nil, fmt.Errorf("relay missing name at line %d", node.Line)
	}
	r := &model.Relay{
		ID:                    gen.Next(),
		Name:                  node.Keys[1],
		IdleTimeoutSeconds:    600,
		ConnectTimeoutSeconds: 30,
	}

	for _, child := range node.Children {
		switch child.Name() {
		case "listen":
			if len(child.Keys) < 2 {
				return nil, fmt.Errorf("listen missing address at line %d", child.Line)
			}
			addr := child.Keys[1]
			kv := kvArgs(child.Keys[2:])
			port := kv["port"]
			if port != "" {
				r.Listen = fmt.Sprintf("%s:%s", addr, port)
			} else {
				r.Listen = addr
			}
		case "protocol":
			r.ProtocolName = nodeArg(child, 1)
		case "forward":
			if len(child.Keys) >= 3 && child.Keys[1] == "table" {
				r.TableNames = append(r.TableNames, child.Keys[2])
			}
		case "mode":
			mode, err := parseTableMode(nodeArg(child, 1))
			if err != nil {
				return nil, err
			}
			r.Mode = mode
		case "timeout":
			if len(child.Keys) < 3 {
				continue
			}
			v, err := strconv.Atoi(child.Keys[2])
			if err != nil {
				return nil, fmt.Errorf("timeout: %w", err)
			}
			switch child.Keys[1] {
			case "idle":
				r.IdleTimeoutSeconds = v
			case "connect":
				r.ConnectTimeoutSeconds = v
			}
		case "flags":
			for _, f := range child.Keys[1:] {
				switch f {
				case "ssl":
					r.Flags |= model.FlagSSL
				case "ssl-client":
					r.Flags |= model.FlagSSLClient
				case "ssl-inspect":
					r.Flags |= model.FlagSSLInspect
				case "udp":
					r.Flags |= model.FlagUDP
				case "disable":
					r.Flags |= model.FlagDisable
				}
			}
		case "tls":
			if err := compileTLS(child, r); err != nil {
				return nil, fmt.Errorf("tls: %w", err)
			}
		}
	}
	return r, nil
}

func compileTLS(node *Node, r *model.Relay) error {
	kv := kvArgs(node.Keys[1:])
	var err error
	if p, ok := kv["cert"]; ok {
		if r.Keys.CertPEM, err = os.ReadFile(p); err != nil {
			return fmt.Errorf("cert: %w", err)
		}
		r.Keys.CertPath = p
	}
	if p, ok := kv["key"]; ok {
		if r.Keys.KeyPEM, err = os.ReadFile(p); err != nil {
			return fmt.Errorf("key: %w", err)
		}
		r.Keys.KeyPath = p
	}
	if p, ok := kv["ca"]; ok {
		if r.Keys.CAPEM, err = os.ReadFile(p); err != nil {
			return fmt.Errorf("ca: %w", err)
		}
	}
	if p, ok := kv["cakey"]; ok {
		if r.Keys.CAKeyPEM, err = os.ReadFile(p); err != nil {
			return fmt.Errorf("cakey: %w", err)
		}
	}
	r.Flags |= model.FlagSSL
	return nil
}

// resolveReferences resolves relay->protocol and relay->table /
// rule->table name references to ids now that every block has been
// compiled and assigned an id.
func resolveReferences(cfg *model.Config) error {
	for _, r := range cfg.Relays {
		if r.ProtocolName != "" {
			proto := findProtocolByName(cfg, r.ProtocolName)
			if proto == nil {
				return fmt.Errorf("relay %s: unknown protocol %q", r.Name, r.ProtocolName)
			}
			r.ProtocolID = proto.ID
		}
		for _, name := range r.TableNames {
			t := cfg.TableByName(name)
			if t == nil {
				return fmt.Errorf("relay %s: unknown table %q", r.Name, name)
			}
			r.TableIDs = append(r.TableIDs, t.ID)
		}
	}
	for _, p := range cfg.Protocols {
		for _, rule := range p.Rules {
			if rule.TableName == "" {
				continue
			}
			t := cfg.TableByName(rule.TableName)
			if t == nil {
				return fmt.Errorf("protocol %s: rule references unknown table %q", p.Name, rule.TableName)
			}
			rule.TableID = t.ID
		}
	}
	return nil
}

func findProtocolByName(cfg *model.Config, name string) *model.Protocol {
	for _, p := range cfg.Protocols {
		if p.Name == name {
			return p
		}
	}
	return nil
}
