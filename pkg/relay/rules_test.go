package relay

import (
	"testing"

	"github.com/relayd-project/relayd/pkg/model"
)

func TestMatchPatternExactHeaderLookup(t *testing.T) {
	msg := model.NewMessageState(model.StateReadHeaders)
	msg.Headers.Insert(model.NewKv("Host", "example.com"))

	pattern := model.NewKv("Host", "")
	ok, val := matchPattern(msg, model.KeyHeader, pattern, false, model.ActionMatch)
	if !ok {
		t.Fatal("expected exact header lookup to match")
	}
	if val != "example.com" {
		t.Fatalf("val = %q, want example.com", val)
	}
}

// TestMatchPatternAppendMatchesMissingKey is a regression test: APPEND/SET
// must not gate on tree.Lookup returning a hit, since their whole purpose
// is introducing a key/value that doesn't exist in the tree yet (spec.md
// §8 Scenario S3).
func TestMatchPatternAppendMatchesMissingKey(t *testing.T) {
	msg := model.NewMessageState(model.StateReadHeaders)

	pattern := model.NewKv("X-Original-Host", "$HOST")
	ok, val := matchPattern(msg, model.KeyHeader, pattern, false, model.ActionAppend)
	if !ok {
		t.Fatal("expected APPEND to match even though the header doesn't exist yet")
	}
	if val != "$HOST" {
		t.Fatalf("val = %q, want the unexpanded pattern value %q", val, "$HOST")
	}

	ok, _ = matchPattern(msg, model.KeyHeader, pattern, false, model.ActionSet)
	if !ok {
		t.Fatal("expected SET to match even though the header doesn't exist yet")
	}
}

func TestMatchPatternRemoveStillRequiresExistingKey(t *testing.T) {
	msg := model.NewMessageState(model.StateReadHeaders)
	pattern := model.NewKv("X-Not-Present", "")
	if ok, _ := matchPattern(msg, model.KeyHeader, pattern, false, model.ActionRemove); ok {
		t.Fatal("expected REMOVE to still require an existing entry to match")
	}
}

func TestMatchPatternHeaderValueConstraint(t *testing.T) {
	msg := model.NewMessageState(model.StateReadHeaders)
	msg.Headers.Insert(model.NewKv("X-Env", "staging"))

	match := model.NewKv("X-Env", "prod")
	if ok, _ := matchPattern(msg, model.KeyHeader, match, false, model.ActionMatch); ok {
		t.Fatal("expected value mismatch to not match")
	}

	match = model.NewKv("X-Env", "staging")
	ok, val := matchPattern(msg, model.KeyHeader, match, false, model.ActionMatch)
	if !ok || val != "staging" {
		t.Fatalf("ok=%v val=%q, want true/staging", ok, val)
	}
}

func TestMatchPatternGlobHeaderKey(t *testing.T) {
	msg := model.NewMessageState(model.StateReadHeaders)
	msg.Headers.Insert(model.NewKv("X-Trace-Id", "abc123"))

	pattern := model.NewKv("X-Trace-*", "")
	ok, val := matchPattern(msg, model.KeyHeader, pattern, false, model.ActionMatch)
	if !ok {
		t.Fatal("expected glob key to match via FindGlob")
	}
	if val != "abc123" {
		t.Fatalf("val = %q, want abc123", val)
	}
}

func TestMatchPatternScalarPath(t *testing.T) {
	msg := model.NewMessageState(model.StateReadRequestLine)
	msg.Path = "/api/v1/widgets"

	pattern := model.NewKv("/api/*", "")
	ok, val := matchPattern(msg, model.KeyPath, pattern, false, model.ActionMatch)
	if !ok {
		t.Fatal("expected path glob to match")
	}
	if val != msg.Path {
		t.Fatalf("val = %q, want %q", val, msg.Path)
	}
}

func TestMatchPatternCaseSensitivity(t *testing.T) {
	msg := model.NewMessageState(model.StateReadRequestLine)
	msg.Method = "GET"

	pattern := model.NewKv("get", "")
	if ok, _ := matchPattern(msg, model.KeyMethod, pattern, true, model.ActionMatch); ok {
		t.Fatal("expected case-sensitive mismatch to not match")
	}
	if ok, _ := matchPattern(msg, model.KeyMethod, pattern, false, model.ActionMatch); !ok {
		t.Fatal("expected case-insensitive match")
	}
}

// TestEvaluateRulesStopsAtFirstTerminal covers spec.md §8 property 4: rule
// evaluation stops at the first terminal (PASS|BLOCK) match, so a rule
// after a BLOCK never runs even if it would otherwise match.
func TestEvaluateRulesStopsAtFirstTerminal(t *testing.T) {
	labels, tags := model.NewRegistry(), model.NewRegistry()

	blockEverything := model.NewRule(model.DirRequest, model.ActionBlock)
	appendAfter := model.NewRule(model.DirRequest, model.ActionAppend)
	appendAfter.SetPattern(model.KeyHeader, model.NewKv("X-Marker", "should-not-appear"))

	proto := &model.Protocol{Rules: []*model.Rule{blockEverything, appendAfter}}

	msg := model.NewMessageState(model.StateReadHeaders)
	sess := &model.Session{Request: msg}

	result := EvaluateRules(proto, model.DirRequest, msg, sess, labels, tags, "relay0")
	if !result.Blocked {
		t.Fatal("expected BLOCK to fire")
	}
	if len(msg.Headers.FindExact("X-Marker")) != 0 {
		t.Fatal("rule after a terminal BLOCK must not have run")
	}
}

func TestEvaluateRulesAppendThenSetReplaces(t *testing.T) {
	labels, tags := model.NewRegistry(), model.NewRegistry()

	appendRule := model.NewRule(model.DirRequest, model.ActionAppend)
	appendRule.SetPattern(model.KeyHeader, model.NewKv("X-Forwarded-For", "10.0.0.1"))

	setRule := model.NewRule(model.DirRequest, model.ActionSet)
	setRule.SetPattern(model.KeyHeader, model.NewKv("X-Forwarded-For", "10.0.0.2"))

	proto := &model.Protocol{Rules: []*model.Rule{appendRule, setRule}}

	msg := model.NewMessageState(model.StateReadHeaders)
	sess := &model.Session{Request: msg}

	EvaluateRules(proto, model.DirRequest, msg, sess, labels, tags, "relay0")

	got := msg.Headers.FindExact("X-Forwarded-For")
	if len(got) != 1 || got[0].Value != "10.0.0.2" {
		t.Fatalf("headers = %v, want exactly one X-Forwarded-For=10.0.0.2", got)
	}
}

func TestEvaluateRulesRemove(t *testing.T) {
	labels, tags := model.NewRegistry(), model.NewRegistry()

	rule := model.NewRule(model.DirRequest, model.ActionRemove)
	rule.SetPattern(model.KeyHeader, model.NewKv("X-Internal", ""))

	proto := &model.Protocol{Rules: []*model.Rule{rule}}

	msg := model.NewMessageState(model.StateReadHeaders)
	msg.Headers.Insert(model.NewKv("X-Internal", "secret"))
	sess := &model.Session{Request: msg}

	EvaluateRules(proto, model.DirRequest, msg, sess, labels, tags, "relay0")

	if got := msg.Headers.FindExact("X-Internal"); len(got) != 0 {
		t.Fatalf("headers = %v, want X-Internal removed", got)
	}
}

func TestEvaluateRulesWrongDirectionSkipped(t *testing.T) {
	labels, tags := model.NewRegistry(), model.NewRegistry()

	rule := model.NewRule(model.DirResponse, model.ActionBlock)
	proto := &model.Protocol{Rules: []*model.Rule{rule}}

	msg := model.NewMessageState(model.StateReadHeaders)
	sess := &model.Session{Request: msg}

	result := EvaluateRules(proto, model.DirRequest, msg, sess, labels, tags, "relay0")
	if result.Blocked {
		t.Fatal("a response-direction rule must not run against a request")
	}
}

func TestEvaluateRulesHashAccumulates(t *testing.T) {
	labels, tags := model.NewRegistry(), model.NewRegistry()

	rule := model.NewRule(model.DirRequest, model.ActionHash)
	rule.SetPattern(model.KeyHeader, model.NewKv("X-Shard", ""))

	proto := &model.Protocol{Rules: []*model.Rule{rule}}

	msg := model.NewMessageState(model.StateReadHeaders)
	msg.Headers.Insert(model.NewKv("X-Shard", "shard-7"))
	sess := &model.Session{Request: msg}

	EvaluateRules(proto, model.DirRequest, msg, sess, labels, tags, "relay0")
	if sess.SessionHash == 0 {
		t.Fatal("expected HASH action to accumulate a non-zero session hash")
	}
}

func TestExpandMacrosSubstitutesSessionState(t *testing.T) {
	msg := model.NewMessageState(model.StateReadRequestLine)
	msg.Method = "GET"
	msg.Path = "/widgets"

	ctx := macroContext{relayName: "relay0", remoteAddr: "198.51.100.9", matched: "example.com"}
	got := expandMacros("server=$SERVER method=$METHOD path=$PATH client=$REMOTE_ADDR", ctx, msg)
	want := "server=relay0 method=GET path=/widgets client=198.51.100.9"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
