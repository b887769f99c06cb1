package relay

import (
	"fmt"
	"net"
	"path"
	"strings"

	"github.com/relayd-project/relayd/pkg/model"
)

// macroContext carries the session-local values $HOST/$SERVER/$REMOTE_ADDR/
// etc. expand against, mirroring spec.md §4.5's "macros in values ...
// expanded just-in-time using session state."
type macroContext struct {
	relayName  string
	remoteAddr string
	matched    string // value of the kv that most recently matched, for $HEADER etc.
}

func expandMacros(value string, ctx macroContext, msg *model.MessageState) string {
	if !strings.Contains(value, "$") {
		return value
	}
	repl := strings.NewReplacer(
		"$SERVER", ctx.relayName,
		"$REMOTE_ADDR", ctx.remoteAddr,
		"$HEADER", ctx.matched,
		"$METHOD", msg.Method,
		"$PATH", msg.Path,
		"$URL", msg.URL,
		"$HOST", hostHeader(msg),
	)
	return repl.Replace(value)
}

func hostHeader(msg *model.MessageState) string {
	if msg.Headers == nil {
		return ""
	}
	if kvs := msg.Headers.FindExact("Host"); len(kvs) > 0 {
		return kvs[0].Value
	}
	return ""
}

// treeFor returns the kv-tree a pattern's key-type reads from, or nil for
// key-types that are scalar message fields rather than trees.
func treeFor(msg *model.MessageState, kt model.KeyType) *model.KvTree {
	switch kt {
	case model.KeyHeader:
		return msg.Headers
	case model.KeyCookie:
		return msg.Cookies
	case model.KeyQuery:
		return msg.Query
	default:
		return nil
	}
}

// scalarFor returns the string a scalar (non-tree) key-type matches
// against.
func scalarFor(msg *model.MessageState, kt model.KeyType) (string, bool) {
	switch kt {
	case model.KeyPath:
		return msg.Path, true
	case model.KeyURL:
		return msg.URL, true
	case model.KeyMethod:
		return msg.Method, true
	case model.KeyState:
		return stateName(msg.Parse), true
	default:
		return "", false
	}
}

func stateName(s model.ParseState) string {
	switch s {
	case model.StateReadRequestLine:
		return "request-line"
	case model.StateReadStatusLine:
		return "status-line"
	case model.StateReadHeaders:
		return "headers"
	case model.StateReadBody:
		return "body"
	case model.StateReadChunks:
		return "chunks"
	case model.StateReadTrailers:
		return "trailers"
	default:
		return "done"
	}
}

// matchPattern reports whether pattern matches msg, and if so the value
// of whatever it matched (used to seed $HEADER-style macro expansion).
//
// For scalar key-types (path/url/method/state) pattern.Key is itself the
// glob pattern compared against the scalar value. For tree key-types
// (header/cookie/query) pattern.Key names the entry to look up and
// pattern.Value, if set, constrains its value -- spec.md §4.5 step 2.
//
// APPEND/SET are the exception for tree key-types: their pattern.Value
// is the value to write (applyAction reads it straight off the pattern
// via expandMacros), not a value to match against, and the entire point
// of APPEND is to introduce a key that doesn't exist in the tree yet. So
// for those two actions a tree-key-type pattern matches unconditionally
// instead of gating on tree.Lookup returning a hit.
func matchPattern(msg *model.MessageState, kt model.KeyType, pattern *model.Kv, caseSensitive bool, action model.Action) (bool, string) {
	if scalar, ok := scalarFor(msg, kt); ok {
		if pattern.Key == "" || valueMatches(pattern.Key, scalar, caseSensitive) {
			return true, scalar
		}
		return false, ""
	}

	tree := treeFor(msg, kt)
	if tree == nil {
		return false, ""
	}

	if action == model.ActionAppend || action == model.ActionSet {
		return true, pattern.Value
	}

	hits := tree.Lookup(pattern.Key)
	if len(hits) == 0 {
		return false, ""
	}
	if pattern.Value == "" {
		return true, hits[0].Value
	}
	for _, kv := range hits {
		if valueMatches(pattern.Value, kv.Value, caseSensitive) {
			return true, kv.Value
		}
	}
	return false, ""
}

func valueMatches(pattern, value string, caseSensitive bool) bool {
	if !caseSensitive {
		pattern = strings.ToLower(pattern)
		value = strings.ToLower(value)
	}
	if strings.ContainsAny(pattern, "*?[") {
		// path.Match never lets a wildcard cross '/', so swap '/' for a
		// byte it treats as ordinary: "/api/*" then matches "/api/v1/x".
		pattern = strings.ReplaceAll(pattern, "/", "\x00")
		value = strings.ReplaceAll(value, "/", "\x00")
		ok, err := path.Match(pattern, value)
		return err == nil && ok
	}
	return pattern == value
}

// EvalResult is the outcome of running a protocol's rule list for one
// direction of one session.
type EvalResult struct {
	Blocked bool
	Passed  bool
	Log     []string
}

// EvaluateRules runs proto's rules for dir against msg, mutating msg's
// kv-trees in place for APPEND/SET/REMOVE, accumulating sess.SessionHash
// for HASH, and stopping at the first terminal (PASS|BLOCK) match —
// spec.md §4.5 step 2-3 and the order-sensitive-first-terminating
// invariant (§8 property 4).
func EvaluateRules(proto *model.Protocol, dir model.Direction, msg *model.MessageState, sess *model.Session, labels, tags *model.Registry, relayName string) EvalResult {
	var result EvalResult
	if proto == nil {
		return result
	}

	remoteAddr := ""
	if sess.Client != nil {
		remoteAddr = hostOf(sess.Client.RemoteAddr())
	}

	for _, rule := range proto.Rules {
		if rule.Direction != dir {
			continue
		}
		matched, lastValue := ruleMatches(msg, rule)
		if !matched {
			continue
		}

		rule.Inherit(labels, tags)
		sess.BoundLabels = append(sess.BoundLabels, nonZero(rule.LabelID)...)
		sess.BoundTags = append(sess.BoundTags, nonZero(rule.TagID)...)

		ctx := macroContext{relayName: relayName, remoteAddr: remoteAddr, matched: lastValue}
		applyAction(rule, msg, sess, ctx, &result)

		if rule.Action.Terminal() {
			break
		}
	}
	return result
}

func nonZero(id model.ObjID) []model.ObjID {
	if id == 0 {
		return nil
	}
	return []model.ObjID{id}
}

func ruleMatches(msg *model.MessageState, rule *model.Rule) (bool, string) {
	if len(rule.Patterns) == 0 {
		return true, ""
	}
	var last string
	for kt, pattern := range rule.Patterns {
		ok, val := matchPattern(msg, kt, pattern, rule.CaseSensitiveValue, rule.Action)
		if !ok {
			return false, ""
		}
		last = val
	}
	return true, last
}

func applyAction(rule *model.Rule, msg *model.MessageState, sess *model.Session, ctx macroContext, result *EvalResult) {
	switch rule.Action {
	case model.ActionAppend, model.ActionSet:
		for kt, pattern := range rule.Patterns {
			tree := treeFor(msg, kt)
			if tree == nil {
				continue
			}
			value := expandMacros(pattern.Value, ctx, msg)
			if rule.Action == model.ActionSet {
				for _, kv := range tree.FindExact(pattern.Key) {
					tree.Delete(kv)
				}
			}
			tree.Insert(model.NewKv(pattern.Key, value))
		}
	case model.ActionRemove:
		for kt, pattern := range rule.Patterns {
			tree := treeFor(msg, kt)
			if tree == nil {
				continue
			}
			for _, kv := range tree.FindExact(pattern.Key) {
				tree.Delete(kv)
			}
		}
	case model.ActionHash:
		sess.SessionHash = sess.SessionHash*31 + fnvHash(ctx.matched)
	case model.ActionLog:
		sess.Log(fmt.Sprintf("rule matched: label=%d tag=%d value=%q", rule.LabelID, rule.TagID, ctx.matched))
		result.Log = append(result.Log, ctx.matched)
	case model.ActionBlock:
		result.Blocked = true
	case model.ActionPass:
		result.Passed = true
	case model.ActionMatch:
		// MATCH has no side effect beyond the rule having run (used to
		// bind labels/tags/tables without mutating the message).
	}
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
