package relay

import (
	"fmt"
	"hash/fnv"
	"sync/atomic"

	"github.com/relayd-project/relayd/pkg/model"
)

// tableCursor is the per-table round-robin position. Kept keyed by table
// id on the Engine rather than embedded in model.Table, since model is
// privsep-shared and round-robin position is a purely relay-local,
// per-worker selection concern (the teacher keeps its own per-manager
// runtime counters outside the shared config type the same way, e.g.
// dhcprelay.interfaceRelay's atomic counters living beside, not inside,
// the static config it was built from).
type tableCursor struct {
	rr atomic.Uint64
}

// ErrNoBackend is returned when a table has no UP host to select.
var ErrNoBackend = fmt.Errorf("relay: no available backend")

// selectBackend picks a host from t according to mode. clientAddr and
// sessionHash feed the hash-based modes; both may be zero-valued for
// modes that ignore them.
func selectBackend(t *model.Table, cursor *tableCursor, mode model.TableMode, clientAddr string, sessionHash uint64) (*model.Host, error) {
	up := t.UpHosts()
	if len(up) == 0 {
		return nil, ErrNoBackend
	}

	switch mode {
	case model.ModeRoundRobin:
		return roundRobinNext(t, cursor), nil
	case model.ModeSourceHash:
		h := fnvHash(clientAddr)
		return up[h%uint64(len(up))], nil
	case model.ModeSessionHash:
		return up[sessionHash%uint64(len(up))], nil
	case model.ModeLoadBalance, model.ModeLeastConn:
		return leastLoaded(up), nil
	default:
		return roundRobinNext(t, cursor), nil
	}
}

// roundRobinNext walks t's full, stable host list starting from cursor's
// position, returning the first UP host it finds. Indexing against the
// stable list rather than against t.UpHosts()'s filtered-on-the-fly
// result means a host going down only ever skips its own slot in the
// rotation; indexing the filtered list instead would shift every later
// host's position whenever the UP set's size changes, reversing the
// rotation order (spec.md §8 S2).
func roundRobinNext(t *model.Table, cursor *tableCursor) *model.Host {
	n := uint64(len(t.Hosts))
	for i := uint64(0); i < n; i++ {
		idx := cursor.rr.Add(1) - 1
		if h := t.Hosts[idx%n]; h.State == model.HostUp {
			return h
		}
	}
	return nil
}

func leastLoaded(hosts []*model.Host) *model.Host {
	best := hosts[0]
	for _, h := range hosts[1:] {
		if h.ActiveSessions < best.ActiveSessions {
			best = h
		}
	}
	return best
}

func fnvHash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
