package supervisor

import (
	"encoding/json"
	"fmt"

	"github.com/relayd-project/relayd/pkg/ipc"
	"github.com/relayd-project/relayd/pkg/model"
)

// WorkerID identifies one child process: its role plus an instance
// number among same-role siblings (0 for singleton roles).
type WorkerID struct {
	Role     Role
	Instance int
}

func (w WorkerID) String() string {
	if w.Role.multiInstance() {
		return fmt.Sprintf("%s.%d", w.Role, w.Instance)
	}
	return w.Role.String()
}

// encodeJSON wraps JSON marshaling with the package's error context; CFG_*
// payloads are JSON rather than a bespoke binary layout, matching the
// teacher's own choice of encoding/json for its config store's
// ExportJSON rather than hand-rolling a binary config format.
func encodeJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("supervisor: encode: %w", err)
	}
	return b, nil
}

func decodeJSON[T any](payload []byte) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("supervisor: decode: %w", err)
	}
	return v, nil
}

// sendConfig streams one compiled config to ch as a CFG_* message
// sequence. Every role gets the same tables and protocols; only CA
// workers get relays with their private key material, every other role
// gets each relay's redacted WorkerCopy.
func sendConfig(ch *ipc.Channel, role Role, cfg *model.Config) error {
	for _, t := range cfg.Tables {
		b, err := encodeJSON(t)
		if err != nil {
			return err
		}
		if err := ch.Send(ipc.TypeCfgTable, uint32(t.ID), b, nil); err != nil {
			return fmt.Errorf("send table %s: %w", t.Name, err)
		}
	}
	for _, p := range cfg.Protocols {
		b, err := encodeJSON(p)
		if err != nil {
			return err
		}
		if err := ch.Send(ipc.TypeCfgProtocol, uint32(p.ID), b, nil); err != nil {
			return fmt.Errorf("send protocol %s: %w", p.Name, err)
		}
	}
	for _, r := range cfg.Relays {
		relay := r
		if role != RoleCA {
			relay = r.WorkerCopy()
		}
		b, err := encodeJSON(relay)
		if err != nil {
			return err
		}
		if err := ch.Send(ipc.TypeCfgRelay, uint32(r.ID), b, nil); err != nil {
			return fmt.Errorf("send relay %s: %w", r.Name, err)
		}
	}
	return ch.Send(ipc.TypeCfgDone, 0, nil, nil)
}
