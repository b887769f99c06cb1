package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/relayd-project/relayd/pkg/ipc"
	"github.com/relayd-project/relayd/pkg/model"
)

// ipcFD is the file descriptor every child inherits its IPC channel on:
// fd 0-2 are stdin/stdout/stderr, so the first entry of
// exec.Cmd.ExtraFiles lands at fd 3. A peer channel, when one is wired,
// is the second entry and lands at peerFD (fd 4).
const ipcFD = 3

// Engine is implemented by each role package (pfe, hce, relay, ca). A
// worker applies a freshly-received config to its Engine once at
// startup and again on every reload, then runs it until the worker is
// told to shut down.
type Engine interface {
	Apply(cfg *model.Config) error
	Run(ctx context.Context) error
}

// Worker is the child-process side of the supervisor protocol: it reads
// its inherited IPC channel, assembles configuration streamed as CFG_*
// messages, drives its Engine, and reacts to CTL_START/CTL_RELOAD/
// CTL_SHUTDOWN from the parent.
type Worker struct {
	id     WorkerID
	ch     *ipc.Channel
	engine Engine
	log    *slog.Logger
	script *scriptPending
}

// NewWorker wraps the channel inherited on fd 3 for the given role and
// engine implementation.
func NewWorker(id WorkerID, engine Engine, log *slog.Logger) (*Worker, error) {
	if log == nil {
		log = slog.Default()
	}
	f := os.NewFile(uintptr(ipcFD), "ipc-worker")
	if f == nil {
		return nil, fmt.Errorf("supervisor: fd %d not available", ipcFD)
	}
	ch, err := ipc.FileChannel(f)
	if err != nil {
		return nil, err
	}
	return &Worker{id: id, ch: ch, engine: engine, log: log, script: newScriptPending()}, nil
}

// RunScript sends path/addr/port/timeout to the parent as a SCRIPT
// request and blocks for its SCRIPT_RESULT reply (spec.md §4.6, §5).
// Workers never fork/exec on their own; Run's own loop demultiplexes the
// reply by PeerID since it is the supervisory channel's only reader.
func (w *Worker) RunScript(ctx context.Context, path, addr string, port uint16, timeout time.Duration) (int, error) {
	id, replyc := w.script.register()
	payload, err := json.Marshal(scriptRequest{Path: path, Addr: addr, Port: port, Timeout: timeout})
	if err != nil {
		w.script.cancel(id)
		return 0, err
	}
	if err := w.ch.Send(ipc.TypeScript, id, payload, nil); err != nil {
		w.script.cancel(id)
		return 0, fmt.Errorf("script rpc: send: %w", err)
	}
	select {
	case reply := <-replyc:
		if reply.Err != "" {
			return 0, fmt.Errorf("%s", reply.Err)
		}
		return reply.ExitCode, nil
	case <-ctx.Done():
		w.script.cancel(id)
		return 0, ctx.Err()
	}
}

// Channel returns the worker's supervisory channel to the parent, so a
// role package can send asynchronous messages on it outside the
// CFG_*/CTL_* protocol Run itself drives -- currently only HCE's
// HOST_STATUS push (spec.md §2).
func (w *Worker) Channel() *ipc.Channel { return w.ch }

// PeerChannel opens the peer channel inherited on fd 4, if the parent
// wired one for this worker (see parent.go peerPairs/spawnAll): Relay<->CA
// per SSL relay instance, and the singleton HCE<->PFE pair.
func PeerChannel(id WorkerID) (*ipc.Channel, error) {
	switch id.Role {
	case RoleRelay, RoleCA, RoleHCE, RolePFE:
	default:
		return nil, nil
	}
	f := os.NewFile(uintptr(peerFD), "ipc-peer")
	if f == nil {
		return nil, nil
	}
	ch, err := ipc.FileChannel(f)
	if err != nil {
		return nil, fmt.Errorf("supervisor: peer channel fd %d: %w", peerFD, err)
	}
	return ch, nil
}

// Run blocks handling the supervisor protocol until the parent sends
// CTL_SHUTDOWN or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	cfg, err := w.receiveConfig()
	if err != nil {
		return fmt.Errorf("worker %s: initial config: %w", w.id, err)
	}
	if err := w.engine.Apply(cfg); err != nil {
		_ = w.ch.Send(ipc.TypeFail, 0, []byte(err.Error()), nil)
		return fmt.Errorf("worker %s: apply initial config: %w", w.id, err)
	}
	if err := w.ch.Send(ipc.TypeAck, 0, nil, nil); err != nil {
		return err
	}

	if err := w.awaitStart(); err != nil {
		return err
	}

	engineCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	engineErr := make(chan error, 1)
	go func() { engineErr <- w.engine.Run(engineCtx) }()

	for {
		select {
		case err := <-engineErr:
			return err
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := w.ch.NextFramed()
		if err != nil {
			cancel()
			<-engineErr
			w.script.failAll(err)
			return fmt.Errorf("worker %s: channel closed: %w", w.id, err)
		}
		switch msg.Header.Type {
		case ipc.TypeCtlShutdown:
			cancel()
			<-engineErr
			return nil
		case ipc.TypeScriptResult:
			var reply scriptReply
			if err := json.Unmarshal(msg.Payload, &reply); err != nil {
				w.log.Error("decode script result", "worker", w.id.String(), "err", err)
				continue
			}
			w.script.deliver(msg.Header.PeerID, reply)
		case ipc.TypeCtlReload:
			newCfg, err := w.receiveConfig()
			if err != nil {
				w.log.Error("reload: receive config", "worker", w.id.String(), "err", err)
				continue
			}
			if err := w.engine.Apply(newCfg); err != nil {
				w.log.Error("reload: apply config", "worker", w.id.String(), "err", err)
				_ = w.ch.Send(ipc.TypeFail, 0, []byte(err.Error()), nil)
				continue
			}
			_ = w.ch.Send(ipc.TypeAck, 0, nil, nil)
		default:
			w.log.Warn("unexpected message", "worker", w.id.String(), "type", msg.Header.Type.String())
		}
	}
}

// receiveConfig reads CFG_TABLE/CFG_PROTOCOL/CFG_RELAY messages until
// CFG_DONE and assembles them into a model.Config. Label/tag registries
// are rebuilt from the rules embedded in each protocol so ref-counting
// stays internally consistent within this worker's own copy.
func (w *Worker) receiveConfig() (*model.Config, error) {
	cfg := model.NewConfig()
	for {
		msg, err := w.ch.NextFramed()
		if err != nil {
			return nil, err
		}
		switch msg.Header.Type {
		case ipc.TypeCfgTable:
			t, err := decodeJSON[*model.Table](msg.Payload)
			if err != nil {
				return nil, err
			}
			cfg.Tables = append(cfg.Tables, t)
		case ipc.TypeCfgProtocol:
			p, err := decodeJSON[*model.Protocol](msg.Payload)
			if err != nil {
				return nil, err
			}
			for _, r := range p.Rules {
				r.Inherit(cfg.Labels, cfg.Tags)
			}
			cfg.Protocols = append(cfg.Protocols, p)
		case ipc.TypeCfgRelay:
			r, err := decodeJSON[*model.Relay](msg.Payload)
			if err != nil {
				return nil, err
			}
			cfg.Relays = append(cfg.Relays, r)
		case ipc.TypeCfgDone:
			return cfg, nil
		default:
			return nil, fmt.Errorf("unexpected message %s while receiving config", msg.Header.Type)
		}
	}
}

func (w *Worker) awaitStart() error {
	msg, err := w.ch.NextFramed()
	if err != nil {
		return err
	}
	if msg.Header.Type != ipc.TypeCtlStart {
		return fmt.Errorf("worker %s: expected CTL_START, got %s", w.id, msg.Header.Type)
	}
	return nil
}
