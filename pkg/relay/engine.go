// Package relay implements the relay worker: one listener, one HTTP or
// raw TCP pump per accepted connection, and the rule engine that drives
// per-session rewriting and backend selection (spec.md §4.5).
package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relayd-project/relayd/pkg/ipc"
	"github.com/relayd-project/relayd/pkg/model"
)

// Engine is the supervisor.Engine for a single relay worker. Exactly one
// relay worker process exists per configured relay, so Engine is built
// with the index into Config.Relays it owns rather than scanning for a
// match by name.
type Engine struct {
	instance int
	peer     *ipc.Channel // Relay<->CA channel, nil for a plaintext relay

	mu      sync.Mutex
	pending *model.Config
	sig     chan struct{}

	idgen      model.IDGen
	generation uint64

	log *slog.Logger
}

// NewEngine returns an Engine for the instance-th relay in every config
// it is later Applied with. peer is the channel to this instance's CA
// worker, or nil if this relay has no FlagSSL.
func NewEngine(instance int, peer *ipc.Channel, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		instance: instance,
		peer:     peer,
		sig:      make(chan struct{}, 1),
		log:      log,
	}
}

// Apply installs cfg as the config Run should be driving. Like
// hce.Engine, a reload simply tears down and relaunches rather than
// diffing the listener in place.
func (e *Engine) Apply(cfg *model.Config) error {
	if e.instance >= len(cfg.Relays) {
		return fmt.Errorf("relay engine: instance %d out of range (%d relays)", e.instance, len(cfg.Relays))
	}
	e.mu.Lock()
	e.pending = cfg
	e.generation++
	e.mu.Unlock()
	select {
	case e.sig <- struct{}{}:
	default:
	}
	return nil
}

// Run blocks serving this relay's listener, restarting it whenever Apply
// installs a new config, until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	var cancelRun context.CancelFunc
	defer func() {
		if cancelRun != nil {
			cancelRun()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.sig:
			e.mu.Lock()
			cfg := e.pending
			generation := e.generation
			e.mu.Unlock()
			if cancelRun != nil {
				cancelRun()
			}
			runCtx, cancel := context.WithCancel(ctx)
			cancelRun = cancel
			if err := e.startListener(runCtx, cfg, generation); err != nil {
				e.log.Error("relay: start listener failed", "instance", e.instance, "err", err)
			}
		}
	}
}

func (e *Engine) startListener(ctx context.Context, cfg *model.Config, generation uint64) error {
	r := cfg.Relays[e.instance]
	if r.Flags.Has(model.FlagDisable) {
		e.log.Info("relay disabled, not listening", "relay", r.Name)
		return nil
	}

	var tlsConfig *tls.Config
	var signer *Signer
	if r.Flags.Has(model.FlagSSL) {
		if e.peer == nil {
			return fmt.Errorf("relay %s: FlagSSL set but no CA peer channel wired", r.Name)
		}
		pub, err := LeafPublicKey(r.Keys.CertPEM)
		if err != nil {
			return fmt.Errorf("relay %s: %w", r.Name, err)
		}
		signer = NewSigner(e.peer, r.ID, pub)
		cm, err := NewCertManager(r.Keys.CertPEM, signer)
		if err != nil {
			return fmt.Errorf("relay %s: tls cert: %w", r.Name, err)
		}
		tlsConfig = baseTLSConfig(r)
		tlsConfig.GetCertificate = cm.GetCertificate
	}

	network := "tcp"
	if r.Flags.Has(model.FlagUDP) {
		return e.runUDP(ctx, r, cfg, generation)
	}

	ln, err := listen(network, r.Listen, tlsConfig)
	if err != nil {
		return fmt.Errorf("relay %s: listen %s: %w", r.Name, r.Listen, err)
	}
	e.log.Info("relay listening", "relay", r.Name, "addr", r.Listen, "tls", tlsConfig != nil)

	cursors := make(map[model.ObjID]*tableCursor, len(cfg.Tables))
	for _, t := range cfg.Tables {
		cursors[t.ID] = &tableCursor{}
	}

	sessions := newSessionTable()
	gc := newSessionGC(sessions, gcInterval(r), e.log)
	go gc.Run(ctx)

	stats := &listenerStats{}
	depsFn := func() sessionDeps {
		cursor := cursors[firstTableID(r)]
		if cursor == nil {
			cursor = &tableCursor{}
		}
		return sessionDeps{
			relay:      r,
			cfg:        cfg,
			cursor:     cursor,
			idgen:      &e.idgen,
			generation: generation,
			log:        e.log,
			signer:     signer,
			sessions:   sessions,
		}
	}

	runAcceptLoop(ctx, ln, depsFn, stats, e.log)
	return nil
}

func gcInterval(r *model.Relay) time.Duration {
	idle := time.Duration(r.IdleTimeoutSeconds) * time.Second
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	return idle
}

func firstTableID(r *model.Relay) model.ObjID {
	if len(r.TableIDs) == 0 {
		return 0
	}
	return r.TableIDs[0]
}

func baseTLSConfig(r *model.Relay) *tls.Config {
	cfg := &tls.Config{}
	if r.Flags.Has(model.FlagSSLClient) {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg
}
