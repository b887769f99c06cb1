// Package hce implements the health-check engine: one goroutine per
// configured host, probing it on its table's interval/method and
// driving the up/down hysteresis state machine in pkg/model.
package hce

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relayd-project/relayd/pkg/model"
)

// StatusFunc is called whenever a host's state changes, so the worker
// can forward a HOST_STATUS message to the parent (and, from there, to
// PFE and the relay workers that select backends from this table).
type StatusFunc func(tableID model.ObjID, host *model.Host)

// ScriptRunner marshals a SCRIPT health check to the parent and blocks
// for its exit code (spec.md §4.6, §5: "only the parent has the
// privilege to fork/exec"). HCE never execs a check script itself.
type ScriptRunner func(ctx context.Context, path, addr string, port uint16, timeout time.Duration) (int, error)

// Engine runs one probe loop per host across every table in the active
// config. Apply may be called again (on reload) while Run is already
// executing; the engine restarts every probe loop against the new
// config rather than trying to diff it host-by-host, mirroring the
// teacher's rpm.Manager.Apply (StopAll then relaunch) in pkg/rpm.
type Engine struct {
	mu      sync.Mutex
	pending *model.Config
	sig     chan struct{}

	onStatus  StatusFunc
	runScript ScriptRunner
	resolver  *Resolver
	log       *slog.Logger
}

// NewEngine returns an Engine that calls onStatus on every host state
// transition.
func NewEngine(onStatus StatusFunc, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		sig:      make(chan struct{}, 1),
		onStatus: onStatus,
		resolver: NewResolver(),
		log:      log,
	}
}

// SetScriptRunner installs the function used to run SCRIPT health
// checks. Like SetCertChangeNotifier on ca.Engine, this exists because
// the thing it needs to call (the worker's own supervisory channel)
// isn't available until after supervisor.NewWorker returns.
func (e *Engine) SetScriptRunner(fn ScriptRunner) {
	e.runScript = fn
}

// Apply installs cfg as the config to probe against. Safe to call
// before or after Run; Run picks up the latest pending config whenever
// it is signalled.
func (e *Engine) Apply(cfg *model.Config) error {
	e.mu.Lock()
	e.pending = cfg
	e.mu.Unlock()
	select {
	case e.sig <- struct{}{}:
	default:
	}
	return nil
}

// Run blocks restarting probe loops against whatever config was most
// recently Applied, until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	var cancelProbes context.CancelFunc
	defer func() {
		if cancelProbes != nil {
			cancelProbes()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.sig:
			e.mu.Lock()
			cfg := e.pending
			e.mu.Unlock()
			if cancelProbes != nil {
				cancelProbes()
			}
			probeCtx, cancel := context.WithCancel(ctx)
			cancelProbes = cancel
			e.startProbes(probeCtx, cfg)
		}
	}
}

func (e *Engine) startProbes(ctx context.Context, cfg *model.Config) {
	if cfg == nil {
		return
	}
	for _, t := range cfg.Tables {
		if t.Flags&model.TableFlagDisabled != 0 {
			continue
		}
		interval := t.CheckInterval
		if interval <= 0 {
			interval = time.Duration(cfg.GlobalInterval) * time.Second
		}
		if interval <= 0 {
			interval = 10 * time.Second
		}
		timeout := t.CheckTimeout
		if timeout <= 0 {
			timeout = time.Duration(cfg.GlobalTimeout) * time.Second
		}
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		retry := t.Retry
		if retry <= 0 {
			retry = 3
		}

		for _, h := range t.Hosts {
			go e.runHostLoop(ctx, t, h, interval, timeout, retry)
		}
	}
}

func (e *Engine) runHostLoop(ctx context.Context, t *model.Table, h *model.Host, interval, timeout time.Duration, retry int) {
	if h.State == model.HostUnknown {
		h.State = model.HostUnknown
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.probeOnce(ctx, t, h, timeout, retry)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.probeOnce(ctx, t, h, timeout, retry)
		}
	}
}

func (e *Engine) probeOnce(ctx context.Context, t *model.Table, h *model.Host, timeout time.Duration, retry int) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := h.Addr
	if !addr.IsValid() {
		resolved, err := e.resolver.Resolve(probeCtx, h.Name)
		if err != nil {
			e.recordFailure(t, h, retry, "resolve: "+err.Error())
			return
		}
		addr = resolved
	}

	rtt, err := execProbe(probeCtx, t, addr, h.Port, e.runScript)
	if err != nil {
		e.recordFailure(t, h, retry, err.Error())
		return
	}
	e.recordSuccess(t, h, retry, rtt)
}

func (e *Engine) recordSuccess(t *model.Table, h *model.Host, retry int, rtt time.Duration) {
	changed := h.RecordSuccess(retry, time.Now(), rtt)
	if changed {
		e.log.Info("host up", "table", t.Name, "host", h.Name)
		if e.onStatus != nil {
			e.onStatus(t.ID, h)
		}
	}
}

func (e *Engine) recordFailure(t *model.Table, h *model.Host, retry int, cause string) {
	changed := h.RecordFailure(retry, time.Now(), cause)
	if changed {
		e.log.Warn("host down", "table", t.Name, "host", h.Name, "cause", cause)
		if e.onStatus != nil {
			e.onStatus(t.ID, h)
		}
	}
}
