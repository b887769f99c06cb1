package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/relayd-project/relayd/pkg/config"
	"github.com/relayd-project/relayd/pkg/ipc"
	"github.com/relayd-project/relayd/pkg/model"
)

// Options configures the parent process.
type Options struct {
	ConfigFile string
	Defines    map[string]string // -D name=value overrides (spec.md §6)
	Exe        string            // path re-exec'd for child roles; defaults to os.Executable()
	ScriptUser string            // drop to this user when running SCRIPT checks (spec.md §4.6/§5); empty runs as the parent itself
}

type workerHandle struct {
	id   WorkerID
	cmd  *exec.Cmd
	ch   *ipc.Channel
	acks chan ipc.Message
}

// Parent is the privileged parent process: it owns the live
// configuration, spawns and supervises the four worker roles, and
// coordinates startup sequencing and reload (spec.md §4.2, §4.3).
type Parent struct {
	opts Options
	log  *slog.Logger

	mu      sync.RWMutex
	active  *model.Config
	idgen   model.IDGen
	workers map[WorkerID]*workerHandle

	journal *ReloadJournal

	statusMu sync.RWMutex
	onStatus func(tableName string, host *model.Host)

	reloading atomic.Bool
}

// OnHostStatus registers fn to be called whenever HCE reports a host
// state transition over its supervisory channel (spec.md §2: "pushes
// host state transitions to PFE and parent"). Used to wire
// control.Server.BroadcastHostStatus without pkg/supervisor importing
// pkg/control.
func (p *Parent) OnHostStatus(fn func(tableName string, host *model.Host)) {
	p.statusMu.Lock()
	p.onStatus = fn
	p.statusMu.Unlock()
}

// New returns a Parent ready to Run.
func New(opts Options, log *slog.Logger) *Parent {
	if log == nil {
		log = slog.Default()
	}
	return &Parent{
		opts:    opts,
		log:     log,
		workers: make(map[WorkerID]*workerHandle),
		journal: NewReloadJournal(50),
	}
}

// Run loads the configuration, spawns every worker, performs the
// startup handshake, then blocks handling signals until ctx is
// cancelled, tearing every worker down on the way out.
func (p *Parent) Run(ctx context.Context) error {
	cfg, err := config.LoadWithDefines(p.opts.ConfigFile, p.opts.Defines)
	if err != nil {
		return fmt.Errorf("supervisor: initial config load: %w", err)
	}
	p.mu.Lock()
	p.active = cfg
	p.mu.Unlock()

	if err := p.spawnAll(cfg); err != nil {
		p.shutdownAll()
		return fmt.Errorf("supervisor: spawn: %w", err)
	}

	if err := p.distributeAndStart(cfg); err != nil {
		p.shutdownAll()
		return fmt.Errorf("supervisor: startup handshake: %w", err)
	}
	p.log.Info("all workers started", "count", len(p.workers))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGPIPE)
	defer stop()
	// Keep SIGHUP caught for the whole run so it never takes its default
	// (terminating) action between two caughtHUP registrations; a SIGHUP
	// that arrives while a reload is running is dropped here.
	hupHold := make(chan os.Signal, 1)
	signal.Notify(hupHold, syscall.SIGHUP)
	defer signal.Stop(hupHold)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("shutting down")
			p.shutdownAll()
			return nil
		case sig := <-p.caughtHUP(ctx):
			if sig {
				if err := p.Reload(ScopeAll); err != nil {
					p.log.Error("reload failed", "err", err)
				}
			}
		}
	}
}

// caughtHUP is a thin wrapper kept so Run's select statement reads as a
// loop over "context done, or a reload was requested" without a second
// always-selected os/signal.Notify channel leaking into Run's body.
func (p *Parent) caughtHUP(ctx context.Context) <-chan bool {
	ch := make(chan bool, 1)
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		defer signal.Stop(sigc)
		select {
		case <-sigc:
			ch <- true
		case <-ctx.Done():
			ch <- false
		}
	}()
	return ch
}

func roleList(cfg *model.Config) []WorkerID {
	ids := []WorkerID{{Role: RolePFE}, {Role: RoleHCE}}
	for i := range cfg.Relays {
		ids = append(ids, WorkerID{Role: RoleRelay, Instance: i})
	}
	for i, r := range cfg.Relays {
		if r.Flags.Has(model.FlagSSL) {
			ids = append(ids, WorkerID{Role: RoleCA, Instance: i})
		}
	}
	return ids
}

// peerPairs enumerates every pair of worker ids that needs a direct
// peer-to-peer channel alongside its ordinary supervisory channel to the
// parent (spec.md §2: "workers also have peer-to-peer channels where
// specified (Relay<->CA, HCE<->PFE)"). HCE<->PFE is a permanent singleton
// pair; one Relay[i]<->CA[i] pair exists per SSL relay instance.
func peerPairs(cfg *model.Config) [][2]WorkerID {
	pairs := [][2]WorkerID{{{Role: RoleHCE}, {Role: RolePFE}}}
	for i, r := range cfg.Relays {
		if r.Flags.Has(model.FlagSSL) {
			pairs = append(pairs, [2]WorkerID{{Role: RoleRelay, Instance: i}, {Role: RoleCA, Instance: i}})
		}
	}
	return pairs
}

// buildPeerFiles opens one socketpair per entry in pairs and returns both
// ends as *os.File, keyed by the worker id that will inherit each end via
// exec.Cmd.ExtraFiles.
func buildPeerFiles(pairs [][2]WorkerID) (map[WorkerID]*os.File, error) {
	files := make(map[WorkerID]*os.File, 2*len(pairs))
	for _, pair := range pairs {
		a, b := pair[0], pair[1]
		chA, chB, err := ipc.NewPair()
		if err != nil {
			return nil, fmt.Errorf("peer channel for %s/%s: %w", a, b, err)
		}
		fa, err := chA.File()
		if err != nil {
			return nil, err
		}
		fb, err := chB.File()
		if err != nil {
			return nil, err
		}
		chA.Close()
		chB.Close()
		files[a] = fa
		files[b] = fb
	}
	return files, nil
}

// spawnAll spawns every worker role, wiring every peer channel from
// peerPairs up front since every worker in a fresh config is new.
func (p *Parent) spawnAll(cfg *model.Config) error {
	peerFiles, err := buildPeerFiles(peerPairs(cfg))
	if err != nil {
		return err
	}

	for _, id := range roleList(cfg) {
		h, err := p.spawn(id, peerFiles[id])
		if err != nil {
			return fmt.Errorf("spawn %s: %w", id, err)
		}
		p.mu.Lock()
		p.workers[id] = h
		p.mu.Unlock()
		go p.monitor(id, h)
	}
	return nil
}

// peerFD is the file descriptor a relay or CA worker finds its
// Relay<->CA peer channel on, when one was wired for its instance.
const peerFD = 4

func (p *Parent) spawn(id WorkerID, peer *os.File) (*workerHandle, error) {
	exePath := p.opts.Exe
	if exePath == "" {
		var err error
		exePath, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("os.Executable: %w", err)
		}
	}

	parentEnd, childEnd, err := ipc.NewPair()
	if err != nil {
		return nil, err
	}
	childFile, err := childEnd.File()
	if err != nil {
		parentEnd.Close()
		childEnd.Close()
		return nil, err
	}
	childEnd.Close()

	cmd := exec.Command(exePath,
		"-role", id.Role.String(),
		"-instance", fmt.Sprintf("%d", id.Instance),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childFile}
	if peer != nil {
		cmd.ExtraFiles = append(cmd.ExtraFiles, peer)
	}

	if err := cmd.Start(); err != nil {
		childFile.Close()
		parentEnd.Close()
		return nil, fmt.Errorf("start: %w", err)
	}
	childFile.Close()
	if peer != nil {
		peer.Close()
	}

	p.log.Info("spawned worker", "worker", id.String(), "pid", cmd.Process.Pid)
	h := &workerHandle{id: id, cmd: cmd, ch: parentEnd, acks: make(chan ipc.Message, 4)}
	go p.readLoop(h)
	return h, nil
}

// readLoop demultiplexes a worker's supervisory channel: ACK/FAIL
// replies go to h.acks for waitAck/pushConfig to pick up, and HOST_STATUS
// (HCE pushing a host transition, spec.md §2) updates the parent's own
// config mirror and fans out to any registered status handler (the
// control socket's MONITOR broadcaster).
func (p *Parent) readLoop(h *workerHandle) {
	for {
		msg, err := h.ch.NextFramed()
		if err != nil {
			close(h.acks)
			return
		}
		switch msg.Header.Type {
		case ipc.TypeAck, ipc.TypeFail:
			h.acks <- msg
		case ipc.TypeHostStatus:
			p.handleHostStatus(msg.Payload)
		case ipc.TypeCtlCertChanged:
			p.handleCertChanged(h.id)
		case ipc.TypeScript:
			go p.handleScript(h, msg)
		default:
			p.log.Warn("unexpected message from worker", "worker", h.id.String(), "type", msg.Header.Type.String())
		}
	}
}

// handleCertChanged reacts to a CA worker's CTL_CERTCHANGED (spec.md
// §4.4 supplement): the CA worker is the only one watching its relay's
// cert/key files on disk, so it is the only one that can detect a
// rotation. The reload itself runs off readLoop's goroutine so a slow
// config load never stalls demuxing this worker's other traffic.
func (p *Parent) handleCertChanged(id WorkerID) {
	p.log.Info("cert file changed on disk, reloading", "worker", id.String())
	go func() {
		if err := p.Reload(ScopeRules); err != nil {
			p.log.Error("cert-triggered reload failed", "worker", id.String(), "err", err)
		}
	}()
}

// handleScript runs a SCRIPT health-check helper on behalf of a worker
// (spec.md §4.6/§5: "only the parent has the privilege to fork/exec").
// It replies with SCRIPT_RESULT on the same channel, carrying the
// requester's PeerID so Worker.RunScript can demultiplex the answer.
func (p *Parent) handleScript(h *workerHandle, msg ipc.Message) {
	var req scriptRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		p.replyScript(h, msg.Header.PeerID, scriptReply{Err: err.Error()})
		return
	}
	exitCode, err := runScript(req, p.opts.ScriptUser)
	reply := scriptReply{ExitCode: exitCode}
	if err != nil {
		reply.Err = err.Error()
	}
	p.replyScript(h, msg.Header.PeerID, reply)
}

func (p *Parent) replyScript(h *workerHandle, peerID uint32, reply scriptReply) {
	b, err := json.Marshal(reply)
	if err != nil {
		p.log.Error("parent: encode script result", "err", err)
		return
	}
	if err := h.ch.Send(ipc.TypeScriptResult, peerID, b, nil); err != nil {
		p.log.Error("parent: send script result", "worker", h.id.String(), "err", err)
	}
}

func (p *Parent) handleHostStatus(payload []byte) {
	var st struct {
		TableID model.ObjID
		Host    *model.Host
	}
	if err := json.Unmarshal(payload, &st); err != nil {
		p.log.Error("parent: decode host status", "err", err)
		return
	}
	p.mu.Lock()
	t := p.active.TableByID(st.TableID)
	if t != nil {
		if h := t.HostByID(st.Host.ID); h != nil {
			*h = *st.Host
		}
	}
	p.mu.Unlock()
	if t == nil {
		return
	}
	p.statusMu.RLock()
	fn := p.onStatus
	p.statusMu.RUnlock()
	if fn != nil {
		fn(t.Name, st.Host)
	}
}

// monitor waits for a worker to exit; an unexpected exit while the
// parent is still running is logged as a crash (spec.md does not
// specify automatic respawn, so the parent surfaces the failure rather
// than silently restarting a worker that may be crash-looping).
func (p *Parent) monitor(id WorkerID, h *workerHandle) {
	err := h.cmd.Wait()
	p.mu.RLock()
	_, stillTracked := p.workers[id]
	p.mu.RUnlock()
	if stillTracked {
		p.log.Error("worker exited unexpectedly", "worker", id.String(), "err", err)
	}
}

// distributeAndStart streams the compiled config to every worker, waits
// for each to ACK (the reload_pending countdown collapsed to its
// startup special case), then broadcasts CTL_START.
func (p *Parent) distributeAndStart(cfg *model.Config) error {
	p.mu.RLock()
	handles := make([]*workerHandle, 0, len(p.workers))
	for _, h := range p.workers {
		handles = append(handles, h)
	}
	p.mu.RUnlock()

	for _, h := range handles {
		if err := sendConfig(h.ch, h.id.Role, cfg); err != nil {
			return fmt.Errorf("worker %s: %w", h.id, err)
		}
	}
	for _, h := range handles {
		if err := waitAck(h, 30*time.Second); err != nil {
			return fmt.Errorf("worker %s: waiting for CFG ack: %w", h.id, err)
		}
		zeroRelayKeysForWorker(cfg, h.id)
	}
	for _, h := range handles {
		if err := h.ch.Send(ipc.TypeCtlStart, 0, nil, nil); err != nil {
			return fmt.Errorf("worker %s: CTL_START: %w", h.id, err)
		}
	}
	return nil
}

// Snapshot returns the parent's live configuration for read-only
// inspection by the control socket (spec.md §6 SHOW/HOST/TABLE).
// Callers must not mutate the returned config directly; use SetHostState
// or SetTableDisabled, which push the change out to every worker.
func (p *Parent) Snapshot() *model.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// Journal returns the parent's reload history, newest first.
func (p *Parent) Journal() []ReloadRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.journal.Recent()
}

// SetHostState sets host id's administrative state (spec.md §6's "HOST
// enable|disable") and re-pushes the configuration to every worker so
// HCE stops/resumes probing it and PFE/relay workers stop/resume
// selecting it.
func (p *Parent) SetHostState(id model.ObjID, disabled bool) error {
	p.mu.Lock()
	var h *model.Host
	for _, t := range p.active.Tables {
		if found := t.HostByID(id); found != nil {
			h = found
			break
		}
	}
	if h == nil {
		p.mu.Unlock()
		return fmt.Errorf("host %d not found", id)
	}
	if disabled {
		h.State = model.HostDisabled
	} else {
		h.State = model.HostUnknown
		h.UpCount, h.DownCount = 0, 0
	}
	p.mu.Unlock()
	return p.pushConfig()
}

// SetTableDisabled sets table id's TableFlagDisabled bit (spec.md §6's
// "TABLE enable|disable") and re-pushes the configuration.
func (p *Parent) SetTableDisabled(id model.ObjID, disabled bool) error {
	p.mu.Lock()
	t := p.active.TableByID(id)
	if t == nil {
		p.mu.Unlock()
		return fmt.Errorf("table %d not found", id)
	}
	if disabled {
		t.Flags |= model.TableFlagDisabled
	} else {
		t.Flags &^= model.TableFlagDisabled
	}
	p.mu.Unlock()
	return p.pushConfig()
}

// pushConfig re-sends the live config to every running worker without
// reconciling the worker set -- the lightweight path for a control-socket
// administrative change that can never add or remove a relay/CA pair.
func (p *Parent) pushConfig() error {
	p.mu.RLock()
	cfg := p.active
	handles := make([]*workerHandle, 0, len(p.workers))
	for _, h := range p.workers {
		handles = append(handles, h)
	}
	p.mu.RUnlock()

	for _, h := range handles {
		if err := h.ch.Send(ipc.TypeCtlReload, 0, nil, nil); err != nil {
			return fmt.Errorf("push config: worker %s: CTL_RELOAD: %w", h.id, err)
		}
	}
	for _, h := range handles {
		if err := sendConfig(h.ch, h.id.Role, cfg); err != nil {
			return fmt.Errorf("push config: worker %s: %w", h.id, err)
		}
	}
	for _, h := range handles {
		if err := waitAck(h, 30*time.Second); err != nil {
			return fmt.Errorf("push config: worker %s: %w", h.id, err)
		}
	}
	return nil
}

// waitAck waits for the next ACK/FAIL demultiplexed off h's supervisory
// channel by readLoop. Reading from h.acks rather than h.ch directly
// keeps this safe to call concurrently with readLoop's ongoing
// HOST_STATUS handling.
func waitAck(h *workerHandle, timeout time.Duration) error {
	select {
	case msg, ok := <-h.acks:
		if !ok {
			return fmt.Errorf("worker channel closed")
		}
		if msg.Header.Type == ipc.TypeFail {
			return fmt.Errorf("worker reported failure: %s", string(msg.Payload))
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for ack")
	}
}

func (p *Parent) shutdownAll() {
	p.mu.Lock()
	handles := make([]*workerHandle, 0, len(p.workers))
	for id, h := range p.workers {
		handles = append(handles, h)
		delete(p.workers, id)
	}
	p.mu.Unlock()

	for _, h := range handles {
		_ = h.ch.Send(ipc.TypeCtlShutdown, 0, nil, nil)
	}
	for _, h := range handles {
		done := make(chan struct{})
		go func(h *workerHandle) {
			h.cmd.Wait()
			close(done)
		}(h)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			p.log.Warn("worker did not exit in time, killing", "worker", h.id.String())
			_ = h.cmd.Process.Kill()
		}
		h.ch.Close()
	}
}
