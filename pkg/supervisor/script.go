package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// scriptRequest/scriptReply are SCRIPT/SCRIPT_RESULT's payloads (spec.md
// §4.6, §5): a worker never forks/execs on its own behalf, so a SCRIPT
// health check is marshaled to the parent -- the only process with
// fork/exec privilege -- which runs it under the configured unprivileged
// user with a hard wall-clock limit and reports back the exit code.
type scriptRequest struct {
	Path    string
	Addr    string
	Port    uint16
	Timeout time.Duration
}

type scriptReply struct {
	ExitCode int
	Err      string
}

// scriptPending demultiplexes in-flight SCRIPT round trips on a Worker by
// PeerID, the same shape relay.Signer.roundTrip uses over the Relay<->CA
// peer channel -- it has to live on Worker instead, since Worker.Run's
// own loop is the supervisory channel's only reader.
type scriptPending struct {
	mu      sync.Mutex
	next    atomic.Uint32
	waiters map[uint32]chan scriptReply
}

func newScriptPending() *scriptPending {
	return &scriptPending{waiters: make(map[uint32]chan scriptReply)}
}

func (p *scriptPending) register() (uint32, chan scriptReply) {
	id := p.next.Add(1)
	ch := make(chan scriptReply, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return id, ch
}

func (p *scriptPending) cancel(id uint32) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

func (p *scriptPending) deliver(id uint32, reply scriptReply) {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	delete(p.waiters, id)
	p.mu.Unlock()
	if ok {
		ch <- reply
	}
}

func (p *scriptPending) failAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.waiters {
		ch <- scriptReply{Err: err.Error()}
		delete(p.waiters, id)
	}
}

// runScript execs req.Path with the candidate address and port as
// arguments, under runAsUser if set, bounded by req.Timeout. Exit status
// 0 means up, matching the original relayd's CHECK_SCRIPT contract.
func runScript(req scriptRequest, runAsUser string) (int, error) {
	if req.Path == "" {
		return 0, fmt.Errorf("no script configured")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Path, req.Addr, strconv.Itoa(int(req.Port)))
	if runAsUser != "" {
		cred, err := lookupCredential(runAsUser)
		if err != nil {
			return 0, fmt.Errorf("script: %w", err)
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return 0, fmt.Errorf("script: timed out after %s", timeout)
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 0, fmt.Errorf("script: %w", err)
	}
	return 0, nil
}

func lookupCredential(username string) (*syscall.Credential, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", username, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse uid %s: %w", u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse gid %s: %w", u.Gid, err)
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}
