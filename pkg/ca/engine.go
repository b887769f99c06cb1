// Package ca implements the CA worker: the sole process that ever holds
// TLS private-key bytes in memory, and the sole process that performs
// RSA_priv_enc/RSA_priv_dec, exactly as spec.md §4.4 requires. Its
// peered relay's pkg/relay.Signer never sees a key byte; it round-trips
// the operation to this engine over the Relay<->CA channel the parent
// wires at spawn time.
package ca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/matthewpi/certwatcher"

	"github.com/relayd-project/relayd/pkg/ipc"
	"github.com/relayd-project/relayd/pkg/model"
)

// certPollInterval is how often a watched cert/key pair is re-checked
// for a changed serial number. certwatcher itself only refreshes the
// tls.Config it hands back; it has no push notification of its own, so
// this engine polls it.
const certPollInterval = 30 * time.Second

type caSignRequest struct {
	ObjID    model.ObjID
	Digest   []byte
	HashFunc uint
	PSSSalt  int
	IsPSS    bool
}

type caDecryptRequest struct {
	ObjID model.ObjID
	Data  []byte
}

type caReply struct {
	Output []byte
	Err    string
}

// Engine is the supervisor.Engine for the CA worker. One instance exists
// per SSL relay (spec.md §2: "CA[i] ... for Relay[i]"), so Engine holds
// exactly one private key, looked up by the objid its peer relay was
// told to use, not a table of every relay's keys -- a compromised CA
// worker only ever holds the one key its own relay instance terminates.
type Engine struct {
	instance int
	peer     *ipc.Channel

	keys *model.PrivateKeyTable
	log  *slog.Logger

	watchMu     sync.Mutex
	watchCancel context.CancelFunc
	lastSerial  string
	notify      func() error
}

// SetCertChangeNotifier installs the function watchCertFile calls when
// it detects a rotated certificate on disk. It takes a func rather than
// a channel reference in the constructor because, like
// hce.NewEngine's onStatus, the thing it needs to call (the worker's own
// supervisory channel) does not exist until after supervisor.NewWorker
// returns.
func (e *Engine) SetCertChangeNotifier(fn func() error) {
	e.notify = fn
}

// NewEngine returns an Engine for the instance-th relay's paired CA
// worker, talking over peer (inherited on fd 4, see supervisor.spawnAll).
func NewEngine(instance int, peer *ipc.Channel, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{instance: instance, peer: peer, keys: model.NewPrivateKeyTable(), log: log}
}

// Apply parses and loads this instance's relay's private key. Unlike
// every other worker's Apply, this one is not swapped in until a
// CTL_START/CTL_RELOAD arrives for the *next* generation is irrelevant
// here: the CA worker has no in-flight-session continuity requirement of
// its own (spec.md §4.3's in-flight-session policy lives entirely in the
// relay), so a new key set simply replaces the old one.
func (e *Engine) Apply(cfg *model.Config) error {
	if e.instance >= len(cfg.Relays) {
		return fmt.Errorf("ca engine: instance %d out of range (%d relays)", e.instance, len(cfg.Relays))
	}
	r := cfg.Relays[e.instance]
	if len(r.Keys.KeyPEM) == 0 {
		e.log.Warn("ca engine: relay has no private key material", "relay", r.Name)
		return nil
	}
	signer, err := parsePrivateKey(r.Keys.KeyPEM)
	if err != nil {
		return fmt.Errorf("ca engine: relay %s: %w", r.Name, err)
	}
	keys := model.NewPrivateKeyTable()
	keys.Load(r.ID, signer)
	e.keys = keys
	e.log.Info("ca engine: loaded private key", "relay", r.Name, "objid", r.ID)

	e.watchCertFile(r)
	return nil
}

// watchCertFile (re)starts the background watch of r's on-disk cert/key
// pair with certwatcher (spec.md §4.4 supplement). The CA worker is the
// only process with any legitimate reason to reopen these paths, so it
// is the one that watches for an operator dropping in a renewed
// certificate rather than waiting for a manual relayctl reload.
func (e *Engine) watchCertFile(r *model.Relay) {
	e.watchMu.Lock()
	if e.watchCancel != nil {
		e.watchCancel()
		e.watchCancel = nil
	}
	if r.Keys.CertPath == "" || r.Keys.KeyPath == "" {
		e.watchMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.watchCancel = cancel
	e.lastSerial = ""
	e.watchMu.Unlock()

	cw := &certwatcher.TLSConfig{
		CertPath:   r.Keys.CertPath,
		KeyPath:    r.Keys.KeyPath,
		Config:     &tls.Config{},
		DontStaple: true,
	}
	go e.runCertWatch(ctx, cw)
}

func (e *Engine) runCertWatch(ctx context.Context, cw *certwatcher.TLSConfig) {
	tlsCfg, err := cw.GetTLSConfig(ctx)
	if err != nil {
		e.log.Warn("ca engine: cert watcher init failed", "path", cw.CertPath, "err", err)
		return
	}

	ticker := time.NewTicker(certPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkCertRotated(tlsCfg)
		}
	}
}

func (e *Engine) checkCertRotated(tlsCfg *tls.Config) {
	cert, err := tlsCfg.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil || cert == nil || cert.Leaf == nil {
		return
	}
	serial := cert.Leaf.SerialNumber.String()

	e.watchMu.Lock()
	first := e.lastSerial == ""
	changed := !first && e.lastSerial != serial
	e.lastSerial = serial
	e.watchMu.Unlock()

	if changed {
		e.notifyCertChanged()
	}
}

// notifyCertChanged tells the parent over this worker's own supervisory
// channel, the same path hce.Engine uses to push HOST_STATUS to the
// parent directly rather than relaying through its peer.
func (e *Engine) notifyCertChanged() {
	if e.notify == nil {
		return
	}
	if err := e.notify(); err != nil {
		e.log.Error("ca engine: notify cert changed", "err", err)
	}
}

// Run services CA_PRIVENC/CA_PRIVDEC requests off the peer channel until
// ctx is cancelled or the channel closes. This is the only worker loop
// in the whole daemon whose sole job is to answer a synchronous RPC
// (spec.md §4.4, §5); it has no listener, no timer, nothing else to do.
func (e *Engine) Run(ctx context.Context) error {
	if e.peer == nil {
		<-ctx.Done()
		return nil
	}
	type frame struct {
		msg ipc.Message
		err error
	}
	recvc := make(chan frame)
	go func() {
		for {
			msg, err := e.peer.NextFramed()
			recvc <- frame{msg, err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-recvc:
			if f.err != nil {
				return fmt.Errorf("ca engine: peer channel: %w", f.err)
			}
			e.handle(f.msg)
		}
	}
}

func (e *Engine) handle(msg ipc.Message) {
	switch msg.Header.Type {
	case ipc.TypeCAPrivEnc:
		e.handleSign(msg)
	case ipc.TypeCAPrivDec:
		e.handleDecrypt(msg)
	default:
		e.log.Warn("ca engine: unexpected message", "type", msg.Header.Type.String())
	}
}

func (e *Engine) handleSign(msg ipc.Message) {
	var req caSignRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		e.reply(ipc.TypeCAPrivEnc, msg.Header.PeerID, nil, fmt.Errorf("ca engine: decode sign request: %w", err))
		return
	}
	signer := e.keys.Lookup(req.ObjID)
	if signer == nil {
		// Unknown objid is the spec.md §4.4 error contract: a zero-length
		// reply, surfaced by the relay as a method failure.
		e.reply(ipc.TypeCAPrivEnc, msg.Header.PeerID, nil, fmt.Errorf("unknown objid %d", req.ObjID))
		return
	}
	opts := crypto.SignerOpts(crypto.Hash(req.HashFunc))
	if req.IsPSS {
		opts = &rsa.PSSOptions{Hash: crypto.Hash(req.HashFunc), SaltLength: req.PSSSalt}
	}
	out, err := signer.Sign(rand.Reader, req.Digest, opts)
	e.reply(ipc.TypeCAPrivEnc, msg.Header.PeerID, out, err)
}

func (e *Engine) handleDecrypt(msg ipc.Message) {
	var req caDecryptRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		e.reply(ipc.TypeCAPrivDec, msg.Header.PeerID, nil, fmt.Errorf("ca engine: decode decrypt request: %w", err))
		return
	}
	signer := e.keys.Lookup(req.ObjID)
	decrypter, ok := signer.(crypto.Decrypter)
	if signer == nil || !ok {
		e.reply(ipc.TypeCAPrivDec, msg.Header.PeerID, nil, fmt.Errorf("unknown objid %d", req.ObjID))
		return
	}
	out, err := decrypter.Decrypt(rand.Reader, req.Data, nil)
	e.reply(ipc.TypeCAPrivDec, msg.Header.PeerID, out, err)
}

func (e *Engine) reply(t ipc.Type, peerID uint32, out []byte, err error) {
	r := caReply{Output: out}
	if err != nil {
		r.Err = err.Error()
		e.log.Warn("ca engine: crypto op failed", "type", t.String(), "err", err)
	}
	b, encErr := json.Marshal(r)
	if encErr != nil {
		e.log.Error("ca engine: encode reply", "err", encErr)
		return
	}
	if sendErr := e.peer.Send(t, peerID, b, nil); sendErr != nil {
		e.log.Error("ca engine: send reply", "err", sendErr)
	}
}

// parsePrivateKey decodes a PEM-encoded RSA private key -- PKCS#1
// ("RSA PRIVATE KEY") or PKCS#8 ("PRIVATE KEY") -- into a crypto.Signer.
// This is the only place in the whole daemon that ever touches raw
// private-key bytes (spec.md §8 property 1).
func parsePrivateKey(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key type %T is not a crypto.Signer", key)
	}
	return signer, nil
}
