package relay

import (
	"crypto"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/relayd-project/relayd/pkg/ipc"
	"github.com/relayd-project/relayd/pkg/model"
)

// caSignRequest/caSignReply are the JSON payloads carried by CA_PRIVENC;
// caDecryptRequest/caDecryptReply are carried by CA_PRIVDEC. Both ride
// the Relay[i]<->CA[i] peer channel wired by the parent at spawn time
// (spec.md §4.4's one deliberate cross-worker synchronous RPC).
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

// Signer implements crypto.Signer and crypto.Decrypter by forwarding the
// operation to this relay's paired CA worker and blocking until the reply
// arrives. It is the only blocking point in a relay session goroutine;
// every other session operation runs against its own socket only
// (spec.md §5).
type Signer struct {
	peer   *ipc.Channel
	objID  model.ObjID
	pub    crypto.PublicKey
	nextID atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]chan caReply
}

// NewSigner starts the reply-dispatch loop for peer and returns a Signer
// bound to objID (the relay's own key, looked up by the CA worker in its
// model.PrivateKeyTable).
func NewSigner(peer *ipc.Channel, objID model.ObjID, pub crypto.PublicKey) *Signer {
	s := &Signer{peer: peer, objID: objID, pub: pub, pending: make(map[uint32]chan caReply)}
	go s.readLoop()
	return s
}

func (s *Signer) readLoop() {
	for {
		msg, err := s.peer.NextFramed()
		if err != nil {
			s.failAll(err)
			return
		}
		if msg.Header.Type != ipc.TypeCAPrivEnc && msg.Header.Type != ipc.TypeCAPrivDec {
			continue
		}
		var reply caReply
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[msg.Header.PeerID]
		delete(s.pending, msg.Header.PeerID)
		s.mu.Unlock()
		if ok {
			ch <- reply
		}
	}
}

func (s *Signer) failAll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.pending {
		ch <- caReply{Err: err.Error()}
		delete(s.pending, id)
	}
}

func (s *Signer) roundTrip(t ipc.Type, payload []byte) ([]byte, error) {
	peerID := s.nextID.Add(1)
	replyc := make(chan caReply, 1)
	s.mu.Lock()
	s.pending[peerID] = replyc
	s.mu.Unlock()

	if err := s.peer.Send(t, peerID, payload, nil); err != nil {
		s.mu.Lock()
		delete(s.pending, peerID)
		s.mu.Unlock()
		return nil, fmt.Errorf("ca rpc: send: %w", err)
	}
	reply := <-replyc
	if reply.Err != "" {
		return nil, errors.New(reply.Err)
	}
	return reply.Output, nil
}

// Public implements crypto.Signer.
func (s *Signer) Public() crypto.PublicKey { return s.pub }

// Sign implements crypto.Signer by round-tripping through CA_PRIVENC.
func (s *Signer) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	req := caSignRequest{ObjID: s.objID, Digest: digest, HashFunc: uint(opts.HashFunc())}
	if pss, ok := opts.(*rsa.PSSOptions); ok {
		req.IsPSS = true
		req.PSSSalt = pss.SaltLength
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return s.roundTrip(ipc.TypeCAPrivEnc, payload)
}

// Decrypt implements crypto.Decrypter by round-tripping through
// CA_PRIVDEC.
func (s *Signer) Decrypt(rand io.Reader, data []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	req := caDecryptRequest{ObjID: s.objID, Data: data}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return s.roundTrip(ipc.TypeCAPrivDec, payload)
}

// CertManager serves the tls.Certificate built from this relay's
// in-memory certificate chain (distributed over CFG_RELAY, spec.md §4.4
// -- a relay worker never reads key material off disk itself; only its
// paired CA worker does, grounded there on certwatcher). The leaf's
// PrivateKey is signer, so every handshake operation round-trips to the
// CA worker instead of touching a local key.
type CertManager struct {
	mu   sync.RWMutex
	cert *tls.Certificate
}

// LeafPublicKey parses just enough of certPEM to return the leaf
// certificate's public key, so a Signer can be constructed (Public())
// before the full tls.Certificate is built.
func LeafPublicKey(certPEM []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("tls: no certificate found in PEM")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("tls: parse leaf: %w", err)
	}
	return leaf.PublicKey, nil
}

// NewCertManager builds a served certificate from certPEM (the relay's
// redacted WorkerCopy of its KeyMaterial, public chain only).
func NewCertManager(certPEM []byte, signer *Signer) (*CertManager, error) {
	cert, err := buildCertificate(certPEM, signer)
	if err != nil {
		return nil, err
	}
	return &CertManager{cert: cert}, nil
}

func buildCertificate(certPEM []byte, signer *Signer) (*tls.Certificate, error) {
	var chain [][]byte
	rest := certPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			chain = append(chain, block.Bytes)
		}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("tls: no certificate found in PEM")
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, fmt.Errorf("tls: parse leaf: %w", err)
	}
	return &tls.Certificate{Certificate: chain, PrivateKey: signer, Leaf: leaf}, nil
}

// Rebuild installs a freshly distributed certificate (e.g. after a
// CTL_CERTCHANGED-triggered reload) in place.
func (m *CertManager) Rebuild(certPEM []byte, signer *Signer) error {
	cert, err := buildCertificate(certPEM, signer)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cert = cert
	m.mu.Unlock()
	return nil
}

// GetCertificate satisfies tls.Config.GetCertificate.
func (m *CertManager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cert, nil
}
