package model

// RelayFlags are the boolean options a relay can carry. Several are
// carried unchanged from the original relayd.h bitmask even though this
// port expresses them as a Go bitmask rather than preprocessor defines.
type RelayFlags uint32

const (
	FlagSSL RelayFlags = 1 << iota
	FlagSSLClient
	FlagSSLInspect
	FlagUDP
	FlagNeedPF
	FlagDisable  // parsed but never gets a listener
	FlagUpdate   // mid-reload generation bump, cleared once applied
	FlagChanged  // set by the parser when a reload differs from the live copy
)

// Has reports whether f is set.
func (f RelayFlags) Has(bit RelayFlags) bool { return f&bit != 0 }

// KeyMaterial carries TLS private-key bytes from the parent to a CA
// worker. It is never sent anywhere else; the parent zero-fills and frees
// its copy immediately after the CA worker acknowledges receipt
// (spec.md §4.4).
type KeyMaterial struct {
	CertPEM  []byte // public certificate, distributed to relay workers too
	KeyPEM   []byte // private key, distributed to CA workers only
	CAPEM    []byte // optional client-CA certificate (for SSL_CLIENT)
	CAKeyPEM []byte // optional CA private key, CA workers only

	// CertPath/KeyPath are the on-disk paths the parent read CertPEM/
	// KeyPEM from. They travel only to the CA worker, which is the sole
	// worker with any legitimate reason to reopen them: watching for an
	// operator-driven cert rotation (spec.md §4.4 supplement).
	CertPath string
	KeyPath  string
}

// Zero overwrites key-bearing fields in place so the parent's copy cannot
// linger in memory after distribution (spec.md §4.4, §8 property 1).
func (k *KeyMaterial) Zero() {
	zero(k.KeyPEM)
	zero(k.CAKeyPEM)
	k.KeyPEM = nil
	k.CAKeyPEM = nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Relay is a configured listener + backend-table pair.
type Relay struct {
	ID    ObjID
	Name  string

	Listen string // host:port
	Flags  RelayFlags

	Keys KeyMaterial // parent-side only; workers receive redacted copies

	ProtocolName string
	ProtocolID   ObjID

	// Ordered list of candidate tables this relay forwards to, by name;
	// resolved to ObjIDs at compile time.
	TableNames []string
	TableIDs   []ObjID

	Mode TableMode

	IdleTimeoutSeconds   int
	ConnectTimeoutSeconds int
}

// WorkerCopy returns a shallow copy of the Relay with private-key material
// stripped, suitable for distribution to a relay worker (which must never
// hold private-key bytes) versus a CA worker (which receives the full
// KeyMaterial separately over its own CFG_RELAY message).
func (r *Relay) WorkerCopy() *Relay {
	c := *r
	c.Keys = KeyMaterial{CertPEM: r.Keys.CertPEM, CAPEM: r.Keys.CAPEM}
	return &c
}
