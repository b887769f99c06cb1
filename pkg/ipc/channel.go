package ipc

import (
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Channel is one duplex endpoint of a worker<->peer message channel. Each
// channel has exactly one reader and one writer goroutine per side
// (spec.md §4.1); Channel itself only serialises concurrent Send calls so
// callers don't need their own lock for the common "one writer goroutine
// plus occasional synchronous RPC" shape in §4.4.
type Channel struct {
	conn *net.UnixConn
	dec  *Decoder

	mu sync.Mutex // serialises Send; Recv has a single caller by contract

	pid uint32
}

// NewPair creates a connected pair of channels backed by a SOCK_STREAM
// unix-domain socket pair -- the direct analogue of the C original's
// socketpair(2), used to hand one endpoint to a forked child via
// exec.Cmd.ExtraFiles and keep the other in the parent.
func NewPair() (parent, child *Channel, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("ipc: socketpair: %w", err)
	}
	pf := os.NewFile(uintptr(fds[0]), "ipc-parent")
	cf := os.NewFile(uintptr(fds[1]), "ipc-child")

	pc, err := wrapFile(pf)
	if err != nil {
		pf.Close()
		cf.Close()
		return nil, nil, err
	}
	cc, err := wrapFile(cf)
	if err != nil {
		pc.Close()
		cf.Close()
		return nil, nil, err
	}
	return pc, cc, nil
}

func wrapFile(f *os.File) (*Channel, error) {
	conn, err := net.FileConn(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ipc: wrap fd: %w", err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("ipc: wrap fd: not a unix socket")
	}
	// The net.FileConn duplicates the fd; the caller's copy can be closed
	// once exec.Cmd has inherited it (for the child-bound endpoint) or is
	// simply redundant (for the parent-bound endpoint).
	f.Close()
	return NewChannel(uc), nil
}

// NewChannel wraps an already-connected unix socket, e.g. one obtained
// from an inherited file descriptor in a re-exec'd child (spec.md §4.2).
func NewChannel(conn *net.UnixConn) *Channel {
	return &Channel{conn: conn, dec: NewDecoder(conn), pid: uint32(os.Getpid())}
}

// FileChannel wraps f -- typically an inherited file descriptor such as
// fd 3 in a re-exec'd worker -- as a Channel.
func FileChannel(f *os.File) (*Channel, error) {
	return wrapFile(f)
}

// File returns the channel's socket as an *os.File suitable for placing
// in exec.Cmd.ExtraFiles. The returned file is a dup; closing it does not
// affect the Channel.
func (c *Channel) File() (*os.File, error) {
	return c.conn.File()
}

// Send writes one message, optionally passing fd as ancillary data in
// the same underlying sendmsg call, guaranteeing atomic delivery of
// header+payload+fd together (spec.md §4.1).
func (c *Channel) Send(t Type, peerID uint32, payload []byte, fd *os.File) error {
	ceiling := MaxPayload(t)
	if len(payload) > int(ceiling) {
		return &ErrCeilingExceeded{Type: t, Len: uint16(len(payload)), Ceiling: ceiling}
	}
	msg := Message{
		Header: Header{
			Type:   t,
			Len:    uint16(len(payload)),
			PeerID: peerID,
			Pid:    c.pid,
		},
		Payload: payload,
	}
	frame, err := Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if fd == nil {
		// A write shorter than len(frame) blocks the caller on the
		// socket's send buffer (Go's net package handles EAGAIN
		// internally), which is the idiomatic rendition of "sender MUST
		// handle EAGAIN by queuing" for a blocking-mode socket.
		_, err = c.conn.Write(frame)
		return err
	}

	rights := unix.UnixRights(int(fd.Fd()))
	_, _, err = c.conn.WriteMsgUnix(frame, rights, nil)
	return err
}

// Recv reads the next message and, if one was passed, the ancillary file
// descriptor. fd is nil when the message carried none.
func (c *Channel) Recv() (Message, *os.File, error) {
	// The ancillary fd, if any, rides on the header's underlying read, so
	// we must read directly off the connection (not through the
	// buffering Decoder) whenever an fd might be present. Messages in
	// this protocol that carry an fd (BINDANY replies) are small and
	// header-only-sized beyond their declared payload, so we read the
	// raw frame via ReadMsgUnix and hand it to a fresh Decoder for this
	// one frame.
	buf := make([]byte, 64*1024)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return Message{}, nil, err
	}

	msg, err := decodeFrame(buf[:n])
	if err != nil {
		return Message{}, nil, err
	}

	var fd *os.File
	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil && len(scms) > 0 {
			if rights, err := unix.ParseUnixRights(&scms[0]); err == nil && len(rights) > 0 {
				fd = os.NewFile(uintptr(rights[0]), "ipc-fd")
			}
		}
	}
	return msg, fd, nil
}

// NextFramed reads one message using the buffering Decoder. Use this for
// the common case (no ancillary fd expected) since it tolerates the
// underlying transport delivering bytes in arbitrary chunks -- the
// property Decoder is tested against directly.
func (c *Channel) NextFramed() (Message, error) {
	return c.dec.Next()
}

func decodeFrame(buf []byte) (Message, error) {
	if len(buf) < headerSize {
		return Message{}, fmt.Errorf("ipc: short frame: %d bytes", len(buf))
	}
	h := decodeHeader(buf)
	ceiling := MaxPayload(h.Type)
	if h.Len > ceiling {
		return Message{}, &ErrCeilingExceeded{Type: h.Type, Len: h.Len, Ceiling: ceiling}
	}
	if len(buf) < headerSize+int(h.Len) {
		return Message{}, fmt.Errorf("ipc: truncated frame: want %d have %d", headerSize+int(h.Len), len(buf))
	}
	payload := make([]byte, h.Len)
	copy(payload, buf[headerSize:headerSize+int(h.Len)])
	return Message{Header: h, Payload: payload}, nil
}

// Close closes the underlying socket.
func (c *Channel) Close() error {
	return c.conn.Close()
}
