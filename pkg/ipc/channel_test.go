package ipc

import (
	"os"
	"testing"
)

func TestChannelSendRecvRoundTrip(t *testing.T) {
	a, b, err := NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		done <- a.Send(TypeCfgHost, 42, []byte("payload"), nil)
	}()

	msg, fd, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if fd != nil {
		t.Fatalf("unexpected fd in message with none sent")
	}
	if msg.Header.Type != TypeCfgHost || msg.Header.PeerID != 42 {
		t.Fatalf("unexpected header: %+v", msg.Header)
	}
	if string(msg.Payload) != "payload" {
		t.Fatalf("payload = %q, want %q", msg.Payload, "payload")
	}
}

func TestChannelPassesFD(t *testing.T) {
	a, b, err := NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer a.Close()
	defer b.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	done := make(chan error, 1)
	go func() {
		done <- a.Send(TypeBindAny, 7, []byte("bound"), r)
	}()

	msg, fd, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if fd == nil {
		t.Fatal("expected a passed fd")
	}
	defer fd.Close()

	if string(msg.Payload) != "bound" {
		t.Fatalf("payload = %q, want %q", msg.Payload, "bound")
	}

	want := []byte("listener-fd-test")
	if _, err := w.Write(want); err != nil {
		t.Fatalf("write to pipe: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := fd.Read(got); err != nil {
		t.Fatalf("read from passed fd: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("data read through passed fd = %q, want %q", got, want)
	}
}

func TestChannelSendRejectsOversizedPayload(t *testing.T) {
	a, b, err := NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer a.Close()
	defer b.Close()

	oversized := make([]byte, int(MaxPayload(TypeCtlReset))+1)
	err = a.Send(TypeCtlReset, 1, oversized, nil)
	if err == nil {
		t.Fatal("expected ceiling violation error")
	}
	if _, ok := err.(*ErrCeilingExceeded); !ok {
		t.Fatalf("err = %T, want *ErrCeilingExceeded", err)
	}
}
