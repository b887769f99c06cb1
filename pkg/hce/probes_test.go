package hce

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/relayd-project/relayd/pkg/model"
)

func mustAddr(t *testing.T, s string) netip.Addr {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%q): %v", s, err)
	}
	return addr
}

func TestProbeTCPSucceedsAgainstListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := probeTCP(ctx, mustAddr(t, "127.0.0.1"), port); err != nil {
		t.Fatalf("probeTCP: %v", err)
	}
}

func TestProbeTCPFailsWithNoListener(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if _, err := probeTCP(ctx, mustAddr(t, "127.0.0.1"), 1); err == nil {
		t.Fatalf("expected error connecting to closed port")
	}
}

func TestProbeSendExpectMatchesBanner(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 64)
		c.Read(buf)
		c.Write([]byte("220 ready\n"))
	}()

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := probeSendExpect(ctx, mustAddr(t, "127.0.0.1"), port, []byte("HELO\n"), "220"); err != nil {
		t.Fatalf("probeSendExpect: %v", err)
	}
}

func TestProbeSendExpectMismatchFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		c.Write([]byte("500 no\n"))
	}()

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := probeSendExpect(ctx, mustAddr(t, "127.0.0.1"), port, nil, "220"); err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestProbeHTTPAcceptsOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tcpAddr := srv.Listener.Addr().(*net.TCPAddr)
	table := &model.Table{CheckPath: "/healthz"}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := probeHTTP(ctx, mustAddr(t, "127.0.0.1"), uint16(tcpAddr.Port), table, false); err != nil {
		t.Fatalf("probeHTTP: %v", err)
	}
}

func TestProbeHTTPRejectsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tcpAddr := srv.Listener.Addr().(*net.TCPAddr)
	table := &model.Table{}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := probeHTTP(ctx, mustAddr(t, "127.0.0.1"), uint16(tcpAddr.Port), table, false); err == nil {
		t.Fatalf("expected error for 500 response")
	}
}

func TestExecProbeDispatchesByMethod(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	table := &model.Table{Method: model.CheckTCP}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := execProbe(ctx, table, mustAddr(t, "127.0.0.1"), port, nil); err != nil {
		t.Fatalf("execProbe: %v", err)
	}
}

// TestProbeScriptNeverExecsDirectly is a regression test for the privsep
// fix: probeScript must route through the injected ScriptRunner rather
// than exec'ing on its own behalf, so a nil runner is a hard error, not
// a fallback to a direct exec.
func TestProbeScriptNeverExecsDirectly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := probeScript(ctx, nil, "/bin/true", mustAddr(t, "127.0.0.1"), 0)
	if err == nil {
		t.Fatal("expected an error when no ScriptRunner is configured")
	}
}

func TestProbeScriptUsesInjectedRunner(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var gotPath, gotAddr string
	var gotPort uint16
	runner := ScriptRunner(func(ctx context.Context, path, addr string, port uint16, timeout time.Duration) (int, error) {
		gotPath, gotAddr, gotPort = path, addr, port
		return 0, nil
	})

	if _, err := probeScript(ctx, runner, "/opt/checks/up.sh", mustAddr(t, "127.0.0.1"), 8080); err != nil {
		t.Fatalf("probeScript: %v", err)
	}
	if gotPath != "/opt/checks/up.sh" || gotAddr != "127.0.0.1" || gotPort != 8080 {
		t.Fatalf("runner got (%q, %q, %d), want (/opt/checks/up.sh, 127.0.0.1, 8080)", gotPath, gotAddr, gotPort)
	}
}

func TestProbeScriptNonZeroExitIsFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	runner := ScriptRunner(func(ctx context.Context, path, addr string, port uint16, timeout time.Duration) (int, error) {
		return 1, nil
	})
	if _, err := probeScript(ctx, runner, "/opt/checks/up.sh", mustAddr(t, "127.0.0.1"), 0); err == nil {
		t.Fatal("expected a non-zero exit code to be a failure")
	}
}
