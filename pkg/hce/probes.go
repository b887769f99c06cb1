package hce

import (
	"bufio"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/relayd-project/relayd/pkg/model"
)

// execProbe dispatches to the probe implementation for t.Method. Every
// probe is a single best-effort attempt; retry/hysteresis lives one
// level up in Engine, matching the teacher's split between
// rpm.Manager.executeProbe (one attempt) and runSingleTest (the
// retry/threshold bookkeeping) in pkg/rpm.
func execProbe(ctx context.Context, t *model.Table, addr netip.Addr, port uint16, runScript ScriptRunner) (time.Duration, error) {
	switch t.Method {
	case model.CheckICMP:
		return probeICMP(ctx, addr)
	case model.CheckTCP:
		return probeTCP(ctx, addr, port)
	case model.CheckSendExpect:
		return probeSendExpect(ctx, addr, port, t.SendBuffer, t.ExpectPattern)
	case model.CheckHTTP:
		return probeHTTP(ctx, addr, port, t, false)
	case model.CheckHTTPS:
		return probeHTTP(ctx, addr, port, t, true)
	case model.CheckScript:
		return probeScript(ctx, runScript, string(t.SendBuffer), addr, port)
	default:
		return probeTCP(ctx, addr, port)
	}
}

// probeICMP uses a TCP connect as the unprivileged reachability proxy
// for the ICMP check method -- the same trade-off the teacher's
// rpm.probeICMP makes (raw ICMP sockets need CAP_NET_RAW; TCP connect
// to the target's echo-adjacent port is a close approximation without
// elevated privileges).
func probeICMP(ctx context.Context, addr netip.Addr) (time.Duration, error) {
	return probeTCP(ctx, addr, 7)
}

func probeTCP(ctx context.Context, addr netip.Addr, port uint16) (time.Duration, error) {
	start := time.Now()
	d := &net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", netip.AddrPortFrom(addr, port).String())
	if err != nil {
		return 0, fmt.Errorf("tcp connect: %w", err)
	}
	conn.Close()
	return time.Since(start), nil
}

func probeSendExpect(ctx context.Context, addr netip.Addr, port uint16, send []byte, expect string) (time.Duration, error) {
	start := time.Now()
	d := &net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", netip.AddrPortFrom(addr, port).String())
	if err != nil {
		return 0, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if len(send) > 0 {
		if _, err := conn.Write(send); err != nil {
			return 0, fmt.Errorf("send: %w", err)
		}
	}
	if expect == "" {
		return time.Since(start), nil
	}

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	if !strings.Contains(line, expect) {
		return 0, fmt.Errorf("expected %q, got %q", expect, strings.TrimSpace(line))
	}
	return time.Since(start), nil
}

func probeHTTP(ctx context.Context, addr netip.Addr, port uint16, t *model.Table, useTLS bool) (time.Duration, error) {
	scheme := "http"
	if useTLS {
		scheme = "https"
	}
	path := t.CheckPath
	if path == "" {
		path = "/"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, netip.AddrPortFrom(addr, port).String(), path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if t.CheckHost != "" {
		req.Host = t.CheckHost
	}

	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: useTLS}, //nolint:gosec // health probe only, no data exchanged
		},
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()
	rtt := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return rtt, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if t.CheckDigest != "" {
		sum, err := digestBody(resp.Body, t.CheckDigestAlgo)
		if err != nil {
			return rtt, err
		}
		if sum != strings.ToLower(t.CheckDigest) {
			return rtt, fmt.Errorf("digest mismatch")
		}
	}
	return rtt, nil
}

func digestBody(r io.Reader, algo string) (string, error) {
	var h hash.Hash
	if algo == "sha1" {
		h = sha1.New()
	} else {
		h = md5.New()
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// probeScript marshals the check to the parent over SCRIPT/SCRIPT_RESULT
// (spec.md §4.6, §5: "only the parent has the privilege to fork/exec");
// HCE itself never execs a check script, since it is privilege-dropped
// like every other worker. t.SendBuffer holds the script path (set by
// the "script" leaf in pkg/config). Exit status 0 means up.
func probeScript(ctx context.Context, runScript ScriptRunner, path string, addr netip.Addr, port uint16) (time.Duration, error) {
	if path == "" {
		return 0, fmt.Errorf("no script configured")
	}
	if runScript == nil {
		return 0, fmt.Errorf("script checks require a parent-side runner")
	}
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	start := time.Now()
	exitCode, err := runScript(ctx, path, addr.String(), port, timeout)
	if err != nil {
		return 0, fmt.Errorf("script: %w", err)
	}
	if exitCode != 0 {
		return 0, fmt.Errorf("script: exit code %d", exitCode)
	}
	return time.Since(start), nil
}
