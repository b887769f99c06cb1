package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/relayd-project/relayd/pkg/model"
)

const (
	defaultIdleTimeout    = 60 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

// sessionDeps is the slice of Engine state a session needs, passed
// explicitly rather than a back-pointer to Engine so session.go has no
// dependency on Engine's own fields beyond what it actually uses
// (spec.md §9 "pass the environment explicitly to every component").
type sessionDeps struct {
	relay      *model.Relay
	cfg        *model.Config
	cursor     *tableCursor
	idgen      *model.IDGen
	generation uint64
	log        *slog.Logger
	signer     *Signer // nil unless the relay terminates TLS
	sessions   *sessionTable
}

// handleSession owns one accepted client connection end to end: backend
// selection, optional TLS, and the L7 pump or raw byte pump. It recovers
// panics at the goroutine boundary and downgrades them to a session-local
// log line, per spec.md §7.
func handleSession(ctx context.Context, client net.Conn, deps sessionDeps) {
	defer func() {
		if r := recover(); r != nil {
			deps.log.Error("session panic recovered", "relay", deps.relay.Name, "panic", r)
		}
	}()
	sess := model.NewSession(deps.idgen.Next(), deps.relay.ID, deps.generation, time.Now())
	sess.Client = client
	if deps.sessions != nil {
		deps.sessions.add(sess)
		defer deps.sessions.remove(sess.ID)
	}
	defer sess.Release(deps.cfg.Labels, deps.cfg.Tags)

	table, mode, err := resolveDefaultTable(deps.cfg, deps.relay)
	if err != nil {
		deps.log.Warn("session: no backend table", "relay", deps.relay.Name, "err", err)
		return
	}

	host, err := selectBackend(table, deps.cursor, mode, hostOf(client.RemoteAddr()), sess.SessionHash)
	if err != nil {
		deps.log.Warn("session: no available backend", "relay", deps.relay.Name, "table", table.Name, "err", err)
		return
	}
	sess.Host = host

	connectTimeout := time.Duration(deps.relay.ConnectTimeoutSeconds) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	backendAddr := fmt.Sprintf("%s:%d", host.Addr, host.Port)
	backendConn, err := net.DialTimeout("tcp", backendAddr, connectTimeout)
	if err != nil {
		deps.log.Warn("session: backend connect failed", "relay", deps.relay.Name, "backend", backendAddr, "err", err)
		return
	}
	sess.Backend = backendConn

	host.ActiveSessions++
	defer func() { host.ActiveSessions-- }()

	idle := time.Duration(deps.relay.IdleTimeoutSeconds) * time.Second
	if idle <= 0 {
		idle = defaultIdleTimeout
	}

	proto := deps.cfg.ProtocolByID(deps.relay.ProtocolID)
	if proto == nil {
		pumpRaw(ctx, sess, idle)
		return
	}
	pumpHTTP(ctx, sess, proto, deps, idle)
}

func resolveDefaultTable(cfg *model.Config, relay *model.Relay) (*model.Table, model.TableMode, error) {
	if len(relay.TableIDs) == 0 {
		return nil, 0, fmt.Errorf("relay %s has no forward table", relay.Name)
	}
	t := cfg.TableByID(relay.TableIDs[0])
	if t == nil {
		return nil, 0, fmt.Errorf("relay %s: table id %d not found", relay.Name, relay.TableIDs[0])
	}
	return t, relay.Mode, nil
}

// pumpRaw is the byte-for-byte TCP relay used when no protocol (rule
// list) is attached to the relay -- relayd's "raw" mode, supplemented
// from original_source/relay.c per SPEC_FULL.md §4.5.
func pumpRaw(ctx context.Context, sess *model.Session, idle time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go copyDeadline(ctx, sess.Backend, sess.Client, idle, &sess.Counters.ClientIn, &sess.Counters.ServerOut, errc)
	go copyDeadline(ctx, sess.Client, sess.Backend, idle, &sess.Counters.ServerIn, &sess.Counters.ClientOut, errc)

	select {
	case <-errc:
	case <-ctx.Done():
	}
}

func copyDeadline(ctx context.Context, dst, src net.Conn, idle time.Duration, in, out *int64, errc chan<- error) {
	buf := make([]byte, 32*1024)
	for {
		if idle > 0 {
			src.SetReadDeadline(time.Now().Add(idle))
		}
		n, err := src.Read(buf)
		if n > 0 {
			*in += int64(n)
			if wn, werr := dst.Write(buf[:n]); werr == nil {
				*out += int64(wn)
			} else {
				errc <- werr
				return
			}
		}
		if err != nil {
			errc <- err
			return
		}
		select {
		case <-ctx.Done():
			errc <- ctx.Err()
			return
		default:
		}
	}
}

// pumpHTTP runs the per-direction HTTP incremental parser, rule engine,
// and body byte-copy for a session whose relay has an attached protocol
// (spec.md §4.5).
func pumpHTTP(ctx context.Context, sess *model.Session, proto *model.Protocol, deps sessionDeps, idle time.Duration) {
	clientR := bufio.NewReader(sess.Client)
	clientW := bufio.NewWriter(sess.Backend)
	backendR := bufio.NewReader(sess.Backend)
	backendW := bufio.NewWriter(sess.Client)

	for {
		sess.Touch(time.Now(), idle)
		sess.Client.SetReadDeadline(sess.IdleDeadline)

		if err := parseMessage(clientR, sess.Request, true); err != nil {
			return
		}
		reqResult := EvaluateRules(proto, model.DirRequest, sess.Request, sess, deps.cfg.Labels, deps.cfg.Tags, deps.relay.Name)
		if reqResult.Blocked {
			writeSimpleResponse(backendW, 503, "Service Unavailable")
			return
		}

		reqLine := fmt.Sprintf("%s %s HTTP/1.1", sess.Request.Method, requestTargetOf(sess.Request))
		if err := serializeHeaders(clientW, sess.Request, reqLine); err != nil {
			return
		}
		if err := pumpBody(sess.Request, clientR, clientW); err != nil {
			return
		}
		if err := clientW.Flush(); err != nil {
			return
		}

		sess.Backend.SetReadDeadline(time.Now().Add(idle))
		if err := parseMessage(backendR, sess.Response, false); err != nil {
			return
		}
		respResult := EvaluateRules(proto, model.DirResponse, sess.Response, sess, deps.cfg.Labels, deps.cfg.Tags, deps.relay.Name)
		if respResult.Blocked {
			writeSimpleResponse(backendW, 502, "Bad Gateway")
			return
		}

		statusLine := fmt.Sprintf("HTTP/1.1 %d %s", sess.Response.StatusCode, "OK")
		if err := serializeHeaders(backendW, sess.Response, statusLine); err != nil {
			return
		}
		if err := pumpBody(sess.Response, backendR, backendW); err != nil {
			return
		}
		if err := backendW.Flush(); err != nil {
			return
		}

		sess.Request = model.NewMessageState(model.StateReadRequestLine)
		sess.Response = model.NewMessageState(model.StateReadStatusLine)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func requestTargetOf(msg *model.MessageState) string {
	if msg.RawQuery != "" {
		return msg.Path + "?" + msg.RawQuery
	}
	return msg.Path
}

// pumpBody copies exactly the declared body (content-length or chunked)
// from r to w, leaving the stream positioned at the next message.
func pumpBody(msg *model.MessageState, r *bufio.Reader, w *bufio.Writer) error {
	switch msg.Parse {
	case model.StateReadBody:
		if _, err := io.CopyN(w, r, msg.BodyRemaining); err != nil {
			return err
		}
	case model.StateReadChunks:
		return pumpChunked(r, w)
	}
	return nil
}

func pumpChunked(r *bufio.Reader, w *bufio.Writer) error {
	for {
		sizeLine, err := readLine(r)
		if err != nil {
			return err
		}
		if _, err := w.WriteString(sizeLine + "\r\n"); err != nil {
			return err
		}
		var size int64
		if _, err := fmt.Sscanf(sizeLine, "%x", &size); err != nil {
			return fmt.Errorf("malformed chunk size %q: %w", sizeLine, err)
		}
		if size == 0 {
			// trailing CRLF after the zero chunk.
			line, err := readLine(r)
			if err != nil {
				return err
			}
			_, err = w.WriteString(line + "\r\n")
			return err
		}
		if _, err := io.CopyN(w, r, size); err != nil {
			return err
		}
		trailer, err := readLine(r)
		if err != nil {
			return err
		}
		if _, err := w.WriteString(trailer + "\r\n"); err != nil {
			return err
		}
	}
}

func writeSimpleResponse(w *bufio.Writer, code int, reason string) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", code, reason)
	w.Flush()
}
