package relay

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync/atomic"
)

// listenerStats mirrors the teacher's dhcprelay.RelayStats shape: small,
// atomic, read concurrently with the accept loop that mutates it.
type listenerStats struct {
	accepted atomic.Uint64
	rejected atomic.Uint64
}

// runAcceptLoop accepts connections on ln until ctx is cancelled,
// spawning one handleSession goroutine per connection -- the per-relay
// analogue of dhcprelay.runRelay's per-interface accept loop.
func runAcceptLoop(ctx context.Context, ln net.Listener, deps func() sessionDeps, stats *listenerStats, log *slog.Logger) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("accept failed", "err", err)
			continue
		}
		stats.accepted.Add(1)
		go handleSession(ctx, conn, deps())
	}
}

// listen opens the relay's configured listener, wrapping it in TLS when
// tlsConfig is non-nil (the relay has SSL set). tlsConfig is nil for a
// plaintext relay.
func listen(network, addr string, tlsConfig *tls.Config) (net.Listener, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		return tls.NewListener(ln, tlsConfig), nil
	}
	return ln, nil
}
