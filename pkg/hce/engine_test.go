package hce

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/relayd-project/relayd/pkg/model"
)

func listenLoopback(t *testing.T) (net.Listener, uint16) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	return ln, uint16(ln.Addr().(*net.TCPAddr).Port)
}

func TestEngineMarksHostUpAfterRetryThreshold(t *testing.T) {
	ln, port := listenLoopback(t)
	defer ln.Close()

	var mu sync.Mutex
	var transitions int

	eng := NewEngine(func(model.ObjID, *model.Host) {
		mu.Lock()
		transitions++
		mu.Unlock()
	}, slog.Default())

	host := &model.Host{Name: "127.0.0.1", Addr: mustAddr(t, "127.0.0.1"), Port: port}
	table := &model.Table{ID: 1, Name: "t1", Method: model.CheckTCP, Retry: 2, CheckInterval: 20 * time.Millisecond, Hosts: []*model.Host{host}}
	cfg := model.NewConfig()
	cfg.Tables = append(cfg.Tables, table)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go func() {
		eng.Apply(cfg)
		eng.Run(ctx)
	}()

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := transitions
		mu.Unlock()
		if n > 0 && host.State == model.HostUp {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("host never transitioned to up, state=%v", host.State)
}

func TestEngineMarksHostDownWhenUnreachable(t *testing.T) {
	eng := NewEngine(nil, slog.Default())

	host := &model.Host{Name: "127.0.0.1", Addr: mustAddr(t, "127.0.0.1"), Port: 1}
	table := &model.Table{ID: 1, Name: "t1", Method: model.CheckTCP, Retry: 1, CheckInterval: 20 * time.Millisecond, CheckTimeout: 50 * time.Millisecond, Hosts: []*model.Host{host}}
	cfg := model.NewConfig()
	cfg.Tables = append(cfg.Tables, table)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	go func() {
		eng.Apply(cfg)
		eng.Run(ctx)
	}()

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		if host.State == model.HostDown {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("host never transitioned to down, state=%v", host.State)
}

func TestEngineSkipsDisabledTables(t *testing.T) {
	eng := NewEngine(nil, slog.Default())

	host := &model.Host{Name: "127.0.0.1", Addr: mustAddr(t, "127.0.0.1"), Port: 1}
	table := &model.Table{ID: 1, Name: "t1", Method: model.CheckTCP, Flags: model.TableFlagDisabled, Retry: 1, CheckInterval: 10 * time.Millisecond, Hosts: []*model.Host{host}}
	cfg := model.NewConfig()
	cfg.Tables = append(cfg.Tables, table)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	eng.Apply(cfg)
	go eng.Run(ctx)

	time.Sleep(120 * time.Millisecond)
	if host.State != model.HostUnknown {
		t.Fatalf("disabled table's host should never be probed, state=%v", host.State)
	}
}
