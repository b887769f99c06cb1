package control

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/relayd-project/relayd/pkg/ipc"
)

// Client is the relayctl-side control socket connection.
type Client struct {
	ch *ipc.Channel
}

// Dial connects to a relayd control socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", path, err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("control: %s is not a unix socket", path)
	}
	return &Client{ch: ipc.NewChannel(uc)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.ch.Close() }

// Records issues a command and streams back every TypeRecord reply as
// raw JSON until TypeEnd, invoking onRecord for each one. Returns the
// server's error if it replied TypeFail.
func (c *Client) Records(t ipc.Type, req any, onRecord func(raw json.RawMessage) error) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := c.ch.Send(t, 0, payload, nil); err != nil {
		return fmt.Errorf("control: send: %w", err)
	}
	for {
		msg, err := c.ch.NextFramed()
		if err != nil {
			return fmt.Errorf("control: recv: %w", err)
		}
		switch msg.Header.Type {
		case ipc.TypeRecord:
			if onRecord != nil {
				if err := onRecord(json.RawMessage(msg.Payload)); err != nil {
					return err
				}
			}
		case ipc.TypeEnd:
			return nil
		case ipc.TypeFail:
			return fmt.Errorf("relayd: %s", string(msg.Payload))
		default:
			return fmt.Errorf("control: unexpected reply %s", msg.Header.Type)
		}
	}
}

// Show issues a SHOW command and passes each record, one per line, to
// onRecord as raw JSON; the caller decodes it into the target-specific
// record shape (HostRecord, RelayRecord, SessionRecord, RedirectRecord or
// SummaryRecord), since the shape depends on target.
func (c *Client) Show(target string, onRecord func(raw json.RawMessage) error) error {
	return c.Records(ipc.TypeCtlShow, ShowRequest{Target: target}, onRecord)
}

// Host issues a HOST enable/disable command.
func (c *Client) Host(req HostRequest) error {
	return c.Records(ipc.TypeCtlHost, req, nil)
}

// Table issues a TABLE enable/disable command.
func (c *Client) Table(req TableRequest) error {
	return c.Records(ipc.TypeCtlTable, req, nil)
}

// Reload issues a RELOAD command.
func (c *Client) Reload(file string) error {
	return c.Records(ipc.TypeCtlReload, ReloadRequest{File: file}, nil)
}

// Reset issues a RESET command.
func (c *Client) Reset(scope string) error {
	return c.Records(ipc.TypeCtlReset, ResetRequest{Scope: scope}, nil)
}

// Log issues a LOG command.
func (c *Client) Log(verbose bool) error {
	return c.Records(ipc.TypeCtlLog, LogRequest{Verbose: verbose}, nil)
}

// Monitor issues a MONITOR command and streams records forever (until
// the connection is closed or an error occurs), calling onRecord for each
// HOST_STATUS-derived record the parent broadcasts.
func (c *Client) Monitor(onRecord func(raw json.RawMessage) error) error {
	if err := c.ch.Send(ipc.TypeCtlMonitor, 0, nil, nil); err != nil {
		return fmt.Errorf("control: send MONITOR: %w", err)
	}
	for {
		msg, err := c.ch.NextFramed()
		if err != nil {
			return fmt.Errorf("control: recv: %w", err)
		}
		if msg.Header.Type != ipc.TypeRecord {
			continue
		}
		if onRecord != nil {
			if err := onRecord(json.RawMessage(msg.Payload)); err != nil {
				return err
			}
		}
	}
}
