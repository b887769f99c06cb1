// Package cli implements relayctl's interactive operational shell.
// relayd has no candidate/commit configuration model of its own (config
// only ever comes from a file, reloaded in one shot via RELOAD), so this
// is a read-only "show"-style shell: a prompt loop dispatching into a
// control.Client, with no config-mode half to speak of.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/relayd-project/relayd/pkg/control"
)

// CLI is the interactive relayctl shell.
type CLI struct {
	rl       *readline.Instance
	client   *control.Client
	hostname string
	username string
}

// New creates a new CLI driving client.
func New(client *control.Client) *CLI {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "relayd"
	}
	username := os.Getenv("USER")
	if username == "" {
		username = "root"
	}

	return &CLI{
		client:   client,
		hostname: hostname,
		username: username,
	}
}

// Run starts the interactive CLI loop.
func (c *CLI) Run() error {
	var err error
	c.rl, err = readline.NewEx(&readline.Config{
		Prompt:          c.prompt(),
		HistoryFile:     "/tmp/relayctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer c.rl.Close()

	fmt.Println("relayctl - relayd control shell")
	fmt.Println("Type '?' for help")
	fmt.Println()

	for {
		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.dispatch(line); err != nil {
			if err == errExit {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
	return nil
}

var errExit = fmt.Errorf("exit")

func (c *CLI) dispatch(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "show":
		return c.handleShow(parts[1:])

	case "host":
		return c.handleHost(parts[1:])

	case "table":
		return c.handleTable(parts[1:])

	case "reload":
		var file string
		if len(parts) >= 2 {
			file = parts[1]
		}
		if err := c.client.Reload(file); err != nil {
			return err
		}
		fmt.Println("reload requested")
		return nil

	case "reset":
		scope := "all"
		if len(parts) >= 2 {
			scope = parts[1]
		}
		if err := c.client.Reset(scope); err != nil {
			return err
		}
		fmt.Println("reset", scope)
		return nil

	case "log":
		if len(parts) < 2 {
			return fmt.Errorf("log: specify brief or verbose")
		}
		return c.client.Log(parts[1] == "verbose")

	case "monitor":
		return c.handleMonitor()

	case "quit", "exit":
		return errExit

	case "?", "help":
		c.showHelp()
		return nil

	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (c *CLI) handleShow(args []string) error {
	target := "summary"
	if len(args) > 0 {
		target = args[0]
	}
	return c.client.Show(target, func(raw json.RawMessage) error {
		fmt.Println(formatRecord(raw))
		return nil
	})
}

func (c *CLI) handleHost(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("host <enable|disable> <id>")
	}
	id, enable, err := parseHostTableArgs(args)
	if err != nil {
		return err
	}
	return c.client.Host(control.HostRequest{ID: id, Enable: enable})
}

func (c *CLI) handleTable(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("table <enable|disable> <id>")
	}
	id, enable, err := parseHostTableArgs(args)
	if err != nil {
		return err
	}
	return c.client.Table(control.TableRequest{ID: id, Enable: enable})
}

// handleMonitor drops into MONITOR mode until the process receives
// SIGINT (Ctrl-C exits the whole shell here, same as the dedicated
// relayctl monitor subcommand -- there is no way back to the prompt
// short of reconnecting, since the control socket has one outstanding
// request at a time).
func (c *CLI) handleMonitor() error {
	fmt.Println("monitoring host state transitions, ^C to stop")
	return c.client.Monitor(func(raw json.RawMessage) error {
		fmt.Println(formatRecord(raw))
		return nil
	})
}

func formatRecord(raw json.RawMessage) string {
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		return string(raw)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Sprint(rec)
	}
	return string(b)
}

func (c *CLI) prompt() string {
	return fmt.Sprintf("%s@%s> ", c.username, c.hostname)
}

func (c *CLI) showHelp() {
	fmt.Println("Commands:")
	fmt.Println("  show [summary|hosts|relays|sessions|redirects]")
	fmt.Println("  host <enable|disable> <id>")
	fmt.Println("  table <enable|disable> <id>")
	fmt.Println("  reload [file]")
	fmt.Println("  reset [all|hosts|rules]")
	fmt.Println("  log <brief|verbose>")
	fmt.Println("  monitor")
	fmt.Println("  quit")
}
