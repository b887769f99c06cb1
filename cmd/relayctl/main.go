// relayctl is the control-socket client for relayd (spec.md §6): a
// one-shot command for scripting (relayctl show hosts), a streaming
// "monitor" for watching host transitions live, and an interactive
// "shell" for operators who want a prompt.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/relayd-project/relayd/pkg/cli"
	"github.com/relayd-project/relayd/pkg/control"
)

func main() {
	pflag.CommandLine = pflag.NewFlagSet("relayctl", pflag.ExitOnError)

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relayctl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var socketPath string

	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Control relayd over its control socket",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&socketPath, "socket", "S", "/var/run/relayd.sock", "control socket path")

	root.AddCommand(
		newShowCmd(&socketPath),
		newHostCmd(&socketPath),
		newTableCmd(&socketPath),
		newReloadCmd(&socketPath),
		newResetCmd(&socketPath),
		newLogCmd(&socketPath),
		newMonitorCmd(&socketPath),
		newShellCmd(&socketPath),
	)
	return root
}

func dial(socketPath *string) (*control.Client, error) {
	return control.Dial(*socketPath)
}

// printRecords decodes each streamed record into a map so it can be
// printed without relayctl needing to know the target-specific shape
// up front; good enough for a CLI, unlike the JSON-typed decoding a
// library consumer of pkg/control would want.
func printRecords(c *control.Client, target string) error {
	return c.Show(target, func(raw json.RawMessage) error {
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

func newShowCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:       "show [summary|hosts|relays|sessions|redirects]",
		Short:     "Show relayd state",
		ValidArgs: []string{"summary", "hosts", "relays", "sessions", "redirects"},
		Args:      cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "summary"
			if len(args) > 0 {
				target = args[0]
			}
			c, err := dial(socketPath)
			if err != nil {
				return err
			}
			defer c.Close()
			return printRecords(c, target)
		},
	}
}

func newHostCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "host <enable|disable> <id>",
		Short: "Enable or disable a host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseObjID(args[1])
			if err != nil {
				return err
			}
			enable, err := parseEnable(args[0])
			if err != nil {
				return err
			}
			c, err := dial(socketPath)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Host(control.HostRequest{ID: id, Enable: enable})
		},
	}
}

func newTableCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "table <enable|disable> <id>",
		Short: "Enable or disable a table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseObjID(args[1])
			if err != nil {
				return err
			}
			enable, err := parseEnable(args[0])
			if err != nil {
				return err
			}
			c, err := dial(socketPath)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Table(control.TableRequest{ID: id, Enable: enable})
		},
	}
}

func newReloadCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reload [file]",
		Short: "Reload configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var file string
			if len(args) > 0 {
				file = args[0]
			}
			c, err := dial(socketPath)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Reload(file); err != nil {
				return err
			}
			fmt.Println("reload requested")
			return nil
		},
	}
}

func newResetCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:       "reset [all|hosts|rules]",
		Short:     "Reset relayd state",
		ValidArgs: []string{"all", "hosts", "rules"},
		Args:      cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := "all"
			if len(args) > 0 {
				scope = args[0]
			}
			c, err := dial(socketPath)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Reset(scope); err != nil {
				return err
			}
			fmt.Println("reset", scope)
			return nil
		},
	}
}

func newLogCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:       "log <brief|verbose>",
		Short:     "Set relayd's log verbosity",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"brief", "verbose"},
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose := args[0] == "verbose"
			c, err := dial(socketPath)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Log(verbose)
		},
	}
}

func newMonitorCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Stream host state transitions until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(socketPath)
			if err != nil {
				return err
			}
			defer c.Close()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			done := make(chan error, 1)
			go func() {
				done <- c.Monitor(func(raw json.RawMessage) error {
					fmt.Println(formatRecord(raw))
					return nil
				})
			}()

			select {
			case <-sigCh:
				return nil
			case err := <-done:
				return err
			}
		},
	}
}

func newShellCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive relayctl session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(socketPath)
			if err != nil {
				return err
			}
			defer c.Close()
			return cli.New(c).Run()
		},
	}
}
