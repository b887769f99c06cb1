// relayd is the privilege-separated load-balancing relay daemon
// (spec.md §1/§2). The binary plays two roles depending on how it is
// invoked: run directly, it is the privileged parent that loads
// configuration and supervises every worker; re-exec'd by its own
// parent with --role/--instance, it drops into the named worker's
// Engine and blocks in supervisor.Worker.Run.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/relayd-project/relayd/pkg/ca"
	"github.com/relayd-project/relayd/pkg/config"
	"github.com/relayd-project/relayd/pkg/control"
	"github.com/relayd-project/relayd/pkg/hce"
	"github.com/relayd-project/relayd/pkg/ipc"
	"github.com/relayd-project/relayd/pkg/logging"
	"github.com/relayd-project/relayd/pkg/metrics"
	"github.com/relayd-project/relayd/pkg/model"
	"github.com/relayd-project/relayd/pkg/pfe"
	"github.com/relayd-project/relayd/pkg/pfe/ebpf"
	"github.com/relayd-project/relayd/pkg/relay"
	"github.com/relayd-project/relayd/pkg/supervisor"
)

func main() {
	pflag.CommandLine = pflag.NewFlagSet("relayd", pflag.ExitOnError)

	if role, instance, ok := takeRoleArgs(os.Args[1:]); ok {
		if err := runChild(role, instance); err != nil {
			fmt.Fprintln(os.Stderr, "relayd:", err)
			os.Exit(1)
		}
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// takeRoleArgs scans for the internal --role/--instance pair
// supervisor.spawn passes to a re-exec'd child (parent.go's spawn). A
// bare relayd invocation never carries these, so their absence is how
// the parent path is told apart from a worker path.
func takeRoleArgs(args []string) (role string, instance int, ok bool) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-role", "--role":
			if i+1 < len(args) {
				role = args[i+1]
				ok = true
			}
		case "-instance", "--instance":
			if i+1 < len(args) {
				instance, _ = strconv.Atoi(args[i+1])
			}
		}
	}
	return role, instance, ok
}

func runChild(roleStr string, instance int) error {
	role, err := supervisor.ParseRole(roleStr)
	if err != nil {
		return err
	}
	id := supervisor.WorkerID{Role: role, Instance: instance}
	log := newLogger(false)

	switch role {
	case supervisor.RoleHCE:
		return runHCEChild(id, log)
	case supervisor.RoleCA:
		return runCAChild(id, log)
	}

	var engine supervisor.Engine
	switch role {
	case supervisor.RolePFE:
		engine, err = newPFEEngine(id, log)
	case supervisor.RoleRelay:
		engine, err = newRelayEngine(id, log)
	default:
		return fmt.Errorf("relayd: role %s cannot be a worker", role)
	}
	if err != nil {
		return err
	}

	worker, err := supervisor.NewWorker(id, engine, log)
	if err != nil {
		return err
	}
	return worker.Run(context.Background())
}

// runHCEChild is split out of the common engine-then-worker path because
// hce.NewEngine's onStatus callback needs to push over the worker's own
// supervisory channel (spec.md §2: HOST_STATUS goes to PFE and parent),
// and that channel does not exist until after supervisor.NewWorker runs.
func runHCEChild(id supervisor.WorkerID, log *slog.Logger) error {
	peer, err := supervisor.PeerChannel(id)
	if err != nil {
		return err
	}

	var worker *supervisor.Worker
	onStatus := func(tableID model.ObjID, host *model.Host) {
		if peer != nil {
			if b, err := pfe.EncodeHostStatus(tableID, host); err == nil {
				if err := peer.Send(ipc.TypeHostStatus, 0, b, nil); err != nil {
					log.Error("hce: push host status to pfe", "err", err)
				}
			}
		}
		if worker != nil {
			if b, err := json.Marshal(hceStatusPayload{TableID: tableID, Host: host}); err == nil {
				if err := worker.Channel().Send(ipc.TypeHostStatus, 0, b, nil); err != nil {
					log.Error("hce: push host status to parent", "err", err)
				}
			}
		}
	}

	engine := hce.NewEngine(onStatus, log)
	w, err := supervisor.NewWorker(id, engine, log)
	if err != nil {
		return err
	}
	worker = w
	engine.SetScriptRunner(func(ctx context.Context, path, addr string, port uint16, timeout time.Duration) (int, error) {
		return worker.RunScript(ctx, path, addr, port, timeout)
	})
	return worker.Run(context.Background())
}

// runCAChild is split out of the common engine-then-worker path for the
// same reason runHCEChild is: ca.Engine's cert-rotation notifier needs
// to push over the worker's own supervisory channel (spec.md §4.4
// supplement), which does not exist until after supervisor.NewWorker
// returns.
func runCAChild(id supervisor.WorkerID, log *slog.Logger) error {
	peer, err := supervisor.PeerChannel(id)
	if err != nil {
		return err
	}
	engine := ca.NewEngine(id.Instance, peer, log)

	worker, err := supervisor.NewWorker(id, engine, log)
	if err != nil {
		return err
	}
	engine.SetCertChangeNotifier(func() error {
		return worker.Channel().Send(ipc.TypeCtlCertChanged, 0, nil, nil)
	})
	return worker.Run(context.Background())
}

func newPFEEngine(id supervisor.WorkerID, log *slog.Logger) (supervisor.Engine, error) {
	peer, err := supervisor.PeerChannel(id)
	if err != nil {
		return nil, err
	}
	backend, err := ebpf.New(4096)
	if err != nil {
		log.Warn("pfe: eBPF backend unavailable, falling back to in-memory", "err", err)
		return pfe.NewEngine(pfe.NewMemoryBackend(), peer, log), nil
	}
	return pfe.NewEngine(backend, peer, log), nil
}

// hceStatusPayload mirrors the anonymous struct parent.go's
// handleHostStatus decodes: HCE's own supervisory channel carries the
// same shape HOST_STATUS takes on the HCE<->PFE peer channel
// (pfe.EncodeHostStatus), just addressed to the parent instead.
type hceStatusPayload struct {
	TableID model.ObjID
	Host    *model.Host
}

func newRelayEngine(id supervisor.WorkerID, log *slog.Logger) (supervisor.Engine, error) {
	peer, err := supervisor.PeerChannel(id)
	if err != nil {
		return nil, err
	}
	return relay.NewEngine(id.Instance, peer, log), nil
}

func newLogger(verbose bool) *slog.Logger {
	return slog.New(newTextHandler(verbose))
}

func newTextHandler(verbose bool) slog.Handler {
	lvl := slog.LevelInfo
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
}

// newSyslogSink dials addr (host:port) and wraps it as a slog.Handler,
// or returns (nil, nil, nil) when addr is empty -- syslog output is
// opt-in (spec.md §6 domain-stack addition).
func newSyslogSink(addr, facility string, verbose bool) (slog.Handler, *logging.SyslogClient, error) {
	if addr == "" {
		return nil, nil, nil
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("syslog addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, nil, fmt.Errorf("syslog addr: %w", err)
	}
	client, err := logging.NewSyslogClient(host, port)
	if err != nil {
		return nil, nil, err
	}
	client.Facility = logging.ParseFacility(facility)
	if !verbose {
		client.MinSeverity = logging.SyslogWarning
	}
	return logging.NewSyslogHandler(client), client, nil
}

func newRootCmd() *cobra.Command {
	var (
		configFile     string
		socketPath     string
		metricsAddr    string
		syslogAddr     string
		syslogFacility string
		scriptUser     string
		defines        map[string]string
		checkOnly      bool
		debug          bool
		verbose        bool
	)

	cmd := &cobra.Command{
		Use:   "relayd",
		Short: "Privilege-separated load-balancing relay daemon",
		Long: `relayd load-balances and relays TCP/UDP/HTTP traffic across tables of
backend hosts, terminating and re-originating TLS where configured.
It supervises a pool of unprivileged per-role worker processes (pfe,
hce, relay, ca) rather than doing any of that work itself.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if checkOnly {
				if _, err := config.LoadWithDefines(configFile, defines); err != nil {
					return err
				}
				fmt.Println("configuration OK")
				return nil
			}
			return runParent(parentOpts{
				configFile:     configFile,
				socketPath:     socketPath,
				metricsAddr:    metricsAddr,
				syslogAddr:     syslogAddr,
				syslogFacility: syslogFacility,
				scriptUser:     scriptUser,
				defines:        defines,
				verbose:        debug || verbose,
			})
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "f", "/etc/relayd.conf", "configuration file")
	cmd.Flags().StringVarP(&socketPath, "socket", "S", "/var/run/relayd.sock", "control socket path")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9099", "loopback address to serve /metrics on")
	cmd.Flags().StringVar(&syslogAddr, "syslog", "", "host:port of a syslog collector to additionally log to (disabled if empty)")
	cmd.Flags().StringVar(&syslogFacility, "syslog-facility", "daemon", "syslog facility name for --syslog")
	cmd.Flags().StringVar(&scriptUser, "script-user", "", "unprivileged user to run SCRIPT health checks as (runs as relayd itself if empty)")
	cmd.Flags().StringToStringVarP(&defines, "define", "D", nil, "macro=value, injected ahead of the config file's own definitions")
	cmd.Flags().BoolVarP(&checkOnly, "check", "n", false, "parse the configuration and exit")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "run in the foreground with debug logging")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	return cmd
}

// parentOpts collects runParent's flags so wiring another log sink or
// socket doesn't grow its argument list further.
type parentOpts struct {
	configFile     string
	socketPath     string
	metricsAddr    string
	syslogAddr     string
	syslogFacility string
	scriptUser     string
	defines        map[string]string
	verbose        bool
}

func runParent(o parentOpts) error {
	textHandler := newTextHandler(o.verbose)
	syslogHandler, syslogClient, err := newSyslogSink(o.syslogAddr, o.syslogFacility, o.verbose)
	if err != nil {
		return fmt.Errorf("syslog: %w", err)
	}
	var handler slog.Handler = textHandler
	if syslogHandler != nil {
		handler = logging.NewMultiHandler(textHandler, syslogHandler)
		defer syslogClient.Close()
	}
	log := slog.New(handler)

	opts := supervisor.Options{ConfigFile: o.configFile, Defines: o.defines, ScriptUser: o.scriptUser}
	parent := supervisor.New(opts, log)

	reg := metrics.New()
	ctrl := control.NewServer(o.socketPath, parent, reg, log)
	if syslogClient != nil {
		ctrl.SetLogHandler(func(verbose bool) {
			if verbose {
				syslogClient.MinSeverity = logging.SyslogInfo
			} else {
				syslogClient.MinSeverity = logging.SyslogWarning
			}
		})
	}
	parent.OnHostStatus(func(tableName string, host *model.Host) {
		ctrl.BroadcastHostStatus(tableName, host, time.Now())
		reg.HostChecks.WithLabelValues(tableName, host.State.String()).Inc()
		if cfg := parent.Snapshot(); cfg != nil {
			if t := cfg.TableByName(tableName); t != nil {
				up := 0
				for _, h := range t.Hosts {
					if h.State == model.HostUp {
						up++
					}
				}
				reg.HostsUp.WithLabelValues(tableName).Set(float64(up))
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	closeCh := make(chan struct{})
	go func() {
		if err := ctrl.Run(closeCh); err != nil {
			log.Error("control socket exited", "err", err)
		}
	}()
	go func() {
		if err := reg.Serve(ctx, o.metricsAddr, log); err != nil {
			log.Error("metrics server exited", "err", err)
		}
	}()

	err = parent.Run(ctx)
	cancel()
	close(closeCh)
	return err
}
