// Command keeper is the per-node control-plane agent described in this
// repository. Flag parsing uses a flat set of top-level flags plus a
// single positional subcommand argument.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nodekeeper/keeper/internal/config"
	"github.com/nodekeeper/keeper/internal/ctlmetrics"
	"github.com/nodekeeper/keeper/internal/eventlog"
	"github.com/nodekeeper/keeper/internal/fsm"
	"github.com/nodekeeper/keeper/internal/localdb"
	"github.com/nodekeeper/keeper/internal/loop"
	"github.com/nodekeeper/keeper/internal/monitor"
	"github.com/nodekeeper/keeper/internal/pidfile"
	"github.com/nodekeeper/keeper/internal/signalflags"
	"github.com/nodekeeper/keeper/internal/state"
)

// Exit codes: the supervisor tells these apart, restarting on
// ExitMonitorIncompatible and giving up on the rest.
const (
	ExitOK                    = 0
	ExitBadConfig             = 1
	ExitBadPgSetup            = 2
	ExitMonitorIncompatible   = 3
	ExitInternal              = 4
)

// defaultExtensionVersion is the monitor-extension version this build expects;
// overridable for tests via the PG_AUTOCTL_EXTENSION_VERSION environment
// variable.
const defaultExtensionVersion = "1.6"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("keeper", flag.ContinueOnError)
	configPath := fs.String("config", "/etc/keeper/keeper.ini", "path to the keeper configuration file")
	statePath := fs.String("state", "", "path to the keeper state file (defaults under pgdata)")
	pidPath := fs.String("pidfile", "", "path to the keeper pid file (defaults under pgdata)")
	controllerBinary := fs.String("controller", "pg_ctl", "database controller binary to shell out to")
	once := fs.Bool("once", false, "run a single control loop iteration and exit")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage:\n  keeper [flags] <command>\n")
		fmt.Fprintln(os.Stderr, "Commands:\n  run (default)   run the control loop\n  show state      print the on-disk state\n  show config     print the resolved configuration\n  drop            remove this node from the monitor and delete local state\n")
		fmt.Fprintln(os.Stderr, "Flags:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitBadConfig
	}

	command := "run"
	if fs.NArg() > 0 {
		command = fs.Arg(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "keeper: configuration error:", err)
		return ExitBadConfig
	}

	if *statePath == "" {
		*statePath = filepath.Join(cfg.PGData, "keeper.state")
	}
	if *pidPath == "" {
		*pidPath = filepath.Join(cfg.PGData, "keeper.pid")
	}

	switch command {
	case "show":
		return showCommand(fs.Arg(1), cfg, *statePath)
	case "drop":
		return dropCommand(cfg, *statePath, *pidPath)
	case "run":
		return runCommand(cfg, *statePath, *pidPath, *controllerBinary, *configPath, *once, *metricsAddr)
	default:
		fmt.Fprintln(os.Stderr, "keeper: unknown command", command)
		fs.Usage()
		return ExitBadConfig
	}
}

func showCommand(sub string, cfg *config.Config, statePath string) int {
	switch sub {
	case "config":
		b, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, "keeper:", err)
			return ExitInternal
		}
		os.Stdout.Write(b)
		return ExitOK
	case "state":
		ks, err := state.Load(statePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "keeper:", err)
			return ExitInternal
		}
		if ks == nil {
			fmt.Println("no state file yet")
			return ExitOK
		}
		b, err := yaml.Marshal(ks)
		if err != nil {
			fmt.Fprintln(os.Stderr, "keeper:", err)
			return ExitInternal
		}
		os.Stdout.Write(b)
		return ExitOK
	default:
		fmt.Fprintln(os.Stderr, "keeper: usage: keeper show {config|state}")
		return ExitBadConfig
	}
}

// dropCommand implements the explicit drop-node operation: ask the
// monitor to forget this node, then unlink the state file. It refuses
// while the PID file names a live process.
func dropCommand(cfg *config.Config, statePath, pidPath string) int {
	if pid, err := pidfile.Read(pidPath); err == nil && pidfile.Alive(pid) {
		fmt.Fprintf(os.Stderr, "keeper: pid file %s names live process %d; refusing to drop\n", pidPath, pid)
		return ExitInternal
	}

	ks, err := state.Load(statePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "keeper:", err)
		return ExitInternal
	}
	if ks == nil {
		fmt.Println("keeper: no local state; nothing to drop")
		return ExitOK
	}

	ctx := context.Background()
	mon, err := monitor.Dial(ctx, cfg.MonitorURI, expectedExtensionVersion())
	if err != nil {
		fmt.Fprintln(os.Stderr, "keeper: dialing monitor:", err)
		return ExitInternal
	}
	defer mon.Close()

	if err := mon.RemoveNode(ctx, cfg.Hostname, cfg.Port); err != nil {
		fmt.Fprintln(os.Stderr, "keeper: removing node from monitor:", err)
		return ExitInternal
	}
	if err := os.Remove(statePath); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "keeper: removing state file:", err)
		return ExitInternal
	}
	_ = pidfile.Remove(pidPath)
	fmt.Println("keeper: node dropped")
	return ExitOK
}

func runCommand(cfg *config.Config, statePath, pidPath, controllerBinary, configPath string, once bool, metricsAddr string) int {
	ctl, err := localdb.NewSubprocessController(controllerBinary, cfg.PGData)
	if err != nil {
		fmt.Fprintln(os.Stderr, "keeper: bad pg setup:", err)
		return ExitBadPgSetup
	}

	ctx := context.Background()
	localPool, err := pgxpool.New(ctx, localDatabaseURI(cfg))
	if err != nil {
		fmt.Fprintln(os.Stderr, "keeper: bad pg setup:", err)
		return ExitBadPgSetup
	}
	defer localPool.Close()

	if err := pidfile.Write(pidPath); err != nil {
		fmt.Fprintln(os.Stderr, "keeper: writing pid file:", err)
		return ExitInternal
	}
	defer pidfile.Remove(pidPath)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", ctlmetrics.Handler())
		go http.ListenAndServe(metricsAddr, mux)
	}

	flags := signalflags.New()
	stopWatching := flags.Watch()
	defer stopWatching()

	sampler := localdb.NewPgxFactsSampler(localPool, cfg.PGData, cfg.ReplicationUser)
	l := loop.New(cfg, statePath, pidPath, ctl, sampler, flags, expectedExtensionVersion(), cfg.NodeKind, dial)
	l.Once = once
	l.ConfigPath = configPath
	l.HBAWriter = localdb.NewFileHBAWriter(cfg.PGData)
	l.StandbyConfigPath = localdb.DefaultStandbyConfigPath(cfg.PGData)
	l.MaintainSlots = func(ctx context.Context, peers []fsm.PeerLSN, isPrimary bool) error {
		peerNodes := make([]monitor.PeerNode, len(peers))
		for i, p := range peers {
			peerNodes[i] = monitor.PeerNode{NodeID: p.NodeID, LSN: p.LSN}
		}
		return localdb.MaintainSlots(ctx, localPool, peerNodes, isPrimary)
	}

	eventlog.Info(eventlog.ComponentLoop, "loop.start", "keeper starting for pgdata %s", cfg.PGData)

	if err := l.Run(ctx); err != nil {
		if errors.Is(err, loop.ErrVersionMismatch) {
			fmt.Fprintln(os.Stderr, "keeper: monitor extension version mismatch:", err)
			return ExitMonitorIncompatible
		}
		fmt.Fprintln(os.Stderr, "keeper:", err)
		return ExitInternal
	}
	return ExitOK
}

// localDatabaseURI builds the connection string for the keeper's own
// short-lived sampling connections to the local database, on the
// loopback address and configured port a local pg_ctl-managed cluster
// always listens on.
func localDatabaseURI(cfg *config.Config) string {
	return fmt.Sprintf("postgres://%s@localhost:%d/%s?sslmode=%s", cfg.ReplicationUser, cfg.Port, cfg.Dbname, cfg.SSL.Mode)
}

func dial(ctx context.Context, uri, expectedVersion string) (loop.MonitorClient, error) {
	return monitor.Dial(ctx, uri, expectedVersion)
}

func expectedExtensionVersion() string {
	if v := os.Getenv("PG_AUTOCTL_EXTENSION_VERSION"); v != "" {
		return v
	}
	return defaultExtensionVersion
}

