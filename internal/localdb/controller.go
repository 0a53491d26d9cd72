// Package localdb owns everything the keeper does to its local database:
// sampling its facts, driving it through a separate controller subprocess,
// maintaining replication slots, diffing HBA rules, and rewriting standby
// configuration. The database process itself is never touched directly;
// it is addressed only through the Controller collaborator, by shelling
// out to a sibling binary rather than linking against it.
package localdb

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/nodekeeper/keeper/internal/eventlog"
)

// Controller is the process-level collaborator that owns start/stop of the
// local database. The keeper never manipulates the database server
// directly: it asks this controller, which in production is a separate
// supervised subprocess, restarted by the supervisor on exit.
type Controller interface {
	IsRunning(ctx context.Context) (bool, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Checkpoint(ctx context.Context) error
	Reload(ctx context.Context) error
}

// FactsSampler refreshes Facts from the running database every tick. Its
// production implementation queries pg_stat_replication, pg_control, and
// the PID file; the database connection itself lives outside this
// package's scope: the database server itself is assumed controllable
// only via a separate subprocess supervisor.
type FactsSampler interface {
	Sample(ctx context.Context) (Facts, error)
}

// SubprocessController drives a sibling controller binary by invoking it
// once per request and reading its stdout, a short-lived exec.Command
// invocation per call.
type SubprocessController struct {
	binary string
	pgdata string
}

// NewSubprocessController resolves binary on PATH once at construction, so
// a missing controller binary fails fast at startup rather than on the
// first tick.
func NewSubprocessController(binary, pgdata string) (*SubprocessController, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("localdb: controller binary %q not found: %w", binary, err)
	}
	eventlog.Info(eventlog.ComponentLocalDB, "controller_resolved", "using database controller at %s", path)
	return &SubprocessController{binary: path, pgdata: pgdata}, nil
}

func (s *SubprocessController) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, s.binary, append([]string{"--pgdata", s.pgdata}, args...)...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", err
	}

	var lastLine string
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		lastLine = scanner.Text()
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	if waitErr != nil {
		return "", fmt.Errorf("localdb: %s %v: %w: %s", s.binary, args, waitErr, stderr.String())
	}
	if scanErr != nil {
		return "", fmt.Errorf("localdb: reading %s output: %w", s.binary, scanErr)
	}
	return lastLine, nil
}

func (s *SubprocessController) IsRunning(ctx context.Context) (bool, error) {
	out, err := s.run(ctx, "status")
	if err != nil {
		return false, err
	}
	return out == "running", nil
}

func (s *SubprocessController) Start(ctx context.Context) error {
	_, err := s.run(ctx, "start")
	return err
}

func (s *SubprocessController) Stop(ctx context.Context) error {
	_, err := s.run(ctx, "stop")
	return err
}

func (s *SubprocessController) Restart(ctx context.Context) error {
	_, err := s.run(ctx, "restart")
	return err
}

func (s *SubprocessController) Checkpoint(ctx context.Context) error {
	_, err := s.run(ctx, "checkpoint")
	return err
}

func (s *SubprocessController) Reload(ctx context.Context) error {
	_, err := s.run(ctx, "reload")
	return err
}

// Facts is the local database's refreshed-every-tick state. It is never
// persisted: it is resampled from scratch each iteration.
type Facts struct {
	PgIsRunning          bool
	IsInRecovery         bool
	CurrentLSN           string
	ReplicationSyncState string
	PidFilePID           int
	PidFilePort          int

	// Database identity cache, read from pg_control_system() and compared
	// against the persisted KeeperState every tick: a changed
	// SystemIdentifier is fatal (see state.ValidateSystemIdentifier), the
	// other two fields are cached informationally.
	SystemIdentifier uint64
	PgControlVersion uint32
	CatalogVersionNo uint32

	// FirstFailureAt is zero until the first observed start failure while
	// the role expects the database to be up; ConsecutiveStartRetries
	// counts attempts since then. ensureCurrentState resets both on a
	// successful start.
	FirstFailureAt          time.Time
	ConsecutiveStartRetries int

	// ConnectedReplicationUsers lists the usenames currently attached in
	// the local replication-status view. The FSM's partition policy
	// checks this for the configured replication user to decide whether a
	// primary still has a standby attached.
	ConnectedReplicationUsers []string
}

// ReplicaConnected reports whether replicationUser appears as a connected
// application in the local replication-status view.
func (f Facts) ReplicaConnected(replicationUser string) bool {
	for _, u := range f.ConnectedReplicationUsers {
		if u == replicationUser {
			return true
		}
	}
	return false
}
