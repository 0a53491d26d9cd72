package localdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nodekeeper/keeper/internal/pidfile"
)

// pgQuerier is the subset of *pgxpool.Pool the sampler calls, mirroring
// the monitor package's own querier seam so facts sampling is testable
// against a fake without a live server.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// PgxFactsSampler refreshes Facts by querying the local database directly,
// the short-lived-connection-per-call style monitor.Client uses against
// the monitor. It never persists anything it reads: every tick re-derives
// Facts from scratch.
type PgxFactsSampler struct {
	pool            pgQuerier
	replicationUser string

	// postmasterState reports whether the local postmaster is up, and the
	// pid/port it last recorded, without needing a working client
	// connection: a down database must still be observable so the loop
	// can drive a restart instead of erroring out of the tick. Set by
	// NewPgxFactsSampler to read postmaster.pid; tests substitute a fake.
	postmasterState func() (pid, port int, running bool, err error)
}

// NewPgxFactsSampler builds a sampler against an already-open pool to the
// local database and pgDataDir's postmaster.pid, the file pg_ctl/the
// postmaster itself writes on startup and removes on a clean shutdown.
func NewPgxFactsSampler(pool *pgxpool.Pool, pgDataDir, replicationUser string) *PgxFactsSampler {
	pidPath := filepath.Join(pgDataDir, "postmaster.pid")
	return &PgxFactsSampler{
		pool:            pool,
		replicationUser: replicationUser,
		postmasterState: func() (int, int, bool, error) { return readPostmasterPID(pidPath) },
	}
}

// readPostmasterPID parses postmaster.pid the way pg_ctl status does: line
// 1 is the postmaster's pid, line 4 is the port it bound. A missing file
// means the database is down, not an error; a pid the file names but that
// no longer answers to signal 0 means a stale file left by an unclean
// shutdown, also reported as down.
func readPostmasterPID(path string) (pid, port int, running bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, false, nil
		}
		return 0, 0, false, fmt.Errorf("localdb: reading %s: %w", path, err)
	}
	lines := strings.Split(string(b), "\n")
	if len(lines) < 4 {
		return 0, 0, false, fmt.Errorf("localdb: malformed postmaster.pid at %s", path)
	}
	pid, err = strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, 0, false, fmt.Errorf("localdb: parsing postmaster pid in %s: %w", path, err)
	}
	port, err = strconv.Atoi(strings.TrimSpace(lines[3]))
	if err != nil {
		return 0, 0, false, fmt.Errorf("localdb: parsing postmaster port in %s: %w", path, err)
	}
	return pid, port, pidfile.Alive(pid), nil
}

// Sample implements FactsSampler.
func (s *PgxFactsSampler) Sample(ctx context.Context) (Facts, error) {
	var f Facts

	pid, port, running, err := s.postmasterState()
	if err != nil {
		return Facts{}, fmt.Errorf("localdb: checking postmaster state: %w", err)
	}
	f.PidFilePID = pid
	f.PidFilePort = port
	f.PgIsRunning = running
	if !running {
		return f, nil
	}

	row := s.pool.QueryRow(ctx, `select pg_is_in_recovery()`)
	if err := row.Scan(&f.IsInRecovery); err != nil {
		return Facts{}, fmt.Errorf("localdb: sampling pg_is_in_recovery: %w", err)
	}

	if f.IsInRecovery {
		row := s.pool.QueryRow(ctx, `select pg_last_wal_replay_lsn()::text`)
		if err := row.Scan(&f.CurrentLSN); err != nil {
			return Facts{}, fmt.Errorf("localdb: sampling replay lsn: %w", err)
		}
	} else {
		row := s.pool.QueryRow(ctx, `select pg_current_wal_lsn()::text`)
		if err := row.Scan(&f.CurrentLSN); err != nil {
			return Facts{}, fmt.Errorf("localdb: sampling current lsn: %w", err)
		}
	}

	users, syncState, err := s.sampleReplicationStatus(ctx)
	if err != nil {
		return Facts{}, err
	}
	f.ConnectedReplicationUsers = users
	f.ReplicationSyncState = syncState

	row = s.pool.QueryRow(ctx, `select system_identifier, pg_control_version, catalog_version_no from pg_control_system()`)
	if err := row.Scan(&f.SystemIdentifier, &f.PgControlVersion, &f.CatalogVersionNo); err != nil {
		return Facts{}, fmt.Errorf("localdb: sampling pg_control_system: %w", err)
	}

	return f, nil
}

// sampleReplicationStatus reads pg_stat_replication, which is only
// meaningful on a primary: a standby sees an empty set, which is exactly
// what the partition check's Facts.ReplicaConnected test expects there.
func (s *PgxFactsSampler) sampleReplicationStatus(ctx context.Context) ([]string, string, error) {
	rows, err := s.pool.Query(ctx, `select usename, coalesce(sync_state, '') from pg_stat_replication`)
	if err != nil {
		return nil, "", fmt.Errorf("localdb: sampling pg_stat_replication: %w", err)
	}
	defer rows.Close()

	var users []string
	var syncState string
	for rows.Next() {
		var usename, state string
		if err := rows.Scan(&usename, &state); err != nil {
			return nil, "", fmt.Errorf("localdb: scanning pg_stat_replication: %w", err)
		}
		users = append(users, usename)
		if usename == s.replicationUser {
			syncState = state
		}
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("localdb: reading pg_stat_replication: %w", err)
	}
	return users, syncState, nil
}

var _ FactsSampler = (*PgxFactsSampler)(nil)
