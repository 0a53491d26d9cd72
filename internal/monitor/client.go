// Package monitor is the keeper's typed client for the monitor's remote
// procedures. It wraps a short-lived connection pool to the monitor's
// Postgres-hosted extension: short-lived connections simplify failure
// handling, since each control loop iteration dials its own pool and
// closes it at the end of the iteration.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nodekeeper/keeper/internal/nodestate"
	"github.com/nodekeeper/keeper/internal/retry"
)

// querier is the subset of *pgxpool.Pool this package calls. Isolating it
// behind an interface lets tests exercise retry/classification behavior
// against a fake, without a real Postgres server.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Close()
}

// AssignedState is the row shape every registration/heartbeat RPC
// returns.
type AssignedState struct {
	NodeID            int64
	GroupID           int64
	State             nodestate.State
	CandidatePriority int
	ReplicationQuorum bool
}

// ExtensionVersion reports the monitor extension's default and installed
// versions, per the getExtensionVersion RPC.
type ExtensionVersion struct {
	DefaultVersion   string
	InstalledVersion string
}

// Client is the keeper's monitor RPC client.
type Client struct {
	pool       querier
	mainLoop   *retry.Policy
	monitorInt *retry.Policy
	init       *retry.Policy

	// expectedExtensionVersion is the version compiled into this build.
	// CheckCompatibility compares it against the monitor's installed
	// version on every tick.
	expectedExtensionVersion string
}

// Dial opens a connection pool to the monitor at uri. Callers are
// expected to Close the client at the end of each control loop
// iteration rather than hold it open.
func Dial(ctx context.Context, uri string, expectedExtensionVersion string) (*Client, error) {
	pool, err := pgxpool.New(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("monitor: dial: %w", err)
	}
	return newClient(pool, expectedExtensionVersion), nil
}

func newClient(pool querier, expectedExtensionVersion string) *Client {
	return &Client{
		pool:                     pool,
		mainLoop:                 retry.MainLoop(),
		monitorInt:               retry.MonitorInteractive(),
		init:                     retry.Init(),
		expectedExtensionVersion: expectedExtensionVersion,
	}
}

// Close releases the underlying connection pool.
func (c *Client) Close() {
	c.pool.Close()
}

func scanAssignedState(row pgx.Row, withName bool) (AssignedState, string, error) {
	var as AssignedState
	var stateText string
	var name string

	var err error
	if withName {
		err = row.Scan(&as.NodeID, &as.GroupID, &stateText, &as.CandidatePriority, &as.ReplicationQuorum, &name)
	} else {
		err = row.Scan(&as.NodeID, &as.GroupID, &stateText, &as.CandidatePriority, &as.ReplicationQuorum)
	}
	if err != nil {
		return AssignedState{}, "", err
	}

	as.State, err = nodestate.Parse(stateText)
	if err != nil {
		return AssignedState{}, "", err
	}
	return as, name, nil
}

// RegisterNode registers this node with the monitor. The call is an
// explicit remote transaction in spirit: the caller (the control loop)
// must treat the registration as committed only once the local state
// file has been durably written, and call RollbackRegistration on any
// local failure so the monitor does not keep a node the keeper itself
// gave up on.
//
// "Object in use" failures are retried with the init policy's backoff,
// since another standby may be concurrently registering in the same
// group. "Exclusion violation" failures (a node already exists in this
// group with a different system identifier) are never retried: they
// surface immediately as an *IdentityMismatchError.
func (c *Client) RegisterNode(ctx context.Context, formation, name, host string, port int, systemID uint64, dbname string, desiredGroupID int64, initialState nodestate.State, kind string, candidatePriority int, replicationQuorum bool) (AssignedState, error) {
	var result AssignedState
	err := c.init.Run(
		func(err error) bool { return Retryable(err, true) },
		nil,
		func() error {
			row := c.pool.QueryRow(ctx, registerNodeSQL,
				formation, host, port, dbname, name, int64(systemID), desiredGroupID, initialState.String(), kind, candidatePriority, replicationQuorum)
			var err error
			result, _, err = scanAssignedState(row, false)
			if Classify(err) == CategoryIdentityMismatch {
				return &IdentityMismatchError{Reason: fmt.Sprintf("register_node: %v", err)}
			}
			return err
		},
	)
	return result, err
}

const registerNodeSQL = `SELECT node_id, group_id, state, candidate_priority, replication_quorum
FROM keeperha.register_node($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// RollbackRegistration undoes a RegisterNode call that failed to persist
// locally: it asks the monitor to forget the node it just assigned, so
// any local failure rolls back and leaves no state file behind. It returns
// RemoveNode's error; the control loop logs it rather than failing
// further, since the state file was never written and there is nothing
// more to protect.
func (c *Client) RollbackRegistration(ctx context.Context, host string, port int) error {
	return c.RemoveNode(ctx, host, port)
}

// NodeActive reports the local database's health to the monitor and
// receives the (possibly updated) assigned state. Called every tick,
// using the no-retry main-loop policy: a single failure returns control
// to the control loop rather than blocking the tick.
func (c *Client) NodeActive(ctx context.Context, formation string, nodeID, groupID int64, currentState nodestate.State, pgIsRunning bool, currentLSN string, syncState string) (AssignedState, error) {
	var result AssignedState
	err := c.mainLoop.Run(
		func(error) bool { return false },
		nil,
		func() error {
			row := c.pool.QueryRow(ctx, nodeActiveSQL, formation, nodeID, groupID, currentState.String(), pgIsRunning, currentLSN, syncState)
			var err error
			result, _, err = scanAssignedState(row, false)
			return err
		},
	)
	return result, err
}

const nodeActiveSQL = `SELECT node_id, group_id, state, candidate_priority, replication_quorum
FROM keeperha.node_active($1, $2, $3, $4, $5, $6, $7)`

// GetOtherNodes returns the peer set for nodeID, optionally filtered by
// state. The result is capped by the caller at state.MaxOtherNodes
// before being persisted; this method itself does not truncate.
func (c *Client) GetOtherNodes(ctx context.Context, nodeID int64, filterState *nodestate.State) ([]PeerNode, error) {
	var rows pgx.Rows
	var err error
	if filterState != nil {
		rows, err = c.pool.Query(ctx, `SELECT node_id, name, host, port, lsn, is_primary FROM keeperha.get_other_nodes($1, $2)`, nodeID, filterState.String())
	} else {
		rows, err = c.pool.Query(ctx, `SELECT node_id, name, host, port, lsn, is_primary FROM keeperha.get_other_nodes($1)`, nodeID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PeerNode
	for rows.Next() {
		var p PeerNode
		if err := rows.Scan(&p.NodeID, &p.Name, &p.Host, &p.Port, &p.LSN, &p.IsPrimary); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PeerNode is one row of get_other_nodes/get_nodes.
type PeerNode struct {
	NodeID    int64
	Name      string
	Host      string
	Port      int
	LSN       string
	IsPrimary bool
}

// GetNodes returns every node in formation, optionally narrowed to one
// group.
func (c *Client) GetNodes(ctx context.Context, formation string, groupID *int64) ([]PeerNode, error) {
	var rows pgx.Rows
	var err error
	if groupID != nil {
		rows, err = c.pool.Query(ctx, `SELECT node_id, name, host, port, lsn, is_primary FROM keeperha.get_nodes($1, $2)`, formation, *groupID)
	} else {
		rows, err = c.pool.Query(ctx, `SELECT node_id, name, host, port, lsn, is_primary FROM keeperha.get_nodes($1)`, formation)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PeerNode
	for rows.Next() {
		var p PeerNode
		if err := rows.Scan(&p.NodeID, &p.Name, &p.Host, &p.Port, &p.LSN, &p.IsPrimary); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPrimary returns the current primary's address for (formation, groupID).
func (c *Client) GetPrimary(ctx context.Context, formation string, groupID int64) (PeerNode, error) {
	var p PeerNode
	row := c.pool.QueryRow(ctx, `SELECT node_id, name, host, port, lsn, is_primary FROM keeperha.get_primary($1, $2)`, formation, groupID)
	err := row.Scan(&p.NodeID, &p.Name, &p.Host, &p.Port, &p.LSN, &p.IsPrimary)
	return p, err
}

// GetCoordinator returns the formation's coordinator node, if any.
func (c *Client) GetCoordinator(ctx context.Context, formation string) (PeerNode, error) {
	var p PeerNode
	row := c.pool.QueryRow(ctx, `SELECT node_id, name, host, port, lsn, is_primary FROM keeperha.get_coordinator($1)`, formation)
	err := row.Scan(&p.NodeID, &p.Name, &p.Host, &p.Port, &p.LSN, &p.IsPrimary)
	return p, err
}

// GetMostAdvancedStandby returns the standby with the most advanced LSN
// in (formation, groupID), used by the monitor-driven failover path.
func (c *Client) GetMostAdvancedStandby(ctx context.Context, formation string, groupID int64) (PeerNode, error) {
	var p PeerNode
	row := c.pool.QueryRow(ctx, `SELECT node_id, name, host, port, lsn, is_primary FROM keeperha.get_most_advanced_standby($1, $2)`, formation, groupID)
	err := row.Scan(&p.NodeID, &p.Name, &p.Host, &p.Port, &p.LSN, &p.IsPrimary)
	return p, err
}

// StartMaintenance and StopMaintenance drive the maintenance dance for
// nodeID; callers supply their own context timeout via the
// "interactive" retry policy (this method does not itself retry).
func (c *Client) StartMaintenance(ctx context.Context, nodeID int64) error {
	_, err := c.pool.Exec(ctx, `SELECT keeperha.start_maintenance($1)`, nodeID)
	return err
}

func (c *Client) StopMaintenance(ctx context.Context, nodeID int64) error {
	_, err := c.pool.Exec(ctx, `SELECT keeperha.stop_maintenance($1)`, nodeID)
	return err
}

func (c *Client) SetCandidatePriority(ctx context.Context, nodeID int64, priority int) error {
	_, err := c.pool.Exec(ctx, `SELECT keeperha.set_node_candidate_priority($1, $2)`, nodeID, priority)
	return err
}

func (c *Client) SetReplicationQuorum(ctx context.Context, nodeID int64, quorum bool) error {
	_, err := c.pool.Exec(ctx, `SELECT keeperha.set_node_replication_quorum($1, $2)`, nodeID, quorum)
	return err
}

// SetFormationNumberSyncStandbys adjusts the synchronous-standby count
// the monitor enforces for formation.
func (c *Client) SetFormationNumberSyncStandbys(ctx context.Context, formation string, numSyncStandbys int) error {
	_, err := c.pool.Exec(ctx, `SELECT keeperha.set_formation_number_sync_standbys($1, $2)`, formation, numSyncStandbys)
	return err
}

// SetNodeSystemIdentifier records nodeID's observed system identifier
// with the monitor, used when a node's identifier was previously
// unknown to the monitor (e.g. this keeper reports it for the first
// time after a restore).
func (c *Client) SetNodeSystemIdentifier(ctx context.Context, nodeID int64, systemID uint64) error {
	_, err := c.pool.Exec(ctx, `SELECT keeperha.set_node_system_identifier($1, $2)`, nodeID, int64(systemID))
	return err
}

// PerformFailover asks the monitor to initiate a failover for
// (formation, groupID). The monitor alone decides which standby is
// promoted; this call only requests that a decision be made now instead
// of waiting for the next automatic trigger.
func (c *Client) PerformFailover(ctx context.Context, formation string, groupID int64) error {
	_, err := c.pool.Exec(ctx, `SELECT keeperha.perform_failover($1, $2)`, formation, groupID)
	return err
}

// RemoveNode asks the monitor to forget (host, port). This must
// complete before the keeper unlinks its own state file.
func (c *Client) RemoveNode(ctx context.Context, host string, port int) error {
	_, err := c.pool.Exec(ctx, `SELECT keeperha.remove_node($1, $2)`, host, port)
	return err
}

// UpdateNodeMetadata pushes a reloaded name/hostname/port to the
// monitor.
func (c *Client) UpdateNodeMetadata(ctx context.Context, nodeID int64, name, hostname string, port int) error {
	_, err := c.pool.Exec(ctx, `SELECT keeperha.update_node_metadata($1, $2, $3, $4)`, nodeID, name, hostname, port)
	return err
}

// GetExtensionVersion reports the monitor's default and installed
// extension versions.
func (c *Client) GetExtensionVersion(ctx context.Context) (ExtensionVersion, error) {
	var v ExtensionVersion
	row := c.pool.QueryRow(ctx, `SELECT default_version, installed_version FROM keeperha.get_extension_version()`)
	err := row.Scan(&v.DefaultVersion, &v.InstalledVersion)
	return v, err
}

// CheckCompatibility verifies, before the node-active call on every
// tick, that the monitor's installed extension version equals the
// version compiled into this keeper binary. On mismatch it returns a
// *VersionMismatchError, which the control loop treats as fatal: exit
// so the supervisor re-executes a possibly-updated binary.
func (c *Client) CheckCompatibility(ctx context.Context) error {
	v, err := c.GetExtensionVersion(ctx)
	if err != nil {
		return err
	}
	if v.InstalledVersion != c.expectedExtensionVersion {
		return &VersionMismatchError{Installed: v.InstalledVersion, Expected: c.expectedExtensionVersion}
	}
	return nil
}

// ListenNotifications issues LISTEN on both channels the monitor
// publishes to: "state" (state-transition events) and "log" (free-form
// operator-facing strings). conn is a dedicated, long-lived connection
// the caller holds outside the short-lived pool this Client otherwise
// uses, since LISTEN is tied to a specific backend.
func (c *Client) ListenNotifications(ctx context.Context, conn *pgx.Conn) error {
	if _, err := conn.Exec(ctx, "LISTEN state"); err != nil {
		return fmt.Errorf("monitor: listen state: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN log"); err != nil {
		return fmt.Errorf("monitor: listen log: %w", err)
	}
	return nil
}

// WaitForNotification blocks (cooperatively, honoring ctx) until a
// notification on the "state" or "log" channel satisfies predicate, or
// timeout elapses. Notifications are consumed one at a time and it
// returns on the first match; notifications still pending after the
// match, or at the timeout, are left unread on conn.
func (c *Client) WaitForNotification(ctx context.Context, conn *pgx.Conn, timeout time.Duration, predicate func(channel, payload string) bool) (matched bool, err error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		waitCtx, cancel := context.WithTimeout(ctx, remaining)
		n, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				// Only our per-attempt timeout fired; keep waiting until
				// the overall deadline.
				continue
			}
			return false, err
		}
		if predicate(n.Channel, n.Payload) {
			return true, nil
		}
	}
}
