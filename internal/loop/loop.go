// Package loop implements the keeper's single cooperative control loop,
// tying configuration, on-disk state, the monitor client, the local FSM
// and local resources together in a fixed iteration order.
package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nodekeeper/keeper/internal/config"
	"github.com/nodekeeper/keeper/internal/ctlmetrics"
	"github.com/nodekeeper/keeper/internal/eventlog"
	"github.com/nodekeeper/keeper/internal/fsm"
	"github.com/nodekeeper/keeper/internal/localdb"
	"github.com/nodekeeper/keeper/internal/monitor"
	"github.com/nodekeeper/keeper/internal/nodestate"
	"github.com/nodekeeper/keeper/internal/pidfile"
	"github.com/nodekeeper/keeper/internal/signalflags"
	"github.com/nodekeeper/keeper/internal/state"
)

// ErrVersionMismatch is returned by Run when the monitor's installed
// extension version no longer matches this binary; the caller (cmd/keeper)
// maps it to the monitor-incompatibility exit code so the supervisor
// restarts with a possibly-updated binary.
var ErrVersionMismatch = errors.New("loop: monitor extension version mismatch")

// ErrTakeover is returned when the PID file no longer names this process:
// another instance has taken over and this one must exit immediately.
var ErrTakeover = errors.New("loop: pid file taken over by another process")

// MonitorClient is the subset of *monitor.Client the loop calls, isolated
// behind an interface so Run can be driven by a fake in tests without a
// real monitor connection.
type MonitorClient interface {
	CheckCompatibility(ctx context.Context) error
	RegisterNode(ctx context.Context, formation, name, host string, port int, systemID uint64, dbname string, desiredGroupID int64, initialState nodestate.State, kind string, candidatePriority int, replicationQuorum bool) (monitor.AssignedState, error)
	RollbackRegistration(ctx context.Context, host string, port int) error
	NodeActive(ctx context.Context, formation string, nodeID, groupID int64, currentState nodestate.State, pgIsRunning bool, currentLSN, syncState string) (monitor.AssignedState, error)
	GetOtherNodes(ctx context.Context, nodeID int64, filterState *nodestate.State) ([]monitor.PeerNode, error)
	GetPrimary(ctx context.Context, formation string, groupID int64) (monitor.PeerNode, error)
	UpdateNodeMetadata(ctx context.Context, nodeID int64, name, hostname string, port int) error
	Close()
}

var _ MonitorClient = (*monitor.Client)(nil)

// Dialer opens a monitor client for a URI; substituted in tests.
type Dialer func(ctx context.Context, uri, expectedExtensionVersion string) (MonitorClient, error)

// Loop owns every long-lived collaborator the control loop needs across
// iterations: the current configuration, the monitor client (closed at the
// end of every iteration and redialed at the start of the next), the local
// database controller, and the signal flags.
type Loop struct {
	StatePath string
	PIDPath   string

	// ConfigPath, when set, is re-read at the start of every iteration
	// that reload was requested for. The first iteration does not re-read
	// it: it runs on the cfg passed to New. An empty
	// ConfigPath disables file-based reload entirely (tests drive
	// configuration purely through the in-memory cfg passed to New).
	ConfigPath string

	Controller   localdb.Controller
	FactsSampler localdb.FactsSampler
	Flags        *signalflags.Flags

	ExpectedExtensionVersion string
	NodeKind                 string
	Dial                     Dialer

	// MaintainSlots performs replication-slot maintenance against the
	// local database; nil is a valid no-op for tests and for any build
	// wired without a local database connection.
	MaintainSlots func(ctx context.Context, peers []fsm.PeerLSN, isPrimary bool) error

	// HBAWriter appends new host-based-access rules as the peer set
	// changes; nil disables HBA maintenance (e.g. in tests).
	HBAWriter localdb.HBAWriter

	// StandbyConfigPath, when set, is rewritten with the current
	// primary's connection info whenever the assigned role is one
	// localdb.AppliesTo reports true for.
	StandbyConfigPath string

	cfg        *config.Config
	mon        MonitorClient
	lastTick   time.Time
	transition bool // set after a transition ran, to trigger the fast-cycle skip of the sleep

	// startFailureAt/startFailureRetries carry PRIMARY start-failure
	// bookkeeping across iterations. Facts itself is resampled fresh every
	// tick, so this accounting cannot live there without being wiped each
	// time; it is not part of KeeperState either, per §3's "not strictly
	// required to persist" retry bookkeeping.
	startFailureAt      time.Time
	startFailureRetries int

	// Once, when true, runs exactly one iteration and returns instead of
	// looping, per the keeper's --once mode.
	Once bool
}

// New constructs a Loop ready to Run, given an already-loaded initial
// configuration.
func New(cfg *config.Config, statePath, pidPath string, ctl localdb.Controller, sampler localdb.FactsSampler, flags *signalflags.Flags, expectedExtensionVersion, nodeKind string, dial Dialer) *Loop {
	return &Loop{
		StatePath:                statePath,
		PIDPath:                  pidPath,
		Controller:               ctl,
		FactsSampler:             sampler,
		Flags:                    flags,
		ExpectedExtensionVersion: expectedExtensionVersion,
		NodeKind:                 nodeKind,
		Dial:                     dial,
		cfg:                      cfg,
	}
}

// Run executes iterations until a stop is requested, a fatal error
// occurs, or (in Once mode) a single iteration completes.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := l.reloadIfRequested(ctx); err != nil {
			return err
		}
		if l.Flags.StopRequested() {
			return nil
		}

		l.sleepTick()
		if l.Flags.FastStopRequested() {
			return nil
		}

		if err := l.iteration(ctx); err != nil {
			if errors.Is(err, ErrVersionMismatch) || errors.Is(err, ErrTakeover) {
				return err
			}
			eventlog.Error(eventlog.ComponentLoop, "loop.iteration_failed", "%v", err)
		}

		if l.Once {
			return nil
		}
	}
}

// sleepTick honors step 3: sleep one tick unless a transition occurred
// last iteration (fast cycle).
func (l *Loop) sleepTick() {
	if l.transition {
		l.transition = false
		return
	}
	if l.lastTick.IsZero() {
		l.lastTick = time.Now()
		return
	}
	elapsed := time.Since(l.lastTick)
	if elapsed < l.cfg.TickInterval {
		time.Sleep(l.cfg.TickInterval - elapsed)
	}
	l.lastTick = time.Now()
}

// reloadIfRequested implements §4.5. The monitor connection is always
// short-lived (closed at the end of every iteration, per step 11), so
// dialing happens whenever l.mon is nil regardless of the reload flag;
// re-reading the configuration FILE, by contrast, only happens when a
// reload was actually signalled, applying each field's accept/reject/
// warn policy and the cascading effects field-by-field acceptance
// implies (re-dial on a changed monitor URI, updateNodeMetadata on
// changed name/hostname/port).
func (l *Loop) reloadIfRequested(ctx context.Context) error {
	reloadRequested := l.Flags.ReloadRequested()
	needDial := l.mon == nil

	if reloadRequested && l.ConfigPath != "" {
		candidate, err := config.Load(l.ConfigPath)
		if err != nil {
			eventlog.Error(eventlog.ComponentLoop, "loop.reload_failed", "re-reading %s: %v", l.ConfigPath, err)
		} else {
			next, out := config.Reload(l.cfg, candidate)
			for _, reason := range out.Rejected {
				eventlog.Warn(eventlog.ComponentLoop, "loop.reload_rejected", "%s", reason)
			}
			l.cfg = next
			if out.MonitorURIChanged {
				needDial = true
			}
			if out.MetadataChanged {
				l.announceMetadata(ctx)
			}
		}
	}

	if needDial {
		if l.mon != nil {
			l.mon.Close()
			l.mon = nil
		}
		mon, err := l.Dial(ctx, l.cfg.MonitorURI, l.ExpectedExtensionVersion)
		if err != nil {
			return fmt.Errorf("loop: dialing monitor: %w", err)
		}
		l.mon = mon
	}

	return nil
}

// announceMetadata pushes a reloaded name/hostname/port to the monitor,
// per §4.5. It dials a short-lived client of its own rather than reusing
// l.mon: l.mon may be mid-close from the previous iteration or about to
// be redialed against a new URI in the same reload.
func (l *Loop) announceMetadata(ctx context.Context) {
	ks, err := state.Load(l.StatePath)
	if err != nil || ks == nil || ks.CurrentNodeID == 0 {
		return
	}
	mon, err := l.Dial(ctx, l.cfg.MonitorURI, l.ExpectedExtensionVersion)
	if err != nil {
		eventlog.Error(eventlog.ComponentLoop, "loop.metadata_update_failed", "dialing monitor: %v", err)
		return
	}
	defer mon.Close()
	if err := mon.UpdateNodeMetadata(ctx, ks.CurrentNodeID, l.cfg.Name, l.cfg.Hostname, l.cfg.Port); err != nil {
		eventlog.Error(eventlog.ComponentLoop, "loop.metadata_update_failed", "%v", err)
	}
}

// iteration runs one full pass of the control loop: sample, exchange
// with the monitor, transition if needed, and persist.
func (l *Loop) iteration(ctx context.Context) error {
	start := time.Now()
	defer func() { ctlmetrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	ok, err := pidfile.IsUs(l.PIDPath)
	if err != nil {
		return fmt.Errorf("loop: checking pid file: %w", err)
	}
	if !ok {
		return ErrTakeover
	}

	ks, err := state.Load(l.StatePath)
	if err != nil {
		return fmt.Errorf("loop: loading state: %w", err)
	}
	if ks == nil {
		ks = state.New()
	}

	facts, err := l.FactsSampler.Sample(ctx)
	if err != nil {
		return fmt.Errorf("loop: sampling local facts: %w", err)
	}
	facts.FirstFailureAt = l.startFailureAt
	facts.ConsecutiveStartRetries = l.startFailureRetries

	if err := state.ValidateSystemIdentifier(ks.SystemIdentifier, facts.SystemIdentifier); err != nil {
		return err
	}
	if err := state.ValidatePort(l.cfg.Port, facts.PidFilePort); err != nil {
		return err
	}
	if ks.SystemIdentifier == 0 {
		ks.SystemIdentifier = facts.SystemIdentifier
		ks.PgControlVersion = facts.PgControlVersion
		ks.CatalogVersionNo = facts.CatalogVersionNo
	}

	if ks.CurrentNodeID == 0 {
		err := l.register(ctx, ks, facts)
		l.mon.Close()
		l.mon = nil
		if err != nil {
			return fmt.Errorf("loop: register: %w", err)
		}
		l.transition = true // fast-cycle straight into the first reconciliation
		return nil
	}

	if err := l.checkCompatibilityAndReport(ctx, ks, facts); err != nil {
		return err
	}

	reportedRunning := fsm.ReportedPgIsRunning(ks.CurrentRole, facts.PgIsRunning, facts.FirstFailureAt, facts.ConsecutiveStartRetries, time.Now(), l.cfg.RestartFailureTimeout, l.cfg.RestartFailureMaxRetry)

	assigned, peers, err := l.callNodeActive(ctx, ks, reportedRunning, facts)
	if err != nil {
		if ks.CurrentRole == nodestate.Primary {
			l.handlePartition(ks, facts)
		}
		_ = state.Save(l.StatePath, ks)
		return fmt.Errorf("loop: nodeActive: %w", err)
	}
	if err := state.ValidateNodeID(ks.CurrentNodeID, assigned.NodeID); err != nil {
		return err
	}
	ks.LastMonitorContact = time.Now().Unix()

	prevPeers := nodeAddressesToPeerNodes(ks.OtherNodes)
	ks.OtherNodes = toNodeAddresses(peers)

	err = l.reconcile(ctx, ks, assigned, &facts, peers, prevPeers)
	l.startFailureAt = facts.FirstFailureAt
	l.startFailureRetries = facts.ConsecutiveStartRetries
	if err != nil {
		_ = state.Save(l.StatePath, ks)
		return fmt.Errorf("loop: reconcile: %w", err)
	}

	l.mon.Close()
	l.mon = nil

	return state.Save(l.StatePath, ks)
}

// register performs the one-time registerNode transaction: the monitor
// call is treated as committed only once the state file has been
// durably written. A local failure after a successful RegisterNode rolls
// the monitor back via RollbackRegistration so no orphaned node is left
// registered with nothing to drive it.
func (l *Loop) register(ctx context.Context, ks *state.KeeperState, facts localdb.Facts) error {
	assigned, err := l.mon.RegisterNode(ctx, l.cfg.Formation, l.cfg.Name, l.cfg.Hostname, l.cfg.Port,
		facts.SystemIdentifier, l.cfg.Dbname, l.cfg.DesiredGroupID, nodestate.Init, l.NodeKind,
		l.cfg.CandidatePriority, l.cfg.ReplicationQuorum)
	if err != nil {
		ctlmetrics.RegistrationFailures.Inc()
		return err
	}

	ks.CurrentNodeID = assigned.NodeID
	ks.CurrentGroupID = assigned.GroupID
	ks.AssignedRole = assigned.State
	ks.LastMonitorContact = time.Now().Unix()

	if err := state.Save(l.StatePath, ks); err != nil {
		ctlmetrics.RegistrationFailures.Inc()
		if rbErr := l.mon.RollbackRegistration(ctx, l.cfg.Hostname, l.cfg.Port); rbErr != nil {
			eventlog.Error(eventlog.ComponentLoop, "loop.registration_rollback_failed", "%v", rbErr)
		}
		ks.CurrentNodeID = 0
		ks.CurrentGroupID = 0
		ks.AssignedRole = nodestate.Init
		return fmt.Errorf("persisting state after registration: %w", err)
	}
	eventlog.SetNodeID(ks.CurrentNodeID)
	eventlog.Info(eventlog.ComponentLoop, "loop.registered", "registered as node %d in group %d, assigned %s", ks.CurrentNodeID, ks.CurrentGroupID, ks.AssignedRole)
	return nil
}

func (l *Loop) checkCompatibilityAndReport(ctx context.Context, ks *state.KeeperState, facts localdb.Facts) error {
	if err := l.mon.CheckCompatibility(ctx); err != nil {
		var vm *monitor.VersionMismatchError
		if errors.As(err, &vm) {
			return ErrVersionMismatch
		}
		return err
	}
	return nil
}

func (l *Loop) callNodeActive(ctx context.Context, ks *state.KeeperState, reportedRunning bool, facts localdb.Facts) (monitor.AssignedState, []monitor.PeerNode, error) {
	callStart := time.Now()
	as, err := l.mon.NodeActive(ctx, l.cfg.Formation, ks.CurrentNodeID, ks.CurrentGroupID, ks.CurrentRole, reportedRunning, facts.CurrentLSN, facts.ReplicationSyncState)
	ctlmetrics.MonitorCallDuration.WithLabelValues("node_active").Observe(time.Since(callStart).Seconds())
	if err != nil {
		ctlmetrics.MonitorCallFailures.WithLabelValues("node_active", monitor.Classify(err).String()).Inc()
		return monitor.AssignedState{}, nil, err
	}
	peers, err := l.mon.GetOtherNodes(ctx, ks.CurrentNodeID, nil)
	if err != nil {
		return as, nil, err
	}
	if len(peers) > state.MaxOtherNodes {
		peers = peers[:state.MaxOtherNodes]
	}
	return as, peers, nil
}

// handlePartition runs the network-partition check: a failed monitor
// call while PRIMARY checks the self-demotion policy and, if
// triggered, overrides the assigned role locally (the monitor never
// authorized this — it's unreachable — but waiting for it would risk an
// unbounded split-brain window).
func (l *Loop) handlePartition(ks *state.KeeperState, facts localdb.Facts) {
	clock := fsm.PartitionClock{
		LastMonitorContact:   unixToTime(ks.LastMonitorContact),
		LastSecondaryContact: unixToTime(ks.LastSecondaryContact),
	}
	replicaConnected := facts.ReplicaConnected(l.cfg.ReplicationUser)
	if fsm.ShouldSelfDemote(&clock, replicaConnected, time.Now(), l.cfg.NetworkPartitionTimeout) {
		ks.AssignedRole = nodestate.DemoteTimeout
		ctlmetrics.SelfDemotions.Inc()
		eventlog.Error(eventlog.ComponentFSM, "fsm.self_demote", "self-demoting to %s after sustained partition", nodestate.DemoteTimeout)
	}
	ks.LastSecondaryContact = timeToUnix(clock.LastSecondaryContact)
}

// unixToTime and timeToUnix convert between KeeperState's persisted
// wall-clock-seconds fields and time.Time, treating 0 as "never set"
// (the zero time.Time) in both directions.
func unixToTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func timeToUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func (l *Loop) reconcile(ctx context.Context, ks *state.KeeperState, assigned monitor.AssignedState, facts *localdb.Facts, peers, prevPeers []monitor.PeerNode) error {
	ks.AssignedRole = assigned.State
	ks.CurrentGroupID = assigned.GroupID

	if l.HBAWriter != nil {
		rules := localdb.DiffHBA(prevPeers, peers, l.cfg.Dbname, l.cfg.ReplicationUser, l.cfg.HBAAuthMethod)
		if err := localdb.ApplyHBADiff(ctx, l.Controller, l.HBAWriter, rules); err != nil {
			eventlog.Error(eventlog.ComponentLoop, "loop.hba_apply_failed", "%v", err)
		}
	}

	if l.StandbyConfigPath != "" && localdb.AppliesTo(assigned.State) {
		if err := l.rewriteStandbyConfig(ctx, ks); err != nil {
			eventlog.Error(eventlog.ComponentLoop, "loop.standby_config_failed", "%v", err)
		}
	}

	peerLSNs := make([]fsm.PeerLSN, len(peers))
	for i, p := range peers {
		peerLSNs[i] = fsm.PeerLSN{NodeID: p.NodeID, LSN: p.LSN}
	}
	maintain := l.MaintainSlots
	if maintain == nil {
		maintain = func(ctx context.Context, peerLSNs []fsm.PeerLSN, isPrimary bool) error { return nil }
	}

	if ks.AssignedRole != ks.CurrentRole {
		if fsm.ShouldEnsureCurrentState(ks.CurrentRole, ks.AssignedRole) {
			if err := fsm.EnsureCurrentState(ctx, l.Controller, ks.CurrentRole, facts, peerLSNs, maintain); err != nil {
				eventlog.Error(eventlog.ComponentFSM, "fsm.ensure_failed", "%v", err)
			}
		}
		if err := fsm.Transition(ctx, l.Controller, ks.CurrentRole, ks.AssignedRole); err != nil {
			return err
		}
		ks.CurrentRole = ks.AssignedRole
		ctlmetrics.Transitions.WithLabelValues(ks.CurrentRole.String()).Inc()
		l.transition = true
	} else {
		if err := fsm.EnsureCurrentState(ctx, l.Controller, ks.CurrentRole, facts, peerLSNs, maintain); err != nil {
			eventlog.Error(eventlog.ComponentFSM, "fsm.ensure_failed", "%v", err)
		}
	}
	return nil
}

func toNodeAddresses(peers []monitor.PeerNode) []state.NodeAddress {
	out := make([]state.NodeAddress, len(peers))
	for i, p := range peers {
		out[i] = state.NodeAddress{NodeID: p.NodeID, Name: p.Name, Host: p.Host, Port: p.Port, LSN: p.LSN, IsPrimary: p.IsPrimary}
	}
	return out
}

// nodeAddressesToPeerNodes is toNodeAddresses's inverse, used to recover
// the previous tick's peer set (as persisted in KeeperState) in the shape
// localdb.DiffHBA expects, without threading an extra field through state.
func nodeAddressesToPeerNodes(addrs []state.NodeAddress) []monitor.PeerNode {
	out := make([]monitor.PeerNode, len(addrs))
	for i, a := range addrs {
		out[i] = monitor.PeerNode{NodeID: a.NodeID, Name: a.Name, Host: a.Host, Port: a.Port, LSN: a.LSN, IsPrimary: a.IsPrimary}
	}
	return out
}

// rewriteStandbyConfig fetches the current primary's connection info and
// rewrites the local standby configuration file if it has changed.
func (l *Loop) rewriteStandbyConfig(ctx context.Context, ks *state.KeeperState) error {
	primary, err := l.mon.GetPrimary(ctx, l.cfg.Formation, ks.CurrentGroupID)
	if err != nil {
		return fmt.Errorf("loop: fetching primary for standby config: %w", err)
	}
	cfg := localdb.StandbyConfig{
		PrimaryConnInfo: fmt.Sprintf("host=%s port=%d user=%s", primary.Host, primary.Port, l.cfg.ReplicationUser),
		SlotName:        localdb.SlotName(ks.CurrentNodeID),
		SSLMode:         l.cfg.SSL.Mode,
		SSLRootCert:     l.cfg.SSL.CA,
	}
	_, err = localdb.RewriteStandbyConfig(ctx, l.Controller, l.StandbyConfigPath, cfg)
	return err
}
