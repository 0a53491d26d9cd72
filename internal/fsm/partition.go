package fsm

import (
	"time"

	"github.com/nodekeeper/keeper/internal/nodestate"
)

// PartitionClock is the subset of persisted timestamps the self-demotion
// policy reads and writes. It is a pointer into the keeper's in-memory
// KeeperState so the control loop can persist the result unchanged.
type PartitionClock struct {
	LastMonitorContact   time.Time
	LastSecondaryContact time.Time
}

// ShouldSelfDemote implements the network-partition policy: a PRIMARY
// that cannot reach the monitor self-assigns DEMOTE_TIMEOUT only once
// both contact timestamps are stale beyond timeout AND no replica is
// currently connected.
//
// A replicaConnected observation always refreshes LastSecondaryContact
// and keeps the node primary: a directly observed standby is stronger
// evidence than the monitor's silence.
//
// timeout <= 0 disables self-demotion entirely: a zero timeout must
// never be read as "already expired".
//
// A PRIMARY with no standby history (LastSecondaryContact still zero) is
// allowed to self-demote: a zero LastSecondaryContact is "stale" by any
// timeout, so a primary that has never seen a replica and also cannot
// reach the monitor demotes rather than risking an unbounded split-brain
// window (now - zero is always > timeout for any real timeout, so this
// falls out of the same comparison without a special case).
func ShouldSelfDemote(clock *PartitionClock, replicaConnected bool, now time.Time, timeout time.Duration) bool {
	if replicaConnected {
		clock.LastSecondaryContact = now
		return false
	}
	if timeout <= 0 {
		return false
	}
	return now.Sub(clock.LastMonitorContact) > timeout && now.Sub(clock.LastSecondaryContact) > timeout
}

// ReportedPgIsRunning implements the reporting policy: a PRIMARY that
// has just failed to start is reported as still running for a grace
// period, to avoid a premature failover while a local restart might
// still succeed.
func ReportedPgIsRunning(role nodestate.State, pgIsRunning bool, firstFailureAt time.Time, consecutiveRetries int, now time.Time, restartFailureTimeout time.Duration, restartFailureMaxRetries int) bool {
	if role != nodestate.Primary {
		return pgIsRunning
	}
	if pgIsRunning {
		return true
	}
	if firstFailureAt.IsZero() {
		return true
	}
	if now.Sub(firstFailureAt) > restartFailureTimeout || consecutiveRetries >= restartFailureMaxRetries {
		return false
	}
	return true
}
