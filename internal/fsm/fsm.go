// Package fsm is the keeper's pure local state machine: given a current
// role, an assigned role and the local database's sampled facts, it
// decides what to do to the local database and what the new current role
// should be. It never talks to the monitor and never touches the state
// file; the control loop owns both.
package fsm

import (
	"context"
	"fmt"
	"time"

	"github.com/nodekeeper/keeper/internal/eventlog"
	"github.com/nodekeeper/keeper/internal/localdb"
	"github.com/nodekeeper/keeper/internal/nodestate"
)

// PeerLSN is the minimal peer shape the FSM's transition functions need:
// enough to drive slot maintenance without importing the monitor package
// directly into transition code.
type PeerLSN struct {
	NodeID int64
	LSN    string
}

// TransitionFunc performs the concrete operations for one
// (currentRole -> assignedRole) edge and reports success. Failure leaves
// currentRole unchanged; the control loop retries next tick.
type TransitionFunc func(ctx context.Context, ctl localdb.Controller) error

// table is keyed by "from/to" role pairs. Missing entries fall back to
// defaultTransition (Stop when the assigned role implies the database
// should be down, Start otherwise) since most of the FSM's
// real work lives in ensureCurrentState and the reporting policy, not in
// the transition itself: most transition functions are mostly "make sure
// the database is in the state its role implies."
var table = map[string]TransitionFunc{
	nodestate.Init.String() + "/" + nodestate.Single.String():        startDB,
	nodestate.Single.String() + "/" + nodestate.WaitPrimary.String(): startDB,
	nodestate.WaitPrimary.String() + "/" + nodestate.Primary.String(): startDB,
	nodestate.Primary.String() + "/" + nodestate.PrepPromotion.String(): startDB,
	nodestate.PrepPromotion.String() + "/" + nodestate.StopReplication.String(): startDB,
	nodestate.StopReplication.String() + "/" + nodestate.WaitStandby.String():   promote,
	nodestate.WaitStandby.String() + "/" + nodestate.Primary.String():           startDB,
	nodestate.CatchingUp.String() + "/" + nodestate.Secondary.String():          startDB,
	nodestate.Secondary.String() + "/" + nodestate.CatchingUp.String():          startDB,
	nodestate.Secondary.String() + "/" + nodestate.PrepareMaintenance.String():  stopDB,
	nodestate.PrepareMaintenance.String() + "/" + nodestate.Maintenance.String(): stopDB,
	nodestate.Maintenance.String() + "/" + nodestate.CatchingUp.String():        startDB,
	nodestate.Primary.String() + "/" + nodestate.Draining.String():              stopDB,
	nodestate.Draining.String() + "/" + nodestate.Demoted.String():              stopDB,
	nodestate.DemoteTimeout.String() + "/" + nodestate.Demoted.String():         stopDB,
	nodestate.Demoted.String() + "/" + nodestate.CatchingUp.String():            startDB,
	nodestate.Single.String() + "/" + nodestate.Dropped.String():                stopDB,
	nodestate.Secondary.String() + "/" + nodestate.Dropped.String():             stopDB,
	nodestate.Primary.String() + "/" + nodestate.Dropped.String():               stopDB,
}

func startDB(ctx context.Context, ctl localdb.Controller) error { return ctl.Start(ctx) }
func stopDB(ctx context.Context, ctl localdb.Controller) error  { return ctl.Stop(ctx) }

// promote performs the local half of a promotion: the database controller
// is asked to restart out of recovery. The monitor coordinates the rest
// (demoting the old primary, electing this standby) — this FSM never
// decides who becomes primary, only executes the role it is told to
// reach.
func promote(ctx context.Context, ctl localdb.Controller) error {
	return ctl.Restart(ctx)
}

// Transition looks up and runs the transition function for
// (current -> assigned). An unmodeled edge is not an error: it stops the
// database if the assigned role implies it should be down and starts it
// otherwise, since for most roles "reach this role" and "stay in this
// role" do the same thing to the local database.
func Transition(ctx context.Context, ctl localdb.Controller, current, assigned nodestate.State) error {
	key := current.String() + "/" + assigned.String()
	fn, ok := table[key]
	if !ok {
		fn = defaultTransition(assigned)
	}
	if err := fn(ctx, ctl); err != nil {
		return fmt.Errorf("fsm: transition %s: %w", key, err)
	}
	eventlog.Transition(current.String(), assigned.String())
	return nil
}

func defaultTransition(assigned nodestate.State) TransitionFunc {
	if nodestate.DatabaseShouldBeDown(assigned) {
		return stopDB
	}
	return startDB
}

// EnsureCurrentState normalizes the local database for role, per a
// fixed per-role table. Skip conditions (role implies the
// database should be down) are the caller's responsibility: the control
// loop decides when to call this, not EnsureCurrentState itself, so the
// same function works both before a transition and as a standalone
// keep-alive.
func EnsureCurrentState(ctx context.Context, ctl localdb.Controller, role nodestate.State, facts *localdb.Facts, peers []PeerLSN, maintainSlots func(ctx context.Context, peers []PeerLSN, isPrimary bool) error) error {
	switch role {
	case nodestate.Primary:
		if err := startWithRetryAccounting(ctx, ctl, facts); err != nil {
			return err
		}
		return maintainSlotsIfSet(ctx, maintainSlots, peers, true)
	case nodestate.Single:
		if err := ctl.Start(ctx); err != nil {
			return err
		}
		return maintainSlotsIfSet(ctx, maintainSlots, peers, true)
	case nodestate.WaitPrimary, nodestate.PrepPromotion, nodestate.StopReplication:
		return ctl.Start(ctx)
	case nodestate.Secondary:
		if err := ctl.Start(ctx); err != nil {
			return err
		}
		return maintainSlotsIfSet(ctx, maintainSlots, peers, false)
	case nodestate.CatchingUp:
		// Start but never maintain slots: advancing a slot against an
		// older restart point than the standby has actually reached can
		// fail outright.
		return ctl.Start(ctx)
	case nodestate.Demoted, nodestate.DemoteTimeout, nodestate.Draining:
		running, err := ctl.IsRunning(ctx)
		if err != nil {
			return err
		}
		if running {
			return ctl.Stop(ctx)
		}
		return nil
	case nodestate.Maintenance:
		return nil
	default:
		return nil
	}
}

func maintainSlotsIfSet(ctx context.Context, fn func(ctx context.Context, peers []PeerLSN, isPrimary bool) error, peers []PeerLSN, isPrimary bool) error {
	if fn == nil {
		return nil
	}
	return fn(ctx, peers, isPrimary)
}

// startWithRetryAccounting implements the PRIMARY-only start-failure
// bookkeeping the reporting policy reads: FirstFailureAt is set on the
// first observed failure and cleared on success, ConsecutiveStartRetries
// increments on each subsequent failure.
func startWithRetryAccounting(ctx context.Context, ctl localdb.Controller, facts *localdb.Facts) error {
	err := ctl.Start(ctx)
	if err == nil {
		facts.FirstFailureAt = time.Time{}
		facts.ConsecutiveStartRetries = 0
		return nil
	}
	if facts.FirstFailureAt.IsZero() {
		facts.FirstFailureAt = time.Now()
	} else {
		facts.ConsecutiveStartRetries++
	}
	return err
}

// ShouldEnsureCurrentState reports whether ensureCurrentState should run
// at all before a transition: it is skipped whenever either role implies
// the database should already be down, to avoid starting it just before
// a demotion takes effect.
func ShouldEnsureCurrentState(current, assigned nodestate.State) bool {
	return !nodestate.DatabaseShouldBeDown(current) && !nodestate.DatabaseShouldBeDown(assigned)
}
