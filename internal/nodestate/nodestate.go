// Package nodestate defines the keeper's finite set of node states. The
// textual names are part of the wire protocol with the monitor and must
// stay stable once published.
package nodestate

import "fmt"

// State is one value of the keeper's local FSM.
type State string

const (
	NoState             State = "no_state"
	AnyState            State = "any_state"
	Init                State = "init"
	Single              State = "single"
	WaitPrimary         State = "wait_primary"
	Primary             State = "primary"
	ApplySettings       State = "apply_settings"
	PrepPromotion       State = "prep_promotion"
	StopReplication     State = "stop_replication"
	WaitStandby         State = "wait_standby"
	CatchingUp          State = "catchingup"
	Secondary           State = "secondary"
	Maintenance         State = "maintenance"
	PrepareMaintenance  State = "prepare_maintenance"
	WaitMaintenance     State = "wait_maintenance"
	Draining            State = "draining"
	DemoteTimeout       State = "demote_timeout"
	Demoted             State = "demoted"
	ReportLSN           State = "report_lsn"
	FastForward         State = "fast_forward"
	Dropped             State = "dropped"
)

// all is the full, ordered set of textual names recognized on the wire.
var all = []State{
	NoState, AnyState,
	Init, Single, WaitPrimary, Primary, ApplySettings, PrepPromotion,
	StopReplication, WaitStandby, CatchingUp, Secondary, Maintenance,
	PrepareMaintenance, WaitMaintenance, Draining, DemoteTimeout, Demoted,
	ReportLSN, FastForward, Dropped,
}

// Parse looks up a State by its wire name. It rejects anything not in the
// fixed set: the monitor and the keeper must never disagree about what a
// state name means.
func Parse(s string) (State, error) {
	for _, st := range all {
		if string(st) == s {
			return st, nil
		}
	}
	return NoState, fmt.Errorf("nodestate: unknown state %q", s)
}

func (s State) String() string { return string(s) }

// Valid reports whether s is one of the fixed enum values.
func (s State) Valid() bool {
	for _, st := range all {
		if st == s {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a terminal state: once reached, the
// keeper's FSM never leaves it.
func (s State) Terminal() bool { return s == Dropped }

// DatabaseShouldBeDown reports whether the role implies the local database
// is expected to be stopped. ensureCurrentState skips its normal
// start-the-database behaviour for these roles to avoid a split-brain
// hazard: starting the database before honoring a demotion would let two
// nodes believe they are primary at once.
func DatabaseShouldBeDown(s State) bool {
	switch s {
	case Draining, DemoteTimeout, Demoted:
		return true
	default:
		return false
	}
}
