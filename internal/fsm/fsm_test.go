package fsm

import (
	"context"
	"errors"
	"testing"

	"github.com/nodekeeper/keeper/internal/localdb"
	"github.com/nodekeeper/keeper/internal/nodestate"
)

type fakeController struct {
	running     bool
	startCalls  int
	stopCalls   int
	restartCall int
	startErr    error
}

func (f *fakeController) IsRunning(ctx context.Context) (bool, error) { return f.running, nil }
func (f *fakeController) Start(ctx context.Context) error {
	f.startCalls++
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}
func (f *fakeController) Stop(ctx context.Context) error {
	f.stopCalls++
	f.running = false
	return nil
}
func (f *fakeController) Restart(ctx context.Context) error { f.restartCall++; return nil }
func (f *fakeController) Checkpoint(ctx context.Context) error { return nil }
func (f *fakeController) Reload(ctx context.Context) error     { return nil }

var _ localdb.Controller = (*fakeController)(nil)

func TestEnsureCurrentStateDemotedStopsRunningDB(t *testing.T) {
	ctl := &fakeController{running: true}
	facts := &localdb.Facts{}
	if err := EnsureCurrentState(context.Background(), ctl, nodestate.Demoted, facts, nil, nil); err != nil {
		t.Fatalf("EnsureCurrentState: %v", err)
	}
	if ctl.stopCalls != 1 {
		t.Errorf("expected DEMOTED to stop a running database, got %d stop calls", ctl.stopCalls)
	}
	if ctl.startCalls != 0 {
		t.Error("expected DEMOTED to never start the database")
	}
}

func TestEnsureCurrentStateDemoteTimeoutNoopWhenAlreadyDown(t *testing.T) {
	ctl := &fakeController{running: false}
	facts := &localdb.Facts{}
	if err := EnsureCurrentState(context.Background(), ctl, nodestate.DemoteTimeout, facts, nil, nil); err != nil {
		t.Fatalf("EnsureCurrentState: %v", err)
	}
	if ctl.stopCalls != 0 || ctl.startCalls != 0 {
		t.Errorf("expected no-op when already down, got stop=%d start=%d", ctl.stopCalls, ctl.startCalls)
	}
}

func TestEnsureCurrentStateDrainingStopsRunningDB(t *testing.T) {
	ctl := &fakeController{running: true}
	facts := &localdb.Facts{}
	if err := EnsureCurrentState(context.Background(), ctl, nodestate.Draining, facts, nil, nil); err != nil {
		t.Fatalf("EnsureCurrentState: %v", err)
	}
	if ctl.stopCalls != 1 {
		t.Errorf("expected DRAINING to stop a running database, got %d", ctl.stopCalls)
	}
}

func TestEnsureCurrentStatePrimaryStartsAndMaintainsSlots(t *testing.T) {
	ctl := &fakeController{}
	facts := &localdb.Facts{}
	peers := []PeerLSN{{NodeID: 2, LSN: "0/100"}}

	var gotPeers []PeerLSN
	var gotIsPrimary bool
	maintain := func(ctx context.Context, peers []PeerLSN, isPrimary bool) error {
		gotPeers = peers
		gotIsPrimary = isPrimary
		return nil
	}

	if err := EnsureCurrentState(context.Background(), ctl, nodestate.Primary, facts, peers, maintain); err != nil {
		t.Fatalf("EnsureCurrentState: %v", err)
	}
	if ctl.startCalls != 1 {
		t.Errorf("expected PRIMARY to start the database, got %d", ctl.startCalls)
	}
	if len(gotPeers) != 1 || !gotIsPrimary {
		t.Errorf("expected slot maintenance to run with isPrimary=true, got peers=%v isPrimary=%v", gotPeers, gotIsPrimary)
	}
}

func TestEnsureCurrentStateCatchingUpNeverMaintainsSlots(t *testing.T) {
	ctl := &fakeController{}
	facts := &localdb.Facts{}
	called := false
	maintain := func(ctx context.Context, peers []PeerLSN, isPrimary bool) error {
		called = true
		return nil
	}
	if err := EnsureCurrentState(context.Background(), ctl, nodestate.CatchingUp, facts, nil, maintain); err != nil {
		t.Fatalf("EnsureCurrentState: %v", err)
	}
	if called {
		t.Error("expected CATCHINGUP to never run slot maintenance")
	}
	if ctl.startCalls != 1 {
		t.Error("expected CATCHINGUP to still start the database")
	}
}

func TestStartWithRetryAccountingTracksFailures(t *testing.T) {
	ctl := &fakeController{startErr: errors.New("boom")}
	facts := &localdb.Facts{}

	_ = EnsureCurrentState(context.Background(), ctl, nodestate.Primary, facts, nil, nil)
	if facts.FirstFailureAt.IsZero() {
		t.Error("expected FirstFailureAt to be set on first failure")
	}
	if facts.ConsecutiveStartRetries != 0 {
		t.Errorf("expected no retry increment on the first failure, got %d", facts.ConsecutiveStartRetries)
	}

	_ = EnsureCurrentState(context.Background(), ctl, nodestate.Primary, facts, nil, nil)
	if facts.ConsecutiveStartRetries != 1 {
		t.Errorf("expected retry count to increment on the second failure, got %d", facts.ConsecutiveStartRetries)
	}

	ctl.startErr = nil
	_ = EnsureCurrentState(context.Background(), ctl, nodestate.Primary, facts, nil, nil)
	if !facts.FirstFailureAt.IsZero() || facts.ConsecutiveStartRetries != 0 {
		t.Error("expected a successful start to reset failure bookkeeping")
	}
}

func TestShouldEnsureCurrentStateSkippedAroundShutdownRoles(t *testing.T) {
	if ShouldEnsureCurrentState(nodestate.Primary, nodestate.Draining) {
		t.Error("expected ensureCurrentState to be skipped when the assigned role implies shutdown")
	}
	if ShouldEnsureCurrentState(nodestate.Demoted, nodestate.CatchingUp) {
		t.Error("expected ensureCurrentState to be skipped when the current role implies shutdown")
	}
	if !ShouldEnsureCurrentState(nodestate.Secondary, nodestate.Primary) {
		t.Error("expected ensureCurrentState to run for an ordinary transition")
	}
}

func TestTransitionUnmodeledEdgeFallsBackToRoleImplication(t *testing.T) {
	ctl := &fakeController{}
	if err := Transition(context.Background(), ctl, nodestate.Secondary, nodestate.Secondary); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if ctl.startCalls != 1 {
		t.Error("expected the keep-alive-style edge to start the database")
	}
}

func TestTransitionToDrainingStopsDatabase(t *testing.T) {
	ctl := &fakeController{running: true}
	if err := Transition(context.Background(), ctl, nodestate.Primary, nodestate.Draining); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if ctl.stopCalls != 1 {
		t.Error("expected PRIMARY -> DRAINING to stop the database")
	}
}
