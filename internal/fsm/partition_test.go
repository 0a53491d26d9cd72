package fsm

import (
	"testing"
	"time"

	"github.com/nodekeeper/keeper/internal/nodestate"
)

func TestShouldSelfDemoteRequiresBothTimestampsStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	timeout := 30 * time.Second

	clock := &PartitionClock{
		LastMonitorContact:   now.Add(-35 * time.Second),
		LastSecondaryContact: now.Add(-35 * time.Second),
	}
	if !ShouldSelfDemote(clock, false, now, timeout) {
		t.Error("expected self-demotion when both timestamps exceed the timeout")
	}
}

func TestShouldSelfDemoteFalseWhenOnlyOneStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	timeout := 30 * time.Second

	clock := &PartitionClock{
		LastMonitorContact:   now.Add(-35 * time.Second),
		LastSecondaryContact: now.Add(-10 * time.Second),
	}
	if ShouldSelfDemote(clock, false, now, timeout) {
		t.Error("expected no self-demotion when secondary contact is still recent")
	}
}

func TestShouldSelfDemoteReplicaConnectedRefreshesClock(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &PartitionClock{
		LastMonitorContact:   now.Add(-1 * time.Hour),
		LastSecondaryContact: now.Add(-1 * time.Hour),
	}
	if ShouldSelfDemote(clock, true, now, 30*time.Second) {
		t.Error("expected a connected replica to prevent self-demotion")
	}
	if !clock.LastSecondaryContact.Equal(now) {
		t.Errorf("expected LastSecondaryContact to be refreshed to now, got %v", clock.LastSecondaryContact)
	}
}

func TestShouldSelfDemoteZeroTimeoutNeverDemotes(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &PartitionClock{
		LastMonitorContact:   now.Add(-24 * time.Hour),
		LastSecondaryContact: now.Add(-24 * time.Hour),
	}
	if ShouldSelfDemote(clock, false, now, 0) {
		t.Error("expected timeout <= 0 to disable self-demotion")
	}
}

func TestShouldSelfDemoteNoStandbyHistoryStillDemotes(t *testing.T) {
	// LastSecondaryContact's zero value represents "never had a standby".
	// Per the documented decision, this still counts as stale.
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &PartitionClock{
		LastMonitorContact:   now.Add(-1 * time.Hour),
		LastSecondaryContact: time.Time{},
	}
	if !ShouldSelfDemote(clock, false, now, 30*time.Second) {
		t.Error("expected a primary with no standby history to still be eligible to self-demote")
	}
}

func TestReportedPgIsRunningNonPrimaryReportsTruth(t *testing.T) {
	now := time.Now()
	if ReportedPgIsRunning(nodestate.Secondary, false, time.Time{}, 0, now, 20*time.Second, 3) != false {
		t.Error("expected a non-primary to report its true running state")
	}
}

func TestReportedPgIsRunningPrimaryRunningIsTrue(t *testing.T) {
	now := time.Now()
	if !ReportedPgIsRunning(nodestate.Primary, true, time.Time{}, 0, now, 20*time.Second, 3) {
		t.Error("expected a running primary to report true")
	}
}

func TestReportedPgIsRunningFirstFailureReportsTrue(t *testing.T) {
	now := time.Now()
	if !ReportedPgIsRunning(nodestate.Primary, false, time.Time{}, 0, now, 20*time.Second, 3) {
		t.Error("expected the never-failed-before case to still report true")
	}
}

func TestReportedPgIsRunningWithinGracePeriodReportsTrue(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	firstFailure := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !ReportedPgIsRunning(nodestate.Primary, false, firstFailure, 1, now, 20*time.Second, 3) {
		t.Error("expected a primary within its restart grace period to still report true")
	}
}

func TestReportedPgIsRunningEscalatesAfterTimeout(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 21, 0, time.UTC)
	firstFailure := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if ReportedPgIsRunning(nodestate.Primary, false, firstFailure, 1, now, 20*time.Second, 3) {
		t.Error("expected the report to flip to false once restartFailureTimeout elapses")
	}
}

func TestReportedPgIsRunningEscalatesAfterMaxRetries(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)
	firstFailure := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if ReportedPgIsRunning(nodestate.Primary, false, firstFailure, 3, now, 20*time.Second, 3) {
		t.Error("expected the report to flip to false once retries reach restartFailureMaxRetry, even within the timeout")
	}
}
