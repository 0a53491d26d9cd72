package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nodekeeper/keeper/internal/nodestate"
	"github.com/nodekeeper/keeper/internal/retry"
)

// fastInitPolicyForTest mirrors retry.Init()'s shape (unbounded attempts,
// bounded only by a total-time ceiling) but with millisecond sleeps, so
// retry tests don't block for real minutes.
func fastInitPolicyForTest() *retry.Policy {
	return retry.NewPolicy("init-test", 2*time.Second, -1, time.Millisecond, 5*time.Millisecond)
}

// fakeRow implements pgx.Row by scanning from a pre-baked slice of
// values, or returning a canned error.
type fakeRow struct {
	values []interface{}
	err    error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("fakeRow: column count mismatch")
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *int64:
			*p = r.values[i].(int64)
		case *int:
			*p = r.values[i].(int)
		case *string:
			*p = r.values[i].(string)
		case *bool:
			*p = r.values[i].(bool)
		default:
			return errors.New("fakeRow: unsupported dest type")
		}
	}
	return nil
}

// fakeQuerier drives Client with a scripted sequence of QueryRow results,
// so retry behavior can be tested without a live Postgres server.
type fakeQuerier struct {
	rows     []fakeRow
	rowCalls int
	calls    int
}

func (f *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	f.calls++
	r := f.rows[f.rowCalls]
	if f.rowCalls < len(f.rows)-1 {
		f.rowCalls++
	}
	return r
}

func (f *fakeQuerier) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return nil, errors.New("not implemented in fake")
}

func (f *fakeQuerier) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakeQuerier) Close() {}

func TestNodeActiveNoRetryOnFailure(t *testing.T) {
	fq := &fakeQuerier{rows: []fakeRow{{err: &pgconn.PgError{Code: sqlstateSerializationFailure}}}}
	c := newClient(fq, "1.0")

	_, err := c.NodeActive(context.Background(), "default", 1, 0, nodestate.Single, true, "0/0", "")
	if err == nil {
		t.Fatal("expected NodeActive to surface the error")
	}
	if fq.calls != 1 {
		t.Errorf("main-loop policy must not retry, got %d calls", fq.calls)
	}
}

func TestNodeActiveSuccess(t *testing.T) {
	fq := &fakeQuerier{rows: []fakeRow{
		{values: []interface{}{int64(1), int64(0), "single", 100, true}},
	}}
	c := newClient(fq, "1.0")

	got, err := c.NodeActive(context.Background(), "default", 1, 0, nodestate.Single, true, "0/0", "")
	if err != nil {
		t.Fatalf("NodeActive: %v", err)
	}
	if got.NodeID != 1 || got.State != nodestate.Single || got.CandidatePriority != 100 || !got.ReplicationQuorum {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestRegisterNodeRetriesObjectInUse(t *testing.T) {
	fq := &fakeQuerier{rows: []fakeRow{
		{err: &pgconn.PgError{Code: sqlstateObjectInUse}},
		{err: &pgconn.PgError{Code: sqlstateObjectInUse}},
		{values: []interface{}{int64(2), int64(0), "wait_standby", 100, true}},
	}}
	c := newClient(fq, "1.0")
	c.init = fastInitPolicyForTest()

	got, err := c.RegisterNode(context.Background(), "default", "node2", "h2", 5432, 42, "postgres", 0, nodestate.Init, "postgres", 100, true)
	if err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	if got.NodeID != 2 {
		t.Errorf("expected nodeId 2 after retries, got %d", got.NodeID)
	}
	if fq.rowCalls != 2 {
		t.Errorf("expected 3 total calls (rowCalls index 2), got index %d", fq.rowCalls)
	}
}

func TestRegisterNodeFailsFastOnExclusionViolation(t *testing.T) {
	fq := &fakeQuerier{rows: []fakeRow{
		{err: &pgconn.PgError{Code: sqlstateExclusionViolation}},
	}}
	c := newClient(fq, "1.0")
	c.init = fastInitPolicyForTest()

	_, err := c.RegisterNode(context.Background(), "default", "node2", "h2", 5432, 42, "postgres", 0, nodestate.Init, "postgres", 100, true)
	if err == nil {
		t.Fatal("expected an identity-mismatch error")
	}
	if Classify(err) != CategoryIdentityMismatch {
		t.Errorf("expected CategoryIdentityMismatch, got %s", Classify(err))
	}
	if fq.calls != 1 {
		t.Errorf("expected exactly 1 attempt before giving up, got %d", fq.calls)
	}
}

func TestCheckCompatibilityMismatch(t *testing.T) {
	fq := &fakeQuerier{rows: []fakeRow{
		{values: []interface{}{"1.0", "2.0"}},
	}}
	c := newClient(fq, "1.0")

	err := c.CheckCompatibility(context.Background())
	if err == nil {
		t.Fatal("expected a version mismatch error")
	}
	var vm *VersionMismatchError
	if !errors.As(err, &vm) {
		t.Fatalf("expected *VersionMismatchError, got %T", err)
	}
}

func TestCheckCompatibilityMatch(t *testing.T) {
	fq := &fakeQuerier{rows: []fakeRow{
		{values: []interface{}{"1.0", "1.0"}},
	}}
	c := newClient(fq, "1.0")

	if err := c.CheckCompatibility(context.Background()); err != nil {
		t.Errorf("expected no error when versions match, got %v", err)
	}
}
