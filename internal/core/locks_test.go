package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/editd/api"
	"pkt.systems/editd/internal/clock"
	"pkt.systems/editd/internal/core"
	jmem "pkt.systems/editd/internal/journal/memory"
	"pkt.systems/editd/internal/storage"
	smem "pkt.systems/editd/internal/storage/memory"
)

func seedDataset(t *testing.T, engine storage.Engine) {
	t.Helper()
	shape := storage.ColumnSet{Columns: []storage.Column{
		{Name: "name", Type: api.ColumnString},
		{Name: "count", Type: api.ColumnInteger, Default: float64(0)},
	}}
	rows := []storage.Row{
		{"name": "alpha", "count": float64(1)},
		{"name": "beta", "count": float64(2)},
	}
	if err := engine.CreateDataset(context.Background(), "ds", shape, rows); err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}
}

func newService(t *testing.T, engine storage.Engine) (*core.Service, *clock.Manual) {
	t.Helper()
	if engine == nil {
		engine = smem.New()
		seedDataset(t, engine)
	}
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	svc := core.New(core.Config{
		Journal: jmem.New(),
		Engine:  engine,
		Clock:   clk,
	})
	return svc, clk
}

func mustAcquire(t *testing.T, svc *core.Service, owner string) *api.LockResponse {
	t.Helper()
	lease, err := svc.Acquire(context.Background(), core.AcquireCommand{
		DatasetID: "ds",
		Owner:     owner,
	})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return lease
}

func asFailure(t *testing.T, err error) core.Failure {
	t.Helper()
	var f core.Failure
	if !errors.As(err, &f) {
		t.Fatalf("err = %v, want core.Failure", err)
	}
	return f
}

func TestAcquireConflictThenExpiry(t *testing.T) {
	t.Parallel()

	svc, clk := newService(t, nil)
	first := mustAcquire(t, svc, "alice")

	_, err := svc.Acquire(context.Background(), core.AcquireCommand{DatasetID: "ds", Owner: "bob"})
	f := asFailure(t, err)
	if f.Code != "lock_conflict" || f.HTTPStatus != 409 {
		t.Fatalf("failure = %+v, want lock_conflict/409", f)
	}
	if f.Owner != "alice" || f.ExpiresAtUnix != first.ExpiresAt || f.RetryAfter < 1 {
		t.Fatalf("conflict envelope = %+v", f)
	}

	// The default lease is 30 minutes; past that the dataset is free again.
	clk.Advance(31 * time.Minute)
	second := mustAcquire(t, svc, "bob")
	if second.SessionID == first.SessionID {
		t.Fatalf("expired session id reused")
	}
}

func TestAcquireUnknownDataset(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, nil)
	_, err := svc.Acquire(context.Background(), core.AcquireCommand{DatasetID: "nope", Owner: "alice"})
	if f := asFailure(t, err); f.Code != "dataset_not_found" || f.HTTPStatus != 404 {
		t.Fatalf("failure = %+v, want dataset_not_found/404", f)
	}
}

func TestConcurrentAcquireGrantsExactlyOne(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, nil)
	const racers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Acquire(context.Background(), core.AcquireCommand{
				DatasetID: "ds",
				Owner:     "racer",
			})
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
				return
			}
			var f core.Failure
			if !errors.As(err, &f) || f.Code != "lock_conflict" {
				t.Errorf("unexpected acquire error: %v", err)
			}
		}()
	}
	wg.Wait()
	if granted != 1 {
		t.Fatalf("granted %d leases, want exactly 1", granted)
	}
}

func TestReleaseFreesAndStatusReports(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _ := newService(t, nil)
	lease := mustAcquire(t, svc, "alice")

	status, err := svc.Status(ctx, "ds")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Locked || status.Owner != "alice" || status.SessionID != lease.SessionID {
		t.Fatalf("status = %+v", status)
	}

	if err := svc.Release(ctx, core.SessionCommand{DatasetID: "ds", SessionID: lease.SessionID}); err != nil {
		t.Fatalf("Release: %v", err)
	}
	status, _ = svc.Status(ctx, "ds")
	if status.Locked {
		t.Fatalf("dataset still locked after release")
	}

	err = svc.Release(ctx, core.SessionCommand{DatasetID: "ds", SessionID: lease.SessionID})
	if f := asFailure(t, err); f.Code != "session_invalid" || f.HTTPStatus != 404 {
		t.Fatalf("failure = %+v, want session_invalid/404", f)
	}
}

func TestRenewExtendsLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, clk := newService(t, nil)
	lease, err := svc.Acquire(ctx, core.AcquireCommand{
		DatasetID:      "ds",
		Owner:          "alice",
		TimeoutMinutes: 1,
	})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	clk.Advance(50 * time.Second)
	renewed, err := svc.Renew(ctx, core.RenewCommand{
		DatasetID:      "ds",
		SessionID:      lease.SessionID,
		TimeoutMinutes: 1,
	})
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if renewed.ExpiresAt <= lease.ExpiresAt {
		t.Fatalf("renewal did not extend expiry: %d <= %d", renewed.ExpiresAt, lease.ExpiresAt)
	}

	// 80s after acquire the original lease would have lapsed; the renewed one
	// is still live.
	clk.Advance(30 * time.Second)
	status, _ := svc.Status(ctx, "ds")
	if !status.Locked {
		t.Fatalf("renewed lease expired early")
	}
}

func TestRenewInvalidSession(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, nil)
	mustAcquire(t, svc, "alice")
	_, err := svc.Renew(context.Background(), core.RenewCommand{DatasetID: "ds", SessionID: "bogus"})
	if f := asFailure(t, err); f.Code != "session_invalid" || f.HTTPStatus != 403 {
		t.Fatalf("failure = %+v, want session_invalid/403", f)
	}
}

func TestTimeoutBounds(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, nil)
	for _, minutes := range []int64{-5, 121} {
		_, err := svc.Acquire(context.Background(), core.AcquireCommand{
			DatasetID:      "ds",
			Owner:          "alice",
			TimeoutMinutes: minutes,
		})
		if f := asFailure(t, err); f.Code != "validation_error" {
			t.Fatalf("timeout_minutes=%d: failure = %+v, want validation_error", minutes, f)
		}
	}
}

func TestForceUnlockReportsDisplacedSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _ := newService(t, nil)
	lease := mustAcquire(t, svc, "alice")
	if _, err := svc.Mutate(ctx, core.MutateCommand{
		DatasetID: "ds",
		SessionID: lease.SessionID,
		Mutations: []core.Mutation{core.CellEdit{RowIndex: 0, Column: "name", Value: "gamma"}},
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	resp, err := svc.ForceUnlock(ctx, "ds")
	if err != nil {
		t.Fatalf("ForceUnlock: %v", err)
	}
	if resp.PreviousSessionID != lease.SessionID || resp.PreviousOwner != "alice" {
		t.Fatalf("displaced session not reported: %+v", resp)
	}
	if resp.ChangesDiscarded != 1 {
		t.Fatalf("ChangesDiscarded = %d, want 1", resp.ChangesDiscarded)
	}

	// The displaced session is dead.
	_, err = svc.Mutate(ctx, core.MutateCommand{
		DatasetID: "ds",
		SessionID: lease.SessionID,
		Mutations: []core.Mutation{core.CellEdit{RowIndex: 0, Column: "name", Value: "delta"}},
	})
	if f := asFailure(t, err); f.Code != "session_invalid" {
		t.Fatalf("failure = %+v, want session_invalid", f)
	}

	resp, err = svc.ForceUnlock(ctx, "ds")
	if err != nil {
		t.Fatalf("ForceUnlock on free dataset: %v", err)
	}
	if resp.PreviousSessionID != "" || resp.Message != "no active lock" {
		t.Fatalf("unexpected response on free dataset: %+v", resp)
	}
}

func TestSweepExpiredReclaimsAndVoids(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, clk := newService(t, nil)
	lease := mustAcquire(t, svc, "alice")
	if _, err := svc.Mutate(ctx, core.MutateCommand{
		DatasetID: "ds",
		SessionID: lease.SessionID,
		Mutations: []core.Mutation{core.CellEdit{RowIndex: 0, Column: "name", Value: "gamma"}},
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	clk.Advance(31 * time.Minute)
	n, err := svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}
	pending, err := svc.Uncommitted(ctx, "ds", lease.SessionID)
	if err != nil {
		t.Fatalf("Uncommitted: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("pending entries survived sweep: %+v", pending)
	}
}

func TestAcquireVoidsOrphanedEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, clk := newService(t, nil)
	lease := mustAcquire(t, svc, "alice")
	if _, err := svc.Mutate(ctx, core.MutateCommand{
		DatasetID: "ds",
		SessionID: lease.SessionID,
		Mutations: []core.Mutation{core.CellEdit{RowIndex: 0, Column: "name", Value: "gamma"}},
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	clk.Advance(31 * time.Minute)
	next := mustAcquire(t, svc, "bob")

	// The new session sees committed state, not the dead session's edits.
	records, err := svc.Mutate(ctx, core.MutateCommand{
		DatasetID: "ds",
		SessionID: next.SessionID,
		Mutations: []core.Mutation{core.CellEdit{RowIndex: 0, Column: "name", Value: "delta"}},
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if records[0].OldValue != "alpha" {
		t.Fatalf("old value = %v, want committed alpha", records[0].OldValue)
	}
	if pending, _ := svc.Uncommitted(ctx, "ds", lease.SessionID); pending.Count != 0 {
		t.Fatalf("orphaned entries survived acquire: %+v", pending)
	}
}
