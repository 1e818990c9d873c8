package editd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pkt.systems/editd/api"
	"pkt.systems/editd/internal/clock"
	"pkt.systems/editd/internal/storage"
)

func testShape() storage.ColumnSet {
	return storage.ColumnSet{Columns: []storage.Column{
		{Name: "name", Type: api.ColumnString},
		{Name: "count", Type: api.ColumnInteger, Default: float64(0)},
	}}
}

func testRows() []storage.Row {
	return []storage.Row{
		{"name": "alpha", "count": float64(1)},
		{"name": "beta", "count": float64(2)},
	}
}

func doJSON(t *testing.T, method, url string, headers map[string]string, body any) (int, []byte) {
	t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, payload)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal %T from %s: %v", out, raw, err)
	}
	return out
}

func identityHeaders(owner string) map[string]string {
	return map[string]string{DefaultIdentityHeader: owner}
}

// waitFor polls cond until it holds or the deadline lapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestServerLockEditCommitOverHTTP(t *testing.T) {
	t.Parallel()

	ts := StartTestServer(t, WithTestDataset("orders", testShape(), testRows()))
	base := ts.URL() + "/v1/datasets/orders"

	status, raw := doJSON(t, http.MethodPost, base+"/lock", identityHeaders("alice"), api.LockRequest{})
	if status != http.StatusOK {
		t.Fatalf("lock status = %d, body %s", status, raw)
	}
	lock := decode[api.LockResponse](t, raw)
	if lock.SessionID == "" || lock.Owner != "alice" {
		t.Fatalf("lock = %+v", lock)
	}

	status, raw = doJSON(t, http.MethodPost, base+"/cells/update", identityHeaders("alice"), api.CellUpdateRequest{
		SessionID: lock.SessionID,
		Changes: []api.CellChange{
			{RowIndex: 0, ColumnName: "name", NewValue: "gamma"},
			{RowIndex: 1, ColumnName: "count", NewValue: float64(9)},
		},
	})
	if status != http.StatusOK {
		t.Fatalf("cells/update status = %d, body %s", status, raw)
	}
	mut := decode[api.MutateResponse](t, raw)
	if len(mut.Changes) != 2 || mut.Changes[0].Seq != 1 || mut.Changes[1].Seq != 2 {
		t.Fatalf("mutate response = %+v", mut)
	}

	status, raw = doJSON(t, http.MethodPost, base+"/changes/commit", identityHeaders("alice"), api.SessionRequest{SessionID: lock.SessionID})
	if status != http.StatusOK {
		t.Fatalf("commit status = %d, body %s", status, raw)
	}
	commit := decode[api.CommitResponse](t, raw)
	if commit.ChangesCommitted != 2 {
		t.Fatalf("changes_committed = %d", commit.ChangesCommitted)
	}

	row, err := ts.Server.Service().Engine().ReadRow(context.Background(), "orders", 0)
	if err != nil {
		t.Fatalf("ReadRow: %v", err)
	}
	if row["name"] != "gamma" {
		t.Fatalf("row 0 = %#v", row)
	}

	status, raw = doJSON(t, http.MethodGet, base+"/changes/history", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("history status = %d", status)
	}
	history := decode[api.HistoryResponse](t, raw)
	if len(history.Changes) != 2 || !history.Changes[0].Committed {
		t.Fatalf("history = %+v", history)
	}

	status, _ = doJSON(t, http.MethodGet, base+"/lock-status", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("lock-status status = %d", status)
	}
}

func TestServerJWTIdentity(t *testing.T) {
	t.Parallel()

	const secret = "test-secret"
	ts := StartTestServer(t,
		WithTestConfigFunc(func(cfg *Config) { cfg.JWTSecret = secret }),
		WithTestDataset("orders", testShape(), testRows()),
	)
	base := ts.URL() + "/v1/datasets/orders"

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).
		SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	status, raw := doJSON(t, http.MethodPost, base+"/lock", map[string]string{
		"Authorization": "Bearer " + signed,
	}, api.LockRequest{})
	if status != http.StatusOK {
		t.Fatalf("lock status = %d, body %s", status, raw)
	}
	lock := decode[api.LockResponse](t, raw)
	if lock.Owner != "alice" {
		t.Fatalf("owner = %q", lock.Owner)
	}

	status, raw = doJSON(t, http.MethodPost, base+"/lock", nil, api.LockRequest{})
	if status != http.StatusUnauthorized {
		t.Fatalf("tokenless lock status = %d, body %s", status, raw)
	}
	fail := decode[api.ErrorResponse](t, raw)
	if fail.ErrorCode != "missing_identity" {
		t.Fatalf("error = %+v", fail)
	}

	// Header identity is not trusted once JWT auth is on.
	status, _ = doJSON(t, http.MethodPost, base+"/lock", identityHeaders("mallory"), api.LockRequest{})
	if status != http.StatusUnauthorized {
		t.Fatalf("header-identity lock status = %d", status)
	}
}

func TestServerSweeperReclaimsExpiredLease(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	ts := StartTestServer(t,
		WithTestClock(manual),
		WithTestConfigFunc(func(cfg *Config) { cfg.SweepInterval = time.Minute }),
		WithTestDataset("orders", testShape(), testRows()),
	)
	base := ts.URL() + "/v1/datasets/orders"

	status, raw := doJSON(t, http.MethodPost, base+"/lock", identityHeaders("alice"), api.LockRequest{TimeoutMinutes: 10})
	if status != http.StatusOK {
		t.Fatalf("lock status = %d, body %s", status, raw)
	}
	lock := decode[api.LockResponse](t, raw)
	status, raw = doJSON(t, http.MethodPost, base+"/cells/update", identityHeaders("alice"), api.CellUpdateRequest{
		SessionID: lock.SessionID,
		Changes:   []api.CellChange{{RowIndex: 0, ColumnName: "name", NewValue: "gamma"}},
	})
	if status != http.StatusOK {
		t.Fatalf("cells/update status = %d, body %s", status, raw)
	}

	manual.Advance(11 * time.Minute)

	// The sweeper must reclaim the lapsed lease and void its pending entries,
	// not just report it unlocked lazily.
	waitFor(t, 5*time.Second, func() bool {
		status, raw := doJSON(t, http.MethodGet, base+"/changes/history?committed_only=false", nil, nil)
		if status != http.StatusOK {
			return false
		}
		history := decode[api.HistoryResponse](t, raw)
		return len(history.Changes) == 1 && history.Changes[0].Discarded
	}, "pending entry not voided by sweeper")

	status, raw = doJSON(t, http.MethodGet, base+"/lock-status", nil, nil)
	if status != http.StatusOK || decode[api.LockStatusResponse](t, raw).Locked {
		t.Fatalf("lock-status after sweep = %d %s", status, raw)
	}
}

func TestServerMetricsListener(t *testing.T) {
	t.Parallel()

	ts := StartTestServer(t,
		WithTestConfigFunc(func(cfg *Config) { cfg.MetricsListen = "127.0.0.1:0" }),
		WithTestDataset("orders", testShape(), testRows()),
	)
	base := ts.URL() + "/v1/datasets/orders"

	if status, raw := doJSON(t, http.MethodPost, base+"/lock", identityHeaders("alice"), api.LockRequest{}); status != http.StatusOK {
		t.Fatalf("lock status = %d, body %s", status, raw)
	}

	addr := ts.Server.MetricsAddr()
	if addr == nil {
		t.Fatal("metrics listener not bound")
	}
	status, raw := doJSON(t, http.MethodGet, fmt.Sprintf("http://%s/metrics", addr), nil, nil)
	if status != http.StatusOK {
		t.Fatalf("metrics status = %d", status)
	}
	body := string(raw)
	if !strings.Contains(body, "editd_lease_acquires_total 1") {
		t.Fatalf("metrics missing acquire counter:\n%s", body)
	}
	if !strings.Contains(body, "editd_active_leases 1") {
		t.Fatalf("metrics missing active lease gauge:\n%s", body)
	}
}

func TestServerSqlitePersistenceAcrossRestart(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "editd.db")
	store := "sqlite://" + path

	ts, err := NewTestServer(context.Background(), WithTestStore(store),
		WithTestDataset("orders", testShape(), testRows()))
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	base := ts.URL() + "/v1/datasets/orders"

	_, raw := doJSON(t, http.MethodPost, base+"/lock", identityHeaders("alice"), api.LockRequest{})
	lock := decode[api.LockResponse](t, raw)
	status, raw := doJSON(t, http.MethodPost, base+"/cells/update", identityHeaders("alice"), api.CellUpdateRequest{
		SessionID: lock.SessionID,
		Changes:   []api.CellChange{{RowIndex: 0, ColumnName: "count", NewValue: float64(7)}},
	})
	if status != http.StatusOK {
		t.Fatalf("cells/update status = %d, body %s", status, raw)
	}
	if status, raw := doJSON(t, http.MethodPost, base+"/changes/commit", identityHeaders("alice"), api.SessionRequest{SessionID: lock.SessionID}); status != http.StatusOK {
		t.Fatalf("commit status = %d, body %s", status, raw)
	}
	if err := ts.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	ts2 := StartTestServer(t, WithTestStore(store))
	base = ts2.URL() + "/v1/datasets/orders"

	status, raw = doJSON(t, http.MethodGet, base+"/changes/history", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("history status = %d, body %s", status, raw)
	}
	history := decode[api.HistoryResponse](t, raw)
	if len(history.Changes) != 1 || !history.Changes[0].Committed {
		t.Fatalf("history after restart = %+v", history)
	}

	row, err := ts2.Server.Service().Engine().ReadRow(context.Background(), "orders", 0)
	if err != nil {
		t.Fatalf("ReadRow: %v", err)
	}
	if row["count"] != int64(7) {
		t.Fatalf("persisted row = %#v", row)
	}
}
