package quota_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"meterline/internal/config"
	"meterline/internal/db"
	"meterline/internal/domain"
	"meterline/internal/engine/quota"
	"meterline/internal/migrate"
	"meterline/internal/repo"
)

func newTestEngine(t *testing.T, tier domain.Tier) (*quota.Engine, *sql.DB, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := quota.New(conn, config.Default(), nil)
	eng.Now = func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	r := repo.Repo{DB: conn}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.InsertOrg(ctx, tx, domain.Org{
		ID: "org-1", Name: "Test", Tier: tier,
		CreatedAt: "2025-01-01T00:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return &eng, conn, ctx
}

func TestLazyCreateUsesTierDefaults(t *testing.T) {
	eng, _, ctx := newTestEngine(t, domain.TierFree)
	s, err := eng.Check(ctx, "org-1", domain.ResourceExports, 1)
	if err != nil {
		t.Fatal(err)
	}
	if s.Limit != 20 || s.Used != 0 || !s.Allowed {
		t.Fatalf("free exports: %+v", s)
	}
	if s.ResetAt != "2025-04-01T00:00:00Z" {
		t.Fatalf("reset_at: %s", s.ResetAt)
	}
}

func TestConsumeUntilExceeded(t *testing.T) {
	eng, _, ctx := newTestEngine(t, domain.TierFree)
	// Free tier allows 10 alerts.
	for i := 0; i < 10; i++ {
		if _, err := eng.Consume(ctx, "org-1", domain.ResourceAlerts, 1); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}
	_, err := eng.Consume(ctx, "org-1", domain.ResourceAlerts, 1)
	var qe quota.ExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("expected ExceededError, got %v", err)
	}
	if qe.Limit != 10 {
		t.Fatalf("error limit: %d", qe.Limit)
	}
	s, err := eng.Check(ctx, "org-1", domain.ResourceAlerts, 1)
	if err != nil {
		t.Fatal(err)
	}
	if s.Allowed || s.Remaining != 0 {
		t.Fatalf("after exhaustion: %+v", s)
	}
}

func TestLazyMonthlyReset(t *testing.T) {
	eng, _, ctx := newTestEngine(t, domain.TierFree)
	for i := 0; i < 5; i++ {
		if _, err := eng.Consume(ctx, "org-1", domain.ResourceAlerts, 1); err != nil {
			t.Fatal(err)
		}
	}

	// Cross the period boundary; the next check resets and persists.
	eng.Now = func() time.Time { return time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC) }
	s, err := eng.Check(ctx, "org-1", domain.ResourceAlerts, 1)
	if err != nil {
		t.Fatal(err)
	}
	if s.Used != 0 {
		t.Fatalf("reset should zero the counter, got used=%d", s.Used)
	}
	if s.ResetAt != "2025-05-01T00:00:00Z" {
		t.Fatalf("new reset_at: %s", s.ResetAt)
	}

	// Idempotent: a second check does not reset again.
	if _, err := eng.Consume(ctx, "org-1", domain.ResourceAlerts, 1); err != nil {
		t.Fatal(err)
	}
	s, _ = eng.Check(ctx, "org-1", domain.ResourceAlerts, 1)
	if s.Used != 1 {
		t.Fatalf("used after consume in new period: %d", s.Used)
	}
}

func TestUnlimitedSentinelSkipsWrites(t *testing.T) {
	eng, conn, ctx := newTestEngine(t, domain.TierPro)
	r := repo.Repo{DB: conn}

	// Mark exports unlimited for this org.
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.InsertQuotaTx(ctx, tx, domain.OrgQuota{
		OrgID:    "org-1",
		Resource: domain.ResourceExports,
		Limit:    domain.UnlimitedSentinel,
		Used:     0,
		ResetAt:  "2025-04-01T00:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		s, err := eng.Consume(ctx, "org-1", domain.ResourceExports, 1)
		if err != nil {
			t.Fatal(err)
		}
		if !s.Unlimited || !s.Allowed {
			t.Fatalf("sentinel consume: %+v", s)
		}
	}
	tx2, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx2.Rollback()
	q, err := r.GetQuotaTx(ctx, tx2, "org-1", domain.ResourceExports)
	if err != nil {
		t.Fatal(err)
	}
	if q.Used != 0 {
		t.Fatalf("unlimited counter must never increment, got %d", q.Used)
	}
}

func TestDegradedWhenTableMissing(t *testing.T) {
	eng, conn, ctx := newTestEngine(t, domain.TierFree)
	if _, err := conn.ExecContext(ctx, `DROP TABLE org_quotas`); err != nil {
		t.Fatal(err)
	}
	s, err := eng.Check(ctx, "org-1", domain.ResourceSimulations, 1)
	if err != nil {
		t.Fatalf("degraded check should not fail: %v", err)
	}
	if !s.Degraded || !s.Allowed {
		t.Fatalf("degraded status: %+v", s)
	}
}
