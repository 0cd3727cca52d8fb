package credit_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"meterline/internal/config"
	"meterline/internal/db"
	"meterline/internal/domain"
	"meterline/internal/engine/credit"
	"meterline/internal/migrate"
)

func newTestEngine(t *testing.T) (credit.Engine, *sql.DB, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := credit.New(conn, config.Default(), nil)
	eng.Now = func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Repo.InsertOrg(ctx, tx, domain.Org{
		ID: "org-1", Name: "Test", Tier: domain.TierFree,
		CreatedAt: "2025-01-01T00:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}
	if err := eng.Repo.AssignOrgRole(ctx, tx, "org-1", "admin-1", "admin"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return eng, conn, ctx
}

func TestCreditsForUnitsRoundsUp(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	cases := []struct {
		units int64
		want  int64
	}{
		{1, 1},
		{999, 1},
		{1000, 1},
		{1001, 2},
		{1500, 2},
		{4000, 4},
	}
	for _, c := range cases {
		if got := eng.CreditsForUnits(c.units); got != c.want {
			t.Errorf("CreditsForUnits(%d) = %d, want %d", c.units, got, c.want)
		}
	}
}

func TestDeductRechecksBalance(t *testing.T) {
	eng, _, ctx := newTestEngine(t)

	// Free tier: 5 credits per period.
	if _, err := eng.Deduct(ctx, credit.DeductOptions{OrgID: "org-1", UserID: "u", RawUnits: 4000}); err != nil {
		t.Fatalf("first deduct: %v", err)
	}
	b, err := eng.GetBalance(ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Total != 5 || b.Used != 4 || b.Remaining != 1 {
		t.Fatalf("balance: %+v", b)
	}

	_, err = eng.Deduct(ctx, credit.DeductOptions{OrgID: "org-1", UserID: "u", RawUnits: 1500})
	var ice credit.InsufficientCreditsError
	if !errors.As(err, &ice) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}

	// Override skips the balance check but still writes the record.
	if _, err := eng.Deduct(ctx, credit.DeductOptions{OrgID: "org-1", UserID: "u", RawUnits: 1500, AdminOverride: true}); err != nil {
		t.Fatalf("override deduct: %v", err)
	}
	b, _ = eng.GetBalance(ctx, "org-1")
	if b.Remaining != -1 {
		t.Fatalf("overridden balance should go negative, got %d", b.Remaining)
	}
}

func TestAdminAddCredits(t *testing.T) {
	eng, _, ctx := newTestEngine(t)

	if _, err := eng.AdminAddCredits(ctx, "org-1", "nobody", 10, "topup"); err == nil {
		t.Fatal("expected non-admin grant to be forbidden")
	}
	rec, err := eng.AdminAddCredits(ctx, "org-1", "admin-1", 10, "topup")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Credits != -10 {
		t.Fatalf("grant must be a negative record, got %d", rec.Credits)
	}
	b, err := eng.GetBalance(ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Used != -10 || b.Remaining != 15 {
		t.Fatalf("balance after grant: %+v", b)
	}
	if _, err := eng.AdminAddCredits(ctx, "org-1", "admin-1", 0, "zero"); err == nil {
		t.Fatal("expected zero grant to be rejected")
	}
}

func TestConcurrentDeductionsNeverOverdraw(t *testing.T) {
	eng, _, ctx := newTestEngine(t)

	// 20 workers race for 5 credits; exactly 5 single-credit deductions
	// may win.
	var wg sync.WaitGroup
	okCh := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Deduct(ctx, credit.DeductOptions{OrgID: "org-1", UserID: "u", RawUnits: 1000})
			okCh <- err == nil
		}()
	}
	wg.Wait()
	close(okCh)
	wins := 0
	for ok := range okCh {
		if ok {
			wins++
		}
	}
	if wins != 5 {
		t.Fatalf("expected exactly 5 winning deductions, got %d", wins)
	}
	b, err := eng.GetBalance(ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Remaining != 0 {
		t.Fatalf("remaining after race: %d", b.Remaining)
	}
}

func TestDegradedBalanceWhenLedgerMissing(t *testing.T) {
	eng, conn, ctx := newTestEngine(t)
	if _, err := conn.ExecContext(ctx, `DROP TABLE usage_records`); err != nil {
		t.Fatal(err)
	}
	b, err := eng.GetBalance(ctx, "org-1")
	if err != nil {
		t.Fatalf("degraded read should not fail: %v", err)
	}
	if !b.Degraded || b.Used != 0 || b.Remaining != b.Total {
		t.Fatalf("degraded balance: %+v", b)
	}
	res, err := eng.CheckBalance(ctx, "org-1", 3, false)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || !res.Degraded {
		t.Fatalf("degraded check: %+v", res)
	}
}

func TestPeriodBoundsAreCalendarMonth(t *testing.T) {
	eng, _, ctx := newTestEngine(t)
	b, err := eng.GetBalance(ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.PeriodStart != "2025-03-01T00:00:00Z" || b.PeriodEnd != "2025-04-01T00:00:00Z" {
		t.Fatalf("period: %s .. %s", b.PeriodStart, b.PeriodEnd)
	}
}
