package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"meterline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx so read helpers can run
// inside or outside a transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) InsertOrg(ctx context.Context, tx *sql.Tx, o domain.Org) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO organizations(id,name,tier,created_at) VALUES (?,?,?,?)`,
		o.ID, o.Name, string(o.Tier), o.CreatedAt)
	return err
}

func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, orgID, name string, tier domain.Tier, now string) error {
	if name == "" {
		name = orgID
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO organizations(id,name,tier,created_at) VALUES (?,?,?,?)`,
		orgID, name, string(tier), now)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Org, error) {
	return getOrg(ctx, r.DB, id)
}

func (r Repo) GetOrgTx(ctx context.Context, tx *sql.Tx, id string) (domain.Org, error) {
	return getOrg(ctx, tx, id)
}

func getOrg(ctx context.Context, q querier, id string) (domain.Org, error) {
	var o domain.Org
	var tier string
	err := q.QueryRowContext(ctx, `SELECT id,name,tier,created_at FROM organizations WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &tier, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	o.Tier = domain.Tier(tier)
	return o, err
}

func (r Repo) SetOrgTier(ctx context.Context, id string, tier domain.Tier) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE organizations SET tier=? WHERE id=?`, string(tier), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// IsMissingTable reports whether err came from querying a table that was
// never provisioned. Callers use it to fall back to defaults instead of
// failing when an optional accounting table is absent.
func IsMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
