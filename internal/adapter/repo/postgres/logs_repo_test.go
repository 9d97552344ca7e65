package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emptyRows struct{}

func (emptyRows) Close()                                       {}
func (emptyRows) Err() error                                   { return nil }
func (emptyRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (emptyRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (emptyRows) Next() bool                                   { return false }
func (emptyRows) Scan(...any) error                            { return nil }
func (emptyRows) Values() ([]any, error)                       { return nil, nil }
func (emptyRows) RawValues() [][]byte                          { return nil }
func (emptyRows) Conn() *pgx.Conn                              { return nil }

type capturingPool struct {
	sql  string
	args []any
}

func (p *capturingPool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.sql, p.args = sql, args
	return pgconn.CommandTag{}, nil
}

func (p *capturingPool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.sql, p.args = sql, args
	return emptyRows{}
}

func (p *capturingPool) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.sql, p.args = sql, args
	return emptyRows{}, nil
}

func (p *capturingPool) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	return nil, nil
}

func TestListAfterIDUnlimitedOmitsLimitClause(t *testing.T) {
	pool := &capturingPool{}
	repo := NewLogRepo(pool)

	// limit <= 0 means no limit; a bound LIMIT 0 would return zero rows
	// and silently break the stream replay path.
	_, err := repo.ListAfterID(context.Background(), "j1", "cursor", 0)
	require.NoError(t, err)
	assert.NotContains(t, pool.sql, "LIMIT")
	assert.Equal(t, []any{"j1", "cursor"}, pool.args)

	_, err = repo.ListAfterID(context.Background(), "j1", "cursor", -1)
	require.NoError(t, err)
	assert.NotContains(t, pool.sql, "LIMIT")
}

func TestListAfterIDBindsPositiveLimit(t *testing.T) {
	pool := &capturingPool{}
	repo := NewLogRepo(pool)

	_, err := repo.ListAfterID(context.Background(), "j1", "cursor", 50)
	require.NoError(t, err)
	assert.Contains(t, pool.sql, "LIMIT $3")
	assert.Equal(t, []any{"j1", "cursor", 50}, pool.args)
}

func TestListAfterTimeLimitContract(t *testing.T) {
	pool := &capturingPool{}
	repo := NewLogRepo(pool)
	after := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	_, err := repo.ListAfterTime(context.Background(), "j1", after, 0)
	require.NoError(t, err)
	assert.NotContains(t, pool.sql, "LIMIT")

	_, err = repo.ListAfterTime(context.Background(), "j1", after, 100)
	require.NoError(t, err)
	assert.Contains(t, pool.sql, "LIMIT $3")
}
