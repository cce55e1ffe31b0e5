package postgres_test

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over a fixed set of value tuples.
type rowsStub struct {
	tuples [][]any
	idx    int
	err    error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Next() bool {
	if r.idx >= len(r.tuples) {
		return false
	}
	r.idx++
	return true
}
func (r *rowsStub) Scan(dest ...any) error {
	tuple := r.tuples[r.idx-1]
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = tuple[i].(string)
		case *int:
			*p = tuple[i].(int)
		case *bool:
			*p = tuple[i].(bool)
		default:
			return errors.New("unsupported scan dest in stub")
		}
	}
	return nil
}
func (r *rowsStub) Values() ([]any, error) { return nil, nil }
func (r *rowsStub) RawValues() [][]byte    { return nil }
func (r *rowsStub) Conn() *pgx.Conn        { return nil }

// poolStub routes QueryRow/Query by SQL substring so one stub can serve the
// multi-statement operations.
type poolStub struct {
	execErr  error
	execLog  []string
	rowFor   map[string]rowStub
	rowsFor  map[string]*rowsStub
	beginErr error
	tx       *txStub
	pingErr  error
}

func (p *poolStub) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	p.execLog = append(p.execLog, sql)
	return pgconn.CommandTag{}, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	for frag, row := range p.rowFor {
		if strings.Contains(sql, frag) {
			return row
		}
	}
	return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
}

func (p *poolStub) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	for frag, rows := range p.rowsFor {
		if strings.Contains(sql, frag) {
			return rows, nil
		}
	}
	return &rowsStub{}, nil
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	if p.tx == nil {
		p.tx = &txStub{pool: p}
	}
	return p.tx, nil
}

func (p *poolStub) Ping(_ context.Context) error { return p.pingErr }

// txStub implements pgx.Tx by delegating to the pool stub.
type txStub struct {
	pool       *poolStub
	committed  bool
	rolledBack bool
}

func (t *txStub) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *txStub) Commit(context.Context) error          { t.committed = true; return nil }
func (t *txStub) Rollback(context.Context) error        { t.rolledBack = true; return nil }
func (t *txStub) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *txStub) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *txStub) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *txStub) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *txStub) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.pool.Exec(ctx, sql, args...)
}
func (t *txStub) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.pool.Query(ctx, sql, args...)
}
func (t *txStub) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.pool.QueryRow(ctx, sql, args...)
}
func (t *txStub) Conn() *pgx.Conn { return nil }
