package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/voicefront/callbridge/pkg/bridge/call"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres persists call records in two tables: one row per call, one row
// per transcript entry.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, runs pending migrations, and returns the store.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	if err := migrate(databaseURL); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// migrate uses the database/sql adapter; the runtime path stays on the pool.
func migrate(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

func (p *Postgres) SaveCall(ctx context.Context, rec call.Record) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var callID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO calls (call_sid, stream_sid, started_at, ended_at, termination_reason)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		rec.CallSID, rec.StreamSID, rec.StartedAt, rec.EndedAt, rec.TerminationReason,
	).Scan(&callID)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}

	for i, entry := range rec.Entries {
		_, err = tx.Exec(ctx,
			`INSERT INTO transcript_entries (call_id, seq, role, item_id, content, spoken_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			callID, i, entry.Role, entry.ItemID, entry.Content, entry.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert transcript entry %d: %w", i, err)
		}
	}
	return tx.Commit(ctx)
}

// CallParameters returns the prompt context registered for a call, or the
// zero value when nothing was registered for that SID.
func (p *Postgres) CallParameters(ctx context.Context, callSID string) (call.CallParameters, error) {
	var params call.CallParameters
	err := p.pool.QueryRow(ctx,
		`SELECT caller_name, location, product FROM call_parameters WHERE call_sid = $1`,
		callSID,
	).Scan(&params.Name, &params.Location, &params.Product)
	if errors.Is(err, pgx.ErrNoRows) {
		return call.CallParameters{}, nil
	}
	if err != nil {
		return call.CallParameters{}, fmt.Errorf("call parameters: %w", err)
	}
	return params, nil
}

// SetCallParameters registers the prompt context for an expected call,
// replacing any earlier registration for the same SID.
func (p *Postgres) SetCallParameters(ctx context.Context, callSID string, params call.CallParameters) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO call_parameters (call_sid, caller_name, location, product)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (call_sid) DO UPDATE
		 SET caller_name = EXCLUDED.caller_name,
		     location = EXCLUDED.location,
		     product = EXCLUDED.product`,
		callSID, params.Name, params.Location, params.Product,
	)
	if err != nil {
		return fmt.Errorf("set call parameters: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
