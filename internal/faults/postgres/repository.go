// Package postgres keeps the fault journal and the event history in
// PostgreSQL, for gateways managed as a fleet.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/uplinkd/internal/faults"
	"github.com/Sh00ty/uplinkd/internal/models"
	"github.com/Sh00ty/uplinkd/internal/pgerror"
)

const (
	faultsTable = "uplink_faults"
	eventsTable = "uplink_events"
	eventsPkey  = "uplink_events_pkey"
)

//go:embed schema.sql
var Schema string

type Repository struct {
	db *pgxpool.Pool
}

func NewRepo(ctx context.Context, dsn string) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Repository{
		db: pool,
	}, nil
}

func (r *Repository) Close() {
	r.db.Close()
}

// Migrate applies the schema. Every statement is idempotent.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func openFaultQuery(f faults.Fault) squirrel.InsertBuilder {
	return squirrel.Insert(faultsTable).
		Columns("interface", "reason", "failures", "opened_at").
		Values(f.Interface, f.Reason, f.Failures, f.OpenedAt).
		Suffix("on conflict (interface) do update set reason = excluded.reason, failures = excluded.failures, opened_at = excluded.opened_at").
		PlaceholderFormat(squirrel.Dollar)
}

func clearFaultQuery(iface string) squirrel.DeleteBuilder {
	return squirrel.Delete(faultsTable).
		Where(squirrel.Eq{"interface": iface}).
		PlaceholderFormat(squirrel.Dollar)
}

func listOpenQuery() squirrel.SelectBuilder {
	return squirrel.Select("interface", "reason", "failures", "opened_at").
		From(faultsTable).
		OrderBy("interface").
		PlaceholderFormat(squirrel.Dollar)
}

func insertEventQuery(ev models.Event, fields []byte) squirrel.InsertBuilder {
	return squirrel.Insert(eventsTable).
		Columns("id", "type", "severity", "interface", "message", "fields", "created_at").
		Values(ev.ID, string(ev.Type), string(ev.Severity), ev.Interface, ev.Message, fields, ev.Time).
		Suffix("on conflict (id) do nothing").
		PlaceholderFormat(squirrel.Dollar)
}

func (r *Repository) Open(ctx context.Context, f faults.Fault) error {
	sql, args, err := openFaultQuery(f).ToSql()
	if err != nil {
		return fmt.Errorf("failed to create db request: %w", err)
	}
	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to open fault for %s: %w", f.Interface, err)
	}
	return nil
}

func (r *Repository) Clear(ctx context.Context, iface string) error {
	sql, args, err := clearFaultQuery(iface).ToSql()
	if err != nil {
		return fmt.Errorf("failed to create db request: %w", err)
	}
	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to clear fault for %s: %w", iface, err)
	}
	return nil
}

func (r *Repository) ListOpen(ctx context.Context) ([]faults.Fault, error) {
	sql, args, err := listOpenQuery().ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to create db request: %w", err)
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		if pgerror.IsUndefinedTable(err) {
			return nil, fmt.Errorf("fault journal schema missing, run the migration tool: %w", err)
		}
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []faults.Fault
	for rows.Next() {
		var f faults.Fault
		if err := rows.Scan(&f.Interface, &f.Reason, &f.Failures, &f.OpenedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fault: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read faults: %w", err)
	}
	return out, nil
}

func (r *Repository) Name() string {
	return "postgres"
}

// Deliver stores events in one transaction. Events already stored, e.g. by
// an earlier partially failed attempt, are skipped.
func (r *Repository) Deliver(ctx context.Context, events []models.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to start events transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	batch := &pgx.Batch{}
	for _, ev := range events {
		fields, err := json.Marshal(ev.Fields)
		if err != nil {
			return 0, fmt.Errorf("failed to encode fields of event %s: %w", ev.ID, err)
		}
		sql, args, err := insertEventQuery(ev, fields).ToSql()
		if err != nil {
			return 0, fmt.Errorf("failed to create db request: %w", err)
		}
		batch.Queue(sql, args...)
	}

	bResult := tx.SendBatch(ctx, batch)
	defer bResult.Close()
	for _, ev := range events {
		if _, err := bResult.Exec(); err != nil {
			constraint, ok := pgerror.GetConstraintName(err)
			if ok && constraint == eventsPkey {
				log.Warn().Msgf("event %s already stored", ev.ID)
				continue
			}
			return 0, fmt.Errorf("failed to store event %s: %w", ev.ID, err)
		}
	}
	if err := bResult.Close(); err != nil {
		return 0, fmt.Errorf("failed to close events batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit events: %w", err)
	}
	return len(events), nil
}
