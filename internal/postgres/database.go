// Package postgres implements a PostgreSQL user database.
//
// Users and groups are stored in their own tables with a syncid column
// holding the synchronization identifier. Group membership is read from
// a memberships table, which idsync never writes: it is maintained by
// the applications sharing the database, and its rows are removed with
// the entries they reference. The schema is created by embedded
// migrations.
//
// All access happens inside a single open transaction, begun on first
// use after each commit or rollback. Every transaction takes the same
// transaction-scoped advisory lock, so concurrent runs against one
// database are serialised.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/isometry/idsync/internal/identity"
)

const logSubsystem = "postgres"

// advisoryLockKey identifies the synchronization lock.
const advisoryLockKey int64 = 0x69647379_6e63

const lockSQL = "SELECT pg_advisory_xact_lock($1)"

// Pool is the subset of *pgxpool.Pool used by Database. It is also
// implemented by pgxmock.PgxPoolIface.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Config configures a PostgreSQL database.
type Config struct {
	// URL is a connection string in URL or keyword/value form. Settings
	// it omits are taken from the standard PG* environment variables.
	URL string `yaml:"url"`

	// MaxConns bounds the connection pool.
	MaxConns int32 `yaml:"max_conns" default:"4"`
}

// Database is a PostgreSQL user database.
type Database struct {
	pool    Pool
	migrate func(ctx context.Context) error
	tx      pgx.Tx
	name    string
}

var _ identity.Destination = (*Database)(nil)

// New connects to the database described by config.
func New(ctx context.Context, config *Config) (*Database, error) {
	pc, err := pgxpool.ParseConfig(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if config.MaxConns > 0 {
		pc.MaxConns = config.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	tflog.SubsystemInfo(ctx, logSubsystem, "Connected to database", map[string]any{
		"host":      pc.ConnConfig.Host,
		"database":  pc.ConnConfig.Database,
		"max_conns": pc.MaxConns,
	})

	db := NewWithPool(pool)
	db.name = pc.ConnConfig.Database
	db.migrate = func(ctx context.Context) error { return migrate(ctx, pool) }
	return db, nil
}

// NewWithPool returns a database using an existing pool whose schema
// is already in place.
func NewWithPool(pool Pool) *Database {
	return &Database{pool: pool}
}

func (d *Database) String() string {
	return fmt.Sprintf("Postgres(%q)", d.name)
}

func (d *Database) Attributes(kind identity.Kind) []identity.Attribute {
	return tableFor(kind).attributes()
}

// Prepare applies any pending migrations.
func (d *Database) Prepare(ctx context.Context) error {
	if d.migrate == nil {
		return nil
	}
	return d.migrate(ctx)
}

// begin returns the open transaction, starting one if necessary.
func (d *Database) begin(ctx context.Context) (pgx.Tx, error) {
	if d.tx != nil {
		return d.tx, nil
	}

	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.Exec(ctx, lockSQL, advisoryLockKey); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("failed to acquire synchronization lock: %w", err)
	}

	tflog.SubsystemTrace(ctx, logSubsystem, "Began transaction")
	d.tx = tx
	return tx, nil
}

// query yields the rows of t matching the clause that follows the
// select list.
func (d *Database) query(ctx context.Context, t *table, clause string, args ...any) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		tx, err := d.begin(ctx)
		if err != nil {
			yield(nil, err)
			return
		}

		rows, err := tx.Query(ctx, t.selectSQL+" "+clause, args...)
		if err != nil {
			yield(nil, fmt.Errorf("failed to query %s: %w", t.name, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := t.scan(d, rows)
			if err != nil {
				yield(nil, fmt.Errorf("failed to read %s: %w", t.name, err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("failed to query %s: %w", t.name, err))
		}
	}
}

// queryRow returns the single row of t matching clause, or nil.
func (d *Database) queryRow(ctx context.Context, t *table, clause string, args ...any) (*Entry, error) {
	tx, err := d.begin(ctx)
	if err != nil {
		return nil, err
	}
	e, err := t.scan(d, tx.QueryRow(ctx, t.selectSQL+" "+clause, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t.name, err)
	}
	return e, nil
}

func (d *Database) FindBySyncId(ctx context.Context, id identity.SyncId) (identity.WritableEntry, error) {
	for _, t := range tables {
		e, err := d.queryRow(ctx, t, "WHERE syncid = $1", id.UUID())
		if err != nil {
			return nil, err
		}
		if e != nil {
			return wrap(e), nil
		}
	}
	return nil, nil
}

func (d *Database) FindBySyncIds(ctx context.Context, ids []identity.SyncId, invert bool) ([]identity.WritableEntry, error) {
	clause := "WHERE syncid = ANY($1::uuid[]) ORDER BY name"
	if invert {
		clause = "WHERE syncid IS NOT NULL AND NOT (syncid = ANY($1::uuid[])) ORDER BY name"
	}

	uuids := make([]uuid.UUID, len(ids))
	for i, id := range ids {
		uuids[i] = id.UUID()
	}

	var found []identity.WritableEntry
	for _, t := range tables {
		for e, err := range d.query(ctx, t, clause, uuids) {
			if err != nil {
				return nil, err
			}
			found = append(found, wrap(e))
		}
	}
	return found, nil
}

func (d *Database) FindByKey(ctx context.Context, kind identity.Kind, key string) (identity.WritableEntry, error) {
	e, err := d.queryRow(ctx, tableFor(kind), "WHERE name = $1", key)
	if err != nil || e == nil {
		return nil, err
	}
	return wrap(e), nil
}

// Create returns a new, unsaved entry. Its row identifier is assigned
// when first saved.
func (d *Database) Create(ctx context.Context, kind identity.Kind) (identity.WritableEntry, error) {
	t := tableFor(kind)
	return wrap(&Entry{
		db:      d,
		table:   t,
		enabled: true,
		attrs:   make(map[string][]string, len(t.columns)),
		isNew:   true,
	}), nil
}

func (d *Database) Save(ctx context.Context, entry identity.WritableEntry) error {
	e, err := d.own(entry)
	if err != nil {
		return err
	}
	if e.key == "" {
		return fmt.Errorf("cannot save %s without a key", e.table.kind)
	}

	tx, err := d.begin(ctx)
	if err != nil {
		return err
	}

	sql := e.table.updateSQL
	if e.isNew {
		if e.id == uuid.Nil {
			e.id = e.table.rowID(e.syncid)
		}
		sql = e.table.insertSQL
	}

	tag, err := tx.Exec(ctx, sql, e.table.values(e)...)
	switch {
	case isUniqueViolation(err):
		return fmt.Errorf("%s conflicts with an existing entry: %w", identity.Describe(e), err)
	case err != nil:
		return fmt.Errorf("failed to save %s: %w", identity.Describe(e), err)
	case tag.RowsAffected() == 0:
		return fmt.Errorf("%s no longer exists", identity.Describe(e))
	}

	tflog.SubsystemTrace(ctx, logSubsystem, "Saved entry", map[string]any{
		"entry":  identity.Describe(e),
		"uuid":   e.id.String(),
		"insert": e.isNew,
	})
	e.isNew = false
	return nil
}

func (d *Database) Delete(ctx context.Context, entry identity.WritableEntry) error {
	e, err := d.own(entry)
	if err != nil {
		return err
	}
	if e.isNew {
		return nil
	}

	tx, err := d.begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, e.table.deleteSQL, e.id); err != nil {
		return fmt.Errorf("failed to delete %s: %w", identity.Describe(e), err)
	}

	tflog.SubsystemTrace(ctx, logSubsystem, "Deleted entry", map[string]any{
		"entry": identity.Describe(e),
		"uuid":  e.id.String(),
	})
	return nil
}

func (d *Database) State() identity.State {
	return &state{db: d}
}

// Commit commits the open transaction, if any.
func (d *Database) Commit(ctx context.Context) error {
	if d.tx == nil {
		return nil
	}
	tx := d.tx
	d.tx = nil
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tflog.SubsystemTrace(ctx, logSubsystem, "Committed transaction")
	return nil
}

// Rollback aborts the open transaction, if any.
func (d *Database) Rollback(ctx context.Context) error {
	if d.tx == nil {
		return nil
	}
	tx := d.tx
	d.tx = nil
	if err := tx.Rollback(ctx); err != nil {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	tflog.SubsystemTrace(ctx, logSubsystem, "Rolled back transaction")
	return nil
}

// Close aborts any open transaction and closes the pool.
func (d *Database) Close() error {
	err := d.Rollback(context.Background())
	d.pool.Close()
	return err
}

func (d *Database) own(entry identity.WritableEntry) (*Entry, error) {
	owned, ok := entry.(interface{ entry() *Entry })
	if !ok || owned.entry().db != d {
		return nil, fmt.Errorf("entry %s does not belong to this database", identity.Describe(entry))
	}
	return owned.entry(), nil
}

// isUniqueViolation reports whether the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == "23505"
}
