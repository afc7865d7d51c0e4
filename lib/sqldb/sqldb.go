// Package sqldb is the relational handle shared by every store in overseer.
// Queries are written once, with postgres style $N placeholders, and run
// against either an embedded sqlite file or a postgres compatible cluster.
package sqldb

import (
	"context"
	"database/sql"
	"regexp"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	logging "github.com/ipfs/go-log/v2"
	_ "github.com/yugabyte/pgx/v5/stdlib"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/lib/sqlite"
)

var log = logging.Logger("sqldb")

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

type Config struct {
	Driver Dialect
	// Path of the sqlite database file.
	Path string
	// DSN of the postgres database.
	DSN string
}

// Schema is the DDL of one logical database in both dialects. The sqlite
// flavour may carry migrations; postgres deployments apply DDL idempotently.
type Schema struct {
	Name       string
	SQLite     []string
	Postgres   []string
	Migrations []sqlite.MigrationFunc
}

type DB struct {
	db      *sql.DB
	dialect Dialect
	name    string
}

// Open connects to the configured database and installs the schema.
func Open(ctx context.Context, cfg Config, schema Schema) (*DB, error) {
	var (
		sdb *sql.DB
		err error
	)

	switch cfg.Driver {
	case SQLite, "":
		sdb, err = sqlite.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		if err := sqlite.InitDb(ctx, schema.Name, sdb, schema.SQLite, schema.Migrations); err != nil {
			_ = sdb.Close()
			return nil, xerrors.Errorf("init %s schema: %w", schema.Name, err)
		}
		cfg.Driver = SQLite
	case Postgres:
		sdb, err = sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, xerrors.Errorf("open postgres: %w", err)
		}
		if err := sdb.PingContext(ctx); err != nil {
			_ = sdb.Close()
			return nil, xerrors.Errorf("connect postgres: %w", err)
		}
		for _, ddl := range schema.Postgres {
			if _, err := sdb.ExecContext(ctx, ddl); err != nil {
				_ = sdb.Close()
				return nil, xerrors.Errorf("init %s schema: exec %q: %w", schema.Name, ddl, err)
			}
		}
	default:
		return nil, xerrors.Errorf("unknown database driver %q", cfg.Driver)
	}

	log.Infow("database ready", "name", schema.Name, "driver", cfg.Driver)
	return &DB{db: sdb, dialect: cfg.Driver, name: schema.Name}, nil
}

func (db *DB) Dialect() Dialect {
	return db.dialect
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

var placeholderRE = regexp.MustCompile(`\$([0-9]+)`)

// rebind turns $N placeholders into sqlite's ?N, which binds by the same index.
func (db *DB) rebind(q string) string {
	if db.dialect != SQLite {
		return q
	}
	return placeholderRE.ReplaceAllString(q, "?$1")
}

// Exec executes a statement and returns the number of rows it affected.
func (db *DB) Exec(ctx context.Context, q string, args ...any) (int, error) {
	done := db.track(ctx, "exec")
	res, err := db.db.ExecContext(ctx, db.rebind(q), args...)
	done(err)
	if err != nil {
		return 0, err
	}
	ct, err := res.RowsAffected()
	return int(ct), err
}

// Select scans all rows into dst, a pointer to a slice of structs or scalars.
func (db *DB) Select(ctx context.Context, dst any, q string, args ...any) error {
	done := db.track(ctx, "select")
	err := sqlscan.Select(ctx, db.db, dst, db.rebind(q), args...)
	done(err)
	return err
}

// Get scans exactly one row into dst. sql.ErrNoRows is returned when nothing matched.
func (db *DB) Get(ctx context.Context, dst any, q string, args ...any) error {
	done := db.track(ctx, "get")
	err := sqlscan.Get(ctx, db.db, dst, db.rebind(q), args...)
	done(err)
	return normalizeNoRows(err)
}

func (db *DB) QueryRow(ctx context.Context, q string, args ...any) *sql.Row {
	done := db.track(ctx, "query_row")
	defer done(nil)
	return db.db.QueryRowContext(ctx, db.rebind(q), args...)
}

type Tx struct {
	tx  *sql.Tx
	db  *DB
	ctx context.Context
}

// BeginTransaction runs f inside a transaction. The transaction commits only
// when f returns (true, nil); anything else rolls it back. The returned bool
// reports whether a commit happened.
func (db *DB) BeginTransaction(ctx context.Context, f func(*Tx) (commit bool, err error)) (didCommit bool, retErr error) {
	done := db.track(ctx, "tx")
	defer func() { done(retErr) }()

	stx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return false, xerrors.Errorf("begin transaction: %w", err)
	}

	var commit bool
	defer func() {
		if !commit {
			if err := stx.Rollback(); err != nil && !xerrors.Is(err, sql.ErrTxDone) {
				log.Warnw("rollback failed", "error", err)
			}
		}
	}()

	commit, err = f(&Tx{tx: stx, db: db, ctx: ctx})
	if err != nil {
		commit = false
		return false, err
	}
	if !commit {
		_ = stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(dbTag, db.name)}, txAbandons.M(1))
		return false, nil
	}

	if err := stx.Commit(); err != nil {
		return false, xerrors.Errorf("commit: %w", err)
	}
	return true, nil
}

func (t *Tx) Exec(q string, args ...any) (int, error) {
	res, err := t.tx.ExecContext(t.ctx, t.db.rebind(q), args...)
	if err != nil {
		return 0, err
	}
	ct, err := res.RowsAffected()
	return int(ct), err
}

func (t *Tx) Select(dst any, q string, args ...any) error {
	return sqlscan.Select(t.ctx, t.tx, dst, t.db.rebind(q), args...)
}

func (t *Tx) Get(dst any, q string, args ...any) error {
	return normalizeNoRows(sqlscan.Get(t.ctx, t.tx, dst, t.db.rebind(q), args...))
}

func (t *Tx) QueryRow(q string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, t.db.rebind(q), args...)
}

func normalizeNoRows(err error) error {
	if err != nil && sqlscan.NotFound(err) {
		return sql.ErrNoRows
	}
	return err
}

// track records one database call; call the returned func with its error.
func (db *DB) track(ctx context.Context, op string) func(error) {
	start := time.Now()
	return func(err error) {
		took := time.Since(start)
		queryLatency.WithLabelValues(db.name, op).Observe(took.Seconds())

		ms := []stats.Measurement{queries.M(1), queryMs.M(float64(took) / float64(time.Millisecond))}
		if err != nil && !xerrors.Is(err, sql.ErrNoRows) {
			ms = append(ms, queryErrs.M(1))
		}
		_ = stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(dbTag, db.name), tag.Upsert(opTag, op)}, ms...)
	}
}
