package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/xerrors"
)

var log = logging.Logger("sqlite")

// MigrationFunc upgrades the schema by exactly one version. Migrations are
// applied in order; the n-th function moves the database to version n+1.
type MigrationFunc func(ctx context.Context, tx *sql.Tx) error

const metaTableDdl = `CREATE TABLE IF NOT EXISTS _meta (
	version UINT64 NOT NULL UNIQUE
)`

// busyTimeout is how long a writer waits on a locked database before giving up.
const busyTimeout = 10 * time.Second

// Open opens (creating if needed) the database at path. Transactions take the
// write lock up front so that concurrent conditional updates queue behind the
// busy timeout instead of failing on lock upgrade.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, xerrors.Errorf("creating database directory %s: %w", filepath.Dir(path), err)
	}

	dsn := "file:" + path +
		"?mode=rwc" +
		"&_journal_mode=WAL" +
		"&_synchronous=NORMAL" +
		"&_foreign_keys=1" +
		"&_txlock=immediate" +
		"&_busy_timeout=" + strconv.Itoa(int(busyTimeout/time.Millisecond))

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, xerrors.Errorf("open sqlite database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("ping sqlite database %s: %w", path, err)
	}

	return db, nil
}

// InitDb creates the schema of a fresh database from ddls, or brings an existing
// one up to date by running the migrations it has not seen yet. ddls always
// describe the newest schema, so a fresh database is stamped with the final
// version without running any migration.
func InitDb(ctx context.Context, name string, db *sql.DB, ddls []string, migrations []MigrationFunc) error {
	latest := uint64(len(migrations) + 1)

	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type='table' AND name='_meta')`).Scan(&exists)
	if err != nil {
		return xerrors.Errorf("%s: checking schema metadata: %w", name, err)
	}

	if !exists {
		log.Infow("creating schema", "db", name, "version", latest)
		return withTx(ctx, db, func(tx *sql.Tx) error {
			for _, ddl := range append([]string{metaTableDdl}, ddls...) {
				if _, err := tx.ExecContext(ctx, ddl); err != nil {
					return xerrors.Errorf("%s: exec ddl %q: %w", name, ddl, err)
				}
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO _meta (version) VALUES (?)`, latest); err != nil {
				return xerrors.Errorf("%s: stamping schema version: %w", name, err)
			}
			return nil
		})
	}

	var current uint64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM _meta`).Scan(&current); err != nil {
		return xerrors.Errorf("%s: reading schema version: %w", name, err)
	}
	if current > latest {
		return xerrors.Errorf("%s: database schema version %d is newer than this binary supports (%d)", name, current, latest)
	}

	for v := current + 1; v <= latest; v++ {
		migrate := migrations[v-2]
		log.Infow("migrating schema", "db", name, "from", v-1, "to", v)
		err := withTx(ctx, db, func(tx *sql.Tx) error {
			if err := migrate(ctx, tx); err != nil {
				return xerrors.Errorf("%s: migration to version %d: %w", name, v, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO _meta (version) VALUES (?)`, v); err != nil {
				return xerrors.Errorf("%s: recording schema version %d: %w", name, v, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	// ddls use IF NOT EXISTS, re-running them picks up new indexes and tables
	for _, ddl := range ddls {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return xerrors.Errorf("%s: exec ddl %q: %w", name, ddl, err)
		}
	}

	return nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
				log.Warnw("rollback failed", "error", rerr)
			}
		} else {
			err = tx.Commit()
		}
	}()

	return fn(tx)
}
