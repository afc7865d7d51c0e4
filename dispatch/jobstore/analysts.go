package jobstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/api"
)

// UpsertAnalyst registers the analyst behind spec.Endpoint, or refreshes its
// metrics and ping time. A Down analyst that pings again is Up. The lock
// state and task assignment of an existing analyst are kept.
func (s *SQLStore) UpsertAnalyst(ctx context.Context, spec api.AnalystSpec, at time.Time) (api.Analyst, error) {
	if spec.Endpoint == "" {
		return api.Analyst{}, xerrors.Errorf("analyst without endpoint: %w", api.ErrInvalidArgument)
	}

	_, err := s.db.Exec(ctx, `INSERT INTO analyst (`+analystColumns+`)
		VALUES ($1, $2, $3, $4, NULL, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (endpoint) DO UPDATE SET
			state = excluded.state,
			total_ram = excluded.total_ram,
			free_ram = excluded.free_ram,
			load_avg = excluded.load_avg,
			threads = excluded.threads,
			version = excluded.version,
			ping_at = excluded.ping_at`,
		uuid.NewString(), spec.Endpoint, string(api.AnalystUp), string(api.Unlocked),
		int64(spec.TotalRAM), int64(spec.FreeRAM), spec.Load, spec.Threads, spec.Version, nanos(at))
	if err != nil {
		return api.Analyst{}, storeErr(err, "upserting analyst %s", spec.Endpoint)
	}
	return s.GetAnalystByEndpoint(ctx, spec.Endpoint)
}

func (s *SQLStore) getAnalyst(ctx context.Context, what string, q string, arg any) (api.Analyst, error) {
	var row analystRow
	err := s.db.Get(ctx, &row, `SELECT `+analystColumns+` FROM analyst WHERE `+q, arg)
	if xerrors.Is(err, sql.ErrNoRows) {
		return api.Analyst{}, notFound("analyst", what)
	}
	if err != nil {
		return api.Analyst{}, storeErr(err, "getting analyst %s", what)
	}
	return row.toAPI()
}

func (s *SQLStore) GetAnalyst(ctx context.Context, id uuid.UUID) (api.Analyst, error) {
	return s.getAnalyst(ctx, id.String(), `id=$1`, id.String())
}

func (s *SQLStore) GetAnalystByEndpoint(ctx context.Context, endpoint string) (api.Analyst, error) {
	return s.getAnalyst(ctx, endpoint, `endpoint=$1`, endpoint)
}

func (s *SQLStore) ListAnalysts(ctx context.Context) ([]api.Analyst, error) {
	var rows []analystRow
	if err := s.db.Select(ctx, &rows, `SELECT `+analystColumns+` FROM analyst ORDER BY endpoint`); err != nil {
		return nil, storeErr(err, "listing analysts")
	}
	return convertAll[analystRow, api.Analyst](rows)
}

func (s *SQLStore) SetAnalystLock(ctx context.Context, id uuid.UUID, lock api.LockState) error {
	n, err := s.db.Exec(ctx, `UPDATE analyst SET lock_state=$2 WHERE id=$1`, id.String(), string(lock))
	if err != nil {
		return storeErr(err, "setting lock of analyst %s", id)
	}
	if n == 0 {
		return notFound("analyst", id)
	}
	return nil
}

func (s *SQLStore) MarkAnalystDown(ctx context.Context, id uuid.UUID, pingBefore time.Time) (bool, error) {
	n, err := s.db.Exec(ctx, `UPDATE analyst SET state=$2 WHERE id=$1 AND state=$3 AND ping_at < $4`,
		id.String(), string(api.AnalystDown), string(api.AnalystUp), nanos(pingBefore))
	if err != nil {
		return false, storeErr(err, "marking analyst %s down", id)
	}
	return n == 1, nil
}

func (s *SQLStore) DeleteAnalyst(ctx context.Context, id uuid.UUID, pingBefore time.Time) (bool, error) {
	n, err := s.db.Exec(ctx, `DELETE FROM analyst WHERE id=$1 AND state=$2 AND ping_at < $3`,
		id.String(), string(api.AnalystDown), nanos(pingBefore))
	if err != nil {
		return false, storeErr(err, "deleting analyst %s", id)
	}
	return n == 1, nil
}

func (s *SQLStore) ListAnalystsPingedBefore(ctx context.Context, state api.AnalystState, before time.Time) ([]api.Analyst, error) {
	var rows []analystRow
	err := s.db.Select(ctx, &rows, `SELECT `+analystColumns+` FROM analyst WHERE state=$1 AND ping_at < $2 ORDER BY ping_at, id`,
		string(state), nanos(before))
	if err != nil {
		return nil, storeErr(err, "listing %s analysts", state)
	}
	return convertAll[analystRow, api.Analyst](rows)
}
