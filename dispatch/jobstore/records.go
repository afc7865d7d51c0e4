package jobstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/api"
	"github.com/mediaplane/overseer/lib/sqldb"
)

func insertTaskError(tx *sqldb.Tx, e api.TaskError) error {
	_, err := tx.Exec(`INSERT INTO task_error (`+errorColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID.String(), e.TaskID.String(), e.JobID.String(), e.Message, e.Processor, boolInt(e.Fatal),
		e.Endpoint, e.Phase, nanos(e.TimeCreated))
	if err != nil {
		return xerrors.Errorf("inserting error of task %s: %w", e.TaskID, err)
	}
	return nil
}

func (s *SQLStore) AppendTaskError(ctx context.Context, e api.TaskError) error {
	_, err := s.db.BeginTransaction(ctx, func(tx *sqldb.Tx) (bool, error) {
		return true, insertTaskError(tx, e)
	})
	return storeErr(err, "appending task error")
}

func (s *SQLStore) ListTaskErrors(ctx context.Context, filter api.TaskErrorFilter) ([]api.TaskError, error) {
	if len(filter.JobIDs) == 0 && len(filter.TaskIDs) == 0 {
		return nil, xerrors.Errorf("task error filter needs a job or task id: %w", api.ErrInvalidArgument)
	}

	toArgs := func(ids []uuid.UUID) []any {
		return lo.Map(ids, func(id uuid.UUID, _ int) any { return id.String() })
	}

	var where []string
	var args []any
	if len(filter.JobIDs) > 0 {
		where = append(where, `job_id IN (`+placeholders(len(args)+1, len(filter.JobIDs))+`)`)
		args = append(args, toArgs(filter.JobIDs)...)
	}
	if len(filter.TaskIDs) > 0 {
		where = append(where, `task_id IN (`+placeholders(len(args)+1, len(filter.TaskIDs))+`)`)
		args = append(args, toArgs(filter.TaskIDs)...)
	}

	q := `SELECT ` + errorColumns + ` FROM task_error WHERE ` + where[0]
	if len(where) > 1 {
		q += ` OR ` + where[1]
	}
	q += ` ORDER BY created_at, id`

	var rows []errorRow
	if err := s.db.Select(ctx, &rows, q, args...); err != nil {
		return nil, storeErr(err, "listing task errors")
	}
	return convertAll[errorRow, api.TaskError](rows)
}

func (s *SQLStore) RecordProcessorStats(ctx context.Context, jobID uuid.UUID, samples []api.ProcessorSample, at time.Time) error {
	if len(samples) == 0 {
		return nil
	}
	_, err := s.db.BeginTransaction(ctx, func(tx *sqldb.Tx) (bool, error) {
		for _, sm := range samples {
			_, err := tx.Exec(`INSERT INTO task_stat (job_id, processor, samples, min_ms, max_ms, total_ms, modified_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (job_id, processor) DO UPDATE SET
					samples = task_stat.samples + excluded.samples,
					min_ms = CASE WHEN excluded.min_ms < task_stat.min_ms THEN excluded.min_ms ELSE task_stat.min_ms END,
					max_ms = CASE WHEN excluded.max_ms > task_stat.max_ms THEN excluded.max_ms ELSE task_stat.max_ms END,
					total_ms = task_stat.total_ms + excluded.total_ms,
					modified_at = excluded.modified_at`,
				jobID.String(), sm.Processor, sm.Count, sm.MinMs, sm.MaxMs, sm.TotalMs, nanos(at))
			if err != nil {
				return false, xerrors.Errorf("recording %s stats: %w", sm.Processor, err)
			}
		}
		return true, nil
	})
	return storeErr(err, "recording processor stats of job %s", jobID)
}

func (s *SQLStore) ListProcessorStats(ctx context.Context, jobID uuid.UUID) ([]api.ProcessorStat, error) {
	var rows []statRow
	err := s.db.Select(ctx, &rows, `SELECT job_id, processor, samples, min_ms, max_ms, total_ms
		FROM task_stat WHERE job_id=$1 ORDER BY processor`, jobID.String())
	if err != nil {
		return nil, storeErr(err, "listing processor stats of job %s", jobID)
	}
	return convertAll[statRow, api.ProcessorStat](rows)
}

func (s *SQLStore) DeleteExpiredJobData(ctx context.Context, finishedBefore time.Time) (int, error) {
	n, err := s.db.Exec(ctx, `DELETE FROM task_stat WHERE job_id IN (
			SELECT id FROM job WHERE state IN ($1, $2, $3) AND modified_at < $4)`,
		string(api.JobSuccess), string(api.JobFailure), string(api.JobCancelled), nanos(finishedBefore))
	if err != nil {
		return 0, storeErr(err, "deleting expired job data")
	}
	if n > 0 {
		log.Infow("deleted expired processor stats", "rows", n, "finishedBefore", finishedBefore)
	}
	return n, nil
}
