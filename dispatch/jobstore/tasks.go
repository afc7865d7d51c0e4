package jobstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/api"
	"github.com/mediaplane/overseer/lib/sqldb"
)

func (s *SQLStore) GetTask(ctx context.Context, id uuid.UUID) (api.Task, error) {
	var row taskRow
	err := s.db.Get(ctx, &row, `SELECT `+taskColumns+` FROM task WHERE id=$1`, id.String())
	if xerrors.Is(err, sql.ErrNoRows) {
		return api.Task{}, notFound("task", id)
	}
	if err != nil {
		return api.Task{}, storeErr(err, "getting task %s", id)
	}
	return row.toAPI()
}

func (s *SQLStore) ListTasks(ctx context.Context, jobID uuid.UUID) ([]api.Task, error) {
	var rows []taskRow
	err := s.db.Select(ctx, &rows, `SELECT `+taskColumns+` FROM task WHERE job_id=$1 ORDER BY created_at, id`, jobID.String())
	if err != nil {
		return nil, storeErr(err, "listing tasks of job %s", jobID)
	}
	return convertAll[taskRow, api.Task](rows)
}

func (s *SQLStore) AddTasks(ctx context.Context, jobID uuid.UUID, tasks []api.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	at := tasks[0].TimeCreated
	_, err := s.db.BeginTransaction(ctx, func(tx *sqldb.Tx) (bool, error) {
		for _, t := range tasks {
			if t.JobID != jobID {
				return false, xerrors.Errorf("task %s belongs to job %s, not %s", t.ID, t.JobID, jobID)
			}
		}
		if err := insertTasks(tx, tasks); err != nil {
			return false, err
		}
		return true, adjustCounters(tx, jobID, api.TaskCounts{Waiting: len(tasks)}, at)
	})
	if xerrors.Is(err, api.ErrNotFound) {
		return err
	}
	return storeErr(err, "adding %d tasks to job %s", len(tasks), jobID)
}

func (s *SQLStore) PingTask(ctx context.Context, id uuid.UUID, host string, at time.Time) (bool, error) {
	n, err := s.db.Exec(ctx, `UPDATE task SET ping_at=$3 WHERE id=$1 AND host=$2 AND state=$4`,
		id.String(), host, nanos(at), string(api.TaskRunning))
	if err != nil {
		return false, storeErr(err, "pinging task %s", id)
	}
	return n == 1, nil
}

func (s *SQLStore) ClaimTask(ctx context.Context, taskID uuid.UUID, expected, next api.TaskState, host string, at time.Time) (bool, error) {
	if expected != api.TaskWaiting || next != api.TaskRunning {
		return false, xerrors.Errorf("claim must move a task from %s to %s, not %s to %s", api.TaskWaiting, api.TaskRunning, expected, next)
	}
	if host == "" {
		return false, xerrors.New("claim without host")
	}

	claimed, err := s.db.BeginTransaction(ctx, func(tx *sqldb.Tx) (bool, error) {
		n, err := tx.Exec(`UPDATE task SET state=$3, host=$4, started_at=$5, ping_at=$5, modified_at=$5
			WHERE id=$1 AND state=$2`,
			taskID.String(), string(expected), string(next), host, nanos(at))
		if err != nil {
			return false, err
		}
		if n == 0 {
			// already taken
			return false, nil
		}

		var jobID string
		if err := tx.QueryRow(`SELECT job_id FROM task WHERE id=$1`, taskID.String()).Scan(&jobID); err != nil {
			return false, err
		}

		n, err = tx.Exec(`UPDATE job SET running = running + 1, waiting = waiting - 1, modified_at = $2
			WHERE id = $1 AND state = $3 AND running < max_running`,
			jobID, nanos(at), string(api.JobInProgress))
		if err != nil {
			return false, err
		}
		if n == 0 {
			// job filled up or stopped since the candidate was listed
			return false, nil
		}

		if _, err := tx.Exec(`UPDATE analyst SET task_id=$2 WHERE endpoint=$1`, host, taskID.String()); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return false, storeErr(err, "claiming task %s", taskID)
	}
	return claimed, nil
}

func (s *SQLStore) TransitionTask(ctx context.Context, tr Transition) (bool, error) {
	var delta api.TaskCounts
	switch tr.To {
	case api.TaskWaiting:
		delta.Waiting = 1
	case api.TaskSuccess:
		delta.Success = 1
	case api.TaskFailure:
		delta.Failure = 1
	default:
		return false, xerrors.Errorf("a running task cannot move to %s", tr.To)
	}
	delta.Running = -1

	done, err := s.db.BeginTransaction(ctx, func(tx *sqldb.Tx) (bool, error) {
		var cur struct {
			JobID string `db:"job_id"`
			Host  string `db:"host"`
		}
		err := tx.Get(&cur, `SELECT job_id, host FROM task WHERE id=$1 AND state=$2`, tr.TaskID.String(), string(api.TaskRunning))
		if xerrors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if tr.Host != "" && tr.Host != cur.Host {
			return false, nil
		}

		q := `UPDATE task SET state=$3, host='', run_count = run_count + $4, exit_status=$5,
				stopped_at=$6, modified_at=$6
			WHERE id=$1 AND state=$2 AND host=$7`
		args := []any{tr.TaskID.String(), string(api.TaskRunning), string(tr.To), boolInt(tr.IncRunCount),
			tr.ExitStatus, nanos(tr.At), cur.Host}
		if !tr.PingBefore.IsZero() {
			q += ` AND ping_at < $8`
			args = append(args, nanos(tr.PingBefore))
		}
		n, err := tx.Exec(q, args...)
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}

		jobID, err := parseID(cur.JobID)
		if err != nil {
			return false, err
		}
		if err := adjustCounters(tx, jobID, delta, tr.At); err != nil {
			return false, err
		}

		if cur.Host != "" {
			if _, err := tx.Exec(`UPDATE analyst SET task_id=NULL WHERE endpoint=$1 AND task_id=$2`,
				cur.Host, tr.TaskID.String()); err != nil {
				return false, err
			}
		}

		if tr.Error != nil {
			e := *tr.Error
			e.TaskID = tr.TaskID
			e.JobID = jobID
			if e.Endpoint == "" {
				e.Endpoint = cur.Host
			}
			if err := insertTaskError(tx, e); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if err != nil {
		return false, storeErr(err, "moving task %s to %s", tr.TaskID, tr.To)
	}
	return done, nil
}

func (s *SQLStore) ListOrphanTasks(ctx context.Context, pingBefore time.Time) ([]api.Task, error) {
	var rows []taskRow
	err := s.db.Select(ctx, &rows, `SELECT `+taskColumns+` FROM task WHERE state=$1 AND ping_at < $2 ORDER BY ping_at, id`,
		string(api.TaskRunning), nanos(pingBefore))
	if err != nil {
		return nil, storeErr(err, "listing orphan tasks")
	}
	return convertAll[taskRow, api.Task](rows)
}
