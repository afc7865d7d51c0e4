package jobstore

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/api"
	"github.com/mediaplane/overseer/lib/sqldb"
)

var log = logging.Logger("jobstore")

// SQLStore implements Store over a sqldb handle.
type SQLStore struct {
	db *sqldb.DB
}

var _ Store = (*SQLStore)(nil)

func New(db *sqldb.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Open connects to the database described by cfg and installs the schema.
func Open(ctx context.Context, cfg sqldb.Config) (*SQLStore, error) {
	db, err := sqldb.Open(ctx, cfg, Schema)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return storeErr(s.db.Ping(ctx), "pinging store")
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sqldb.DB {
	return s.db
}

// storeErr wraps a database failure, flagging the retryable ones.
func storeErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	wrapped := xerrors.Errorf(format+": %w", append(args, err)...)
	if sqldb.IsTransient(err) {
		return api.Transient(wrapped)
	}
	return wrapped
}

func notFound(kind string, id any) error {
	return xerrors.Errorf("%s %v: %w", kind, id, api.ErrNotFound)
}

// placeholders returns "$from, $from+1, ..." for n arguments.
func placeholders(from, n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("$")
		sb.WriteString(strconv.Itoa(from + i))
	}
	return sb.String()
}

func (s *SQLStore) CreateTenant(ctx context.Context, t api.Tenant) error {
	_, err := s.db.Exec(ctx, `INSERT INTO tenant (`+tenantColumns+`) VALUES ($1, $2, $3)`,
		t.ID.String(), t.Name, nanos(t.TimeCreated))
	if sqldb.IsErrUniqueContraint(err) {
		return xerrors.Errorf("tenant %q already exists: %w", t.Name, api.ErrConflict)
	}
	return storeErr(err, "creating tenant %s", t.Name)
}

func (s *SQLStore) GetTenant(ctx context.Context, id uuid.UUID) (api.Tenant, error) {
	var row tenantRow
	err := s.db.Get(ctx, &row, `SELECT `+tenantColumns+` FROM tenant WHERE id=$1`, id.String())
	if xerrors.Is(err, sql.ErrNoRows) {
		return api.Tenant{}, notFound("tenant", id)
	}
	if err != nil {
		return api.Tenant{}, storeErr(err, "getting tenant %s", id)
	}
	return row.toAPI()
}

func (s *SQLStore) ListTenants(ctx context.Context) ([]api.Tenant, error) {
	var rows []tenantRow
	if err := s.db.Select(ctx, &rows, `SELECT `+tenantColumns+` FROM tenant ORDER BY created_at, id`); err != nil {
		return nil, storeErr(err, "listing tenants")
	}
	return convertAll[tenantRow, api.Tenant](rows)
}

func (s *SQLStore) CreateJob(ctx context.Context, job api.Job, tasks []api.Task) error {
	args, err := encodeJSON(job.Args)
	if err != nil {
		return err
	}
	env, err := encodeJSON(job.Env)
	if err != nil {
		return err
	}

	_, err = s.db.BeginTransaction(ctx, func(tx *sqldb.Tx) (bool, error) {
		n, err := tx.Exec(`INSERT INTO job (`+jobColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, 0, 0, 0, 0, $7, $8, $9, $9)`,
			job.ID.String(), job.TenantID.String(), job.Name, int(job.Priority), string(job.State),
			job.MaxRunningTasks, args, env, nanos(job.TimeCreated))
		if err != nil {
			return false, err
		}
		if n != 1 {
			return false, xerrors.Errorf("job insert affected %d rows", n)
		}
		if err := insertTasks(tx, tasks); err != nil {
			return false, err
		}
		return true, adjustCounters(tx, job.ID, api.TaskCounts{Waiting: len(tasks)}, job.TimeCreated)
	})
	if sqldb.IsErrUniqueContraint(err) {
		return xerrors.Errorf("job %s already exists: %w", job.ID, api.ErrConflict)
	}
	return storeErr(err, "creating job %s", job.ID)
}

func insertTasks(tx *sqldb.Tx, tasks []api.Task) error {
	for _, t := range tasks {
		script, err := encodeJSON(t.Script)
		if err != nil {
			return err
		}
		env, err := encodeJSON(t.Env)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT INTO task (`+taskColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, '', 0, 0, $7, $8, $9, 0, 0, 0, $9)`,
			t.ID.String(), t.JobID.String(), t.TenantID.String(), optionalID(t.ParentID),
			t.Name, string(api.TaskWaiting), script, env, nanos(t.TimeCreated))
		if err != nil {
			return xerrors.Errorf("inserting task %s: %w", t.ID, err)
		}
	}
	return nil
}

func adjustCounters(tx *sqldb.Tx, jobID uuid.UUID, d api.TaskCounts, at time.Time) error {
	n, err := tx.Exec(`UPDATE job SET waiting = waiting + $2, running = running + $3,
			success = success + $4, failure = failure + $5, modified_at = $6
		WHERE id = $1`,
		jobID.String(), d.Waiting, d.Running, d.Success, d.Failure, nanos(at))
	if err != nil {
		return xerrors.Errorf("adjusting counters of job %s: %w", jobID, err)
	}
	if n == 0 {
		return notFound("job", jobID)
	}
	return nil
}

func (s *SQLStore) GetJob(ctx context.Context, id uuid.UUID) (api.Job, error) {
	var row jobRow
	err := s.db.Get(ctx, &row, `SELECT `+jobColumns+` FROM job WHERE id=$1`, id.String())
	if xerrors.Is(err, sql.ErrNoRows) {
		return api.Job{}, notFound("job", id)
	}
	if err != nil {
		return api.Job{}, storeErr(err, "getting job %s", id)
	}
	return row.toAPI()
}

func (s *SQLStore) ListJobs(ctx context.Context, tenantID uuid.UUID) ([]api.Job, error) {
	var rows []jobRow
	var err error
	if tenantID == uuid.Nil {
		err = s.db.Select(ctx, &rows, `SELECT `+jobColumns+` FROM job ORDER BY created_at, id`)
	} else {
		err = s.db.Select(ctx, &rows, `SELECT `+jobColumns+` FROM job WHERE tenant_id=$1 ORDER BY created_at, id`, tenantID.String())
	}
	if err != nil {
		return nil, storeErr(err, "listing jobs")
	}
	return convertAll[jobRow, api.Job](rows)
}

func (s *SQLStore) SetJobState(ctx context.Context, id uuid.UUID, from, to api.JobState, at time.Time) (bool, error) {
	n, err := s.db.Exec(ctx, `UPDATE job SET state=$3, modified_at=$4 WHERE id=$1 AND state=$2`,
		id.String(), string(from), string(to), nanos(at))
	if err != nil {
		return false, storeErr(err, "setting state of job %s", id)
	}
	return n == 1, nil
}

func (s *SQLStore) FinalizeJob(ctx context.Context, id uuid.UUID, at time.Time) (api.JobState, bool, error) {
	n, err := s.db.Exec(ctx, `UPDATE job
		SET state = CASE WHEN failure = 0 THEN $2 ELSE $3 END, modified_at = $4
		WHERE id = $1 AND state = $5 AND waiting = 0 AND running = 0`,
		id.String(), string(api.JobSuccess), string(api.JobFailure), nanos(at), string(api.JobInProgress))
	if err != nil {
		return "", false, storeErr(err, "finalizing job %s", id)
	}
	if n == 0 {
		return "", false, nil
	}

	var state string
	if err := s.db.QueryRow(ctx, `SELECT state FROM job WHERE id=$1`, id.String()).Scan(&state); err != nil {
		return "", false, storeErr(err, "reading state of job %s", id)
	}
	return api.JobState(state), true, nil
}

func (s *SQLStore) AdjustJobCounters(ctx context.Context, jobID uuid.UUID, delta api.TaskCounts, at time.Time) error {
	_, err := s.db.BeginTransaction(ctx, func(tx *sqldb.Tx) (bool, error) {
		return true, adjustCounters(tx, jobID, delta, at)
	})
	if xerrors.Is(err, api.ErrNotFound) {
		return err
	}
	return storeErr(err, "adjusting counters of job %s", jobID)
}

func (s *SQLStore) TenantLoad(ctx context.Context) ([]TenantLoad, error) {
	var rows []struct {
		TenantID  string `db:"tenant_id"`
		CreatedAt int64  `db:"created_at"`
		Running   int64  `db:"running"`
		Waiting   int64  `db:"waiting"`
	}
	err := s.db.Select(ctx, &rows, `SELECT t.id AS tenant_id, t.created_at AS created_at,
			COALESCE(SUM(j.running), 0) AS running,
			COALESCE(SUM(CASE WHEN j.state = $1 THEN j.waiting ELSE 0 END), 0) AS waiting
		FROM tenant t JOIN job j ON j.tenant_id = t.id
		WHERE j.state = $1 OR j.running > 0
		GROUP BY t.id, t.created_at`, string(api.JobInProgress))
	if err != nil {
		return nil, storeErr(err, "computing tenant load")
	}

	out := make([]TenantLoad, 0, len(rows))
	for _, r := range rows {
		id, err := parseID(r.TenantID)
		if err != nil {
			return nil, err
		}
		out = append(out, TenantLoad{
			TenantID:    id,
			TimeCreated: fromNanos(r.CreatedAt),
			Running:     int(r.Running),
			Waiting:     int(r.Waiting),
		})
	}
	return out, nil
}

func (s *SQLStore) ListDispatchable(ctx context.Context, tenantID uuid.UUID, limit int) ([]Candidate, error) {
	var rows []candidateRow
	err := s.db.Select(ctx, &rows, `SELECT k.id, k.job_id, k.tenant_id, k.parent_id, k.name, k.state, k.host,
			k.run_count, k.exit_status, k.script, k.env, k.created_at, k.started_at, k.stopped_at,
			k.ping_at, k.modified_at, j.priority AS job_priority, j.created_at AS job_created_at
		FROM task k JOIN job j ON j.id = k.job_id
		WHERE j.tenant_id = $1 AND j.state = $2 AND j.running < j.max_running AND k.state = $3
		ORDER BY j.priority, j.created_at, j.id, k.created_at, k.id
		LIMIT $4`,
		tenantID.String(), string(api.JobInProgress), string(api.TaskWaiting), limit)
	if err != nil {
		return nil, storeErr(err, "listing dispatchable tasks of tenant %s", tenantID)
	}

	out := make([]Candidate, 0, len(rows))
	for _, r := range rows {
		t, err := r.taskRow.toAPI()
		if err != nil {
			return nil, err
		}
		out = append(out, Candidate{
			Task:           t,
			JobPriority:    api.Priority(r.JobPriority),
			JobTimeCreated: fromNanos(r.JobCreatedAt),
		})
	}
	return out, nil
}
