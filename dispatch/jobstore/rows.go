package jobstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/api"
)

const (
	tenantColumns  = `id, name, created_at`
	jobColumns     = `id, tenant_id, name, priority, state, max_running, waiting, running, success, failure, args, env, created_at, modified_at`
	taskColumns    = `id, job_id, tenant_id, parent_id, name, state, host, run_count, exit_status, script, env, created_at, started_at, stopped_at, ping_at, modified_at`
	analystColumns = `id, endpoint, state, lock_state, task_id, total_ram, free_ram, load_avg, threads, version, created_at, ping_at`
	errorColumns   = `id, task_id, job_id, message, processor, fatal, endpoint, phase, created_at`
)

type tenantRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	CreatedAt int64  `db:"created_at"`
}

type jobRow struct {
	ID         string `db:"id"`
	TenantID   string `db:"tenant_id"`
	Name       string `db:"name"`
	Priority   int    `db:"priority"`
	State      string `db:"state"`
	MaxRunning int    `db:"max_running"`
	Waiting    int    `db:"waiting"`
	Running    int    `db:"running"`
	Success    int    `db:"success"`
	Failure    int    `db:"failure"`
	Args       string `db:"args"`
	Env        string `db:"env"`
	CreatedAt  int64  `db:"created_at"`
	ModifiedAt int64  `db:"modified_at"`
}

type taskRow struct {
	ID         string  `db:"id"`
	JobID      string  `db:"job_id"`
	TenantID   string  `db:"tenant_id"`
	ParentID   *string `db:"parent_id"`
	Name       string  `db:"name"`
	State      string  `db:"state"`
	Host       string  `db:"host"`
	RunCount   int     `db:"run_count"`
	ExitStatus int     `db:"exit_status"`
	Script     string  `db:"script"`
	Env        string  `db:"env"`
	CreatedAt  int64   `db:"created_at"`
	StartedAt  int64   `db:"started_at"`
	StoppedAt  int64   `db:"stopped_at"`
	PingAt     int64   `db:"ping_at"`
	ModifiedAt int64   `db:"modified_at"`
}

type candidateRow struct {
	taskRow
	JobPriority  int   `db:"job_priority"`
	JobCreatedAt int64 `db:"job_created_at"`
}

type analystRow struct {
	ID        string  `db:"id"`
	Endpoint  string  `db:"endpoint"`
	State     string  `db:"state"`
	LockState string  `db:"lock_state"`
	TaskID    *string `db:"task_id"`
	TotalRAM  int64   `db:"total_ram"`
	FreeRAM   int64   `db:"free_ram"`
	Load      float64 `db:"load_avg"`
	Threads   int     `db:"threads"`
	Version   string  `db:"version"`
	CreatedAt int64   `db:"created_at"`
	PingAt    int64   `db:"ping_at"`
}

type errorRow struct {
	ID        string `db:"id"`
	TaskID    string `db:"task_id"`
	JobID     string `db:"job_id"`
	Message   string `db:"message"`
	Processor string `db:"processor"`
	Fatal     int    `db:"fatal"`
	Endpoint  string `db:"endpoint"`
	Phase     string `db:"phase"`
	CreatedAt int64  `db:"created_at"`
}

type statRow struct {
	JobID     string `db:"job_id"`
	Processor string `db:"processor"`
	Samples   int64  `db:"samples"`
	MinMs     int64  `db:"min_ms"`
	MaxMs     int64  `db:"max_ms"`
	TotalMs   int64  `db:"total_ms"`
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, xerrors.Errorf("corrupt id %q: %w", s, err)
	}
	return id, nil
}

func parseOptionalID(s *string) (*uuid.UUID, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	id, err := parseID(*s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func optionalID(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", xerrors.Errorf("encoding json column: %w", err)
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return xerrors.Errorf("decoding json column: %w", err)
	}
	return nil
}

func (r tenantRow) toAPI() (api.Tenant, error) {
	id, err := parseID(r.ID)
	if err != nil {
		return api.Tenant{}, err
	}
	return api.Tenant{ID: id, Name: r.Name, TimeCreated: fromNanos(r.CreatedAt)}, nil
}

func (r jobRow) toAPI() (api.Job, error) {
	var j api.Job
	var err error
	if j.ID, err = parseID(r.ID); err != nil {
		return j, err
	}
	if j.TenantID, err = parseID(r.TenantID); err != nil {
		return j, err
	}
	if err := decodeJSON(r.Args, &j.Args); err != nil {
		return j, err
	}
	if err := decodeJSON(r.Env, &j.Env); err != nil {
		return j, err
	}
	j.Name = r.Name
	j.Priority = api.Priority(r.Priority)
	j.State = api.JobState(r.State)
	j.MaxRunningTasks = r.MaxRunning
	j.Counts = api.TaskCounts{Waiting: r.Waiting, Running: r.Running, Success: r.Success, Failure: r.Failure}
	j.TimeCreated = fromNanos(r.CreatedAt)
	j.TimeModified = fromNanos(r.ModifiedAt)
	return j, nil
}

func (r taskRow) toAPI() (api.Task, error) {
	var t api.Task
	var err error
	if t.ID, err = parseID(r.ID); err != nil {
		return t, err
	}
	if t.JobID, err = parseID(r.JobID); err != nil {
		return t, err
	}
	if t.TenantID, err = parseID(r.TenantID); err != nil {
		return t, err
	}
	if t.ParentID, err = parseOptionalID(r.ParentID); err != nil {
		return t, err
	}
	if err := decodeJSON(r.Script, &t.Script); err != nil {
		return t, err
	}
	if err := decodeJSON(r.Env, &t.Env); err != nil {
		return t, err
	}
	t.Name = r.Name
	t.State = api.TaskState(r.State)
	t.Host = r.Host
	t.RunCount = r.RunCount
	t.ExitStatus = r.ExitStatus
	t.TimeCreated = fromNanos(r.CreatedAt)
	t.TimeStarted = fromNanos(r.StartedAt)
	t.TimeStopped = fromNanos(r.StoppedAt)
	t.TimePing = fromNanos(r.PingAt)
	t.TimeModified = fromNanos(r.ModifiedAt)
	return t, nil
}

func (r analystRow) toAPI() (api.Analyst, error) {
	var a api.Analyst
	var err error
	if a.ID, err = parseID(r.ID); err != nil {
		return a, err
	}
	if a.TaskID, err = parseOptionalID(r.TaskID); err != nil {
		return a, err
	}
	a.Endpoint = r.Endpoint
	a.State = api.AnalystState(r.State)
	a.Lock = api.LockState(r.LockState)
	a.TotalRAM = uint64(r.TotalRAM)
	a.FreeRAM = uint64(r.FreeRAM)
	a.Load = r.Load
	a.Threads = r.Threads
	a.Version = r.Version
	a.TimeCreated = fromNanos(r.CreatedAt)
	a.TimePing = fromNanos(r.PingAt)
	return a, nil
}

func (r errorRow) toAPI() (api.TaskError, error) {
	var e api.TaskError
	var err error
	if e.ID, err = parseID(r.ID); err != nil {
		return e, err
	}
	if e.TaskID, err = parseID(r.TaskID); err != nil {
		return e, err
	}
	if e.JobID, err = parseID(r.JobID); err != nil {
		return e, err
	}
	e.Message = r.Message
	e.Processor = r.Processor
	e.Fatal = r.Fatal != 0
	e.Endpoint = r.Endpoint
	e.Phase = r.Phase
	e.TimeCreated = fromNanos(r.CreatedAt)
	return e, nil
}

func (r statRow) toAPI() (api.ProcessorStat, error) {
	id, err := parseID(r.JobID)
	if err != nil {
		return api.ProcessorStat{}, err
	}
	return api.ProcessorStat{
		JobID:     id,
		Processor: r.Processor,
		Count:     r.Samples,
		MinMs:     r.MinMs,
		MaxMs:     r.MaxMs,
		TotalMs:   r.TotalMs,
	}, nil
}

func convertAll[R interface{ toAPI() (T, error) }, T any](rows []R) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		v, err := r.toAPI()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
