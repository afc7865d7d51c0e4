// Package jobstore persists tenants, jobs, tasks, analysts and their error and
// timing records. Every state change the dispatcher relies on is a
// conditional update: callers learn from a false return that another party
// changed the row first.
package jobstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mediaplane/overseer/api"
)

type Store interface {
	CreateTenant(ctx context.Context, t api.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (api.Tenant, error)
	ListTenants(ctx context.Context) ([]api.Tenant, error)

	// CreateJob inserts the job and its tasks and sets the waiting counter, atomically.
	CreateJob(ctx context.Context, job api.Job, tasks []api.Task) error
	GetJob(ctx context.Context, id uuid.UUID) (api.Job, error)
	// ListJobs lists the jobs of one tenant, or of all tenants for uuid.Nil.
	ListJobs(ctx context.Context, tenantID uuid.UUID) ([]api.Job, error)
	SetJobState(ctx context.Context, id uuid.UUID, from, to api.JobState, at time.Time) (bool, error)
	// FinalizeJob moves an InProgress job without waiting or running tasks to
	// Success, or Failure when any task failed.
	FinalizeJob(ctx context.Context, id uuid.UUID, at time.Time) (api.JobState, bool, error)
	AdjustJobCounters(ctx context.Context, jobID uuid.UUID, delta api.TaskCounts, at time.Time) error

	GetTask(ctx context.Context, id uuid.UUID) (api.Task, error)
	ListTasks(ctx context.Context, jobID uuid.UUID) ([]api.Task, error)
	// AddTasks appends Waiting tasks to an existing job.
	AddTasks(ctx context.Context, jobID uuid.UUID, tasks []api.Task) error
	// PingTask refreshes the ping time of a Running task held by host.
	PingTask(ctx context.Context, id uuid.UUID, host string, at time.Time) (bool, error)

	// ClaimTask moves a task from expected to next and assigns it to host. It
	// returns false when the task is no longer in the expected state or its
	// job is at its running cap or no longer in progress.
	ClaimTask(ctx context.Context, taskID uuid.UUID, expected, next api.TaskState, host string, at time.Time) (bool, error)
	// TransitionTask ends the current attempt of a Running task.
	TransitionTask(ctx context.Context, tr Transition) (bool, error)

	// TenantLoad reports running and waiting task totals per tenant.
	TenantLoad(ctx context.Context) ([]TenantLoad, error)
	// ListDispatchable lists Waiting tasks of the tenant's in-progress jobs
	// that are under their running cap, by job priority, job age then task age.
	ListDispatchable(ctx context.Context, tenantID uuid.UUID, limit int) ([]Candidate, error)

	UpsertAnalyst(ctx context.Context, spec api.AnalystSpec, at time.Time) (api.Analyst, error)
	GetAnalyst(ctx context.Context, id uuid.UUID) (api.Analyst, error)
	GetAnalystByEndpoint(ctx context.Context, endpoint string) (api.Analyst, error)
	ListAnalysts(ctx context.Context) ([]api.Analyst, error)
	SetAnalystLock(ctx context.Context, id uuid.UUID, lock api.LockState) error
	// MarkAnalystDown marks an Up analyst Down if it has not pinged since pingBefore.
	MarkAnalystDown(ctx context.Context, id uuid.UUID, pingBefore time.Time) (bool, error)
	// DeleteAnalyst removes a Down analyst if it has not pinged since pingBefore.
	DeleteAnalyst(ctx context.Context, id uuid.UUID, pingBefore time.Time) (bool, error)
	ListAnalystsPingedBefore(ctx context.Context, state api.AnalystState, before time.Time) ([]api.Analyst, error)

	AppendTaskError(ctx context.Context, e api.TaskError) error
	ListTaskErrors(ctx context.Context, filter api.TaskErrorFilter) ([]api.TaskError, error)

	// ListOrphanTasks lists Running tasks whose last ping is older than pingBefore.
	ListOrphanTasks(ctx context.Context, pingBefore time.Time) ([]api.Task, error)

	RecordProcessorStats(ctx context.Context, jobID uuid.UUID, samples []api.ProcessorSample, at time.Time) error
	ListProcessorStats(ctx context.Context, jobID uuid.UUID) ([]api.ProcessorStat, error)
	// DeleteExpiredJobData drops processor stats of jobs that ended before finishedBefore.
	DeleteExpiredJobData(ctx context.Context, finishedBefore time.Time) (int, error)
}

// Transition describes the end of one attempt of a Running task.
type Transition struct {
	TaskID uuid.UUID
	To     api.TaskState
	// Host, when set, must match the task's current host.
	Host string
	// PingBefore, when set, requires the task's last ping to be older.
	PingBefore  time.Time
	IncRunCount bool
	ExitStatus  int
	At          time.Time
	// Error is appended in the same transaction. Its task and job ids are filled in.
	Error *api.TaskError
}

type TenantLoad struct {
	TenantID    uuid.UUID
	TimeCreated time.Time
	Running     int
	Waiting     int
}

// Candidate is a dispatchable task with the ordering keys of its job.
type Candidate struct {
	api.Task
	JobPriority    api.Priority
	JobTimeCreated time.Time
}
