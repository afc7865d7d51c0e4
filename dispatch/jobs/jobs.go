// Package jobs creates tenants and jobs and applies operator actions to them.
package jobs

import (
	"context"
	"strings"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"github.com/samber/lo"
	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/api"
	"github.com/mediaplane/overseer/dispatch/jobstore"
)

var log = logging.Logger("dispatch/jobs")

// DefaultMaxRunningTasks caps a job that does not name its own limit.
const DefaultMaxRunningTasks = 1024

type Launcher struct {
	store jobstore.Store
	clock clock.Clock
}

func New(store jobstore.Store, clk clock.Clock) *Launcher {
	return &Launcher{store: store, clock: clk}
}

func (l *Launcher) CreateTenant(ctx context.Context, name string) (api.Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return api.Tenant{}, xerrors.Errorf("tenant name is empty: %w", api.ErrInvalidArgument)
	}
	t := api.Tenant{ID: uuid.New(), Name: name, TimeCreated: l.clock.Now()}
	if err := l.store.CreateTenant(ctx, t); err != nil {
		return api.Tenant{}, err
	}
	log.Infow("created tenant", "tenant", t.ID, "name", name)
	return t, nil
}

func (l *Launcher) Tenants(ctx context.Context) ([]api.Tenant, error) {
	return l.store.ListTenants(ctx)
}

func validate(spec api.JobSpec) error {
	switch {
	case spec.TenantID == uuid.Nil:
		return xerrors.Errorf("job without tenant: %w", api.ErrInvalidArgument)
	case strings.TrimSpace(spec.Name) == "":
		return xerrors.Errorf("job without name: %w", api.ErrInvalidArgument)
	case len(spec.Tasks) == 0:
		return xerrors.Errorf("job %q has no tasks: %w", spec.Name, api.ErrInvalidArgument)
	case spec.MaxRunningTasks != nil && *spec.MaxRunningTasks < 0:
		return xerrors.Errorf("job %q has negative running cap %d: %w", spec.Name, *spec.MaxRunningTasks, api.ErrInvalidArgument)
	}
	if spec.Priority != nil && !spec.Priority.Valid() {
		return xerrors.Errorf("job %q has unknown priority %d: %w", spec.Name, int(*spec.Priority), api.ErrInvalidArgument)
	}
	for i, ts := range spec.Tasks {
		if ts.Script.Name == "" {
			return xerrors.Errorf("task %d of job %q has no script name: %w", i, spec.Name, api.ErrInvalidArgument)
		}
		if len(ts.Script.Generate) == 0 && len(ts.Script.Execute) == 0 {
			return xerrors.Errorf("task %d of job %q has nothing to run: %w", i, spec.Name, api.ErrInvalidArgument)
		}
	}
	return nil
}

// Launch creates an in-progress job with one waiting task per task spec.
func (l *Launcher) Launch(ctx context.Context, spec api.JobSpec) (api.Job, error) {
	if err := validate(spec); err != nil {
		return api.Job{}, err
	}
	if _, err := l.store.GetTenant(ctx, spec.TenantID); err != nil {
		return api.Job{}, err
	}

	now := l.clock.Now()
	job := api.Job{
		ID:              uuid.New(),
		TenantID:        spec.TenantID,
		Name:            strings.TrimSpace(spec.Name),
		Priority:        api.PriorityStandard,
		State:           api.JobInProgress,
		MaxRunningTasks: DefaultMaxRunningTasks,
		Args:            spec.Args,
		Env:             spec.Env,
		TimeCreated:     now,
		TimeModified:    now,
	}
	if spec.Priority != nil {
		job.Priority = *spec.Priority
	}
	if spec.MaxRunningTasks != nil {
		job.MaxRunningTasks = *spec.MaxRunningTasks
	}

	tasks := lo.Map(spec.Tasks, func(ts api.TaskSpec, _ int) api.Task {
		name := ts.Name
		if name == "" {
			name = ts.Script.Name
		}
		return api.Task{
			ID:           uuid.New(),
			JobID:        job.ID,
			TenantID:     job.TenantID,
			Name:         name,
			State:        api.TaskWaiting,
			Script:       ts.Script,
			Env:          ts.Env,
			TimeCreated:  now,
			TimeModified: now,
		}
	})

	if err := l.store.CreateJob(ctx, job, tasks); err != nil {
		return api.Job{}, err
	}
	job.Counts.Waiting = len(tasks)
	log.Infow("launched job", "job", job.ID, "tenant", job.TenantID, "name", job.Name,
		"priority", job.Priority, "tasks", len(tasks), "maxRunning", job.MaxRunningTasks)
	return job, nil
}

func (l *Launcher) Get(ctx context.Context, id uuid.UUID) (api.Job, error) {
	return l.store.GetJob(ctx, id)
}

// List lists the jobs of a tenant, or of every tenant for uuid.Nil.
func (l *Launcher) List(ctx context.Context, tenantID uuid.UUID) ([]api.Job, error) {
	return l.store.ListJobs(ctx, tenantID)
}

func (l *Launcher) Tasks(ctx context.Context, jobID uuid.UUID) ([]api.Task, error) {
	if _, err := l.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return l.store.ListTasks(ctx, jobID)
}

func (l *Launcher) Task(ctx context.Context, id uuid.UUID) (api.Task, error) {
	return l.store.GetTask(ctx, id)
}

// Cancel stops dispatching the job's waiting tasks. Running tasks finish or
// are reclaimed as usual.
func (l *Launcher) Cancel(ctx context.Context, id uuid.UUID) (api.Job, error) {
	return l.move(ctx, id, api.JobInProgress, api.JobCancelled)
}

// Restart resumes a cancelled job.
func (l *Launcher) Restart(ctx context.Context, id uuid.UUID) (api.Job, error) {
	job, err := l.move(ctx, id, api.JobCancelled, api.JobInProgress)
	if err != nil {
		return api.Job{}, err
	}
	// a job whose last tasks ended while it was cancelled is already done
	state, done, err := l.store.FinalizeJob(ctx, id, l.clock.Now())
	if err != nil {
		return api.Job{}, err
	}
	if done {
		job.State = state
	}
	return job, nil
}

func (l *Launcher) move(ctx context.Context, id uuid.UUID, from, to api.JobState) (api.Job, error) {
	ok, err := l.store.SetJobState(ctx, id, from, to, l.clock.Now())
	if err != nil {
		return api.Job{}, err
	}
	job, err := l.store.GetJob(ctx, id)
	if err != nil {
		return api.Job{}, err
	}
	if !ok {
		return api.Job{}, xerrors.Errorf("job %s is %s, not %s: %w", id, job.State, from, api.ErrConflict)
	}
	log.Infow("job state changed", "job", id, "from", from, "to", to)
	return job, nil
}

func (l *Launcher) TaskErrors(ctx context.Context, filter api.TaskErrorFilter) ([]api.TaskError, error) {
	return l.store.ListTaskErrors(ctx, filter)
}

func (l *Launcher) ProcessorStats(ctx context.Context, jobID uuid.UUID) ([]api.ProcessorStat, error) {
	return l.store.ListProcessorStats(ctx, jobID)
}
