// Package dispatchtest builds real sqlite backed stores and fixtures for the
// dispatch package tests.
package dispatchtest

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/mediaplane/overseer/api"
	"github.com/mediaplane/overseer/dispatch/jobstore"
	"github.com/mediaplane/overseer/lib/sqldb"
)

// Epoch is the starting time of every mock clock handed out here.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// NewStore opens a fresh sqlite store that is closed with the test.
func NewStore(t testing.TB) *jobstore.SQLStore {
	t.Helper()
	st, err := jobstore.Open(context.Background(), sqldb.Config{
		Driver: sqldb.SQLite,
		Path:   filepath.Join(t.TempDir(), "overseer.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// NewClock returns a mock clock set to Epoch.
func NewClock() *clock.Mock {
	c := clock.NewMock()
	c.Set(Epoch)
	return c
}

func Tenant(t testing.TB, st jobstore.Store, name string, created time.Time) api.Tenant {
	t.Helper()
	tn := api.Tenant{ID: uuid.New(), Name: name, TimeCreated: created}
	require.NoError(t, st.CreateTenant(context.Background(), tn))
	return tn
}

// JobOpts tweaks a job built by Job.
type JobOpts struct {
	Priority api.Priority
	// MaxRunning of 0 means 1024; a negative value gives a cap of zero.
	MaxRunning int
	Tasks      int
	Env        map[string]string
	Script     *api.Script
}

// Job creates an in-progress job with opts.Tasks waiting tasks (at least one).
func Job(t testing.TB, st jobstore.Store, tenant api.Tenant, name string, created time.Time, opts JobOpts) (api.Job, []api.Task) {
	t.Helper()
	if opts.Tasks == 0 {
		opts.Tasks = 1
	}
	if opts.MaxRunning == 0 {
		opts.MaxRunning = 1024
	}
	if opts.MaxRunning < 0 {
		opts.MaxRunning = 0
	}
	script := api.Script{
		Name:    name,
		Execute: []api.Processor{{Name: "probe"}, {Name: "thumbnail"}},
	}
	if opts.Script != nil {
		script = *opts.Script
	}

	job := api.Job{
		ID:              uuid.New(),
		TenantID:        tenant.ID,
		Name:            name,
		Priority:        opts.Priority,
		State:           api.JobInProgress,
		MaxRunningTasks: opts.MaxRunning,
		Env:             opts.Env,
		TimeCreated:     created,
		TimeModified:    created,
	}
	tasks := make([]api.Task, opts.Tasks)
	for i := range tasks {
		tasks[i] = api.Task{
			ID:          uuid.New(),
			JobID:       job.ID,
			TenantID:    tenant.ID,
			Name:        name,
			State:       api.TaskWaiting,
			Script:      script,
			Env:         map[string]string{"TASK_INDEX": strconv.Itoa(i)},
			TimeCreated: created.Add(time.Duration(i) * time.Millisecond),
		}
	}
	require.NoError(t, st.CreateJob(context.Background(), job, tasks))
	return job, tasks
}

// Analyst registers an unlocked analyst at endpoint.
func Analyst(t testing.TB, st jobstore.Store, endpoint string, at time.Time) api.Analyst {
	t.Helper()
	a, err := st.UpsertAnalyst(context.Background(), api.AnalystSpec{
		Endpoint: endpoint,
		TotalRAM: 16 << 30,
		FreeRAM:  8 << 30,
		Threads:  8,
		Version:  "1.2.0",
	}, at)
	require.NoError(t, err)
	return a
}

// RequireCounts checks a job's counters against the actual task states.
func RequireCounts(t testing.TB, st jobstore.Store, jobID uuid.UUID, want api.TaskCounts) {
	t.Helper()
	ctx := context.Background()
	job, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, want, job.Counts, "job counters")

	tasks, err := st.ListTasks(ctx, jobID)
	require.NoError(t, err)
	var actual api.TaskCounts
	for _, tk := range tasks {
		switch tk.State {
		case api.TaskWaiting:
			actual.Waiting++
		case api.TaskRunning:
			actual.Running++
		case api.TaskSuccess:
			actual.Success++
		case api.TaskFailure:
			actual.Failure++
		}
	}
	require.Equal(t, want, actual, "task states")
}
