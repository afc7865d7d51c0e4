package jobstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mediaplane/overseer/api"
	"github.com/mediaplane/overseer/dispatch/dispatchtest"
	"github.com/mediaplane/overseer/dispatch/jobstore"
)

var t0 = dispatchtest.Epoch

func TestCreateJobSetsWaitingCounter(t *testing.T) {
	req := require.New(t)
	st := dispatchtest.NewStore(t)

	tn := dispatchtest.Tenant(t, st, "acme", t0)
	job, tasks := dispatchtest.Job(t, st, tn, "ingest", t0, dispatchtest.JobOpts{Tasks: 3, Env: map[string]string{"A": "1"}})

	got, err := st.GetJob(context.Background(), job.ID)
	req.NoError(err)
	req.Equal(api.JobInProgress, got.State)
	req.Equal(api.PriorityInteractive, got.Priority)
	req.Equal(map[string]string{"A": "1"}, got.Env)
	req.Equal(t0, got.TimeCreated.UTC())
	dispatchtest.RequireCounts(t, st, job.ID, api.TaskCounts{Waiting: 3})

	task, err := st.GetTask(context.Background(), tasks[1].ID)
	req.NoError(err)
	req.Equal(tasks[1].Script, task.Script)
	req.Equal(tn.ID, task.TenantID)
	req.Nil(task.ParentID)
	req.Empty(task.Host)
}

func TestNotFound(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := dispatchtest.NewStore(t)

	_, err := st.GetJob(ctx, uuid.New())
	req.ErrorIs(err, api.ErrNotFound)
	_, err = st.GetTask(ctx, uuid.New())
	req.ErrorIs(err, api.ErrNotFound)
	_, err = st.GetTenant(ctx, uuid.New())
	req.ErrorIs(err, api.ErrNotFound)
	_, err = st.GetAnalystByEndpoint(ctx, "nowhere:1")
	req.ErrorIs(err, api.ErrNotFound)
	req.ErrorIs(st.SetAnalystLock(ctx, uuid.New(), api.Locked), api.ErrNotFound)
	req.ErrorIs(st.AdjustJobCounters(ctx, uuid.New(), api.TaskCounts{Waiting: 1}, t0), api.ErrNotFound)
}

func TestDuplicateTenant(t *testing.T) {
	st := dispatchtest.NewStore(t)
	dispatchtest.Tenant(t, st, "acme", t0)
	err := st.CreateTenant(context.Background(), api.Tenant{ID: uuid.New(), Name: "acme", TimeCreated: t0})
	require.ErrorIs(t, err, api.ErrConflict)
}

func TestClaimTask(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := dispatchtest.NewStore(t)

	tn := dispatchtest.Tenant(t, st, "acme", t0)
	job, tasks := dispatchtest.Job(t, st, tn, "ingest", t0, dispatchtest.JobOpts{Tasks: 2})
	dispatchtest.Analyst(t, st, "a1:9000", t0)

	ok, err := st.ClaimTask(ctx, tasks[0].ID, api.TaskWaiting, api.TaskRunning, "a1:9000", t0.Add(time.Second))
	req.NoError(err)
	req.True(ok)

	// the second claim sees Running and loses
	ok, err = st.ClaimTask(ctx, tasks[0].ID, api.TaskWaiting, api.TaskRunning, "a2:9000", t0.Add(time.Second))
	req.NoError(err)
	req.False(ok)

	task, err := st.GetTask(ctx, tasks[0].ID)
	req.NoError(err)
	req.Equal(api.TaskRunning, task.State)
	req.Equal("a1:9000", task.Host)
	req.Equal(t0.Add(time.Second), task.TimePing.UTC())

	an, err := st.GetAnalystByEndpoint(ctx, "a1:9000")
	req.NoError(err)
	req.NotNil(an.TaskID)
	req.Equal(tasks[0].ID, *an.TaskID)

	dispatchtest.RequireCounts(t, st, job.ID, api.TaskCounts{Waiting: 1, Running: 1})

	_, err = st.ClaimTask(ctx, tasks[1].ID, api.TaskRunning, api.TaskSuccess, "a1:9000", t0)
	req.Error(err)
}

func TestClaimRespectsRunningCap(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := dispatchtest.NewStore(t)

	tn := dispatchtest.Tenant(t, st, "acme", t0)
	capped, ctasks := dispatchtest.Job(t, st, tn, "capped", t0, dispatchtest.JobOpts{Tasks: 2, MaxRunning: 1})
	closed, ztasks := dispatchtest.Job(t, st, tn, "closed", t0, dispatchtest.JobOpts{Tasks: 1, MaxRunning: -1})

	ok, err := st.ClaimTask(ctx, ctasks[0].ID, api.TaskWaiting, api.TaskRunning, "a1:9000", t0)
	req.NoError(err)
	req.True(ok)
	ok, err = st.ClaimTask(ctx, ctasks[1].ID, api.TaskWaiting, api.TaskRunning, "a2:9000", t0)
	req.NoError(err)
	req.False(ok)
	ok, err = st.ClaimTask(ctx, ztasks[0].ID, api.TaskWaiting, api.TaskRunning, "a2:9000", t0)
	req.NoError(err)
	req.False(ok)

	// the losing claims rolled back completely
	dispatchtest.RequireCounts(t, st, capped.ID, api.TaskCounts{Waiting: 1, Running: 1})
	dispatchtest.RequireCounts(t, st, closed.ID, api.TaskCounts{Waiting: 1})

	cands, err := st.ListDispatchable(ctx, tn.ID, 10)
	req.NoError(err)
	req.Empty(cands)
}

func TestConcurrentClaimsOfOneTask(t *testing.T) {
	req := require.New(t)
	st := dispatchtest.NewStore(t)

	tn := dispatchtest.Tenant(t, st, "acme", t0)
	job, tasks := dispatchtest.Job(t, st, tn, "ingest", t0, dispatchtest.JobOpts{})

	const pollers = 8
	var wg sync.WaitGroup
	results := make([]bool, pollers)
	errs := make([]error, pollers)
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = st.ClaimTask(context.Background(), tasks[0].ID, api.TaskWaiting, api.TaskRunning, "a:"+uuid.NewString(), t0)
		}(i)
	}
	wg.Wait()

	wins := 0
	for i := range results {
		req.NoError(errs[i])
		if results[i] {
			wins++
		}
	}
	req.Equal(1, wins)
	dispatchtest.RequireCounts(t, st, job.ID, api.TaskCounts{Running: 1})
}

func claim(t *testing.T, st jobstore.Store, id uuid.UUID, host string, at time.Time) {
	ok, err := st.ClaimTask(context.Background(), id, api.TaskWaiting, api.TaskRunning, host, at)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTransitionTask(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := dispatchtest.NewStore(t)

	tn := dispatchtest.Tenant(t, st, "acme", t0)
	job, tasks := dispatchtest.Job(t, st, tn, "ingest", t0, dispatchtest.JobOpts{Tasks: 3})
	dispatchtest.Analyst(t, st, "a1:9000", t0)
	for _, tk := range tasks {
		claim(t, st, tk.ID, "a1:9000", t0)
	}

	// wrong host is refused
	ok, err := st.TransitionTask(ctx, jobstore.Transition{TaskID: tasks[0].ID, To: api.TaskSuccess, Host: "a2:9000", At: t0})
	req.NoError(err)
	req.False(ok)

	ok, err = st.TransitionTask(ctx, jobstore.Transition{TaskID: tasks[0].ID, To: api.TaskSuccess, Host: "a1:9000", At: t0.Add(time.Minute)})
	req.NoError(err)
	req.True(ok)

	ok, err = st.TransitionTask(ctx, jobstore.Transition{
		TaskID:      tasks[1].ID,
		To:          api.TaskWaiting,
		Host:        "a1:9000",
		IncRunCount: true,
		ExitStatus:  1,
		At:          t0.Add(time.Minute),
		Error:       &api.TaskError{ID: uuid.New(), Message: "exit 1", TimeCreated: t0.Add(time.Minute)},
	})
	req.NoError(err)
	req.True(ok)

	// terminal tasks never move again
	ok, err = st.TransitionTask(ctx, jobstore.Transition{TaskID: tasks[0].ID, To: api.TaskFailure, At: t0})
	req.NoError(err)
	req.False(ok)

	retried, err := st.GetTask(ctx, tasks[1].ID)
	req.NoError(err)
	req.Equal(api.TaskWaiting, retried.State)
	req.Equal(1, retried.RunCount)
	req.Equal(1, retried.ExitStatus)
	req.Empty(retried.Host)

	errs, err := st.ListTaskErrors(ctx, api.TaskErrorFilter{TaskIDs: []uuid.UUID{tasks[1].ID}})
	req.NoError(err)
	req.Len(errs, 1)
	req.Equal(job.ID, errs[0].JobID)
	req.Equal("a1:9000", errs[0].Endpoint)

	dispatchtest.RequireCounts(t, st, job.ID, api.TaskCounts{Waiting: 1, Running: 1, Success: 1})

	_, err = st.TransitionTask(ctx, jobstore.Transition{TaskID: tasks[2].ID, To: api.TaskRunning, At: t0})
	req.Error(err)
}

func TestTransitionPingGuard(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := dispatchtest.NewStore(t)

	tn := dispatchtest.Tenant(t, st, "acme", t0)
	_, tasks := dispatchtest.Job(t, st, tn, "ingest", t0, dispatchtest.JobOpts{})
	claim(t, st, tasks[0].ID, "a1:9000", t0)

	ok, err := st.PingTask(ctx, tasks[0].ID, "a1:9000", t0.Add(10*time.Minute))
	req.NoError(err)
	req.True(ok)
	ok, err = st.PingTask(ctx, tasks[0].ID, "a2:9000", t0.Add(10*time.Minute))
	req.NoError(err)
	req.False(ok)

	orphans, err := st.ListOrphanTasks(ctx, t0.Add(5*time.Minute))
	req.NoError(err)
	req.Empty(orphans)

	// a sweeper working from a stale listing must not reclaim a task that pinged since
	ok, err = st.TransitionTask(ctx, jobstore.Transition{TaskID: tasks[0].ID, To: api.TaskWaiting, PingBefore: t0.Add(5 * time.Minute), At: t0.Add(11 * time.Minute)})
	req.NoError(err)
	req.False(ok)

	orphans, err = st.ListOrphanTasks(ctx, t0.Add(15*time.Minute))
	req.NoError(err)
	req.Len(orphans, 1)
}

func TestFinalizeJob(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := dispatchtest.NewStore(t)

	tn := dispatchtest.Tenant(t, st, "acme", t0)
	good, gtasks := dispatchtest.Job(t, st, tn, "good", t0, dispatchtest.JobOpts{Tasks: 2})
	bad, btasks := dispatchtest.Job(t, st, tn, "bad", t0, dispatchtest.JobOpts{Tasks: 1})

	claim(t, st, gtasks[0].ID, "a1:9000", t0)
	_, err := st.TransitionTask(ctx, jobstore.Transition{TaskID: gtasks[0].ID, To: api.TaskSuccess, At: t0})
	req.NoError(err)

	_, done, err := st.FinalizeJob(ctx, good.ID, t0)
	req.NoError(err)
	req.False(done, "a waiting task remains")

	claim(t, st, gtasks[1].ID, "a1:9000", t0)
	_, err = st.TransitionTask(ctx, jobstore.Transition{TaskID: gtasks[1].ID, To: api.TaskSuccess, At: t0})
	req.NoError(err)
	state, done, err := st.FinalizeJob(ctx, good.ID, t0)
	req.NoError(err)
	req.True(done)
	req.Equal(api.JobSuccess, state)

	// finalizing twice is a no-op
	_, done, err = st.FinalizeJob(ctx, good.ID, t0)
	req.NoError(err)
	req.False(done)

	claim(t, st, btasks[0].ID, "a1:9000", t0)
	_, err = st.TransitionTask(ctx, jobstore.Transition{TaskID: btasks[0].ID, To: api.TaskFailure, At: t0})
	req.NoError(err)
	state, done, err = st.FinalizeJob(ctx, bad.ID, t0)
	req.NoError(err)
	req.True(done)
	req.Equal(api.JobFailure, state)
}

func TestTenantLoadAndDispatchOrder(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := dispatchtest.NewStore(t)

	busy := dispatchtest.Tenant(t, st, "busy", t0)
	idle := dispatchtest.Tenant(t, st, "idle", t0.Add(time.Second))
	dispatchtest.Tenant(t, st, "empty", t0.Add(2*time.Second))

	_, running := dispatchtest.Job(t, st, busy, "running", t0, dispatchtest.JobOpts{Tasks: 2})
	claim(t, st, running[0].ID, "a1:9000", t0)

	std, _ := dispatchtest.Job(t, st, idle, "standard", t0, dispatchtest.JobOpts{Priority: api.PriorityStandard, Tasks: 2})
	reindex, _ := dispatchtest.Job(t, st, idle, "reindex", t0.Add(-time.Hour), dispatchtest.JobOpts{Priority: api.PriorityReindex})
	inter, _ := dispatchtest.Job(t, st, idle, "interactive", t0.Add(time.Hour), dispatchtest.JobOpts{Priority: api.PriorityInteractive})

	load, err := st.TenantLoad(ctx)
	req.NoError(err)
	byTenant := map[uuid.UUID]jobstore.TenantLoad{}
	for _, l := range load {
		byTenant[l.TenantID] = l
	}
	req.Len(byTenant, 2)
	req.Equal(1, byTenant[busy.ID].Running)
	req.Equal(1, byTenant[busy.ID].Waiting)
	req.Equal(0, byTenant[idle.ID].Running)
	req.Equal(4, byTenant[idle.ID].Waiting)

	cands, err := st.ListDispatchable(ctx, idle.ID, 10)
	req.NoError(err)
	req.Len(cands, 4)
	req.Equal(inter.ID, cands[0].JobID)
	req.Equal(std.ID, cands[1].JobID)
	req.Equal(std.ID, cands[2].JobID)
	req.True(cands[1].TimeCreated.Before(cands[2].TimeCreated))
	req.Equal(reindex.ID, cands[3].JobID)
	req.Equal(api.PriorityReindex, cands[3].JobPriority)

	cands, err = st.ListDispatchable(ctx, idle.ID, 2)
	req.NoError(err)
	req.Len(cands, 2)
}

func TestAnalystLifecycle(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := dispatchtest.NewStore(t)

	a := dispatchtest.Analyst(t, st, "a1:9000", t0)
	req.Equal(api.AnalystUp, a.State)
	req.Equal(api.Unlocked, a.Lock)
	req.Equal(uint64(16<<30), a.TotalRAM)

	req.NoError(st.SetAnalystLock(ctx, a.ID, api.Locked))

	// re-registration keeps identity and lock, refreshes metrics
	again, err := st.UpsertAnalyst(ctx, api.AnalystSpec{Endpoint: "a1:9000", FreeRAM: 1 << 30, Load: 3.5}, t0.Add(time.Minute))
	req.NoError(err)
	req.Equal(a.ID, again.ID)
	req.Equal(api.Locked, again.Lock)
	req.Equal(uint64(1<<30), again.FreeRAM)
	req.Equal(3.5, again.Load)
	req.Equal(t0.Add(time.Minute), again.TimePing.UTC())

	// not silent long enough
	ok, err := st.MarkAnalystDown(ctx, a.ID, t0)
	req.NoError(err)
	req.False(ok)
	ok, err = st.DeleteAnalyst(ctx, a.ID, t0.Add(time.Hour))
	req.NoError(err)
	req.False(ok, "only down analysts are deleted")

	ok, err = st.MarkAnalystDown(ctx, a.ID, t0.Add(5*time.Minute))
	req.NoError(err)
	req.True(ok)

	down, err := st.ListAnalystsPingedBefore(ctx, api.AnalystDown, t0.Add(time.Hour))
	req.NoError(err)
	req.Len(down, 1)

	// a ping brings it back up
	back, err := st.UpsertAnalyst(ctx, api.AnalystSpec{Endpoint: "a1:9000"}, t0.Add(10*time.Minute))
	req.NoError(err)
	req.Equal(api.AnalystUp, back.State)

	ok, err = st.MarkAnalystDown(ctx, a.ID, t0.Add(20*time.Minute))
	req.NoError(err)
	req.True(ok)
	ok, err = st.DeleteAnalyst(ctx, a.ID, t0.Add(2*time.Hour))
	req.NoError(err)
	req.True(ok)

	all, err := st.ListAnalysts(ctx)
	req.NoError(err)
	req.Empty(all)
}

func TestTaskErrorFilters(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := dispatchtest.NewStore(t)

	tn := dispatchtest.Tenant(t, st, "acme", t0)
	j1, t1 := dispatchtest.Job(t, st, tn, "one", t0, dispatchtest.JobOpts{Tasks: 2})
	j2, t2 := dispatchtest.Job(t, st, tn, "two", t0, dispatchtest.JobOpts{})

	add := func(job uuid.UUID, task uuid.UUID, msg string, at time.Time) {
		req.NoError(st.AppendTaskError(ctx, api.TaskError{ID: uuid.New(), JobID: job, TaskID: task, Message: msg, Fatal: true, TimeCreated: at}))
	}
	add(j1.ID, t1[0].ID, "first", t0)
	add(j1.ID, t1[1].ID, "second", t0.Add(time.Second))
	add(j2.ID, t2[0].ID, "third", t0.Add(2*time.Second))

	byJob, err := st.ListTaskErrors(ctx, api.TaskErrorFilter{JobIDs: []uuid.UUID{j1.ID}})
	req.NoError(err)
	req.Len(byJob, 2)
	req.Equal("first", byJob[0].Message)
	req.True(byJob[0].Fatal)

	mixed, err := st.ListTaskErrors(ctx, api.TaskErrorFilter{JobIDs: []uuid.UUID{j2.ID}, TaskIDs: []uuid.UUID{t1[1].ID}})
	req.NoError(err)
	req.Len(mixed, 2)
	req.Equal("second", mixed[0].Message)
	req.Equal("third", mixed[1].Message)

	_, err = st.ListTaskErrors(ctx, api.TaskErrorFilter{})
	req.ErrorIs(err, api.ErrInvalidArgument)
}

func TestProcessorStatsAndExpiry(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := dispatchtest.NewStore(t)

	tn := dispatchtest.Tenant(t, st, "acme", t0)
	job, tasks := dispatchtest.Job(t, st, tn, "ingest", t0, dispatchtest.JobOpts{})

	req.NoError(st.RecordProcessorStats(ctx, job.ID, []api.ProcessorSample{
		{Processor: "probe", Count: 2, MinMs: 10, MaxMs: 30, TotalMs: 40},
		{Processor: "thumbnail", Count: 1, MinMs: 100, MaxMs: 100, TotalMs: 100},
	}, t0))
	req.NoError(st.RecordProcessorStats(ctx, job.ID, []api.ProcessorSample{
		{Processor: "probe", Count: 1, MinMs: 5, MaxMs: 5, TotalMs: 5},
	}, t0))

	stats, err := st.ListProcessorStats(ctx, job.ID)
	req.NoError(err)
	req.Len(stats, 2)
	req.Equal(api.ProcessorStat{JobID: job.ID, Processor: "probe", Count: 3, MinMs: 5, MaxMs: 30, TotalMs: 45}, stats[0])
	req.Equal(15.0, stats[0].AvgMs())

	// in-progress jobs keep their data
	n, err := st.DeleteExpiredJobData(ctx, t0.Add(time.Hour))
	req.NoError(err)
	req.Zero(n)

	claim(t, st, tasks[0].ID, "a1:9000", t0)
	_, err = st.TransitionTask(ctx, jobstore.Transition{TaskID: tasks[0].ID, To: api.TaskSuccess, At: t0})
	req.NoError(err)
	_, _, err = st.FinalizeJob(ctx, job.ID, t0)
	req.NoError(err)

	n, err = st.DeleteExpiredJobData(ctx, t0.Add(time.Hour))
	req.NoError(err)
	req.Equal(2, n)

	stats, err = st.ListProcessorStats(ctx, job.ID)
	req.NoError(err)
	req.Empty(stats)

	got, err := st.GetJob(ctx, job.ID)
	req.NoError(err)
	req.Equal(api.JobSuccess, got.State)
}

func TestAddTasksAndCounters(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := dispatchtest.NewStore(t)

	tn := dispatchtest.Tenant(t, st, "acme", t0)
	job, tasks := dispatchtest.Job(t, st, tn, "ingest", t0, dispatchtest.JobOpts{})

	parent := tasks[0].ID
	child := api.Task{ID: uuid.New(), JobID: job.ID, TenantID: tn.ID, ParentID: &parent, Name: "child", State: api.TaskWaiting, TimeCreated: t0}
	req.NoError(st.AddTasks(ctx, job.ID, []api.Task{child}))
	dispatchtest.RequireCounts(t, st, job.ID, api.TaskCounts{Waiting: 2})

	got, err := st.GetTask(ctx, child.ID)
	req.NoError(err)
	req.Equal(&parent, got.ParentID)

	other := child
	other.ID = uuid.New()
	other.JobID = uuid.New()
	req.Error(st.AddTasks(ctx, job.ID, []api.Task{other}))

	req.NoError(st.AdjustJobCounters(ctx, job.ID, api.TaskCounts{Waiting: -1, Failure: 1}, t0))
	got2, err := st.GetJob(ctx, job.ID)
	req.NoError(err)
	req.Equal(api.TaskCounts{Waiting: 1, Failure: 1}, got2.Counts)
}
