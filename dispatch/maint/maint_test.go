package maint

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/mediaplane/overseer/api"
	"github.com/mediaplane/overseer/dispatch/dispatchtest"
	"github.com/mediaplane/overseer/dispatch/jobstore"
	"github.com/mediaplane/overseer/dispatch/lifecycle"
)

var testConfig = Config{
	Interval:         30 * time.Second,
	DownThreshold:    2 * time.Minute,
	RemovalThreshold: time.Hour,
	OrphanThreshold:  5 * time.Minute,
	JobRetention:     24 * time.Hour,
}

func newSweeper(t *testing.T) (*Sweeper, *jobstore.SQLStore, *clock.Mock) {
	st := dispatchtest.NewStore(t)
	clk := dispatchtest.NewClock()
	return New(st, lifecycle.New(st, clk, 3), clk, testConfig), st, clk
}

func TestUnresponsiveAnalysts(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s, st, clk := newSweeper(t)

	quiet := dispatchtest.Analyst(t, st, "quiet:9000", clk.Now())
	clk.Add(90 * time.Second)
	chatty := dispatchtest.Analyst(t, st, "chatty:9000", clk.Now())

	// quiet is 150s silent, chatty 60s
	clk.Add(time.Minute)
	req.NoError(s.HandleUnresponsiveAnalysts(ctx))

	a, err := st.GetAnalyst(ctx, quiet.ID)
	req.NoError(err)
	req.Equal(api.AnalystDown, a.State)
	a, err = st.GetAnalyst(ctx, chatty.ID)
	req.NoError(err)
	req.Equal(api.AnalystUp, a.State)

	// a ping brings it back
	dispatchtest.Analyst(t, st, "quiet:9000", clk.Now())
	a, err = st.GetAnalyst(ctx, quiet.ID)
	req.NoError(err)
	req.Equal(api.AnalystUp, a.State)

	clk.Add(30 * time.Minute)
	req.NoError(s.HandleUnresponsiveAnalysts(ctx))
	as, err := st.ListAnalysts(ctx)
	req.NoError(err)
	req.Len(as, 2)
	for _, a := range as {
		req.Equal(api.AnalystDown, a.State)
	}

	clk.Add(time.Hour)
	req.NoError(s.HandleUnresponsiveAnalysts(ctx))
	as, err = st.ListAnalysts(ctx)
	req.NoError(err)
	req.Empty(as)
}

func TestOrphanTasks(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s, st, clk := newSweeper(t)
	dispatchtest.Analyst(t, st, "a1:9000", clk.Now())

	tn := dispatchtest.Tenant(t, st, "acme", clk.Now())
	job, tasks := dispatchtest.Job(t, st, tn, "ingest", clk.Now(), dispatchtest.JobOpts{Tasks: 2})
	for _, tk := range tasks {
		ok, err := st.ClaimTask(ctx, tk.ID, api.TaskWaiting, api.TaskRunning, "a1:9000", clk.Now())
		req.NoError(err)
		req.True(ok)
	}

	clk.Add(4 * time.Minute)
	ok, err := st.PingTask(ctx, tasks[1].ID, "a1:9000", clk.Now())
	req.NoError(err)
	req.True(ok)

	clk.Add(2 * time.Minute)
	req.NoError(s.HandleOrphanTasks(ctx))
	dispatchtest.RequireCounts(t, st, job.ID, api.TaskCounts{Waiting: 1, Running: 1})

	reclaimed, err := st.GetTask(ctx, tasks[0].ID)
	req.NoError(err)
	req.Equal(api.TaskWaiting, reclaimed.State)
	req.Equal(1, reclaimed.RunCount)
	req.Equal(lifecycle.OrphanExitStatus, reclaimed.ExitStatus)

	errs, err := st.ListTaskErrors(ctx, api.TaskErrorFilter{JobIDs: []uuid.UUID{job.ID}})
	req.NoError(err)
	req.Len(errs, 1)
	req.Equal(tasks[0].ID, errs[0].TaskID)
}

func TestExpiredJobs(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s, st, clk := newSweeper(t)

	tn := dispatchtest.Tenant(t, st, "acme", clk.Now())
	old, _ := dispatchtest.Job(t, st, tn, "old", clk.Now(), dispatchtest.JobOpts{})
	live, _ := dispatchtest.Job(t, st, tn, "live", clk.Now(), dispatchtest.JobOpts{})
	sample := []api.ProcessorSample{{Processor: "probe", Count: 1, MinMs: 3, MaxMs: 3, TotalMs: 3}}
	req.NoError(st.RecordProcessorStats(ctx, old.ID, sample, clk.Now()))
	req.NoError(st.RecordProcessorStats(ctx, live.ID, sample, clk.Now()))

	ok, err := st.SetJobState(ctx, old.ID, api.JobInProgress, api.JobCancelled, clk.Now())
	req.NoError(err)
	req.True(ok)

	clk.Add(12 * time.Hour)
	req.NoError(s.HandleExpiredJobs(ctx))
	stats, err := st.ListProcessorStats(ctx, old.ID)
	req.NoError(err)
	req.Len(stats, 1)

	clk.Add(13 * time.Hour)
	req.NoError(s.HandleExpiredJobs(ctx))
	stats, err = st.ListProcessorStats(ctx, old.ID)
	req.NoError(err)
	req.Empty(stats)
	stats, err = st.ListProcessorStats(ctx, live.ID)
	req.NoError(err)
	req.Len(stats, 1)

	got, err := st.GetJob(ctx, old.ID)
	req.NoError(err)
	req.Equal(api.JobCancelled, got.State)
}

func TestRunSweepsOnTick(t *testing.T) {
	req := require.New(t)
	s, st, clk := newSweeper(t)
	a := dispatchtest.Analyst(t, st, "a1:9000", clk.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	clk.Add(3 * time.Minute)
	req.Eventually(func() bool {
		clk.Add(testConfig.Interval)
		select {
		case <-s.swept:
		default:
			return false
		}
		got, err := st.GetAnalyst(context.Background(), a.ID)
		return err == nil && got.State == api.AnalystDown
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	req.NoError(<-done)
}

func TestRunRejectsZeroInterval(t *testing.T) {
	st := dispatchtest.NewStore(t)
	clk := dispatchtest.NewClock()
	s := New(st, lifecycle.New(st, clk, 3), clk, Config{})
	require.Error(t, s.Run(context.Background()))
}
