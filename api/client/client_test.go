package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mediaplane/overseer/api"
	"github.com/mediaplane/overseer/api/client"
	"github.com/mediaplane/overseer/dispatch/dispatchtest"
	"github.com/mediaplane/overseer/dispatch/jobs"
	"github.com/mediaplane/overseer/dispatch/lifecycle"
	"github.com/mediaplane/overseer/dispatch/priority"
	"github.com/mediaplane/overseer/dispatch/queue"
	"github.com/mediaplane/overseer/dispatch/registry"
	"github.com/mediaplane/overseer/server"
)

const endpoint = "a1:9000"

func newControlPlane(t *testing.T) string {
	st := dispatchtest.NewStore(t)
	clk := dispatchtest.NewClock()
	reg := registry.New(st, clk, time.Minute)
	s := server.New(reg, queue.New(st, reg, priority.New(st), clk, 16), lifecycle.New(st, clk, 3), jobs.New(st, clk))
	srv := httptest.NewServer(s.Handler(server.Options{}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func newClient(t *testing.T, addr string) *client.Client {
	c, err := client.New(addr, client.WithAnalyst(endpoint), client.WithBackoff(time.Millisecond, 10*time.Millisecond))
	require.NoError(t, err)
	return c
}

func TestAnalystFlow(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	c := newClient(t, newControlPlane(t))

	a, err := c.Ping(ctx, api.AnalystSpec{Endpoint: endpoint, Threads: 2})
	req.NoError(err)
	req.Equal(api.AnalystUp, a.State)

	task, ok, err := c.Poll(ctx)
	req.NoError(err)
	req.False(ok)
	req.Nil(task)

	tn, err := c.CreateTenant(ctx, "acme")
	req.NoError(err)
	job, err := c.LaunchJob(ctx, api.JobSpec{
		TenantID: tn.ID,
		Name:     "ingest",
		Tasks:    []api.TaskSpec{{Script: api.Script{Name: "catalog", Execute: []api.Processor{{Name: "probe"}}}}},
	})
	req.NoError(err)

	task, err = c.PollWithBackoff(ctx)
	req.NoError(err)
	req.Equal(job.ID, task.JobID)

	req.NoError(c.SendEvent(ctx, api.StartEvent{TaskID: task.TaskID}))
	req.NoError(c.SendEvent(ctx, api.StatsEvent{TaskID: task.TaskID, Samples: []api.ProcessorSample{
		{Processor: "probe", Count: 1, MinMs: 12, MaxMs: 12, TotalMs: 12},
	}}))
	req.NoError(c.SendEvent(ctx, api.StopEvent{TaskID: task.TaskID, ExitStatus: 1, Message: "no codec"}))

	// the failed attempt went back to the queue
	got, err := c.GetTask(ctx, task.TaskID)
	req.NoError(err)
	req.Equal(api.TaskWaiting, got.State)

	errs, err := c.TaskErrors(ctx, api.TaskErrorFilter{JobIDs: []uuid.UUID{job.ID}})
	req.NoError(err)
	req.Len(errs, 1)
	req.Equal("no codec", errs[0].Message)

	stats, err := c.JobStats(ctx, job.ID)
	req.NoError(err)
	req.Len(stats, 1)

	err = c.SendEvent(ctx, api.StopEvent{TaskID: task.TaskID})
	req.ErrorIs(err, api.ErrNotAssigned)
}

func TestAdminFlow(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	c := newClient(t, newControlPlane(t))

	_, err := c.GetJob(ctx, uuid.New())
	req.ErrorIs(err, api.ErrNotFound)

	tn, err := c.CreateTenant(ctx, "acme")
	req.NoError(err)
	_, err = c.CreateTenant(ctx, "acme")
	req.ErrorIs(err, api.ErrConflict)

	ts, err := c.ListTenants(ctx)
	req.NoError(err)
	req.Len(ts, 1)

	_, err = c.LaunchJob(ctx, api.JobSpec{TenantID: tn.ID, Name: "empty"})
	req.ErrorIs(err, api.ErrInvalidArgument)

	job, err := c.LaunchJob(ctx, api.JobSpec{
		TenantID: tn.ID,
		Name:     "ingest",
		Tasks:    []api.TaskSpec{{Script: api.Script{Name: "catalog", Execute: []api.Processor{{Name: "probe"}}}}},
	})
	req.NoError(err)

	js, err := c.ListJobs(ctx, tn.ID)
	req.NoError(err)
	req.Len(js, 1)
	tasks, err := c.JobTasks(ctx, job.ID)
	req.NoError(err)
	req.Len(tasks, 1)

	cancelled, err := c.CancelJob(ctx, job.ID)
	req.NoError(err)
	req.Equal(api.JobCancelled, cancelled.State)
	restarted, err := c.RestartJob(ctx, job.ID)
	req.NoError(err)
	req.Equal(api.JobInProgress, restarted.State)

	_, err = c.Ping(ctx, api.AnalystSpec{Endpoint: endpoint})
	req.NoError(err)
	as, err := c.ListAnalysts(ctx)
	req.NoError(err)
	req.Len(as, 1)
	locked, err := c.SetAnalystLock(ctx, as[0].ID, true)
	req.NoError(err)
	req.Equal(api.Locked, locked.Lock)
}

func TestPollBacksOffOnTransientFailures(t *testing.T) {
	req := require.New(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"no work","reason":"no work available"}`))
		default:
			_, _ = w.Write([]byte(`{"taskId":"` + uuid.NewString() + `","name":"late"}`))
		}
	}))
	defer srv.Close()

	task, err := newClient(t, srv.URL).PollWithBackoff(context.Background())
	req.NoError(err)
	req.Equal("late", task.Name)
	req.Equal(int32(3), calls.Load())
}

func TestPollStopsOnPermanentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"missing header"}`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).PollWithBackoff(context.Background())
	require.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestPollHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newClient(t, srv.URL).PollWithBackoff(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
