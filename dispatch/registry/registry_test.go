package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mediaplane/overseer/api"
	"github.com/mediaplane/overseer/build"
	"github.com/mediaplane/overseer/dispatch/dispatchtest"
	"github.com/mediaplane/overseer/dispatch/registry"
)

func TestUpsertAndLiveness(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := dispatchtest.NewStore(t)
	clk := dispatchtest.NewClock()
	reg := registry.New(st, clk, time.Minute)

	a, err := reg.Upsert(ctx, api.AnalystSpec{Endpoint: "a1:9000", Threads: 4, Version: build.AnalystAPIVersion.String()})
	req.NoError(err)
	req.True(a.Live)
	req.Equal(api.AnalystUp, a.State)

	clk.Add(59 * time.Second)
	got, err := reg.GetByEndpoint(ctx, "a1:9000")
	req.NoError(err)
	req.True(got.Live)

	// liveness is derived on every read, nothing is written
	clk.Add(2 * time.Second)
	got, err = reg.Get(ctx, a.ID)
	req.NoError(err)
	req.False(got.Live)
	req.Equal(api.AnalystUp, got.State)

	all, err := reg.List(ctx)
	req.NoError(err)
	req.Len(all, 1)
	req.False(all[0].Live)

	_, err = reg.Upsert(ctx, api.AnalystSpec{Endpoint: "a1:9000"})
	req.NoError(err)
	got, err = reg.Get(ctx, a.ID)
	req.NoError(err)
	req.True(got.Live)
}

func TestUpsertRejectsEmptyEndpoint(t *testing.T) {
	reg := registry.New(dispatchtest.NewStore(t), dispatchtest.NewClock(), time.Minute)
	_, err := reg.Upsert(context.Background(), api.AnalystSpec{})
	require.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestGetUnknown(t *testing.T) {
	reg := registry.New(dispatchtest.NewStore(t), dispatchtest.NewClock(), time.Minute)
	_, err := reg.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, api.ErrNotFound)
	_, err = reg.GetByEndpoint(context.Background(), "nobody:1")
	require.ErrorIs(t, err, api.ErrNotFound)
}

func TestPingRefreshesHeldTask(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := dispatchtest.NewStore(t)
	clk := dispatchtest.NewClock()
	reg := registry.New(st, clk, time.Minute)

	tn := dispatchtest.Tenant(t, st, "acme", clk.Now())
	_, tasks := dispatchtest.Job(t, st, tn, "ingest", clk.Now(), dispatchtest.JobOpts{})
	_, err := reg.Upsert(ctx, api.AnalystSpec{Endpoint: "a1:9000"})
	req.NoError(err)

	ok, err := st.ClaimTask(ctx, tasks[0].ID, api.TaskWaiting, api.TaskRunning, "a1:9000", clk.Now())
	req.NoError(err)
	req.True(ok)

	clk.Add(3 * time.Minute)
	_, err = reg.Upsert(ctx, api.AnalystSpec{Endpoint: "a1:9000", TaskID: &tasks[0].ID})
	req.NoError(err)
	task, err := st.GetTask(ctx, tasks[0].ID)
	req.NoError(err)
	req.Equal(clk.Now(), task.TimePing.UTC())

	// another analyst cannot keep someone else's task alive
	clk.Add(time.Minute)
	_, err = reg.Upsert(ctx, api.AnalystSpec{Endpoint: "a2:9000", TaskID: &tasks[0].ID})
	req.NoError(err)
	task, err = st.GetTask(ctx, tasks[0].ID)
	req.NoError(err)
	req.Equal(clk.Now().Add(-time.Minute), task.TimePing.UTC())
}

func TestLockState(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	reg := registry.New(dispatchtest.NewStore(t), dispatchtest.NewClock(), time.Minute)

	a, err := reg.Upsert(ctx, api.AnalystSpec{Endpoint: "a1:9000"})
	req.NoError(err)
	ok, _ := reg.Eligible(a)
	req.True(ok)

	req.NoError(reg.SetLockState(ctx, a.ID, api.Locked))
	a, err = reg.Get(ctx, a.ID)
	req.NoError(err)
	ok, reason := reg.Eligible(a)
	req.False(ok)
	req.Equal("locked", reason)

	req.ErrorIs(reg.SetLockState(ctx, a.ID, "Jammed"), api.ErrInvalidArgument)
	req.ErrorIs(reg.SetLockState(ctx, uuid.New(), api.Locked), api.ErrNotFound)
}

func TestCompatible(t *testing.T) {
	req := require.New(t)
	req.True(registry.Compatible(api.Analyst{}))
	req.True(registry.Compatible(api.Analyst{Version: build.AnalystAPIVersion.String()}))
	req.False(registry.Compatible(api.Analyst{Version: "0.1.0"}))
	req.False(registry.Compatible(api.Analyst{Version: "garbage"}))

}

func TestEligible(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	clk := dispatchtest.NewClock()
	reg := registry.New(dispatchtest.NewStore(t), clk, time.Minute)

	ok, reason := reg.Eligible(api.Analyst{State: api.AnalystDown, Lock: api.Unlocked, TimePing: clk.Now()})
	req.False(ok)
	req.Equal("down", reason)

	a, err := reg.Upsert(ctx, api.AnalystSpec{Endpoint: "a1:9000", Version: "0.1.0"})
	req.NoError(err)
	ok, reason = reg.Eligible(a)
	req.False(ok)
	req.Equal("incompatible version", reason)

	a, err = reg.Upsert(ctx, api.AnalystSpec{Endpoint: "a1:9000"})
	req.NoError(err)
	ok, _ = reg.Eligible(a)
	req.True(ok)

	// still Up in the store, but silent past the threshold
	clk.Add(time.Minute + time.Second)
	a, err = reg.Get(ctx, a.ID)
	req.NoError(err)
	req.Equal(api.AnalystUp, a.State)
	ok, reason = reg.Eligible(a)
	req.False(ok)
	req.Equal("unresponsive", reason)
}
