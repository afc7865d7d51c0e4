package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mediaplane/overseer/api"
	"github.com/mediaplane/overseer/dispatch/dispatchtest"
	"github.com/mediaplane/overseer/dispatch/jobs"
	"github.com/mediaplane/overseer/dispatch/jobstore"
	"github.com/mediaplane/overseer/dispatch/lifecycle"
	"github.com/mediaplane/overseer/dispatch/priority"
	"github.com/mediaplane/overseer/dispatch/queue"
	"github.com/mediaplane/overseer/dispatch/registry"
	"github.com/mediaplane/overseer/server"
)

const analyst = "a1:9000"

type env struct {
	t   *testing.T
	st  *jobstore.SQLStore
	srv *httptest.Server
}

func newEnv(t *testing.T, opts server.Options) *env {
	st := dispatchtest.NewStore(t)
	clk := dispatchtest.NewClock()
	reg := registry.New(st, clk, time.Minute)
	s := server.New(reg,
		queue.New(st, reg, priority.New(st), clk, 16),
		lifecycle.New(st, clk, 3),
		jobs.New(st, clk))
	srv := httptest.NewServer(s.Handler(opts))
	t.Cleanup(srv.Close)
	return &env{t: t, st: st, srv: srv}
}

func (e *env) do(method, path string, body any, header http.Header) (int, []byte) {
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(e.t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(e.t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close() //nolint:errcheck

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(e.t, err)
	return resp.StatusCode, buf.Bytes()
}

func (e *env) decode(raw []byte, v any) {
	require.NoError(e.t, json.Unmarshal(raw, v), string(raw))
}

func fromAnalyst() http.Header {
	return http.Header{server.AnalystHeader: []string{analyst}}
}

func (e *env) event(ev api.Event) (int, []byte) {
	raw, err := api.EncodeEvent(ev)
	require.NoError(e.t, err)
	return e.do(http.MethodPost, "/cluster/_event", raw, fromAnalyst())
}

func (e *env) launch(spec api.JobSpec) api.Job {
	code, body := e.do(http.MethodPost, "/api/v1/jobs", spec, nil)
	require.Equal(e.t, http.StatusCreated, code, string(body))
	var job api.Job
	e.decode(body, &job)
	return job
}

func (e *env) tenant(name string) api.Tenant {
	code, body := e.do(http.MethodPost, "/api/v1/tenants", server.TenantRequest{Name: name}, nil)
	require.Equal(e.t, http.StatusCreated, code, string(body))
	var tn api.Tenant
	e.decode(body, &tn)
	return tn
}

func oneTask() []api.TaskSpec {
	return []api.TaskSpec{{Script: api.Script{Name: "catalog", Execute: []api.Processor{{Name: "probe"}}}}}
}

func TestDispatchRoundTrip(t *testing.T) {
	req := require.New(t)
	e := newEnv(t, server.Options{})

	code, body := e.do(http.MethodPost, "/cluster/_ping", api.AnalystSpec{Endpoint: analyst, Threads: 4}, nil)
	req.Equal(http.StatusOK, code, string(body))
	var a api.Analyst
	e.decode(body, &a)
	req.Equal(analyst, a.Endpoint)
	req.True(a.Live)

	code, body = e.do(http.MethodPut, "/cluster/_queue", nil, fromAnalyst())
	req.Equal(http.StatusNotFound, code)
	var nw server.NoWork
	e.decode(body, &nw)
	req.Equal(queue.ReasonNoWork, nw.Reason)

	tn := e.tenant("acme")
	job := e.launch(api.JobSpec{TenantID: tn.ID, Name: "ingest", Env: map[string]string{"BUCKET": "media"}, Tasks: oneTask()})

	code, body = e.do(http.MethodPut, "/cluster/_queue", nil, fromAnalyst())
	req.Equal(http.StatusOK, code, string(body))
	var task api.DispatchTask
	e.decode(body, &task)
	req.Equal(job.ID, task.JobID)
	req.Equal("media", task.Env["BUCKET"])

	code, body = e.event(api.StartEvent{TaskID: task.TaskID})
	req.Equal(http.StatusOK, code, string(body))
	var ack server.Ack
	e.decode(body, &ack)
	req.True(ack.Acknowledged)

	code, body = e.event(api.StopEvent{TaskID: task.TaskID})
	req.Equal(http.StatusOK, code, string(body))

	code, body = e.do(http.MethodGet, "/api/v1/jobs/"+job.ID.String(), nil, nil)
	req.Equal(http.StatusOK, code)
	var got api.Job
	e.decode(body, &got)
	req.Equal(api.JobSuccess, got.State)
	req.Equal(api.TaskCounts{Success: 1}, got.Counts)
}

func TestMalformedEventLeavesStateAlone(t *testing.T) {
	req := require.New(t)
	e := newEnv(t, server.Options{})
	dispatchtest.Analyst(t, e.st, analyst, dispatchtest.Epoch)
	tn := e.tenant("acme")
	job := e.launch(api.JobSpec{TenantID: tn.ID, Name: "ingest", Tasks: oneTask()})

	code, _ := e.do(http.MethodPut, "/cluster/_queue", nil, fromAnalyst())
	req.Equal(http.StatusOK, code)

	for _, body := range []string{
		`not json`,
		`{"event":{}}`,
		`{"type":"stop","event":"nope"}`,
		`{"type":"stop","event":{"exitStatus":1}}`,
	} {
		code, raw := e.do(http.MethodPost, "/cluster/_event", []byte(body), fromAnalyst())
		req.Equal(http.StatusBadRequest, code, "%s: %s", body, raw)
	}
	dispatchtest.RequireCounts(t, e.st, job.ID, api.TaskCounts{Running: 1})

	code, _ = e.do(http.MethodPost, "/cluster/_event", []byte(`{"type":"reboot","event":{}}`), fromAnalyst())
	req.Equal(http.StatusOK, code)

	code, _ = e.do(http.MethodPost, "/cluster/_event", []byte(`{"type":"start","event":{"taskId":"`+uuid.NewString()+`"}}`), fromAnalyst())
	req.Equal(http.StatusNotFound, code)
}

func TestClusterRequiresAnalystHeader(t *testing.T) {
	e := newEnv(t, server.Options{})
	code, _ := e.do(http.MethodPut, "/cluster/_queue", nil, nil)
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = e.do(http.MethodPost, "/cluster/_ping", []byte(`{}`), nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestAdminErrors(t *testing.T) {
	req := require.New(t)
	e := newEnv(t, server.Options{})

	code, _ := e.do(http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil, nil)
	req.Equal(http.StatusNotFound, code)
	code, _ = e.do(http.MethodGet, "/api/v1/jobs/not-a-uuid", nil, nil)
	req.Equal(http.StatusBadRequest, code)
	code, _ = e.do(http.MethodGet, "/api/v1/jobs?tenant=bogus", nil, nil)
	req.Equal(http.StatusBadRequest, code)
	code, _ = e.do(http.MethodPost, "/api/v1/taskerrors/_search", api.TaskErrorFilter{}, nil)
	req.Equal(http.StatusBadRequest, code)

	tn := e.tenant("acme")
	code, _ = e.do(http.MethodPost, "/api/v1/tenants", server.TenantRequest{Name: "acme"}, nil)
	req.Equal(http.StatusConflict, code)

	job := e.launch(api.JobSpec{TenantID: tn.ID, Name: "ingest", Tasks: oneTask()})
	code, _ = e.do(http.MethodPut, "/api/v1/jobs/"+job.ID.String()+"/_cancel", nil, nil)
	req.Equal(http.StatusOK, code)
	code, body := e.do(http.MethodPut, "/api/v1/jobs/"+job.ID.String()+"/_cancel", nil, nil)
	req.Equal(http.StatusConflict, code)
	var eb server.ErrorBody
	e.decode(body, &eb)
	req.Contains(eb.Error, "Cancelled")

	code, body = e.do(http.MethodGet, "/api/v1/jobs?tenant="+tn.ID.String(), nil, nil)
	req.Equal(http.StatusOK, code)
	var js []api.Job
	e.decode(body, &js)
	req.Len(js, 1)
}

func TestLockedAnalystIsNotFed(t *testing.T) {
	req := require.New(t)
	e := newEnv(t, server.Options{})
	a := dispatchtest.Analyst(t, e.st, analyst, dispatchtest.Epoch)
	tn := e.tenant("acme")
	e.launch(api.JobSpec{TenantID: tn.ID, Name: "ingest", Tasks: oneTask()})

	code, body := e.do(http.MethodPut, "/api/v1/analysts/"+a.ID.String()+"/_lock", nil, nil)
	req.Equal(http.StatusOK, code)
	var locked api.Analyst
	e.decode(body, &locked)
	req.Equal(api.Locked, locked.Lock)

	code, body = e.do(http.MethodPut, "/cluster/_queue", nil, fromAnalyst())
	req.Equal(http.StatusNotFound, code)
	var nw server.NoWork
	e.decode(body, &nw)
	req.Equal("analyst locked", nw.Reason)

	code, _ = e.do(http.MethodPut, "/api/v1/analysts/"+a.ID.String()+"/_unlock", nil, nil)
	req.Equal(http.StatusOK, code)
	code, _ = e.do(http.MethodPut, "/cluster/_queue", nil, fromAnalyst())
	req.Equal(http.StatusOK, code)

	code, body = e.do(http.MethodGet, "/api/v1/analysts", nil, nil)
	req.Equal(http.StatusOK, code)
	var as []api.Analyst
	e.decode(body, &as)
	req.Len(as, 1)
	req.NotNil(as[0].TaskID)
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, server.Options{RequestsPerSecond: 1})
	code, _ := e.do(http.MethodGet, "/health/livez", nil, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do(http.MethodGet, "/health/livez", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, code)
}

func TestLiveness(t *testing.T) {
	e := newEnv(t, server.Options{Live: func(context.Context) error { return errors.New("store gone") }})
	code, _ := e.do(http.MethodGet, "/health/livez", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, code)
}

func TestStatusOf(t *testing.T) {
	req := require.New(t)
	req.Equal(http.StatusServiceUnavailable, server.StatusOf(api.Transient(errors.New("connection refused"))))
	req.Equal(http.StatusNotFound, server.StatusOf(api.ErrNotFound))
	req.Equal(http.StatusBadRequest, server.StatusOf(api.ErrInvalidEvent))
	req.Equal(http.StatusConflict, server.StatusOf(api.ErrNotAssigned))
	req.Equal(http.StatusInternalServerError, server.StatusOf(errors.New("boom")))
}
