// Package client talks to an overseer control plane over HTTP, on behalf of
// an analyst or an operator.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/api"
)

var log = logging.Logger("client")

// Must match server.AnalystHeader.
const analystHeader = "X-Analyst-Endpoint"

type Client struct {
	base     string
	endpoint string
	http     *http.Client

	minIdle, maxIdle time.Duration
}

type Option func(*Client)

// WithAnalyst sets the endpoint cluster calls are made for.
func WithAnalyst(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBackoff bounds the wait between polls of PollWithBackoff.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) { c.minIdle, c.maxIdle = min, max }
}

// New creates a client for the control plane at addr, e.g. "http://127.0.0.1:8066".
func New(addr string, opts ...Option) (*Client, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, xerrors.Errorf("parsing address %q: %w", addr, err)
	}
	if u.Scheme == "" {
		u, err = url.Parse("http://" + addr)
		if err != nil {
			return nil, xerrors.Errorf("parsing address %q: %w", addr, err)
		}
	}
	c := &Client{
		base:    strings.TrimRight(u.String(), "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
		minIdle: time.Second,
		maxIdle: 30 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// statusError rebuilds the error kind a status code stands for.
func statusError(code int, msg string, conflict error) error {
	switch {
	case code == http.StatusNotFound:
		return xerrors.Errorf("%s: %w", msg, api.ErrNotFound)
	case code == http.StatusBadRequest:
		return xerrors.Errorf("%s: %w", msg, api.ErrInvalidArgument)
	case code == http.StatusConflict:
		return xerrors.Errorf("%s: %w", msg, conflict)
	case code == http.StatusTooManyRequests, code >= 500:
		return api.Transient(xerrors.Errorf("status %d: %s", code, msg))
	default:
		return xerrors.Errorf("unexpected status %d: %s", code, msg)
	}
}

type call struct {
	method string
	path   string
	body   any
	// raw is sent as is when set.
	raw     []byte
	analyst bool
	// conflict is the error a 409 maps to.
	conflict error
}

// do performs the call and decodes a 2xx body into out. It returns the
// status code so callers can interpret non-error statuses.
func (c *Client) do(ctx context.Context, cl call, out any) (int, error) {
	body := cl.raw
	if cl.body != nil {
		var err error
		if body, err = json.Marshal(cl.body); err != nil {
			return 0, xerrors.Errorf("encoding request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.base+cl.path, bytes.NewReader(body))
	if err != nil {
		return 0, xerrors.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cl.analyst {
		if c.endpoint == "" {
			return 0, xerrors.New("client has no analyst endpoint")
		}
		req.Header.Set(analystHeader, c.endpoint)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, api.Transient(xerrors.Errorf("%s %s: %w", cl.method, cl.path, err))
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, api.Transient(xerrors.Errorf("reading response: %w", err))
	}
	if resp.StatusCode >= 300 {
		var eb struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		conflict := cl.conflict
		if conflict == nil {
			conflict = api.ErrConflict
		}
		return resp.StatusCode, statusError(resp.StatusCode, msg, conflict)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, xerrors.Errorf("decoding %s %s response: %w", cl.method, cl.path, err)
		}
	}
	return resp.StatusCode, nil
}

// Ping reports the analyst's state and returns the control plane's view of it.
func (c *Client) Ping(ctx context.Context, spec api.AnalystSpec) (api.Analyst, error) {
	var a api.Analyst
	_, err := c.do(ctx, call{method: http.MethodPost, path: "/cluster/_ping", body: spec}, &a)
	return a, err
}

// Poll asks for the next task. It returns false when there is no work.
func (c *Client) Poll(ctx context.Context) (*api.DispatchTask, bool, error) {
	var t api.DispatchTask
	code, err := c.do(ctx, call{method: http.MethodPut, path: "/cluster/_queue", analyst: true}, &t)
	if code == http.StatusNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &t, true, nil
}

// PollWithBackoff polls until a task arrives, waiting longer after every
// empty poll or transient failure. Other errors end the loop.
func (c *Client) PollWithBackoff(ctx context.Context) (*api.DispatchTask, error) {
	b := &backoff.Backoff{Min: c.minIdle, Max: c.maxIdle, Factor: 2, Jitter: true}
	for {
		t, ok, err := c.Poll(ctx)
		switch {
		case err != nil && !api.IsTransient(err):
			return nil, err
		case err != nil:
			log.Warnw("poll failed, backing off", "error", err, "attempt", b.Attempt())
		case ok:
			return t, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}

// SendEvent reports an event about a task the analyst holds.
func (c *Client) SendEvent(ctx context.Context, ev api.Event) error {
	raw, err := api.EncodeEvent(ev)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, call{
		method:   http.MethodPost,
		path:     "/cluster/_event",
		raw:      raw,
		analyst:  true,
		conflict: api.ErrNotAssigned,
	}, nil)
	return err
}

func (c *Client) CreateTenant(ctx context.Context, name string) (api.Tenant, error) {
	var t api.Tenant
	_, err := c.do(ctx, call{method: http.MethodPost, path: "/api/v1/tenants", body: map[string]string{"name": name}}, &t)
	return t, err
}

func (c *Client) ListTenants(ctx context.Context) ([]api.Tenant, error) {
	var ts []api.Tenant
	_, err := c.do(ctx, call{method: http.MethodGet, path: "/api/v1/tenants"}, &ts)
	return ts, err
}

func (c *Client) LaunchJob(ctx context.Context, spec api.JobSpec) (api.Job, error) {
	var j api.Job
	_, err := c.do(ctx, call{method: http.MethodPost, path: "/api/v1/jobs", body: spec}, &j)
	return j, err
}

func (c *Client) GetJob(ctx context.Context, id uuid.UUID) (api.Job, error) {
	var j api.Job
	_, err := c.do(ctx, call{method: http.MethodGet, path: "/api/v1/jobs/" + id.String()}, &j)
	return j, err
}

// ListJobs lists the jobs of a tenant, or all jobs for uuid.Nil.
func (c *Client) ListJobs(ctx context.Context, tenant uuid.UUID) ([]api.Job, error) {
	path := "/api/v1/jobs"
	if tenant != uuid.Nil {
		path += "?tenant=" + url.QueryEscape(tenant.String())
	}
	var js []api.Job
	_, err := c.do(ctx, call{method: http.MethodGet, path: path}, &js)
	return js, err
}

func (c *Client) JobTasks(ctx context.Context, id uuid.UUID) ([]api.Task, error) {
	var ts []api.Task
	_, err := c.do(ctx, call{method: http.MethodGet, path: "/api/v1/jobs/" + id.String() + "/tasks"}, &ts)
	return ts, err
}

func (c *Client) JobStats(ctx context.Context, id uuid.UUID) ([]api.ProcessorStat, error) {
	var ss []api.ProcessorStat
	_, err := c.do(ctx, call{method: http.MethodGet, path: "/api/v1/jobs/" + id.String() + "/stats"}, &ss)
	return ss, err
}

func (c *Client) CancelJob(ctx context.Context, id uuid.UUID) (api.Job, error) {
	var j api.Job
	_, err := c.do(ctx, call{method: http.MethodPut, path: "/api/v1/jobs/" + id.String() + "/_cancel"}, &j)
	return j, err
}

func (c *Client) RestartJob(ctx context.Context, id uuid.UUID) (api.Job, error) {
	var j api.Job
	_, err := c.do(ctx, call{method: http.MethodPut, path: "/api/v1/jobs/" + id.String() + "/_restart"}, &j)
	return j, err
}

func (c *Client) GetTask(ctx context.Context, id uuid.UUID) (api.Task, error) {
	var t api.Task
	_, err := c.do(ctx, call{method: http.MethodGet, path: "/api/v1/tasks/" + id.String()}, &t)
	return t, err
}

func (c *Client) TaskErrors(ctx context.Context, filter api.TaskErrorFilter) ([]api.TaskError, error) {
	var es []api.TaskError
	_, err := c.do(ctx, call{method: http.MethodPost, path: "/api/v1/taskerrors/_search", body: filter}, &es)
	return es, err
}

func (c *Client) ListAnalysts(ctx context.Context) ([]api.Analyst, error) {
	var as []api.Analyst
	_, err := c.do(ctx, call{method: http.MethodGet, path: "/api/v1/analysts"}, &as)
	return as, err
}

func (c *Client) SetAnalystLock(ctx context.Context, id uuid.UUID, locked bool) (api.Analyst, error) {
	action := "_unlock"
	if locked {
		action = "_lock"
	}
	var a api.Analyst
	_, err := c.do(ctx, call{method: http.MethodPut, path: "/api/v1/analysts/" + id.String() + "/" + action}, &a)
	return a, err
}
