package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/api"
)

// TenantRequest is the body of a tenant creation.
type TenantRequest struct {
	Name string `json:"name"`
}

func pathID(r *http.Request) (uuid.UUID, error) {
	raw := mux.Vars(r)["id"]
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, xerrors.Errorf("bad id %q: %w", raw, api.ErrInvalidArgument)
	}
	return id, nil
}

func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) error {
	var req TenantRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	t, err := s.jobs.CreateTenant(r.Context(), req.Name)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, t)
	return nil
}

func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) error {
	ts, err := s.jobs.Tenants(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, ts)
	return nil
}

func (s *Server) launchJob(w http.ResponseWriter, r *http.Request) error {
	var spec api.JobSpec
	if err := decodeBody(r, &spec); err != nil {
		return err
	}
	job, err := s.jobs.Launch(r.Context(), spec)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, job)
	return nil
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) error {
	tenant := uuid.Nil
	if raw := r.URL.Query().Get("tenant"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return xerrors.Errorf("bad tenant %q: %w", raw, api.ErrInvalidArgument)
		}
		tenant = id
	}
	js, err := s.jobs.List(r.Context(), tenant)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, js)
	return nil
}

// byID adapts a lookup keyed by the {id} path variable.
func byID[T any](f func(*http.Request, uuid.UUID) (T, error)) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		id, err := pathID(r)
		if err != nil {
			return err
		}
		v, err := f(r, id)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, v)
		return nil
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) error {
	return byID(func(r *http.Request, id uuid.UUID) (api.Job, error) { return s.jobs.Get(r.Context(), id) })(w, r)
}

func (s *Server) jobTasks(w http.ResponseWriter, r *http.Request) error {
	return byID(func(r *http.Request, id uuid.UUID) ([]api.Task, error) { return s.jobs.Tasks(r.Context(), id) })(w, r)
}

func (s *Server) jobStats(w http.ResponseWriter, r *http.Request) error {
	return byID(func(r *http.Request, id uuid.UUID) ([]api.ProcessorStat, error) {
		return s.jobs.ProcessorStats(r.Context(), id)
	})(w, r)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) error {
	return byID(func(r *http.Request, id uuid.UUID) (api.Job, error) { return s.jobs.Cancel(r.Context(), id) })(w, r)
}

func (s *Server) restartJob(w http.ResponseWriter, r *http.Request) error {
	return byID(func(r *http.Request, id uuid.UUID) (api.Job, error) { return s.jobs.Restart(r.Context(), id) })(w, r)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) error {
	return byID(func(r *http.Request, id uuid.UUID) (api.Task, error) { return s.jobs.Task(r.Context(), id) })(w, r)
}

func (s *Server) searchTaskErrors(w http.ResponseWriter, r *http.Request) error {
	var filter api.TaskErrorFilter
	if err := decodeBody(r, &filter); err != nil {
		return err
	}
	errs, err := s.jobs.TaskErrors(r.Context(), filter)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, errs)
	return nil
}

func (s *Server) listAnalysts(w http.ResponseWriter, r *http.Request) error {
	as, err := s.registry.List(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, as)
	return nil
}

func (s *Server) lockAnalyst(lock api.LockState) handlerFunc {
	return byID(func(r *http.Request, id uuid.UUID) (api.Analyst, error) {
		if err := s.registry.SetLockState(r.Context(), id, lock); err != nil {
			return api.Analyst{}, err
		}
		return s.registry.Get(r.Context(), id)
	})
}
