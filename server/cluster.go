package server

import (
	"io"
	"net/http"

	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/api"
	"github.com/mediaplane/overseer/dispatch/queue"
)

// Ack is the response to an accepted analyst event.
type Ack struct {
	Acknowledged bool `json:"acknowledged"`
}

// NoWork is the 404 body of a poll that found nothing to do.
type NoWork struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func analystEndpoint(r *http.Request) (string, error) {
	ep := r.Header.Get(AnalystHeader)
	if ep == "" {
		return "", xerrors.Errorf("missing %s header: %w", AnalystHeader, api.ErrInvalidArgument)
	}
	return ep, nil
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request) error {
	var spec api.AnalystSpec
	if err := decodeBody(r, &spec); err != nil {
		return err
	}
	a, err := s.registry.Upsert(r.Context(), spec)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, a)
	return nil
}

func (s *Server) poll(w http.ResponseWriter, r *http.Request) error {
	ep, err := analystEndpoint(r)
	if err != nil {
		return err
	}
	res, err := s.queue.GetNext(r.Context(), ep)
	if err != nil {
		return err
	}
	switch res := res.(type) {
	case queue.Assigned:
		writeJSON(w, http.StatusOK, res.Task)
	case queue.Empty:
		writeJSON(w, http.StatusNotFound, NoWork{Error: "no work", Reason: res.Reason})
	default:
		return xerrors.Errorf("unexpected poll result %T", res)
	}
	return nil
}

func (s *Server) event(w http.ResponseWriter, r *http.Request) error {
	ep, err := analystEndpoint(r)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return xerrors.Errorf("reading event: %s: %w", err, api.ErrInvalidEvent)
	}
	ev, err := api.DecodeEvent(body)
	if err != nil {
		return err
	}
	if err := s.lifecycle.HandleEvent(r.Context(), ep, ev); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, Ack{Acknowledged: true})
	return nil
}
