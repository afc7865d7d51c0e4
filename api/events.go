package api

import (
	"encoding/json"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

type EventKind string

const (
	EventStart  EventKind = "start"
	EventStop   EventKind = "stop"
	EventExpand EventKind = "expand"
	EventStats  EventKind = "stats"
	EventError  EventKind = "error"
)

// Event is one of StartEvent, StopEvent, ExpandEvent, StatsEvent, ErrorEvent
// or UnknownEvent. The set is closed; consumers switch over the concrete types.
type Event interface {
	Kind() EventKind
	Validate() error
	event()
}

// StartEvent confirms that the analyst began executing a claimed task.
type StartEvent struct {
	TaskID uuid.UUID `json:"taskId"`
}

// StopEvent reports the end of an attempt.
type StopEvent struct {
	TaskID     uuid.UUID `json:"taskId"`
	ExitStatus int       `json:"exitStatus"`
	// ManualKill is set when an operator killed the task; such a failure is never retried.
	ManualKill bool   `json:"manualKill"`
	Message    string `json:"message,omitempty"`
	Processor  string `json:"processor,omitempty"`
}

// ExpandEvent asks for new tasks that run the parent's execute pipeline over Assets.
type ExpandEvent struct {
	TaskID uuid.UUID         `json:"taskId"`
	Name   string            `json:"name,omitempty"`
	Assets []Asset           `json:"assets"`
	Env    map[string]string `json:"env,omitempty"`
	// BatchSize > 0 splits Assets over several children of at most BatchSize assets.
	BatchSize int `json:"batchSize,omitempty"`
}

type ProcessorSample struct {
	Processor string `json:"processor"`
	Count     int64  `json:"count"`
	MinMs     int64  `json:"minMs"`
	MaxMs     int64  `json:"maxMs"`
	TotalMs   int64  `json:"totalMs"`
}

type StatsEvent struct {
	TaskID  uuid.UUID         `json:"taskId"`
	Samples []ProcessorSample `json:"samples"`
}

// ErrorEvent is a processor level error report that does not end the attempt.
type ErrorEvent struct {
	TaskID    uuid.UUID `json:"taskId"`
	Message   string    `json:"message"`
	Processor string    `json:"processor,omitempty"`
	Fatal     bool      `json:"fatal"`
	Phase     string    `json:"phase,omitempty"`
}

// UnknownEvent carries an event kind this build does not understand.
type UnknownEvent struct {
	Type EventKind
	Raw  json.RawMessage
}

func (StartEvent) Kind() EventKind     { return EventStart }
func (StopEvent) Kind() EventKind      { return EventStop }
func (ExpandEvent) Kind() EventKind    { return EventExpand }
func (StatsEvent) Kind() EventKind     { return EventStats }
func (ErrorEvent) Kind() EventKind     { return EventError }
func (e UnknownEvent) Kind() EventKind { return e.Type }

func (StartEvent) event()   {}
func (StopEvent) event()    {}
func (ExpandEvent) event()  {}
func (StatsEvent) event()   {}
func (ErrorEvent) event()   {}
func (UnknownEvent) event() {}

func requireTask(id uuid.UUID) error {
	if id == uuid.Nil {
		return xerrors.Errorf("missing taskId: %w", ErrInvalidEvent)
	}
	return nil
}

func (e StartEvent) Validate() error { return requireTask(e.TaskID) }
func (e StopEvent) Validate() error  { return requireTask(e.TaskID) }

func (e ExpandEvent) Validate() error {
	if err := requireTask(e.TaskID); err != nil {
		return err
	}
	if len(e.Assets) == 0 {
		return xerrors.Errorf("expand without assets: %w", ErrInvalidEvent)
	}
	if e.BatchSize < 0 {
		return xerrors.Errorf("negative batch size %d: %w", e.BatchSize, ErrInvalidEvent)
	}
	return nil
}

func (e StatsEvent) Validate() error {
	if err := requireTask(e.TaskID); err != nil {
		return err
	}
	for _, s := range e.Samples {
		if s.Processor == "" || s.Count <= 0 || s.MinMs < 0 || s.MaxMs < s.MinMs || s.TotalMs < 0 {
			return xerrors.Errorf("bad sample for processor %q: %w", s.Processor, ErrInvalidEvent)
		}
	}
	return nil
}

func (e ErrorEvent) Validate() error {
	if err := requireTask(e.TaskID); err != nil {
		return err
	}
	if e.Message == "" {
		return xerrors.Errorf("error event without message: %w", ErrInvalidEvent)
	}
	return nil
}

func (UnknownEvent) Validate() error { return nil }

// EventEnvelope is the wire form of an event.
type EventEnvelope struct {
	Type  EventKind       `json:"type"`
	Event json.RawMessage `json:"event"`
}

func EncodeEvent(e Event) ([]byte, error) {
	if _, ok := e.(UnknownEvent); ok {
		return nil, xerrors.Errorf("cannot encode unknown event kind %q", e.Kind())
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, xerrors.Errorf("marshaling %s event: %w", e.Kind(), err)
	}
	return json.Marshal(EventEnvelope{Type: e.Kind(), Event: body})
}

// DecodeEvent parses and validates an envelope. Malformed input yields an
// error wrapping ErrInvalidEvent; an unrecognised kind yields UnknownEvent.
func DecodeEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, xerrors.Errorf("decoding envelope: %s: %w", err, ErrInvalidEvent)
	}
	if env.Type == "" {
		return nil, xerrors.Errorf("missing event type: %w", ErrInvalidEvent)
	}

	var ev Event
	var err error
	switch env.Type {
	case EventStart:
		ev, err = decodeAs[StartEvent](env.Event)
	case EventStop:
		ev, err = decodeAs[StopEvent](env.Event)
	case EventExpand:
		ev, err = decodeAs[ExpandEvent](env.Event)
	case EventStats:
		ev, err = decodeAs[StatsEvent](env.Event)
	case EventError:
		ev, err = decodeAs[ErrorEvent](env.Event)
	default:
		return UnknownEvent{Type: env.Type, Raw: env.Event}, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("decoding %s event: %s: %w", env.Type, err, ErrInvalidEvent)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeAs[T Event](raw json.RawMessage) (Event, error) {
	var v T
	if len(raw) == 0 {
		return nil, xerrors.New("empty event body")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
