package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// Priority is the dispatch class of a job. Lower values dispatch first.
type Priority int

const (
	PriorityInteractive Priority = 0
	PriorityStandard    Priority = 100
	PriorityReindex     Priority = 200
)

var priorityNames = map[Priority]string{
	PriorityInteractive: "Interactive",
	PriorityStandard:    "Standard",
	PriorityReindex:     "Reindex",
}

func (p Priority) String() string {
	if n, ok := priorityNames[p]; ok {
		return n
	}
	return "Priority(" + strconv.Itoa(int(p)) + ")"
}

func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

func ParsePriority(s string) (Priority, error) {
	for p, n := range priorityNames {
		if strings.EqualFold(n, s) {
			return p, nil
		}
	}
	return 0, xerrors.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if _, ok := priorityNames[p]; !ok {
		return nil, xerrors.Errorf("unknown priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type JobState string

const (
	JobInProgress JobState = "InProgress"
	JobSuccess    JobState = "Success"
	JobFailure    JobState = "Failure"
	JobCancelled  JobState = "Cancelled"
)

func (s JobState) Terminal() bool {
	return s == JobSuccess || s == JobFailure
}

type TaskState string

const (
	TaskWaiting TaskState = "Waiting"
	TaskRunning TaskState = "Running"
	TaskSuccess TaskState = "Success"
	TaskFailure TaskState = "Failure"
)

func (s TaskState) Terminal() bool {
	return s == TaskSuccess || s == TaskFailure
}

type AnalystState string

const (
	AnalystUp   AnalystState = "Up"
	AnalystDown AnalystState = "Down"
)

type LockState string

const (
	Unlocked LockState = "Unlocked"
	Locked   LockState = "Locked"
)

type Tenant struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	TimeCreated time.Time `json:"timeCreated"`
}

// TaskCounts are the per-state task counters kept on a job.
type TaskCounts struct {
	Waiting int `json:"waiting"`
	Running int `json:"running"`
	Success int `json:"success"`
	Failure int `json:"failure"`
}

func (c TaskCounts) Total() int {
	return c.Waiting + c.Running + c.Success + c.Failure
}

type Job struct {
	ID              uuid.UUID         `json:"id"`
	TenantID        uuid.UUID         `json:"tenantId"`
	Name            string            `json:"name"`
	Priority        Priority          `json:"priority"`
	State           JobState          `json:"state"`
	MaxRunningTasks int               `json:"maxRunningTasks"`
	Counts          TaskCounts        `json:"counts"`
	Args            map[string]any    `json:"args,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	TimeCreated     time.Time         `json:"timeCreated"`
	TimeModified    time.Time         `json:"timeModified"`
}

type Processor struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type Asset struct {
	ID    string         `json:"id"`
	Kind  string         `json:"kind,omitempty"`
	Path  string         `json:"path,omitempty"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Script is the opaque payload an analyst executes. Generate processors
// discover work, Execute processors run once per asset in Over.
type Script struct {
	Name     string         `json:"name"`
	Settings map[string]any `json:"settings,omitempty"`
	Generate []Processor    `json:"generate,omitempty"`
	Over     []Asset        `json:"over,omitempty"`
	Execute  []Processor    `json:"execute,omitempty"`
}

type Task struct {
	ID           uuid.UUID         `json:"id"`
	JobID        uuid.UUID         `json:"jobId"`
	TenantID     uuid.UUID         `json:"tenantId"`
	ParentID     *uuid.UUID        `json:"parentId,omitempty"`
	Name         string            `json:"name"`
	State        TaskState         `json:"state"`
	Host         string            `json:"host,omitempty"`
	RunCount     int               `json:"runCount"`
	ExitStatus   int               `json:"exitStatus"`
	Script       Script            `json:"script"`
	Env          map[string]string `json:"env,omitempty"`
	TimeCreated  time.Time         `json:"timeCreated"`
	TimeStarted  time.Time         `json:"timeStarted,omitempty"`
	TimeStopped  time.Time         `json:"timeStopped,omitempty"`
	TimePing     time.Time         `json:"timePing,omitempty"`
	TimeModified time.Time         `json:"timeModified"`
}

// AnalystSpec is what an analyst reports about itself on every ping.
type AnalystSpec struct {
	Endpoint string     `json:"endpoint"`
	TaskID   *uuid.UUID `json:"taskId,omitempty"`
	TotalRAM uint64     `json:"totalRam"`
	FreeRAM  uint64     `json:"freeRam"`
	Load     float64    `json:"load"`
	Threads  int        `json:"threads"`
	Version  string     `json:"version"`
}

type Analyst struct {
	ID          uuid.UUID    `json:"id"`
	Endpoint    string       `json:"endpoint"`
	State       AnalystState `json:"state"`
	Lock        LockState    `json:"lock"`
	TaskID      *uuid.UUID   `json:"taskId,omitempty"`
	TotalRAM    uint64       `json:"totalRam"`
	FreeRAM     uint64       `json:"freeRam"`
	Load        float64      `json:"load"`
	Threads     int          `json:"threads"`
	Version     string       `json:"version"`
	TimeCreated time.Time    `json:"timeCreated"`
	TimePing    time.Time    `json:"timePing"`

	// Live is derived from TimePing on every read.
	Live bool `json:"live"`
}

// TaskError records one failed attempt, or one processor error report, of a task.
type TaskError struct {
	ID          uuid.UUID `json:"id"`
	TaskID      uuid.UUID `json:"taskId"`
	JobID       uuid.UUID `json:"jobId"`
	Message     string    `json:"message"`
	Processor   string    `json:"processor,omitempty"`
	Fatal       bool      `json:"fatal"`
	Endpoint    string    `json:"endpoint,omitempty"`
	Phase       string    `json:"phase,omitempty"`
	TimeCreated time.Time `json:"timeCreated"`
}

// TaskErrorFilter selects errors belonging to any of the listed jobs or tasks.
type TaskErrorFilter struct {
	JobIDs  []uuid.UUID `json:"jobIds,omitempty"`
	TaskIDs []uuid.UUID `json:"taskIds,omitempty"`
}

// ProcessorStat aggregates the timing samples of one processor within a job.
type ProcessorStat struct {
	JobID     uuid.UUID `json:"jobId"`
	Processor string    `json:"processor"`
	Count     int64     `json:"count"`
	MinMs     int64     `json:"minMs"`
	MaxMs     int64     `json:"maxMs"`
	TotalMs   int64     `json:"totalMs"`
}

func (s ProcessorStat) AvgMs() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.TotalMs) / float64(s.Count)
}

// DispatchPriority is the queue pressure of one tenant at the moment of a poll.
type DispatchPriority struct {
	TenantID    uuid.UUID `json:"tenantId"`
	Running     int       `json:"running"`
	Waiting     int       `json:"waiting"`
	TimeCreated time.Time `json:"timeCreated"`
}

// DispatchTask is the payload handed to an analyst that claimed a task.
type DispatchTask struct {
	TaskID   uuid.UUID         `json:"taskId"`
	JobID    uuid.UUID         `json:"jobId"`
	Name     string            `json:"name"`
	RunCount int               `json:"runCount"`
	Script   Script            `json:"script"`
	Env      map[string]string `json:"env,omitempty"`
}

type TaskSpec struct {
	Name   string            `json:"name"`
	Script Script            `json:"script"`
	Env    map[string]string `json:"env,omitempty"`
}

// JobSpec describes a job to launch. Nil Priority means Standard and nil
// MaxRunningTasks means the default cap.
type JobSpec struct {
	TenantID        uuid.UUID         `json:"tenantId"`
	Name            string            `json:"name"`
	Priority        *Priority         `json:"priority,omitempty"`
	MaxRunningTasks *int              `json:"maxRunningTasks,omitempty"`
	Args            map[string]any    `json:"args,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Tasks           []TaskSpec        `json:"tasks"`
}
