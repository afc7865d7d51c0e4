package queue

import (
	"github.com/mediaplane/overseer/api"
)

// Result is the outcome of a poll: Assigned or Empty.
type Result interface {
	result()
}

// Assigned carries the task the analyst now holds.
type Assigned struct {
	Task api.DispatchTask
}

// Empty means there is nothing for this analyst right now. It is the normal
// idle outcome, not a failure.
type Empty struct {
	Reason string
}

func (Assigned) result() {}
func (Empty) result()    {}

const (
	ReasonUnknownAnalyst = "unknown analyst"
	ReasonNoWork         = "no work available"
	ReasonAnalystBusy    = "analyst busy"
)
