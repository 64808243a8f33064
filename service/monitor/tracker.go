// Package monitor tracks a submitted ledger transaction until it is
// finalized or fails.
package monitor

import (
	"time"
)

// Status is the monitor's view of a transaction.
type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusProcessing Status = "processing"
	StatusConfirmed  Status = "confirmed"
	StatusFinalized  Status = "finalized"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return s == StatusFinalized || s == StatusFailed
}

// StepStatus is the display state of one confirmation step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCurrent   StepStatus = "current"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step is one entry in the ordered confirmation checklist.
type Step struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

const (
	stepSubmitted = iota
	stepProcessing
	stepConfirmed
	stepFinalized
)

func defaultSteps() []Step {
	return []Step{
		{ID: "submitted", Name: "Transaction Submitted", Status: StepPending},
		{ID: "processing", Name: "Processing", Status: StepPending},
		{ID: "confirmed", Name: "Confirmed", Status: StepPending},
		{ID: "finalized", Name: "Finalized", Status: StepPending},
	}
}

// Tracker is the step machine behind a Monitor. It performs no I/O and is
// not safe for concurrent use; Monitor and the Temporal workflow both wrap it.
type Tracker struct {
	now    func() time.Time
	steps  []Step
	status Status
}

// NewTracker returns a tracker in the submitted state. now stamps completed
// steps; nil means time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		now:    now,
		steps:  defaultSteps(),
		status: StatusSubmitted,
	}
}

// Begin marks the transaction as submitted and starts the processing step.
func (t *Tracker) Begin() Status {
	if t.status != StatusSubmitted {
		return t.status
	}
	t.complete(stepSubmitted)
	t.steps[stepProcessing].Status = StepCurrent
	t.status = StatusProcessing
	return t.status
}

// Observe applies a ledger-reported confirmation level and returns the new
// status and whether it changed. Repeated or backward reports are ignored.
func (t *Tracker) Observe(cs ConfirmationStatus) (Status, bool) {
	if t.status.Terminal() {
		return t.status, false
	}
	if t.status == StatusSubmitted {
		t.Begin()
	}

	switch cs {
	case ConfirmationConfirmed:
		if t.status != StatusProcessing {
			return t.status, false
		}
		t.complete(stepProcessing)
		t.complete(stepConfirmed)
		t.steps[stepFinalized].Status = StepCurrent
		t.status = StatusConfirmed
		return t.status, true

	case ConfirmationFinalized:
		for i := stepProcessing; i <= stepFinalized; i++ {
			if t.steps[i].Status != StepCompleted {
				t.complete(i)
			}
		}
		t.status = StatusFinalized
		return t.status, true
	}

	return t.status, false
}

// Fail marks the current step failed. It returns false if the transaction
// had already reached a terminal state.
func (t *Tracker) Fail() bool {
	if t.status.Terminal() {
		return false
	}
	failed := -1
	for i := range t.steps {
		if t.steps[i].Status == StepCurrent {
			failed = i
			break
		}
		if failed < 0 && t.steps[i].Status == StepPending {
			failed = i
		}
	}
	if failed >= 0 {
		t.steps[failed].Status = StepFailed
	}
	t.status = StatusFailed
	return true
}

// Status returns the current status.
func (t *Tracker) Status() Status { return t.status }

// Steps returns a copy of the step list.
func (t *Tracker) Steps() []Step {
	out := make([]Step, len(t.steps))
	copy(out, t.steps)
	return out
}

func (t *Tracker) complete(i int) {
	ts := t.now()
	t.steps[i].Status = StepCompleted
	t.steps[i].Timestamp = &ts
}
