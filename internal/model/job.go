package model

import "fmt"

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCanceled  JobState = "canceled"
)

// StepStateKind is the lifecycle state of a single step.
type StepStateKind string

const (
	StepQueued      StepStateKind = "queued"
	StepDispatching StepStateKind = "dispatching"
	StepRunning     StepStateKind = "running"
	StepSucceeded   StepStateKind = "succeeded"
	StepFailed      StepStateKind = "failed"
	StepCanceled    StepStateKind = "canceled"
)

var terminalJobStates = map[JobState]bool{
	JobSucceeded: true,
	JobFailed:    true,
	JobCanceled:  true,
}

var terminalStepStates = map[StepStateKind]bool{
	StepSucceeded: true,
	StepFailed:    true,
	StepCanceled:  true,
}

func IsJobTerminal(s JobState) bool       { return terminalJobStates[s] }
func IsStepTerminal(s StepStateKind) bool { return terminalStepStates[s] }

// validJobTransitions enumerates the only allowed job-state edges.
// Terminality (§8 invariant) is enforced by ValidateJobTransition: once a
// job is terminal it never transitions again.
var validJobTransitions = map[JobState]map[JobState]bool{
	JobQueued: {
		JobRunning:  true,
		JobFailed:   true, // a job can fail before any step ever ran (e.g. empty plan rejected upstream is not representable, but defensive)
		JobCanceled: true,
	},
	JobRunning: {
		JobSucceeded: true,
		JobFailed:    true,
		JobCanceled:  true,
	},
}

func ValidateJobTransition(from, to JobState) error {
	if IsJobTerminal(from) {
		return fmt.Errorf("cannot transition job from terminal state %q", from)
	}
	allowed, ok := validJobTransitions[from]
	if !ok {
		return fmt.Errorf("unknown job state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid job transition: %q -> %q", from, to)
	}
	return nil
}

var validStepTransitions = map[StepStateKind]map[StepStateKind]bool{
	StepQueued: {
		StepDispatching: true,
		StepSucceeded:   true, // cache hit short-circuits straight to succeeded
		StepCanceled:    true,
	},
	StepDispatching: {
		StepRunning:  true,
		StepCanceled: true,
	},
	StepRunning: {
		StepSucceeded: true,
		StepFailed:    true,
		StepCanceled:  true,
		StepQueued:    true, // returned to queued pending a retry
	},
}

func ValidateStepTransition(from, to StepStateKind) error {
	if IsStepTerminal(from) {
		return fmt.Errorf("cannot transition step from terminal state %q", from)
	}
	allowed, ok := validStepTransitions[from]
	if !ok {
		return fmt.Errorf("unknown step state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid step transition: %q -> %q", from, to)
	}
	return nil
}

// Cancellation tracks whether a step's cancellation has been requested.
type Cancellation struct {
	Requested bool `json:"requested"`
}

// StepState is the runtime record of one step's execution.
type StepState struct {
	StepID         string          `json:"step_id"`
	Cmd            string          `json:"cmd"`
	Worker         Worker          `json:"worker"`
	Payload        map[string]any  `json:"payload"`
	DependsOn      []string        `json:"depends_on"`
	State          StepStateKind   `json:"state"`
	Attempt        int             `json:"attempt"`
	StartedAt      *string         `json:"started_at,omitempty"`
	FinishedAt     *string         `json:"finished_at,omitempty"`
	Output         any             `json:"output,omitempty"`
	Error          *WireError      `json:"error,omitempty"`
	Cancellation   Cancellation    `json:"cancellation"`
	CachePolicy    *CachePolicy    `json:"cache_policy,omitempty"`
	OutputContract *OutputContract `json:"output_contract,omitempty"`
	ToolVersions   map[string]any  `json:"tool_versions,omitempty"`
	RetryPolicy    RetryPolicy     `json:"retry_policy"`
}

// Job is a runtime instance of a plan with a step DAG, persistence, and events.
type Job struct {
	JobID          string         `json:"job_id"`
	PresetID       string         `json:"preset_id"`
	RecipeID       string         `json:"recipe_id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	State          JobState       `json:"state"`
	CreatedAt      string         `json:"created_at"`
	StartedAt      *string        `json:"started_at,omitempty"`
	FinishedAt     *string        `json:"finished_at,omitempty"`
	Steps          []*StepState   `json:"steps"`
	Outputs        any            `json:"outputs,omitempty"`
	Errors         []*WireError   `json:"errors,omitempty"`
	Input          map[string]any `json:"input,omitempty"`
	RetryPolicy    RetryPolicy    `json:"retry_policy"`
	TimeoutMs      int64          `json:"timeout_ms"`
	RetryOf        string         `json:"retry_of,omitempty"`
}

// StepByID returns a pointer to the job's step with the given id, or nil.
func (j *Job) StepByID(id string) *StepState {
	for _, s := range j.Steps {
		if s.StepID == id {
			return s
		}
	}
	return nil
}
