package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/msageha/orchestrator-core/internal/model"
	"github.com/msageha/orchestrator-core/internal/orcherr"
)

func TestCachePolicyTTL(t *testing.T) {
	assert.Equal(t, int64(0), cachePolicyTTL(nil))
	assert.Equal(t, int64(5000), cachePolicyTTL(&model.CachePolicy{TTLMs: 5000}))
}

func TestClassifyStepOutcome_errorTakesPrecedenceOverResponse(t *testing.T) {
	outcome := classifyStepOutcome(&model.ResponseEnvelope{OK: true}, orcherr.NewFatal("boom"), 12)
	assert.False(t, outcome.success)
	assert.Equal(t, string(orcherr.FatalError), outcome.category)
	assert.Equal(t, int64(12), outcome.timingMs)
}

func TestClassifyStepOutcome_nilResponseIsRetryable(t *testing.T) {
	outcome := classifyStepOutcome(nil, nil, 5)
	assert.False(t, outcome.success)
	assert.Equal(t, string(orcherr.RetryableError), outcome.category)
}

func TestClassifyStepOutcome_failureDefaultsToUserError(t *testing.T) {
	outcome := classifyStepOutcome(&model.ResponseEnvelope{OK: false}, nil, 0)
	assert.False(t, outcome.success)
	assert.Equal(t, string(orcherr.UserError), outcome.category)
	assert.Equal(t, "unknown error", outcome.errMsg)
}

func TestClassifyStepOutcome_failureHonorsExplicitCategory(t *testing.T) {
	outcome := classifyStepOutcome(&model.ResponseEnvelope{
		OK:    false,
		Error: &model.WireError{Category: string(orcherr.RetryableError), Message: "try again"},
	}, nil, 0)
	assert.False(t, outcome.success)
	assert.Equal(t, string(orcherr.RetryableError), outcome.category)
	assert.Equal(t, "try again", outcome.errMsg)
}

func TestClassifyStepOutcome_success(t *testing.T) {
	outcome := classifyStepOutcome(&model.ResponseEnvelope{OK: true, Data: map[string]any{"x": 1}}, nil, 3)
	assert.True(t, outcome.success)
	assert.Equal(t, map[string]any{"x": 1}, outcome.output)
}

func TestFinalizeJob_noopWhenNotAllStepsTerminal(t *testing.T) {
	e := &Engine{log: testLogger(), bus: NewBus()}
	job := &model.Job{
		JobID: "j1",
		State: model.JobRunning,
		Steps: []*model.StepState{
			{StepID: "a", State: model.StepSucceeded},
			{StepID: "b", State: model.StepRunning},
		},
	}
	e.finalizeJob(job)
	assert.Equal(t, model.JobRunning, job.State)
}

func TestFinalizeJob_failedBeatsCanceled(t *testing.T) {
	e := &Engine{log: testLogger(), bus: NewBus()}
	job := &model.Job{
		JobID: "j1",
		State: model.JobRunning,
		Steps: []*model.StepState{
			{StepID: "a", State: model.StepFailed},
			{StepID: "b", State: model.StepCanceled},
		},
	}
	e.finalizeJob(job)
	assert.Equal(t, model.JobFailed, job.State)
}

func TestFinalizeJob_terminalJobNeverRefinalized(t *testing.T) {
	e := &Engine{log: testLogger(), bus: NewBus()}
	job := &model.Job{JobID: "j1", State: model.JobFailed, Steps: []*model.StepState{{StepID: "a", State: model.StepSucceeded}}}
	e.finalizeJob(job)
	assert.Equal(t, model.JobFailed, job.State)
}
