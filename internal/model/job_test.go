package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateJobTransition_terminalNeverMoves(t *testing.T) {
	for _, terminal := range []JobState{JobSucceeded, JobFailed, JobCanceled} {
		err := ValidateJobTransition(terminal, JobRunning)
		require.Error(t, err)
	}
}

func TestValidateJobTransition_happyPath(t *testing.T) {
	require.NoError(t, ValidateJobTransition(JobQueued, JobRunning))
	require.NoError(t, ValidateJobTransition(JobRunning, JobSucceeded))
}

func TestValidateJobTransition_rejectsUnknownEdge(t *testing.T) {
	err := ValidateJobTransition(JobQueued, JobSucceeded)
	assert.Error(t, err)
}

func TestValidateStepTransition_cacheHitShortcut(t *testing.T) {
	require.NoError(t, ValidateStepTransition(StepQueued, StepSucceeded))
}

func TestValidateStepTransition_retryReturnsToQueued(t *testing.T) {
	require.NoError(t, ValidateStepTransition(StepRunning, StepQueued))
}

func TestValidateStepTransition_terminalNeverMoves(t *testing.T) {
	for _, terminal := range []StepStateKind{StepSucceeded, StepFailed, StepCanceled} {
		err := ValidateStepTransition(terminal, StepQueued)
		require.Error(t, err)
	}
}

func TestJob_StepByID(t *testing.T) {
	job := &Job{Steps: []*StepState{{StepID: "a"}, {StepID: "b"}}}
	require.NotNil(t, job.StepByID("b"))
	assert.Nil(t, job.StepByID("missing"))
}
