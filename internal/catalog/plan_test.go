package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/orchestrator-core/internal/model"
)

func TestBuildPlan_mergesDefaultsAndInput_interpolatesSteps(t *testing.T) {
	path := writeCatalog(t, validCatalog)
	c, err := Load(path, testLogger())
	require.NoError(t, err)

	plan, err := c.BuildPlan("transcribe_folder", map[string]any{"folder_path": "/tmp/audio"}, BuildOptions{
		IdempotencyKey: "key1",
		TimeoutMs:      5000,
	})
	require.NoError(t, err)

	assert.Equal(t, "transcribe_folder", plan.RecipeID)
	assert.Equal(t, "key1", plan.IdempotencyKey)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "/tmp/audio", plan.Steps[0].Payload["folder_path"])
	assert.Equal(t, false, plan.Steps[0].Payload["use_gpu"])
	assert.Equal(t, model.WorkerMedia, plan.Steps[0].Worker)
}

func TestBuildPlan_unknownRecipeIsUserError(t *testing.T) {
	path := writeCatalog(t, validCatalog)
	c, err := Load(path, testLogger())
	require.NoError(t, err)

	_, err = c.BuildPlan("does_not_exist", nil, BuildOptions{})
	require.Error(t, err)
}

func TestMaterializeOutputs_interpolatesAgainstStepOutputs(t *testing.T) {
	path := writeCatalog(t, validCatalog)
	c, err := Load(path, testLogger())
	require.NoError(t, err)

	job := &model.Job{
		RecipeID: "transcribe_folder",
		Steps: []*model.StepState{
			{StepID: "transcribe", Output: map[string]any{"files_processed": 1}},
		},
	}
	out, err := c.MaterializeOutputs("transcribe_folder", job)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"files_processed": 1}, out)
}
