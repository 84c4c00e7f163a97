package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/msageha/orchestrator-core/internal/model"
)

func TestValidateStepDAG_acyclicPasses(t *testing.T) {
	steps := []model.StepSpec{
		{ID: "a", DependsOn: nil},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a", "b"}},
	}
	assert.NoError(t, validateStepDAG(steps))
}

func TestValidateStepDAG_cycleFails(t *testing.T) {
	steps := []model.StepSpec{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}
	assert.Error(t, validateStepDAG(steps))
}
