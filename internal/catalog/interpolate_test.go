package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func baseCtx() map[string]any {
	return map[string]any{
		"input": map[string]any{
			"folder_path": "/tmp/audio",
			"use_gpu":     true,
			"count":       3,
		},
		"steps": map[string]any{
			"s1": map[string]any{"output": map[string]any{"x": 1}},
		},
	}
}

func TestInterpolate_wholePlaceholderPreservesType(t *testing.T) {
	ctx := baseCtx()
	assert.Equal(t, true, Interpolate("${input.use_gpu}", ctx))
	assert.Equal(t, 3, Interpolate("${input.count}", ctx))
	assert.Equal(t, map[string]any{"x": 1}, Interpolate("${steps.s1.output}", ctx))
}

func TestInterpolate_embeddedPlaceholderStringifies(t *testing.T) {
	ctx := baseCtx()
	got := Interpolate("folder=${input.folder_path} gpu=${input.use_gpu}", ctx)
	assert.Equal(t, "folder=/tmp/audio gpu=true", got)
}

func TestInterpolate_missingPathYieldsUndefinedOrEmpty(t *testing.T) {
	ctx := baseCtx()
	assert.Nil(t, Interpolate("${input.missing}", ctx))
	assert.Equal(t, "x=", Interpolate("x=${input.missing}", ctx))
}

func TestInterpolate_recursesIntoMapsAndArrays(t *testing.T) {
	ctx := baseCtx()
	v := map[string]any{
		"a": []any{"${input.folder_path}", "literal"},
		"b": map[string]any{"c": "${input.count}"},
	}
	got := Interpolate(v, ctx).(map[string]any)
	assert.Equal(t, []any{"/tmp/audio", "literal"}, got["a"])
	assert.Equal(t, map[string]any{"c": 3}, got["b"])
}

func TestInterpolate_idempotent(t *testing.T) {
	ctx := baseCtx()
	v := map[string]any{"path": "${input.folder_path}", "lit": "x=${input.count}"}
	once := Interpolate(v, ctx)
	twice := Interpolate(once, ctx)
	assert.Equal(t, once, twice)
}
