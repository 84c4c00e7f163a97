package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/msageha/orchestrator-core/internal/model"
	"github.com/msageha/orchestrator-core/internal/orcherr"
)

// BuildOptions carries the overrides buildPlan needs beyond the recipe
// and user input, per spec.md §4.4 / §4.6 (idempotency key, timeout,
// retry policy, and the retry_of linkage used by retryJob).
type BuildOptions struct {
	IdempotencyKey string
	TimeoutMs      int64
	RetryPolicy    *model.RetryPolicy
	RetryOf        string
}

// BuildPlan compiles recipeID against userInput and options into a
// ready-to-submit Plan, per spec.md §4.4's buildPlan steps 1-4.
func (c *Catalog) BuildPlan(recipeID string, userInput map[string]any, opts BuildOptions) (*model.Plan, error) {
	recipe, ok := c.Get(recipeID)
	if !ok {
		return nil, orcherr.NewUserField("recipe_id", fmt.Sprintf("unknown recipe %q", recipeID))
	}

	merged := map[string]any{}
	for k, v := range recipe.Defaults {
		merged[k] = v
	}
	for k, v := range userInput {
		merged[k] = v
	}

	ctx := map[string]any{
		"recipe": map[string]any{
			"id":      recipe.ID,
			"version": recipe.Version,
		},
		"defaults": recipe.Defaults,
		"input":    merged,
		"steps":    map[string]any{},
	}

	steps := make([]model.PlanStep, 0, len(recipe.Steps))
	for _, spec := range recipe.Steps {
		payload, _ := Interpolate(spec.Payload, ctx).(map[string]any)

		cachePolicy := interpolateStruct(spec.CachePolicy, ctx)
		outputContract := interpolateStruct(spec.OutputContract, ctx)
		if outputContract == nil {
			outputContract = model.DefaultOutputContract()
		}
		retryPolicy := interpolateStruct(spec.RetryPolicy, ctx)
		if retryPolicy == nil {
			retryPolicy = model.DefaultRetryPolicy()
		}
		toolVersions, _ := Interpolate(spec.ToolVersions, ctx).(map[string]any)

		steps = append(steps, model.PlanStep{
			StepID:         spec.ID,
			Worker:         spec.Worker,
			Cmd:            spec.Command,
			DependsOn:      spec.DependsOn,
			Payload:        payload,
			CachePolicy:    cachePolicy,
			OutputContract: outputContract,
			ToolVersions:   toolVersions,
			RetryPolicy:    *retryPolicy,
		})
	}

	retryPolicy := model.DefaultRetryPolicy()
	if opts.RetryPolicy != nil {
		retryPolicy = opts.RetryPolicy
	}

	return &model.Plan{
		RecipeID:       recipe.ID,
		PresetID:       recipe.ID,
		IdempotencyKey: opts.IdempotencyKey,
		TimeoutMs:      opts.TimeoutMs,
		RetryPolicy:    *retryPolicy,
		Steps:          steps,
		Input:          merged,
		RetryOf:        opts.RetryOf,
	}, nil
}

// MaterializeOutputs interpolates a recipe's outputs template against a
// context exposing every finished step's output under steps.<step_id>,
// per spec.md §4.4.
func (c *Catalog) MaterializeOutputs(recipeID string, job *model.Job) (any, error) {
	recipe, ok := c.Get(recipeID)
	if !ok {
		return nil, fmt.Errorf("unknown recipe %q", recipeID)
	}

	stepOutputs := map[string]any{}
	for _, s := range job.Steps {
		stepOutputs[s.StepID] = map[string]any{"output": s.Output}
	}

	ctx := map[string]any{
		"recipe": map[string]any{"id": recipe.ID, "version": recipe.Version},
		"input":  job.Input,
		"steps":  stepOutputs,
	}
	return Interpolate(recipe.Outputs, ctx), nil
}

// interpolateStruct round-trips a step-spec field through JSON so that
// any `${...}` strings it carries (cache_policy, output_contract,
// retry_policy) are resolved by the same generic Interpolate used for
// payload, per spec.md §4.4. Returns nil for a nil input.
func interpolateStruct[T any](v *T, ctx map[string]any) *T {
	if v == nil {
		return nil
	}
	asMap, err := structToMap(v)
	if err != nil {
		return v
	}
	resolved := Interpolate(asMap, ctx)
	data, err := json.Marshal(resolved)
	if err != nil {
		return v
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return &out
}

func structToMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
