package model

// Preferences holds per-recipe default inputs and per-worker concurrency,
// persisted atomically after each mutation.
type Preferences struct {
	RecipeDefaults    map[string]map[string]any `yaml:"recipe_defaults"`
	WorkerConcurrency map[Worker]int            `yaml:"worker_concurrency"`
}

// DefaultPreferences mirrors spec.md §4.6 / §6 defaults: {resolve:1, media:2, platform:2}.
func DefaultPreferences() Preferences {
	return Preferences{
		RecipeDefaults:    map[string]map[string]any{},
		WorkerConcurrency: DefaultConcurrency(),
	}
}

// Merge applies patch on top of p, field by field, returning the result.
// Per-recipe defaults and per-worker concurrency are merged at the
// second level (a patch for one recipe/worker does not erase others).
func (p Preferences) Merge(patch Preferences) Preferences {
	out := Preferences{
		RecipeDefaults:    map[string]map[string]any{},
		WorkerConcurrency: map[Worker]int{},
	}
	for k, v := range p.RecipeDefaults {
		out.RecipeDefaults[k] = v
	}
	for k, v := range p.WorkerConcurrency {
		out.WorkerConcurrency[k] = v
	}
	for recipeID, defaults := range patch.RecipeDefaults {
		merged := map[string]any{}
		for k, v := range out.RecipeDefaults[recipeID] {
			merged[k] = v
		}
		for k, v := range defaults {
			merged[k] = v
		}
		out.RecipeDefaults[recipeID] = merged
	}
	for worker, n := range patch.WorkerConcurrency {
		out.WorkerConcurrency[worker] = n
	}
	return out
}
