package model

// Plan is a submit-ready structure compiled from a recipe by interpolating
// every `${...}` reference against defaults, user input, and (at
// materialize time) prior step outputs.
type Plan struct {
	RecipeID       string         `json:"recipe_id"`
	PresetID       string         `json:"preset_id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	TimeoutMs      int64          `json:"timeout_ms"`
	RetryPolicy    RetryPolicy    `json:"retry_policy"`
	Steps          []PlanStep     `json:"steps"`
	Input          map[string]any `json:"input"`
	RetryOf        string         `json:"retry_of,omitempty"`
}

// PlanStep is one fully-interpolated step ready for dispatch.
type PlanStep struct {
	StepID         string          `json:"step_id"`
	Worker         Worker          `json:"worker"`
	Cmd            string          `json:"cmd"`
	DependsOn      []string        `json:"depends_on"`
	Payload        map[string]any  `json:"payload"`
	CachePolicy    *CachePolicy    `json:"cache_policy,omitempty"`
	OutputContract *OutputContract `json:"output_contract,omitempty"`
	ToolVersions   map[string]any  `json:"tool_versions,omitempty"`
	RetryPolicy    RetryPolicy     `json:"retry_policy"`
}
