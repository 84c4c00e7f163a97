package model

// Recipe is a declarative multi-step plan template, loaded from the
// recipe catalog file.
type Recipe struct {
	ID          string           `yaml:"id"`
	Version     int              `yaml:"version"`
	Description string           `yaml:"description"`
	Inputs      map[string]Input `yaml:"inputs"`
	Defaults    map[string]any   `yaml:"defaults"`
	Steps       []StepSpec       `yaml:"steps"`
	Outputs     any              `yaml:"outputs"`
}

// Input describes one declared recipe input.
type Input struct {
	Type string `yaml:"type"`
}

// StepSpec is one step of a recipe, before interpolation.
type StepSpec struct {
	ID             string          `yaml:"id"`
	Worker         Worker          `yaml:"worker"`
	Command        string          `yaml:"command"`
	DependsOn      []string        `yaml:"depends_on"`
	Payload        map[string]any  `yaml:"payload"`
	CachePolicy    *CachePolicy    `yaml:"cache_policy"`
	OutputContract *OutputContract `yaml:"output_contract"`
	ToolVersions   map[string]any  `yaml:"tool_versions"`
	RetryPolicy    *RetryPolicy    `yaml:"retry_policy"`
}

// CachePolicy controls whether a step may be served from the step cache.
type CachePolicy struct {
	Enabled bool  `yaml:"enabled"`
	TTLMs   int64 `yaml:"ttl_ms"`
}

// OutputContract is the declarative post-condition a step's output must
// satisfy to be accepted as successful / cacheable.
type OutputContract struct {
	Kind string `yaml:"kind"` // "non_null" | "transcribe_output" | ...
}

// DefaultOutputContract is used when a step-spec does not declare one.
func DefaultOutputContract() *OutputContract {
	return &OutputContract{Kind: "non_null"}
}

// RetryPolicy bounds how many attempts a step or job gets.
type RetryPolicy struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultRetryPolicy is used for a step that declares no retry_policy and
// for a plan whose build options carry none.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 1}
}
