package engine

import (
	"context"
	"sync"

	"github.com/msageha/orchestrator-core/internal/model"
)

// fakeWorkerClient stands in for the worker supervisor in engine tests. It
// routes every request through a single handler function supplied by the
// test, and records restarts so cancellation scenarios can assert on them.
type fakeWorkerClient struct {
	mu       sync.Mutex
	handler  func(env model.RequestEnvelope) (*model.ResponseEnvelope, error)
	restarts []model.Worker
}

func (f *fakeWorkerClient) SendRequest(ctx context.Context, env model.RequestEnvelope) (*model.ResponseEnvelope, error) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	return h(env)
}

func (f *fakeWorkerClient) Restart(w model.Worker, reason string) error {
	f.mu.Lock()
	f.restarts = append(f.restarts, w)
	f.mu.Unlock()
	return nil
}

func (f *fakeWorkerClient) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restarts)
}

// fakeFingerprinter returns a fixed fingerprint, or an error, for every call.
type fakeFingerprinter struct {
	fp  string
	err error
}

func (f *fakeFingerprinter) Fingerprint(ctx context.Context, cmd string, payload map[string]any, toolVersions map[string]string) (string, error) {
	return f.fp, f.err
}

// fakeCache is an in-memory CacheStore good enough to exercise the engine's
// cache-hit short-circuit without touching the filesystem.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]model.StepCacheEntry
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]model.StepCacheEntry{}}
}

func (c *fakeCache) Get(fingerprint string, ttlMs int64) (model.StepCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[fingerprint]
	return entry, ok
}

func (c *fakeCache) Set(fingerprint string, output any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = model.StepCacheEntry{Output: output}
	return nil
}

func buildPlan(recipeID string, steps ...model.PlanStep) *model.Plan {
	return &model.Plan{
		RecipeID: recipeID,
		PresetID: recipeID,
		Steps:    steps,
	}
}

func planStep(id string, worker model.Worker, cmd string, dependsOn ...string) model.PlanStep {
	return model.PlanStep{
		StepID:      id,
		Worker:      worker,
		Cmd:         cmd,
		DependsOn:   dependsOn,
		Payload:     map[string]any{},
		RetryPolicy: *model.DefaultRetryPolicy(),
	}
}
