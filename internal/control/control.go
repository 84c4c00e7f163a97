// Package control implements the orchestrator's control plane: a
// dashboard snapshot derived from the job engine's live state, persisted
// preferences (per-recipe defaults, per-worker concurrency), and the
// recipe launch/retry entry points the front end drives. Grounded on the
// teacher's dashboard_formatter.go (stats aggregation over a bounded
// event window) and the internal/yamlio atomic-write helper, used here
// for the preferences file.
package control

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/orchestrator-core/internal/catalog"
	"github.com/msageha/orchestrator-core/internal/engine"
	"github.com/msageha/orchestrator-core/internal/model"
	"github.com/msageha/orchestrator-core/internal/orchlog"
	"github.com/msageha/orchestrator-core/internal/orcherr"
	"github.com/msageha/orchestrator-core/internal/yamlio"
)

// defaultRingSize is the ring buffer capacity from spec.md §4.6.
const defaultRingSize = 2000

// LaunchOptions carries the per-launch overrides a front end may supply
// on top of a recipe's and the saved preferences' defaults.
type LaunchOptions struct {
	IdempotencyKey string
	TimeoutMs      int64
	RetryPolicy    *model.RetryPolicy
}

// ActiveStepSnapshot describes the step a job is currently on.
type ActiveStepSnapshot struct {
	StepID  string       `json:"step_id"`
	Worker  model.Worker `json:"worker"`
	Cmd     string       `json:"cmd"`
	State   string       `json:"state"`
	Attempt int          `json:"attempt"`
}

// DashboardJob is one row of a dashboard snapshot, per spec.md §4.6.
type DashboardJob struct {
	JobID      string              `json:"job_id"`
	PresetID   string              `json:"preset_id"`
	State      string              `json:"state"`
	CreatedAt  string              `json:"created_at"`
	StartedAt  *string             `json:"started_at,omitempty"`
	FinishedAt *string             `json:"finished_at,omitempty"`
	ActiveStep *ActiveStepSnapshot `json:"active_step"`
	ETAMs      *int64              `json:"eta_ms"`
}

// Plane is the control plane: it owns preferences and the event ring
// buffer, and exposes the launch/retry/dashboard/preferences surface
// listed in spec.md §6's control surface.
type Plane struct {
	catalog *catalog.Catalog
	engine  *engine.Engine
	log     *orchlog.Logger

	prefsPath string
	prefsMu   sync.RWMutex
	prefs     model.Preferences

	ring *ringBuffer

	watcher     *fsnotify.Watcher
	unsubscribe func()
}

// Open loads (or initializes) the preferences file at prefsPath, applies
// its worker concurrency to eng, subscribes to eng's event bus for the
// ring buffer, and returns a ready Plane.
func Open(cat *catalog.Catalog, eng *engine.Engine, log *orchlog.Logger, prefsPath string) (*Plane, error) {
	prefs, err := loadOrInitPreferences(prefsPath)
	if err != nil {
		return nil, err
	}

	p := &Plane{
		catalog:   cat,
		engine:    eng,
		log:       log,
		prefsPath: prefsPath,
		prefs:     prefs,
		ring:      newRingBuffer(defaultRingSize),
	}
	p.applyConcurrency()

	ch, unsubscribe := eng.Bus().Subscribe("control-plane")
	p.unsubscribe = unsubscribe
	go func() {
		for evt := range ch {
			p.ring.append(evt)
		}
	}()

	return p, nil
}

func loadOrInitPreferences(path string) (model.Preferences, error) {
	var doc model.Preferences
	err := yamlio.ReadYAMLOrDefault(path, &doc, func() any { return model.DefaultPreferences() })
	if err != nil {
		return model.Preferences{}, fmt.Errorf("load preferences %s: %w", path, err)
	}
	if doc.RecipeDefaults == nil {
		doc.RecipeDefaults = map[string]map[string]any{}
	}
	if doc.WorkerConcurrency == nil {
		doc.WorkerConcurrency = model.DefaultConcurrency()
	}
	return doc, nil
}

func (p *Plane) applyConcurrency() {
	p.prefsMu.RLock()
	defer p.prefsMu.RUnlock()
	for _, w := range model.Workers() {
		if n, ok := p.prefs.WorkerConcurrency[w]; ok {
			p.engine.SetConcurrency(w, n)
		}
	}
}

// Close stops the event subscription and the preferences watcher, if any.
func (p *Plane) Close() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	if p.watcher != nil {
		_ = p.watcher.Close()
	}
}

// Preferences returns the current preferences.
func (p *Plane) Preferences() model.Preferences {
	p.prefsMu.RLock()
	defer p.prefsMu.RUnlock()
	return p.prefs
}

// UpdatePreferences merges patch into the saved preferences field-by-field,
// persists the result atomically, and re-applies worker concurrency to
// the engine, per spec.md §4.6.
func (p *Plane) UpdatePreferences(patch model.Preferences) (model.Preferences, error) {
	p.prefsMu.Lock()
	merged := p.prefs.Merge(patch)
	p.prefs = merged
	p.prefsMu.Unlock()

	if err := yamlio.AtomicWriteYAML(p.prefsPath, merged); err != nil {
		return model.Preferences{}, fmt.Errorf("persist preferences: %w", err)
	}
	p.applyConcurrency()
	return merged, nil
}

// LaunchResult is the return value of LaunchRecipe, per spec.md §4.6.
type LaunchResult struct {
	JobID    string         `json:"job_id"`
	PresetID string         `json:"preset_id"`
	State    string         `json:"state"`
	Input    map[string]any `json:"input"`
}

// LaunchRecipe builds and submits a plan for recipeID. Precedence, lowest
// to highest: the recipe's own defaults, the saved per-recipe preference
// defaults, then the caller-supplied input.
func (p *Plane) LaunchRecipe(recipeID string, input map[string]any, opts LaunchOptions) (*LaunchResult, error) {
	p.prefsMu.RLock()
	savedDefaults := p.prefs.RecipeDefaults[recipeID]
	p.prefsMu.RUnlock()

	merged := map[string]any{}
	for k, v := range savedDefaults {
		merged[k] = v
	}
	for k, v := range input {
		merged[k] = v
	}

	plan, err := p.catalog.BuildPlan(recipeID, merged, catalog.BuildOptions{
		IdempotencyKey: opts.IdempotencyKey,
		TimeoutMs:      opts.TimeoutMs,
		RetryPolicy:    opts.RetryPolicy,
	})
	if err != nil {
		return nil, err
	}

	job, err := p.engine.Submit(plan)
	if err != nil {
		return nil, err
	}
	return &LaunchResult{JobID: job.JobID, PresetID: job.PresetID, State: string(job.State), Input: job.Input}, nil
}

// RetryJob re-launches jobID's recipe using the job's own last input,
// linking the new job back via retry_of, per spec.md §4.6.
func (p *Plane) RetryJob(jobID string) (*LaunchResult, error) {
	job, ok := p.engine.GetJob(jobID)
	if !ok {
		return nil, orcherr.NewUserField("job_id", fmt.Sprintf("unknown job %q", jobID))
	}

	plan, err := p.catalog.BuildPlan(job.RecipeID, job.Input, catalog.BuildOptions{
		TimeoutMs: job.TimeoutMs,
		RetryOf:   jobID,
	})
	if err != nil {
		return nil, err
	}

	newJob, err := p.engine.Submit(plan)
	if err != nil {
		return nil, err
	}
	return &LaunchResult{JobID: newJob.JobID, PresetID: newJob.PresetID, State: string(newJob.State), Input: newJob.Input}, nil
}

// DashboardSnapshot builds the spec.md §4.6 dashboard view directly from
// the engine's live job index, sorted by created_at desc.
func (p *Plane) DashboardSnapshot() []DashboardJob {
	jobs := p.engine.ListJobs()
	out := make([]DashboardJob, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, buildDashboardJob(job))
	}
	return out
}

func buildDashboardJob(job *model.Job) DashboardJob {
	var activeStep *ActiveStepSnapshot
	var totalDurationMs int64
	var finishedCount int
	var notTerminalCount int

	for _, step := range job.Steps {
		if step.StartedAt != nil && step.FinishedAt != nil {
			if dur, ok := stepDurationMs(*step.StartedAt, *step.FinishedAt); ok {
				totalDurationMs += dur
				finishedCount++
			}
		}
		if !model.IsStepTerminal(step.State) {
			notTerminalCount++
			if activeStep == nil {
				activeStep = &ActiveStepSnapshot{
					StepID:  step.StepID,
					Worker:  step.Worker,
					Cmd:     step.Cmd,
					State:   string(step.State),
					Attempt: step.Attempt,
				}
			}
		}
	}

	var etaMs *int64
	if finishedCount > 0 {
		avg := totalDurationMs / int64(finishedCount)
		eta := avg * int64(notTerminalCount)
		etaMs = &eta
	}

	return DashboardJob{
		JobID:      job.JobID,
		PresetID:   job.PresetID,
		State:      string(job.State),
		CreatedAt:  job.CreatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
		ActiveStep: activeStep,
		ETAMs:      etaMs,
	}
}

func stepDurationMs(startedAt, finishedAt string) (int64, bool) {
	start, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return 0, false
	}
	finish, err := time.Parse(time.RFC3339Nano, finishedAt)
	if err != nil {
		return 0, false
	}
	return finish.Sub(start).Milliseconds(), true
}

// EventsSince returns every ring-buffered event recorded for jobID (every
// step, in arrival order), for a reconnecting subscriber to catch up on.
func (p *Plane) EventsSince(jobID string) []engine.Event {
	return p.ring.byJob(jobID)
}

// Subscribe exposes the underlying engine bus directly for the push
// stream half of the control surface (spec.md §6).
func (p *Plane) Subscribe(id string) (<-chan engine.Event, func()) {
	return p.engine.Bus().Subscribe(id)
}

// WatchPreferences begins watching the preferences file for external
// edits (e.g. hand-edited while the orchestrator is running), reloading
// and re-applying concurrency on change. Grounded on the same fsnotify
// pattern as the recipe catalog's Watch.
func (p *Plane) WatchPreferences() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create preferences watcher: %w", err)
	}
	if err := w.Add(p.prefsPath); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch preferences %s: %w", p.prefsPath, err)
	}
	p.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				prefs, err := loadOrInitPreferences(p.prefsPath)
				if err != nil {
					p.log.Warn("preferences reload failed, keeping previous preferences: %v", err)
					continue
				}
				p.prefsMu.Lock()
				p.prefs = prefs
				p.prefsMu.Unlock()
				p.applyConcurrency()
				p.log.Info("preferences reloaded from %s", p.prefsPath)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				p.log.Warn("preferences watcher error: %v", err)
			}
		}
	}()
	return nil
}
