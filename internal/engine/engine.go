package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/msageha/orchestrator-core/internal/cache"
	"github.com/msageha/orchestrator-core/internal/model"
	"github.com/msageha/orchestrator-core/internal/orcherr"
	"github.com/msageha/orchestrator-core/internal/orchlog"
)

// WorkerClient is the subset of the worker supervisor the engine needs.
// Accepting an interface here keeps the engine testable without a real
// subprocess and avoids a hard dependency on the worker package's
// process-management internals.
type WorkerClient interface {
	SendRequest(ctx context.Context, env model.RequestEnvelope) (*model.ResponseEnvelope, error)
	Restart(w model.Worker, reason string) error
}

// Fingerprinter computes step cache fingerprints.
type Fingerprinter interface {
	Fingerprint(ctx context.Context, cmd string, payload map[string]any, toolVersions map[string]string) (string, error)
}

// CacheStore is the step cache's persisted keyed store.
type CacheStore interface {
	Get(fingerprint string, ttlMs int64) (model.StepCacheEntry, bool)
	Set(fingerprint string, output any) error
}

type queueEntry struct {
	jobID  string
	stepID string
}

// Config wires an Engine's external dependencies.
type Config struct {
	Supervisor     WorkerClient
	Cache          CacheStore
	Fingerprinter  Fingerprinter
	PersistPath    string
	Concurrency    map[model.Worker]int
	ToolVersions   map[model.Worker]map[string]string
	MaterializeFn  func(recipeID string, job *model.Job) (any, error)
	CancelKillWait time.Duration
}

// Engine is the job engine: a single actor goroutine owns every job/step
// mutation; step execution runs in separate goroutines that report their
// outcome back through the actor's command channel. This realizes
// spec.md §5's "single scheduler task... step execution in parallel
// tasks per worker" model without a mutex guarding the whole index.
type Engine struct {
	cfg Config
	log *orchlog.Logger
	bus *Bus

	cmds chan func()
	done chan struct{}

	jobs        map[string]*model.Job
	idempotency map[string]string
	queues      map[model.Worker][]queueEntry
	active      map[model.Worker]int
	concurrency map[model.Worker]int
	claimed     map[string]bool
	fingerprint map[string]string
}

// New constructs an Engine; call StartActor before submitting work.
func New(cfg Config, log *orchlog.Logger, bus *Bus) *Engine {
	conc := map[model.Worker]int{}
	for w, n := range cfg.Concurrency {
		conc[w] = n
	}
	for _, w := range model.Workers() {
		if _, ok := conc[w]; !ok {
			conc[w] = model.DefaultConcurrency()[w]
		}
	}
	if cfg.CancelKillWait <= 0 {
		cfg.CancelKillWait = time.Second
	}
	return &Engine{
		cfg:         cfg,
		log:         log,
		bus:         bus,
		cmds:        make(chan func(), 4096),
		done:        make(chan struct{}),
		jobs:        map[string]*model.Job{},
		idempotency: map[string]string{},
		queues:      map[model.Worker][]queueEntry{},
		active:      map[model.Worker]int{},
		concurrency: conc,
		claimed:     map[string]bool{},
		fingerprint: map[string]string{},
	}
}

// StartActor begins the engine's single mutation goroutine.
func (e *Engine) StartActor() {
	go func() {
		for {
			select {
			case cmd := <-e.cmds:
				cmd()
			case <-e.done:
				return
			}
		}
	}()
}

// Stop halts the actor loop. In-flight step goroutines finish but their
// results are dropped once stopped.
func (e *Engine) Stop() {
	close(e.done)
}

// Bus returns the engine's event bus, for callers that need to subscribe
// (the control plane's ring buffer and push-stream).
func (e *Engine) Bus() *Bus {
	return e.bus
}

// do runs fn on the actor goroutine and blocks until it completes.
func (e *Engine) do(fn func()) {
	doneCh := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(doneCh) }:
		<-doneCh
	case <-e.done:
	}
}

// doAsync enqueues fn on the actor without waiting for it to run.
func (e *Engine) doAsync(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.done:
	}
}

func stepKey(jobID, stepID string) string { return jobID + "/" + stepID }

// Submit implements spec.md §4.5 Submit(plan): idempotency dedup, job
// materialization, persistence, and the first scheduling pass.
func (e *Engine) Submit(plan *model.Plan) (*model.Job, error) {
	var result *model.Job
	e.do(func() {
		if plan.IdempotencyKey != "" {
			if existingID, ok := e.idempotency[plan.IdempotencyKey]; ok {
				result = e.jobs[existingID]
				return
			}
		}

		job := materializeJob(plan)
		e.jobs[job.JobID] = job
		if plan.IdempotencyKey != "" {
			e.idempotency[plan.IdempotencyKey] = job.JobID
		}
		e.persistJob(job)
		e.bus.Publish(Event{Type: "job_state", JobID: job.JobID, State: string(job.State)})
		e.scheduleJob(job)
		result = job
	})
	return result, nil
}

func materializeJob(plan *model.Plan) *model.Job {
	steps := make([]*model.StepState, 0, len(plan.Steps))
	for _, ps := range plan.Steps {
		steps = append(steps, &model.StepState{
			StepID:         ps.StepID,
			Cmd:            ps.Cmd,
			Worker:         ps.Worker,
			Payload:        ps.Payload,
			DependsOn:      ps.DependsOn,
			State:          model.StepQueued,
			Attempt:        0,
			CachePolicy:    ps.CachePolicy,
			OutputContract: ps.OutputContract,
			ToolVersions:   ps.ToolVersions,
			RetryPolicy:    ps.RetryPolicy,
		})
	}
	return &model.Job{
		JobID:          model.GenerateID(model.IDKindJob),
		PresetID:       plan.PresetID,
		RecipeID:       plan.RecipeID,
		IdempotencyKey: plan.IdempotencyKey,
		State:          model.JobQueued,
		CreatedAt:      nowRFC3339(),
		Steps:          steps,
		Input:          plan.Input,
		RetryPolicy:    plan.RetryPolicy,
		TimeoutMs:      plan.TimeoutMs,
		RetryOf:        plan.RetryOf,
	}
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// GetJob returns a snapshot copy-free pointer to the job (callers must
// not mutate it); nil if unknown.
func (e *Engine) GetJob(jobID string) (*model.Job, bool) {
	var job *model.Job
	var ok bool
	e.do(func() { job, ok = e.jobs[jobID] })
	return job, ok
}

// ListJobs returns every known job, sorted by CreatedAt desc per spec.md §4.6.
func (e *Engine) ListJobs() []*model.Job {
	var out []*model.Job
	e.do(func() {
		out = make([]*model.Job, 0, len(e.jobs))
		for _, j := range e.jobs {
			out = append(out, j)
		}
	})
	sortJobsByCreatedAtDesc(out)
	return out
}

func sortJobsByCreatedAtDesc(jobs []*model.Job) {
	for i := 1; i < len(jobs); i++ {
		j := i
		for j > 0 && jobs[j-1].CreatedAt < jobs[j].CreatedAt {
			jobs[j-1], jobs[j] = jobs[j], jobs[j-1]
			j--
		}
	}
}

// SetConcurrency reconfigures a worker's concurrency at runtime, per
// spec.md §4.5 ("reconfigurable at runtime via preferences"). A lowered
// limit takes effect as running steps complete; it never preempts.
func (e *Engine) SetConcurrency(w model.Worker, n int) {
	if n <= 0 {
		n = 1
	}
	e.do(func() {
		e.concurrency[w] = n
		e.drainWorker(w)
	})
}

// Cancel implements spec.md §4.5's cancellation semantics.
func (e *Engine) Cancel(jobID string) (bool, string) {
	var ok bool
	var msg string
	e.do(func() {
		job, found := e.jobs[jobID]
		if !found {
			ok, msg = false, "job not found"
			return
		}
		if model.IsJobTerminal(job.State) {
			ok, msg = true, "cancellation requested"
			return
		}
		for _, step := range job.Steps {
			switch step.State {
			case model.StepQueued, model.StepDispatching:
				step.Cancellation.Requested = true
				step.State = model.StepCanceled
				step.Error = &model.WireError{Category: string(orcherr.UserError), Message: "canceled"}
				step.FinishedAt = ptrString(nowRFC3339())
				e.removeFromQueue(job.JobID, step.StepID)
			case model.StepRunning:
				step.Cancellation.Requested = true
			}
		}
		e.persistJob(job)
		e.finalizeJob(job)
		ok, msg = true, "cancellation requested"
	})
	return ok, msg
}

func ptrString(s string) *string { return &s }

func (e *Engine) removeFromQueue(jobID, stepID string) {
	for w, entries := range e.queues {
		filtered := entries[:0]
		for _, entry := range entries {
			if entry.jobID == jobID && entry.stepID == stepID {
				continue
			}
			filtered = append(filtered, entry)
		}
		e.queues[w] = filtered
	}
}

func (e *Engine) scheduleForcedRestart(w model.Worker) {
	time.Sleep(e.cfg.CancelKillWait)
	if err := e.cfg.Supervisor.Restart(w, "step cancellation"); err != nil {
		e.log.Warn("forced restart of worker %s after cancellation failed: %v", w, err)
	}
}

func depsSucceeded(job *model.Job, step *model.StepState) bool {
	for _, dep := range step.DependsOn {
		d := job.StepByID(dep)
		if d == nil || d.State != model.StepSucceeded {
			return false
		}
	}
	return true
}

// stepToolVersions merges a worker's detected tool versions with the
// step's own declared tool_versions (model.StepState.ToolVersions,
// populated from the recipe's tool_versions per catalog/plan.go), so
// the fingerprint tuple of spec.md §4.3 actually reflects what the
// recipe declared, not just a per-worker default. Declared values win
// on key collision.
func stepToolVersions(cfg Config, step *model.StepState) map[string]string {
	merged := map[string]string{}
	for k, v := range cfg.ToolVersions[step.Worker] {
		merged[k] = v
	}
	for k, v := range step.ToolVersions {
		merged[k] = toolVersionString(v)
	}
	return merged
}

func toolVersionString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

var _ Fingerprinter = (*cache.Fingerprinter)(nil)
var _ CacheStore = (*cache.Store)(nil)
