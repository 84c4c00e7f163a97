package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/msageha/orchestrator-core/internal/cache"
	"github.com/msageha/orchestrator-core/internal/model"
	"github.com/msageha/orchestrator-core/internal/orcherr"
)

// scheduleJob runs one scheduling pass over job, claiming every runnable
// step for a background cache-check/dispatch goroutine. Must be called
// from the actor goroutine.
func (e *Engine) scheduleJob(job *model.Job) {
	if model.IsJobTerminal(job.State) {
		return
	}
	for _, step := range job.Steps {
		if step.State != model.StepQueued {
			continue
		}
		key := stepKey(job.JobID, step.StepID)
		if e.claimed[key] {
			continue
		}
		if !depsSucceeded(job, step) {
			continue
		}
		e.claimed[key] = true
		go e.checkCacheAndDispatch(job.JobID, step.StepID)
	}
}

// checkCacheAndDispatch consults the step cache outside the actor
// goroutine (fingerprinting may touch the filesystem), then reports
// back through the actor either a cache-hit short-circuit or a dispatch.
func (e *Engine) checkCacheAndDispatch(jobID, stepID string) {
	var job *model.Job
	var step *model.StepState
	e.do(func() {
		job = e.jobs[jobID]
		if job != nil {
			step = job.StepByID(stepID)
		}
	})
	if job == nil || step == nil || step.State != model.StepQueued {
		e.clearClaim(jobID, stepID)
		return
	}

	fp := ""
	if step.CachePolicy != nil && step.CachePolicy.Enabled && e.cfg.Fingerprinter != nil && e.cfg.Cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		computed, err := e.cfg.Fingerprinter.Fingerprint(ctx, step.Cmd, step.Payload, stepToolVersions(e.cfg, step))
		cancel()
		if err != nil {
			e.log.Warn("fingerprint computation failed for job=%s step=%s: %v", jobID, stepID, err)
		} else {
			fp = computed
			if entry, ok := e.cfg.Cache.Get(fp, cachePolicyTTL(step.CachePolicy)); ok {
				contract := step.OutputContract
				if contract == nil {
					contract = model.DefaultOutputContract()
				}
				if err := cache.ValidateOutputContract(*contract, entry.Output); err == nil {
					e.doAsync(func() { e.applyCacheHit(jobID, stepID, entry.Output) })
					return
				}
			}
		}
	}

	e.doAsync(func() { e.dispatch(jobID, stepID, fp) })
}

func cachePolicyTTL(cp *model.CachePolicy) int64 {
	if cp == nil {
		return 0
	}
	return cp.TTLMs
}

func (e *Engine) clearClaim(jobID, stepID string) {
	e.doAsync(func() { delete(e.claimed, stepKey(jobID, stepID)) })
}

// applyCacheHit marks a step succeeded directly from the step cache,
// attempt stays 0, per spec.md §4.3/§4.5.
func (e *Engine) applyCacheHit(jobID, stepID string, output any) {
	job, ok := e.jobs[jobID]
	if !ok {
		return
	}
	step := job.StepByID(stepID)
	if step == nil || step.State != model.StepQueued {
		return
	}
	e.promoteJobRunning(job)

	step.State = model.StepSucceeded
	step.Output = output
	step.FinishedAt = ptrString(nowRFC3339())
	delete(e.claimed, stepKey(jobID, stepID))

	e.persistJob(job)
	e.bus.Publish(Event{Type: "step_progress", JobID: jobID, StepID: stepID, Worker: string(step.Worker), State: string(step.State)})

	e.finalizeJob(job)
	e.scheduleJob(job)
}

func (e *Engine) promoteJobRunning(job *model.Job) {
	if job.State != model.JobQueued {
		return
	}
	job.State = model.JobRunning
	job.StartedAt = ptrString(nowRFC3339())
}

// dispatch moves a step from queued to dispatching and pushes it onto
// its owning worker's FIFO queue, then drains that queue.
func (e *Engine) dispatch(jobID, stepID, fingerprint string) {
	job, ok := e.jobs[jobID]
	if !ok {
		return
	}
	step := job.StepByID(stepID)
	if step == nil || step.State != model.StepQueued {
		return
	}
	e.promoteJobRunning(job)

	step.State = model.StepDispatching
	if fingerprint != "" {
		e.fingerprint[stepKey(jobID, stepID)] = fingerprint
	}
	e.queues[step.Worker] = append(e.queues[step.Worker], queueEntry{jobID: jobID, stepID: stepID})

	e.persistJob(job)
	e.drainWorker(step.Worker)
}

// drainWorker pops queued entries while the worker is under its
// concurrency limit, spawning a goroutine per admitted step.
func (e *Engine) drainWorker(w model.Worker) {
	for e.active[w] < e.concurrency[w] && len(e.queues[w]) > 0 {
		entry := e.queues[w][0]
		e.queues[w] = e.queues[w][1:]
		e.active[w]++
		go e.runStep(entry.jobID, entry.stepID)
	}
}

type stepOutcome struct {
	success  bool
	output   any
	errMsg   string
	category string
	timingMs int64
}

// runStep sends one step's request and reports the outcome back to the
// actor. Runs outside the actor goroutine; all job/step field access
// happens inside the actor-synchronous snapshot/apply calls around it.
func (e *Engine) runStep(jobID, stepID string) {
	var worker model.Worker
	var cmd string
	var payload map[string]any
	var traceBase string
	var timeoutMs int64

	e.do(func() {
		job := e.jobs[jobID]
		if job == nil {
			return
		}
		step := job.StepByID(stepID)
		if step == nil {
			return
		}
		step.State = model.StepRunning
		step.Attempt++
		step.StartedAt = ptrString(nowRFC3339())
		worker, cmd, payload = step.Worker, step.Cmd, step.Payload
		timeoutMs = job.TimeoutMs
		traceBase = fmt.Sprintf("%s:%s:%d", jobID, stepID, step.Attempt)

		e.persistJob(job)
		e.bus.Publish(Event{Type: "step_progress", JobID: jobID, StepID: stepID, Worker: string(worker), State: string(step.State)})
	})
	if worker == "" {
		return
	}

	env := model.RequestEnvelope{
		ID:      model.GenerateID(model.IDKindRequest),
		Worker:  worker,
		Cmd:     cmd,
		Payload: payload,
		TraceID: traceBase,
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if timeoutMs > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	started := time.Now()
	resp, err := e.cfg.Supervisor.SendRequest(ctx, env)
	timingMs := time.Since(started).Milliseconds()

	outcome := classifyStepOutcome(resp, err, timingMs)
	e.doAsync(func() { e.finishStep(jobID, stepID, outcome) })
}

func classifyStepOutcome(resp *model.ResponseEnvelope, err error, timingMs int64) stepOutcome {
	if err != nil {
		return stepOutcome{success: false, errMsg: err.Error(), category: string(orcherr.CategoryOf(err)), timingMs: timingMs}
	}
	if resp == nil {
		return stepOutcome{success: false, errMsg: "no response", category: string(orcherr.RetryableError), timingMs: timingMs}
	}
	if !resp.OK {
		cat := string(orcherr.UserError)
		msg := "unknown error"
		if resp.Error != nil {
			if resp.Error.Category != "" {
				cat = resp.Error.Category
			}
			msg = resp.Error.Message
		}
		return stepOutcome{success: false, errMsg: msg, category: cat, timingMs: timingMs}
	}
	return stepOutcome{success: true, output: resp.Data, timingMs: timingMs}
}

// finishStep applies a step's execution outcome, handling the
// success/retry/fail/cancel branches of spec.md §4.5 step 4-5.
func (e *Engine) finishStep(jobID, stepID string, outcome stepOutcome) {
	job, ok := e.jobs[jobID]
	if !ok {
		return
	}
	step := job.StepByID(stepID)
	if step == nil {
		return
	}
	e.active[step.Worker]--
	step.FinishedAt = ptrString(nowRFC3339())
	key := stepKey(jobID, stepID)
	fp := e.fingerprint[key]
	delete(e.fingerprint, key)
	delete(e.claimed, key)

	if outcome.success {
		contract := step.OutputContract
		if contract == nil {
			contract = model.DefaultOutputContract()
		}
		if err := cache.ValidateOutputContract(*contract, outcome.output); err != nil {
			outcome = stepOutcome{success: false, errMsg: err.Error(), category: "RetryableError", timingMs: outcome.timingMs}
		}
	}

	if outcome.success {
		step.State = model.StepSucceeded
		step.Output = outcome.output
		step.Error = nil
		e.persistJob(job)
		e.bus.Publish(Event{Type: "step_progress", JobID: jobID, StepID: stepID, Worker: string(step.Worker), State: string(step.State), TimingMs: outcome.timingMs})

		if fp != "" && step.CachePolicy != nil && step.CachePolicy.Enabled && e.cfg.Cache != nil {
			if err := e.cfg.Cache.Set(fp, outcome.output); err != nil {
				e.log.Warn("step cache set failed for job=%s step=%s: %v", jobID, stepID, err)
			}
		}
	} else {
		wireErr := &model.WireError{Category: outcome.category, Message: outcome.errMsg}
		step.Error = wireErr

		switch {
		case step.Cancellation.Requested:
			step.State = model.StepCanceled
			step.Error = &model.WireError{Category: outcome.category, Message: "canceled"}
			e.persistJob(job)
			e.bus.Publish(Event{Type: "step_progress", JobID: jobID, StepID: stepID, Worker: string(step.Worker), State: string(step.State)})
			go e.scheduleForcedRestart(step.Worker)
		case outcome.category == string(orcherr.RetryableError) && step.Attempt < step.RetryPolicy.MaxAttempts:
			step.State = model.StepQueued
			e.persistJob(job)
			e.bus.Publish(Event{Type: "step_progress", JobID: jobID, StepID: stepID, Worker: string(step.Worker), State: string(step.State), Error: wireErr})
		default:
			step.State = model.StepFailed
			job.Errors = append(job.Errors, wireErr)
			e.persistJob(job)
			e.bus.Publish(Event{Type: "step_progress", JobID: jobID, StepID: stepID, Worker: string(step.Worker), State: string(step.State), Error: wireErr})
		}
	}

	e.drainWorker(step.Worker)
	e.finalizeJob(job)
	e.scheduleJob(job)
}

// finalizeJob applies spec.md §4.5's job-finalization rules; a job
// already terminal is never re-finalized.
func (e *Engine) finalizeJob(job *model.Job) {
	if model.IsJobTerminal(job.State) {
		return
	}

	var anyFailed, anyCanceled, allSucceeded = false, false, true
	for _, s := range job.Steps {
		switch s.State {
		case model.StepFailed:
			anyFailed = true
			allSucceeded = false
		case model.StepCanceled:
			anyCanceled = true
			allSucceeded = false
		case model.StepSucceeded:
		default:
			allSucceeded = false
		}
	}

	var finalState model.JobState
	switch {
	case anyFailed:
		finalState = model.JobFailed
	case anyCanceled:
		finalState = model.JobCanceled
	case allSucceeded:
		finalState = model.JobSucceeded
	default:
		return
	}

	job.State = finalState
	job.FinishedAt = ptrString(nowRFC3339())

	if finalState == model.JobSucceeded && e.cfg.MaterializeFn != nil {
		if outputs, err := e.cfg.MaterializeFn(job.RecipeID, job); err == nil {
			job.Outputs = outputs
		} else {
			e.log.Warn("materialize outputs failed for job=%s: %v", job.JobID, err)
		}
	}

	e.persistJob(job)
	e.bus.Publish(Event{Type: "job_state", JobID: job.JobID, State: string(job.State)})
}
