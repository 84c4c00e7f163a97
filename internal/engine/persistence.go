package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/msageha/orchestrator-core/internal/model"
	"github.com/msageha/orchestrator-core/internal/yamlio"
)

// persistRecord is one line of the append-only persistence log, per
// spec.md §4.5/§6: a self-contained job snapshot tagged with its id and
// state for quick scanning without decoding the whole snapshot. Hydration
// keeps only the last record per job_id, so every mutation appends a
// fresh snapshot rather than a diff.
type persistRecord struct {
	Ts       int64      `json:"ts"`
	JobID    string     `json:"job_id"`
	State    string     `json:"state"`
	Snapshot *model.Job `json:"snapshot"`
}

// persistJob appends a snapshot of job to the persistence log. Must be
// called from the actor goroutine so the snapshot reflects a consistent
// view of the job.
func (e *Engine) persistJob(job *model.Job) {
	if e.cfg.PersistPath == "" {
		return
	}
	rec := persistRecord{Ts: time.Now().UnixMilli(), JobID: job.JobID, State: string(job.State), Snapshot: job}
	if err := yamlio.AppendJSONLine(e.cfg.PersistPath, rec); err != nil {
		e.log.Warn("persist job=%s failed: %v", job.JobID, err)
	}
}

// Hydrate replays the persistence log, restoring the last known snapshot
// of every job, per spec.md §4.5's "last snapshot per job_id wins" rule.
// Non-terminal jobs have their running/dispatching steps demoted back to
// queued (their attempt count is preserved, not reset) and are re-driven
// through scheduleJob so in-flight work resumes against fresh worker
// processes rather than ones that no longer exist.
func (e *Engine) Hydrate() error {
	snapshots := map[string]*model.Job{}
	err := yamlio.ReadLines(e.cfg.PersistPath, func(line []byte) error {
		var rec persistRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("decode persistence record: %w", err)
		}
		if rec.Snapshot == nil || rec.JobID == "" {
			return nil
		}
		snapshots[rec.JobID] = rec.Snapshot
		return nil
	})
	if err != nil {
		return err
	}

	e.do(func() {
		for jobID, job := range snapshots {
			if !model.IsJobTerminal(job.State) {
				resumeNonTerminalJob(job)
			}
			e.jobs[jobID] = job
			if job.IdempotencyKey != "" {
				e.idempotency[job.IdempotencyKey] = job.JobID
			}
		}
		for _, job := range e.jobs {
			if !model.IsJobTerminal(job.State) {
				e.scheduleJob(job)
			}
		}
	})
	return nil
}

// resumeNonTerminalJob demotes a resumed job's in-flight steps back to
// queued so they re-enter scheduling rather than being stranded in a
// state no running worker process can ever resolve.
func resumeNonTerminalJob(job *model.Job) {
	for _, step := range job.Steps {
		switch step.State {
		case model.StepRunning, model.StepDispatching:
			step.State = model.StepQueued
			step.StartedAt = nil
			step.FinishedAt = nil
			step.Cancellation.Requested = false
		}
	}
}
