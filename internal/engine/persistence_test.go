package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/msageha/orchestrator-core/internal/model"
)

func newHydratableEngine(t *testing.T, persistPath string) *Engine {
	t.Helper()
	cfg := Config{
		Supervisor:     &fakeWorkerClient{handler: okHandler(map[string]any{"ok": true})},
		Cache:          newFakeCache(),
		Fingerprinter:  &fakeFingerprinter{},
		PersistPath:    persistPath,
		Concurrency:    map[model.Worker]int{model.WorkerResolve: 1, model.WorkerMedia: 1, model.WorkerPlatform: 1},
		MaterializeFn:  func(recipeID string, job *model.Job) (any, error) { return nil, nil },
		CancelKillWait: 0,
	}
	e := New(cfg, testLogger(), NewBus())
	return e
}

func TestHydrate_lastSnapshotPerJobIDWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.jsonl")

	job := &model.Job{
		JobID: "job_a",
		State: model.JobRunning,
		Steps: []*model.StepState{{StepID: "s1", State: model.StepQueued}},
	}
	writer := newHydratableEngine(t, path)
	writer.persistJob(job)

	job.Steps[0].State = model.StepRunning
	job.Steps[0].Attempt = 1
	writer.persistJob(job)

	reader := newHydratableEngine(t, path)
	reader.StartActor()
	defer reader.Stop()

	require.NoError(t, reader.Hydrate())

	hydrated, ok := reader.GetJob("job_a")
	require.True(t, ok)
	require.Equal(t, model.JobRunning, hydrated.State)
	require.Equal(t, 1, hydrated.Steps[0].Attempt, "attempt from the second snapshot, not the first")
}

func TestHydrate_demotesRunningStepsToQueued(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.jsonl")
	started := "2026-01-01T00:00:00Z"

	job := &model.Job{
		JobID: "job_b",
		State: model.JobRunning,
		Steps: []*model.StepState{
			{StepID: "s1", State: model.StepRunning, Attempt: 1, StartedAt: &started},
			{StepID: "s2", State: model.StepDispatching, DependsOn: []string{"s1"}},
		},
	}
	writer := newHydratableEngine(t, path)
	writer.persistJob(job)

	reader := newHydratableEngine(t, path)
	reader.StartActor()
	defer reader.Stop()

	require.NoError(t, reader.Hydrate())

	hydrated, ok := reader.GetJob("job_b")
	require.True(t, ok)
	require.Equal(t, model.StepQueued, hydrated.Steps[0].State)
	require.Equal(t, 1, hydrated.Steps[0].Attempt, "attempt count survives resume, only state resets")
	require.Nil(t, hydrated.Steps[0].StartedAt)
	require.Equal(t, model.StepQueued, hydrated.Steps[1].State)
}

func TestHydrate_terminalJobUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.jsonl")

	job := &model.Job{
		JobID: "job_c",
		State: model.JobSucceeded,
		Steps: []*model.StepState{{StepID: "s1", State: model.StepSucceeded}},
	}
	writer := newHydratableEngine(t, path)
	writer.persistJob(job)

	reader := newHydratableEngine(t, path)
	reader.StartActor()
	defer reader.Stop()

	require.NoError(t, reader.Hydrate())

	hydrated, ok := reader.GetJob("job_c")
	require.True(t, ok)
	require.Equal(t, model.JobSucceeded, hydrated.State)
	require.Equal(t, model.StepSucceeded, hydrated.Steps[0].State)
}

func TestHydrate_missingLogIsNotAnError(t *testing.T) {
	reader := newHydratableEngine(t, filepath.Join(t.TempDir(), "does-not-exist.jsonl"))
	reader.StartActor()
	defer reader.Stop()

	require.NoError(t, reader.Hydrate())
	require.Empty(t, reader.ListJobs())
}
