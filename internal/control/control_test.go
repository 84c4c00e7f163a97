package control

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/msageha/orchestrator-core/internal/catalog"
	"github.com/msageha/orchestrator-core/internal/engine"
	"github.com/msageha/orchestrator-core/internal/model"
	"github.com/msageha/orchestrator-core/internal/orchlog"
)

func testLogger() *orchlog.Logger {
	return orchlog.New(io.Discard, orchlog.LevelError, "test")
}

const testCatalogYAML = `
recipes:
  - id: transcribe_folder
    version: 1
    defaults:
      use_gpu: false
    steps:
      - id: transcribe
        worker: media
        command: transcribe_folder
        depends_on: []
        payload:
          folder_path: "${input.folder_path}"
          use_gpu: "${input.use_gpu}"
    outputs: "${steps.transcribe.output}"
`

type echoWorkerClient struct{}

func (echoWorkerClient) SendRequest(ctx context.Context, env model.RequestEnvelope) (*model.ResponseEnvelope, error) {
	return &model.ResponseEnvelope{ID: env.ID, OK: true, Data: map[string]any{"files_processed": 1}}, nil
}
func (echoWorkerClient) Restart(w model.Worker, reason string) error { return nil }

type zeroFingerprinter struct{}

func (zeroFingerprinter) Fingerprint(ctx context.Context, cmd string, payload map[string]any, toolVersions map[string]string) (string, error) {
	return "", nil
}

func newTestPlane(t *testing.T) (*Plane, *engine.Engine) {
	t.Helper()
	dir := t.TempDir()

	catPath := filepath.Join(dir, "recipes.yaml")
	require.NoError(t, os.WriteFile(catPath, []byte(testCatalogYAML), 0644))
	cat, err := catalog.Load(catPath, testLogger())
	require.NoError(t, err)

	eng := engine.New(engine.Config{
		Supervisor:    echoWorkerClient{},
		Cache:         nil,
		Fingerprinter: zeroFingerprinter{},
		PersistPath:   filepath.Join(dir, "jobs.jsonl"),
		Concurrency:   map[model.Worker]int{model.WorkerResolve: 1, model.WorkerMedia: 1, model.WorkerPlatform: 1},
		MaterializeFn: func(recipeID string, job *model.Job) (any, error) {
			return job.Steps[len(job.Steps)-1].Output, nil
		},
	}, testLogger(), engine.NewBus())
	eng.StartActor()
	t.Cleanup(eng.Stop)

	plane, err := Open(cat, eng, testLogger(), filepath.Join(dir, "preferences.yaml"))
	require.NoError(t, err)
	t.Cleanup(plane.Close)

	return plane, eng
}

func TestOpen_initializesDefaultPreferences(t *testing.T) {
	plane, _ := newTestPlane(t)
	prefs := plane.Preferences()
	require.Equal(t, model.DefaultConcurrency(), prefs.WorkerConcurrency)
}

func TestUpdatePreferences_mergesAndReappliesConcurrency(t *testing.T) {
	plane, _ := newTestPlane(t)

	updated, err := plane.UpdatePreferences(model.Preferences{
		WorkerConcurrency: map[model.Worker]int{model.WorkerMedia: 5},
	})
	require.NoError(t, err)
	require.Equal(t, 5, updated.WorkerConcurrency[model.WorkerMedia])
	require.Equal(t, 1, updated.WorkerConcurrency[model.WorkerResolve], "unrelated fields survive the merge")

	require.Equal(t, 5, plane.Preferences().WorkerConcurrency[model.WorkerMedia])
}

func TestLaunchRecipe_mergesDefaultsPrefsAndInput(t *testing.T) {
	plane, eng := newTestPlane(t)

	_, err := plane.UpdatePreferences(model.Preferences{
		RecipeDefaults: map[string]map[string]any{"transcribe_folder": {"use_gpu": true}},
	})
	require.NoError(t, err)

	result, err := plane.LaunchRecipe("transcribe_folder", map[string]any{"folder_path": "/tmp/in"}, LaunchOptions{})
	require.NoError(t, err)
	require.Equal(t, "/tmp/in", result.Input["folder_path"])
	require.Equal(t, true, result.Input["use_gpu"])

	require.Eventually(t, func() bool {
		j, ok := eng.GetJob(result.JobID)
		return ok && j.State == model.JobSucceeded
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRetryJob_reusesOriginalInput(t *testing.T) {
	plane, eng := newTestPlane(t)

	first, err := plane.LaunchRecipe("transcribe_folder", map[string]any{"folder_path": "/tmp/orig"}, LaunchOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, ok := eng.GetJob(first.JobID)
		return ok && j.State == model.JobSucceeded
	}, 2*time.Second, 5*time.Millisecond)

	retried, err := plane.RetryJob(first.JobID)
	require.NoError(t, err)
	require.Equal(t, "/tmp/orig", retried.Input["folder_path"])
	require.NotEqual(t, first.JobID, retried.JobID)
}

func TestRetryJob_unknownJobIsError(t *testing.T) {
	plane, _ := newTestPlane(t)
	_, err := plane.RetryJob("job_does_not_exist")
	require.Error(t, err)
}

func TestDashboardSnapshot_succeededJobHasNoActiveStepAndZeroETA(t *testing.T) {
	plane, eng := newTestPlane(t)

	result, err := plane.LaunchRecipe("transcribe_folder", map[string]any{"folder_path": "/tmp/in"}, LaunchOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, ok := eng.GetJob(result.JobID)
		return ok && j.State == model.JobSucceeded
	}, 2*time.Second, 5*time.Millisecond)

	snapshot := plane.DashboardSnapshot()
	require.Len(t, snapshot, 1)
	require.Equal(t, result.JobID, snapshot[0].JobID)
	require.Nil(t, snapshot[0].ActiveStep, "no non-terminal steps left once the job has succeeded")
	require.NotNil(t, snapshot[0].ETAMs, "one finished step gives a duration average")
	require.Equal(t, int64(0), *snapshot[0].ETAMs, "no non-terminal steps left to estimate")
}

func TestEventsSince_replaysRingBufferedEventsForJob(t *testing.T) {
	plane, eng := newTestPlane(t)

	result, err := plane.LaunchRecipe("transcribe_folder", map[string]any{"folder_path": "/tmp/in"}, LaunchOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, ok := eng.GetJob(result.JobID)
		return ok && j.State == model.JobSucceeded
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(plane.EventsSince(result.JobID)) > 0
	}, time.Second, 5*time.Millisecond)
}
