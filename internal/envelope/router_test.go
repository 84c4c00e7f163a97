package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/orchestrator-core/internal/model"
	"github.com/msageha/orchestrator-core/internal/orcherr"
)

func TestToRequestEnvelope_resolvesWorkerFromCommandOwner(t *testing.T) {
	env := ToRequestEnvelope(RawRequest{
		Cmd:     "transcribe_folder",
		Payload: map[string]any{"folder_path": "/tmp/audio"},
	}, "")

	assert.Equal(t, model.WorkerMedia, env.Worker)
	assert.NotEmpty(t, env.ID)
	assert.NotEmpty(t, env.TraceID)
}

func TestToRequestEnvelope_extraFieldsFoldIntoPayload_lastWins(t *testing.T) {
	env := ToRequestEnvelope(RawRequest{
		Cmd:     "transcribe_folder",
		Payload: map[string]any{"folder_path": "/old"},
		Extra:   map[string]any{"folder_path": "/new"},
	}, "")

	assert.Equal(t, "/new", env.Payload["folder_path"])
}

func TestValidateRequestEnvelope_oneCommandPerWorkerRoutesToItsOwner(t *testing.T) {
	cases := []struct {
		cmd    string
		worker model.Worker
	}{
		{"connect", model.WorkerResolve},
		{"transcribe_folder", model.WorkerMedia},
		{"leaderpass_upload", model.WorkerPlatform},
	}
	for _, tc := range cases {
		env := ToRequestEnvelope(RawRequest{
			Cmd: tc.cmd,
			Payload: map[string]any{
				"folder_path": "/tmp",
				"file_path":   "/tmp/f",
				"timecode":    "00:00:00",
				"text":        "x",
				"addMarker":   "x",
			},
		}, "")
		require.Equal(t, tc.worker, env.Worker, tc.cmd)
		require.NoError(t, ValidateRequestEnvelope(env), tc.cmd)
	}
}

func TestValidateRequestEnvelope_misroutedCommandFails(t *testing.T) {
	env := ToRequestEnvelope(RawRequest{Cmd: "connect"}, "media")
	err := ValidateRequestEnvelope(env)
	require.Error(t, err)
	assert.Equal(t, orcherr.UserError, orcherr.CategoryOf(err))
}

func TestValidateRequestEnvelope_unknownCommandFails(t *testing.T) {
	env := ToRequestEnvelope(RawRequest{Cmd: "not_a_command"}, "media")
	err := ValidateRequestEnvelope(env)
	require.Error(t, err)
}

func TestValidateRequestEnvelope_missingRequiredField(t *testing.T) {
	env := ToRequestEnvelope(RawRequest{Cmd: "transcribe_folder"}, "")
	err := ValidateRequestEnvelope(env)
	require.Error(t, err)
}

func TestValidateRequestEnvelope_wrongScalarType(t *testing.T) {
	env := ToRequestEnvelope(RawRequest{
		Cmd:     "transcribe_folder",
		Payload: map[string]any{"folder_path": 123},
	}, "")
	err := ValidateRequestEnvelope(env)
	require.Error(t, err)
}

func TestValidateRequestEnvelope_pingValidAgainstAnyWorker(t *testing.T) {
	for _, w := range model.Workers() {
		env := ToRequestEnvelope(RawRequest{Cmd: "ping"}, string(w))
		require.NoError(t, ValidateRequestEnvelope(env))
	}
}

func TestNormalizeResponseEnvelope_successRoundTrip(t *testing.T) {
	raw := map[string]any{"id": "req_1", "ok": true, "data": map[string]any{"x": 1}}
	resp, evt := NormalizeResponseEnvelope(raw, "", time.Time{})

	require.Nil(t, evt)
	require.NotNil(t, resp)
	assert.Equal(t, "req_1", resp.ID)
	assert.True(t, resp.OK)
	assert.Equal(t, map[string]any{"x": 1}, resp.Data)
}

func TestNormalizeResponseEnvelope_legacyWireWholeObjectIsData(t *testing.T) {
	raw := map[string]any{"id": "req_1", "ok": true, "status": "ok"}
	resp, _ := NormalizeResponseEnvelope(raw, "", time.Time{})

	require.NotNil(t, resp)
	assert.Equal(t, raw, resp.Data)
}

func TestNormalizeResponseEnvelope_failureNormalizesError(t *testing.T) {
	raw := map[string]any{"id": "req_1", "ok": false, "error": "temporary"}
	resp, _ := NormalizeResponseEnvelope(raw, "", time.Time{})

	require.NotNil(t, resp)
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "temporary", resp.Error.Message)
}

func TestNormalizeResponseEnvelope_eventNeverHasID(t *testing.T) {
	raw := map[string]any{"event": "progress", "trace_id": "t1", "code": "STEP"}
	resp, evt := NormalizeResponseEnvelope(raw, "", time.Time{})

	require.Nil(t, resp)
	require.NotNil(t, evt)
	assert.Equal(t, "progress", evt.Event)
}

func TestNormalizeResponseEnvelope_attachesLatencyMetrics(t *testing.T) {
	raw := map[string]any{"id": "req_1", "ok": true, "data": "d"}
	started := time.Now().Add(-50 * time.Millisecond)
	resp, _ := NormalizeResponseEnvelope(raw, "", started)

	require.NotNil(t, resp)
	require.NotNil(t, resp.Metrics)
	assert.GreaterOrEqual(t, resp.Metrics["latency_ms"].(int64), int64(0))
}
