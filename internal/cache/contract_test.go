package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/orchestrator-core/internal/model"
)

func TestValidateOutputContract_nonNull(t *testing.T) {
	assert.NoError(t, ValidateOutputContract(model.OutputContract{Kind: "non_null"}, "x"))
	assert.Error(t, ValidateOutputContract(model.OutputContract{Kind: "non_null"}, nil))
	assert.NoError(t, ValidateOutputContract(model.OutputContract{}, "x"))
}

func TestValidateOutputContract_transcribeOutput(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.wav")
	out := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(out, []byte("transcript"), 0644))

	good := map[string]any{
		"outputs": []any{
			map[string]any{"file": src, "output_paths": []any{out}},
		},
	}
	assert.NoError(t, ValidateOutputContract(model.OutputContract{Kind: "transcribe_output"}, good))

	empty := map[string]any{"outputs": []any{}}
	assert.Error(t, ValidateOutputContract(model.OutputContract{Kind: "transcribe_output"}, empty))

	missingFile := map[string]any{
		"outputs": []any{
			map[string]any{"file": filepath.Join(dir, "missing.wav"), "output_paths": []any{out}},
		},
	}
	assert.Error(t, ValidateOutputContract(model.OutputContract{Kind: "transcribe_output"}, missingFile))
}
