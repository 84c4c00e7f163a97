package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateID_prefixedAndUnique(t *testing.T) {
	a := GenerateID(IDKindJob)
	b := GenerateID(IDKindJob)

	assert.True(t, strings.HasPrefix(a, "job_"))
	assert.NotEqual(t, a, b)
}

func TestCommandOwner_knownAndUnknown(t *testing.T) {
	w, ok := CommandOwner("transcribe_folder")
	assert.True(t, ok)
	assert.Equal(t, WorkerMedia, w)

	_, ok = CommandOwner("not_a_real_command")
	assert.False(t, ok)
}

func TestWorker_Valid(t *testing.T) {
	assert.True(t, WorkerResolve.Valid())
	assert.False(t, Worker("bogus").Valid())
}
