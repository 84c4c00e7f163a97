// Package model defines the data structures shared across the
// orchestrator: workers, envelopes, recipes, plans, jobs, and preferences.
package model

// Worker identifies one of the three long-lived worker roles.
type Worker string

const (
	WorkerResolve  Worker = "resolve"
	WorkerMedia    Worker = "media"
	WorkerPlatform Worker = "platform"
)

var allWorkers = []Worker{WorkerResolve, WorkerMedia, WorkerPlatform}

// Workers returns the closed set of worker roles, in canonical order.
func Workers() []Worker {
	out := make([]Worker, len(allWorkers))
	copy(out, allWorkers)
	return out
}

func (w Worker) Valid() bool {
	switch w {
	case WorkerResolve, WorkerMedia, WorkerPlatform:
		return true
	default:
		return false
	}
}

// commandOwners is the closed command -> worker mapping from spec.md §6.
var commandOwners = map[string]Worker{
	"connect":             WorkerResolve,
	"context":             WorkerResolve,
	"add_marker":          WorkerResolve,
	"start_render":        WorkerResolve,
	"stop_render":         WorkerResolve,
	"create_project_bins": WorkerResolve,
	"update_text":         WorkerResolve,
	"goto":                WorkerResolve,
	"spellcheck":          WorkerResolve,
	"lp_base_export":      WorkerResolve,
	"shutdown":            WorkerResolve,

	"transcribe":        WorkerMedia,
	"transcribe_folder": WorkerMedia,
	"test_cuda":         WorkerMedia,

	"leaderpass_auth":   WorkerPlatform,
	"leaderpass_upload": WorkerPlatform,

	"ping": "", // every worker must implement ping; owner resolved dynamically
}

// CommandOwner returns the worker that owns cmd, and whether cmd is known.
// "ping" is handled specially: it has no single owner, it is valid against
// any worker (health checks target a specific worker directly).
func CommandOwner(cmd string) (Worker, bool) {
	w, ok := commandOwners[cmd]
	return w, ok
}

// IsPing reports whether cmd is the universal health-check command.
func IsPing(cmd string) bool { return cmd == "ping" }

// DefaultConcurrency returns the default per-worker concurrency limits
// from spec.md §4.5 / §4.6: resolve=1, media=2, platform=2.
func DefaultConcurrency() map[Worker]int {
	return map[Worker]int{
		WorkerResolve:  1,
		WorkerMedia:    2,
		WorkerPlatform: 2,
	}
}

// SpawnConfig describes how to launch a worker's child process.
type SpawnConfig struct {
	Executable string            `yaml:"executable"`
	Args       []string          `yaml:"args"`
	WorkDir    string            `yaml:"work_dir"`
	Env        map[string]string `yaml:"env"`
}
