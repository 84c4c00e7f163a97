package model

import "path/filepath"

// RuntimeConfig is the orchestrator process's on-disk configuration: where
// its state lives and how to spawn each worker. Loaded once at startup
// from config.yaml inside the state directory.
type RuntimeConfig struct {
	StateDir   string                 `yaml:"state_dir"`
	SocketPath string                 `yaml:"socket_path"`
	LogLevel   string                 `yaml:"log_level"`
	Workers    map[Worker]SpawnConfig `yaml:"workers"`
}

// CatalogPath, PreferencesPath, PersistencePath, and CachePath are the
// fixed filenames the orchestrator keeps inside its state directory.
func (c RuntimeConfig) CatalogPath() string     { return filepath.Join(c.StateDir, "recipes.yaml") }
func (c RuntimeConfig) PreferencesPath() string { return filepath.Join(c.StateDir, "preferences.yaml") }
func (c RuntimeConfig) PersistencePath() string { return filepath.Join(c.StateDir, "jobs.jsonl") }
func (c RuntimeConfig) CachePath() string       { return filepath.Join(c.StateDir, "step_cache.json") }
func (c RuntimeConfig) LockPath() string        { return filepath.Join(c.StateDir, "orchestrator.lock") }
