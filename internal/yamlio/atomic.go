// Package yamlio provides atomic document writes for the orchestrator's
// on-disk state: YAML for the recipe catalog and preferences file, JSON
// for the persistence log and step cache store.
package yamlio

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// AtomicWriteYAML marshals v as YAML and atomically replaces path.
func AtomicWriteYAML(path string, v any) error {
	content, err := yamlv3.Marshal(v)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return atomicWriteRaw(path, content, func(b []byte) error {
		var probe any
		return yamlv3.Unmarshal(b, &probe)
	})
}

// ReadYAMLOrDefault unmarshals path's YAML content into out. If path does
// not exist, out is populated from makeDefault and the default is
// written to path so subsequent reads find a real file. Used for the
// preferences file, which must exist with sane defaults on first run.
func ReadYAMLOrDefault(path string, out any, makeDefault func() any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read %s: %w", path, err)
		}
		def := makeDefault()
		if err := AtomicWriteYAML(path, def); err != nil {
			return fmt.Errorf("write default %s: %w", path, err)
		}
		data, err = yamlv3.Marshal(def)
		if err != nil {
			return fmt.Errorf("marshal default: %w", err)
		}
	}
	if err := yamlv3.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// AtomicWriteJSON marshals v as indented JSON and atomically replaces path.
func AtomicWriteJSON(path string, v any) error {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	return atomicWriteRaw(path, content, func(b []byte) error {
		var probe any
		return json.Unmarshal(b, &probe)
	})
}

func atomicWriteRaw(path string, content []byte, validate func([]byte) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".orch-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("read temp file for validation: %w", err)
	}
	if err := validate(written); err != nil {
		return fmt.Errorf("validate written content: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// AppendJSONLine appends one JSON-encoded line to an append-only log file,
// creating it if necessary. Used for the job engine's persistence log.
func AppendJSONLine(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log for append: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append log line: %w", err)
	}
	return f.Sync()
}

// ReadLines streams over an append-only JSON-line log, invoking fn with
// each raw line. Used for hydration on startup.
func ReadLines(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}

	start := 0
	for i, b := range data {
		if b == '\n' {
			line := data[start:i]
			if len(line) > 0 {
				if err := fn(line); err != nil {
					return err
				}
			}
			start = i + 1
		}
	}
	if start < len(data) {
		if err := fn(data[start:]); err != nil {
			return err
		}
	}
	return nil
}
