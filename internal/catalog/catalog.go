// Package catalog loads and validates the recipe catalog document and
// compiles recipes into ready-to-submit plans. Grounded on the
// load/validate/assign structure of internal/plan/submit.go and the
// Kahn's-algorithm DAG safety check of internal/plan/dag.go, adapted
// from phase/task dependency graphs to recipe step dependency graphs.
package catalog

import (
	"fmt"
	"os"
	"sync"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/orchestrator-core/internal/model"
	"github.com/msageha/orchestrator-core/internal/orchlog"
)

type document struct {
	Recipes []model.Recipe `yaml:"recipes"`
}

// Catalog holds the validated, currently loaded set of recipes, keyed by
// id, reloadable from disk when the backing file changes.
type Catalog struct {
	path string
	log  *orchlog.Logger

	mu      sync.RWMutex
	recipes map[string]model.Recipe

	watcher *fsnotify.Watcher
}

// Load reads and validates path, returning a ready Catalog.
func Load(path string, log *orchlog.Logger) (*Catalog, error) {
	c := &Catalog{path: path, log: log, recipes: map[string]model.Recipe{}}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) reload() error {
	recipes, err := loadRecipes(c.path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.recipes = recipes
	c.mu.Unlock()
	return nil
}

func loadRecipes(path string) (map[string]model.Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var doc document
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if doc.Recipes == nil {
		return nil, fmt.Errorf("catalog %s: expected a recipes array", path)
	}

	byID := make(map[string]model.Recipe, len(doc.Recipes))
	for _, r := range doc.Recipes {
		if _, dup := byID[r.ID]; dup {
			return nil, fmt.Errorf("catalog %s: duplicate recipe id %q", path, r.ID)
		}
		if err := validateRecipe(r); err != nil {
			return nil, fmt.Errorf("catalog %s: recipe %q: %w", path, r.ID, err)
		}
		byID[r.ID] = r
	}
	return byID, nil
}

// validateRecipe enforces spec.md §3's recipe invariants.
func validateRecipe(r model.Recipe) error {
	if r.ID == "" {
		return fmt.Errorf("missing id")
	}
	seen := make(map[string]bool, len(r.Steps))
	for _, step := range r.Steps {
		if step.ID == "" {
			return fmt.Errorf("step with empty id")
		}
		if seen[step.ID] {
			return fmt.Errorf("duplicate step id %q", step.ID)
		}
		seen[step.ID] = true

		if !step.Worker.Valid() {
			return fmt.Errorf("step %q: unknown worker %q", step.ID, step.Worker)
		}
		owner, known := model.CommandOwner(step.Command)
		if !known {
			return fmt.Errorf("step %q: unknown command %q", step.ID, step.Command)
		}
		if !model.IsPing(step.Command) && owner != step.Worker {
			return fmt.Errorf("step %q: command %q is owned by worker %q, not %q", step.ID, step.Command, owner, step.Worker)
		}
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return fmt.Errorf("step %q: depends_on references itself", step.ID)
			}
		}
	}
	for _, step := range r.Steps {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("step %q: depends_on references undeclared step %q", step.ID, dep)
			}
		}
	}
	return validateStepDAG(r.Steps)
}

// Get returns the recipe for id, or false if unknown.
func (c *Catalog) Get(id string) (model.Recipe, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.recipes[id]
	return r, ok
}

// List returns every currently loaded recipe.
func (c *Catalog) List() []model.Recipe {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Recipe, 0, len(c.recipes))
	for _, r := range c.recipes {
		out = append(out, r)
	}
	return out
}

// Watch begins watching the catalog file for external edits, reloading
// and validating on change; a bad edit is logged and the prior catalog
// is kept in place. Grounded on the teacher daemon's fsnotify setup.
func (c *Catalog) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	if err := w.Add(c.path); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch catalog %s: %w", c.path, err)
	}
	c.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.reload(); err != nil {
					c.log.Warn("catalog reload failed, keeping previous catalog: %v", err)
				} else {
					c.log.Info("catalog reloaded from %s", c.path)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.log.Warn("catalog watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the file watcher, if any.
func (c *Catalog) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}
