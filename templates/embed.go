// Package templates embeds the default recipe catalog shipped with the
// orchestrator, written into a fresh state directory by `orchestrator setup`.
package templates

import (
	_ "embed"
	"fmt"
	"os"
)

//go:embed recipes.yaml
var defaultRecipesYAML []byte

// DefaultRecipesYAML returns the bundled recipe catalog document.
func DefaultRecipesYAML() []byte {
	out := make([]byte, len(defaultRecipesYAML))
	copy(out, defaultRecipesYAML)
	return out
}

// WriteDefaultCatalog writes the bundled recipe catalog to path unless a
// file already exists there, per spec.md §6's three canonical recipes.
func WriteDefaultCatalog(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, defaultRecipesYAML, 0644); err != nil {
		return fmt.Errorf("write default catalog %s: %w", path, err)
	}
	return nil
}
