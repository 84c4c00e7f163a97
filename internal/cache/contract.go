package cache

import (
	"fmt"
	"os"

	"github.com/msageha/orchestrator-core/internal/model"
)

// ValidateOutputContract checks output against contract per spec.md §4.3,
// returning a descriptive error when the contract is violated.
func ValidateOutputContract(contract model.OutputContract, output any) error {
	switch contract.Kind {
	case "", "non_null":
		if output == nil {
			return fmt.Errorf("output contract non_null: output is nil")
		}
		return nil
	case "transcribe_output":
		return validateTranscribeOutput(output)
	default:
		// unknown contract kinds fall back to non_null per spec.md §4.3
		// ("the default is non_null"); declaring an unrecognized kind is
		// not itself a catalog-validation error.
		if output == nil {
			return fmt.Errorf("output contract %s (falling back to non_null): output is nil", contract.Kind)
		}
		return nil
	}
}

func validateTranscribeOutput(output any) error {
	m, ok := output.(map[string]any)
	if !ok {
		return fmt.Errorf("output contract transcribe_output: output is not a mapping")
	}
	rawOutputs, ok := m["outputs"]
	if !ok {
		return fmt.Errorf("output contract transcribe_output: missing outputs field")
	}
	outputs, ok := rawOutputs.([]any)
	if !ok || len(outputs) == 0 {
		return fmt.Errorf("output contract transcribe_output: outputs must be a non-empty array")
	}

	for i, raw := range outputs {
		entry, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("output contract transcribe_output: outputs[%d] is not a mapping", i)
		}
		file, _ := entry["file"].(string)
		if file == "" {
			return fmt.Errorf("output contract transcribe_output: outputs[%d] missing file", i)
		}
		if _, err := os.Stat(file); err != nil {
			return fmt.Errorf("output contract transcribe_output: outputs[%d] source file %q does not exist: %w", i, file, err)
		}

		rawPaths, ok := entry["output_paths"]
		if !ok {
			return fmt.Errorf("output contract transcribe_output: outputs[%d] missing output_paths", i)
		}
		paths, ok := rawPaths.([]any)
		if !ok || len(paths) == 0 {
			return fmt.Errorf("output contract transcribe_output: outputs[%d] output_paths must be a non-empty array", i)
		}
		for j, p := range paths {
			path, ok := p.(string)
			if !ok || path == "" {
				return fmt.Errorf("output contract transcribe_output: outputs[%d].output_paths[%d] is not a non-empty string", i, j)
			}
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("output contract transcribe_output: outputs[%d].output_paths[%d] %q does not exist: %w", i, j, path, err)
			}
			if info.IsDir() || info.Size() == 0 {
				return fmt.Errorf("output contract transcribe_output: outputs[%d].output_paths[%d] %q is not a non-empty regular file", i, j, path)
			}
		}
	}
	return nil
}
