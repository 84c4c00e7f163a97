package envelope

import "github.com/msageha/orchestrator-core/internal/model"

// FieldType is the scalar JSON type a payload field must hold.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
)

// FieldSchema describes one payload field's requiredness and scalar type.
type FieldSchema struct {
	Required bool
	Type     FieldType
}

// CommandSchema declares the payload fields a command accepts.
type CommandSchema map[string]FieldSchema

// commandSchemas is the per-command schema table from spec.md §6.
// Commands not listed here accept any payload shape (no required fields).
var commandSchemas = map[string]CommandSchema{
	"transcribe_folder": {
		"folder_path": {Required: true, Type: TypeString},
		"use_gpu":     {Required: false, Type: TypeBool},
		"engine":      {Required: false, Type: TypeString},
	},
	"transcribe": {
		"file_path": {Required: true, Type: TypeString},
	},
	"test_cuda": {},

	"leaderpass_upload": {
		"file_path":  {Required: true, Type: TypeString},
		"chunk_size": {Required: false, Type: TypeNumber},
	},
	"leaderpass_auth": {
		"token": {Required: true, Type: TypeString},
	},

	"connect":             {},
	"context":              {},
	"add_marker":          {"timecode": {Required: true, Type: TypeString}},
	"start_render":        {"preset": {Required: false, Type: TypeString}},
	"stop_render":         {},
	"create_project_bins": {"names": {Required: false, Type: TypeString}},
	"update_text":         {"text": {Required: true, Type: TypeString}},
	"goto":                {"timecode": {Required: true, Type: TypeString}},
	"spellcheck":          {"text": {Required: true, Type: TypeString}},
	"lp_base_export":      {"output_path": {Required: false, Type: TypeString}},
	"shutdown":            {},
	"ping":                {},
}

// SchemaFor returns the declared schema for cmd, or an empty schema
// (no required fields) if the command has none declared.
func SchemaFor(cmd string) CommandSchema {
	if s, ok := commandSchemas[cmd]; ok {
		return s
	}
	return CommandSchema{}
}

// scalarTypeMatches checks a payload value against a declared FieldType.
func scalarTypeMatches(t FieldType, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		default:
			return false
		}
	case TypeBool:
		_, ok := v.(bool)
		return ok
	default:
		return true
	}
}

// knownCommand reports whether cmd is a member of the closed command set,
// including the universal "ping".
func knownCommand(cmd string) bool {
	_, ok := model.CommandOwner(cmd)
	return ok
}
