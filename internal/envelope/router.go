// Package envelope canonicalizes raw user requests into wire-ready
// envelopes, validates them against the command-ownership table and
// per-command schemas, and normalizes worker responses/events back into
// typed envelopes. Grounded on the framing conventions of the teacher's
// internal/uds/protocol.go and the validation-error style of the
// teacher's model package.
package envelope

import (
	"fmt"
	"time"

	"github.com/msageha/orchestrator-core/internal/model"
	"github.com/msageha/orchestrator-core/internal/orcherr"
)

// reservedTopLevelFields are the envelope's own fields; every other
// top-level key on a raw request is folded into payload.
var reservedTopLevelFields = map[string]bool{
	"id": true, "worker": true, "cmd": true, "payload": true, "trace_id": true,
}

// RawRequest is either a bare command name or a mapping with cmd/payload/
// worker/trace_id and arbitrary extra fields.
type RawRequest struct {
	Cmd     string
	Worker  string
	ID      string
	TraceID string
	Payload map[string]any
	Extra   map[string]any
}

// ToRequestEnvelope builds a canonical envelope per spec.md §4.1(a-c).
func ToRequestEnvelope(raw RawRequest, workerHint string) model.RequestEnvelope {
	payload := map[string]any{}
	for k, v := range raw.Payload {
		payload[k] = v
	}
	// extras win over explicit payload (last-wins), per spec.md §4.1(b).
	for k, v := range raw.Extra {
		if reservedTopLevelFields[k] {
			continue
		}
		payload[k] = v
	}

	worker := raw.Worker
	if workerHint != "" {
		worker = workerHint
	}
	if worker == "" {
		if owner, ok := model.CommandOwner(raw.Cmd); ok && owner != "" {
			worker = string(owner)
		}
	}

	id := raw.ID
	if id == "" {
		id = model.GenerateID(model.IDKindRequest)
	}
	traceID := raw.TraceID
	if traceID == "" {
		traceID = model.GenerateID(model.IDKindTrace)
	}

	return model.RequestEnvelope{
		ID:      id,
		Worker:  model.Worker(worker),
		Cmd:     raw.Cmd,
		Payload: payload,
		TraceID: traceID,
	}
}

// ValidateRequestEnvelope enforces spec.md §4.1's validation rules,
// returning a *orcherr.Error (category UserError) on the first violation.
func ValidateRequestEnvelope(env model.RequestEnvelope) error {
	if env.ID == "" {
		return orcherr.NewUserField("id", "missing required field")
	}
	if env.Worker == "" {
		return orcherr.NewUserField("worker", "missing required field")
	}
	if !env.Worker.Valid() {
		return orcherr.NewUserField("worker", fmt.Sprintf("unknown worker %q", env.Worker))
	}
	if env.Cmd == "" {
		return orcherr.NewUserField("cmd", "missing required field")
	}
	owner, known := model.CommandOwner(env.Cmd)
	if !known {
		return orcherr.NewUserField("cmd", fmt.Sprintf("unknown command %q", env.Cmd))
	}
	// "ping" has no single owner; it is valid against any worker.
	if !model.IsPing(env.Cmd) && owner != env.Worker {
		return orcherr.NewUserField("worker",
			fmt.Sprintf("command %q is owned by worker %q, not %q", env.Cmd, owner, env.Worker))
	}
	if env.Payload == nil {
		return orcherr.NewUserField("payload", "payload must be a mapping")
	}

	schema := SchemaFor(env.Cmd)
	for field, fs := range schema {
		v, present := env.Payload[field]
		if !present {
			if fs.Required {
				return orcherr.NewUserField(field, fmt.Sprintf("missing required payload field %q", field))
			}
			continue
		}
		if !scalarTypeMatches(fs.Type, v) {
			return orcherr.NewUserField(field, fmt.Sprintf("payload field %q has wrong type, expected %s", field, fs.Type))
		}
	}

	return nil
}

// ToWorkerWireMessage serializes env as the flattened wire shape workers consume.
func ToWorkerWireMessage(env model.RequestEnvelope) model.WorkerWireMessage {
	return model.ToWorkerWireMessage(env)
}

// NormalizeResponseEnvelope classifies a raw decoded worker message into
// either an event or a response, normalizing legacy shapes per spec.md
// §4.1 and §9 ("Legacy worker wire").
//
// expectedID, when non-empty, becomes the response's id if the raw
// message carries none; a non-empty id in the message is kept as is.
// It has no effect on events.
func NormalizeResponseEnvelope(raw map[string]any, expectedID string, startedAt time.Time) (response *model.ResponseEnvelope, event *model.EventEnvelope) {
	if evtType, ok := raw["event"]; ok {
		evt := &model.EventEnvelope{
			Event:   fmt.Sprintf("%v", evtType),
			TraceID: stringField(raw, "trace_id"),
			Code:    stringField(raw, "code"),
			Data:    raw["data"],
			Message: stringField(raw, "message"),
		}
		if errVal, ok := raw["error"]; ok && errVal != nil {
			evt.Error = normalizeWireError(raw)
		}
		if m, ok := raw["metrics"].(map[string]any); ok {
			evt.Metrics = m
		}
		return nil, evt
	}

	resp := &model.ResponseEnvelope{
		ID: stringField(raw, "id"),
	}
	if expectedID != "" && resp.ID == "" {
		resp.ID = expectedID
	}

	okVal, hasOK := raw["ok"]
	ok := hasOK && okVal == true

	if hasOK && !ok {
		resp.OK = false
		resp.Error = normalizeWireError(raw)
	} else {
		resp.OK = true
		if data, present := raw["data"]; present {
			resp.Data = data
		} else {
			// legacy wire: no "data" key, the whole object is the payload.
			resp.Data = raw
		}
	}

	if !startedAt.IsZero() {
		resp.Metrics = map[string]any{
			"latency_ms": time.Since(startedAt).Milliseconds(),
		}
	}

	return resp, nil
}

func normalizeWireError(raw map[string]any) *model.WireError {
	we := &model.WireError{Category: string(orcherr.UserError)}
	switch e := raw["error"].(type) {
	case string:
		we.Message = e
	case map[string]any:
		if cat, ok := e["category"].(string); ok && cat != "" {
			we.Category = cat
		}
		if msg, ok := e["message"].(string); ok {
			we.Message = msg
		}
		if details, ok := e["details"].(map[string]any); ok {
			we.Details = details
		}
	case nil:
		we.Message = "unknown error"
	default:
		we.Message = fmt.Sprintf("%v", e)
	}
	if cat, ok := raw["error_category"].(string); ok && cat != "" {
		we.Category = cat
	}
	return we
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
