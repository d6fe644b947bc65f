// Package toolcall maps the agent-facing tool-call dialect onto
// canonical dispatcher requests and shapes responses back.
//
// A tool call arrives as {"tool": "goxel_add_voxel", "arguments": {...}}
// with no JSON-RPC envelope. Translation is a hot path: for direct
// mappings the raw arguments bytes are reused as the params member
// without re-encoding; only structured-to-flat mappings decode and
// rebuild the tree.
package toolcall

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goxel/goxeld/internal/protocol"
)

// Error reports a translation failure. Kinds map to JSON-RPC codes at
// the boundary: invalid_tool → method_not_found, params → invalid_params.
type Error struct {
	Kind    string // "invalid_tool" or "params"
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("toolcall %s: %s", e.Kind, e.Message)
}

// ErrorCode returns the boundary JSON-RPC code for the translation error.
func (e *Error) ErrorCode() int32 {
	if e.Kind == "invalid_tool" {
		return protocol.CodeMethodNotFound
	}
	return protocol.CodeInvalidParams
}

type transformFunc func(args json.RawMessage) (json.RawMessage, *Error)

type mapping struct {
	method    string
	transform transformFunc // nil = direct (arguments reused verbatim)
}

// toolTable is the static tool → canonical method table.
var toolTable = map[string]mapping{
	"goxel_create_project": {method: "goxel.create_project"},
	"goxel_load_project":   {method: "goxel.load_project"},
	"goxel_save_project":   {method: "goxel.save_project"},
	"goxel_add_voxel":      {method: "goxel.add_voxel", transform: flattenVoxel},
	"goxel_add_voxels":     {method: "goxel.batch_add_voxels", transform: flattenVoxelBatch},
	"goxel_remove_voxel":   {method: "goxel.remove_voxel", transform: flattenPosition},
	"goxel_get_voxel":      {method: "goxel.get_voxel", transform: flattenPosition},
	"goxel_list_layers":    {method: "goxel.list_layers"},
	"goxel_create_layer":   {method: "goxel.create_layer"},
	"goxel_clear_layer":    {method: "goxel.clear_layer"},
	"goxel_export_model":   {method: "goxel.export_model"},
	"goxel_render_scene":   {method: "goxel.render_scene"},
	"goxel_get_status":     {method: "goxel.get_status"},
}

// Translator converts tool calls to canonical requests and back.
type Translator struct {
	nextID atomic.Int64

	translations atomic.Uint64
	errors       atomic.Uint64
	direct       atomic.Uint64
	mapped       atomic.Uint64

	avgNs atomic.Uint64 // EWMA of per-call translation time
}

// New creates a translator.
func New() *Translator {
	return &Translator{}
}

// Tools returns the number of mapped tools.
func (t *Translator) Tools() int { return len(toolTable) }

// Translate builds a canonical request from a raw tool-call payload.
// The synthesized id lets the dispatcher answer; the caller records the
// tool name for response rewrap.
func (t *Translator) Translate(payload []byte) (*protocol.Request, string, *Error) {
	start := time.Now()

	var call struct {
		Tool      string          `json:"tool"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(payload, &call); err != nil {
		t.errors.Add(1)
		return nil, "", &Error{Kind: "params", Message: "malformed tool call: " + err.Error()}
	}

	m, ok := toolTable[call.Tool]
	if !ok {
		t.errors.Add(1)
		return nil, call.Tool, &Error{Kind: "invalid_tool", Message: "unknown tool: " + call.Tool}
	}

	params := call.Arguments
	if m.transform != nil {
		var terr *Error
		params, terr = m.transform(call.Arguments)
		if terr != nil {
			t.errors.Add(1)
			return nil, call.Tool, terr
		}
		t.mapped.Add(1)
	} else {
		t.direct.Add(1)
	}

	req := &protocol.Request{
		Method: m.method,
		Params: params,
		ID:     protocol.IntID(t.nextID.Add(1)),
	}

	t.translations.Add(1)
	t.observe(time.Since(start))
	return req, call.Tool, nil
}

// WrapResponse shapes a canonical response into the tool-call response
// form: {success:true, content} or {success:false, error_code,
// error_message}.
func WrapResponse(resp *protocol.Response) map[string]any {
	if e := resp.Err(); e != nil {
		return map[string]any{
			"success":       false,
			"error_code":    e.Code,
			"error_message": e.Message,
		}
	}
	return map[string]any{
		"success": true,
		"content": resp.Result(),
	}
}

// WrapError shapes a translation failure that never reached dispatch.
func WrapError(terr *Error) map[string]any {
	return map[string]any{
		"success":       false,
		"error_code":    terr.ErrorCode(),
		"error_message": terr.Message,
	}
}

// Stats is a translator counter snapshot.
type Stats struct {
	Translations uint64 `json:"translations"`
	Errors       uint64 `json:"translation_errors"`
	Direct       uint64 `json:"direct"`
	Mapped       uint64 `json:"mapped"`
	AvgCallNs    uint64 `json:"avg_call_ns"`
}

// GetStats returns the counter snapshot.
func (t *Translator) GetStats() Stats {
	return Stats{
		Translations: t.translations.Load(),
		Errors:       t.errors.Load(),
		Direct:       t.direct.Load(),
		Mapped:       t.mapped.Load(),
		AvgCallNs:    t.avgNs.Load(),
	}
}

func (t *Translator) observe(elapsed time.Duration) {
	ns := uint64(elapsed.Nanoseconds())
	old := t.avgNs.Load()
	if old == 0 {
		t.avgNs.Store(ns)
		return
	}
	t.avgNs.Store(old - old/8 + ns/8)
}

// ─── Structured-to-flat transforms ─────────────────────────────────────

// flattenPosition lifts a nested position object into x/y/z fields. Flat
// arguments pass through untouched.
func flattenPosition(args json.RawMessage) (json.RawMessage, *Error) {
	var tree map[string]json.RawMessage
	if err := json.Unmarshal(args, &tree); err != nil {
		return nil, &Error{Kind: "params", Message: "arguments must be an object"}
	}
	if _, nested := tree["position"]; !nested {
		return args, nil
	}
	if err := liftObject(tree, "position", []string{"x", "y", "z"}); err != nil {
		return nil, err
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, &Error{Kind: "params", Message: err.Error()}
	}
	return out, nil
}

// flattenVoxel lifts position and color objects into the flat add_voxel
// parameter shape.
func flattenVoxel(args json.RawMessage) (json.RawMessage, *Error) {
	var tree map[string]json.RawMessage
	if err := json.Unmarshal(args, &tree); err != nil {
		return nil, &Error{Kind: "params", Message: "arguments must be an object"}
	}
	_, hasPos := tree["position"]
	_, hasColor := tree["color"]
	if !hasPos && !hasColor {
		return args, nil
	}
	if hasPos {
		if err := liftObject(tree, "position", []string{"x", "y", "z"}); err != nil {
			return nil, err
		}
	}
	if hasColor {
		if err := liftObject(tree, "color", []string{"r", "g", "b", "a"}); err != nil {
			return nil, err
		}
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, &Error{Kind: "params", Message: err.Error()}
	}
	return out, nil
}

// flattenVoxelBatch flattens each element of a voxels array.
func flattenVoxelBatch(args json.RawMessage) (json.RawMessage, *Error) {
	var tree map[string]json.RawMessage
	if err := json.Unmarshal(args, &tree); err != nil {
		return nil, &Error{Kind: "params", Message: "arguments must be an object"}
	}
	rawList, ok := tree["voxels"]
	if !ok {
		return nil, &Error{Kind: "params", Message: "missing voxels array"}
	}
	var list []json.RawMessage
	if err := json.Unmarshal(rawList, &list); err != nil {
		return nil, &Error{Kind: "params", Message: "voxels must be an array"}
	}

	flat := make([]json.RawMessage, len(list))
	for i, item := range list {
		f, terr := flattenVoxel(item)
		if terr != nil {
			return nil, &Error{Kind: "params", Message: fmt.Sprintf("voxels[%d]: %s", i, terr.Message)}
		}
		flat[i] = f
	}

	flatList, err := json.Marshal(flat)
	if err != nil {
		return nil, &Error{Kind: "params", Message: err.Error()}
	}
	tree["voxels"] = flatList
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, &Error{Kind: "params", Message: err.Error()}
	}
	return out, nil
}

// liftObject replaces tree[key] (an object) with its listed members at
// the top level. Extra members inside the nested object are dropped.
func liftObject(tree map[string]json.RawMessage, key string, fields []string) *Error {
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(tree[key], &nested); err != nil {
		return &Error{Kind: "params", Message: key + " must be an object"}
	}
	delete(tree, key)
	for _, f := range fields {
		if v, ok := nested[f]; ok {
			tree[f] = v
		}
	}
	return nil
}
