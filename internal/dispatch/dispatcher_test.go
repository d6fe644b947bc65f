package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/goxel/goxeld/internal/engine"
	"github.com/goxel/goxeld/internal/protocol"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	eng := engine.NewMemEngine()
	if err := eng.Init(); err != nil {
		t.Fatalf("engine init failed: %v", err)
	}
	d := New()
	RegisterBuiltins(d)
	RegisterEngine(d, eng, nil, time.Now())
	d.Freeze()
	return d
}

func dispatchJSON(t *testing.T, d *Dispatcher, payload string) *protocol.Response {
	t.Helper()
	req, perr := protocol.ParseRequest([]byte(payload))
	if perr != nil {
		t.Fatalf("parse failed: %v", perr)
	}
	return d.Dispatch(context.Background(), req)
}

func TestDispatchPing(t *testing.T) {
	d := newTestDispatcher(t)
	resp := dispatchJSON(t, d, `{"jsonrpc":"2.0","method":"ping","id":1}`)
	if resp.IsError() {
		t.Fatalf("ping failed: %+v", resp.Err())
	}
	if string(resp.Result()) != `"pong"` {
		t.Fatalf("expected \"pong\", got %s", resp.Result())
	}
	if !resp.ID().Equal(protocol.IntID(1)) {
		t.Fatalf("id echo mismatch: %s", resp.ID())
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	d := newTestDispatcher(t)
	resp := dispatchJSON(t, d, `{"jsonrpc":"2.0","method":"foo","id":2}`)
	if !resp.IsError() || resp.Err().Code != protocol.CodeMethodNotFound {
		t.Fatalf("expected -32601, got %+v", resp.Err())
	}
	if !resp.ID().Equal(protocol.IntID(2)) {
		t.Fatalf("id echo mismatch: %s", resp.ID())
	}
}

// Unprefixed engine method names are rejected; only goxel.* is routed.
func TestDispatchUnprefixedRejected(t *testing.T) {
	d := newTestDispatcher(t)
	resp := dispatchJSON(t, d, `{"jsonrpc":"2.0","method":"create_project","params":{"name":"x"},"id":3}`)
	if !resp.IsError() || resp.Err().Code != protocol.CodeMethodNotFound {
		t.Fatalf("expected -32601 for unprefixed method, got %+v", resp.Err())
	}
	if !resp.ID().Equal(protocol.IntID(3)) {
		t.Fatalf("id echo mismatch: %s", resp.ID())
	}
}

func TestDispatchIDEchoOnStringID(t *testing.T) {
	d := newTestDispatcher(t)
	resp := dispatchJSON(t, d, `{"jsonrpc":"2.0","method":"version","id":"req-77"}`)
	if resp.IsError() {
		t.Fatalf("version failed: %+v", resp.Err())
	}
	if !resp.ID().Equal(protocol.StringID("req-77")) {
		t.Fatalf("id echo mismatch: %s", resp.ID())
	}
}

func TestDispatchCreateAndVoxelCycle(t *testing.T) {
	d := newTestDispatcher(t)

	resp := dispatchJSON(t, d, `{"jsonrpc":"2.0","method":"goxel.create_project","params":{"name":"t","width":32,"height":32,"depth":32},"id":1}`)
	if resp.IsError() {
		t.Fatalf("create_project failed: %+v", resp.Err())
	}
	var created struct {
		Success bool   `json:"success"`
		Name    string `json:"name"`
		Width   int    `json:"width"`
	}
	if err := json.Unmarshal(resp.Result(), &created); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !created.Success || created.Name != "t" || created.Width != 32 {
		t.Fatalf("unexpected result: %+v", created)
	}

	resp = dispatchJSON(t, d, `{"jsonrpc":"2.0","method":"goxel.add_voxel","params":{"x":1,"y":2,"z":3,"r":255,"g":128,"b":0,"a":255},"id":2}`)
	if resp.IsError() {
		t.Fatalf("add_voxel failed: %+v", resp.Err())
	}

	resp = dispatchJSON(t, d, `{"jsonrpc":"2.0","method":"goxel.get_voxel","params":{"x":1,"y":2,"z":3},"id":3}`)
	if resp.IsError() {
		t.Fatalf("get_voxel failed: %+v", resp.Err())
	}
	var got struct {
		R int `json:"r"`
		G int `json:"g"`
	}
	if err := json.Unmarshal(resp.Result(), &got); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if got.R != 255 || got.G != 128 {
		t.Fatalf("unexpected voxel color: %+v", got)
	}

	resp = dispatchJSON(t, d, `{"jsonrpc":"2.0","method":"goxel.remove_voxel","params":{"x":1,"y":2,"z":3},"id":4}`)
	if resp.IsError() {
		t.Fatalf("remove_voxel failed: %+v", resp.Err())
	}

	resp = dispatchJSON(t, d, `{"jsonrpc":"2.0","method":"goxel.get_voxel","params":{"x":1,"y":2,"z":3},"id":5}`)
	if !resp.IsError() || resp.Err().Code != protocol.CodeInternalError {
		t.Fatalf("expected engine failure for empty voxel, got %+v", resp.Err())
	}
}

func TestDispatchPositionalParams(t *testing.T) {
	d := newTestDispatcher(t)
	dispatchJSON(t, d, `{"jsonrpc":"2.0","method":"goxel.create_project","params":{"name":"p"},"id":1}`)

	resp := dispatchJSON(t, d, `{"jsonrpc":"2.0","method":"goxel.get_voxel","params":[0,0,0],"id":2}`)
	// Empty voxel is an engine failure, not a params failure: the
	// positional form must have been accepted.
	if !resp.IsError() {
		t.Fatal("expected empty-voxel error")
	}
	if resp.Err().Code == protocol.CodeInvalidParams {
		t.Fatalf("positional params rejected: %+v", resp.Err())
	}
}

func TestDispatchInvalidParams(t *testing.T) {
	d := newTestDispatcher(t)
	dispatchJSON(t, d, `{"jsonrpc":"2.0","method":"goxel.create_project","params":{"name":"p"},"id":1}`)

	cases := []struct {
		name    string
		payload string
	}{
		{"missing required", `{"jsonrpc":"2.0","method":"goxel.add_voxel","params":{"x":1,"y":2},"id":2}`},
		{"wrong type", `{"jsonrpc":"2.0","method":"goxel.add_voxel","params":{"x":"a","y":2,"z":3,"r":1,"g":1,"b":1,"a":1},"id":3}`},
		{"channel out of range", `{"jsonrpc":"2.0","method":"goxel.add_voxel","params":{"x":1,"y":2,"z":3,"r":300,"g":1,"b":1,"a":1},"id":4}`},
		{"fractional int", `{"jsonrpc":"2.0","method":"goxel.add_voxel","params":{"x":1.5,"y":2,"z":3,"r":1,"g":1,"b":1,"a":1},"id":5}`},
	}
	for _, tc := range cases {
		resp := dispatchJSON(t, d, tc.payload)
		if !resp.IsError() || resp.Err().Code != protocol.CodeInvalidParams {
			t.Fatalf("%s: expected -32602, got %+v", tc.name, resp.Err())
		}
	}
}

func TestEngineErrorCarriesKind(t *testing.T) {
	d := newTestDispatcher(t)
	// No project yet: layer listing must fail with the engine sub-kind
	// in the data member.
	resp := dispatchJSON(t, d, `{"jsonrpc":"2.0","method":"goxel.list_layers","id":1}`)
	if !resp.IsError() || resp.Err().Code != protocol.CodeInternalError {
		t.Fatalf("expected engine failure, got %+v", resp.Err())
	}
	var data struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(resp.Err().Data, &data); err != nil {
		t.Fatalf("decode error data: %v", err)
	}
	if data.Kind != string(engine.KindNoProject) {
		t.Fatalf("expected no_project kind, got %q", data.Kind)
	}
}

func TestListMethodsIncludesRegistered(t *testing.T) {
	d := newTestDispatcher(t)
	resp := dispatchJSON(t, d, `{"jsonrpc":"2.0","method":"rpc.list_methods","id":1}`)
	if resp.IsError() {
		t.Fatalf("list_methods failed: %+v", resp.Err())
	}
	var result struct {
		Methods []string `json:"methods"`
	}
	if err := json.Unmarshal(resp.Result(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	found := map[string]bool{}
	for _, m := range result.Methods {
		found[m] = true
	}
	for _, want := range []string{"ping", "version", "goxel.create_project", "goxel.render_scene"} {
		if !found[want] {
			t.Fatalf("method listing missing %q: %v", want, result.Methods)
		}
	}
}

func TestRegisterAfterFreezePanics(t *testing.T) {
	d := New()
	d.Freeze()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on Register after Freeze")
		}
	}()
	d.Register("late", nil, func(context.Context, *Params) (any, *Error) { return nil, nil })
}
