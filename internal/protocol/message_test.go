package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		req  Request
	}{
		{"int id", Request{Method: "goxel.add_voxel", Params: json.RawMessage(`{"x":1,"y":2,"z":3,"r":255,"g":0,"b":0,"a":255}`), ID: IntID(7)}},
		{"string id", Request{Method: "ping", ID: StringID("abc-1")}},
		{"notification", Request{Method: "goxel.save_project", Params: json.RawMessage(`{"path":"/tmp/p.gox"}`)}},
		{"positional params", Request{Method: "goxel.get_voxel", Params: json.RawMessage(`[1,2,3]`), ID: IntID(9)}},
	}

	for _, tc := range cases {
		data, err := json.Marshal(&tc.req)
		if err != nil {
			t.Fatalf("%s: marshal failed: %v", tc.name, err)
		}
		parsed, perr := ParseRequest(data)
		if perr != nil {
			t.Fatalf("%s: parse failed: %v", tc.name, perr)
		}
		if parsed.Method != tc.req.Method {
			t.Fatalf("%s: method mismatch: %q vs %q", tc.name, parsed.Method, tc.req.Method)
		}
		if !parsed.ID.Equal(tc.req.ID) {
			t.Fatalf("%s: id mismatch: %s vs %s", tc.name, parsed.ID, tc.req.ID)
		}
	}
}

func TestRequestSerializationOmits(t *testing.T) {
	req := Request{Method: "ping"}
	data, err := json.Marshal(&req)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	s := string(data)
	if strings.Contains(s, `"id"`) {
		t.Fatalf("notification must omit id: %s", s)
	}
	if strings.Contains(s, `"params"`) {
		t.Fatalf("empty params must be omitted: %s", s)
	}
}

func TestParseRequestRejections(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		code    int32
	}{
		{"garbage", `{not json`, CodeParseError},
		{"missing version", `{"method":"ping","id":1}`, CodeInvalidRequest},
		{"wrong version", `{"jsonrpc":"1.0","method":"ping","id":1}`, CodeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, CodeInvalidRequest},
		{"empty method", `{"jsonrpc":"2.0","method":"","id":1}`, CodeInvalidRequest},
		{"bad id type", `{"jsonrpc":"2.0","method":"ping","id":{"a":1}}`, CodeInvalidRequest},
	}
	for _, tc := range cases {
		_, perr := ParseRequest([]byte(tc.payload))
		if perr == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if perr.Code != tc.code {
			t.Fatalf("%s: expected code %d, got %d", tc.name, tc.code, perr.Code)
		}
	}
}

func TestIDVariants(t *testing.T) {
	var id ID
	if err := id.UnmarshalJSON([]byte(`null`)); err != nil || id.Kind != IDNull {
		t.Fatalf("null id: %v %v", id, err)
	}
	if err := id.UnmarshalJSON([]byte(`12`)); err != nil || id.Kind != IDInt || id.Num != 12 {
		t.Fatalf("int id: %v %v", id, err)
	}
	if err := id.UnmarshalJSON([]byte(`"x"`)); err != nil || id.Kind != IDString || id.Str != "x" {
		t.Fatalf("string id: %v %v", id, err)
	}
	if IntID(1).Equal(StringID("1")) {
		t.Fatal("int and string ids must not compare equal")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	ok, err := NewResult(IntID(3), map[string]any{"success": true})
	if err != nil {
		t.Fatalf("NewResult failed: %v", err)
	}
	data, err := json.Marshal(ok)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	parsed, err := ParseResponse(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.IsError() {
		t.Fatal("expected success response")
	}
	if !parsed.ID().Equal(IntID(3)) {
		t.Fatalf("id mismatch: %s", parsed.ID())
	}

	fail := NewError(StringID("r"), CodeMethodNotFound, "method not found: foo", nil)
	data, err = json.Marshal(fail)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	parsed, err = ParseResponse(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !parsed.IsError() || parsed.Err().Code != CodeMethodNotFound {
		t.Fatalf("expected method-not-found error, got %+v", parsed.Err())
	}
	if !parsed.ID().Equal(StringID("r")) {
		t.Fatalf("id mismatch: %s", parsed.ID())
	}
}

func TestResponseExactlyOneMember(t *testing.T) {
	if _, err := ParseResponse([]byte(`{"jsonrpc":"2.0","result":1,"error":{"code":-32603,"message":"x"},"id":1}`)); err == nil {
		t.Fatal("expected rejection of response with both members")
	}
	if _, err := ParseResponse([]byte(`{"jsonrpc":"2.0","id":1}`)); err == nil {
		t.Fatal("expected rejection of response with neither member")
	}
}
