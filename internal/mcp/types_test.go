package mcp

import (
	"encoding/json"
	"testing"
)

func TestIsNotification(t *testing.T) {
	var req Request
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`), &req); err != nil {
		t.Fatal(err)
	}
	if !req.IsNotification() {
		t.Error("request without id should be a notification")
	}
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.IsNotification() {
		t.Error("request with id should not be a notification")
	}
}

func TestParseCallParams(t *testing.T) {
	cp, err := ParseCallParams([]byte(`{"name":"echo","arguments":{"text":"hi"}}`))
	if err != nil {
		t.Fatalf("ParseCallParams: %v", err)
	}
	if cp.Name != "echo" {
		t.Errorf("name = %q", cp.Name)
	}
	if _, err := ParseCallParams([]byte(`{"arguments":{}}`)); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := ParseCallParams([]byte(`{bad`)); err == nil {
		t.Error("expected error for malformed params")
	}
}

func TestResponseIDEcho(t *testing.T) {
	id := json.RawMessage(`"abc-1"`)
	resp, err := NewResponse(id, map[string]string{"ok": "yes"})
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.ID) != `"abc-1"` {
		t.Errorf("id = %s", resp.ID)
	}
	errResp := NewErrorResponse(id, -32601, "Method not found", nil)
	if errResp.Error.Code != -32601 {
		t.Errorf("code = %d", errResp.Error.Code)
	}
	data, err := json.Marshal(errResp)
	if err != nil {
		t.Fatal(err)
	}
	var round Response
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatal(err)
	}
	if round.Error == nil || round.Error.Message != "Method not found" {
		t.Errorf("round trip error = %+v", round.Error)
	}
}
