package codex

import (
	"encoding/json"
	"testing"
)

func roundTrip(t *testing.T, resp outboundResponse) map[string]any {
	t.Helper()
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestRespond_Approvals(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{RequestCommandApproval, "decline"},
		{RequestFileChangeApproval, "decline"},
		{RequestLegacyExecApproval, "denied"},
		{RequestLegacyPatchApproval, "denied"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			out := roundTrip(t, respond(ServerRequest{ID: json.RawMessage(`7`), Method: tt.method}))
			if out["id"] != float64(7) {
				t.Errorf("id = %v", out["id"])
			}
			result, _ := out["result"].(map[string]any)
			if result["decision"] != tt.want {
				t.Errorf("decision = %v, want %s", result["decision"], tt.want)
			}
			if _, ok := out["error"]; ok {
				t.Error("unexpected error member")
			}
		})
	}
}

func TestRespond_EchoesStringID(t *testing.T) {
	out := roundTrip(t, respond(ServerRequest{ID: json.RawMessage(`"req-1"`), Method: RequestCommandApproval}))
	if out["id"] != "req-1" {
		t.Errorf("id = %v", out["id"])
	}
}

func TestRespond_UserInput(t *testing.T) {
	params := json.RawMessage(`{"questions":[
		{"id":"q1","question":"Pick","options":[{"label":"Yes"},{"label":"No"}]},
		{"id":"q2","question":"Free text"}
	]}`)
	out := roundTrip(t, respond(ServerRequest{ID: json.RawMessage(`1`), Method: RequestUserInput, Params: params}))

	answers := out["result"].(map[string]any)["answers"].(map[string]any)
	q1 := answers["q1"].(map[string]any)["answers"].([]any)
	if len(q1) != 1 || q1[0] != "Yes" {
		t.Errorf("q1 = %v", q1)
	}
	q2 := answers["q2"].(map[string]any)["answers"].([]any)
	if len(q2) != 0 {
		t.Errorf("q2 = %v, want empty", q2)
	}
}

func TestRespond_ToolCall(t *testing.T) {
	out := roundTrip(t, respond(ServerRequest{ID: json.RawMessage(`2`), Method: RequestToolCall}))
	result := out["result"].(map[string]any)
	if result["success"] != false {
		t.Errorf("success = %v", result["success"])
	}
	items := result["contentItems"].([]any)
	first := items[0].(map[string]any)
	if first["type"] != "inputText" || first["text"] != toolCallUnsupported {
		t.Errorf("content = %v", first)
	}
}

func TestRespond_Errors(t *testing.T) {
	tests := []struct {
		method   string
		wantCode int
		wantMsg  string
	}{
		{RequestAuthRefresh, CodeUnsupported, "chatgpt auth token refresh is not supported by this client"},
		{"item/somethingNew", CodeMethodNotFound, "unsupported server request: item/somethingNew"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			resp := respond(ServerRequest{ID: json.RawMessage(`3`), Method: tt.method})
			if resp.Error == nil {
				t.Fatal("expected error response")
			}
			if resp.Error.Code != tt.wantCode || resp.Error.Message != tt.wantMsg {
				t.Errorf("error = %+v", resp.Error)
			}
			if _, ok := roundTrip(t, resp)["result"]; ok {
				t.Error("error response must not carry a result")
			}
		})
	}
}

func TestRespond_MalformedUserInput(t *testing.T) {
	resp := respond(ServerRequest{ID: json.RawMessage(`4`), Method: RequestUserInput, Params: json.RawMessage(`{"questions":"nope"}`)})
	if resp.Error == nil || resp.Error.Code != CodeInternalError {
		t.Errorf("expected internal error, got %+v", resp)
	}
}
