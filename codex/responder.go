package codex

import (
	"encoding/json"
	"fmt"
)

const toolCallUnsupported = "Dynamic tool calls are not supported by this client."

// respond builds the fixed answer to a server-initiated request. The bridge is
// non-interactive: approvals are declined and prompts take the first option.
// A panic while building the answer becomes an internal-error response.
func respond(req ServerRequest) (resp outboundResponse) {
	resp.ID = req.ID
	defer func() {
		if r := recover(); r != nil {
			resp.Result = nil
			resp.Error = &RPCError{Code: CodeInternalError, Message: fmt.Sprintf("failed to answer %s: %v", req.Method, r)}
		}
	}()

	result, rpcErr := answer(req)
	if rpcErr != nil {
		resp.Error = rpcErr
		return resp
	}
	resp.Result = result
	return resp
}

func answer(req ServerRequest) (any, *RPCError) {
	switch req.Method {
	case RequestCommandApproval, RequestFileChangeApproval:
		return map[string]any{"decision": "decline"}, nil

	case RequestLegacyExecApproval, RequestLegacyPatchApproval:
		return map[string]any{"decision": "denied"}, nil

	case RequestUserInput:
		return answerUserInput(req.Params)

	case RequestToolCall:
		return map[string]any{
			"contentItems": []map[string]any{{"type": "inputText", "text": toolCallUnsupported}},
			"success":      false,
		}, nil

	case RequestAuthRefresh:
		return nil, &RPCError{Code: CodeUnsupported, Message: "chatgpt auth token refresh is not supported by this client"}

	default:
		return nil, &RPCError{Code: CodeMethodNotFound, Message: "unsupported server request: " + req.Method}
	}
}

type userInputParams struct {
	Questions []struct {
		ID      string `json:"id"`
		Options []struct {
			Label string `json:"label"`
		} `json:"options"`
	} `json:"questions"`
}

// answerUserInput picks the first option of every question.
func answerUserInput(params json.RawMessage) (any, *RPCError) {
	var p userInputParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: CodeInternalError, Message: fmt.Sprintf("invalid user input request: %v", err)}
		}
	}

	answers := make(map[string]any, len(p.Questions))
	for _, q := range p.Questions {
		if q.ID == "" {
			continue
		}
		picked := []string{}
		if len(q.Options) > 0 {
			picked = append(picked, q.Options[0].Label)
		}
		answers[q.ID] = map[string]any{"answers": picked}
	}
	return map[string]any{"answers": answers}, nil
}
