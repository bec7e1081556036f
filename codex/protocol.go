package codex

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Wire protocol for the codex app-server: JSON-RPC 2.0 without the
// "jsonrpc" member, one message per line.

// Outbound calls.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized"
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodMCPStatusList = "mcpServerStatus/list"
	MethodShutdown      = "shutdown"
)

// Notifications from the app-server.
const (
	NotifyThreadStarted     = "thread/started"
	NotifyTurnStarted       = "turn/started"
	NotifyTurnCompleted     = "turn/completed"
	NotifyItemStarted       = "item/started"
	NotifyItemCompleted     = "item/completed"
	NotifyAgentMessageDelta = "item/agentMessage/delta"
	NotifyError             = "error"
	NotifyTokenUsage        = "thread/tokenUsage/updated"
)

// Requests initiated by the app-server.
const (
	RequestCommandApproval     = "item/commandExecution/requestApproval"
	RequestFileChangeApproval  = "item/fileChange/requestApproval"
	RequestUserInput           = "item/tool/requestUserInput"
	RequestToolCall            = "item/tool/call"
	RequestAuthRefresh         = "account/chatgptAuthTokens/refresh"
	RequestLegacyExecApproval  = "execCommandApproval"
	RequestLegacyPatchApproval = "applyPatchApproval"
)

// Standard JSON-RPC error codes used in responses to server requests.
const (
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
	CodeUnsupported    = -32000
)

// Request is an outbound call.
type Request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// Notification is a fire-and-forget message in either direction.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// outboundNotification is used when params are built from Go values.
type outboundNotification struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// ServerRequest is a call the app-server makes to the bridge. The id is kept
// raw so it can be echoed back unchanged.
type ServerRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a call in either direction.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// outboundResponse answers a ServerRequest.
type outboundResponse struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object. It is returned by Runtime.Call when the
// app-server rejects a request.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// messageKind classifies an inbound line.
type messageKind int

const (
	kindInvalid messageKind = iota
	kindResponse
	kindServerRequest
	kindNotification
)

func (k messageKind) String() string {
	switch k {
	case kindResponse:
		return "response"
	case kindServerRequest:
		return "server_request"
	case kindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// classify inspects which members are present. A message with both id and
// method is a server request; id alone is a response; method alone is a
// notification.
func classify(raw json.RawMessage) (messageKind, map[string]json.RawMessage) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return kindInvalid, nil
	}
	id, hasID := fields["id"]
	if hasID && isNull(id) {
		hasID = false
	}
	_, hasMethod := fields["method"]
	switch {
	case hasID && hasMethod:
		return kindServerRequest, fields
	case hasID:
		return kindResponse, fields
	case hasMethod:
		return kindNotification, fields
	default:
		return kindInvalid, fields
	}
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// responseID extracts a numeric id. Ids the bridge never issues (strings,
// fractions) report ok=false.
func responseID(raw json.RawMessage) (int64, bool) {
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	return id, true
}

// decodeRPCError turns an error member into an error, falling back to a
// generic message naming the method when the shape is unrecognized.
func decodeRPCError(raw json.RawMessage, method string) error {
	var e RPCError
	if err := json.Unmarshal(raw, &e); err == nil && e.Message != "" {
		return &e
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return &RPCError{Message: s}
	}
	return &RPCError{Code: e.Code, Message: fmt.Sprintf("codex request failed: %s", method)}
}
