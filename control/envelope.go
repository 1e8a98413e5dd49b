// Package control serves the command envelope over WebSocket and pushes
// strategy progress to every connected client.
package control

import (
	"encoding/json"

	"github.com/clinicflow/flowbridge/runner"
)

// CommandType names a request.
type CommandType string

// Recognized requests.
const (
	CmdAttachDebugger  CommandType = "ATTACH_DEBUGGER"
	CmdDebuggerCommand CommandType = "DEBUGGER_COMMAND"
	CmdExecuteStrategy CommandType = "EXECUTE_STRATEGY"
	CmdExecuteBridge   CommandType = "EXECUTE_CLINICAL_BRIDGE"
	CmdListStrategies  CommandType = "LIST_STRATEGIES"
)

// Message types the server sends.
const (
	TypeResponse       = "RESPONSE"
	TypeStrategyUpdate = "STRATEGY_UPDATE"
)

// Request is a command sent by a client. ID is echoed in the response so
// clients can match the two.
type Request struct {
	ID      string          `json:"id,omitempty"`
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers a Request.
type Response struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Update carries a progress event.
type Update struct {
	Type    string       `json:"type"`
	Payload runner.Event `json:"payload"`
}

type attachPayload struct {
	TabID string `json:"tabId"`
}

type debuggerPayload struct {
	TabID   string          `json:"tabId"`
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args"`
}

type clickArgs struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

type typeArgs struct {
	Text *string `json:"text"`
}

type executePayload struct {
	ID        string            `json:"id"`
	InputData map[string]string `json:"inputData"`
}

type bridgePayload struct {
	TabID string `json:"tabId"`
}

type bridgeResult struct {
	Extracted map[string]string `json:"extracted"`
}

type strategySummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Steps       int    `json:"steps"`
}
