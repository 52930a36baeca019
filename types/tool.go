package types

import "encoding/json"

// ToolSchema defines a tool's interface for function calling. The gateway
// forwards tool definitions verbatim to providers that accept them.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}
