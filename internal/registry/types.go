// Package registry implements the Manifest Store: loading, merging, and
// persisting tool definitions from the user manifest and the community
// catalog.
package registry

import "encoding/json"

// ToolDefinition is the unit of the registry.
type ToolDefinition struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	InputSchema json.RawMessage   `json:"inputSchema,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// HasCommand reports whether the definition can be invoked (non-empty
// command vector). Community-only discovery entries have none.
func (t ToolDefinition) HasCommand() bool {
	return len(t.Command) > 0
}

// Manifest is an ordered list of ToolDefinitions, as read from or written
// to a manifest JSON file.
type Manifest struct {
	Tools []ToolDefinition `json:"tools"`
}
