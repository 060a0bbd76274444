// Package intrinsic implements the router's two administrative tools,
// configure_mcp_tool and search_mcp_servers (spec.md §4.E).
package intrinsic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mcp-router/router/internal/registry"
)

// ConfigureMCPToolName is the externally visible name of the install/update tool.
const ConfigureMCPToolName = "configure_mcp_tool"

// SearchMCPServersName is the externally visible name of the catalog search tool.
const SearchMCPServersName = "search_mcp_servers"

// ConfigureArgs is the input shape for configure_mcp_tool.
type ConfigureArgs struct {
	Name string            `json:"name"`
	Env  map[string]string `json:"env,omitempty"`
}

// SearchArgs is the input shape for search_mcp_servers.
type SearchArgs struct {
	Query string `json:"query"`
}

// SearchHit is one element of the search_mcp_servers JSON text payload.
type SearchHit struct {
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	CommandPreview string          `json:"command_preview"`
	InputSchema    json.RawMessage `json:"inputSchema"`
}

// Configure installs a community entry into the user manifest, or updates
// its env, per spec.md §4.E. It returns the updated manifest entry name on
// success, or an error describing why it could not be configured.
//
// The lookup-or-install-then-merge-env logic runs inside a single
// Store.UpdateUser call so the load, mutation, and save happen under one
// lock: two concurrent Configure calls for different tool names must not
// both read the manifest before either writes, or one installation would
// silently overwrite the other (property P4).
func Configure(store *registry.Store, args ConfigureArgs) (string, error) {
	if args.Name == "" {
		return "", fmt.Errorf("name must not be empty")
	}

	var name string
	err := store.UpdateUser(func(user *registry.Manifest) error {
		idx := indexOf(user.Tools, args.Name)
		if idx < 0 {
			community := store.LoadCommunity()
			cidx := indexOf(community.Tools, args.Name)
			if cidx < 0 {
				return fmt.Errorf("tool %q not found in community catalog", args.Name)
			}
			// Deep-copy the community entry into the user manifest.
			entry := cloneToolDefinition(community.Tools[cidx])
			user.Tools = append(user.Tools, entry)
			idx = len(user.Tools) - 1
		}

		if user.Tools[idx].Env == nil {
			user.Tools[idx].Env = make(map[string]string)
		}
		for k, v := range args.Env {
			user.Tools[idx].Env[k] = v
		}
		name = user.Tools[idx].Name
		return nil
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// Search filters the community catalog by substring match against the
// lowercased name or description, per spec.md §4.E. Ordering follows the
// catalog's file order; no fuzzy or ranked matching.
func Search(store *registry.Store, query string) []SearchHit {
	q := strings.ToLower(query)
	community := store.LoadCommunity()

	var hits []SearchHit
	for _, t := range community.Tools {
		if strings.Contains(strings.ToLower(t.Name), q) || strings.Contains(strings.ToLower(t.Description), q) {
			schema := t.InputSchema
			if len(schema) == 0 {
				schema = json.RawMessage("{}")
			}
			hits = append(hits, SearchHit{
				Name:           t.Name,
				Description:    t.Description,
				CommandPreview: strings.Join(t.Command, " "),
				InputSchema:    schema,
			})
		}
	}
	return hits
}

func indexOf(tools []registry.ToolDefinition, name string) int {
	for i, t := range tools {
		if t.Name == name {
			return i
		}
	}
	return -1
}

// cloneToolDefinition deep-copies a ToolDefinition so that mutating the
// copy (e.g. merging env) never affects the community catalog's in-memory
// representation.
func cloneToolDefinition(t registry.ToolDefinition) registry.ToolDefinition {
	clone := t
	if t.Command != nil {
		clone.Command = append([]string(nil), t.Command...)
	}
	if t.Env != nil {
		clone.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			clone.Env[k] = v
		}
	}
	if len(t.InputSchema) > 0 {
		clone.InputSchema = append(json.RawMessage(nil), t.InputSchema...)
	}
	return clone
}
