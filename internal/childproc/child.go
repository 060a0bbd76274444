// Package childproc owns the per-child process lifecycle: spawning a
// downstream MCP server over stdio, performing the initialize handshake,
// draining its stderr to the router's own stderr, and forwarding
// list_tools/call_tool. This is the Process Supervisor (spec.md §4.G) and
// the transport half of the Child Session Pool (spec.md §4.C).
package childproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	sdk_client "github.com/mark3labs/mcp-go/client"
	sdk_mcp "github.com/mark3labs/mcp-go/mcp"
)

// ToolInfo captures the metadata of a single tool exposed by a child server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Child wraps a single live downstream MCP server connection: the spawned
// process, its stdio transport, and an MCP client session already past
// initialize (invariant I2). Safe for concurrent use by multiple goroutines.
type Child struct {
	identity Identity

	mu    sync.RWMutex
	inner sdk_client.MCPClient
}

// Spawn launches a child process for argv/env, performs the MCP initialize
// handshake, and returns a ready Child. The returned error is always a
// startup failure (spec.md's SessionStartupError); on error the partially
// started process (if any) has already been released.
func Spawn(ctx context.Context, identity Identity, argv []string, env []string) (*Child, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("childproc: empty command")
	}

	stdioCli, err := sdk_client.NewStdioMCPClient(argv[0], env, argv[1:]...)
	if err != nil {
		return nil, fmt.Errorf("childproc: start stdio server: %w", err)
	}
	var cli sdk_client.MCPClient = stdioCli
	go drainStderr(string(identity), stdioCli.Stderr())

	_, err = cli.Initialize(ctx, sdk_mcp.InitializeRequest{
		Params: sdk_mcp.InitializeParams{
			ProtocolVersion: sdk_mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: sdk_mcp.Implementation{
				Name:    "mcp-manager-router",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		_ = cli.Close() // release resources on handshake failure
		return nil, fmt.Errorf("childproc: initialize: %w", err)
	}

	return &Child{identity: identity, inner: cli}, nil
}

// drainStderr forwards the child's stderr to the router's own stderr,
// prefixed with the child's identity for operators (spec.md §4.G).
func drainStderr(identity string, r io.Reader) {
	if r == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Printf("[child:%s] %s", shortIdentity(identity), scanner.Text())
	}
}

// shortIdentity truncates a full SHA-256 identity for readable log lines.
func shortIdentity(identity string) string {
	if len(identity) > 12 {
		return identity[:12]
	}
	return identity
}

// NewStub returns a Child with no live transport, for tests that exercise
// pool admission logic (spawn counting, single-flight, eviction) without
// spawning a real subprocess. ListTools/CallTool on a stub return an error;
// Close is a no-op.
func NewStub(identity Identity) *Child {
	return &Child{identity: identity}
}

// Identity returns the ChildIdentity this child was spawned for.
func (c *Child) Identity() Identity { return c.identity }

// ListTools returns metadata for all tools exposed by this child.
func (c *Child) ListTools(ctx context.Context) ([]ToolInfo, error) {
	c.mu.RLock()
	inner := c.inner
	c.mu.RUnlock()
	if inner == nil {
		return nil, fmt.Errorf("childproc: not connected")
	}

	result, err := inner.ListTools(ctx, sdk_mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("childproc: list tools: %w", err)
	}

	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage("{}")
		}
		tools = append(tools, ToolInfo{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return tools, nil
}

// CallTool invokes the named tool on the child and returns the content array
// unchanged as MCP content items (spec.md §4.D step 6 forwards the child's
// content array verbatim to the parent).
func (c *Child) CallTool(ctx context.Context, name string, args map[string]any) ([]sdk_mcp.Content, bool, error) {
	c.mu.RLock()
	inner := c.inner
	c.mu.RUnlock()
	if inner == nil {
		return nil, false, fmt.Errorf("childproc: not connected")
	}

	req := sdk_mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := inner.CallTool(ctx, req)
	if err != nil {
		return nil, false, fmt.Errorf("childproc: call tool %q: %w", name, err)
	}
	return result.Content, result.IsError, nil
}

// Close terminates the connection and the underlying process.
func (c *Child) Close() error {
	c.mu.Lock()
	inner := c.inner
	c.inner = nil
	c.mu.Unlock()

	if inner == nil {
		return nil
	}
	return inner.Close()
}

// TextOf concatenates the text content items of an MCP content array,
// matching the teacher's CallTool text-extraction convention.
func TextOf(content []sdk_mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(sdk_mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
