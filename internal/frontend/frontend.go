// Package frontend implements the RPC Server Frontend: the parent-facing
// MCP server role (spec.md §4.D). It presents intrinsic tools plus every
// entry of the effective registry over stdio, and dispatches call_tool to
// either an intrinsic handler or a downstream child via the Child Session
// Pool.
package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	sdk_mcp "github.com/mark3labs/mcp-go/mcp"
	sdk_server "github.com/mark3labs/mcp-go/server"

	"github.com/mcp-router/router/internal/childpool"
	"github.com/mcp-router/router/internal/childproc"
	"github.com/mcp-router/router/internal/intrinsic"
	"github.com/mcp-router/router/internal/registry"
	"github.com/mcp-router/router/internal/resolve"
	"github.com/mcp-router/router/internal/routererr"
	"github.com/mcp-router/router/internal/usagelog"
	"github.com/mcp-router/router/internal/util"
)

// maxErrorRunes bounds how much of a downstream error (which may echo a
// child's entire stderr tail) is surfaced in a text content item, so one
// misbehaving child cannot flood the parent's transcript.
const maxErrorRunes = 4000

const serverName = "mcp-manager-router"
const serverVersion = "0.1.0"

// Server wraps an *sdk_server.MCPServer with the router's dispatch logic.
type Server struct {
	mcp      *sdk_server.MCPServer
	store    *registry.Store
	pool     *childpool.Pool
	usage    *usagelog.Logger
	repoRoot string
}

// New builds a Server with the two intrinsic tools registered and the
// effective registry's tools mirrored into the MCP server's tool table.
func New(store *registry.Store, pool *childpool.Pool, usage *usagelog.Logger, repoRoot string) *Server {
	s := &Server{
		store:    store,
		pool:     pool,
		usage:    usage,
		repoRoot: repoRoot,
	}
	s.mcp = sdk_server.NewMCPServer(
		serverName,
		serverVersion,
		sdk_server.WithRecovery(),
		// The SDK's tools/list handler collects names from its internal map
		// and returns them sorted alphabetically, which does not preserve
		// AddTool call order. orderTools restores the ordering spec.md §3
		// and §4.D require: intrinsics first, then the effective registry's
		// user-file-order-then-community-file-order sequence.
		sdk_server.WithToolFilter(s.orderTools),
	)

	s.registerIntrinsicTools()
	s.refreshDownstreamTools()
	return s
}

// Serve hands the process over to the MCP stdio transport and blocks until
// the parent closes stdin (spec.md §6, "Exit code 0 on clean parent EOF").
func (s *Server) Serve() error {
	return sdk_server.ServeStdio(s.mcp)
}

// registerIntrinsicTools wires configure_mcp_tool and search_mcp_servers
// (spec.md §4.E); both are always listed, even with an empty manifest.
func (s *Server) registerIntrinsicTools() {
	configureTool := sdk_mcp.NewTool(intrinsic.ConfigureMCPToolName,
		sdk_mcp.WithDescription("Install a community MCP tool into the user manifest, or update its env."),
		sdk_mcp.WithString("name", sdk_mcp.Required(), sdk_mcp.Description("Tool name to install or update")),
		sdk_mcp.WithObject("env", sdk_mcp.Description("Environment variables to overlay onto the tool's entry")),
	)
	s.mcp.AddTool(configureTool, s.handleConfigure)

	searchTool := sdk_mcp.NewTool(intrinsic.SearchMCPServersName,
		sdk_mcp.WithDescription("Search the community MCP catalog by substring match against name or description."),
		sdk_mcp.WithString("query", sdk_mcp.Required(), sdk_mcp.Description("Substring to match, case-insensitive")),
	)
	s.mcp.AddTool(searchTool, s.handleSearch)
}

// refreshDownstreamTools loads the effective registry and mirrors it into
// the MCP server's tool table, so list_tools reflects every ToolDefinition
// currently known (spec.md §4.D). Re-registering is cheap and idempotent by
// name; it is called at startup and after every successful configure_mcp_tool
// so a newly installed tool is visible on the next list_tools.
func (s *Server) refreshDownstreamTools() {
	effective, err := s.store.Load()
	if err != nil {
		log.Printf("[Frontend] load effective registry: %v (downstream tool list unchanged)", err)
		return
	}
	log.Printf("[Frontend] %d tool(s) in effective registry (%d discovery-only)", len(effective.Tools), effective.DiscoveryOnlyCount())

	for _, t := range effective.Tools {
		name := t.Name
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage("{}")
		}
		tool := sdk_mcp.NewToolWithRawSchema(name, t.Description, schema)
		s.mcp.AddTool(tool, func(ctx context.Context, req sdk_mcp.CallToolRequest) (*sdk_mcp.CallToolResult, error) {
			return s.handleDownstream(ctx, name, req)
		})
	}
}

// orderTools is installed as the MCP server's tool filter so that tools/list
// responses follow spec.md §3/§4.D's required sequence instead of the SDK's
// alphabetical sort: the two intrinsic tools in fixed order, then the
// effective registry's tools in user-file-order-then-community-file-order.
// Any tool name the SDK reports that desiredToolOrder doesn't account for
// (there should be none, but the registry could change between AddTool and
// this call) keeps its sorted position, appended after the ordered set, so
// nothing the SDK knows about silently disappears from the response.
func (s *Server) orderTools(ctx context.Context, tools []sdk_mcp.Tool) []sdk_mcp.Tool {
	byName := make(map[string]sdk_mcp.Tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}

	ordered := make([]sdk_mcp.Tool, 0, len(tools))
	placed := make(map[string]bool, len(tools))
	for _, name := range s.desiredToolOrder() {
		if t, ok := byName[name]; ok {
			ordered = append(ordered, t)
			placed[name] = true
		}
	}
	for _, t := range tools {
		if !placed[t.Name] {
			ordered = append(ordered, t)
		}
	}
	return ordered
}

// desiredToolOrder computes the tool name sequence spec.md §3/§4.D require:
// configure_mcp_tool, search_mcp_servers, then the effective registry's user
// entries (file order) followed by non-overridden community entries (file
// order). It is recomputed on every tools/list call so a configure_mcp_tool
// that ran since the last call is reflected immediately.
func (s *Server) desiredToolOrder() []string {
	order := []string{intrinsic.ConfigureMCPToolName, intrinsic.SearchMCPServersName}

	effective, err := s.store.Load()
	if err != nil {
		log.Printf("[Frontend] load effective registry for ordering: %v (intrinsic-only order)", err)
		return order
	}
	for _, t := range effective.Tools {
		order = append(order, t.Name)
	}
	return order
}

// handleConfigure implements the configure_mcp_tool dispatch path (step 1
// of spec.md §4.D's call_tool algorithm); usage logging applies like any
// other tool entry.
func (s *Server) handleConfigure(ctx context.Context, req sdk_mcp.CallToolRequest) (*sdk_mcp.CallToolResult, error) {
	entry := s.usage.Start(intrinsic.ConfigureMCPToolName)

	var args intrinsic.ConfigureArgs
	raw := req.GetArguments()
	if name, ok := raw["name"].(string); ok {
		args.Name = name
	}
	if envRaw, ok := raw["env"].(map[string]any); ok {
		args.Env = make(map[string]string, len(envRaw))
		for k, v := range envRaw {
			if sv, ok := v.(string); ok {
				args.Env[k] = sv
			}
		}
	}

	name, err := intrinsic.Configure(s.store, args)
	if err != nil {
		entry.Failure(err.Error())
		return sdk_mcp.NewToolResultError(err.Error()), nil
	}
	s.refreshDownstreamTools()
	entry.Success()
	return sdk_mcp.NewToolResultText(name), nil
}

// handleSearch implements the search_mcp_servers dispatch path.
func (s *Server) handleSearch(ctx context.Context, req sdk_mcp.CallToolRequest) (*sdk_mcp.CallToolResult, error) {
	entry := s.usage.Start(intrinsic.SearchMCPServersName)

	query, _ := req.GetArguments()["query"].(string)
	hits := intrinsic.Search(s.store, query)

	payload, err := json.Marshal(hits)
	if err != nil {
		entry.Failure(err.Error())
		return sdk_mcp.NewToolResultError(fmt.Sprintf("marshal search results: %v", err)), nil
	}
	entry.Success()
	return sdk_mcp.NewToolResultText(string(payload)), nil
}

// handleDownstream implements steps 2-6 of spec.md §4.D's call_tool
// algorithm for a non-intrinsic tool name. The effective registry is
// reloaded on every call since configure_mcp_tool may have changed it
// since this handler was registered.
func (s *Server) handleDownstream(ctx context.Context, name string, req sdk_mcp.CallToolRequest) (*sdk_mcp.CallToolResult, error) {
	entry := s.usage.Start(name)

	content, isError, err := s.dispatchDownstream(ctx, name, req)
	if err != nil {
		msg := textForDownstreamError(name, err)
		entry.Failure(msg)
		return sdk_mcp.NewToolResultError(msg), nil
	}

	result := &sdk_mcp.CallToolResult{Content: content, IsError: isError}
	if isError {
		entry.Failure(childproc.TextOf(content))
	} else {
		entry.Success()
	}
	return result, nil
}

// dispatchDownstream runs steps 2-5 of spec.md §4.D's call_tool algorithm
// and returns a typed error from internal/routererr identifying which step
// failed, so callers can distinguish failure categories with errors.As
// instead of string matching (spec.md §7).
func (s *Server) dispatchDownstream(ctx context.Context, name string, req sdk_mcp.CallToolRequest) ([]sdk_mcp.Content, bool, error) {
	effective, err := s.store.Load()
	if err != nil {
		return nil, false, err
	}

	def, ok := effective.Lookup(name)
	if !ok {
		return nil, false, &routererr.ToolNotFound{Name: name}
	}
	if !def.HasCommand() {
		return nil, false, &routererr.CommandResolutionError{Name: name, Reason: "tool has no command"}
	}

	resolved := resolve.Resolve(def.Command, def.Env, s.repoRoot)
	identity := childproc.ComputeIdentity(resolved.Argv, resolve.EffectiveEnvMap(def.Env))

	child, err := s.pool.Acquire(ctx, identity, resolved.Argv, resolved.Env)
	if err != nil {
		return nil, false, err
	}

	content, isError, err := child.CallTool(ctx, name, req.GetArguments())
	if err != nil {
		return nil, false, &routererr.ChildRuntimeError{Tool: name, Err: err}
	}
	return content, isError, nil
}

// textForDownstreamError converts a typed dispatch error into the literal
// text content item spec.md §4.D requires for its failure category.
// ToolNotFound and CommandResolutionError carry their own fixed wording;
// everything else (manifest load failures, SessionStartupError,
// ChildRuntimeError) is rendered as "Error calling tool X: <message>".
func textForDownstreamError(name string, err error) string {
	var notFound *routererr.ToolNotFound
	if errors.As(err, &notFound) {
		return "Tool not found"
	}
	var cmdErr *routererr.CommandResolutionError
	if errors.As(err, &cmdErr) {
		return cmdErr.Reason
	}
	return errCallingTool(name, err)
}

// errCallingTool formats the "Error calling tool X: <msg>" text content
// item from spec.md §4.D, truncating an overlong underlying message so a
// misbehaving child cannot flood the parent's transcript. For a
// ChildRuntimeError or SessionStartupError, the wrapped underlying message
// is used so the phrase "error calling tool"/"session startup" from the
// wrapper's own Error() text is not embedded twice.
func errCallingTool(name string, err error) string {
	msg := err.Error()
	if inner := errors.Unwrap(err); inner != nil {
		msg = inner.Error()
	}
	return fmt.Sprintf("Error calling tool %s: %s", name, util.TruncateRunes(msg, maxErrorRunes))
}
