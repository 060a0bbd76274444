// Command router is the aggregating tool router: a single no-flag binary
// that presents one MCP server to its parent over stdio while multiplexing
// tools/call to a dynamically managed pool of downstream MCP child
// processes (spec.md §1).
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/mcp-router/router/internal/childpool"
	"github.com/mcp-router/router/internal/config"
	"github.com/mcp-router/router/internal/frontend"
	"github.com/mcp-router/router/internal/registry"
	"github.com/mcp-router/router/internal/usagelog"
)

func main() {
	config.LoadEnv()

	fmt.Fprintln(os.Stderr, "╔══════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║          mcp-manager-router           ║")
	fmt.Fprintln(os.Stderr, "╚══════════════════════════════════════╝")

	repoRoot := config.GetString("ROUTER_ROOT", "")
	if repoRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			log.Fatalf("router: cannot determine working directory: %v", err)
		}
		repoRoot = cwd
	}
	if info, err := os.Stat(repoRoot); err != nil || !info.IsDir() {
		log.Fatalf("router: ROUTER_ROOT %q does not exist or is not a directory", repoRoot)
	}
	fmt.Fprintf(os.Stderr, "[Router] root: %s\n", repoRoot)

	userManifestPath := config.GetString("ROUTER_MANIFEST", filepath.Join(repoRoot, "router_manifest.json"))
	communityCatalogPath := config.GetString("ROUTER_COMMUNITY_CATALOG", filepath.Join(repoRoot, "python", "community_servers.json"))
	store := registry.NewStore(userManifestPath, communityCatalogPath)
	fmt.Fprintf(os.Stderr, "[Router] %s\n", store)

	usageLogPath := config.GetString("ROUTER_USAGE_LOG", filepath.Join(repoRoot, "logs", "usage.jsonl"))
	usage := usagelog.Open(usageLogPath)
	defer usage.Close()

	pool := childpool.New(nil)
	defer func() {
		for _, err := range pool.ShutdownAll() {
			log.Printf("[Router] shutdown: %v", err)
		}
	}()

	srv := frontend.New(store, pool, usage, repoRoot)

	if err := srv.Serve(); err != nil {
		log.Fatalf("router: %v", err)
	}
}
