package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/mcp-router/router/internal/routererr"
)

// Store owns the user manifest and community catalog files. Reads never
// fail fatally: a missing or malformed file is treated as empty and a
// diagnostic is logged, so the other file still contributes (spec.md §4.A).
//
// The user manifest's load-mutate-save cycle is serialized by mu as a whole
// (via UpdateUser), not just the final write, so concurrent configure_mcp_tool
// invocations for different tool names never lose one another's update
// (invariant I5, property P4).
type Store struct {
	userPath      string
	communityPath string
	mu            sync.Mutex // serializes the user manifest's load-mutate-save cycle
}

// NewStore creates a Store for the given user manifest and community
// catalog paths. Neither file is read until Load/LoadUser is called.
func NewStore(userPath, communityPath string) *Store {
	return &Store{userPath: userPath, communityPath: communityPath}
}

// EffectiveRegistry is the user-precedence union of the user manifest and
// community catalog, computed fresh on every call per spec.md §4.A.
type EffectiveRegistry struct {
	Tools []ToolDefinition // user entries, in file order, followed by non-overridden community entries
}

// DiscoveryOnlyCount returns the number of entries with no command, i.e.
// tools that are listed for discovery but cannot be invoked.
func (r EffectiveRegistry) DiscoveryOnlyCount() int {
	n := 0
	for _, t := range r.Tools {
		if !t.HasCommand() {
			n++
		}
	}
	return n
}

// Lookup finds a tool by name in the effective registry.
func (r EffectiveRegistry) Lookup(name string) (ToolDefinition, bool) {
	for _, t := range r.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolDefinition{}, false
}

// Load reads the user manifest and community catalog and returns the
// effective registry: user entries (file order) followed by community
// entries whose name does not appear in the user set. Name collisions
// resolve to the user entry.
func (s *Store) Load() (EffectiveRegistry, error) {
	user, err := s.LoadUser()
	if err != nil {
		return EffectiveRegistry{}, err
	}
	community, err := s.loadManifest(s.communityPath)
	if err != nil {
		// Non-fatal per spec.md §4.A: the user manifest still contributes.
		log.Printf("[Registry] community catalog %q: %v (treated as empty)", s.communityPath, err)
		community = Manifest{}
	}

	seen := make(map[string]bool, len(user.Tools))
	tools := make([]ToolDefinition, 0, len(user.Tools)+len(community.Tools))
	for _, t := range user.Tools {
		seen[t.Name] = true
		tools = append(tools, t)
	}
	for _, t := range community.Tools {
		if seen[t.Name] {
			continue
		}
		tools = append(tools, t)
	}
	return EffectiveRegistry{Tools: tools}, nil
}

// LoadUser reads the user manifest. A missing file is treated as {tools: []};
// a malformed file is logged and treated the same way, per spec.md §4.A.
func (s *Store) LoadUser() (Manifest, error) {
	m, err := s.loadManifest(s.userPath)
	if err != nil {
		log.Printf("[Registry] user manifest %q: %v (treated as empty)", s.userPath, err)
		return Manifest{}, nil
	}
	return m, nil
}

// UpdateUser loads the user manifest, applies fn to it, and saves the result,
// holding the store's mutex for the entire load-mutate-save cycle. This is
// the only safe way to read-modify-write the user manifest: calling LoadUser
// and SaveUser separately leaves a window in which two concurrent callers
// both read the same on-disk content before either writes, and the second
// write silently discards the first caller's change (property P4). If fn
// returns an error, the manifest is left untouched and the error is returned
// unchanged.
func (s *Store) UpdateUser(fn func(*Manifest) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loadManifest(s.userPath)
	if err != nil {
		log.Printf("[Registry] user manifest %q: %v (treated as empty)", s.userPath, err)
		m = Manifest{}
	}
	if err := fn(&m); err != nil {
		return err
	}
	return s.saveUserLocked(m)
}

// loadManifest reads and parses a manifest file. A missing file returns an
// empty Manifest and nil error; any other read or parse failure returns a
// *routererr.ManifestIOError.
func (s *Store) loadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Manifest{}, nil
	}
	if err != nil {
		return Manifest{}, &routererr.ManifestIOError{Path: path, Op: "read", Err: err}
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, &routererr.ManifestIOError{Path: path, Op: "parse", Err: err}
	}
	return m, nil
}

// SaveUser serializes m with stable key ordering and 2-space indentation and
// writes it atomically (temp file + rename) so the manifest is never
// observed torn (invariant I5). Prefer UpdateUser when the write follows a
// read of the same manifest, so the whole cycle is covered by one lock.
func (s *Store) SaveUser(m Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveUserLocked(m)
}

// saveUserLocked performs the marshal and atomic write; callers must hold
// s.mu.
func (s *Store) saveUserLocked(m Manifest) error {
	if m.Tools == nil {
		m.Tools = []ToolDefinition{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return &routererr.ManifestIOError{Path: s.userPath, Op: "marshal", Err: err}
	}

	dir := filepath.Dir(s.userPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &routererr.ManifestIOError{Path: s.userPath, Op: "mkdir", Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".router_manifest-*.tmp")
	if err != nil {
		return &routererr.ManifestIOError{Path: s.userPath, Op: "create temp", Err: err}
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &routererr.ManifestIOError{Path: s.userPath, Op: "write temp", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &routererr.ManifestIOError{Path: s.userPath, Op: "close temp", Err: err}
	}
	if err := os.Rename(tmpPath, s.userPath); err != nil {
		os.Remove(tmpPath)
		return &routererr.ManifestIOError{Path: s.userPath, Op: "rename", Err: err}
	}
	return nil
}

// UserPath returns the configured user manifest path.
func (s *Store) UserPath() string { return s.userPath }

// CommunityPath returns the configured community catalog path.
func (s *Store) CommunityPath() string { return s.communityPath }

// LoadCommunity reads the community catalog only, for the search_mcp_servers
// intrinsic tool. A missing or malformed file is treated as empty.
func (s *Store) LoadCommunity() Manifest {
	m, err := s.loadManifest(s.communityPath)
	if err != nil {
		log.Printf("[Registry] community catalog %q: %v (treated as empty)", s.communityPath, err)
		return Manifest{}
	}
	return m
}

// String implements fmt.Stringer for diagnostic logging.
func (s *Store) String() string {
	return fmt.Sprintf("registry.Store{user: %s, community: %s}", s.userPath, s.communityPath)
}
