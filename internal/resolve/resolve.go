// Package resolve implements the Command Resolver: environment-variable
// expansion, repo-relative path promotion, and PATH executable search for a
// tool's command vector, plus deterministic environment composition for the
// spawned child.
package resolve

import (
	"os"
	"os/exec"
	"path/filepath"
)

// unbufferedEnvVar is injected into every child's environment so the child's
// stdio is unbuffered, matching the language-neutral analogue of
// PYTHONUNBUFFERED=1 called for in spec.md §4.B.
const unbufferedEnvVar = "PYTHONUNBUFFERED"

// Resolved is the output of resolving a ToolDefinition's command and env for
// spawn: the final argv and the final environment (as "KEY=VALUE" pairs,
// ready for exec.Cmd.Env).
type Resolved struct {
	Argv []string
	Env  []string
}

// Resolve expands variables in cmd against the process environment, promotes
// repo-relative paths that exist on disk, searches PATH for the index-0
// executable, and composes the final environment overlay. repoRoot is the
// base directory against which relative command parts are checked for
// existence (spec.md §4.B step 2).
func Resolve(cmd []string, env map[string]string, repoRoot string) Resolved {
	argv := make([]string, len(cmd))
	for i, part := range cmd {
		expanded := os.Expand(part, lookupEnv)
		promoted := promoteRepoRelative(expanded, repoRoot)
		if i == 0 && !filepath.IsAbs(promoted) {
			if found, err := exec.LookPath(promoted); err == nil {
				promoted = found
			}
			// On miss, pass the literal through and let spawn fail naturally.
		}
		argv[i] = promoted
	}
	return Resolved{
		Argv: argv,
		Env:  composeEnv(env),
	}
}

// lookupEnv is used with os.Expand to implement ${NAME} and $NAME
// substitution against the process environment. An unresolved variable is
// not replaced by the empty string: it comes back as "$NAME". os.Expand does
// not tell the mapping function which form was written, so an unresolved
// "${NAME}" is rewritten to "$NAME" rather than kept with its braces.
func lookupEnv(name string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	// Leave unresolved variables literal rather than substituting empty string.
	return "$" + name
}

// promoteRepoRelative replaces part with its absolute form when joining it
// to repoRoot yields an existing filesystem entry. This lets manifest
// entries reference bundled scripts by relative path regardless of the
// caller's working directory.
func promoteRepoRelative(part, repoRoot string) string {
	if part == "" || filepath.IsAbs(part) || repoRoot == "" {
		return part
	}
	candidate := filepath.Join(repoRoot, part)
	if info, err := os.Stat(candidate); err == nil && info != nil {
		return candidate
	}
	return part
}

// composeEnv starts from the router's inherited environment, overlays the
// tool's env (variable expansion is not applied to env values — they are
// literal), then sets PYTHONUNBUFFERED=1. Keys are not sorted here: sorting
// for identity hashing is the Identity package's responsibility, not the
// spawn environment's.
func composeEnv(overlay map[string]string) []string {
	base := os.Environ()
	merged := make(map[string]string, len(base)+len(overlay)+1)
	for _, kv := range base {
		if k, v, ok := splitEnv(kv); ok {
			merged[k] = v
		}
	}
	for k, v := range overlay {
		merged[k] = v
	}
	merged[unbufferedEnvVar] = "1"

	result := make([]string, 0, len(merged))
	for k, v := range merged {
		result = append(result, k+"="+v)
	}
	return result
}

// splitEnv splits a "KEY=VALUE" string from os.Environ.
func splitEnv(kv string) (key, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}

// EffectiveEnvMap returns the same fully-composed environment composeEnv
// would spawn the child with, as a map (not a "KEY=VALUE" slice), for
// identity hashing (§3 ChildIdentity) so the hash is computed over the
// same logical environment actually spawned.
func EffectiveEnvMap(overlay map[string]string) map[string]string {
	merged := make(map[string]string, len(overlay)+1)
	for _, kv := range os.Environ() {
		if k, v, ok := splitEnv(kv); ok {
			merged[k] = v
		}
	}
	for k, v := range overlay {
		merged[k] = v
	}
	merged[unbufferedEnvVar] = "1"
	return merged
}
