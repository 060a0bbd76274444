package childproc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Identity is the stable fingerprint under which a live child is pooled
// (spec.md §3 ChildIdentity): the SHA-256 over a canonical serialization of
// {resolved command vector, effective environment map with sorted keys}.
type Identity string

// canonicalIdentity is the shape hashed to produce an Identity. Env is a
// slice of [key, value] pairs in sorted-by-key order rather than a map, so
// json.Marshal produces byte-identical output across runs (Go map iteration
// order is randomized; map field ordering in encoding/json is sorted by key
// for map[string]string already, but an explicit slice keeps the contract
// obvious and independent of that implementation detail).
type canonicalIdentity struct {
	Command []string    `json:"command"`
	Env     [][2]string `json:"env"`
}

// ComputeIdentity hashes the resolved command vector and effective
// environment map into a ChildIdentity. Two invocations that would spawn
// with identical resolved command and identical effective environment share
// the same identity and therefore the same child (invariant I1).
func ComputeIdentity(argv []string, env map[string]string) Identity {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([][2]string, 0, len(env))
	for _, k := range keys {
		pairs = append(pairs, [2]string{k, env[k]})
	}

	canon := canonicalIdentity{Command: argv, Env: pairs}
	data, err := json.Marshal(canon)
	if err != nil {
		// json.Marshal on this concrete, non-cyclic type cannot fail.
		panic("childproc: identity marshal: " + err.Error())
	}

	sum := sha256.Sum256(data)
	return Identity(hex.EncodeToString(sum[:]))
}
