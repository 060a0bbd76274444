// Package childpool implements the Child Session Pool: an identity-keyed
// cache of live downstream MCP client sessions, with single-flight spawn
// admission so concurrent first-calls for the same identity never spawn
// more than one child (invariant I1, property P1).
package childpool

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mcp-router/router/internal/childproc"
	"github.com/mcp-router/router/internal/routererr"
)

// Spawner starts a child for a given identity/argv/env triple. It is a
// function type so pool tests can substitute an in-process fake child
// without spawning real subprocesses.
type Spawner func(ctx context.Context, identity childproc.Identity, argv []string, env []string) (*childproc.Child, error)

// Pool is the identity-keyed cache of live ChildSessions (spec.md §4.C).
// Safe for concurrent use.
type Pool struct {
	spawn Spawner

	mu       sync.Mutex
	sessions map[childproc.Identity]*childproc.Child
	flight   singleflight.Group
}

// New creates an empty Pool. spawner defaults to childproc.Spawn when nil.
func New(spawner Spawner) *Pool {
	if spawner == nil {
		spawner = childproc.Spawn
	}
	return &Pool{
		spawn:    spawner,
		sessions: make(map[childproc.Identity]*childproc.Child),
	}
}

// Acquire returns the live child for identity, spawning one if none exists.
// Concurrent Acquire calls for the same identity are collapsed into a
// single spawn (singleflight) so no more than one spawn per identity is
// ever in flight, regardless of how many callers race to acquire it.
//
// On spawn failure the entry is not inserted; a subsequent Acquire with the
// same identity retries from scratch (spec.md §4.C).
func (p *Pool) Acquire(ctx context.Context, identity childproc.Identity, argv []string, env []string) (*childproc.Child, error) {
	p.mu.Lock()
	if child, ok := p.sessions[identity]; ok {
		p.mu.Unlock()
		return child, nil
	}
	p.mu.Unlock()

	result, err, _ := p.flight.Do(string(identity), func() (any, error) {
		// Re-check under the pool lock: another Do call for a different key
		// may have inserted this identity between the first check and here
		// is impossible (same key == same flight), but a previous flight for
		// this exact key may have just completed and inserted it.
		p.mu.Lock()
		if child, ok := p.sessions[identity]; ok {
			p.mu.Unlock()
			return child, nil
		}
		p.mu.Unlock()

		child, spawnErr := p.spawn(ctx, identity, argv, env)
		if spawnErr != nil {
			return nil, &routererr.SessionStartupError{Identity: string(identity), Err: spawnErr}
		}

		p.mu.Lock()
		p.sessions[identity] = child
		p.mu.Unlock()
		return child, nil
	})
	if err != nil {
		return nil, err
	}
	child, ok := result.(*childproc.Child)
	if !ok || child == nil {
		return nil, fmt.Errorf("childpool: unexpected spawn result")
	}
	return child, nil
}

// Evict removes identity from the pool without closing it, so a subsequent
// Acquire call spawns a fresh child. The router itself does not call Evict:
// a pooled child whose transport has died (e.g. transport EOF) stays in the
// pool and is returned by Acquire until ShutdownAll.
func (p *Pool) Evict(identity childproc.Identity) {
	p.mu.Lock()
	delete(p.sessions, identity)
	p.mu.Unlock()
}

// ShutdownAll releases every session's resources in arbitrary order. A
// per-session close error does not stop the remaining sessions from being
// closed; the errors are collected and returned for the caller to log.
func (p *Pool) ShutdownAll() []error {
	p.mu.Lock()
	sessions := make([]*childproc.Child, 0, len(p.sessions))
	for id, child := range p.sessions {
		sessions = append(sessions, child)
		delete(p.sessions, id)
	}
	p.mu.Unlock()

	var errs []error
	for _, child := range sessions {
		if err := child.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Len reports the number of live sessions currently pooled.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
