// Package convert upgrades and downgrades message payloads between schema
// versions, so handlers written against one version can accept envelopes
// produced by another.
package convert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.relaykit.dev/internal/message"
)

// CompatibilityMode decides which version gaps a handler tolerates.
type CompatibilityMode int

const (
	// Strict accepts only the handler's exact version.
	Strict CompatibilityMode = iota

	// Backward accepts the handler's version or older.
	Backward

	// Forward accepts the handler's version or newer.
	Forward

	// Flexible accepts any version a conversion path exists for.
	Flexible
)

// ParseCompatibilityMode maps a config string to a mode.
func ParseCompatibilityMode(s string) (CompatibilityMode, error) {
	switch strings.ToLower(s) {
	case "strict":
		return Strict, nil
	case "backward":
		return Backward, nil
	case "forward":
		return Forward, nil
	case "flexible":
		return Flexible, nil
	default:
		return Strict, fmt.Errorf("convert: unknown compatibility mode %q", s)
	}
}

// Accepts reports whether a handler at handlerVersion may receive a message
// at msgVersion under the mode, possibly after conversion.
func (m CompatibilityMode) Accepts(handlerVersion, msgVersion int) bool {
	switch m {
	case Strict:
		return handlerVersion == msgVersion
	case Backward:
		return msgVersion <= handlerVersion
	case Forward:
		return msgVersion >= handlerVersion
	default:
		return true
	}
}

// Func rewrites an envelope's body from one schema version to an adjacent
// one. It must not mutate the input.
type Func func(env *message.Envelope) (*message.Envelope, error)

// Config bounds conversion work.
type Config struct {
	// Timeout caps one Convert call.
	Timeout time.Duration

	// MaxSteps caps the conversion chain length.
	MaxSteps int
}

// DefaultConfig returns the conversion defaults.
func DefaultConfig() Config {
	return Config{Timeout: 5 * time.Second, MaxSteps: 8}
}

type edge struct {
	to int
	fn Func
}

// Registry holds per-message-name conversion graphs. Safe for concurrent
// use.
type Registry struct {
	cfg Config

	mu    sync.RWMutex
	edges map[string]map[int][]edge
}

// NewRegistry creates a conversion registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultConfig().MaxSteps
	}
	return &Registry{cfg: cfg, edges: make(map[string]map[int][]edge)}
}

// Register adds a conversion for a message name between two versions.
func (r *Registry) Register(name string, from, to int, fn Func) error {
	if fn == nil {
		return fmt.Errorf("convert: conversion func must not be nil")
	}
	if from == to {
		return fmt.Errorf("convert: %s conversion %d->%d is a no-op", name, from, to)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byFrom := r.edges[name]
	if byFrom == nil {
		byFrom = make(map[int][]edge)
		r.edges[name] = byFrom
	}
	byFrom[from] = append(byFrom[from], edge{to: to, fn: fn})
	return nil
}

// Convert rewrites env to the target version, chaining registered
// conversions along the shortest path. The input is never mutated.
func (r *Registry) Convert(ctx context.Context, env *message.Envelope, target int) (*message.Envelope, error) {
	if env == nil {
		return nil, fmt.Errorf("convert: message must not be nil")
	}
	current := versionOf(env)
	if current == target {
		return env, nil
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	path, ok := r.findPath(env.Name, current, target)
	if !ok {
		return nil, fmt.Errorf("convert: no conversion path for %s from v%d to v%d within %d steps",
			env.Name, current, target, r.cfg.MaxSteps)
	}

	converted := env
	for _, step := range path {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("convert: %s conversion interrupted: %w", env.Name, err)
		}
		next, err := step.fn(converted)
		if err != nil {
			return nil, fmt.Errorf("convert: %s step to v%d: %w", env.Name, step.to, err)
		}
		next.Version = step.to
		converted = next
	}
	return converted, nil
}

// findPath runs a breadth-first search over the conversion graph, bounded
// by MaxSteps.
func (r *Registry) findPath(name string, from, to int) ([]edge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byFrom := r.edges[name]
	if byFrom == nil {
		return nil, false
	}

	type node struct {
		version int
		path    []edge
	}
	visited := map[int]bool{from: true}
	frontier := []node{{version: from}}

	for steps := 0; steps < r.cfg.MaxSteps && len(frontier) > 0; steps++ {
		var next []node
		for _, n := range frontier {
			for _, e := range byFrom[n.version] {
				if visited[e.to] {
					continue
				}
				path := append(append([]edge(nil), n.path...), e)
				if e.to == to {
					return path, true
				}
				visited[e.to] = true
				next = append(next, node{version: e.to, path: path})
			}
		}
		frontier = next
	}
	return nil, false
}

// versionOf treats an unversioned envelope as version 1.
func versionOf(env *message.Envelope) int {
	if env.Version <= 0 {
		return 1
	}
	return env.Version
}
