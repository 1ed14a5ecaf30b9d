// Package adapter defines the contract between the agent and the systems it
// unlocks with retrieved credentials, plus the registry the agent resolves
// adapters from by name.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	dErrors "breakglass/pkg/domain-errors"
)

// Adapter connects to one target system class using broker-issued
// credentials and serves reads from it. Implementations must be safe to call
// from one goroutine at a time; the agent serializes access per adapter.
type Adapter interface {
	// Connect establishes a session against target using credentials.
	Connect(ctx context.Context, target, credentials map[string]string) error
	// Retrieve reads the resource at path from the connected target.
	Retrieve(ctx context.Context, path string) ([]byte, error)
	// Cleanup tears the session down and scrubs credential material.
	Cleanup() error
}

// Factory builds a fresh adapter instance from its configuration options.
type Factory func(options map[string]string) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes an adapter available under name. Registration happens from
// package init funcs; a duplicate name is a programming error.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("adapter %q registered twice", name))
	}
	registry[name] = factory
}

// New builds the named adapter.
func New(name string, options map[string]string) (Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "unknown adapter "+name)
	}
	return factory(options)
}

// Names lists the registered adapter names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
