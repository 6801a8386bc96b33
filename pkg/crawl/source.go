package crawl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
)

// Source is a per-site adapter. Implementations are stateless: all crawl
// progress lives in the Stage passed to Step, and Step must not mutate it so
// the scheduler can retry the same stage after a failure.
type Source interface {
	// Namespace is the adapter's registry key.
	Namespace() string

	// Fields declares the user-supplied inputs as field name to a
	// human-readable description.
	Fields() map[string]string

	// ValidateField reports why a user-provided value is unusable, before it
	// is persisted.
	ValidateField(key, value string) error

	// InitialStage returns the zero state of the adapter's state machine.
	InitialStage() Stage

	// DecodeStage reconstructs the stage variant with the given discriminator
	// from its serialized fields.
	DecodeStage(index int, fields json.RawMessage) (Stage, error)

	// Step issues at most one remote request (a few adapters make two
	// strictly-correlated ones, such as a token fetch) and returns the
	// produced records together with the next stage.
	Step(ctx context.Context, values map[string]string, stage Stage, client *http.Client) (*Step, error)
}

// Registry maps adapter namespaces to their implementations.
type Registry struct {
	sources map[string]Source
}

// NewRegistry builds a registry, failing on duplicate namespaces.
func NewRegistry(sources ...Source) (*Registry, error) {
	r := &Registry{sources: make(map[string]Source, len(sources))}
	for _, src := range sources {
		ns := src.Namespace()
		if dup, ok := r.sources[ns]; ok {
			return nil, fmt.Errorf("source key %q is not unique (%T and %T)", ns, src, dup)
		}
		r.sources[ns] = src
	}
	return r, nil
}

// Get returns the adapter registered under the namespace, or nil.
func (r *Registry) Get(namespace string) Source {
	return r.sources[namespace]
}

// Namespaces returns all registered keys in lexicographic order.
func (r *Registry) Namespaces() []string {
	keys := make([]string, 0, len(r.sources))
	for ns := range r.sources {
		keys = append(keys, ns)
	}
	sort.Strings(keys)
	return keys
}
