package policy

import (
	"context"
	"strings"
	"sync"

	"github.com/polisai/netopt/pkg/domain"
)

// ActionHandler executes a single policy action. A returned error marks the
// action as failed; the output map is attached to the ActionResult.
type ActionHandler interface {
	Handle(ctx context.Context, action domain.Action, evalCtx domain.EvalContext) (map[string]any, error)
}

// ActionHandlerFunc adapts a function to ActionHandler.
type ActionHandlerFunc func(ctx context.Context, action domain.Action, evalCtx domain.EvalContext) (map[string]any, error)

// Handle calls f.
func (f ActionHandlerFunc) Handle(ctx context.Context, action domain.Action, evalCtx domain.EvalContext) (map[string]any, error) {
	return f(ctx, action, evalCtx)
}

// handlerRegistry stores canonical handlers and alias mappings.
type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
	aliases  map[string]string
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{
		handlers: make(map[string]ActionHandler),
		aliases:  make(map[string]string),
	}
}

func canonicalType(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func (r *handlerRegistry) register(kind string, handler ActionHandler, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	canonical := canonicalType(kind)
	r.handlers[canonical] = handler
	for _, alias := range aliases {
		alias = canonicalType(alias)
		if alias == "" {
			continue
		}
		r.aliases[alias] = canonical
	}
}

func (r *handlerRegistry) resolve(raw string) (ActionHandler, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	canonical := canonicalType(raw)
	if handler, ok := r.handlers[canonical]; ok {
		return handler, canonical, true
	}
	if alias, ok := r.aliases[canonical]; ok {
		if handler, ok := r.handlers[alias]; ok {
			return handler, alias, true
		}
	}
	return nil, "", false
}

func (r *handlerRegistry) types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		out = append(out, kind)
	}
	return out
}
