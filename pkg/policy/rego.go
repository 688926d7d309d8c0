package policy

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"

	"github.com/polisai/netopt/pkg/domain"
)

// RegoOptions control guard construction.
type RegoOptions struct {
	// Entrypoint is the default decision path (e.g. "netopt/admission/decision").
	Entrypoint string
	// Modules contains the Rego modules keyed by file name.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
	// Postures decides the verdict when evaluation fails.
	Postures PostureSet
	Logger   *slog.Logger
}

// RegoDecision is the parsed guard result.
type RegoDecision struct {
	Allow  bool
	Reason string
}

// RegoGuard evaluates flow-intent admission using embedded OPA.
type RegoGuard struct {
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	entrypoint    string
	cache         *decisionCache
	queries       map[string]*rego.PreparedEvalQuery
	postures      PostureSet
	logger        *slog.Logger
	mu            sync.RWMutex
}

const (
	defaultEntrypoint    = "netopt/admission/decision"
	defaultCacheCapacity = 1024
)

// LoadRegoModules reads every *.rego file in dir.
func LoadRegoModules(dir string) (map[string]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("glob rego modules: %w", err)
	}
	modules := make(map[string]string, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rego module %s: %w", path, err)
		}
		modules[filepath.Base(path)] = string(data)
	}
	return modules, nil
}

// NewRegoGuard compiles the supplied modules and warms the default entrypoint.
func NewRegoGuard(ctx context.Context, opts RegoOptions) (*RegoGuard, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}

	if len(opts.Modules) == 0 {
		return nil, errors.New("rego guard requires at least one rego module")
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}

	var cache *decisionCache
	if maxEntries > 0 {
		cache = newDecisionCache(maxEntries)
	}

	moduleOrder := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsedModules := make(map[string]*ast.Module, len(opts.Modules))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsedModules[name] = module
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	postures := opts.Postures
	if postures.overrides == nil {
		postures = DefaultPostureSet()
	}

	guard := &RegoGuard{
		moduleOrder:   moduleOrder,
		parsedModules: parsedModules,
		entrypoint:    entry,
		cache:         cache,
		queries:       make(map[string]*rego.PreparedEvalQuery),
		postures:      postures,
		logger:        logger,
	}

	// Warm the default entrypoint to surface syntax errors early.
	if _, err := guard.getPreparedQuery(ctx, entry); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	return guard, nil
}

// Evaluate runs the entrypoint against input. An empty entry selects the default.
func (g *RegoGuard) Evaluate(ctx context.Context, entry string, input map[string]any) (RegoDecision, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		entry = g.entrypoint
	}

	cacheKey, shouldCache := g.cacheKey(entry, input)
	if shouldCache {
		if cached, ok := g.cache.Get(cacheKey); ok {
			return cached, nil
		}
	}

	prepared, err := g.getPreparedQuery(ctx, entry)
	if err != nil {
		return RegoDecision{}, fmt.Errorf("prepare query: %w", err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return RegoDecision{}, fmt.Errorf("opa decision: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		g.logger.Debug("rego guard returned no result", "entrypoint", entry)
		return RegoDecision{Allow: true}, nil
	}

	payload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return RegoDecision{}, fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
	}

	decision, err := parseRegoDecision(payload)
	if err != nil {
		return RegoDecision{}, err
	}

	if shouldCache {
		g.cache.Add(cacheKey, decision)
	}
	return decision, nil
}

// Handle implements ActionHandler for the "rego" action type. The intent
// context is the guard input; the action may override the entrypoint.
func (g *RegoGuard) Handle(ctx context.Context, action domain.Action, evalCtx domain.EvalContext) (map[string]any, error) {
	entry := stringParam(action.Parameters, "entrypoint", "")
	input := domain.CloneAnyMap(map[string]any(evalCtx))

	decision, err := g.Evaluate(ctx, entry, input)
	if err != nil {
		policyDomain, _ := evalCtx["domain"].(string)
		mode := g.postures.Mode(policyDomain)
		g.logger.Warn("rego guard evaluation failed",
			"domain", policyDomain,
			"posture", string(mode),
			"error", err,
		)
		if mode == ModeFailClosed {
			return map[string]any{
				outputVerdict: verdictDeny,
				outputReason:  "guard unavailable: " + err.Error(),
			}, nil
		}
		return map[string]any{outputVerdict: verdictAllow}, nil
	}

	if !decision.Allow {
		reason := decision.Reason
		if reason == "" {
			reason = "denied by rego guard"
		}
		return map[string]any{outputVerdict: verdictDeny, outputReason: reason}, nil
	}
	return map[string]any{outputVerdict: verdictAllow}, nil
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (g *RegoGuard) FlushCache() {
	if g.cache != nil {
		g.cache.Clear()
	}
}

func (g *RegoGuard) getPreparedQuery(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	g.mu.RLock()
	if prepared, ok := g.queries[entry]; ok {
		g.mu.RUnlock()
		return prepared, nil
	}
	g.mu.RUnlock()

	query := "data." + strings.ReplaceAll(entry, "/", ".")

	opts := make([]func(*rego.Rego), 0, len(g.parsedModules)+1)
	opts = append(opts, rego.Query(query))
	for _, name := range g.moduleOrder {
		opts = append(opts, rego.ParsedModule(g.parsedModules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Another goroutine may have already prepared the query; respect first entry.
	if existing, ok := g.queries[entry]; ok {
		return existing, nil
	}

	g.queries[entry] = &prepared
	return &prepared, nil
}

// cacheKey hashes the entrypoint with the canonical JSON form of input.
func (g *RegoGuard) cacheKey(entry string, input map[string]any) (string, bool) {
	if g.cache == nil {
		return "", false
	}
	// encoding/json sorts map keys, which makes the encoding deterministic.
	raw, err := json.Marshal(input)
	if err != nil {
		return "", false
	}
	h := sha256.New()
	h.Write([]byte(entry))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil)), true
}

func parseRegoDecision(payload map[string]any) (RegoDecision, error) {
	reason, _ := payload["reason"].(string)
	raw, ok := payload["action"]
	if !ok || raw == nil {
		return RegoDecision{Allow: true, Reason: reason}, nil
	}
	text, ok := raw.(string)
	if !ok {
		return RegoDecision{}, fmt.Errorf("opa decision: action must be string, got %T", raw)
	}
	switch strings.ToLower(text) {
	case verdictAllow:
		return RegoDecision{Allow: true, Reason: reason}, nil
	case verdictDeny, "block":
		return RegoDecision{Allow: false, Reason: reason}, nil
	default:
		return RegoDecision{}, fmt.Errorf("opa decision: unknown action %q", text)
	}
}

type decisionCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value RegoDecision
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *decisionCache) Get(key string) (RegoDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return RegoDecision{}, false
	}
	c.order.MoveToFront(elem)
	item := elem.Value.(cacheItem)
	return item.value, true
}

func (c *decisionCache) Add(key string, value RegoDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(cacheItem{key: key, value: value})
	c.entries[key] = elem

	if c.order.Len() <= c.max {
		return
	}

	tail := c.order.Back()
	if tail != nil {
		c.order.Remove(tail)
		item := tail.Value.(cacheItem)
		delete(c.entries, item.key)
	}
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
