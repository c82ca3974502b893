package rules

import (
	"fmt"
	"log/slog"
	"sync"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/livegate/livegate/pkg/model"
)

// Engine answers "is this operation on this collection allowed for this
// context?" and compiles rule shapes into storage-pushable predicates.
//
// Check never returns an error: a malformed rule, an unknown collection or a
// runtime evaluation failure all resolve to deny. That keeps the
// authorization boundary fail-closed and lets the fan-out path treat the
// answer as a plain boolean.
type Engine interface {
	// Check evaluates the rule for the operation. Admin contexts always pass.
	Check(collection string, op Operation, rctx model.RuleContext) bool

	// GenerateFilter attempts to compile the collection's list rule into a
	// storage-level predicate. ok=false means the rule shape is not
	// push-down-able and the caller must rely on per-record Check calls.
	GenerateFilter(collection string, rctx model.RuleContext) (predicate bson.M, ok bool)

	// Rule returns the configured rule for a collection and operation.
	Rule(collection string, op Operation) Rule

	// LoadRulesFromDir replaces all rule sets with those found in dirPath.
	LoadRulesFromDir(dirPath string) error

	// UpdateRules replaces a single collection's rule set from YAML content.
	UpdateRules(collection string, content []byte) error

	// SetCollectionRules installs a rule set directly, validating it first.
	SetCollectionRules(cr CollectionRules) error
}

type ruleEngine struct {
	collections map[string]*CollectionRules
	mu          sync.RWMutex

	// astCache maps expression string -> *Node. Swapped out whole on rule
	// updates; the pointer itself is guarded by mu.
	astCache *sync.Map

	logger *slog.Logger
}

// EngineConfig configures the rules engine.
type EngineConfig struct {
	// RulesPath is a directory of YAML rule files loaded at startup.
	// Empty means no rules, which denies everything until rules are set.
	RulesPath string `yaml:"rules_path"`
}

// NewEngine creates a rules engine, loading rules from cfg.RulesPath when set.
func NewEngine(cfg EngineConfig, logger *slog.Logger) (Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &ruleEngine{
		collections: make(map[string]*CollectionRules),
		astCache:    &sync.Map{},
		logger:      logger.With("component", "rules"),
	}
	if cfg.RulesPath != "" {
		if err := e.LoadRulesFromDir(cfg.RulesPath); err != nil {
			return nil, fmt.Errorf("failed to load rules from %s: %w", cfg.RulesPath, err)
		}
	}
	return e, nil
}

func (e *ruleEngine) Check(collection string, op Operation, rctx model.RuleContext) bool {
	if rctx.Admin || (rctx.Auth != nil && rctx.Auth.Admin) {
		return true
	}

	rule := e.Rule(collection, op)
	if IsDenyAll(rule) {
		return false
	}
	if IsAllowAll(rule) {
		return true
	}

	node, err := e.compile(*rule)
	if err != nil {
		e.logger.Warn("Rule failed to compile, denying",
			"collection", collection, "op", string(op), "error", err)
		return false
	}

	result, err := EvalBool(node, NewEvalContext(rctx))
	if err != nil {
		e.logger.Warn("Rule evaluation failed, denying",
			"collection", collection, "op", string(op), "error", err)
		return false
	}
	return result
}

func (e *ruleEngine) Rule(collection string, op Operation) Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.collections[collection].Rule(op)
}

func (e *ruleEngine) LoadRulesFromDir(dirPath string) error {
	loaded, err := loadRulesFromDir(dirPath)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.collections = loaded
	e.astCache = &sync.Map{}
	e.mu.Unlock()

	e.logger.Info("Rules loaded", "dir", dirPath, "collections", len(loaded))
	return nil
}

func (e *ruleEngine) UpdateRules(collection string, content []byte) error {
	sets, err := parseRules(content)
	if err != nil {
		return err
	}
	if len(sets) != 1 {
		return fmt.Errorf("expected one collection rule set, got %d", len(sets))
	}
	cr := sets[0]
	if cr.Collection != collection {
		return fmt.Errorf("content has collection %q but updating %q", cr.Collection, collection)
	}

	e.mu.Lock()
	e.collections[collection] = &cr
	e.astCache = &sync.Map{}
	e.mu.Unlock()
	return nil
}

func (e *ruleEngine) SetCollectionRules(cr CollectionRules) error {
	if err := validateCollectionRules(&cr); err != nil {
		return err
	}
	e.mu.Lock()
	e.collections[cr.Collection] = &cr
	e.astCache = &sync.Map{}
	e.mu.Unlock()
	return nil
}

// compile parses an expression with caching. The cache is keyed by the raw
// expression string and cleared whenever rules change.
func (e *ruleEngine) compile(expr string) (*Node, error) {
	e.mu.RLock()
	cache := e.astCache
	e.mu.RUnlock()

	if cached, ok := cache.Load(expr); ok {
		return cached.(*Node), nil
	}
	node, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	cache.Store(expr, node)
	return node, nil
}
