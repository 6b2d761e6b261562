package visibility

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"
)

// MalformedMarkingError is returned when a marking expression cannot be parsed.
// Entries carrying such a marking are hidden.
type MalformedMarkingError struct {
	Category   string
	Expression string
	Err        error
}

func (e *MalformedMarkingError) Error() string {
	return fmt.Sprintf("malformed marking %s=%q: %v", e.Category, e.Expression, e.Err)
}

func (e *MalformedMarkingError) Unwrap() error {
	return e.Err
}

// IsMalformed reports whether err is, or wraps, a *MalformedMarkingError.
func IsMalformed(err error) bool {
	var me *MalformedMarkingError
	return errors.As(err, &me)
}

// EngineConfig controls program caching and evaluation limits.
type EngineConfig struct {
	// CacheSize is the number of compiled expressions kept in memory.
	CacheSize int

	// CostLimit caps the evaluation cost of a single expression.
	CostLimit uint64
}

// DefaultEngineConfig returns the defaults used by the server.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		CacheSize: 4096,
		CostLimit: 100000,
	}
}

// Engine evaluates marking expressions by compiling them to CEL programs.
// It is safe for concurrent use; compiled programs are shared through an LRU.
type Engine struct {
	env       *cel.Env
	programs  *lru.Cache[string, cel.Program]
	costLimit uint64
}

// NewEngine creates an engine with a CEL environment exposing the caller's
// credentials as the map variable "auths".
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultEngineConfig().CacheSize
	}
	if cfg.CostLimit == 0 {
		cfg.CostLimit = DefaultEngineConfig().CostLimit
	}

	env, err := cel.NewEnv(
		cel.Variable("auths", cel.MapType(cel.StringType, cel.BoolType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	programs, err := lru.New[string, cel.Program](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create program cache: %w", err)
	}

	return &Engine{
		env:       env,
		programs:  programs,
		costLimit: cfg.CostLimit,
	}, nil
}

// Compile parses expr and compiles it to a CEL program. Programs are cached by
// their source expression. A nil program means expr places no restriction.
func (en *Engine) Compile(expr string) (cel.Program, error) {
	if prog, ok := en.programs.Get(expr); ok {
		return prog, nil
	}

	node, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, nil
	}

	ast, issues := en.env.Compile(toCEL(node))
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err := en.env.Program(ast, cel.CostLimit(en.costLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	en.programs.Add(expr, prog)
	return prog, nil
}

// Evaluate reports whether auths satisfy expr.
func (en *Engine) Evaluate(expr string, auths Auths) (bool, error) {
	prog, err := en.Compile(expr)
	if err != nil {
		return false, err
	}
	if prog == nil {
		return true, nil
	}
	if auths == nil {
		auths = Auths{}
	}

	out, _, err := prog.Eval(map[string]any{"auths": map[string]bool(auths)})
	if err != nil {
		return false, fmt.Errorf("evaluate marking %q: %w", expr, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("marking %q did not evaluate to a boolean", expr)
	}
	return matched, nil
}

// IsVisible reports whether auths satisfy every category of m. Entries with
// no markings are always visible. A malformed category hides the entry and
// yields a *MalformedMarkingError.
func (en *Engine) IsVisible(m Markings, auths Auths) (bool, error) {
	for _, category := range m.Categories() {
		expr := m[category]
		ok, err := en.Evaluate(expr, auths)
		if err != nil {
			var pe *ParseError
			if errors.As(err, &pe) {
				return false, &MalformedMarkingError{Category: category, Expression: expr, Err: err}
			}
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Len returns the number of cached programs.
func (en *Engine) Len() int {
	return en.programs.Len()
}

// toCEL renders a parsed marking as a CEL boolean expression over "auths".
func toCEL(n *Node) string {
	if n.Type == TermNode {
		return strconv.Quote(n.Term) + " in auths"
	}
	op := " && "
	if n.Type == OrNode {
		op = " || "
	}
	parts := make([]string, len(n.Children))
	for i, c := range n.Children {
		parts[i] = "(" + toCEL(c) + ")"
	}
	return strings.Join(parts, op)
}
