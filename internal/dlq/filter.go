package dlq

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Filter is a compiled CEL predicate deciding whether a rejected event is
// actually forwarded to the dead-letter destination. This is additive to
// spec §4.8: the default (no Filter configured) always DLQs, matching the
// spec exactly; a Filter only ever narrows that default.
type Filter struct {
	program cel.Program
}

// NewFilter compiles expr, which must evaluate to a bool given a `metadata`
// map variable.
func NewFilter(expr string) (*Filter, error) {
	env, err := cel.NewEnv(cel.Variable("metadata", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("dlq: cel environment: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("dlq: CEL compile error: %w", iss.Err())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("dlq: CEL program construction: %w", err)
	}
	return &Filter{program: program}, nil
}

// Allow evaluates the predicate against metadata. A non-bool result is an
// error, not a silent false, so misconfigured expressions are loud.
func (f *Filter) Allow(metadata map[string]any) (bool, error) {
	out, _, err := f.program.Eval(map[string]any{"metadata": metadata})
	if err != nil {
		return false, fmt.Errorf("dlq: CEL evaluation error: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("dlq: CEL expression must evaluate to bool, got %T", out.Value())
	}
	return allowed, nil
}
