package engine

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relaykit/relaykit/fault"
)

// conditionCacheSize bounds retained compiled condition programs.
const conditionCacheSize = 256

// conditionEvaluator compiles and runs condition expressions over the
// scope, caching compiled programs by source.
type conditionEvaluator struct {
	cache *lru.Cache[string, *vm.Program]
}

func newConditionEvaluator() (*conditionEvaluator, error) {
	cache, err := lru.New[string, *vm.Program](conditionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("engine: condition cache: %w", err)
	}
	return &conditionEvaluator{cache: cache}, nil
}

// Eval runs the expression against the scope and requires a boolean
// result. Compilation failures and non-boolean results are validation
// errors; references to absent scope entries report MissingReference.
func (e *conditionEvaluator) Eval(source string, scope Scope) (bool, error) {
	program, ok := e.cache.Get(source)
	if !ok {
		var err error
		program, err = expr.Compile(source, expr.AllowUndefinedVariables())
		if err != nil {
			return false, fault.Wrap(fault.Validation, err, "compile condition %q", source)
		}
		e.cache.Add(source, program)
	}
	out, err := expr.Run(program, map[string]any(scope))
	if err != nil {
		return false, fault.Wrap(fault.Validation, err, "evaluate condition %q", source)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fault.New(fault.Validation,
			"condition %q evaluated to %T, want bool", source, out)
	}
	return b, nil
}
