package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ExprEvaluator compiles and runs guard expressions. Compiled programs
// are cached per expression string; evaluation is cost-limited so a
// hostile document cannot stall the pipeline.
type ExprEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewExprEvaluator builds the environment guard expressions run in.
func NewExprEvaluator() (*ExprEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("condition", cel.StringType),
		cel.Variable("foreground", cel.StringType),
		cel.Variable("stt_confidence", cel.DoubleType),
		cel.Variable("params", cel.DynType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment: %w", err)
	}
	return &ExprEvaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// EvalBool evaluates expr against input. Non-boolean results are errors.
func (e *ExprEvaluator) EvalBool(expr string, input map[string]interface{}) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression result is %T, want bool", out.Value())
	}
	return val, nil
}

func (e *ExprEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}
