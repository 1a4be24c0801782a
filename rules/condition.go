package rules

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/liamcoop/bizrules/internal/logger"
)

// celCostLimit bounds the work a single expression leaf may do.
const celCostLimit = 1000000

// Evaluator evaluates condition trees against entity data.
// The only state it holds is the CEL environment and the cache of compiled
// expression programs, so one Evaluator can serve any number of requests.
type Evaluator struct {
	env      *cel.Env
	programs map[string]cel.Program // expression -> compiled program
	mu       sync.RWMutex
}

// NewEvaluator creates an evaluator whose CEL leaves see the record as "data".
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

var defaultEvaluator = sync.OnceValues(NewEvaluator)

// DefaultEvaluator returns the process-wide evaluator.
func DefaultEvaluator() (*Evaluator, error) {
	return defaultEvaluator()
}

// Evaluate evaluates cond against data with the process-wide evaluator.
func Evaluate(cond *Condition, data map[string]any) bool {
	ev, err := DefaultEvaluator()
	if err != nil {
		// Without CEL only expression leaves are affected; they resolve to false.
		ev = &Evaluator{programs: make(map[string]cel.Program)}
	}
	return ev.Evaluate(cond, data)
}

// Evaluate reports whether cond holds for data. It never fails: a missing or
// non-object condition holds, an unknown operator does not, and any error
// raised while evaluating a node makes that node false.
func (ev *Evaluator) Evaluate(cond *Condition, data map[string]any) bool {
	return orFalse(func() (bool, error) {
		return ev.eval(cond, data)
	})
}

// orFalse absorbs an evaluation error, or a panic, into a false outcome.
func orFalse(fn func() (bool, error)) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("condition evaluation panicked", "panic", fmt.Sprint(r))
			matched = false
		}
	}()
	ok, err := fn()
	if err != nil {
		logger.Debug("condition evaluation error treated as no match", "error", err)
		return false
	}
	return ok
}

func (ev *Evaluator) eval(c *Condition, data map[string]any) (bool, error) {
	if c == nil || c.malformed {
		return true, nil
	}
	if c.err != nil {
		return false, c.err
	}

	switch c.Operator {
	case OpAnd:
		if len(c.Conditions) == 0 {
			return false, nil
		}
		for _, sub := range c.Conditions {
			if !ev.Evaluate(sub, data) {
				return false, nil
			}
		}
		return true, nil
	case OpOr:
		for _, sub := range c.Conditions {
			if ev.Evaluate(sub, data) {
				return true, nil
			}
		}
		return false, nil
	}

	if c.Expression != "" {
		return ev.evalExpression(c.Expression, data)
	}
	if c.Operator == "" {
		return true, nil
	}
	value, present := data[c.Field]
	if !present {
		value = absentField{}
	}
	return compare(c.Operator, value, c.Value)
}

// celData copies data with json.Number values turned into int64 or float64,
// which CEL compares as numbers.
func celData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = celValue(v)
	}
	return out
}

func celValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		return celData(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = celValue(item)
		}
		return out
	default:
		return v
	}
}

// absentField stands for a key the record does not have. It equals nothing,
// not even an explicit null.
type absentField struct{}

// CompileExpression compiles a CEL expression and caches the program.
func (ev *Evaluator) CompileExpression(expression string) error {
	_, err := ev.program(expression)
	return err
}

func (ev *Evaluator) program(expression string) (cel.Program, error) {
	ev.mu.RLock()
	prog, exists := ev.programs[expression]
	ev.mu.RUnlock()
	if exists {
		return prog, nil
	}
	if ev.env == nil {
		return nil, fmt.Errorf("CEL environment unavailable")
	}

	ast, issues := ev.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	prog, err := ev.env.Program(ast, cel.CostLimit(celCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	ev.mu.Lock()
	ev.programs[expression] = prog
	ev.mu.Unlock()
	return prog, nil
}

// evalExpression treats non-boolean output as no match.
func (ev *Evaluator) evalExpression(expression string, data map[string]any) (bool, error) {
	prog, err := ev.program(expression)
	if err != nil {
		return false, err
	}
	out, _, err := prog.Eval(map[string]any{"data": celData(data)})
	if err != nil {
		return false, fmt.Errorf("evaluate expression: %w", err)
	}
	matched, ok := out.Value().(bool)
	return ok && matched, nil
}
