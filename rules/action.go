package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/liamcoop/bizrules/internal/logger"
)

const (
	// DefaultValidationMessage is used when a validation action carries no message.
	DefaultValidationMessage = "Validation failed."
	// ActionErrorMessage replaces the detail of any failure while running an action.
	ActionErrorMessage = "Error executing business rule action."
)

// Execute applies action to data. The input map is never modified; every
// successful outcome carries a fresh shallow copy. A nil or non-object action
// and an unknown type pass the data through unchanged.
func Execute(action *Action, data map[string]any) Result {
	return absorbAction(func() (Result, error) {
		return execute(action, data)
	})
}

// absorbAction turns an execution error, or a panic, into the generic failure result.
func absorbAction(fn func() (Result, error)) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("rule action panicked", "panic", fmt.Sprint(r))
			res = Result{Valid: false, Message: ActionErrorMessage}
		}
	}()
	res, err := fn()
	if err != nil {
		logger.Warn("rule action failed", "error", err)
		return Result{Valid: false, Message: ActionErrorMessage}
	}
	return res
}

func execute(a *Action, data map[string]any) (Result, error) {
	if a == nil || a.malformed {
		return Result{Valid: true, Data: copyData(data)}, nil
	}
	if a.err != nil {
		return Result{}, a.err
	}

	switch a.Type {
	case ActionValidation:
		msg := DefaultValidationMessage
		if a.Message != nil {
			msg = *a.Message
		}
		return Result{Valid: false, Message: msg}, nil

	case ActionTransform:
		out := copyData(data)
		if a.Field != "" {
			out[a.Field] = a.Value
		}
		return Result{Valid: true, Data: out}, nil

	case ActionCompute:
		out := copyData(data)
		if a.Field == "" || a.Fields == nil {
			return Result{Valid: true, Data: out}, nil
		}
		switch a.Expression {
		case ComputeConcat:
			joined, err := concat(data, a.Fields, a.Separator)
			if err != nil {
				return Result{}, err
			}
			out[a.Field] = joined
		case ComputeSum:
			out[a.Field] = sum(data, a.Fields)
		}
		return Result{Valid: true, Data: out}, nil

	default:
		return Result{Valid: true, Data: copyData(data)}, nil
	}
}

func concat(data map[string]any, fields []string, sep string) (string, error) {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		v := data[f]
		switch v.(type) {
		case map[string]any, []any:
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("concat field %q: %w", f, err)
			}
			parts = append(parts, string(b))
		default:
			parts = append(parts, formatScalar(v))
		}
	}
	return strings.Join(parts, sep), nil
}

func sum(data map[string]any, fields []string) float64 {
	var total float64
	for _, f := range fields {
		total += toNumber(data[f])
	}
	return total
}
