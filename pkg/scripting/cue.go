// Package scripting evaluates rule conditions written as CUE boolean expressions.
package scripting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

var ErrNotBoolean = errors.New("condition does not evaluate to a boolean")

// CUEEvaluator resolves identifiers of an expression against the given vars,
// e.g. `event.content.type == "Created" && event.content.data.price.iv > 10`.
type CUEEvaluator struct{}

func NewCUEEvaluator() *CUEEvaluator {
	return &CUEEvaluator{}
}

func (e *CUEEvaluator) Evaluate(ctx context.Context, expr string, vars map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)

	switch expr {
	case "", "true":
		return true, nil
	case "false":
		return false, nil
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}

	scope, err := normalize(vars)
	if err != nil {
		return false, err
	}

	// cue.Context is not safe for concurrent use; one per evaluation.
	cueCtx := cuecontext.New()

	scopeValue := cueCtx.Encode(scope)
	if scopeValue.Err() != nil {
		return false, fmt.Errorf("encode condition scope: %w", scopeValue.Err())
	}

	value := cueCtx.CompileString(expr, cue.Scope(scopeValue), cue.Filename("condition"))
	if value.Err() != nil {
		return false, fmt.Errorf("compile condition: %w", value.Err())
	}

	result, err := value.Bool()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrNotBoolean, err)
	}

	return result, nil
}

// normalize converts vars to plain JSON values so that field names follow json tags.
func normalize(vars map[string]any) (map[string]any, error) {
	if len(vars) == 0 {
		return map[string]any{}, nil
	}

	encoded, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("encode condition vars: %w", err)
	}

	var scope map[string]any
	if err := json.Unmarshal(encoded, &scope); err != nil {
		return nil, fmt.Errorf("decode condition vars: %w", err)
	}

	return scope, nil
}
