// Package expr evaluates templated strings against JSON data contexts. A
// template embeds one or more <% ... %> segments whose contents are jq
// queries evaluated with gojq. A string that consists of a single segment
// yields the query result with its type preserved; mixed templates render
// each result into the surrounding text. Values without segments pass
// through unchanged, so literals stay literals.
package expr

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/maestroflow/maestro/workflow"
)

const (
	openMarker  = "<%"
	closeMarker = "%>"
)

// Evaluator evaluates template expressions against a data context. The
// engine consumes contexts opaquely; implementations define the expression
// language.
type Evaluator interface {
	// Evaluate resolves a single value. Strings are treated as templates;
	// maps and slices are resolved recursively; other values pass through.
	Evaluate(expression any, data map[string]any) (any, error)
	// EvaluateMap resolves every value of exprs against data. Used for
	// input, publish and output maps.
	EvaluateMap(exprs, data map[string]any) (map[string]any, error)
}

// Truthy reports whether an evaluated value guards an edge or a condition.
// Nil, false, zero numbers and empty strings are falsy; everything else is
// truthy.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

// HasTemplate reports whether the string contains at least one template
// segment.
func HasTemplate(s string) bool {
	return strings.Contains(s, openMarker)
}

// JQEvaluator is the default Evaluator. It caches compiled queries and is
// safe for concurrent use.
type JQEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Query
}

var _ Evaluator = (*JQEvaluator)(nil)

// New returns a JQEvaluator with an empty query cache.
func New() *JQEvaluator {
	return &JQEvaluator{cache: make(map[string]*gojq.Query)}
}

// Evaluate resolves expression against data.
func (e *JQEvaluator) Evaluate(expression any, data map[string]any) (any, error) {
	switch t := expression.(type) {
	case string:
		return e.evaluateString(t, data)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			res, err := e.Evaluate(v, data)
			if err != nil {
				return nil, err
			}
			out[k] = res
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			res, err := e.Evaluate(v, data)
			if err != nil {
				return nil, err
			}
			out[i] = res
		}
		return out, nil
	default:
		return expression, nil
	}
}

// EvaluateMap resolves every value of exprs against data. Used for input,
// publish and output maps.
func (e *JQEvaluator) EvaluateMap(exprs map[string]any, data map[string]any) (map[string]any, error) {
	if len(exprs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(exprs))
	for k, v := range exprs {
		res, err := e.Evaluate(v, data)
		if err != nil {
			return nil, err
		}
		out[k] = res
	}
	return out, nil
}

func (e *JQEvaluator) evaluateString(s string, data map[string]any) (any, error) {
	if !HasTemplate(s) {
		return s, nil
	}
	norm, err := normalize(data)
	if err != nil {
		return nil, &workflow.ExpressionError{Expression: s, Err: err}
	}

	// Whole-string single segment keeps the result type.
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, openMarker) && strings.HasSuffix(trimmed, closeMarker) {
		inner := trimmed[len(openMarker) : len(trimmed)-len(closeMarker)]
		if !strings.Contains(inner, closeMarker) {
			return e.run(inner, s, norm)
		}
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, openMarker)
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:start])
		rest = rest[start+len(openMarker):]
		end := strings.Index(rest, closeMarker)
		if end < 0 {
			return nil, &workflow.ExpressionError{
				Expression: s,
				Err:        fmt.Errorf("unterminated template segment"),
			}
		}
		v, err := e.run(rest[:end], s, norm)
		if err != nil {
			return nil, err
		}
		b.WriteString(render(v))
		rest = rest[end+len(closeMarker):]
	}
}

func (e *JQEvaluator) run(query, full string, data map[string]any) (any, error) {
	q, err := e.compile(strings.TrimSpace(query))
	if err != nil {
		return nil, &workflow.ExpressionError{Expression: full, Err: err}
	}
	iter := q.Run(map[string]any(data))
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if qerr, isErr := v.(error); isErr {
		return nil, &workflow.ExpressionError{Expression: full, Err: qerr}
	}
	return v, nil
}

func (e *JQEvaluator) compile(query string) (*gojq.Query, error) {
	e.mu.RLock()
	q, ok := e.cache[query]
	e.mu.RUnlock()
	if ok {
		return q, nil
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache[query] = parsed
	e.mu.Unlock()
	return parsed, nil
}

// normalize converts arbitrary context values into the value set gojq
// accepts by round-tripping through JSON.
func normalize(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("normalize context: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("normalize context: %w", err)
	}
	return out, nil
}

// render converts an evaluated value into its textual form for mixed
// templates. Missing values render as the "None" placeholder.
func render(v any) string {
	switch t := v.(type) {
	case nil:
		return "None"
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	case bool, int, int64:
		return fmt.Sprintf("%v", t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
