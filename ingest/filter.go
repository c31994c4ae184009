package ingest

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/inimical023/callflow/envelope"
)

// Filter is a compiled CEL predicate over a call record.
type Filter struct {
	expr string
	prg  cel.Program
}

// NewFilter compiles expr. An empty expression yields a nil Filter, which
// accepts every call.
func NewFilter(expr string) (*Filter, error) {
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("call", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("ingest: cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("ingest: compile filter %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("ingest: filter %q returns %s, want bool", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("ingest: program filter %q: %w", expr, err)
	}
	return &Filter{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Match reports whether call passes the filter.
func (f *Filter) Match(call *envelope.CallRecord) (bool, error) {
	if f == nil {
		return true, nil
	}
	out, _, err := f.prg.Eval(map[string]any{"call": callVars(call)})
	if err != nil {
		return false, fmt.Errorf("ingest: eval filter: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("ingest: filter %q returned %T, want bool", f.expr, out.Value())
	}
	return ok, nil
}

func callVars(c *envelope.CallRecord) map[string]any {
	return map[string]any{
		"call_id":       c.CallID,
		"extension":     c.Extension,
		"direction":     c.Direction,
		"status":        string(c.Status),
		"result":        c.Result,
		"caller_number": c.CallerNumber,
		"start_time":    c.StartTime,
		"duration":      int64(c.Duration),
		"recording_id":  c.RecordingID,
	}
}
