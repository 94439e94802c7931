package docs

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/medislot/medsync/pkg/model"
)

// Filter is a compiled CEL predicate over a document bound to "doc".
type Filter struct {
	expr string
	prg  cel.Program
}

var filterEnv, filterEnvErr = cel.NewEnv(
	cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
)

// CompileFilter compiles expr, e.g. `doc.patientId == "p1" && doc.status != "CANCELLED"`.
func CompileFilter(expr string) (*Filter, error) {
	if filterEnvErr != nil {
		return nil, filterEnvErr
	}
	ast, issues := filterEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("CEL filter must return bool, got %s", ast.OutputType())
	}
	prg, err := filterEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation error: %w", err)
	}
	return &Filter{expr: expr, prg: prg}, nil
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Match evaluates the filter. A nil filter matches everything; evaluation
// errors, such as a missing field, count as no match.
func (f *Filter) Match(doc model.Document) bool {
	if f == nil {
		return true
	}
	out, _, err := f.prg.Eval(map[string]interface{}{"doc": map[string]interface{}(doc)})
	if err != nil {
		return false
	}
	ok, isBool := out.Value().(bool)
	return isBool && ok
}

// Apply keeps the documents that match.
func (f *Filter) Apply(docs []model.Document) []model.Document {
	if f == nil {
		return docs
	}
	out := make([]model.Document, 0, len(docs))
	for _, d := range docs {
		if f.Match(d) {
			out = append(out, d)
		}
	}
	return out
}
