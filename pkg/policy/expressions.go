package policy

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"sentinel/pkg/storage"
)

// exprEnv is the environment a policy expression evaluates against.
type exprEnv struct {
	Domain    string `expr:"Domain"`
	ClientIP  string `expr:"ClientIP"`
	QueryType string `expr:"QueryType"`
}

type compiledExpression struct {
	name    string
	program *vm.Program
}

// compileExpressions compiles the enabled rules, skipping any that fail to
// compile. Compilation errors are a configuration problem, not a reason to
// stop serving.
func compileExpressions(ruleSet []storage.ExpressionRule) []compiledExpression {
	var out []compiledExpression
	for _, r := range ruleSet {
		if !r.Enabled || r.Expression == "" {
			continue
		}
		program, err := expr.Compile(r.Expression,
			expr.Env(exprEnv{}),
			expr.AsBool(),
		)
		if err != nil {
			continue
		}
		out = append(out, compiledExpression{name: r.Name, program: program})
	}
	return out
}

// evalExpressions returns the first rule that evaluates true. Runtime errors
// in a rule are treated as no-match.
func (idx *Index) evalExpressions(domain, queryType, clientIP string) (string, bool) {
	env := exprEnv{Domain: domain, ClientIP: clientIP, QueryType: queryType}
	for _, ce := range idx.expressions {
		result, err := expr.Run(ce.program, env)
		if err != nil {
			continue
		}
		if matched, ok := result.(bool); ok && matched {
			return ce.name, true
		}
	}
	return "", false
}
