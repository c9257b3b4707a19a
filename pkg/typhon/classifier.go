package typhon

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/argus-triage/argus/pkg/domain"
)

// Classifier turns a report into a verdict.
type Classifier interface {
	Classify(ctx context.Context, report domain.Report) domain.Verdict
}

type rule struct {
	expr string
	prg  cel.Program
}

// RuleBasedClassifier evaluates CEL rules over the report. Any rule that
// evaluates to true marks the run suspicious.
//
// Variables: memory, cpu (peak ratios, doubles), fs_bytes (int), net_kbps
// (double), reason, unit_error (strings), ticks (int).
type RuleBasedClassifier struct {
	rules []rule
}

// NewRuleBasedClassifier compiles every rule up front; a rule that does not
// compile or does not yield a bool is an error.
func NewRuleBasedClassifier(exprs []string) (*RuleBasedClassifier, error) {
	env, err := cel.NewEnv(
		cel.Variable("memory", cel.DoubleType),
		cel.Variable("cpu", cel.DoubleType),
		cel.Variable("fs_bytes", cel.IntType),
		cel.Variable("net_kbps", cel.DoubleType),
		cel.Variable("reason", cel.StringType),
		cel.Variable("unit_error", cel.StringType),
		cel.Variable("ticks", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	c := &RuleBasedClassifier{}
	for _, expr := range exprs {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("invalid rule %q: %w", expr, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %q must evaluate to bool, got %s", expr, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to build rule %q: %w", expr, err)
		}
		c.rules = append(c.rules, rule{expr: expr, prg: prg})
	}
	return c, nil
}

// Classify evaluates every rule. A rule that fails at runtime counts as not
// matched.
func (c *RuleBasedClassifier) Classify(ctx context.Context, report domain.Report) domain.Verdict {
	vars := map[string]any{
		"memory":     report.MaxMemoryRatio,
		"cpu":        report.MaxCPURatio,
		"fs_bytes":   report.FilesystemGrowth,
		"net_kbps":   report.MaxNetworkKBps,
		"reason":     string(report.Reason),
		"unit_error": report.UnitError,
		"ticks":      int64(report.Ticks),
	}

	var v domain.Verdict
	for _, r := range c.rules {
		out, _, err := r.prg.ContextEval(ctx, vars)
		if err != nil {
			continue
		}
		if b, ok := out.Value().(bool); ok && b {
			v.Matched = append(v.Matched, r.expr)
		}
	}
	v.Suspicious = len(v.Matched) > 0
	return v
}

// DefaultRules flags resource exhaustion, heavy disk writes, and respawning
// units.
func DefaultRules() []string {
	return []string{
		`memory >= 0.9`,
		`cpu >= 0.9`,
		`fs_bytes > 100 * 1024 * 1024`,
		`reason == "respawn"`,
	}
}

// NoopClassifier never flags anything.
type NoopClassifier struct{}

func (NoopClassifier) Classify(ctx context.Context, report domain.Report) domain.Verdict {
	return domain.Verdict{}
}
