// Package rewrite implements graph rewrite rules and the Pipeline that runs them.
//
// A Rule scans a graph for its pattern, checks preconditions and rewrites every match in place.
// A precondition that doesn't hold is a miss: the graph is left untouched and no error is reported.
// A rule that breaks while rewriting fails with a MalformedRewriteError.
package rewrite

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphpass/fold"
	"github.com/gomlx/graphpass/graph"
)

// Result of applying a Rule to a graph.
type Result struct {
	// Matched is the number of nodes where the pattern and all preconditions matched.
	Matched int

	// Rewritten is the number of matches rewritten.
	Rewritten int
}

// Rule is one graph rewrite.
type Rule interface {
	// Name of the rule, used in logs and errors.
	Name() string

	// Apply rewrites every match of the rule in g.
	Apply(g *graph.Graph) (Result, error)
}

// MalformedRewriteError is returned when a rule fails in the middle of a rewrite, after its preconditions
// matched. The graph may have been partially modified.
type MalformedRewriteError struct {
	Rule     string
	NodeName string
	Cause    error
}

// Error implements the error interface.
func (e *MalformedRewriteError) Error() string {
	return fmt.Sprintf("rewrite %s at node %q failed: %v", e.Rule, e.NodeName, e.Cause)
}

// Unwrap returns the cause.
func (e *MalformedRewriteError) Unwrap() error { return e.Cause }

// guard runs the rewrite of a match, converting panics to a MalformedRewriteError.
func guard(rule Rule, node *graph.Node, rewrite func()) error {
	err := exceptions.TryCatch[error](rewrite)
	if err != nil {
		return &MalformedRewriteError{Rule: rule.Name(), NodeName: node.Name, Cause: err}
	}
	return nil
}

// mustReplaceInput is graph.ReplaceInput, panicking on errors. Only to be used inside guard.
func mustReplaceInput(g *graph.Graph, consumer graph.NodeID, idx int, src graph.Output) {
	if err := g.ReplaceInput(consumer, idx, src); err != nil {
		panic(err)
	}
}

// RuleResult is the Result of one rule of a Pipeline.
type RuleResult struct {
	Rule string
	Result
}

// Pipeline is an ordered list of rules.
type Pipeline struct {
	rules []Rule
}

// NewPipeline creates a Pipeline that runs the rules in the given order.
func NewPipeline(rules ...Rule) *Pipeline {
	return &Pipeline{rules: append([]Rule(nil), rules...)}
}

// DefaultPipeline extracts MatMul weight transposes, moves convolution strides, and folds the marked
// constant subgraphs with the evaluator (fold.NewNative() if nil). Subgraphs holding a FakeQuantize are
// not folded.
func DefaultPipeline(evaluator fold.Evaluator) *Pipeline {
	return NewPipeline(
		&MatMulConstTransposesExtraction{MinRank: DefaultMinRank},
		&ConvStridesOpt{},
		&ConstantFolding{Evaluator: evaluator, PreserveFakeQuantize: true},
	)
}

// Append rules to the end of the pipeline. It returns the pipeline itself.
func (p *Pipeline) Append(rules ...Rule) *Pipeline {
	p.rules = append(p.rules, rules...)
	return p
}

// Rules returns the rules in order.
func (p *Pipeline) Rules() []Rule {
	return append([]Rule(nil), p.rules...)
}

// Run applies each rule once, in order, and returns their results.
// It stops at the first rule that fails, returning the results so far.
func (p *Pipeline) Run(g *graph.Graph) ([]RuleResult, error) {
	results := make([]RuleResult, 0, len(p.rules))
	for _, rule := range p.rules {
		result, err := rule.Apply(g)
		if err != nil {
			return results, errors.WithMessagef(err, "rule %s on graph %q", rule.Name(), g.Name)
		}
		results = append(results, RuleResult{Rule: rule.Name(), Result: result})
		if klog.V(1).Enabled() {
			klog.Infof("graph %s (%q): %s matched %d, rewrote %d",
				g.ID(), g.Name, rule.Name(), result.Matched, result.Rewritten)
		}
	}
	return results, nil
}
