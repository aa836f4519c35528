// Package compile runs the rewrite pipeline and shape inference over graphs.
//
// Rewrite misses never stop a compilation: a graph where no rule applies compiles unchanged.
// Shape validation errors do.
package compile

import (
	"context"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphpass/fold"
	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/rewrite"
	"github.com/gomlx/graphpass/shapeinfer"
)

// Options configure a compilation. The zero value is not valid, use DefaultOptions.
type Options struct {
	pipeline    *rewrite.Pipeline
	evaluator   fold.Evaluator
	maxParallel int
}

// DefaultOptions runs rewrite.DefaultPipeline with the native evaluator, compiling up to runtime.NumCPU()
// graphs in parallel.
func DefaultOptions() *Options {
	return &Options{maxParallel: runtime.NumCPU()}
}

// WithPipeline sets the rewrite pipeline. If nil, rewrite.DefaultPipeline is used.
func (o *Options) WithPipeline(pipeline *rewrite.Pipeline) *Options {
	o.pipeline = pipeline
	return o
}

// WithEvaluator sets the evaluator used by the default pipeline to fold constants.
// It is ignored if a pipeline is set with WithPipeline.
func (o *Options) WithEvaluator(evaluator fold.Evaluator) *Options {
	o.evaluator = evaluator
	return o
}

// WithMaxParallel sets the number of graphs CompileAll compiles concurrently. Values <= 0 mean no limit.
func (o *Options) WithMaxParallel(n int) *Options {
	o.maxParallel = n
	return o
}

// Pipeline returns the rewrite pipeline a compilation will run.
func (o *Options) Pipeline() *rewrite.Pipeline {
	if o.pipeline != nil {
		return o.pipeline
	}
	return rewrite.DefaultPipeline(o.evaluator)
}

// Report of the compilation of one graph.
type Report struct {
	Graph string

	// Rules holds the results of the rules that completed, in order.
	Rules []rewrite.RuleResult

	// NodesBefore and NodesAfter are the number of live nodes before and after compilation.
	NodesBefore, NodesAfter int

	Elapsed time.Duration
}

// Rewritten returns the total number of rewrites applied.
func (r *Report) Rewritten() int {
	total := 0
	for _, rule := range r.Rules {
		total += rule.Rewritten
	}
	return total
}

// Compile rewrites g in place with the pipeline, and then infers the shapes of all its nodes.
// The report is returned also on errors, with the results of the rules that completed.
func Compile(g *graph.Graph, opts *Options) (*Report, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	start := time.Now()
	report := &Report{Graph: g.Name, NodesBefore: g.Len()}
	rules, err := opts.Pipeline().Run(g)
	report.Rules = rules
	if err != nil {
		return report, errors.WithMessagef(err, "compiling graph %q", g.Name)
	}
	if err := shapeinfer.InferGraph(g); err != nil {
		return report, errors.WithMessagef(err, "compiling graph %q", g.Name)
	}
	report.NodesAfter = g.Len()
	report.Elapsed = time.Since(start)
	if klog.V(1).Enabled() {
		klog.Infof("compiled graph %s (%q): %d rewrites, %d -> %d nodes in %s",
			g.ID(), g.Name, report.Rewritten(), report.NodesBefore, report.NodesAfter, report.Elapsed)
	}
	return report, nil
}

// CompileAll compiles independent graphs concurrently. Every graph is compiled even if others fail,
// unless ctx is cancelled first. It returns the reports in the order of graphs (nil for graphs not
// compiled because of cancellation) and the first error.
func CompileAll(ctx context.Context, graphs []*graph.Graph, opts *Options) ([]*Report, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	reports := make([]*Report, len(graphs))
	var eg errgroup.Group
	if opts.maxParallel > 0 {
		eg.SetLimit(opts.maxParallel)
	}
	for i, g := range graphs {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return errors.Wrapf(err, "graph %q not compiled", g.Name)
			}
			report, err := Compile(g, opts)
			reports[i] = report
			return err
		})
	}
	err := eg.Wait()
	return reports, err
}
