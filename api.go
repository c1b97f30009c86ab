// Package wrongpath explores the bounded wrong-path behavior of a
// program: every conditional branch forks both futures, branch
// conditions are deferred in a per-path queue instead of being
// asserted, and a condition only becomes a real constraint once it
// has aged past the reorder window. Paths whose committed conditions
// turn unsatisfiable are the wrong paths, kept around exactly long
// enough to observe the side effects a real pipeline would leak.
package wrongpath

import (
	"context"

	"wrongpath/expr"
)

// Run explores prog from entry until every path halts, dies, or a
// limit trips. When no options are given, DefaultOptions apply; a nil
// solver gets a fresh syntactic constraint system.
//
// The report is returned even when exploration stops early, so
// partial results stay inspectable.
func Run(ctx context.Context, prog Program, entry uint64, solver expr.Solver, opts ...Options) (*Report, error) {
	opt := DefaultOptions()
	if len(opts) > 0 {
		opt = opts[0]
	}
	if err := opt.Validate(); err != nil {
		return nil, err
	}
	if solver == nil {
		solver = expr.NewSystem()
	}

	logger := loggerFor(opt, nil)
	engine := NewEngine(opt, logger)
	mgr := NewManager(prog, engine, nil, opt, logger)
	if err := mgr.AddState(NewRootState(entry, solver, opt)); err != nil {
		return mgr.Report(), err
	}

	var err error
	if opt.Workers > 1 {
		err = mgr.RunParallel(ctx, opt.Workers)
	} else {
		err = mgr.Run(ctx)
	}
	return mgr.Report(), err
}
