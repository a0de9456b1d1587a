package pdb

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/skdltmxn/pdbstream/codeview"
)

// ScanFunc receives the decoded symbols of one module, or the error that
// made them unavailable. Returning an error stops the scan.
type ScanFunc func(m *Module, syms []codeview.Symbol, err error) error

// ScanModules decodes the symbols of every module on up to workers
// goroutines (unlimited if workers <= 0) and hands each result to fn.
// fn is called concurrently. Each module is read through its own stream
// reader, so workers share nothing but the mapped file.
func (f *File) ScanModules(ctx context.Context, workers int, fn ScanFunc) error {
	modules, err := f.Modules()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}

	for _, m := range modules {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			syms, err := m.Symbols()
			return fn(m, syms, err)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
