package storage

import (
	"context"
	"errors"

	"roundabout.dev/analytics/model"
)

// Sink receives everything derived from a cycle.
type Sink interface {
	// Commits the output of one cycle. Records already present
	// (same ID) are left untouched, while rollups replace any
	// previous snapshot of the same bucket. Writing the same
	// output twice is harmless.
	WriteCycle(ctx context.Context, out *model.CycleOutput) error

	Close() error
}

// MultiSink fans a cycle out to several sinks, in order. A failing
// sink does not prevent the others from being written; since writes
// are idempotent the whole cycle can be retried.
type MultiSink []Sink

func (m MultiSink) WriteCycle(ctx context.Context, out *model.CycleOutput) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteCycle(ctx, out); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
