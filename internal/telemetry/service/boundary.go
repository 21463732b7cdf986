package service

import (
	"context"

	"github.com/cockroachdb/errors"

	"cortex-telemetry/backend/internal/telemetry/domain"
)

// RecoverAndReport reports a panic in progress and re-panics with the same value. It must be deferred directly:
//
//	defer svc.RecoverAndReport(ctx, domain.SourceCLI)
func (s *CrashReportService) RecoverAndReport(ctx context.Context, source domain.Source) {
	r := recover()
	if r == nil {
		return
	}
	s.CreateCrashReport(ctx, PanicError(r), source)
	panic(r)
}

// Go runs fn in a new goroutine and reports a returned error or a panic from source. The panic is not
// re-raised. The returned channel receives fn's outcome (nil on success) and is then closed.
func (s *CrashReportService) Go(ctx context.Context, source domain.Source, fn func(context.Context) error) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		err := s.run(ctx, fn)
		if err != nil {
			s.CreateCrashReport(ctx, err, source)
		}
		done <- err
	}()
	return done
}

func (s *CrashReportService) run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError(r)
		}
	}()
	return fn(ctx)
}

// ReportError reports a top-level error from source. Nil errors are ignored.
func (s *CrashReportService) ReportError(ctx context.Context, err error, source domain.Source) {
	if err == nil {
		return
	}
	s.CreateCrashReport(ctx, err, source)
}

// PanicError converts a recovered value to an error carrying the stack of the recovery point.
// Error values keep their message.
func PanicError(r any) error {
	if err, ok := r.(error); ok {
		return errors.WithStackDepth(err, 1)
	}
	return errors.NewWithDepthf(1, "%v", r)
}
