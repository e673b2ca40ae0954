// Package ctxerr annotates errors with a stack trace and context, and reports
// them once they reach the top of the call stack.
//
// Call New or Wrap as close as possible to where the error happens, wrap it
// again on the way up if more context helps, and call Handle exactly once
// where the error is finally dealt with (the HTTP error encoder, a cron job,
// a CLI command).
package ctxerr

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
	"github.com/rotisserie/eris"
)

// New creates a new error with the provided error message.
func New(ctx context.Context, errMsg string) error {
	return ensureCommonMetadata(ctx, errors.New(errMsg))
}

// Errorf creates a new error with the formatted message.
func Errorf(ctx context.Context, fmsg string, args ...interface{}) error {
	return ensureCommonMetadata(ctx, errors.Errorf(fmsg, args...))
}

// Wrap annotates err with the provided message.
func Wrap(ctx context.Context, err error, msg string) error {
	if err == nil {
		return nil
	}
	err = ensureCommonMetadata(ctx, err)
	// do not wrap with eris.Wrap, as we want only the root error closest to the
	// actual error condition to capture the stack trace, others just wrap using
	// pkg/errors.
	return errors.Wrap(err, msg)
}

// Wrapf annotates err with the provided formatted message.
func Wrapf(ctx context.Context, err error, fmsg string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	err = ensureCommonMetadata(ctx, err)
	return errors.Wrapf(err, fmsg, args...)
}

// Cause returns the root error in err's chain.
func Cause(err error) error {
	for {
		uerr := errors.Unwrap(err)
		if uerr == nil {
			return err
		}
		err = uerr
	}
}

// Handle handles err by reporting it to Sentry, if a Sentry client is
// configured either on the context's hub or globally. It returns err so it
// can be used inline.
func Handle(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	if hub.Client() != nil {
		hub.CaptureException(err)
	}
	return err
}

func ensureCommonMetadata(ctx context.Context, err error) error {
	var sf interface{ StackFrames() []uintptr }
	if err != nil && !errors.As(err, &sf) {
		// no eris error nowhere in the chain, add the common metadata with the stack trace
		err = eris.Wrapf(err, "timestamp: %s", time.Now().Format(time.RFC3339))
	}
	return err
}
