// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retry wraps one logical request with a bounded number of attempts,
// a per-attempt deadline and a fixed pause between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// POLICY
// =============================================================================

const (
	// DefaultMaxAttempts is the attempt bound used when a policy sets none.
	DefaultMaxAttempts = 3

	// DefaultBackoff is the fixed pause between attempts.
	DefaultBackoff = 2 * time.Second

	// ChatTimeout bounds one chat attempt.
	ChatTimeout = 60 * time.Second

	// ImageTimeout bounds one image generation attempt.
	ImageTimeout = 180 * time.Second
)

// Policy configures Do.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Backoff is the fixed delay between attempts. It does not grow.
	Backoff time.Duration

	// Timeout bounds each attempt. Zero means the attempt inherits only the
	// parent context deadline.
	Timeout time.Duration

	// OnAttempt, if set, is called after every failed attempt.
	OnAttempt func(attempt int, err error)
}

// Chat returns the policy for chat requests.
func Chat() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Backoff: DefaultBackoff, Timeout: ChatTimeout}
}

// Image returns the policy for image generation requests.
func Image() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Backoff: DefaultBackoff, Timeout: ImageTimeout}
}

// =============================================================================
// ERRORS
// =============================================================================

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do stops at the first permanent
// error. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Error is the single terminal failure returned by Do.
type Error struct {
	// Attempts is the number of attempts made.
	Attempts int

	// Timeout is true when the last attempt failed on its deadline.
	Timeout bool

	// Err is the last attempt's error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Timeout {
		return fmt.Sprintf("request timed out after %d attempt(s): %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("request failed after %d attempt(s): %v", e.Attempts, e.Err)
}

// Unwrap returns the last attempt's error.
func (e *Error) Unwrap() error {
	return e.Err
}

// UserMessage returns a human-readable message suitable for display.
func (e *Error) UserMessage() string {
	if e.Timeout {
		return "The request timed out. The service may be busy, please try again."
	}
	var p *permanentError
	if errors.As(e.Err, &p) {
		return p.err.Error()
	}
	return fmt.Sprintf("The request failed after %d attempt(s): %v", e.Attempts, e.Err)
}

// =============================================================================
// DO
// =============================================================================

// Do runs op until it succeeds, returns a permanent error, the parent context
// ends or the attempts are exhausted. Each attempt runs under its own
// deadline; hitting it counts as a failed, retryable attempt. Every failure
// path returns exactly one *Error.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var lastErr error
	timedOut := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 && p.Backoff > 0 {
			timer := time.NewTimer(p.Backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return &Error{Attempts: attempt - 1, Timeout: timedOut, Err: ctx.Err()}
			case <-timer.C:
			}
		}

		deadlineHit, err := runAttempt(ctx, p.Timeout, op)
		if err == nil {
			return nil
		}

		lastErr = err
		timedOut = deadlineHit
		if p.OnAttempt != nil {
			p.OnAttempt(attempt, err)
		}

		if IsPermanent(err) {
			return &Error{Attempts: attempt, Err: err}
		}
		if ctx.Err() != nil {
			return &Error{Attempts: attempt, Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded), Err: err}
		}
	}

	return &Error{Attempts: maxAttempts, Timeout: timedOut, Err: lastErr}
}

// runAttempt runs op under the per-attempt deadline and reports whether that
// deadline (not the parent's) ended it.
func runAttempt(parent context.Context, timeout time.Duration, op func(ctx context.Context) error) (bool, error) {
	ctx := parent
	cancel := func() {}
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	}
	defer cancel()

	err := op(ctx)
	if err == nil {
		return false, nil
	}

	deadlineHit := parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded)
	if deadlineHit && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return deadlineHit, err
}
