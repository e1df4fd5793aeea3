// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package health polls an HTTP endpoint until it answers 2xx or attempts run out.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/noldarim/launchpad/internal/logger"
	"github.com/rs/zerolog"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetHealthLogger()
		log = &l
	})
	return log
}

// Options bound a probe.
type Options struct {
	Timeout     time.Duration // per attempt
	MaxAttempts int
	Delay       time.Duration // between attempts
}

// Result is the outcome of a probe. Probe never returns an error; a failed
// probe is reported here with the last observed reason.
type Result struct {
	OK       bool
	Message  string
	Attempts int
	Status   int
}

// Prober performs bounded HTTP GET polling.
type Prober struct {
	client *http.Client
}

// NewProber creates a Prober. A nil client uses a default one without a
// global timeout; each attempt carries its own deadline.
func NewProber(client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	return &Prober{client: client}
}

// statusError is a non-2xx response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.code)
}

// Probe GETs url until a 2xx response or opts.MaxAttempts attempts were made,
// waiting opts.Delay between attempts. onAttempt, if set, receives a line per
// failed attempt.
func (p *Prober) Probe(ctx context.Context, url string, opts Options, onAttempt func(string)) Result {
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempt := 0
	status, err := backoff.Retry(ctx, func() (int, error) {
		attempt++
		code, err := p.once(ctx, url, opts.Timeout)
		if err != nil && onAttempt != nil {
			onAttempt(fmt.Sprintf("Attempt %d/%d failed: %v", attempt, maxAttempts, err))
		}
		return code, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(opts.Delay)),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)

	if err != nil {
		getLog().Debug().Str("url", url).Int("attempts", attempt).Err(err).Msg("Health probe exhausted")
		return Result{
			OK:       false,
			Message:  fmt.Sprintf("Failed after %d attempts. Last error: %v", attempt, err),
			Attempts: attempt,
		}
	}

	return Result{
		OK:       true,
		Message:  fmt.Sprintf("Success on attempt %d/%d (status %d)", attempt, maxAttempts, status),
		Attempts: attempt,
		Status:   status,
	}
}

func (p *Prober) once(ctx context.Context, url string, timeout time.Duration) (int, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		// A malformed URL will not get better by retrying.
		return 0, backoff.Permanent(err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return 0, backoff.Permanent(ctx.Err())
		}
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &statusError{code: resp.StatusCode}
	}
	return resp.StatusCode, nil
}
