// Package retry decides what happens after a classified failure: relogin
// once on session expiry, back off on server and network errors, and walk
// through endpoint variants when a mutation cannot be confirmed.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gymops-backend/lib/portal/classify"
	"gymops-backend/lib/portal/model"
	"gymops-backend/lib/telemetry"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var tracer = telemetry.Tracer("gymops.lib.portal.retry")
var meter = telemetry.Meter("gymops.lib.portal.retry")
var fallbackCounter, _ = meter.Int64Counter("portal.variant_fallbacks")
var retryCounter, _ = meter.Int64Counter("portal.retries")

type Backoff struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	// MaxAttempts counts the first try.
	MaxAttempts int
	// Jitter randomizes intervals by +/- 50%.
	Jitter bool
}

func DefaultBackoff() Backoff {
	return Backoff{
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxInterval:     30 * time.Second,
		MaxAttempts:     5,
	}
}

func (b Backoff) withDefaults() Backoff {
	defaults := DefaultBackoff()
	if b.InitialInterval <= 0 {
		b.InitialInterval = defaults.InitialInterval
	}
	if b.Multiplier < 1 {
		b.Multiplier = defaults.Multiplier
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = defaults.MaxInterval
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = defaults.MaxAttempts
	}
	return b
}

// ReauthFunc replaces an expired session with a fresh one and restores the
// delegation that was active on it.
type ReauthFunc func(ctx context.Context) error

type Policy struct {
	Backoff Backoff
	Reauth  ReauthFunc
	// Sleep waits between attempts, nil means a timer bound to ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(b Backoff, reauth ReauthFunc) *Policy {
	return &Policy{Backoff: b.withDefaults(), Reauth: reauth}
}

func (p *Policy) newBackOff(ctx context.Context) backoff.BackOff {
	settings := p.Backoff.withDefaults()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = settings.InitialInterval
	exp.Multiplier = settings.Multiplier
	exp.MaxInterval = settings.MaxInterval
	exp.MaxElapsedTime = 0
	exp.RandomizationFactor = 0
	if settings.Jitter {
		exp.RandomizationFactor = 0.5
	}
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(settings.MaxAttempts-1)), ctx)
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func sessionExpired(err error) bool {
	return errors.Is(err, model.ErrSessionExpired) ||
		errors.Is(err, &model.DelegationFailure{Kind: model.DelegationSessionExpired})
}

func transient(err error) bool {
	var serverErr *model.ServerError
	var netErr *model.NetworkError
	return errors.As(err, &serverErr) || errors.As(err, &netErr)
}

// reauthTransient covers failures of a relogin that may succeed when
// repeated: the login request never got through, or the session came back
// but delegating it again hit a server error.
func reauthTransient(err error) bool {
	return transient(err) || errors.Is(err, &model.AuthError{Kind: model.AuthNetwork})
}

// attempt tracks the retry budget of one operation.
type attempt struct {
	policy   *Policy
	op       string
	backoff  backoff.BackOff
	reauthed bool
	reauths  int
	retries  int
}

func (p *Policy) begin(ctx context.Context, op string) *attempt {
	return &attempt{policy: p, op: op, backoff: p.newBackOff(ctx)}
}

// handle reacts to err and reports whether the operation should be tried
// again. When it reports false the returned error is final.
func (a *attempt) handle(ctx context.Context, err error) (bool, error) {
	switch {
	case sessionExpired(err):
		if a.reauthed || a.policy.Reauth == nil {
			return false, err
		}
		a.reauthed = true
		a.reauths++
		slog.InfoContext(ctx, "session expired, logging in again", "operation", a.op)
		for {
			rerr := a.policy.Reauth(ctx)
			if rerr == nil {
				return true, nil
			}
			if !reauthTransient(rerr) {
				return false, rerr
			}
			if werr := a.wait(ctx, rerr); werr != nil {
				return false, werr
			}
		}
	case transient(err):
		a.reauthed = false
		if werr := a.wait(ctx, err); werr != nil {
			return false, werr
		}
		return true, nil
	}
	return false, err
}

// wait sleeps for the next backoff interval. It returns cause once the
// budget is spent.
func (a *attempt) wait(ctx context.Context, cause error) error {
	wait := a.backoff.NextBackOff()
	if wait == backoff.Stop {
		return cause
	}
	a.retries++
	retryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", a.op)))
	slog.WarnContext(ctx, "portal request failed, backing off", "operation", a.op, "wait", wait, "err", cause)
	return a.policy.sleep(ctx, wait)
}

// Do runs fn until it succeeds or fails in a way retrying cannot fix. A
// session expiry triggers one relogin; a second expiry in a row is final.
// fn must only read: a bare acknowledgement where data was expected is
// treated as a server error.
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "Do")
	defer span.End()
	span.SetAttributes(attribute.String("operation", op))

	a := p.begin(ctx, op)
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, model.ErrAmbiguousSuccess) {
			err = &model.ServerError{Reason: "bare acknowledgement instead of data"}
		}
		again, final := a.handle(ctx, err)
		if !again {
			span.RecordError(final)
			span.SetStatus(codes.Error, "operation failed")
			span.SetAttributes(attribute.Int("retries", a.retries), attribute.Int("reauths", a.reauths))
			return final
		}
	}
}

// Variant is one way of performing a mutation.
type Variant struct {
	Name    string
	Attempt func(ctx context.Context) classify.Outcome
	// Idempotent variants may be repeated after a server or network error.
	// Others are only ever resolved by reading back.
	Idempotent bool
}

// VerifyFunc reads back the state a mutation should have produced.
type VerifyFunc func(ctx context.Context) (bool, error)

// Mutate performs a state change that the portal may acknowledge without
// applying. Variants are tried in order. A response that does not carry
// proof of success (or any response, with alwaysVerify) is checked with
// verify, and only a confirmed read-back counts as success. When no variant
// can be confirmed the result is an EndpointVariantExhausted.
func (p *Policy) Mutate(ctx context.Context, op string, variants []Variant, verify VerifyFunc, alwaysVerify bool) error {
	ctx, span := tracer.Start(ctx, "Mutate")
	defer span.End()
	span.SetAttributes(attribute.String("operation", op))

	var tried []string
	for i, v := range variants {
		tried = append(tried, v.Name)
		confirmed, err := p.runVariant(ctx, op, v, verify, alwaysVerify)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "mutation failed")
			return err
		}
		if confirmed {
			span.SetAttributes(attribute.String("variant", v.Name))
			slog.DebugContext(ctx, "mutation confirmed", "operation", op, "variant", v.Name)
			return nil
		}
		if i < len(variants)-1 {
			fallbackCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
			slog.InfoContext(ctx, "mutation not confirmed, trying next variant",
				"operation", op, "variant", v.Name, "next", variants[i+1].Name)
		}
	}

	err := &model.EndpointVariantExhausted{Operation: op, Tried: tried}
	span.RecordError(err)
	span.SetStatus(codes.Error, "no variant confirmed")
	return err
}

func (p *Policy) verify(ctx context.Context, op string, verify VerifyFunc) (bool, error) {
	if verify == nil {
		return false, nil
	}
	var confirmed bool
	err := p.Do(ctx, op+":verify", func(ctx context.Context) error {
		var err error
		confirmed, err = verify(ctx)
		return err
	})
	return confirmed, err
}

func (p *Policy) runVariant(ctx context.Context, op string, v Variant, verify VerifyFunc, alwaysVerify bool) (bool, error) {
	a := p.begin(ctx, op+":"+v.Name)
	for {
		out := v.Attempt(ctx)
		switch out.Kind {
		case classify.Success:
			if !alwaysVerify {
				return true, nil
			}
			return p.verify(ctx, op, verify)
		case classify.AmbiguousSuccess:
			return p.verify(ctx, op, verify)
		case classify.ValidationError:
			if out.Status == 404 || out.Status == 405 {
				// endpoint does not exist on this deployment
				return false, nil
			}
			return false, out.Err()
		case classify.ServerError, classify.NetworkError:
			if !v.Idempotent {
				confirmed, err := p.verify(ctx, op, verify)
				if err != nil || confirmed {
					return confirmed, err
				}
				return false, out.Err()
			}
		}

		again, final := a.handle(ctx, out.Err())
		if !again {
			return false, final
		}
	}
}
