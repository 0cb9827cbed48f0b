package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"gymops-backend/lib/portal/classify"
	"gymops-backend/lib/portal/model"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	waits   []time.Duration
	reauths int
}

func newPolicy(r *recorder, reauthErr error) *Policy {
	p := New(Backoff{
		InitialInterval: 10 * time.Millisecond,
		Multiplier:      2,
		MaxInterval:     time.Second,
		MaxAttempts:     5,
	}, func(ctx context.Context) error {
		r.reauths++
		return reauthErr
	})
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		r.waits = append(r.waits, d)
		return nil
	}
	return p
}

// script returns the errors in order, then nil forever.
func script(errs ...error) (func(ctx context.Context) error, *int) {
	calls := 0
	return func(ctx context.Context) error {
		calls++
		if calls <= len(errs) {
			return errs[calls-1]
		}
		return nil
	}, &calls
}

func TestDo(t *testing.T) {
	serverErr := &model.ServerError{Status: 503, Reason: "busy"}
	netErr := &model.NetworkError{Err: errors.New("connection reset")}
	validation := &model.ValidationError{Message: "bad member"}
	auth := &model.AuthError{Kind: model.InvalidCredentials}

	cases := []struct {
		name      string
		errs      []error
		reauthErr error
		expectErr error
		calls     int
		reauths   int
		waits     []time.Duration
	}{
		{
			name:  "first try",
			calls: 1,
		},
		{
			name:  "backs off on server errors",
			errs:  []error{serverErr, netErr},
			calls: 3,
			waits: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
		},
		{
			name:      "gives up after max attempts",
			errs:      []error{serverErr, serverErr, serverErr, serverErr, serverErr, serverErr},
			expectErr: serverErr,
			calls:     5,
			waits:     []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond},
		},
		{
			name:    "relogs in once on expiry",
			errs:    []error{model.ErrSessionExpired},
			calls:   2,
			reauths: 1,
		},
		{
			name:      "second expiry in a row is final",
			errs:      []error{model.ErrSessionExpired, model.ErrSessionExpired},
			expectErr: model.ErrSessionExpired,
			calls:     2,
			reauths:   1,
		},
		{
			name:    "expiry streak resets after another error",
			errs:    []error{model.ErrSessionExpired, serverErr, model.ErrSessionExpired},
			calls:   4,
			reauths: 2,
			waits:   []time.Duration{10 * time.Millisecond},
		},
		{
			name:    "expired delegation relogs in",
			errs:    []error{&model.DelegationFailure{Kind: model.DelegationSessionExpired, MemberID: "1"}},
			calls:   2,
			reauths: 1,
		},
		{
			name:      "permanent errors are not retried",
			errs:      []error{validation},
			expectErr: validation,
			calls:     1,
		},
		{
			name:      "rejected delegation is not retried",
			errs:      []error{&model.DelegationFailure{Kind: model.DelegationRemoteRejected, MemberID: "1"}},
			expectErr: &model.DelegationFailure{Kind: model.DelegationRemoteRejected},
			calls:     1,
		},
		{
			name:      "failed relogin surfaces",
			errs:      []error{model.ErrSessionExpired},
			reauthErr: auth,
			expectErr: auth,
			calls:     1,
			reauths:   1,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := &recorder{}
			p := newPolicy(r, c.reauthErr)
			fn, calls := script(c.errs...)

			err := p.Do(context.Background(), "test", fn)
			if c.expectErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, c.expectErr)
			}
			require.Equal(t, c.calls, *calls)
			require.Equal(t, c.reauths, r.reauths)
			require.Equal(t, c.waits, r.waits)
		})
	}
}

func TestDoBareAcknowledgementOnRead(t *testing.T) {
	r := &recorder{}
	p := newPolicy(r, nil)

	fn, calls := script(model.ErrAmbiguousSuccess)
	require.NoError(t, p.Do(context.Background(), "test", fn))
	require.Equal(t, 2, *calls)
	require.Equal(t, []time.Duration{10 * time.Millisecond}, r.waits)

	err := p.Do(context.Background(), "test", func(ctx context.Context) error {
		_, err := classify.Decode[[]int](classify.Classify(classify.Raw{
			Status:      200,
			ContentType: "application/json",
			Body:        []byte("null"),
		}, classify.Shape{Kind: classify.JSON}))
		return err
	})
	var serverErr *model.ServerError
	require.ErrorAs(t, err, &serverErr)
	require.NotErrorIs(t, err, model.ErrAmbiguousSuccess)
	require.True(t, model.IsRetryable(err))
}

func TestDoRetriesTransientReauth(t *testing.T) {
	cases := []struct {
		name      string
		reauth    []error
		expectErr error
		reauths   int
		waits     int
	}{
		{
			name:    "delegation hit a server error",
			reauth:  []error{&model.ServerError{Status: 502}},
			reauths: 2,
			waits:   1,
		},
		{
			name:    "login request did not get through",
			reauth:  []error{&model.AuthError{Kind: model.AuthNetwork}, &model.NetworkError{Err: errors.New("reset")}},
			reauths: 3,
			waits:   2,
		},
		{
			name:      "rotated password is final",
			reauth:    []error{&model.ServerError{Status: 502}, &model.AuthError{Kind: model.InvalidCredentials}},
			expectErr: &model.AuthError{Kind: model.InvalidCredentials},
			reauths:   2,
			waits:     1,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			reauths := 0
			var waits []time.Duration
			p := New(Backoff{InitialInterval: time.Millisecond, MaxAttempts: 5}, func(ctx context.Context) error {
				reauths++
				if reauths <= len(c.reauth) {
					return c.reauth[reauths-1]
				}
				return nil
			})
			p.Sleep = func(ctx context.Context, d time.Duration) error {
				waits = append(waits, d)
				return nil
			}

			fn, _ := script(model.ErrSessionExpired)
			err := p.Do(context.Background(), "test", fn)
			if c.expectErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, c.expectErr)
			}
			require.Equal(t, c.reauths, reauths)
			require.Len(t, waits, c.waits)
		})
	}
}

func TestDoWithoutReauth(t *testing.T) {
	p := New(Backoff{}, nil)
	fn, calls := script(model.ErrSessionExpired)
	err := p.Do(context.Background(), "test", fn)
	require.ErrorIs(t, err, model.ErrSessionExpired)
	require.Equal(t, 1, *calls)
}

func TestDoHonoursContext(t *testing.T) {
	p := New(Backoff{InitialInterval: time.Hour, MaxAttempts: 3}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.Do(ctx, "test", func(ctx context.Context) error {
		return &model.ServerError{Status: 502}
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Minute)
}

func outcomes(kinds ...classify.Outcome) (func(ctx context.Context) classify.Outcome, *int) {
	calls := 0
	return func(ctx context.Context) classify.Outcome {
		calls++
		if calls <= len(kinds) {
			return kinds[calls-1]
		}
		return kinds[len(kinds)-1]
	}, &calls
}

var (
	ok        = classify.Outcome{Kind: classify.Success}
	ambiguous = classify.Outcome{Kind: classify.AmbiguousSuccess, Message: "OK"}
	notFound  = classify.Outcome{Kind: classify.ValidationError, Status: 404, Message: "status 404"}
	rejected  = classify.Outcome{Kind: classify.ValidationError, Status: 200, Message: "something isn't right"}
	expired   = classify.Outcome{Kind: classify.SessionExpired}
	busy      = classify.Outcome{Kind: classify.ServerError, Status: 503}
)

func TestMutateFallsBackUntilConfirmed(t *testing.T) {
	r := &recorder{}
	p := newPolicy(r, nil)

	applied := false
	first, firstCalls := outcomes(ambiguous)
	second, secondCalls := outcomes(ambiguous)
	third, thirdCalls := outcomes(ambiguous)
	thirdApplies := func(ctx context.Context) classify.Outcome {
		applied = true
		return third(ctx)
	}
	verifies := 0
	verify := func(ctx context.Context) (bool, error) {
		verifies++
		return applied, nil
	}

	err := p.Mutate(context.Background(), "delete", []Variant{
		{Name: "a", Attempt: first, Idempotent: true},
		{Name: "b", Attempt: second, Idempotent: true},
		{Name: "c", Attempt: thirdApplies, Idempotent: true},
		{Name: "d", Attempt: func(ctx context.Context) classify.Outcome {
			t.Fatal("variant after the confirmed one must not run")
			return ok
		}},
	}, verify, true)
	require.NoError(t, err)
	require.Equal(t, 1, *firstCalls)
	require.Equal(t, 1, *secondCalls)
	require.Equal(t, 1, *thirdCalls)
	require.Equal(t, 3, verifies)
}

func TestMutateExhausted(t *testing.T) {
	p := newPolicy(&recorder{}, nil)
	a, _ := outcomes(ambiguous)
	b, _ := outcomes(notFound)

	verifies := 0
	err := p.Mutate(context.Background(), "delete", []Variant{
		{Name: "a", Attempt: a, Idempotent: true},
		{Name: "b", Attempt: b, Idempotent: true},
	}, func(ctx context.Context) (bool, error) {
		verifies++
		return false, nil
	}, true)

	var exhausted *model.EndpointVariantExhausted
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, "delete", exhausted.Operation)
	require.Equal(t, []string{"a", "b"}, exhausted.Tried)
	require.Equal(t, 1, verifies, "a missing endpoint needs no read-back")
	require.True(t, model.IsPermanent(err))
}

func TestMutateSuccessWithoutVerification(t *testing.T) {
	p := newPolicy(&recorder{}, nil)
	a, calls := outcomes(ok)
	err := p.Mutate(context.Background(), "send", []Variant{{Name: "a", Attempt: a}}, func(ctx context.Context) (bool, error) {
		t.Fatal("a marked success must not be read back")
		return false, nil
	}, false)
	require.NoError(t, err)
	require.Equal(t, 1, *calls)
}

func TestMutateAlwaysVerify(t *testing.T) {
	p := newPolicy(&recorder{}, nil)
	a, _ := outcomes(ok)
	err := p.Mutate(context.Background(), "delete", []Variant{{Name: "a", Attempt: a, Idempotent: true}}, func(ctx context.Context) (bool, error) {
		return false, nil
	}, true)
	var exhausted *model.EndpointVariantExhausted
	require.ErrorAs(t, err, &exhausted)
}

func TestMutateValidationErrorSurfaces(t *testing.T) {
	p := newPolicy(&recorder{}, nil)
	a, _ := outcomes(rejected)
	b, bCalls := outcomes(ok)
	err := p.Mutate(context.Background(), "send", []Variant{
		{Name: "a", Attempt: a},
		{Name: "b", Attempt: b},
	}, nil, false)

	var validation *model.ValidationError
	require.ErrorAs(t, err, &validation)
	require.Equal(t, 0, *bCalls)
}

func TestMutateRelogsInAndRepeatsVariant(t *testing.T) {
	r := &recorder{}
	p := newPolicy(r, nil)
	a, calls := outcomes(expired, ok)

	err := p.Mutate(context.Background(), "send", []Variant{{Name: "a", Attempt: a}}, nil, false)
	require.NoError(t, err)
	require.Equal(t, 2, *calls)
	require.Equal(t, 1, r.reauths)
}

func TestMutateNonIdempotentNeverRepeats(t *testing.T) {
	cases := []struct {
		name      string
		delivered bool
	}{
		{name: "delivered despite error", delivered: true},
		{name: "not delivered"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := &recorder{}
			p := newPolicy(r, nil)
			a, calls := outcomes(busy)

			err := p.Mutate(context.Background(), "send", []Variant{{Name: "a", Attempt: a}}, func(ctx context.Context) (bool, error) {
				return c.delivered, nil
			}, false)
			require.Equal(t, 1, *calls)
			require.Empty(t, r.waits)
			if c.delivered {
				require.NoError(t, err)
				return
			}
			var server *model.ServerError
			require.ErrorAs(t, err, &server)
		})
	}
}

func TestMutateIdempotentBacksOff(t *testing.T) {
	r := &recorder{}
	p := newPolicy(r, nil)
	a, calls := outcomes(busy, busy, ambiguous)

	err := p.Mutate(context.Background(), "delete", []Variant{{Name: "a", Attempt: a, Idempotent: true}}, func(ctx context.Context) (bool, error) {
		return true, nil
	}, true)
	require.NoError(t, err)
	require.Equal(t, 3, *calls)
	require.Len(t, r.waits, 2)
}
