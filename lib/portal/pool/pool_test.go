package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"testing/quick"
	"time"

	"gymops-backend/lib/portal"
	"gymops-backend/lib/portal/portaltest"
	"gymops-backend/lib/telemetry"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id       int
	holders  atomic.Int32
	closed   atomic.Bool
	closeErr error
}

func (f *fakeSession) Close(ctx context.Context) error {
	f.closed.Store(true)
	return f.closeErr
}

func fakeFactory() (Factory[*fakeSession], *[]*fakeSession) {
	var mu sync.Mutex
	var made []*fakeSession
	return func(ctx context.Context) (*fakeSession, error) {
		mu.Lock()
		defer mu.Unlock()
		s := &fakeSession{id: len(made)}
		made = append(made, s)
		return s, nil
	}, &made
}

func newFakePool(t *testing.T, n int) (*Pool[*fakeSession], []*fakeSession) {
	t.Helper()
	factory, made := fakeFactory()
	p, err := New(context.Background(), factory, n)
	require.NoError(t, err)
	return p, *made
}

func TestCheckoutNeverSharesASession(t *testing.T) {
	property := func(size, workers, rounds uint8) bool {
		factory, _ := fakeFactory()
		p, err := New(context.Background(), factory, 1+int(size%4))
		if err != nil {
			return false
		}

		var violated atomic.Bool
		var wg sync.WaitGroup
		for w := 0; w < 1+int(workers%8); w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for r := 0; r < 1+int(rounds%10); r++ {
					lease, err := p.Checkout(context.Background())
					if err != nil {
						violated.Store(true)
						return
					}
					s := lease.Client()
					if s.holders.Add(1) != 1 {
						violated.Store(true)
					}
					runtime.Gosched()
					s.holders.Add(-1)
					if lease.Release() != nil {
						violated.Store(true)
					}
				}
			}()
		}
		wg.Wait()
		return !violated.Load()
	}
	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 50}))
}

func TestDoubleRelease(t *testing.T) {
	p, _ := newFakePool(t, 1)

	lease, err := p.Checkout(context.Background())
	require.NoError(t, err)
	require.NoError(t, lease.Release())
	require.ErrorIs(t, lease.Release(), ErrAlreadyReleased)

	// the second release must not have put the slot back twice
	first, err := p.Checkout(context.Background())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Checkout(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, first.Release())
}

func TestCheckoutWaitsForRelease(t *testing.T) {
	p, _ := newFakePool(t, 1)
	lease, err := p.Checkout(context.Background())
	require.NoError(t, err)

	got := make(chan *Lease[*fakeSession])
	go func() {
		next, err := p.Checkout(context.Background())
		if err != nil {
			close(got)
			return
		}
		got <- next
	}()

	select {
	case <-got:
		t.Fatal("checkout returned while the only session was leased")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, lease.Release())
	next := <-got
	require.NotNil(t, next)
	require.NotEqual(t, lease.ID(), next.ID())
	require.Same(t, lease.Client(), next.Client())
}

func TestNewRejectsEmptyPool(t *testing.T) {
	factory, _ := fakeFactory()
	_, err := New(context.Background(), factory, 0)
	require.Error(t, err)
}

func TestNewClosesSessionsOnFailure(t *testing.T) {
	var mu sync.Mutex
	var made []*fakeSession
	factory := func(ctx context.Context) (*fakeSession, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(made) == 2 {
			return nil, errors.New("login failed")
		}
		s := &fakeSession{id: len(made), closeErr: errors.New("logout failed")}
		made = append(made, s)
		return s, nil
	}

	_, err := New(context.Background(), factory, 3)
	require.ErrorContains(t, err, "login failed")
	require.NotContains(t, err.Error(), "logout failed")
	require.Len(t, made, 2)
	for _, s := range made {
		require.True(t, s.closed.Load())
	}
}

func TestClose(t *testing.T) {
	p, sessions := newFakePool(t, 2)
	require.NoError(t, p.Close(context.Background()))
	for _, s := range sessions {
		require.True(t, s.closed.Load())
	}
	_, err := p.Checkout(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, p.Close(context.Background()))
}

func TestCloseWhileCheckoutWaits(t *testing.T) {
	p, _ := newFakePool(t, 1)
	lease, err := p.Checkout(context.Background())
	require.NoError(t, err)

	done := make(chan error)
	go func() {
		_, err := p.Checkout(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, lease.Release())
	require.ErrorIs(t, <-done, ErrClosed)
	require.Len(t, p.free, 1, "a slot taken by a refused checkout must go back")
}

func members(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "m" + strconv.Itoa(i+1)
	}
	return out
}

func TestRunBatch(t *testing.T) {
	p, _ := newFakePool(t, 3)

	var mu sync.Mutex
	handled := map[int][]string{}
	report := p.RunBatch(context.Background(), members(10), func(ctx context.Context, s *fakeSession, member string) error {
		if s.holders.Add(1) != 1 {
			return fmt.Errorf("session %d shared", s.id)
		}
		defer s.holders.Add(-1)

		mu.Lock()
		handled[s.id] = append(handled[s.id], member)
		mu.Unlock()
		if member == "m4" {
			return errors.New("agreement fetch failed")
		}
		return nil
	})

	require.Equal(t, []string{"m1", "m2", "m3", "m5", "m6", "m7", "m8", "m9", "m10"}, report.Processed)
	require.Len(t, report.Failed, 1)
	require.Equal(t, "m4", report.Failed[0].MemberID)
	require.ErrorContains(t, report.Failed[0].Err, "agreement fetch failed")
	require.Empty(t, report.Skipped)
	require.Equal(t, 10, report.Total())

	shares := map[string]bool{
		"[m1 m4 m7 m10]": true,
		"[m2 m5 m8]":     true,
		"[m3 m6 m9]":     true,
	}
	for id, got := range handled {
		require.True(t, shares[fmt.Sprint(got)], "session %d handled %v", id, got)
	}
}

func TestRunBatchStopsBetweenMembers(t *testing.T) {
	p, _ := newFakePool(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	report := p.RunBatch(ctx, members(5), func(work context.Context, s *fakeSession, member string) error {
		if member == "m2" {
			cancel()
			// the member being processed still runs to completion
			if work.Err() != nil {
				return work.Err()
			}
		}
		return nil
	})

	diff := cmp.Diff(Report{
		Processed: []string{"m1", "m2"},
		Skipped:   []string{"m3", "m4", "m5"},
	}, report)
	require.Empty(t, diff)
}

func TestRunBatchEmpty(t *testing.T) {
	p, _ := newFakePool(t, 2)
	report := p.RunBatch(context.Background(), nil, func(ctx context.Context, s *fakeSession, member string) error {
		t.Fatal("no members to process")
		return nil
	})
	require.Zero(t, report.Total())
}

func TestRunBatchWithPortalClients(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:portal/pool")
	defer cleanup()

	srv := portaltest.New()
	defer srv.Close()

	ids := []string{"5001", "5002", "5003", "5004", "5005"}
	for i, id := range ids {
		srv.AddAgreement(portaltest.Agreement{ID: 900 + i, Name: "Monthly", MemberID: id})
	}

	cfg := portal.Config{
		BaseURL:           srv.URL,
		Timezone:          "UTC",
		TimeoutSeconds:    5,
		RequestsPerSecond: -1,
		Retry:             portal.RetryConfig{InitialIntervalMs: 1, MaxAttempts: 2},
	}
	creds := portal.Credentials{Username: srv.Username, Password: srv.Password}
	p, err := New(context.Background(), func(ctx context.Context) (*portal.Client, error) {
		return portal.New(ctx, cfg, creds)
	}, 2)
	require.NoError(t, err)
	require.Equal(t, 2, srv.LoggedIn())

	var mu sync.Mutex
	fetched := map[string]string{}
	report := p.RunBatch(context.Background(), ids, func(ctx context.Context, client *portal.Client, member string) error {
		agreement, err := client.FetchAgreement(ctx, member)
		if err != nil {
			return err
		}
		mu.Lock()
		fetched[member] = agreement.MemberID
		mu.Unlock()
		return nil
	})
	require.Equal(t, ids, report.Processed)
	require.Empty(t, report.Failed)
	for _, id := range ids {
		require.Equal(t, id, fetched[id])
	}
	for _, r := range srv.Requests() {
		if r.Path == "/api/agreements/package_agreements/list" {
			require.NotEmpty(t, r.Delegated)
		}
	}

	require.NoError(t, p.Close(context.Background()))
	require.Equal(t, 0, srv.LoggedIn())
}
