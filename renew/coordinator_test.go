package renew

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"lds.li/tribeclient/credstore"
)

func newStore(t *testing.T, refreshToken string) *credstore.Store {
	t.Helper()
	s := credstore.NewStore(&credstore.MemBackend{}, nil)
	s.Load()
	if refreshToken != "" {
		if err := s.Set(credstore.Credentials{AccessToken: "A1", RefreshToken: refreshToken, UserID: "7"}); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

// waitQueued blocks until n callers are queued on c.
func waitQueued(t *testing.T, c *Coordinator, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.queue)
		c.mu.Unlock()
		if got == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d queued callers", n)
}

// blockingRefresher blocks every call until release is closed.
type blockingRefresher struct {
	calls   atomic.Int32
	release chan struct{}
	token   string
	err     error
	gotRT   string
}

func (b *blockingRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	b.calls.Add(1)
	b.gotRT = refreshToken
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if b.err != nil {
		return nil, b.err
	}
	return &oauth2.Token{AccessToken: b.token}, nil
}

func TestRenewAtMostOne(t *testing.T) {
	store := newStore(t, "R1")
	ref := &blockingRefresher{release: make(chan struct{}), token: "A2"}
	c := &Coordinator{Store: store, Refresher: ref}

	const n = 10
	var wg sync.WaitGroup
	results := make(chan result, n)
	for range n {
		wg.Go(func() {
			tok, err := c.Renew(t.Context(), "")
			results <- result{token: tok, err: err}
		})
	}

	waitQueued(t, c, n)
	close(ref.release)
	wg.Wait()
	close(results)

	for r := range results {
		if r.err != nil {
			t.Fatalf("unexpected error: %v", r.err)
		}
		if r.token != "A2" {
			t.Errorf("want A2, got %q", r.token)
		}
	}
	if got := ref.calls.Load(); got != 1 {
		t.Errorf("want exactly 1 refresh call, got %d", got)
	}
	if ref.gotRT != "R1" {
		t.Errorf("want refresh with R1, got %q", ref.gotRT)
	}
	if got := store.Get(); got.AccessToken != "A2" || got.RefreshToken != "R1" {
		t.Errorf("want store updated to A2 keeping R1, got %+v", got)
	}
	if c.InFlight() {
		t.Error("gate not reopened")
	}
}

func TestRenewDrainsFIFO(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{name: "success"},
		{name: "failure", err: errors.New("boom")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ref := &blockingRefresher{release: make(chan struct{}), token: "A2", err: tc.err}
			c := &Coordinator{Store: newStore(t, "R1"), Refresher: ref}

			var (
				orderMu sync.Mutex
				order   []uint64
			)
			c.deliver = func(w *waiter, r result) {
				orderMu.Lock()
				order = append(order, w.seq)
				orderMu.Unlock()
				w.done <- r
			}

			const n = 5
			var wg sync.WaitGroup
			for i := range n {
				wg.Go(func() {
					_, _ = c.Renew(t.Context(), "")
				})
				// serialize arrival so the queue order is known
				waitQueued(t, c, i+1)
			}
			close(ref.release)
			wg.Wait()

			want := []uint64{1, 2, 3, 4, 5}
			if !slices.Equal(order, want) {
				t.Errorf("want drain order %v, got %v", want, order)
			}
		})
	}
}

func TestRenewFailure(t *testing.T) {
	store := newStore(t, "R1")
	refreshErr := errors.New("403 invalid refresh token")
	ref := &blockingRefresher{release: make(chan struct{}), err: refreshErr}
	close(ref.release)

	var failures atomic.Int32
	var failErr error
	c := &Coordinator{
		Store:     store,
		Refresher: ref,
		OnFailure: func(ctx context.Context, _ string, err error) {
			failures.Add(1)
			failErr = err
			store.Clear()
		},
	}

	_, err := c.Renew(t.Context(), "")
	if !errors.Is(err, ErrRenewalFailed) || !errors.Is(err, refreshErr) {
		t.Fatalf("want renewal failure wrapping refresh error, got %v", err)
	}
	if failures.Load() != 1 {
		t.Errorf("want OnFailure once, got %d", failures.Load())
	}
	if !errors.Is(failErr, refreshErr) {
		t.Errorf("OnFailure got %v", failErr)
	}
	if c.InFlight() {
		t.Error("gate not reopened")
	}

	// the next attempt short-circuits, the store was cleared
	_, err = c.Renew(t.Context(), "")
	if !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("want ErrNoRefreshToken, got %v", err)
	}
	if got := ref.calls.Load(); got != 1 {
		t.Errorf("want 1 refresh call, got %d", got)
	}
}

func TestRenewNoRefreshToken(t *testing.T) {
	ref := &blockingRefresher{release: make(chan struct{})}
	var failures atomic.Int32
	c := &Coordinator{
		Store:     newStore(t, ""),
		Refresher: ref,
		OnFailure: func(context.Context, string, error) { failures.Add(1) },
	}

	_, err := c.Renew(t.Context(), "")
	if !errors.Is(err, ErrNoRefreshToken) || !errors.Is(err, ErrRenewalFailed) {
		t.Fatalf("want ErrNoRefreshToken, got %v", err)
	}
	if ref.calls.Load() != 0 {
		t.Error("refresh endpoint called without a refresh token")
	}
	if failures.Load() != 1 {
		t.Errorf("want OnFailure once, got %d", failures.Load())
	}
}

func TestRenewTimeout(t *testing.T) {
	ref := &blockingRefresher{release: make(chan struct{})}
	var failures atomic.Int32
	c := &Coordinator{
		Store:     newStore(t, "R1"),
		Refresher: ref,
		Timeout:   20 * time.Millisecond,
		OnFailure: func(context.Context, string, error) { failures.Add(1) },
	}

	_, err := c.Renew(t.Context(), "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
	if failures.Load() != 1 {
		t.Errorf("want OnFailure once, got %d", failures.Load())
	}
	if c.InFlight() {
		t.Error("gate not reopened")
	}
}

func TestRenewPanicReopensGate(t *testing.T) {
	calls := 0
	c := &Coordinator{
		Store: newStore(t, "R1"),
		Refresher: RefresherFunc(func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
			calls++
			if calls == 1 {
				panic("refresher exploded")
			}
			return &oauth2.Token{AccessToken: "A3"}, nil
		}),
	}

	if _, err := c.Renew(t.Context(), ""); !errors.Is(err, ErrRenewalAborted) {
		t.Fatalf("want ErrRenewalAborted, got %v", err)
	}
	tok, err := c.Renew(t.Context(), "")
	if err != nil {
		t.Fatalf("gate did not reopen: %v", err)
	}
	if tok != "A3" {
		t.Errorf("want A3, got %q", tok)
	}
}

func TestRenewCallerCancellation(t *testing.T) {
	ref := &blockingRefresher{release: make(chan struct{}), token: "A2"}
	c := &Coordinator{Store: newStore(t, "R1"), Refresher: ref}

	// the first caller starts the renewal and then gives up
	ctx, cancel := context.WithCancel(t.Context())
	leaderDone := make(chan error, 1)
	go func() {
		_, err := c.Renew(ctx, "")
		leaderDone <- err
	}()
	waitQueued(t, c, 1)

	followerDone := make(chan result, 1)
	go func() {
		tok, err := c.Renew(t.Context(), "")
		followerDone <- result{token: tok, err: err}
	}()
	waitQueued(t, c, 2)

	cancel()
	if err := <-leaderDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("want canceled, got %v", err)
	}

	close(ref.release)
	r := <-followerDone
	if r.err != nil || r.token != "A2" {
		t.Fatalf("follower should still get the renewed token, got %q %v", r.token, r.err)
	}
}

func TestRenewStoreCleared(t *testing.T) {
	store := newStore(t, "R1")
	var failures atomic.Int32
	c := &Coordinator{
		Store: store,
		Refresher: RefresherFunc(func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
			// signed out while the call was in flight
			store.Clear()
			return &oauth2.Token{AccessToken: "A2"}, nil
		}),
		OnFailure: func(context.Context, string, error) { failures.Add(1) },
	}

	if _, err := c.Renew(t.Context(), ""); !errors.Is(err, credstore.ErrNoCredentials) {
		t.Fatalf("want ErrNoCredentials, got %v", err)
	}
	if store.Get() != nil {
		t.Error("renewal resurrected a cleared session")
	}
	if failures.Load() != 1 {
		t.Errorf("want OnFailure once, got %d", failures.Load())
	}
}

func TestRenewSkipsReplacedToken(t *testing.T) {
	store := newStore(t, "R1")
	ref := &blockingRefresher{release: make(chan struct{}), token: "A2"}
	close(ref.release)
	c := &Coordinator{Store: store, Refresher: ref}

	tok, err := c.Renew(t.Context(), "A0")
	if err != nil {
		t.Fatal(err)
	}
	if tok != "A1" || ref.calls.Load() != 0 {
		t.Errorf("want current token without renewing, got %q after %d calls", tok, ref.calls.Load())
	}

	tok, err = c.Renew(t.Context(), "A1")
	if err != nil {
		t.Fatal(err)
	}
	if tok != "A2" || ref.calls.Load() != 1 {
		t.Errorf("want renewed token, got %q after %d calls", tok, ref.calls.Load())
	}
}

func TestRenewSessionChanged(t *testing.T) {
	store := newStore(t, "R1")
	ref := &blockingRefresher{release: make(chan struct{}), token: "A2"}

	var failedRT []string
	c := &Coordinator{
		Store:     store,
		Refresher: ref,
		OnFailure: func(_ context.Context, refreshToken string, _ error) {
			failedRT = append(failedRT, refreshToken)
		},
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Renew(t.Context(), "")
		done <- err
	}()
	waitQueued(t, c, 1)
	for ref.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	// user 7 signs out and user 8 signs in while the renewal is in flight
	store.Clear()
	want := credstore.Credentials{AccessToken: "B1", RefreshToken: "S1", UserID: "8"}
	if err := store.Set(want); err != nil {
		t.Fatal(err)
	}
	close(ref.release)

	if err := <-done; !errors.Is(err, credstore.ErrSessionChanged) {
		t.Fatalf("want ErrSessionChanged, got %v", err)
	}
	if got := store.Get(); got == nil || *got != want {
		t.Errorf("user 8's credentials changed by user 7's renewal: %+v", got)
	}
	if !slices.Equal(failedRT, []string{"R1"}) {
		t.Errorf("want OnFailure told about R1, got %v", failedRT)
	}
}
