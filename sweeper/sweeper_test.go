package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-billing/core"
	"github.com/goliatone/go-billing/lock"
	"github.com/robfig/cron/v3"
)

type stubOrderStore struct {
	core.OrderStore

	mu            sync.Mutex
	due           []core.Order
	retries       []core.Order
	staleReleased int
	staleBefore   time.Time
	released      []string
	claimTokens   []string
}

func (s *stubOrderStore) ReleaseStaleClaims(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleBefore = olderThan
	return s.staleReleased, nil
}

func (s *stubOrderStore) ClaimDueOrders(_ context.Context, _ int, token string) ([]core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimTokens = append(s.claimTokens, token)
	out := s.due
	s.due = nil
	return out, nil
}

func (s *stubOrderStore) GetDueRetries(_ context.Context, _ int, token string) ([]core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimTokens = append(s.claimTokens, token)
	out := s.retries
	s.retries = nil
	return out, nil
}

func (s *stubOrderStore) ReleaseClaim(_ context.Context, orderID string, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, orderID)
	return nil
}

type recordingDispatch struct {
	mu       sync.Mutex
	messages []core.DispatchMessage
	failFor  map[string]bool
}

func (d *recordingDispatch) EnqueueDispatch(_ context.Context, msg core.DispatchMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failFor[msg.OrderID] {
		return errors.New("queue unavailable")
	}
	d.messages = append(d.messages, msg)
	return nil
}

var sweepTime = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func newTestSweeper(t *testing.T, store core.OrderStore, dispatch core.DispatchEnqueuer, locker lock.Locker) *Sweeper {
	t.Helper()
	sweeper, err := New(store, dispatch, locker, Config{WorkerID: "w1", StaleClaimAfter: 10 * time.Minute}, nil, nil)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	sweeper.Now = func() time.Time { return sweepTime }
	sweeper.NewToken = func() string { return "w1:token" }
	return sweeper
}

func TestRunOnce_EnqueuesDueOrdersAndRetriesWithToken(t *testing.T) {
	store := &stubOrderStore{
		due:           []core.Order{{ID: "o1"}, {ID: "o2"}},
		retries:       []core.Order{{ID: "r1", Type: core.OrderTypeRetry}},
		staleReleased: 2,
	}
	dispatch := &recordingDispatch{}
	sweeper := newTestSweeper(t, store, dispatch, nil)

	result, err := sweeper.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if result.Claimed != 2 || result.Retries != 1 || result.Enqueued != 3 || result.Released != 2 {
		t.Fatalf("unexpected result %#v", result)
	}
	if !store.staleBefore.Equal(sweepTime.Add(-10 * time.Minute)) {
		t.Fatalf("unexpected stale threshold %s", store.staleBefore)
	}
	for _, msg := range dispatch.messages {
		if msg.ClaimToken != "w1:token" {
			t.Fatalf("expected claim token on message, got %#v", msg)
		}
	}
	if len(store.claimTokens) != 2 || store.claimTokens[0] != store.claimTokens[1] {
		t.Fatalf("expected one token per sweep, got %v", store.claimTokens)
	}
}

func TestRunOnce_ReleasesClaimWhenEnqueueFails(t *testing.T) {
	store := &stubOrderStore{due: []core.Order{{ID: "o1"}, {ID: "o2"}}}
	dispatch := &recordingDispatch{failFor: map[string]bool{"o2": true}}
	sweeper := newTestSweeper(t, store, dispatch, nil)

	result, err := sweeper.RunOnce(context.Background())
	if err == nil {
		t.Fatalf("expected enqueue error")
	}
	if result.Enqueued != 1 || result.Failed != 1 {
		t.Fatalf("unexpected result %#v", result)
	}
	if len(store.released) != 1 || store.released[0] != "o2" {
		t.Fatalf("expected o2 claim released, got %v", store.released)
	}
}

func TestRunOnce_SkipsWhenAnotherSweepHoldsTheLock(t *testing.T) {
	ctx := context.Background()
	locker := lock.NewLocalLocker()
	unlock, ok, err := locker.TryLock(ctx, lockKey, time.Minute)
	if err != nil || !ok {
		t.Fatalf("pre-lock: %v %v", ok, err)
	}
	store := &stubOrderStore{due: []core.Order{{ID: "o1"}}}
	dispatch := &recordingDispatch{}
	sweeper := newTestSweeper(t, store, dispatch, locker)

	result, err := sweeper.RunOnce(ctx)
	if err != nil || !result.Skipped {
		t.Fatalf("expected skipped sweep, got %#v %v", result, err)
	}
	if len(dispatch.messages) != 0 {
		t.Fatalf("expected no dispatch while locked")
	}
	_ = unlock(ctx)

	if result, _ := sweeper.RunOnce(ctx); result.Skipped || result.Enqueued != 1 {
		t.Fatalf("expected sweep after unlock, got %#v", result)
	}
}

func TestSchedule_RegistersCronEntry(t *testing.T) {
	sweeper := newTestSweeper(t, &stubOrderStore{}, &recordingDispatch{}, nil)
	scheduler := cron.New()
	id, err := sweeper.Schedule(context.Background(), scheduler, "@every 1m")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if entry := scheduler.Entry(id); entry.ID != id {
		t.Fatalf("expected registered cron entry")
	}
	if _, err := sweeper.Schedule(context.Background(), scheduler, "not a spec"); err == nil {
		t.Fatalf("expected invalid cron spec to fail")
	}
}
