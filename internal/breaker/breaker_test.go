package breaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/llm-gateway/internal/store"
	"go.uber.org/zap"
)

type recorderStub struct {
	mu          sync.Mutex
	backendDown int
	transitions []string
}

func (r *recorderStub) RecordBreakerBackendUnavailable(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backendDown++
}

func (r *recorderStub) RecordBreakerState(_ string, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, state)
}

func newTestBreaker(t *testing.T, threshold int, window time.Duration) (*Breaker, *recorderStub, store.KV) {
	t.Helper()
	kv := store.NewMemory()
	rec := &recorderStub{}
	b := New(kv, Config{FailureThreshold: threshold, RecoveryWindow: window}, rec, zap.NewNop())
	return b, rec, kv
}

func failUntilOpen(t *testing.T, b *Breaker, upstream string, threshold int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < threshold; i++ {
		permit, err := b.Enter(ctx, upstream)
		require.NoError(t, err)
		b.Report(ctx, permit, false)
	}
}

func TestBreaker_ClosedAllows(t *testing.T) {
	b, _, _ := newTestBreaker(t, 5, time.Minute)

	permit, err := b.Enter(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, permit.State())
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, rec, _ := newTestBreaker(t, 3, time.Minute)
	ctx := context.Background()

	// Two failures: still closed.
	for i := 0; i < 2; i++ {
		permit, err := b.Enter(ctx, "openai")
		require.NoError(t, err)
		b.Report(ctx, permit, false)
	}
	_, err := b.Enter(ctx, "openai")
	require.NoError(t, err)

	// Third failure trips it.
	failUntilOpen(t, b, "openai", 1)
	state, count, err := b.Snapshot(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)
	assert.Equal(t, 3, count)

	_, err = b.Enter(ctx, "openai")
	var oe *OpenError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "openai", oe.Upstream)
	assert.Greater(t, oe.RetryAfter, time.Duration(0))

	assert.Contains(t, rec.transitions, string(StateOpen))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _, _ := newTestBreaker(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		permit, err := b.Enter(ctx, "openai")
		require.NoError(t, err)
		b.Report(ctx, permit, false)
	}
	permit, err := b.Enter(ctx, "openai")
	require.NoError(t, err)
	b.Report(ctx, permit, true)

	state, count, err := b.Snapshot(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
	assert.Equal(t, 0, count)
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	b, _, _ := newTestBreaker(t, 2, time.Minute)
	ctx := context.Background()
	failUntilOpen(t, b, "openai", 2)

	// Recovery window elapses.
	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	probe, err := b.Enter(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, probe.State())

	// Only one probe slot exists.
	_, err = b.Enter(ctx, "openai")
	var oe *OpenError
	require.ErrorAs(t, err, &oe)

	// Probe success closes the circuit for everyone.
	b.Report(ctx, probe, true)
	permit, err := b.Enter(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, permit.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, _, _ := newTestBreaker(t, 2, time.Minute)
	ctx := context.Background()
	failUntilOpen(t, b, "openai", 2)

	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	probe, err := b.Enter(ctx, "openai")
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, probe.State())

	b.Report(ctx, probe, false)
	state, _, err := b.Snapshot(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)
}

// failingKV simulates an unreachable backend.
type failingKV struct{}

func (failingKV) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, store.ErrUnavailable
}
func (failingKV) Set(context.Context, string, []byte) error  { return store.ErrUnavailable }
func (failingKV) Delete(context.Context, string) error       { return store.ErrUnavailable }
func (failingKV) Close() error                               { return nil }
func (failingKV) CompareAndSwap(context.Context, string, []byte, []byte) (bool, error) {
	return false, store.ErrUnavailable
}

func TestBreaker_FailsClosedWhenBackendDown(t *testing.T) {
	rec := &recorderStub{}
	b := New(failingKV{}, Config{FailureThreshold: 3, RecoveryWindow: time.Minute}, rec, zap.NewNop())
	ctx := context.Background()

	permit, err := b.Enter(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, permit.State())
	assert.Equal(t, 1, rec.backendDown)

	// Reporting against a down backend records the event and gives up.
	b.Report(ctx, permit, false)
	assert.Equal(t, 2, rec.backendDown)
}

func TestBreaker_ConcurrentFailuresCountExactly(t *testing.T) {
	b, _, _ := newTestBreaker(t, 100, time.Minute)
	ctx := context.Background()

	const n = 20
	permits := make([]Permit, n)
	for i := range permits {
		p, err := b.Enter(ctx, "openai")
		require.NoError(t, err)
		permits[i] = p
	}

	var wg sync.WaitGroup
	for _, p := range permits {
		wg.Add(1)
		go func(p Permit) {
			defer wg.Done()
			b.Report(ctx, p, false)
		}(p)
	}
	wg.Wait()

	// Every failure lands despite CAS contention: no lost updates.
	_, count, err := b.Snapshot(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, n, count)
}

func TestBreaker_CorruptRecordTreatedAsClosed(t *testing.T) {
	b, _, kv := newTestBreaker(t, 3, time.Minute)
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "breaker:openai", []byte("not json")))

	permit, err := b.Enter(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, permit.State())
}
