package embedding

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyGenerator fails while failing is set.
type flakyGenerator struct {
	failing atomic.Bool
	calls   atomic.Int32
}

func (f *flakyGenerator) Embed(_ context.Context, c Content) (Embedding, error) {
	f.calls.Add(1)
	if f.failing.Load() {
		return Embedding{}, errors.New("connection refused")
	}
	return Embedding{Vector: []float32{1, 0}, Model: "flaky"}, nil
}

func TestGuardedGenerator_PassesThrough(t *testing.T) {
	inner := &flakyGenerator{}
	g := NewGuardedGenerator(inner, GuardOptions{})

	emb, err := g.Embed(context.Background(), Content{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "flaky", emb.Model)
	assert.Equal(t, "closed", g.State())

	m := g.Metrics()
	assert.Equal(t, uint64(1), m.TotalRequests)
	assert.Equal(t, uint64(1), m.TotalSuccesses)
}

func TestGuardedGenerator_OpensAfterFailures(t *testing.T) {
	inner := &flakyGenerator{}
	inner.failing.Store(true)
	g := NewGuardedGenerator(inner, GuardOptions{MaxFailures: 2, OpenTimeout: 50 * time.Millisecond, HalfOpenMaxSuccesses: 1})

	for i := 0; i < 2; i++ {
		_, err := g.Embed(context.Background(), Content{})
		require.ErrorIs(t, err, ErrUpstream)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, "open", g.State())

	_, err := g.Embed(context.Background(), Content{})
	assert.ErrorIs(t, err, ErrUpstream)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), inner.calls.Load(), "open breaker does not call through")

	inner.failing.Store(false)
	time.Sleep(80 * time.Millisecond)
	_, err = g.Embed(context.Background(), Content{})
	require.NoError(t, err)
	assert.Equal(t, "closed", g.State())

	m := g.Metrics()
	assert.Equal(t, uint64(4), m.TotalRequests)
	assert.Equal(t, uint64(3), m.TotalFailures)
}

func TestGuardedGenerator_ContextErrorsUnwrapped(t *testing.T) {
	inner := &flakyGenerator{}
	g := NewGuardedGenerator(inner, GuardOptions{MaxFailures: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Embed(ctx, Content{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrUpstream)
	assert.Equal(t, "closed", g.State())
	assert.Zero(t, inner.calls.Load())
}

func TestGuardedGenerator_RateLimited(t *testing.T) {
	inner := &flakyGenerator{}
	g := NewGuardedGenerator(inner, GuardOptions{RatePerSecond: 1, Burst: 1})

	_, err := g.Embed(context.Background(), Content{})
	require.NoError(t, err)

	// The bucket is empty, so the next call has to wait about a second.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Embed(ctx, Content{})
	require.Error(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestManagerWithGuardedGenerator(t *testing.T) {
	inner := GeneratorFunc(func(context.Context, Content) (Embedding, error) {
		return Embedding{Vector: []float32{0.5, 0.5, 0.5, 0.5}, Model: "guarded"}, nil
	})
	m, err := NewManager(Options{Dimension: 4, Generator: NewGuardedGenerator(inner, GuardOptions{RatePerSecond: 100, Burst: 10})})
	require.NoError(t, err)

	in, err := m.Generate(context.Background(), Content{Text: "t"})
	require.NoError(t, err)
	assert.Equal(t, "guarded", in.Model)
}
