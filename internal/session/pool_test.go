// ABOUTME: Tests for session pool keying, reuse, eviction, and idle sweeps.
// ABOUTME: Uses an in-memory echo runner in place of the real generation runtime.

package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/parley-gateway/internal/inbox"
	"github.com/parley-chat/parley-gateway/internal/runtime"
)

// echoRunner answers each input message with one text block and a result
// block. It records how many streams were opened.
type echoRunner struct {
	mu      sync.Mutex
	streams int
}

func (r *echoRunner) Stream(ctx context.Context, opts runtime.StreamOptions, input <-chan inbox.Message) (<-chan runtime.Block, error) {
	r.mu.Lock()
	r.streams++
	r.mu.Unlock()

	out := make(chan runtime.Block, 8)
	go func() {
		defer close(out)
		for msg := range input {
			out <- runtime.Block{Kind: runtime.BlockText, Text: "echo: " + msg.Content}
			out <- runtime.Block{Kind: runtime.BlockResult, Result: &runtime.ResultBlock{NumTurns: 1}}
		}
	}()
	return out, nil
}

func (r *echoRunner) streamCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams
}

func testRoles() map[string]runtime.StreamOptions {
	return map[string]runtime.StreamOptions{
		"assistant": {AgentRole: "assistant"},
		"analyst":   {AgentRole: "analyst"},
	}
}

func newTestPool(t *testing.T, cfg PoolConfig) (*Pool, *echoRunner) {
	t.Helper()
	runner := &echoRunner{}
	p := NewPool(runner, testRoles(), cfg, nil)
	t.Cleanup(p.Shutdown)
	return p, runner
}

func TestPool_SameKeyReturnsSameSession(t *testing.T) {
	p, runner := newTestPool(t, PoolConfig{})
	ctx := context.Background()

	s1, err := p.GetOrCreate(ctx, "user-1", "assistant", "conv-1")
	require.NoError(t, err)
	s2, err := p.GetOrCreate(ctx, "user-1", "assistant", "conv-1")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, runner.streamCount())
}

// slowStartRunner delays stream startup so concurrent initializers overlap.
type slowStartRunner struct {
	echoRunner
	delay time.Duration
}

func (r *slowStartRunner) Stream(ctx context.Context, opts runtime.StreamOptions, input <-chan inbox.Message) (<-chan runtime.Block, error) {
	time.Sleep(r.delay)
	return r.echoRunner.Stream(ctx, opts, input)
}

func TestPool_ConcurrentGetOrCreateStartsOneStream(t *testing.T) {
	runner := &slowStartRunner{delay: 50 * time.Millisecond}
	p := NewPool(runner, testRoles(), PoolConfig{}, nil)
	t.Cleanup(p.Shutdown)
	ctx := context.Background()

	const callers = 8
	sessions := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := p.GetOrCreate(ctx, "user-1", "assistant", "conv-1")
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	// One key owns exactly one long-lived runtime call, no matter how many
	// participants race their first message.
	assert.Equal(t, 1, runner.streamCount())
	for i := 1; i < callers; i++ {
		assert.Same(t, sessions[0], sessions[i])
	}
}

func TestPool_KeyFallsBackToUserAndRole(t *testing.T) {
	p, _ := newTestPool(t, PoolConfig{})
	ctx := context.Background()

	s1, err := p.GetOrCreate(ctx, "user-1", "assistant", "")
	require.NoError(t, err)
	s2, err := p.GetOrCreate(ctx, "user-1", "assistant", "")
	require.NoError(t, err)
	s3, err := p.GetOrCreate(ctx, "user-1", "analyst", "")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.NotSame(t, s1, s3)
	assert.Equal(t, "user-1:assistant", s1.Key)
}

func TestPool_UnknownRoleRejected(t *testing.T) {
	p, _ := newTestPool(t, PoolConfig{})

	_, err := p.GetOrCreate(context.Background(), "user-1", "nonexistent", "")
	assert.ErrorIs(t, err, ErrRoleNotFound)
}

func TestPool_CloseSessionForcesRecreate(t *testing.T) {
	p, _ := newTestPool(t, PoolConfig{})
	ctx := context.Background()

	s1, err := p.GetOrCreate(ctx, "user-1", "assistant", "conv-1")
	require.NoError(t, err)

	p.CloseSession("conv-1")
	assert.False(t, s1.Live())

	s2, err := p.GetOrCreate(ctx, "user-1", "assistant", "conv-1")
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.True(t, s2.Live())
}

func TestPool_CapacityEvictsLeastRecentlyActive(t *testing.T) {
	p, _ := newTestPool(t, PoolConfig{MaxSessions: 5})
	ctx := context.Background()

	sessions := make([]*Session, 0, 5)
	for i := 0; i < 5; i++ {
		s, err := p.GetOrCreate(ctx, "user-1", "assistant", fmt.Sprintf("conv-%d", i))
		require.NoError(t, err)
		// Stagger activity so conv-0 is the oldest.
		s.mu.Lock()
		s.lastActivity = time.Now().Add(time.Duration(i-10) * time.Minute)
		s.mu.Unlock()
		sessions = append(sessions, s)
	}

	s6, err := p.GetOrCreate(ctx, "user-1", "assistant", "conv-5")
	require.NoError(t, err)
	assert.True(t, s6.Live())

	// 5/5 = 1 session evicted, the least recently active one.
	assert.False(t, sessions[0].Live(), "oldest session should be evicted")
	for _, s := range sessions[1:] {
		assert.True(t, s.Live())
	}
	assert.Equal(t, 5, p.Stats().TotalSessions)
}

func TestPool_EvictionTieBreaksByInsertionOrder(t *testing.T) {
	p, _ := newTestPool(t, PoolConfig{MaxSessions: 4})
	ctx := context.Background()

	same := time.Now().Add(-time.Hour)
	sessions := make([]*Session, 0, 4)
	for i := 0; i < 4; i++ {
		s, err := p.GetOrCreate(ctx, "user-1", "assistant", fmt.Sprintf("tie-%d", i))
		require.NoError(t, err)
		s.mu.Lock()
		s.lastActivity = same
		s.mu.Unlock()
		sessions = append(sessions, s)
	}

	_, err := p.GetOrCreate(ctx, "user-1", "assistant", "tie-4")
	require.NoError(t, err)

	assert.False(t, sessions[0].Live(), "earliest-inserted session should lose the tie")
	assert.True(t, sessions[1].Live())
}

func TestPool_SweepClosesIdleSessions(t *testing.T) {
	p, _ := newTestPool(t, PoolConfig{IdleTimeout: time.Minute})
	ctx := context.Background()

	idle, err := p.GetOrCreate(ctx, "user-1", "assistant", "idle-conv")
	require.NoError(t, err)
	fresh, err := p.GetOrCreate(ctx, "user-2", "assistant", "fresh-conv")
	require.NoError(t, err)

	idle.mu.Lock()
	idle.lastActivity = time.Now().Add(-2 * time.Minute)
	idle.mu.Unlock()

	p.sweep()

	assert.False(t, idle.Live())
	assert.True(t, fresh.Live())
	_, ok := p.Get("idle-conv")
	assert.False(t, ok)
}

func TestPool_CloseUserSessions(t *testing.T) {
	p, _ := newTestPool(t, PoolConfig{})
	ctx := context.Background()

	s1, err := p.GetOrCreate(ctx, "user-1", "assistant", "a")
	require.NoError(t, err)
	s2, err := p.GetOrCreate(ctx, "user-1", "analyst", "b")
	require.NoError(t, err)
	other, err := p.GetOrCreate(ctx, "user-2", "assistant", "c")
	require.NoError(t, err)

	p.CloseUserSessions("user-1")

	assert.False(t, s1.Live())
	assert.False(t, s2.Live())
	assert.True(t, other.Live())
}

func TestPool_FailedSessionReplacedOnNextUse(t *testing.T) {
	p, _ := newTestPool(t, PoolConfig{})
	ctx := context.Background()

	s1, err := p.GetOrCreate(ctx, "user-1", "assistant", "conv-f")
	require.NoError(t, err)
	s1.MarkFailed()

	s2, err := p.GetOrCreate(ctx, "user-1", "assistant", "conv-f")
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.True(t, s2.Live())
}

func TestPool_StatsCountsByRole(t *testing.T) {
	p, _ := newTestPool(t, PoolConfig{})
	ctx := context.Background()

	_, err := p.GetOrCreate(ctx, "user-1", "assistant", "s1")
	require.NoError(t, err)
	_, err = p.GetOrCreate(ctx, "user-2", "assistant", "s2")
	require.NoError(t, err)
	_, err = p.GetOrCreate(ctx, "user-3", "analyst", "s3")
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, 3, stats.TotalSessions)
	assert.Equal(t, 2, stats.ByRole["assistant"])
	assert.Equal(t, 1, stats.ByRole["analyst"])
	assert.Len(t, stats.Sessions, 3)
}
