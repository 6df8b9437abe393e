// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/astrobro/internal/chat"
	"github.com/jeranaias/astrobro/internal/storage"
)

// =============================================================================
// HELPERS
// =============================================================================

type sliceReader struct {
	frags []string
	i     int
}

func (r *sliceReader) Recv() (string, error) {
	if r.i >= len(r.frags) {
		return "", io.EOF
	}
	r.i++
	return r.frags[r.i-1], nil
}

func (r *sliceReader) Close() error { return nil }

// echo replies with the model name.
var echo = chat.CompleterFunc(func(ctx context.Context, model string, messages []chat.Message) (chat.FragmentReader, error) {
	return &sliceReader{frags: []string{"reply from ", model}}, nil
})

func newChat(t *testing.T, system string) *chat.Session {
	t.Helper()
	s, err := chat.New(echo, system, []string{"m1", "m2"})
	require.NoError(t, err)
	return s
}

func restoreEcho(conv *storage.StoredConversation) (*chat.Session, error) {
	return chat.Restore(echo, conv.ChatMessages(), conv.Models)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func openStore(t *testing.T) *storage.ConversationStore {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "conv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var natal = Info{ChartKey: "k1", ChartType: "natal", Lang: "en"}

// =============================================================================
// CHART KEY
// =============================================================================

func TestChartKey(t *testing.T) {
	a := ChartKey("natal", "en", "sun in leo")
	assert.Equal(t, a, ChartKey("natal", "en", "sun in leo"))
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, ChartKey("natal", "zh-Hant", "sun in leo"))
	assert.NotEqual(t, a, ChartKey("transit", "en", "sun in leo"))
	assert.NotEqual(t, ChartKey("ab", "c", ""), ChartKey("a", "bc", ""), "fields are separated")
}

// =============================================================================
// CREATE / GET
// =============================================================================

func TestCreateAndGet(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	e, err := r.Create("a@example.com", natal, newChat(t, "sys"))
	require.NoError(t, err)

	_, err = uuid.Parse(e.ID)
	assert.NoError(t, err, "ids are uuids")
	assert.Equal(t, "a@example.com", e.Owner)
	assert.Equal(t, natal, e.Info)
	assert.Equal(t, 1, r.Len())

	got, err := r.Get(e.ID)
	require.NoError(t, err)
	assert.Same(t, e, got)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreate_DistinctIDs(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	a, _ := r.Create("a", natal, newChat(t, "sys"))
	b, _ := r.Create("a", natal, newChat(t, "sys"))
	assert.NotEqual(t, a.ID, b.ID)
}

// =============================================================================
// LEASES
// =============================================================================

func TestAcquire_Exclusive(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	e, _ := r.Create("a", natal, newChat(t, "sys"))

	lease, err := r.Acquire(e.ID)
	require.NoError(t, err)
	assert.Same(t, e, lease.Entry())

	_, err = r.Acquire(e.ID)
	assert.ErrorIs(t, err, ErrLeased)

	lease.Release()
	lease.Release() // idempotent

	again, err := r.Acquire(e.ID)
	require.NoError(t, err)
	again.Release()

	_, err = r.Acquire("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAcquire_Concurrent(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	e, _ := r.Create("a", natal, newChat(t, "sys"))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := r.Acquire(e.ID); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, 1, granted, "exactly one caller holds the lease")
}

func TestRelease_PersistsTranscript(t *testing.T) {
	store := openStore(t)
	r := NewRegistry(DefaultConfig(), WithStore(store, restoreEcho))
	e, err := r.Create("a@example.com", natal, newChat(t, "sys"))
	require.NoError(t, err)

	conv, err := store.Load(e.ID)
	require.NoError(t, err, "Create persists immediately")
	assert.Len(t, conv.Messages, 1)

	lease, err := r.Acquire(e.ID)
	require.NoError(t, err)
	reply, err := lease.Session().Ask(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "reply from m1", reply)
	lease.Release()

	conv, err = store.Load(e.ID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, "hello", conv.Messages[1].Content)
	assert.Equal(t, "m1", conv.Messages[2].Model)
	assert.Equal(t, "k1", conv.ChartKey)
	assert.Equal(t, []string{"m1", "m2"}, conv.Models)
}

// =============================================================================
// RESTORE
// =============================================================================

func TestGet_RestoresEvictedSession(t *testing.T) {
	store := openStore(t)
	clk := newClock()
	r := NewRegistry(Config{IdleTimeout: time.Minute}, WithStore(store, restoreEcho), WithClock(clk.Now))

	e, _ := r.Create("a", natal, newChat(t, "sys"))
	lease, _ := r.Acquire(e.ID)
	_, err := lease.Session().Ask(context.Background(), "q1")
	require.NoError(t, err)
	lease.Release()

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, r.Sweep(clk.Now()))
	assert.Equal(t, 0, r.Len())

	restored, err := r.Get(e.ID)
	require.NoError(t, err)
	assert.NotSame(t, e, restored)
	assert.Equal(t, e.ID, restored.ID)
	assert.Equal(t, natal, restored.Info)
	assert.Equal(t, e.Session().Transcript(), restored.Session().Transcript())
	assert.Equal(t, 1, r.Len())

	// A restored session keeps working and persisting.
	lease, err = r.Acquire(e.ID)
	require.NoError(t, err)
	_, err = lease.Session().Ask(context.Background(), "q2")
	require.NoError(t, err)
	lease.Release()

	conv, err := store.Load(e.ID)
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 5)
}

func TestAcquire_EntrySweptAfterLookup(t *testing.T) {
	store := openStore(t)
	clk := newClock()
	r := NewRegistry(Config{IdleTimeout: time.Minute}, WithStore(store, restoreEcho), WithClock(clk.Now))

	e, _ := r.Create("a", natal, newChat(t, "sys"))
	lease, _ := r.Acquire(e.ID)
	_, err := lease.Session().Ask(context.Background(), "q1")
	require.NoError(t, err)
	lease.Release()

	looked, err := r.Get(e.ID)
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	require.Equal(t, 1, r.Sweep(clk.Now()))

	_, err = r.lease(e.ID, looked)
	assert.ErrorIs(t, err, errEvicted)

	lease, err = r.Acquire(e.ID)
	require.NoError(t, err)
	defer lease.Release()
	assert.NotSame(t, looked, lease.Entry())
	assert.Equal(t, e.Session().Transcript(), lease.Session().Transcript())
}

func TestGet_NoRestorer(t *testing.T) {
	store := openStore(t)
	_, err := store.Save(&storage.StoredConversation{
		ID:       "stored",
		Owner:    "a",
		Messages: []storage.StoredMessage{{Role: "system", Content: "sys"}},
	})
	require.NoError(t, err)

	r := NewRegistry(DefaultConfig(), WithStore(store, nil))
	_, err = r.Get("stored")
	assert.ErrorIs(t, err, ErrNoRestorer)
}

func TestFind(t *testing.T) {
	store := openStore(t)
	clk := newClock()
	r := NewRegistry(Config{IdleTimeout: time.Minute}, WithStore(store, restoreEcho), WithClock(clk.Now))

	e, _ := r.Create("a", natal, newChat(t, "sys"))

	got, err := r.Find("a", "k1")
	require.NoError(t, err)
	assert.Same(t, e, got)

	_, err = r.Find("b", "k1")
	assert.ErrorIs(t, err, ErrNotFound, "owners do not share sessions")

	clk.Advance(time.Hour)
	r.Sweep(clk.Now())
	got, err = r.Find("a", "k1")
	require.NoError(t, err, "found in the store after eviction")
	assert.Equal(t, e.ID, got.ID)
}

func TestFind_AfterReplaceIgnoresOldKey(t *testing.T) {
	store := openStore(t)
	clk := newClock()
	r := NewRegistry(Config{IdleTimeout: time.Minute}, WithStore(store, restoreEcho), WithClock(clk.Now))

	e, _ := r.Create("a", natal, newChat(t, "sys"))
	other := Info{ChartKey: "k2", ChartType: "transit", Lang: "en"}
	_, err := r.Replace(e.ID, other, newChat(t, "sys2"))
	require.NoError(t, err)

	clk.Advance(time.Hour)
	r.Sweep(clk.Now())

	_, err = r.Find("a", "k1")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := r.Find("a", "k2")
	require.NoError(t, err)
	assert.Equal(t, "sys2", got.Session().SystemPrompt())
}

// =============================================================================
// REPLACE / DELETE
// =============================================================================

func TestReplace(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	e, _ := r.Create("a", natal, newChat(t, "sys"))
	lease, _ := r.Acquire(e.ID)
	_, err := lease.Session().Ask(context.Background(), "q")
	require.NoError(t, err)

	_, err = r.Replace(e.ID, natal, newChat(t, "new"))
	assert.ErrorIs(t, err, ErrLeased)
	lease.Release()

	other := Info{ChartKey: "k2", ChartType: "synastry", Lang: "zh-Hant"}
	next, err := r.Replace(e.ID, other, newChat(t, "new"))
	require.NoError(t, err)
	assert.Equal(t, e.ID, next.ID)
	assert.Equal(t, e.CreatedAt, next.CreatedAt)
	assert.Equal(t, other, next.Info)
	assert.Equal(t, 1, next.Session().Len(), "old transcript is discarded")

	got, _ := r.Get(e.ID)
	assert.Same(t, next, got)

	_, err = r.Replace("missing", natal, newChat(t, "x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	store := openStore(t)
	r := NewRegistry(DefaultConfig(), WithStore(store, restoreEcho))
	e, _ := r.Create("a", natal, newChat(t, "sys"))

	lease, _ := r.Acquire(e.ID)
	assert.ErrorIs(t, r.Delete(e.ID), ErrLeased)
	lease.Release()

	require.NoError(t, r.Delete(e.ID))
	_, err := r.Get(e.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Load(e.ID)
	assert.True(t, errors.Is(err, storage.ErrConversationNotFound))

	assert.ErrorIs(t, r.Delete(e.ID), ErrNotFound)
}

// =============================================================================
// EVICTION
// =============================================================================

func TestSweep(t *testing.T) {
	clk := newClock()
	r := NewRegistry(Config{IdleTimeout: 10 * time.Minute}, WithClock(clk.Now))

	idle, _ := r.Create("a", natal, newChat(t, "sys"))
	busy, _ := r.Create("b", natal, newChat(t, "sys"))
	lease, _ := r.Acquire(busy.ID)

	clk.Advance(5 * time.Minute)
	fresh, _ := r.Create("c", natal, newChat(t, "sys"))

	clk.Advance(6 * time.Minute)
	assert.Equal(t, 1, r.Sweep(clk.Now()))

	_, err := r.Get(idle.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get(busy.ID)
	assert.NoError(t, err, "leased sessions are never evicted")
	_, err = r.Get(fresh.ID)
	assert.NoError(t, err)

	lease.Release()
}

func TestMaxSessions(t *testing.T) {
	clk := newClock()
	r := NewRegistry(Config{MaxSessions: 2}, WithClock(clk.Now))

	first, _ := r.Create("a", natal, newChat(t, "sys"))
	clk.Advance(time.Second)
	second, _ := r.Create("b", natal, newChat(t, "sys"))
	clk.Advance(time.Second)

	third, err := r.Create("c", natal, newChat(t, "sys"))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
	_, err = r.Get(first.ID)
	assert.ErrorIs(t, err, ErrNotFound, "least recently active is evicted")

	l2, _ := r.Acquire(second.ID)
	l3, _ := r.Acquire(third.ID)
	_, err = r.Create("d", natal, newChat(t, "sys"))
	assert.ErrorIs(t, err, ErrFull)
	l2.Release()
	l3.Release()
}

func TestRun_StopsOnCancel(t *testing.T) {
	clk := newClock()
	r := NewRegistry(Config{IdleTimeout: time.Minute, SweepInterval: 5 * time.Millisecond}, WithClock(clk.Now))
	_, _ = r.Create("a", natal, newChat(t, "sys"))
	clk.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// =============================================================================
// FORMAT DURATION
// =============================================================================

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{45 * time.Second, "45s"},
		{time.Minute, "1m"},
		{90 * time.Second, "1m 30s"},
		{15 * time.Minute, "15m"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
