package typing

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const quiet = 60 * time.Millisecond

func expectValue(t *testing.T, c <-chan bool, want bool, within time.Duration) {
	t.Helper()
	select {
	case v, ok := <-c:
		require.True(t, ok, "subscription closed")
		assert.Equal(t, want, v)
	case <-time.After(within):
		t.Fatalf("no value within %v, want %v", within, want)
	}
}

func expectNothing(t *testing.T, c <-chan bool, d time.Duration) {
	t.Helper()
	select {
	case v := <-c:
		t.Fatalf("unexpected value %v", v)
	case <-time.After(d):
	}
}

func TestDebouncer_SetsTrueThenClearsAfterQuietPeriod(t *testing.T) {
	ctx := context.Background()
	ch := NewChannel(NewMemoryStore())
	d := NewDebouncer(ch, quiet)
	defer d.Stop()

	sub, err := ch.Subscribe(ctx, "u1", "u1_u2")
	require.NoError(t, err)
	defer sub.Close()
	expectValue(t, sub.C(), false, time.Second)

	require.NoError(t, d.Keystroke(ctx, "u1", "u1_u2", "h"))
	expectValue(t, sub.C(), true, 50*time.Millisecond)

	// keep typing for longer than the quiet period; the flag must stay true
	for _, s := range []string{"he", "hel", "hell", "hello"} {
		time.Sleep(quiet / 3)
		require.NoError(t, d.Keystroke(ctx, "u1", "u1_u2", s))
		assert.LessOrEqual(t, d.Pending(), 1)
	}
	expectNothing(t, sub.C(), quiet/2)

	expectValue(t, sub.C(), false, 4*quiet)
	expectNothing(t, sub.C(), 2*quiet)
	assert.Zero(t, d.Pending())
}

func TestDebouncer_EmptyInputClearsImmediately(t *testing.T) {
	ctx := context.Background()
	ch := NewChannel(NewMemoryStore())
	d := NewDebouncer(ch, time.Hour)
	defer d.Stop()

	sub, _ := ch.Subscribe(ctx, "u1", "u1_u2")
	defer sub.Close()
	expectValue(t, sub.C(), false, time.Second)

	require.NoError(t, d.Keystroke(ctx, "u1", "u1_u2", "x"))
	expectValue(t, sub.C(), true, time.Second)
	assert.Equal(t, 1, d.Pending())

	require.NoError(t, d.Keystroke(ctx, "u1", "u1_u2", ""))
	expectValue(t, sub.C(), false, time.Second)
	assert.Zero(t, d.Pending())
}

func TestDebouncer_RetypeAfterClearSetsTrueAgain(t *testing.T) {
	ctx := context.Background()
	ch := NewChannel(NewMemoryStore())
	d := NewDebouncer(ch, quiet)
	defer d.Stop()

	sub, _ := ch.Subscribe(ctx, "u2", "u1_u2")
	defer sub.Close()
	expectValue(t, sub.C(), false, time.Second)

	require.NoError(t, d.Keystroke(ctx, "u2", "u1_u2", "a"))
	expectValue(t, sub.C(), true, time.Second)
	expectValue(t, sub.C(), false, 4*quiet)

	require.NoError(t, d.Keystroke(ctx, "u2", "u1_u2", "ab"))
	expectValue(t, sub.C(), true, time.Second)
}

func TestDebouncer_FlushClearsEveryConversation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ch := NewChannel(s)
	d := NewDebouncer(ch, time.Hour)
	defer d.Stop()

	require.NoError(t, d.Keystroke(ctx, "u1", "u1_u2", "x"))
	require.NoError(t, d.Keystroke(ctx, "u1", "u1_u3", "y"))
	require.NoError(t, d.Keystroke(ctx, "u2", "u1_u2", "z"))
	assert.Equal(t, 3, d.Pending())

	d.Flush(ctx, "u1")
	for _, conv := range []string{"u1_u2", "u1_u3"} {
		v, err := s.Get(ctx, "u1", conv)
		require.NoError(t, err)
		assert.False(t, v, conv)
	}
	v, _ := s.Get(ctx, "u2", "u1_u2")
	assert.True(t, v)
	assert.Equal(t, 1, d.Pending())
}

// gatedStore blocks writes of true until release is closed and records write order.
type gatedStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	writes []bool
}

func (g *gatedStore) Set(ctx context.Context, userID, conversationID string, typing bool) error {
	if typing {
		close(g.entered)
		<-g.release
	}
	g.mu.Lock()
	g.writes = append(g.writes, typing)
	g.mu.Unlock()
	return g.MemoryStore.Set(ctx, userID, conversationID, typing)
}

func TestDebouncer_CancelDuringSlowWriteEndsFalse(t *testing.T) {
	ctx := context.Background()
	g := &gatedStore{MemoryStore: NewMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	d := NewDebouncer(NewChannel(g), time.Hour)
	defer d.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, d.Keystroke(ctx, "u1", "u1_u2", "h"))
	}()
	<-g.entered
	go func() {
		defer wg.Done()
		assert.NoError(t, d.Cancel(ctx, "u1", "u1_u2"))
	}()
	time.Sleep(30 * time.Millisecond)
	close(g.release)
	wg.Wait()

	v, err := g.Get(ctx, "u1", "u1_u2")
	require.NoError(t, err)
	assert.False(t, v, "flag must not stay true after cancel")
	assert.Equal(t, []bool{true, false}, g.writes)
	assert.Zero(t, d.Pending())
}

func TestChannel_RejectsNonParticipants(t *testing.T) {
	ctx := context.Background()
	ch := NewChannel(NewMemoryStore())
	assert.ErrorIs(t, ch.SetTyping(ctx, "u3", "u1_u2", true), errs.ErrValidation)
	_, err := ch.Subscribe(ctx, "u3", "u1_u2")
	assert.ErrorIs(t, err, errs.ErrValidation)
	d := NewDebouncer(ch, quiet)
	assert.ErrorIs(t, d.Keystroke(ctx, "u1", "bogus", "x"), errs.ErrValidation)
}

func TestMemoryStore_DistinctValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sub, _ := s.Subscribe(ctx, "u1", "u1_u2")
	defer sub.Close()
	expectValue(t, sub.C(), false, time.Second)
	require.NoError(t, s.Set(ctx, "u1", "u1_u2", false))
	require.NoError(t, s.Set(ctx, "u1", "u1_u2", true))
	require.NoError(t, s.Set(ctx, "u1", "u1_u2", true))
	expectValue(t, sub.C(), true, time.Second)
	expectNothing(t, sub.C(), 30*time.Millisecond)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: 500 * time.Millisecond})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	defer rdb.Close()

	ctx := context.Background()
	s := NewRedisStore(rdb, time.Second)
	user := "t" + uuid.NewString()[:8]
	conv := user + "_zz"

	sub, err := s.Subscribe(ctx, user, conv)
	require.NoError(t, err)
	defer sub.Close()
	expectValue(t, sub.C(), false, time.Second)

	require.NoError(t, s.Set(ctx, user, conv, true))
	expectValue(t, sub.C(), true, time.Second)
	v, err := s.Get(ctx, user, conv)
	require.NoError(t, err)
	assert.True(t, v)

	require.NoError(t, s.Set(ctx, user, conv, false))
	expectValue(t, sub.C(), false, time.Second)
}
