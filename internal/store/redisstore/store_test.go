package redisstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := New(mr.Addr(), "", 0, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestCaptcha_Lifecycle(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetCaptcha(ctx, "a@b.c")
	assert.True(t, errors.Is(err, redis.Nil))

	require.NoError(t, s.SetCaptcha(ctx, "a@b.c", "123456", 5*time.Minute))
	code, err := s.GetCaptcha(ctx, "a@b.c")
	require.NoError(t, err)
	assert.Equal(t, "123456", code)

	mr.FastForward(6 * time.Minute)
	_, err = s.GetCaptcha(ctx, "a@b.c")
	assert.True(t, errors.Is(err, redis.Nil))

	require.NoError(t, s.SetCaptcha(ctx, "a@b.c", "654321", time.Minute))
	require.NoError(t, s.DeleteCaptcha(ctx, "a@b.c"))
	_, err = s.GetCaptcha(ctx, "a@b.c")
	assert.True(t, errors.Is(err, redis.Nil))
}

func TestCaptcha_FailureCount(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetCaptcha(ctx, "a@b.c", "123456", 5*time.Minute))
	for want := int64(1); want <= 3; want++ {
		n, err := s.CountCaptchaFailure(ctx, "a@b.c", 5*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	assert.True(t, mr.TTL(captchaFailKey("a@b.c")) > 0)

	// a fresh code starts a fresh count
	require.NoError(t, s.SetCaptcha(ctx, "a@b.c", "111111", 5*time.Minute))
	n, err := s.CountCaptchaFailure(ctx, "a@b.c", 5*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, s.DeleteCaptcha(ctx, "a@b.c"))
	assert.False(t, mr.Exists(captchaFailKey("a@b.c")))

	_, err = s.CountCaptchaFailure(ctx, "x@y.z", time.Minute)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(captchaFailKey("x@y.z")))
}

func TestCaptcha_Cooldown(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireCaptchaCooldown(ctx, "a@b.c", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireCaptchaCooldown(ctx, "a@b.c", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(61 * time.Second)
	ok, err = s.AcquireCaptchaCooldown(ctx, "a@b.c", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMessages_AppendTrimsToSize(t *testing.T) {
	s, mr := newTestStore(t, WithMessageCache(3, time.Hour))
	ctx := context.Background()

	ok, err := s.AppendMessage(ctx, "s1", CachedMessage{Role: "user", Content: "lost"})
	require.NoError(t, err)
	assert.False(t, ok, "no list yet")

	require.NoError(t, s.SeedMessages(ctx, "s1", []CachedMessage{{Role: "user", Content: "0"}}))
	for i := 1; i < 5; i++ {
		ok, err := s.AppendMessage(ctx, "s1", CachedMessage{Role: "user", Content: fmt.Sprint(i)})
		require.NoError(t, err)
		assert.True(t, ok)
	}

	got, err := s.GetMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "2", got[0].Content)
	assert.Equal(t, "4", got[2].Content)

	assert.Greater(t, mr.TTL(messagesKey("s1")), time.Duration(0))
}

func TestMessages_MissSeedDelete(t *testing.T) {
	s, _ := newTestStore(t, WithMessageCache(2, time.Hour))
	ctx := context.Background()

	got, err := s.GetMessages(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.SeedMessages(ctx, "s2", []CachedMessage{
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
		{Role: "user", Content: "c"},
	}))
	got, err = s.GetMessages(ctx, "s2")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Content)

	require.NoError(t, s.DeleteMessages(ctx, "s2"))
	got, err = s.GetMessages(ctx, "s2")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestJSON_RoundTripAndMiss(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	type probe struct {
		Status string `json:"status"`
	}
	require.NoError(t, s.SetJSON(ctx, "selftest", probe{Status: "ok"}, time.Minute))

	var p probe
	require.NoError(t, s.GetJSON(ctx, "selftest", &p))
	assert.Equal(t, "ok", p.Status)

	err := s.GetJSON(ctx, "missing", &p)
	assert.True(t, errors.Is(err, redis.Nil))
}
