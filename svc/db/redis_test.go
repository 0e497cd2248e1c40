package db

import (
	"context"
	"testing"
	"time"

	"pingnote/pkg/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, clk *fakeClock) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := testRedisCfg()
	c.RedisKeyPrefix = "pn:"
	r, err := NewRedis("redis://"+mr.Addr(), c, WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, mr
}

func TestRedisKeysAndTTL(t *testing.T) {
	clk := newFakeClock()
	r, mr := newTestRedis(t, clk)
	ctx := context.Background()
	token, code := ids(t)

	_, err := r.CreateNote(ctx, textInput("hi", 10*time.Minute, false), token, code)
	require.NoError(t, err)

	assert.True(t, mr.Exists("pn:note:"+token))
	got, err := mr.Get("pn:code:" + code)
	require.NoError(t, err)
	assert.Equal(t, token, got)
	assert.Equal(t, 11*time.Minute, mr.TTL("pn:note:"+token), "note outlives its expiry by the grace period")
	assert.Equal(t, 10*time.Minute, mr.TTL("pn:code:"+code))
}

func TestRedisConsumeKeepsTTL(t *testing.T) {
	clk := newFakeClock()
	r, mr := newTestRedis(t, clk)
	ctx := context.Background()
	token, code := ids(t)

	_, err := r.CreateNote(ctx, textInput("hi", 10*time.Minute, false), token, code)
	require.NoError(t, err)
	mr.FastForward(time.Minute)
	_, err = r.GetNote(ctx, token, true)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, mr.TTL("pn:note:"+token))
}

func TestRedisNativeExpiry(t *testing.T) {
	clk := newFakeClock()
	r, mr := newTestRedis(t, clk)
	ctx := context.Background()
	token, code := ids(t)

	_, err := r.CreateNote(ctx, textInput("hi", time.Minute, false), token, code)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	mr.FastForward(time.Minute)
	_, err = r.GetNote(ctx, token, false)
	assert.ErrorIs(t, err, domain.ErrExpired, "tombstone visible during the grace period")
	assert.False(t, mr.Exists("pn:code:"+code))

	clk.Advance(time.Minute)
	mr.FastForward(time.Minute)
	_, err = r.GetNote(ctx, token, false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRedisDeleteShortensTTLAndDropsCode(t *testing.T) {
	clk := newFakeClock()
	r, mr := newTestRedis(t, clk)
	ctx := context.Background()
	token, code := ids(t)

	_, err := r.CreateNote(ctx, textInput("hi", time.Hour, false), token, code)
	require.NoError(t, err)
	ok, err := r.DeleteNote(ctx, token)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.False(t, mr.Exists("pn:code:"+code))
	assert.Equal(t, time.Minute, mr.TTL("pn:note:"+token))

	mr.FastForward(2 * time.Minute)
	_, err = r.GetNote(ctx, token, false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRedisCodeReuseAfterDelete(t *testing.T) {
	clk := newFakeClock()
	r, _ := newTestRedis(t, clk)
	ctx := context.Background()
	token, code := ids(t)

	_, err := r.CreateNote(ctx, textInput("a", time.Hour, false), token, code)
	require.NoError(t, err)
	_, err = r.DeleteNote(ctx, token)
	require.NoError(t, err)

	other, _ := ids(t)
	_, err = r.CreateNote(ctx, textInput("b", time.Hour, false), other, code)
	require.NoError(t, err)
	resolved, err := r.GetTokenByShortCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, other, resolved)
}

func TestRedisPlaintextWithSpecialCharacters(t *testing.T) {
	clk := newFakeClock()
	r, _ := newTestRedis(t, clk)
	ctx := context.Background()
	token, code := ids(t)
	text := "line1\nline2 \"quoted\" / ünïcode ✓"

	_, err := r.CreateNote(ctx, textInput(text, time.Hour, false), token, code)
	require.NoError(t, err)
	n, err := r.GetNote(ctx, token, true)
	require.NoError(t, err)
	assert.Equal(t, text, *n.Payload.Plaintext)

	n, err = r.GetNote(ctx, token, false)
	require.NoError(t, err)
	assert.Equal(t, text, *n.Payload.Plaintext)
	assert.Equal(t, 1, n.ViewCount)
}

func TestRedisUnavailable(t *testing.T) {
	clk := newFakeClock()
	r, mr := newTestRedis(t, clk)
	mr.Close()
	_, err := r.GetNote(context.Background(), "abcdefghij-_KLMNOPQ12", false)
	require.Error(t, err)
	assert.False(t, domain.IsLifecycle(err))
}
