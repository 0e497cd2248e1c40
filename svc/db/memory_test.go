package db

import (
	"context"
	"testing"
	"time"

	"pingnote/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMemoryRejectsBadSize(t *testing.T) {
	_, err := NewMemory(0)
	assert.Error(t, err)
	_, err = NewMemory(maxMemoryNotes + 1)
	assert.Error(t, err)
}

func TestMemoryEvictsLeastRecentlyUsed(t *testing.T) {
	clk := newFakeClock()
	m, err := NewMemory(2, WithClock(clk.Now))
	require.NoError(t, err)
	ctx := context.Background()

	t1, c1 := ids(t)
	t2, c2 := ids(t)
	t3, c3 := ids(t)
	_, err = m.CreateNote(ctx, textInput("1", time.Hour, false), t1, c1)
	require.NoError(t, err)
	_, err = m.CreateNote(ctx, textInput("2", time.Hour, false), t2, c2)
	require.NoError(t, err)
	_, err = m.GetNote(ctx, t1, false)
	require.NoError(t, err)
	_, err = m.CreateNote(ctx, textInput("3", time.Hour, false), t3, c3)
	require.NoError(t, err)

	assert.Equal(t, 2, m.Len())
	_, err = m.GetNote(ctx, t2, false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	resolved, err := m.GetTokenByShortCode(ctx, c2)
	require.NoError(t, err)
	assert.Empty(t, resolved, "evicted note takes its short code along")

	_, err = m.CreateNote(ctx, textInput("reuse", time.Hour, false), t2, c2)
	assert.NoError(t, err)
}

func TestMemoryFullReclaimsDeadNotesFirst(t *testing.T) {
	clk := newFakeClock()
	m, err := NewMemory(2, WithClock(clk.Now))
	require.NoError(t, err)
	ctx := context.Background()

	visible, visibleCode := ids(t)
	once, onceCode := ids(t)
	next, nextCode := ids(t)
	_, err = m.CreateNote(ctx, textInput("keep me", time.Hour, false), visible, visibleCode)
	require.NoError(t, err)
	_, err = m.CreateNote(ctx, textInput("secret", time.Hour, true), once, onceCode)
	require.NoError(t, err)
	_, err = m.GetNote(ctx, once, true)
	require.NoError(t, err)
	_, err = m.GetNote(ctx, once, false)
	require.ErrorIs(t, err, domain.ErrConsumed)

	_, err = m.CreateNote(ctx, textInput("new", time.Hour, false), next, nextCode)
	require.NoError(t, err)

	n, err := m.GetNote(ctx, visible, false)
	require.NoError(t, err)
	assert.Equal(t, "keep me", *n.Payload.Plaintext)
	_, err = m.GetNote(ctx, once, false)
	assert.ErrorIs(t, err, domain.ErrNotFound, "the consumed note made room")
	assert.Equal(t, 2, m.Len())
}

func TestMemoryFailedReadDoesNotPromote(t *testing.T) {
	clk := newFakeClock()
	m, err := NewMemory(2, WithClock(clk.Now))
	require.NoError(t, err)
	ctx := context.Background()

	a, aCode := ids(t)
	b, bCode := ids(t)
	c, cCode := ids(t)
	_, err = m.CreateNote(ctx, textInput("a", time.Hour, false), a, aCode)
	require.NoError(t, err)
	_, err = m.CreateNote(ctx, textInput("b", time.Hour, false), b, bCode)
	require.NoError(t, err)
	deleted, err := m.DeleteNote(ctx, a)
	require.NoError(t, err)
	require.True(t, deleted)
	_, err = m.GetNote(ctx, a, false)
	require.ErrorIs(t, err, domain.ErrDeleted)

	_, err = m.CreateNote(ctx, textInput("c", time.Hour, false), c, cCode)
	require.NoError(t, err)
	_, err = m.GetNote(ctx, b, false)
	assert.NoError(t, err)
	_, err = m.GetNote(ctx, c, false)
	assert.NoError(t, err)
}

func TestMemoryCleanup(t *testing.T) {
	clk := newFakeClock()
	m, err := NewMemory(100, WithClock(clk.Now))
	require.NoError(t, err)
	ctx := context.Background()

	live, liveCode := ids(t)
	short, shortCode := ids(t)
	gone, goneCode := ids(t)
	_, err = m.CreateNote(ctx, textInput("live", time.Hour, false), live, liveCode)
	require.NoError(t, err)
	_, err = m.CreateNote(ctx, textInput("short", time.Minute, false), short, shortCode)
	require.NoError(t, err)
	_, err = m.CreateNote(ctx, textInput("gone", time.Hour, false), gone, goneCode)
	require.NoError(t, err)
	_, err = m.DeleteNote(ctx, gone)
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	removed, err := m.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, m.Len())

	_, err = m.CreateNote(ctx, textInput("again", time.Hour, false), short, shortCode)
	assert.NoError(t, err, "swept identifiers are free again")
}

func TestMemoryReturnsCopies(t *testing.T) {
	clk := newFakeClock()
	m, err := NewMemory(10, WithClock(clk.Now))
	require.NoError(t, err)
	ctx := context.Background()
	token, code := ids(t)
	_, err = m.CreateNote(ctx, textInput("orig", time.Hour, false), token, code)
	require.NoError(t, err)

	n, err := m.GetNote(ctx, token, false)
	require.NoError(t, err)
	*n.Payload.Plaintext = "mutated"
	n.ViewCount = 99

	again, err := m.GetNote(ctx, token, false)
	require.NoError(t, err)
	assert.Equal(t, "orig", *again.Payload.Plaintext)
	assert.Equal(t, 0, again.ViewCount)
}

func TestMemoryHonoursCancelledContext(t *testing.T) {
	m, err := NewMemory(10)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.GetNote(ctx, "abcdefghij-_KLMNOPQ12", false)
	assert.ErrorIs(t, err, context.Canceled)
}
