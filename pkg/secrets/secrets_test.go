package secrets

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	calls int32
	delay time.Duration
	fn    func(key string) (string, error)
}

func (m *mockProvider) GetSecret(ctx context.Context, key string) (string, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return m.fn(key)
}

func TestAdapterFallsBackWhenPrimaryFails(t *testing.T) {
	primary := &mockProvider{fn: func(string) (string, error) { return "", errors.New("vault sealed") }}
	fallback := &mockProvider{fn: func(key string) (string, error) { return "env-" + key, nil }}

	v, err := NewAdapterWith(primary, fallback, false).GetSecret(context.Background(), "REDIS_PASSWORD")
	require.NoError(t, err)
	assert.Equal(t, "env-REDIS_PASSWORD", v)

	_, err = NewAdapterWith(primary, fallback, true).GetSecret(context.Background(), "REDIS_PASSWORD")
	assert.Error(t, err, "fail-closed never consults the fallback")
}

func TestAdapterWithoutProviders(t *testing.T) {
	_, err := NewAdapterWith(nil, nil, false).GetSecret(context.Background(), "X")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("PINGNOTE_TEST_SECRET", "s3cret")
	v, err := envProvider{}.GetSecret(context.Background(), "PINGNOTE_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	_, err = envProvider{}.GetSecret(context.Background(), "PINGNOTE_TEST_MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCacheHitMiss(t *testing.T) {
	src := &mockProvider{fn: func(key string) (string, error) { return "v-" + key, nil }}
	c := NewCache(src, time.Hour)
	defer c.Stop()

	for i := 0; i < 3; i++ {
		v, err := c.GetSecret(context.Background(), "DATABASE_URL")
		require.NoError(t, err)
		assert.Equal(t, "v-DATABASE_URL", v)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))
}

func TestCacheExpiry(t *testing.T) {
	src := &mockProvider{fn: func(key string) (string, error) { return "v", nil }}
	c := NewCache(src, time.Millisecond)
	defer c.Stop()

	_, err := c.GetSecret(context.Background(), "K")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = c.GetSecret(context.Background(), "K")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&src.calls))
}

func TestCacheCollapsesConcurrentLookups(t *testing.T) {
	src := &mockProvider{delay: 50 * time.Millisecond, fn: func(key string) (string, error) { return "v", nil }}
	c := NewCache(src, time.Hour)
	defer c.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetSecret(context.Background(), "K")
			assert.NoError(t, err)
			assert.Equal(t, "v", v)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))
}

func TestCacheDoesNotKeepErrors(t *testing.T) {
	fail := true
	src := &mockProvider{fn: func(key string) (string, error) {
		if fail {
			return "", errors.New("transient")
		}
		return "v", nil
	}}
	c := NewCache(src, time.Hour)
	defer c.Stop()

	_, err := c.GetSecret(context.Background(), "K")
	require.Error(t, err)
	fail = false
	v, err := c.GetSecret(context.Background(), "K")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestCacheStopWipes(t *testing.T) {
	src := &mockProvider{fn: func(key string) (string, error) { return "v", nil }}
	c := NewCache(src, time.Hour)
	_, err := c.GetSecret(context.Background(), "K")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	c.Stop()
	c.Stop()
	assert.Equal(t, 0, c.Len())
	_, err = c.GetSecret(context.Background(), "K")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}
