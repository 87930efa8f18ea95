package writebehind

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devrev/pairdb/gridcache/internal/extstore"
	"github.com/devrev/pairdb/gridcache/internal/metrics"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Load(ctx context.Context, key model.Key) ([]byte, bool, error) {
	args := m.Called(ctx, key)
	return args.Get(0).([]byte), args.Bool(1), args.Error(2)
}

func (m *mockStore) LoadAll(ctx context.Context, keys []model.Key) (map[model.Key][]byte, error) {
	args := m.Called(ctx, keys)
	return args.Get(0).(map[model.Key][]byte), args.Error(1)
}

func (m *mockStore) WriteAll(ctx context.Context, writes []extstore.Write) error {
	args := m.Called(ctx, writes)
	return args.Error(0)
}

func (m *mockStore) DeleteAll(ctx context.Context, keys []model.Key) error {
	args := m.Called(ctx, keys)
	return args.Error(0)
}

func (m *mockStore) Close() error {
	return nil
}

func testConfig() Config {
	return Config{
		Enabled:        true,
		FlushSize:      100,
		FlushInterval:  time.Hour,
		BatchSize:      100,
		CriticalSize:   0,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
	}
}

func newTestBuffer(t *testing.T, cfg Config, store extstore.Store) (*Buffer, *metrics.Counters) {
	t.Helper()
	counters := metrics.NewCounters()
	b := New(cfg, store, counters, zap.NewNop())
	t.Cleanup(func() { b.Stop(context.Background()) })
	return b, counters
}

func TestEnqueueCoalescesPerKey(t *testing.T) {
	ctx := context.Background()
	store := new(mockStore)
	store.On("WriteAll", mock.Anything, []extstore.Write{{Key: "k", Value: []byte("v2")}}).Return(nil).Once()

	b, counters := newTestBuffer(t, testConfig(), store)
	require.NoError(t, b.Enqueue(ctx, 1, "k", []byte("v1"), false))
	require.NoError(t, b.Enqueue(ctx, 1, "k", []byte("v2"), false))
	assert.Equal(t, 1, b.Len())
	assert.True(t, b.IsPending("k"))

	require.NoError(t, b.Flush(ctx))
	assert.False(t, b.IsPending("k"))
	assert.Equal(t, int64(1), counters.WriteBehindFlushes.Load())
	assert.Equal(t, int64(1), counters.WriteBehindFlushedEntries.Load())
	store.AssertExpectations(t)
}

func TestFlushSplitsWritesAndDeletes(t *testing.T) {
	ctx := context.Background()
	store := new(mockStore)
	store.On("WriteAll", mock.Anything, []extstore.Write{{Key: "a", Value: []byte("1")}}).Return(nil).Once()
	store.On("DeleteAll", mock.Anything, []model.Key{"b"}).Return(nil).Once()

	b, _ := newTestBuffer(t, testConfig(), store)
	require.NoError(t, b.Enqueue(ctx, 1, "a", []byte("1"), false))
	require.NoError(t, b.Enqueue(ctx, 2, "b", nil, true))

	require.NoError(t, b.Flush(ctx))
	store.AssertExpectations(t)
}

func TestFailedEntriesStayBuffered(t *testing.T) {
	ctx := context.Background()
	mem := extstore.NewMemoryStore()
	mem.SetFailure(errors.New("unavailable"))

	b, counters := newTestBuffer(t, testConfig(), mem)
	require.NoError(t, b.Enqueue(ctx, 1, "k", []byte("v"), false))

	err := b.Flush(ctx)
	require.Error(t, err)
	assert.True(t, b.IsPending("k"))
	assert.Equal(t, int64(2), counters.WriteBehindErrorRetries.Load())
	assert.Equal(t, int64(1), counters.WriteBehindFailedEntries.Load())

	mem.SetFailure(nil)
	require.NoError(t, b.Flush(ctx))
	assert.False(t, b.IsPending("k"))
	v, ok := mem.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestCriticalSizeFlushesSynchronously(t *testing.T) {
	ctx := context.Background()
	mem := extstore.NewMemoryStore()
	cfg := testConfig()
	cfg.CriticalSize = 2

	b, counters := newTestBuffer(t, cfg, mem)
	require.NoError(t, b.Enqueue(ctx, 1, "a", []byte("1"), false))
	assert.Equal(t, 0, mem.Len())

	require.NoError(t, b.Enqueue(ctx, 1, "b", []byte("2"), false))
	assert.Equal(t, 2, mem.Len())
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, int64(1), counters.WriteBehindCriticalOverflow.Load())
}

func TestFlushSizeTriggersBackgroundFlush(t *testing.T) {
	ctx := context.Background()
	mem := extstore.NewMemoryStore()
	cfg := testConfig()
	cfg.FlushSize = 3

	b, _ := newTestBuffer(t, cfg, mem)
	for _, k := range []model.Key{"a", "b", "c"} {
		require.NoError(t, b.Enqueue(ctx, 1, k, []byte("v"), false))
	}
	assert.Eventually(t, func() bool { return mem.Len() == 3 }, time.Second, 5*time.Millisecond)
}

func TestDisabledWritesThrough(t *testing.T) {
	ctx := context.Background()
	mem := extstore.NewMemoryStore()
	cfg := testConfig()
	cfg.Enabled = false

	b, _ := newTestBuffer(t, cfg, mem)
	require.NoError(t, b.Enqueue(ctx, 1, "a", []byte("1"), false))
	assert.Equal(t, 1, mem.Len())
	assert.False(t, b.IsPending("a"))
}

func TestDropAndPendingKeys(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBuffer(t, testConfig(), extstore.NewMemoryStore())

	require.NoError(t, b.Enqueue(ctx, 1, "b", []byte("1"), false))
	require.NoError(t, b.Enqueue(ctx, 1, "a", []byte("1"), false))
	require.NoError(t, b.Enqueue(ctx, 2, "c", []byte("1"), false))

	assert.Equal(t, []model.Key{"a", "b"}, b.PendingKeys(1))
	assert.Equal(t, 2, b.Drop(1))
	assert.Empty(t, b.PendingKeys(1))
	assert.Equal(t, []model.Key{"c"}, b.PendingKeys(2))

	b.Resolve("c")
	assert.Equal(t, 0, b.Len())
}

func TestStopFlushesRemaining(t *testing.T) {
	ctx := context.Background()
	mem := extstore.NewMemoryStore()
	b := New(testConfig(), mem, nil, zap.NewNop())

	require.NoError(t, b.Enqueue(ctx, 1, "a", []byte("1"), false))
	require.NoError(t, b.Stop(ctx))
	assert.Equal(t, 1, mem.Len())
	assert.Equal(t, 0, b.Stats().BufferSize)
}
