package extstore

import (
	"context"
	"errors"
	"testing"

	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.WriteAll(ctx, []Write{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
	}))

	v, ok, err := s.Load(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	all, err := s.LoadAll(ctx, []model.Key{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteAll(ctx, []model.Key{"a", "missing"}))
	_, ok, err = s.Load(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 4, s.Writes())
}

func TestMemoryStoreFailure(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.SetFailure(errors.New("disk on fire"))

	err := s.WriteAll(ctx, []Write{{Key: "a", Value: []byte("1")}})
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeStoreUnavailable))
	_, _, err = s.Load(ctx, "a")
	assert.Error(t, err)

	s.SetFailure(nil)
	assert.NoError(t, s.WriteAll(ctx, []Write{{Key: "a", Value: []byte("1")}}))
}

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		wantNil bool
		wantErr bool
	}{
		{name: "none", kind: KindNone, wantNil: true},
		{name: "empty", kind: "", wantNil: true},
		{name: "memory", kind: KindMemory},
		{name: "unknown", kind: "cassandra", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(context.Background(), Config{Kind: tt.kind})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNil, s == nil)
		})
	}
}
