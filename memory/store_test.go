package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStoreRoundTrip(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "adapt.T1abcd")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "adapt.T1abcd", []byte(`{"budget":3}`)))

	got, ok, err := s.Get(ctx, "adapt.T1abcd")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"budget":3}`, string(got))
	assert.Equal(t, 1, s.Len())
}

func TestInMemoryStoreOverwrite(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", []byte("v1")))
	require.NoError(t, s.Put(ctx, "k", []byte("v2")))

	got, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", string(got))
	assert.Equal(t, 1, s.Len())
}

func TestInMemoryStoreCopies(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	value := []byte("original")
	require.NoError(t, s.Put(ctx, "k", value))
	value[0] = 'X'

	got, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))

	got[0] = 'Y'
	again, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "original", string(again))
}

func TestSanitizeKey(t *testing.T) {
	assert.Equal(t, "adapt.M1a.B2b.T3c", sanitizeKey("adapt.M1a.B2b.T3c"))
	assert.Equal(t, "a_b_c", sanitizeKey("a b*c"))
}
