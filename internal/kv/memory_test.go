package kv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringforge/hub/internal/kv"
)

func TestMemory_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()

	_, ok, err := store.Get(ctx, "dmq:F1:a:msg_1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "dmq:F1:a:msg_1", []byte(`{"hello":"world"}`)))

	v, ok, err := store.Get(ctx, "dmq:F1:a:msg_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"hello":"world"}`, string(v))

	require.NoError(t, store.Delete(ctx, "dmq:F1:a:msg_1"))
	_, ok, err = store.Get(ctx, "dmq:F1:a:msg_1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_ListKeysAndDocuments_PrefixAndOrder(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()

	require.NoError(t, store.Put(ctx, "thr_msg:thr_1:002:msg_b", []byte("b")))
	require.NoError(t, store.Put(ctx, "thr_msg:thr_1:001:msg_a", []byte("a")))
	require.NoError(t, store.Put(ctx, "thr_msg:thr_2:001:msg_c", []byte("c")))

	keys, err := store.ListKeys(ctx, "thr_msg:thr_1:")
	require.NoError(t, err)
	assert.Equal(t, []string{"thr_msg:thr_1:001:msg_a", "thr_msg:thr_1:002:msg_b"}, keys)

	docs, err := store.ListDocuments(ctx, "thr_msg:thr_1:")
	require.NoError(t, err)
	assert.Len(t, docs, 2)
	assert.Equal(t, []byte("a"), docs["thr_msg:thr_1:001:msg_a"])
}

func TestMemory_PutIfMatch(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()

	ok, err := store.PutIfMatch(ctx, "counter", nil, []byte("1"))
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale expected value loses the race.
	ok, err = store.PutIfMatch(ctx, "counter", []byte("0"), []byte("2"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.PutIfMatch(ctx, "counter", []byte("1"), []byte("2"))
	require.NoError(t, err)
	assert.True(t, ok)

	v, _, err := store.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))
}
