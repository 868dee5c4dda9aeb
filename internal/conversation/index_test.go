package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexRegisterAndLookup(t *testing.T) {
	db := newTestDB(t)
	idx := NewIndex(db, time.Hour, testLogger())
	ctx := context.Background()

	require.NoError(t, idx.Register(ctx, "m1@x.com", "conv-1"))
	// Idempotent upsert
	require.NoError(t, idx.Register(ctx, "m1@x.com", "conv-1"))

	id, ok, err := idx.Lookup(ctx, "m1@x.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "conv-1", id)

	_, ok, err = idx.Lookup(ctx, "unknown@x.com")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = idx.Lookup(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, idx.Register(ctx, "", "conv-1"), ErrNoIdentity)
}

func TestIndexAliasesShareConversation(t *testing.T) {
	db := newTestDB(t)
	idx := NewIndex(db, time.Hour, testLogger())
	ctx := context.Background()

	require.NoError(t, idx.RegisterAll(ctx, "conv-1", "t1@solo.dev", "", "0100018c-t2"))

	for _, key := range []string{"t1@solo.dev", "0100018c-t2"} {
		id, ok, err := idx.Lookup(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, key)
		assert.Equal(t, "conv-1", id)
	}
}

func TestIndexExpiredEntryIsMiss(t *testing.T) {
	db := newTestDB(t)
	idx := NewIndex(db, time.Minute, testLogger())
	ctx := context.Background()
	require.NoError(t, idx.Register(ctx, "m1@x.com", "conv-1"))

	idx.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, ok, err := idx.Lookup(ctx, "m1@x.com")
	require.NoError(t, err)
	assert.False(t, ok)
}
