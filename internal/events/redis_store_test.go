package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T, opts RedisOptions) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, opts), mr
}

func TestRedisStore_AppendAndList(t *testing.T) {
	store, _ := newTestRedisStore(t, RedisOptions{})
	ctx := context.Background()

	last, err := store.LastSequence(ctx, "conv-1")
	require.NoError(t, err)
	assert.Zero(t, last)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, store.AppendEvent(ctx, Event{
			ConversationID: "conv-1",
			Sequence:       i,
			Type:           TypeTranscription,
			Source:         SourceUpstream,
			Payload:        json.RawMessage(`{"text":"hi"}`),
			Timestamp:      ts,
		}))
	}

	last, err = store.LastSequence(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), last)

	got, err := store.ListEvents(ctx, "conv-1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(3), got[0].Sequence)
	assert.Equal(t, uint64(4), got[1].Sequence)
	assert.JSONEq(t, `{"text":"hi"}`, string(got[0].Payload))
	assert.True(t, ts.Equal(got[0].Timestamp))

	empty, err := store.ListEvents(ctx, "conv-missing", 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisStore_ExpiresIdleLogs(t *testing.T) {
	store, mr := newTestRedisStore(t, RedisOptions{KeyPrefix: "test:", TTL: time.Minute})
	ctx := context.Background()
	require.NoError(t, store.AppendEvent(ctx, Event{ConversationID: "conv-1", Sequence: 1, Type: TypeSessionCreated}))

	assert.True(t, mr.Exists("test:events:conv-1"))
	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("test:events:conv-1"))
}

func TestRecorder_WithRedisStore(t *testing.T) {
	store, _ := newTestRedisStore(t, RedisOptions{})
	ctx := context.Background()

	first := NewRecorder(store, nil, nil)
	_, err := first.Append(ctx, "conv-1", Event{Type: TypeSessionCreated, Source: SourceBridge})
	require.NoError(t, err)

	// A fresh recorder picks up where the stored log ends.
	second := NewRecorder(store, nil, nil)
	ev, err := second.Append(ctx, "conv-1", Event{Type: TypeSessionClosed, Source: SourceBridge})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ev.Sequence)
}
