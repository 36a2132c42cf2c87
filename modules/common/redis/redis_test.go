package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagine-engine-server/modules/common/model"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb), mr
}

func TestQueue_FIFO(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	pos, err := s.Enqueue(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos)

	pos, err = s.Enqueue(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)

	id, err := s.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	id, err = s.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-2", id)
}

func TestJobState_RoundTripAndTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	job := &model.Job{ID: "job-1", UserID: "u1", Kind: model.JobKindGenerate, Status: model.StatusPending, Total: 2}
	require.NoError(t, s.SaveJob(ctx, job))

	loaded, err := s.LoadJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", loaded.UserID)
	assert.Equal(t, 2, loaded.Total)
	assert.False(t, loaded.UpdatedAt.IsZero())

	mr.FastForward(25 * time.Hour)
	_, err = s.LoadJob(ctx, "job-1")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestCancelFlag(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	assert.False(t, s.IsJobCancelled(ctx, "job-1"))
	require.NoError(t, s.SetJobCancelled(ctx, "job-1"))
	assert.True(t, s.IsJobCancelled(ctx, "job-1"))

	mr.FastForward(2 * time.Hour)
	assert.False(t, s.IsJobCancelled(ctx, "job-1"))
}

func TestAllow_FixedWindow(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := s.Allow(ctx, "u1", 3)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := s.Allow(ctx, "u1", 3)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Allow(ctx, "u2", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Allow(ctx, "u1", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPublishSubscribe(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sub := s.Subscribe(ctx, "u1")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, s.PublishEvent(ctx, "u1", model.Event{Type: "image", JobID: "job-1", ImageURL: "https://x/y.png"}))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, EventChannel("u1"), msg.Channel)
		assert.Contains(t, msg.Payload, "https://x/y.png")
	case <-time.After(2 * time.Second):
		t.Fatal("expected published event")
	}
}

func TestSubscribeAllRoutesByChannel(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sub := s.SubscribeAll(ctx)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, s.PublishEvent(ctx, "u2", model.Event{Type: "job_done", JobID: "job-2"}))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "u2", UserFromChannel(msg.Channel))
		assert.Contains(t, msg.Payload, "job-2")
	case <-time.After(2 * time.Second):
		t.Fatal("expected published event")
	}
}

func TestUserFromChannel(t *testing.T) {
	assert.Equal(t, "abc-123", UserFromChannel(EventChannel("abc-123")))
	assert.Equal(t, "", UserFromChannel("jobs:queue"))
	assert.Equal(t, "", UserFromChannel("user:abc"))
}
