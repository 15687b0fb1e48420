package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/hubsub/pkg/types"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenSQLite(filepath.Join(dir, "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func seedTopic(t *testing.T, store *SQLite, url string) *types.Topic {
	t.Helper()
	topic := &types.Topic{
		URL:                     url,
		LeaseSecondsMin:         3600,
		LeaseSecondsPreferred:   86400,
		LeaseSecondsMax:         864000,
		ContentHashAlgorithm:    "sha256",
		ContentFetchNextAttempt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateTopic(context.Background(), topic))
	return topic
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Migrate(context.Background()))
	v, err := store.SchemaVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1.0.0", v)
}

func TestTopicFetchClaimRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	topic := seedTopic(t, store, "https://pub.example.com/feed")

	ids, err := store.ClaimBatch(ctx, QueueTopicFetch, 10, time.Minute, "node-a")
	require.NoError(t, err)
	require.Equal(t, []string{topic.ID}, ids)

	// Second claim attempt from another claimant sees nothing, since the
	// first claim is still active.
	again, err := store.ClaimBatch(ctx, QueueTopicFetch, 10, time.Minute, "node-b")
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, store.Release(ctx, QueueTopicFetch, topic.ID))

	after, err := store.ClaimBatch(ctx, QueueTopicFetch, 10, time.Minute, "node-b")
	require.NoError(t, err)
	require.Equal(t, []string{topic.ID}, after)
}

func TestTopicFetchClaimExpires(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	topic := seedTopic(t, store, "https://pub.example.com/feed")

	_, err := store.ClaimBatch(ctx, QueueTopicFetch, 10, -time.Minute, "node-a")
	require.NoError(t, err)

	// The claim above already expired (negative TTL), so it should be
	// reclaimable immediately.
	ids, err := store.ClaimBatch(ctx, QueueTopicFetch, 10, time.Minute, "node-b")
	require.NoError(t, err)
	require.Equal(t, []string{topic.ID}, ids)
}

func TestTopicSetContentSkipsOnSameHash(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	topic := seedTopic(t, store, "https://pub.example.com/feed")

	require.NoError(t, store.TopicSetContent(ctx, ContentUpdate{
		TopicID: topic.ID, Content: []byte("hello"), ContentHash: "abc", ContentType: "text/plain",
	}))
	got, err := store.GetTopic(ctx, topic.ID)
	require.NoError(t, err)
	require.Equal(t, "abc", got.ContentHash)
	require.True(t, got.IsActive)
	firstUpdated := got.ContentUpdated

	// Same hash again: no rewrite, contentUpdated unchanged.
	require.NoError(t, store.TopicSetContent(ctx, ContentUpdate{
		TopicID: topic.ID, Content: []byte("hello"), ContentHash: "abc", ContentType: "text/plain",
	}))
	got2, err := store.GetTopic(ctx, topic.ID)
	require.NoError(t, err)
	require.Equal(t, firstUpdated, got2.ContentUpdated)
}

func TestTopicFetchCompleteResetsAttempts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	topic := seedTopic(t, store, "https://pub.example.com/feed")

	require.NoError(t, store.TopicFetchIncomplete(ctx, topic.ID, []int{60, 300}))
	got, err := store.GetTopic(ctx, topic.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.ContentFetchAttemptsSinceSuccess)

	require.NoError(t, store.TopicFetchComplete(ctx, topic.ID))
	got2, err := store.GetTopic(ctx, topic.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got2.ContentFetchAttemptsSinceSuccess)
}

func TestVerificationCompleteRemovesOlderSiblings(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	topic := seedTopic(t, store, "https://pub.example.com/feed")

	v1 := &types.Verification{TopicID: topic.ID, Callback: "https://sub.example.com/cb", Mode: types.VerificationModeSubscribe, SignatureAlgorithm: "sha256"}
	id1, err := store.VerificationInsert(ctx, v1)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)

	v2 := &types.Verification{TopicID: topic.ID, Callback: "https://sub.example.com/cb", Mode: types.VerificationModeSubscribe, SignatureAlgorithm: "sha256"}
	id2, err := store.VerificationInsert(ctx, v2)
	require.NoError(t, err)

	require.NoError(t, store.VerificationComplete(ctx, id2, topic.ID, "https://sub.example.com/cb"))

	_, err = store.GetVerification(ctx, id1)
	require.Error(t, err)
	_, err = store.GetVerification(ctx, id2)
	require.Error(t, err)
}

func TestTopicPendingDeleteRequiresZeroSubscribers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	topic := seedTopic(t, store, "https://pub.example.com/feed")
	require.NoError(t, store.TopicMarkDeleted(ctx, topic.ID))

	sub := &types.Subscription{TopicID: topic.ID, Callback: "https://sub.example.com/cb", Expires: time.Now().Add(time.Hour), SignatureAlgorithm: "sha256"}
	require.NoError(t, store.UpsertSubscription(ctx, sub))

	deleted, err := store.TopicPendingDelete(ctx, topic.ID)
	require.NoError(t, err)
	require.False(t, deleted)

	require.NoError(t, store.DeleteSubscription(ctx, topic.ID, sub.Callback))

	deleted, err = store.TopicPendingDelete(ctx, topic.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	_, err = store.GetTopic(ctx, topic.ID)
	require.Error(t, err)
}

func TestSubscriptionDeliveryCompleteUpdatesWatermark(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	topic := seedTopic(t, store, "https://pub.example.com/feed")
	sub := &types.Subscription{TopicID: topic.ID, Callback: "https://sub.example.com/cb", Expires: time.Now().Add(time.Hour), SignatureAlgorithm: "sha256"}
	require.NoError(t, store.UpsertSubscription(ctx, sub))

	contentUpdated := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.SubscriptionDeliveryComplete(ctx, topic.ID, sub.Callback, contentUpdated))

	got, err := store.GetSubscription(ctx, topic.ID, sub.Callback)
	require.NoError(t, err)
	require.WithinDuration(t, contentUpdated, got.LatestContentDelivered, time.Second)
	require.Equal(t, 0, got.DeliveryAttemptsSinceSuccess)
}
