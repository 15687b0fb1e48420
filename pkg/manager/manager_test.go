package manager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/hubsub/pkg/storage"
	"github.com/cuemby/hubsub/pkg/types"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func defaultLease() types.LeaseDefaults {
	return types.LeaseDefaults{Preferred: 86400, Min: 3600, Max: 864000}
}

func TestPublishUnknownTopicRejectedWhenNotPublicHub(t *testing.T) {
	store := newTestStore(t)
	m := New(store, nil, nil, Config{PublicHub: false})

	result := m.Publish(context.Background(), PublishRequest{Topic: "https://pub.example.com/feed"})
	require.False(t, result.Accepted)
}

func TestPublishCreatesUnknownTopicWhenPublicHub(t *testing.T) {
	store := newTestStore(t)
	m := New(store, nil, nil, Config{PublicHub: true})

	result := m.Publish(context.Background(), PublishRequest{Topic: "https://pub.example.com/feed"})
	require.True(t, result.Accepted)
	require.NotEmpty(t, result.TopicID)

	topic, err := store.GetTopic(context.Background(), result.TopicID)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), topic.ContentFetchNextAttempt, 5*time.Second)
}

func TestPublishRejectsMalformedURL(t *testing.T) {
	store := newTestStore(t)
	m := New(store, nil, nil, Config{PublicHub: true})

	result := m.Publish(context.Background(), PublishRequest{Topic: "not-a-url"})
	require.False(t, result.Accepted)
}

func TestSubscribeRejectsLongSecret(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	topic := &types.Topic{URL: "https://pub.example.com/feed", LeaseSecondsMin: 3600, LeaseSecondsPreferred: 86400, LeaseSecondsMax: 864000}
	require.NoError(t, store.CreateTopic(ctx, topic))

	m := New(store, nil, nil, Config{TopicLeaseDefaults: defaultLease()})
	result := m.Subscribe(ctx, SubscribeRequest{
		Topic: topic.URL, Callback: "https://sub.example.com/cb",
		Secret: string(make([]byte, 200)),
	})
	require.False(t, result.Accepted)
}

func TestSubscribeClampsLeaseSeconds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	topic := &types.Topic{URL: "https://pub.example.com/feed", LeaseSecondsMin: 3600, LeaseSecondsPreferred: 86400, LeaseSecondsMax: 864000}
	require.NoError(t, store.CreateTopic(ctx, topic))

	m := New(store, nil, nil, Config{TopicLeaseDefaults: defaultLease()})
	result := m.Subscribe(ctx, SubscribeRequest{
		Topic: topic.URL, Callback: "https://sub.example.com/cb",
		LeaseSeconds: 1, // below min, should clamp up
	})
	require.True(t, result.Accepted)
}

func TestSubscribeWarnsOnInsecureSecretWhenNotStrict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	topic := &types.Topic{URL: "https://pub.example.com/feed", LeaseSecondsMin: 3600, LeaseSecondsPreferred: 86400, LeaseSecondsMax: 864000}
	require.NoError(t, store.CreateTopic(ctx, topic))

	m := New(store, nil, nil, Config{TopicLeaseDefaults: defaultLease(), StrictSecrets: false})
	result := m.Subscribe(ctx, SubscribeRequest{
		Topic: topic.URL, Callback: "https://sub.example.com/cb",
		Secret: "shh", IsSecureScheme: false,
	})
	require.True(t, result.Accepted)
	require.Len(t, result.Reasons, 1)
	require.Equal(t, LevelWarning, result.Reasons[0].Level)
}

func TestSubscribeRejectsInsecureSecretWhenStrict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	topic := &types.Topic{URL: "https://pub.example.com/feed", LeaseSecondsMin: 3600, LeaseSecondsPreferred: 86400, LeaseSecondsMax: 864000}
	require.NoError(t, store.CreateTopic(ctx, topic))

	m := New(store, nil, nil, Config{TopicLeaseDefaults: defaultLease(), StrictSecrets: true})
	result := m.Subscribe(ctx, SubscribeRequest{
		Topic: topic.URL, Callback: "https://sub.example.com/cb",
		Secret: "shh", IsSecureScheme: false,
	})
	require.False(t, result.Accepted)
}

func TestUnsubscribeRejectedWithoutLiveSubscription(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	topic := &types.Topic{URL: "https://pub.example.com/feed", LeaseSecondsMin: 3600, LeaseSecondsPreferred: 86400, LeaseSecondsMax: 864000}
	require.NoError(t, store.CreateTopic(ctx, topic))

	m := New(store, nil, nil, Config{TopicLeaseDefaults: defaultLease()})
	result := m.Subscribe(ctx, SubscribeRequest{
		Unsubscribe: true, Topic: topic.URL, Callback: "https://sub.example.com/cb",
	})
	require.False(t, result.Accepted)
}

func TestUnsubscribeAcceptedWithLiveSubscription(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	topic := &types.Topic{URL: "https://pub.example.com/feed", LeaseSecondsMin: 3600, LeaseSecondsPreferred: 86400, LeaseSecondsMax: 864000}
	require.NoError(t, store.CreateTopic(ctx, topic))
	require.NoError(t, store.UpsertSubscription(ctx, &types.Subscription{
		TopicID: topic.ID, Callback: "https://sub.example.com/cb",
		Verified: time.Now(), Expires: time.Now().Add(time.Hour),
	}))

	m := New(store, nil, nil, Config{TopicLeaseDefaults: defaultLease()})
	result := m.Subscribe(ctx, SubscribeRequest{
		Unsubscribe: true, Topic: topic.URL, Callback: "https://sub.example.com/cb",
	})
	require.True(t, result.Accepted)
}
