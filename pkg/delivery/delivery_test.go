package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/hubsub/pkg/cache"
	"github.com/cuemby/hubsub/pkg/httpclient"
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

func seedTopicWithContent(t *testing.T, store storage.Store, content []byte) *types.Topic {
	t.Helper()
	ctx := context.Background()
	topic := &types.Topic{URL: "https://pub.example.com/feed", ContentHashAlgorithm: "sha256", IsActive: true, ContentFetchNextAttempt: time.Now()}
	require.NoError(t, store.CreateTopic(ctx, topic))
	require.NoError(t, store.TopicSetContent(ctx, storage.ContentUpdate{
		TopicID:     topic.ID,
		Content:     content,
		ContentHash: "deadbeef",
		ContentType: "text/plain",
	}))
	got, err := store.GetTopic(ctx, topic.ID)
	require.NoError(t, err)
	return got
}

func TestDeliverySuccessSignsPayload(t *testing.T) {
	var gotSig, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Hub-Signature")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newTestStore(t)
	topic := seedTopicWithContent(t, store, []byte("payload"))
	require.NoError(t, store.UpsertSubscription(context.Background(), &types.Subscription{
		TopicID: topic.ID, Callback: srv.URL, Verified: time.Now(), Expires: time.Now().Add(time.Hour),
		Secret: "sekret", SignatureAlgorithm: "sha256",
	}))

	eng := New(store, httpclient.New(5*time.Second), cache.New(10), Config{RetryBackoffSeconds: []int{60}})
	require.NoError(t, eng.Process(context.Background(), topic.ID, srv.URL))

	require.Equal(t, "payload", gotBody)
	require.Contains(t, gotSig, "sha256=")

	sub, err := store.GetSubscription(context.Background(), topic.ID, srv.URL)
	require.NoError(t, err)
	require.Equal(t, 0, sub.DeliveryAttemptsSinceSuccess)
}

func TestDelivery410RemovesSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	store := newTestStore(t)
	topic := seedTopicWithContent(t, store, []byte("payload"))
	require.NoError(t, store.UpsertSubscription(context.Background(), &types.Subscription{
		TopicID: topic.ID, Callback: srv.URL, Verified: time.Now(), Expires: time.Now().Add(time.Hour),
		SignatureAlgorithm: "sha256",
	}))

	eng := New(store, httpclient.New(5*time.Second), nil, Config{RetryBackoffSeconds: []int{60}})
	require.NoError(t, eng.Process(context.Background(), topic.ID, srv.URL))

	_, err := store.GetSubscription(context.Background(), topic.ID, srv.URL)
	require.Error(t, err)
}

func TestDeliveryNon2xxIncrementsAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newTestStore(t)
	topic := seedTopicWithContent(t, store, []byte("payload"))
	require.NoError(t, store.UpsertSubscription(context.Background(), &types.Subscription{
		TopicID: topic.ID, Callback: srv.URL, Verified: time.Now(), Expires: time.Now().Add(time.Hour),
		SignatureAlgorithm: "sha256",
	}))

	eng := New(store, httpclient.New(5*time.Second), nil, Config{RetryBackoffSeconds: []int{60, 300}})
	require.NoError(t, eng.Process(context.Background(), topic.ID, srv.URL))

	sub, err := store.GetSubscription(context.Background(), topic.ID, srv.URL)
	require.NoError(t, err)
	require.Equal(t, 1, sub.DeliveryAttemptsSinceSuccess)
}
