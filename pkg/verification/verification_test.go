package verification

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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

func seedTopicAndVerification(t *testing.T, store storage.Store, mode types.VerificationMode, callback string) (*types.Topic, string) {
	t.Helper()
	ctx := context.Background()
	topic := &types.Topic{URL: "https://pub.example.com/feed", ContentHashAlgorithm: "sha256", IsActive: true, ContentFetchNextAttempt: time.Now()}
	require.NoError(t, store.CreateTopic(ctx, topic))

	v := &types.Verification{TopicID: topic.ID, Callback: callback, Mode: mode, SignatureAlgorithm: "sha256", LeaseSeconds: 86400}
	id, err := store.VerificationInsert(ctx, v)
	require.NoError(t, err)
	return topic, id
}

func TestSubscribeConfirmedCreatesSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Query().Get("hub.challenge")))
	}))
	defer srv.Close()

	store := newTestStore(t)
	topic, vid := seedTopicAndVerification(t, store, types.VerificationModeSubscribe, srv.URL)

	eng := New(store, httpclient.New(5*time.Second), []int{60, 300})
	require.NoError(t, eng.Process(context.Background(), vid))

	sub, err := store.GetSubscription(context.Background(), topic.ID, srv.URL)
	require.NoError(t, err)
	require.False(t, sub.Verified.IsZero())

	_, err = store.GetVerification(context.Background(), vid)
	require.Error(t, err)
}

func TestSubscribeMismatchDeclines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("wrong-challenge"))
	}))
	defer srv.Close()

	store := newTestStore(t)
	topic, vid := seedTopicAndVerification(t, store, types.VerificationModeSubscribe, srv.URL)

	eng := New(store, httpclient.New(5*time.Second), []int{60, 300})
	require.NoError(t, eng.Process(context.Background(), vid))

	_, err := store.GetSubscription(context.Background(), topic.ID, srv.URL)
	require.Error(t, err)
	_, err = store.GetVerification(context.Background(), vid)
	require.Error(t, err)
}

func TestSubscribe5xxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newTestStore(t)
	_, vid := seedTopicAndVerification(t, store, types.VerificationModeSubscribe, srv.URL)

	eng := New(store, httpclient.New(5*time.Second), []int{60, 300})
	require.NoError(t, eng.Process(context.Background(), vid))

	v, err := store.GetVerification(context.Background(), vid)
	require.NoError(t, err)
	require.Equal(t, 1, v.Attempts)
}

func TestUnsubscribeConfirmedDeletesSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Query().Get("hub.challenge")))
	}))
	defer srv.Close()

	store := newTestStore(t)
	ctx := context.Background()
	topic := &types.Topic{URL: "https://pub.example.com/feed2", ContentHashAlgorithm: "sha256", IsActive: true, ContentFetchNextAttempt: time.Now()}
	require.NoError(t, store.CreateTopic(ctx, topic))
	require.NoError(t, store.UpsertSubscription(ctx, &types.Subscription{TopicID: topic.ID, Callback: srv.URL, Expires: time.Now().Add(time.Hour), SignatureAlgorithm: "sha256"}))

	v := &types.Verification{TopicID: topic.ID, Callback: srv.URL, Mode: types.VerificationModeUnsubscribe, SignatureAlgorithm: "sha256"}
	vid, err := store.VerificationInsert(ctx, v)
	require.NoError(t, err)

	eng := New(store, httpclient.New(5*time.Second), []int{60, 300})
	require.NoError(t, eng.Process(ctx, vid))

	_, err = store.GetSubscription(ctx, topic.ID, srv.URL)
	require.Error(t, err)
}
