package fetch

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

func TestFetchNewContentWritesHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	store := newTestStore(t)
	topic := &types.Topic{URL: srv.URL, ContentHashAlgorithm: "sha256", ContentFetchNextAttempt: time.Now()}
	require.NoError(t, store.CreateTopic(context.Background(), topic))

	eng := New(store, httpclient.New(5*time.Second), Config{RetryBackoffSeconds: []int{60}})
	require.NoError(t, eng.Process(context.Background(), topic.ID))

	got, err := store.GetTopic(context.Background(), topic.ID)
	require.NoError(t, err)
	require.True(t, got.IsActive)
	require.Equal(t, []byte("hello"), got.Content)
	require.Equal(t, `"v1"`, got.HTTPETag)
}

func TestFetch304LeavesContentUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	store := newTestStore(t)
	topic := &types.Topic{URL: srv.URL, ContentHashAlgorithm: "sha256", HTTPETag: `"v1"`, ContentFetchNextAttempt: time.Now()}
	require.NoError(t, store.CreateTopic(context.Background(), topic))

	eng := New(store, httpclient.New(5*time.Second), Config{RetryBackoffSeconds: []int{60}})
	require.NoError(t, eng.Process(context.Background(), topic.ID))

	got, err := store.GetTopic(context.Background(), topic.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.ContentFetchAttemptsSinceSuccess)
	require.Empty(t, got.Content)
}

func TestFetchStrictHubLinkRejectsMissingRelation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("no links here"))
	}))
	defer srv.Close()

	store := newTestStore(t)
	topic := &types.Topic{URL: srv.URL, ContentHashAlgorithm: "sha256", ContentFetchNextAttempt: time.Now()}
	require.NoError(t, store.CreateTopic(context.Background(), topic))

	eng := New(store, httpclient.New(5*time.Second), Config{
		SelfBaseURL: "https://hub.example.com/", StrictTopicHubLink: true, RetryBackoffSeconds: []int{60},
	})
	require.NoError(t, eng.Process(context.Background(), topic.ID))

	got, err := store.GetTopic(context.Background(), topic.ID)
	require.Error(t, err)
	require.Nil(t, got)
}

func TestFetchDeletedTopicIssuesDenialVerificationAndLingers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	topic := &types.Topic{URL: "https://pub.example.com/feed", ContentHashAlgorithm: "sha256", IsActive: true}
	require.NoError(t, store.CreateTopic(ctx, topic))
	require.NoError(t, store.UpsertSubscription(ctx, &types.Subscription{
		TopicID: topic.ID, Callback: "https://sub.example.com/cb",
		Verified: time.Now(), Expires: time.Now().Add(time.Hour),
	}))
	require.NoError(t, store.TopicMarkDeleted(ctx, topic.ID))

	eng := New(store, httpclient.New(time.Second), Config{RetryBackoffSeconds: []int{60}})
	require.NoError(t, eng.Process(ctx, topic.ID))

	// The subscriber hasn't confirmed the denial yet, so the topic lingers
	// (spec §3) rather than being removed by this same Process call.
	_, err := store.GetTopic(ctx, topic.ID)
	require.NoError(t, err)

	ids, err := store.ClaimBatch(ctx, storage.QueueVerification, 10, time.Minute, "test-node")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	v, err := store.GetVerification(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, types.VerificationModeDenied, v.Mode)
	require.Equal(t, "https://sub.example.com/cb", v.Callback)
}

func TestFetchTransportErrorIncrementsAttempts(t *testing.T) {
	store := newTestStore(t)
	topic := &types.Topic{URL: "http://127.0.0.1:1", ContentHashAlgorithm: "sha256", ContentFetchNextAttempt: time.Now()}
	require.NoError(t, store.CreateTopic(context.Background(), topic))

	eng := New(store, httpclient.New(time.Second), Config{RetryBackoffSeconds: []int{60, 300}})
	require.NoError(t, eng.Process(context.Background(), topic.ID))

	got, err := store.GetTopic(context.Background(), topic.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.ContentFetchAttemptsSinceSuccess)
}
