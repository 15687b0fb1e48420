package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/hubsub/pkg/fetch"
	"github.com/cuemby/hubsub/pkg/httpclient"
	"github.com/cuemby/hubsub/pkg/storage"
	"github.com/cuemby/hubsub/pkg/types"
	"github.com/cuemby/hubsub/pkg/verification"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestWorkerClaimsAndDispatchesFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fresh content"))
	}))
	defer srv.Close()

	store := newTestStore(t)
	ctx := context.Background()
	topic := &types.Topic{URL: srv.URL, IsActive: true, ContentFetchNextAttempt: time.Now().Add(-time.Second)}
	require.NoError(t, store.CreateTopic(ctx, topic))

	fetchEngine := fetch.New(store, httpclient.New(5*time.Second), fetch.Config{RetryBackoffSeconds: []int{60}})
	w := New(store, nil, fetchEngine, nil, Config{Concurrency: 2, ClaimTimeout: time.Minute, Claimant: "test"})

	w.process(ctx)

	got, err := store.GetTopic(ctx, topic.ID)
	require.NoError(t, err)
	require.Equal(t, "fresh content", string(got.Content))
}

func TestWorkerClaimsAndDispatchesVerification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Query().Get("hub.challenge")))
	}))
	defer srv.Close()

	store := newTestStore(t)
	ctx := context.Background()
	topic := &types.Topic{URL: "https://pub.example.com/feed", IsActive: true}
	require.NoError(t, store.CreateTopic(ctx, topic))

	v := &types.Verification{TopicID: topic.ID, Callback: srv.URL, Mode: types.VerificationModeSubscribe, LeaseSeconds: 3600}
	verID, err := store.VerificationInsert(ctx, v)
	require.NoError(t, err)

	verificationEngine := verification.New(store, httpclient.New(5*time.Second), []int{60})
	w := New(store, verificationEngine, nil, nil, Config{Concurrency: 2, ClaimTimeout: time.Minute, Claimant: "test"})

	w.process(ctx)

	_, err = store.GetVerification(ctx, verID)
	require.Error(t, err)

	sub, err := store.GetSubscription(ctx, topic.ID, srv.URL)
	require.NoError(t, err)
	require.False(t, sub.Verified.IsZero())
}

func TestWorkerWakeTriggersProcessing(t *testing.T) {
	store := newTestStore(t)
	w := New(store, nil, nil, nil, Config{PollingEnabled: true, RecurrSleepMs: 50, ClaimTimeout: time.Minute, Claimant: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	w.Wake()
	time.Sleep(20 * time.Millisecond)

	w.mu.Lock()
	processing := w.processing
	w.mu.Unlock()
	require.False(t, processing)
}

func TestWorkerStopEndsLoop(t *testing.T) {
	store := newTestStore(t)
	w := New(store, nil, nil, nil, Config{PollingEnabled: true, RecurrSleepMs: 10, ClaimTimeout: time.Minute, Claimant: "test"})

	ctx := context.Background()
	w.Start(ctx)
	w.Stop()

	w.Stop()
}

func TestWorkerReentrancyGuardSkipsOverlap(t *testing.T) {
	store := newTestStore(t)
	w := New(store, nil, nil, nil, Config{ClaimTimeout: time.Minute, Claimant: "test"})

	w.mu.Lock()
	w.processing = true
	w.mu.Unlock()

	w.process(context.Background())

	w.mu.Lock()
	defer w.mu.Unlock()
	require.True(t, w.processing)
}
