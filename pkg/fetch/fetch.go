// Package fetch implements FetchEngine (spec §4.3): conditional content
// retrieval from publishers, hub-link validation, and change detection.
package fetch

import (
	"context"
	"fmt"

	"github.com/cuemby/hubsub/pkg/feedparser"
	"github.com/cuemby/hubsub/pkg/httpclient"
	"github.com/cuemby/hubsub/pkg/log"
	"github.com/cuemby/hubsub/pkg/signer"
	"github.com/cuemby/hubsub/pkg/storage"
	"github.com/cuemby/hubsub/pkg/types"
)

// Engine consumes claimed topic rows.
type Engine struct {
	store               storage.Store
	http                *httpclient.Client
	selfBaseURL         string
	strictTopicHubLink  bool
	retryBackoffSeconds []int
}

// Config carries the subset of the hub's configuration FetchEngine needs.
type Config struct {
	SelfBaseURL         string
	StrictTopicHubLink  bool
	RetryBackoffSeconds []int
}

// New builds a FetchEngine.
func New(store storage.Store, client *httpclient.Client, cfg Config) *Engine {
	return &Engine{
		store:               store,
		http:                client,
		selfBaseURL:         cfg.SelfBaseURL,
		strictTopicHubLink:  cfg.StrictTopicHubLink,
		retryBackoffSeconds: cfg.RetryBackoffSeconds,
	}
}

// Process runs the fetch lifecycle for one claimed topic id (spec §4.3).
func (e *Engine) Process(ctx context.Context, topicID string) error {
	topic, err := e.store.GetTopic(ctx, topicID)
	if err != nil {
		return fmt.Errorf("fetch: load topic %s: %w", topicID, err)
	}
	flog := log.WithTopicID(topicID)

	if topic.IsDeleted {
		if err := DenyLiveSubscribers(ctx, e.store, topicID); err != nil {
			return fmt.Errorf("fetch: deny subscribers %s: %w", topicID, err)
		}
		_, err := e.store.TopicPendingDelete(ctx, topicID)
		return err
	}

	result, err := e.http.ConditionalGet(ctx, topic.URL, topic.HTTPETag, topic.HTTPLastModified)
	if err != nil {
		flog.Warn().Err(err).Msg("fetch transport error")
		return e.store.TopicFetchIncomplete(ctx, topicID, e.retryBackoffSeconds)
	}

	if result.NotModified {
		return e.store.TopicFetchComplete(ctx, topicID)
	}

	if result.StatusCode < 200 || result.StatusCode >= 300 {
		flog.Warn().Int("status", result.StatusCode).Msg("fetch non-2xx response")
		return e.store.TopicFetchIncomplete(ctx, topicID, e.retryBackoffSeconds)
	}

	if e.strictTopicHubLink && e.selfBaseURL != "" {
		if !e.hubLinkPresent(result) {
			if err := e.store.TopicMarkDeleted(ctx, topicID); err != nil {
				return fmt.Errorf("fetch: mark topic deleted %s: %w", topicID, err)
			}
			if err := DenyLiveSubscribers(ctx, e.store, topicID); err != nil {
				return fmt.Errorf("fetch: deny subscribers %s: %w", topicID, err)
			}
			_, err := e.store.TopicPendingDelete(ctx, topicID)
			return err
		}
	}

	hash, err := signer.Hash(contentHashAlgorithmOrDefault(topic.ContentHashAlgorithm), result.Body)
	if err != nil {
		return fmt.Errorf("fetch: hash content %s: %w", topicID, err)
	}

	if err := e.store.TopicSetContent(ctx, storage.ContentUpdate{
		TopicID:      topicID,
		Content:      result.Body,
		ContentHash:  hash,
		ContentType:  httpclient.ParseContentType(result.ContentType),
		ETag:         result.ETag,
		LastModified: result.LastModified,
	}); err != nil {
		return fmt.Errorf("fetch: set content %s: %w", topicID, err)
	}

	return e.store.TopicFetchComplete(ctx, topicID)
}

// DenyLiveSubscribers inserts a denied Verification for every still-live
// subscriber of topicID. A topic marked isDeleted otherwise lingers
// forever once it has any subscriber, since TopicPendingDelete is a
// no-op while live subscriptions remain (spec §3: "it lingers until all
// subscribers have received a denied notification"). The verification
// engine's existing denied-mode handling (deletes the subscription, then
// verificationComplete) drains the topic one subscriber at a time until
// a later TopicPendingDelete succeeds (spec §8 scenario 6). Exported so
// the housekeeping sweep — which walks ListDeletedTopics directly, since
// the topic_fetch_needed view excludes isDeleted topics — can drive the
// same drain without needing a FetchEngine of its own.
func DenyLiveSubscribers(ctx context.Context, store storage.Store, topicID string) error {
	callbacks, err := store.ListSubscriptionsByTopic(ctx, topicID)
	if err != nil {
		return fmt.Errorf("list subscriptions %s: %w", topicID, err)
	}
	for _, callback := range callbacks {
		v := &types.Verification{
			TopicID:  topicID,
			Callback: callback,
			Mode:     types.VerificationModeDenied,
			Reason:   "topic deleted",
		}
		if _, err := store.VerificationInsert(ctx, v); err != nil {
			return fmt.Errorf("insert denial verification %s/%s: %w", topicID, callback, err)
		}
	}
	return nil
}

func contentHashAlgorithmOrDefault(alg string) string {
	if alg == "" {
		return "sha512"
	}
	return alg
}

// hubLinkPresent checks both the Link header and the body (Atom/RSS/HTML)
// for a rel="hub" relation naming this hub (spec §4.3 step 4). Finding it
// in either place is sufficient even if body parsing otherwise fails.
func (e *Engine) hubLinkPresent(result *httpclient.FetchResult) bool {
	if result.LinkHeader != "" {
		if feedparser.HasHubRelation(feedparser.ParseLinkHeader(result.LinkHeader), e.selfBaseURL) {
			return true
		}
	}
	if links := feedparser.ParseBody(result.Body); feedparser.HasHubRelation(links, e.selfBaseURL) {
		return true
	}
	if links := feedparser.ParseHTML(result.Body); feedparser.HasHubRelation(links, e.selfBaseURL) {
		return true
	}
	return false
}
