// Package delivery implements DeliveryEngine (spec §4.4): posting a
// topic's current content to a verified subscriber callback, signed and
// linked per the WebSub distribution contract.
package delivery

import (
	"context"
	"fmt"

	"github.com/cuemby/hubsub/pkg/cache"
	"github.com/cuemby/hubsub/pkg/httpclient"
	"github.com/cuemby/hubsub/pkg/log"
	"github.com/cuemby/hubsub/pkg/signer"
	"github.com/cuemby/hubsub/pkg/storage"
	"github.com/cuemby/hubsub/pkg/types"
)

// Engine consumes claimed subscription-delivery rows.
type Engine struct {
	store               storage.Store
	http                *httpclient.Client
	cache               *cache.ContentCache
	selfBaseURL         string
	retryBackoffSeconds []int
}

// Config carries the subset of the hub's configuration DeliveryEngine needs.
type Config struct {
	SelfBaseURL         string
	RetryBackoffSeconds []int
}

// New builds a DeliveryEngine. cache may be nil; a miss always falls
// through to the store (spec §4.1.3).
func New(store storage.Store, client *httpclient.Client, contentCache *cache.ContentCache, cfg Config) *Engine {
	return &Engine{
		store:               store,
		http:                client,
		cache:               contentCache,
		selfBaseURL:         cfg.SelfBaseURL,
		retryBackoffSeconds: cfg.RetryBackoffSeconds,
	}
}

// Process runs the delivery lifecycle for one claimed (topicID, callback)
// pair (spec §4.4 steps 1-4).
func (e *Engine) Process(ctx context.Context, topicID, callback string) error {
	sub, err := e.store.GetSubscription(ctx, topicID, callback)
	if err != nil {
		return fmt.Errorf("delivery: load subscription %s/%s: %w", topicID, callback, err)
	}

	topic, err := e.store.GetTopic(ctx, topicID)
	if err != nil {
		return fmt.Errorf("delivery: load topic %s: %w", topicID, err)
	}
	dlog := log.WithTopicID(topicID).With().Str("callback", callback).Logger()

	content, contentType, ok := e.loadContent(topic)
	if !ok {
		return e.store.SubscriptionDeliveryComplete(ctx, topicID, callback, topic.ContentUpdated)
	}

	headers := map[string]string{
		"Content-Type": contentType,
		"Link":         e.linkHeader(topic),
	}
	if sub.Secret != "" {
		sig, err := signer.Header(algorithmOrDefault(sub.SignatureAlgorithm), []byte(sub.Secret), content)
		if err != nil {
			return fmt.Errorf("delivery: sign payload %s/%s: %w", topicID, callback, err)
		}
		headers["X-Hub-Signature"] = sig
	}

	result, err := e.http.Post(ctx, callback, content, headers)
	if err != nil {
		dlog.Warn().Err(err).Msg("delivery transport error")
		return e.store.SubscriptionDeliveryIncomplete(ctx, topicID, callback, e.retryBackoffSeconds)
	}

	switch {
	case result.StatusCode == 410:
		return e.store.SubscriptionDeliveryGone(ctx, topicID, callback)
	case result.StatusCode >= 200 && result.StatusCode < 300:
		return e.store.SubscriptionDeliveryComplete(ctx, topicID, callback, topic.ContentUpdated)
	default:
		dlog.Warn().Int("status", result.StatusCode).Msg("delivery non-2xx response")
		return e.store.SubscriptionDeliveryIncomplete(ctx, topicID, callback, e.retryBackoffSeconds)
	}
}

// loadContent prefers the process-local cache, falling back to the topic
// row already in hand. ok is false when the topic carries no content yet.
func (e *Engine) loadContent(topic *types.Topic) (content []byte, contentType string, ok bool) {
	if len(topic.Content) == 0 {
		return nil, "", false
	}
	if e.cache != nil {
		if entry, found := e.cache.Get(topic.ID); found && entry.ContentUpdated == topic.ContentUpdated.UnixNano() {
			return entry.Content, entry.ContentType, true
		}
		e.cache.Set(topic.ID, cache.Entry{
			ContentUpdated: topic.ContentUpdated.UnixNano(),
			Content:        topic.Content,
			ContentType:    topic.ContentType,
		})
	}
	return topic.Content, topic.ContentType, true
}

func (e *Engine) linkHeader(topic *types.Topic) string {
	if e.selfBaseURL == "" {
		return fmt.Sprintf(`<%s>; rel="self"`, topic.URL)
	}
	return fmt.Sprintf(`<%s>; rel="hub", <%s>; rel="self"`, e.selfBaseURL, topic.URL)
}

func algorithmOrDefault(alg string) string {
	if alg == "" {
		return "sha512"
	}
	return alg
}
