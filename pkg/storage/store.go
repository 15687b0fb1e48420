// Package storage defines the Store contract shared by both backends
// (embedded SQLite and durable PostgreSQL) and the SQL-asset migration
// runner that provisions them (spec §4.1, §9).
package storage

import (
	"context"
	"time"

	"github.com/cuemby/hubsub/pkg/types"
)

// Queue names one of the three claim/release queues the Store arbitrates.
type Queue string

const (
	QueueTopicFetch             Queue = "topic_fetch"
	QueueSubscriptionDelivery   Queue = "subscription_delivery"
	QueueVerification           Queue = "verification"
)

// ContentUpdate is the payload for TopicSetContent (spec §4.1.2).
type ContentUpdate struct {
	TopicID      string
	Content      []byte
	ContentHash  string
	ContentType  string
	ETag         string
	LastModified string
}

// VerificationUpdate mutates a subset of a claimed verification's fields
// (spec §4.1.2's verificationUpdate/Release/Validated).
type VerificationUpdate struct {
	Mode                 types.VerificationMode
	Reason               string
	IsPublisherValidated *bool
	NextAttempt          *time.Time
	IncrementAttempts    bool
}

// Store is the single source of truth for the queue engine: entity
// persistence plus the claim primitives that let any number of worker
// processes cooperate safely (spec §4.1). Both backends (sqlite.go,
// postgres.go) implement this identically; callers never branch on
// backend kind.
type Store interface {
	// Claim primitives, one set of three operations per queue (§4.1.1).
	// ClaimByID/Release address QueueTopicFetch and QueueSubscriptionDelivery,
	// both keyed by a single entity id. QueueVerification is keyed by the
	// composite (topicId, callback) pair instead — see
	// ClaimVerificationByID/ReleaseVerification below.
	ClaimBatch(ctx context.Context, queue Queue, wanted int, claimTimeout time.Duration, claimant string) ([]string, error)
	ClaimByID(ctx context.Context, queue Queue, id string, claimTimeout time.Duration, claimant string) (bool, error)
	Release(ctx context.Context, queue Queue, id string) error
	ClaimVerificationByID(ctx context.Context, topicID, callback string, claimTimeout time.Duration, claimant string) (bool, error)
	ReleaseVerification(ctx context.Context, topicID, callback string) error

	// Topic.
	CreateTopic(ctx context.Context, topic *types.Topic) error
	GetTopic(ctx context.Context, id string) (*types.Topic, error)
	GetTopicByURL(ctx context.Context, url string) (*types.Topic, error)
	TopicFetchRequested(ctx context.Context, topicID string) error
	TopicFetchComplete(ctx context.Context, topicID string) error
	TopicFetchIncomplete(ctx context.Context, topicID string, retryDelays []int) error
	TopicSetContent(ctx context.Context, update ContentUpdate) error
	TopicMarkDeleted(ctx context.Context, topicID string) error
	TopicPendingDelete(ctx context.Context, topicID string) (bool, error)
	SubscriberCountByTopic(ctx context.Context, topicID string) (int, error)
	SubscriberCountByTopicURL(ctx context.Context, url string) (int, error)
	// ListDeletedTopics returns the ids of every topic flagged isDeleted,
	// the housekeeping sweep's candidate set for TopicPendingDelete.
	ListDeletedTopics(ctx context.Context) ([]string, error)
	// PruneContentHistory deletes TopicContentHistory rows older than
	// olderThan, returning the number removed (housekeeping retention).
	PruneContentHistory(ctx context.Context, olderThan time.Time) (int64, error)
	// CountLiveSubscriptions returns the number of unexpired subscriptions
	// across every topic, for the subscriptions-total gauge.
	CountLiveSubscriptions(ctx context.Context) (int, error)
	// ListSubscriptionsByTopic returns the callbacks of every unexpired
	// subscription to topicID — the same set TopicPendingDelete's live-
	// subscriber count blocks on. Used to drain a topic marked isDeleted
	// by issuing each subscriber a denied Verification (spec §3, §8
	// scenario 6) rather than leaving it stuck forever.
	ListSubscriptionsByTopic(ctx context.Context, topicID string) ([]string, error)

	// Subscription.
	UpsertSubscription(ctx context.Context, sub *types.Subscription) error
	GetSubscription(ctx context.Context, topicID, callback string) (*types.Subscription, error)
	// ResolveSubscriptionID maps a subscription's own id — what ClaimBatch
	// returns for QueueSubscriptionDelivery — back to the (topicID,
	// callback) pair the rest of the Subscription API is keyed by.
	ResolveSubscriptionID(ctx context.Context, subscriptionID string) (topicID, callback string, err error)
	DeleteSubscription(ctx context.Context, topicID, callback string) error
	SubscriptionDeliveryComplete(ctx context.Context, topicID, callback string, topicContentUpdated time.Time) error
	SubscriptionDeliveryGone(ctx context.Context, topicID, callback string) error
	SubscriptionDeliveryIncomplete(ctx context.Context, topicID, callback string, retryDelays []int) error

	// Verification.
	VerificationInsert(ctx context.Context, v *types.Verification) (string, error)
	GetVerification(ctx context.Context, id string) (*types.Verification, error)
	VerificationComplete(ctx context.Context, verificationID, topicID, callback string) error
	VerificationUpdate(ctx context.Context, verificationID string, update VerificationUpdate) error

	// Schema.
	SchemaVersion(ctx context.Context) (string, error)
	Migrate(ctx context.Context) error

	Close() error
}

// ChangeNotifier is an optional capability: backends that support peer
// notification (the pgx-backed Store) implement it so a Listener can be
// built on top; the sqlite backend does not (spec §4.1.3, §9).
type ChangeNotifier interface {
	// Listen blocks delivering topic ids on the returned channel until
	// ctx is canceled. Implementations reconnect internally on transport
	// errors; the channel is only closed when ctx is done.
	Listen(ctx context.Context) (<-chan string, error)
}
