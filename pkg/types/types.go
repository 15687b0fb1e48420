// Package types holds the entities shared across the hub: topics,
// subscriptions, verifications, and the claim rows that coordinate
// work across engines and worker nodes.
package types

import "time"

// Topic is a feed URL the hub distributes on behalf of a publisher.
type Topic struct {
	ID  string
	URL string

	LeaseSecondsPreferred int64
	LeaseSecondsMin       int64
	LeaseSecondsMax       int64

	PublisherValidationURL string
	ContentHashAlgorithm   string // sha1, sha256, sha384, sha512

	IsActive  bool
	IsDeleted bool

	LastPublish                   time.Time
	ContentFetchNextAttempt       time.Time
	ContentFetchAttemptsSinceSuccess int

	ContentUpdated   time.Time
	Content          []byte
	ContentHash      string
	ContentType      string
	HTTPETag         string
	HTTPLastModified string

	Created time.Time
}

// LeaseDefaults are applied at read time when a Topic omits lease bounds.
type LeaseDefaults struct {
	Preferred int64
	Min       int64
	Max       int64
}

// EffectiveLease fills in defaults for any zero-valued lease bound.
func (t *Topic) EffectiveLease(d LeaseDefaults) (min, preferred, max int64) {
	min, preferred, max = t.LeaseSecondsMin, t.LeaseSecondsPreferred, t.LeaseSecondsMax
	if min <= 0 {
		min = d.Min
	}
	if preferred <= 0 {
		preferred = d.Preferred
	}
	if max <= 0 {
		max = d.Max
	}
	return min, preferred, max
}

// TopicFetchInProgress is the claim row for the topic-fetch queue, 0-or-1 per Topic.
type TopicFetchInProgress struct {
	TopicID      string
	Claimant     string
	Claimed      time.Time
	ClaimExpires time.Time
}

// TopicContentHistory is an append-only audit row recorded on every
// successful content change.
type TopicContentHistory struct {
	ID              string
	TopicID         string
	ContentUpdated  time.Time
	ContentSize     int64
	ContentHash     string
}

// Subscription is an active subscriber callback for a topic.
type Subscription struct {
	ID       string
	TopicID  string
	Callback string

	Created  time.Time
	Verified time.Time
	Expires  time.Time

	Secret              string
	SignatureAlgorithm  string // sha1, sha256, sha384, sha512

	HTTPRemoteAddr string
	HTTPFrom       string

	ContentDelivered             time.Time
	LatestContentDelivered       time.Time
	DeliveryAttemptsSinceSuccess int
	DeliveryNextAttempt         time.Time
}

// SubscriptionDeliveryInProgress is the claim row for the delivery queue.
type SubscriptionDeliveryInProgress struct {
	SubscriptionID string
	TopicID        string
	Claimant       string
	Claimed        time.Time
	ClaimExpires   time.Time
}

// VerificationMode is the intent a Verification carries.
type VerificationMode string

const (
	VerificationModeSubscribe   VerificationMode = "subscribe"
	VerificationModeUnsubscribe VerificationMode = "unsubscribe"
	VerificationModeDenied      VerificationMode = "denied"
)

// Verification is a pending subscribe/unsubscribe challenge.
type Verification struct {
	ID       string
	TopicID  string
	Callback string
	Created  time.Time

	Mode VerificationMode

	Secret             string
	SignatureAlgorithm string
	HTTPRemoteAddr     string
	HTTPFrom           string

	LeaseSeconds         int64
	IsPublisherValidated bool
	Reason               string
	RequestID            string

	Attempts    int
	NextAttempt time.Time
}

// VerificationInProgress is the claim row for the verification queue,
// unique by (TopicID, Callback) rather than by verification id.
type VerificationInProgress struct {
	TopicID      string
	Callback     string
	VerificationID string
	Claimant     string
	Claimed      time.Time
	ClaimExpires time.Time
}

// Authentication is an admin login credential. Engines never touch it;
// it exists so the dispatcher (out of scope) has somewhere to store
// admin accounts in the same store.
type Authentication struct {
	Identifier          string
	Credential          string
	OTPKey              string
	Created             time.Time
	LastAuthentication  time.Time
}

// AllowedHashAlgorithms enumerates the digests a Topic or Subscription may use.
var AllowedHashAlgorithms = map[string]bool{
	"sha1":   true,
	"sha256": true,
	"sha384": true,
	"sha512": true,
}
