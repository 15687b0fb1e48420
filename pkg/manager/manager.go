// Package manager implements the thin seam spec §4.6 calls Manager: the
// boundary between the (out of scope) HTTP dispatcher and the engines.
// It validates incoming publish/subscribe/unsubscribe requests, writes
// the resulting queue rows, and — when configured — starts the relevant
// engine on the new row in a background goroutine; the call returns
// without waiting for that processing to finish.
package manager

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/hubsub/pkg/errs"
	"github.com/cuemby/hubsub/pkg/fetch"
	"github.com/cuemby/hubsub/pkg/log"
	"github.com/cuemby/hubsub/pkg/storage"
	"github.com/cuemby/hubsub/pkg/types"
	"github.com/cuemby/hubsub/pkg/verification"
)

// ReasonLevel classifies a validation Reason: a "warning" is returned to
// the caller but does not block queueing; an "error" does.
type ReasonLevel string

const (
	LevelWarning ReasonLevel = "warning"
	LevelError   ReasonLevel = "error"
)

// Reason is one machine-readable validation outcome (spec §4.6: "a list
// of machine-readable reasons returned as the response body").
type Reason struct {
	Level   ReasonLevel
	Code    string
	Message string
}

// Result is the outcome of validating and (if accepted) queueing a
// publish/subscribe/unsubscribe request.
type Result struct {
	Accepted bool
	Reasons  []Reason
	TopicID  string
}

func (r *Result) reject(code, msg string) {
	r.Accepted = false
	r.Reasons = append(r.Reasons, Reason{Level: LevelError, Code: code, Message: msg})
}

func (r *Result) warn(code, msg string) {
	r.Reasons = append(r.Reasons, Reason{Level: LevelWarning, Code: code, Message: msg})
}

// Config carries the subset of the hub's configuration Manager needs.
type Config struct {
	PublicHub          bool
	StrictSecrets      bool
	ProcessImmediately bool
	TopicLeaseDefaults types.LeaseDefaults
}

// Manager validates and queues publish/subscribe/unsubscribe requests.
// The fetch and verification engines are optional: when nil,
// ProcessImmediately is silently ignored and work waits for the next
// worker poll.
type Manager struct {
	store        storage.Store
	fetch        *fetch.Engine
	verification *verification.Engine
	cfg          Config
}

// New builds a Manager.
func New(store storage.Store, fetchEngine *fetch.Engine, verificationEngine *verification.Engine, cfg Config) *Manager {
	return &Manager{store: store, fetch: fetchEngine, verification: verificationEngine, cfg: cfg}
}

// PublishRequest is the decoded form of a `hub.mode=publish` POST.
type PublishRequest struct {
	Topic string // hub.topic, falling back to hub.url
}

// Publish validates and accepts a publish notification (spec §4.6).
func (m *Manager) Publish(ctx context.Context, req PublishRequest) *Result {
	result := &Result{Accepted: true}

	topicURL := req.Topic
	if _, err := url.ParseRequestURI(topicURL); err != nil || !strings.HasPrefix(topicURL, "http") {
		result.reject("invalid_topic", "hub.topic (or hub.url) must be an absolute URL")
		return result
	}

	topic, err := m.store.GetTopicByURL(ctx, topicURL)
	if err != nil {
		if !errs.Is(err, errs.NotFound) {
			result.reject("lookup_failed", fmt.Sprintf("topic lookup failed: %v", err))
			return result
		}
		if !m.cfg.PublicHub {
			result.reject("unknown_topic", "topic is not known to this hub")
			return result
		}
		topic = &types.Topic{URL: topicURL}
		if err := m.store.CreateTopic(ctx, topic); err != nil {
			result.reject("create_failed", fmt.Sprintf("failed to register topic: %v", err))
			return result
		}
	}

	if err := m.store.TopicFetchRequested(ctx, topic.ID); err != nil {
		result.reject("queue_failed", fmt.Sprintf("failed to queue fetch: %v", err))
		return result
	}
	result.TopicID = topic.ID

	if m.cfg.ProcessImmediately && m.fetch != nil {
		go func() {
			if err := m.fetch.Process(context.Background(), topic.ID); err != nil {
				log.WithComponent("manager").Warn().Err(err).Str("topic_id", topic.ID).Msg("immediate fetch failed")
			}
		}()
	}
	return result
}

// SubscribeRequest is the decoded form of a `hub.mode=subscribe` or
// `hub.mode=unsubscribe` POST.
type SubscribeRequest struct {
	Unsubscribe    bool
	Topic          string
	Callback       string
	LeaseSeconds   int64
	Secret         string
	SignatureAlgo  string
	IsSecureScheme bool // whether the inbound request itself arrived over TLS
	RemoteAddr     string
	From           string
	RequestID      string
}

// Subscribe validates and queues a subscribe or unsubscribe intent as a
// Verification row (spec §4.6).
func (m *Manager) Subscribe(ctx context.Context, req SubscribeRequest) *Result {
	result := &Result{Accepted: true}

	if _, err := url.ParseRequestURI(req.Callback); err != nil || !strings.HasPrefix(req.Callback, "http") {
		result.reject("invalid_callback", "hub.callback must be an absolute URL")
		return result
	}
	if _, err := url.ParseRequestURI(req.Topic); err != nil || !strings.HasPrefix(req.Topic, "http") {
		result.reject("invalid_topic", "hub.topic must be an absolute URL")
		return result
	}

	topic, err := m.store.GetTopicByURL(ctx, req.Topic)
	if err != nil {
		result.reject("unknown_topic", "topic is not known to this hub")
		return result
	}

	if len(req.Secret) > 199 {
		result.reject("secret_too_long", "hub.secret must be 199 characters or fewer")
		return result
	}
	if req.Secret != "" && !req.IsSecureScheme {
		if m.cfg.StrictSecrets {
			result.reject("insecure_secret", "hub.secret requires an HTTPS callback/request")
			return result
		}
		result.warn("insecure_secret", "hub.secret supplied over an insecure transport")
	}

	mode := types.VerificationModeSubscribe
	if req.Unsubscribe {
		mode = types.VerificationModeUnsubscribe
		existing, err := m.store.GetSubscription(ctx, topic.ID, req.Callback)
		if err != nil || existing.Expires.Before(time.Now()) {
			result.reject("no_such_subscription", "no matching live subscription to unsubscribe")
			return result
		}
	}

	leaseSeconds := req.LeaseSeconds
	leaseMin, leasePreferred, leaseMax := topic.EffectiveLease(m.cfg.TopicLeaseDefaults)
	switch {
	case leaseSeconds <= 0:
		leaseSeconds = leasePreferred
	case leaseSeconds < leaseMin:
		leaseSeconds = leaseMin
	case leaseSeconds > leaseMax:
		leaseSeconds = leaseMax
	}

	v := &types.Verification{
		TopicID:              topic.ID,
		Callback:             req.Callback,
		Mode:                 mode,
		Secret:               req.Secret,
		SignatureAlgorithm:   signatureAlgoOrDefault(req.SignatureAlgo),
		HTTPRemoteAddr:       req.RemoteAddr,
		HTTPFrom:             req.From,
		LeaseSeconds:         leaseSeconds,
		IsPublisherValidated: topic.PublisherValidationURL == "",
		RequestID:            req.RequestID,
	}
	verificationID, err := m.store.VerificationInsert(ctx, v)
	if err != nil {
		result.reject("queue_failed", fmt.Sprintf("failed to queue verification: %v", err))
		return result
	}
	result.TopicID = topic.ID

	if m.cfg.ProcessImmediately && m.verification != nil {
		go func() {
			if err := m.verification.Process(context.Background(), verificationID); err != nil {
				log.WithComponent("manager").Warn().Err(err).Str("topic_id", topic.ID).Msg("immediate verification failed")
			}
		}()
	}
	return result
}

func signatureAlgoOrDefault(alg string) string {
	if alg == "" {
		return "sha512"
	}
	return alg
}
