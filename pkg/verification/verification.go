// Package verification implements VerificationEngine (spec §4.2): the
// challenge-response confirmation of subscribe/unsubscribe intents.
package verification

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cuemby/hubsub/pkg/errs"
	"github.com/cuemby/hubsub/pkg/httpclient"
	"github.com/cuemby/hubsub/pkg/log"
	"github.com/cuemby/hubsub/pkg/storage"
	"github.com/cuemby/hubsub/pkg/types"
)

// Engine consumes claimed verification rows.
type Engine struct {
	store               storage.Store
	http                *httpclient.Client
	retryBackoffSeconds []int
}

// New builds a VerificationEngine. retryBackoffSeconds is the schedule
// consumed index-wise by attempt count (spec §6).
func New(store storage.Store, client *httpclient.Client, retryBackoffSeconds []int) *Engine {
	return &Engine{store: store, http: client, retryBackoffSeconds: retryBackoffSeconds}
}

// Process runs the full verification lifecycle for one claimed
// verification id (spec §4.2 steps 1-5).
func (e *Engine) Process(ctx context.Context, verificationID string) error {
	v, err := e.store.GetVerification(ctx, verificationID)
	if err != nil {
		return fmt.Errorf("verification: load %s: %w", verificationID, err)
	}
	vlog := log.WithTopicID(v.TopicID)

	topic, err := e.store.GetTopic(ctx, v.TopicID)
	if err != nil {
		return fmt.Errorf("verification: load topic %s: %w", v.TopicID, err)
	}

	if topic.IsDeleted && v.Mode != types.VerificationModeDenied {
		return e.store.ReleaseVerification(ctx, v.TopicID, v.Callback)
	}

	if topic.PublisherValidationURL != "" && !v.IsPublisherValidated {
		if err := e.validateWithPublisher(ctx, topic, v); err != nil {
			vlog.Warn().Err(err).Str("callback", v.Callback).Msg("publisher validation failed")
			return e.incomplete(ctx, v)
		}
		validated := true
		now := time.Now().UTC()
		if err := e.store.VerificationUpdate(ctx, verificationID, storage.VerificationUpdate{
			IsPublisherValidated: &validated,
			NextAttempt:          &now,
		}); err != nil {
			return err
		}
		return e.store.ReleaseVerification(ctx, v.TopicID, v.Callback)
	}

	challenge, err := generateChallenge()
	if err != nil {
		return fmt.Errorf("verification: generate challenge: %w", err)
	}

	callbackURL, err := buildCallbackURL(v, topic, challenge)
	if err != nil {
		return e.decline(ctx, v, "malformed callback url")
	}

	result, err := e.http.GetWithQuery(ctx, callbackURL)
	if err != nil {
		vlog.Warn().Err(err).Str("callback", v.Callback).Msg("verification callback transport error")
		return e.incomplete(ctx, v)
	}

	if result.StatusCode >= 500 || result.StatusCode == http.StatusRequestTimeout {
		return e.incomplete(ctx, v)
	}

	if result.StatusCode >= 200 && result.StatusCode < 300 && bytes.Equal(bytes.TrimSpace(result.Body), []byte(challenge)) {
		return e.confirm(ctx, v, topic)
	}

	return e.decline(ctx, v, "challenge mismatch or non-2xx response")
}

func (e *Engine) validateWithPublisher(ctx context.Context, topic *types.Topic, v *types.Verification) error {
	form := url.Values{
		"hub.mode":     {string(v.Mode)},
		"hub.topic":    {topic.URL},
		"hub.callback": {v.Callback},
	}
	res, err := e.http.Post(ctx, topic.PublisherValidationURL, []byte(form.Encode()), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	})
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("publisher validation returned %d", res.StatusCode)
	}
	return nil
}

func (e *Engine) confirm(ctx context.Context, v *types.Verification, topic *types.Topic) error {
	switch v.Mode {
	case types.VerificationModeSubscribe:
		now := time.Now().UTC()
		_, preferred, _ := topic.EffectiveLease(types.LeaseDefaults{})
		leaseSeconds := v.LeaseSeconds
		if leaseSeconds <= 0 {
			leaseSeconds = preferred
		}
		sub := &types.Subscription{
			TopicID:            v.TopicID,
			Callback:           v.Callback,
			Verified:           now,
			Expires:            now.Add(time.Duration(leaseSeconds) * time.Second),
			Secret:             v.Secret,
			SignatureAlgorithm: v.SignatureAlgorithm,
			HTTPRemoteAddr:     v.HTTPRemoteAddr,
			HTTPFrom:           v.HTTPFrom,

			// Due for delivery now; the delivery view also needs
			// undelivered content before it selects the row.
			DeliveryNextAttempt: now,
		}
		if err := e.store.UpsertSubscription(ctx, sub); err != nil {
			return fmt.Errorf("verification: upsert subscription: %w", err)
		}
	case types.VerificationModeUnsubscribe, types.VerificationModeDenied:
		if err := e.store.DeleteSubscription(ctx, v.TopicID, v.Callback); err != nil {
			return fmt.Errorf("verification: delete subscription: %w", err)
		}
	}
	return e.store.VerificationComplete(ctx, v.ID, v.TopicID, v.Callback)
}

// incomplete schedules a retry and releases the claim, symmetric with
// topicFetchIncomplete/subscriptionDeliveryIncomplete (spec §4.1.2).
func (e *Engine) incomplete(ctx context.Context, v *types.Verification) error {
	if err := e.store.VerificationUpdate(ctx, v.ID, storage.VerificationUpdate{
		IncrementAttempts: true,
		NextAttempt:       nextAttempt(e.retryBackoffSeconds, v.Attempts),
	}); err != nil {
		return fmt.Errorf("verification: schedule retry %s: %w", v.ID, err)
	}
	return e.store.ReleaseVerification(ctx, v.TopicID, v.Callback)
}

func (e *Engine) decline(ctx context.Context, v *types.Verification, reason string) error {
	if err := e.store.VerificationUpdate(ctx, v.ID, storage.VerificationUpdate{
		Mode:   types.VerificationModeDenied,
		Reason: reason,
	}); err != nil {
		return fmt.Errorf("verification: decline %s: %w", v.ID, err)
	}
	return e.store.VerificationComplete(ctx, v.ID, v.TopicID, v.Callback)
}

func nextAttempt(schedule []int, attempts int) *time.Time {
	delay := 0
	if len(schedule) > 0 {
		idx := attempts
		if idx >= len(schedule) {
			idx = len(schedule) - 1
		}
		if idx < 0 {
			idx = 0
		}
		delay = schedule[idx]
	}
	t := time.Now().UTC().Add(time.Duration(delay) * time.Second)
	return &t
}

// generateChallenge returns a random opaque string of at least 16 bytes
// of entropy (spec §4.2 step 3).
func generateChallenge() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func buildCallbackURL(v *types.Verification, topic *types.Topic, challenge string) (string, error) {
	u, err := url.Parse(v.Callback)
	if err != nil {
		return "", errs.Wrap(errs.DataValidation, "malformed callback url", err)
	}
	q := u.Query()
	q.Set("hub.mode", string(v.Mode))
	q.Set("hub.topic", topic.URL)
	q.Set("hub.challenge", challenge)
	if v.Mode == types.VerificationModeSubscribe {
		q.Set("hub.lease_seconds", fmt.Sprintf("%d", v.LeaseSeconds))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
