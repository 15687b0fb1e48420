// Package housekeeping runs the cron-scheduled maintenance sweep that
// spec §4.1.2/§9 leaves implicit: pending-delete cleanup for topics
// already flagged isDeleted, and retention pruning of the append-only
// TopicContentHistory audit table. Scheduling follows the same
// robfig/cron idiom as the teacher pack's periodic-update services.
package housekeeping

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cuemby/hubsub/pkg/fetch"
	"github.com/cuemby/hubsub/pkg/log"
	"github.com/cuemby/hubsub/pkg/metrics"
	"github.com/cuemby/hubsub/pkg/storage"
)

// Config tunes the sweep.
type Config struct {
	// Schedule is a standard 5-field cron expression or a descriptor such
	// as "@every 10m".
	Schedule string
	// HistoryRetention bounds how long TopicContentHistory rows survive.
	HistoryRetention time.Duration
}

// Sweeper periodically retries pending topic deletions and prunes old
// content-history rows. Both operations are idempotent, so an overlapping
// or missed run is harmless (spec §4.1.2's topicPendingDelete is already
// a no-op when subscribers remain).
type Sweeper struct {
	store  storage.Store
	cfg    Config
	cron   *cron.Cron
	logger zerolog.Logger
}

// New builds a Sweeper. A malformed Schedule is reported by Start, not here.
func New(store storage.Store, cfg Config) *Sweeper {
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = 90 * 24 * time.Hour
	}
	return &Sweeper{
		store:  store,
		cfg:    cfg,
		cron:   cron.New(),
		logger: log.WithComponent("housekeeping"),
	}
}

// Start schedules the sweep and begins the cron scheduler. ctx governs
// the lifetime of each individual run, not the scheduler itself; call
// Stop to end scheduling.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() { s.runOnce(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop ends the scheduler, waiting for any in-flight run to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce performs a single sweep synchronously, mainly for tests.
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.runOnce(ctx)
}

func (s *Sweeper) runOnce(ctx context.Context) {
	s.sweepDeletedTopics(ctx)
	s.pruneHistory(ctx)
	s.refreshSubscriptionGauge(ctx)
}

func (s *Sweeper) refreshSubscriptionGauge(ctx context.Context) {
	n, err := s.store.CountLiveSubscriptions(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("count live subscriptions failed")
		return
	}
	metrics.SubscriptionsTotal.Set(float64(n))
}

// sweepDeletedTopics drains topics flagged isDeleted: every still-live
// subscriber is sent a denied Verification (spec §3's "lingers until all
// subscribers have received a denied notification"), then
// TopicPendingDelete is attempted — a no-op until the verification
// engine has confirmed each denial and deleted the subscription (spec §8
// scenario 6). The topic_fetch_needed view excludes isDeleted topics, so
// this sweep — not a fetch claim — is what keeps a deleted topic moving.
func (s *Sweeper) sweepDeletedTopics(ctx context.Context) {
	ids, err := s.store.ListDeletedTopics(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("list deleted topics failed")
		return
	}
	var removed int
	for _, id := range ids {
		if err := fetch.DenyLiveSubscribers(ctx, s.store, id); err != nil {
			s.logger.Warn().Err(err).Str("topic_id", id).Msg("deny subscribers failed")
			continue
		}
		ok, err := s.store.TopicPendingDelete(ctx, id)
		if err != nil {
			s.logger.Warn().Err(err).Str("topic_id", id).Msg("pending delete failed")
			continue
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("housekeeping removed pending-delete topics")
	}
}

func (s *Sweeper) pruneHistory(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.HistoryRetention)
	n, err := s.store.PruneContentHistory(ctx, cutoff)
	if err != nil {
		s.logger.Warn().Err(err).Msg("prune content history failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("removed", n).Msg("housekeeping pruned content history")
	}
}
