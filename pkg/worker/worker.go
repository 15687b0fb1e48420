// Package worker implements Worker (spec §4.5): a bounded-concurrency
// polling loop that claims work from the Store's three queues and hands
// each claim to the matching engine.
package worker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/cuemby/hubsub/pkg/delivery"
	"github.com/cuemby/hubsub/pkg/fetch"
	"github.com/cuemby/hubsub/pkg/log"
	"github.com/cuemby/hubsub/pkg/metrics"
	"github.com/cuemby/hubsub/pkg/storage"
	"github.com/cuemby/hubsub/pkg/verification"
)

// Config carries the subset of the hub's configuration Worker needs.
type Config struct {
	Concurrency    int
	RecurrSleepMs  int
	PollingEnabled bool
	ClaimTimeout   time.Duration
	Claimant       string
}

// Worker owns one in-flight set bounded by Concurrency, polling all three
// queues round-robin and dispatching claims to their engines (spec §4.5).
type Worker struct {
	store        storage.Store
	verification *verification.Engine
	fetch        *fetch.Engine
	delivery     *delivery.Engine

	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex
	processing  bool
	stopCh      chan struct{}
	wakeCh      chan struct{}
	stoppedOnce sync.Once
}

// New builds a Worker. Any of the three engines may be nil, in which case
// its queue is never polled — this is how a deployment splits into one
// Worker per queue for independent tuning (spec §4.5).
func New(store storage.Store, verificationEngine *verification.Engine, fetchEngine *fetch.Engine, deliveryEngine *delivery.Engine, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.RecurrSleepMs <= 0 {
		cfg.RecurrSleepMs = 1000
	}
	return &Worker{
		store:        store,
		verification: verificationEngine,
		fetch:        fetchEngine,
		delivery:     deliveryEngine,
		cfg:          cfg,
		logger:       log.WithComponent("worker"),
		stopCh:       make(chan struct{}),
		wakeCh:       make(chan struct{}, 1),
	}
}

// Start begins the polling loop in a new goroutine. A no-op when
// PollingEnabled is false; nothing then reads the wake channel, so Wake
// has no effect in that configuration either.
func (w *Worker) Start(ctx context.Context) {
	if !w.cfg.PollingEnabled {
		return
	}
	go w.run(ctx)
}

// Stop ends the polling loop. In-flight tasks finish on their own and
// release their claims, or expire naturally (spec §4.5, §5).
func (w *Worker) Stop() {
	w.stoppedOnce.Do(func() { close(w.stopCh) })
}

// Wake cancels the pending timer and triggers an immediate processing
// pass, the integration point for processImmediately (spec §4.5).
func (w *Worker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	initial := time.Duration(rand.Int63n(int64(float64(w.cfg.RecurrSleepMs)*0.618)+1)) * time.Millisecond
	timer := time.NewTimer(initial)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			w.process(ctx)
			timer.Reset(time.Duration(w.cfg.RecurrSleepMs) * time.Millisecond)
		case <-w.wakeCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			w.process(ctx)
			timer.Reset(time.Duration(w.cfg.RecurrSleepMs) * time.Millisecond)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// claim is one unit of dispatchable work: a queue name plus whatever id
// the Store's ClaimBatch returned for it.
type claim struct {
	queue storage.Queue
	id    string
}

// process runs claim/dispatch cycles until no polled queue yields a claim
// and no task is still in flight,
// guarded by a reentrancy flag so an overlapping wake or timer tick is a
// no-op (spec §4.5).
func (w *Worker) process(ctx context.Context) {
	w.mu.Lock()
	if w.processing {
		w.mu.Unlock()
		return
	}
	w.processing = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.processing = false
		w.mu.Unlock()
	}()

	results := make(chan error, w.cfg.Concurrency)
	inFlight := 0

	for {
		capacity := w.cfg.Concurrency - inFlight
		var claims []claim
		if capacity > 0 {
			claims = w.claimRoundRobin(ctx, capacity)
		}

		for _, c := range claims {
			inFlight++
			go func(c claim) { results <- w.dispatch(ctx, c) }(c)
		}

		if len(claims) == 0 {
			if inFlight == 0 {
				return
			}
			if err := <-results; err != nil {
				w.logger.Warn().Err(err).Msg("task failed")
			}
			inFlight--
		}
	}
}

// claimRoundRobin splits wanted capacity across the queues in a fixed
// order: topic fetch and verification each claim up to a third of it (at
// least one), and subscription delivery takes whatever remains. The
// shares are fixed; they do not follow each queue's backlog.
func (w *Worker) claimRoundRobin(ctx context.Context, wanted int) []claim {
	var claims []claim
	share := wanted / 3
	if share == 0 {
		share = 1
	}

	if w.fetch != nil {
		claims = append(claims, w.claimFrom(ctx, storage.QueueTopicFetch, min(share, wanted-len(claims)))...)
	}
	if w.verification != nil && len(claims) < wanted {
		claims = append(claims, w.claimFrom(ctx, storage.QueueVerification, min(share, wanted-len(claims)))...)
	}
	if w.delivery != nil && len(claims) < wanted {
		claims = append(claims, w.claimFrom(ctx, storage.QueueSubscriptionDelivery, wanted-len(claims))...)
	}
	return claims
}

func (w *Worker) claimFrom(ctx context.Context, queue storage.Queue, wanted int) []claim {
	if wanted <= 0 {
		return nil
	}
	ids, err := w.store.ClaimBatch(ctx, queue, wanted, w.cfg.ClaimTimeout, w.cfg.Claimant)
	if err != nil {
		w.logger.Error().Err(err).Str("queue", string(queue)).Msg("claim batch failed")
		return nil
	}
	metrics.QueueClaimBatchSize.WithLabelValues(string(queue)).Observe(float64(len(ids)))
	if len(ids) > 0 {
		metrics.QueueClaimedTotal.WithLabelValues(string(queue)).Add(float64(len(ids)))
	}
	claims := make([]claim, 0, len(ids))
	for _, id := range ids {
		claims = append(claims, claim{queue: queue, id: id})
	}
	return claims
}

func (w *Worker) dispatch(ctx context.Context, c claim) error {
	metrics.WorkerInFlight.Inc()
	defer metrics.WorkerInFlight.Dec()

	engine := string(c.queue)
	timer := prometheus.NewTimer(metrics.EngineProcessDuration.WithLabelValues(engine))
	defer timer.ObserveDuration()

	var err error
	switch c.queue {
	case storage.QueueTopicFetch:
		if ferr := w.fetch.Process(ctx, c.id); ferr != nil {
			err = fmt.Errorf("worker: fetch %s: %w", c.id, ferr)
		}
	case storage.QueueVerification:
		if verr := w.verification.Process(ctx, c.id); verr != nil {
			err = fmt.Errorf("worker: verification %s: %w", c.id, verr)
		}
	case storage.QueueSubscriptionDelivery:
		topicID, callback, rerr := w.store.ResolveSubscriptionID(ctx, c.id)
		if rerr != nil {
			err = fmt.Errorf("worker: delivery %s: resolve subscription: %w", c.id, rerr)
		} else if derr := w.delivery.Process(ctx, topicID, callback); derr != nil {
			err = fmt.Errorf("worker: delivery %s: %w", c.id, derr)
		}
	default:
		err = fmt.Errorf("worker: unknown queue %s", c.queue)
	}

	if err != nil {
		metrics.EngineProcessedTotal.WithLabelValues(engine, "error").Inc()
	} else {
		metrics.EngineProcessedTotal.WithLabelValues(engine, "ok").Inc()
	}
	return err
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
