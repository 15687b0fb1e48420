package cache

import (
	"context"

	"github.com/cuemby/hubsub/pkg/log"
)

// Notifier is the capability a Store backend optionally provides: a
// stream of topic ids whose content changed on another process (spec
// §4.1.3). storage.Postgres implements this; storage.SQLite does not,
// since a single-writer embedded database has no peers to notify.
type Notifier interface {
	Listen(ctx context.Context) (<-chan string, error)
}

// Listener drives cache invalidation from a Notifier. Run blocks until
// ctx is canceled, invalidating the named topic on every notification
// received; callers that have no Notifier (the embedded backend) simply
// never construct one — the cache still works, just without cross-process
// invalidation, which spec §9 allows.
type Listener struct {
	notifier Notifier
	cache    *ContentCache
}

// NewListener builds a Listener over notifier, invalidating entries in cache.
func NewListener(notifier Notifier, cache *ContentCache) *Listener {
	return &Listener{notifier: notifier, cache: cache}
}

// Run subscribes and invalidates until ctx is canceled or the underlying
// notification channel closes.
func (l *Listener) Run(ctx context.Context) error {
	ch, err := l.notifier.Listen(ctx)
	if err != nil {
		return err
	}
	listenLog := log.WithComponent("cache.listener")
	for {
		select {
		case topicID, ok := <-ch:
			if !ok {
				return nil
			}
			l.cache.Invalidate(topicID)
			listenLog.Debug().Str("topic_id", topicID).Msg("invalidated cached topic content")
		case <-ctx.Done():
			return nil
		}
	}
}
