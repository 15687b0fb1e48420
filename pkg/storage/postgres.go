package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/cuemby/hubsub/pkg/errs"
	"github.com/cuemby/hubsub/pkg/types"
)

// Postgres is the durable, full-featured Store backend: real row-level
// locking with SELECT ... FOR UPDATE SKIP LOCKED for batch claims, and
// LISTEN/NOTIFY-driven peer invalidation of the content cache (spec
// §4.1.3, §9).
type Postgres struct {
	db *sql.DB
	// dsn is the connection string OpenPostgres was given. Listen does not
	// use it: LISTEN needs a session-pinned connection, which Listen
	// borrows from the *sql.DB pool (see acquireConn).
	dsn string
}

// OpenPostgres connects using the database/sql driver registered by
// jackc/pgx/v5/stdlib.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	return &Postgres{db: db, dsn: dsn}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) hasSchemaTable(ctx context.Context, db *sql.DB) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = '_meta_schema_version')`).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (p *Postgres) Migrate(ctx context.Context) error {
	return runMigrations(ctx, p.db, postgresMigrationsFS, "migrations/postgres", p.hasSchemaTable)
}

func (p *Postgres) SchemaVersion(ctx context.Context) (string, error) {
	v, err := readCurrentVersion(ctx, p.db, p.hasSchemaTable)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// --- Claim primitives ---------------------------------------------------

func (p *Postgres) ClaimBatch(ctx context.Context, queue Queue, wanted int, claimTimeout time.Duration, claimant string) ([]string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim batch %s: begin: %w", queue, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	expires := now.Add(claimTimeout)
	var ids []string

	switch queue {
	case QueueTopicFetch:
		rows, err := tx.QueryContext(ctx, `SELECT id FROM topic_fetch_needed LIMIT $1 FOR UPDATE SKIP LOCKED`, wanted)
		if err != nil {
			return nil, fmt.Errorf("postgres: claim batch %s: select: %w", queue, err)
		}
		ids, err = scanIDs(rows)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO topic_fetch_in_progress (topic_id, claimant, claimed, claim_expires)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (topic_id) DO UPDATE SET claimant = excluded.claimant, claimed = excluded.claimed, claim_expires = excluded.claim_expires
				WHERE topic_fetch_in_progress.claim_expires < $5`,
				id, claimant, now, expires, now); err != nil {
				return nil, fmt.Errorf("postgres: claim batch %s: claim %s: %w", queue, id, err)
			}
		}

	case QueueSubscriptionDelivery:
		rows, err := tx.QueryContext(ctx, `SELECT id FROM subscription_delivery_needed LIMIT $1 FOR UPDATE SKIP LOCKED`, wanted)
		if err != nil {
			return nil, fmt.Errorf("postgres: claim batch %s: select: %w", queue, err)
		}
		ids, err = scanIDs(rows)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO subscription_delivery_in_progress (subscription_id, claimant, claimed, claim_expires)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (subscription_id) DO UPDATE SET claimant = excluded.claimant, claimed = excluded.claimed, claim_expires = excluded.claim_expires`,
				id, claimant, now, expires); err != nil {
				return nil, fmt.Errorf("postgres: claim batch %s: claim %s: %w", queue, id, err)
			}
		}

	case QueueVerification:
		rows, err := tx.QueryContext(ctx, `SELECT id, topic_id, callback FROM verification_needed LIMIT $1 FOR UPDATE SKIP LOCKED`, wanted)
		if err != nil {
			return nil, fmt.Errorf("postgres: claim batch %s: select: %w", queue, err)
		}
		type pending struct{ id, topicID, callback string }
		var list []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.id, &p.topicID, &p.callback); err != nil {
				rows.Close()
				return nil, err
			}
			list = append(list, p)
		}
		rows.Close()
		for _, item := range list {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO verification_in_progress (topic_id, callback, claimant, claimed, claim_expires)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (topic_id, callback) DO UPDATE SET claimant = excluded.claimant, claimed = excluded.claimed, claim_expires = excluded.claim_expires
				WHERE verification_in_progress.claim_expires < $6`,
				item.topicID, item.callback, claimant, now, expires, now); err != nil {
				return nil, fmt.Errorf("postgres: claim batch %s: claim %s: %w", queue, item.id, err)
			}
			ids = append(ids, item.id)
		}

	default:
		return nil, fmt.Errorf("postgres: claim batch: unknown queue %s", queue)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: claim batch %s: commit: %w", queue, err)
	}
	return ids, nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) ClaimByID(ctx context.Context, queue Queue, id string, claimTimeout time.Duration, claimant string) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(claimTimeout)
	var result sql.Result
	var err error

	switch queue {
	case QueueTopicFetch:
		result, err = p.db.ExecContext(ctx, `
			INSERT INTO topic_fetch_in_progress (topic_id, claimant, claimed, claim_expires)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (topic_id) DO UPDATE SET claimant = excluded.claimant, claimed = excluded.claimed, claim_expires = excluded.claim_expires
			WHERE topic_fetch_in_progress.claim_expires < $5`,
			id, claimant, now, expires, now)
	case QueueSubscriptionDelivery:
		result, err = p.db.ExecContext(ctx, `
			INSERT INTO subscription_delivery_in_progress (subscription_id, claimant, claimed, claim_expires)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (subscription_id) DO UPDATE SET claimant = excluded.claimant, claimed = excluded.claimed, claim_expires = excluded.claim_expires`,
			id, claimant, now, expires)
	default:
		return false, fmt.Errorf("postgres: claim by id: queue %s requires a composite key, use ClaimVerificationByID", queue)
	}
	if err != nil {
		return false, fmt.Errorf("postgres: claim by id %s/%s: %w", queue, id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Postgres) ClaimVerificationByID(ctx context.Context, topicID, callback string, claimTimeout time.Duration, claimant string) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(claimTimeout)
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO verification_in_progress (topic_id, callback, claimant, claimed, claim_expires)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (topic_id, callback) DO UPDATE SET claimant = excluded.claimant, claimed = excluded.claimed, claim_expires = excluded.claim_expires`,
		topicID, callback, claimant, now, expires)
	if err != nil {
		return false, fmt.Errorf("postgres: claim verification %s/%s: %w", topicID, callback, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Postgres) Release(ctx context.Context, queue Queue, id string) error {
	var query string
	switch queue {
	case QueueTopicFetch:
		query = `DELETE FROM topic_fetch_in_progress WHERE topic_id = $1`
	case QueueSubscriptionDelivery:
		query = `DELETE FROM subscription_delivery_in_progress WHERE subscription_id = $1`
	default:
		return fmt.Errorf("postgres: release: queue %s requires ReleaseVerification", queue)
	}
	if _, err := p.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("postgres: release %s/%s: %w", queue, id, err)
	}
	return nil
}

func (p *Postgres) ReleaseVerification(ctx context.Context, topicID, callback string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM verification_in_progress WHERE topic_id = $1 AND callback = $2`, topicID, callback); err != nil {
		return fmt.Errorf("postgres: release verification %s/%s: %w", topicID, callback, err)
	}
	return nil
}

// --- Topic ---------------------------------------------------------------

func (p *Postgres) CreateTopic(ctx context.Context, t *types.Topic) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Created.IsZero() {
		t.Created = time.Now().UTC()
	}
	if t.ContentHashAlgorithm == "" {
		t.ContentHashAlgorithm = "sha512"
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO topic (id, url, lease_seconds_preferred, lease_seconds_min, lease_seconds_max,
			publisher_validation_url, content_hash_algorithm, is_active, is_deleted,
			last_publish, content_fetch_next_attempt, content_fetch_attempts_since_success,
			content_updated, content, content_hash, content_type, http_etag, http_last_modified, created)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		t.ID, t.URL, nullZero(t.LeaseSecondsPreferred), nullZero(t.LeaseSecondsMin), nullZero(t.LeaseSecondsMax),
		nullableString(t.PublisherValidationURL), t.ContentHashAlgorithm, t.IsActive, t.IsDeleted,
		zeroToNilTime(t.LastPublish), zeroToNilTime(t.ContentFetchNextAttempt), t.ContentFetchAttemptsSinceSuccess,
		zeroToNilTime(t.ContentUpdated), t.Content, nullableString(t.ContentHash), nullableString(t.ContentType),
		nullableString(t.HTTPETag), nullableString(t.HTTPLastModified), t.Created)
	if err != nil {
		return fmt.Errorf("postgres: create topic: %w", err)
	}
	return nil
}

func zeroToNilTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

const pgTopicColumns = `id, url, lease_seconds_preferred, lease_seconds_min, lease_seconds_max,
	publisher_validation_url, content_hash_algorithm, is_active, is_deleted,
	last_publish, content_fetch_next_attempt, content_fetch_attempts_since_success,
	content_updated, content, content_hash, content_type, http_etag, http_last_modified, created`

func scanPgTopic(row interface {
	Scan(dest ...any) error
}) (*types.Topic, error) {
	var t types.Topic
	var leasePref, leaseMin, leaseMax sql.NullInt64
	var pubValURL, contentHash, contentType, etag, lastMod sql.NullString
	var lastPublish, nextAttempt, contentUpdated sql.NullTime

	err := row.Scan(&t.ID, &t.URL, &leasePref, &leaseMin, &leaseMax,
		&pubValURL, &t.ContentHashAlgorithm, &t.IsActive, &t.IsDeleted,
		&lastPublish, &nextAttempt, &t.ContentFetchAttemptsSinceSuccess,
		&contentUpdated, &t.Content, &contentHash, &contentType, &etag, &lastMod, &t.Created)
	if err != nil {
		return nil, err
	}
	t.LeaseSecondsPreferred = leasePref.Int64
	t.LeaseSecondsMin = leaseMin.Int64
	t.LeaseSecondsMax = leaseMax.Int64
	t.PublisherValidationURL = pubValURL.String
	t.ContentHash = contentHash.String
	t.ContentType = contentType.String
	t.HTTPETag = etag.String
	t.HTTPLastModified = lastMod.String
	t.LastPublish = lastPublish.Time
	t.ContentFetchNextAttempt = nextAttempt.Time
	t.ContentUpdated = contentUpdated.Time
	return &t, nil
}

func (p *Postgres) GetTopic(ctx context.Context, id string) (*types.Topic, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+pgTopicColumns+` FROM topic WHERE id = $1`, id)
	t, err := scanPgTopic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "topic "+id+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get topic %s: %w", id, err)
	}
	return t, nil
}

func (p *Postgres) GetTopicByURL(ctx context.Context, url string) (*types.Topic, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+pgTopicColumns+` FROM topic WHERE url = $1`, url)
	t, err := scanPgTopic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "topic with url "+url+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get topic by url %s: %w", url, err)
	}
	return t, nil
}

func (p *Postgres) TopicFetchRequested(ctx context.Context, topicID string) error {
	now := time.Now().UTC()
	if _, err := p.db.ExecContext(ctx, `UPDATE topic SET content_fetch_next_attempt = $1, last_publish = $1 WHERE id = $2`, now, topicID); err != nil {
		return fmt.Errorf("postgres: topic fetch requested %s: %w", topicID, err)
	}
	return nil
}

func (p *Postgres) TopicFetchComplete(ctx context.Context, topicID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE topic SET content_fetch_attempts_since_success = 0, content_fetch_next_attempt = $1 WHERE id = $2`, farFuture, topicID); err != nil {
		return fmt.Errorf("postgres: topic fetch complete %s: %w", topicID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM topic_fetch_in_progress WHERE topic_id = $1`, topicID); err != nil {
		return fmt.Errorf("postgres: topic fetch complete %s: release: %w", topicID, err)
	}
	return tx.Commit()
}

func (p *Postgres) TopicFetchIncomplete(ctx context.Context, topicID string, retryDelays []int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var attempts int
	if err := tx.QueryRowContext(ctx, `SELECT content_fetch_attempts_since_success FROM topic WHERE id = $1`, topicID).Scan(&attempts); err != nil {
		return fmt.Errorf("postgres: topic fetch incomplete %s: read attempts: %w", topicID, err)
	}
	delay := retryDelaySeconds(retryDelays, attempts)
	next := time.Now().UTC().Add(time.Duration(delay) * time.Second)

	if _, err := tx.ExecContext(ctx, `UPDATE topic SET content_fetch_attempts_since_success = $1, content_fetch_next_attempt = $2 WHERE id = $3`, attempts+1, next, topicID); err != nil {
		return fmt.Errorf("postgres: topic fetch incomplete %s: %w", topicID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM topic_fetch_in_progress WHERE topic_id = $1`, topicID); err != nil {
		return fmt.Errorf("postgres: topic fetch incomplete %s: release: %w", topicID, err)
	}
	return tx.Commit()
}

func (p *Postgres) TopicSetContent(ctx context.Context, update ContentUpdate) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existingHash sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT content_hash FROM topic WHERE id = $1`, update.TopicID).Scan(&existingHash); err != nil {
		return fmt.Errorf("postgres: topic set content %s: read existing hash: %w", update.TopicID, err)
	}
	if existingHash.Valid && existingHash.String == update.ContentHash {
		return tx.Commit()
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE topic SET is_active = true, content_updated = $1, content = $2, content_hash = $3,
			content_type = $4, http_etag = $5, http_last_modified = $6 WHERE id = $7`,
		now, update.Content, update.ContentHash, nullableString(update.ContentType),
		nullableString(update.ETag), nullableString(update.LastModified), update.TopicID); err != nil {
		return fmt.Errorf("postgres: topic set content %s: %w", update.TopicID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO topic_content_history (id, topic_id, content_updated, content_size, content_hash)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), update.TopicID, now, len(update.Content), update.ContentHash); err != nil {
		return fmt.Errorf("postgres: topic set content %s: history: %w", update.TopicID, err)
	}

	return tx.Commit()
}

func (p *Postgres) TopicMarkDeleted(ctx context.Context, topicID string) error {
	if _, err := p.db.ExecContext(ctx, `UPDATE topic SET is_deleted = true WHERE id = $1`, topicID); err != nil {
		return fmt.Errorf("postgres: mark topic deleted %s: %w", topicID, err)
	}
	return nil
}

func (p *Postgres) TopicPendingDelete(ctx context.Context, topicID string) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var isDeleted bool
	if err := tx.QueryRowContext(ctx, `SELECT is_deleted FROM topic WHERE id = $1`, topicID).Scan(&isDeleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("postgres: topic pending delete %s: %w", topicID, err)
	}
	if !isDeleted {
		return false, tx.Commit()
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscription WHERE topic_id = $1 AND expires > now()`, topicID).Scan(&count); err != nil {
		return false, fmt.Errorf("postgres: topic pending delete %s: count subs: %w", topicID, err)
	}
	if count > 0 {
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM topic WHERE id = $1`, topicID); err != nil {
		return false, fmt.Errorf("postgres: topic pending delete %s: %w", topicID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Postgres) SubscriberCountByTopic(ctx context.Context, topicID string) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscription WHERE topic_id = $1 AND expires > now()`, topicID).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: subscriber count %s: %w", topicID, err)
	}
	return n, nil
}

func (p *Postgres) ListSubscriptionsByTopic(ctx context.Context, topicID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT callback FROM subscription WHERE topic_id = $1 AND expires > now()`, topicID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list subscriptions %s: %w", topicID, err)
	}
	defer rows.Close()

	var callbacks []string
	for rows.Next() {
		var callback string
		if err := rows.Scan(&callback); err != nil {
			return nil, fmt.Errorf("postgres: list subscriptions %s: scan: %w", topicID, err)
		}
		callbacks = append(callbacks, callback)
	}
	return callbacks, rows.Err()
}

func (p *Postgres) ListDeletedTopics(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM topic WHERE is_deleted = true`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list deleted topics: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: list deleted topics: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) PruneContentHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM topic_content_history WHERE content_updated < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune content history: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) CountLiveSubscriptions(ctx context.Context) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscription WHERE expires > now()`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count live subscriptions: %w", err)
	}
	return n, nil
}

func (p *Postgres) SubscriberCountByTopicURL(ctx context.Context, url string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subscription s JOIN topic t ON t.id = s.topic_id
		WHERE t.url = $1 AND s.expires > now()`, url).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: subscriber count by url %s: %w", url, err)
	}
	return n, nil
}

// --- Subscription ----------------------------------------------------------

func (p *Postgres) UpsertSubscription(ctx context.Context, sub *types.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Created.IsZero() {
		sub.Created = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscription (id, topic_id, callback, created, verified, expires, secret,
			signature_algorithm, http_remote_addr, http_from, content_delivered,
			latest_content_delivered, delivery_attempts_since_success, delivery_next_attempt)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (topic_id, callback) DO UPDATE SET
			verified = excluded.verified, expires = excluded.expires, secret = excluded.secret,
			signature_algorithm = excluded.signature_algorithm, http_remote_addr = excluded.http_remote_addr,
			http_from = excluded.http_from`,
		sub.ID, sub.TopicID, sub.Callback, sub.Created, zeroToNilTime(sub.Verified), sub.Expires,
		nullableString(sub.Secret), sub.SignatureAlgorithm, nullableString(sub.HTTPRemoteAddr), nullableString(sub.HTTPFrom),
		zeroToNilTime(sub.ContentDelivered), zeroToNilTime(sub.LatestContentDelivered), sub.DeliveryAttemptsSinceSuccess,
		zeroToNilTime(sub.DeliveryNextAttempt))
	if err != nil {
		return fmt.Errorf("postgres: upsert subscription %s/%s: %w", sub.TopicID, sub.Callback, err)
	}
	return nil
}

const pgSubscriptionColumns = `id, topic_id, callback, created, verified, expires, secret,
	signature_algorithm, http_remote_addr, http_from, content_delivered,
	latest_content_delivered, delivery_attempts_since_success, delivery_next_attempt`

func scanPgSubscription(row interface {
	Scan(dest ...any) error
}) (*types.Subscription, error) {
	var sub types.Subscription
	var verified, expires, contentDelivered, latestDelivered, nextAttempt sql.NullTime
	var secret, remoteAddr, from sql.NullString

	err := row.Scan(&sub.ID, &sub.TopicID, &sub.Callback, &sub.Created, &verified, &expires, &secret,
		&sub.SignatureAlgorithm, &remoteAddr, &from, &contentDelivered, &latestDelivered,
		&sub.DeliveryAttemptsSinceSuccess, &nextAttempt)
	if err != nil {
		return nil, err
	}
	sub.Verified = verified.Time
	sub.Expires = expires.Time
	sub.Secret = secret.String
	sub.HTTPRemoteAddr = remoteAddr.String
	sub.HTTPFrom = from.String
	sub.ContentDelivered = contentDelivered.Time
	sub.LatestContentDelivered = latestDelivered.Time
	sub.DeliveryNextAttempt = nextAttempt.Time
	return &sub, nil
}

func (p *Postgres) GetSubscription(ctx context.Context, topicID, callback string) (*types.Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+pgSubscriptionColumns+` FROM subscription WHERE topic_id = $1 AND callback = $2`, topicID, callback)
	sub, err := scanPgSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "subscription "+topicID+"/"+callback+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get subscription %s/%s: %w", topicID, callback, err)
	}
	return sub, nil
}

func (p *Postgres) ResolveSubscriptionID(ctx context.Context, subscriptionID string) (string, string, error) {
	var topicID, callback string
	err := p.db.QueryRowContext(ctx, `SELECT topic_id, callback FROM subscription WHERE id = $1`, subscriptionID).Scan(&topicID, &callback)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", errs.New(errs.NotFound, "subscription "+subscriptionID+" not found")
	}
	if err != nil {
		return "", "", fmt.Errorf("postgres: resolve subscription %s: %w", subscriptionID, err)
	}
	return topicID, callback, nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, topicID, callback string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM subscription WHERE topic_id = $1 AND callback = $2`, topicID, callback); err != nil {
		return fmt.Errorf("postgres: delete subscription %s/%s: %w", topicID, callback, err)
	}
	return nil
}

func (p *Postgres) SubscriptionDeliveryComplete(ctx context.Context, topicID, callback string, topicContentUpdated time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE subscription SET content_delivered = now(), latest_content_delivered = $1,
			delivery_attempts_since_success = 0, delivery_next_attempt = $2
		WHERE topic_id = $3 AND callback = $4`,
		topicContentUpdated, farPast, topicID, callback)
	if err != nil {
		return fmt.Errorf("postgres: delivery complete %s/%s: %w", topicID, callback, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return errs.New(errs.UnexpectedResult, fmt.Sprintf("delivery complete %s/%s affected %d rows", topicID, callback, n))
	}

	var subID string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM subscription WHERE topic_id = $1 AND callback = $2`, topicID, callback).Scan(&subID); err != nil {
		return fmt.Errorf("postgres: delivery complete %s/%s: lookup: %w", topicID, callback, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscription_delivery_in_progress WHERE subscription_id = $1`, subID); err != nil {
		return fmt.Errorf("postgres: delivery complete %s/%s: release: %w", topicID, callback, err)
	}
	return tx.Commit()
}

func (p *Postgres) SubscriptionDeliveryGone(ctx context.Context, topicID, callback string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM subscription WHERE topic_id = $1 AND callback = $2`, topicID, callback); err != nil {
		return fmt.Errorf("postgres: delivery gone %s/%s: %w", topicID, callback, err)
	}
	return nil
}

func (p *Postgres) SubscriptionDeliveryIncomplete(ctx context.Context, topicID, callback string, retryDelays []int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var attempts int
	if err := tx.QueryRowContext(ctx, `SELECT delivery_attempts_since_success FROM subscription WHERE topic_id = $1 AND callback = $2`, topicID, callback).Scan(&attempts); err != nil {
		return fmt.Errorf("postgres: delivery incomplete %s/%s: read attempts: %w", topicID, callback, err)
	}
	delay := retryDelaySeconds(retryDelays, attempts)
	next := time.Now().UTC().Add(time.Duration(delay) * time.Second)

	if _, err := tx.ExecContext(ctx, `
		UPDATE subscription SET delivery_attempts_since_success = $1, delivery_next_attempt = $2
		WHERE topic_id = $3 AND callback = $4`, attempts+1, next, topicID, callback); err != nil {
		return fmt.Errorf("postgres: delivery incomplete %s/%s: %w", topicID, callback, err)
	}

	var subID string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM subscription WHERE topic_id = $1 AND callback = $2`, topicID, callback).Scan(&subID); err != nil {
		return fmt.Errorf("postgres: delivery incomplete %s/%s: lookup: %w", topicID, callback, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscription_delivery_in_progress WHERE subscription_id = $1`, subID); err != nil {
		return fmt.Errorf("postgres: delivery incomplete %s/%s: release: %w", topicID, callback, err)
	}
	return tx.Commit()
}

// --- Verification ----------------------------------------------------------

func (p *Postgres) VerificationInsert(ctx context.Context, v *types.Verification) (string, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Created.IsZero() {
		v.Created = time.Now().UTC()
	}
	if v.NextAttempt.IsZero() {
		v.NextAttempt = v.Created
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO verification (id, topic_id, callback, created, mode, secret, signature_algorithm,
			http_remote_addr, http_from, lease_seconds, is_publisher_validated, reason, request_id,
			attempts, next_attempt)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		v.ID, v.TopicID, v.Callback, v.Created, string(v.Mode), nullableString(v.Secret), v.SignatureAlgorithm,
		nullableString(v.HTTPRemoteAddr), nullableString(v.HTTPFrom), nullZero(v.LeaseSeconds), v.IsPublisherValidated,
		nullableString(v.Reason), nullableString(v.RequestID), v.Attempts, v.NextAttempt)
	if err != nil {
		return "", fmt.Errorf("postgres: insert verification %s/%s: %w", v.TopicID, v.Callback, err)
	}
	return v.ID, nil
}

const pgVerificationColumns = `id, topic_id, callback, created, mode, secret, signature_algorithm,
	http_remote_addr, http_from, lease_seconds, is_publisher_validated, reason, request_id,
	attempts, next_attempt`

func scanPgVerification(row interface {
	Scan(dest ...any) error
}) (*types.Verification, error) {
	var v types.Verification
	var secret, remoteAddr, from, reason, requestID sql.NullString
	var leaseSeconds sql.NullInt64
	var mode string

	err := row.Scan(&v.ID, &v.TopicID, &v.Callback, &v.Created, &mode, &secret, &v.SignatureAlgorithm,
		&remoteAddr, &from, &leaseSeconds, &v.IsPublisherValidated, &reason, &requestID, &v.Attempts, &v.NextAttempt)
	if err != nil {
		return nil, err
	}
	v.Mode = types.VerificationMode(mode)
	v.Secret = secret.String
	v.HTTPRemoteAddr = remoteAddr.String
	v.HTTPFrom = from.String
	v.Reason = reason.String
	v.RequestID = requestID.String
	v.LeaseSeconds = leaseSeconds.Int64
	return &v, nil
}

func (p *Postgres) GetVerification(ctx context.Context, id string) (*types.Verification, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+pgVerificationColumns+` FROM verification WHERE id = $1`, id)
	v, err := scanPgVerification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "verification "+id+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get verification %s: %w", id, err)
	}
	return v, nil
}

func (p *Postgres) VerificationComplete(ctx context.Context, verificationID, topicID, callback string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM verification WHERE topic_id = $1 AND callback = $2 AND created <= (
			SELECT created FROM verification WHERE id = $3
		)`, topicID, callback, verificationID); err != nil {
		return fmt.Errorf("postgres: verification complete %s: %w", verificationID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM verification_in_progress WHERE topic_id = $1 AND callback = $2`, topicID, callback); err != nil {
		return fmt.Errorf("postgres: verification complete %s: release: %w", verificationID, err)
	}
	return tx.Commit()
}

func (p *Postgres) VerificationUpdate(ctx context.Context, verificationID string, update VerificationUpdate) error {
	sets := []string{}
	args := []any{}
	n := 1
	next := func() string {
		n++
		return fmt.Sprintf("$%d", n)
	}

	if update.Mode != "" {
		sets = append(sets, "mode = "+next())
		args = append(args, string(update.Mode))
	}
	if update.Reason != "" {
		sets = append(sets, "reason = "+next())
		args = append(args, update.Reason)
	}
	if update.IsPublisherValidated != nil {
		sets = append(sets, "is_publisher_validated = "+next())
		args = append(args, *update.IsPublisherValidated)
	}
	if update.NextAttempt != nil {
		sets = append(sets, "next_attempt = "+next())
		args = append(args, *update.NextAttempt)
	}
	if update.IncrementAttempts {
		sets = append(sets, "attempts = attempts + 1")
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE verification SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE id = $1"
	args = append([]any{verificationID}, args...)

	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: verification update %s: %w", verificationID, err)
	}
	return nil
}

// --- Change notification ---------------------------------------------------

// Listen borrows a session-pinned pgx connection from the pool and subscribes to the
// hubsub_topic_content channel, reconnecting with backoff on transport
// errors (spec §4.1.3). The returned channel is closed when ctx is done.
func (p *Postgres) Listen(ctx context.Context) (<-chan string, error) {
	out := make(chan string)
	go p.listenLoop(ctx, out)
	return out, nil
}

func (p *Postgres) listenLoop(ctx context.Context, out chan<- string) {
	defer close(out)

	backoffSeconds := []int{1, 2, 5, 10, 30}
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		sqlConn, conn, err := acquireConn(ctx, p.db)
		if err != nil {
			attempt = sleepBackoff(ctx, backoffSeconds, attempt)
			continue
		}

		if _, err := conn.Exec(ctx, "LISTEN hubsub_topic_content"); err != nil {
			sqlConn.Close()
			attempt = sleepBackoff(ctx, backoffSeconds, attempt)
			continue
		}

		attempt = 0
		p.drainNotifications(ctx, conn, out)
		sqlConn.Close()
	}
}

// acquireConn borrows a session-pinned connection from the database/sql pool
// and exposes its underlying *pgx.Conn, per the migration path documented by
// jackc/pgx/v5/stdlib for the removed AcquireConn/ReleaseConn helpers:
// sql.DB.Conn + Conn.Raw. The returned *sql.Conn must be closed (which
// returns it to the pool) once the caller is done with the pgx connection.
func acquireConn(ctx context.Context, db *sql.DB) (*sql.Conn, *pgx.Conn, error) {
	sqlConn, err := db.Conn(ctx)
	if err != nil {
		return nil, nil, err
	}

	var conn *pgx.Conn
	err = sqlConn.Raw(func(driverConn any) error {
		c, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("postgres: unexpected driver connection type %T", driverConn)
		}
		conn = c.Conn()
		return nil
	})
	if err != nil {
		sqlConn.Close()
		return nil, nil, err
	}

	return sqlConn, conn, nil
}

func (p *Postgres) drainNotifications(ctx context.Context, conn *pgx.Conn, out chan<- string) {
	for {
		notice, err := conn.WaitForNotification(ctx)
		if err != nil {
			return
		}
		select {
		case out <- notice.Payload:
		case <-ctx.Done():
			return
		}
	}
}

func sleepBackoff(ctx context.Context, schedule []int, attempt int) int {
	delay := retryDelaySeconds(schedule, attempt)
	select {
	case <-time.After(time.Duration(delay) * time.Second):
	case <-ctx.Done():
	}
	return attempt + 1
}
