package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	// Pure-Go driver: the embedded single-file backend (spec §9).
	_ "modernc.org/sqlite"

	"github.com/cuemby/hubsub/pkg/errs"
	"github.com/cuemby/hubsub/pkg/types"
)

// SQLite is the embedded single-file Store backend. It is single-writer:
// the connection pool is capped at one connection, so "skip locked"
// degrades to an immediate write lock per the allowance in spec §9 —
// a claim query and its in-progress write happen in the same serialized
// transaction, which is sufficient because there is never a second
// writer to contend with.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if absent) the database file at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) hasSchemaTable(ctx context.Context, db *sql.DB) (bool, error) {
	var name string
	err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name='_meta_schema_version'`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLite) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, sqliteMigrationsFS, "migrations/sqlite", s.hasSchemaTable)
}

func (s *SQLite) SchemaVersion(ctx context.Context) (string, error) {
	v, err := readCurrentVersion(ctx, s.db, s.hasSchemaTable)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

const sqliteTimeLayout = time.RFC3339Nano

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(v any) time.Time {
	if v == nil {
		return time.Time{}
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- Claim primitives ---------------------------------------------------

func (s *SQLite) queueTables(queue Queue) (needView, progressTable, idColumn string) {
	switch queue {
	case QueueTopicFetch:
		return "topic_fetch_needed", "topic_fetch_in_progress", "topic_id"
	case QueueSubscriptionDelivery:
		return "subscription_delivery_needed", "subscription_delivery_in_progress", "subscription_id"
	case QueueVerification:
		return "verification_needed", "verification_in_progress", ""
	default:
		return "", "", ""
	}
}

func (s *SQLite) ClaimBatch(ctx context.Context, queue Queue, wanted int, claimTimeout time.Duration, claimant string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim batch %s: begin: %w", queue, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	expires := now.Add(claimTimeout)

	var ids []string

	switch queue {
	case QueueTopicFetch:
		rows, err := tx.QueryContext(ctx, `SELECT id FROM topic_fetch_needed LIMIT ?`, wanted)
		if err != nil {
			return nil, fmt.Errorf("sqlite: claim batch %s: select: %w", queue, err)
		}
		var pending []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			pending = append(pending, id)
		}
		rows.Close()
		for _, id := range pending {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO topic_fetch_in_progress (topic_id, claimant, claimed, claim_expires)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(topic_id) DO UPDATE SET claimant = excluded.claimant, claimed = excluded.claimed, claim_expires = excluded.claim_expires
				WHERE topic_fetch_in_progress.claim_expires < ?`,
				id, claimant, formatTime(now), formatTime(expires), formatTime(now))
			if err != nil {
				return nil, fmt.Errorf("sqlite: claim batch %s: claim %s: %w", queue, id, err)
			}
			ids = append(ids, id)
		}

	case QueueSubscriptionDelivery:
		rows, err := tx.QueryContext(ctx, `SELECT id FROM subscription_delivery_needed LIMIT ?`, wanted)
		if err != nil {
			return nil, fmt.Errorf("sqlite: claim batch %s: select: %w", queue, err)
		}
		var pending []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			pending = append(pending, id)
		}
		rows.Close()
		for _, id := range pending {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO subscription_delivery_in_progress (subscription_id, claimant, claimed, claim_expires)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(subscription_id) DO UPDATE SET claimant = excluded.claimant, claimed = excluded.claimed, claim_expires = excluded.claim_expires`,
				id, claimant, formatTime(now), formatTime(expires))
			if err != nil {
				return nil, fmt.Errorf("sqlite: claim batch %s: claim %s: %w", queue, id, err)
			}
			ids = append(ids, id)
		}

	case QueueVerification:
		rows, err := tx.QueryContext(ctx, `SELECT id, topic_id, callback FROM verification_needed LIMIT ?`, wanted)
		if err != nil {
			return nil, fmt.Errorf("sqlite: claim batch %s: select: %w", queue, err)
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
		for _, p := range list {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO verification_in_progress (topic_id, callback, claimant, claimed, claim_expires)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(topic_id, callback) DO UPDATE SET claimant = excluded.claimant, claimed = excluded.claimed, claim_expires = excluded.claim_expires
				WHERE verification_in_progress.claim_expires < ?`,
				p.topicID, p.callback, claimant, formatTime(now), formatTime(expires), formatTime(now))
			if err != nil {
				return nil, fmt.Errorf("sqlite: claim batch %s: claim %s: %w", queue, p.id, err)
			}
			ids = append(ids, p.id)
		}

	default:
		return nil, fmt.Errorf("sqlite: claim batch: unknown queue %s", queue)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: claim batch %s: commit: %w", queue, err)
	}
	return ids, nil
}

func (s *SQLite) ClaimByID(ctx context.Context, queue Queue, id string, claimTimeout time.Duration, claimant string) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(claimTimeout)

	var result sql.Result
	var err error

	switch queue {
	case QueueTopicFetch:
		// Strict overwrite condition: only take over an expired claim.
		result, err = s.db.ExecContext(ctx, `
			INSERT INTO topic_fetch_in_progress (topic_id, claimant, claimed, claim_expires)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(topic_id) DO UPDATE SET claimant = excluded.claimant, claimed = excluded.claimed, claim_expires = excluded.claim_expires
			WHERE topic_fetch_in_progress.claim_expires < ?`,
			id, claimant, formatTime(now), formatTime(expires), formatTime(now))
	case QueueSubscriptionDelivery:
		// Unconditional overwrite: initiated with intent to process now.
		result, err = s.db.ExecContext(ctx, `
			INSERT INTO subscription_delivery_in_progress (subscription_id, claimant, claimed, claim_expires)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(subscription_id) DO UPDATE SET claimant = excluded.claimant, claimed = excluded.claimed, claim_expires = excluded.claim_expires`,
			id, claimant, formatTime(now), formatTime(expires))
	default:
		return false, fmt.Errorf("sqlite: claim by id: queue %s requires a composite key, use claim batch", queue)
	}

	if err != nil {
		return false, fmt.Errorf("sqlite: claim by id %s/%s: %w", queue, id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClaimVerificationByID claims the verification queue, keyed by
// (topicID, callback) rather than a single id (spec §4.1.1).
func (s *SQLite) ClaimVerificationByID(ctx context.Context, topicID, callback string, claimTimeout time.Duration, claimant string) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(claimTimeout)
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_in_progress (topic_id, callback, claimant, claimed, claim_expires)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(topic_id, callback) DO UPDATE SET claimant = excluded.claimant, claimed = excluded.claimed, claim_expires = excluded.claim_expires`,
		topicID, callback, claimant, formatTime(now), formatTime(expires))
	if err != nil {
		return false, fmt.Errorf("sqlite: claim verification %s/%s: %w", topicID, callback, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLite) Release(ctx context.Context, queue Queue, id string) error {
	var query string
	switch queue {
	case QueueTopicFetch:
		query = `DELETE FROM topic_fetch_in_progress WHERE topic_id = ?`
	case QueueSubscriptionDelivery:
		query = `DELETE FROM subscription_delivery_in_progress WHERE subscription_id = ?`
	default:
		return fmt.Errorf("sqlite: release: queue %s requires ReleaseVerification", queue)
	}
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("sqlite: release %s/%s: %w", queue, id, err)
	}
	return nil
}

// ReleaseVerification deletes the verification in-progress row for
// (topicID, callback), the composite key that queue uses in place of a
// single id.
func (s *SQLite) ReleaseVerification(ctx context.Context, topicID, callback string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM verification_in_progress WHERE topic_id = ? AND callback = ?`, topicID, callback); err != nil {
		return fmt.Errorf("sqlite: release verification %s/%s: %w", topicID, callback, err)
	}
	return nil
}

// --- Topic ---------------------------------------------------------------

func (s *SQLite) CreateTopic(ctx context.Context, t *types.Topic) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Created.IsZero() {
		t.Created = time.Now().UTC()
	}
	if t.ContentHashAlgorithm == "" {
		t.ContentHashAlgorithm = "sha512"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topic (id, url, lease_seconds_preferred, lease_seconds_min, lease_seconds_max,
			publisher_validation_url, content_hash_algorithm, is_active, is_deleted,
			last_publish, content_fetch_next_attempt, content_fetch_attempts_since_success,
			content_updated, content, content_hash, content_type, http_etag, http_last_modified, created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.URL, nullZero(t.LeaseSecondsPreferred), nullZero(t.LeaseSecondsMin), nullZero(t.LeaseSecondsMax),
		nullableString(t.PublisherValidationURL), t.ContentHashAlgorithm, t.IsActive, t.IsDeleted,
		formatTime(t.LastPublish), formatTime(t.ContentFetchNextAttempt), t.ContentFetchAttemptsSinceSuccess,
		formatTime(t.ContentUpdated), t.Content, nullableString(t.ContentHash), nullableString(t.ContentType),
		nullableString(t.HTTPETag), nullableString(t.HTTPLastModified), formatTime(t.Created))
	if err != nil {
		return fmt.Errorf("sqlite: create topic: %w", err)
	}
	return nil
}

func nullZero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

const topicColumns = `id, url, lease_seconds_preferred, lease_seconds_min, lease_seconds_max,
	publisher_validation_url, content_hash_algorithm, is_active, is_deleted,
	last_publish, content_fetch_next_attempt, content_fetch_attempts_since_success,
	content_updated, content, content_hash, content_type, http_etag, http_last_modified, created`

func scanTopic(row interface {
	Scan(dest ...any) error
}) (*types.Topic, error) {
	var t types.Topic
	var leasePref, leaseMin, leaseMax sql.NullInt64
	var pubValURL, contentHash, contentType, etag, lastMod sql.NullString
	var lastPublish, nextAttempt, contentUpdated, created sql.NullString

	err := row.Scan(&t.ID, &t.URL, &leasePref, &leaseMin, &leaseMax,
		&pubValURL, &t.ContentHashAlgorithm, &t.IsActive, &t.IsDeleted,
		&lastPublish, &nextAttempt, &t.ContentFetchAttemptsSinceSuccess,
		&contentUpdated, &t.Content, &contentHash, &contentType, &etag, &lastMod, &created)
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
	t.LastPublish = parseTime(nullStringAny(lastPublish))
	t.ContentFetchNextAttempt = parseTime(nullStringAny(nextAttempt))
	t.ContentUpdated = parseTime(nullStringAny(contentUpdated))
	t.Created = parseTime(nullStringAny(created))
	return &t, nil
}

func nullStringAny(n sql.NullString) any {
	if !n.Valid {
		return nil
	}
	return n.String
}

func (s *SQLite) GetTopic(ctx context.Context, id string) (*types.Topic, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+topicColumns+` FROM topic WHERE id = ?`, id)
	t, err := scanTopic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "topic "+id+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get topic %s: %w", id, err)
	}
	return t, nil
}

func (s *SQLite) GetTopicByURL(ctx context.Context, url string) (*types.Topic, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+topicColumns+` FROM topic WHERE url = ?`, url)
	t, err := scanTopic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "topic with url "+url+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get topic by url %s: %w", url, err)
	}
	return t, nil
}

func (s *SQLite) TopicFetchRequested(ctx context.Context, topicID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE topic SET content_fetch_next_attempt = ?, last_publish = ? WHERE id = ?`,
		formatTime(now), formatTime(now), topicID)
	if err != nil {
		return fmt.Errorf("sqlite: topic fetch requested %s: %w", topicID, err)
	}
	return nil
}

// farFuture stands in for "+∞" (spec §4.1.2): no further fetch is due
// until another publish or manual request arrives.
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// farPast stands in for "-∞": a delivered subscription is due again as
// soon as its topic's content changes.
var farPast = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

func (s *SQLite) TopicFetchComplete(ctx context.Context, topicID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE topic SET content_fetch_attempts_since_success = 0, content_fetch_next_attempt = ? WHERE id = ?`,
		formatTime(farFuture), topicID); err != nil {
		return fmt.Errorf("sqlite: topic fetch complete %s: %w", topicID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM topic_fetch_in_progress WHERE topic_id = ?`, topicID); err != nil {
		return fmt.Errorf("sqlite: topic fetch complete %s: release: %w", topicID, err)
	}
	return tx.Commit()
}

func (s *SQLite) TopicFetchIncomplete(ctx context.Context, topicID string, retryDelays []int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var attempts int
	if err := tx.QueryRowContext(ctx, `SELECT content_fetch_attempts_since_success FROM topic WHERE id = ?`, topicID).Scan(&attempts); err != nil {
		return fmt.Errorf("sqlite: topic fetch incomplete %s: read attempts: %w", topicID, err)
	}

	delay := retryDelaySeconds(retryDelays, attempts)
	next := time.Now().UTC().Add(time.Duration(delay) * time.Second)

	if _, err := tx.ExecContext(ctx, `UPDATE topic SET content_fetch_attempts_since_success = ?, content_fetch_next_attempt = ? WHERE id = ?`,
		attempts+1, formatTime(next), topicID); err != nil {
		return fmt.Errorf("sqlite: topic fetch incomplete %s: %w", topicID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM topic_fetch_in_progress WHERE topic_id = ?`, topicID); err != nil {
		return fmt.Errorf("sqlite: topic fetch incomplete %s: release: %w", topicID, err)
	}
	return tx.Commit()
}

func retryDelaySeconds(schedule []int, attempts int) int {
	if len(schedule) == 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= len(schedule) {
		attempts = len(schedule) - 1
	}
	return schedule[attempts]
}

func (s *SQLite) TopicSetContent(ctx context.Context, update ContentUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existingHash sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT content_hash FROM topic WHERE id = ?`, update.TopicID).Scan(&existingHash); err != nil {
		return fmt.Errorf("sqlite: topic set content %s: read existing hash: %w", update.TopicID, err)
	}
	if existingHash.Valid && existingHash.String == update.ContentHash {
		// Unchanged content is an ordinary success; no rewrite, no
		// history row (spec §4.1.2 / Open Questions).
		return tx.Commit()
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE topic SET is_active = 1, content_updated = ?, content = ?, content_hash = ?,
			content_type = ?, http_etag = ?, http_last_modified = ? WHERE id = ?`,
		formatTime(now), update.Content, update.ContentHash, nullableString(update.ContentType),
		nullableString(update.ETag), nullableString(update.LastModified), update.TopicID); err != nil {
		return fmt.Errorf("sqlite: topic set content %s: %w", update.TopicID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO topic_content_history (id, topic_id, content_updated, content_size, content_hash)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), update.TopicID, formatTime(now), len(update.Content), update.ContentHash); err != nil {
		return fmt.Errorf("sqlite: topic set content %s: history: %w", update.TopicID, err)
	}

	return tx.Commit()
}

func (s *SQLite) TopicMarkDeleted(ctx context.Context, topicID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE topic SET is_deleted = 1 WHERE id = ?`, topicID); err != nil {
		return fmt.Errorf("sqlite: mark topic deleted %s: %w", topicID, err)
	}
	return nil
}

func (s *SQLite) TopicPendingDelete(ctx context.Context, topicID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var isDeleted bool
	if err := tx.QueryRowContext(ctx, `SELECT is_deleted FROM topic WHERE id = ?`, topicID).Scan(&isDeleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("sqlite: topic pending delete %s: %w", topicID, err)
	}
	if !isDeleted {
		return false, tx.Commit()
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscription WHERE topic_id = ? AND expires > ?`, topicID, formatTime(time.Now().UTC())).Scan(&count); err != nil {
		return false, fmt.Errorf("sqlite: topic pending delete %s: count subs: %w", topicID, err)
	}
	if count > 0 {
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM topic WHERE id = ?`, topicID); err != nil {
		return false, fmt.Errorf("sqlite: topic pending delete %s: %w", topicID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLite) SubscriberCountByTopic(ctx context.Context, topicID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscription WHERE topic_id = ? AND expires > ?`, topicID, formatTime(time.Now().UTC())).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: subscriber count %s: %w", topicID, err)
	}
	return n, nil
}

func (s *SQLite) SubscriberCountByTopicURL(ctx context.Context, url string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subscription s JOIN topic t ON t.id = s.topic_id
		WHERE t.url = ? AND s.expires > ?`, url, formatTime(time.Now().UTC())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: subscriber count by url %s: %w", url, err)
	}
	return n, nil
}

func (s *SQLite) ListSubscriptionsByTopic(ctx context.Context, topicID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT callback FROM subscription WHERE topic_id = ? AND expires > ?`, topicID, formatTime(time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list subscriptions %s: %w", topicID, err)
	}
	defer rows.Close()

	var callbacks []string
	for rows.Next() {
		var callback string
		if err := rows.Scan(&callback); err != nil {
			return nil, fmt.Errorf("sqlite: list subscriptions %s: scan: %w", topicID, err)
		}
		callbacks = append(callbacks, callback)
	}
	return callbacks, rows.Err()
}

func (s *SQLite) ListDeletedTopics(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM topic WHERE is_deleted = 1`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list deleted topics: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: list deleted topics: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) PruneContentHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM topic_content_history WHERE content_updated < ?`, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune content history: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) CountLiveSubscriptions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscription WHERE expires > ?`, formatTime(time.Now().UTC())).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count live subscriptions: %w", err)
	}
	return n, nil
}

// --- Subscription ----------------------------------------------------------

func (s *SQLite) UpsertSubscription(ctx context.Context, sub *types.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Created.IsZero() {
		sub.Created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscription (id, topic_id, callback, created, verified, expires, secret,
			signature_algorithm, http_remote_addr, http_from, content_delivered,
			latest_content_delivered, delivery_attempts_since_success, delivery_next_attempt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(topic_id, callback) DO UPDATE SET
			verified = excluded.verified, expires = excluded.expires, secret = excluded.secret,
			signature_algorithm = excluded.signature_algorithm, http_remote_addr = excluded.http_remote_addr,
			http_from = excluded.http_from`,
		sub.ID, sub.TopicID, sub.Callback, formatTime(sub.Created), formatTime(sub.Verified), formatTime(sub.Expires),
		nullableString(sub.Secret), sub.SignatureAlgorithm, nullableString(sub.HTTPRemoteAddr), nullableString(sub.HTTPFrom),
		formatTime(sub.ContentDelivered), formatTime(sub.LatestContentDelivered), sub.DeliveryAttemptsSinceSuccess,
		formatTime(sub.DeliveryNextAttempt))
	if err != nil {
		return fmt.Errorf("sqlite: upsert subscription %s/%s: %w", sub.TopicID, sub.Callback, err)
	}
	return nil
}

const subscriptionColumns = `id, topic_id, callback, created, verified, expires, secret,
	signature_algorithm, http_remote_addr, http_from, content_delivered,
	latest_content_delivered, delivery_attempts_since_success, delivery_next_attempt`

func scanSubscription(row interface {
	Scan(dest ...any) error
}) (*types.Subscription, error) {
	var sub types.Subscription
	var verified, expires, contentDelivered, latestDelivered, nextAttempt sql.NullString
	var secret, remoteAddr, from sql.NullString
	var created sql.NullString

	err := row.Scan(&sub.ID, &sub.TopicID, &sub.Callback, &created, &verified, &expires, &secret,
		&sub.SignatureAlgorithm, &remoteAddr, &from, &contentDelivered, &latestDelivered,
		&sub.DeliveryAttemptsSinceSuccess, &nextAttempt)
	if err != nil {
		return nil, err
	}
	sub.Created = parseTime(nullStringAny(created))
	sub.Verified = parseTime(nullStringAny(verified))
	sub.Expires = parseTime(nullStringAny(expires))
	sub.Secret = secret.String
	sub.HTTPRemoteAddr = remoteAddr.String
	sub.HTTPFrom = from.String
	sub.ContentDelivered = parseTime(nullStringAny(contentDelivered))
	sub.LatestContentDelivered = parseTime(nullStringAny(latestDelivered))
	sub.DeliveryNextAttempt = parseTime(nullStringAny(nextAttempt))
	return &sub, nil
}

func (s *SQLite) GetSubscription(ctx context.Context, topicID, callback string) (*types.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscription WHERE topic_id = ? AND callback = ?`, topicID, callback)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "subscription "+topicID+"/"+callback+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get subscription %s/%s: %w", topicID, callback, err)
	}
	return sub, nil
}

func (s *SQLite) ResolveSubscriptionID(ctx context.Context, subscriptionID string) (string, string, error) {
	var topicID, callback string
	err := s.db.QueryRowContext(ctx, `SELECT topic_id, callback FROM subscription WHERE id = ?`, subscriptionID).Scan(&topicID, &callback)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", errs.New(errs.NotFound, "subscription "+subscriptionID+" not found")
	}
	if err != nil {
		return "", "", fmt.Errorf("sqlite: resolve subscription %s: %w", subscriptionID, err)
	}
	return topicID, callback, nil
}

func (s *SQLite) DeleteSubscription(ctx context.Context, topicID, callback string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subscription WHERE topic_id = ? AND callback = ?`, topicID, callback); err != nil {
		return fmt.Errorf("sqlite: delete subscription %s/%s: %w", topicID, callback, err)
	}
	return nil
}

func (s *SQLite) SubscriptionDeliveryComplete(ctx context.Context, topicID, callback string, topicContentUpdated time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE subscription SET content_delivered = ?, latest_content_delivered = ?,
			delivery_attempts_since_success = 0, delivery_next_attempt = ?
		WHERE topic_id = ? AND callback = ?`,
		formatTime(time.Now().UTC()), formatTime(topicContentUpdated), formatTime(farPast), topicID, callback)
	if err != nil {
		return fmt.Errorf("sqlite: delivery complete %s/%s: %w", topicID, callback, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return errs.New(errs.UnexpectedResult, fmt.Sprintf("delivery complete %s/%s affected %d rows", topicID, callback, n))
	}

	sub, err := scanSubscriptionID(ctx, tx, topicID, callback)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscription_delivery_in_progress WHERE subscription_id = ?`, sub); err != nil {
		return fmt.Errorf("sqlite: delivery complete %s/%s: release: %w", topicID, callback, err)
	}
	return tx.Commit()
}

func scanSubscriptionID(ctx context.Context, tx *sql.Tx, topicID, callback string) (string, error) {
	var id string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM subscription WHERE topic_id = ? AND callback = ?`, topicID, callback).Scan(&id); err != nil {
		return "", fmt.Errorf("sqlite: lookup subscription id %s/%s: %w", topicID, callback, err)
	}
	return id, nil
}

func (s *SQLite) SubscriptionDeliveryGone(ctx context.Context, topicID, callback string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subscription WHERE topic_id = ? AND callback = ?`, topicID, callback); err != nil {
		return fmt.Errorf("sqlite: delivery gone %s/%s: %w", topicID, callback, err)
	}
	return nil
}

func (s *SQLite) SubscriptionDeliveryIncomplete(ctx context.Context, topicID, callback string, retryDelays []int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var attempts int
	if err := tx.QueryRowContext(ctx, `SELECT delivery_attempts_since_success FROM subscription WHERE topic_id = ? AND callback = ?`, topicID, callback).Scan(&attempts); err != nil {
		return fmt.Errorf("sqlite: delivery incomplete %s/%s: read attempts: %w", topicID, callback, err)
	}
	delay := retryDelaySeconds(retryDelays, attempts)
	next := time.Now().UTC().Add(time.Duration(delay) * time.Second)

	if _, err := tx.ExecContext(ctx, `
		UPDATE subscription SET delivery_attempts_since_success = ?, delivery_next_attempt = ?
		WHERE topic_id = ? AND callback = ?`, attempts+1, formatTime(next), topicID, callback); err != nil {
		return fmt.Errorf("sqlite: delivery incomplete %s/%s: %w", topicID, callback, err)
	}

	subID, err := scanSubscriptionID(ctx, tx, topicID, callback)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscription_delivery_in_progress WHERE subscription_id = ?`, subID); err != nil {
		return fmt.Errorf("sqlite: delivery incomplete %s/%s: release: %w", topicID, callback, err)
	}
	return tx.Commit()
}

// --- Verification ----------------------------------------------------------

func (s *SQLite) VerificationInsert(ctx context.Context, v *types.Verification) (string, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Created.IsZero() {
		v.Created = time.Now().UTC()
	}
	if v.NextAttempt.IsZero() {
		v.NextAttempt = v.Created
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification (id, topic_id, callback, created, mode, secret, signature_algorithm,
			http_remote_addr, http_from, lease_seconds, is_publisher_validated, reason, request_id,
			attempts, next_attempt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.TopicID, v.Callback, formatTime(v.Created), string(v.Mode), nullableString(v.Secret), v.SignatureAlgorithm,
		nullableString(v.HTTPRemoteAddr), nullableString(v.HTTPFrom), nullZero(v.LeaseSeconds), v.IsPublisherValidated,
		nullableString(v.Reason), nullableString(v.RequestID), v.Attempts, formatTime(v.NextAttempt))
	if err != nil {
		return "", fmt.Errorf("sqlite: insert verification %s/%s: %w", v.TopicID, v.Callback, err)
	}
	return v.ID, nil
}

const verificationColumns = `id, topic_id, callback, created, mode, secret, signature_algorithm,
	http_remote_addr, http_from, lease_seconds, is_publisher_validated, reason, request_id,
	attempts, next_attempt`

func scanVerification(row interface {
	Scan(dest ...any) error
}) (*types.Verification, error) {
	var v types.Verification
	var created, nextAttempt sql.NullString
	var secret, remoteAddr, from, reason, requestID sql.NullString
	var leaseSeconds sql.NullInt64
	var mode string

	err := row.Scan(&v.ID, &v.TopicID, &v.Callback, &created, &mode, &secret, &v.SignatureAlgorithm,
		&remoteAddr, &from, &leaseSeconds, &v.IsPublisherValidated, &reason, &requestID, &v.Attempts, &nextAttempt)
	if err != nil {
		return nil, err
	}
	v.Mode = types.VerificationMode(mode)
	v.Created = parseTime(nullStringAny(created))
	v.NextAttempt = parseTime(nullStringAny(nextAttempt))
	v.Secret = secret.String
	v.HTTPRemoteAddr = remoteAddr.String
	v.HTTPFrom = from.String
	v.Reason = reason.String
	v.RequestID = requestID.String
	v.LeaseSeconds = leaseSeconds.Int64
	return &v, nil
}

func (s *SQLite) GetVerification(ctx context.Context, id string) (*types.Verification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+verificationColumns+` FROM verification WHERE id = ?`, id)
	v, err := scanVerification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "verification "+id+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get verification %s: %w", id, err)
	}
	return v, nil
}

func (s *SQLite) VerificationComplete(ctx context.Context, verificationID, topicID, callback string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Deletes this verification and every older sibling for the same pair.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM verification WHERE topic_id = ? AND callback = ? AND created <= (
			SELECT created FROM verification WHERE id = ?
		)`, topicID, callback, verificationID); err != nil {
		return fmt.Errorf("sqlite: verification complete %s: %w", verificationID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM verification_in_progress WHERE topic_id = ? AND callback = ?`, topicID, callback); err != nil {
		return fmt.Errorf("sqlite: verification complete %s: release: %w", verificationID, err)
	}
	return tx.Commit()
}

func (s *SQLite) VerificationUpdate(ctx context.Context, verificationID string, update VerificationUpdate) error {
	sets := []string{}
	args := []any{}

	if update.Mode != "" {
		sets = append(sets, "mode = ?")
		args = append(args, string(update.Mode))
	}
	if update.Reason != "" {
		sets = append(sets, "reason = ?")
		args = append(args, update.Reason)
	}
	if update.IsPublisherValidated != nil {
		sets = append(sets, "is_publisher_validated = ?")
		args = append(args, *update.IsPublisherValidated)
	}
	if update.NextAttempt != nil {
		sets = append(sets, "next_attempt = ?")
		args = append(args, formatTime(*update.NextAttempt))
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
	query += " WHERE id = ?"
	args = append(args, verificationID)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: verification update %s: %w", verificationID, err)
	}
	return nil
}
