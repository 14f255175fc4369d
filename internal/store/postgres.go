package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore is a durable Store implementation backed by PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore on the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Close implements Store.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// EnsureSchema creates all tables if they do not exist. Bucket items carry
// no foreign key so the reserved namespace actors can own rows without an
// actor record.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS actors (
		id              TEXT PRIMARY KEY,
		creator         TEXT NOT NULL,
		passphrase_hash TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS actors_creator_idx ON actors (creator, created_at);

	CREATE TABLE IF NOT EXISTS properties (
		actor_id TEXT NOT NULL REFERENCES actors(id) ON DELETE CASCADE,
		name     TEXT NOT NULL,
		value    JSONB,
		PRIMARY KEY (actor_id, name)
	);

	CREATE TABLE IF NOT EXISTS trusts (
		actor_id        TEXT NOT NULL REFERENCES actors(id) ON DELETE CASCADE,
		peer_id         TEXT NOT NULL,
		base_uri        TEXT NOT NULL DEFAULT '',
		relationship    TEXT NOT NULL,
		peer_identifier TEXT NOT NULL DEFAULT '',
		secret          TEXT NOT NULL DEFAULT '',
		verify_token    TEXT NOT NULL DEFAULT '',
		approved        BOOLEAN NOT NULL DEFAULT FALSE,
		peer_approved   BOOLEAN NOT NULL DEFAULT FALSE,
		verified        BOOLEAN NOT NULL DEFAULT FALSE,
		description     TEXT NOT NULL DEFAULT '',
		established_via TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL,
		last_accessed   TIMESTAMPTZ,
		PRIMARY KEY (actor_id, peer_id)
	);
	CREATE INDEX IF NOT EXISTS trusts_secret_idx ON trusts (actor_id, secret);

	CREATE TABLE IF NOT EXISTS subscriptions (
		actor_id    TEXT NOT NULL REFERENCES actors(id) ON DELETE CASCADE,
		sub_id      TEXT NOT NULL,
		peer_id     TEXT NOT NULL,
		target      TEXT NOT NULL,
		subtarget   TEXT NOT NULL DEFAULT '',
		resource    TEXT NOT NULL DEFAULT '',
		granularity TEXT NOT NULL DEFAULT 'high',
		sequence    INT NOT NULL DEFAULT 0,
		callback    BOOLEAN NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (actor_id, sub_id)
	);

	CREATE TABLE IF NOT EXISTS diffs (
		actor_id   TEXT NOT NULL,
		sub_id     TEXT NOT NULL,
		sequence   INT NOT NULL,
		target     TEXT NOT NULL,
		subtarget  TEXT NOT NULL DEFAULT '',
		blob       JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (actor_id, sub_id, sequence),
		FOREIGN KEY (actor_id, sub_id) REFERENCES subscriptions (actor_id, sub_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS callback_states (
		actor_id       TEXT NOT NULL,
		sub_id         TEXT NOT NULL,
		last_seq       INT NOT NULL DEFAULT 0,
		pending        JSONB NOT NULL DEFAULT '[]',
		gap_deadline   TIMESTAMPTZ,
		resync_pending BOOLEAN NOT NULL DEFAULT FALSE,
		version        BIGINT NOT NULL DEFAULT 1,
		PRIMARY KEY (actor_id, sub_id),
		FOREIGN KEY (actor_id, sub_id) REFERENCES subscriptions (actor_id, sub_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS bucket_items (
		actor_id   TEXT NOT NULL,
		bucket     TEXT NOT NULL,
		name       TEXT NOT NULL,
		data       JSONB,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (actor_id, bucket, name)
	);`

	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// CreateActor implements Store.
func (p *PostgresStore) CreateActor(ctx context.Context, a *Actor) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO actors (id, creator, passphrase_hash, created_at) VALUES ($1, $2, $3, $4)`,
		a.ID, a.Creator, a.PassphraseHash, a.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("actor %s: %w", a.ID, ErrConflict)
	}
	return err
}

// GetActor implements Store.
func (p *PostgresStore) GetActor(ctx context.Context, actorID string) (*Actor, error) {
	a := &Actor{}
	err := p.pool.QueryRow(ctx,
		`SELECT id, creator, passphrase_hash, created_at FROM actors WHERE id = $1`, actorID,
	).Scan(&a.ID, &a.Creator, &a.PassphraseHash, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get actor: %w", err)
	}
	return a, nil
}

// GetActorByCreator implements Store.
func (p *PostgresStore) GetActorByCreator(ctx context.Context, creator string) (*Actor, error) {
	a := &Actor{}
	err := p.pool.QueryRow(ctx,
		`SELECT id, creator, passphrase_hash, created_at FROM actors
		 WHERE creator = $1 ORDER BY created_at ASC, id ASC LIMIT 1`, creator,
	).Scan(&a.ID, &a.Creator, &a.PassphraseHash, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get actor by creator: %w", err)
	}
	return a, nil
}

// DeleteActor implements Store. Foreign keys cascade to properties, trusts,
// subscriptions, diffs and processor state; bucket rows go explicitly.
func (p *PostgresStore) DeleteActor(ctx context.Context, actorID string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM bucket_items WHERE actor_id = $1`, actorID); err != nil {
		return fmt.Errorf("delete bucket items: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM actors WHERE id = $1`, actorID)
	if err != nil {
		return fmt.Errorf("delete actor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

// GetProperty implements Store.
func (p *PostgresStore) GetProperty(ctx context.Context, actorID, name string) (json.RawMessage, error) {
	var v json.RawMessage
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM properties WHERE actor_id = $1 AND name = $2`, actorID, name,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get property: %w", err)
	}
	return v, nil
}

// SetProperty implements Store.
func (p *PostgresStore) SetProperty(ctx context.Context, actorID, name string, value json.RawMessage) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO properties (actor_id, name, value) VALUES ($1, $2, $3)
		 ON CONFLICT (actor_id, name) DO UPDATE SET value = EXCLUDED.value`,
		actorID, name, value,
	)
	if err != nil {
		return fmt.Errorf("set property: %w", err)
	}
	return nil
}

// DeleteProperty implements Store.
func (p *PostgresStore) DeleteProperty(ctx context.Context, actorID, name string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM properties WHERE actor_id = $1 AND name = $2`, actorID, name)
	if err != nil {
		return fmt.Errorf("delete property: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListProperties implements Store.
func (p *PostgresStore) ListProperties(ctx context.Context, actorID string) (map[string]json.RawMessage, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT name, value FROM properties WHERE actor_id = $1`, actorID)
	if err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var name string
		var v json.RawMessage
		if err := rows.Scan(&name, &v); err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		out[name] = v
	}
	return out, rows.Err()
}

// mutateList runs fn over the decoded list items of a property inside a
// transaction serialised by an advisory lock, then writes the result back.
// fn returns the new item slice, or ErrNotFound when the target item is
// absent. create controls whether a missing property starts as an empty list.
func (p *PostgresStore) mutateList(ctx context.Context, actorID, name string, create bool, fn func(items []ListItem) ([]ListItem, error)) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialise concurrent item mutations on the same property. The lock is
	// released when the transaction commits or rolls back.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, actorID+"/"+name); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	var raw json.RawMessage
	err = tx.QueryRow(ctx,
		`SELECT value FROM properties WHERE actor_id = $1 AND name = $2`, actorID, name,
	).Scan(&raw)
	items := []ListItem{}
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if !create {
			return ErrNotFound
		}
	case err != nil:
		return fmt.Errorf("read list property: %w", err)
	default:
		if items, err = decodeList(name, raw); err != nil {
			return err
		}
	}

	if items, err = fn(items); err != nil {
		return err
	}
	updated, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode list %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO properties (actor_id, name, value) VALUES ($1, $2, $3)
		 ON CONFLICT (actor_id, name) DO UPDATE SET value = EXCLUDED.value`,
		actorID, name, updated,
	); err != nil {
		return fmt.Errorf("write list property: %w", err)
	}
	return tx.Commit(ctx)
}

// ListAppend implements Store.
func (p *PostgresStore) ListAppend(ctx context.Context, actorID, name string, item ListItem) error {
	return p.mutateList(ctx, actorID, name, true, func(items []ListItem) ([]ListItem, error) {
		return append(items, item), nil
	})
}

// ListUpdate implements Store.
func (p *PostgresStore) ListUpdate(ctx context.Context, actorID, name, itemID string, data json.RawMessage) error {
	return p.mutateList(ctx, actorID, name, false, func(items []ListItem) ([]ListItem, error) {
		for i := range items {
			if items[i].ID == itemID {
				items[i].Data = data
				return items, nil
			}
		}
		return nil, ErrNotFound
	})
}

// ListDelete implements Store.
func (p *PostgresStore) ListDelete(ctx context.Context, actorID, name, itemID string) error {
	return p.mutateList(ctx, actorID, name, false, func(items []ListItem) ([]ListItem, error) {
		for i := range items {
			if items[i].ID == itemID {
				return append(items[:i], items[i+1:]...), nil
			}
		}
		return nil, ErrNotFound
	})
}

// CreateTrust implements Store.
func (p *PostgresStore) CreateTrust(ctx context.Context, t *Trust) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO trusts (
			actor_id, peer_id, base_uri, relationship, peer_identifier,
			secret, verify_token, approved, peer_approved, verified,
			description, established_via, created_at, last_accessed
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ActorID, t.PeerID, t.BaseURI, t.Relationship, t.PeerIdentifier,
		t.Secret, t.VerifyToken, t.Approved, t.PeerApproved, t.Verified,
		t.Desc, t.EstablishedVia, t.CreatedAt, nullableTime(t.LastAccessed),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("trust with peer %s: %w", t.PeerID, ErrConflict)
	}
	return err
}

func scanTrust(rows pgx.Rows) (*Trust, error) {
	t := &Trust{}
	var lastAccessed *time.Time
	err := rows.Scan(
		&t.ActorID, &t.PeerID, &t.BaseURI, &t.Relationship, &t.PeerIdentifier,
		&t.Secret, &t.VerifyToken, &t.Approved, &t.PeerApproved, &t.Verified,
		&t.Desc, &t.EstablishedVia, &t.CreatedAt, &lastAccessed,
	)
	if err != nil {
		return nil, err
	}
	if lastAccessed != nil {
		t.LastAccessed = *lastAccessed
	}
	return t, nil
}

const trustColumns = `actor_id, peer_id, base_uri, relationship, peer_identifier,
	secret, verify_token, approved, peer_approved, verified,
	description, established_via, created_at, last_accessed`

func (p *PostgresStore) scanOneTrust(ctx context.Context, query string, args ...any) (*Trust, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanTrust(rows)
}

// GetTrust implements Store.
func (p *PostgresStore) GetTrust(ctx context.Context, actorID, peerID string) (*Trust, error) {
	return p.scanOneTrust(ctx,
		`SELECT `+trustColumns+` FROM trusts WHERE actor_id = $1 AND peer_id = $2`,
		actorID, peerID)
}

// GetTrustBySecret implements Store.
func (p *PostgresStore) GetTrustBySecret(ctx context.Context, actorID, secret string) (*Trust, error) {
	if secret == "" {
		return nil, ErrNotFound
	}
	return p.scanOneTrust(ctx,
		`SELECT `+trustColumns+` FROM trusts WHERE actor_id = $1 AND secret = $2`,
		actorID, secret)
}

// ListTrusts implements Store.
func (p *PostgresStore) ListTrusts(ctx context.Context, actorID string) ([]*Trust, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+trustColumns+` FROM trusts WHERE actor_id = $1 ORDER BY created_at ASC`,
		actorID)
	if err != nil {
		return nil, fmt.Errorf("list trusts: %w", err)
	}
	defer rows.Close()

	var out []*Trust
	for rows.Next() {
		t, err := scanTrust(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trust: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTrust implements Store.
func (p *PostgresStore) UpdateTrust(ctx context.Context, t *Trust) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE trusts SET
			base_uri = $3, relationship = $4, peer_identifier = $5,
			secret = $6, verify_token = $7, approved = $8,
			peer_approved = $9, verified = $10, description = $11,
			established_via = $12, last_accessed = $13
		 WHERE actor_id = $1 AND peer_id = $2`,
		t.ActorID, t.PeerID, t.BaseURI, t.Relationship, t.PeerIdentifier,
		t.Secret, t.VerifyToken, t.Approved, t.PeerApproved, t.Verified,
		t.Desc, t.EstablishedVia, nullableTime(t.LastAccessed),
	)
	if err != nil {
		return fmt.Errorf("update trust: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTrust implements Store.
func (p *PostgresStore) DeleteTrust(ctx context.Context, actorID, peerID string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM trusts WHERE actor_id = $1 AND peer_id = $2`, actorID, peerID)
	if err != nil {
		return fmt.Errorf("delete trust: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSubscription implements Store.
func (p *PostgresStore) CreateSubscription(ctx context.Context, s *Subscription) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO subscriptions (
			actor_id, sub_id, peer_id, target, subtarget, resource,
			granularity, sequence, callback, created_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ActorID, s.ID, s.PeerID, s.Target, s.Subtarget, s.Resource,
		s.Granularity, s.Sequence, s.Callback, s.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("subscription %s: %w", s.ID, ErrConflict)
	}
	return err
}

const subColumns = `actor_id, sub_id, peer_id, target, subtarget, resource,
	granularity, sequence, callback, created_at`

func scanSubscription(rows pgx.Rows) (*Subscription, error) {
	s := &Subscription{}
	err := rows.Scan(
		&s.ActorID, &s.ID, &s.PeerID, &s.Target, &s.Subtarget, &s.Resource,
		&s.Granularity, &s.Sequence, &s.Callback, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetSubscription implements Store.
func (p *PostgresStore) GetSubscription(ctx context.Context, actorID, peerID, subID string) (*Subscription, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+subColumns+` FROM subscriptions
		 WHERE actor_id = $1 AND peer_id = $2 AND sub_id = $3`,
		actorID, peerID, subID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanSubscription(rows)
}

// ListSubscriptions implements Store.
func (p *PostgresStore) ListSubscriptions(ctx context.Context, actorID string, f SubscriptionFilter) ([]*Subscription, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+subColumns+` FROM subscriptions
		 WHERE actor_id = $1
		   AND ($2 = '' OR peer_id = $2)
		   AND ($3 = '' OR target = $3)
		   AND ($4 = '' OR subtarget = $4)
		   AND ($5::boolean IS NULL OR callback = $5)
		 ORDER BY created_at ASC`,
		actorID, f.PeerID, f.Target, f.Subtarget, f.Callback)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	out := []*Subscription{}
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteSubscription implements Store. Diffs and processor state cascade.
func (p *PostgresStore) DeleteSubscription(ctx context.Context, actorID, peerID, subID string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM subscriptions WHERE actor_id = $1 AND peer_id = $2 AND sub_id = $3`,
		actorID, peerID, subID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncreaseSeq implements Store.
func (p *PostgresStore) IncreaseSeq(ctx context.Context, actorID, subID string) (int, error) {
	var seq int
	err := p.pool.QueryRow(ctx,
		`UPDATE subscriptions SET sequence = sequence + 1
		 WHERE actor_id = $1 AND sub_id = $2 RETURNING sequence`,
		actorID, subID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increase sequence: %w", err)
	}
	return seq, nil
}

// AddDiff implements Store. The sequence bump and the diff insert commit
// together, so a minted sequence can never be lost.
func (p *PostgresStore) AddDiff(ctx context.Context, actorID, subID, target, subtarget string, blob json.RawMessage) (*Diff, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var seq int
	err = tx.QueryRow(ctx,
		`UPDATE subscriptions SET sequence = sequence + 1
		 WHERE actor_id = $1 AND sub_id = $2 RETURNING sequence`,
		actorID, subID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("increase sequence: %w", err)
	}

	d := &Diff{
		ActorID:        actorID,
		SubscriptionID: subID,
		Sequence:       seq,
		Target:         target,
		Subtarget:      subtarget,
		Blob:           blob,
		Timestamp:      time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO diffs (actor_id, sub_id, sequence, target, subtarget, blob, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ActorID, d.SubscriptionID, d.Sequence, d.Target, d.Subtarget, d.Blob, d.Timestamp,
	); err != nil {
		return nil, fmt.Errorf("insert diff: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit diff tx: %w", err)
	}
	return d, nil
}

// GetDiffs implements Store.
func (p *PostgresStore) GetDiffs(ctx context.Context, actorID, subID string, sinceSeq int) ([]*Diff, error) {
	var exists bool
	if err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE actor_id = $1 AND sub_id = $2)`,
		actorID, subID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check subscription: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := p.pool.Query(ctx,
		`SELECT actor_id, sub_id, sequence, target, subtarget, blob, created_at
		 FROM diffs WHERE actor_id = $1 AND sub_id = $2 AND sequence > $3
		 ORDER BY sequence ASC`,
		actorID, subID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("get diffs: %w", err)
	}
	defer rows.Close()

	out := []*Diff{}
	for rows.Next() {
		d := &Diff{}
		if err := rows.Scan(
			&d.ActorID, &d.SubscriptionID, &d.Sequence, &d.Target,
			&d.Subtarget, &d.Blob, &d.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan diff: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PruneDiffs implements Store.
func (p *PostgresStore) PruneDiffs(ctx context.Context, actorID, subID string, upToSeq int) error {
	var exists bool
	if err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE actor_id = $1 AND sub_id = $2)`,
		actorID, subID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check subscription: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	_, err := p.pool.Exec(ctx,
		`DELETE FROM diffs WHERE actor_id = $1 AND sub_id = $2 AND sequence <= $3`,
		actorID, subID, upToSeq)
	if err != nil {
		return fmt.Errorf("prune diffs: %w", err)
	}
	return nil
}

// PutBucketItem implements Store.
func (p *PostgresStore) PutBucketItem(ctx context.Context, actorID, bucket, name string, data json.RawMessage) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO bucket_items (actor_id, bucket, name, data, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (actor_id, bucket, name) DO UPDATE
		   SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		actorID, bucket, name, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put bucket item: %w", err)
	}
	return nil
}

// GetBucketItem implements Store.
func (p *PostgresStore) GetBucketItem(ctx context.Context, actorID, bucket, name string) (*BucketItem, error) {
	it := &BucketItem{ActorID: actorID, Bucket: bucket}
	err := p.pool.QueryRow(ctx,
		`SELECT name, data, updated_at FROM bucket_items
		 WHERE actor_id = $1 AND bucket = $2 AND name = $3`,
		actorID, bucket, name,
	).Scan(&it.Name, &it.Data, &it.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bucket item: %w", err)
	}
	return it, nil
}

// ListBucket implements Store.
func (p *PostgresStore) ListBucket(ctx context.Context, actorID, bucket string) ([]*BucketItem, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT name, data, updated_at FROM bucket_items
		 WHERE actor_id = $1 AND bucket = $2 ORDER BY name ASC`,
		actorID, bucket)
	if err != nil {
		return nil, fmt.Errorf("list bucket: %w", err)
	}
	defer rows.Close()

	out := []*BucketItem{}
	for rows.Next() {
		it := &BucketItem{ActorID: actorID, Bucket: bucket}
		if err := rows.Scan(&it.Name, &it.Data, &it.Timestamp); err != nil {
			return nil, fmt.Errorf("scan bucket item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// DeleteBucketItem implements Store.
func (p *PostgresStore) DeleteBucketItem(ctx context.Context, actorID, bucket, name string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM bucket_items WHERE actor_id = $1 AND bucket = $2 AND name = $3`,
		actorID, bucket, name)
	if err != nil {
		return fmt.Errorf("delete bucket item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBucket implements Store.
func (p *PostgresStore) DeleteBucket(ctx context.Context, actorID, bucket string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM bucket_items WHERE actor_id = $1 AND bucket = $2`, actorID, bucket)
	if err != nil {
		return fmt.Errorf("delete bucket: %w", err)
	}
	return nil
}

// CreateState implements Store.
func (p *PostgresStore) CreateState(ctx context.Context, s *CallbackState) error {
	pending, err := json.Marshal(s.Pending)
	if err != nil {
		return fmt.Errorf("marshal pending: %w", err)
	}
	s.Version = 1
	_, err = p.pool.Exec(ctx,
		`INSERT INTO callback_states (actor_id, sub_id, last_seq, pending, gap_deadline, resync_pending, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ActorID, s.SubscriptionID, s.LastSeq, pending,
		nullableTime(s.GapDeadline), s.ResyncPending, s.Version,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("state for subscription %s: %w", s.SubscriptionID, ErrConflict)
	}
	return err
}

// GetState implements Store.
func (p *PostgresStore) GetState(ctx context.Context, actorID, subID string) (*CallbackState, error) {
	s := &CallbackState{ActorID: actorID, SubscriptionID: subID}
	var pending []byte
	var gapDeadline *time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT last_seq, pending, gap_deadline, resync_pending, version
		 FROM callback_states WHERE actor_id = $1 AND sub_id = $2`,
		actorID, subID,
	).Scan(&s.LastSeq, &pending, &gapDeadline, &s.ResyncPending, &s.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	if len(pending) > 0 {
		if err := json.Unmarshal(pending, &s.Pending); err != nil {
			return nil, fmt.Errorf("unmarshal pending: %w", err)
		}
	}
	if gapDeadline != nil {
		s.GapDeadline = *gapDeadline
	}
	return s, nil
}

// CompareAndSwapState implements Store.
func (p *PostgresStore) CompareAndSwapState(ctx context.Context, s *CallbackState) error {
	pending, err := json.Marshal(s.Pending)
	if err != nil {
		return fmt.Errorf("marshal pending: %w", err)
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE callback_states SET
			last_seq = $3, pending = $4, gap_deadline = $5,
			resync_pending = $6, version = version + 1
		 WHERE actor_id = $1 AND sub_id = $2 AND version = $7`,
		s.ActorID, s.SubscriptionID, s.LastSeq, pending,
		nullableTime(s.GapDeadline), s.ResyncPending, s.Version,
	)
	if err != nil {
		return fmt.Errorf("swap state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM callback_states WHERE actor_id = $1 AND sub_id = $2)`,
			s.ActorID, s.SubscriptionID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check state: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return fmt.Errorf("state for subscription %s: %w", s.SubscriptionID, ErrConflict)
	}
	s.Version++
	return nil
}

// DeleteState implements Store.
func (p *PostgresStore) DeleteState(ctx context.Context, actorID, subID string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM callback_states WHERE actor_id = $1 AND sub_id = $2`, actorID, subID)
	if err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
