// Package postgres is the production implementation of storage.Backend,
// backed by PostgreSQL via pgx. Advisory locks serialize counter-style
// mutations and optimistic-concurrency version columns protect record
// updates.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/actingweb-core/internal/storage"
)

// sequenceLockKey is the advisory lock key used to serialize IncreaseSeq
// calls.
const sequenceLockKey = int64(2_817_340_091)

// Backend is a PostgreSQL-backed storage.Backend.
type Backend struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New creates a Backend backed by the given connection pool.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Backend {
	return &Backend{pool: pool, logger: logger}
}

// Schema is the DDL required by Backend. It is executed by EnsureSchema at
// reference-server startup, replacing a dedicated migration binary.
const Schema = `
CREATE TABLE IF NOT EXISTS actors (
	id         TEXT PRIMARY KEY,
	creator    TEXT NOT NULL UNIQUE,
	passphrase TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS properties (
	actor_id TEXT NOT NULL,
	path     TEXT NOT NULL,
	blob     JSONB NOT NULL,
	is_list  BOOLEAN NOT NULL DEFAULT FALSE,
	item_ids TEXT[] NOT NULL DEFAULT '{}',
	PRIMARY KEY (actor_id, path)
);

CREATE TABLE IF NOT EXISTS trusts (
	actor_id           TEXT NOT NULL,
	peer_id            TEXT NOT NULL,
	relationship       TEXT NOT NULL,
	peer_identifier    TEXT NOT NULL DEFAULT '',
	base_uri           TEXT NOT NULL DEFAULT '',
	secret             TEXT NOT NULL DEFAULT '',
	verification_token TEXT NOT NULL DEFAULT '',
	approved           BOOLEAN NOT NULL DEFAULT FALSE,
	peer_approved      BOOLEAN NOT NULL DEFAULT FALSE,
	established_via    TEXT NOT NULL DEFAULT 'actingweb',
	created_at         TIMESTAMPTZ NOT NULL,
	last_accessed      TIMESTAMPTZ NOT NULL,
	version            BIGINT NOT NULL DEFAULT 1,
	PRIMARY KEY (actor_id, peer_id)
);

CREATE TABLE IF NOT EXISTS permission_overrides (
	actor_id   TEXT NOT NULL,
	peer_id    TEXT NOT NULL,
	categories JSONB NOT NULL,
	version    BIGINT NOT NULL DEFAULT 1,
	PRIMARY KEY (actor_id, peer_id)
);

CREATE TABLE IF NOT EXISTS subscriptions (
	actor_id    TEXT NOT NULL,
	sub_id      TEXT NOT NULL,
	peer_id     TEXT NOT NULL,
	target      TEXT NOT NULL DEFAULT '',
	sub_target  TEXT NOT NULL DEFAULT '',
	resource    TEXT NOT NULL DEFAULT '',
	granularity TEXT NOT NULL DEFAULT 'high',
	sequence    BIGINT NOT NULL DEFAULT 0,
	callback    BOOLEAN NOT NULL DEFAULT FALSE,
	suspended   BOOLEAN NOT NULL DEFAULT FALSE,
	version     BIGINT NOT NULL DEFAULT 1,
	PRIMARY KEY (actor_id, sub_id)
);

CREATE TABLE IF NOT EXISTS diffs (
	sub_id    TEXT NOT NULL,
	sequence  BIGINT NOT NULL,
	target    TEXT NOT NULL DEFAULT '',
	sub_target TEXT NOT NULL DEFAULT '',
	blob      JSONB NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (sub_id, sequence)
);

CREATE TABLE IF NOT EXISTS processor_state (
	sub_id                 TEXT PRIMARY KEY,
	last_sequence_applied  BIGINT NOT NULL DEFAULT 0,
	pending                JSONB NOT NULL DEFAULT '[]',
	gap_deadline           TIMESTAMPTZ,
	resync_pending         BOOLEAN NOT NULL DEFAULT FALSE,
	version                BIGINT NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS attribute_buckets (
	actor_id  TEXT NOT NULL,
	bucket    TEXT NOT NULL,
	name      TEXT NOT NULL,
	data      JSONB NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (actor_id, bucket, name)
);
`

// EnsureSchema applies Schema idempotently. Called once at startup by
// cmd/actingwebd in place of a dedicated migration binary.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	return err
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	if strings.Contains(err.Error(), "unique") || strings.Contains(err.Error(), "duplicate") {
		return fmt.Errorf("%v: %w", err, storage.ErrConflict)
	}
	return fmt.Errorf("%v: %w", err, storage.ErrUnavailable)
}

// --- Actors ---

func (b *Backend) GetActor(ctx context.Context, id string) (*storage.Actor, error) {
	a := &storage.Actor{}
	err := b.pool.QueryRow(ctx,
		`SELECT id, creator, passphrase, created_at FROM actors WHERE id = $1`, id,
	).Scan(&a.ID, &a.Creator, &a.Passphrase, &a.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return a, nil
}

func (b *Backend) GetActorByCreator(ctx context.Context, creator string) (*storage.Actor, error) {
	a := &storage.Actor{}
	err := b.pool.QueryRow(ctx,
		`SELECT id, creator, passphrase, created_at FROM actors WHERE creator = $1`, creator,
	).Scan(&a.ID, &a.Creator, &a.Passphrase, &a.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return a, nil
}

func (b *Backend) CreateActor(ctx context.Context, a *storage.Actor) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO actors (id, creator, passphrase, created_at) VALUES ($1, $2, $3, $4)`,
		a.ID, a.Creator, a.Passphrase, a.CreatedAt,
	)
	return translate(err)
}

func (b *Backend) DeleteActor(ctx context.Context, id string) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return translate(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `DELETE FROM actors WHERE id = $1`, id)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	// diffs and processor_state are keyed by sub_id, so their cascade goes
	// through the actor's subscriptions and must run before those rows are
	// deleted.
	for _, stmt := range []string{
		`DELETE FROM diffs WHERE sub_id IN (SELECT sub_id FROM subscriptions WHERE actor_id = $1)`,
		`DELETE FROM processor_state WHERE sub_id IN (SELECT sub_id FROM subscriptions WHERE actor_id = $1)`,
		`DELETE FROM properties WHERE actor_id = $1`,
		`DELETE FROM trusts WHERE actor_id = $1`,
		`DELETE FROM permission_overrides WHERE actor_id = $1`,
		`DELETE FROM subscriptions WHERE actor_id = $1`,
		`DELETE FROM attribute_buckets WHERE actor_id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, id); err != nil {
			return translate(err)
		}
	}
	return translate(tx.Commit(ctx))
}

// --- Properties ---

func (b *Backend) GetProperty(ctx context.Context, actorID string, path []string) (*storage.PropertyValue, error) {
	v := &storage.PropertyValue{Path: path}
	err := b.pool.QueryRow(ctx,
		`SELECT blob, is_list, item_ids FROM properties WHERE actor_id = $1 AND path = $2`,
		actorID, joinPath(path),
	).Scan(&v.Blob, &v.IsList, &v.ItemIDs)
	if err != nil {
		return nil, translate(err)
	}
	return v, nil
}

func (b *Backend) SetProperty(ctx context.Context, actorID string, v *storage.PropertyValue) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO properties (actor_id, path, blob, is_list, item_ids)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (actor_id, path) DO UPDATE SET blob = $3, is_list = $4, item_ids = $5`,
		actorID, joinPath(v.Path), v.Blob, v.IsList, v.ItemIDs,
	)
	return translate(err)
}

func (b *Backend) DeleteProperty(ctx context.Context, actorID string, path []string) error {
	tag, err := b.pool.Exec(ctx,
		`DELETE FROM properties WHERE actor_id = $1 AND path = $2`, actorID, joinPath(path))
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (b *Backend) ListProperties(ctx context.Context, actorID string) ([]*storage.PropertyValue, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT path, blob, is_list, item_ids FROM properties WHERE actor_id = $1`, actorID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []*storage.PropertyValue
	for rows.Next() {
		v := &storage.PropertyValue{}
		var path string
		if err := rows.Scan(&path, &v.Blob, &v.IsList, &v.ItemIDs); err != nil {
			return nil, translate(err)
		}
		v.Path = splitPath(path)
		out = append(out, v)
	}
	return out, translate(rows.Err())
}

func (b *Backend) DeleteAllProperties(ctx context.Context, actorID string) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM properties WHERE actor_id = $1`, actorID)
	return translate(err)
}

// List-typed property blobs are a jsonb object keyed by item ID, the same
// shape the memory backend builds, so every operation below addresses one
// item via its key and a read-back returns the whole keyed object.

func (b *Backend) ListAppend(ctx context.Context, actorID string, path []string, itemID string, item []byte) error {
	tag, err := b.pool.Exec(ctx,
		`INSERT INTO properties (actor_id, path, blob, is_list, item_ids)
		 VALUES ($1, $2, jsonb_build_object($4::text, $3::jsonb), TRUE, ARRAY[$4])
		 ON CONFLICT (actor_id, path) DO UPDATE
		 SET item_ids = array_append(properties.item_ids, $4),
		     blob = jsonb_set(coalesce(properties.blob, '{}'::jsonb), ARRAY[$4], $3::jsonb)
		 WHERE properties.is_list`,
		actorID, joinPath(path), item, itemID,
	)
	if err != nil {
		return translate(err)
	}
	// Appending onto an existing scalar property is rejected, matching the
	// memory backend.
	if tag.RowsAffected() == 0 {
		return storage.ErrConflict
	}
	return nil
}

func (b *Backend) ListUpdate(ctx context.Context, actorID string, path []string, itemID string, item []byte) error {
	tag, err := b.pool.Exec(ctx,
		`UPDATE properties SET blob = jsonb_set(blob, ARRAY[$4], $3::jsonb)
		 WHERE actor_id = $1 AND path = $2 AND is_list AND $4 = ANY(item_ids)`,
		actorID, joinPath(path), item, itemID,
	)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (b *Backend) ListDelete(ctx context.Context, actorID string, path []string, itemID string) error {
	tag, err := b.pool.Exec(ctx,
		`UPDATE properties SET blob = blob - $3, item_ids = array_remove(item_ids, $3)
		 WHERE actor_id = $1 AND path = $2 AND is_list AND $3 = ANY(item_ids)`,
		actorID, joinPath(path), itemID,
	)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func joinPath(path []string) string   { return strings.Join(path, "/") }
func splitPath(s string) []string     { return strings.Split(s, "/") }

// --- Trust ---

func (b *Backend) CreateTrust(ctx context.Context, t *storage.Trust) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO trusts (actor_id, peer_id, relationship, peer_identifier, base_uri,
			secret, verification_token, approved, peer_approved, established_via,
			created_at, last_accessed, version)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,1)`,
		t.ActorID, t.PeerID, t.Relationship, t.PeerIdentifier, t.BaseURI,
		t.Secret, t.VerificationToken, t.Approved, t.PeerApproved, t.EstablishedVia,
		t.CreatedAt, t.LastAccessed,
	)
	return translate(err)
}

func (b *Backend) GetTrust(ctx context.Context, actorID, peerID string) (*storage.Trust, error) {
	t := &storage.Trust{ActorID: actorID, PeerID: peerID}
	err := b.pool.QueryRow(ctx,
		`SELECT relationship, peer_identifier, base_uri, secret, verification_token,
			approved, peer_approved, established_via, created_at, last_accessed, version
		 FROM trusts WHERE actor_id = $1 AND peer_id = $2`, actorID, peerID,
	).Scan(&t.Relationship, &t.PeerIdentifier, &t.BaseURI, &t.Secret, &t.VerificationToken,
		&t.Approved, &t.PeerApproved, &t.EstablishedVia, &t.CreatedAt, &t.LastAccessed, &t.Version)
	if err != nil {
		return nil, translate(err)
	}
	return t, nil
}

func (b *Backend) UpdateTrust(ctx context.Context, t *storage.Trust) error {
	tag, err := b.pool.Exec(ctx,
		`UPDATE trusts SET relationship=$3, peer_identifier=$4, base_uri=$5, secret=$6,
			verification_token=$7, approved=$8, peer_approved=$9, established_via=$10,
			last_accessed=$11, version=version+1
		 WHERE actor_id=$1 AND peer_id=$2 AND version=$12`,
		t.ActorID, t.PeerID, t.Relationship, t.PeerIdentifier, t.BaseURI, t.Secret,
		t.VerificationToken, t.Approved, t.PeerApproved, t.EstablishedVia, t.LastAccessed, t.Version,
	)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrConflict
	}
	return nil
}

func (b *Backend) DeleteTrust(ctx context.Context, actorID, peerID string) error {
	tag, err := b.pool.Exec(ctx,
		`DELETE FROM trusts WHERE actor_id = $1 AND peer_id = $2`, actorID, peerID)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (b *Backend) ListTrusts(ctx context.Context, actorID string) ([]*storage.Trust, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT peer_id, relationship, peer_identifier, base_uri, secret, verification_token,
			approved, peer_approved, established_via, created_at, last_accessed, version
		 FROM trusts WHERE actor_id = $1`, actorID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []*storage.Trust
	for rows.Next() {
		t := &storage.Trust{ActorID: actorID}
		if err := rows.Scan(&t.PeerID, &t.Relationship, &t.PeerIdentifier, &t.BaseURI, &t.Secret,
			&t.VerificationToken, &t.Approved, &t.PeerApproved, &t.EstablishedVia,
			&t.CreatedAt, &t.LastAccessed, &t.Version); err != nil {
			return nil, translate(err)
		}
		out = append(out, t)
	}
	return out, translate(rows.Err())
}

func (b *Backend) GetOverride(ctx context.Context, actorID, peerID string) (*storage.PermissionOverride, error) {
	o := &storage.PermissionOverride{ActorID: actorID, PeerID: peerID}
	var raw []byte
	err := b.pool.QueryRow(ctx,
		`SELECT categories, version FROM permission_overrides WHERE actor_id=$1 AND peer_id=$2`,
		actorID, peerID,
	).Scan(&raw, &o.Version)
	if err != nil {
		return nil, translate(err)
	}
	if err := json.Unmarshal(raw, &o.Categories); err != nil {
		return nil, fmt.Errorf("unmarshal override categories: %w", err)
	}
	return o, nil
}

func (b *Backend) PutOverride(ctx context.Context, o *storage.PermissionOverride) error {
	raw, err := json.Marshal(o.Categories)
	if err != nil {
		return fmt.Errorf("marshal override categories: %w", err)
	}
	_, err = b.pool.Exec(ctx,
		`INSERT INTO permission_overrides (actor_id, peer_id, categories, version)
		 VALUES ($1,$2,$3,1)
		 ON CONFLICT (actor_id, peer_id) DO UPDATE
		 SET categories = $3, version = permission_overrides.version + 1`,
		o.ActorID, o.PeerID, raw,
	)
	return translate(err)
}

func (b *Backend) DeleteOverride(ctx context.Context, actorID, peerID string) error {
	_, err := b.pool.Exec(ctx,
		`DELETE FROM permission_overrides WHERE actor_id=$1 AND peer_id=$2`, actorID, peerID)
	return translate(err)
}

// --- Subscriptions ---

func (b *Backend) CreateSubscription(ctx context.Context, s *storage.Subscription) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO subscriptions (actor_id, sub_id, peer_id, target, sub_target, resource,
			granularity, sequence, callback, suspended, version)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,1)`,
		s.ActorID, s.SubID, s.PeerID, s.Target, s.SubTarget, s.Resource,
		s.Granularity, s.Sequence, s.Callback, s.Suspended,
	)
	return translate(err)
}

func (b *Backend) GetSubscription(ctx context.Context, actorID, peerID, subID string) (*storage.Subscription, error) {
	s := &storage.Subscription{ActorID: actorID, SubID: subID}
	query := `SELECT peer_id, target, sub_target, resource, granularity, sequence, callback, suspended, version
		FROM subscriptions WHERE actor_id=$1 AND sub_id=$2`
	args := []any{actorID, subID}
	if peerID != "" {
		query += ` AND peer_id=$3`
		args = append(args, peerID)
	}
	err := b.pool.QueryRow(ctx, query, args...).Scan(
		&s.PeerID, &s.Target, &s.SubTarget, &s.Resource, &s.Granularity,
		&s.Sequence, &s.Callback, &s.Suspended, &s.Version,
	)
	if err != nil {
		return nil, translate(err)
	}
	return s, nil
}

func (b *Backend) UpdateSubscription(ctx context.Context, s *storage.Subscription) error {
	tag, err := b.pool.Exec(ctx,
		`UPDATE subscriptions SET target=$3, sub_target=$4, resource=$5, granularity=$6,
			suspended=$7, version=version+1
		 WHERE actor_id=$1 AND sub_id=$2 AND version=$8`,
		s.ActorID, s.SubID, s.Target, s.SubTarget, s.Resource, s.Granularity, s.Suspended, s.Version,
	)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrConflict
	}
	return nil
}

func (b *Backend) DeleteSubscription(ctx context.Context, actorID, peerID, subID string) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return translate(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `DELETE FROM subscriptions WHERE actor_id=$1 AND sub_id=$2`, actorID, subID)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM diffs WHERE sub_id=$1`, subID); err != nil {
		return translate(err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM processor_state WHERE sub_id=$1`, subID); err != nil {
		return translate(err)
	}
	return translate(tx.Commit(ctx))
}

func (b *Backend) ListSubscriptions(ctx context.Context, actorID string, filter storage.SubscriptionFilter) ([]*storage.Subscription, error) {
	query := `SELECT sub_id, peer_id, target, sub_target, resource, granularity, sequence, callback, suspended, version
		FROM subscriptions WHERE actor_id=$1`
	args := []any{actorID}
	if filter.PeerID != "" {
		args = append(args, filter.PeerID)
		query += fmt.Sprintf(` AND peer_id=$%d`, len(args))
	}
	if filter.Target != "" {
		args = append(args, filter.Target)
		query += fmt.Sprintf(` AND target=$%d`, len(args))
	}
	if filter.Callback != nil {
		args = append(args, *filter.Callback)
		query += fmt.Sprintf(` AND callback=$%d`, len(args))
	}
	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []*storage.Subscription
	for rows.Next() {
		s := &storage.Subscription{ActorID: actorID}
		if err := rows.Scan(&s.SubID, &s.PeerID, &s.Target, &s.SubTarget, &s.Resource,
			&s.Granularity, &s.Sequence, &s.Callback, &s.Suspended, &s.Version); err != nil {
			return nil, translate(err)
		}
		out = append(out, s)
	}
	return out, translate(rows.Err())
}

// IncreaseSeq serializes the increment with a transaction-scoped advisory
// lock.
func (b *Backend) IncreaseSeq(ctx context.Context, actorID, peerID, subID string) (int64, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return 0, translate(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", sequenceLockKey); err != nil {
		return 0, translate(err)
	}

	var seq int64
	query := `UPDATE subscriptions SET sequence = sequence + 1 WHERE actor_id=$1 AND sub_id=$2`
	args := []any{actorID, subID}
	if peerID != "" {
		query += ` AND peer_id=$3`
		args = append(args, peerID)
	}
	query += ` RETURNING sequence`
	if err := tx.QueryRow(ctx, query, args...).Scan(&seq); err != nil {
		return 0, translate(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, translate(err)
	}
	return seq, nil
}

func (b *Backend) AddDiff(ctx context.Context, d *storage.Diff) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO diffs (sub_id, sequence, target, sub_target, blob, timestamp)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		d.SubID, d.Sequence, d.Target, d.SubTarget, d.Blob, d.Timestamp,
	)
	return translate(err)
}

func (b *Backend) GetDiffs(ctx context.Context, subID string, sinceSeq int64) ([]*storage.Diff, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT sequence, target, sub_target, blob, timestamp FROM diffs
		 WHERE sub_id=$1 AND sequence > $2 ORDER BY sequence ASC`, subID, sinceSeq)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []*storage.Diff
	for rows.Next() {
		d := &storage.Diff{SubID: subID}
		if err := rows.Scan(&d.Sequence, &d.Target, &d.SubTarget, &d.Blob, &d.Timestamp); err != nil {
			return nil, translate(err)
		}
		out = append(out, d)
	}
	return out, translate(rows.Err())
}

func (b *Backend) PruneDiffs(ctx context.Context, subID string, throughSeq int64) error {
	_, err := b.pool.Exec(ctx,
		`DELETE FROM diffs WHERE sub_id=$1 AND sequence <= $2`, subID, throughSeq)
	return translate(err)
}

// --- Callback processor state ---

func (b *Backend) GetProcessorState(ctx context.Context, subID string) (*storage.ProcessorState, error) {
	p := &storage.ProcessorState{SubID: subID}
	var raw []byte
	var gapDeadline *time.Time
	err := b.pool.QueryRow(ctx,
		`SELECT last_sequence_applied, pending, gap_deadline, resync_pending, version
		 FROM processor_state WHERE sub_id=$1`, subID,
	).Scan(&p.LastSequenceApplied, &raw, &gapDeadline, &p.ResyncPending, &p.Version)
	if err != nil {
		return nil, translate(err)
	}
	if gapDeadline != nil {
		p.GapDeadline = *gapDeadline
	}
	if err := json.Unmarshal(raw, &p.Pending); err != nil {
		return nil, fmt.Errorf("unmarshal pending callbacks: %w", err)
	}
	return p, nil
}

func (b *Backend) CreateProcessorState(ctx context.Context, p *storage.ProcessorState) error {
	raw, err := json.Marshal(p.Pending)
	if err != nil {
		return fmt.Errorf("marshal pending callbacks: %w", err)
	}
	_, err = b.pool.Exec(ctx,
		`INSERT INTO processor_state (sub_id, last_sequence_applied, pending, gap_deadline, resync_pending, version)
		 VALUES ($1,$2,$3,$4,$5,1)`,
		p.SubID, p.LastSequenceApplied, raw, nullableTime(p.GapDeadline), p.ResyncPending,
	)
	return translate(err)
}

func (b *Backend) CompareAndSwapProcessorState(ctx context.Context, version int64, p *storage.ProcessorState) error {
	raw, err := json.Marshal(p.Pending)
	if err != nil {
		return fmt.Errorf("marshal pending callbacks: %w", err)
	}
	tag, err := b.pool.Exec(ctx,
		`UPDATE processor_state SET last_sequence_applied=$2, pending=$3, gap_deadline=$4,
			resync_pending=$5, version=version+1
		 WHERE sub_id=$1 AND version=$6`,
		p.SubID, p.LastSequenceApplied, raw, nullableTime(p.GapDeadline), p.ResyncPending, version,
	)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrConflict
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// --- Attribute buckets ---

func (b *Backend) BucketGet(ctx context.Context, actorID, bucket, name string) (*storage.BucketItem, error) {
	item := &storage.BucketItem{Bucket: bucket, Name: name}
	err := b.pool.QueryRow(ctx,
		`SELECT data, timestamp FROM attribute_buckets WHERE actor_id=$1 AND bucket=$2 AND name=$3`,
		actorID, bucket, name,
	).Scan(&item.Data, &item.Timestamp)
	if err != nil {
		return nil, translate(err)
	}
	return item, nil
}

func (b *Backend) BucketPut(ctx context.Context, actorID string, item *storage.BucketItem) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO attribute_buckets (actor_id, bucket, name, data, timestamp)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (actor_id, bucket, name) DO UPDATE SET data=$4, timestamp=$5`,
		actorID, item.Bucket, item.Name, item.Data, item.Timestamp,
	)
	return translate(err)
}

func (b *Backend) BucketDelete(ctx context.Context, actorID, bucket, name string) error {
	tag, err := b.pool.Exec(ctx,
		`DELETE FROM attribute_buckets WHERE actor_id=$1 AND bucket=$2 AND name=$3`,
		actorID, bucket, name)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (b *Backend) BucketList(ctx context.Context, actorID, bucket string) ([]*storage.BucketItem, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT name, data, timestamp FROM attribute_buckets WHERE actor_id=$1 AND bucket=$2`,
		actorID, bucket)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []*storage.BucketItem
	for rows.Next() {
		item := &storage.BucketItem{Bucket: bucket}
		if err := rows.Scan(&item.Name, &item.Data, &item.Timestamp); err != nil {
			return nil, translate(err)
		}
		out = append(out, item)
	}
	return out, translate(rows.Err())
}

func (b *Backend) BucketDeleteAll(ctx context.Context, actorID, bucket string) error {
	_, err := b.pool.Exec(ctx,
		`DELETE FROM attribute_buckets WHERE actor_id=$1 AND bucket=$2`, actorID, bucket)
	return translate(err)
}

var _ storage.Backend = (*Backend)(nil)
