package postgres

import (
	"context"
	"errors"

	"github.com/and161185/cipherlog/internal/errs"
	"github.com/and161185/cipherlog/internal/model"
	"github.com/and161185/cipherlog/internal/repository"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// DatabaseRepo implements DatabaseRepository using PostgreSQL.
type DatabaseRepo struct{ db *DB }

// NewDatabaseRepo constructs a database repository.
func NewDatabaseRepo(db *DB) *DatabaseRepo { return &DatabaseRepo{db: db} }

var _ repository.DatabaseRepository = (*DatabaseRepo)(nil)

// CreateDatabase inserts a new database row with a fresh head.
func (r *DatabaseRepo) CreateDatabase(ctx context.Context, d *model.Database) error {
	const q = `
INSERT INTO databases (id, owner_id, name_hash, encryption_key, version)
VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Pool.Exec(ctx, q, d.ID, d.OwnerID, d.NameHash, []byte(d.EncryptionKey), d.Version)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

const selectDatabase = `
SELECT id, owner_id, name_hash, encryption_key, version, last_seq_no, bundle_seq_no, created_at
FROM databases `

func scanDatabase(row pgx.Row) (*model.Database, error) {
	var (
		d   model.Database
		key []byte
	)
	err := row.Scan(&d.ID, &d.OwnerID, &d.NameHash, &key, &d.Version, &d.LastSeqNo, &d.BundleSeqNo, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	d.EncryptionKey = key
	return &d, nil
}

// GetDatabase loads a database by id.
func (r *DatabaseRepo) GetDatabase(ctx context.Context, id uuid.UUID) (*model.Database, error) {
	return scanDatabase(r.db.Pool.QueryRow(ctx, selectDatabase+`WHERE id=$1`, id))
}

// GetDatabaseByName loads an owner's database by name hash.
func (r *DatabaseRepo) GetDatabaseByName(ctx context.Context, ownerID uuid.UUID, nameHash string) (*model.Database, error) {
	return scanDatabase(r.db.Pool.QueryRow(ctx, selectDatabase+`WHERE owner_id=$1 AND name_hash=$2`, ownerID, nameHash))
}

// ListDatabasesForUser pages through owned and granted databases.
func (r *DatabaseRepo) ListDatabasesForUser(ctx context.Context, userID, afterID uuid.UUID, limit int) ([]model.DatabaseSummary, error) {
	const q = `
SELECT d.id, d.name_hash, u.username, d.owner_id = $1,
       COALESCE(g.read_only, false), COALESCE(g.resharing_allowed, true),
       COALESCE(g.encryption_key, d.encryption_key)
FROM databases d
JOIN users u ON u.id = d.owner_id
LEFT JOIN database_grants g ON g.database_id = d.id AND g.user_id = $1 AND NOT g.revoked
WHERE (d.owner_id = $1 OR g.user_id IS NOT NULL) AND d.id > $2
ORDER BY d.id ASC
LIMIT $3`
	rows, err := r.db.Pool.Query(ctx, q, userID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DatabaseSummary
	for rows.Next() {
		var (
			s   model.DatabaseSummary
			key []byte
		)
		if err = rows.Scan(&s.DatabaseID, &s.NameHash, &s.OwnerUsername, &s.IsOwner,
			&s.ReadOnly, &s.ResharingAllowed, &key); err != nil {
			return nil, err
		}
		s.EncryptionKey = key
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetGrant loads a grant edge.
func (r *DatabaseRepo) GetGrant(ctx context.Context, databaseID, userID uuid.UUID) (*model.Grant, error) {
	const q = `
SELECT database_id, user_id, shared_by, read_only, resharing_allowed, verified, revoked,
       encryption_key, created_at, updated_at
FROM database_grants WHERE database_id=$1 AND user_id=$2`
	var (
		g   model.Grant
		key []byte
	)
	err := r.db.Pool.QueryRow(ctx, q, databaseID, userID).Scan(&g.DatabaseID, &g.UserID, &g.SharedBy,
		&g.ReadOnly, &g.ResharingAllowed, &g.Verified, &g.Revoked, &key, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	g.EncryptionKey = key
	return &g, nil
}

// UpsertGrant creates or replaces a grant edge, keeping its creation time.
func (r *DatabaseRepo) UpsertGrant(ctx context.Context, g *model.Grant) error {
	const q = `
INSERT INTO database_grants (database_id, user_id, shared_by, read_only, resharing_allowed, verified, revoked, encryption_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (database_id, user_id) DO UPDATE
SET shared_by = EXCLUDED.shared_by,
    read_only = EXCLUDED.read_only,
    resharing_allowed = EXCLUDED.resharing_allowed,
    verified = EXCLUDED.verified,
    revoked = EXCLUDED.revoked,
    encryption_key = EXCLUDED.encryption_key,
    updated_at = now()`
	_, err := r.db.Pool.Exec(ctx, q, g.DatabaseID, g.UserID, g.SharedBy, g.ReadOnly, g.ResharingAllowed,
		g.Verified, g.Revoked, []byte(g.EncryptionKey))
	return err
}

// ListDatabaseUsers pages through current grants of a database.
func (r *DatabaseRepo) ListDatabaseUsers(ctx context.Context, databaseID, afterUserID uuid.UUID, limit int) ([]model.DatabaseUser, error) {
	const q = `
SELECT g.user_id, u.username, g.read_only, g.resharing_allowed, g.verified
FROM database_grants g
JOIN users u ON u.id = g.user_id
WHERE g.database_id = $1 AND NOT g.revoked AND g.user_id > $2
ORDER BY g.user_id ASC
LIMIT $3`
	rows, err := r.db.Pool.Query(ctx, q, databaseID, afterUserID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DatabaseUser
	for rows.Next() {
		var u model.DatabaseUser
		if err = rows.Scan(&u.UserID, &u.Username, &u.ReadOnly, &u.ResharingAllowed, &u.Verified); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// PutShareToken replaces the token of the (database, read_only) pair.
func (r *DatabaseRepo) PutShareToken(ctx context.Context, t *model.ShareToken) error {
	const q = `
INSERT INTO share_tokens (token, database_id, read_only)
VALUES ($1, $2, $3)
ON CONFLICT (database_id, read_only) DO UPDATE
SET token = EXCLUDED.token, created_at = now()`
	_, err := r.db.Pool.Exec(ctx, q, t.Token, t.DatabaseID, t.ReadOnly)
	return err
}

// GetShareToken loads a token.
func (r *DatabaseRepo) GetShareToken(ctx context.Context, token string) (*model.ShareToken, error) {
	const q = `SELECT token, database_id, read_only, created_at FROM share_tokens WHERE token=$1`
	var t model.ShareToken
	err := r.db.Pool.QueryRow(ctx, q, token).Scan(&t.Token, &t.DatabaseID, &t.ReadOnly, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}
