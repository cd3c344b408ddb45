package postgres

import (
	"context"
	"errors"

	"github.com/and161185/cipherlog/internal/errs"
	"github.com/and161185/cipherlog/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

// Create inserts a new user row.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	const q = `
INSERT INTO users (id, username, pwd_hash, salt_auth, kek_salt, wrapped_dek, public_key)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.Pool.Exec(ctx, q, u.ID, u.Username, u.PwdHash, u.SaltAuth, u.KekSalt, u.WrappedDEK, u.PublicKey)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

const selectUser = `
SELECT id, username, pwd_hash, salt_auth, kek_salt, wrapped_dek, public_key, created_at
FROM users `

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.PwdHash, &u.SaltAuth, &u.KekSalt, &u.WrappedDEK, &u.PublicKey, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetByID selects a user by ID.
func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	return scanUser(r.db.Pool.QueryRow(ctx, selectUser+`WHERE id=$1`, id))
}

// GetByUsername selects a user by username.
func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	return scanUser(r.db.Pool.QueryRow(ctx, selectUser+`WHERE username=$1`, username))
}

// SetWrappedDEKIfEmpty updates wrapped_dek only if currently empty.
func (r *UserRepo) SetWrappedDEKIfEmpty(ctx context.Context, id uuid.UUID, wrapped []byte) error {
	const q = `
UPDATE users
SET wrapped_dek = $2
WHERE id = $1 AND octet_length(wrapped_dek) = 0`
	tag, err := r.db.Pool.Exec(ctx, q, id, wrapped)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrVersionConflict
	}
	return nil
}

// AddVerification records a verification edge; repeating it is a no-op.
func (r *UserRepo) AddVerification(ctx context.Context, verifier, verified uuid.UUID) error {
	const q = `
INSERT INTO user_verifications (verifier_id, verified_id)
VALUES ($1, $2)
ON CONFLICT (verifier_id, verified_id) DO NOTHING`
	_, err := r.db.Pool.Exec(ctx, q, verifier, verified)
	return err
}

// IsVerified reports whether the verification edge exists.
func (r *UserRepo) IsVerified(ctx context.Context, verifier, verified uuid.UUID) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM user_verifications WHERE verifier_id=$1 AND verified_id=$2)`
	var ok bool
	if err := r.db.Pool.QueryRow(ctx, q, verifier, verified).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}
