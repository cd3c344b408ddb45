package repository

import (
	"context"

	"github.com/and161185/cipherlog/internal/model"
	"github.com/gofrs/uuid/v5"
)

// DatabaseRepository stores databases, access grants and share tokens.
type DatabaseRepository interface {
	// CreateDatabase inserts a database; errs.ErrAlreadyExists if the owner
	// already has one with the same name hash.
	CreateDatabase(ctx context.Context, db *model.Database) error
	// GetDatabase loads a database by id.
	GetDatabase(ctx context.Context, id uuid.UUID) (*model.Database, error)
	// GetDatabaseByName loads an owner's database by name hash.
	GetDatabaseByName(ctx context.Context, ownerID uuid.UUID, nameHash string) (*model.Database, error)
	// ListDatabasesForUser pages through databases the user owns or holds a
	// non-revoked grant on, ordered by database id.
	ListDatabasesForUser(ctx context.Context, userID, afterID uuid.UUID, limit int) ([]model.DatabaseSummary, error)

	// GetGrant loads the grant edge of (databaseID, userID), revoked or not.
	GetGrant(ctx context.Context, databaseID, userID uuid.UUID) (*model.Grant, error)
	// UpsertGrant creates or replaces the edge of (g.DatabaseID, g.UserID).
	UpsertGrant(ctx context.Context, g *model.Grant) error
	// ListDatabaseUsers pages through non-revoked grants ordered by user id.
	ListDatabaseUsers(ctx context.Context, databaseID, afterUserID uuid.UUID, limit int) ([]model.DatabaseUser, error)

	// PutShareToken stores t, replacing the token of the same (database, readOnly) pair.
	PutShareToken(ctx context.Context, t *model.ShareToken) error
	// GetShareToken loads a token; errs.ErrNotFound if unknown or replaced.
	GetShareToken(ctx context.Context, token string) (*model.ShareToken, error)
}
