package service

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/cipherlog/internal/crypto"
	"github.com/and161185/cipherlog/internal/errs"
	"github.com/and161185/cipherlog/internal/model"
	"github.com/and161185/cipherlog/internal/pagetoken"
	"github.com/and161185/cipherlog/internal/repository"
)

// Database and list limits.
const (
	MaxDatabaseNameLength = 100
	DefaultPageSize       = 100
)

// Registrar makes a freshly created database known to readers and writers.
type Registrar interface {
	Ensure(head model.Head)
}

// ShareRequest describes a grant or, with an empty Username, a share token.
type ShareRequest struct {
	Username         string
	ReadOnly         bool
	ResharingAllowed bool
	RequireVerified  bool
	// EncryptionKey is the database key wrapped for the recipient.
	EncryptionKey model.EncryptedBlob
}

// ModifyRequest changes or revokes the grant of Username. Nil fields are left unchanged.
type ModifyRequest struct {
	Username         string
	ReadOnly         *bool
	ResharingAllowed *bool
	Revoke           bool
}

// DatabaseService resolves database references to access and manages sharing.
type DatabaseService interface {
	// OpenDatabase resolves ref, creating an owner database by name hash when create is set.
	OpenDatabase(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, create bool, encryptionKey []byte) (model.Access, error)
	// Resolve returns the caller's effective access on ref.
	Resolve(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef) (model.Access, error)
	// GetDatabases lists owned and shared databases, one page at a time.
	GetDatabases(ctx context.Context, userID uuid.UUID, pageToken string, limit int) ([]model.DatabaseSummary, string, error)
	// ShareDatabase grants access to a user, or mints a share token when req.Username is empty.
	ShareDatabase(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, req ShareRequest) (shareToken string, err error)
	// ModifyDatabasePermissions changes or revokes another user's grant.
	ModifyDatabasePermissions(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, req ModifyRequest) error
	// GetDatabaseUsers lists the current access edges of a database.
	GetDatabaseUsers(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, pageToken string, limit int) ([]model.DatabaseUser, string, error)
	// VerifyUser records that the caller has verified username.
	VerifyUser(ctx context.Context, userID uuid.UUID, username string) error
}

type DatabaseServiceImpl struct {
	users  repository.UserRepository
	dbs    repository.DatabaseRepository
	reg    Registrar
	logger *zap.Logger
}

// NewDatabaseService constructs DatabaseService. reg may be nil.
func NewDatabaseService(users repository.UserRepository, dbs repository.DatabaseRepository, reg Registrar, logger *zap.Logger) *DatabaseServiceImpl {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DatabaseServiceImpl{users: users, dbs: dbs, reg: reg, logger: logger}
}

func checkNameHash(nameHash string) error {
	if nameHash == "" {
		return errs.ErrDatabaseNameMissing
	}
	if utf8.RuneCountInString(nameHash) > MaxDatabaseNameLength {
		return errs.ErrDatabaseNameTooLong
	}
	return nil
}

func notFound(err error, as *errs.Error) error {
	if errors.Is(err, errs.ErrNotFound) {
		return as
	}
	return errs.Infra(err)
}

func ownerAccess(userID uuid.UUID, db *model.Database) model.Access {
	return model.Access{Database: *db, UserID: userID, IsOwner: true, ResharingAllowed: true, EncryptionKey: db.EncryptionKey}
}

// OpenDatabase resolves ref and creates the caller's database when asked.
func (s *DatabaseServiceImpl) OpenDatabase(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, create bool, encryptionKey []byte) (model.Access, error) {
	acc, err := s.Resolve(ctx, userID, ref)
	if err == nil || !create || ref.NameHash == "" || !errors.Is(err, errs.ErrDatabaseNotFound) {
		return acc, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return model.Access{}, errs.Infra(err)
	}
	db := &model.Database{
		ID:            id,
		OwnerID:       userID,
		NameHash:      ref.NameHash,
		EncryptionKey: encryptionKey,
		Version:       1,
	}
	if err := s.dbs.CreateDatabase(ctx, db); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			// concurrent open of the same name
			return s.Resolve(ctx, userID, ref)
		}
		return model.Access{}, errs.Infra(err)
	}
	if s.reg != nil {
		s.reg.Ensure(db.Head())
	}
	s.logger.Info("database created", zap.String("database_id", id.String()), zap.String("owner_id", userID.String()))
	return ownerAccess(userID, db), nil
}

// Resolve maps ref to owner, grantee or share-token access.
func (s *DatabaseServiceImpl) Resolve(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef) (model.Access, error) {
	if userID == uuid.Nil {
		return model.Access{}, errs.ErrUnauthenticated
	}
	switch {
	case ref.ShareToken != "":
		t, err := s.dbs.GetShareToken(ctx, ref.ShareToken)
		if err != nil {
			return model.Access{}, notFound(err, errs.ErrShareTokenNotFound)
		}
		db, err := s.dbs.GetDatabase(ctx, t.DatabaseID)
		if err != nil {
			return model.Access{}, notFound(err, errs.ErrDatabaseNotFound)
		}
		if db.OwnerID == userID {
			return ownerAccess(userID, db), nil
		}
		return model.Access{Database: *db, UserID: userID, ReadOnly: t.ReadOnly, ViaShareToken: true}, nil

	case ref.DatabaseID != uuid.Nil:
		db, err := s.dbs.GetDatabase(ctx, ref.DatabaseID)
		if err != nil {
			return model.Access{}, notFound(err, errs.ErrDatabaseNotFound)
		}
		if db.OwnerID == userID {
			return ownerAccess(userID, db), nil
		}
		g, err := s.dbs.GetGrant(ctx, db.ID, userID)
		if err != nil {
			return model.Access{}, notFound(err, errs.ErrDatabaseNotFound)
		}
		if g.Revoked {
			return model.Access{}, errs.ErrDatabaseNotFound
		}
		return model.Access{Database: *db, UserID: userID, ReadOnly: g.ReadOnly, ResharingAllowed: g.ResharingAllowed, EncryptionKey: g.EncryptionKey}, nil

	default:
		if err := checkNameHash(ref.NameHash); err != nil {
			return model.Access{}, err
		}
		db, err := s.dbs.GetDatabaseByName(ctx, userID, ref.NameHash)
		if err != nil {
			return model.Access{}, notFound(err, errs.ErrDatabaseNotFound)
		}
		return ownerAccess(userID, db), nil
	}
}

func pageSize(limit int) int {
	if limit <= 0 || limit > DefaultPageSize {
		return DefaultPageSize
	}
	return limit
}

// GetDatabases pages through the caller's databases. The token pins the caller:
// a token minted for another user is rejected.
func (s *DatabaseServiceImpl) GetDatabases(ctx context.Context, userID uuid.UUID, pageToken string, limit int) ([]model.DatabaseSummary, string, error) {
	if userID == uuid.Nil {
		return nil, "", errs.ErrUnauthenticated
	}
	pos, err := pagetoken.Decode(pageToken, pagetoken.DatabasesKeys)
	if err != nil {
		return nil, "", err
	}
	after := uuid.Nil
	if pos != nil {
		if pos["user-id"] != userID.String() {
			return nil, "", errs.ErrNextPageTokenInvalid
		}
		if after, err = uuid.FromString(pos["database-id"]); err != nil {
			return nil, "", errs.ErrNextPageTokenInvalid
		}
	}

	n := pageSize(limit)
	list, err := s.dbs.ListDatabasesForUser(ctx, userID, after, n+1)
	if err != nil {
		return nil, "", errs.Infra(err)
	}
	if len(list) <= n {
		return list, "", nil
	}
	list = list[:n]
	last := list[n-1]
	next := pagetoken.Encode(map[string]string{
		"database-id":        last.DatabaseID.String(),
		"database-name-hash": last.NameHash,
		"user-id":            userID.String(),
	})
	return list, next, nil
}

func (s *DatabaseServiceImpl) recipient(ctx context.Context, username string) (*model.User, error) {
	username, err := NormalizeUsername(username)
	if err != nil {
		return nil, err
	}
	u, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, notFound(err, errs.ErrUserNotFound)
	}
	return u, nil
}

// ShareDatabase grants access to a user or mints a share token.
func (s *DatabaseServiceImpl) ShareDatabase(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, req ShareRequest) (string, error) {
	acc, err := s.Resolve(ctx, userID, ref)
	if err != nil {
		return "", err
	}
	if req.Username == "" {
		return s.mintShareToken(ctx, acc, req.ReadOnly)
	}

	to, err := s.recipient(ctx, req.Username)
	if err != nil {
		return "", err
	}
	if to.ID == userID {
		return "", errs.ErrSharingWithSelf
	}
	if !acc.ResharingAllowed {
		return "", errs.ErrResharingNotAllowed
	}
	if acc.ReadOnly && !req.ReadOnly {
		return "", errs.ErrResharingWithWriteNotAllowed
	}
	if to.ID == acc.Database.OwnerID {
		return "", errs.ErrModifyingOwnerPermissions
	}
	verified, err := s.users.IsVerified(ctx, userID, to.ID)
	if err != nil {
		return "", errs.Infra(err)
	}
	if req.RequireVerified && !verified {
		return "", errs.ErrUserNotVerified
	}

	prev, err := s.dbs.GetGrant(ctx, acc.Database.ID, to.ID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		prev = nil
	case err != nil:
		return "", errs.Infra(err)
	}
	if prev != nil && !prev.Revoked && prev.ReadOnly == req.ReadOnly &&
		prev.ResharingAllowed == req.ResharingAllowed && (len(req.EncryptionKey) == 0 || string(prev.EncryptionKey) == string(req.EncryptionKey)) {
		return "", nil
	}

	g := &model.Grant{
		DatabaseID:       acc.Database.ID,
		UserID:           to.ID,
		SharedBy:         userID,
		ReadOnly:         req.ReadOnly,
		ResharingAllowed: req.ResharingAllowed,
		Verified:         verified,
		EncryptionKey:    req.EncryptionKey,
	}
	if prev != nil && len(g.EncryptionKey) == 0 {
		g.EncryptionKey = prev.EncryptionKey
	}
	if err := s.dbs.UpsertGrant(ctx, g); err != nil {
		return "", errs.Infra(err)
	}
	s.logger.Info("database shared",
		zap.String("database_id", acc.Database.ID.String()),
		zap.String("user_id", to.ID.String()),
		zap.Bool("read_only", req.ReadOnly),
	)
	return "", nil
}

// mintShareToken replaces the token of the (database, readOnly) pair.
func (s *DatabaseServiceImpl) mintShareToken(ctx context.Context, acc model.Access, readOnly bool) (string, error) {
	if !acc.IsOwner {
		return "", errs.ErrResharingNotAllowed
	}
	tok, err := pkgcrypto.NewToken()
	if err != nil {
		return "", errs.Infra(err)
	}
	if err := s.dbs.PutShareToken(ctx, &model.ShareToken{Token: tok, DatabaseID: acc.Database.ID, ReadOnly: readOnly}); err != nil {
		return "", errs.Infra(err)
	}
	return tok, nil
}

// ModifyDatabasePermissions updates or revokes the grant of req.Username.
func (s *DatabaseServiceImpl) ModifyDatabasePermissions(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, req ModifyRequest) error {
	changes := req.ReadOnly != nil || req.ResharingAllowed != nil
	if req.Revoke && changes {
		return errs.ErrRevokeConflict
	}
	if !req.Revoke && !changes {
		return errs.ErrParamsMissing
	}
	acc, err := s.Resolve(ctx, userID, ref)
	if err != nil {
		return err
	}
	to, err := s.recipient(ctx, req.Username)
	if err != nil {
		return err
	}
	if to.ID == userID {
		return errs.ErrModifyingOwnPermissions
	}
	if to.ID == acc.Database.OwnerID {
		return errs.ErrModifyingOwnerPermissions
	}
	if !acc.ResharingAllowed {
		return errs.ErrModifyingPermissionsNotAllowed
	}
	if req.ReadOnly != nil && !*req.ReadOnly && acc.ReadOnly {
		return errs.ErrGrantingWriteNotAllowed
	}

	g, err := s.dbs.GetGrant(ctx, acc.Database.ID, to.ID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return errs.Infra(err)
	}
	if err != nil || g.Revoked {
		return errs.ErrDatabaseNotFound.WithMessage("Database is not shared with this user.")
	}

	switch {
	case req.Revoke:
		g.Revoked = true
	default:
		if req.ReadOnly != nil {
			g.ReadOnly = *req.ReadOnly
		}
		if req.ResharingAllowed != nil {
			g.ResharingAllowed = *req.ResharingAllowed
		}
	}
	if err := s.dbs.UpsertGrant(ctx, g); err != nil {
		return errs.Infra(err)
	}
	s.logger.Info("database permissions modified",
		zap.String("database_id", acc.Database.ID.String()),
		zap.String("user_id", to.ID.String()),
		zap.Bool("revoked", g.Revoked),
		zap.Bool("read_only", g.ReadOnly),
	)
	return nil
}

// GetDatabaseUsers lists the owner (first page only) followed by current grantees.
func (s *DatabaseServiceImpl) GetDatabaseUsers(ctx context.Context, userID uuid.UUID, ref model.DatabaseRef, pageToken string, limit int) ([]model.DatabaseUser, string, error) {
	pos, err := pagetoken.Decode(pageToken, pagetoken.DatabaseUserKeys)
	if err != nil {
		return nil, "", err
	}
	acc, err := s.Resolve(ctx, userID, ref)
	if err != nil {
		return nil, "", err
	}
	after := uuid.Nil
	if pos != nil {
		if pos["database-id"] != acc.Database.ID.String() {
			return nil, "", errs.ErrNextPageTokenInvalid
		}
		if after, err = uuid.FromString(pos["user-id"]); err != nil {
			return nil, "", errs.ErrNextPageTokenInvalid
		}
	}

	var out []model.DatabaseUser
	if pos == nil {
		owner, err := s.users.GetByID(ctx, acc.Database.OwnerID)
		if err != nil {
			return nil, "", notFound(err, errs.ErrUserNotFound)
		}
		out = append(out, model.DatabaseUser{UserID: owner.ID, Username: owner.Username, IsOwner: true, ResharingAllowed: true, Verified: true})
	}

	n := pageSize(limit)
	grants, err := s.dbs.ListDatabaseUsers(ctx, acc.Database.ID, after, n+1)
	if err != nil {
		return nil, "", errs.Infra(err)
	}
	var next string
	if len(grants) > n {
		grants = grants[:n]
		next = pagetoken.Encode(map[string]string{
			"database-id": acc.Database.ID.String(),
			"user-id":     grants[n-1].UserID.String(),
		})
	}
	return append(out, grants...), next, nil
}

// VerifyUser records the caller's verification of username.
func (s *DatabaseServiceImpl) VerifyUser(ctx context.Context, userID uuid.UUID, username string) error {
	if userID == uuid.Nil {
		return errs.ErrUnauthenticated
	}
	u, err := s.recipient(ctx, username)
	if err != nil {
		return err
	}
	if u.ID == userID {
		return errs.ErrSharingWithSelf.WithMessage("Verifying self not allowed.")
	}
	if err := s.users.AddVerification(ctx, userID, u.ID); err != nil {
		return errs.Infra(err)
	}
	return nil
}
