// Package service contains the application services behind the RPC surface:
// accounts, databases and sharing, and item access.
package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	pkgcrypto "github.com/and161185/cipherlog/internal/crypto"
	"github.com/and161185/cipherlog/internal/errs"
	"github.com/and161185/cipherlog/internal/limiter"
	"github.com/and161185/cipherlog/internal/model"
	"github.com/and161185/cipherlog/internal/repository"
)

// MaxUsernameLength caps usernames in characters.
const MaxUsernameLength = 100

// AuthService defines authentication and bootstrap operations.
type AuthService interface {
	// Register creates a new user with secure password hashing.
	Register(ctx context.Context, username, password string, publicKey []byte) (uuid.UUID, error)
	// LoginWithIP applies rate-limiting and authenticates the user.
	LoginWithIP(ctx context.Context, username, password string, ip string) (tokens model.Tokens, user model.User, err error)
	// SetWrappedDEK stores client's wrapped DEK if none is set.
	SetWrappedDEK(ctx context.Context, userID uuid.UUID, wrapped []byte) error
}

type AuthServiceImpl struct {
	users     repository.UserRepository
	signKey   []byte
	accessTTL time.Duration
	lim       limiter.Limiter
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(users repository.UserRepository, signKey []byte, accessTTL time.Duration, lim limiter.Limiter) *AuthServiceImpl {
	return &AuthServiceImpl{users: users, signKey: signKey, accessTTL: accessTTL, lim: lim}
}

// NormalizeUsername lower-cases username and checks its length.
func NormalizeUsername(username string) (string, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return "", errs.ErrUsernameMissing
	}
	if utf8.RuneCountInString(username) > MaxUsernameLength {
		return "", errs.ErrUsernameTooLong
	}
	return username, nil
}

// Register creates a new user record with per-user salts.
func (s *AuthServiceImpl) Register(ctx context.Context, username, password string, publicKey []byte) (uuid.UUID, error) {
	username, err := NormalizeUsername(username)
	if err != nil {
		return uuid.Nil, err
	}
	if password == "" {
		return uuid.Nil, errs.ErrPasswordMissing
	}
	uid, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, errs.Infra(err)
	}
	saltAuth, err := pkgcrypto.RandBytes(pkgcrypto.SaltLen)
	if err != nil {
		return uuid.Nil, errs.Infra(err)
	}
	kekSalt, err := pkgcrypto.RandBytes(pkgcrypto.SaltLen)
	if err != nil {
		return uuid.Nil, errs.Infra(err)
	}

	u := &model.User{
		ID:         uid,
		Username:   username,
		PwdHash:    pkgcrypto.HashPassword([]byte(password), saltAuth),
		SaltAuth:   saltAuth,
		KekSalt:    kekSalt,
		WrappedDEK: []byte{},
		PublicKey:  publicKey,
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return uuid.Nil, errs.ErrUsernameTaken
		}
		return uuid.Nil, errs.Infra(err)
	}
	return uid, nil
}

// LoginWithIP authenticates with rate limiting by (username, ip).
func (s *AuthServiceImpl) LoginWithIP(ctx context.Context, username, password, ip string) (model.Tokens, model.User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	ipHash := limiter.HashIP(ip)

	allowed, retry, err := s.lim.Allow(ctx, username, ipHash)
	if err != nil {
		return model.Tokens{}, model.User{}, errs.Infra(err)
	}
	if !allowed {
		return model.Tokens{}, model.User{}, loginLocked(retry)
	}

	u, err := s.users.GetByUsername(ctx, username)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return model.Tokens{}, model.User{}, errs.Infra(err)
	}
	if err != nil || !pkgcrypto.VerifyPassword([]byte(password), u.SaltAuth, u.PwdHash) {
		if blocked, retry, ferr := s.lim.Failure(ctx, username, ipHash); ferr == nil && blocked {
			return model.Tokens{}, model.User{}, loginLocked(retry)
		}
		// unknown user and wrong password look the same
		return model.Tokens{}, model.User{}, errs.ErrBadCredentials
	}

	_ = s.lim.Success(ctx, username, ipHash)

	access, exp, err := s.issueAccessToken(u.ID)
	if err != nil {
		return model.Tokens{}, model.User{}, errs.Infra(err)
	}
	return model.Tokens{AccessToken: access, ExpiresAt: exp}, *u, nil
}

func loginLocked(retry time.Duration) error {
	if retry <= 0 {
		return errs.ErrTooManyRequests.WithMessage("Too many failed login attempts. Please try again later.")
	}
	return errs.ErrTooManyRequests.WithMessage("Too many failed login attempts. Please try again in %s.", retry.Round(time.Second))
}

// issueAccessToken creates a signed HS256 JWT for the given subject.
func (s *AuthServiceImpl) issueAccessToken(userID uuid.UUID) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(s.accessTTL)
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	return signed, exp, err
}

// SetWrappedDEK persists wrapped DEK if not yet initialized.
func (s *AuthServiceImpl) SetWrappedDEK(ctx context.Context, userID uuid.UUID, wrapped []byte) error {
	if userID == uuid.Nil {
		return errs.ErrUnauthenticated
	}
	if len(wrapped) == 0 {
		return errs.ErrWrappedKeyMissing
	}
	err := s.users.SetWrappedDEKIfEmpty(ctx, userID, wrapped)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errs.ErrVersionConflict):
		return errs.ErrWrappedKeyIsSet
	case errors.Is(err, errs.ErrNotFound):
		return errs.ErrUserNotFound
	default:
		return errs.Infra(err)
	}
}
