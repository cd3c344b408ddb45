// Package memory is an in-process implementation of the repository interfaces.
// It backs the "memory" store mode and service tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/and161185/cipherlog/internal/errs"
	"github.com/and161185/cipherlog/internal/model"
	"github.com/and161185/cipherlog/internal/repository"
	"github.com/gofrs/uuid/v5"
)

type grantKey struct{ db, user uuid.UUID }

type tokenKey struct {
	db       uuid.UUID
	readOnly bool
}

// Store keeps users, databases, grants, tokens and the operation log in maps.
type Store struct {
	mu sync.RWMutex

	users       map[uuid.UUID]*model.User
	usernames   map[string]uuid.UUID
	verified    map[grantKey]struct{}
	databases   map[uuid.UUID]*model.Database
	names       map[string]uuid.UUID // owner id + "/" + name hash
	grants      map[grantKey]*model.Grant
	tokens      map[string]*model.ShareToken
	tokenByPair map[tokenKey]string
	ops         map[uuid.UUID]map[int64]model.Operation
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:       make(map[uuid.UUID]*model.User),
		usernames:   make(map[string]uuid.UUID),
		verified:    make(map[grantKey]struct{}),
		databases:   make(map[uuid.UUID]*model.Database),
		names:       make(map[string]uuid.UUID),
		grants:      make(map[grantKey]*model.Grant),
		tokens:      make(map[string]*model.ShareToken),
		tokenByPair: make(map[tokenKey]string),
		ops:         make(map[uuid.UUID]map[int64]model.Operation),
	}
}

var (
	_ repository.UserRepository     = (*Store)(nil)
	_ repository.DatabaseRepository = (*Store)(nil)
	_ repository.LogRepository      = (*Store)(nil)
)

func nameKey(owner uuid.UUID, nameHash string) string { return owner.String() + "/" + nameHash }

func less(a, b uuid.UUID) bool { return bytes.Compare(a[:], b[:]) < 0 }

// Users.

func (s *Store) Create(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usernames[u.Username]; ok {
		return errs.ErrAlreadyExists
	}
	if _, ok := s.users[u.ID]; ok {
		return errs.ErrAlreadyExists
	}
	c := *u
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.users[u.ID] = &c
	s.usernames[u.Username] = u.ID
	return nil
}

func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (s *Store) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	id, ok := s.usernames[username]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.ErrNotFound
	}
	return s.GetByID(ctx, id)
}

func (s *Store) SetWrappedDEKIfEmpty(_ context.Context, id uuid.UUID, wrapped []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return errs.ErrNotFound
	}
	if len(u.WrappedDEK) != 0 {
		return errs.ErrVersionConflict
	}
	u.WrappedDEK = slices.Clone(wrapped)
	return nil
}

func (s *Store) AddVerification(_ context.Context, verifier, verified uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified[grantKey{verifier, verified}] = struct{}{}
	return nil
}

func (s *Store) IsVerified(_ context.Context, verifier, verified uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.verified[grantKey{verifier, verified}]
	return ok, nil
}

// Databases.

func (s *Store) CreateDatabase(_ context.Context, d *model.Database) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := nameKey(d.OwnerID, d.NameHash)
	if _, ok := s.names[k]; ok {
		return errs.ErrAlreadyExists
	}
	c := *d
	if c.Version == 0 {
		c.Version = 1
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.databases[d.ID] = &c
	s.names[k] = d.ID
	s.ops[d.ID] = make(map[int64]model.Operation)
	return nil
}

func (s *Store) GetDatabase(_ context.Context, id uuid.UUID) (*model.Database, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.databases[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *d
	return &c, nil
}

func (s *Store) GetDatabaseByName(ctx context.Context, ownerID uuid.UUID, nameHash string) (*model.Database, error) {
	s.mu.RLock()
	id, ok := s.names[nameKey(ownerID, nameHash)]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.ErrNotFound
	}
	return s.GetDatabase(ctx, id)
}

func (s *Store) ListDatabasesForUser(_ context.Context, userID, afterID uuid.UUID, limit int) ([]model.DatabaseSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.DatabaseSummary
	for _, d := range s.databases {
		if !less(afterID, d.ID) {
			continue
		}
		owner := s.users[d.OwnerID]
		sum := model.DatabaseSummary{DatabaseID: d.ID, NameHash: d.NameHash, ResharingAllowed: true, EncryptionKey: d.EncryptionKey}
		if owner != nil {
			sum.OwnerUsername = owner.Username
		}
		switch g := s.grants[grantKey{d.ID, userID}]; {
		case d.OwnerID == userID:
			sum.IsOwner = true
		case g != nil && !g.Revoked:
			sum.ReadOnly = g.ReadOnly
			sum.ResharingAllowed = g.ResharingAllowed
			sum.EncryptionKey = g.EncryptionKey
		default:
			continue
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i].DatabaseID, out[j].DatabaseID) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetGrant(_ context.Context, databaseID, userID uuid.UUID) (*model.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[grantKey{databaseID, userID}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *g
	return &c, nil
}

func (s *Store) UpsertGrant(_ context.Context, g *model.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	c := *g
	k := grantKey{g.DatabaseID, g.UserID}
	if prev, ok := s.grants[k]; ok {
		c.CreatedAt = prev.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.grants[k] = &c
	return nil
}

func (s *Store) ListDatabaseUsers(_ context.Context, databaseID, afterUserID uuid.UUID, limit int) ([]model.DatabaseUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.DatabaseUser
	for k, g := range s.grants {
		if k.db != databaseID || g.Revoked || !less(afterUserID, k.user) {
			continue
		}
		u := model.DatabaseUser{UserID: k.user, ReadOnly: g.ReadOnly, ResharingAllowed: g.ResharingAllowed, Verified: g.Verified}
		if usr := s.users[k.user]; usr != nil {
			u.Username = usr.Username
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i].UserID, out[j].UserID) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PutShareToken(_ context.Context, t *model.ShareToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair := tokenKey{t.DatabaseID, t.ReadOnly}
	if old, ok := s.tokenByPair[pair]; ok {
		delete(s.tokens, old)
	}
	c := *t
	c.CreatedAt = time.Now().UTC()
	s.tokens[t.Token] = &c
	s.tokenByPair[pair] = t.Token
	return nil
}

func (s *Store) GetShareToken(_ context.Context, token string) (*model.ShareToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *t
	return &c, nil
}

// Log.

func (s *Store) AllocateSeq(_ context.Context, head model.Head, count int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.databases[head.DatabaseID]
	if !ok {
		return 0, errs.ErrNotFound
	}
	if d.Version != head.Version {
		return 0, errs.ErrVersionConflict
	}
	d.LastSeqNo += count
	return d.LastSeqNo, nil
}

func (s *Store) AppendOps(_ context.Context, ops []model.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		log, ok := s.ops[op.DatabaseID]
		if !ok {
			return errs.ErrNotFound
		}
		if _, dup := log[op.SeqNo]; dup {
			return errs.ErrAlreadyExists
		}
	}
	for _, op := range ops {
		if op.CreatedAt.IsZero() {
			op.CreatedAt = time.Now().UTC()
		}
		s.ops[op.DatabaseID][op.SeqNo] = op
	}
	return nil
}

func (s *Store) ListOps(_ context.Context, databaseID uuid.UUID, afterSeq int64, limit int) ([]model.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Operation
	for seq, op := range s.ops[databaseID] {
		if seq > afterSeq {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeqNo < out[j].SeqNo })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteOps(_ context.Context, databaseID uuid.UUID, seqNos []int64) error {
	if len(seqNos) > repository.MaxBatch {
		return fmt.Errorf("delete batch too large (%d > %d)", len(seqNos), repository.MaxBatch)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seq := range seqNos {
		delete(s.ops[databaseID], seq)
	}
	return nil
}

func (s *Store) SetBundleSeqNo(_ context.Context, databaseID uuid.UUID, seqNo int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.databases[databaseID]; ok && d.BundleSeqNo < seqNo {
		d.BundleSeqNo = seqNo
	}
	return nil
}

func (s *Store) GetHead(_ context.Context, databaseID uuid.UUID) (model.Head, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.databases[databaseID]
	if !ok {
		return model.Head{}, errs.ErrNotFound
	}
	return d.Head(), nil
}

func (s *Store) ListHeads(_ context.Context, afterID uuid.UUID, limit int) ([]model.Head, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Head
	for id, d := range s.databases {
		if less(afterID, id) {
			out = append(out, d.Head())
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i].DatabaseID, out[j].DatabaseID) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
