package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/and161185/cipherlog/internal/errs"
	"github.com/and161185/cipherlog/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func TestDatabaseRepo_CreateDatabase(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDatabaseRepo(db)
	d := &model.Database{ID: uuid.Must(uuid.NewV4()), OwnerID: uuid.Must(uuid.NewV4()), NameHash: "h", EncryptionKey: []byte("k"), Version: 1}

	mock.ExpectExec(`INSERT INTO databases \(id, owner_id, name_hash, encryption_key, version\)`).
		WithArgs(d.ID, d.OwnerID, d.NameHash, []byte("k"), int64(1)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.CreateDatabase(context.Background(), d))

	mock.ExpectExec(`INSERT INTO databases`).
		WithArgs(d.ID, d.OwnerID, d.NameHash, []byte("k"), int64(1)).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, r.CreateDatabase(context.Background(), d), errs.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseRepo_GetDatabaseByName(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDatabaseRepo(db)
	owner := uuid.Must(uuid.NewV4())
	id := uuid.Must(uuid.NewV4())
	now := time.Now()

	cols := []string{"id", "owner_id", "name_hash", "encryption_key", "version", "last_seq_no", "bundle_seq_no", "created_at"}
	mock.ExpectQuery(`SELECT id, owner_id, name_hash, .* FROM databases WHERE owner_id=\$1 AND name_hash=\$2`).
		WithArgs(owner, "h").
		WillReturnRows(pgxmock.NewRows(cols).AddRow(id, owner, "h", []byte("k"), int64(1), int64(7), int64(3), now))

	d, err := r.GetDatabaseByName(context.Background(), owner, "h")
	require.NoError(t, err)
	require.Equal(t, id, d.ID)
	require.Equal(t, model.Head{DatabaseID: id, Version: 1, LastSeqNo: 7, BundleSeqNo: 3}, d.Head())

	mock.ExpectQuery(`FROM databases WHERE owner_id=\$1 AND name_hash=\$2`).
		WithArgs(owner, "missing").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetDatabaseByName(context.Background(), owner, "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDatabaseRepo_ListDatabasesForUser(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDatabaseRepo(db)
	user := uuid.Must(uuid.NewV4())
	a, b := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())

	cols := []string{"id", "name_hash", "username", "is_owner", "read_only", "resharing_allowed", "encryption_key"}
	mock.ExpectQuery(`FROM databases d\s+JOIN users u .* LEFT JOIN database_grants g`).
		WithArgs(user, uuid.Nil, 10).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(a, "mine", "alice", true, false, true, []byte("k1")).
			AddRow(b, "theirs", "bob", false, true, false, []byte("k2")))

	got, err := r.ListDatabasesForUser(context.Background(), user, uuid.Nil, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got[0].IsOwner)
	require.Equal(t, "bob", got[1].OwnerUsername)
	require.True(t, got[1].ReadOnly)
	require.False(t, got[1].ResharingAllowed)
}

func TestDatabaseRepo_Grants(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDatabaseRepo(db)
	g := &model.Grant{
		DatabaseID: uuid.Must(uuid.NewV4()), UserID: uuid.Must(uuid.NewV4()), SharedBy: uuid.Must(uuid.NewV4()),
		ReadOnly: true, EncryptionKey: []byte("wk"),
	}

	mock.ExpectExec(`INSERT INTO database_grants .* ON CONFLICT \(database_id, user_id\) DO UPDATE`).
		WithArgs(g.DatabaseID, g.UserID, g.SharedBy, true, false, false, false, []byte("wk")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.UpsertGrant(context.Background(), g))

	now := time.Now()
	cols := []string{"database_id", "user_id", "shared_by", "read_only", "resharing_allowed", "verified", "revoked",
		"encryption_key", "created_at", "updated_at"}
	mock.ExpectQuery(`FROM database_grants WHERE database_id=\$1 AND user_id=\$2`).
		WithArgs(g.DatabaseID, g.UserID).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(g.DatabaseID, g.UserID, g.SharedBy, true, false, false, false, []byte("wk"), now, now))
	got, err := r.GetGrant(context.Background(), g.DatabaseID, g.UserID)
	require.NoError(t, err)
	require.True(t, got.ReadOnly)
	require.Equal(t, model.EncryptedBlob("wk"), got.EncryptionKey)

	mock.ExpectQuery(`FROM database_grants WHERE database_id=\$1 AND user_id=\$2`).
		WithArgs(g.DatabaseID, g.SharedBy).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetGrant(context.Background(), g.DatabaseID, g.SharedBy)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseRepo_ListDatabaseUsers(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDatabaseRepo(db)
	dbID := uuid.Must(uuid.NewV4())
	u := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`FROM database_grants g\s+JOIN users u .* NOT g.revoked AND g.user_id > \$2`).
		WithArgs(dbID, uuid.Nil, 5).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "username", "read_only", "resharing_allowed", "verified"}).
			AddRow(u, "carol", false, true, true))

	got, err := r.ListDatabaseUsers(context.Background(), dbID, uuid.Nil, 5)
	require.NoError(t, err)
	require.Equal(t, []model.DatabaseUser{{UserID: u, Username: "carol", ResharingAllowed: true, Verified: true}}, got)
}

func TestDatabaseRepo_ShareTokens(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDatabaseRepo(db)
	tok := &model.ShareToken{Token: "abc", DatabaseID: uuid.Must(uuid.NewV4()), ReadOnly: true}

	mock.ExpectExec(`INSERT INTO share_tokens .* ON CONFLICT \(database_id, read_only\) DO UPDATE`).
		WithArgs("abc", tok.DatabaseID, true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.PutShareToken(context.Background(), tok))

	mock.ExpectQuery(`SELECT token, database_id, read_only, created_at FROM share_tokens WHERE token=\$1`).
		WithArgs("old").
		WillReturnError(pgx.ErrNoRows)
	_, err := r.GetShareToken(context.Background(), "old")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
