package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	cc "github.com/and161185/cipherlog/internal/crypto/clientcrypto"
	"github.com/and161185/cipherlog/internal/rpc"
)

// session is an authenticated connection plus the local key material.
type session struct {
	conn     *grpc.ClientConn
	cli      *rpc.Client
	dek      []byte
	username string
}

func openSession() (*session, error) {
	token, err := loadToken()
	if err != nil {
		return nil, err
	}
	dek, err := loadDEK()
	if err != nil {
		return nil, errors.New("no DEK; login first")
	}
	name, err := loadUsername()
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout()
	defer cancel()
	conn, cli, err := dial(ctx, global, token)
	if err != nil {
		return nil, err
	}
	return &session{conn: conn, cli: cli, dek: dek, username: name}, nil
}

func (s *session) Close() { _ = s.conn.Close() }

// dbFlags selects a database: by name for owned databases, by id for shared
// ones, or by share token.
type dbFlags struct {
	name       string
	id         string
	shareToken string
	key        string // base64 database key, for share-token access
}

func (f *dbFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.name, "db", "d", "", "database name (owned databases)")
	cmd.Flags().StringVar(&f.id, "db-id", "", "database id (databases shared with you)")
	cmd.Flags().StringVar(&f.shareToken, "share-token", "", "share token")
	cmd.Flags().StringVar(&f.key, "db-key", "", "base64 database key (with --share-token)")
	cmd.MarkFlagsOneRequired("db", "db-id", "share-token")
	cmd.MarkFlagsMutuallyExclusive("db", "db-id", "share-token")
}

func (f *dbFlags) ref(dek []byte) rpc.DatabaseRef {
	switch {
	case f.shareToken != "":
		return rpc.DatabaseRef{ShareToken: f.shareToken}
	case f.id != "":
		return rpc.DatabaseRef{DatabaseID: f.id}
	default:
		return rpc.DatabaseRef{DatabaseNameHash: cc.NameHash(dek, f.name)}
	}
}

// database is an opened database with its plaintext key.
type database struct {
	ref  rpc.DatabaseRef
	id   string
	key  []byte
	info *rpc.OpenDatabaseResponse
}

// open resolves the database and recovers its key: owners unwrap it with the
// DEK, grantees open the copy sealed to their key pair.
func (s *session) open(ctx context.Context, f dbFlags) (*database, error) {
	ref := f.ref(s.dek)
	resp, err := s.cli.OpenDatabase(ctx, &rpc.OpenDatabaseRequest{Database: ref})
	if err != nil {
		return nil, err
	}
	db := &database{ref: ref, id: resp.DatabaseID, info: resp}
	switch {
	case resp.IsOwner:
		db.key, err = cc.UnwrapKey(s.dek, resp.EncryptionKey)
	case f.key != "":
		db.key, err = base64.StdEncoding.DecodeString(f.key)
	case len(resp.EncryptionKey) > 0:
		pub, priv, kerr := loadKeyPair(s.username)
		if kerr != nil {
			return nil, fmt.Errorf("no key pair for %s: %w", s.username, kerr)
		}
		db.key, err = cc.OpenSealedKey(pub, priv, resp.EncryptionKey)
	default:
		return nil, errors.New("no database key available; pass --db-key")
	}
	if err != nil {
		return nil, fmt.Errorf("database key: %w", err)
	}
	return db, nil
}
