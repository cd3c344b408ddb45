// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Tokens collects issued access/refresh tokens (refresh optional).
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // access token expiry (for diagnostics)
}

// EncryptedBlob is an opaque ciphertext produced on the client side.
type EncryptedBlob []byte

// User represents an account stored on the server. Sensitive keys are never stored in plaintext.
type User struct {
	ID         uuid.UUID // PK
	Username   string    // unique, lower-case
	PwdHash    []byte    // Argon2id(password, SaltAuth)
	SaltAuth   []byte    // per-user auth salt
	KekSalt    []byte    // per-user KEK salt (for client-side KEK derivation)
	WrappedDEK []byte    // client-produced AEAD(DEK) wrapped by KEK
	PublicKey  []byte    // client-produced sharing key, opaque to the server
	CreatedAt  time.Time
}

// Head is the owner record of a database log: the identity key checked by the
// sequencer and the two counters that move the log forward.
type Head struct {
	DatabaseID  uuid.UUID
	Version     int64 // owner identity key; allocation fails if it changed
	LastSeqNo   int64 // last allocated sequence number
	BundleSeqNo int64 // highest sequence number captured by a bundle
}

// Database is a logical database owned by one user.
type Database struct {
	ID            uuid.UUID
	OwnerID       uuid.UUID
	NameHash      string        // client-side hash of the database name
	EncryptionKey EncryptedBlob // database key wrapped for the owner
	Version       int64
	LastSeqNo     int64
	BundleSeqNo   int64
	CreatedAt     time.Time
}

// Head returns the log head of the database.
func (d Database) Head() Head {
	return Head{DatabaseID: d.ID, Version: d.Version, LastSeqNo: d.LastSeqNo, BundleSeqNo: d.BundleSeqNo}
}

// Grant is a permission edge between a database and a recipient user.
type Grant struct {
	DatabaseID       uuid.UUID
	UserID           uuid.UUID
	SharedBy         uuid.UUID
	ReadOnly         bool
	ResharingAllowed bool
	Verified         bool
	Revoked          bool
	EncryptionKey    EncryptedBlob // database key wrapped for the recipient
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ShareToken is an unlisted capability for one (database, readOnly) pair.
type ShareToken struct {
	Token      string
	DatabaseID uuid.UUID
	ReadOnly   bool
	CreatedAt  time.Time
}

// Command is the kind of mutation an Operation applies.
type Command string

const (
	CmdInsert     Command = "Insert"
	CmdUpdate     Command = "Update"
	CmdDelete     Command = "Delete"
	CmdUploadFile Command = "UploadFile"
)

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	switch c {
	case CmdInsert, CmdUpdate, CmdDelete, CmdUploadFile:
		return true
	}
	return false
}

// FileMeta describes a file attached to an item. File contents live in blob storage.
type FileMeta struct {
	FileID     uuid.UUID
	FileName   EncryptedBlob
	FileSize   int64
	UploadedBy uuid.UUID
}

// Operation is one durable, sequenced log entry.
type Operation struct {
	DatabaseID uuid.UUID
	SeqNo      int64
	ItemID     string
	Command    Command
	Record     EncryptedBlob // nil for Delete and UploadFile
	File       *FileMeta     // set for UploadFile only
	CreatedBy  uuid.UUID
	CreatedAt  time.Time
}

// Size is the number of ciphertext bytes the operation contributes to the log.
func (o Operation) Size() int64 {
	n := int64(len(o.Record))
	if o.File != nil {
		n += int64(len(o.File.FileName))
	}
	return n
}

// Mutation is a client write intent before a sequence number is assigned.
type Mutation struct {
	Command Command
	ItemID  string
	Record  EncryptedBlob
	// ExpectedVersion is the item version the caller based the change on.
	// Zero means "whatever the server observes at request entry".
	ExpectedVersion int64
	File            *FileMeta
}

// ItemState is an item reconstructed by replaying operations.
type ItemState struct {
	ItemID    string
	Version   int64 // seq_no of the last operation that touched the item
	Record    EncryptedBlob
	File      *FileMeta
	CreatedBy uuid.UUID
	UpdatedBy uuid.UUID
}

// Bundle is a point-in-time snapshot of a database's items.
type Bundle struct {
	DatabaseID uuid.UUID
	SeqNo      int64
	Items      []ItemState
}

// Frame is one realtime push message.
type Frame struct {
	DatabaseID  uuid.UUID
	Operations  []Operation
	BundleSeqNo int64
}

// Access is the effective permission a caller holds on a database.
type Access struct {
	Database         Database
	UserID           uuid.UUID // caller; Nil for anonymous share-token access
	IsOwner          bool
	ReadOnly         bool
	ResharingAllowed bool
	ViaShareToken    bool
	// EncryptionKey is the database key wrapped for this caller. Empty for
	// share-token access, where the key travels out of band.
	EncryptionKey EncryptedBlob
}

// DatabaseRef identifies a database from the caller's point of view.
// Exactly one field is expected to be set.
type DatabaseRef struct {
	NameHash   string    // owner access
	DatabaseID uuid.UUID // grantee access
	ShareToken string    // token access
}

// DatabaseSummary is one entry of a user's database list.
type DatabaseSummary struct {
	DatabaseID       uuid.UUID
	NameHash         string
	OwnerUsername    string
	IsOwner          bool
	ReadOnly         bool
	ResharingAllowed bool
	EncryptionKey    EncryptedBlob
}

// DatabaseUser is one current (non-revoked) access edge of a database.
type DatabaseUser struct {
	UserID           uuid.UUID
	Username         string
	IsOwner          bool
	ReadOnly         bool
	ResharingAllowed bool
	Verified         bool
}
