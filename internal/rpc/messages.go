package rpc

import "time"

// DatabaseRef addresses a database. Owners use the name hash, grantees the id,
// and token holders the share token.
type DatabaseRef struct {
	DatabaseNameHash string `json:"database_name_hash,omitempty"`
	DatabaseID       string `json:"database_id,omitempty"`
	ShareToken       string `json:"share_token,omitempty"`
}

// Empty is the response of calls that return nothing.
type Empty struct{}

// --- Accounts ---

type RegisterRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	PublicKey []byte `json:"public_key,omitempty"`
}

type RegisterResponse struct {
	UserID string `json:"user_id"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      string    `json:"user_id"`
	KekSalt     []byte    `json:"kek_salt"`
	WrappedDEK  []byte    `json:"wrapped_dek,omitempty"`
}

type SetWrappedDEKRequest struct {
	WrappedDEK []byte `json:"wrapped_dek"`
}

type VerifyUserRequest struct {
	Username string `json:"username"`
}

// --- Databases ---

type OpenDatabaseRequest struct {
	Database      DatabaseRef `json:"database"`
	Create        bool        `json:"create,omitempty"`
	EncryptionKey []byte      `json:"encryption_key,omitempty"`
}

type OpenDatabaseResponse struct {
	DatabaseID       string `json:"database_id"`
	IsOwner          bool   `json:"is_owner"`
	ReadOnly         bool   `json:"read_only"`
	ResharingAllowed bool   `json:"resharing_allowed"`
	EncryptionKey    []byte `json:"encryption_key,omitempty"`
	LastSeqNo        int64  `json:"last_seq_no"`
	BundleSeqNo      int64  `json:"bundle_seq_no"`
}

type GetDatabasesRequest struct {
	NextPageToken string `json:"next_page_token,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

type Database struct {
	DatabaseID       string `json:"database_id"`
	DatabaseNameHash string `json:"database_name_hash"`
	OwnerUsername    string `json:"owner_username"`
	IsOwner          bool   `json:"is_owner"`
	ReadOnly         bool   `json:"read_only"`
	ResharingAllowed bool   `json:"resharing_allowed"`
	EncryptionKey    []byte `json:"encryption_key,omitempty"`
}

type GetDatabasesResponse struct {
	Databases     []Database `json:"databases"`
	NextPageToken string     `json:"next_page_token,omitempty"`
}

type ShareDatabaseRequest struct {
	Database         DatabaseRef `json:"database"`
	Username         string      `json:"username,omitempty"`
	ReadOnly         bool        `json:"read_only"`
	ResharingAllowed bool        `json:"resharing_allowed,omitempty"`
	RequireVerified  bool        `json:"require_verified,omitempty"`
	EncryptionKey    []byte      `json:"encryption_key,omitempty"`
}

type ShareDatabaseResponse struct {
	ShareToken string `json:"share_token,omitempty"`
}

type ModifyDatabasePermissionsRequest struct {
	Database         DatabaseRef `json:"database"`
	Username         string      `json:"username"`
	ReadOnly         *bool       `json:"read_only,omitempty"`
	ResharingAllowed *bool       `json:"resharing_allowed,omitempty"`
	Revoke           bool        `json:"revoke,omitempty"`
}

type GetDatabaseUsersRequest struct {
	Database      DatabaseRef `json:"database"`
	NextPageToken string      `json:"next_page_token,omitempty"`
	Limit         int         `json:"limit,omitempty"`
}

type DatabaseUser struct {
	UserID           string `json:"user_id"`
	Username         string `json:"username"`
	IsOwner          bool   `json:"is_owner"`
	ReadOnly         bool   `json:"read_only"`
	ResharingAllowed bool   `json:"resharing_allowed"`
	Verified         bool   `json:"verified"`
}

type GetDatabaseUsersResponse struct {
	Users         []DatabaseUser `json:"users"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

// --- Items ---

// ItemRequest is the body of InsertItem, UpdateItem and DeleteItem.
type ItemRequest struct {
	Database        DatabaseRef `json:"database"`
	ItemID          string      `json:"item_id"`
	Record          []byte      `json:"record,omitempty"`
	ExpectedVersion int64       `json:"expected_version,omitempty"`
}

type Mutation struct {
	Command         string `json:"command,omitempty"`
	ItemID          string `json:"item_id"`
	Record          []byte `json:"record,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

// BatchRequest is the body of the batch calls and PutTransaction.
type BatchRequest struct {
	Database   DatabaseRef `json:"database"`
	Operations []Mutation  `json:"operations"`
}

type File struct {
	FileID     string `json:"file_id"`
	FileName   []byte `json:"file_name"`
	FileSize   int64  `json:"file_size"`
	UploadedBy string `json:"uploaded_by"`
}

type Operation struct {
	SeqNo     int64     `json:"seq_no"`
	ItemID    string    `json:"item_id"`
	Command   string    `json:"command"`
	Record    []byte    `json:"record,omitempty"`
	File      *File     `json:"file,omitempty"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type OperationResponse struct {
	Operation Operation `json:"operation"`
}

type OperationsResponse struct {
	Operations []Operation `json:"operations"`
}

type UploadFileRequest struct {
	Database        DatabaseRef `json:"database"`
	ItemID          string      `json:"item_id"`
	FileName        []byte      `json:"file_name"`
	Data            []byte      `json:"data"`
	ExpectedVersion int64       `json:"expected_version,omitempty"`
}

type GetFileRequest struct {
	Database DatabaseRef `json:"database"`
	FileID   string      `json:"file_id"`
	Offset   int64       `json:"offset,omitempty"`
	Length   int64       `json:"length,omitempty"`
}

type GetFileResponse struct {
	Data []byte `json:"data"`
}

// --- Sync ---

type GetChangesRequest struct {
	Database   DatabaseRef `json:"database"`
	SinceSeqNo int64       `json:"since_seq_no"`
}

type SubscribeRequest struct {
	Database   DatabaseRef `json:"database"`
	SinceSeqNo int64       `json:"since_seq_no"`
}

// Frame is one realtime push message and the GetChanges response.
type Frame struct {
	DatabaseID  string      `json:"database_id"`
	Operations  []Operation `json:"operations"`
	BundleSeqNo int64       `json:"bundle_seq_no"`
}
