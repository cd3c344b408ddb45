// Package grpcserver exposes the cipherlog gRPC API handlers.
package grpcserver

import (
	"bytes"
	"context"
	"io"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/cipherlog/internal/blob"
	"github.com/and161185/cipherlog/internal/convert"
	"github.com/and161185/cipherlog/internal/errs"
	"github.com/and161185/cipherlog/internal/model"
	"github.com/and161185/cipherlog/internal/rpc"
	"github.com/and161185/cipherlog/internal/service"
)

// Server wires services into gRPC handlers.
type Server struct {
	auth    service.AuthService
	dbs     service.DatabaseService
	items   service.ItemService
	signKey []byte
	logger  *zap.Logger
}

var _ rpc.SyncServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(auth service.AuthService, dbs service.DatabaseService, items service.ItemService, signKey []byte, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{auth: auth, dbs: dbs, items: items, signKey: signKey, logger: logger}
}

// fail converts a service error into a status. Infrastructure causes are
// logged here and replaced with a generic message.
func (s *Server) fail(method string, err error) error {
	if errs.As(err).Kind == errs.KindInfrastructure {
		s.logger.Error("request failed", zap.String("method", method), zap.Error(err))
	}
	return toStatus(err)
}

// scope authenticates the caller and converts the database reference.
func (s *Server) scope(ctx context.Context, ref rpc.DatabaseRef) (uuid.UUID, model.DatabaseRef, error) {
	userID, err := s.userIDFromCtx(ctx)
	if err != nil {
		return uuid.Nil, model.DatabaseRef{}, toStatus(errs.ErrUnauthenticated)
	}
	r, err := convert.FromRPCRef(ref)
	if err != nil {
		return uuid.Nil, model.DatabaseRef{}, toStatus(err)
	}
	return userID, r, nil
}

// --- Accounts ---

// Register creates a new user account.
func (s *Server) Register(ctx context.Context, req *rpc.RegisterRequest) (*rpc.RegisterResponse, error) {
	userID, err := s.auth.Register(ctx, req.Username, req.Password, req.PublicKey)
	if err != nil {
		return nil, s.fail("Register", err)
	}
	return &rpc.RegisterResponse{UserID: userID.String()}, nil
}

// Login authenticates a user and returns the token and key bootstrap data.
func (s *Server) Login(ctx context.Context, req *rpc.LoginRequest) (*rpc.LoginResponse, error) {
	tok, u, err := s.auth.LoginWithIP(ctx, req.Username, req.Password, peerAddr(ctx))
	if err != nil {
		return nil, s.fail("Login", err)
	}
	return &rpc.LoginResponse{
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.ExpiresAt,
		UserID:      u.ID.String(),
		KekSalt:     u.KekSalt,
		WrappedDEK:  u.WrappedDEK,
	}, nil
}

// SetWrappedDEK stores the caller's wrapped data key once.
func (s *Server) SetWrappedDEK(ctx context.Context, req *rpc.SetWrappedDEKRequest) (*rpc.Empty, error) {
	userID, err := s.userIDFromCtx(ctx)
	if err != nil {
		return nil, toStatus(errs.ErrUnauthenticated)
	}
	if err := s.auth.SetWrappedDEK(ctx, userID, req.WrappedDEK); err != nil {
		return nil, s.fail("SetWrappedDEK", err)
	}
	return &rpc.Empty{}, nil
}

// VerifyUser marks another user as verified by the caller.
func (s *Server) VerifyUser(ctx context.Context, req *rpc.VerifyUserRequest) (*rpc.Empty, error) {
	userID, err := s.userIDFromCtx(ctx)
	if err != nil {
		return nil, toStatus(errs.ErrUnauthenticated)
	}
	if err := s.dbs.VerifyUser(ctx, userID, req.Username); err != nil {
		return nil, s.fail("VerifyUser", err)
	}
	return &rpc.Empty{}, nil
}

// --- Databases ---

// OpenDatabase resolves or creates a database and reports the caller's access.
func (s *Server) OpenDatabase(ctx context.Context, req *rpc.OpenDatabaseRequest) (*rpc.OpenDatabaseResponse, error) {
	userID, ref, err := s.scope(ctx, req.Database)
	if err != nil {
		return nil, err
	}
	acc, err := s.dbs.OpenDatabase(ctx, userID, ref, req.Create, req.EncryptionKey)
	if err != nil {
		return nil, s.fail("OpenDatabase", err)
	}
	return convert.ToRPCOpenDatabase(acc), nil
}

// GetDatabases pages through the databases the caller can reach.
func (s *Server) GetDatabases(ctx context.Context, req *rpc.GetDatabasesRequest) (*rpc.GetDatabasesResponse, error) {
	userID, err := s.userIDFromCtx(ctx)
	if err != nil {
		return nil, toStatus(errs.ErrUnauthenticated)
	}
	list, next, err := s.dbs.GetDatabases(ctx, userID, req.NextPageToken, req.Limit)
	if err != nil {
		return nil, s.fail("GetDatabases", err)
	}
	return &rpc.GetDatabasesResponse{Databases: convert.ToRPCDatabases(list), NextPageToken: next}, nil
}

// ShareDatabase grants another user access, or mints a share token when no username is given.
func (s *Server) ShareDatabase(ctx context.Context, req *rpc.ShareDatabaseRequest) (*rpc.ShareDatabaseResponse, error) {
	userID, ref, err := s.scope(ctx, req.Database)
	if err != nil {
		return nil, err
	}
	token, err := s.dbs.ShareDatabase(ctx, userID, ref, service.ShareRequest{
		Username:         req.Username,
		ReadOnly:         req.ReadOnly,
		ResharingAllowed: req.ResharingAllowed,
		RequireVerified:  req.RequireVerified,
		EncryptionKey:    req.EncryptionKey,
	})
	if err != nil {
		return nil, s.fail("ShareDatabase", err)
	}
	return &rpc.ShareDatabaseResponse{ShareToken: token}, nil
}

// ModifyDatabasePermissions changes or revokes another user's access.
func (s *Server) ModifyDatabasePermissions(ctx context.Context, req *rpc.ModifyDatabasePermissionsRequest) (*rpc.Empty, error) {
	userID, ref, err := s.scope(ctx, req.Database)
	if err != nil {
		return nil, err
	}
	err = s.dbs.ModifyDatabasePermissions(ctx, userID, ref, service.ModifyRequest{
		Username:         req.Username,
		ReadOnly:         req.ReadOnly,
		ResharingAllowed: req.ResharingAllowed,
		Revoke:           req.Revoke,
	})
	if err != nil {
		return nil, s.fail("ModifyDatabasePermissions", err)
	}
	return &rpc.Empty{}, nil
}

// GetDatabaseUsers pages through the users with access to a database.
func (s *Server) GetDatabaseUsers(ctx context.Context, req *rpc.GetDatabaseUsersRequest) (*rpc.GetDatabaseUsersResponse, error) {
	userID, ref, err := s.scope(ctx, req.Database)
	if err != nil {
		return nil, err
	}
	users, next, err := s.dbs.GetDatabaseUsers(ctx, userID, ref, req.NextPageToken, req.Limit)
	if err != nil {
		return nil, s.fail("GetDatabaseUsers", err)
	}
	return &rpc.GetDatabaseUsersResponse{Users: convert.ToRPCDatabaseUsers(users), NextPageToken: next}, nil
}

// --- Items ---

func (s *Server) single(method string, op model.Operation, err error) (*rpc.OperationResponse, error) {
	if err != nil {
		return nil, s.fail(method, err)
	}
	return &rpc.OperationResponse{Operation: convert.ToRPCOperation(op)}, nil
}

func (s *Server) many(method string, ops []model.Operation, err error) (*rpc.OperationsResponse, error) {
	if err != nil {
		return nil, s.fail(method, err)
	}
	return &rpc.OperationsResponse{Operations: convert.ToRPCOperations(ops)}, nil
}

// InsertItem appends an Insert operation.
func (s *Server) InsertItem(ctx context.Context, req *rpc.ItemRequest) (*rpc.OperationResponse, error) {
	userID, ref, err := s.scope(ctx, req.Database)
	if err != nil {
		return nil, err
	}
	op, err := s.items.InsertItem(ctx, userID, ref, req.ItemID, req.Record)
	return s.single("InsertItem", op, err)
}

// UpdateItem appends an Update operation.
func (s *Server) UpdateItem(ctx context.Context, req *rpc.ItemRequest) (*rpc.OperationResponse, error) {
	userID, ref, err := s.scope(ctx, req.Database)
	if err != nil {
		return nil, err
	}
	op, err := s.items.UpdateItem(ctx, userID, ref, req.ItemID, req.Record, req.ExpectedVersion)
	return s.single("UpdateItem", op, err)
}

// DeleteItem appends a Delete operation.
func (s *Server) DeleteItem(ctx context.Context, req *rpc.ItemRequest) (*rpc.OperationResponse, error) {
	userID, ref, err := s.scope(ctx, req.Database)
	if err != nil {
		return nil, err
	}
	op, err := s.items.DeleteItem(ctx, userID, ref, req.ItemID, req.ExpectedVersion)
	return s.single("DeleteItem", op, err)
}

// BatchInsert appends up to ten Insert operations atomically.
func (s *Server) BatchInsert(ctx context.Context, req *rpc.BatchRequest) (*rpc.OperationsResponse, error) {
	userID, ref, err := s.scope(ctx, req.Database)
	if err != nil {
		return nil, err
	}
	ops, err := s.items.BatchInsert(ctx, userID, ref, convert.FromRPCMutations(req.Operations))
	return s.many("BatchInsert", ops, err)
}

// BatchUpdate appends up to ten Update operations atomically.
func (s *Server) BatchUpdate(ctx context.Context, req *rpc.BatchRequest) (*rpc.OperationsResponse, error) {
	userID, ref, err := s.scope(ctx, req.Database)
	if err != nil {
		return nil, err
	}
	ops, err := s.items.BatchUpdate(ctx, userID, ref, convert.FromRPCMutations(req.Operations))
	return s.many("BatchUpdate", ops, err)
}

// BatchDelete appends up to ten Delete operations atomically.
func (s *Server) BatchDelete(ctx context.Context, req *rpc.BatchRequest) (*rpc.OperationsResponse, error) {
	userID, ref, err := s.scope(ctx, req.Database)
	if err != nil {
		return nil, err
	}
	ops, err := s.items.BatchDelete(ctx, userID, ref, convert.FromRPCMutations(req.Operations))
	return s.many("BatchDelete", ops, err)
}

// PutTransaction appends a mixed batch atomically.
func (s *Server) PutTransaction(ctx context.Context, req *rpc.BatchRequest) (*rpc.OperationsResponse, error) {
	userID, ref, err := s.scope(ctx, req.Database)
	if err != nil {
		return nil, err
	}
	ops, err := s.items.PutTransaction(ctx, userID, ref, convert.FromRPCMutations(req.Operations))
	return s.many("PutTransaction", ops, err)
}

// UploadFile stores an encrypted file and attaches it to an item.
func (s *Server) UploadFile(ctx context.Context, req *rpc.UploadFileRequest) (*rpc.OperationResponse, error) {
	userID, ref, err := s.scope(ctx, req.Database)
	if err != nil {
		return nil, err
	}
	var body io.Reader
	if req.Data != nil {
		body = bytes.NewReader(req.Data)
	}
	op, err := s.items.UploadFile(ctx, userID, ref, service.UploadRequest{
		ItemID:          req.ItemID,
		FileName:        req.FileName,
		Size:            int64(len(req.Data)),
		Body:            body,
		ExpectedVersion: req.ExpectedVersion,
	})
	return s.single("UploadFile", op, err)
}

// GetFile reads a stored file, optionally a byte range of it.
func (s *Server) GetFile(ctx context.Context, req *rpc.GetFileRequest) (*rpc.GetFileResponse, error) {
	userID, ref, err := s.scope(ctx, req.Database)
	if err != nil {
		return nil, err
	}
	fileID, err := uuid.FromString(req.FileID)
	if err != nil {
		return nil, toStatus(errs.ErrFileIDInvalid)
	}
	rc, err := s.items.GetFile(ctx, userID, ref, fileID, blob.Range{Offset: req.Offset, Length: req.Length})
	if err != nil {
		return nil, s.fail("GetFile", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, s.fail("GetFile", errs.Infra(err))
	}
	return &rpc.GetFileResponse{Data: data}, nil
}

// --- Sync ---

// GetChanges returns the bundle marker and every operation after since.
func (s *Server) GetChanges(ctx context.Context, req *rpc.GetChangesRequest) (*rpc.Frame, error) {
	userID, ref, err := s.scope(ctx, req.Database)
	if err != nil {
		return nil, err
	}
	frame, err := s.items.GetChanges(ctx, userID, ref, req.SinceSeqNo)
	if err != nil {
		return nil, s.fail("GetChanges", err)
	}
	return convert.ToRPCFrame(frame), nil
}

// Subscribe streams frames until the client goes away.
func (s *Server) Subscribe(req *rpc.SubscribeRequest, stream rpc.SubscribeServer) error {
	ctx := stream.Context()
	userID, ref, err := s.scope(ctx, req.Database)
	if err != nil {
		return err
	}
	err = s.items.Subscribe(ctx, userID, ref, req.SinceSeqNo, func(f model.Frame) error {
		return stream.Send(convert.ToRPCFrame(f))
	})
	if err != nil {
		return s.fail("Subscribe", err)
	}
	return nil
}
