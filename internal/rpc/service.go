package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "cipherlog.v1.Sync"

// SyncServer is implemented by the server-side handlers.
type SyncServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Login(context.Context, *LoginRequest) (*LoginResponse, error)
	SetWrappedDEK(context.Context, *SetWrappedDEKRequest) (*Empty, error)
	VerifyUser(context.Context, *VerifyUserRequest) (*Empty, error)

	OpenDatabase(context.Context, *OpenDatabaseRequest) (*OpenDatabaseResponse, error)
	GetDatabases(context.Context, *GetDatabasesRequest) (*GetDatabasesResponse, error)
	ShareDatabase(context.Context, *ShareDatabaseRequest) (*ShareDatabaseResponse, error)
	ModifyDatabasePermissions(context.Context, *ModifyDatabasePermissionsRequest) (*Empty, error)
	GetDatabaseUsers(context.Context, *GetDatabaseUsersRequest) (*GetDatabaseUsersResponse, error)

	InsertItem(context.Context, *ItemRequest) (*OperationResponse, error)
	UpdateItem(context.Context, *ItemRequest) (*OperationResponse, error)
	DeleteItem(context.Context, *ItemRequest) (*OperationResponse, error)
	BatchInsert(context.Context, *BatchRequest) (*OperationsResponse, error)
	BatchUpdate(context.Context, *BatchRequest) (*OperationsResponse, error)
	BatchDelete(context.Context, *BatchRequest) (*OperationsResponse, error)
	PutTransaction(context.Context, *BatchRequest) (*OperationsResponse, error)
	UploadFile(context.Context, *UploadFileRequest) (*OperationResponse, error)
	GetFile(context.Context, *GetFileRequest) (*GetFileResponse, error)

	GetChanges(context.Context, *GetChangesRequest) (*Frame, error)
	Subscribe(*SubscribeRequest, SubscribeServer) error
}

// SubscribeServer is the server side of the Subscribe stream.
type SubscribeServer interface {
	Send(*Frame) error
	grpc.ServerStream
}

type subscribeServer struct{ grpc.ServerStream }

func (s *subscribeServer) Send(f *Frame) error { return s.ServerStream.SendMsg(f) }

// FullMethod returns "/cipherlog.v1.Sync/<name>".
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

func unary[Req, Resp any](name string, call func(SyncServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SyncServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(SyncServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes cipherlog.v1.Sync for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Register", SyncServer.Register),
		unary("Login", SyncServer.Login),
		unary("SetWrappedDEK", SyncServer.SetWrappedDEK),
		unary("VerifyUser", SyncServer.VerifyUser),
		unary("OpenDatabase", SyncServer.OpenDatabase),
		unary("GetDatabases", SyncServer.GetDatabases),
		unary("ShareDatabase", SyncServer.ShareDatabase),
		unary("ModifyDatabasePermissions", SyncServer.ModifyDatabasePermissions),
		unary("GetDatabaseUsers", SyncServer.GetDatabaseUsers),
		unary("InsertItem", SyncServer.InsertItem),
		unary("UpdateItem", SyncServer.UpdateItem),
		unary("DeleteItem", SyncServer.DeleteItem),
		unary("BatchInsert", SyncServer.BatchInsert),
		unary("BatchUpdate", SyncServer.BatchUpdate),
		unary("BatchDelete", SyncServer.BatchDelete),
		unary("PutTransaction", SyncServer.PutTransaction),
		unary("UploadFile", SyncServer.UploadFile),
		unary("GetFile", SyncServer.GetFile),
		unary("GetChanges", SyncServer.GetChanges),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(SubscribeRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(SyncServer).Subscribe(in, &subscribeServer{stream})
			},
		},
	},
	Metadata: "cipherlog/v1/sync",
}

// RegisterSyncServer registers srv on s.
func RegisterSyncServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}
