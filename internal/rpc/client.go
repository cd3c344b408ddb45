package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Client is a typed client of cipherlog.v1.Sync. Every call uses the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *Client, name string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, FullMethod(name), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	return invoke[RegisterResponse](ctx, c, "Register", in, opts)
}

func (c *Client) Login(ctx context.Context, in *LoginRequest, opts ...grpc.CallOption) (*LoginResponse, error) {
	return invoke[LoginResponse](ctx, c, "Login", in, opts)
}

func (c *Client) SetWrappedDEK(ctx context.Context, in *SetWrappedDEKRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c, "SetWrappedDEK", in, opts)
}

func (c *Client) VerifyUser(ctx context.Context, in *VerifyUserRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c, "VerifyUser", in, opts)
}

func (c *Client) OpenDatabase(ctx context.Context, in *OpenDatabaseRequest, opts ...grpc.CallOption) (*OpenDatabaseResponse, error) {
	return invoke[OpenDatabaseResponse](ctx, c, "OpenDatabase", in, opts)
}

func (c *Client) GetDatabases(ctx context.Context, in *GetDatabasesRequest, opts ...grpc.CallOption) (*GetDatabasesResponse, error) {
	return invoke[GetDatabasesResponse](ctx, c, "GetDatabases", in, opts)
}

func (c *Client) ShareDatabase(ctx context.Context, in *ShareDatabaseRequest, opts ...grpc.CallOption) (*ShareDatabaseResponse, error) {
	return invoke[ShareDatabaseResponse](ctx, c, "ShareDatabase", in, opts)
}

func (c *Client) ModifyDatabasePermissions(ctx context.Context, in *ModifyDatabasePermissionsRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c, "ModifyDatabasePermissions", in, opts)
}

func (c *Client) GetDatabaseUsers(ctx context.Context, in *GetDatabaseUsersRequest, opts ...grpc.CallOption) (*GetDatabaseUsersResponse, error) {
	return invoke[GetDatabaseUsersResponse](ctx, c, "GetDatabaseUsers", in, opts)
}

func (c *Client) InsertItem(ctx context.Context, in *ItemRequest, opts ...grpc.CallOption) (*OperationResponse, error) {
	return invoke[OperationResponse](ctx, c, "InsertItem", in, opts)
}

func (c *Client) UpdateItem(ctx context.Context, in *ItemRequest, opts ...grpc.CallOption) (*OperationResponse, error) {
	return invoke[OperationResponse](ctx, c, "UpdateItem", in, opts)
}

func (c *Client) DeleteItem(ctx context.Context, in *ItemRequest, opts ...grpc.CallOption) (*OperationResponse, error) {
	return invoke[OperationResponse](ctx, c, "DeleteItem", in, opts)
}

func (c *Client) BatchInsert(ctx context.Context, in *BatchRequest, opts ...grpc.CallOption) (*OperationsResponse, error) {
	return invoke[OperationsResponse](ctx, c, "BatchInsert", in, opts)
}

func (c *Client) BatchUpdate(ctx context.Context, in *BatchRequest, opts ...grpc.CallOption) (*OperationsResponse, error) {
	return invoke[OperationsResponse](ctx, c, "BatchUpdate", in, opts)
}

func (c *Client) BatchDelete(ctx context.Context, in *BatchRequest, opts ...grpc.CallOption) (*OperationsResponse, error) {
	return invoke[OperationsResponse](ctx, c, "BatchDelete", in, opts)
}

func (c *Client) PutTransaction(ctx context.Context, in *BatchRequest, opts ...grpc.CallOption) (*OperationsResponse, error) {
	return invoke[OperationsResponse](ctx, c, "PutTransaction", in, opts)
}

func (c *Client) UploadFile(ctx context.Context, in *UploadFileRequest, opts ...grpc.CallOption) (*OperationResponse, error) {
	return invoke[OperationResponse](ctx, c, "UploadFile", in, opts)
}

func (c *Client) GetFile(ctx context.Context, in *GetFileRequest, opts ...grpc.CallOption) (*GetFileResponse, error) {
	return invoke[GetFileResponse](ctx, c, "GetFile", in, opts)
}

func (c *Client) GetChanges(ctx context.Context, in *GetChangesRequest, opts ...grpc.CallOption) (*Frame, error) {
	return invoke[Frame](ctx, c, "GetChanges", in, opts)
}

// FrameStream receives pushed frames.
type FrameStream struct {
	grpc.ClientStream
}

// Recv blocks for the next frame.
func (s *FrameStream) Recv() (*Frame, error) {
	f := new(Frame)
	if err := s.ClientStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

// Subscribe opens a push stream. The first frame arrives immediately.
func (c *Client) Subscribe(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (*FrameStream, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod("Subscribe"), opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &FrameStream{ClientStream: stream}, nil
}
