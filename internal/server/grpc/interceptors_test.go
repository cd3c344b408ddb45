package grpcserver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/cipherlog/internal/errs"
	"github.com/and161185/cipherlog/internal/rpc"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:12345" }

type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeServerStream) Context() context.Context { return f.ctx }

func observed() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.InfoLevel)
	return zap.New(core), logs
}

func TestLoggingUnary_LogsMetadataOnly(t *testing.T) {
	t.Parallel()

	log, logs := observed()
	ic := LoggingUnary(log)
	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: fakeAddr{}})
	info := &grpc.UnaryServerInfo{FullMethod: rpc.FullMethod("InsertItem")}

	req := &rpc.ItemRequest{ItemID: "secret-item", Record: []byte("ciphertext")}
	resp, err := ic(ctx, req, info, func(context.Context, any) (any, error) { return "ok", nil })
	if err != nil || resp != "ok" {
		t.Fatalf("passthrough: %v %v", resp, err)
	}

	wantErr := toStatus(errs.ErrItemUpdateConflict)
	_, err = ic(ctx, req, info, func(context.Context, any) (any, error) { return nil, wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("want original error, got %v", err)
	}

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("want 2 entries, got %d", len(entries))
	}
	for i, wantCode := range []string{"OK", "Aborted"} {
		fields := entries[i].ContextMap()
		if fields["method"] != rpc.FullMethod("InsertItem") || fields["code"] != wantCode || fields["peer"] != "127.0.0.1:12345" {
			t.Fatalf("entry %d fields: %v", i, fields)
		}
		if _, ok := fields["dur"]; !ok {
			t.Fatalf("entry %d has no duration", i)
		}
		for k, v := range fields {
			if s, ok := v.(string); ok && (s == "secret-item" || s == "ciphertext") {
				t.Fatalf("payload leaked into field %q", k)
			}
		}
	}
}

func TestLoggingStream_LogsOnEnd(t *testing.T) {
	t.Parallel()

	log, logs := observed()
	ic := LoggingStream(log)
	info := &grpc.StreamServerInfo{FullMethod: rpc.FullMethod("Subscribe"), IsServerStream: true}

	wantErr := toStatus(errs.ErrDatabaseNotFound)
	err := ic(nil, &fakeServerStream{ctx: context.Background()}, info, func(any, grpc.ServerStream) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("want original error, got %v", err)
	}
	if got := logs.FilterField(zap.String("code", "NotFound")).Len(); got != 1 {
		t.Fatalf("want one NotFound entry, got %d", got)
	}
}

func TestRecover(t *testing.T) {
	t.Parallel()

	log, logs := observed()
	unary := RecoverUnary(log)
	stream := RecoverStream(log)
	uinfo := &grpc.UnaryServerInfo{FullMethod: rpc.FullMethod("GetChanges")}
	sinfo := &grpc.StreamServerInfo{FullMethod: rpc.FullMethod("Subscribe"), IsServerStream: true}

	_, err := unary(context.Background(), nil, uinfo, func(context.Context, any) (any, error) { panic("oh no") })
	if status.Code(err) != codes.Internal {
		t.Fatalf("unary panic: want Internal, got %v", err)
	}
	err = stream(nil, &fakeServerStream{ctx: context.Background()}, sinfo, func(any, grpc.ServerStream) error { panic("stream blew up") })
	if status.Code(err) != codes.Internal {
		t.Fatalf("stream panic: want Internal, got %v", err)
	}
	if got := logs.FilterMessage("panic").Len(); got != 2 {
		t.Fatalf("want 2 panic entries, got %d", got)
	}

	resp, err := unary(context.Background(), nil, uinfo, func(context.Context, any) (any, error) { return 42, nil })
	if err != nil || resp != 42 {
		t.Fatalf("no panic: %v %v", resp, err)
	}
	err = stream(nil, &fakeServerStream{ctx: context.Background()}, sinfo, func(any, grpc.ServerStream) error { return nil })
	if err != nil {
		t.Fatalf("no panic stream: %v", err)
	}
}

func TestPeerAddr(t *testing.T) {
	t.Parallel()

	if got := peerAddr(context.Background()); got != "" {
		t.Fatalf("no peer: %q", got)
	}
	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: fakeAddr{}})
	if got := peerAddr(ctx); got != "127.0.0.1:12345" {
		t.Fatalf("peer: %q", got)
	}
}

func TestReady_GatesUntilWarm(t *testing.T) {
	t.Parallel()

	var warm atomic.Bool
	unary := ReadyUnary(warm.Load)
	stream := ReadyStream(warm.Load)
	ok := func(context.Context, any) (any, error) { return "ok", nil }
	ss := &fakeServerStream{ctx: context.Background()}
	insert := &grpc.UnaryServerInfo{FullMethod: rpc.FullMethod("InsertItem")}
	health := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	sub := &grpc.StreamServerInfo{FullMethod: rpc.FullMethod("Subscribe")}

	_, err := unary(context.Background(), nil, insert, ok)
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("cold unary: want Unavailable, got %v", err)
	}
	err = stream(nil, ss, sub, func(any, grpc.ServerStream) error { return nil })
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("cold stream: want Unavailable, got %v", err)
	}
	if resp, err := unary(context.Background(), nil, health, ok); err != nil || resp != "ok" {
		t.Fatalf("health while cold: %v %v", resp, err)
	}

	warm.Store(true)
	if resp, err := unary(context.Background(), nil, insert, ok); err != nil || resp != "ok" {
		t.Fatalf("warm unary: %v %v", resp, err)
	}
	if err := stream(nil, ss, sub, func(any, grpc.ServerStream) error { return nil }); err != nil {
		t.Fatalf("warm stream: %v", err)
	}
}
