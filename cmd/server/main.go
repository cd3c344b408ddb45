// Command cipherlog-server starts the cipherlog gRPC sync server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/cipherlog/internal/blob"
	"github.com/and161185/cipherlog/internal/blob/bolt"
	"github.com/and161185/cipherlog/internal/blob/s3"
	"github.com/and161185/cipherlog/internal/bundle"
	"github.com/and161185/cipherlog/internal/bundler"
	"github.com/and161185/cipherlog/internal/config"
	"github.com/and161185/cipherlog/internal/limiter"
	"github.com/and161185/cipherlog/internal/memcache"
	"github.com/and161185/cipherlog/internal/metrics"
	"github.com/and161185/cipherlog/internal/migrate"
	"github.com/and161185/cipherlog/internal/realtime"
	"github.com/and161185/cipherlog/internal/repository"
	"github.com/and161185/cipherlog/internal/repository/memory"
	"github.com/and161185/cipherlog/internal/repository/postgres"
	"github.com/and161185/cipherlog/internal/rpc"
	"github.com/and161185/cipherlog/internal/sequencer"
	grpcserver "github.com/and161185/cipherlog/internal/server/grpc"
	"github.com/and161185/cipherlog/internal/service"
	"github.com/and161185/cipherlog/internal/writer"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// Uploads are carried in a single message; leave room for the envelope.
const maxRecvMsgSize = 17 << 20

// stores is the storage backend selected by configuration.
type stores struct {
	users repository.UserRepository
	dbs   repository.DatabaseRepository
	log   repository.LogRepository
	lim   limiter.Limiter
	close func()
}

func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.Store == config.StoreMemory {
		m := memory.New()
		return &stores{users: m, dbs: m, log: m, lim: limiter.NewMemory(15*time.Minute, 5, 15*time.Minute), close: func() {}}, nil
	}
	if err := migrate.Up(ctx, cfg.DSN, logger); err != nil {
		return nil, fmt.Errorf("migrate up: %w", err)
	}
	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	return &stores{
		users: postgres.NewUserRepo(db),
		dbs:   postgres.NewDatabaseRepo(db),
		log:   postgres.NewLogRepo(db),
		lim:   limiter.NewPG(db.Pool, 15*time.Minute, 5, 15*time.Minute),
		close: db.Close,
	}, nil
}

func openBlobs(ctx context.Context, cfg config.Config) (blob.Store, func(), error) {
	if cfg.Blob == config.BlobS3 {
		st, err := s3.New(ctx, s3.Config{
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKey,
			SecretAccessKey: cfg.S3.SecretKey,
			Bucket:          cfg.S3.Bucket,
			UseSSL:          cfg.S3.UseSSL,
		})
		return st, func() {}, err
	}
	st, err := bolt.Open(cfg.BoltPath)
	if err != nil {
		return nil, nil, err
	}
	return st, func() { _ = st.Close() }, nil
}

// main parses configuration, wires storage and the sync engine, and serves gRPC until a signal arrives.
func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
		zap.String("store", cfg.Store),
		zap.String("blob", cfg.Blob),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg config.Config, logger *zap.Logger) error {
	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	blobs, closeBlobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	defer closeBlobs()

	// Sync engine
	bundles := bundle.NewStore(blobs)
	cache := memcache.New(st.log, bundles, logger)
	hub := realtime.NewHub(cache, logger)
	defer hub.CloseAll()
	bnd := bundler.New(st.log, cache, bundles, int64(cfg.BundleThreshold), logger)
	defer bnd.Close()

	w := writer.New(writer.Deps{
		Sequencer: sequencer.New(st.log),
		Log:       st.log,
		Cache:     cache,
		Limiter:   limiter.NewOps(cfg.RateBurst, cfg.RateRefill),
		Notifier:  hub,
		Compactor: bnd,
		Logger:    logger,
	})

	// Services
	authSvc := service.NewAuthService(st.users, []byte(cfg.JWTKey), cfg.AccessTTL, st.lim)
	dbSvc := service.NewDatabaseService(st.users, st.dbs, cache, logger)
	itemSvc := service.NewItemService(dbSvc, w, cache, hub, blobs, logger)
	app := grpcserver.New(authSvc, dbSvc, itemSvc, []byte(cfg.JWTKey), logger)

	// gRPC server with interceptors
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxRecvMsgSize),
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			grpcserver.ReadyUnary(cache.Ready),
			app.AuthUnary(),
		),
		grpc.ChainStreamInterceptor(
			grpcserver.RecoverStream(logger),
			grpcserver.LoggingStream(logger),
			grpcserver.ReadyStream(cache.Ready),
			app.AuthStream(),
		),
	}
	if cfg.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS cert/key: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	s := grpc.NewServer(opts...)
	rpc.RegisterSyncServer(s, app)

	// Health & reflection (dev)
	hs := health.NewServer()
	hs.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	if cfg.Dev {
		reflection.Register(s)
	}

	// Writes must see every database head before the first RPC is served.
	if err := cache.Warm(ctx); err != nil {
		return fmt.Errorf("warm cache: %w", err)
	}
	hs.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.Bool("tls", cfg.TLSCert != ""))
		return s.Serve(lis)
	})

	var ms *http.Server
	if cfg.MetricsAddr != "" {
		ms = &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	// Wait for stop
	g.Go(func() error {
		<-gctx.Done()
		hs.Shutdown()
		if ms != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ms.Shutdown(sctx)
		}
		hub.CloseAll()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}
