// vfsd serves a virtual file system over HTTP.
//
// Features:
// - URI resolution, listings and content for every registered scheme
// - Archives (zip, jar, tar, tgz, tbz2, tzst, gz, bz2, zst) layered over any file
// - Junctions in the vfs:/// tree, persisted in PostgreSQL when configured
// - SSE event stream, Prometheus metrics & structured logging (zap)
// - Optional WebDAV and FUSE exposure of one folder
// - Optional polling change monitor publishing file events
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/vfs/internal/api"
	"github.com/fruitsalade/vfs/internal/backend/archive"
	"github.com/fruitsalade/vfs/internal/backend/local"
	"github.com/fruitsalade/vfs/internal/backend/ram"
	s3backend "github.com/fruitsalade/vfs/internal/backend/s3"
	"github.com/fruitsalade/vfs/internal/backend/virtual"
	"github.com/fruitsalade/vfs/internal/config"
	"github.com/fruitsalade/vfs/internal/events"
	"github.com/fruitsalade/vfs/internal/fusefs"
	"github.com/fruitsalade/vfs/internal/junctions"
	"github.com/fruitsalade/vfs/internal/logging"
	"github.com/fruitsalade/vfs/internal/metrics"
	"github.com/fruitsalade/vfs/internal/webdav"
	"github.com/fruitsalade/vfs/pkg/cache"
	"github.com/fruitsalade/vfs/pkg/replica"
	"github.com/fruitsalade/vfs/pkg/vfs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("vfsd starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("cache_policy", cfg.CachePolicy))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broadcaster := events.NewBroadcaster()
	observer := metrics.Observer{}

	files, err := vfs.NewCache(cfg.CachePolicy,
		cache.WithObserver(cache.MultiObserver(observer, broadcaster)),
		cache.WithLRUSize(cfg.CacheLRUSize),
		cache.WithPollInterval(cfg.CachePollInterval),
		cache.WithLogger(logging.Named("cache")),
	)
	if err != nil {
		logging.Fatal("cache init failed", zap.Error(err))
	}

	replicaDir := cfg.ReplicaDir
	if replicaDir == "" {
		replicaDir = filepath.Join(os.TempDir(), "vfsd-replicas")
	}
	replicas, err := replica.New(replicaDir, cfg.ReplicaMaxSize,
		replica.WithObserver(observer),
		replica.WithLogger(logging.Named("replica")),
	)
	if err != nil {
		logging.Fatal("replica store init failed", zap.Error(err))
	}

	m := vfs.NewManager(
		vfs.WithCache(files),
		vfs.WithLogger(logging.L()),
		vfs.WithObserver(observer),
		vfs.WithListener(broadcaster.Listen),
		vfs.WithLocalStyle(cfg.LocalStyle()),
		vfs.WithReplica(replicas),
	)
	defer func() {
		if err := m.Close(); err != nil {
			logging.Error("manager close failed", zap.Error(err))
		}
	}()

	m.AddProvider(local.Scheme, local.Provider{Style: cfg.LocalStyle()})
	m.AddProvider(ram.Scheme, ram.Provider{})
	archive.Register(m, observer)
	m.AddProvider(s3backend.Scheme, &s3backend.Provider{
		Config: s3backend.Config{
			Endpoint:     cfg.S3EndpointURL(),
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			CreateBucket: cfg.S3Endpoint != "",
		},
		Logger: logging.Named("s3"),
	})

	var persister virtual.Persister
	if cfg.DatabaseURL != "" {
		logging.Info("connecting to PostgreSQL...")
		store, err := junctions.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("database connection failed", zap.Error(err))
		}
		defer store.Close()
		persister = store
	}
	virtual.Register(m, persister)

	if tree, err := virtual.Open(ctx, m); err != nil {
		logging.Error("virtual tree init failed", zap.Error(err))
	} else {
		metrics.SetJunctions(len(tree.Junctions()))
	}

	var dav http.Handler
	if cfg.WebDAVRoot != "" {
		root, err := m.Resolve(ctx, cfg.WebDAVRoot)
		if err != nil {
			logging.Fatal("webdav root", zap.Error(err))
		}
		dav = webdav.NewHandler(root, "/dav", logging.Named("webdav"))
		logging.Info("webdav enabled", logging.URI(root.String()))
	}

	if cfg.FUSEMountpoint != "" {
		root, err := m.Resolve(ctx, cfg.FUSERoot)
		if err != nil {
			logging.Fatal("fuse root", zap.Error(err))
		}
		server, err := fusefs.New(root, fusefs.Config{Logger: logging.L()}).Mount(cfg.FUSEMountpoint)
		if err != nil {
			logging.Fatal("fuse mount failed", zap.Error(err))
		}
		defer func() {
			if err := server.Unmount(); err != nil {
				logging.Error("fuse unmount failed", zap.Error(err))
			}
		}()
	}

	if len(cfg.MonitorURIs) > 0 {
		monitor := vfs.NewMonitor(m,
			vfs.WithInterval(cfg.MonitorInterval),
			vfs.WithRecursive(cfg.MonitorRecursive))
		for _, uri := range cfg.MonitorURIs {
			f, err := m.Resolve(ctx, uri)
			if err == nil {
				err = monitor.Add(ctx, f)
			}
			if err != nil {
				logging.Fatal("monitor", logging.URI(uri), zap.Error(err))
			}
		}
		monitor.Start()
		defer monitor.Stop()
		logging.Info("monitor started", zap.Strings("uris", monitor.Watched()))
	}

	srv := api.NewServer(m, broadcaster, dav)

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Shutdown(shutdownCtx)
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Error("server error", zap.Error(err))
	}
}
