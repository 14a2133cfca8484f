package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/Landingstat/internal/collector"
	"github.com/dustin/Landingstat/internal/config"
	"github.com/dustin/Landingstat/internal/geo"
	"github.com/dustin/Landingstat/internal/ingest"
	"github.com/dustin/Landingstat/internal/logging"
	"github.com/dustin/Landingstat/internal/metrics"
	"github.com/dustin/Landingstat/internal/reports"
	"github.com/dustin/Landingstat/internal/server"
	"github.com/dustin/Landingstat/internal/sse"
	"github.com/dustin/Landingstat/internal/stats"
	"github.com/dustin/Landingstat/internal/storage"
	"github.com/dustin/Landingstat/internal/version"
)

// reapInterval is how often idle page loads are looked for.
const reapInterval = time.Minute

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.Info("starting landingstat", "version", version.String())

	if err := run(cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func run(cfg config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var store *storage.Storage
	hub := sse.NewHub()

	geoDB, err := geo.Open(cfg.MaxMindDBPath)
	if err != nil {
		slog.Warn("geo disabled", "error", err)
	}
	defer geoDB.Close()
	var locator collector.Locator
	var geoCache *geo.Cached
	if geoDB != nil {
		geoCache = geo.NewCached(geoDB, geo.NewCache(geo.DefaultCacheConfig()))
		locator = geoCache
	}

	var coll *collector.Collector
	m := metrics.New(metrics.Sources{
		SSEClients: hub.ClientCount,
		ActiveSessions: func() int {
			if coll == nil {
				return 0
			}
			return coll.Active()
		},
		DBSize: func() int64 {
			size, err := store.SizeBytes(context.Background())
			if err != nil {
				slog.Debug("failed to read database size", "error", err)
			}
			return size
		},
		DBStats: func() metrics.DBStats {
			counts, err := store.Counts(context.Background())
			if err != nil {
				slog.Debug("failed to count collections", "error", err)
				return metrics.DBStats{}
			}
			return metrics.DBStats{
				Visitors:    int64(counts[storage.Visitors]),
				Events:      int64(counts[storage.Events]),
				Sessions:    int64(counts[storage.Sessions]),
				Subscribers: int64(counts[storage.Subscribers]),
			}
		},
		GeoCache: func() *metrics.GeoCacheStats {
			if geoCache == nil {
				return nil
			}
			s := geoCache.Stats()
			return &metrics.GeoCacheStats{Size: s.Size, Hits: s.Hits, Misses: s.Misses, HitRate: s.HitRate}
		},
	})
	if err := m.Register(); err != nil {
		return err
	}

	opts := storage.DefaultOptions()
	opts.MaxConnections = cfg.DBMaxConnections
	opts.QueryTimeout = cfg.DBQueryTimeout
	opts.KeyPrefix = cfg.KeyPrefix
	opts.SubscribersKey = cfg.SubscribersKey
	opts.Retention = map[storage.Collection]int{
		storage.Visitors: cfg.VisitorRetention,
		storage.Sessions: cfg.SessionRetention,
	}
	opts.OnEvict = m.Evicted
	store, err = storage.NewWithOptions(cfg.DBPath, opts)
	if err != nil {
		return err
	}
	defer store.Close()

	loc := cfg.Location()
	agg := stats.New(store, stats.WithLocation(loc))
	publisher := server.NewPublisher(agg, hub, server.DefaultPublishWait)
	defer publisher.Stop()

	coll = collector.New(store, collector.Options{
		Page: collector.Page{
			SignupForm:   cfg.SignupForm,
			EmailInput:   cfg.EmailInput,
			FeatureCards: cfg.FeatureCards,
		},
		IgnoreBots: cfg.IgnoreBots,
		Geo:        locator,
		Observer:   m,
		Logger:     logging.Component("collector"),
		OnSignal:   publisher.OnSignal,
	})
	defer coll.Close()

	if cfg.SignalLogPath != "" {
		ing := ingest.New(cfg.SignalLogPath, coll, ingest.Options{Logger: logging.Component("ingest")})
		if err := ing.Start(ctx); err != nil {
			return err
		}
		defer func() {
			st := ing.Stats()
			slog.Info("ingest stopped", "lines", st.Lines, "malformed", st.Malformed, "rejected", st.Rejected)
		}()
	}

	if cfg.ExportSchedule != "" {
		sched, err := reports.NewScheduler(store, cfg.ExportDir, cfg.ExportSchedule, loc)
		if err != nil {
			return err
		}
		sched.OnRun = func(_ string, err error) { m.RecordExport(err) }
		sched.Start()
		defer sched.Stop()
		slog.Info("scheduled exports enabled", "schedule", cfg.ExportSchedule, "dir", cfg.ExportDir, "next", sched.Next())
	}

	if cfg.SessionIdleTimeout > 0 {
		go func() {
			ticker := time.NewTicker(reapInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.RecordReaped(coll.Reap(cfg.SessionIdleTimeout))
				}
			}
		}()
	}

	handler := server.New(cfg, server.Deps{
		Store:     store,
		Collector: coll,
		Stats:     agg,
		Hub:       hub,
		Metrics:   m,
	})
	defer handler.Close()
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.ListenAddr, "auth", cfg.AuthEnabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Close SSE streams first so Shutdown does not wait on them.
	if n := hub.Close(); n > 0 {
		slog.Info("closed SSE clients", "count", n)
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}
