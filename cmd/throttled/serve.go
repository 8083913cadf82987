package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/toolink/throttle/audit"
	"github.com/toolink/throttle/grpclimit"
	"github.com/toolink/throttle/httplimit"
	"github.com/toolink/throttle/limiter"
	"github.com/toolink/throttle/meta"
)

// sweepInterval is how often idle in-memory buckets are evicted.
const sweepInterval = time.Minute

// ServeCmd runs the HTTP (and optionally gRPC) server.
type ServeCmd struct {
	Addr     string `help:"HTTP listen address. Overrides the config file."`
	GRPCAddr string `name:"grpc-addr" help:"gRPC listen address. Overrides the config file."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := cli.load()
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}
	if c.GRPCAddr != "" {
		cfg.Server.GRPCAddr = c.GRPCAddr
	}

	rules, err := cfg.Rules()
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb = cfg.Redis.NewClient()
		defer rdb.Close()
	}

	storage, err := newStorage(ctx, cfg, rdb)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := limiter.NewPrometheusMetrics(reg)
	if err != nil {
		return err
	}
	service := limiter.NewService(rules, limiter.NewTokenBucket(storage), limiter.WithMetrics(metrics))

	pipeline, err := newAuditPipeline(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer pipeline.close(cfg.Server.ShutdownTimeout)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(service, pipeline.backend, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Int("rules", rules.Len()).Str("storage", cfg.Limiter.StorageType).
			Str("audit", cfg.Audit.Mode).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Server.GRPCAddr != "" {
		gs := newGRPCServer(service, pipeline.backend)
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
			if err != nil {
				return err
			}
			log.Info().Str("addr", cfg.Server.GRPCAddr).Msg("grpc server listening")
			return gs.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			gs.GracefulStop()
			return nil
		})
	}

	if pipeline.drainer != nil {
		g.Go(func() error { return pipeline.drainer.Run(gctx) })
	}
	if pipeline.retention != nil {
		g.Go(func() error { return pipeline.retention.Run(gctx) })
	}
	if mem, ok := storage.(*limiter.MemoryStorage); ok {
		g.Go(func() error { return sweep(gctx, mem) })
	}

	err = g.Wait()
	log.Info().Msg("throttled stopped")
	return err
}

func sweep(ctx context.Context, mem *limiter.MemoryStorage) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := mem.Sweep(); n > 0 {
				log.Debug().Int("evicted", n).Msg("idle buckets evicted")
			}
		}
	}
}

func newGRPCServer(service *limiter.Service, backend audit.Backend) *grpc.Server {
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpclimit.UnaryServerInterceptor(service, grpclimit.WithAudit(backend))),
		grpc.ChainStreamInterceptor(grpclimit.StreamServerInterceptor(service, grpclimit.WithAudit(backend))),
	)
	healthpb.RegisterHealthServer(gs, health.NewServer())
	return gs
}

// newRouter mounts the operational endpoints and the rate limited demo API.
// Rules are keyed by "METHOD pattern", e.g. "GET /accounts/{id}".
func newRouter(service *limiter.Service, backend audit.Backend, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mw := httplimit.New(service, httplimit.WithAudit(backend))
	r.Group(func(r chi.Router) {
		r.Use(demoCaller)
		r.Use(mw.Handler)
		r.Post("/auth/login", ok("logged in"))
		r.Get("/accounts/{id}", ok("account"))
		r.Get("/accounts/{id}/transactions", ok("transactions"))
		r.Post("/transfers", ok("transfer accepted"))
		r.Post("/integrations/sync", ok("sync started"))
	})
	return r
}

// demoCaller stands in for an authentication layer: it trusts the X-User-ID
// header and takes the resource from the query string.
func demoCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := meta.Caller{
			UserID:   r.Header.Get(httplimit.DefaultUserHeader),
			Resource: r.URL.Query().Get("resource"),
		}
		next.ServeHTTP(w, r.WithContext(meta.WithCaller(r.Context(), c)))
	})
}

func ok(message string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": message})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}
