// Command authbridge starts the authbridge gRPC server.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/and161185/authbridge/internal/config"
	grpcserver "github.com/and161185/authbridge/internal/server/grpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

type flags struct {
	configPath  string
	addr        string
	metricsAddr string
	dsn         string
	redisAddr   string
	certFile    string
	keyFile     string
	showVersion bool
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("authbridge", pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", os.Getenv("AUTHBRIDGE_CONFIG"), "YAML config file")
	fs.StringVar(&f.addr, "addr", "", "gRPC listen address (overrides listen_addr)")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Prometheus listen address (overrides metrics_addr, \"-\" disables)")
	fs.StringVar(&f.dsn, "dsn", "", "PostgreSQL DSN (overrides postgres.dsn; empty keeps state in memory)")
	fs.StringVar(&f.redisAddr, "redis-addr", "", "Redis address for the shared cache tier (overrides redis.addr)")
	fs.StringVar(&f.certFile, "tls-cert", "", "TLS certificate (PEM); plaintext when empty")
	fs.StringVar(&f.keyFile, "tls-key", "", "TLS private key (PEM)")
	fs.BoolVar(&f.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	if (f.certFile == "") != (f.keyFile == "") {
		return flags{}, errors.New("--tls-cert and --tls-key go together")
	}
	return f, nil
}

// apply lets flags override the loaded configuration.
func (f flags) apply(cfg *config.Config) {
	if f.addr != "" {
		cfg.ListenAddr = f.addr
	}
	if f.metricsAddr != "" {
		cfg.MetricsAddr = f.metricsAddr
	}
	if f.dsn != "" {
		cfg.Postgres.DSN = f.dsn
	}
	if f.redisAddr != "" {
		cfg.Redis.Addr = f.redisAddr
	}
}

func newLogger(env config.Environment) (*zap.Logger, error) {
	if env == config.Dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// main loads configuration, wires the stores and services, and serves gRPC until signalled.
func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if f.showVersion {
		fmt.Printf("authbridge %s (%s)\n", version, buildDate)
		return
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	f.apply(&cfg)

	logger, err := newLogger(cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("environment", string(cfg.Environment)),
		zap.String("addr", cfg.ListenAddr),
	)

	if err := run(f, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(f flags, cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := build(ctx, cfg, config.NewHolder(f.configPath, cfg), reg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	opts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(
		grpcserver.RecoverUnary(logger),
		grpcserver.LoggingUnary(logger),
		grpcserver.IdentityUnary(a.access, a.api.Buckets()),
	)}
	if f.certFile != "" {
		creds, err := credentials.NewServerTLSFromFile(f.certFile, f.keyFile)
		if err != nil {
			return fmt.Errorf("load TLS cert/key: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	s := grpc.NewServer(opts...)
	a.api.Register(s)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	a.background(ctx)
	go reloadOnHUP(ctx, a, logger)

	var metrics *http.Server
	if cfg.MetricsAddr != "" && cfg.MetricsAddr != "-" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr), zap.Bool("tls", f.certFile != ""))
		errCh <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		hs.Shutdown()
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
		if metrics != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = metrics.Shutdown(sctx)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func reloadOnHUP(ctx context.Context, a *app, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := a.holder.Reload(); err != nil {
				logger.Error("config reload rejected", zap.Error(err))
				continue
			}
			logger.Info("config reloaded")
		}
	}
}
