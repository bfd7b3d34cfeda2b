package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/api"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/config"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/gate"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/kernel"
)

const shutdownTimeout = 10 * time.Second

func newKernelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kernel",
		Short: "Run the Kernel: evaluate intents and sign decision manifests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runKernel(ctx, cfg, newLogger(cfg))
		},
	}
}

func newGateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gate",
		Short: "Run the Gate: verify tokens and apply effects exactly once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGate(ctx, cfg, newLogger(cfg))
		},
	}
}

func runKernel(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	h, cleanup, err := kernelHandler(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ln, err := net.Listen("tcp", cfg.KernelAddr)
	if err != nil {
		return err
	}
	return serve(ctx, ln, h, logger.With("service", "kernel"))
}

func runGate(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	h, cleanup, err := gateHandler(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ln, err := net.Listen("tcp", cfg.GateAddr)
	if err != nil {
		return err
	}
	return serve(ctx, ln, h, logger.With("service", "gate"))
}

// kernelHandler wires the Kernel. cleanup flushes telemetry.
func kernelHandler(ctx context.Context, cfg *config.Config, logger *slog.Logger) (http.Handler, func(), error) {
	ks, err := loadKeystore(cfg)
	if err != nil {
		return nil, nil, err
	}
	signer, err := ks.Signer()
	if err != nil {
		return nil, nil, err
	}
	pol, err := loadPolicy(ctx, cfg.PolicyFile, true, logger)
	if err != nil {
		return nil, nil, err
	}
	tel, err := newTelemetry(ctx, cfg, "cda-kernel")
	if err != nil {
		return nil, nil, err
	}

	k := kernel.New(pol, signer, kernel.WithLogger(logger), kernel.WithTelemetry(tel))
	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.Run(ctx)

	logger.Info("kernel ready", "format", ks.Format, "active_key", ks.Active, "policy", policyName(cfg.PolicyFile))
	h := api.NewKernelHandler(k, api.ServerOptions{Logger: logger, Limiter: limiter, Version: Version})
	cleanup := func() { shutdownTelemetry(tel.Shutdown, logger) }
	return h, cleanup, nil
}

// gateHandler wires the Gate. cleanup closes the store and the publisher
// and flushes telemetry.
func gateHandler(ctx context.Context, cfg *config.Config, logger *slog.Logger) (http.Handler, func(), error) {
	ks, err := loadKeystore(cfg)
	if err != nil {
		return nil, nil, err
	}
	verifier, err := ks.Verifier()
	if err != nil {
		return nil, nil, err
	}
	replay, err := gate.ParseReplayPolicy(cfg.ReplayPolicy)
	if err != nil {
		return nil, nil, err
	}
	s, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	pub, err := openPublisher(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	tel, err := newTelemetry(ctx, cfg, "cda-gate")
	if err != nil {
		_ = pub.Close()
		_ = s.Close()
		return nil, nil, err
	}

	g := gate.New(verifier, s,
		gate.WithLogger(logger),
		gate.WithTelemetry(tel),
		gate.WithClockSkew(cfg.ClockSkew),
		gate.WithReplayPolicy(replay),
		gate.WithPublisher(pub),
	)
	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.Run(ctx)

	logger.Info("gate ready", "store", cfg.Store, "format", ks.Format, "replay_policy", cfg.ReplayPolicy)
	if cfg.AllowSeed {
		logger.Warn("entity seeding enabled", "endpoint", "PUT /entities/{id}")
	}
	h := api.NewGateHandler(g, api.ServerOptions{Logger: logger, Limiter: limiter, Version: Version, AllowSeed: cfg.AllowSeed})
	cleanup := func() {
		if err := pub.Close(); err != nil {
			logger.Warn("close publisher", "error", err)
		}
		if err := s.Close(); err != nil {
			logger.Warn("close store", "error", err)
		}
		shutdownTelemetry(tel.Shutdown, logger)
	}
	return h, cleanup, nil
}

func shutdownTelemetry(shutdown func(context.Context) error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}
}

func policyName(path string) string {
	if path == "" {
		return "baseline"
	}
	return path
}

// serve runs h on ln until ctx is cancelled, then drains in-flight
// requests.
func serve(ctx context.Context, ln net.Listener, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
