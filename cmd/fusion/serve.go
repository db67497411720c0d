package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"fusion_api/internal/config"
	"fusion_api/internal/health"
	"fusion_api/internal/limits"
	"fusion_api/internal/obs"
	"fusion_api/internal/openapi"
	"fusion_api/internal/runtime"
	"fusion_api/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, or the Lambda handler when started by the Lambda runtime",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := obs.NewLogger(os.Stderr, cfg.EffectiveLogLevel())
	warnings, err := config.Validate(cfg)
	for _, warning := range warnings {
		logger.Warn(warning)
	}
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		return runLambda(ctx, cfg, logger)
	}
	return runHTTP(ctx, cfg, logger)
}

func runLambda(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	basePath := openapi.BasePathForStage(cfg.Stage)
	a, err := buildApp(ctx, cfg, logger, basePath)
	if err != nil {
		return err
	}
	defer a.Close(logger)

	adapter, err := newLambdaAdapter(ctx, a, cfg, basePath)
	if err != nil {
		return err
	}
	go a.prober.Run(ctx)
	logger.Info("starting lambda handler", "stage", cfg.Stage, "durable", a.backend != nil)
	lambda.StartWithOptions(adapter.ProxyWithContext, lambda.WithContext(ctx))
	return nil
}

// newLambdaAdapter applies the same body cap the HTTP server uses and probes
// the durable tier once so the first invocation reports a real status.
func newLambdaAdapter(ctx context.Context, a *app, cfg *config.Config, basePath string) (*httpadapter.HandlerAdapterV2, error) {
	limitConfig, err := limits.FromConfig(cfg.Limits)
	if err != nil {
		return nil, err
	}
	a.prober.ProbeOnce(ctx)

	adapter := httpadapter.NewV2(limitConfig.LimitBody(a.handler))
	if basePath != "" {
		adapter.StripBasePath(basePath)
	}
	return adapter, nil
}

func runHTTP(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	a, err := buildApp(ctx, cfg, logger, "")
	if err != nil {
		return err
	}
	defer a.Close(logger)

	limitConfig, err := limits.FromConfig(cfg.Limits)
	if err != nil {
		return err
	}
	shutdownConfig, err := runtime.ShutdownFromConfig(cfg.Shutdown)
	if err != nil {
		return err
	}

	probeCtx, cancelProbe := context.WithCancel(ctx)
	defer cancelProbe()
	go a.prober.Run(probeCtx)

	var grpcHealth *health.GRPCServer
	if cfg.GRPCHealthAddr != "" {
		grpcHealth, err = health.ListenGRPC(cfg.GRPCHealthAddr, a.prober)
		if err != nil {
			return fmt.Errorf("grpc health listener: %w", err)
		}
		logger.Info("grpc health listening", "addr", grpcHealth.Addr)
	}

	srv, err := server.Start(a.handler, cfg.ListenAddr, server.Options{
		Limits:    limitConfig,
		Shutdown:  shutdownConfig,
		Inflight:  runtime.NewInflightTracker(),
		Logger:    logger.With("component", "server"),
		CloseIdle: []func(){a.closeIdle},
		Stoppers:  []server.Stopper{server.StopFunc(func(context.Context) error {
			cancelProbe()
			a.prober.Shutdown()
			return nil
		})},
	})
	if err != nil {
		grpcHealth.Stop()
		return fmt.Errorf("start server: %w", err)
	}
	logger.Info("listening", "addr", "http://"+srv.Addr, "durable", a.backend != nil, "offline", cfg.Offline)

	<-ctx.Done()
	logger.Info("shutting down")
	err = srv.Shutdown()
	grpcHealth.Stop()
	return err
}
