package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/elpendex123/ec2-creator-local/internal/api"
	"github.com/elpendex123/ec2-creator-local/internal/rpc"
	"github.com/elpendex123/ec2-creator-local/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST and gRPC APIs",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-addr", "", "REST listen address")
	serveCmd.Flags().String("grpc-addr", "", "gRPC listen address")
	_ = v.BindPFlag("server.http_addr", serveCmd.Flags().Lookup("http-addr"))
	_ = v.BindPFlag("server.grpc_addr", serveCmd.Flags().Lookup("grpc-addr"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.Setup(os.Stdout, cfg.Tracing.Pretty)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("tracer shutdown", zap.Error(err))
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := build(cfg, logger, reg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)

	e := api.New(a.orch, api.Options{Logger: logger, Gatherer: reg, Sims: a.sims})
	go func() {
		logger.Info("REST API listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := e.Start(cfg.Server.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var gs *grpc.Server
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			_ = e.Close()
			_ = a.close(context.Background())
			return err
		}
		gs = grpc.NewServer(grpc.ChainUnaryInterceptor(rpc.LoggingInterceptor(logger)))
		rpc.Register(gs, a.orch)
		go func() {
			logger.Info("gRPC API listening", zap.String("addr", cfg.Server.GRPCAddr))
			if err := gs.Serve(lis); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err = <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if gs != nil {
		gs.GracefulStop()
	}
	if serr := e.Shutdown(sctx); serr != nil {
		logger.Warn("http server shutdown", zap.Error(serr))
	}
	if cerr := a.close(sctx); cerr != nil {
		logger.Warn("close components", zap.Error(cerr))
	}
	logger.Info("shutdown complete")
	return err
}
