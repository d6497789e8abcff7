package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/retinascan/internal/config"
	"github.com/example/retinascan/internal/grpcclient"
	"github.com/example/retinascan/internal/logging"
	"github.com/example/retinascan/internal/repository"
)

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "retinascan",
		Short:         "Diabetic retinopathy classification API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(configFile, runServer)
		},
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(configFile, runMigrate)
		},
	}

	var engineAddr string
	engine := &cobra.Command{
		Use:   "engine",
		Short: "Serve the TensorFlow Lite model to remote API instances over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(configFile, func(cfg *config.Config, logger *zap.Logger) error {
				return runEngine(cfg, engineAddr, logger)
			})
		},
	}
	engine.Flags().StringVar(&engineAddr, "listen", ":50051", "gRPC listen address")

	root.AddCommand(serve, migrate, engine)
	root.RunE = serve.RunE
	return root
}

func withConfig(configFile string, run func(*config.Config, *zap.Logger) error) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Error("command failed", zap.Error(err))
		return err
	}
	return nil
}

func runMigrate(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := initDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db, logger)

	if err := repository.AutoMigrate(ctx, db); err != nil {
		return err
	}
	logger.Info("schema up to date", zap.String("driver", cfg.Database.Driver))
	return nil
}

func runEngine(cfg *config.Config, addr string, logger *zap.Logger) error {
	labelSet, err := cfg.LabelSet()
	if err != nil {
		return err
	}
	engine, err := loadModel(cfg.Model, labelSet, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	server := grpc.NewServer()
	grpcclient.RegisterClassifierServer(server, engine, cfg.Model.InputSize, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(listener) }()
	logger.Info("classifier engine listening", zap.String("addr", listener.Addr().String()))

	sigCh, stopSignals := shutdownSignals(nil)
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		server.GracefulStop()
		return nil
	}
}
