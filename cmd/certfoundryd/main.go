package main

import (
	"os"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certfoundry/internal/config"
	"github.com/blockadesystems/certfoundry/internal/lifecycle"
	"github.com/blockadesystems/certfoundry/internal/server"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(l)
	logger = l.With(zap.String("package", "main"))
}

func main() {
	var (
		configFile string
		address    string
	)

	rootCmd := &cobra.Command{
		Use:   "certfoundryd",
		Short: "Automated ACME certificate lifecycle daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile, address)
		},
	}
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "configuration file (optional; env vars apply either way)")
	rootCmd.Flags().StringVarP(&address, "listen", "l", ":8443", "control API listen address")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configFile, address string) error {
	settings, err := config.Load(configFile)
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))
		return err
	}
	logger.Info("certfoundry starting",
		zap.Bool("acme_enabled", settings.GetBool(config.KeyEnableClient)),
		zap.String("directory_endpoint", settings.GetString(config.KeyDirectoryEndpoint)))

	manager := lifecycle.New(settings, func(paths config.CertificatePaths) {
		// The host's TLS listeners reload from these paths.
		logger.Info("certificate updated",
			zap.String("cert", paths.Cert), zap.String("key", paths.Key))
	})
	defer manager.Close()

	e := echo.New()
	server.ApplyCommonMiddleware(e)
	server.RegisterRoutes(e.Group("/acme"), manager, settings)

	logger.Info("control API listening", zap.String("address", address))
	if err := e.Start(address); err != nil {
		logger.Error("control API server exited", zap.Error(err))
		return err
	}
	return nil
}
