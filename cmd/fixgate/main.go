package main

import (
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	gateerrors "github.com/Aidin1998/fixgate/common/errors"
	"github.com/Aidin1998/fixgate/internal/gateway"
	"github.com/Aidin1998/fixgate/internal/infrastructure/config"
	"github.com/Aidin1998/fixgate/pkg/logger"
)

// Exit codes: 0 normal shutdown, 1 startup failure, 2 configuration invalid.
const (
	exitOK            = 0
	exitStartupFailed = 1
	exitConfigInvalid = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", os.Getenv("FIXGATE_CONFIG"), "path to fixgate.yaml")
	flag.Parse()

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Printf("failed to create logger: %v", err)
		return exitStartupFailed
	}
	defer zapLogger.Sync()

	var paths []string
	if *configPath != "" {
		paths = append(paths, *configPath)
	}
	cfg, err := config.LoadConfig(zapLogger, paths...)
	if err != nil {
		zapLogger.Error("configuration failed", zap.Error(err))
		if errors.Is(err, gateerrors.ErrConfigInvalid) {
			return exitConfigInvalid
		}
		return exitStartupFailed
	}

	engine, err := gateway.NewEngine(cfg, zapLogger)
	if err != nil {
		zapLogger.Error("engine startup failed", zap.Error(err))
		return exitStartupFailed
	}
	engine.Start()
	zapLogger.Info("fixgate started", zap.String("listen", engine.Addr()))

	var admin *gateway.AdminServer
	if cfg.Admin.Enabled {
		admin = gateway.NewAdminServer(engine, cfg.Admin.ListenAddr, zapLogger)
		go func() {
			if err := admin.Start(); err != nil {
				zapLogger.Error("admin server failed", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zapLogger.Info("shutting down", zap.String("signal", sig.String()))

	if admin != nil {
		admin.Shutdown()
	}
	if err := engine.Close(); err != nil {
		zapLogger.Error("shutdown failed", zap.Error(err))
		return exitStartupFailed
	}
	return exitOK
}
