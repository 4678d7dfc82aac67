package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/zaichik-broker/internal/broker"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides BROKER_LOG_LEVEL)")
	flag.Parse()

	cfg, err := broker.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := broker.NewLogger(broker.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogFields(logger)

	srv, err := broker.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct server")
	}
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("signal received, shutting down")
	if err := srv.Shutdown(30 * time.Second); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}
