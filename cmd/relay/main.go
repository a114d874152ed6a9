// Command relay runs one Marlin pub/sub relay node: it loads configuration,
// a persisted keypair, and starts the pub/sub listener and discovery
// client. Mirrors the teacher's run.go (flag-parsed config path,
// defer logger.Sync(), WaitGroup-joined startup) with controller.Listen's
// per-rule dispatch replaced by node.Relay's single pub/sub instance.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"marlin-relay/internal/config"
	"marlin-relay/internal/eventloop"
	"marlin-relay/internal/keystore"
	"marlin-relay/internal/node"
	"marlin-relay/internal/obs"
)

func main() {
	confPath := flag.String("config", "config/relay.json", "Path to config file")
	flag.Parse()

	if err := config.Load(*confPath); err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Global

	logger := obs.NewLogger(cfg.Log)
	defer logger.Sync()

	keys, err := keystore.Load(cfg.Datadir)
	if err != nil {
		logger.Error("failed to load keystore", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("marlin relay starting",
		zap.Uint16("pubsub_port", cfg.PubsubPort),
		zap.Uint16("discovery_port", cfg.DiscoveryPort),
		zap.Strings("channels", cfg.Channels))

	relay, err := node.New(eventloop.New(), logger, cfg, keys, nil)
	if err != nil {
		logger.Error("failed to construct relay", zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := relay.Run(ctx); err != nil {
		logger.Error("relay exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("marlin relay shut down")
}
