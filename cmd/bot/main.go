package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mqr-labs/keybar-bot/internal/broker"
	"github.com/mqr-labs/keybar-bot/internal/candles"
	"github.com/mqr-labs/keybar-bot/internal/config"
	"github.com/mqr-labs/keybar-bot/internal/ledger"
	"github.com/mqr-labs/keybar-bot/internal/monitor"
	"github.com/mqr-labs/keybar-bot/internal/news"
	"github.com/mqr-labs/keybar-bot/internal/retry"
	"github.com/mqr-labs/keybar-bot/internal/schedule"
	"github.com/mqr-labs/keybar-bot/internal/strategy"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags)
	logger.Printf("Starting bot: %d symbol(s), strategy %q, server %s",
		len(cfg.Symbols), cfg.Strategy.Name, cfg.MT5.Server)

	bot, err := newBot(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize: %v", err)
	}
	defer bot.store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping bot...")
		cancel()
	}()

	if err := bot.Run(ctx); err != nil {
		logger.Fatalf("Bot error: %v", err)
	}
	logger.Println("Bot stopped")
}

// newBot wires the bridge, ledger, news gate, scheduler, pipeline, and
// monitor from the loaded config.
func newBot(cfg *config.Config, logger *log.Logger) (*Bot, error) {
	bridge := broker.NewBridgeClient(cfg.MT5.BridgeURL, cfg.MT5.Login, logger)
	gateway := broker.NewCircuitBreakerGateway(bridge)
	retrier := retry.NewClient(gateway, logger)

	var store ledger.Interface
	if cfg.Database.Enabled {
		pg, err := ledger.NewPostgres(context.Background(), cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to ledger database: %w", err)
		}
		store = pg
		// Warnings and failures survive restarts in the logs table.
		logger.SetOutput(ledger.NewSink(os.Stdout, store))
	} else {
		logger.Println("Database disabled, orders tracked in memory only")
		store = ledger.NewMemory()
	}

	scraper := news.NewScraper(logger)
	gate := news.NewGate(scraper.Events, logger)

	sched, err := schedule.New(cfg.Schedule, cfg.Strategy.Name, logger)
	if err != nil {
		return nil, fmt.Errorf("building strategy schedule: %w", err)
	}

	reader := candles.NewReader(gateway, logger)

	return &Bot{
		cfg:      cfg,
		gateway:  gateway,
		store:    store,
		gate:     gate,
		sched:    sched,
		pipeline: strategy.New(gateway, retrier, reader, gate, store, cfg, logger),
		monitor:  monitor.New(gateway, retrier, store, cfg, logger),
		logger:   logger,
		ny:       config.Location("America/New_York"),
	}, nil
}
