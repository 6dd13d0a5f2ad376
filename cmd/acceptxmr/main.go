package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/busyboredom/acceptxmr/internal/api"
	"github.com/busyboredom/acceptxmr/internal/callback"
	"github.com/busyboredom/acceptxmr/internal/config"
	"github.com/busyboredom/acceptxmr/internal/gateway"
	"github.com/busyboredom/acceptxmr/internal/models"
	"github.com/busyboredom/acceptxmr/internal/notifier"
	"github.com/busyboredom/acceptxmr/internal/storage"
	"github.com/busyboredom/acceptxmr/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "acceptxmr",
		Usage: "AcceptXMR is a non-custodial Monero payment gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "daemon-url", Aliases: []string{"d"}, Usage: "Monero daemon URL"},
			&cli.StringFlag{Name: "db-backend", Aliases: []string{"b"}, Usage: "Storage backend (bolt, postgres, memory)"},
			&cli.StringFlag{Name: "db-path", Aliases: []string{"p"}, Usage: "Database path for the bolt backend"},
			&cli.IntFlag{Name: "api-port", Aliases: []string{"P"}, Usage: "Merchant API port"},
			&cli.Uint64Flag{Name: "restore-height", Aliases: []string{"r"}, Usage: "Wallet restore height"},
			&cli.IntFlag{Name: "scan-interval-ms", Aliases: []string{"i"}, Usage: "Scan interval in milliseconds"},
			&cli.BoolFlag{Name: "development", Aliases: []string{"D"}, Usage: "Development mode"},
		},
		Action: func(c *cli.Context) error {
			return run(c)
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override with flags if set
	if c.IsSet("daemon-url") {
		cfg.DaemonURL = c.String("daemon-url")
	}
	if c.IsSet("db-backend") {
		cfg.DBBackend = c.String("db-backend")
	}
	if c.IsSet("db-path") {
		cfg.DBPath = c.String("db-path")
	}
	if c.IsSet("api-port") {
		cfg.APIPort = c.Int("api-port")
	}
	if c.IsSet("restore-height") {
		height := c.Uint64("restore-height")
		cfg.RestoreHeight = &height
	}
	if c.IsSet("scan-interval-ms") {
		cfg.ScanInterval = time.Duration(c.Int("scan-interval-ms")) * time.Millisecond
	}
	if c.IsSet("development") {
		cfg.Development = c.Bool("development")
	}

	// Initialize logger
	logg, err := logger.NewLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Initialize storage
	store, err := openStorage(cfg, logg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	// Build the payment gateway
	builder := gateway.NewBuilder(cfg.PrivateViewKey, cfg.PrimaryAddress, store, logg).
		DaemonURL(cfg.DaemonURL).
		RPCTimeout(cfg.RPCTimeout).
		RPCConnectionTimeout(cfg.RPCConnectionTimeout).
		ScanInterval(cfg.ScanInterval).
		AccountIndex(cfg.AccountIndex).
		DeleteExpired(cfg.DeleteExpired).
		CallbackConfig(callback.Config{
			QueueSize:     cfg.CallbackQueueSize,
			MaxRetries:    cfg.CallbackMaxRetries,
			BaseDelay:     cfg.CallbackBaseDelay,
			BackoffFactor: cfg.CallbackBackoffFactor,
			MaxDelay:      cfg.CallbackMaxDelay,
		})
	if cfg.DaemonUser != "" || cfg.DaemonPassword != "" {
		builder = builder.DaemonLogin(cfg.DaemonUser, cfg.DaemonPassword)
	}
	if cfg.RestoreHeight != nil {
		builder = builder.InitialHeight(*cfg.RestoreHeight)
	}
	if cfg.Seed != nil {
		builder = builder.Seed(*cfg.Seed)
	}
	gw, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to build payment gateway: %w", err)
	}

	if err := gw.Run(); err != nil {
		return fmt.Errorf("failed to start payment gateway: %w", err)
	}

	// Optional merchant notifications over Telegram
	notifierCtx, cancelNotifier := context.WithCancel(context.Background())
	defer cancelNotifier()
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		telegram, err := notifier.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID, logg.Named("telegram"))
		if err != nil {
			return fmt.Errorf("failed to initialize telegram notifier: %w", err)
		}
		go telegram.Run(notifierCtx, gw.SubscribeAll())
	}

	// Start the merchant API
	apiServer := api.NewHTTPServer(gw, cfg.APIPort, logg.Named("api"), cfg.Development)
	go apiServer.Start()

	// Wait for shutdown
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
	logg.Info("Shutdown signal received")

	if err := apiServer.Shutdown(); err != nil {
		logg.Error("Failed to shut down API server: ", err)
	}
	cancelNotifier()
	if err := gw.Close(); err != nil {
		logg.Error("Failed to close payment gateway: ", err)
	}
	return nil
}

func openStorage(cfg *config.Config, logg *logger.Logger) (models.Storage, error) {
	switch cfg.DBBackend {
	case config.BackendBolt:
		return storage.NewBolt(cfg.DBPath, logg.Named("storage"))
	case config.BackendPostgres:
		return storage.NewPostgres(cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDB, cfg.PostgresHost, cfg.PostgresPort, logg.Named("storage"))
	case config.BackendMemory:
		return storage.NewInMemory(), nil
	default:
		return nil, fmt.Errorf("unrecognized storage backend %q", cfg.DBBackend)
	}
}
