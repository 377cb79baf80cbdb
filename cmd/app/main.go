package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Bafix001/zibridge/internal/adapters/connectors"
	sqliteadapter "github.com/Bafix001/zibridge/internal/adapters/db/sqlite"
	httpadapter "github.com/Bafix001/zibridge/internal/adapters/http"
	rpcadapter "github.com/Bafix001/zibridge/internal/adapters/rpcjson"
	"github.com/Bafix001/zibridge/internal/application"
	"github.com/Bafix001/zibridge/internal/config"
	"github.com/Bafix001/zibridge/internal/lock"
	"github.com/Bafix001/zibridge/internal/logging"
	"github.com/Bafix001/zibridge/internal/telemetry"
	"github.com/urfave/cli/v3"
)

var version = "dev"

func main() {
	args := os.Args
	if len(args) == 1 {
		args = append(args, "--help")
	}

	root := &cli.Command{
		Name:    "zibridge",
		Usage:   "CRM snapshot, diff and selective restore engine",
		Version: version,
		Commands: []*cli.Command{
			serverCommand(),
			configCommand(),
			keysCommand(),
			projectsCommand(),
			snapshotsCommand(),
			diffCommand(),
			restoreCommand(),
			syncCommand(),
			entitiesCommand(),
			associationsCommand(),
			auditCommand(),
			statsCommand(),
		},
	}

	if err := root.Run(context.Background(), args); err != nil {
		log.Fatal(err)
	}
}

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Run the HTTP API and the JSON-RPC socket",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "YAML or JSON config file"},
			&cli.StringFlag{Name: "addr", Usage: "HTTP listen address (default :8000)"},
			&cli.StringFlag{Name: "socket", Usage: "JSON-RPC unix socket path"},
			&cli.StringFlag{Name: "db", Usage: "SQLite database path"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: "redis-addr", Usage: "share capture locks through redis"},
			&cli.StringFlag{Name: "otel-endpoint", Usage: "OTLP/HTTP trace endpoint"},
			&cli.BoolFlag{Name: "otel-insecure"},
			&cli.IntFlag{Name: "capture-batch-size"},
			&cli.StringSliceFlag{Name: "ignore-field", Usage: "field excluded from comparisons (repeatable)"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := config.Default()
			if path := c.String("config"); path != "" {
				loaded, err := config.LoadFromFile(path)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			cfg.LoadFromEnv()
			cfg.MergeWithFlags(map[string]any{
				"addr":               c.String("addr"),
				"socket":             c.String("socket"),
				"db":                 c.String("db"),
				"log_level":          c.String("log-level"),
				"redis_addr":         c.String("redis-addr"),
				"otel_endpoint":      c.String("otel-endpoint"),
				"otel_insecure":      c.Bool("otel-insecure"),
				"capture_batch_size": c.Int("capture-batch-size"),
				"ignore_fields":      c.StringSlice("ignore-field"),
			})
			cfg.SetDefaults()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServer(ctx, cfg)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.OTELService, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	db, err := sqliteadapter.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	if err := sqliteadapter.RunMigrations(ctx, db); err != nil {
		return err
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		rl, err := lock.NewRedis(ctx, cfg.RedisAddr, cfg.LockKeyspace,
			time.Duration(cfg.LockTTLSec)*time.Second, time.Duration(cfg.LockWaitSec)*time.Second, logger.Named("lock"))
		if err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		defer func() { _ = rl.Close() }()
		locker = rl
		logger.Infow("capture locks shared through redis", "addr", cfg.RedisAddr)
	}

	factory := connectors.NewFactory(*cfg, logger.Named("connectors"))
	engine := application.NewEngine(sqliteadapter.NewRepository(db), application.Options{
		Logger:       logger,
		Locker:       locker,
		Sinks:        factory.Sink,
		APIKeys:      cfg.APIKeys,
		IgnoreFields: cfg.IgnoreFields,
		SystemFields: cfg.SystemFields,
		Snapshot: application.SnapshotConfig{
			BatchSize: cfg.CaptureBatchSize,
			CacheSize: cfg.SnapshotCacheSize,
			CacheTTL:  time.Duration(cfg.SnapshotCacheTTLSec) * time.Second,
		},
		Restore: application.RestoreConfig{
			WarnUpdatesThreshold: cfg.WarnUpdatesThreshold,
			WarnCreatesThreshold: cfg.WarnCreatesThreshold,
		},
	})
	defer engine.Close()

	// Captures and syncs started over HTTP live until shutdown. Deferred after
	// engine.Close so it is cancelled first.
	backgroundCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBackground()

	if err := engine.RecoverStale(ctx); err != nil {
		logger.Warnw("stale work recovery failed", "err", err)
	}

	router := httpadapter.NewRouter(engine, factory, httpadapter.Options{
		Version:        version,
		Logger:         logger.Named("http"),
		MaxUploadBytes: cfg.UploadMaxBytes,
		BaseContext:    backgroundCtx,
		SchemaVersion: func(ctx context.Context) (int64, error) {
			return sqliteadapter.MigrationVersion(ctx, db)
		},
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	rpcSrv, err := rpcadapter.Start(cfg.SocketPath, engine, factory, logger.Named("rpc"))
	if err != nil {
		return err
	}
	defer func() { _ = rpcSrv.Close() }()
	logger.Infow("json-rpc listening", "socket", cfg.SocketPath)

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("server listening", "addr", srv.Addr, "db", cfg.DBPath)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infow("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "CLI client settings (~/.zibridge/config.json)",
		Commands: []*cli.Command{
			{
				Name:  "set",
				Usage: "Update transport, server, socket or API key",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "transport", Usage: "uds or http"},
					&cli.StringFlag{Name: "server", Usage: "HTTP base URL"},
					&cli.StringFlag{Name: "socket", Usage: "JSON-RPC unix socket path"},
					&cli.StringFlag{Name: "token", Usage: "API key sent as a bearer token"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					if v := c.String("transport"); v != "" {
						if v != "uds" && v != "http" {
							return fmt.Errorf("transport must be uds or http")
						}
						cfg.Transport = v
					}
					if v := c.String("server"); v != "" {
						cfg.Server = v
					}
					if v := c.String("socket"); v != "" {
						cfg.Socket = v
					}
					if c.IsSet("token") {
						cfg.Token = c.String("token")
					}
					if err := saveConfig(cfg); err != nil {
						return err
					}
					fmt.Println("config saved")
					return nil
				},
			},
			{
				Name:  "show",
				Usage: "Print the current settings",
				Flags: []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "output raw JSON"}},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					if cfg.Token != "" {
						cfg.Token = "***"
					}
					if c.Bool("json") {
						return printJSON(cfg)
					}
					path, _ := configPath()
					printKV([][2]string{
						{"file", path},
						{"transport", cfg.Transport},
						{"server", cfg.Server},
						{"socket", cfg.Socket},
						{"token", cfg.Token},
					})
					return nil
				},
			},
		},
	}
}

func keysCommand() *cli.Command {
	return &cli.Command{
		Name:  "keys",
		Usage: "API key helpers",
		Commands: []*cli.Command{
			{
				Name:  "generate",
				Usage: "Create an API key and the digest to list under api_keys",
				Action: func(ctx context.Context, c *cli.Command) error {
					plain, digest, err := application.GenerateAPIKey()
					if err != nil {
						return err
					}
					printKV([][2]string{{"key", plain}, {"api_keys entry", digest}})
					return nil
				},
			},
		},
	}
}
