package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/meshlink/internal/auth"
	"github.com/danmuck/meshlink/internal/bridge"
	"github.com/danmuck/meshlink/internal/client"
	"github.com/danmuck/meshlink/internal/logging"
	"github.com/danmuck/meshlink/internal/server"
	"github.com/danmuck/meshlink/internal/storage"
	"github.com/danmuck/meshlink/internal/storage/badgerstore"
	"github.com/danmuck/meshlink/internal/storage/memstore"
	"github.com/danmuck/meshlink/internal/storage/postgres"
	"github.com/danmuck/meshlink/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	path := flag.String("config", "cmd/meshctl/config.toml", "path to meshctl config")
	flag.Parse()

	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "meshctl: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := loadServiceConfig(path)
	if err != nil {
		return err
	}
	logging.ConfigureWith(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("meshctl.run store close")
		}
	}()
	writer := storage.NewWriter(store, storage.DefaultWriterBuffer)
	defer writer.Close()

	selector := transport.NewPendingSelector()
	c := client.New(cfg.Client, newFactory(cfg, selector), writer)
	defer c.Close()

	nodes, messages, err := storage.Load(ctx, store, cfg.MessageHistory)
	if err != nil {
		return err
	}
	if err := c.Seed(nodes, messages); err != nil {
		return err
	}
	log.Info().
		Str("backend", cfg.StorageBackend).
		Int("nodes", len(nodes)).
		Int("messages", len(messages)).
		Msg("meshctl.run seeded")

	srv := server.New(c, server.Options{
		Name:         cfg.Device,
		Addr:         cfg.ListenAddr,
		CORSOrigins:  cfg.CORSOrigins,
		Auth:         buildValidator(cfg),
		Selector:     selector,
		ProfilesPath: cfg.ProfilesPath,
	})

	var exporter *bridge.Bridge
	if cfg.NATS.URL != "" {
		nc, err := bridge.Dial(cfg.NATS)
		if err != nil {
			return err
		}
		defer nc.Close()
		exporter = bridge.New(nc, cfg.Device, c)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })

	if exporter != nil {
		notes, cancel := c.Watch(256)
		g.Go(func() error {
			defer cancel()
			if err := exporter.Run(gctx, notes); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if cfg.ProfilesPath != "" {
		notes, cancel := c.Watch(16)
		g.Go(func() error {
			defer cancel()
			rememberConnections(gctx, c, cfg.ProfilesPath, notes)
			return nil
		})
		if cfg.AutoConnect {
			g.Go(func() error {
				autoConnect(gctx, c, cfg.ProfilesPath)
				return nil
			})
		}
	}

	err = g.Wait()
	c.Disconnect()
	log.Info().Err(err).Msg("meshctl.run stopped")
	return err
}

func openStore(ctx context.Context, cfg serviceConfig) (storage.Store, error) {
	switch cfg.StorageBackend {
	case storageMemory:
		return memstore.New(), nil
	case storagePostgres:
		return postgres.Open(ctx, cfg.StorageDSN)
	default:
		return badgerstore.Open(cfg.StoragePath)
	}
}

func newFactory(cfg serviceConfig, sel transport.Selector) *transport.Factory {
	f := transport.NewFactory()
	f.Register(transport.KindTCP, cfg.TCP)
	f.Register(transport.KindSerial, transport.SerialOpener{BaudRate: cfg.SerialBaud, Selector: sel})
	f.Register(transport.KindBLE, transport.BLEOpener{
		Backend:     transport.DefaultBLEBackend(),
		Selector:    sel,
		ScanTimeout: cfg.BLEScan,
	})
	return f
}

func buildValidator(cfg serviceConfig) auth.Validator {
	var validators auth.Any
	if cfg.AuthToken != "" {
		validators = append(validators, auth.StaticToken{Token: cfg.AuthToken})
	}
	if cfg.JWTSecret != "" {
		validators = append(validators, auth.NewJWT(cfg.JWTSecret))
	}
	if len(validators) == 0 {
		log.Warn().Str("addr", cfg.ListenAddr).Msg("meshctl.buildValidator api auth disabled")
		return nil
	}
	return validators
}
