package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	evbus "github.com/asaskevich/EventBus"

	"github.com/better-wallet/keybroker/internal/api"
	"github.com/better-wallet/keybroker/internal/app"
	"github.com/better-wallet/keybroker/internal/authstore"
	"github.com/better-wallet/keybroker/internal/config"
	"github.com/better-wallet/keybroker/internal/did"
	"github.com/better-wallet/keybroker/internal/eth"
	"github.com/better-wallet/keybroker/internal/keyexec"
	"github.com/better-wallet/keybroker/internal/keyring"
	"github.com/better-wallet/keybroker/internal/kvstore"
	"github.com/better-wallet/keybroker/internal/logger"
	"github.com/better-wallet/keybroker/internal/metadata"
	"github.com/better-wallet/keybroker/internal/metrics"
	"github.com/better-wallet/keybroker/internal/notify"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(cfg.LogFormat, cfg.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx := context.Background()

	kv, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	slog.Info("opened store", "backend", cfg.StoreBackend, "seal", cfg.SealProvider)

	scrypt := keyring.StandardScrypt
	if cfg.KeystoreLightScrypt {
		scrypt = keyring.LightScrypt
	}
	keys := keyring.New(kv, scrypt)
	signer := keyexec.NewEthSigner()

	// DID flows need the registry; without it they fail with on_chain_error
	var ledger did.Ledger
	if cfg.DidRegistryAddress != "" {
		client, err := eth.Dial(cfg.ChainRPCURL)
		if err != nil {
			slog.Error("failed to connect to chain", "error", err)
			os.Exit(1)
		}
		defer client.Close()

		registry, err := eth.NewRegistry(client, cfg.DidRegistryAddress)
		if err != nil {
			slog.Error("failed to bind DID registry", "error", err)
			os.Exit(1)
		}
		ledger = registry
		slog.Info("bound DID registry", "address", cfg.DidRegistryAddress)
	} else {
		slog.Warn("no DID registry configured")
	}
	dids := did.NewService(kv, keys, ledger, signer, scrypt)

	auth, err := authstore.New(ctx, kv)
	if err != nil {
		slog.Error("failed to load authorizations", "error", err)
		os.Exit(1)
	}
	meta, err := metadata.New(ctx, kv)
	if err != nil {
		slog.Error("failed to load metadata", "error", err)
		os.Exit(1)
	}

	bus := evbus.New()
	m := metrics.New()
	broker := app.NewBroker(app.Deps{
		Auth:      auth,
		Keyring:   keys,
		Dids:      dids,
		Metadata:  meta,
		Signer:    signer,
		Bus:       bus,
		Surface:   notify.NewEventSurface(bus),
		Metrics:   m,
		UnlockTTL: cfg.UnlockCacheTTL,
	})

	if cfg.MetadataFamiliesFile != "" {
		raw, err := os.ReadFile(cfg.MetadataFamiliesFile)
		if err != nil {
			slog.Error("failed to read chain families", "path", cfg.MetadataFamiliesFile, "error", err)
			os.Exit(1)
		}
		families, err := metadata.LoadFamilies(raw)
		if err != nil {
			slog.Error("failed to parse chain families", "path", cfg.MetadataFamiliesFile, "error", err)
			os.Exit(1)
		}
		if err := broker.ReconcileMetadata(ctx, families); err != nil {
			slog.Error("failed to reconcile metadata", "error", err)
			os.Exit(1)
		}
	}

	server, err := api.NewServer(cfg, broker, m)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("server error", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		slog.Info("received shutdown signal", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("error during shutdown", "error", err)
			slog.Warn("forcing shutdown")
		}

		slog.Info("server stopped")
	}
}

// openStore opens the configured backend and seals it when a provider is set
func openStore(cfg *config.Config) (kvstore.Store, error) {
	var (
		inner kvstore.Store
		err   error
	)
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		inner, err = kvstore.NewPostgresStore(cfg.PostgresDSN)
	default:
		inner, err = kvstore.NewBadgerStore(kvstore.BadgerConfig{
			Dir:        cfg.BadgerDir,
			InMemory:   cfg.BadgerInMemory,
			SyncWrites: true,
		})
	}
	if err != nil {
		return nil, err
	}

	sealer, err := keyexec.NewKMSProvider(&keyexec.KMSConfig{
		Provider:        cfg.SealProvider,
		LocalMasterKey:  cfg.SealLocalMasterKey,
		AWSKMSKeyID:     cfg.SealAWSKMSKeyID,
		AWSKMSRegion:    cfg.SealAWSRegion,
		VaultAddress:    cfg.SealVaultAddress,
		VaultToken:      cfg.SealVaultToken,
		VaultTransitKey: cfg.SealVaultTransitKey,
	})
	if err != nil {
		_ = inner.Close()
		return nil, err
	}
	if sealer == nil {
		return inner, nil
	}
	return kvstore.NewSealedStore(inner, sealer), nil
}
