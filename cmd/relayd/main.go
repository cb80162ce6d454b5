package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/tetherd/tetherd/internal/config"
	"github.com/tetherd/tetherd/internal/identity"
	"github.com/tetherd/tetherd/internal/keystore"
	"github.com/tetherd/tetherd/internal/logging"
	"github.com/tetherd/tetherd/internal/relay"
	"github.com/tetherd/tetherd/internal/server"
)

// authSecretID names the keystore secret holding the relay's HMAC key.
const authSecretID = "relay/auth-secret"

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	passphrase, err := cfg.Passphrase()
	if err != nil {
		logger.Fatal("keystore passphrase unavailable", zap.Error(err))
	}

	backend := keystore.NewFileBackend(cfg.Keystore.Path)
	initOrUnlockKeystore(logger, backend, passphrase)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auth, err := loadAuthenticator(ctx, backend)
	if err != nil {
		logger.Fatal("load auth secret", zap.Error(err))
	}

	var trust relay.TrustChecker
	if cfg.Relay.TrustPath != "" {
		store, err := identity.LoadTrustStore(cfg.Relay.TrustPath)
		if err != nil {
			logger.Fatal("load trust store", zap.Error(err))
		}
		logger.Info("trust store loaded",
			zap.String("path", cfg.Relay.TrustPath), zap.Int("grants", len(store.List())))
		trust = store
	} else {
		logger.Warn("no trust file configured; any authenticated device is accepted")
	}

	srv := server.NewRelayServer(cfg, logging.Component(logger, "server"), auth, trust)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func initOrUnlockKeystore(log *zap.Logger, backend *keystore.FileBackend, passphrase string) {
	ctx := context.Background()
	if err := backend.Unlock(ctx, passphrase); err != nil {
		if errors.Is(err, keystore.ErrNotInitialized) {
			if err := backend.Initialize(ctx, passphrase); err != nil {
				log.Fatal("initialize keystore", zap.Error(err))
			}
			log.Info("initialized new keystore", zap.String("path", backend.Path()))
			return
		}
		log.Fatal("unlock keystore", zap.Error(err))
		return
	}
	log.Info("keystore unlocked")
}

// loadAuthenticator fetches the relay's HMAC secret from the keystore,
// generating and persisting one on first boot.
func loadAuthenticator(ctx context.Context, backend keystore.KeyBackend) (*server.HMACAuthenticator, error) {
	secret, err := backend.LoadSecret(ctx, authSecretID)
	if errors.Is(err, os.ErrNotExist) {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate auth secret: %w", err)
		}
		if err := backend.StoreSecret(ctx, authSecretID, secret); err != nil {
			return nil, fmt.Errorf("persist auth secret: %w", err)
		}
	} else if err != nil {
		return nil, err
	}
	return server.NewHMACAuthenticator(secret)
}
