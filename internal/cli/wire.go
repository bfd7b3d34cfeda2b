package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/config"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/crypto"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/events"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/observability"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/policy"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/store"
)

var errNoKeys = errors.New("no signing keys: set CDA_KEYSTORE or CDA_SECRET")

func newLogger(cfg *config.Config) *slog.Logger {
	return config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
}

// openStore connects the configured record store. Without DATABASE_URL the
// Gate runs in lite mode on a local SQLite file.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("memory store: executed intents are lost on restart")
		return store.NewMemoryStore(), nil

	case config.StoreSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		s, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("lite mode: using sqlite", "path", cfg.SQLitePath)
		return s, nil

	case config.StorePostgres:
		s, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("postgres: connected")
		return s, nil

	case config.StoreRedis:
		s, err := store.OpenRedis(ctx, store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TLS:      cfg.RedisTLS,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("redis: connected", "addr", cfg.RedisAddr)
		return s, nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// loadKeystore prefers a keystore file and falls back to keys derived from
// CDA_SECRET for the configured protocol tag.
func loadKeystore(cfg *config.Config) (*crypto.Keystore, error) {
	switch {
	case cfg.KeystorePath != "":
		return crypto.LoadKeystore(cfg.KeystorePath)
	case cfg.Secret != "":
		return crypto.DerivedKeystore(cfg.TokenFormat, []byte(cfg.Secret), cfg.ProtocolVersion)
	}
	return nil, errNoKeys
}

// keystoreFor resolves --keystore, then the environment.
func keystoreFor(path string) (*crypto.Keystore, error) {
	if path != "" {
		return crypto.LoadKeystore(path)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return loadKeystore(cfg)
}

// loadPolicy returns the built-in baseline, or the policy file. When watch
// is set the file is recompiled on change until ctx ends.
func loadPolicy(ctx context.Context, path string, watch bool, logger *slog.Logger) (policy.Evaluator, error) {
	if path == "" {
		return policy.NewBaseline(), nil
	}
	if !watch {
		return policy.LoadFile(path)
	}
	r, err := policy.NewReloader(path, logger)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := r.Watch(ctx); err != nil {
			logger.Error("policy watcher stopped", "error", err)
		}
	}()
	return r, nil
}

func openPublisher(cfg *config.Config, logger *slog.Logger) (events.Publisher, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return events.Discard{}, nil
	}
	p, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, Logger: logger})
	if err != nil {
		return nil, err
	}
	logger.Info("kafka: publishing execution events", "topic", cfg.KafkaTopic)
	return p, nil
}

func newTelemetry(ctx context.Context, cfg *config.Config, service string) (*observability.Provider, error) {
	oc := observability.DefaultConfig(service)
	oc.ServiceVersion = Version
	oc.Enabled = cfg.OTelEnabled
	oc.Endpoint = cfg.OTelEndpoint
	return observability.New(ctx, oc)
}
