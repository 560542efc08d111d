package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/goliatone/go-billing/adapters/zaplogger"
	"github.com/goliatone/go-billing/core"
	billingmigrations "github.com/goliatone/go-billing/migrations"
	sqlstore "github.com/goliatone/go-billing/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

type databaseConfig struct {
	core.DatabaseConfig
}

func (c databaseConfig) GetDebug() bool                { return c.Debug }
func (c databaseConfig) GetDriver() string             { return c.Driver }
func (c databaseConfig) GetServer() string             { return c.DSN }
func (c databaseConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c databaseConfig) GetOtelIdentifier() string     { return "go-billing" }

// environment is what every subcommand starts from.
type environment struct {
	config   core.Config
	logger   *zaplogger.Logger
	provider *zaplogger.Provider
	client   *persistence.Client
	stores   *sqlstore.RepositoryFactory
}

// loadConfig layers defaults, the JSON file, the dotenv file and the process
// environment, in that order.
func loadConfig(ctx context.Context, path string, envFile string) (core.Config, error) {
	values := map[string]any{}
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return core.Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(raw, &values); err != nil {
			return core.Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	environ, err := environWithDotenv(envFile)
	if err != nil {
		return core.Config{}, err
	}
	loader := core.EnvConfigLoader{Base: core.NewStaticConfigLoader(values), Environ: environ}
	return core.ResolveConfig(ctx, core.NewCfgxConfigProvider(loader), nil, core.Config{})
}

func environWithDotenv(path string) (func() []string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return os.Environ, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return os.Environ, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return func() []string {
		entries := make([]string, 0, len(values))
		for key, value := range values {
			if _, set := os.LookupEnv(key); set {
				continue
			}
			entries = append(entries, key+"="+value)
		}
		return append(entries, os.Environ()...)
	}, nil
}

func newEnvironment(ctx context.Context, flags *globalFlags) (*environment, error) {
	cfg, err := loadConfig(ctx, flags.configPath, flags.envFile)
	if err != nil {
		return nil, err
	}
	logger, err := zaplogger.NewProduction(flags.logLevel)
	if err != nil {
		return nil, err
	}
	client, err := openClient(cfg.Database)
	if err != nil {
		return nil, err
	}
	stores, err := sqlstore.NewRepositoryFactoryFromPersistence(client, sqlstore.WithQueueLease(cfg.QueueLease()))
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &environment{
		config:   cfg,
		logger:   logger,
		provider: zaplogger.NewProvider(logger),
		client:   client,
		stores:   stores,
	}, nil
}

func (e *environment) Close() error {
	if e == nil {
		return nil
	}
	var closeErr error
	if e.client != nil {
		closeErr = e.client.Close()
	}
	if e.logger != nil {
		// stderr sync fails on some terminals
		_ = e.logger.Sync()
	}
	return closeErr
}

func openClient(cfg core.DatabaseConfig) (*persistence.Client, error) {
	driver, dialect := resolveDialect(cfg.Driver)
	cfg.Driver = driver
	sqlDB, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == "sqlite3" {
		sqlDB.SetMaxOpenConns(1)
	}
	client, err := persistence.New(databaseConfig{DatabaseConfig: cfg}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("persistence client: %w", err)
	}
	return client, nil
}

func resolveDialect(driver string) (string, schema.Dialect) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pg":
		return "postgres", pgdialect.New()
	default:
		return "sqlite3", sqlitedialect.New()
	}
}

func migrationDialect(driver string) string {
	name, _ := resolveDialect(driver)
	return billingmigrations.DialectForDriver(name)
}

func runMigrations(ctx context.Context, env *environment) error {
	target := migrationDialect(env.config.Database.Driver)
	_, err := billingmigrations.Register(ctx, func(_ context.Context, _ string, _ string, fsys fs.FS) error {
		env.client.RegisterSQLMigrations(fsys)
		return nil
	}, billingmigrations.WithValidationTargets(target))
	if err != nil {
		return fmt.Errorf("register migrations: %w", err)
	}
	return env.client.Migrate(ctx)
}
