package bootstrap

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/iceos-ai/iceos/common/config"
	"github.com/iceos-ai/iceos/common/db"
	"github.com/iceos-ai/iceos/common/logger"
	rediswrap "github.com/iceos-ai/iceos/common/redis"
	"github.com/iceos-ai/iceos/common/telemetry"
)

// Setup initializes all service components.
// This is the main entry point for the orchestrator process.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Service.LogLevel,
			components.Config.Service.LogFormat,
		)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", components.Config.Service.Environment,
	)

	// 3. Initialize Redis (authoritative store for blueprints, components,
	// run snapshots and event streams)
	if !options.skipRedis {
		raw := goredis.NewClient(&goredis.Options{
			Addr:     components.Config.Redis.Addr,
			Password: components.Config.Redis.Password,
			DB:       components.Config.Redis.DB,
		})
		if err := raw.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		components.Redis = rediswrap.NewClient(raw, components.Logger)
		components.addCleanup(func() error {
			components.Logger.Info("closing redis connection")
			return raw.Close()
		})
	}

	// 4. Initialize the Postgres run archive when configured
	if !options.skipDB && components.Config.Archive.Enabled {
		components.Logger.Info("connecting to run archive database")
		components.DB, err = db.New(ctx, components.Config.Archive.URL, components.Logger)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		components.addCleanup(func() error {
			components.DB.Close()
			return nil
		})
	}

	// 5. Optional pprof listener
	if port := components.Config.Telemetry.PprofPort; port > 0 {
		telemetry.New(port, components.Logger).Start()
	}

	components.Logger.Info("service initialized")
	return components, nil
}
