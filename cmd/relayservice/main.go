/*
File: cmd/relayservice/main.go
Description: Main entrypoint for the presence relay.
Handles config loading, dependency injection, and starting the application.
*/
package main

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-presence-relay/internal/app"
	"github.com/tinywideclouds/go-presence-relay/internal/platform/discovery"
	"github.com/tinywideclouds/go-presence-relay/internal/test/fakes"
	"github.com/tinywideclouds/go-presence-relay/relayservice"
	"github.com/tinywideclouds/go-presence-relay/relayservice/config"
)

//go:embed config.yaml
var configFile []byte

func main() {
	// 1. Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "go-presence-relay").Logger()

	// 2. Load .env file for the current RELAY_ENV
	if path, err := config.LoadDotEnv("."); err != nil {
		logger.Fatal().Err(err).Msg("Failed to load .env file")
	} else if path != "" {
		logger.Info().Str("path", path).Msg("Loaded environment file")
	}

	// 3. Load Configuration (Stage 0: Unmarshal)
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Fatal().Err(err).Msg("Failed to unmarshal embedded yaml config")
	}

	// 4. Build Base Config (Stage 1: YAML to Base Struct)
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build base configuration from YAML")
	}

	// 5. Apply Overrides & Validate (Stage 2: Env Vars)
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to finalize configuration with environment overrides")
	}
	if cfg.LogLevel != "" {
		level, _ := zerolog.ParseLevel(cfg.LogLevel) // validated in stage 2
		zerolog.SetGlobalLevel(level)
	}

	// 6. Create dependencies
	ctx := context.Background()
	deps, cleanup, err := newDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize dependencies")
	}
	defer cleanup()

	// 7. Create the service
	service, err := relayservice.New(cfg, deps, logger.With().Str("component", "RelayService").Logger())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create relay service")
		cleanup()
		os.Exit(1)
	}

	announcer, err := newAnnouncer(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create service announcer")
		cleanup()
		os.Exit(1)
	}

	// 8. Run the application
	app.Run(ctx, logger, service, service.ConnectionManager(), announcer)
}

// newAnnouncer returns the discovery announcer. Eureka is used when
// enabled; local runs announce to a no-op registry; otherwise nil.
func newAnnouncer(cfg *config.AppConfig, logger zerolog.Logger) (app.Announcer, error) {
	if !cfg.Eureka.Enabled {
		if cfg.RunMode == config.RunModeLocal {
			return discovery.NewAnnouncer(fakes.NewServiceRegistry(logger), cfg.Eureka.HeartbeatInterval, logger)
		}
		return nil, nil
	}

	apiPort, err := strconv.Atoi(cfg.APIPort)
	if err != nil {
		return nil, fmt.Errorf("invalid api port %q: %w", cfg.APIPort, err)
	}
	client, err := discovery.NewEurekaClient(discovery.EurekaConfig{
		Host:        cfg.Eureka.Host,
		Port:        cfg.Eureka.Port,
		ServicePath: cfg.Eureka.ServicePath,
		App:         cfg.ServiceName,
		ServerIP:    cfg.ServerIP,
		ServicePort: apiPort,
		Protocol:    cfg.Protocol,
	}, nil, logger)
	if err != nil {
		return nil, err
	}
	return discovery.NewAnnouncer(client, cfg.Eureka.HeartbeatInterval, logger)
}
