//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package config provides configuration management for flowpilotd using
// [Viper] for flexible configuration sources.
//
// Configuration can be provided via:
//   - YAML configuration files
//   - Environment variables with the FLOWPILOT_ prefix
//   - Programmatic defaults
//
// By default the engine looks for flowpilot-config.yaml in the current
// directory. Override the location using:
//
//	FLOWPILOT_CONFIG_PATH=/etc/flowpilot
//	FLOWPILOT_CONFIG_FILENAME=production-config
//
// [Viper]: https://github.com/spf13/viper
package config

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/flowpilot/flowpilot/internal/logging"
	"github.com/spf13/viper"
)

// Environment variable and default path constants for configuration loading.
const (
	EnvVarPrefix         string = "FLOWPILOT"
	ConfigPathEnv        string = "FLOWPILOT_CONFIG_PATH"
	ConfigFileNameEnv    string = "FLOWPILOT_CONFIG_FILENAME"
	ConfigDefaultPath    string = "."
	ConfigDefaultFilename string = "flowpilot-config"
)

// Configuration key constants for use with [VConfig]. Each corresponds to a
// FLOWPILOT_-prefixed environment variable (dots become underscores).
const (
	LogLevel string = "log.level"

	RuleEngineBaseURL string = "ruleengine.baseurl"
	DomainServiceBaseURL string = "domainservice.baseurl"

	ManifestDir string = "manifest.dir"

	DelegationDBDSN string = "delegation.db.dsn"
	PersonaDBDSN    string = "persona.db.dsn"

	RequestTimeout        string = "request.timeout"
	CORSOrigins           string = "cors.origins"
	RequestMaxBodyBytes   string = "request.maxbodybytes"
	RequestMaxStringLength string = "request.maxstringlength"

	AuthnAudience        string = "authn.audience"
	AuthnJWKSURL         string = "authn.jwksurl"
	AuthnTokenSigningKey string = "authn.tokensigningkey"
	AuthnExchangeTTL     string = "authn.exchangettl"

	CacheEnabled       string = "cache.enabled"
	CacheRedisURL      string = "cache.redisurl"
	CacheTTLPersona    string = "cache.ttl.persona"
	CacheTTLDelegation string = "cache.ttl.delegation"
	CacheTTLAuthz      string = "cache.ttl.authz"

	PersonaMaxPerUser string = "persona.maxpersonasperuser"

	ErrorIncludeDetails string = "error.includedetails"
)

var (
	once     sync.Once
	loadOnce sync.Once
	loadErr  error

	// VConfig is the global Viper configuration instance for flowpilotd.
	VConfig *viper.Viper
	logger  = logging.GetLogger("flowpilot.config")
)

// Init initializes the configuration system without loading config files.
// Safe to call multiple times; subsequent calls are no-ops.
func Init() {
	once.Do(func() {
		doInitialize()
	})
}

func getConfigPath() string {
	if p, ok := os.LookupEnv(ConfigPathEnv); ok {
		return p
	}
	return ConfigDefaultPath
}

func getConfigFileName() string {
	if n, ok := os.LookupEnv(ConfigFileNameEnv); ok {
		return n
	}
	return ConfigDefaultFilename
}

func doInitialize() {
	VConfig = viper.New()

	VConfig.AddConfigPath(getConfigPath())
	VConfig.SetConfigName(getConfigFileName())
	VConfig.SetConfigType("yaml")

	VConfig.SetEnvPrefix(EnvVarPrefix)
	VConfig.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	VConfig.AutomaticEnv()

	VConfig.SetDefault(LogLevel, ".:info")
	VConfig.SetDefault(RuleEngineBaseURL, "http://localhost:8181")
	VConfig.SetDefault(DomainServiceBaseURL, "http://localhost:8282")
	VConfig.SetDefault(ManifestDir, "./manifests")
	VConfig.SetDefault(DelegationDBDSN, "./flowpilot-delegations.db")
	VConfig.SetDefault(PersonaDBDSN, "./flowpilot-personas.db")
	VConfig.SetDefault(RequestTimeout, 5*time.Second)
	VConfig.SetDefault(CORSOrigins, "*")
	VConfig.SetDefault(RequestMaxBodyBytes, 1048576)
	VConfig.SetDefault(RequestMaxStringLength, 4096)
	VConfig.SetDefault(CacheEnabled, false)
	VConfig.SetDefault(CacheTTLPersona, 30*time.Second)
	VConfig.SetDefault(CacheTTLDelegation, 15*time.Second)
	VConfig.SetDefault(CacheTTLAuthz, 5*time.Second)
	VConfig.SetDefault(PersonaMaxPerUser, 20)
	VConfig.SetDefault(ErrorIncludeDetails, false)
	VConfig.SetDefault(AuthnTokenSigningKey, "")
	VConfig.SetDefault(AuthnExchangeTTL, 5*time.Minute)
}

// Load initializes configuration and loads settings from files and environment.
// Safe to call concurrently; subsequent calls after the first successful load
// are no-ops that return nil.
func Load() error {
	loadOnce.Do(func() {
		Init()

		earlyLoglevel := os.Getenv("FLOWPILOT_LOG_LEVEL")
		if earlyLoglevel != "" {
			if err := logging.UpdateLogLevels(earlyLoglevel); err != nil {
				logger.SysErrorf("failed updating early log level %s: %+v", earlyLoglevel, err)
				loadErr = err
				return
			}
		}

		logger.SysDebugf("loading configuration from %s/%s.yaml", getConfigPath(), getConfigFileName())
		err := VConfig.ReadInConfig()
		if err != nil {
			var configNotFound viper.ConfigFileNotFoundError
			if !errors.As(err, &configNotFound) {
				logger.SysWarnf("error reading config; using defaults: %+v", err)
			}
			logger.SysDebugf("no config file found at %s/%s.yaml", getConfigPath(), getConfigFileName())
		}

		loglevel := VConfig.GetString(LogLevel)
		if err := logging.UpdateLogLevels(loglevel); err != nil {
			logger.SysErrorf("failed updating log level %s: %+v", loglevel, err)
			loadErr = err
			return
		}

		if logger.IsDebugEnabled() {
			VConfig.DebugTo(logger.Out())
		}
	})

	return loadErr
}

// ResetConfig clears all configuration and reinitializes with defaults.
// Intended for tests only.
func ResetConfig() {
	VConfig = nil
	once = sync.Once{}
	loadOnce = sync.Once{}
	loadErr = nil
	Init()
	_ = Load()
}
