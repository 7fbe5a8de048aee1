// Package config loads host configuration from a YAML file and COGNEXUS_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// COGNEXUS_DISCOVERY_PLUGINS_DIR.
const EnvPrefix = "COGNEXUS"

// Config holds all configuration for the host.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Trust     TrustConfig     `mapstructure:"trust"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Loader    LoaderConfig    `mapstructure:"loader"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// DiscoveryConfig controls which directories are scanned and how.
type DiscoveryConfig struct {
	BuiltinDir  string   `mapstructure:"builtin_dir"`
	PluginsDir  string   `mapstructure:"plugins_dir"`
	Patterns    []string `mapstructure:"patterns" validate:"min=1,dive,required"`
	Excludes    []string `mapstructure:"excludes" validate:"dive,required"`
	Workers     int      `mapstructure:"workers" validate:"gte=1"`
	LazyPlugins bool     `mapstructure:"lazy_plugins"`
}

// LoaderConfig bounds module loading.
type LoaderConfig struct {
	// CacheDir persists compiled modules across runs when set.
	CacheDir         string        `mapstructure:"cache_dir"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxModuleSize    int64         `mapstructure:"max_module_size" validate:"gt=0"`
	MaxPayloadSize   uint32        `mapstructure:"max_payload_size" validate:"gt=0"`
	MemoryLimitPages uint32        `mapstructure:"memory_limit_pages" validate:"gte=1,lte=65536"`
}

// TrustConfig controls the plugin trust gate.
type TrustConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=strict standard permissive"`
	GrantsFile string `mapstructure:"grants_file"`
}

// BreakerConfig controls the circuit breaker guarding plugin loads. It is
// disabled by default so each plugin fails on its own.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" validate:"gte=1"`
	Timeout             time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Enabled             bool          `mapstructure:"enabled"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Discovery: DiscoveryConfig{
			BuiltinDir:  "./builtin",
			PluginsDir:  "./plugins",
			Patterns:    []string{"*.wasm"},
			Excludes:    []string{},
			Workers:     runtime.NumCPU(),
			LazyPlugins: true,
		},
		Loader: LoaderConfig{
			Timeout:          10 * time.Second,
			MaxModuleSize:    64 << 20,
			MaxPayloadSize:   4 << 20,
			MemoryLimitPages: 256,
		},
		Trust: TrustConfig{Level: "permissive"},
		Breaker: BreakerConfig{
			Enabled:             false,
			ConsecutiveFailures: 5,
			Timeout:             30 * time.Second,
		},
	}
}

// LoadOptions configures Load.
type LoadOptions struct {
	// Viper is used instead of a fresh instance, so callers can bind flags.
	Viper *viper.Viper
	// ConfigFile is read exclusively when set and must exist.
	ConfigFile string
}

// Load resolves configuration from defaults, an optional config file and the
// environment, then validates it.
func Load(opts LoadOptions) (*Config, error) {
	v := opts.Viper
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName("cognexus")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".cognexus"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			msgs := make([]string, 0, len(validationErrors))
			for _, fe := range validationErrors {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// setDefaults registers every key so environment overrides apply to it.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("discovery.builtin_dir", d.Discovery.BuiltinDir)
	v.SetDefault("discovery.plugins_dir", d.Discovery.PluginsDir)
	v.SetDefault("discovery.patterns", d.Discovery.Patterns)
	v.SetDefault("discovery.excludes", d.Discovery.Excludes)
	v.SetDefault("discovery.workers", d.Discovery.Workers)
	v.SetDefault("discovery.lazy_plugins", d.Discovery.LazyPlugins)

	v.SetDefault("loader.cache_dir", d.Loader.CacheDir)
	v.SetDefault("loader.timeout", d.Loader.Timeout)
	v.SetDefault("loader.max_module_size", d.Loader.MaxModuleSize)
	v.SetDefault("loader.max_payload_size", d.Loader.MaxPayloadSize)
	v.SetDefault("loader.memory_limit_pages", d.Loader.MemoryLimitPages)

	v.SetDefault("trust.level", d.Trust.Level)
	v.SetDefault("trust.grants_file", d.Trust.GrantsFile)

	v.SetDefault("breaker.enabled", d.Breaker.Enabled)
	v.SetDefault("breaker.consecutive_failures", d.Breaker.ConsecutiveFailures)
	v.SetDefault("breaker.timeout", d.Breaker.Timeout)
}
