// Package config loads driver-wide defaults (timeouts, polling
// intervals, connection sizing) from the environment and, optionally, a
// config file, using viper. These are process-wide knobs a fleet
// operator tunes once; per-tag overrides still go through
// eip.TagOptions, and a Driver can be given its own Defaults via
// eip.NewDriver.
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/behrlich/go-eip/internal/constants"
)

// Defaults holds the driver-wide defaults resolved from configuration.
type Defaults struct {
	Port               int
	RequestTimeout     time.Duration
	ReadCacheMS        int64
	StatusPollInterval time.Duration
	PreferredConnSize  int
}

// Load resolves Defaults from environment variables prefixed EIP_
// (EIP_PORT, EIP_REQUEST_TIMEOUT_MS, EIP_READ_CACHE_MS,
// EIP_STATUS_POLL_MS, EIP_CONN_SIZE) and, if configPath is non-empty, a
// YAML/JSON/TOML file at that path. Unset values fall back to the
// package constants.
func Load(configPath string) (*Defaults, error) {
	v := viper.New()
	v.SetEnvPrefix("EIP")
	v.AutomaticEnv()

	v.SetDefault("port", constants.DefaultPort)
	v.SetDefault("request_timeout_ms", int(constants.DefaultTimeout/time.Millisecond))
	v.SetDefault("read_cache_ms", constants.DefaultReadCacheMS)
	v.SetDefault("status_poll_ms", int(constants.StatusPollInterval/time.Millisecond))
	v.SetDefault("conn_size", constants.ConnectionSizeLarge)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	return &Defaults{
		Port:               v.GetInt("port"),
		RequestTimeout:     time.Duration(v.GetInt("request_timeout_ms")) * time.Millisecond,
		ReadCacheMS:        v.GetInt64("read_cache_ms"),
		StatusPollInterval: time.Duration(v.GetInt("status_poll_ms")) * time.Millisecond,
		PreferredConnSize:  v.GetInt("conn_size"),
	}, nil
}

// Default returns Defaults resolved purely from environment variables
// and built-in fallbacks, with no config file.
func Default() *Defaults {
	d, _ := Load("")
	return d
}
