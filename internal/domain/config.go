// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "time"

type Config struct {
	Version string

	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"baseUrl"`

	// Backend is the base URL of the qui-style backend this daemon mirrors.
	BackendURL    string `mapstructure:"backendUrl"`
	BackendAPIKey string `mapstructure:"backendApiKey"`

	// Torrent list synchronization.
	PageSize                  int `mapstructure:"pageSize"`
	PollIntervalSeconds       int `mapstructure:"pollInterval"`
	CrossInstancePollSeconds  int `mapstructure:"crossInstancePollInterval"`
	StreamMaxReconnectRetries int `mapstructure:"streamMaxReconnectRetries"`

	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`

	DataDir string `mapstructure:"dataDir"`

	PprofEnabled          bool   `mapstructure:"pprofEnabled"`
	MetricsEnabled        bool   `mapstructure:"metricsEnabled"`
	MetricsHost           string `mapstructure:"metricsHost"`
	MetricsPort           int    `mapstructure:"metricsPort"`
	MetricsBasicAuthUsers string `mapstructure:"metricsBasicAuthUsers"`
}

// PollInterval returns the normal-list polling interval with the documented default.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// CrossInstancePollInterval returns the slower interval used for cross-instance queries.
func (c *Config) CrossInstancePollInterval() time.Duration {
	if c.CrossInstancePollSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.CrossInstancePollSeconds) * time.Second
}
