// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "time"

// Config represents the application configuration
type Config struct {
	Version           string        `toml:"-" mapstructure:"-"`
	EncryptionKey     string        `toml:"encryptionKey" mapstructure:"encryptionKey"`
	LogLevel          string        `toml:"logLevel" mapstructure:"logLevel"`
	LogPath           string        `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize        int           `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups     int           `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir           string        `toml:"dataDir" mapstructure:"dataDir"`
	PollInterval      time.Duration `toml:"pollInterval" mapstructure:"pollInterval"`
	StaleThreshold    time.Duration `toml:"staleThreshold" mapstructure:"staleThreshold"`
	RequestTimeout    time.Duration `toml:"requestTimeout" mapstructure:"requestTimeout"`
	ReconnectAttempts uint          `toml:"reconnectAttempts" mapstructure:"reconnectAttempts"`
	MetricsEnabled    bool          `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost       string        `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort       int           `toml:"metricsPort" mapstructure:"metricsPort"`
}
