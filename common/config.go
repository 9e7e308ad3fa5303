// Copyright 2023-2024 The livewire Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "github.com/spf13/viper"

// ===============================================================================
// Gateway Related Config

// ReconnectConfig defines the live connection retry parameters
type ReconnectConfig struct {
	// BaseDelayMS is the first retry delay in milliseconds
	BaseDelayMS int `mapstructure:"base_delay_ms" json:"base_delay_ms" validate:"gte=1"`
	// MaxDelayMS caps the retry delay in milliseconds
	MaxDelayMS int `mapstructure:"max_delay_ms" json:"max_delay_ms" validate:"gte=1"`
	// MaxAttempts is the retry budget before the connection is declared lost
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=1"`
}

// GatewayConfig defines parameters for connecting to the live update gateway
type GatewayConfig struct {
	// URL is the gateway websocket endpoint
	URL string `mapstructure:"url" json:"url" validate:"required,url"`
	// HandshakeTimeout is the max duration of a websocket handshake in seconds
	HandshakeTimeout int `mapstructure:"handshake_timeout_sec" json:"handshake_timeout_sec" validate:"gte=1"`
	// PingInterval is the keepalive ping period in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// Reconnect defines the retry parameters
	Reconnect ReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Platform API Related Config

// APIConfig defines parameters for the platform REST API used for polling
type APIConfig struct {
	// BaseURL is the platform API base URL
	BaseURL string `mapstructure:"base_url" json:"base_url" validate:"required,url"`
	// RequestTimeout is the max duration of one API request in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
}

// PollerConfig defines the fallback poller parameters
type PollerConfig struct {
	// IntervalMS is the period between snapshot fetches in milliseconds
	IntervalMS int `mapstructure:"interval_ms" json:"interval_ms" validate:"gte=100"`
}

// ===============================================================================
// Coordinator Related Config

// AlertsConfig defines the alert feed parameters
type AlertsConfig struct {
	// RetentionLimit caps the number of notification records kept in memory
	RetentionLimit int `mapstructure:"retention_limit" json:"retention_limit" validate:"gte=1"`
	// DedupWindowSec is how long a delivered event ID suppresses duplicates
	DedupWindowSec int `mapstructure:"dedup_window_sec" json:"dedup_window_sec" validate:"gte=1"`
}

// IdentityConfig defines where persisted credentials are read from
type IdentityConfig struct {
	// CredentialsFile is the path of the durable credential store
	CredentialsFile string `mapstructure:"credentials_file" json:"credentials_file" validate:"required"`
}

// ===============================================================================
// Status Server Related Config

// StatusServerConfig defines the local status HTTP endpoint parameters
type StatusServerConfig struct {
	// ListenOn is the interface the status server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the status server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// PathPrefix is the end-point path prefix for the status APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete watch daemon config
type SystemConfig struct {
	// Gateway are the live update gateway parameters
	Gateway GatewayConfig `mapstructure:"gateway" json:"gateway" validate:"required,dive"`
	// API are the platform REST API parameters
	API APIConfig `mapstructure:"api" json:"api" validate:"required,dive"`
	// Poller are the fallback poller parameters
	Poller PollerConfig `mapstructure:"poller" json:"poller" validate:"required,dive"`
	// Alerts are the alert feed parameters
	Alerts AlertsConfig `mapstructure:"alerts" json:"alerts" validate:"required,dive"`
	// Identity is the persisted credential store config
	Identity IdentityConfig `mapstructure:"identity" json:"identity" validate:"required,dive"`
	// Status are the local status server parameters
	Status StatusServerConfig `mapstructure:"status" json:"status" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default gateway settings
	viper.SetDefault("gateway.url", "wss://127.0.0.1:8443/ws")
	viper.SetDefault("gateway.handshake_timeout_sec", 10)
	viper.SetDefault("gateway.ping_interval_sec", 30)
	viper.SetDefault("gateway.reconnect.base_delay_ms", 1000)
	viper.SetDefault("gateway.reconnect.max_delay_ms", 30000)
	viper.SetDefault("gateway.reconnect.max_attempts", 10)

	// Default platform API settings
	viper.SetDefault("api.base_url", "https://127.0.0.1:8443")
	viper.SetDefault("api.request_timeout_sec", 10)
	viper.SetDefault("poller.interval_ms", 15000)

	// Default coordinator settings
	viper.SetDefault("alerts.retention_limit", 100)
	viper.SetDefault("alerts.dedup_window_sec", 300)
	viper.SetDefault("identity.credentials_file", "credentials.json")

	// Default status server settings
	viper.SetDefault("status.listen_on", "127.0.0.1")
	viper.SetDefault("status.listen_port", 3080)
	viper.SetDefault("status.read_timeout_sec", 60)
	viper.SetDefault("status.write_timeout_sec", 60)
	viper.SetDefault("status.path_prefix", "/")
}
