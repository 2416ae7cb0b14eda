//----------------------------------------------------------------------
// This file is part of wificlock.
// Copyright (C) 2024-present Bernd Fix   >Y<
//
// wificlock is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// wificlock is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later
//----------------------------------------------------------------------

// Package config loads the appliance configuration from a YAML file
// and WIFICLOCK_* environment variables.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config of the appliance.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// TickPeriod of the cooperative scheduler loop.
	TickPeriod time.Duration `mapstructure:"tick_period" validate:"gt=0" yaml:"tick_period"`

	WiFi    WiFiConfig    `mapstructure:"wifi" yaml:"wifi"`
	Sockets SocketConfig  `mapstructure:"sockets" yaml:"sockets"`
	MQTT    MQTTConfig    `mapstructure:"mqtt" yaml:"mqtt"`
	FTP     FTPConfig     `mapstructure:"ftp" yaml:"ftp"`
	Telnet  TelnetConfig  `mapstructure:"telnet" yaml:"telnet"`
	NTP     NTPConfig     `mapstructure:"ntp" yaml:"ntp"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Diag    DiagConfig    `mapstructure:"diag" yaml:"diag"`
}

// LoggingConfig selects level, format and destination of log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// WiFiConfig of the station interface. An empty Address selects DHCP.
type WiFiConfig struct {
	SSID       string `mapstructure:"ssid" validate:"required,max=32" yaml:"ssid"`
	Passphrase string `mapstructure:"passphrase" validate:"omitempty,min=8,max=63" yaml:"passphrase"`
	Hostname   string `mapstructure:"hostname" validate:"omitempty,hostname" yaml:"hostname"`

	Address string `mapstructure:"address" validate:"omitempty,cidrv4" yaml:"address,omitempty"`
	Gateway string `mapstructure:"gateway" validate:"omitempty,ipv4" yaml:"gateway,omitempty"`
	DNS     string `mapstructure:"dns" validate:"omitempty,ipv4" yaml:"dns,omitempty"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0" yaml:"connect_timeout"`
	ResolveTimeout time.Duration `mapstructure:"resolve_timeout" validate:"gt=0" yaml:"resolve_timeout"`
	PingTimeout    time.Duration `mapstructure:"ping_timeout" validate:"gt=0" yaml:"ping_timeout"`
	AutoReconnect  bool          `mapstructure:"auto_reconnect" yaml:"auto_reconnect"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" validate:"gte=0" yaml:"reconnect_delay"`
}

// SocketConfig of the socket table.
type SocketConfig struct {
	BufferSize  ByteSize `mapstructure:"buffer_size" validate:"gt=0" yaml:"buffer_size"`
	SendRetries int      `mapstructure:"send_retries" validate:"gte=0" yaml:"send_retries"`
}

// MQTTConfig of the broker session. Status messages are published
// below Topic.
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker   string `mapstructure:"broker" validate:"required_if=Enabled true" yaml:"broker"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`
	ClientID string `mapstructure:"client_id" validate:"max=23" yaml:"client_id,omitempty"`
	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	Topic    string `mapstructure:"topic" validate:"required" yaml:"topic"`

	KeepAlive       time.Duration `mapstructure:"keep_alive" validate:"gte=0" yaml:"keep_alive"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" validate:"gt=0" yaml:"connect_timeout"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout" validate:"gt=0" yaml:"response_timeout"`
	MaxPacket       ByteSize      `mapstructure:"max_packet" validate:"gt=0" yaml:"max_packet"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay" validate:"gte=0" yaml:"reconnect_delay"`
}

// FTPConfig of the file server. An empty User disables authentication.
type FTPConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Port       int    `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`
	User       string `mapstructure:"user" yaml:"user,omitempty"`
	Password   string `mapstructure:"password" yaml:"password,omitempty"`
	PassiveMin int    `mapstructure:"passive_min" validate:"min=1024,max=65535" yaml:"passive_min"`
	PassiveMax int    `mapstructure:"passive_max" validate:"min=1024,max=65535,gtefield=PassiveMin" yaml:"passive_max"`

	TransferBuffer ByteSize      `mapstructure:"transfer_buffer" validate:"gt=0" yaml:"transfer_buffer"`
	DataTimeout    time.Duration `mapstructure:"data_timeout" validate:"gt=0" yaml:"data_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" validate:"gt=0" yaml:"idle_timeout"`
}

// TelnetConfig of the console.
type TelnetConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Port        int           `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`
	Prompt      string        `mapstructure:"prompt" yaml:"prompt"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"gt=0" yaml:"idle_timeout"`
}

// NTPConfig of the time synchronisation.
type NTPConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Server        string        `mapstructure:"server" validate:"required_if=Enabled true" yaml:"server"`
	Port          int           `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`
	Interval      time.Duration `mapstructure:"interval" validate:"gt=0" yaml:"interval"`
	RetryInterval time.Duration `mapstructure:"retry_interval" validate:"gt=0" yaml:"retry_interval"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0" yaml:"timeout"`
}

// StorageConfig of the storage card. On a host the card is a
// directory; an empty Root uses an in-memory card.
type StorageConfig struct {
	Root string `mapstructure:"root" yaml:"root,omitempty"`
}

// MetricsConfig of the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// DiagConfig of the 9P diagnostics server.
type DiagConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" validate:"required_if=Enabled true" yaml:"listen"`
}

//----------------------------------------------------------------------

// Load reads the configuration file at path (empty: default location)
// over the defaults and overlays the environment. A missing file
// yields the defaults.
//
// Environment variables use the WIFICLOCK_ prefix with underscores for
// nesting, e.g. WIFICLOCK_WIFI_SSID.
func Load(path string) (*Config, error) {
	v := viper.New()
	setupViper(v, path)

	// the defaults make every key known to viper, so each one can be
	// set from the environment
	defaults, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to read defaults: %w", err)
	}
	if _, err := mergeConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes the configuration as YAML. The file may hold
// credentials and is created private.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// DefaultPath returns the default location of the configuration file.
func DefaultPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func configDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "wificlock")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "wificlock")
	}
	return "."
}

func setupViper(v *viper.Viper, path string) {
	v.SetEnvPrefix("WIFICLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		return
	}
	v.AddConfigPath(configDir())
	v.SetConfigName("config")
}

// mergeConfigFile reports whether a configuration file was read.
func mergeConfigFile(v *viper.Viper) (bool, error) {
	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

//----------------------------------------------------------------------
// decode hooks

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings like "4 KiB" or "1500" and plain
// numbers to a ByteSize.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return ParseByteSize(v)
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case uint64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		}
		return data, nil
	}
}

// durationDecodeHook converts strings like "30s" to a time.Duration;
// plain numbers are nanoseconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		}
		return data, nil
	}
}
