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

package config

import (
	"strings"
	"time"
)

// DefaultConfig returns the configuration of a factory-fresh clock.
// The WiFi credentials still need to be set.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		TickPeriod: 10 * time.Millisecond,
		WiFi: WiFiConfig{
			SSID:           "wificlock",
			Hostname:       "wificlock",
			ConnectTimeout: 20 * time.Second,
			ResolveTimeout: 5 * time.Second,
			PingTimeout:    3 * time.Second,
			AutoReconnect:  true,
			ReconnectDelay: 30 * time.Second,
		},
		Sockets: SocketConfig{
			BufferSize:  512,
			SendRetries: 8,
		},
		MQTT: MQTTConfig{
			Port:            1883,
			Topic:           "wificlock",
			KeepAlive:       60 * time.Second,
			ConnectTimeout:  15 * time.Second,
			ResponseTimeout: 5 * time.Second,
			MaxPacket:       1024,
			ReconnectDelay:  30 * time.Second,
		},
		FTP: FTPConfig{
			Enabled:        true,
			Port:           21,
			PassiveMin:     50000,
			PassiveMax:     50099,
			TransferBuffer: 512,
			DataTimeout:    10 * time.Second,
			IdleTimeout:    5 * time.Minute,
		},
		Telnet: TelnetConfig{
			Enabled:     true,
			Port:        23,
			Prompt:      "> ",
			IdleTimeout: 10 * time.Minute,
		},
		NTP: NTPConfig{
			Enabled:       true,
			Server:        "pool.ntp.org",
			Port:          123,
			Interval:      time.Hour,
			RetryInterval: time.Minute,
			Timeout:       5 * time.Second,
		},
		Metrics: MetricsConfig{
			Port: 9090,
		},
		Diag: DiagConfig{
			Listen: "127.0.0.1:5640",
		},
	}
}

// ApplyDefaults fills unset fields with their defaults. Flags are left
// alone: false is a valid setting.
func ApplyDefaults(cfg *Config) {
	def := DefaultConfig()

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = def.Logging.Output
	}
	setDuration(&cfg.TickPeriod, def.TickPeriod)

	w := &cfg.WiFi
	if w.Hostname == "" {
		w.Hostname = def.WiFi.Hostname
	}
	setDuration(&w.ConnectTimeout, def.WiFi.ConnectTimeout)
	setDuration(&w.ResolveTimeout, def.WiFi.ResolveTimeout)
	setDuration(&w.PingTimeout, def.WiFi.PingTimeout)

	if cfg.Sockets.BufferSize == 0 {
		cfg.Sockets.BufferSize = def.Sockets.BufferSize
	}

	m := &cfg.MQTT
	setInt(&m.Port, def.MQTT.Port)
	if m.Topic == "" {
		m.Topic = def.MQTT.Topic
	}
	setDuration(&m.ConnectTimeout, def.MQTT.ConnectTimeout)
	setDuration(&m.ResponseTimeout, def.MQTT.ResponseTimeout)
	if m.MaxPacket == 0 {
		m.MaxPacket = def.MQTT.MaxPacket
	}

	f := &cfg.FTP
	setInt(&f.Port, def.FTP.Port)
	if f.PassiveMin == 0 && f.PassiveMax == 0 {
		f.PassiveMin, f.PassiveMax = def.FTP.PassiveMin, def.FTP.PassiveMax
	}
	if f.TransferBuffer == 0 {
		f.TransferBuffer = def.FTP.TransferBuffer
	}
	setDuration(&f.DataTimeout, def.FTP.DataTimeout)
	setDuration(&f.IdleTimeout, def.FTP.IdleTimeout)

	t := &cfg.Telnet
	setInt(&t.Port, def.Telnet.Port)
	if t.Prompt == "" {
		t.Prompt = def.Telnet.Prompt
	}
	setDuration(&t.IdleTimeout, def.Telnet.IdleTimeout)

	n := &cfg.NTP
	if n.Server == "" {
		n.Server = def.NTP.Server
	}
	setInt(&n.Port, def.NTP.Port)
	setDuration(&n.Interval, def.NTP.Interval)
	setDuration(&n.RetryInterval, def.NTP.RetryInterval)
	setDuration(&n.Timeout, def.NTP.Timeout)

	setInt(&cfg.Metrics.Port, def.Metrics.Port)
	if cfg.Diag.Listen == "" {
		cfg.Diag.Listen = def.Diag.Listen
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}
