//go:build rp2350

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
package main

import (
	"log/slog"
	"machine"
	"time"

	"github.com/spf13/afero"

	"github.com/bfix/wificlock"
	"github.com/bfix/wificlock/config"
	"github.com/bfix/wificlock/storage"
	"github.com/bfix/wificlock/task"
)

// WiFi credentials and addressing (set at build time)
var (
	SSID   string
	Passwd string
	Host   string
	IP     string // CIDR; empty for DHCP
	Broker string // MQTT broker host; empty disables MQTT
)

// run the clock on a Pico 2 W
func main() {
	logger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// access device
	dev := wificlock.InitDevice(logger)
	state := wificlock.NewStatus(dev, logger)
	defer func() {
		state.Trap()
		time.Sleep(30 * time.Second)
	}()

	cfg := config.DefaultConfig()
	cfg.WiFi.SSID = SSID
	cfg.WiFi.Passphrase = Passwd
	cfg.WiFi.Hostname = Host
	cfg.WiFi.Address = IP
	if Broker != "" {
		cfg.MQTT.Enabled = true
		cfg.MQTT.Broker = Broker
	}
	if err := config.Validate(cfg); err != nil {
		logger.Error("config", slog.String("err", err.Error()))
		state.Set(wificlock.StatWIFI, 0)
		return
	}

	// card content lives in RAM until a card driver exists
	card := storage.NewCard(afero.NewMemMapFs(), logger)
	app, err := wificlock.New(dev, card, task.SystemClock{}, cfg, logger, nil)
	if err != nil {
		logger.Error("setup", slog.String("err", err.Error()))
		state.Set(wificlock.StatEXCP, 0)
		return
	}
	if !app.Start() {
		state.Set(wificlock.StatWIFI, 0)
		return
	}
	for {
		app.Tick()
		time.Sleep(cfg.TickPeriod)
	}

	// ftp <ip>          file transfer to the card
	// telnet <ip>       console ("help" lists the commands)
}
