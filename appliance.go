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

package wificlock

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/bfix/wificlock/config"
	"github.com/bfix/wificlock/ftp"
	"github.com/bfix/wificlock/metrics"
	"github.com/bfix/wificlock/mqtt"
	"github.com/bfix/wificlock/ntp"
	"github.com/bfix/wificlock/socket"
	"github.com/bfix/wificlock/storage"
	"github.com/bfix/wificlock/task"
	"github.com/bfix/wificlock/telnet"
	"github.com/bfix/wificlock/wifi"
)

// snapshots are refreshed at most this often
const snapshotPeriod = time.Second

// Appliance owns the device, the socket table and every service. All
// of them are driven by Tick from a single goroutine; other goroutines
// only read the published Snapshot.
type Appliance struct {
	dev   Device
	clock task.Clock
	log   *slog.Logger
	cfg   *config.Config

	tab    *socket.Table
	wifi   *wifi.Manager
	mqtt   *mqtt.Client    // nil if disabled
	ftp    *ftp.Server     // nil if disabled
	telnet *telnet.Console // nil if disabled
	ntp    *ntp.Client     // nil if disabled
	card   *storage.Card
	status *Status

	started     time.Time
	ticks       uint64
	mqttStarted bool      // first broker connection requested
	announced   bool      // "online" published in this MQTT session
	published   time.Time // minute of the last time message
	pinging     bool      // console ping running
	pingSeen    int       // finished pings when the console ping started
	lastPing    string

	mu     sync.Mutex
	offset time.Duration // clock correction from NTP
	snap   Snapshot
	snapAt time.Time
}

// New wires the services for the configuration. A nil card leaves the
// slot empty.
func New(dev Device, card *storage.Card, clock task.Clock, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Appliance, error) {
	if clock == nil {
		clock = task.SystemClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(127),
		}))
	}
	if card == nil {
		card = storage.NewCard(nil, logger)
	}
	a := &Appliance{
		dev:     dev,
		clock:   clock,
		log:     logger,
		cfg:     cfg,
		card:    card,
		status:  NewStatus(dev, logger),
		started: clock.Now(),
	}

	a.tab = socket.NewTable(dev.Radio(), socket.Config{
		BufferSize:  cfg.Sockets.BufferSize.Int(),
		SendRetries: cfg.Sockets.SendRetries,
		Logger:      logger,
		Metrics:     m,
	})
	wcfg, err := wifiConfig(&cfg.WiFi)
	if err != nil {
		return nil, err
	}
	wcfg.Logger, wcfg.Metrics = logger, m
	a.wifi = wifi.New(dev.Radio(), a.tab, clock, wcfg)

	if c := cfg.MQTT; c.Enabled {
		a.mqtt = mqtt.NewClient(a.wifi, clock, mqtt.Config{
			Broker:          c.Broker,
			Port:            uint16(c.Port),
			ClientID:        c.ClientID,
			Username:        c.Username,
			Password:        c.Password,
			KeepAlive:       c.KeepAlive,
			ConnectTimeout:  c.ConnectTimeout,
			ResponseTimeout: c.ResponseTimeout,
			MaxPacket:       c.MaxPacket.Int(),
			AutoReconnect:   true,
			ReconnectDelay:  c.ReconnectDelay,
			Logger:          logger,
			Metrics:         m,
		})
		a.mqtt.SetWill(&mqtt.Will{
			Topic:               c.Topic + "/status",
			Payload:             []byte("offline"),
			Retain:              true,
			PublishOnDisconnect: true,
		})
	}
	if c := cfg.FTP; c.Enabled {
		a.ftp = ftp.New(a.wifi, card, clock, ftp.Config{
			Port:           uint16(c.Port),
			User:           c.User,
			Password:       c.Password,
			PassiveMin:     uint16(c.PassiveMin),
			PassiveMax:     uint16(c.PassiveMax),
			TransferBuffer: c.TransferBuffer.Int(),
			DataTimeout:    c.DataTimeout,
			IdleTimeout:    c.IdleTimeout,
			Logger:         logger,
			Metrics:        m,
		})
	}
	if c := cfg.Telnet; c.Enabled {
		a.telnet = telnet.New(a.wifi, clock, telnet.Config{
			Port:        uint16(c.Port),
			Prompt:      c.Prompt,
			IdleTimeout: c.IdleTimeout,
			Status:      a.writeStatus,
			Logger:      logger,
			Metrics:     m,
		})
		if err := a.registerCommands(); err != nil {
			return nil, err
		}
	}
	if c := cfg.NTP; c.Enabled {
		a.ntp = ntp.New(a.wifi, a, clock, ntp.Config{
			Server:        c.Server,
			Port:          uint16(c.Port),
			Interval:      c.Interval,
			RetryInterval: c.RetryInterval,
			Timeout:       c.Timeout,
			Logger:        logger,
			Metrics:       m,
		})
	}
	a.refresh(clock.Now())
	return a, nil
}

// translate the WiFi section of the configuration
func wifiConfig(c *config.WiFiConfig) (wifi.Config, error) {
	w := wifi.Config{
		SSID:           c.SSID,
		Passphrase:     c.Passphrase,
		Hostname:       c.Hostname,
		ConnectTimeout: c.ConnectTimeout,
		ResolveTimeout: c.ResolveTimeout,
		PingTimeout:    c.PingTimeout,
		AutoReconnect:  c.AutoReconnect,
		ReconnectDelay: c.ReconnectDelay,
	}
	var err error
	if c.Address != "" {
		if w.Address, err = netip.ParsePrefix(c.Address); err != nil {
			return w, fmt.Errorf("wifi address: %w", err)
		}
	}
	if c.Gateway != "" {
		if w.Gateway, err = netip.ParseAddr(c.Gateway); err != nil {
			return w, fmt.Errorf("wifi gateway: %w", err)
		}
	}
	if c.DNS != "" {
		if w.DNS, err = netip.ParseAddr(c.DNS); err != nil {
			return w, fmt.Errorf("wifi dns: %w", err)
		}
	}
	return w, nil
}

//----------------------------------------------------------------------
// clock

// SetTime sets the clock; it is the sink of the NTP client.
func (a *Appliance) SetTime(t time.Time) {
	a.mu.Lock()
	a.offset = t.Sub(a.clock.Now())
	a.mu.Unlock()
}

// Time returns the current time of the clock.
func (a *Appliance) Time() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clock.Now().Add(a.offset)
}

//----------------------------------------------------------------------
// scheduling

// Start requests the WiFi connection; the services follow once the
// link is up.
func (a *Appliance) Start() bool {
	a.log.Info("wificlock:start", slog.String("ssid", a.cfg.WiFi.SSID))
	a.status.Set(StatWIFI, 0)
	return a.wifi.Connect()
}

// Tick runs one scheduler round: a single pump of the radio events at
// the top, then every service in turn.
func (a *Appliance) Tick() {
	a.ticks++
	a.wifi.Pump()
	a.wifi.Run()
	if a.mqtt != nil {
		a.runMQTT()
	}
	if a.ftp != nil {
		a.ftp.Run()
	}
	if a.telnet != nil {
		a.telnet.Run()
	}
	if a.ntp != nil {
		a.ntp.Run()
	}
	a.checkPing()

	now := a.clock.Now()
	a.updateStatus()
	a.status.Run(now)
	if now.Sub(a.snapAt) >= snapshotPeriod {
		a.refresh(now)
	}
}

// Run ticks with the given period until the context is cancelled, then
// shuts the services down.
func (a *Appliance) Run(ctx context.Context, period time.Duration) error {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			a.Shutdown(period)
			return ctx.Err()
		case <-t.C:
			a.Tick()
		}
	}
}

// Shutdown ends the MQTT session (publishing the will), closes all
// sockets and leaves the network.
func (a *Appliance) Shutdown(period time.Duration) {
	if a.mqtt != nil && a.mqtt.IsConnected() {
		a.mqtt.Disconnect()
		for range 100 {
			if !a.mqtt.IsConnected() {
				break
			}
			a.Tick()
			time.Sleep(period)
		}
	}
	a.tab.CloseAll()
	a.wifi.Disconnect()
	a.log.Info("wificlock:stopped", slog.Uint64("ticks", a.ticks))
}

// MQTT session housekeeping: first connect, "online" announcement and
// the time published every minute.
func (a *Appliance) runMQTT() {
	if !a.mqttStarted && a.wifi.IsConnected() && !a.mqtt.IsBusy() {
		a.mqttStarted = true
		a.mqtt.Connect()
	}
	a.mqtt.Run()
	if !a.mqtt.IsConnected() {
		a.announced = false
		return
	}
	if a.mqtt.IsBusy() {
		return
	}
	topic := a.cfg.MQTT.Topic
	if !a.announced {
		a.announced = a.mqtt.Publish(topic+"/status", []byte("online"), true)
		return
	}
	now := a.Time().Truncate(time.Minute)
	if now.After(a.published) {
		if a.mqtt.Publish(topic+"/time", []byte(now.UTC().Format(time.RFC3339)), false) {
			a.published = now
		}
	}
}

// report the outcome of a console ping
func (a *Appliance) checkPing() {
	if !a.pinging {
		return
	}
	n, rtt, err := a.wifi.PingResult()
	if n == a.pingSeen {
		return
	}
	a.pinging = false
	if err != task.OK {
		a.lastPing = err.String()
	} else {
		a.lastPing = rtt.String()
	}
	a.log.Info("wificlock:ping", slog.String("result", a.lastPing))
}

// derive the LED status from the service states
func (a *Appliance) updateStatus() {
	if s, _ := a.status.Get(); s == StatEXCP {
		return
	}
	code := StatOK
	switch {
	case a.wifi.State() == wifi.StateNoSSID:
		code = StatSSID
	case !a.wifi.IsConnected():
		code = StatWIFI
	case !a.wifi.LocalAddr().IsValid():
		code = StatDHCP
	case a.ftp != nil && !a.card.Present():
		code = StatCARD
	case a.mqtt != nil && !a.mqtt.IsConnected():
		code = StatMQTT
	case a.ntp != nil && a.ntp.Synced().IsZero() && a.ntp.Error() != task.OK:
		code = StatNTP
	}
	if s, _ := a.status.Get(); s != code {
		a.status.Set(code, 0)
	}
}
