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

// Package wifi manages the WiFi link of the appliance: association with
// static or DHCP addressing, auto-reconnect with back-off, hostname
// resolution and ICMP ping. The manager owns the single event pump of
// the radio chip; everything networked depends on it.
package wifi

import (
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/soypat/seqs/eth/dns"

	"github.com/bfix/wificlock/metrics"
	"github.com/bfix/wificlock/radio"
	"github.com/bfix/wificlock/socket"
	"github.com/bfix/wificlock/task"
)

// State of the WiFi link.
type State uint8

// Link states
const (
	StateIdle          State = iota // never connected
	StateConnecting                 // association in progress
	StateConnected                  // link up, address assigned
	StateDisconnected               // link lost or torn down
	StateConnectFailed              // association or authentication failed
	StateNoSSID                     // network not found
)

var stateNames = [...]string{
	"idle", "connecting", "connected", "disconnected", "connect-failed", "no-ssid",
}

// String returns the name of the state.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Tasks of the manager
const (
	TaskConnect task.ID = iota + 1
	TaskResolve
	TaskPing
)

// Config of the WiFi manager.
type Config struct {
	SSID       string
	Passphrase string
	Hostname   string

	// static addressing (zero Address selects DHCP)
	Address netip.Prefix
	Gateway netip.Addr
	DNS     netip.Addr

	ConnectTimeout time.Duration
	ResolveTimeout time.Duration
	PingTimeout    time.Duration
	PingTTL        uint8

	// AutoReconnect re-establishes a lost link; ReconnectDelay is the
	// minimum time between two connection attempts.
	AutoReconnect  bool
	ReconnectDelay time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		Hostname:       "wificlock",
		ConnectTimeout: 20 * time.Second,
		ResolveTimeout: 5 * time.Second,
		PingTimeout:    3 * time.Second,
		PingTTL:        64,
		AutoReconnect:  true,
		ReconnectDelay: 30 * time.Second,
	}
}

//----------------------------------------------------------------------

// Manager of the WiFi link.
type Manager struct {
	task.Task

	drv radio.Driver
	tab *socket.Table
	cfg Config
	log *slog.Logger

	state       State
	address     netip.Prefix
	gateway     netip.Addr
	dns         netip.Addr
	lastAttempt time.Time
	reconnect   bool // auto-reconnect armed
	teardown    bool // link-down of our own disconnect pending

	host      string     // hostname of resolve task
	resolved  netip.Addr // result of last resolve
	chainPing bool       // ping after resolve
	pingAddr  netip.Addr // target of ping task
	rtt       time.Duration
	pingReq   bool      // a ping request is running
	pings     int       // finished ping requests
	pingErr   task.Code // outcome of the last ping request
}

// New creates a manager for the chip driver and its socket table.
func New(drv radio.Driver, tab *socket.Table, clock task.Clock, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = def.ResolveTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.PingTTL == 0 {
		cfg.PingTTL = def.PingTTL
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(127),
		}))
	}
	return &Manager{
		Task: task.New(clock),
		drv:  drv,
		tab:  tab,
		cfg:  cfg,
		log:  logger,
	}
}

// Sockets returns the socket table of the chip.
func (m *Manager) Sockets() *socket.Table {
	return m.tab
}

// State of the link.
func (m *Manager) State() State {
	return m.state
}

// IsConnected returns true if the link is up with an address assigned.
func (m *Manager) IsConnected() bool {
	return m.state == StateConnected
}

// LocalAddr returns the assigned address.
func (m *Manager) LocalAddr() netip.Prefix {
	return m.address
}

// Gateway returns the default gateway.
func (m *Manager) Gateway() netip.Addr {
	return m.gateway
}

// DNS returns the name server.
func (m *Manager) DNS() netip.Addr {
	return m.dns
}

// SetAutoReconnect arms or disarms the auto-reconnect policy.
func (m *Manager) SetAutoReconnect(on bool) {
	m.reconnect = on
}

//----------------------------------------------------------------------
// link control

// Connect starts associating with the configured network. It refuses
// if the link is already up or another task is running.
func (m *Manager) Connect() bool {
	if m.state == StateConnected {
		m.log.Debug("wifi:connect refused", slog.String("reason", "already connected"))
		return false
	}
	if m.IsBusy() || m.Start(TaskConnect, false) != TaskConnect {
		return false
	}
	m.lastAttempt = m.Now()
	m.reconnect = m.cfg.AutoReconnect
	if m.cfg.SSID == "" {
		m.fail(StateNoSSID, task.ErrNoSSID)
		return false
	}
	lc := radio.LinkConfig{
		SSID:       m.cfg.SSID,
		Passphrase: m.cfg.Passphrase,
		Hostname:   m.cfg.Hostname,
		Address:    m.cfg.Address,
		Gateway:    m.cfg.Gateway,
		DNS:        m.cfg.DNS,
	}
	if lc.Static() {
		m.log.Info("wifi:connect", slog.String("ssid", lc.SSID), slog.String("address", lc.Address.String()))
	} else {
		m.log.Info("wifi:connect", slog.String("ssid", lc.SSID), slog.String("address", "dhcp"))
	}
	if err := m.drv.Connect(lc); err != nil {
		m.log.Warn("wifi:connect failed", slog.Any("err", err))
		m.fail(StateConnectFailed, task.ErrConnectFailed)
		return false
	}
	m.state = StateConnecting
	return true
}

// Disconnect closes every open socket and tears the link down. If
// auto-reconnect is armed and the back-off since the last attempt has
// elapsed, a new connection is started immediately.
func (m *Manager) Disconnect() {
	m.tab.CloseAll()
	if m.IsBusy() {
		m.End(task.ErrDisconnected)
	}
	if m.state == StateConnected || m.state == StateConnecting {
		if err := m.drv.Disconnect(); err != nil {
			m.log.Warn("wifi:disconnect", slog.Any("err", err))
		}
		m.teardown = true
	}
	m.state = StateDisconnected
	m.address = netip.Prefix{}
	m.log.Info("wifi:disconnected")
	if m.reconnect && m.backoffElapsed() {
		m.Connect()
	}
}

// back-off since last connection attempt elapsed?
func (m *Manager) backoffElapsed() bool {
	return m.lastAttempt.IsZero() || m.Now().Sub(m.lastAttempt) >= m.cfg.ReconnectDelay
}

// connection attempt failed: no socket may survive a broken link
func (m *Manager) fail(state State, code task.Code) {
	m.state = state
	m.tab.CloseAll()
	m.End(code)
	m.cfg.Metrics.WiFiConnect(code)
	m.log.Warn("wifi:connect failed", slog.String("state", state.String()), slog.String("err", code.String()))
}

//----------------------------------------------------------------------
// resolution and ping

// Resolve starts resolving a hostname. IP literals complete at once.
// The result is available from ResolvedAddr after the task ended
// successfully.
func (m *Manager) Resolve(host string) bool {
	if m.IsBusy() || m.Start(TaskResolve, false) != TaskResolve {
		return false
	}
	m.chainPing = false
	return m.startResolve(host)
}

// ResolvedAddr returns the address of the last successful resolution.
func (m *Manager) ResolvedAddr() netip.Addr {
	return m.resolved
}

// Ping starts an ICMP echo request. A hostname is resolved first; the
// ping is then issued against the resolved address.
func (m *Manager) Ping(host string) bool {
	if m.IsBusy() {
		return false
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if m.Start(TaskPing, false) != TaskPing {
			return false
		}
		m.pingReq = true
		return m.startPing(addr)
	}
	if m.Start(TaskResolve, false) != TaskResolve {
		return false
	}
	m.pingReq = true
	m.chainPing = true
	return m.startResolve(host)
}

// PingRTT returns the round-trip time of the last successful ping.
func (m *Manager) PingRTT() time.Duration {
	return m.rtt
}

// PingResult returns the number of finished ping requests and the
// outcome of the last one. Unlike Error it is not overwritten by tasks
// started after the ping.
func (m *Manager) PingResult() (n int, rtt time.Duration, err task.Code) {
	return m.pings, m.rtt, m.pingErr
}

// End the running task. A ping request (including the resolve of its
// host) keeps its outcome apart.
func (m *Manager) End(code task.Code) {
	ping := m.pingReq && (m.Running(TaskPing) || m.Running(TaskResolve))
	m.Task.End(code)
	if ping {
		m.pingReq = false
		m.pingErr = m.Error()
		m.pings++
	}
}

// issue resolve request for running task
func (m *Manager) startResolve(host string) bool {
	m.host = host
	m.resolved = netip.Addr{}
	if !m.IsConnected() {
		m.End(task.ErrNotConnected)
		return false
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return m.resolvedTo(addr)
	}
	if _, err := dns.NewName(host); err != nil {
		m.log.Debug("wifi:resolve", slog.String("host", host), slog.Any("err", err))
		m.End(task.ErrInvalidHostname)
		return false
	}
	if err := m.drv.Resolve(host); err != nil {
		m.log.Warn("wifi:resolve", slog.String("host", host), slog.Any("err", err))
		m.End(task.ErrNetworkUnreachable)
		return false
	}
	return true
}

// resolution complete: end task or chain into ping
func (m *Manager) resolvedTo(addr netip.Addr) bool {
	m.resolved = addr
	m.log.Debug("wifi:resolved", slog.String("host", m.host), slog.String("addr", addr.String()))
	if m.chainPing {
		m.chainPing = false
		m.Start(TaskPing, true)
		return m.startPing(addr)
	}
	m.End(task.OK)
	return true
}

// issue ping request for running task
func (m *Manager) startPing(addr netip.Addr) bool {
	m.pingAddr = addr
	m.rtt = 0
	if !m.IsConnected() {
		m.End(task.ErrNotConnected)
		return false
	}
	if err := m.drv.Ping(addr, m.cfg.PingTTL); err != nil {
		m.log.Warn("wifi:ping", slog.String("addr", addr.String()), slog.Any("err", err))
		m.End(task.ErrPing)
		return false
	}
	return true
}

//----------------------------------------------------------------------
// event pump and polling

// Pump drains the chip event queue once. Socket events go to the socket
// table, link events to the manager. It must run once at the top of
// every scheduler tick, before any service inspects socket state.
func (m *Manager) Pump() {
	m.drv.Pump(m.handleEvent)
}

// dispatch a chip event
func (m *Manager) handleEvent(ev *radio.Event) {
	if m.tab.HandleEvent(ev) {
		return
	}
	switch ev.Kind {
	case radio.EvLinkUp:
		m.teardown = false
		m.log.Debug("wifi:associated")

	case radio.EvAddress:
		m.teardown = false
		m.address, m.gateway, m.dns = ev.Address, ev.Gateway, ev.DNS
		if m.state != StateConnecting {
			break
		}
		m.state = StateConnected
		if m.Running(TaskConnect) {
			m.End(task.OK)
		}
		m.cfg.Metrics.WiFiConnect(task.OK)
		m.log.Info("wifi:connected",
			slog.String("address", m.address.String()),
			slog.String("gateway", m.gateway.String()),
			slog.String("dns", m.dns.String()))

	case radio.EvLinkDown:
		if m.teardown && ev.Reason == radio.ReasonDisconnected {
			m.teardown = false
			break
		}
		m.linkDown(ev.Reason)

	case radio.EvResolve:
		if !m.Running(TaskResolve) || ev.Host != m.host {
			break
		}
		if ev.Err != nil || !ev.Addr.IsValid() {
			m.log.Debug("wifi:resolve failed", slog.String("host", ev.Host), slog.Any("err", ev.Err))
			m.chainPing = false
			m.End(task.ErrUnknownHost)
			break
		}
		m.resolvedTo(ev.Addr)

	case radio.EvPing:
		if !m.Running(TaskPing) || ev.Addr != m.pingAddr {
			break
		}
		if ev.Err != nil {
			m.End(task.ErrPing)
			break
		}
		m.rtt = ev.RTT
		m.End(task.OK)
		m.log.Debug("wifi:ping", slog.String("addr", ev.Addr.String()), slog.Duration("rtt", ev.RTT))
	}
}

// link lost or association failed
func (m *Manager) linkDown(reason radio.LinkReason) {
	switch m.state {
	case StateConnecting:
		switch reason {
		case radio.ReasonNoSSID:
			m.fail(StateNoSSID, task.ErrNoSSID)
		default:
			m.fail(StateConnectFailed, task.ErrConnectFailed)
		}
	case StateConnected:
		m.state = StateDisconnected
		m.address = netip.Prefix{}
		m.tab.CloseAll()
		if m.IsBusy() {
			m.End(task.ErrDisconnected)
		}
		m.log.Warn("wifi:link lost")
	}
}

// Run polls the manager: it enforces task timeouts and re-establishes
// a lost link if auto-reconnect is armed.
func (m *Manager) Run() {
	switch {
	case m.Running(TaskConnect):
		if m.TimedOut(m.cfg.ConnectTimeout) {
			m.log.Warn("wifi:connect timeout")
			m.tab.CloseAll()
			if err := m.drv.Disconnect(); err == nil {
				m.teardown = true
			}
			m.state = StateDisconnected
			m.End(task.ErrTimeout)
			m.cfg.Metrics.WiFiConnect(task.ErrTimeout)
		}
		return
	case m.Running(TaskResolve):
		if m.TimedOut(m.cfg.ResolveTimeout) {
			m.chainPing = false
			m.End(task.ErrTimeout)
		}
		return
	case m.Running(TaskPing):
		if m.TimedOut(m.cfg.PingTimeout) {
			m.End(task.ErrPingTimeout)
		}
		return
	}
	if !m.reconnect || !m.backoffElapsed() {
		return
	}
	switch m.state {
	case StateDisconnected, StateConnectFailed, StateNoSSID:
		m.log.Info("wifi:reconnect")
		m.Connect()
	}
}
