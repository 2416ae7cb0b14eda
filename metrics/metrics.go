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

// Package metrics collects prometheus counters for the network services.
// A nil *Metrics is valid and records nothing, so services can run
// without a registry (e.g. on the device).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bfix/wificlock/task"
)

// Metrics of the network core.
type Metrics struct {
	socketBytes   *prometheus.CounterVec
	socketFails   *prometheus.CounterVec
	wifiConnects  *prometheus.CounterVec
	mqttPackets   *prometheus.CounterVec
	mqttPublishes *prometheus.CounterVec
	ftpCommands   *prometheus.CounterVec
	ftpBytes      *prometheus.CounterVec
	sessions      *prometheus.CounterVec
	ntpSyncs      *prometheus.CounterVec
}

// New creates the metrics and registers them with reg.
// Metrics already registered (e.g. after a restart) are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		socketBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wificlock",
			Subsystem: "socket",
			Name:      "bytes_total",
			Help:      "Bytes moved through chip sockets.",
		}, []string{"direction"}),
		socketFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wificlock",
			Subsystem: "socket",
			Name:      "failures_total",
			Help:      "Failed socket requests by operation.",
		}, []string{"op"}),
		wifiConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wificlock",
			Subsystem: "wifi",
			Name:      "connects_total",
			Help:      "WiFi connection attempts by result.",
		}, []string{"result"}),
		mqttPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wificlock",
			Subsystem: "mqtt",
			Name:      "packets_total",
			Help:      "MQTT packets by type and direction.",
		}, []string{"type", "direction"}),
		mqttPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wificlock",
			Subsystem: "mqtt",
			Name:      "publishes_total",
			Help:      "MQTT publish tasks by result.",
		}, []string{"result"}),
		ftpCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wificlock",
			Subsystem: "ftp",
			Name:      "commands_total",
			Help:      "FTP commands received.",
		}, []string{"command"}),
		ftpBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wificlock",
			Subsystem: "ftp",
			Name:      "transfer_bytes_total",
			Help:      "FTP payload bytes by direction.",
		}, []string{"direction"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wificlock",
			Name:      "sessions_total",
			Help:      "Accepted and rejected sessions per service.",
		}, []string{"service", "result"}),
		ntpSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wificlock",
			Subsystem: "ntp",
			Name:      "syncs_total",
			Help:      "NTP synchronisations by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		m.socketBytes = registerOrReuse(reg, m.socketBytes).(*prometheus.CounterVec)
		m.socketFails = registerOrReuse(reg, m.socketFails).(*prometheus.CounterVec)
		m.wifiConnects = registerOrReuse(reg, m.wifiConnects).(*prometheus.CounterVec)
		m.mqttPackets = registerOrReuse(reg, m.mqttPackets).(*prometheus.CounterVec)
		m.mqttPublishes = registerOrReuse(reg, m.mqttPublishes).(*prometheus.CounterVec)
		m.ftpCommands = registerOrReuse(reg, m.ftpCommands).(*prometheus.CounterVec)
		m.ftpBytes = registerOrReuse(reg, m.ftpBytes).(*prometheus.CounterVec)
		m.sessions = registerOrReuse(reg, m.sessions).(*prometheus.CounterVec)
		m.ntpSyncs = registerOrReuse(reg, m.ntpSyncs).(*prometheus.CounterVec)
	}
	return m
}

// registerOrReuse registers a collector with the given registerer.
// If the collector is already registered, the existing one is returned.
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

// result label of a task code
func result(code task.Code) string {
	if code == task.OK {
		return "ok"
	}
	return code.String()
}

// SocketBytes counts bytes received ("rx") or sent ("tx").
func (m *Metrics) SocketBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.socketBytes.WithLabelValues(direction).Add(float64(n))
}

// SocketFailure counts a failed socket request.
func (m *Metrics) SocketFailure(op string) {
	if m == nil {
		return
	}
	m.socketFails.WithLabelValues(op).Inc()
}

// WiFiConnect counts the outcome of a connection attempt.
func (m *Metrics) WiFiConnect(code task.Code) {
	if m == nil {
		return
	}
	m.wifiConnects.WithLabelValues(result(code)).Inc()
}

// MQTTPacket counts an MQTT packet ("in" or "out").
func (m *Metrics) MQTTPacket(typ, direction string) {
	if m == nil {
		return
	}
	m.mqttPackets.WithLabelValues(typ, direction).Inc()
}

// MQTTPublish counts the outcome of a publish task.
func (m *Metrics) MQTTPublish(code task.Code) {
	if m == nil {
		return
	}
	m.mqttPublishes.WithLabelValues(result(code)).Inc()
}

// FTPCommand counts a received FTP command.
func (m *Metrics) FTPCommand(cmd string) {
	if m == nil {
		return
	}
	m.ftpCommands.WithLabelValues(cmd).Inc()
}

// FTPBytes counts transferred payload ("retr" or "stor").
func (m *Metrics) FTPBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ftpBytes.WithLabelValues(direction).Add(float64(n))
}

// Session counts an accepted or rejected session of a service.
func (m *Metrics) Session(service string, accepted bool) {
	if m == nil {
		return
	}
	res := "accepted"
	if !accepted {
		res = "rejected"
	}
	m.sessions.WithLabelValues(service, res).Inc()
}

// NTPSync counts the outcome of a time synchronisation.
func (m *Metrics) NTPSync(code task.Code) {
	if m == nil {
		return
	}
	m.ntpSyncs.WithLabelValues(result(code)).Inc()
}
