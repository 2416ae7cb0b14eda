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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/bfix/wificlock/task"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SocketBytes("rx", 10)
		m.SocketFailure("bind")
		m.WiFiConnect(task.OK)
		m.MQTTPacket("publish", "out")
		m.MQTTPublish(task.ErrNoResponse)
		m.FTPCommand("LIST")
		m.FTPBytes("retr", 100)
		m.Session("ftp", true)
		m.NTPSync(task.ErrTimeout)
	})
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SocketBytes("tx", 100)
	m.SocketBytes("tx", 23)
	m.SocketBytes("tx", 0)
	assert.Equal(t, 123.0, testutil.ToFloat64(m.socketBytes.WithLabelValues("tx")))

	m.MQTTPublish(task.OK)
	m.MQTTPublish(task.ErrNoResponse)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mqttPublishes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mqttPublishes.WithLabelValues("no response")))

	m.Session("ftp", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions.WithLabelValues("ftp", "rejected")))
}

func TestRegisterTwiceReuses(t *testing.T) {
	reg := prometheus.NewRegistry()
	m1 := New(reg)
	m2 := New(reg)
	m1.FTPCommand("NOOP")
	assert.Equal(t, 1.0, testutil.ToFloat64(m2.ftpCommands.WithLabelValues("NOOP")))
}
