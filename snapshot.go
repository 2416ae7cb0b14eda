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
	"fmt"
	"strings"
	"time"

	"github.com/bfix/wificlock/task"
)

// Snapshot of the appliance state. It is refreshed by the scheduler
// and safe to read from other goroutines.
type Snapshot struct {
	Time    time.Time
	Uptime  time.Duration
	Ticks   uint64
	Status  string
	WiFi    string
	Address string
	Sockets int
	MQTT    string
	FTP     string
	Telnet  string
	NTP     string
	Card    string
}

// String renders the snapshot as "key: value" lines.
func (s Snapshot) String() string {
	buf := new(strings.Builder)
	line := func(key string, val any) {
		fmt.Fprintf(buf, "%-8s %v\n", key+":", val)
	}
	line("time", s.Time.UTC().Format(time.RFC3339))
	line("uptime", s.Uptime.Truncate(time.Second))
	line("ticks", s.Ticks)
	line("status", s.Status)
	line("wifi", s.WiFi)
	line("address", s.Address)
	line("sockets", s.Sockets)
	line("mqtt", s.MQTT)
	line("ftp", s.FTP)
	line("telnet", s.Telnet)
	line("ntp", s.NTP)
	line("card", s.Card)
	return buf.String()
}

// Snapshot returns the last published state.
func (a *Appliance) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

// publish a new snapshot
func (a *Appliance) refresh(now time.Time) {
	code, _ := a.status.Get()
	s := Snapshot{
		Time:    a.Time(),
		Uptime:  now.Sub(a.started),
		Ticks:   a.ticks,
		Status:  StatName(code),
		WiFi:    a.wifi.State().String(),
		Sockets: a.tab.Open(),
		MQTT:    a.mqttState(),
		FTP:     "disabled",
		Telnet:  "disabled",
		NTP:     a.ntpState(),
		Card:    a.cardState(),
	}
	if a.wifi.IsConnected() {
		s.Address = a.wifi.LocalAddr().String()
	}
	if a.ftp != nil {
		s.FTP = a.ftp.State()
	}
	if a.telnet != nil {
		s.Telnet = a.telnet.State()
	}
	a.mu.Lock()
	a.snap = s
	a.snapAt = now
	a.mu.Unlock()
}

func (a *Appliance) mqttState() string {
	switch {
	case a.mqtt == nil:
		return "disabled"
	case a.mqtt.IsConnected():
		return "connected (" + a.mqtt.ClientID() + ")"
	case a.mqtt.IsBusy():
		return "connecting"
	case a.mqtt.Error() != task.OK:
		return "disconnected: " + a.mqtt.Error().String()
	}
	return "disconnected"
}

func (a *Appliance) ntpState() string {
	switch {
	case a.ntp == nil:
		return "disabled"
	case a.ntp.IsBusy():
		return "syncing"
	case a.ntp.Synced().IsZero():
		if err := a.ntp.Error(); err != task.OK {
			return "unsynced: " + err.String()
		}
		return "unsynced"
	}
	return fmt.Sprintf("synced %s (offset %s)",
		a.ntp.Synced().UTC().Format(time.RFC3339), a.ntp.Offset())
}

func (a *Appliance) cardState() string {
	if !a.card.Present() {
		return "absent"
	}
	return "present"
}
