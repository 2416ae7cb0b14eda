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
	"strconv"
	"time"

	"github.com/bfix/wificlock/diag"
)

const readme = `wificlock diagnostics

/status          full state snapshot
/time            clock (RFC 3339)
/uptime          time since start
/wifi/state      link state
/wifi/address    local address
/sockets         open sockets
/mqtt/state      broker session
/ftp/state       file server
/telnet/state    console
/ntp/state       time synchronisation
/card/state      storage card
`

// Namespace builds the read-only diagnostics tree. Every file renders
// the latest snapshot when read.
func (a *Appliance) Namespace(user, group string) (*diag.Namespace, error) {
	ns := diag.NewNamespace(user, group)
	for _, dir := range []string{"/wifi", "/mqtt", "/ftp", "/telnet", "/ntp", "/card"} {
		if err := ns.NewDir(dir, 0555); err != nil {
			return nil, err
		}
	}
	files := []struct {
		path string
		impl diag.File
	}{
		{"/readme", diag.NewTextFile(readme)},
		{"/status", diag.NewFuncFile(func() ([]byte, error) { return []byte(a.Snapshot().String()), nil })},
		{"/time", value(a, func(s Snapshot) string { return s.Time.UTC().Format(time.RFC3339) })},
		{"/uptime", value(a, func(s Snapshot) string { return s.Uptime.Truncate(time.Second).String() })},
		{"/wifi/state", value(a, func(s Snapshot) string { return s.WiFi })},
		{"/wifi/address", value(a, func(s Snapshot) string { return s.Address })},
		{"/sockets", value(a, func(s Snapshot) string { return strconv.Itoa(s.Sockets) })},
		{"/mqtt/state", value(a, func(s Snapshot) string { return s.MQTT })},
		{"/ftp/state", value(a, func(s Snapshot) string { return s.FTP })},
		{"/telnet/state", value(a, func(s Snapshot) string { return s.Telnet })},
		{"/ntp/state", value(a, func(s Snapshot) string { return s.NTP })},
		{"/card/state", value(a, func(s Snapshot) string { return s.Card })},
	}
	for _, f := range files {
		if err := ns.NewFile(f.path, 0444, f.impl); err != nil {
			return nil, err
		}
	}
	return ns, nil
}

// value file showing one field of the snapshot
func value(a *Appliance, field func(Snapshot) string) diag.File {
	return diag.NewValueFile(func() string {
		return field(a.Snapshot())
	})
}
