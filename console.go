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
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bfix/wificlock/task"
	"github.com/bfix/wificlock/telnet"
)

// console errors
var (
	errUsage       = errors.New("wrong number of arguments")
	errDisabled    = errors.New("service disabled")
	errBusy        = errors.New("service busy")
	errNotOnline   = errors.New("not connected")
	errPingRunning = errors.New("ping in progress")
)

// registerCommands adds the appliance commands to the console.
func (a *Appliance) registerCommands() error {
	for _, cmd := range []telnet.Command{
		{Name: "time", Help: "show the clock", Run: a.cmdTime},
		{Name: "sync", Help: "synchronise the clock now", Run: a.cmdSync},
		{Name: "card", Help: "show storage card usage", Run: a.cmdCard},
		{Name: "ping", Help: "ping <host> (no host: last result)", Run: a.cmdPing},
		{Name: "publish", Help: "publish <topic> <message>", Run: a.cmdPublish},
	} {
		if err := a.telnet.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

// writeStatus adds the service lines to the "status" command.
func (a *Appliance) writeStatus(out io.Writer) {
	s := a.Snapshot()
	code, _ := a.status.Get()
	fmt.Fprintf(out, "mqtt:    %s\n", a.mqttState())
	fmt.Fprintf(out, "ftp:     %s\n", s.FTP)
	fmt.Fprintf(out, "ntp:     %s\n", a.ntpState())
	fmt.Fprintf(out, "card:    %s\n", a.cardState())
	fmt.Fprintf(out, "led:     %s\n", StatName(code))
	fmt.Fprintf(out, "uptime:  %s\n", a.clock.Now().Sub(a.started).Truncate(time.Second))
}

func (a *Appliance) cmdTime(out io.Writer, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	fmt.Fprintln(out, a.Time().UTC().Format(time.RFC3339))
	return nil
}

func (a *Appliance) cmdSync(out io.Writer, args []string) error {
	switch {
	case len(args) != 0:
		return errUsage
	case a.ntp == nil:
		return errDisabled
	case !a.wifi.IsConnected():
		return errNotOnline
	case !a.ntp.Sync():
		return errBusy
	}
	fmt.Fprintf(out, "sync with %s started\n", a.cfg.NTP.Server)
	return nil
}

func (a *Appliance) cmdCard(out io.Writer, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	u, rc := a.card.Usage()
	if rc != task.OK {
		return rc
	}
	fmt.Fprintln(out, u)
	return nil
}

func (a *Appliance) cmdPing(out io.Writer, args []string) error {
	switch len(args) {
	case 0:
		if a.lastPing == "" {
			fmt.Fprintln(out, "no ping yet")
		} else {
			fmt.Fprintln(out, "last ping:", a.lastPing)
		}
		return nil
	case 1:
	default:
		return errUsage
	}
	if a.pinging {
		return errPingRunning
	}
	a.pingSeen, _, _ = a.wifi.PingResult()
	if !a.wifi.Ping(args[0]) {
		if err := a.wifi.Error(); err != task.OK && !a.wifi.IsBusy() {
			return err
		}
		return errBusy
	}
	a.pinging = true
	fmt.Fprintf(out, "pinging %s\n", args[0])
	return nil
}

func (a *Appliance) cmdPublish(out io.Writer, args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	switch {
	case a.mqtt == nil:
		return errDisabled
	case !a.mqtt.IsConnected():
		return errNotOnline
	case a.mqtt.IsBusy():
		return errBusy
	}
	topic := args[0]
	if !strings.Contains(topic, "/") {
		topic = a.cfg.MQTT.Topic + "/" + topic
	}
	if !a.mqtt.Publish(topic, []byte(strings.Join(args[1:], " ")), false) {
		return a.mqtt.Error()
	}
	fmt.Fprintf(out, "published to %s\n", topic)
	return nil
}
