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

package ftp

import (
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"strconv"
	"strings"

	"github.com/bfix/wificlock/socket"
	"github.com/bfix/wificlock/task"
)

// data connection states
type dataState uint8

const (
	dataDisabled      dataState = iota // no data connection prepared
	dataRequestBind                    // passive: bind requested
	dataRequestListen                  // passive: listen requested
	dataListening                      // passive: waiting for the client
	dataConnecting                     // active: connecting to the client
	dataConnected                      // data connection established
)

var dataNames = [...]string{"disabled", "request-bind", "request-listen", "listening", "connecting", "connected"}

func (s dataState) String() string {
	if int(s) < len(dataNames) {
		return dataNames[s]
	}
	return "unknown"
}

// close the data connection and forget the endpoint
func (s *Server) closeData() {
	s.dataConn.Stop()
	s.dataListener.Stop()
	s.data = dataDisabled
	s.active = netip.AddrPort{}
	s.pasvPending = false
}

// start a passive listener on a random port
func (s *Server) startPassive() bool {
	s.closeData()
	span := int(s.cfg.PassiveMax-s.cfg.PassiveMin) + 1
	s.dataPort = s.cfg.PassiveMin + uint16(rand.IntN(span))
	if !s.dataListener.Bind(s.dataPort) {
		return false
	}
	s.data = dataRequestBind
	s.pasvPending = true
	s.pasvStart = s.Now()
	return true
}

// advance the passive listener setup; the 227 reply is sent once the
// client can connect
func (s *Server) stepPassive() {
	if s.pasvPending && s.Now().Sub(s.pasvStart) > s.cfg.DataTimeout {
		s.log.Warn("ftp:passive listener timed out", slog.String("state", s.data.String()))
		s.passiveFailed()
		return
	}
	switch s.data {
	case dataRequestBind:
		switch {
		case s.dataListener.State() == socket.StateBound:
			if !s.dataListener.Listen() {
				s.passiveFailed()
				return
			}
			s.data = dataRequestListen
		case s.dataListener.Failed() || s.dataListener.State() == socket.StateInvalid:
			s.passiveFailed()
		}

	case dataRequestListen:
		switch {
		case s.dataListener.State() == socket.StateListening:
			s.data = dataListening
			s.pasvPending = false
			a := s.wifi.LocalAddr().Addr().As4()
			s.reply(227, "Entering Passive Mode (%d,%d,%d,%d,%d,%d).",
				a[0], a[1], a[2], a[3], s.dataPort>>8, s.dataPort&0xff)
		case s.dataListener.Failed() || s.dataListener.State() == socket.StateInvalid:
			s.passiveFailed()
		}
	}
}

func (s *Server) passiveFailed() {
	s.log.Warn("ftp:passive listener failed", slog.Int("port", int(s.dataPort)))
	s.closeData()
	s.reply(425, "Can't open passive connection")
}

// parse the parameter of a PORT command ("h1,h2,h3,h4,p1,p2")
func parsePort(arg string) (netip.AddrPort, bool) {
	f := strings.Split(strings.TrimSpace(arg), ",")
	if len(f) != 6 {
		return netip.AddrPort{}, false
	}
	var v [6]byte
	for i, s := range f {
		n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
		if err != nil {
			return netip.AddrPort{}, false
		}
		v[i] = byte(n)
	}
	addr := netip.AddrFrom4([4]byte{v[0], v[1], v[2], v[3]})
	return netip.AddrPortFrom(addr, uint16(v[4])<<8|uint16(v[5])), true
}

// dataReady advances the data connection of the running transfer. It
// returns true once the connection is usable; a connection that does
// not come up in time ends the transfer with ErrNoDataConnection.
func (s *Server) dataReady() bool {
	switch s.data {
	case dataConnected:
		return true

	case dataListening:
		if h, ok := s.dataListener.Accept(); ok {
			s.dataConn.Attach(h)
			s.dataListener.Stop()
			s.data = dataConnected
			s.log.Debug("ftp:data connected", slog.String("mode", "passive"))
			return true
		}

	case dataDisabled:
		if s.active.IsValid() {
			if s.dataConn.Connect(s.active) {
				s.data = dataConnecting
				return false
			}
			s.endTransfer(task.ErrNoDataConnection, 425, "Can't open data connection")
			return false
		}

	case dataConnecting:
		if s.dataConn.Failed() {
			s.endTransfer(task.ErrNoDataConnection, 425, "Can't open data connection")
			return false
		}
		if s.dataConn.Connected() {
			s.data = dataConnected
			s.log.Debug("ftp:data connected", slog.String("mode", "active"))
			return true
		}
	}
	if s.TimedOut(s.cfg.DataTimeout) {
		s.log.Warn("ftp:data timeout", slog.String("state", s.data.String()))
		s.endTransfer(task.ErrNoDataConnection, 425, "No data connection")
	}
	return false
}

// has the session a data endpoint for the next transfer?
func (s *Server) dataPrepared() bool {
	return s.active.IsValid() || s.data == dataListening || s.data == dataConnected
}
