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

// Package radio defines the contract between the network core and the
// chip-specific WiFi radio driver. A driver exposes primitive,
// non-blocking socket calls plus an event pump: completions of
// asynchronous requests are only delivered from inside Pump, never
// synchronously from a request call.
package radio

import (
	"errors"
	"net/netip"
)

// Handle of a chip socket.
type Handle int8

// NoHandle marks an invalid socket handle.
const NoHandle Handle = -1

// MaxSockets is the size of the chip socket table.
const MaxSockets = 12

// Valid returns true if the handle can index the socket table.
func (h Handle) Valid() bool {
	return h >= 0 && int(h) < MaxSockets
}

// Domain of a socket
type Domain uint8

// Socket domains
const (
	DomainInet Domain = 2
)

// Type of a socket
type Type uint8

// Socket types
const (
	TypeStream   Type = 1
	TypeDatagram Type = 2
)

// Driver errors
var (
	ErrBufferFull  = errors.New("chip buffer full")
	ErrNoSocket    = errors.New("no free socket")
	ErrBadHandle   = errors.New("invalid socket handle")
	ErrNotLinked   = errors.New("link down")
	ErrUnsupported = errors.New("operation not supported")
)

//----------------------------------------------------------------------

// LinkConfig holds the association and addressing parameters.
// A zero Address selects DHCP.
type LinkConfig struct {
	SSID       string
	Passphrase string
	Hostname   string
	Address    netip.Prefix // static address (optional)
	Gateway    netip.Addr   // static gateway (optional)
	DNS        netip.Addr   // static DNS server (optional)
}

// Static returns true if static addressing is configured.
func (cfg *LinkConfig) Static() bool {
	return cfg.Address.IsValid()
}

// Driver is the primitive interface of a WiFi radio chip.
type Driver interface {
	// Pump drains pending chip events and hands each of them to the
	// handler. It must be called before any socket state is trusted.
	Pump(h func(ev *Event))

	// Link control
	Connect(cfg LinkConfig) error
	Disconnect() error

	// Socket primitives
	Socket(domain Domain, typ Type, flags uint8) (Handle, error)
	Bind(h Handle, addr netip.AddrPort) error
	Listen(h Handle, backlog int) error
	Dial(h Handle, addr netip.AddrPort) error
	Recv(h Handle) error
	Send(h Handle, p []byte) (int, error)
	SendTo(h Handle, p []byte, to netip.AddrPort) (int, error)
	Close(h Handle) error

	// Name resolution and ICMP
	Resolve(host string) error
	Ping(addr netip.Addr, ttl uint8) error
}
