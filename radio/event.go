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

package radio

import (
	"net/netip"
	"strconv"
	"time"
)

// EventKind distinguishes chip events.
type EventKind uint8

// Chip events
const (
	EvNone     EventKind = iota
	EvBind               // bind request completed
	EvListen             // listen request completed
	EvAccept             // listening socket spawned a child
	EvConnect            // connect request completed
	EvRecv               // receive completed (data or peer close)
	EvSend               // send completed
	EvLinkUp             // associated with access point
	EvLinkDown           // link lost or association failed
	EvAddress            // IP configuration available (DHCP or static)
	EvResolve            // hostname resolution completed
	EvPing               // ping reply (or failure)
)

var eventNames = [...]string{
	"none", "bind", "listen", "accept", "connect", "recv", "send",
	"link-up", "link-down", "address", "resolve", "ping",
}

// String returns the name of the event kind.
func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "event-" + strconv.Itoa(int(k))
}

// LinkReason explains an EvLinkDown event.
type LinkReason uint8

// Link-down reasons
const (
	ReasonDisconnected LinkReason = iota // link dropped or torn down
	ReasonConnectFail                    // association or auth failed
	ReasonNoSSID                         // network not found
)

// Event reported by the chip through the pump.
type Event struct {
	Kind   EventKind
	Socket Handle         // socket the event refers to
	Child  Handle         // EvAccept: spawned socket
	Remote netip.AddrPort // EvAccept/EvRecv: peer address
	Data   []byte         // EvRecv: received bytes (ownership passes to the handler)
	Closed bool           // EvRecv: peer closed the connection
	Err    error          // failure of the request (nil on success)

	Reason  LinkReason   // EvLinkDown
	Address netip.Prefix // EvAddress: assigned address
	Gateway netip.Addr   // EvAddress
	DNS     netip.Addr   // EvAddress

	Host string        // EvResolve
	Addr netip.Addr    // EvResolve/EvPing: resolved or pinged address
	RTT  time.Duration // EvPing
}

// IsSocketEvent returns true for events that belong to the socket table.
func (ev *Event) IsSocketEvent() bool {
	switch ev.Kind {
	case EvBind, EvListen, EvAccept, EvConnect, EvRecv, EvSend:
		return true
	}
	return false
}
