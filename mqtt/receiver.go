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

package mqtt

import (
	"github.com/bfix/wificlock/task"
)

// receiver states
type rxState uint8

const (
	rxIdle      rxState = iota // waiting for a fixed header
	rxLength                   // reading remaining length
	rxPayload                  // reading packet body
	rxComplete                 // packet ready
)

// byte source of the receiver (a TCP client)
type source interface {
	Available() int
	Read(p []byte) int
}

// receiver assembles inbound packets from whatever bytes are available,
// never waiting for more.
type receiver struct {
	state   rxState
	header  byte
	length  int
	lenBuf  [4]byte
	lenUsed int
	body    []byte
	got     int
	limit   int // largest accepted packet body
}

// reset to wait for the next packet
func (r *receiver) reset() {
	r.state = rxIdle
	r.length, r.lenUsed, r.got = 0, 0, 0
	r.body = nil
}

// poll moves available bytes into the packet under construction.
// It returns true when a packet is complete; the packet stays available
// through packet() until reset.
func (r *receiver) poll(src source) (bool, error) {
	var b [1]byte
	for r.state != rxComplete {
		switch r.state {
		case rxIdle:
			if src.Available() == 0 || src.Read(b[:]) == 0 {
				return false, nil
			}
			r.header = b[0]
			r.state = rxLength

		case rxLength:
			if src.Available() == 0 || src.Read(b[:]) == 0 {
				return false, nil
			}
			// DecodeVarint rejects the fourth byte if it continues
			r.lenBuf[r.lenUsed] = b[0]
			r.lenUsed++
			n, used, err := DecodeVarint(r.lenBuf[:r.lenUsed])
			if err != nil {
				r.reset()
				return false, err
			}
			if used == 0 {
				continue
			}
			if r.limit > 0 && n > r.limit {
				r.reset()
				return false, task.ErrAlloc
			}
			r.length = n
			r.body = make([]byte, n)
			r.state = rxPayload

		case rxPayload:
			if r.got == r.length {
				r.state = rxComplete
				break
			}
			if src.Available() == 0 {
				return false, nil
			}
			n := src.Read(r.body[r.got:])
			if n == 0 {
				return false, nil
			}
			r.got += n
		}
	}
	return true, nil
}

// packet returns the completed packet.
func (r *receiver) packet() *Packet {
	if r.state != rxComplete {
		return nil
	}
	return &Packet{Header: r.header, Body: r.body}
}
