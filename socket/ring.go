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

package socket

import "github.com/smallnest/ringbuffer"

// ring is a fixed-capacity byte FIFO staging data drained from the chip.
// The underlying buffer runs in non-blocking mode: writes beyond the
// free space are cut short and reads of an empty ring return nothing.
type ring struct {
	rb *ringbuffer.RingBuffer
}

// newRing allocates a ring buffer with given capacity.
func newRing(capacity int) *ring {
	return &ring{rb: ringbuffer.New(capacity)}
}

// Len returns the number of buffered bytes.
func (r *ring) Len() int {
	return r.rb.Length()
}

// Free returns the number of bytes that can be written.
func (r *ring) Free() int {
	return r.rb.Free()
}

// Write as many bytes as fit; returns the number written.
func (r *ring) Write(p []byte) int {
	n, _ := r.rb.Write(p)
	return n
}

// Peek copies buffered bytes into p without consuming them.
func (r *ring) Peek(p []byte) int {
	if len(p) == 0 || r.rb.IsEmpty() {
		return 0
	}
	n, _ := r.rb.Peek(p)
	return n
}

// Read consumes buffered bytes into p.
func (r *ring) Read(p []byte) int {
	if len(p) == 0 || r.rb.IsEmpty() {
		return 0
	}
	n, _ := r.rb.Read(p)
	return n
}
