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

import (
	"bytes"
	"net/netip"

	"github.com/bfix/wificlock/radio"
)

// ref to a socket owned by a front end
type ref struct {
	tab *Table
	h   radio.Handle
	gen uint32
}

// set the owned socket
func (r *ref) set(h radio.Handle) {
	r.h = h
	r.gen = r.tab.Generation(h)
}

// handle returns the owned socket, or NoHandle if it was closed
// underneath the owner (e.g. by a link teardown).
func (r *ref) handle() radio.Handle {
	if !r.h.Valid() || r.tab.Generation(r.h) != r.gen {
		return radio.NoHandle
	}
	return r.h
}

// release the owned socket. Safe to call repeatedly.
func (r *ref) release() {
	if h := r.handle(); h.Valid() {
		r.tab.Close(h)
	}
	r.h, r.gen = radio.NoHandle, 0
}

//----------------------------------------------------------------------

// TCPClient is a non-blocking stream front end for one connection.
// After Stop the client can be reused.
type TCPClient struct {
	ref
}

// NewTCPClient creates an unconnected client on the table.
func NewTCPClient(tab *Table) *TCPClient {
	return &TCPClient{ref{tab: tab, h: radio.NoHandle}}
}

// Attach an accepted socket to the client (closing any previous one).
func (c *TCPClient) Attach(h radio.Handle) {
	c.Stop()
	c.set(h)
}

// Handle of the underlying socket.
func (c *TCPClient) Handle() radio.Handle {
	return c.handle()
}

// Connect starts a connection to addr. Returns false if no socket could
// be created or the request was refused.
func (c *TCPClient) Connect(addr netip.AddrPort) bool {
	c.Stop()
	h, ok := c.tab.Create(radio.DomainInet, radio.TypeStream, 0)
	if !ok {
		return false
	}
	if !c.tab.RequestConnect(h, addr) {
		c.tab.Close(h)
		return false
	}
	c.set(h)
	return true
}

// Connecting returns true while the connect request is outstanding.
func (c *TCPClient) Connecting() bool {
	return c.tab.State(c.handle()) == StateConnecting
}

// Connected returns true while the connection is usable.
func (c *TCPClient) Connected() bool {
	return c.tab.Connected(c.handle())
}

// Failed returns true if a connect request was rejected.
func (c *TCPClient) Failed() bool {
	return c.tab.State(c.handle()) == StateIdle && c.tab.Failure(c.handle()) != nil
}

// Remote address of the connection.
func (c *TCPClient) Remote() netip.AddrPort {
	return c.tab.Remote(c.handle())
}

// Available returns the number of readable bytes.
func (c *TCPClient) Available() int {
	return c.tab.Available(c.handle())
}

// Peek at buffered bytes.
func (c *TCPClient) Peek(p []byte) int {
	return c.tab.Peek(c.handle(), p)
}

// Read buffered bytes (never waits).
func (c *TCPClient) Read(p []byte) int {
	return c.tab.Read(c.handle(), p)
}

// ReadLine moves buffered bytes into line until a newline is seen.
// Returns true if the line is complete; the line ending is stripped.
// A line longer than max is cut to max+1 bytes and the rest up to the
// newline is discarded, so callers detect it with line.Len() > max.
func (c *TCPClient) ReadLine(line *bytes.Buffer, max int) bool {
	var b [1]byte
	for c.tab.Available(c.handle()) > 0 {
		if c.tab.Read(c.handle(), b[:]) == 0 {
			break
		}
		if b[0] == '\n' {
			trimCR(line)
			return true
		}
		switch n := line.Len(); {
		case n <= max:
			line.WriteByte(b[0])
		case line.Bytes()[n-1] == '\r':
			// the carriage return was not the line ending
			line.Bytes()[n-1] = b[0]
		}
	}
	return false
}

// remove a trailing carriage return
func trimCR(line *bytes.Buffer) {
	if n := line.Len(); n > 0 && line.Bytes()[n-1] == '\r' {
		line.Truncate(n - 1)
	}
}

// Write data; returns bytes written (0 on failure).
func (c *TCPClient) Write(p []byte) int {
	return c.tab.Write(c.handle(), p)
}

// WriteString writes a string.
func (c *TCPClient) WriteString(s string) int {
	return c.tab.Write(c.handle(), []byte(s))
}

// Stop closes the connection. Safe to call repeatedly.
func (c *TCPClient) Stop() {
	c.release()
}

//----------------------------------------------------------------------

// Listener is a listening stream socket driven through bind and listen
// requests by its owner.
type Listener struct {
	ref
}

// NewListener creates an unbound listener on the table.
func NewListener(tab *Table) *Listener {
	return &Listener{ref{tab: tab, h: radio.NoHandle}}
}

// Bind creates the socket and requests binding to port.
func (l *Listener) Bind(port uint16) bool {
	l.Stop()
	h, ok := l.tab.Create(radio.DomainInet, radio.TypeStream, 0)
	if !ok {
		return false
	}
	if !l.tab.RequestBind(h, port) {
		l.tab.Close(h)
		return false
	}
	l.set(h)
	return true
}

// Listen requests listening on the bound socket.
func (l *Listener) Listen() bool {
	return l.tab.RequestListen(l.handle(), 1)
}

// State of the listening socket.
func (l *Listener) State() State {
	return l.tab.State(l.handle())
}

// Failed returns true if the last bind or listen request failed.
func (l *Listener) Failed() bool {
	return l.tab.Failure(l.handle()) != nil
}

// Accept claims one spawned connection (if any).
func (l *Listener) Accept() (radio.Handle, bool) {
	return l.tab.Accepted(l.handle())
}

// Stop closes the listening socket. Safe to call repeatedly.
func (l *Listener) Stop() {
	l.release()
}

//----------------------------------------------------------------------

// UDPClient is a non-blocking datagram front end.
type UDPClient struct {
	ref
}

// NewUDPClient creates an unbound datagram client on the table.
func NewUDPClient(tab *Table) *UDPClient {
	return &UDPClient{ref{tab: tab, h: radio.NoHandle}}
}

// Begin creates the socket and requests binding to a local port
// (0 = any).
func (u *UDPClient) Begin(port uint16) bool {
	u.Stop()
	h, ok := u.tab.Create(radio.DomainInet, radio.TypeDatagram, 0)
	if !ok {
		return false
	}
	if !u.tab.RequestBind(h, port) {
		u.tab.Close(h)
		return false
	}
	u.set(h)
	return true
}

// Ready returns true once the socket is bound.
func (u *UDPClient) Ready() bool {
	return u.tab.State(u.handle()) == StateBound
}

// Failed returns true if binding failed.
func (u *UDPClient) Failed() bool {
	return u.tab.State(u.handle()) == StateIdle && u.tab.Failure(u.handle()) != nil
}

// SendTo sends a datagram.
func (u *UDPClient) SendTo(p []byte, to netip.AddrPort) int {
	return u.tab.WriteTo(u.handle(), p, to)
}

// Available returns the number of received bytes.
func (u *UDPClient) Available() int {
	return u.tab.Available(u.handle())
}

// Read received bytes.
func (u *UDPClient) Read(p []byte) int {
	return u.tab.Read(u.handle(), p)
}

// Remote returns the sender of the last received datagram.
func (u *UDPClient) Remote() netip.AddrPort {
	return u.tab.Remote(u.handle())
}

// Stop closes the socket. Safe to call repeatedly.
func (u *UDPClient) Stop() {
	u.release()
}
