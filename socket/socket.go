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

// Package socket wraps the primitive, asynchronous socket calls of the
// radio chip in a per-handle state table. Chip completions arrive
// through HandleEvent (called from the event pump); every query on the
// table reflects the state as of the last pump.
package socket

import (
	"io"
	"log/slog"
	"net/netip"

	"github.com/bfix/wificlock/metrics"
	"github.com/bfix/wificlock/radio"
)

// State of a socket descriptor.
type State uint8

// Socket states
const (
	StateInvalid         State = iota // not allocated
	StateIdle                         // allocated, no request pending
	StateBinding                      // bind requested
	StateBound                        // bound to local port
	StateListenRequested              // listen requested
	StateListening                    // accepting connections
	StateConnecting                   // connect requested
	StateConnected                    // connection established
	StateAccepted                     // spawned by a listener, not yet claimed
)

var stateNames = [...]string{
	"invalid", "idle", "binding", "bound", "listen-requested",
	"listening", "connecting", "connected", "accepted",
}

// String returns the name of the state.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Config of the socket table.
type Config struct {
	// BufferSize of the per-socket receive ring.
	BufferSize int
	// SendRetries on a full chip buffer before a write gives up.
	SendRetries int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the default table configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:  512,
		SendRetries: 8,
	}
}

// per-socket record
type descriptor struct {
	state      State
	typ        radio.Type
	parent     radio.Handle   // listener that spawned the socket
	remote     netip.AddrPort // peer of last received data
	pending    []byte         // chip data not yet staged
	armed      bool           // chip receive outstanding
	peerClosed bool           // peer closed the connection
	failed     error          // failure of the last request
	rx         *ring          // receive staging buffer
	gen        uint32         // allocation generation
}

//----------------------------------------------------------------------

// Table is the socket state table of the chip.
type Table struct {
	drv   radio.Driver
	cfg   Config
	log   *slog.Logger
	gen   uint32
	socks [radio.MaxSockets]descriptor
}

// NewTable creates an empty socket table on top of a chip driver.
func NewTable(drv radio.Driver, cfg Config) *Table {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.SendRetries <= 0 {
		cfg.SendRetries = def.SendRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(127),
		}))
	}
	t := &Table{
		drv: drv,
		cfg: cfg,
		log: logger,
	}
	for i := range t.socks {
		t.socks[i].parent = radio.NoHandle
	}
	return t
}

// get descriptor of a valid, allocated handle
func (t *Table) get(h radio.Handle) *descriptor {
	if !h.Valid() || t.socks[h].state == StateInvalid {
		return nil
	}
	return &t.socks[h]
}

// Create a new socket; returns false if the chip has no free socket.
func (t *Table) Create(domain radio.Domain, typ radio.Type, flags uint8) (radio.Handle, bool) {
	h, err := t.drv.Socket(domain, typ, flags)
	if err != nil || !h.Valid() {
		t.log.Warn("socket:create-failed", slog.Any("err", err))
		t.cfg.Metrics.SocketFailure("create")
		return radio.NoHandle, false
	}
	t.gen++
	t.socks[h] = descriptor{
		state:  StateIdle,
		typ:    typ,
		parent: radio.NoHandle,
		rx:     newRing(t.cfg.BufferSize),
		gen:    t.gen,
	}
	return h, true
}

// Generation of an allocated socket. Handles are reused by the chip; the
// generation tells a holder whether its socket is still the same one.
func (t *Table) Generation(h radio.Handle) uint32 {
	if d := t.get(h); d != nil {
		return d.gen
	}
	return 0
}

// RequestBind asks the chip to bind an idle socket to a local port.
func (t *Table) RequestBind(h radio.Handle, port uint16) bool {
	d := t.get(h)
	if d == nil || d.state != StateIdle {
		return false
	}
	if err := t.drv.Bind(h, netip.AddrPortFrom(netip.IPv4Unspecified(), port)); err != nil {
		t.log.Warn("socket:bind-failed", slog.Int("socket", int(h)), slog.Any("err", err))
		t.cfg.Metrics.SocketFailure("bind")
		return false
	}
	d.failed = nil
	d.state = StateBinding
	return true
}

// RequestListen asks the chip to listen on a bound socket.
func (t *Table) RequestListen(h radio.Handle, backlog int) bool {
	d := t.get(h)
	if d == nil || d.state != StateBound {
		return false
	}
	if err := t.drv.Listen(h, backlog); err != nil {
		t.log.Warn("socket:listen-failed", slog.Int("socket", int(h)), slog.Any("err", err))
		t.cfg.Metrics.SocketFailure("listen")
		return false
	}
	d.failed = nil
	d.state = StateListenRequested
	return true
}

// RequestConnect asks the chip to connect an idle socket to a remote
// address.
func (t *Table) RequestConnect(h radio.Handle, addr netip.AddrPort) bool {
	d := t.get(h)
	if d == nil || d.state != StateIdle {
		return false
	}
	if err := t.drv.Dial(h, addr); err != nil {
		t.log.Warn("socket:connect-failed", slog.Int("socket", int(h)), slog.Any("err", err))
		t.cfg.Metrics.SocketFailure("connect")
		return false
	}
	d.failed = nil
	d.remote = addr
	d.state = StateConnecting
	return true
}

// State of a socket (StateInvalid for unknown handles).
func (t *Table) State(h radio.Handle) State {
	if !h.Valid() {
		return StateInvalid
	}
	return t.socks[h].state
}

// Failure returns the error of the last failed request on the socket.
func (t *Table) Failure(h radio.Handle) error {
	if d := t.get(h); d != nil {
		return d.failed
	}
	return nil
}

// Remote returns the peer address of a socket.
func (t *Table) Remote(h radio.Handle) netip.AddrPort {
	if d := t.get(h); d != nil {
		return d.remote
	}
	return netip.AddrPort{}
}

// Connected returns true while a connection is usable: it is
// established and either the peer is still there or received data is
// still waiting to be read.
func (t *Table) Connected(h radio.Handle) bool {
	d := t.get(h)
	if d == nil || d.state != StateConnected {
		return false
	}
	return !d.peerClosed || d.rx.Len()+len(d.pending) > 0
}

// PeerClosed returns true if the peer has closed the connection.
func (t *Table) PeerClosed(h radio.Handle) bool {
	d := t.get(h)
	return d != nil && d.peerClosed
}

// Accepted returns a spawned child of a listening socket, at most one per
// call. Ownership of the child passes to the caller.
func (t *Table) Accepted(listener radio.Handle) (radio.Handle, bool) {
	if !listener.Valid() {
		return radio.NoHandle, false
	}
	for i := range t.socks {
		d := &t.socks[i]
		if d.state == StateAccepted && d.parent == listener {
			d.state = StateConnected
			d.parent = radio.NoHandle
			return radio.Handle(i), true
		}
	}
	return radio.NoHandle, false
}

//----------------------------------------------------------------------
// data transfer

// refill stages pending chip data and re-arms a chip receive if the
// local buffer is exhausted.
func (t *Table) refill(h radio.Handle, d *descriptor) {
	if len(d.pending) > 0 {
		n := d.rx.Write(d.pending)
		d.pending = d.pending[n:]
		if len(d.pending) == 0 {
			d.pending = nil
		}
	}
	if d.rx.Len() > 0 || d.armed || d.peerClosed {
		return
	}
	if d.state != StateConnected && !(d.typ == radio.TypeDatagram && d.state == StateBound) {
		return
	}
	if err := t.drv.Recv(h); err != nil {
		t.log.Debug("socket:recv-failed", slog.Int("socket", int(h)), slog.Any("err", err))
		return
	}
	d.armed = true
}

// Available returns the number of bytes that can be read without waiting.
func (t *Table) Available(h radio.Handle) int {
	d := t.get(h)
	if d == nil {
		return 0
	}
	t.refill(h, d)
	return d.rx.Len() + len(d.pending)
}

// Peek copies buffered bytes into p without consuming them.
func (t *Table) Peek(h radio.Handle, p []byte) int {
	d := t.get(h)
	if d == nil {
		return 0
	}
	t.refill(h, d)
	return d.rx.Peek(p)
}

// Read buffered bytes into p. Returns 0 if nothing is buffered.
func (t *Table) Read(h radio.Handle, p []byte) int {
	d := t.get(h)
	if d == nil {
		return 0
	}
	n := 0
	for n < len(p) {
		k := d.rx.Read(p[n:])
		if k == 0 {
			if len(d.pending) == 0 {
				break
			}
			t.refill(h, d)
			continue
		}
		n += k
	}
	t.refill(h, d)
	t.cfg.Metrics.SocketBytes("rx", n)
	return n
}

// Write p to a connected socket. A full chip buffer is retried; any other
// error, or a socket that is not connected, aborts the write and
// reports zero bytes written.
func (t *Table) Write(h radio.Handle, p []byte) int {
	d := t.get(h)
	if d == nil || d.state != StateConnected || d.peerClosed {
		return 0
	}
	written, retries := 0, 0
	for written < len(p) {
		n, err := t.drv.Send(h, p[written:])
		if err == radio.ErrBufferFull {
			// a partial send still moved n bytes into the chip
			written += n
			if retries++; retries > t.cfg.SendRetries {
				break
			}
			continue
		}
		if err != nil {
			t.log.Warn("socket:send-failed", slog.Int("socket", int(h)), slog.Any("err", err))
			t.cfg.Metrics.SocketFailure("send")
			return 0
		}
		written += n
	}
	t.cfg.Metrics.SocketBytes("tx", written)
	return written
}

// WriteTo sends a datagram on a bound datagram socket.
func (t *Table) WriteTo(h radio.Handle, p []byte, to netip.AddrPort) int {
	d := t.get(h)
	if d == nil || d.typ != radio.TypeDatagram || d.state != StateBound {
		return 0
	}
	n, err := t.drv.SendTo(h, p, to)
	if err != nil {
		t.log.Warn("socket:sendto-failed", slog.Int("socket", int(h)), slog.Any("err", err))
		t.cfg.Metrics.SocketFailure("sendto")
		return 0
	}
	t.cfg.Metrics.SocketBytes("tx", n)
	return n
}

// Close a socket: undelivered chip data is discarded, the receive buffer
// released and the state reset. Unclaimed children of a listener are
// closed with it. Closing an invalid handle does nothing.
func (t *Table) Close(h radio.Handle) {
	d := t.get(h)
	if d == nil {
		return
	}
	if err := t.drv.Close(h); err != nil {
		t.log.Debug("socket:close", slog.Int("socket", int(h)), slog.Any("err", err))
	}
	*d = descriptor{parent: radio.NoHandle}
	for i := range t.socks {
		if t.socks[i].state == StateAccepted && t.socks[i].parent == h {
			t.Close(radio.Handle(i))
		}
	}
}

// CloseAll closes every open socket.
func (t *Table) CloseAll() {
	for i := range t.socks {
		t.Close(radio.Handle(i))
	}
}

// Open returns the number of allocated sockets.
func (t *Table) Open() int {
	n := 0
	for i := range t.socks {
		if t.socks[i].state != StateInvalid {
			n++
		}
	}
	return n
}

//----------------------------------------------------------------------
// chip events

// HandleEvent applies a socket event from the pump to the table.
// It returns false for events that do not belong to the socket layer.
func (t *Table) HandleEvent(ev *radio.Event) bool {
	if !ev.IsSocketEvent() {
		return false
	}
	d := t.get(ev.Socket)
	if d == nil {
		// late event for a closed socket
		if ev.Kind == radio.EvAccept && ev.Child.Valid() {
			t.drv.Close(ev.Child)
		}
		return true
	}
	switch ev.Kind {
	case radio.EvBind:
		if d.state != StateBinding {
			break
		}
		if ev.Err != nil {
			d.failed = ev.Err
			d.state = StateIdle
			t.cfg.Metrics.SocketFailure("bind")
			break
		}
		d.state = StateBound

	case radio.EvListen:
		if d.state != StateListenRequested {
			break
		}
		if ev.Err != nil {
			d.failed = ev.Err
			d.state = StateBound
			t.cfg.Metrics.SocketFailure("listen")
			break
		}
		d.state = StateListening

	case radio.EvConnect:
		if d.state != StateConnecting {
			break
		}
		if ev.Err != nil {
			d.failed = ev.Err
			d.state = StateIdle
			t.cfg.Metrics.SocketFailure("connect")
			break
		}
		d.state = StateConnected

	case radio.EvAccept:
		if d.state != StateListening || !ev.Child.Valid() || t.socks[ev.Child].state != StateInvalid {
			if ev.Child.Valid() && t.socks[ev.Child].state == StateInvalid {
				t.drv.Close(ev.Child)
			}
			break
		}
		t.gen++
		t.socks[ev.Child] = descriptor{
			state:  StateAccepted,
			typ:    radio.TypeStream,
			parent: ev.Socket,
			remote: ev.Remote,
			rx:     newRing(t.cfg.BufferSize),
			gen:    t.gen,
		}
		t.log.Debug("socket:accepted",
			slog.Int("listener", int(ev.Socket)),
			slog.Int("socket", int(ev.Child)),
			slog.String("remote", ev.Remote.String()))

	case radio.EvRecv:
		d.armed = false
		if ev.Closed || ev.Err != nil {
			d.peerClosed = true
			break
		}
		if ev.Remote.IsValid() {
			d.remote = ev.Remote
		}
		n := d.rx.Write(ev.Data)
		if n < len(ev.Data) {
			d.pending = append(d.pending, ev.Data[n:]...)
		}
	}
	return true
}
