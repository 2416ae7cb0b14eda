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

// Package radiotest provides a deterministic, simulated radio chip for
// tests of the network core. Time is manual, events are queued until
// the next Pump, and the remote side of every connection is scripted by
// the test through Conn and Server values.
package radiotest

import (
	"bytes"
	"errors"
	"net/netip"
	"time"

	"github.com/bfix/wificlock/radio"
)

// Simulation errors
var (
	ErrRefused  = errors.New("connection refused")
	ErrAddrUsed = errors.New("address in use")
	ErrNoHost   = errors.New("host not found")
)

// DefaultAddress is the DHCP address handed out by the simulated AP.
var DefaultAddress = netip.MustParsePrefix("192.168.1.50/24")

// RecvChunk is the maximum number of bytes delivered per receive event.
const RecvChunk = 1400

// queued event
type pending struct {
	at time.Time
	ev radio.Event
}

// received datagram or stream chunk
type packet struct {
	data []byte
	from netip.AddrPort
}

// simulated chip socket
type sock struct {
	typ        radio.Type
	local      netip.AddrPort
	listening  bool
	connected  bool
	armed      bool
	peerClosed bool
	inbound    []packet
	peer       *Conn
}

//----------------------------------------------------------------------

// Sim is a simulated radio chip and its network environment.
type Sim struct {
	now     time.Time
	events  []pending
	socks   [radio.MaxSockets]*sock
	linked  bool
	address netip.Prefix

	// Networks maps SSIDs to passphrases of reachable access points.
	Networks map[string]string
	// AssocDelay is the time an association takes.
	AssocDelay time.Duration
	// Hosts resolvable by name.
	Hosts map[string]netip.Addr
	// ResolveDelay is the time a resolution takes.
	ResolveDelay time.Duration
	// Pingable hosts answer with PingRTT.
	Pingable map[netip.Addr]bool
	PingRTT  time.Duration
	// SendFull makes the next n Send calls report a full buffer.
	SendFull int
	// SendPartial makes the next Send accept at most that many bytes
	// and report a full buffer for the rest.
	SendPartial int
	// HoldBind leaves bind requests unanswered.
	HoldBind bool
	// Datagram responders by destination.
	Responders map[netip.AddrPort]func(req []byte) []byte

	servers   map[netip.AddrPort]*Server
	Linkups   int // number of association attempts
	Resolves  int // number of resolve requests
	Pings     int // number of ping requests
	Datagrams []Datagram
}

// Datagram sent by the device.
type Datagram struct {
	To   netip.AddrPort
	Data []byte
}

// New creates a simulation with a single open network "clocknet"
// (passphrase "secret").
func New() *Sim {
	return &Sim{
		now:        time.Unix(1_700_000_000, 0),
		Networks:   map[string]string{"clocknet": "secret"},
		Hosts:      make(map[string]netip.Addr),
		Pingable:   make(map[netip.Addr]bool),
		PingRTT:    12 * time.Millisecond,
		Responders: make(map[netip.AddrPort]func([]byte) []byte),
		servers:    make(map[netip.AddrPort]*Server),
	}
}

// Now implements task.Clock.
func (s *Sim) Now() time.Time {
	return s.now
}

// Advance the simulated time.
func (s *Sim) Advance(d time.Duration) {
	s.now = s.now.Add(d)
}

// Linked returns true if the simulated link is up.
func (s *Sim) Linked() bool {
	return s.linked
}

// OpenSockets returns the number of sockets in use.
func (s *Sim) OpenSockets() int {
	n := 0
	for _, sk := range s.socks {
		if sk != nil {
			n++
		}
	}
	return n
}

// queue an event for delivery after delay d
func (s *Sim) post(d time.Duration, ev radio.Event) {
	s.events = append(s.events, pending{at: s.now.Add(d), ev: ev})
}

// drop all queued events for a socket
func (s *Sim) dropEvents(h radio.Handle) {
	out := s.events[:0]
	for _, p := range s.events {
		if p.ev.IsSocketEvent() && (p.ev.Socket == h || p.ev.Child == h) {
			continue
		}
		out = append(out, p)
	}
	s.events = out
}

// Pump delivers all due events, then pending receive data.
func (s *Sim) Pump(h func(ev *radio.Event)) {
	var due []radio.Event
	rest := s.events[:0]
	for _, p := range s.events {
		if !p.at.After(s.now) {
			due = append(due, p.ev)
		} else {
			rest = append(rest, p)
		}
	}
	s.events = rest
	for i := range due {
		h(&due[i])
	}
	for i, sk := range s.socks {
		if sk == nil || !sk.armed {
			continue
		}
		ev := radio.Event{Kind: radio.EvRecv, Socket: radio.Handle(i)}
		switch {
		case len(sk.inbound) > 0:
			pkt := sk.inbound[0]
			n := min(len(pkt.data), RecvChunk)
			ev.Data = append([]byte(nil), pkt.data[:n]...)
			ev.Remote = pkt.from
			if n == len(pkt.data) {
				sk.inbound = sk.inbound[1:]
			} else {
				sk.inbound[0].data = pkt.data[n:]
			}
		case sk.peerClosed:
			ev.Closed = true
		default:
			continue
		}
		sk.armed = false
		h(&ev)
	}
}

//----------------------------------------------------------------------
// link control

// Connect starts an association with the configured network.
func (s *Sim) Connect(cfg radio.LinkConfig) error {
	s.Linkups++
	pass, ok := s.Networks[cfg.SSID]
	switch {
	case !ok:
		s.post(s.AssocDelay, radio.Event{Kind: radio.EvLinkDown, Reason: radio.ReasonNoSSID})
	case pass != cfg.Passphrase:
		s.post(s.AssocDelay, radio.Event{Kind: radio.EvLinkDown, Reason: radio.ReasonConnectFail})
	default:
		s.address = DefaultAddress
		if cfg.Static() {
			s.address = cfg.Address
		}
		s.linked = true
		gw := netip.MustParseAddr("192.168.1.1")
		s.post(s.AssocDelay, radio.Event{Kind: radio.EvLinkUp})
		s.post(s.AssocDelay, radio.Event{
			Kind:    radio.EvAddress,
			Address: s.address,
			Gateway: gw,
			DNS:     gw,
		})
	}
	return nil
}

// Disconnect tears the link down.
func (s *Sim) Disconnect() error {
	s.linked = false
	s.post(0, radio.Event{Kind: radio.EvLinkDown, Reason: radio.ReasonDisconnected})
	return nil
}

// DropLink simulates the loss of the access point.
func (s *Sim) DropLink() {
	s.linked = false
	s.post(0, radio.Event{Kind: radio.EvLinkDown, Reason: radio.ReasonDisconnected})
}

//----------------------------------------------------------------------
// socket primitives

func (s *Sim) get(h radio.Handle) (*sock, error) {
	if !h.Valid() || s.socks[h] == nil {
		return nil, radio.ErrBadHandle
	}
	return s.socks[h], nil
}

func (s *Sim) alloc(typ radio.Type) (radio.Handle, error) {
	for i, sk := range s.socks {
		if sk == nil {
			s.socks[i] = &sock{typ: typ}
			return radio.Handle(i), nil
		}
	}
	return radio.NoHandle, radio.ErrNoSocket
}

// Socket allocates a chip socket.
func (s *Sim) Socket(_ radio.Domain, typ radio.Type, _ uint8) (radio.Handle, error) {
	return s.alloc(typ)
}

// Bind requests binding a socket to a local port.
func (s *Sim) Bind(h radio.Handle, addr netip.AddrPort) error {
	sk, err := s.get(h)
	if err != nil {
		return err
	}
	ev := radio.Event{Kind: radio.EvBind, Socket: h}
	for i, o := range s.socks {
		if o != nil && radio.Handle(i) != h && o.local.Port() == addr.Port() && addr.Port() != 0 {
			ev.Err = ErrAddrUsed
		}
	}
	if ev.Err == nil {
		sk.local = netip.AddrPortFrom(s.address.Addr(), addr.Port())
	}
	if s.HoldBind {
		return nil
	}
	s.post(0, ev)
	return nil
}

// Listen requests listening on a bound socket.
func (s *Sim) Listen(h radio.Handle, _ int) error {
	sk, err := s.get(h)
	if err != nil {
		return err
	}
	sk.listening = true
	s.post(0, radio.Event{Kind: radio.EvListen, Socket: h})
	return nil
}

// Dial requests a connection to a remote server.
func (s *Sim) Dial(h radio.Handle, addr netip.AddrPort) error {
	sk, err := s.get(h)
	if err != nil {
		return err
	}
	if !s.linked {
		return radio.ErrNotLinked
	}
	ev := radio.Event{Kind: radio.EvConnect, Socket: h, Remote: addr}
	srv, ok := s.servers[addr]
	if !ok || srv.Refuse {
		ev.Err = ErrRefused
		s.post(0, ev)
		return nil
	}
	if srv.Silent {
		return nil
	}
	c := &Conn{sim: s, handle: h, Remote: addr}
	sk.peer = c
	sk.connected = true
	srv.Conns = append(srv.Conns, c)
	s.post(srv.Delay, ev)
	return nil
}

// Recv arms a receive on the socket.
func (s *Sim) Recv(h radio.Handle) error {
	sk, err := s.get(h)
	if err != nil {
		return err
	}
	sk.armed = true
	return nil
}

// Send data on a connected socket.
func (s *Sim) Send(h radio.Handle, p []byte) (int, error) {
	sk, err := s.get(h)
	if err != nil {
		return 0, err
	}
	if k := s.SendPartial; k > 0 && k < len(p) && sk.connected && sk.peer != nil {
		s.SendPartial = 0
		sk.peer.received.Write(p[:k])
		return k, radio.ErrBufferFull
	}
	if s.SendFull > 0 {
		s.SendFull--
		return 0, radio.ErrBufferFull
	}
	if !sk.connected || sk.peer == nil || sk.peer.closed {
		return 0, ErrRefused
	}
	s.SendPartial = 0
	sk.peer.received.Write(p)
	return len(p), nil
}

// SendTo sends a datagram.
func (s *Sim) SendTo(h radio.Handle, p []byte, to netip.AddrPort) (int, error) {
	sk, err := s.get(h)
	if err != nil {
		return 0, err
	}
	if !s.linked {
		return 0, radio.ErrNotLinked
	}
	s.Datagrams = append(s.Datagrams, Datagram{To: to, Data: append([]byte(nil), p...)})
	if fn, ok := s.Responders[to]; ok {
		if reply := fn(p); reply != nil {
			sk.inbound = append(sk.inbound, packet{data: reply, from: to})
		}
	}
	return len(p), nil
}

// Close a socket. Unknown handles are ignored.
func (s *Sim) Close(h radio.Handle) error {
	sk, err := s.get(h)
	if err != nil {
		return err
	}
	if sk.peer != nil {
		sk.peer.closed = true
	}
	s.socks[h] = nil
	s.dropEvents(h)
	return nil
}

//----------------------------------------------------------------------
// name resolution and ping

// Resolve a hostname. Unknown hosts fail, hosts mapped to an invalid
// address never answer.
func (s *Sim) Resolve(host string) error {
	if !s.linked {
		return radio.ErrNotLinked
	}
	s.Resolves++
	addr, ok := s.Hosts[host]
	ev := radio.Event{Kind: radio.EvResolve, Host: host}
	switch {
	case !ok:
		ev.Err = ErrNoHost
	case !addr.IsValid():
		return nil
	default:
		ev.Addr = addr
	}
	s.post(s.ResolveDelay, ev)
	return nil
}

// Ping an address. Only pingable addresses answer.
func (s *Sim) Ping(addr netip.Addr, _ uint8) error {
	if !s.linked {
		return radio.ErrNotLinked
	}
	s.Pings++
	if s.Pingable[addr] {
		s.post(s.PingRTT, radio.Event{Kind: radio.EvPing, Addr: addr, RTT: s.PingRTT})
	}
	return nil
}

//----------------------------------------------------------------------
// remote endpoints

// Server is a remote TCP server reachable from the device.
type Server struct {
	Conns  []*Conn       // accepted connections
	Refuse bool          // refuse connections
	Silent bool          // never answer connection attempts
	Delay  time.Duration // connect latency
}

// Last returns the most recent connection (or nil).
func (srv *Server) Last() *Conn {
	if len(srv.Conns) == 0 {
		return nil
	}
	return srv.Conns[len(srv.Conns)-1]
}

// Serve registers a remote server at addr.
func (s *Sim) Serve(addr netip.AddrPort) *Server {
	srv := new(Server)
	s.servers[addr] = srv
	return srv
}

// DialIn simulates a remote client connecting to a listening port on the
// device. The accept event is delivered on the next pump.
func (s *Sim) DialIn(port uint16, from netip.AddrPort) (*Conn, error) {
	for i, sk := range s.socks {
		if sk == nil || !sk.listening || sk.local.Port() != port {
			continue
		}
		child, err := s.alloc(radio.TypeStream)
		if err != nil {
			return nil, err
		}
		c := &Conn{sim: s, handle: child, Remote: from}
		cs := s.socks[child]
		cs.peer = c
		cs.connected = true
		cs.local = sk.local
		s.post(0, radio.Event{Kind: radio.EvAccept, Socket: radio.Handle(i), Child: child, Remote: from})
		return c, nil
	}
	return nil, ErrRefused
}

// Listening returns true if a device socket listens on the port.
func (s *Sim) Listening(port uint16) bool {
	for _, sk := range s.socks {
		if sk != nil && sk.listening && sk.local.Port() == port {
			return true
		}
	}
	return false
}

// Conn is the remote end of a device TCP connection.
type Conn struct {
	sim      *Sim
	handle   radio.Handle
	received bytes.Buffer
	closed   bool // device closed the connection
	Remote   netip.AddrPort
}

// Write data to the device.
func (c *Conn) Write(p []byte) {
	if sk := c.sock(); sk != nil {
		sk.inbound = append(sk.inbound, packet{data: append([]byte(nil), p...), from: c.Remote})
	}
}

// WriteString writes a string to the device.
func (c *Conn) WriteString(s string) {
	c.Write([]byte(s))
}

// Close the remote end.
func (c *Conn) Close() {
	if sk := c.sock(); sk != nil {
		sk.peerClosed = true
	}
}

// Closed returns true if the device closed the connection.
func (c *Conn) Closed() bool {
	return c.closed
}

// Received returns all bytes sent by the device so far.
func (c *Conn) Received() []byte {
	return c.received.Bytes()
}

// Take returns and clears the bytes sent by the device.
func (c *Conn) Take() string {
	s := c.received.String()
	c.received.Reset()
	return s
}

func (c *Conn) sock() *sock {
	if c.closed || !c.handle.Valid() {
		return nil
	}
	sk := c.sim.socks[c.handle]
	if sk == nil || sk.peer != c {
		return nil
	}
	return sk
}
