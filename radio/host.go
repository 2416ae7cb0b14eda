//go:build !rp2350

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
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// Host timeouts
const (
	hostDialTimeout    = 10 * time.Second
	hostResolveTimeout = 5 * time.Second
	hostPingTimeout    = 3 * time.Second
	hostSendTimeout    = 10 * time.Millisecond
	hostRecvChunk      = 1400
)

// socket of the host driver
type hostSock struct {
	typ  Type
	port uint16
	conn net.Conn
	lis  net.Listener
	pc   net.PacketConn
}

// close all endpoints of the socket
func (s *hostSock) close() {
	if s.conn != nil {
		s.conn.Close()
	}
	if s.lis != nil {
		s.lis.Close()
	}
	if s.pc != nil {
		s.pc.Close()
	}
}

//----------------------------------------------------------------------

// Host is a radio driver backed by the network stack of the host. It
// lets the appliance core run on a workstation: blocking calls of the
// Go net package run in goroutines and report back through the event
// queue, so the core still only sees pumped completions.
type Host struct {
	mu     sync.Mutex
	events []Event
	socks  [MaxSockets]*hostSock
	linked bool
	log    *slog.Logger
}

// NewHost creates a host driver.
func NewHost(logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(127),
		}))
	}
	return &Host{log: logger}
}

// queue an event
func (d *Host) post(ev Event) {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
}

// post a socket event only if the socket is still the same one
func (d *Host) postFor(s *hostSock, ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ev.Socket.Valid() && d.socks[ev.Socket] == s {
		d.events = append(d.events, ev)
	}
}

// socket for handle
func (d *Host) get(h Handle) (*hostSock, error) {
	if !h.Valid() {
		return nil, ErrBadHandle
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if s := d.socks[h]; s != nil {
		return s, nil
	}
	return nil, ErrBadHandle
}

// allocate a socket slot
func (d *Host) alloc(s *hostSock) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.socks {
		if d.socks[i] == nil {
			d.socks[i] = s
			return Handle(i), nil
		}
	}
	return NoHandle, ErrNoSocket
}

// Pump hands all queued events to the handler.
func (d *Host) Pump(h func(ev *Event)) {
	d.mu.Lock()
	evs := d.events
	d.events = nil
	d.mu.Unlock()
	for i := range evs {
		h(&evs[i])
	}
}

//----------------------------------------------------------------------
// link control

// Connect "associates" with the network the host is attached to: the
// first non-loopback IPv4 address of the host is reported as assigned
// address (unless a static address is configured).
func (d *Host) Connect(cfg LinkConfig) error {
	addr := cfg.Address
	if !cfg.Static() {
		var err error
		if addr, err = hostAddress(); err != nil {
			d.log.Warn("host:no address", slog.Any("err", err))
			d.post(Event{Kind: EvLinkDown, Reason: ReasonNoSSID})
			return nil
		}
	}
	d.mu.Lock()
	d.linked = true
	d.mu.Unlock()
	d.log.Debug("host:link up", slog.String("ssid", cfg.SSID), slog.String("address", addr.String()))
	d.post(Event{Kind: EvLinkUp})
	d.post(Event{Kind: EvAddress, Address: addr, Gateway: cfg.Gateway, DNS: cfg.DNS})
	return nil
}

// first non-loopback IPv4 address of the host
func hostAddress() (netip.Prefix, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return netip.Prefix{}, err
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok || ipn.IP.To4() == nil {
				continue
			}
			ip, _ := netip.AddrFromSlice(ipn.IP.To4())
			bits, _ := ipn.Mask.Size()
			return netip.PrefixFrom(ip, bits), nil
		}
	}
	return netip.Prefix{}, errors.New("no IPv4 interface")
}

// Disconnect drops the link.
func (d *Host) Disconnect() error {
	d.mu.Lock()
	d.linked = false
	d.mu.Unlock()
	d.post(Event{Kind: EvLinkDown, Reason: ReasonDisconnected})
	return nil
}

// is the link up?
func (d *Host) isLinked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.linked
}

//----------------------------------------------------------------------
// socket primitives

// Socket allocates a socket.
func (d *Host) Socket(domain Domain, typ Type, _ uint8) (Handle, error) {
	if domain != DomainInet || (typ != TypeStream && typ != TypeDatagram) {
		return NoHandle, ErrUnsupported
	}
	return d.alloc(&hostSock{typ: typ})
}

// Bind a socket to a local port. Stream sockets bind with Listen.
func (d *Host) Bind(h Handle, addr netip.AddrPort) error {
	s, err := d.get(h)
	if err != nil {
		return err
	}
	ev := Event{Kind: EvBind, Socket: h}
	if s.typ == TypeDatagram {
		pc, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(addr))
		if err != nil {
			ev.Err = err
		} else {
			d.mu.Lock()
			s.pc = pc
			d.mu.Unlock()
		}
	} else {
		s.port = addr.Port()
	}
	d.postFor(s, ev)
	return nil
}

// Listen on a bound stream socket; accepted connections are reported
// as EvAccept with a newly allocated child socket.
func (d *Host) Listen(h Handle, _ int) error {
	s, err := d.get(h)
	if err != nil {
		return err
	}
	if s.typ != TypeStream {
		return ErrUnsupported
	}
	lis, err := net.ListenTCP("tcp4", &net.TCPAddr{Port: int(s.port)})
	if err != nil {
		d.postFor(s, Event{Kind: EvListen, Socket: h, Err: err})
		return nil
	}
	d.mu.Lock()
	s.lis = lis
	d.mu.Unlock()
	d.postFor(s, Event{Kind: EvListen, Socket: h})
	go d.acceptLoop(h, s, lis)
	return nil
}

// accept connections until the listener is closed
func (d *Host) acceptLoop(h Handle, s *hostSock, lis net.Listener) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		child, err := d.alloc(&hostSock{typ: TypeStream, conn: conn})
		if err != nil {
			d.log.Warn("host:accept", slog.Any("err", err))
			conn.Close()
			continue
		}
		remote, _ := netip.ParseAddrPort(conn.RemoteAddr().String())
		d.postFor(s, Event{Kind: EvAccept, Socket: h, Child: child, Remote: remote})
	}
}

// Dial connects a stream socket.
func (d *Host) Dial(h Handle, addr netip.AddrPort) error {
	s, err := d.get(h)
	if err != nil {
		return err
	}
	if !d.isLinked() {
		return ErrNotLinked
	}
	go func() {
		conn, err := net.DialTimeout("tcp4", addr.String(), hostDialTimeout)
		ev := Event{Kind: EvConnect, Socket: h, Remote: addr, Err: err}
		if err == nil {
			d.mu.Lock()
			if d.socks[h] != s {
				d.mu.Unlock()
				conn.Close()
				return
			}
			s.conn = conn
			d.mu.Unlock()
		}
		d.postFor(s, ev)
	}()
	return nil
}

// Recv reads the next chunk of data in the background.
func (d *Host) Recv(h Handle) error {
	s, err := d.get(h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	conn, pc := s.conn, s.pc
	d.mu.Unlock()
	switch {
	case conn != nil:
		go func() {
			buf := make([]byte, hostRecvChunk)
			n, err := conn.Read(buf)
			ev := Event{Kind: EvRecv, Socket: h}
			if n > 0 {
				ev.Data = buf[:n]
			} else if err != nil {
				ev.Closed = errors.Is(err, io.EOF)
				if !ev.Closed {
					ev.Err = err
				}
			}
			d.postFor(s, ev)
		}()
	case pc != nil:
		go func() {
			buf := make([]byte, hostRecvChunk)
			n, from, err := pc.ReadFrom(buf)
			ev := Event{Kind: EvRecv, Socket: h, Err: err}
			if ua, ok := from.(*net.UDPAddr); ok {
				ev.Remote = ua.AddrPort()
			}
			ev.Data = buf[:n]
			d.postFor(s, ev)
		}()
	default:
		return ErrBadHandle
	}
	return nil
}

// Send data on a connected stream socket. A send that cannot complete
// within a short deadline reports a full buffer.
func (d *Host) Send(h Handle, p []byte) (int, error) {
	s, err := d.get(h)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	conn := s.conn
	d.mu.Unlock()
	if conn == nil {
		return 0, ErrBadHandle
	}
	conn.SetWriteDeadline(time.Now().Add(hostSendTimeout))
	n, err := conn.Write(p)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, ErrBufferFull
	}
	return n, err
}

// SendTo sends a datagram.
func (d *Host) SendTo(h Handle, p []byte, to netip.AddrPort) (int, error) {
	s, err := d.get(h)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	pc := s.pc
	d.mu.Unlock()
	if pc == nil {
		return 0, ErrBadHandle
	}
	return pc.WriteTo(p, net.UDPAddrFromAddrPort(to))
}

// Close a socket and release its slot.
func (d *Host) Close(h Handle) error {
	if !h.Valid() {
		return ErrBadHandle
	}
	d.mu.Lock()
	s := d.socks[h]
	d.socks[h] = nil
	d.mu.Unlock()
	if s == nil {
		return ErrBadHandle
	}
	s.close()
	return nil
}

//----------------------------------------------------------------------
// name resolution and ping

// Resolve a hostname to an IPv4 address in the background.
func (d *Host) Resolve(host string) error {
	if !d.isLinked() {
		return ErrNotLinked
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hostResolveTimeout)
		defer cancel()
		ev := Event{Kind: EvResolve, Host: host}
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
		switch {
		case err != nil:
			ev.Err = err
		case len(addrs) == 0:
			ev.Err = errors.New("no address")
		default:
			ev.Addr = addrs[0].Unmap()
		}
		d.post(ev)
	}()
	return nil
}

// Ping sends an ICMP echo request through an unprivileged ICMP socket.
func (d *Host) Ping(addr netip.Addr, ttl uint8) error {
	if !d.isLinked() {
		return ErrNotLinked
	}
	go func() {
		rtt, err := ping(addr, ttl)
		d.post(Event{Kind: EvPing, Addr: addr, RTT: rtt, Err: err})
	}()
	return nil
}

// single echo request/reply exchange
func ping(addr netip.Addr, ttl uint8) (time.Duration, error) {
	c, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return 0, err
	}
	defer c.Close()
	if err = c.IPv4PacketConn().SetTTL(int(ttl)); err != nil {
		return 0, err
	}
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  1,
			Data: []byte("wificlock"),
		},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	if _, err = c.WriteTo(wb, &net.UDPAddr{IP: addr.AsSlice()}); err != nil {
		return 0, err
	}
	c.SetReadDeadline(start.Add(hostPingTimeout))
	rb := make([]byte, 1500)
	for {
		n, _, err := c.ReadFrom(rb)
		if err != nil {
			return 0, err
		}
		// protocol number of ICMP for IPv4
		rm, err := icmp.ParseMessage(1, rb[:n])
		if err != nil {
			continue
		}
		if rm.Type == ipv4.ICMPTypeEchoReply {
			return time.Since(start), nil
		}
	}
}
