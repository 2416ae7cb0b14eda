//go:build rp2350

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
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/soypat/cyw43439"
	"github.com/soypat/seqs"
	"github.com/soypat/seqs/eth/dhcp"
	"github.com/soypat/seqs/eth/dns"
	"github.com/soypat/seqs/stacks"
)

const (
	mtu             = cyw43439.MTU
	picoRecvChunk   = 512
	picoConnBuf     = 512
	joinRetries     = 3
	dialTimeout     = 5 * time.Second
	picoSendTimeout = 10 * time.Millisecond
	firstEphemeral  = 49152
	pingIdent       = 0x7763
	txQueue         = 4
)

// listener of the seqs TCP stack
type tcpListener interface {
	net.Listener
	StartListening(port uint16) error
}

// socket of the Pico driver
type picoSock struct {
	typ   Type
	port  uint16
	lis   tcpListener
	conn  net.Conn
	armed bool    // datagram receive requested
	queue []frame // datagrams not yet delivered
}

// outstanding echo request
type echo struct {
	addr netip.Addr
	seq  uint16
	sent time.Time
}

//----------------------------------------------------------------------

// Pico2W drives the CYW43439 radio of a Raspberry Pico 2 W through the
// seqs network stack. Stack work runs in background goroutines (like
// the NIC loop); completions reach the core through Pump.
//
// Outbound connections use the TCP connections of the stack; datagrams
// and ICMP echo bypass the stack as raw IPv4 frames.
type Pico2W struct {
	mu      sync.Mutex
	arpMu   sync.Mutex // serializes the ARP client of the stack
	dev     *cyw43439.Device
	log     *slog.Logger
	stack   *stacks.PortStack
	dhcp    *stacks.DHCPClient
	dnsc    *stacks.DNSClient
	tx      chan []byte // raw frames for the NIC loop
	dnsSrv  netip.Addr
	local   netip.Prefix
	gateway netip.Addr
	hwCache map[netip.Addr][6]byte
	events  []Event
	socks   [MaxSockets]*picoSock
	port    uint16 // last ephemeral port
	ipID    uint16
	ping    *echo
	pingSeq uint16
	up      bool // radio initialized and NIC loop running
	linked  bool
}

// NewPico2W creates a driver for the radio device.
func NewPico2W(dev *cyw43439.Device, logger *slog.Logger) *Pico2W {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(127),
		}))
	}
	return &Pico2W{
		dev:     dev,
		log:     logger,
		tx:      make(chan []byte, txQueue),
		hwCache: make(map[netip.Addr][6]byte),
	}
}

// queue an event
func (d *Pico2W) post(ev Event) {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
}

// post a socket event only if the socket is still the same one
func (d *Pico2W) postFor(s *picoSock, ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.socks[ev.Socket] == s {
		d.events = append(d.events, ev)
	}
}

// Pump hands all queued events to the handler.
func (d *Pico2W) Pump(h func(ev *Event)) {
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

// Connect joins the network and configures addressing in the
// background.
func (d *Pico2W) Connect(cfg LinkConfig) error {
	go d.join(cfg)
	return nil
}

// join the network (runs in a goroutine)
func (d *Pico2W) join(cfg LinkConfig) {
	if !d.up {
		wificfg := cyw43439.DefaultWifiConfig()
		start := time.Now()
		if err := d.dev.Init(wificfg); err != nil {
			d.log.Error("cyw43439:Init", slog.String("err", err.Error()))
			d.post(Event{Kind: EvLinkDown, Reason: ReasonConnectFail})
			return
		}
		d.log.Info("cyw43439:Init", slog.Duration("duration", time.Since(start)))
	}
	var err error
	for range joinRetries {
		if err = d.dev.JoinWPA2(cfg.SSID, cfg.Passphrase); err == nil {
			break
		}
		d.log.Error("wifi join failed", slog.String("err", err.Error()))
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		d.post(Event{Kind: EvLinkDown, Reason: ReasonConnectFail})
		return
	}
	mac, _ := d.dev.HardwareAddr6()
	d.log.Info("wifi join success!", slog.String("mac", net.HardwareAddr(mac[:]).String()))
	if !d.up {
		d.stack = stacks.NewPortStack(stacks.PortStackConfig{
			MAC:             mac,
			MaxOpenPortsUDP: 2,
			MaxOpenPortsTCP: MaxSockets,
			MTU:             mtu,
			Logger:          d.log,
		})
		d.dev.RecvEthHandle(d.recvEth)
		go nicLoop(d.dev, d.stack, d.tx)
		d.dhcp = stacks.NewDHCPClient(d.stack, dhcp.DefaultClientPort)
		d.dnsc = stacks.NewDNSClient(d.stack, dns.ClientPort)
		d.up = true
	}
	d.post(Event{Kind: EvLinkUp})

	ev := Event{Kind: EvAddress, Address: cfg.Address, Gateway: cfg.Gateway, DNS: cfg.DNS}
	if !cfg.Static() {
		if ev, err = d.requestAddress(cfg.Hostname); err != nil {
			d.log.Warn("dhcp failed", slog.String("err", err.Error()))
			d.post(Event{Kind: EvLinkDown, Reason: ReasonConnectFail})
			return
		}
	}
	d.stack.SetAddr(ev.Address.Addr())
	d.mu.Lock()
	d.dnsSrv = ev.DNS
	d.local = ev.Address
	d.gateway = ev.Gateway
	clear(d.hwCache)
	d.linked = true
	d.mu.Unlock()
	d.post(ev)
}

// perform a DHCP request
func (d *Pico2W) requestAddress(hostname string) (ev Event, err error) {
	err = d.dhcp.BeginRequest(stacks.DHCPRequestConfig{
		Xid:      uint32(time.Now().Nanosecond()),
		Hostname: hostname,
	})
	if err != nil {
		return
	}
	for i := 0; d.dhcp.State() != dhcp.StateBound; i++ {
		if i > 30 {
			err = errors.New("no DHCP reply")
			return
		}
		time.Sleep(time.Second / 2)
	}
	ev.Kind = EvAddress
	ev.Address = netip.PrefixFrom(d.dhcp.Offer(), int(d.dhcp.CIDRBits()))
	ev.Gateway = d.dhcp.Gateway()
	if srv := d.dhcp.DNSServers(); len(srv) > 0 {
		ev.DNS = srv[0]
	}
	d.log.Info("DHCP complete",
		slog.String("ourIP", ev.Address.String()),
		slog.String("dns", ev.DNS.String()),
		slog.String("gateway", ev.Gateway.String()),
		slog.Duration("lease", d.dhcp.IPLeaseTime()))
	return
}

// Disconnect marks the link as down. The radio stays joined; a later
// Connect joins again.
func (d *Pico2W) Disconnect() error {
	d.mu.Lock()
	d.linked = false
	d.mu.Unlock()
	d.post(Event{Kind: EvLinkDown, Reason: ReasonDisconnected})
	return nil
}

//----------------------------------------------------------------------
// socket primitives

// Socket allocates a stream or datagram socket.
func (d *Pico2W) Socket(domain Domain, typ Type, _ uint8) (Handle, error) {
	if domain != DomainInet || (typ != TypeStream && typ != TypeDatagram) {
		return NoHandle, ErrUnsupported
	}
	return d.alloc(&picoSock{typ: typ})
}

// allocate a socket slot
func (d *Pico2W) alloc(s *picoSock) (Handle, error) {
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

// socket for handle
func (d *Pico2W) get(h Handle) (*picoSock, error) {
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

// Bind records the local port; the stack binds when listening. Port 0
// selects an ephemeral port.
func (d *Pico2W) Bind(h Handle, addr netip.AddrPort) error {
	s, err := d.get(h)
	if err != nil {
		return err
	}
	port := addr.Port()
	if port == 0 {
		port = d.ephemeral()
	}
	d.mu.Lock()
	s.port = port
	d.mu.Unlock()
	d.postFor(s, Event{Kind: EvBind, Socket: h})
	return nil
}

// next local port for outbound traffic
func (d *Pico2W) ephemeral() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port < firstEphemeral || d.port == 0xffff {
		d.port = firstEphemeral
	}
	d.port++
	return d.port
}

// Listen starts a TCP listener of the stack on the bound port.
func (d *Pico2W) Listen(h Handle, _ int) error {
	s, err := d.get(h)
	if err != nil {
		return err
	}
	if d.stack == nil {
		return ErrNotLinked
	}
	lis, err := stacks.NewTCPListener(d.stack, stacks.TCPListenerConfig{
		MaxConnections: 2,
		ConnTxBufSize:  512,
		ConnRxBufSize:  512,
	})
	if err == nil {
		err = lis.StartListening(s.port)
	}
	if err != nil {
		d.postFor(s, Event{Kind: EvListen, Socket: h, Err: err})
		return nil
	}
	s.lis = lis
	d.postFor(s, Event{Kind: EvListen, Socket: h})
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			child, err := d.alloc(&picoSock{typ: TypeStream, conn: conn})
			if err != nil {
				conn.Close()
				continue
			}
			remote, _ := netip.ParseAddrPort(conn.RemoteAddr().String())
			d.postFor(s, Event{Kind: EvAccept, Socket: h, Child: child, Remote: remote})
		}
	}()
	return nil
}

// Dial opens a connection through the stack in the background.
func (d *Pico2W) Dial(h Handle, addr netip.AddrPort) error {
	s, err := d.get(h)
	if err != nil {
		return err
	}
	if !d.isLinked() {
		return ErrNotLinked
	}
	go func() {
		ev := Event{Kind: EvConnect, Socket: h, Remote: addr}
		conn, err := d.dial(addr)
		if err == nil {
			d.mu.Lock()
			if d.socks[h] != s {
				err = ErrBadHandle
			} else {
				s.conn = conn
			}
			d.mu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		}
		ev.Err = err
		d.postFor(s, ev)
	}()
	return nil
}

// establish a TCP connection (runs in a goroutine)
func (d *Pico2W) dial(addr netip.AddrPort) (*stacks.TCPConn, error) {
	hw, err := d.route(addr.Addr())
	if err != nil {
		return nil, err
	}
	conn, err := stacks.NewTCPConn(d.stack, stacks.TCPConnConfig{
		TxBufSize: picoConnBuf,
		RxBufSize: picoConnBuf,
	})
	if err != nil {
		return nil, err
	}
	iss := seqs.Value(time.Now().UnixNano())
	if err = conn.OpenDialTCP(d.ephemeral(), hw, addr, iss); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(dialTimeout)
	for conn.State() != seqs.StateEstablished {
		if conn.State() == seqs.StateClosed || time.Now().After(deadline) {
			conn.Close()
			return nil, errors.New("connection to " + addr.String() + " failed")
		}
		time.Sleep(20 * time.Millisecond)
	}
	d.log.Debug("pico:connected", slog.String("remote", addr.String()))
	return conn, nil
}

// Recv reads the next chunk of data in the background. Datagram
// sockets deliver the next queued datagram.
func (d *Pico2W) Recv(h Handle) error {
	s, err := d.get(h)
	if err != nil {
		return err
	}
	if s.typ == TypeDatagram {
		d.mu.Lock()
		defer d.mu.Unlock()
		if len(s.queue) == 0 {
			s.armed = true
			return nil
		}
		f := s.queue[0]
		s.queue = s.queue[1:]
		d.events = append(d.events, Event{
			Kind:   EvRecv,
			Socket: h,
			Data:   f.payload,
			Remote: netip.AddrPortFrom(f.from, f.sport),
		})
		return nil
	}
	if s.conn == nil {
		return ErrBadHandle
	}
	go func() {
		buf := make([]byte, picoRecvChunk)
		n, err := s.conn.Read(buf)
		ev := Event{Kind: EvRecv, Socket: h, Data: buf[:n]}
		if n == 0 && err != nil {
			ev.Closed = true
		}
		d.postFor(s, ev)
	}()
	return nil
}

// Send data on a connected socket.
func (d *Pico2W) Send(h Handle, p []byte) (int, error) {
	s, err := d.get(h)
	if err != nil {
		return 0, err
	}
	if s.conn == nil {
		return 0, ErrBadHandle
	}
	s.conn.SetWriteDeadline(time.Now().Add(picoSendTimeout))
	n, err := s.conn.Write(p)
	if errors.Is(err, os.ErrDeadlineExceeded) || (n == 0 && err == nil) {
		return n, ErrBufferFull
	}
	return n, err
}

// SendTo sends a datagram. Address resolution and transmission run in
// the background; a datagram that cannot be routed is dropped.
func (d *Pico2W) SendTo(h Handle, p []byte, to netip.AddrPort) (int, error) {
	s, err := d.get(h)
	if err != nil {
		return 0, err
	}
	if s.typ != TypeDatagram {
		return 0, ErrUnsupported
	}
	if !d.isLinked() {
		return 0, ErrNotLinked
	}
	data := append([]byte(nil), p...)
	go func() {
		hw, err := d.route(to.Addr())
		if err != nil {
			d.log.Warn("pico:sendto dropped", slog.String("to", to.String()), slog.String("err", err.Error()))
			return
		}
		src, id := d.source()
		d.tx <- datagramFrame(src, endpoint{mac: hw, addr: to.Addr()}, s.port, to.Port(), id, data)
	}()
	return len(p), nil
}

// Close a socket and release its slot.
func (d *Pico2W) Close(h Handle) error {
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
	if s.conn != nil {
		s.conn.Close()
	}
	if s.lis != nil {
		s.lis.Close()
	}
	return nil
}

//----------------------------------------------------------------------
// name resolution and ping

// Resolve a hostname through the DNS client of the stack.
func (d *Pico2W) Resolve(host string) error {
	d.mu.Lock()
	linked, srv := d.linked, d.dnsSrv
	d.mu.Unlock()
	if !linked {
		return ErrNotLinked
	}
	name, err := dns.NewName(host)
	if err != nil {
		return err
	}
	go func() {
		ev := Event{Kind: EvResolve, Host: host}
		ev.Addr, ev.Err = d.lookup(name, srv)
		d.post(ev)
	}()
	return nil
}

// query the name server for an A record
func (d *Pico2W) lookup(name dns.Name, srv netip.Addr) (netip.Addr, error) {
	hw, err := d.route(srv)
	if err != nil {
		return netip.Addr{}, err
	}
	err = d.dnsc.StartResolve(stacks.DNSResolveConfig{
		Questions: []dns.Question{
			{
				Name:  name,
				Type:  dns.TypeA,
				Class: dns.ClassINET,
			},
		},
		DNSAddr:         srv,
		DNSHWAddr:       hw,
		EnableRecursion: true,
	})
	if err != nil {
		return netip.Addr{}, err
	}
	for retries := 100; retries > 0; retries-- {
		if done, _ := d.dnsc.IsDone(); done {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	done, rcode := d.dnsc.IsDone()
	if !done {
		return netip.Addr{}, errors.New("dns lookup timed out")
	} else if rcode != dns.RCodeSuccess {
		return netip.Addr{}, errors.New("dns lookup failed:" + rcode.String())
	}
	for _, a := range d.dnsc.Answers() {
		if data := a.RawData(); len(data) == 4 {
			return netip.AddrFrom4([4]byte(data)), nil
		}
	}
	return netip.Addr{}, errors.New("no ipv4 dns answers")
}

// Ping sends an ICMP echo request. A reply posts EvPing; a missing
// reply is left to the caller's timeout.
func (d *Pico2W) Ping(addr netip.Addr, ttl uint8) error {
	if !d.isLinked() {
		return ErrNotLinked
	}
	go func() {
		hw, err := d.route(addr)
		if err != nil {
			d.log.Warn("pico:ping dropped", slog.String("addr", addr.String()), slog.String("err", err.Error()))
			return
		}
		src, id := d.source()
		d.mu.Lock()
		d.pingSeq++
		p := &echo{addr: addr, seq: d.pingSeq, sent: time.Now()}
		d.ping = p
		d.mu.Unlock()
		d.tx <- echoFrame(src, endpoint{mac: hw, addr: addr}, ttl, pingIdent, p.seq, id)
	}()
	return nil
}

//----------------------------------------------------------------------
// raw frames

// link state
func (d *Pico2W) isLinked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.linked && d.stack != nil
}

// source endpoint and IP identification of the next frame
func (d *Pico2W) source() (endpoint, uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ipID++
	return endpoint{mac: d.stack.HardwareAddr6(), addr: d.stack.Addr()}, d.ipID
}

// route returns the hardware address of the next hop to dst.
func (d *Pico2W) route(dst netip.Addr) ([6]byte, error) {
	d.mu.Lock()
	hop := nextHop(d.local, d.gateway, dst)
	hw, ok := d.hwCache[hop]
	d.mu.Unlock()
	if ok {
		return hw, nil
	}
	d.arpMu.Lock()
	hw, err := resolveHardwareAddr(d.stack, hop)
	d.arpMu.Unlock()
	if err != nil {
		return hw, err
	}
	d.mu.Lock()
	d.hwCache[hop] = hw
	d.mu.Unlock()
	return hw, nil
}

// recvEth takes datagrams for bound sockets and echo replies off the
// radio; everything else goes to the stack.
func (d *Pico2W) recvEth(buf []byte) error {
	if f, ok := parseFrame(buf); ok && d.deliver(f) {
		return nil
	}
	return d.stack.RecvEth(buf)
}

// deliver a decoded frame. Returns false if nobody claims it.
func (d *Pico2W) deliver(f frame) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch f.proto {
	case ipProtoICMP:
		p := d.ping
		if f.ident != pingIdent || p == nil || p.seq != f.seq || p.addr != f.from {
			return false
		}
		d.ping = nil
		d.events = append(d.events, Event{Kind: EvPing, Addr: f.from, RTT: time.Since(p.sent)})
		return true
	case ipProtoUDP:
		for i, s := range d.socks {
			if s == nil || s.typ != TypeDatagram || s.port != f.dport {
				continue
			}
			// the frame buffer belongs to the radio
			f.payload = append([]byte(nil), f.payload...)
			if s.armed {
				s.armed = false
				d.events = append(d.events, Event{
					Kind:   EvRecv,
					Socket: Handle(i),
					Data:   f.payload,
					Remote: netip.AddrPortFrom(f.from, f.sport),
				})
			} else {
				s.queue = append(s.queue, f)
			}
			return true
		}
	}
	return false
}

//----------------------------------------------------------------------

// resolveHardwareAddr obtains the hardware address of the given IP address.
func resolveHardwareAddr(stack *stacks.PortStack, ip netip.Addr) ([6]byte, error) {
	if !ip.IsValid() {
		return [6]byte{}, errors.New("invalid ip")
	}
	arpc := stack.ARP()
	arpc.Abort()
	if err := arpc.BeginResolve(ip); err != nil {
		return [6]byte{}, err
	}
	const timeout = time.Second
	const maxretries = 20
	for retries := maxretries; !arpc.IsDone(); retries-- {
		if retries == 0 {
			return [6]byte{}, errors.New("arp timed out")
		}
		time.Sleep(timeout / maxretries)
	}
	_, hw, err := arpc.ResultAs6()
	return hw, err
}

// nicLoop moves packets between radio and stack, and sends the raw
// frames queued by the driver.
func nicLoop(dev *cyw43439.Device, stack *stacks.PortStack, tx <-chan []byte) {
	const (
		queueSize  = 3
		maxRetries = 3
	)
	var queue [queueSize][mtu]byte
	var lenBuf [queueSize]int
	var retries [queueSize]int
	for {
		stallRx := true
		if got, err := dev.PollOne(); err != nil {
			println("poll error:", err.Error())
		} else if got {
			stallRx = false
		}
	raw:
		for {
			select {
			case f := <-tx:
				if err := dev.SendEth(f); err != nil {
					println("dropped raw packet:", err.Error())
				}
				stallRx = false
			default:
				break raw
			}
		}
		for i := range queue {
			if retries[i] != 0 {
				continue
			}
			var err error
			lenBuf[i], err = stack.HandleEth(queue[i][:])
			if err != nil {
				lenBuf[i] = 0
				continue
			}
			if lenBuf[i] == 0 {
				break
			}
		}
		if lenBuf == [queueSize]int{} {
			if stallRx {
				time.Sleep(51 * time.Millisecond)
			}
			continue
		}
		for i := range queue {
			n := lenBuf[i]
			if n <= 0 {
				continue
			}
			if err := dev.SendEth(queue[i][:n]); err != nil {
				if retries[i]++; retries[i] <= maxRetries {
					continue
				}
				println("dropped outgoing packet:", err.Error())
			}
			lenBuf[i], retries[i] = 0, 0
		}
	}
}
