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

// Package ntp keeps the clock in sync with an NTP server using SNTP
// requests over a UDP socket.
package ntp

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/bfix/wificlock/metrics"
	"github.com/bfix/wificlock/socket"
	"github.com/bfix/wificlock/task"
	"github.com/bfix/wificlock/wifi"
)

// Tasks of the client
const (
	TaskResolve task.ID = iota + 1
	TaskRequest
)

// PacketSize of an SNTP message without extensions.
const PacketSize = 48

// seconds between the NTP era (1900) and the Unix epoch
const eraOffset = 2_208_988_800

// Sink receives the synchronised time.
type Sink interface {
	SetTime(t time.Time)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(t time.Time)

// SetTime calls f(t).
func (f SinkFunc) SetTime(t time.Time) {
	f(t)
}

// Config of the NTP client.
type Config struct {
	Server        string
	Port          uint16
	LocalPort     uint16        // 0: any
	Interval      time.Duration // between successful syncs
	RetryInterval time.Duration // after a failed sync
	Timeout       time.Duration // per task

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		Server:        "pool.ntp.org",
		Port:          123,
		Interval:      time.Hour,
		RetryInterval: time.Minute,
		Timeout:       5 * time.Second,
	}
}

//----------------------------------------------------------------------

// Client synchronises the clock periodically.
type Client struct {
	task.Task

	wifi *wifi.Manager
	udp  *socket.UDPClient
	sink Sink
	cfg  Config
	log  *slog.Logger

	resolving bool
	sent      bool
	server    netip.AddrPort
	origin    uint64 // transmit timestamp of the request
	sentAt    time.Time
	buf       [PacketSize]byte

	next   time.Time     // next scheduled sync
	synced time.Time     // time of the last successful sync
	offset time.Duration // correction applied by the last sync
}

// New creates a client that passes the time to sink.
func New(link *wifi.Manager, sink Sink, clock task.Clock, cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Server == "" {
		cfg.Server = def.Server
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(127),
		}))
	}
	return &Client{
		Task: task.New(clock),
		wifi: link,
		udp:  socket.NewUDPClient(link.Sockets()),
		sink: sink,
		cfg:  cfg,
		log:  logger,
	}
}

// Synced returns the time of the last successful sync (zero if none).
func (c *Client) Synced() time.Time {
	return c.synced
}

// Offset returns the correction of the last successful sync.
func (c *Client) Offset() time.Duration {
	return c.offset
}

// Next returns the time of the next scheduled sync.
func (c *Client) Next() time.Time {
	return c.next
}

// Sync starts a synchronisation now.
func (c *Client) Sync() bool {
	if c.IsBusy() || !c.wifi.IsConnected() {
		return false
	}
	c.Start(TaskResolve, false)
	c.resolving = false
	c.sent = false
	return true
}

// Run polls the client once.
func (c *Client) Run() {
	if !c.wifi.IsConnected() {
		if c.IsBusy() {
			c.finish(task.ErrNotConnected)
		}
		return
	}
	if !c.IsBusy() {
		if !c.Now().Before(c.next) {
			c.Sync()
		}
		return
	}
	if c.TimedOut(c.cfg.Timeout) {
		if c.Running(TaskRequest) {
			c.finish(task.ErrNoResponse)
		} else {
			c.finish(task.ErrTimeout)
		}
		return
	}
	switch c.ID() {
	case TaskResolve:
		c.stepResolve()
	case TaskRequest:
		c.stepRequest()
	}
}

func (c *Client) stepResolve() {
	if !c.resolving {
		if c.wifi.IsBusy() {
			return
		}
		if !c.wifi.Resolve(c.cfg.Server) {
			c.finish(c.wifi.Error())
			return
		}
		c.resolving = true
	}
	if c.wifi.Running(wifi.TaskResolve) {
		return
	}
	c.resolving = false
	if err := c.wifi.Error(); err != task.OK {
		c.finish(err)
		return
	}
	c.server = netip.AddrPortFrom(c.wifi.ResolvedAddr(), c.cfg.Port)
	if !c.udp.Begin(c.cfg.LocalPort) {
		c.finish(task.ErrAlloc)
		return
	}
	c.Start(TaskRequest, true)
}

func (c *Client) stepRequest() {
	if !c.sent {
		if c.udp.Failed() {
			c.finish(task.ErrConnectFailed)
			return
		}
		if !c.udp.Ready() {
			return
		}
		now := c.Now()
		c.origin = toNTP(now)
		req := Request(now)
		if c.udp.SendTo(req, c.server) != len(req) {
			c.finish(task.ErrNetworkUnreachable)
			return
		}
		c.sent = true
		c.sentAt = now
		c.log.Debug("ntp:request", slog.String("server", c.server.String()))
		return
	}
	n := c.udp.Available()
	if n == 0 {
		return
	}
	if c.udp.Remote() != c.server || n < PacketSize {
		// stray datagram
		c.udp.Read(make([]byte, n))
		return
	}
	c.udp.Read(c.buf[:])
	if n > PacketSize {
		c.udp.Read(make([]byte, n-PacketSize))
	}
	t, err := ParseReply(c.buf[:], c.origin)
	if err != nil {
		c.log.Warn("ntp:reply", slog.Any("err", err))
		c.finish(task.ErrMalformedPacket)
		return
	}
	// half the round trip is spent on the way back
	t = t.Add(c.Now().Sub(c.sentAt) / 2)
	c.offset = t.Sub(c.Now())
	c.sink.SetTime(t)
	c.synced = t
	c.finish(task.OK)
}

// finish the running task and schedule the next sync. Success, failure
// and timeout share this path.
func (c *Client) finish(code task.Code) {
	c.udp.Stop()
	c.resolving = false
	c.sent = false
	c.End(code)
	c.cfg.Metrics.NTPSync(code)
	if code == task.OK {
		c.next = c.Now().Add(c.cfg.Interval)
		c.log.Info("ntp:synced", slog.Duration("offset", c.offset))
		return
	}
	c.next = c.Now().Add(c.cfg.RetryInterval)
	c.log.Warn("ntp:sync failed", slog.String("err", code.String()))
}

//----------------------------------------------------------------------
// wire format

// Reply errors
var (
	ErrShort   = errors.New("ntp: short packet")
	ErrMode    = errors.New("ntp: not a server reply")
	ErrKiss    = errors.New("ntp: kiss-of-death")
	ErrOrigin  = errors.New("ntp: origin mismatch")
	ErrNoClock = errors.New("ntp: server not synchronised")
)

// convert a time to an NTP timestamp
func toNTP(t time.Time) uint64 {
	secs := uint64(t.Unix() + eraOffset)
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return secs<<32 | frac
}

// convert an NTP timestamp to a time
func fromNTP(ts uint64) time.Time {
	secs := int64(ts>>32) - eraOffset
	nsec := (ts & 0xffffffff) * 1e9 >> 32
	return time.Unix(secs, int64(nsec))
}

// Request returns a client request (LI=0, VN=4, Mode=3) carrying the
// transmit time now.
func Request(now time.Time) []byte {
	p := make([]byte, PacketSize)
	p[0] = 0<<6 | 4<<3 | 3
	binary.BigEndian.PutUint64(p[40:], toNTP(now))
	return p
}

// ParseReply checks a server reply to the request with transmit
// timestamp origin and returns the server's transmit time.
func ParseReply(p []byte, origin uint64) (time.Time, error) {
	if len(p) < PacketSize {
		return time.Time{}, ErrShort
	}
	if p[0]&7 != 4 {
		return time.Time{}, ErrMode
	}
	if p[1] == 0 {
		return time.Time{}, ErrKiss
	}
	if p[0]>>6 == 3 {
		return time.Time{}, ErrNoClock
	}
	if binary.BigEndian.Uint64(p[24:]) != origin {
		return time.Time{}, ErrOrigin
	}
	return fromNTP(binary.BigEndian.Uint64(p[40:])), nil
}
