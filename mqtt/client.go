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
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/bfix/wificlock/metrics"
	"github.com/bfix/wificlock/socket"
	"github.com/bfix/wificlock/task"
	"github.com/bfix/wificlock/wifi"
)

// Tasks of the client
const (
	TaskConnect task.ID = iota + 1
	TaskPublish
	TaskPing
)

// phases of the connect task
type phase uint8

const (
	phaseResolve phase = iota // waiting for the WiFi manager to resolve
	phaseSocket               // TCP connect outstanding
	phaseConnack              // CONNECT sent, waiting for CONNACK
)

// Config of the MQTT client.
type Config struct {
	Broker   string // hostname or address
	Port     uint16
	ClientID string // generated if empty
	Username string
	Password string

	KeepAlive       time.Duration
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	MaxPacket       int // largest inbound packet body

	AutoReconnect  bool
	ReconnectDelay time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		Port:            1883,
		KeepAlive:       60 * time.Second,
		ConnectTimeout:  15 * time.Second,
		ResponseTimeout: 5 * time.Second,
		MaxPacket:       1024,
		AutoReconnect:   true,
		ReconnectDelay:  30 * time.Second,
	}
}

//----------------------------------------------------------------------

// Client is an MQTT session over one TCP connection. Publish and Ping
// are single-task operations; a failed task is not retried.
type Client struct {
	task.Task

	wifi *wifi.Manager
	conn *socket.TCPClient
	cfg  Config
	log  *slog.Logger

	phase       phase
	resolving   bool // resolve request issued
	connected   bool
	lastSent    time.Time
	lastAttempt time.Time
	reconnect   bool // auto-reconnect armed
	packetID    uint16
	pendingID   uint16 // id of outstanding PUBLISH
	will        *Will
	closeAfter  bool // DISCONNECT after will publish
	rx          receiver
}

// NewClient creates an MQTT client on the WiFi link.
func NewClient(link *wifi.Manager, clock task.Clock, cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "wificlock-" + uuid.NewString()[:8]
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = def.ResponseTimeout
	}
	if cfg.MaxPacket <= 0 {
		cfg.MaxPacket = def.MaxPacket
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
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
		conn: socket.NewTCPClient(link.Sockets()),
		cfg:  cfg,
		log:  logger,
		rx:   receiver{limit: cfg.MaxPacket},
	}
}

// ClientID of the session.
func (c *Client) ClientID() string {
	return c.cfg.ClientID
}

// IsConnected returns true while the session is established.
func (c *Client) IsConnected() bool {
	return c.connected
}

// SetWill sets (or clears) the Last-Will message used by the next
// connection. The will is not copied.
func (c *Client) SetWill(w *Will) {
	c.will = w
}

// next packet identifier (wraps, skipping zero)
func (c *Client) nextID() uint16 {
	c.packetID++
	if c.packetID == 0 {
		c.packetID = 1
	}
	return c.packetID
}

// send a packet; a short write means the connection is gone
func (c *Client) send(typ PacketType, pkt []byte) bool {
	if c.conn.Write(pkt) != len(pkt) {
		c.log.Warn("mqtt:send failed", slog.String("packet", typ.String()))
		return false
	}
	c.lastSent = c.Now()
	c.cfg.Metrics.MQTTPacket(typ.String(), "out")
	return true
}

// finish the running task with code
func (c *Client) finish(code task.Code) {
	if c.Running(TaskPublish) {
		c.cfg.Metrics.MQTTPublish(code)
	}
	if c.IsBusy() {
		c.End(code)
	}
}

// fail closes the connection and finishes the running task with code.
// Timeouts and errors share this path.
func (c *Client) fail(code task.Code) {
	c.drop()
	c.finish(code)
}

// drop the connection
func (c *Client) drop() {
	c.conn.Stop()
	c.rx.reset()
	c.connected = false
	c.resolving = false
	c.closeAfter = false
}

//----------------------------------------------------------------------
// operations

// Connect starts a session: resolve the broker, connect the socket,
// send CONNECT and wait for the CONNACK.
func (c *Client) Connect() bool {
	if c.connected || c.IsBusy() {
		return false
	}
	c.Start(TaskConnect, false)
	c.lastAttempt = c.Now()
	c.reconnect = c.cfg.AutoReconnect
	if !c.wifi.IsConnected() {
		c.End(task.ErrNotConnected)
		return false
	}
	c.phase = phaseResolve
	c.resolving = false
	c.log.Info("mqtt:connect", slog.String("broker", c.cfg.Broker), slog.Int("port", int(c.cfg.Port)))
	c.stepConnect()
	return c.IsBusy()
}

// Publish sends a message with QoS 1. The task completes when the
// broker acknowledges the packet id.
func (c *Client) Publish(topic string, payload []byte, retain bool) bool {
	if c.IsBusy() {
		return false
	}
	c.Start(TaskPublish, false)
	if !c.connected {
		c.End(task.ErrNotConnected)
		return false
	}
	return c.publish(topic, payload, retain)
}

// issue a PUBLISH for the running task
func (c *Client) publish(topic string, payload []byte, retain bool) bool {
	c.pendingID = c.nextID()
	if !c.send(PUBLISH, EncodePublish(topic, payload, c.pendingID, retain)) {
		c.fail(task.ErrConnectionLost)
		return false
	}
	c.log.Debug("mqtt:publish", slog.String("topic", topic), slog.Int("id", int(c.pendingID)))
	return true
}

// Ping sends a PINGREQ and waits for the PINGRESP.
func (c *Client) Ping() bool {
	if c.IsBusy() {
		return false
	}
	c.Start(TaskPing, false)
	if !c.connected {
		c.End(task.ErrNotConnected)
		return false
	}
	if !c.send(PINGREQ, EncodePingreq()) {
		c.fail(task.ErrConnectionLost)
		return false
	}
	return true
}

// Disconnect ends the session gracefully and disarms auto-reconnect.
// With a will marked for publishing on disconnect, the will is published
// first and the DISCONNECT follows when that publish completes. Safe to
// call in any state.
func (c *Client) Disconnect() bool {
	c.reconnect = false
	if !c.connected {
		c.fail(task.ErrAborted)
		return false
	}
	if c.will != nil && c.will.PublishOnDisconnect {
		c.Start(TaskPublish, true)
		if c.publish(c.will.Topic, c.will.Payload, c.will.Retain) {
			c.closeAfter = true
		}
		return true
	}
	if c.IsBusy() {
		c.End(task.ErrAborted)
	}
	c.sendDisconnect()
	return true
}

// send DISCONNECT and close the connection
func (c *Client) sendDisconnect() {
	c.send(DISCONNECT, EncodeDisconnect())
	c.drop()
	c.log.Info("mqtt:disconnected")
}

//----------------------------------------------------------------------
// polling

// Run polls the client once.
func (c *Client) Run() {
	// the link may have gone without notice
	if !c.wifi.IsConnected() {
		if c.connected || c.IsBusy() {
			c.log.Warn("mqtt:link lost")
			c.fail(task.ErrNotConnected)
		}
		return
	}
	switch c.ID() {
	case TaskConnect:
		c.stepConnect()
	case TaskPublish:
		c.stepPublish()
	case TaskPing:
		c.stepPing()
	default:
		c.idle()
	}
}

// connected and no task running
func (c *Client) idle() {
	if !c.connected {
		if c.reconnect && c.Now().Sub(c.lastAttempt) >= c.cfg.ReconnectDelay {
			c.log.Info("mqtt:reconnect")
			c.Connect()
		}
		return
	}
	if pkt := c.receive(); pkt != nil {
		c.log.Debug("mqtt:ignored packet", slog.String("packet", pkt.Type().String()))
	}
	if !c.connected {
		return
	}
	if !c.conn.Connected() {
		c.log.Warn("mqtt:connection lost")
		c.drop()
		return
	}
	if c.Now().Sub(c.lastSent) >= c.cfg.KeepAlive {
		c.Ping()
	}
}

// receive a complete packet (if any). Framing errors drop the session.
func (c *Client) receive() *Packet {
	done, err := c.rx.poll(c.conn)
	if err != nil {
		code, ok := err.(task.Code)
		if !ok {
			code = task.ErrMalformedPacket
		}
		c.log.Warn("mqtt:receive", slog.String("err", code.String()))
		c.fail(code)
		return nil
	}
	if !done {
		return nil
	}
	pkt := c.rx.packet()
	c.rx.reset()
	c.cfg.Metrics.MQTTPacket(pkt.Type().String(), "in")
	if pkt.Type() == PUBLISH {
		// acknowledge inbound QoS 1 messages; the client subscribes to
		// nothing, so the payload is dropped
		if _, id, _, err := pkt.Publish(); err == nil && id != 0 {
			c.send(PUBACK, EncodePuback(id))
		}
	}
	return pkt
}

// advance the connect task
func (c *Client) stepConnect() {
	if c.TimedOut(c.cfg.ConnectTimeout) {
		c.log.Warn("mqtt:connect timeout", slog.Int("phase", int(c.phase)))
		c.fail(task.ErrTimeout)
		return
	}
	switch c.phase {
	case phaseResolve:
		if !c.resolving {
			// the WiFi manager runs one task at a time
			if c.wifi.IsBusy() {
				return
			}
			if !c.wifi.Resolve(c.cfg.Broker) {
				c.fail(c.wifi.Error())
				return
			}
			c.resolving = true
		}
		if c.wifi.Running(wifi.TaskResolve) {
			return
		}
		c.resolving = false
		if err := c.wifi.Error(); err != task.OK {
			c.fail(err)
			return
		}
		addr := netip.AddrPortFrom(c.wifi.ResolvedAddr(), c.cfg.Port)
		if !c.conn.Connect(addr) {
			c.fail(task.ErrNetworkUnreachable)
			return
		}
		c.phase = phaseSocket

	case phaseSocket:
		if c.conn.Failed() {
			c.fail(task.ErrConnectFailed)
			return
		}
		if !c.conn.Connected() {
			return
		}
		c.rx.reset()
		pkt := &Connect{
			ClientID:  c.cfg.ClientID,
			Username:  c.cfg.Username,
			Password:  c.cfg.Password,
			KeepAlive: uint16(c.cfg.KeepAlive / time.Second),
			Will:      c.will,
		}
		if !c.send(CONNECT, pkt.Encode()) {
			c.fail(task.ErrConnectionLost)
			return
		}
		c.phase = phaseConnack

	case phaseConnack:
		pkt := c.receive()
		if pkt == nil {
			if c.IsBusy() && !c.conn.Connected() {
				c.fail(task.ErrConnectionLost)
			}
			return
		}
		if pkt.Type() != CONNACK {
			c.fail(task.ErrUnexpectedPacket)
			return
		}
		_, rc, err := pkt.Connack()
		switch {
		case err != nil:
			c.fail(task.ErrMalformedPacket)
		case rc == ConnBadCredentials || rc == ConnNotAuthorized:
			c.log.Warn("mqtt:connect refused", slog.Int("code", int(rc)))
			c.fail(task.ErrUnauthorized)
		case rc != ConnAccepted:
			c.log.Warn("mqtt:connect refused", slog.Int("code", int(rc)))
			c.fail(task.ErrBrokerRefused)
		default:
			c.connected = true
			c.finish(task.OK)
			c.log.Info("mqtt:connected", slog.String("client", c.cfg.ClientID))
		}
	}
}

// advance the publish task: wait for the matching PUBACK
func (c *Client) stepPublish() {
	if pkt := c.receive(); pkt != nil && pkt.Type() == PUBACK {
		id, err := pkt.PacketID()
		if err == nil && id == c.pendingID {
			c.finish(task.OK)
			if c.closeAfter {
				c.sendDisconnect()
			}
			return
		}
		c.log.Debug("mqtt:puback ignored", slog.Int("id", int(id)), slog.Int("expected", int(c.pendingID)))
	}
	if !c.Running(TaskPublish) {
		return
	}
	if c.TimedOut(c.cfg.ResponseTimeout) {
		c.log.Warn("mqtt:publish timeout", slog.Int("id", int(c.pendingID)))
		c.finish(task.ErrNoResponse)
		if c.closeAfter {
			c.sendDisconnect()
		}
	}
}

// advance the ping task: a missing PINGRESP means the connection is
// dead; the session is rebuilt at once
func (c *Client) stepPing() {
	if pkt := c.receive(); pkt != nil && pkt.Type() == PINGRESP {
		c.finish(task.OK)
		return
	}
	if !c.Running(TaskPing) {
		return
	}
	if c.TimedOut(c.cfg.ResponseTimeout) {
		c.log.Warn("mqtt:ping timeout")
		c.fail(task.ErrNoResponse)
		if c.reconnect {
			c.Connect()
		}
	}
}
