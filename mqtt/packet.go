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

// Package mqtt implements a minimal MQTT 3.1.1 client for the appliance:
// a binary packet codec and a session state machine that publishes with
// QoS 1 over one non-blocking TCP connection.
package mqtt

import (
	"encoding/binary"

	"github.com/bfix/wificlock/task"
)

// PacketType of a control packet (upper nibble of the fixed header).
type PacketType byte

// Control packet types
const (
	CONNECT    PacketType = 1
	CONNACK    PacketType = 2
	PUBLISH    PacketType = 3
	PUBACK     PacketType = 4
	PINGREQ    PacketType = 12
	PINGRESP   PacketType = 13
	DISCONNECT PacketType = 14
)

var packetNames = map[PacketType]string{
	CONNECT:    "connect",
	CONNACK:    "connack",
	PUBLISH:    "publish",
	PUBACK:     "puback",
	PINGREQ:    "pingreq",
	PINGRESP:   "pingresp",
	DISCONNECT: "disconnect",
}

// String returns the name of the packet type.
func (t PacketType) String() string {
	if s, ok := packetNames[t]; ok {
		return s
	}
	return "unknown"
}

// MaxRemaining is the largest remaining length a 4-byte varint holds.
const MaxRemaining = 268435455

// protocol constants
const (
	protocolName  = "MQTT"
	protocolLevel = 4

	flagCleanSession = 0x02
	flagWill         = 0x04
	flagWillQoS1     = 0x08
	flagWillRetain   = 0x20
	flagPassword     = 0x40
	flagUsername     = 0x80

	publishQoS1   = 0x02
	publishRetain = 0x01
)

// CONNACK return codes
const (
	ConnAccepted          byte = 0
	ConnBadProtocol       byte = 1
	ConnIDRejected        byte = 2
	ConnServerUnavailable byte = 3
	ConnBadCredentials    byte = 4
	ConnNotAuthorized     byte = 5
)

//----------------------------------------------------------------------
// remaining length (base-128 varint)

// VarintSize returns the number of bytes the minimal encoding of n takes
// (0 if n cannot be encoded).
func VarintSize(n int) int {
	switch {
	case n < 0 || n > MaxRemaining:
		return 0
	case n < 128:
		return 1
	case n < 16384:
		return 2
	case n < 2097152:
		return 3
	}
	return 4
}

// AppendVarint appends the minimal encoding of n to b.
func AppendVarint(b []byte, n int) []byte {
	for {
		digit := byte(n % 128)
		n /= 128
		if n > 0 {
			digit |= 0x80
		}
		b = append(b, digit)
		if n == 0 {
			return b
		}
	}
}

// DecodeVarint decodes a remaining length from p. It returns the value
// and the number of bytes used; used is 0 if p holds an incomplete
// encoding. A fifth continuation byte is a malformed packet.
func DecodeVarint(p []byte) (n, used int, err error) {
	mult := 1
	for i, b := range p {
		if i == 4 {
			return 0, 0, task.ErrMalformedPacket
		}
		n += int(b&0x7f) * mult
		if b&0x80 == 0 {
			return n, i + 1, nil
		}
		mult *= 128
	}
	if len(p) >= 4 {
		return 0, 0, task.ErrMalformedPacket
	}
	return 0, 0, nil
}

//----------------------------------------------------------------------
// length-prefixed writers

// encoded size of a length-prefixed string
func strSize(s string) int {
	return 2 + len(s)
}

// encoded size of length-prefixed binary data
func binSize(p []byte) int {
	return 2 + len(p)
}

func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func appendBinary(b []byte, p []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(p)))
	return append(b, p...)
}

// allocate a packet buffer for a body of given size and write the
// fixed header
func newPacket(header byte, remaining int) []byte {
	b := make([]byte, 0, 1+VarintSize(remaining)+remaining)
	b = append(b, header)
	return AppendVarint(b, remaining)
}

//----------------------------------------------------------------------
// packets sent by the client

// Will is the Last-Will message of a session. The value is owned by the
// caller and must stay valid while the client uses it.
type Will struct {
	Topic   string
	Payload []byte
	Retain  bool
	// PublishOnDisconnect publishes the will message before a graceful
	// disconnect (the broker only sends it on unclean ones).
	PublishOnDisconnect bool
}

// Connect holds the parameters of a CONNECT packet.
type Connect struct {
	ClientID  string
	Username  string
	Password  string
	KeepAlive uint16 // seconds
	Will      *Will
}

// flags of the CONNECT variable header
func (c *Connect) flags() byte {
	f := byte(flagCleanSession)
	if c.Will != nil {
		f |= flagWill | flagWillQoS1
		if c.Will.Retain {
			f |= flagWillRetain
		}
	}
	if c.Username != "" {
		f |= flagUsername
		if c.Password != "" {
			f |= flagPassword
		}
	}
	return f
}

// remaining length of the CONNECT packet
func (c *Connect) size() int {
	n := strSize(protocolName) + 1 + 1 + 2 + strSize(c.ClientID)
	if c.Will != nil {
		n += strSize(c.Will.Topic) + binSize(c.Will.Payload)
	}
	if c.Username != "" {
		n += strSize(c.Username)
		if c.Password != "" {
			n += strSize(c.Password)
		}
	}
	return n
}

// Encode the CONNECT packet. The buffer is allocated once with the exact
// packet size.
func (c *Connect) Encode() []byte {
	b := newPacket(byte(CONNECT)<<4, c.size())
	b = appendString(b, protocolName)
	b = append(b, protocolLevel, c.flags())
	b = binary.BigEndian.AppendUint16(b, c.KeepAlive)
	b = appendString(b, c.ClientID)
	if c.Will != nil {
		b = appendString(b, c.Will.Topic)
		b = appendBinary(b, c.Will.Payload)
	}
	if c.Username != "" {
		b = appendString(b, c.Username)
		if c.Password != "" {
			b = appendString(b, c.Password)
		}
	}
	return b
}

// EncodePublish encodes a QoS 1 PUBLISH packet.
func EncodePublish(topic string, payload []byte, id uint16, retain bool) []byte {
	header := byte(PUBLISH)<<4 | publishQoS1
	if retain {
		header |= publishRetain
	}
	b := newPacket(header, strSize(topic)+2+len(payload))
	b = appendString(b, topic)
	b = binary.BigEndian.AppendUint16(b, id)
	return append(b, payload...)
}

// EncodePuback encodes a PUBACK packet.
func EncodePuback(id uint16) []byte {
	b := newPacket(byte(PUBACK)<<4, 2)
	return binary.BigEndian.AppendUint16(b, id)
}

// EncodePingreq encodes a PINGREQ packet.
func EncodePingreq() []byte {
	return []byte{byte(PINGREQ) << 4, 0}
}

// EncodeDisconnect encodes a DISCONNECT packet.
func EncodeDisconnect() []byte {
	return []byte{byte(DISCONNECT) << 4, 0}
}

//----------------------------------------------------------------------
// packets received by the client

// Packet is a complete inbound control packet.
type Packet struct {
	Header byte
	Body   []byte
}

// Type of the packet.
func (p *Packet) Type() PacketType {
	return PacketType(p.Header >> 4)
}

// Connack returns the session-present flag and the return code of a
// CONNACK packet.
func (p *Packet) Connack() (present bool, code byte, err error) {
	if p.Type() != CONNACK || len(p.Body) != 2 {
		return false, 0, task.ErrMalformedPacket
	}
	return p.Body[0]&0x01 != 0, p.Body[1], nil
}

// PacketID returns the packet identifier of a PUBACK packet.
func (p *Packet) PacketID() (uint16, error) {
	if p.Type() != PUBACK || len(p.Body) != 2 {
		return 0, task.ErrMalformedPacket
	}
	return binary.BigEndian.Uint16(p.Body), nil
}

// Publish returns topic, packet id (0 for QoS 0) and payload of an
// inbound PUBLISH packet.
func (p *Packet) Publish() (topic string, id uint16, payload []byte, err error) {
	if p.Type() != PUBLISH || len(p.Body) < 2 {
		return "", 0, nil, task.ErrMalformedPacket
	}
	n := int(binary.BigEndian.Uint16(p.Body))
	rest := p.Body[2:]
	if len(rest) < n {
		return "", 0, nil, task.ErrMalformedPacket
	}
	topic, rest = string(rest[:n]), rest[n:]
	if qos := (p.Header >> 1) & 0x03; qos > 0 {
		if len(rest) < 2 {
			return "", 0, nil, task.ErrMalformedPacket
		}
		id, rest = binary.BigEndian.Uint16(rest), rest[2:]
	}
	return topic, id, rest, nil
}
