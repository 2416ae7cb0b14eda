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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfix/wificlock/task"
)

func TestVarintBoundaries(t *testing.T) {
	tests := []struct {
		n    int
		size int
	}{
		{0, 1},
		{127, 1},
		{128, 2},
		{16383, 2},
		{16384, 3},
		{2097151, 3},
		{2097152, 4},
		{MaxRemaining, 4},
	}
	for _, tt := range tests {
		b := AppendVarint(nil, tt.n)
		assert.Len(t, b, tt.size, "encoding of %d", tt.n)
		assert.Equal(t, tt.size, VarintSize(tt.n))

		n, used, err := DecodeVarint(b)
		require.NoError(t, err)
		assert.Equal(t, tt.n, n)
		assert.Equal(t, tt.size, used)
	}
	assert.Equal(t, 0, VarintSize(MaxRemaining+1))
}

func TestVarintKnownEncodings(t *testing.T) {
	assert.Equal(t, []byte{0x00}, AppendVarint(nil, 0))
	assert.Equal(t, []byte{0x7f}, AppendVarint(nil, 127))
	assert.Equal(t, []byte{0x80, 0x01}, AppendVarint(nil, 128))
	assert.Equal(t, []byte{0xff, 0x7f}, AppendVarint(nil, 16383))
	assert.Equal(t, []byte{0x80, 0x80, 0x01}, AppendVarint(nil, 16384))
}

func TestVarintRejectsFifthByte(t *testing.T) {
	_, _, err := DecodeVarint([]byte{0xff, 0xff, 0xff, 0xff, 0x01})
	assert.Equal(t, task.ErrMalformedPacket, err)

	// four continuation bytes can never complete
	_, _, err = DecodeVarint([]byte{0x80, 0x80, 0x80, 0x80})
	assert.Equal(t, task.ErrMalformedPacket, err)
}

func TestVarintIncomplete(t *testing.T) {
	n, used, err := DecodeVarint([]byte{0x80, 0x80})
	assert.NoError(t, err)
	assert.Equal(t, 0, used)
	assert.Equal(t, 0, n)

	_, used, err = DecodeVarint(nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, used)
}

func TestConnectEncoding(t *testing.T) {
	c := &Connect{ClientID: "clk", KeepAlive: 60}
	want := []byte{
		0x10, 15,
		0, 4, 'M', 'Q', 'T', 'T',
		4,    // level
		0x02, // clean session
		0, 60,
		0, 3, 'c', 'l', 'k',
	}
	assert.Equal(t, want, c.Encode())
}

func TestConnectSizeIsExact(t *testing.T) {
	tests := []struct {
		name  string
		pkt   Connect
		flags byte
	}{
		{"bare", Connect{ClientID: "clock"}, 0x02},
		{"user only", Connect{ClientID: "clock", Username: "u"}, 0x82},
		{"credentials", Connect{ClientID: "clock", Username: "u", Password: "p"}, 0xc2},
		{"password without user", Connect{ClientID: "clock", Password: "p"}, 0x02},
		{"will", Connect{ClientID: "clock", Will: &Will{Topic: "t", Payload: []byte("x")}}, 0x0e},
		{"retained will and credentials", Connect{
			ClientID: "clock", Username: "u", Password: "p",
			Will: &Will{Topic: "clock/status", Payload: []byte("offline"), Retain: true},
		}, 0xee},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.pkt.Encode()
			assert.Equal(t, len(b), cap(b), "no reallocation")
			n, used, err := DecodeVarint(b[1:])
			require.NoError(t, err)
			assert.Equal(t, len(b)-1-used, n)
			assert.Equal(t, tt.flags, b[1+used+7])
		})
	}
}

func TestConnectLargeRemainingLength(t *testing.T) {
	c := &Connect{ClientID: "clock", Will: &Will{Topic: "t", Payload: make([]byte, 200)}}
	b := c.Encode()
	n, used, err := DecodeVarint(b[1:])
	require.NoError(t, err)
	assert.Equal(t, 2, used)
	assert.Equal(t, len(b)-3, n)
}

func TestPublishEncoding(t *testing.T) {
	b := EncodePublish("a/b", []byte("hi"), 0x0102, false)
	assert.Equal(t, []byte{0x32, 9, 0, 3, 'a', '/', 'b', 0x01, 0x02, 'h', 'i'}, b)

	b = EncodePublish("a", nil, 1, true)
	assert.Equal(t, byte(0x33), b[0])
}

func TestSmallPackets(t *testing.T) {
	assert.Equal(t, []byte{0x40, 2, 0x12, 0x34}, EncodePuback(0x1234))
	assert.Equal(t, []byte{0xc0, 0}, EncodePingreq())
	assert.Equal(t, []byte{0xe0, 0}, EncodeDisconnect())
}

func TestInboundPackets(t *testing.T) {
	p := &Packet{Header: 0x20, Body: []byte{0x01, ConnNotAuthorized}}
	present, rc, err := p.Connack()
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, ConnNotAuthorized, rc)

	p = &Packet{Header: 0x40, Body: []byte{0, 7}}
	id, err := p.PacketID()
	require.NoError(t, err)
	assert.Equal(t, uint16(7), id)

	_, err = (&Packet{Header: 0x40, Body: []byte{0}}).PacketID()
	assert.Equal(t, task.ErrMalformedPacket, err)

	raw := EncodePublish("x/y", []byte("data"), 9, false)
	p = &Packet{Header: raw[0], Body: raw[2:]}
	topic, id, payload, err := p.Publish()
	require.NoError(t, err)
	assert.Equal(t, "x/y", topic)
	assert.Equal(t, uint16(9), id)
	assert.Equal(t, "data", string(payload))
}

//----------------------------------------------------------------------

// byte source delivering at most step bytes per poll
type trickle struct {
	data []byte
	step int
	gate int
}

func (s *trickle) open()          { s.gate += s.step }
func (s *trickle) Available() int { return min(len(s.data), s.gate) }
func (s *trickle) Read(p []byte) int {
	n := copy(p, s.data[:s.Available()])
	s.data = s.data[n:]
	s.gate -= n
	return n
}

func TestReceiverAssemblesAcrossPolls(t *testing.T) {
	raw := EncodePublish("topic", make([]byte, 300), 5, false)
	src := &trickle{data: raw, step: 7}
	var rx receiver

	polls := 0
	for {
		src.open()
		polls++
		done, err := rx.poll(src)
		require.NoError(t, err)
		if done {
			break
		}
		require.Less(t, polls, 100)
	}
	assert.Greater(t, polls, 1)
	pkt := rx.packet()
	require.NotNil(t, pkt)
	assert.Equal(t, PUBLISH, pkt.Type())
	assert.Len(t, pkt.Body, len(raw)-3)

	rx.reset()
	assert.Nil(t, rx.packet())
}

func TestReceiverZeroLengthPacket(t *testing.T) {
	src := &trickle{data: []byte{0xd0, 0x00}, step: 10}
	src.open()
	var rx receiver
	done, err := rx.poll(src)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, PINGRESP, rx.packet().Type())
	assert.Empty(t, rx.packet().Body)
}

func TestReceiverErrors(t *testing.T) {
	src := &trickle{data: []byte{0x30, 0xff, 0xff, 0xff, 0xff, 0x01}, step: 10}
	src.open()
	var rx receiver
	_, err := rx.poll(src)
	assert.Equal(t, task.ErrMalformedPacket, err)
	assert.Equal(t, rxIdle, rx.state)

	src = &trickle{data: AppendVarint([]byte{0x30}, 5000), step: 10}
	src.open()
	rx = receiver{limit: 1024}
	_, err = rx.poll(src)
	assert.Equal(t, task.ErrAlloc, err)
}
