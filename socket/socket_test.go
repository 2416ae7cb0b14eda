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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfix/wificlock/radio"
	"github.com/bfix/wificlock/radio/radiotest"
)

var (
	serverAddr = netip.MustParseAddrPort("10.0.0.5:1883")
	clientAddr = netip.MustParseAddrPort("10.0.0.9:40000")
)

// test fixture: linked simulation with a socket table
func newFixture(t *testing.T, bufSize int) (*radiotest.Sim, *Table, func()) {
	t.Helper()
	sim := radiotest.New()
	require.NoError(t, sim.Connect(radio.LinkConfig{SSID: "clocknet", Passphrase: "secret"}))
	tab := NewTable(sim, Config{BufferSize: bufSize})
	pump := func() {
		sim.Pump(func(ev *radio.Event) { tab.HandleEvent(ev) })
	}
	pump()
	return sim, tab, pump
}

func TestRingWrapAround(t *testing.T) {
	r := newRing(8)
	assert.Equal(t, 6, r.Write([]byte("abcdef")))
	buf := make([]byte, 4)
	assert.Equal(t, 4, r.Read(buf))
	assert.Equal(t, "abcd", string(buf))

	// wraps around the end of the storage
	assert.Equal(t, 6, r.Write([]byte("ghijklmn")))
	assert.Equal(t, 0, r.Free())
	out := make([]byte, 16)
	n := r.Read(out)
	assert.Equal(t, "efghijkl", string(out[:n]))
	assert.Equal(t, 0, r.Len())
}

func TestRingPeekDoesNotConsume(t *testing.T) {
	r := newRing(4)
	r.Write([]byte("xy"))
	p := make([]byte, 2)
	assert.Equal(t, 2, r.Peek(p))
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, "xy", string(p))

	assert.Equal(t, 1, r.Read(p[:1]))
	assert.Equal(t, 1, r.Read(p))
	assert.Equal(t, byte('y'), p[0])
	assert.Equal(t, 0, r.Read(p), "empty ring")
	assert.Equal(t, 0, r.Peek(p))
}

func TestConnectLifecycle(t *testing.T) {
	sim, tab, pump := newFixture(t, 64)
	srv := sim.Serve(serverAddr)

	c := NewTCPClient(tab)
	require.True(t, c.Connect(serverAddr))
	assert.True(t, c.Connecting(), "completion only visible after a pump")
	assert.False(t, c.Connected())

	pump()
	assert.True(t, c.Connected())
	require.NotNil(t, srv.Last())

	// receive path: the first query arms the chip receive
	srv.Last().WriteString("hello")
	assert.Equal(t, 0, c.Available())
	pump()
	assert.Equal(t, 5, c.Available())
	buf := make([]byte, 16)
	n := c.Read(buf)
	assert.Equal(t, "hello", string(buf[:n]))

	// send path
	assert.Equal(t, 4, c.WriteString("ping"))
	assert.Equal(t, "ping", srv.Last().Take())

	c.Stop()
	assert.True(t, srv.Last().Closed())
	assert.Equal(t, 0, sim.OpenSockets())
}

func TestConnectRefused(t *testing.T) {
	sim, tab, pump := newFixture(t, 64)
	sim.Serve(serverAddr).Refuse = true

	c := NewTCPClient(tab)
	require.True(t, c.Connect(serverAddr))
	pump()
	assert.False(t, c.Connected())
	assert.True(t, c.Failed())
	assert.Equal(t, StateIdle, tab.State(c.Handle()))
	c.Stop()
	assert.Equal(t, 0, tab.Open())
}

func TestLargeReceiveStagesPendingData(t *testing.T) {
	sim, tab, pump := newFixture(t, 8)
	srv := sim.Serve(serverAddr)
	c := NewTCPClient(tab)
	c.Connect(serverAddr)
	pump()

	payload := "0123456789abcdefghij"
	srv.Last().WriteString(payload)
	c.Available()
	pump()
	assert.Equal(t, len(payload), c.Available())

	peek := make([]byte, 4)
	assert.Equal(t, 4, c.Peek(peek))
	assert.Equal(t, "0123", string(peek))

	buf := make([]byte, 32)
	n := c.Read(buf)
	assert.Equal(t, payload, string(buf[:n]))
	assert.Equal(t, 0, c.Available())
}

func TestReadLine(t *testing.T) {
	sim, tab, pump := newFixture(t, 64)
	srv := sim.Serve(serverAddr)
	c := NewTCPClient(tab)
	c.Connect(serverAddr)
	pump()

	srv.Last().WriteString("USER bob\r\nPASS")
	c.Available()
	pump()

	var line bytes.Buffer
	require.True(t, c.ReadLine(&line, 64))
	assert.Equal(t, "USER bob", line.String())
	line.Reset()
	assert.False(t, c.ReadLine(&line, 64))
	assert.Equal(t, "PASS", line.String())
}

func TestReadLineTooLong(t *testing.T) {
	sim, tab, pump := newFixture(t, 64)
	srv := sim.Serve(serverAddr)
	c := NewTCPClient(tab)
	c.Connect(serverAddr)
	pump()

	srv.Last().WriteString("0123456789xDELE\r\nabcdefgh\r\nNOOP\r\n")
	c.Available()
	pump()

	var line bytes.Buffer
	require.True(t, c.ReadLine(&line, 8))
	assert.Equal(t, "012345678", line.String(), "cut to max+1 bytes")
	assert.Greater(t, line.Len(), 8)

	// exactly max bytes before the line ending is still valid
	line.Reset()
	require.True(t, c.ReadLine(&line, 8))
	assert.Equal(t, "abcdefgh", line.String())

	line.Reset()
	require.True(t, c.ReadLine(&line, 8))
	assert.Equal(t, "NOOP", line.String())
}

func TestWriteRetriesOnFullBuffer(t *testing.T) {
	sim, tab, pump := newFixture(t, 64)
	srv := sim.Serve(serverAddr)
	c := NewTCPClient(tab)
	c.Connect(serverAddr)
	pump()

	sim.SendFull = 3
	assert.Equal(t, 5, c.WriteString("hello"))
	assert.Equal(t, "hello", srv.Last().Take())

	// a buffer that never drains gives up
	sim.SendFull = 100
	assert.Equal(t, 0, c.WriteString("lost"))
}

func TestWritePartialSend(t *testing.T) {
	sim, tab, pump := newFixture(t, 64)
	srv := sim.Serve(serverAddr)
	c := NewTCPClient(tab)
	c.Connect(serverAddr)
	pump()

	sim.SendPartial = 3
	assert.Equal(t, 6, c.WriteString("abcdef"))
	assert.Equal(t, "abcdef", srv.Last().Take(), "accepted bytes are not sent twice")

	// the partial bytes count even when the retries run out
	sim.SendPartial = 2
	sim.SendFull = 100
	assert.Equal(t, 2, c.WriteString("xyz"))
	assert.Equal(t, "xy", srv.Last().Take())
}

func TestWriteAbortsWhenPeerGone(t *testing.T) {
	sim, tab, pump := newFixture(t, 64)
	srv := sim.Serve(serverAddr)
	c := NewTCPClient(tab)
	c.Connect(serverAddr)
	pump()

	srv.Last().Close()
	c.Available()
	pump()
	assert.True(t, tab.PeerClosed(c.Handle()))
	assert.False(t, c.Connected())
	assert.Equal(t, 0, c.WriteString("data"))
}

func TestCloseIsIdempotent(t *testing.T) {
	sim, tab, pump := newFixture(t, 64)
	sim.Serve(serverAddr)
	c := NewTCPClient(tab)
	c.Connect(serverAddr)
	pump()
	h := c.Handle()

	tab.Close(h)
	assert.NotPanics(t, func() {
		tab.Close(h)
		tab.Close(radio.NoHandle)
		c.Stop()
		c.Stop()
	})
	assert.Equal(t, StateInvalid, tab.State(h))
	assert.Equal(t, 0, sim.OpenSockets())
}

func TestStaleClientDoesNotCloseReusedHandle(t *testing.T) {
	sim, tab, pump := newFixture(t, 64)
	sim.Serve(serverAddr)
	old := NewTCPClient(tab)
	old.Connect(serverAddr)
	pump()
	h := old.Handle()

	// link teardown closes everything underneath the owner
	tab.CloseAll()
	fresh := NewTCPClient(tab)
	require.True(t, fresh.Connect(serverAddr))
	require.Equal(t, h, fresh.Handle(), "chip reuses the lowest handle")

	old.Stop()
	assert.Equal(t, StateConnecting, tab.State(fresh.Handle()))
}

func TestAcceptOnePerPoll(t *testing.T) {
	sim, tab, pump := newFixture(t, 64)
	l := NewListener(tab)
	require.True(t, l.Bind(21))
	assert.Equal(t, StateBinding, l.State())
	assert.False(t, l.Listen(), "listen needs a bound socket")
	pump()
	require.Equal(t, StateBound, l.State())
	require.True(t, l.Listen())
	pump()
	require.Equal(t, StateListening, l.State())

	c1, err := sim.DialIn(21, clientAddr)
	require.NoError(t, err)
	_, err = sim.DialIn(21, netip.MustParseAddrPort("10.0.0.10:40001"))
	require.NoError(t, err)
	pump()

	first, ok := l.Accept()
	require.True(t, ok)
	assert.Equal(t, StateConnected, tab.State(first))
	assert.Equal(t, clientAddr, tab.Remote(first))

	second, ok := l.Accept()
	require.True(t, ok)
	assert.NotEqual(t, first, second)

	_, ok = l.Accept()
	assert.False(t, ok)

	// the owner rejects the extra connection explicitly
	tab.Close(second)
	c := NewTCPClient(tab)
	c.Attach(first)
	c1.WriteString("hi")
	c.Available()
	pump()
	assert.Equal(t, 2, c.Available())
}

func TestListenerCloseDropsUnclaimedChildren(t *testing.T) {
	sim, tab, pump := newFixture(t, 64)
	l := NewListener(tab)
	l.Bind(23)
	pump()
	l.Listen()
	pump()
	_, err := sim.DialIn(23, clientAddr)
	require.NoError(t, err)
	pump()
	assert.Equal(t, 2, tab.Open())

	l.Stop()
	assert.Equal(t, 0, tab.Open())
	assert.Equal(t, 0, sim.OpenSockets())
}

func TestUDPRoundTrip(t *testing.T) {
	sim, tab, pump := newFixture(t, 64)
	ntp := netip.MustParseAddrPort("10.0.0.1:123")
	sim.Responders[ntp] = func(req []byte) []byte {
		return append([]byte("re:"), req...)
	}

	u := NewUDPClient(tab)
	require.True(t, u.Begin(0))
	assert.False(t, u.Ready())
	pump()
	require.True(t, u.Ready())

	assert.Equal(t, 3, u.SendTo([]byte("abc"), ntp))
	assert.Equal(t, 0, u.Available())
	pump()
	assert.Equal(t, 6, u.Available())
	buf := make([]byte, 8)
	n := u.Read(buf)
	assert.Equal(t, "re:abc", string(buf[:n]))
	assert.Equal(t, ntp, u.Remote())

	u.Stop()
	u.Stop()
	assert.Equal(t, 0, sim.OpenSockets())
}
