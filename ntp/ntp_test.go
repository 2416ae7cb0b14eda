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

package ntp

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfix/wificlock/radio/radiotest"
	"github.com/bfix/wificlock/socket"
	"github.com/bfix/wificlock/task"
	"github.com/bfix/wificlock/wifi"
)

var (
	serverAddr = netip.MustParseAddr("192.168.1.123")
	serverTime = time.Date(2026, time.October, 18, 6, 30, 0, 0, time.UTC)
)

// reply builds a server answer to req
func reply(req []byte, t time.Time) []byte {
	p := make([]byte, PacketSize)
	p[0] = 0<<6 | 4<<3 | 4
	p[1] = 2
	copy(p[24:32], req[40:48])
	binary.BigEndian.PutUint64(p[40:], toNTP(t))
	return p
}

type rig struct {
	sim   *radiotest.Sim
	link  *wifi.Manager
	cl    *Client
	got   []time.Time
	asked int
}

func newRig(t *testing.T, mod func(cfg *Config)) *rig {
	t.Helper()
	sim := radiotest.New()
	tab := socket.NewTable(sim, socket.DefaultConfig())
	link := wifi.New(sim, tab, sim, wifi.Config{SSID: "clocknet", Passphrase: "secret"})
	require.True(t, link.Connect())
	link.Pump()
	require.True(t, link.IsConnected())

	r := &rig{sim: sim, link: link}
	sim.Hosts["pool.ntp.org"] = serverAddr
	sim.Responders[netip.AddrPortFrom(serverAddr, 123)] = func(req []byte) []byte {
		r.asked++
		return reply(req, serverTime)
	}
	cfg := Config{}
	if mod != nil {
		mod(&cfg)
	}
	r.cl = New(link, SinkFunc(func(t time.Time) { r.got = append(r.got, t) }), sim, cfg)
	return r
}

func (r *rig) tick(n int) {
	for range n {
		r.link.Pump()
		r.link.Run()
		r.cl.Run()
	}
}

//----------------------------------------------------------------------

func TestRequestFormat(t *testing.T) {
	now := time.Date(2026, time.October, 18, 6, 30, 0, 500_000_000, time.UTC)
	req := Request(now)
	require.Len(t, req, PacketSize)
	assert.Equal(t, byte(0x23), req[0])
	assert.True(t, fromNTP(binary.BigEndian.Uint64(req[40:])).Equal(now))
}

func TestParseReply(t *testing.T) {
	req := Request(serverTime)
	origin := binary.BigEndian.Uint64(req[40:])
	good := reply(req, serverTime)

	tests := []struct {
		name string
		mod  func(p []byte) []byte
		err  error
	}{
		{"valid", func(p []byte) []byte { return p }, nil},
		{"short", func(p []byte) []byte { return p[:40] }, ErrShort},
		{"client mode", func(p []byte) []byte { p[0] = 0x23; return p }, ErrMode},
		{"kiss-of-death", func(p []byte) []byte { p[1] = 0; return p }, ErrKiss},
		{"unsynchronised", func(p []byte) []byte { p[0] |= 3 << 6; return p }, ErrNoClock},
		{"origin", func(p []byte) []byte { p[31]++; return p }, ErrOrigin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.mod(append([]byte(nil), good...))
			ts, err := ParseReply(p, origin)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.True(t, ts.Equal(serverTime))
		})
	}
}

func TestSync(t *testing.T) {
	r := newRig(t, nil)
	r.tick(10)

	require.Len(t, r.got, 1)
	assert.True(t, r.got[0].Equal(serverTime))
	assert.Equal(t, task.OK, r.cl.Error())
	assert.False(t, r.cl.IsBusy())
	assert.Equal(t, serverTime.Sub(r.sim.Now()), r.cl.Offset())
	assert.True(t, r.cl.Synced().Equal(serverTime))
	assert.Equal(t, r.sim.Now().Add(time.Hour), r.cl.Next())

	require.Len(t, r.sim.Datagrams, 1)
	assert.Equal(t, netip.AddrPortFrom(serverAddr, 123), r.sim.Datagrams[0].To)
	assert.Equal(t, byte(0x23), r.sim.Datagrams[0].Data[0])
	assert.Equal(t, 0, r.sim.OpenSockets())
}

func TestPeriodicSync(t *testing.T) {
	r := newRig(t, func(cfg *Config) { cfg.Interval = 10 * time.Minute })
	r.tick(10)
	require.Equal(t, 1, r.asked)

	r.sim.Advance(9 * time.Minute)
	r.tick(10)
	assert.Equal(t, 1, r.asked)

	r.sim.Advance(time.Minute)
	r.tick(10)
	assert.Equal(t, 2, r.asked)
	assert.Len(t, r.got, 2)
}

func TestServerAddressLiteral(t *testing.T) {
	r := newRig(t, func(cfg *Config) { cfg.Server = serverAddr.String() })
	r.tick(10)
	assert.Len(t, r.got, 1)
	assert.Equal(t, 0, r.sim.Resolves)
}

func TestSyncFailures(t *testing.T) {
	t.Run("unknown server", func(t *testing.T) {
		r := newRig(t, func(cfg *Config) { cfg.Server = "time.invalid.example" })
		r.tick(10)
		assert.Equal(t, task.ErrUnknownHost, r.cl.Error())
		assert.Equal(t, r.sim.Now().Add(time.Minute), r.cl.Next())
		assert.Empty(t, r.got)
	})
	t.Run("no response", func(t *testing.T) {
		r := newRig(t, nil)
		delete(r.sim.Responders, netip.AddrPortFrom(serverAddr, 123))
		r.tick(10)
		assert.True(t, r.cl.Running(TaskRequest))
		r.sim.Advance(6 * time.Second)
		r.tick(1)
		assert.Equal(t, task.ErrNoResponse, r.cl.Error())
		assert.Equal(t, 0, r.sim.OpenSockets())
	})
	t.Run("malformed reply", func(t *testing.T) {
		r := newRig(t, nil)
		r.sim.Responders[netip.AddrPortFrom(serverAddr, 123)] = func(req []byte) []byte {
			p := reply(req, serverTime)
			p[1] = 0
			return p
		}
		r.tick(10)
		assert.Equal(t, task.ErrMalformedPacket, r.cl.Error())
		assert.Empty(t, r.got)
	})
	t.Run("link lost", func(t *testing.T) {
		r := newRig(t, nil)
		delete(r.sim.Responders, netip.AddrPortFrom(serverAddr, 123))
		r.tick(10)
		require.True(t, r.cl.IsBusy())
		r.sim.DropLink()
		r.tick(1)
		assert.False(t, r.cl.IsBusy())
		assert.Equal(t, task.ErrNotConnected, r.cl.Error())
	})
}

func TestSyncRefusedWhileBusy(t *testing.T) {
	r := newRig(t, nil)
	assert.True(t, r.cl.Sync())
	assert.False(t, r.cl.Sync())
}
