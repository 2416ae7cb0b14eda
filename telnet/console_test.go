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

package telnet

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfix/wificlock/radio/radiotest"
	"github.com/bfix/wificlock/socket"
	"github.com/bfix/wificlock/wifi"
)

var clientAddr = netip.MustParseAddrPort("192.168.1.20:40000")

type rig struct {
	t    *testing.T
	sim  *radiotest.Sim
	link *wifi.Manager
	con  *Console
	cl   *radiotest.Conn
}

func newRig(t *testing.T, mod func(cfg *Config)) *rig {
	t.Helper()
	sim := radiotest.New()
	tab := socket.NewTable(sim, socket.DefaultConfig())
	link := wifi.New(sim, tab, sim, wifi.Config{SSID: "clocknet", Passphrase: "secret"})
	require.True(t, link.Connect())
	link.Pump()
	require.True(t, link.IsConnected())

	cfg := Config{}
	if mod != nil {
		mod(&cfg)
	}
	r := &rig{t: t, sim: sim, link: link, con: New(link, sim, cfg)}
	r.tick(3)
	require.Equal(t, "listening", r.con.State())
	return r
}

func (r *rig) tick(n int) {
	for range n {
		r.link.Pump()
		r.link.Run()
		r.con.Run()
	}
}

// connect a client and return the greeting
func (r *rig) dial() string {
	r.t.Helper()
	c, err := r.sim.DialIn(23, clientAddr)
	require.NoError(r.t, err)
	r.cl = c
	r.tick(1)
	return c.Take()
}

// type input and return the output
func (r *rig) send(in string) string {
	r.cl.WriteString(in)
	r.tick(4)
	return r.cl.Take()
}

//----------------------------------------------------------------------

func TestNegotiationAndBanner(t *testing.T) {
	r := newRig(t, nil)
	out := r.dial()
	require.True(t, r.con.InSession())
	assert.Equal(t, string(negotiation)+"wificlock console\r\n> ", out)
	assert.Equal(t, []byte{255, 251, 1, 255, 251, 3, 255, 254, 34}, negotiation)
}

func TestEchoAndDispatch(t *testing.T) {
	r := newRig(t, nil)
	r.dial()
	var got []string
	require.NoError(t, r.con.Register(Command{
		Name: "alarm",
		Help: "set an alarm",
		Run: func(out io.Writer, args []string) error {
			got = args
			fmt.Fprintln(out, "alarm set")
			return nil
		},
	}))

	out := r.send("alarm 07:30 \"wake up\"\r\n")
	assert.Equal(t, "alarm 07:30 \"wake up\"\r\nalarm set\r\n> ", out)
	assert.Equal(t, []string{"07:30", "wake up"}, got)
}

func TestLineEndings(t *testing.T) {
	for _, eol := range []string{"\r\n", "\r\x00", "\n", "\r"} {
		t.Run(fmt.Sprintf("%q", eol), func(t *testing.T) {
			r := newRig(t, nil)
			r.dial()
			calls := 0
			require.NoError(t, r.con.Register(Command{Name: "x", Run: func(io.Writer, []string) error {
				calls++
				return nil
			}}))
			r.send("x" + eol + "x" + eol)
			assert.Equal(t, 2, calls)
		})
	}
}

func TestBackspace(t *testing.T) {
	r := newRig(t, nil)
	r.dial()
	var got []string
	require.NoError(t, r.con.Register(Command{Name: "say", Run: func(_ io.Writer, args []string) error {
		got = args
		return nil
	}}))
	out := r.send("say hellp\x7fo\r\n")
	assert.True(t, strings.HasPrefix(out, "say hellp\b \bo\r\n"))
	assert.Equal(t, []string{"hello"}, got)

	// backspace on an empty line echoes nothing
	assert.Equal(t, "", r.send("\x08"))
}

func TestTelnetCommandsAreStripped(t *testing.T) {
	r := newRig(t, nil)
	r.dial()
	var got []string
	require.NoError(t, r.con.Register(Command{Name: "say", Run: func(_ io.Writer, args []string) error {
		got = args
		return nil
	}}))
	in := "sa" +
		string([]byte{IAC, DO, ECHO}) + // option negotiation
		"y h" +
		string([]byte{IAC, SB, 24, 0, 'x', 't', 'e', 'r', 'm', IAC, SE}) + // subnegotiation
		"i" +
		string([]byte{IAC, 241}) + // NOP
		"\r\n"
	r.send(in)
	assert.Equal(t, []string{"hi"}, got)
}

func TestBuiltins(t *testing.T) {
	r := newRig(t, func(cfg *Config) {
		cfg.Status = func(out io.Writer) { fmt.Fprintln(out, "mqtt:    connected") }
	})
	r.dial()

	help := r.send("help\r\n")
	for _, name := range []string{"help", "status", "quit"} {
		assert.Contains(t, help, "  "+name)
	}
	assert.Less(t, strings.Index(help, "help"), strings.Index(help, "quit"))

	status := r.send("status\r\n")
	assert.Contains(t, status, "wifi:    connected (192.168.1.50/24)\r\n")
	assert.Contains(t, status, "mqtt:    connected\r\n")

	assert.Contains(t, r.send("reboot\r\n"), "unknown command \"reboot\" (try help)\r\n")
	assert.Contains(t, r.send("say \"open\r\n"), "error: ")

	assert.Equal(t, "quit\r\nbye\r\n", r.send("quit\r\n"))
	assert.True(t, r.cl.Closed())
	assert.False(t, r.con.InSession())
	assert.Equal(t, "listening", r.con.State())
}

func TestCommandErrors(t *testing.T) {
	r := newRig(t, nil)
	r.dial()
	require.NoError(t, r.con.Register(Command{Name: "fail", Run: func(io.Writer, []string) error {
		return errors.New("no alarm")
	}}))
	assert.Contains(t, r.send("fail\r\n"), "error: no alarm\r\n")

	assert.Error(t, r.con.Register(Command{Name: "fail", Run: func(io.Writer, []string) error { return nil }}))
	assert.Error(t, r.con.Register(Command{Name: "help", Run: func(io.Writer, []string) error { return nil }}))
	assert.Error(t, r.con.Register(Command{Name: "nop"}))
}

func TestIACIsEscapedInOutput(t *testing.T) {
	r := newRig(t, nil)
	r.dial()
	require.NoError(t, r.con.Register(Command{Name: "raw", Run: func(out io.Writer, _ []string) error {
		_, err := out.Write([]byte{'a', IAC, 'b'})
		return err
	}}))
	assert.Contains(t, r.send("raw\r\n"), string([]byte{'a', IAC, IAC, 'b'}))
}

func TestLineLimit(t *testing.T) {
	r := newRig(t, func(cfg *Config) { cfg.MaxLine = 4 })
	r.dial()
	assert.Equal(t, "abcd", r.send("abcdef"))
}

func TestSecondClientIsBusy(t *testing.T) {
	r := newRig(t, nil)
	r.dial()
	other, err := r.sim.DialIn(23, netip.MustParseAddrPort("192.168.1.21:40000"))
	require.NoError(t, err)
	r.tick(2)
	assert.Equal(t, "console busy, try again later\r\n", other.Take())
	assert.True(t, other.Closed())
	assert.True(t, r.con.InSession())
}

func TestClientDisconnects(t *testing.T) {
	r := newRig(t, nil)
	r.dial()
	r.cl.Close()
	r.tick(3)
	assert.False(t, r.con.InSession())

	// a new client is served
	assert.Contains(t, r.dial(), "wificlock console")
}

func TestIdleTimeout(t *testing.T) {
	r := newRig(t, func(cfg *Config) { cfg.IdleTimeout = time.Minute })
	r.dial()
	r.sim.Advance(61 * time.Second)
	r.tick(1)
	assert.Equal(t, "\r\nidle timeout\r\n", r.cl.Take())
	assert.False(t, r.con.InSession())
}

func TestLinkLoss(t *testing.T) {
	r := newRig(t, nil)
	r.dial()
	r.sim.DropLink()
	r.tick(1)
	assert.Equal(t, "wait-link", r.con.State())
	assert.False(t, r.sim.Listening(23))
}
