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

package ftp

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfix/wificlock/radio/radiotest"
	"github.com/bfix/wificlock/socket"
	"github.com/bfix/wificlock/storage"
	"github.com/bfix/wificlock/task"
	"github.com/bfix/wificlock/wifi"
)

var (
	clientAddr = netip.MustParseAddrPort("192.168.1.20:40000")
	pasvReply  = regexp.MustCompile(`227 Entering Passive Mode \(192,168,1,50,(\d+),(\d+)\)`)
)

// test rig: linked WiFi manager, card with content, server listening
type rig struct {
	t    *testing.T
	sim  *radiotest.Sim
	link *wifi.Manager
	fs   afero.Fs
	card *storage.Card
	srv  *Server
	ctl  *radiotest.Conn // control connection of the client
}

func newRig(t *testing.T, mod func(cfg *Config)) *rig {
	t.Helper()
	sim := radiotest.New()
	tab := socket.NewTable(sim, socket.DefaultConfig())
	link := wifi.New(sim, tab, sim, wifi.Config{SSID: "clocknet", Passphrase: "secret"})
	require.True(t, link.Connect())
	link.Pump()
	require.True(t, link.IsConnected())

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/alarms", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/alarms/wake.wav", make([]byte, 2048), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/readme.txt", []byte("clock"), 0o644))
	card := storage.NewCard(fs, nil)

	cfg := Config{TransferBuffer: 512}
	if mod != nil {
		mod(&cfg)
	}
	r := &rig{t: t, sim: sim, link: link, fs: fs, card: card, srv: New(link, card, sim, cfg)}
	r.tick(3)
	require.Equal(t, "listening", r.srv.State())
	return r
}

// scheduler ticks
func (r *rig) tick(n int) {
	for range n {
		r.link.Pump()
		r.link.Run()
		r.srv.Run()
	}
}

// connect a client and read the greeting
func (r *rig) dial() *radiotest.Conn {
	r.t.Helper()
	c, err := r.sim.DialIn(21, clientAddr)
	require.NoError(r.t, err)
	r.tick(1)
	return c
}

// open a session and log in
func (r *rig) login() {
	r.t.Helper()
	r.ctl = r.dial()
	require.True(r.t, strings.HasPrefix(r.ctl.Take(), "220 "))
	require.True(r.t, strings.HasPrefix(r.cmd("USER clock"), "230 "))
}

// send a command line and return the replies
func (r *rig) cmd(line string) string {
	r.ctl.WriteString(line + "\r\n")
	r.tick(4)
	return r.ctl.Take()
}

// enter passive mode and return the data port
func (r *rig) pasv() uint16 {
	r.t.Helper()
	m := pasvReply.FindStringSubmatch(r.cmd("PASV"))
	require.NotNil(r.t, m)
	hi, _ := strconv.Atoi(m[1])
	lo, _ := strconv.Atoi(m[2])
	port := uint16(hi<<8 | lo)
	require.True(r.t, port >= 50000 && port <= 50099)
	return port
}

// open the data connection of a passive transfer
func (r *rig) dataDial(port uint16) *radiotest.Conn {
	r.t.Helper()
	c, err := r.sim.DialIn(port, netip.AddrPortFrom(clientAddr.Addr(), 40001))
	require.NoError(r.t, err)
	return c
}

//----------------------------------------------------------------------

func TestControlStartup(t *testing.T) {
	r := newRig(t, nil)
	assert.True(t, r.sim.Listening(21))
	assert.False(t, r.srv.InSession())

	c := r.dial()
	assert.Equal(t, "220 wificlock FTP server ready\r\n", c.Take())
	assert.True(t, r.srv.InSession())
}

func TestSecondClientIsBusy(t *testing.T) {
	r := newRig(t, nil)
	r.login()

	other, err := r.sim.DialIn(21, netip.MustParseAddrPort("192.168.1.21:40000"))
	require.NoError(t, err)
	r.tick(2)
	assert.True(t, strings.HasPrefix(other.Take(), "421 "))
	assert.True(t, other.Closed())

	// the session is undisturbed
	assert.Equal(t, "200 Zzz...\r\n", r.cmd("NOOP"))
	assert.False(t, r.ctl.Closed())
}

func TestAuthentication(t *testing.T) {
	r := newRig(t, func(cfg *Config) {
		cfg.User = "clock"
		cfg.Password = "alarm"
	})
	r.ctl = r.dial()
	r.ctl.Take()

	assert.True(t, strings.HasPrefix(r.cmd("LIST"), "530 "))
	assert.True(t, strings.HasPrefix(r.cmd("PASS alarm"), "503 "))
	assert.True(t, strings.HasPrefix(r.cmd("USER bob"), "530 "))
	assert.True(t, strings.HasPrefix(r.cmd("USER clock"), "331 "))
	assert.True(t, strings.HasPrefix(r.cmd("PASS wrong"), "530 "))
	assert.True(t, strings.HasPrefix(r.cmd("TYPE I"), "530 "), "not logged in after a bad password")

	r.cmd("USER clock")
	assert.Equal(t, "230 Logged in\r\n", r.cmd("PASS alarm"))
	assert.Equal(t, "200 Type set to I\r\n", r.cmd("TYPE I"))
}

func TestAlwaysAvailableCommands(t *testing.T) {
	r := newRig(t, nil)
	r.ctl = r.dial()
	r.ctl.Take()

	assert.Equal(t, "215 UNIX Type: L8\r\n", r.cmd("syst"))
	assert.Equal(t, "257 \"/\" is the current directory\r\n", r.cmd("PWD"))
	assert.True(t, strings.HasPrefix(r.cmd("AUTH TLS"), "504 "))
	assert.True(t, strings.HasPrefix(r.cmd("SITE CHMOD 644 x"), "202 "))
	assert.True(t, strings.HasPrefix(r.cmd("XYZ"), "500 "))

	feat := r.cmd("FEAT")
	assert.True(t, strings.HasPrefix(feat, "211-"))
	assert.Contains(t, feat, " MFMT\r\n")
	assert.True(t, strings.HasSuffix(feat, "211 End.\r\n"))

	help := r.cmd("HELP")
	for name := range commands {
		assert.Contains(t, help, name)
	}
}

func TestStorageTier(t *testing.T) {
	r := newRig(t, nil)
	r.login()
	r.card.Eject()

	assert.Equal(t, "550 No storage card\r\n", r.cmd("CWD /alarms"))
	assert.Equal(t, "550 No storage card\r\n", r.cmd("RETR /readme.txt"))
	assert.Equal(t, "200 Mode set to S\r\n", r.cmd("MODE S"))
	assert.True(t, strings.HasPrefix(r.cmd("STRU R"), "504 "))

	r.card.Insert(r.fs)
	assert.True(t, strings.HasPrefix(r.cmd("CWD /alarms"), "250 "))
}

func TestWorkingDirectory(t *testing.T) {
	r := newRig(t, nil)
	r.login()

	assert.Equal(t, "250 Directory changed to /alarms\r\n", r.cmd("CWD alarms//"))
	assert.Equal(t, "/alarms", r.srv.Cwd())
	assert.True(t, strings.HasPrefix(r.cmd("CWD missing"), "550 "))
	assert.Equal(t, "/alarms", r.srv.Cwd())
	assert.Equal(t, "250 Directory changed to /\r\n", r.cmd("CDUP"))
	assert.Equal(t, "250 Directory changed to /\r\n", r.cmd("CDUP"))

	// a path outside the working directory is re-checked
	assert.Equal(t, "550 /nope: no such directory\r\n", r.cmd("RETR /nope/file"))
}

func TestPassiveList(t *testing.T) {
	r := newRig(t, nil)
	r.login()
	port := r.pasv()

	assert.Equal(t, "150 Opening data connection for /\r\n", r.cmd("LIST -la"))
	assert.True(t, r.srv.Running(TaskList))
	data := r.dataDial(port)

	r.tick(10)
	assert.Equal(t, "226 2 matches total\r\n", r.ctl.Take())
	assert.True(t, data.Closed())
	assert.False(t, r.srv.IsBusy())
	assert.Equal(t, task.OK, r.srv.Error())

	lines := strings.Split(strings.TrimSuffix(string(data.Received()), "\r\n"), "\r\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasSuffix(lines[0], " ."))
	assert.True(t, strings.HasSuffix(lines[1], " .."))
	assert.True(t, strings.HasPrefix(lines[2], "drwxr-xr-x "))
	assert.True(t, strings.HasSuffix(lines[2], " alarms"))
	assert.True(t, strings.HasPrefix(lines[3], "-rw-r--r-- "))
	assert.Contains(t, lines[3], " 5 ")
	assert.True(t, strings.HasSuffix(lines[3], " readme.txt"))
}

func TestListOneEntryPerPoll(t *testing.T) {
	r := newRig(t, nil)
	r.login()
	require.NoError(t, r.fs.MkdirAll("/many", 0o755))
	for i := range 5 {
		require.NoError(t, afero.WriteFile(r.fs, fmt.Sprintf("/many/f%d", i), nil, 0o644))
	}
	port := r.pasv()
	r.cmd("NLST /many")
	data := r.dataDial(port)

	r.tick(1) // accept and first entry
	assert.Equal(t, "f0\r\n", string(data.Received()))
	r.tick(1)
	assert.Equal(t, "f0\r\nf1\r\n", string(data.Received()))
	r.tick(4)
	assert.Equal(t, "f0\r\nf1\r\nf2\r\nf3\r\nf4\r\n", string(data.Received()))
	assert.Equal(t, "226 5 matches total\r\n", r.ctl.Take())
}

func TestMachineListing(t *testing.T) {
	r := newRig(t, nil)
	r.login()
	mtime := time.Date(2024, 3, 1, 6, 30, 0, 0, time.UTC)
	require.NoError(t, r.fs.Chtimes("/alarms/wake.wav", mtime, mtime))

	port := r.pasv()
	r.cmd("MLSD /alarms")
	data := r.dataDial(port)
	r.tick(5)
	assert.Equal(t, "type=file;size=2048;modify=20240301063000; wake.wav\r\n", string(data.Received()))
	assert.Equal(t, "226 1 matches total\r\n", r.ctl.Take())

	mlst := r.cmd("MLST /alarms/wake.wav")
	assert.Equal(t, "250-Listing /alarms/wake.wav\r\n"+
		" type=file;size=2048;modify=20240301063000; /alarms/wake.wav\r\n"+
		"250 End\r\n", mlst)
}

func TestStatListsOnControl(t *testing.T) {
	r := newRig(t, nil)
	r.login()

	// no data connection needed
	out := r.cmd("STAT /alarms")
	r.tick(3)
	out += r.ctl.Take()
	lines := strings.Split(strings.TrimSuffix(out, "\r\n"), "\r\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "213-Status of /alarms:", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], " -rw-r--r-- "))
	assert.True(t, strings.HasSuffix(lines[1], " wake.wav"))
	assert.Equal(t, "213 End of status (1 matches)", lines[2])
	assert.False(t, r.srv.IsBusy())

	status := r.cmd("STAT")
	assert.True(t, strings.HasPrefix(status, "211-"))
	assert.Contains(t, status, "Working directory /")
}

func TestStatKeepsSpacesInPath(t *testing.T) {
	r := newRig(t, nil)
	r.login()
	require.NoError(t, afero.WriteFile(r.fs, "/two  spaces.txt", []byte("x"), 0o644))

	out := r.cmd("STAT -l two  spaces.txt")
	r.tick(3)
	out += r.ctl.Take()
	assert.Contains(t, out, " two  spaces.txt\r\n")
	assert.Contains(t, out, "213 End of status (1 matches)\r\n")
}

func TestPassiveRetrieve(t *testing.T) {
	r := newRig(t, nil)
	r.login()
	port := r.pasv()

	assert.Equal(t, "150 Opening data connection for /alarms/wake.wav (2048 bytes)\r\n", r.cmd("RETR alarms/wake.wav"))
	data := r.dataDial(port)
	r.tick(1)
	assert.Len(t, data.Received(), 512, "one block per poll")
	r.tick(5)
	assert.Len(t, data.Received(), 2048)
	assert.True(t, data.Closed())
	assert.Equal(t, "226 Transfer complete (2048 bytes)\r\n", r.ctl.Take())
}

func TestPassiveStore(t *testing.T) {
	r := newRig(t, nil)
	r.login()

	port := r.pasv()
	assert.Equal(t, "150 Opening data connection for /alarms/new.txt\r\n", r.cmd("STOR /alarms/new.txt"))
	data := r.dataDial(port)
	r.tick(1)
	data.WriteString("hello world")
	data.Close()
	r.tick(6)
	assert.Equal(t, "226 Transfer complete (11 bytes)\r\n", r.ctl.Take())
	content, err := afero.ReadFile(r.fs, "/alarms/new.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))

	// append
	port = r.pasv()
	r.cmd("APPE /alarms/new.txt")
	data = r.dataDial(port)
	r.tick(1)
	data.WriteString("!")
	data.Close()
	r.tick(6)
	content, _ = afero.ReadFile(r.fs, "/alarms/new.txt")
	assert.Equal(t, "hello world!", string(content))

	assert.True(t, strings.HasPrefix(r.cmd("STOR /alarms"), "550 "))
}

func TestActiveRetrieve(t *testing.T) {
	r := newRig(t, nil)
	r.login()
	client := r.sim.Serve(netip.MustParseAddrPort("192.168.1.20:51210"))

	assert.Equal(t, "501 Syntax error in PORT parameter\r\n", r.cmd("PORT 192,168,1,20,200"))
	assert.Equal(t, "200 PORT command successful\r\n", r.cmd("PORT 192,168,1,20,200,10"))
	out := r.cmd("RETR readme.txt")
	r.tick(3)
	out += r.ctl.Take()
	require.NotNil(t, client.Last())
	assert.Equal(t, "clock", string(client.Last().Received()))
	assert.True(t, client.Last().Closed())
	assert.Equal(t, "150 Opening data connection for /readme.txt (5 bytes)\r\n"+
		"226 Transfer complete (5 bytes)\r\n", out)
}

func TestActiveRefused(t *testing.T) {
	r := newRig(t, nil)
	r.login()
	r.cmd("PORT 192,168,1,20,200,10")
	out := r.cmd("RETR readme.txt")
	r.tick(2)
	out += r.ctl.Take()
	assert.Contains(t, out, "425 Can't open data connection\r\n")
	assert.False(t, r.srv.IsBusy())
	assert.Equal(t, task.ErrNoDataConnection, r.srv.Error())
}

func TestDataConnectionTimeout(t *testing.T) {
	r := newRig(t, nil)
	r.login()

	assert.Equal(t, "425 Use PORT or PASV first\r\n", r.cmd("RETR readme.txt"))

	r.pasv()
	r.cmd("RETR readme.txt")
	r.sim.Advance(r.srv.cfg.DataTimeout)
	r.tick(1)
	assert.True(t, r.srv.IsBusy())

	r.sim.Advance(time.Millisecond)
	r.tick(1)
	assert.Equal(t, "425 No data connection\r\n", r.ctl.Take())
	assert.False(t, r.srv.IsBusy())
	assert.Equal(t, task.ErrNoDataConnection, r.srv.Error())
	assert.Equal(t, dataDisabled, r.srv.data)
}

func TestPassiveSetupTimeout(t *testing.T) {
	r := newRig(t, nil)
	r.login()

	r.sim.HoldBind = true
	assert.Empty(t, r.cmd("PASV"), "no reply before the listener is up")
	r.sim.Advance(r.srv.cfg.DataTimeout + time.Millisecond)
	r.tick(1)
	assert.Equal(t, "425 Can't open passive connection\r\n", r.ctl.Take())
	assert.Equal(t, dataDisabled, r.srv.data)

	// the session accepts commands again
	assert.True(t, strings.HasPrefix(r.cmd("NOOP"), "200 "))
	r.sim.HoldBind = false
	r.pasv()
}

func TestAbort(t *testing.T) {
	r := newRig(t, nil)
	r.login()
	assert.Equal(t, "226 No transfer to abort\r\n", r.cmd("ABOR"))

	r.pasv()
	r.cmd("RETR readme.txt")
	assert.Equal(t, "426 Transfer aborted\r\n226 Abort successful\r\n", r.cmd("ABOR"))
	assert.False(t, r.srv.IsBusy())
	assert.Equal(t, task.ErrTransferAborted, r.srv.Error())
	assert.Nil(t, r.srv.file)
}

func TestOneTransferAtATime(t *testing.T) {
	r := newRig(t, nil)
	r.login()
	r.pasv()
	r.cmd("RETR readme.txt")
	assert.True(t, strings.HasPrefix(r.cmd("LIST"), "450 "))
	assert.True(t, strings.HasPrefix(r.cmd("PASV"), "450 "))
}

func TestFileCommands(t *testing.T) {
	r := newRig(t, nil)
	r.login()

	assert.Equal(t, "257 \"/logs\" created\r\n", r.cmd("MKD logs"))
	assert.True(t, strings.HasPrefix(r.cmd("MKD logs"), "550 "))

	assert.Equal(t, "503 Use RNFR first\r\n", r.cmd("RNTO x"))
	assert.True(t, strings.HasPrefix(r.cmd("RNFR missing.txt"), "550 "))
	assert.Equal(t, "350 Ready for RNTO\r\n", r.cmd("RNFR readme.txt"))
	assert.Equal(t, "250 Renamed /readme.txt to /logs/readme.txt\r\n", r.cmd("RNTO logs/readme.txt"))

	assert.Equal(t, "213 5\r\n", r.cmd("SIZE /logs/readme.txt"))
	assert.True(t, strings.HasPrefix(r.cmd("SIZE /logs"), "550 "))

	assert.Equal(t, "213 Modify=20240301063000; /logs/readme.txt\r\n", r.cmd("MFMT 20240301063000 /logs/readme.txt"))
	assert.Equal(t, "213 20240301063000\r\n", r.cmd("MDTM /logs/readme.txt"))
	assert.True(t, strings.HasPrefix(r.cmd("MFMT yesterday /logs/readme.txt"), "501 "))

	assert.True(t, strings.HasPrefix(r.cmd("RMD logs"), "550 "), "not empty")
	assert.Equal(t, "250 Deleted /logs/readme.txt\r\n", r.cmd("DELE logs/readme.txt"))
	assert.True(t, strings.HasPrefix(r.cmd("DELE logs/readme.txt"), "550 "))
	assert.Equal(t, "250 Removed /logs\r\n", r.cmd("RMD logs"))
}

func TestLineTooLong(t *testing.T) {
	r := newRig(t, func(cfg *Config) { cfg.MaxLine = 16 })
	r.login()

	// the tail of an over-long line must never run as a command
	assert.Equal(t, "500 Line too long\r\n", r.cmd("NOOP xxxxxxxxxxxxDELE /readme.txt"))
	ok, err := afero.Exists(r.fs, "/readme.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, strings.HasPrefix(r.cmd("NOOP"), "200 "))
	assert.True(t, strings.HasPrefix(r.cmd("SIZE /readme.txt"), "213 "))
}

func TestQuitReopensListener(t *testing.T) {
	r := newRig(t, nil)
	r.login()
	r.cmd("CWD alarms")

	assert.Equal(t, "221 Goodbye\r\n", r.cmd("QUIT"))
	assert.True(t, r.ctl.Closed())
	assert.False(t, r.srv.InSession())
	assert.Equal(t, "/", r.srv.Cwd())

	r.ctl = r.dial()
	assert.True(t, strings.HasPrefix(r.ctl.Take(), "220 "))
}

func TestClientDisconnects(t *testing.T) {
	r := newRig(t, nil)
	r.login()
	r.pasv()
	r.cmd("RETR readme.txt")

	r.ctl.Close()
	r.tick(3)
	assert.False(t, r.srv.InSession())
	assert.False(t, r.srv.IsBusy())
	assert.Equal(t, task.ErrAborted, r.srv.Error())
	assert.Equal(t, 1, r.sim.OpenSockets(), "only the control listener remains")
}

func TestIdleTimeout(t *testing.T) {
	r := newRig(t, func(cfg *Config) { cfg.IdleTimeout = time.Minute })
	r.login()
	r.sim.Advance(time.Minute + time.Second)
	r.tick(1)
	assert.True(t, strings.HasPrefix(r.ctl.Take(), "421 "))
	assert.True(t, r.ctl.Closed())
}

func TestLinkLoss(t *testing.T) {
	r := newRig(t, nil)
	r.login()

	r.sim.DropLink()
	r.tick(1)
	assert.Equal(t, "wait-link", r.srv.State())
	assert.Equal(t, 0, r.sim.OpenSockets())

	require.True(t, r.link.Connect())
	r.tick(4)
	assert.Equal(t, "listening", r.srv.State())
}
