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

// Package telnet implements a single-session command console. The
// console negotiates server-side echo, edits the input line itself and
// dispatches complete lines to registered commands.
package telnet

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/shlex"

	"github.com/bfix/wificlock/metrics"
	"github.com/bfix/wificlock/radio"
	"github.com/bfix/wificlock/socket"
	"github.com/bfix/wificlock/task"
	"github.com/bfix/wificlock/wifi"
)

// Telnet protocol bytes
const (
	IAC      = 255
	DONT     = 254
	DO       = 253
	WONT     = 252
	WILL     = 251
	SB       = 250
	SE       = 240
	ECHO     = 1
	SGA      = 3
	LINEMODE = 34
)

// negotiation sent on connect: the server echoes and suppresses
// go-ahead, the client sends characters instead of lines.
var negotiation = []byte{IAC, WILL, ECHO, IAC, WILL, SGA, IAC, DONT, LINEMODE}

// Command is a console command.
type Command struct {
	Name string
	Help string
	Run  func(out io.Writer, args []string) error
}

// Config of the console.
type Config struct {
	Port        uint16
	Banner      string
	Prompt      string
	MaxLine     int
	IdleTimeout time.Duration

	// Status writes additional lines for the "status" command.
	Status func(out io.Writer)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the default console configuration.
func DefaultConfig() Config {
	return Config{
		Port:        23,
		Banner:      "wificlock console",
		Prompt:      "> ",
		MaxLine:     128,
		IdleTimeout: 10 * time.Minute,
	}
}

// control states
type ctlState uint8

const (
	ctlWaitLink ctlState = iota
	ctlRequestBind
	ctlRequestListen
	ctlListening
	ctlConnected
)

var ctlNames = [...]string{"wait-link", "request-bind", "request-listen", "listening", "connected"}

func (s ctlState) String() string {
	if int(s) < len(ctlNames) {
		return ctlNames[s]
	}
	return "unknown"
}

//----------------------------------------------------------------------

// Console is the telnet service.
type Console struct {
	wifi  *wifi.Manager
	clock task.Clock
	cfg   Config
	log   *slog.Logger

	ctl      ctlState
	listener *socket.Listener
	conn     *socket.TCPClient
	busy     *socket.TCPClient
	out      *writer

	cmds     map[string]Command
	iac      iacState
	line     bytes.Buffer
	lastCR   bool
	lastSeen time.Time
	rbuf     [64]byte
}

// New creates a console on the WiFi link.
func New(link *wifi.Manager, clock task.Clock, cfg Config) *Console {
	def := DefaultConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.Prompt == "" {
		cfg.Prompt = def.Prompt
	}
	if cfg.Banner == "" {
		cfg.Banner = def.Banner
	}
	if cfg.MaxLine <= 0 {
		cfg.MaxLine = def.MaxLine
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(127),
		}))
	}
	tab := link.Sockets()
	c := &Console{
		wifi:     link,
		clock:    clock,
		cfg:      cfg,
		log:      logger,
		listener: socket.NewListener(tab),
		conn:     socket.NewTCPClient(tab),
		busy:     socket.NewTCPClient(tab),
		cmds:     make(map[string]Command),
	}
	c.out = &writer{conn: c.conn}
	c.cmds["help"] = Command{Name: "help", Help: "list commands", Run: c.help}
	c.cmds["status"] = Command{Name: "status", Help: "show link and service status", Run: c.status}
	c.cmds["quit"] = Command{Name: "quit", Help: "close the session"}
	return c
}

// Register adds a command to the console.
func (c *Console) Register(cmd Command) error {
	if cmd.Name == "" || cmd.Run == nil {
		return fmt.Errorf("telnet: incomplete command %q", cmd.Name)
	}
	if _, ok := c.cmds[cmd.Name]; ok {
		return fmt.Errorf("telnet: command %q already registered", cmd.Name)
	}
	c.cmds[cmd.Name] = cmd
	return nil
}

// State of the control connection.
func (c *Console) State() string {
	return c.ctl.String()
}

// InSession returns true while a client is connected.
func (c *Console) InSession() bool {
	return c.ctl == ctlConnected
}

//----------------------------------------------------------------------

// Run polls the console once.
func (c *Console) Run() {
	if !c.wifi.IsConnected() {
		if c.ctl != ctlWaitLink {
			c.log.Warn("telnet:link lost", slog.String("state", c.ctl.String()))
			c.closeSession()
			c.listener.Stop()
			c.ctl = ctlWaitLink
		}
		return
	}
	switch c.ctl {
	case ctlWaitLink:
		if c.listener.Bind(c.cfg.Port) {
			c.ctl = ctlRequestBind
		}

	case ctlRequestBind:
		switch {
		case c.listener.State() == socket.StateBound:
			if c.listener.Listen() {
				c.ctl = ctlRequestListen
			}
		case c.listener.Failed() || c.listener.State() == socket.StateInvalid:
			c.log.Warn("telnet:bind failed", slog.Int("port", int(c.cfg.Port)))
			c.listener.Stop()
			c.ctl = ctlWaitLink
		}

	case ctlRequestListen:
		switch {
		case c.listener.State() == socket.StateListening:
			c.log.Info("telnet:listening", slog.Int("port", int(c.cfg.Port)))
			c.ctl = ctlListening
		case c.listener.Failed() || c.listener.State() == socket.StateInvalid:
			c.listener.Stop()
			c.ctl = ctlWaitLink
		}

	case ctlListening:
		if c.listener.State() != socket.StateListening {
			c.listener.Stop()
			c.ctl = ctlWaitLink
			return
		}
		if h, ok := c.listener.Accept(); ok {
			c.openSession(h)
		}

	case ctlConnected:
		if h, ok := c.listener.Accept(); ok {
			c.busy.Attach(h)
			c.log.Info("telnet:rejected", slog.String("remote", c.busy.Remote().String()))
			c.busy.WriteString("console busy, try again later\r\n")
			c.busy.Stop()
			c.cfg.Metrics.Session("telnet", false)
		}
		c.serve()
	}
}

func (c *Console) openSession(h radio.Handle) {
	c.conn.Attach(h)
	c.ctl = ctlConnected
	c.iac = iacData
	c.line.Reset()
	c.lastCR = false
	c.lastSeen = c.clock.Now()
	c.cfg.Metrics.Session("telnet", true)
	c.log.Info("telnet:session", slog.String("remote", c.conn.Remote().String()))
	c.conn.Write(negotiation)
	fmt.Fprintf(c.out, "%s\n%s", c.cfg.Banner, c.cfg.Prompt)
}

func (c *Console) closeSession() {
	c.conn.Stop()
	c.busy.Stop()
	c.line.Reset()
	if c.ctl == ctlConnected {
		c.ctl = ctlListening
		c.log.Info("telnet:session closed")
	}
}

// serve reads one chunk of client input
func (c *Console) serve() {
	if !c.conn.Connected() {
		c.log.Info("telnet:client gone")
		c.closeSession()
		return
	}
	n := min(c.conn.Available(), len(c.rbuf))
	if n == 0 {
		if c.clock.Now().Sub(c.lastSeen) > c.cfg.IdleTimeout {
			io.WriteString(c.out, "\nidle timeout\n")
			c.closeSession()
		}
		return
	}
	c.lastSeen = c.clock.Now()
	n = c.conn.Read(c.rbuf[:n])
	for _, b := range c.rbuf[:n] {
		ch, ok := c.filter(b)
		if !ok {
			continue
		}
		if !c.edit(ch) {
			return
		}
	}
}

// edit applies an input character to the line; false if the session
// was closed by a command.
func (c *Console) edit(ch byte) bool {
	cr := c.lastCR
	c.lastCR = ch == '\r'
	switch {
	case ch == '\r' || (ch == '\n' && !cr):
		io.WriteString(c.out, "\n")
		line := c.line.String()
		c.line.Reset()
		if !c.exec(line) {
			return false
		}
		io.WriteString(c.out, c.cfg.Prompt)
	case ch == 0x08 || ch == 0x7f:
		if n := c.line.Len(); n > 0 {
			c.line.Truncate(n - 1)
			c.conn.WriteString("\b \b")
		}
	case ch == 0x03:
		c.line.Reset()
		io.WriteString(c.out, "^C\n"+c.cfg.Prompt)
	case ch >= 0x20 && ch < 0x7f:
		if c.line.Len() < c.cfg.MaxLine {
			c.line.WriteByte(ch)
			c.conn.Write([]byte{ch})
		}
	}
	return true
}

// exec runs a command line; false if the session ended.
func (c *Console) exec(line string) bool {
	args, err := shlex.Split(line)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return true
	}
	if len(args) == 0 {
		return true
	}
	c.log.Debug("telnet:command", slog.String("cmd", args[0]))
	if args[0] == "quit" {
		io.WriteString(c.out, "bye\n")
		c.closeSession()
		return false
	}
	cmd, ok := c.cmds[args[0]]
	if !ok {
		fmt.Fprintf(c.out, "unknown command %q (try help)\n", args[0])
		return true
	}
	if err := cmd.Run(c.out, args[1:]); err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
	}
	return true
}

//----------------------------------------------------------------------
// built-in commands

func (c *Console) help(out io.Writer, _ []string) error {
	for _, name := range slices.Sorted(maps.Keys(c.cmds)) {
		fmt.Fprintf(out, "  %-10s %s\n", name, c.cmds[name].Help)
	}
	return nil
}

func (c *Console) status(out io.Writer, _ []string) error {
	fmt.Fprintf(out, "wifi:    %s", c.wifi.State())
	if c.wifi.IsConnected() {
		fmt.Fprintf(out, " (%s)", c.wifi.LocalAddr())
	}
	fmt.Fprintf(out, "\nsockets: %d open\n", c.wifi.Sockets().Open())
	if c.cfg.Status != nil {
		c.cfg.Status(out)
	}
	return nil
}

//----------------------------------------------------------------------

// writer sends console output to the client: line feeds become CRLF
// and IAC bytes are doubled.
type writer struct {
	conn *socket.TCPClient
}

func (w *writer) Write(p []byte) (int, error) {
	var b bytes.Buffer
	for _, ch := range p {
		switch ch {
		case '\n':
			b.WriteString("\r\n")
		case IAC:
			b.Write([]byte{IAC, IAC})
		default:
			b.WriteByte(ch)
		}
	}
	if w.conn.Write(b.Bytes()) != b.Len() {
		return 0, io.ErrShortWrite
	}
	return len(p), nil
}

//----------------------------------------------------------------------

// states of the incoming IAC filter
type iacState uint8

const (
	iacData   iacState = iota // plain data
	iacSeen                   // IAC received
	iacOption                 // WILL/WONT/DO/DONT: option byte follows
	iacSub                    // inside a subnegotiation
	iacSubIAC                 // IAC inside a subnegotiation
)

// filter removes telnet commands from the input stream. It returns the
// data byte and true if b is client data.
func (c *Console) filter(b byte) (byte, bool) {
	switch c.iac {
	case iacData:
		if b == IAC {
			c.iac = iacSeen
			return 0, false
		}
		return b, true
	case iacSeen:
		switch {
		case b == IAC:
			c.iac = iacData
			return b, true
		case b == SB:
			c.iac = iacSub
		case b >= WILL:
			c.iac = iacOption
		default:
			c.iac = iacData
		}
	case iacOption:
		c.iac = iacData
	case iacSub:
		if b == IAC {
			c.iac = iacSubIAC
		}
	case iacSubIAC:
		if b == SE {
			c.iac = iacData
		} else {
			c.iac = iacSub
		}
	}
	return 0, false
}
