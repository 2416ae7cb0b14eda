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

// Package ftp implements a single-session FTP server on the storage card.
// A control state machine owns the listening socket and the command
// session; a data state machine provides the passive or active data
// connection for listings and file transfers. All work is done in Run,
// one bounded step per call.
package ftp

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/spf13/afero"

	"github.com/bfix/wificlock/metrics"
	"github.com/bfix/wificlock/radio"
	"github.com/bfix/wificlock/socket"
	"github.com/bfix/wificlock/storage"
	"github.com/bfix/wificlock/task"
	"github.com/bfix/wificlock/wifi"
)

// Transfer tasks
const (
	TaskList task.ID = iota + 1
	TaskRetrieve
	TaskStore
)

// control connection states
type ctlState uint8

const (
	ctlWaitLink      ctlState = iota // no WiFi link
	ctlRequestBind                   // bind of control port requested
	ctlRequestListen                 // listen requested
	ctlListening                     // waiting for a client
	ctlConnected                     // session established
)

var ctlNames = [...]string{"wait-link", "request-bind", "request-listen", "listening", "connected"}

func (s ctlState) String() string {
	if int(s) < len(ctlNames) {
		return ctlNames[s]
	}
	return "unknown"
}

// authentication states
type authState uint8

const (
	authNone authState = iota
	authUserOK
	authOK
)

// Config of the FTP server.
type Config struct {
	Port     uint16
	User     string // empty: no authentication
	Password string

	// passive data ports are picked at random from this range
	PassiveMin uint16
	PassiveMax uint16

	TransferBuffer int           // bytes moved per poll
	DataTimeout    time.Duration // wait for the data connection
	IdleTimeout    time.Duration // control session without commands
	MaxLine        int           // longest command line

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Port:           21,
		PassiveMin:     50000,
		PassiveMax:     50099,
		TransferBuffer: 512,
		DataTimeout:    10 * time.Second,
		IdleTimeout:    5 * time.Minute,
		MaxLine:        256,
	}
}

//----------------------------------------------------------------------

// Server is the FTP service. It serves one session at a time; further
// connection attempts are answered "busy" and closed.
type Server struct {
	task.Task

	wifi *wifi.Manager
	tab  *socket.Table
	card *storage.Card
	cfg  Config
	log  *slog.Logger

	// control connection
	ctl      ctlState
	listener *socket.Listener
	conn     *socket.TCPClient
	busy     *socket.TCPClient // rejects extra clients
	line     bytes.Buffer
	lastCmd  time.Time

	// session
	auth       authState
	cwd        string
	renameFrom string

	// data connection
	data         dataState
	dataListener *socket.Listener
	dataConn     *socket.TCPClient
	dataPort     uint16
	active       netip.AddrPort // PORT endpoint
	pasvPending  bool           // 227 reply waits for the listener
	pasvStart    time.Time

	// running transfer
	list  listing
	file  afero.File
	buf   []byte
	moved int64
}

// New creates a server for the storage card on the WiFi link.
func New(link *wifi.Manager, card *storage.Card, clock task.Clock, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.PassiveMin == 0 || cfg.PassiveMax < cfg.PassiveMin {
		cfg.PassiveMin, cfg.PassiveMax = def.PassiveMin, def.PassiveMax
	}
	if cfg.TransferBuffer <= 0 {
		cfg.TransferBuffer = def.TransferBuffer
	}
	if cfg.DataTimeout <= 0 {
		cfg.DataTimeout = def.DataTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.MaxLine <= 0 {
		cfg.MaxLine = def.MaxLine
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(127),
		}))
	}
	tab := link.Sockets()
	return &Server{
		Task:         task.New(clock),
		wifi:         link,
		tab:          tab,
		card:         card,
		cfg:          cfg,
		log:          logger,
		listener:     socket.NewListener(tab),
		conn:         socket.NewTCPClient(tab),
		busy:         socket.NewTCPClient(tab),
		dataListener: socket.NewListener(tab),
		dataConn:     socket.NewTCPClient(tab),
		cwd:          "/",
	}
}

// State of the control connection.
func (s *Server) State() string {
	return s.ctl.String()
}

// InSession returns true while a client is connected.
func (s *Server) InSession() bool {
	return s.ctl == ctlConnected
}

// Cwd returns the working directory of the session.
func (s *Server) Cwd() string {
	return s.cwd
}

//----------------------------------------------------------------------
// replies

// send a single-line reply
func (s *Server) reply(code int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.conn.WriteString(fmt.Sprintf("%d %s\r\n", code, msg))
	s.log.Debug("ftp:reply", slog.Int("code", code), slog.String("msg", msg))
}

// send a multi-line reply
func (s *Server) replyLines(code int, first string, lines []string, last string) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%d-%s\r\n", code, first)
	for _, l := range lines {
		fmt.Fprintf(&b, " %s\r\n", l)
	}
	fmt.Fprintf(&b, "%d %s\r\n", code, last)
	s.conn.Write(b.Bytes())
}

//----------------------------------------------------------------------
// polling

// Run polls the server once.
func (s *Server) Run() {
	if !s.wifi.IsConnected() {
		if s.ctl != ctlWaitLink {
			s.log.Warn("ftp:link lost", slog.String("state", s.ctl.String()))
			s.closeSession()
			s.listener.Stop()
			s.ctl = ctlWaitLink
		}
		return
	}
	switch s.ctl {
	case ctlWaitLink:
		if s.listener.Bind(s.cfg.Port) {
			s.ctl = ctlRequestBind
		}

	case ctlRequestBind:
		switch {
		case s.listener.State() == socket.StateBound:
			if s.listener.Listen() {
				s.ctl = ctlRequestListen
			}
		case s.listener.Failed() || s.listener.State() == socket.StateInvalid:
			s.log.Warn("ftp:bind failed", slog.Int("port", int(s.cfg.Port)))
			s.listener.Stop()
			s.ctl = ctlWaitLink
		}

	case ctlRequestListen:
		switch {
		case s.listener.State() == socket.StateListening:
			s.log.Info("ftp:listening", slog.Int("port", int(s.cfg.Port)))
			s.ctl = ctlListening
		case s.listener.Failed() || s.listener.State() == socket.StateInvalid:
			s.listener.Stop()
			s.ctl = ctlWaitLink
		}

	case ctlListening:
		if s.listener.State() != socket.StateListening {
			s.listener.Stop()
			s.ctl = ctlWaitLink
			return
		}
		if h, ok := s.listener.Accept(); ok {
			s.openSession(h)
		}

	case ctlConnected:
		s.rejectExtra()
		s.serve()
	}
}

// start a session on an accepted connection
func (s *Server) openSession(h radio.Handle) {
	s.conn.Attach(h)
	s.ctl = ctlConnected
	s.auth = authNone
	s.cwd = "/"
	s.renameFrom = ""
	s.lastCmd = s.Now()
	s.line.Reset()
	s.cfg.Metrics.Session("ftp", true)
	s.log.Info("ftp:session", slog.String("remote", s.conn.Remote().String()))
	s.reply(220, "wificlock FTP server ready")
}

// answer a second client "busy" and close it
func (s *Server) rejectExtra() {
	h, ok := s.listener.Accept()
	if !ok {
		return
	}
	s.busy.Attach(h)
	s.log.Info("ftp:rejected", slog.String("remote", s.busy.Remote().String()))
	s.busy.WriteString("421 Too many connections, try again later\r\n")
	s.busy.Stop()
	s.cfg.Metrics.Session("ftp", false)
}

// end the session: abort any transfer and release every session
// resource. Safe to call in any state.
func (s *Server) closeSession() {
	if s.IsBusy() {
		s.cleanupTransfer()
		s.End(task.ErrAborted)
	}
	s.closeData()
	s.conn.Stop()
	s.busy.Stop()
	s.line.Reset()
	s.auth = authNone
	s.cwd = "/"
	s.renameFrom = ""
	if s.ctl == ctlConnected {
		s.ctl = ctlListening
		s.log.Info("ftp:session closed")
	}
}

// serve the connected session
func (s *Server) serve() {
	if !s.conn.Connected() {
		s.log.Info("ftp:client gone")
		s.closeSession()
		return
	}
	s.stepPassive()
	if s.IsBusy() {
		s.stepTransfer()
	} else if s.Now().Sub(s.lastCmd) > s.cfg.IdleTimeout {
		s.reply(421, "Timeout, closing control connection")
		s.closeSession()
		return
	}
	if s.pasvPending {
		return
	}
	if s.conn.ReadLine(&s.line, s.cfg.MaxLine) {
		line := s.line.String()
		s.line.Reset()
		switch {
		case len(line) > s.cfg.MaxLine:
			s.log.Warn("ftp:line too long", slog.Int("max", s.cfg.MaxLine))
			s.reply(500, "Line too long")
		case line != "":
			s.dispatch(line)
		}
	}
}
