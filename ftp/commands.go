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
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/bfix/wificlock/task"
)

// authorization tier of a command
type tier uint8

const (
	tierAlways  tier = iota // before login
	tierAuth                // logged in
	tierStorage             // logged in with a storage card present
)

// command handler
type command struct {
	tier tier
	fn   func(s *Server, arg string)
}

var commands = map[string]command{
	// always available
	"QUIT": {tierAlways, (*Server).cmdQuit},
	"NOOP": {tierAlways, (*Server).cmdNoop},
	"SYST": {tierAlways, (*Server).cmdSyst},
	"FEAT": {tierAlways, (*Server).cmdFeat},
	"AUTH": {tierAlways, (*Server).cmdAuth},
	"USER": {tierAlways, (*Server).cmdUser},
	"PASS": {tierAlways, (*Server).cmdPass},
	"SITE": {tierAlways, (*Server).cmdSite},
	"HELP": {tierAlways, (*Server).cmdHelp},
	"PWD":  {tierAlways, (*Server).cmdPwd},

	// authenticated
	"TYPE": {tierAuth, (*Server).cmdType},
	"MODE": {tierAuth, (*Server).cmdMode},
	"STRU": {tierAuth, (*Server).cmdStru},
	"PASV": {tierAuth, (*Server).cmdPasv},
	"PORT": {tierAuth, (*Server).cmdPort},
	"STAT": {tierAuth, (*Server).cmdStat},
	"ABOR": {tierAuth, (*Server).cmdAbor},
	"CDUP": {tierAuth, (*Server).cmdCdup},

	// authenticated with storage
	"CWD":  {tierStorage, (*Server).cmdCwd},
	"LIST": {tierStorage, (*Server).cmdList},
	"NLST": {tierStorage, (*Server).cmdNlst},
	"MLSD": {tierStorage, (*Server).cmdMlsd},
	"MLST": {tierStorage, (*Server).cmdMlst},
	"RETR": {tierStorage, (*Server).cmdRetr},
	"STOR": {tierStorage, (*Server).cmdStor},
	"APPE": {tierStorage, (*Server).cmdAppe},
	"MKD":  {tierStorage, (*Server).cmdMkd},
	"DELE": {tierStorage, (*Server).cmdDele},
	"RMD":  {tierStorage, (*Server).cmdRmd},
	"RNFR": {tierStorage, (*Server).cmdRnfr},
	"RNTO": {tierStorage, (*Server).cmdRnto},
	"SIZE": {tierStorage, (*Server).cmdSize},
	"MDTM": {tierStorage, (*Server).cmdMdtm},
	"MFMT": {tierStorage, (*Server).cmdMfmt},
}

// recognized commands for HELP (kept in sync with the table above)
var helpLines = []string{
	"ABOR APPE AUTH CDUP CWD  DELE FEAT HELP LIST MDTM MFMT MKD",
	"MLSD MLST MODE NLST NOOP PASS PASV PORT PWD  QUIT RETR RMD",
	"RNFR RNTO SITE SIZE STAT STOR STRU SYST TYPE USER",
}

// dispatch a command line: the command word and a single trailing
// parameter string
func (s *Server) dispatch(line string) {
	name, arg, _ := strings.Cut(line, " ")
	name = strings.ToUpper(name)
	arg = strings.TrimSpace(arg)
	s.lastCmd = s.Now()

	if name == "PASS" {
		s.log.Debug("ftp:command", slog.String("cmd", name))
	} else {
		s.log.Debug("ftp:command", slog.String("cmd", name), slog.String("arg", arg))
	}
	cmd, ok := commands[name]
	if !ok {
		s.reply(500, "Unknown command %q", name)
		return
	}
	s.cfg.Metrics.FTPCommand(name)
	switch {
	case cmd.tier >= tierAuth && s.auth != authOK:
		s.reply(530, "Not logged in")
	case cmd.tier == tierStorage && !s.card.Present():
		s.reply(550, "No storage card")
	default:
		cmd.fn(s, arg)
	}
}

// resolve a path parameter; a path outside the working directory needs
// its parent re-checked, the card may have changed since the last
// command
func (s *Server) target(arg string) (string, bool) {
	p := resolvePath(s.cwd, arg)
	if dir := path.Dir(p); dir != s.cwd && !s.card.IsDir(dir) {
		s.reply(550, "%s: no such directory", dir)
		return "", false
	}
	return p, true
}

// reply for a failed storage operation
func (s *Server) storageFailed(rc task.Code, p string) {
	s.log.Debug("ftp:storage", slog.String("path", p), slog.String("err", rc.String()))
	s.reply(550, "%s: %s", p, rc)
}

//----------------------------------------------------------------------
// always available

func (s *Server) cmdQuit(string) {
	s.reply(221, "Goodbye")
	s.closeSession()
}

func (s *Server) cmdNoop(string) {
	s.reply(200, "Zzz...")
}

func (s *Server) cmdSyst(string) {
	s.reply(215, "UNIX Type: L8")
}

func (s *Server) cmdFeat(string) {
	s.replyLines(211, "Extensions supported:", []string{
		"MDTM",
		"MFMT",
		"MLST type*;size*;modify*;",
		"PASV",
		"SIZE",
	}, "End.")
}

func (s *Server) cmdAuth(string) {
	s.reply(504, "AUTH not supported")
}

func (s *Server) cmdUser(arg string) {
	switch {
	case s.cfg.User == "":
		s.auth = authOK
		s.reply(230, "Logged in")
	case arg == s.cfg.User:
		s.auth = authUserOK
		s.reply(331, "Password required for %s", arg)
	default:
		s.auth = authNone
		s.reply(530, "Login incorrect")
	}
}

func (s *Server) cmdPass(arg string) {
	switch s.auth {
	case authOK:
		s.reply(230, "Already logged in")
	case authUserOK:
		if arg == s.cfg.Password {
			s.auth = authOK
			s.log.Info("ftp:logged in", slog.String("user", s.cfg.User))
			s.reply(230, "Logged in")
			return
		}
		s.auth = authNone
		s.reply(530, "Login incorrect")
	default:
		s.reply(503, "Login with USER first")
	}
}

func (s *Server) cmdSite(string) {
	s.reply(202, "SITE command not implemented")
}

func (s *Server) cmdHelp(string) {
	s.replyLines(214, "The following commands are recognized:", helpLines, "Help OK.")
}

func (s *Server) cmdPwd(string) {
	s.reply(257, "%q is the current directory", s.cwd)
}

//----------------------------------------------------------------------
// authenticated

func (s *Server) cmdType(arg string) {
	switch strings.ToUpper(arg) {
	case "A", "A N":
		s.reply(200, "Type set to A")
	case "I", "L 8":
		s.reply(200, "Type set to I")
	default:
		s.reply(504, "Type %s not supported", arg)
	}
}

func (s *Server) cmdMode(arg string) {
	if strings.ToUpper(arg) != "S" {
		s.reply(504, "Mode %s not supported", arg)
		return
	}
	s.reply(200, "Mode set to S")
}

func (s *Server) cmdStru(arg string) {
	if strings.ToUpper(arg) != "F" {
		s.reply(504, "Structure %s not supported", arg)
		return
	}
	s.reply(200, "Structure set to F")
}

func (s *Server) cmdPasv(string) {
	if s.IsBusy() {
		s.reply(450, "Transfer in progress")
		return
	}
	if !s.startPassive() {
		s.closeData()
		s.reply(425, "Can't open passive connection")
	}
}

func (s *Server) cmdPort(arg string) {
	if s.IsBusy() {
		s.reply(450, "Transfer in progress")
		return
	}
	addr, ok := parsePort(arg)
	if !ok {
		s.reply(501, "Syntax error in PORT parameter")
		return
	}
	s.closeData()
	s.active = addr
	s.reply(200, "PORT command successful")
}

func (s *Server) cmdStat(arg string) {
	if arg == "" {
		transfer := "idle"
		if s.IsBusy() {
			transfer = "transfer in progress"
		}
		s.replyLines(211, "wificlock FTP server status:", []string{
			"Connected to " + s.conn.Remote().String(),
			"Working directory " + s.cwd,
			"Data connection " + s.data.String(),
			"Session " + transfer,
		}, "End of status")
		return
	}
	if !s.card.Present() {
		s.reply(550, "No storage card")
		return
	}
	_, p := listArgs(arg)
	if p, ok := s.target(p); ok {
		s.startList(listSTAT, p)
	}
}

// ABOR is safe in any state.
func (s *Server) cmdAbor(string) {
	if !s.IsBusy() {
		s.closeData()
		s.reply(226, "No transfer to abort")
		return
	}
	s.log.Info("ftp:transfer aborted")
	s.cleanupTransfer()
	s.closeData()
	s.End(task.ErrTransferAborted)
	s.reply(426, "Transfer aborted")
	s.reply(226, "Abort successful")
}

func (s *Server) cmdCdup(string) {
	s.cwd = resolvePath(s.cwd, "..")
	s.reply(250, "Directory changed to %s", s.cwd)
}

//----------------------------------------------------------------------
// authenticated with storage

func (s *Server) cmdCwd(arg string) {
	p := resolvePath(s.cwd, arg)
	if !s.card.IsDir(p) {
		s.reply(550, "%s: no such directory", p)
		return
	}
	s.cwd = p
	s.reply(250, "Directory changed to %s", s.cwd)
}

func (s *Server) listCmd(kind listKind, arg string) {
	_, p := listArgs(arg)
	if p, ok := s.target(p); ok {
		s.startList(kind, p)
	}
}

func (s *Server) cmdList(arg string) { s.listCmd(listLIST, arg) }
func (s *Server) cmdNlst(arg string) { s.listCmd(listNLST, arg) }
func (s *Server) cmdMlsd(arg string) { s.listCmd(listMLSD, arg) }

func (s *Server) cmdMlst(arg string) {
	p, ok := s.target(arg)
	if !ok {
		return
	}
	fi, rc := s.card.Stat(p)
	if rc != task.OK {
		s.storageFailed(rc, p)
		return
	}
	s.replyLines(250, "Listing "+p, []string{facts(fi) + " " + p}, "End")
}

func (s *Server) cmdRetr(arg string) {
	if p, ok := s.target(arg); ok {
		s.startRetrieve(p)
	}
}

func (s *Server) cmdStor(arg string) {
	if p, ok := s.target(arg); ok {
		s.startStore(p, false)
	}
}

func (s *Server) cmdAppe(arg string) {
	if p, ok := s.target(arg); ok {
		s.startStore(p, true)
	}
}

func (s *Server) cmdMkd(arg string) {
	p, ok := s.target(arg)
	if !ok {
		return
	}
	if rc := s.card.Mkdir(p); rc != task.OK {
		s.storageFailed(rc, p)
		return
	}
	s.reply(257, "%q created", p)
}

func (s *Server) cmdDele(arg string) {
	p, ok := s.target(arg)
	if !ok {
		return
	}
	if rc := s.card.Remove(p); rc != task.OK {
		s.storageFailed(rc, p)
		return
	}
	s.reply(250, "Deleted %s", p)
}

func (s *Server) cmdRmd(arg string) {
	p, ok := s.target(arg)
	if !ok {
		return
	}
	if p == s.cwd {
		s.reply(550, "Can't remove the working directory")
		return
	}
	if rc := s.card.RemoveDir(p); rc != task.OK {
		s.storageFailed(rc, p)
		return
	}
	s.reply(250, "Removed %s", p)
}

func (s *Server) cmdRnfr(arg string) {
	p, ok := s.target(arg)
	if !ok {
		return
	}
	if _, rc := s.card.Stat(p); rc != task.OK {
		s.renameFrom = ""
		s.storageFailed(rc, p)
		return
	}
	s.renameFrom = p
	s.reply(350, "Ready for RNTO")
}

func (s *Server) cmdRnto(arg string) {
	from := s.renameFrom
	s.renameFrom = ""
	if from == "" {
		s.reply(503, "Use RNFR first")
		return
	}
	p, ok := s.target(arg)
	if !ok {
		return
	}
	if rc := s.card.Rename(from, p); rc != task.OK {
		s.storageFailed(rc, p)
		return
	}
	s.reply(250, "Renamed %s to %s", from, p)
}

func (s *Server) cmdSize(arg string) {
	p, ok := s.target(arg)
	if !ok {
		return
	}
	fi, rc := s.card.Stat(p)
	switch {
	case rc != task.OK:
		s.storageFailed(rc, p)
	case fi.IsDir():
		s.reply(550, "%s: not a regular file", p)
	default:
		s.reply(213, "%d", fi.Size())
	}
}

func (s *Server) cmdMdtm(arg string) {
	p, ok := s.target(arg)
	if !ok {
		return
	}
	fi, rc := s.card.Stat(p)
	if rc != task.OK {
		s.storageFailed(rc, p)
		return
	}
	s.reply(213, "%s", fi.ModTime().UTC().Format(timeFormat))
}

// MFMT <time> <path>
func (s *Server) cmdMfmt(arg string) {
	ts, name, ok := strings.Cut(arg, " ")
	if !ok {
		s.reply(501, "Syntax error in parameters")
		return
	}
	mtime, err := time.ParseInLocation(timeFormat, ts, time.UTC)
	if err != nil {
		s.reply(501, "Invalid time %q", ts)
		return
	}
	p, ok := s.target(strings.TrimSpace(name))
	if !ok {
		return
	}
	if rc := s.card.Chtimes(p, mtime); rc != task.OK {
		s.storageFailed(rc, p)
		return
	}
	s.reply(213, "Modify=%s; %s", ts, p)
}
