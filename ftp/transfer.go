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
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/spf13/afero"

	"github.com/bfix/wificlock/task"
)

// kinds of listing
type listKind uint8

const (
	listLIST listKind = iota // long format
	listNLST                 // names only
	listMLSD                 // machine-readable facts
	listSTAT                 // long format on the control connection
)

// connection a listing is written to
type destination uint8

const (
	toData destination = iota
	toControl
)

// listDest maps each kind of listing to its output connection.
var listDest = [...]destination{
	listLIST: toData,
	listNLST: toData,
	listMLSD: toData,
	listSTAT: toControl,
}

// modification time format of MDTM, MFMT and MLSD
const timeFormat = "20060102150405"

// state of a running listing
type listing struct {
	kind    listKind
	path    string
	dir     afero.File  // open directory (nil for a single file)
	single  os.FileInfo // listing of a single file
	synth   int         // synthetic entries emitted ("." and "..")
	matches int
}

// format a directory entry for a listing
func formatEntry(kind listKind, fi os.FileInfo, name string) string {
	mtime := fi.ModTime().UTC()
	switch kind {
	case listNLST:
		return name + "\r\n"
	case listMLSD:
		return facts(fi) + " " + name + "\r\n"
	}
	mode := "-rw-r--r--"
	if fi.IsDir() {
		mode = "drwxr-xr-x"
	}
	line := fmt.Sprintf("%s 1 clock clock %10d %s %s", mode, fi.Size(), mtime.Format("Jan _2 15:04"), name)
	if kind == listSTAT {
		return line
	}
	return line + "\r\n"
}

// MLSx facts of a file
func facts(fi os.FileInfo) string {
	mtime := fi.ModTime().UTC().Format(timeFormat)
	if fi.IsDir() {
		return "type=dir;modify=" + mtime + ";"
	}
	return fmt.Sprintf("type=file;size=%d;modify=%s;", fi.Size(), mtime)
}

//----------------------------------------------------------------------

// start a listing task of a directory or file
func (s *Server) startList(kind listKind, p string) {
	fi, rc := s.card.Stat(p)
	if rc != task.OK {
		s.reply(550, "%s: no such file or directory", p)
		return
	}
	id := TaskList
	if !s.startTransfer(id, listDest[kind] == toData) {
		return
	}
	s.list = listing{kind: kind, path: p}
	if fi.IsDir() {
		dir, rc := s.card.Open(p)
		if rc != task.OK {
			s.endTransfer(rc, 550, "Can't open directory")
			return
		}
		s.list.dir = dir
	} else {
		s.list.single = fi
	}
	switch listDest[kind] {
	case toControl:
		s.conn.WriteString(fmt.Sprintf("213-Status of %s:\r\n", p))
	default:
		s.reply(150, "Opening data connection for %s", p)
	}
}

// emit a listing line to its destination; false if the connection
// broke
func (s *Server) emit(line string) bool {
	if listDest[s.list.kind] == toControl {
		return s.conn.WriteString(" "+line+"\r\n") > 0
	}
	n := s.dataConn.WriteString(line)
	s.cfg.Metrics.FTPBytes("out", n)
	return n == len(line)
}

// emit one entry of the running listing
func (s *Server) stepList() {
	l := &s.list

	// synthetic entries of a long listing
	if l.kind == listLIST && l.dir != nil && l.synth < 2 {
		name, p := ".", l.path
		if l.synth == 1 {
			name, p = "..", path.Dir(l.path)
		}
		l.synth++
		if fi, rc := s.card.Stat(p); rc == task.OK {
			if !s.emit(formatEntry(l.kind, fi, name)) {
				s.listAborted()
			}
		}
		return
	}

	var fi os.FileInfo
	switch {
	case l.single != nil:
		fi, l.single = l.single, nil
	case l.dir != nil:
		list, err := l.dir.Readdir(1)
		if err != nil && err != io.EOF {
			s.log.Warn("ftp:list", slog.String("path", l.path), slog.Any("err", err))
			s.endTransfer(task.ErrRead, 451, "Error reading directory")
			return
		}
		if len(list) > 0 {
			fi = list[0]
		}
	}
	if fi == nil {
		s.listDone()
		return
	}
	l.matches++
	if !s.emit(formatEntry(l.kind, fi, fi.Name())) {
		s.listAborted()
		return
	}
	if l.dir == nil {
		s.listDone()
	}
}

func (s *Server) listDone() {
	if listDest[s.list.kind] == toControl {
		s.endTransfer(task.OK, 213, "End of status (%d matches)", s.list.matches)
		return
	}
	s.endTransfer(task.OK, 226, "%d matches total", s.list.matches)
}

func (s *Server) listAborted() {
	s.endTransfer(task.ErrTransferAborted, 426, "Connection closed; transfer aborted")
}

//----------------------------------------------------------------------

// start sending a file
func (s *Server) startRetrieve(p string) {
	fi, rc := s.card.Stat(p)
	if rc != task.OK || fi.IsDir() {
		s.reply(550, "%s: no such file", p)
		return
	}
	if !s.startTransfer(TaskRetrieve, true) {
		return
	}
	f, rc := s.card.Open(p)
	if rc != task.OK {
		s.endTransfer(rc, 550, "Can't open %s", p)
		return
	}
	s.file = f
	s.reply(150, "Opening data connection for %s (%d bytes)", p, fi.Size())
}

// start receiving a file
func (s *Server) startStore(p string, appending bool) {
	if fi, rc := s.card.Stat(p); rc == task.OK && fi.IsDir() {
		s.reply(550, "%s: is a directory", p)
		return
	}
	if !s.startTransfer(TaskStore, true) {
		return
	}
	f, rc := s.card.Create(p, appending)
	if rc != task.OK {
		s.endTransfer(rc, 550, "Can't create %s", p)
		return
	}
	s.file = f
	s.reply(150, "Opening data connection for %s", p)
}

// move one block of the file to the client
func (s *Server) stepRetrieve() {
	n, err := s.file.Read(s.buf)
	if n > 0 {
		if s.dataConn.Write(s.buf[:n]) != n {
			s.endTransfer(task.ErrTransferAborted, 426, "Connection closed; transfer aborted")
			return
		}
		s.moved += int64(n)
		s.cfg.Metrics.FTPBytes("out", n)
	}
	switch {
	case err == io.EOF:
		s.endTransfer(task.OK, 226, "Transfer complete (%d bytes)", s.moved)
	case err != nil:
		s.log.Warn("ftp:read", slog.Any("err", err))
		s.endTransfer(task.ErrRead, 451, "Error reading file")
	}
}

// move one block from the client to the file; the client closing the
// data connection ends the transfer
func (s *Server) stepStore() {
	if n := min(len(s.buf), s.dataConn.Available()); n > 0 {
		n = s.dataConn.Read(s.buf[:n])
		if _, err := s.file.Write(s.buf[:n]); err != nil {
			s.log.Warn("ftp:write", slog.Any("err", err))
			s.endTransfer(task.ErrWrite, 451, "Error writing file")
			return
		}
		s.moved += int64(n)
		s.cfg.Metrics.FTPBytes("in", n)
		return
	}
	if !s.dataConn.Connected() {
		s.endTransfer(task.OK, 226, "Transfer complete (%d bytes)", s.moved)
	}
}

//----------------------------------------------------------------------

// startTransfer starts a transfer task. A transfer over the data
// connection needs a prepared endpoint (PASV or PORT).
func (s *Server) startTransfer(id task.ID, needData bool) bool {
	if s.IsBusy() {
		s.reply(450, "Another transfer is in progress")
		return false
	}
	if needData && !s.dataPrepared() {
		s.reply(425, "Use PORT or PASV first")
		return false
	}
	s.Start(id, false)
	s.moved = 0
	if s.buf == nil {
		s.buf = make([]byte, s.cfg.TransferBuffer)
	}
	return true
}

// advance the running transfer by one step
func (s *Server) stepTransfer() {
	if s.Running(TaskList) && listDest[s.list.kind] == toControl {
		s.stepList()
		return
	}
	if !s.dataReady() {
		return
	}
	switch s.ID() {
	case TaskList:
		s.stepList()
	case TaskRetrieve:
		s.stepRetrieve()
	case TaskStore:
		s.stepStore()
	}
}

// release the resources of the running transfer
func (s *Server) cleanupTransfer() {
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			s.log.Warn("ftp:close", slog.Any("err", err))
		}
		s.file = nil
	}
	if s.list.dir != nil {
		s.list.dir.Close()
	}
	s.list = listing{}
	s.buf = nil
}

// endTransfer ends the running transfer with code and reply. Success,
// failure and timeout share this path.
func (s *Server) endTransfer(code task.Code, reply int, format string, args ...any) {
	control := s.Running(TaskList) && listDest[s.list.kind] == toControl
	s.cleanupTransfer()
	if !control {
		s.closeData()
	}
	s.End(code)
	if code != task.OK {
		s.log.Info("ftp:transfer failed", slog.String("err", code.String()))
	}
	s.reply(reply, format, args...)
}
