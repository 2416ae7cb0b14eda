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

// Package storage provides the removable storage card of the appliance.
// The card holds an afero filesystem; it can be ejected and re-inserted
// while services are running, so every access checks for its presence.
package storage

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"github.com/bfix/wificlock/task"
)

// Card is a storage card slot.
type Card struct {
	fs      afero.Fs
	present bool
	log     *slog.Logger
}

// NewCard returns a slot holding a card with the given filesystem.
// A nil filesystem leaves the slot empty.
func NewCard(fsys afero.Fs, logger *slog.Logger) *Card {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(127),
		}))
	}
	return &Card{
		fs:      fsys,
		present: fsys != nil,
		log:     logger,
	}
}

// OpenDir returns a card backed by a host directory.
func OpenDir(root string, logger *slog.Logger) (*Card, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, errors.New("storage: not a directory: " + root)
	}
	return NewCard(afero.NewBasePathFs(afero.NewOsFs(), root), logger), nil
}

// Present returns true if a card is inserted.
func (c *Card) Present() bool {
	return c.present
}

// Insert a card with the given filesystem.
func (c *Card) Insert(fsys afero.Fs) {
	c.fs = fsys
	c.present = fsys != nil
	c.log.Info("storage:inserted")
}

// Eject the card.
func (c *Card) Eject() {
	c.present = false
	c.log.Info("storage:ejected")
}

// Fs returns the filesystem of the inserted card (or nil).
func (c *Card) Fs() afero.Fs {
	if !c.present {
		return nil
	}
	return c.fs
}

// map filesystem errors to task codes
func code(err error, fallback task.Code) task.Code {
	switch {
	case err == nil:
		return task.OK
	case errors.Is(err, fs.ErrNotExist):
		return task.ErrFileNotFound
	case errors.Is(err, fs.ErrExist):
		return task.ErrFileExists
	}
	return fallback
}

//----------------------------------------------------------------------
// file access

// Stat returns file information for a path.
func (c *Card) Stat(name string) (os.FileInfo, task.Code) {
	if !c.present {
		return nil, task.ErrNoCard
	}
	fi, err := c.fs.Stat(name)
	return fi, code(err, task.ErrRead)
}

// IsDir returns true if the path names an existing directory.
func (c *Card) IsDir(name string) bool {
	fi, rc := c.Stat(name)
	return rc == task.OK && fi.IsDir()
}

// Open a file or directory for reading.
func (c *Card) Open(name string) (afero.File, task.Code) {
	if !c.present {
		return nil, task.ErrNoCard
	}
	f, err := c.fs.Open(name)
	return f, code(err, task.ErrOpen)
}

// Create a file for writing. The file is truncated unless appending.
func (c *Card) Create(name string, appending bool) (afero.File, task.Code) {
	if !c.present {
		return nil, task.ErrNoCard
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appending {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := c.fs.OpenFile(name, flags, 0o644)
	return f, code(err, task.ErrOpen)
}

// Mkdir creates a directory.
func (c *Card) Mkdir(name string) task.Code {
	if !c.present {
		return task.ErrNoCard
	}
	if _, err := c.fs.Stat(name); err == nil {
		return task.ErrFileExists
	}
	return code(c.fs.Mkdir(name, 0o755), task.ErrWrite)
}

// Remove a regular file.
func (c *Card) Remove(name string) task.Code {
	fi, rc := c.Stat(name)
	if rc != task.OK {
		return rc
	}
	if fi.IsDir() {
		return task.ErrWrite
	}
	return code(c.fs.Remove(name), task.ErrWrite)
}

// RemoveDir removes an empty directory.
func (c *Card) RemoveDir(name string) task.Code {
	fi, rc := c.Stat(name)
	if rc != task.OK {
		return rc
	}
	if !fi.IsDir() || path.Clean(name) == "/" {
		return task.ErrWrite
	}
	empty, err := afero.IsEmpty(c.fs, name)
	if err != nil || !empty {
		return task.ErrWrite
	}
	return code(c.fs.Remove(name), task.ErrWrite)
}

// Rename a file or directory. An existing target is not replaced.
func (c *Card) Rename(from, to string) task.Code {
	if _, rc := c.Stat(from); rc != task.OK {
		return rc
	}
	if _, err := c.fs.Stat(to); err == nil {
		return task.ErrFileExists
	}
	return code(c.fs.Rename(from, to), task.ErrWrite)
}

// Chtimes sets the modification time of a file.
func (c *Card) Chtimes(name string, mtime time.Time) task.Code {
	if _, rc := c.Stat(name); rc != task.OK {
		return rc
	}
	return code(c.fs.Chtimes(name, mtime, mtime), task.ErrWrite)
}

//----------------------------------------------------------------------

// Usage of the card.
type Usage struct {
	Files int
	Dirs  int
	Bytes int64
}

// String renders the usage for status displays.
func (u Usage) String() string {
	return humanize.Comma(int64(u.Files)) + " files, " +
		humanize.Comma(int64(u.Dirs)) + " directories, " +
		humanize.IBytes(uint64(u.Bytes))
}

// Usage walks the card and sums up its content. This is a slow
// operation meant for the console, not for the service loop.
func (c *Card) Usage() (u Usage, rc task.Code) {
	if !c.present {
		return u, task.ErrNoCard
	}
	err := afero.Walk(c.fs, "/", func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			u.Dirs++
		} else {
			u.Files++
			u.Bytes += fi.Size()
		}
		return nil
	})
	return u, code(err, task.ErrRead)
}
