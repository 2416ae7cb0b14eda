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

package storage

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfix/wificlock/task"
)

func newCard(t *testing.T) *Card {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/alarms", 0o755))
	require.NoError(t, afero.WriteFile(fsys, "/alarms/wake.wav", make([]byte, 2048), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/readme.txt", []byte("clock"), 0o644))
	return NewCard(fsys, nil)
}

func TestEmptySlot(t *testing.T) {
	c := NewCard(nil, nil)
	assert.False(t, c.Present())
	assert.Nil(t, c.Fs())

	_, rc := c.Stat("/")
	assert.Equal(t, task.ErrNoCard, rc)
	_, rc = c.Open("/readme.txt")
	assert.Equal(t, task.ErrNoCard, rc)
	assert.Equal(t, task.ErrNoCard, c.Mkdir("/x"))
	assert.False(t, c.IsDir("/"))
}

func TestEjectAndInsert(t *testing.T) {
	c := newCard(t)
	require.True(t, c.IsDir("/alarms"))
	fsys := c.Fs()

	c.Eject()
	assert.False(t, c.IsDir("/alarms"))
	_, rc := c.Create("/new.txt", false)
	assert.Equal(t, task.ErrNoCard, rc)

	c.Insert(fsys)
	assert.True(t, c.IsDir("/alarms"))
}

func TestFileOperations(t *testing.T) {
	c := newCard(t)

	fi, rc := c.Stat("/readme.txt")
	require.Equal(t, task.OK, rc)
	assert.Equal(t, int64(5), fi.Size())

	_, rc = c.Stat("/missing")
	assert.Equal(t, task.ErrFileNotFound, rc)

	f, rc := c.Create("/readme.txt", true)
	require.Equal(t, task.OK, rc)
	_, err := f.Write([]byte(" radio"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	data, err := afero.ReadFile(c.Fs(), "/readme.txt")
	require.NoError(t, err)
	assert.Equal(t, "clock radio", string(data))

	assert.Equal(t, task.OK, c.Mkdir("/logs"))
	assert.Equal(t, task.ErrFileExists, c.Mkdir("/logs"))

	assert.Equal(t, task.ErrFileExists, c.Rename("/readme.txt", "/alarms"))
	assert.Equal(t, task.OK, c.Rename("/readme.txt", "/logs/readme.txt"))
	assert.Equal(t, task.ErrFileNotFound, c.Rename("/readme.txt", "/x"))

	// directories are not files and vice versa
	assert.Equal(t, task.ErrWrite, c.Remove("/logs"))
	assert.Equal(t, task.ErrWrite, c.RemoveDir("/logs/readme.txt"))
	assert.Equal(t, task.ErrWrite, c.RemoveDir("/logs"), "not empty")
	assert.Equal(t, task.OK, c.Remove("/logs/readme.txt"))
	assert.Equal(t, task.OK, c.RemoveDir("/logs"))
	assert.Equal(t, task.ErrFileNotFound, c.Remove("/logs/readme.txt"))
	assert.Equal(t, task.ErrWrite, c.RemoveDir("/"))
}

func TestChtimes(t *testing.T) {
	c := newCard(t)
	mtime := time.Date(2024, 3, 1, 6, 30, 0, 0, time.UTC)
	require.Equal(t, task.OK, c.Chtimes("/readme.txt", mtime))
	fi, _ := c.Stat("/readme.txt")
	assert.True(t, mtime.Equal(fi.ModTime()))
	assert.Equal(t, task.ErrFileNotFound, c.Chtimes("/missing", mtime))
}

func TestUsage(t *testing.T) {
	c := newCard(t)
	u, rc := c.Usage()
	require.Equal(t, task.OK, rc)
	assert.Equal(t, 2, u.Files)
	assert.Equal(t, 2, u.Dirs, "root and /alarms")
	assert.Equal(t, int64(2053), u.Bytes)
	assert.Equal(t, "2 files, 2 directories, 2.0 KiB", u.String())
}

func TestOpenDir(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenDir(dir, nil)
	require.NoError(t, err)
	assert.True(t, c.IsDir("/"))
	assert.Equal(t, task.OK, c.Mkdir("/sub"))

	_, err = OpenDir(dir+"/missing", nil)
	assert.Error(t, err)
}
