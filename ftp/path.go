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
	"path"
	"strings"
)

// resolvePath returns the absolute form of p relative to the working
// directory cwd. Repeated separators and "." elements are collapsed,
// ".." removes the preceding element (never above the root) and a
// trailing separator is dropped unless the result is the root.
func resolvePath(cwd, p string) string {
	if p == "" {
		return path.Clean("/" + cwd)
	}
	if !strings.HasPrefix(p, "/") {
		p = cwd + "/" + p
	}
	return path.Clean("/" + p)
}

// split the parameter of a listing command into options and path.
// Only leading "-" words are options; the rest is the path, verbatim.
func listArgs(arg string) (opts, p string) {
	p = strings.TrimLeft(arg, " ")
	for strings.HasPrefix(p, "-") {
		f, rest, _ := strings.Cut(p, " ")
		opts += f[1:]
		p = strings.TrimLeft(rest, " ")
	}
	return
}
