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

package task

import "strconv"

// Code is a stable, signed task result code. Zero is success, errors
// are negative. Codes are grouped by area; the numbers are part of the
// external interface (console and log renderers show them).
type Code int16

// Success
const OK Code = 0

// Generic errors
const (
	ErrTimeout Code = -1 // task timed out
	ErrAborted Code = -2 // task aborted by caller
)

// Link errors
const (
	ErrNotConnected       Code = -10 - iota // no WiFi link
	ErrBusy                                 // another task is running
	ErrInvalidHostname                      // hostname syntax invalid
	ErrUnknownHost                          // hostname not resolvable
	ErrNetworkUnreachable                   // no route / socket failure
	ErrAlreadyConnected                     // link already up
	ErrPingTimeout                          // no echo reply in time
	ErrPing                                 // ping failed
	ErrConnectFailed                        // association failed
	ErrNoSSID                               // network not found
	ErrDisconnected                         // link dropped
)

// Storage errors
const (
	ErrNoCard       Code = -30 - iota // storage not present
	ErrFileNotFound                   // no such file or directory
	ErrFileExists                     // file already exists
	ErrRead                           // read failure
	ErrWrite                          // write failure
	ErrOpen                           // open failure
)

// Protocol errors
const (
	ErrMalformedPacket  Code = -50 - iota // packet framing broken
	ErrUnexpectedPacket                   // unexpected response type
	ErrAlloc                              // buffer allocation failed
	ErrBrokerRefused                      // broker refused connection
	ErrNoResponse                         // no response in time
	ErrUnauthorized                       // credentials rejected
	ErrNoDataConnection                   // FTP data connection missing
	ErrTransferAborted                    // FTP transfer aborted
	ErrConnectionLost                     // peer closed the connection
)

// human-readable messages
var codeText = map[Code]string{
	OK:                    "success",
	ErrTimeout:            "timeout",
	ErrAborted:            "aborted",
	ErrNotConnected:       "not connected",
	ErrBusy:               "busy",
	ErrInvalidHostname:    "invalid hostname",
	ErrUnknownHost:        "unknown host",
	ErrNetworkUnreachable: "network unreachable",
	ErrAlreadyConnected:   "already connected",
	ErrPingTimeout:        "ping timeout",
	ErrPing:               "ping error",
	ErrConnectFailed:      "connect failed",
	ErrNoSSID:             "no such SSID",
	ErrDisconnected:       "disconnected",
	ErrNoCard:             "no storage card",
	ErrFileNotFound:       "file not found",
	ErrFileExists:         "file exists",
	ErrRead:               "read error",
	ErrWrite:              "write error",
	ErrOpen:               "open error",
	ErrMalformedPacket:    "malformed packet",
	ErrUnexpectedPacket:   "unexpected packet",
	ErrAlloc:              "allocation failed",
	ErrBrokerRefused:      "broker refused connection",
	ErrNoResponse:         "no response",
	ErrUnauthorized:       "unauthorized",
	ErrNoDataConnection:   "no data connection",
	ErrTransferAborted:    "transfer aborted",
	ErrConnectionLost:     "connection lost",
}

// String returns a human-readable description of the code.
func (c Code) String() string {
	if s, ok := codeText[c]; ok {
		return s
	}
	return "error " + strconv.Itoa(int(c))
}

// Error implements the error interface so codes can travel as errors.
func (c Code) Error() string {
	return c.String()
}

// IsError returns true for any non-success code.
func (c Code) IsError() bool {
	return c != OK
}
