//go:build !rp2350

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

package wificlock

import (
	"log/slog"

	"github.com/bfix/wificlock/radio"
)

// LinuxDevice runs the clock on a host; the radio is the host network.
type LinuxDevice struct {
	radio *radio.Host
	led   bool
}

// LED on or off (only recorded)
func (dev *LinuxDevice) LED(on bool) {
	dev.led = on
}

// LEDOn returns the last LED state set.
func (dev *LinuxDevice) LEDOn() bool {
	return dev.led
}

// Radio returns the host network driver.
func (dev *LinuxDevice) Radio() radio.Driver {
	return dev.radio
}

// InitDevice initializes the device.
func InitDevice(logger *slog.Logger) Device {
	return &LinuxDevice{
		radio: radio.NewHost(logger),
	}
}
