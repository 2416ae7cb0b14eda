//go:build rp2350

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

	"github.com/soypat/cyw43439"

	"github.com/bfix/wificlock/radio"
)

// Pico2WDevice is a Raspberry Pico2 W [RP2350]. The LED is wired to
// GPIO 0 of the radio chip.
type Pico2WDevice struct {
	ref   *cyw43439.Device // reference to device
	radio *radio.Pico2W
}

// LED on or off (if applicable)
func (dev *Pico2WDevice) LED(on bool) {
	// fails silently until the radio is initialized
	dev.ref.GPIOSet(0, on)
}

// Radio returns the CYW43439 driver.
func (dev *Pico2WDevice) Radio() radio.Driver {
	return dev.radio
}

// InitDevice initializes the device.
func InitDevice(logger *slog.Logger) Device {
	dev := new(Pico2WDevice)
	dev.ref = cyw43439.NewPicoWDevice()
	dev.radio = radio.NewPico2W(dev.ref, logger)
	return dev
}
