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
	"fmt"
	"log/slog"
	"time"
)

// status codes; the LED blinks the code number
const (
	StatUNK    = iota // unknown status (init)
	StatOK            // processing active
	StatWIFI          // can't connect to AP
	StatSSID          // network not found
	StatDHCP          // no address
	StatMQTT          // broker unreachable
	StatNTP           // time synchronisation failed
	StatCARD          // no storage card
	StatLISTEN        // failed to set up a listener
	StatEXCP          // exception (panic) occured
)

var statNames = [...]string{
	"unknown", "ok", "wifi", "ssid", "dhcp", "mqtt", "ntp", "card", "listen", "exception",
}

// StatName returns the name of a status code.
func StatName(code int) string {
	if code >= 0 && code < len(statNames) {
		return statNames[code]
	}
	return fmt.Sprintf("stat(%d)", code)
}

// blink timing
const (
	blinkPause     = 5 * time.Second
	blinkLongOn    = 1000 * time.Millisecond
	blinkLongOff   = 300 * time.Millisecond
	blinkShortOn   = 150 * time.Millisecond
	blinkShortOff  = 150 * time.Millisecond
	blinkLongCount = 5 // a long blink counts five
)

// one step of a blink sequence
type blink struct {
	on  bool
	dur time.Duration
}

// Status handler.
// Show current status by blinking the device LED: a pause, then one
// long blink for every five and one short blink for every remaining
// unit of the status code. Run advances the sequence without blocking.
type Status struct {
	dev    Device // reference to device
	log    *slog.Logger
	curr   int // current state
	repeat int // remaining sequences before falling back to OK (0: forever)

	seq   []blink   // running sequence
	step  int       // current step in seq
	until time.Time // end of current step
}

// NewStatus creates a new status display
func NewStatus(dev Device, logger *slog.Logger) *Status {
	return &Status{
		dev:  dev,
		log:  logger,
		curr: StatOK,
	}
}

// Set status and repeat <num> times (0: until changed).
func (state *Status) Set(flag, num int) {
	if state == nil {
		return
	}
	if flag != state.curr && state.log != nil {
		state.log.Info("status", slog.String("state", StatName(flag)), slog.Int("repeat", num))
	}
	state.curr = flag
	state.repeat = num
}

// Get current state and repeat counter
func (state *Status) Get() (int, int) {
	return state.curr, state.repeat
}

// sequence for a status code
func sequence(code int) []blink {
	seq := []blink{{false, blinkPause}}
	for ; code > blinkLongCount; code -= blinkLongCount {
		seq = append(seq, blink{true, blinkLongOn}, blink{false, blinkLongOff})
	}
	for range code {
		seq = append(seq, blink{true, blinkShortOn}, blink{false, blinkShortOff})
	}
	return seq
}

// Run advances the blink sequence to time now.
func (state *Status) Run(now time.Time) {
	if state.seq == nil || now.Sub(state.until) > blinkPause {
		// first call or the loop stalled: restart at now
		state.start(now)
		return
	}
	for !now.Before(state.until) {
		state.step++
		if state.step == len(state.seq) {
			// sequence complete
			if state.repeat > 0 {
				if state.repeat--; state.repeat == 0 {
					state.curr = StatOK
				}
			}
			state.start(state.until)
			continue
		}
		state.apply()
	}
}

// start a new sequence for the current state
func (state *Status) start(at time.Time) {
	state.seq = sequence(state.curr)
	state.step = 0
	state.until = at
	state.apply()
}

// switch the LED for the current step
func (state *Status) apply() {
	b := state.seq[state.step]
	state.dev.LED(b.on)
	state.until = state.until.Add(b.dur)
}

// Trap critical failures (panic); to be deferred.
func (state *Status) Trap() {
	s, _ := state.Get()
	if r := recover(); r != nil {
		if state.log != nil {
			state.log.Error("exception", slog.Any("panic", r))
		}
		if s == StatOK {
			state.Set(StatEXCP, 0)
		}
	} else if s == StatOK {
		state.Set(StatUNK, 0)
	}
}
