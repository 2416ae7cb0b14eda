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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manual clock for deterministic running times
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func TestStartRefusedWhileBusy(t *testing.T) {
	clk := &testClock{now: time.Unix(1000, 0)}
	tk := New(clk)

	require.Equal(t, ID(1), tk.Start(1, false))
	for _, id := range []ID{2, 3, 1, 7} {
		assert.Equal(t, ID(1), tk.Start(id, false), "start %d must be refused", id)
	}
	assert.True(t, tk.Running(1))

	// forced start pre-empts and resets the outcome
	tk.Fail(ErrTimeout)
	assert.Equal(t, ID(5), tk.Start(5, true))
	assert.Equal(t, OK, tk.Error())
	assert.True(t, tk.Running(5))
}

func TestStartAfterEnd(t *testing.T) {
	tk := New(nil)
	tk.Start(1, false)
	tk.End(ErrBusy)
	assert.False(t, tk.IsBusy())
	assert.Equal(t, ErrBusy, tk.Error())

	assert.Equal(t, ID(2), tk.Start(2, false))
	assert.Equal(t, OK, tk.Error(), "start resets the error")
}

func TestEndFirstErrorWins(t *testing.T) {
	tests := []struct {
		name   string
		first  Code
		second Code
		want   Code
	}{
		{"SuccessThenError", OK, ErrTimeout, ErrTimeout},
		{"ErrorThenSuccess", ErrNoResponse, OK, ErrNoResponse},
		{"ErrorThenError", ErrConnectFailed, ErrDisconnected, ErrConnectFailed},
		{"SuccessTwice", OK, OK, OK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := New(nil)
			tk.Start(1, false)
			tk.End(tt.first)
			tk.End(tt.second)
			assert.Equal(t, tt.want, tk.Error())
		})
	}
}

func TestRunningTime(t *testing.T) {
	clk := &testClock{now: time.Unix(0, 0)}
	tk := New(clk)
	assert.Zero(t, tk.RunningTime())

	tk.Start(3, false)
	clk.now = clk.now.Add(1500 * time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, tk.RunningTime())
	assert.True(t, tk.TimedOut(time.Second))
	assert.False(t, tk.TimedOut(2*time.Second))

	tk.End(OK)
	assert.Zero(t, tk.RunningTime())
	assert.False(t, tk.TimedOut(0))
}

func TestCodeStrings(t *testing.T) {
	assert.Equal(t, "success", OK.String())
	assert.Equal(t, "no data connection", ErrNoDataConnection.Error())
	assert.Equal(t, "error -99", Code(-99).String())
	assert.True(t, ErrTimeout.IsError())
	assert.False(t, OK.IsError())

	// codes are part of the external interface
	assert.Equal(t, Code(-10), ErrNotConnected)
	assert.Equal(t, Code(-20), ErrDisconnected)
	assert.Equal(t, Code(-30), ErrNoCard)
	assert.Equal(t, Code(-58), ErrConnectionLost)
}
