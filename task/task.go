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

// Package task implements the cooperative execution-state record that
// every service of the appliance embeds: a service has at most one
// asynchronous operation in flight, identified by a service-defined id,
// with a start time and a sticky error code.
//
// All access happens from the single main-loop thread, so no locking
// is done here.
package task

import "time"

// ID of a running task. The zero value means "no task".
type ID uint8

// None is the id reported when no task is running.
const None ID = 0

// Clock delivers the monotonic time base for tasks and timeouts.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock of the host (or MCU).
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

//----------------------------------------------------------------------

// Task is the execution-state record of a service.
type Task struct {
	clock Clock     // time base
	id    ID        // running task (or None)
	start time.Time // start of running task
	err   Code      // first error reported for the current task
}

// New returns an idle task record using the given clock.
// A nil clock selects the system clock.
func New(clock Clock) Task {
	if clock == nil {
		clock = SystemClock{}
	}
	return Task{clock: clock}
}

// Now returns the current time of the task clock.
func (t *Task) Now() time.Time {
	if t.clock == nil {
		t.clock = SystemClock{}
	}
	return t.clock.Now()
}

// Start a new task with given id. If another task is running, the request
// is refused unless force is set; in that case the running task is dropped
// together with its outcome. Start returns the id of the task running
// after the call: callers detect a refusal by comparing it with id.
func (t *Task) Start(id ID, force bool) ID {
	if t.id != None && !force {
		return t.id
	}
	t.id = id
	t.start = t.Now()
	t.err = OK
	return t.id
}

// End the running task. The error code is recorded only if no error was
// reported before, so tear-down paths cannot hide the original cause.
func (t *Task) End(err Code) {
	t.id = None
	t.Fail(err)
}

// Fail records an error for the current task without ending it.
// The first error wins.
func (t *Task) Fail(err Code) {
	if t.err == OK {
		t.err = err
	}
}

// IsBusy returns true if a task is running.
func (t *Task) IsBusy() bool {
	return t.id != None
}

// ID of the running task (or None).
func (t *Task) ID() ID {
	return t.id
}

// Running returns true if the task with given id is running.
func (t *Task) Running(id ID) bool {
	return t.id != None && t.id == id
}

// RunningTime returns how long the current task has been running;
// zero if no task is running.
func (t *Task) RunningTime() time.Duration {
	if t.id == None {
		return 0
	}
	return t.Now().Sub(t.start)
}

// TimedOut returns true if a task is running for longer than d.
func (t *Task) TimedOut(d time.Duration) bool {
	return t.id != None && t.RunningTime() > d
}

// Error returns the error of the running or last task.
func (t *Task) Error() Code {
	return t.err
}
