// MicroPanel
// Copyright (c) 2026 The MicroPanel Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of MicroPanel.
//
// MicroPanel is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// MicroPanel is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with MicroPanel.  If not, see <http://www.gnu.org/licenses/>.

package rotary

import (
	"errors"
	"testing"
	"time"

	evdev "github.com/gvalkov/golang-evdev"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNoData = errors.New("resource temporarily unavailable")

// scripted is one queued event with an optional fake-clock advance applied
// as the event is read, simulating inter-event arrival time.
type scripted struct {
	ev      *evdev.InputEvent
	advance time.Duration
}

type fakeDevice struct {
	clock *clockwork.FakeClock
	queue []scripted
	// tailAdvance is applied once when the queue runs dry, simulating time
	// passing after the last raw event.
	tailAdvance time.Duration

	waitResult int
	valid      bool
	alive      bool

	grabs    int
	releases int
	closes   int
}

func newFakeDevice(clock *clockwork.FakeClock) *fakeDevice {
	return &fakeDevice{clock: clock, valid: true, alive: true}
}

func (d *fakeDevice) push(evType, code uint16, value int32, advance time.Duration) {
	d.queue = append(d.queue, scripted{
		ev:      &evdev.InputEvent{Type: evType, Code: code, Value: value},
		advance: advance,
	})
}

func (d *fakeDevice) ReadOne() (*evdev.InputEvent, error) {
	if len(d.queue) == 0 {
		if d.tailAdvance > 0 {
			d.clock.Advance(d.tailAdvance)
			d.tailAdvance = 0
		}
		return nil, errNoData
	}
	next := d.queue[0]
	d.queue = d.queue[1:]
	if next.advance > 0 {
		d.clock.Advance(next.advance)
	}
	return next.ev, nil
}

func (d *fakeDevice) Grab() error    { d.grabs++; return nil }
func (d *fakeDevice) Release() error { d.releases++; return nil }
func (d *fakeDevice) Wait(_ int) int { return d.waitResult }
func (d *fakeDevice) Alive() bool    { return d.alive }
func (d *fakeDevice) Valid() bool    { return d.valid }
func (d *fakeDevice) Close() error   { d.closes++; return nil }
func (d *fakeDevice) Path() string   { return "/dev/input/event0" }

func newTestSource(dev *fakeDevice, clock clockwork.Clock) *Source {
	return &Source{
		path:          "/dev/input/event0",
		clock:         clock,
		openDevice:    func(string) (eventDevice, error) { return dev, nil },
		pairThreshold: 2,
		settle:        30 * time.Millisecond,
		gestureReset:  100 * time.Millisecond,
		keyStep:       5,
		maxEvents:     5,
	}
}

func collect(deltas *[]int) func(int) {
	return func(delta int) { *deltas = append(*deltas, delta) }
}

func TestOpen_BadPath(t *testing.T) {
	t.Parallel()

	s := &Source{
		path:       "/dev/input/no-such-node",
		clock:      clockwork.NewFakeClock(),
		openDevice: openKernelDevice,
	}

	require.Error(t, s.Open())
}

func TestOpen_Idempotent(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	dev := newFakeDevice(clock)
	s := newTestSource(dev, clock)

	require.NoError(t, s.Open())
	require.NoError(t, s.Open())
	assert.Equal(t, 1, dev.grabs)
}

func TestClose_ReleasesGrab(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	dev := newFakeDevice(clock)
	s := newTestSource(dev, clock)
	require.NoError(t, s.Open())

	require.NoError(t, s.Close())
	assert.Equal(t, 1, dev.releases)
	assert.Equal(t, 1, dev.closes)

	// Idempotent.
	require.NoError(t, s.Close())
	assert.Equal(t, 1, dev.closes)
}

func TestProcessEvents_PairedDetentDelivered(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	dev := newFakeDevice(clock)
	s := newTestSource(dev, clock)
	require.NoError(t, s.Open())

	dev.push(evdev.EV_REL, evdev.REL_X, 1, 0)
	dev.push(evdev.EV_SYN, 0, 0, 0)
	dev.push(evdev.EV_REL, evdev.REL_X, 1, time.Millisecond)

	var deltas []int
	assert.True(t, s.ProcessEvents(collect(&deltas), nil))
	assert.Equal(t, []int{2}, deltas)
}

func TestProcessEvents_LoneEventHeldUntilSettle(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	dev := newFakeDevice(clock)
	s := newTestSource(dev, clock)
	require.NoError(t, s.Open())

	// A single half-event within the settle window stays accumulated.
	dev.push(evdev.EV_REL, evdev.REL_X, 1, 0)
	var deltas []int
	s.ProcessEvents(collect(&deltas), nil)
	assert.Empty(t, deltas)

	// Its pair arriving on a later cycle completes the detent.
	clock.Advance(10 * time.Millisecond)
	dev.push(evdev.EV_REL, evdev.REL_X, 1, 0)
	s.ProcessEvents(collect(&deltas), nil)
	assert.Equal(t, []int{2}, deltas)
}

func TestProcessEvents_SettleTimeoutDeliversLoneEvent(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	dev := newFakeDevice(clock)
	s := newTestSource(dev, clock)
	require.NoError(t, s.Open())

	// One half-event, then the settle window passes before the delivery
	// decision; the lone event goes out unpaired.
	dev.push(evdev.EV_REL, evdev.REL_X, 3, 0)
	dev.tailAdvance = 31 * time.Millisecond

	var deltas []int
	s.ProcessEvents(collect(&deltas), nil)
	assert.Equal(t, []int{3}, deltas)
}

func TestProcessEvents_GapResetsGesture(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	dev := newFakeDevice(clock)
	s := newTestSource(dev, clock)
	require.NoError(t, s.Open())

	// Stale accumulation from an abandoned gesture.
	dev.push(evdev.EV_REL, evdev.REL_X, 5, 0)
	var deltas []int
	s.ProcessEvents(collect(&deltas), nil)
	require.Empty(t, deltas)

	// A new detent beyond the reset gap must not inherit the old +5.
	dev.push(evdev.EV_REL, evdev.REL_X, 1, 150*time.Millisecond)
	dev.push(evdev.EV_REL, evdev.REL_X, 1, time.Millisecond)
	s.ProcessEvents(collect(&deltas), nil)
	assert.Equal(t, []int{2}, deltas)
}

func TestProcessEvents_VerticalInverted(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	dev := newFakeDevice(clock)
	s := newTestSource(dev, clock)
	require.NoError(t, s.Open())

	dev.push(evdev.EV_REL, evdev.REL_Y, 1, 0)
	dev.push(evdev.EV_REL, evdev.REL_Y, 1, time.Millisecond)

	var deltas []int
	s.ProcessEvents(collect(&deltas), nil)
	assert.Equal(t, []int{-2}, deltas)
}

func TestProcessEvents_KeySynthesis(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	dev := newFakeDevice(clock)
	s := newTestSource(dev, clock)
	require.NoError(t, s.Open())

	dev.push(evdev.EV_KEY, evdev.KEY_LEFT, 1, 0)
	dev.push(evdev.EV_KEY, evdev.KEY_LEFT, 0, 0) // release ignored
	dev.push(evdev.EV_KEY, evdev.KEY_RIGHT, 1, 0)
	dev.push(evdev.EV_KEY, evdev.KEY_UP, 1, 0)
	dev.push(evdev.EV_KEY, evdev.KEY_DOWN, 1, 0)

	var deltas []int
	s.ProcessEvents(collect(&deltas), nil)
	assert.Equal(t, []int{-5, 5, -5, 5}, deltas)
}

func TestProcessEvents_ButtonPress(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	dev := newFakeDevice(clock)
	s := newTestSource(dev, clock)
	require.NoError(t, s.Open())

	dev.push(evdev.EV_KEY, evdev.BTN_LEFT, 1, 0)
	dev.push(evdev.EV_KEY, evdev.BTN_LEFT, 0, 0)

	presses := 0
	s.ProcessEvents(nil, func() { presses++ })
	assert.Equal(t, 1, presses)

	dev.push(evdev.EV_KEY, evdev.KEY_ENTER, 1, 0)
	s.ProcessEvents(nil, func() { presses++ })
	assert.Equal(t, 2, presses)
}

func TestProcessEvents_BurstCapDiscardsSurplus(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	dev := newFakeDevice(clock)
	s := newTestSource(dev, clock)
	require.NoError(t, s.Open())

	for i := 0; i < 8; i++ {
		dev.push(evdev.EV_REL, evdev.REL_X, 1, 0)
	}

	var deltas []int
	s.ProcessEvents(collect(&deltas), nil)

	// Only the capped five count; the surplus is drained and dropped.
	assert.Equal(t, []int{5}, deltas)
	assert.Empty(t, dev.queue)
}

func TestProcessEvents_NoEvents(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	dev := newFakeDevice(clock)
	s := newTestSource(dev, clock)
	require.NoError(t, s.Open())

	assert.False(t, s.ProcessEvents(nil, nil))
}

func TestWaitForEvents_StaleDescriptorReopened(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	stale := newFakeDevice(clock)
	stale.valid = false
	fresh := newFakeDevice(clock)
	fresh.waitResult = 1

	opens := 0
	s := newTestSource(stale, clock)
	s.openDevice = func(string) (eventDevice, error) {
		opens++
		if opens == 1 {
			return stale, nil
		}
		return fresh, nil
	}
	require.NoError(t, s.Open())

	assert.Equal(t, 1, s.WaitForEvents(20))
	assert.Equal(t, 1, stale.closes)
	assert.Equal(t, 1, fresh.grabs)
}

func TestWaitForEvents_ReopenFailure(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	stale := newFakeDevice(clock)
	stale.valid = false

	opens := 0
	s := newTestSource(stale, clock)
	s.openDevice = func(string) (eventDevice, error) {
		opens++
		if opens == 1 {
			return stale, nil
		}
		return nil, errors.New("no such device")
	}
	require.NoError(t, s.Open())

	assert.Equal(t, -1, s.WaitForEvents(20))
}

func TestCheckConnection(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	dev := newFakeDevice(clock)
	s := newTestSource(dev, clock)

	assert.False(t, s.CheckConnection())
	require.NoError(t, s.Open())
	assert.True(t, s.CheckConnection())

	dev.alive = false
	assert.False(t, s.CheckConnection())
}
