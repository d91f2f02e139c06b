package swapchain

import (
	"testing"

	"github.com/kestrelwm/scanoutd/pkg/fb"
	"github.com/kestrelwm/scanoutd/pkg/kms"
	"github.com/stretchr/testify/require"
)

type stubBuffer struct {
	id fb.BufferID
}

func (s stubBuffer) ID() fb.BufferID         { return s.id }
func (s stubBuffer) Format() kms.Format       { return 1 }
func (s stubBuffer) Modifier() kms.Modifier   { return kms.Linear }

type fakeAlloc struct{ calls int }

func (a *fakeAlloc) Allocate(mode kms.Mode, format kms.Format, mods []kms.Modifier) (Buffer, error) {
	a.calls++
	return stubBuffer{id: fb.BufferID(a.calls)}, nil
}

type fakeExporter struct{}

func (fakeExporter) Export(dev kms.DeviceFD, buf fb.Buffer, useOpaque bool) (kms.FramebufferHandle, error) {
	return fakeHandle{}, nil
}

type fakeHandle struct{}

func (fakeHandle) ID() uint64   { return 1 }
func (fakeHandle) Close() error { return nil }

func TestAcquireAllocatesUpToCapacity(t *testing.T) {
	alloc := &fakeAlloc{}
	c := New(alloc, fakeExporter{}, nil, 1, nil, kms.Mode{Width: 1920, Height: 1080}, 2)

	s1, err := c.Acquire()
	require.NoError(t, err)
	s2, err := c.Acquire()
	require.NoError(t, err)
	require.NotSame(t, s1, s2)

	_, err = c.Acquire()
	require.ErrorIs(t, err, Exhausted)
}

func TestSubmittedAgesOtherSlots(t *testing.T) {
	c := &Chain{cap: 2}
	s1 := &Slot{acquired: true}
	s2 := &Slot{acquired: true, Age: 3}
	c.slots = []*Slot{s1, s2}

	c.Submitted(s1)

	require.Equal(t, uint32(1), s1.Age)
	require.Equal(t, uint32(4), s2.Age)
	require.False(t, s1.acquired)
}

func TestReleaseReturnsSlotWithoutAgeChange(t *testing.T) {
	c := &Chain{cap: 1}
	s := &Slot{acquired: true, Age: 7}
	c.slots = []*Slot{s}

	c.Release(s)

	require.False(t, s.acquired)
	require.Equal(t, uint32(7), s.Age)

	got, err := c.Acquire()
	require.NoError(t, err)
	require.Same(t, s, got)
}

func TestResetBufferAgesZeroesAllAges(t *testing.T) {
	c := &Chain{cap: 2}
	c.slots = []*Slot{{Age: 5}, {Age: 2}}
	c.ResetBufferAges()
	for _, s := range c.slots {
		require.Equal(t, uint32(0), s.Age)
	}
}

func TestResizeDrainsBuffers(t *testing.T) {
	alloc := &fakeAlloc{}
	c := New(alloc, fakeExporter{}, nil, 1, nil, kms.Mode{Width: 1920, Height: 1080}, 2)
	_, err := c.Acquire()
	require.NoError(t, err)
	require.Len(t, c.slots, 1)

	c.Resize(kms.Mode{Width: 3840, Height: 2160})
	require.Len(t, c.slots, 0)
}
