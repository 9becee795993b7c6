package session

import (
	"github.com/pion/transport/v3/replaydetector"
)

// DefaultReplayWindow is the default replay window size in packets.
const DefaultReplayWindow = 64

// maxSequenceNumber is the largest RTP sequence number; windows wrap after it.
const maxSequenceNumber = 0xffff

// replayWindows keeps one sliding window per SSRC. Not safe for concurrent
// use; Session serialises access under its unprotect lock.
type replayWindows struct {
	size    uint
	windows map[uint32]replaydetector.ReplayDetector
}

func newReplayWindows(size uint) *replayWindows {
	if size == 0 {
		size = DefaultReplayWindow
	}
	return &replayWindows{
		size:    size,
		windows: make(map[uint32]replaydetector.ReplayDetector),
	}
}

// check tests seq against the SSRC's window. The returned accept function
// must be called only after the packet authenticated, so that forged packets
// cannot advance the window.
func (r *replayWindows) check(ssrc uint32, seq uint16) (accept func(), ok bool) {
	w, exists := r.windows[ssrc]
	if !exists {
		w = replaydetector.WithWrap(r.size, maxSequenceNumber)
		r.windows[ssrc] = w
	}

	markAsSeen, ok := w.Check(uint64(seq))
	if !ok {
		return nil, false
	}
	return func() { markAsSeen() }, true
}

func (r *replayWindows) reset() {
	r.windows = make(map[uint32]replaydetector.ReplayDetector)
}
