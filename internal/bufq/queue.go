// Package bufq holds the working buffers of a capture context: composed
// buffers waiting to be applied at SOF, and processing buffers owned by the
// hardware until their frame-done.
package bufq

import (
	"fmt"
	"sync"
)

// CQDesc locates a command-queue payload in device memory.
type CQDesc struct {
	BaseAddr  uint64
	Size      uint32
	Offset    uint32
	SubSize   uint32
	SubOffset uint32
}

func (d CQDesc) String() string {
	return fmt.Sprintf("cq@%#x+%#x/%d sub+%#x/%d", d.BaseAddr, d.Offset, d.Size, d.SubOffset, d.SubSize)
}

// Buffer is one composed command-queue set for a frame.
type Buffer struct {
	FrameSeq int
	CQ       CQDesc
}

// Queue is the composed/processing pair of one capture context.
//
// The two lists have independent locks: the composer appends to composed
// while the frame-done path releases processing buffers.
type Queue struct {
	composedMu sync.Mutex
	composed   []*Buffer

	processingMu sync.Mutex
	processing   []*Buffer
}

// New returns an empty queue pair.
func New() *Queue {
	return &Queue{}
}

// PushComposed appends a buffer whose command set is ready.
func (q *Queue) PushComposed(b *Buffer) {
	q.composedMu.Lock()
	q.composed = append(q.composed, b)
	q.composedMu.Unlock()
}

// PeekComposed returns the composed head without removing it.
func (q *Queue) PeekComposed() (*Buffer, bool) {
	q.composedMu.Lock()
	defer q.composedMu.Unlock()
	if len(q.composed) == 0 {
		return nil, false
	}
	return q.composed[0], true
}

// ApplyNext moves the composed head to the processing tail and returns it.
// ok is false when nothing is composed.
func (q *Queue) ApplyNext() (b *Buffer, ok bool) {
	q.composedMu.Lock()
	if len(q.composed) == 0 {
		q.composedMu.Unlock()
		return nil, false
	}
	b = q.composed[0]
	q.composed[0] = nil
	q.composed = q.composed[1:]
	q.composedMu.Unlock()

	q.processingMu.Lock()
	q.processing = append(q.processing, b)
	q.processingMu.Unlock()
	return b, true
}

// ApplyFor is ApplyNext restricted to the buffer of frame seq: the composed
// head moves only if it belongs to seq. The head is returned either way.
func (q *Queue) ApplyFor(seq int) (b *Buffer, ok bool) {
	q.composedMu.Lock()
	if len(q.composed) == 0 {
		q.composedMu.Unlock()
		return nil, false
	}
	b = q.composed[0]
	if b.FrameSeq != seq {
		q.composedMu.Unlock()
		return b, false
	}
	q.composed[0] = nil
	q.composed = q.composed[1:]
	q.composedMu.Unlock()

	q.processingMu.Lock()
	q.processing = append(q.processing, b)
	q.processingMu.Unlock()
	return b, true
}

// Unapply returns b, the last buffer applied, to the composed head. It
// reports false when b is not the processing tail.
func (q *Queue) Unapply(b *Buffer) bool {
	q.processingMu.Lock()
	n := len(q.processing)
	if n == 0 || q.processing[n-1] != b {
		q.processingMu.Unlock()
		return false
	}
	q.processing[n-1] = nil
	q.processing = q.processing[:n-1]
	q.processingMu.Unlock()

	q.composedMu.Lock()
	q.composed = append([]*Buffer{b}, q.composed...)
	q.composedMu.Unlock()
	return true
}

// Release removes processing buffers up to and including seq, oldest first.
func (q *Queue) Release(seq int) []*Buffer {
	q.processingMu.Lock()
	defer q.processingMu.Unlock()

	n := 0
	for n < len(q.processing) && q.processing[n].FrameSeq <= seq {
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]*Buffer, n)
	copy(out, q.processing[:n])
	q.processing = append(q.processing[:0], q.processing[n:]...)
	return out
}

// Drain empties both lists (stream teardown).
func (q *Queue) Drain() (composed, processing []*Buffer) {
	q.composedMu.Lock()
	composed, q.composed = q.composed, nil
	q.composedMu.Unlock()

	q.processingMu.Lock()
	processing, q.processing = q.processing, nil
	q.processingMu.Unlock()
	return composed, processing
}

// Len returns the current list lengths.
func (q *Queue) Len() (composed, processing int) {
	q.composedMu.Lock()
	composed = len(q.composed)
	q.composedMu.Unlock()

	q.processingMu.Lock()
	processing = len(q.processing)
	q.processingMu.Unlock()
	return composed, processing
}
