package ctrl

import (
	"context"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/state"
)

// rawFrameDone handles the processing engine's frame-done.
//
// Frames older than the reported one that are still inner but covered by
// the write counter lost their own frame-done; they are completed first,
// in order, so consumers see frames in sequence.
func (c *Context) rawFrameDone(ev FrameDone) {
	seq := ev.FrameInnerIdx
	write := c.expandWriteCnt(ev.WriteCnt, int(c.ispSeq.Load()))

	var lost []*StreamData
	var cur *StreamData
	c.list.Do(func(tx *state.Tx) {
		for e := range tx.All() {
			sd := e.(*StreamData)
			s := tx.State(e)
			switch {
			case sd.Seq == seq:
				cur = sd
			case sd.Seq < seq && sd.Seq <= write && s.ReachedInner() && !s.Terminal():
				lost = append(lost, sd)
			}
		}
	})

	c.recoverFrames(lost)
	if cur == nil {
		c.counters.stale.Add(1)
		c.log.Debug("camctrl: frame done for untracked frame", "frame_seq", seq)
		return
	}
	c.queueFrameDone(cur)
}

// recoverFrames completes frames whose frame-done never arrived.
func (c *Context) recoverFrames(sds []*StreamData) {
	n := 0
	for _, sd := range sds {
		if c.queueFrameDone(sd) {
			n++
			c.lostLog.Do(func() {
				c.log.Info("camctrl: recovering lost frame done from write counter", "frame_seq", sd.Seq)
			})
		}
	}
	if n > 0 {
		c.counters.recovered.Add(uint64(n))
		c.metrics.Recovered(context.Background(), c.cfg.StreamID, n)
	}
}

// queueFrameDone hands sd to the frame-done worker once. Returns false if
// it was already queued.
func (c *Context) queueFrameDone(sd *StreamData) bool {
	if !sd.doneQueued.CompareAndSwap(false, true) {
		return false
	}
	if !c.doneQ.Submit(func(context.Context) { c.completeFrame(sd) }) {
		sd.doneQueued.Store(false)
		return false
	}
	return true
}

// completeFrame is the frame-done worker body.
//
// Algorithm:
//  1. Apply the family's done edge and drop the list entry
//  2. Release processing buffers up to the frame
//  3. Finish the stream data; the request completes when its last stream
//     data (sibling exposures and sub pipes included) finishes
//  4. Let the topology admit more work
//
// A frame not yet on its inner label is left alone and may be completed by
// a later frame-done.
func (c *Context) completeFrame(sd *StreamData) {
	var (
		final state.State
		ok    bool
	)
	c.list.Do(func(tx *state.Tx) {
		final, ok = tx.Complete(sd)
		if ok {
			tx.Remove(sd)
		}
	})
	if !ok {
		sd.doneQueued.Store(false)
		c.counters.stale.Add(1)
		c.log.Warn("camctrl: frame done before frame was latched", "frame_seq", sd.Seq, "state", final.String())
		return
	}
	sd.req.put()
	c.bufs.Release(sd.Seq)

	status := StatusNormal
	if final == state.DoneMismatch {
		status = StatusMismatch
		c.counters.mismatch.Add(1)
	}
	c.counters.framesDone.Add(1)
	if sd.Err() != nil {
		status = StatusError
	}
	c.metrics.FrameDone(context.Background(), c.cfg.StreamID, status.String())
	c.log.Debug("camctrl: frame done", "frame_seq", sd.Seq, "state", final.String())

	sd.finish(status, nil)
	c.topo.completed(c, sd)
}

// metaDone hands the statistics buffer of a frame to the consumer, ordered
// with frame completion.
func (c *Context) metaDone(ev AFODone) {
	pipe, seq := ev.Engine, ev.FrameInnerIdx
	c.doneQ.Submit(func(context.Context) {
		c.sys.consumer.MetaDone(pipe, seq)
	})
}

func (c *Context) frameDrop(ev FrameDrop) {
	c.counters.frameDrops.Add(1)
	c.hwLog.Do(func() {
		c.log.Warn("camctrl: engine dropped frame", "engine", ev.Engine.String(), "frame_inner_idx", ev.FrameInnerIdx)
	})
}
