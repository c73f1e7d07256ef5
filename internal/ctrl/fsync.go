package ctrl

import (
	"context"
	"log/slog"
	"sync"
)

// syncGroup coordinates the sensors of one request that must expose in
// lockstep.
//
// The first context entering turns frame sync on through its own sensor; the
// last one leaving turns it off through the same sensor. Contexts without
// frame sync never join. target counts contexts, so each context enters and
// leaves once per request.
type syncGroup struct {
	mu      sync.Mutex
	target  int
	entered int
	left    int
	leader  FrameSyncer
}

func newSyncGroup(target int) *syncGroup {
	if target < 2 {
		return nil
	}
	return &syncGroup{target: target}
}

func (g *syncGroup) enter(ctx context.Context, s Sensor, log *slog.Logger) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.entered++
	if g.entered != 1 {
		return
	}
	fs, ok := s.(FrameSyncer)
	if !ok {
		log.Warn("camctrl: sensor cannot frame sync, group runs unsynchronized")
		return
	}
	g.leader = fs
	if err := fs.SetFrameSync(ctx, true); err != nil {
		log.Error("camctrl: frame sync enable failed", "error", err)
	}
}

func (g *syncGroup) leave(ctx context.Context, log *slog.Logger) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.left++
	if g.left != g.target || g.leader == nil {
		return
	}
	if err := g.leader.SetFrameSync(ctx, false); err != nil {
		log.Error("camctrl: frame sync disable failed", "error", err)
	}
}
