package ctrl

import "fmt"

// muxSlot names a mux destination: the raw engine or the i-th camsv sub pipe.
type muxSlot int

const slotRaw muxSlot = -1

type muxEntry struct {
	pad    int
	slot   muxSlot
	enable bool
}

// muxPlans is the routing change for each exposure switch. Pads count from
// the first (longest) exposure; the raw engine always takes the last one and
// earlier exposures go to camsv engines in order.
var muxPlans = map[SwitchType][]muxEntry{
	Switch1To2: {
		{pad: 0, slot: 0, enable: true},
		{pad: 1, slot: slotRaw, enable: true},
	},
	Switch1To3: {
		{pad: 0, slot: 0, enable: true},
		{pad: 1, slot: 1, enable: true},
		{pad: 2, slot: slotRaw, enable: true},
	},
	Switch2To1: {
		{pad: 1, slot: slotRaw, enable: false},
		{pad: 0, slot: 0, enable: false},
		{pad: 0, slot: slotRaw, enable: true},
	},
	Switch2To3: {
		{pad: 1, slot: slotRaw, enable: false},
		{pad: 1, slot: 1, enable: true},
		{pad: 2, slot: slotRaw, enable: true},
	},
	Switch3To1: {
		{pad: 2, slot: slotRaw, enable: false},
		{pad: 1, slot: 1, enable: false},
		{pad: 0, slot: 0, enable: false},
		{pad: 0, slot: slotRaw, enable: true},
	},
	Switch3To2: {
		{pad: 2, slot: slotRaw, enable: false},
		{pad: 1, slot: 1, enable: false},
		{pad: 1, slot: slotRaw, enable: true},
	},
}

// muxSettings resolves the plan of sw against the engines of a context.
// It also returns the engines whose double-buffered registers must be
// reloaded.
func muxSettings(sw SwitchType, raw Engine, subs []Engine) ([]MuxSetting, []Engine, error) {
	plan, ok := muxPlans[sw]
	if !ok {
		return nil, nil, fmt.Errorf("%w: no mux plan for switch %s", ErrInvalidIndex, sw)
	}

	var svs []Engine
	for _, e := range subs {
		if e.Class == ClassCamsv {
			svs = append(svs, e)
		}
	}

	settings := make([]MuxSetting, 0, len(plan))
	engines := []Engine{raw}
	seen := map[Engine]bool{raw: true}
	for _, m := range plan {
		target := raw
		if m.slot != slotRaw {
			if int(m.slot) >= len(svs) {
				return nil, nil, fmt.Errorf("%w: switch %s needs camsv slot %d, context has %d",
					ErrInvalidConfig, sw, m.slot, len(svs))
			}
			target = svs[m.slot]
		}
		settings = append(settings, MuxSetting{Source: m.pad, Target: target, Tag: m.pad, Enable: m.enable})
		if !seen[target] {
			seen[target] = true
			engines = append(engines, target)
		}
	}
	return settings, engines, nil
}

// applySwitch reprograms the mux for sd's switch and reloads the double
// buffers. Runs on the SOF right before sd's command queue is applied.
func (c *Context) applySwitch(sd *StreamData) {
	sw := sd.Feature.Switch
	log := c.log.With("frame_seq", sd.Seq, "switch", sw.String())

	if c.router == nil {
		log.Error("camctrl: exposure switch without router", "error", ErrNoRouter)
		c.countError(CategoryInvalid)
		return
	}

	settings, engines, err := muxSettings(sw, c.cfg.Raw, c.cfg.SubPipes)
	if err != nil {
		log.Error("camctrl: mux plan failed", "error", err)
		c.countError(CategoryInvalid)
		return
	}
	if err := c.router.ProgramMux(settings); err != nil {
		log.Error("camctrl: mux programming failed", "error", err)
		c.countError(CategoryDevice)
		return
	}
	if err := c.router.ToggleDBLoad(engines); err != nil {
		log.Error("camctrl: double buffer toggle failed", "error", err)
		c.countError(CategoryDevice)
	}

	c.exposures.Store(int64(sw.Target()))
	c.counters.switches.Add(1)
	log.Info("camctrl: exposure switch programmed", "exposures", sw.Target(), "engines", len(engines))
}
